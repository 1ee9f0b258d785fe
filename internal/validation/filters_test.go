package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/model"
)

func quotesAt(in amount.Amount, outs ...string) []model.Quote {
	quotes := make([]model.Quote, len(outs))
	for i, out := range outs {
		quotes[i] = model.Quote{Venue: out, AmountIn: in, AmountOut: amount.MustParse(out, 9)}
	}
	return quotes
}

func venues(quotes []model.Quote) []string {
	out := make([]string, len(quotes))
	for i, q := range quotes {
		out[i] = q.Venue
	}
	return out
}

func TestFilterQuotes_Outliers(t *testing.T) {
	in := amount.MustParse("100", 6)
	v := New(DefaultOptions())

	tests := []struct {
		name string
		outs []string
		want []string
	}{
		{"too few venues to judge", []string{"99.7", "99.6", "150"}, []string{"99.7", "99.6", "150"}},
		{"one venue far above peers", []string{"99.7", "99.6", "99.8", "99.5", "150"}, []string{"99.7", "99.6", "99.8", "99.5"}},
		{"tight agreement keeps small spread", []string{"100", "100", "100", "100", "105"}, []string{"100", "100", "100", "100", "105"}},
		{"tight agreement drops large spread", []string{"100", "100", "100", "100", "130"}, []string{"100", "100", "100", "100"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.FilterQuotes(quotesAt(in, tt.outs...), in, sui)
			assert.Equal(t, tt.want, venues(got))
		})
	}
}

func TestFilterQuotes_OutliersDisabled(t *testing.T) {
	in := amount.MustParse("100", 6)
	v := New(Options{})

	got := v.FilterQuotes(quotesAt(in, "99.7", "99.6", "99.8", "99.5", "150"), in, sui)
	assert.Len(t, got, 5)
}

func TestFilterQuotes_ZeroInput(t *testing.T) {
	in := amount.MustParse("100", 6)
	v := New(DefaultOptions())

	got := v.FilterQuotes([]model.Quote{{Venue: "empty", AmountIn: amount.Zero(6), AmountOut: amount.MustParse("1", 9)}}, in, sui)
	assert.Empty(t, got)
}
