package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/types"
)

var (
	usdc = types.Asset{Symbol: "USDC", CoinType: types.CoinUSDC, Decimals: 6}
	sui  = types.Asset{Symbol: "SUI", CoinType: types.CoinSUI, Decimals: 9}
)

func quote(venue, out string) model.Quote {
	return model.Quote{Venue: venue, AmountIn: amount.MustParse("100", 6), AmountOut: amount.MustParse(out, 9)}
}

func TestBest(t *testing.T) {
	tests := []struct {
		name      string
		quotes    []model.Quote
		wantVenue string
		wantOK    bool
	}{
		{"empty", nil, "", false},
		{"single", []model.Quote{quote("a", "40")}, "a", true},
		{"greatest output wins", []model.Quote{quote("a", "40"), quote("b", "41"), quote("c", "39")}, "b", true},
		{"tie keeps first seen", []model.Quote{quote("a", "41"), quote("b", "41")}, "a", true},
		{"later strictly greater replaces tie", []model.Quote{quote("a", "41"), quote("b", "41"), quote("c", "41.000000001")}, "c", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Best(tt.quotes)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantVenue, got.Venue)
		})
	}
}

func staticVenue(name string, outs ...string) Venue {
	return Venue{Name: name, Quoter: QuoterFunc(func(ctx context.Context, in amount.Amount, a, b types.Asset) ([]model.Quote, error) {
		quotes := make([]model.Quote, 0, len(outs))
		for _, o := range outs {
			quotes = append(quotes, model.Quote{AmountIn: in, AmountOut: amount.MustParse(o, b.Decimals)})
		}
		return quotes, nil
	})}
}

func TestResolver_MergesInVenueOrder(t *testing.T) {
	slow := Venue{Name: "slow", Quoter: QuoterFunc(func(ctx context.Context, in amount.Amount, a, b types.Asset) ([]model.Quote, error) {
		time.Sleep(20 * time.Millisecond)
		return []model.Quote{{AmountIn: in, AmountOut: amount.MustParse("41", 9)}}, nil
	})}
	r := NewResolver(time.Second, slow, staticVenue("fast", "41", "40"))

	quotes, err := r.Quote(context.Background(), amount.MustParse("100", 6), usdc, sui)
	require.NoError(t, err)
	require.Len(t, quotes, 3)
	assert.Equal(t, "slow", quotes[0].Venue, "order follows registration, not completion")
	assert.Equal(t, "fast", quotes[1].Venue)

	best, ok := Best(quotes)
	require.True(t, ok)
	assert.Equal(t, "slow", best.Venue, "tie across venues keeps the first registered")
	assert.Equal(t, []string{"slow", "fast"}, r.Venues())
}

func TestResolver_PartialFailure(t *testing.T) {
	broken := Venue{Name: "broken", Quoter: QuoterFunc(func(ctx context.Context, in amount.Amount, a, b types.Asset) ([]model.Quote, error) {
		return nil, errors.New("503")
	})}
	r := NewResolver(time.Second, broken, staticVenue("ok", "40"))

	quotes, err := r.Quote(context.Background(), amount.MustParse("100", 6), usdc, sui)
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
}

func TestResolver_AllFail(t *testing.T) {
	hang := Venue{Name: "hang", Quoter: QuoterFunc(func(ctx context.Context, in amount.Amount, a, b types.Asset) ([]model.Quote, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})}
	r := NewResolver(10*time.Millisecond, hang)

	_, err := r.Quote(context.Background(), amount.MustParse("100", 6), usdc, sui)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = NewResolver(time.Second).Quote(context.Background(), amount.MustParse("1", 6), usdc, sui)
	assert.Error(t, err)
}

func TestResolver_NoCandidatesIsNotAnError(t *testing.T) {
	r := NewResolver(time.Second, staticVenue("empty"))
	quotes, err := r.Quote(context.Background(), amount.MustParse("100", 6), usdc, sui)
	require.NoError(t, err)
	assert.Empty(t, quotes)
}
