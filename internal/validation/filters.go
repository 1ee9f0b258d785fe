package validation

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/types"
)

// FilterQuotes drops candidates that cannot be used for a swap of amountIn
// into out: zero amounts, wrong precision, or more input than offered. When
// enough venues answered, quotes whose implied rate is a statistical outlier
// are dropped as well.
func (v *Validator) FilterQuotes(quotes []model.Quote, amountIn amount.Amount, out types.Asset) []model.Quote {
	valid := make([]model.Quote, 0, len(quotes))
	for _, q := range quotes {
		if isUsableQuote(q, amountIn, out) {
			valid = append(valid, q)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"venue":      q.Venue,
			"amount_in":  q.AmountIn.String(),
			"amount_out": q.AmountOut.String(),
		}).Debug("Filtered unusable quote")
	}

	if v.opts.QuoteOutlierIQR > 0 {
		valid = filterOutliers(valid, v.opts.QuoteOutlierIQR)
	}
	return valid
}

func isUsableQuote(q model.Quote, amountIn amount.Amount, out types.Asset) bool {
	if q.AmountOut.IsZero() || q.AmountOut.Decimals() != out.Decimals {
		return false
	}
	if q.AmountIn.IsZero() || q.AmountIn.Decimals() != amountIn.Decimals() || q.AmountIn.Cmp(amountIn) > 0 {
		return false
	}
	return true
}

// impliedRate is output per unit of input. It only ranks quotes; leg
// amounts always come from the quote itself.
func impliedRate(q model.Quote) float64 {
	return q.AmountOut.Float() / q.AmountIn.Float()
}

// filterOutliers removes quotes whose implied rate falls outside the IQR
// fence. A venue answering far above its peers is usually quoting a stale or
// manipulated pool.
func filterOutliers(quotes []model.Quote, iqrMultiplier float64) []model.Quote {
	if len(quotes) <= 3 {
		return quotes // Need at least 4 points for meaningful outlier detection
	}

	rates := make([]float64, len(quotes))
	for i, q := range quotes {
		rates[i] = impliedRate(q)
	}
	sort.Float64s(rates)

	q1 := rates[len(rates)/4]
	q3 := rates[len(rates)*3/4]
	median := rates[len(rates)/2]
	iqr := q3 - q1

	lowerBound := q1 - iqrMultiplier*iqr
	upperBound := q3 + iqrMultiplier*iqr

	// venues agreeing almost exactly would otherwise fence out any spread
	if upperBound-lowerBound < median*0.01 {
		lowerBound = median * 0.9
		upperBound = median * 1.1
	}

	valid := make([]model.Quote, 0, len(quotes))
	for _, q := range quotes {
		rate := impliedRate(q)
		if rate >= lowerBound && rate <= upperBound {
			valid = append(valid, q)
			continue
		}
		logrus.WithFields(logrus.Fields{
			"venue":  q.Venue,
			"rate":   rate,
			"bounds": []float64{lowerBound, upperBound},
		}).Info("Filtered outlier quote")
	}

	logrus.WithFields(logrus.Fields{
		"total":    len(quotes),
		"filtered": len(quotes) - len(valid),
	}).Debug("Quote outlier filtering complete")

	return valid
}
