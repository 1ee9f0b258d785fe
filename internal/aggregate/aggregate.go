// Package aggregate resolves swap quotes across one or more venues and picks
// the best candidate.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/types"
)

// Quoter returns zero or more swap candidates for amountIn of assetIn.
type Quoter interface {
	Quote(ctx context.Context, amountIn amount.Amount, assetIn, assetOut types.Asset) ([]model.Quote, error)
}

// QuoterFunc adapts a function to Quoter.
type QuoterFunc func(ctx context.Context, amountIn amount.Amount, assetIn, assetOut types.Asset) ([]model.Quote, error)

func (f QuoterFunc) Quote(ctx context.Context, amountIn amount.Amount, assetIn, assetOut types.Asset) ([]model.Quote, error) {
	return f(ctx, amountIn, assetIn, assetOut)
}

// Best returns the candidate with the greatest output. Only a strictly
// greater output replaces the current pick, so equal outputs keep the
// first-seen quote.
func Best(quotes []model.Quote) (model.Quote, bool) {
	if len(quotes) == 0 {
		return model.Quote{}, false
	}
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.AmountOut.Cmp(best.AmountOut) > 0 {
			best = q
		}
	}
	return best, true
}

// Venue is a named swap quote source.
type Venue struct {
	Name   string
	Quoter Quoter
}

// Resolver fans a quote request out to every venue concurrently and merges
// the candidates in venue registration order.
type Resolver struct {
	venues  []Venue
	timeout time.Duration
}

// NewResolver creates a resolver; timeout bounds each venue call.
func NewResolver(timeout time.Duration, venues ...Venue) *Resolver {
	return &Resolver{venues: venues, timeout: timeout}
}

// Venues returns the registered venue names.
func (r *Resolver) Venues() []string {
	names := make([]string, len(r.venues))
	for i, v := range r.venues {
		names[i] = v.Name
	}
	return names
}

// Quote implements Quoter. Venues that fail are skipped; the call fails only
// when every venue fails.
func (r *Resolver) Quote(ctx context.Context, amountIn amount.Amount, assetIn, assetOut types.Asset) ([]model.Quote, error) {
	if len(r.venues) == 0 {
		return nil, errors.New("no swap venues configured")
	}

	type result struct {
		quotes []model.Quote
		err    error
	}
	results := make([]result, len(r.venues))

	var wg sync.WaitGroup
	for i, v := range r.venues {
		wg.Add(1)
		go func(i int, v Venue) {
			defer wg.Done()

			venueCtx := ctx
			if r.timeout > 0 {
				var cancel context.CancelFunc
				venueCtx, cancel = context.WithTimeout(ctx, r.timeout)
				defer cancel()
			}

			quotes, err := v.Quoter.Quote(venueCtx, amountIn, assetIn, assetOut)
			for j := range quotes {
				if quotes[j].Venue == "" {
					quotes[j].Venue = v.Name
				}
			}
			results[i] = result{quotes: quotes, err: err}
		}(i, v)
	}
	wg.Wait()

	var (
		merged []model.Quote
		errs   []error
	)
	for i, res := range results {
		if res.err != nil {
			logrus.WithFields(logrus.Fields{
				"venue": r.venues[i].Name,
				"pair":  assetIn.String() + "/" + assetOut.String(),
			}).Warnf("Swap quote failed: %v", res.err)
			errs = append(errs, fmt.Errorf("%s: %w", r.venues[i].Name, res.err))
			continue
		}
		merged = append(merged, res.quotes...)
	}

	if len(errs) == len(r.venues) {
		return nil, fmt.Errorf("all swap venues failed: %w", errors.Join(errs...))
	}

	logrus.Debugf("Resolved %d swap quotes from %d/%d venues", len(merged), len(r.venues)-len(errs), len(r.venues))
	return merged, nil
}
