// Package engine ties the providers, planners and validator together. Every
// operation reads fresh snapshots, plans, and accepts the plan before handing
// it back; nothing is cached between requests.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/aggregate"
	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/circuitbreaker"
	"github.com/yourorg/leverage-engine/internal/config"
	"github.com/yourorg/leverage-engine/internal/fetch"
	"github.com/yourorg/leverage-engine/internal/loop"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/planerr"
	"github.com/yourorg/leverage-engine/internal/planner"
	"github.com/yourorg/leverage-engine/internal/submit"
	"github.com/yourorg/leverage-engine/internal/types"
	"github.com/yourorg/leverage-engine/internal/validation"
)

// Provider names, also used as circuit breaker names
const (
	ProviderLending   = "lending"
	ProviderFlashLoan = "flashloan"
	ProviderSwap      = "swap"
)

// ErrSubmissionDisabled is returned by Submit when no consumer is configured.
var ErrSubmissionDisabled = errors.New("plan submission is not configured")

// LendingMarket reads positions and reserve parameters.
type LendingMarket interface {
	GetPosition(ctx context.Context, account string) (model.PositionState, error)
	GetMarketParams(ctx context.Context, asset types.Asset) (model.MarketParams, error)
}

// FlashLender prices flash loans.
type FlashLender interface {
	FeeRateBps(ctx context.Context, asset types.Asset) (uint64, error)
	MaxLoanAmount(ctx context.Context, asset types.Asset) (amount.Amount, error)
}

// Consumer receives accepted plans.
type Consumer interface {
	Submit(ctx context.Context, plan *model.Plan) (submit.Receipt, error)
}

// Options configures an Engine. Lending, FlashLender and Quoter are required.
type Options struct {
	Lending     LendingMarket
	FlashLender FlashLender
	Quoter      aggregate.Quoter

	// Consumer is optional; without it Submit fails
	Consumer Consumer

	Policy    config.Policy
	Validator *validation.Validator

	// ProviderTimeout bounds each provider call
	ProviderTimeout time.Duration

	// Breakers by provider name; missing providers get a default breaker
	Breakers map[string]*circuitbreaker.CircuitBreaker
}

// Engine plans and submits leveraged position operations.
type Engine struct {
	lending     LendingMarket
	flashLender FlashLender
	quoter      aggregate.Quoter
	consumer    Consumer

	validator *validation.Validator
	planner   *planner.Planner
	looper    *loop.Planner

	providerTimeout time.Duration
	breakers        map[string]*circuitbreaker.CircuitBreaker
}

// New validates opts and builds an engine.
func New(opts Options) (*Engine, error) {
	if opts.Lending == nil {
		return nil, errors.New("lending market provider is required")
	}
	if opts.FlashLender == nil {
		return nil, errors.New("flash lender provider is required")
	}
	if opts.Quoter == nil {
		return nil, errors.New("swap quoter is required")
	}
	if opts.ProviderTimeout <= 0 {
		return nil, errors.New("provider timeout must be > 0")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	v := opts.Validator
	if v == nil {
		v = validation.New(validation.OptionsFromPolicy(opts.Policy))
	}

	breakers := make(map[string]*circuitbreaker.CircuitBreaker, 3)
	for _, name := range []string{ProviderLending, ProviderFlashLoan, ProviderSwap} {
		cb, ok := opts.Breakers[name]
		if !ok || cb == nil {
			cb = circuitbreaker.New(name, circuitbreaker.Thresholds{})
		}
		breakers[name] = cb.WithIgnoredErrors(fetch.IsCallerError)
	}

	return &Engine{
		lending:         opts.Lending,
		flashLender:     opts.FlashLender,
		quoter:          opts.Quoter,
		consumer:        opts.Consumer,
		validator:       v,
		planner:         planner.New(opts.Policy, v),
		looper:          loop.New(opts.Policy, v),
		providerTimeout: opts.ProviderTimeout,
		breakers:        breakers,
	}, nil
}

// Breakers returns the provider circuit breakers keyed by provider name
func (e *Engine) Breakers() map[string]*circuitbreaker.CircuitBreaker {
	out := make(map[string]*circuitbreaker.CircuitBreaker, len(e.breakers))
	for k, v := range e.breakers {
		out[k] = v
	}
	return out
}

// call runs fn under the provider's breaker and timeout. A provider failure
// is reported as ProviderUnavailable with the cause kept as detail only so the
// reason stays unambiguous. Errors caused by the request itself leave the
// breaker alone: a 404 becomes the missing reason (ProviderUnavailable when
// nil), other rejections InvalidAmount.
func (e *Engine) call(ctx context.Context, provider string, missing error, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()

	err := e.breakers[provider].Execute(func() error { return fn(ctx) })
	switch {
	case err == nil:
		return nil
	case fetch.IsCallerError(err):
		logrus.WithFields(logrus.Fields{
			"provider": provider,
			"error":    err.Error(),
		}).Debug("Provider rejected request")
		if missing != nil && errors.Is(err, fetch.ErrNotFound) {
			return planerr.New(missing, "%s: %v", provider, err)
		}
		if errors.Is(err, fetch.ErrUnsupportedAsset) {
			return planerr.New(planerr.ErrProviderUnavailable, "%s: %v", provider, err)
		}
		return planerr.New(planerr.ErrInvalidAmount, "%s rejected the request: %v", provider, err)
	default:
		return planerr.New(planerr.ErrProviderUnavailable, "%s: %v", provider, err)
	}
}

func (e *Engine) position(ctx context.Context, account string) (model.PositionState, error) {
	var pos model.PositionState
	err := e.call(ctx, ProviderLending, planerr.ErrNoPosition, func(ctx context.Context) error {
		var err error
		pos, err = e.lending.GetPosition(ctx, account)
		return err
	})
	if pos.Account == "" {
		pos.Account = account
	}
	return pos, err
}

func (e *Engine) market(ctx context.Context, asset types.Asset) (model.MarketParams, error) {
	var p model.MarketParams
	err := e.call(ctx, ProviderLending, planerr.ErrNoLiquidity, func(ctx context.Context) error {
		var err error
		p, err = e.lending.GetMarketParams(ctx, asset)
		return err
	})
	if err != nil {
		return model.MarketParams{}, err
	}
	if err := e.breakers[ProviderLending].CheckRate(asset.Symbol, p.Rate); err != nil {
		return model.MarketParams{}, planerr.New(planerr.ErrProviderUnavailable, "%s: %v", ProviderLending, err)
	}
	if p.Asset.CoinType == "" {
		p.Asset = asset
	}
	return p, nil
}

func (e *Engine) flashTerms(ctx context.Context, asset types.Asset) (fee uint64, maxLoan amount.Amount, err error) {
	err = fanOut(
		func() error {
			return e.call(ctx, ProviderFlashLoan, planerr.ErrNoLiquidity, func(ctx context.Context) error {
				var err error
				fee, err = e.flashLender.FeeRateBps(ctx, asset)
				return err
			})
		},
		func() error {
			return e.call(ctx, ProviderFlashLoan, planerr.ErrNoLiquidity, func(ctx context.Context) error {
				var err error
				maxLoan, err = e.flashLender.MaxLoanAmount(ctx, asset)
				return err
			})
		},
	)
	return fee, maxLoan, err
}

// fanOut runs the reads concurrently and returns the first error in
// argument order.
func fanOut(fns ...func() error) error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			errs[i] = fn()
		}(i, fn)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// guardedQuoter routes quote requests through the swap breaker.
type guardedQuoter struct {
	e *Engine
}

func (g guardedQuoter) Quote(ctx context.Context, amountIn amount.Amount, assetIn, assetOut types.Asset) ([]model.Quote, error) {
	var quotes []model.Quote
	err := g.e.call(ctx, ProviderSwap, planerr.ErrNoLiquidity, func(ctx context.Context) error {
		var err error
		quotes, err = g.e.quoter.Quote(ctx, amountIn, assetIn, assetOut)
		return err
	})
	return quotes, err
}
