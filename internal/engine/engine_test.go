package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/leverage-engine/internal/aggregate"
	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/circuitbreaker"
	"github.com/yourorg/leverage-engine/internal/config"
	"github.com/yourorg/leverage-engine/internal/fetch"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/planerr"
	"github.com/yourorg/leverage-engine/internal/submit"
	"github.com/yourorg/leverage-engine/internal/types"
)

var (
	usdc = types.Asset{Symbol: "USDC", CoinType: types.CoinUSDC, Decimals: 6}
	sui  = types.Asset{Symbol: "SUI", CoinType: types.CoinSUI, Decimals: 9}
)

type fakeLending struct {
	pos     model.PositionState
	markets map[string]model.MarketParams
	err     error
	posErr  error
	delay   time.Duration
	calls   int32
}

func (f *fakeLending) wait(ctx context.Context) error {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeLending) GetPosition(ctx context.Context, account string) (model.PositionState, error) {
	if err := f.wait(ctx); err != nil {
		return model.PositionState{}, err
	}
	if f.posErr != nil {
		return model.PositionState{}, f.posErr
	}
	return f.pos, nil
}

func (f *fakeLending) GetMarketParams(ctx context.Context, asset types.Asset) (model.MarketParams, error) {
	if err := f.wait(ctx); err != nil {
		return model.MarketParams{}, err
	}
	p, ok := f.markets[asset.Symbol]
	if !ok {
		return model.MarketParams{}, errors.New("unknown market " + asset.Symbol)
	}
	return p, nil
}

type fakeFlash struct {
	fee     uint64
	maxLoan amount.Amount
	err     error
}

func (f *fakeFlash) FeeRateBps(ctx context.Context, asset types.Asset) (uint64, error) {
	return f.fee, f.err
}

func (f *fakeFlash) MaxLoanAmount(ctx context.Context, asset types.Asset) (amount.Amount, error) {
	return f.maxLoan, f.err
}

type recordingConsumer struct {
	submitted []*model.Plan
}

func (c *recordingConsumer) Submit(ctx context.Context, plan *model.Plan) (submit.Receipt, error) {
	if err := plan.Consume(); err != nil {
		return submit.Receipt{}, err
	}
	c.submitted = append(c.submitted, plan)
	return submit.Receipt{PlanID: plan.ID.String(), Digest: plan.Digest}, nil
}

// pairQuoter quotes in × rate for each known pair.
func pairQuoter(rates map[string]string) aggregate.Quoter {
	return aggregate.QuoterFunc(func(ctx context.Context, in amount.Amount, from, to types.Asset) ([]model.Quote, error) {
		rate, ok := rates[from.Symbol+"/"+to.Symbol]
		if !ok {
			return nil, nil
		}
		out, err := amount.Convert(in, decimal.RequireFromString(rate), decimal.NewFromInt(1), to.Decimals, amount.Floor)
		if err != nil {
			return nil, err
		}
		return []model.Quote{{Venue: "cetus", AmountIn: in, AmountOut: out}}, nil
	})
}

func market(asset types.Asset, price string, maxLtv, threshold float64) model.MarketParams {
	return model.MarketParams{
		Asset:                asset,
		MaxLtv:               maxLtv,
		LiquidationThreshold: threshold,
		AvailableLiquidity:   amount.MustParse("1000000", asset.Decimals),
		Price:                decimal.RequireFromString(price),
		Rate:                 model.MarketRate{SupplyAPY: 0.03, BorrowAPY: 0.05},
		UpdatedAt:            time.Now(),
	}
}

func testPolicy() config.Policy {
	p := config.DefaultPolicy()
	p.SwapSlippageBufferBps = 0
	return p
}

func newEngine(t *testing.T, lending *fakeLending, flash *fakeFlash, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Lending:         lending,
		FlashLender:     flash,
		Quoter:          pairQuoter(map[string]string{"USDC/SUI": "0.997", "SUI/USDC": "2.991"}),
		Policy:          testPolicy(),
		ProviderTimeout: time.Second,
	}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func openLending() *fakeLending {
	deposit := market(sui, "1", 0.6, 0.7)
	deposit.RequiresOracleRefresh = true
	return &fakeLending{markets: map[string]model.MarketParams{
		"SUI":  deposit,
		"USDC": market(usdc, "1", 0.8, 0.85),
	}}
}

func goodFlash() *fakeFlash {
	return &fakeFlash{fee: 9, maxLoan: amount.MustParse("1000000", 6)}
}

func openRequest() OpenRequest {
	return OpenRequest{
		Account:        "0xabc",
		Collateral:     sui,
		Loan:           usdc,
		Deposit:        amount.MustParse("100", 9),
		TargetLeverage: decimal.NewFromInt(2),
	}
}

func TestNew_ValidatesOptions(t *testing.T) {
	base := Options{
		Lending:         openLending(),
		FlashLender:     goodFlash(),
		Quoter:          pairQuoter(nil),
		Policy:          config.DefaultPolicy(),
		ProviderTimeout: time.Second,
	}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing lending", func(o *Options) { o.Lending = nil }},
		{"missing flash lender", func(o *Options) { o.FlashLender = nil }},
		{"missing quoter", func(o *Options) { o.Quoter = nil }},
		{"zero timeout", func(o *Options) { o.ProviderTimeout = 0 }},
		{"bad policy", func(o *Options) { o.Policy.LoopMaxIterations = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mutate(&opts)
			_, err := New(opts)
			assert.Error(t, err)
		})
	}

	e, err := New(base)
	require.NoError(t, err)
	assert.Len(t, e.Breakers(), 3)
}

func TestPlanOpen(t *testing.T) {
	e := newEngine(t, openLending(), goodFlash())

	plan, err := e.PlanOpen(context.Background(), openRequest())
	require.NoError(t, err)

	assert.True(t, plan.Sealed(), "the engine only returns accepted plans")
	assert.Len(t, plan.Legs, 7)
	assert.Equal(t, model.LegOracleRefresh, plan.Legs[1].Kind)
	assert.Equal(t, "100.09", plan.Legs[plan.IndexOf(model.LegBorrow)].Amount.String())
	assert.Equal(t, "199.7", plan.Legs[plan.IndexOf(model.LegSupply)].Amount.String())
}

func TestPlanOpen_Failures(t *testing.T) {
	tests := []struct {
		name    string
		lending func() *fakeLending
		flash   *fakeFlash
		req     func() OpenRequest
		reason  string
	}{
		{
			name:    "flash lender down",
			lending: openLending,
			flash:   &fakeFlash{err: errors.New("connection refused")},
			req:     openRequest,
			reason:  "ProviderUnavailable",
		},
		{
			name: "lending market down",
			lending: func() *fakeLending {
				l := openLending()
				l.err = errors.New("502 bad gateway")
				return l
			},
			flash:  goodFlash(),
			req:    openRequest,
			reason: "ProviderUnavailable",
		},
		{
			name:    "same asset on both sides",
			lending: openLending,
			flash:   goodFlash(),
			req: func() OpenRequest {
				r := openRequest()
				r.Loan = sui
				return r
			},
			reason: "InvalidAmount",
		},
		{
			name:    "leverage above market limit",
			lending: openLending,
			flash:   goodFlash(),
			req: func() OpenRequest {
				r := openRequest()
				r.TargetLeverage = decimal.NewFromInt(5)
				return r
			},
			reason: "LeverageOutOfRange",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, tt.lending(), tt.flash)
			plan, err := e.PlanOpen(context.Background(), tt.req())
			require.Error(t, err)
			assert.Nil(t, plan)
			assert.Equal(t, tt.reason, planerr.Reason(err))
		})
	}
}

func TestPlanOpen_ProviderTimeout(t *testing.T) {
	lending := openLending()
	lending.delay = time.Second
	e := newEngine(t, lending, goodFlash(), func(o *Options) { o.ProviderTimeout = 20 * time.Millisecond })

	start := time.Now()
	_, err := e.PlanOpen(context.Background(), openRequest())
	require.Error(t, err)
	assert.Equal(t, "ProviderUnavailable", planerr.Reason(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPlanOpen_BreakerFailsFast(t *testing.T) {
	lending := openLending()
	lending.err = errors.New("503 service unavailable")
	cb := circuitbreaker.New(ProviderLending, circuitbreaker.Thresholds{MaxConsecutiveFailures: 1}).
		WithResetDelay(time.Hour)
	e := newEngine(t, lending, goodFlash(), func(o *Options) {
		o.Breakers = map[string]*circuitbreaker.CircuitBreaker{ProviderLending: cb}
	})

	_, err := e.PlanOpen(context.Background(), openRequest())
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, cb.GetState())
	calls := atomic.LoadInt32(&lending.calls)

	_, err = e.PlanOpen(context.Background(), openRequest())
	require.Error(t, err)
	assert.Equal(t, "ProviderUnavailable", planerr.Reason(err))
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, calls, atomic.LoadInt32(&lending.calls), "an open breaker never reaches the provider")
}

func TestPlanOpen_ImplausibleRateTripsBreaker(t *testing.T) {
	lending := openLending()
	m := lending.markets["USDC"]
	m.Rate.BorrowAPY = 45
	lending.markets["USDC"] = m

	cb := circuitbreaker.New(ProviderLending, circuitbreaker.Thresholds{MaxAPY: 10})
	e := newEngine(t, lending, goodFlash(), func(o *Options) {
		o.Breakers = map[string]*circuitbreaker.CircuitBreaker{ProviderLending: cb}
	})

	_, err := e.PlanOpen(context.Background(), openRequest())
	require.Error(t, err)
	assert.Equal(t, "ProviderUnavailable", planerr.Reason(err))
	assert.Equal(t, circuitbreaker.StateOpen, cb.GetState())
}

func closeLending(collateral, debt string) *fakeLending {
	pos := model.PositionState{
		Account:    "0xabc",
		Collateral: model.Holding{Asset: sui, Amount: amount.MustParse(collateral, 9), Price: decimal.NewFromInt(3), LiquidationThreshold: 0.8},
		UpdatedAt:  time.Now(),
	}
	if debt != "" {
		pos.Debt = model.Holding{Asset: usdc, Amount: amount.MustParse(debt, 6), Price: decimal.NewFromInt(1)}
	}
	return &fakeLending{
		pos: pos,
		markets: map[string]model.MarketParams{
			"SUI":  market(sui, "3", 0.7, 0.8),
			"USDC": market(usdc, "1", 0.8, 0.85),
		},
	}
}

func TestPlanClose(t *testing.T) {
	e := newEngine(t, closeLending("1000", "1000"), goodFlash())

	plan, err := e.PlanClose(context.Background(), CloseRequest{Account: "0xabc"})
	require.NoError(t, err)

	assert.True(t, plan.Sealed())
	assert.Len(t, plan.Legs, 7)
	repay := plan.Legs[plan.IndexOf(model.LegRepay)]
	assert.Equal(t, "1000", repay.Amount.String())
	assert.True(t, repay.All)
	assert.True(t, plan.Projected.Debt.Amount.IsZero())
}

func TestPlanClose_RepayAmountInDebtUnits(t *testing.T) {
	e := newEngine(t, closeLending("1000", "1000"), goodFlash())

	half := decimal.NewFromInt(500)
	plan, err := e.PlanClose(context.Background(), CloseRequest{
		Account:     "0xabc",
		Fraction:    decimal.RequireFromString("0.5"),
		RepayAmount: &half,
	})
	require.NoError(t, err)
	assert.Equal(t, "500", plan.Legs[plan.IndexOf(model.LegRepay)].Amount.String())

	negative := decimal.NewFromInt(-1)
	_, err = e.PlanClose(context.Background(), CloseRequest{Account: "0xabc", RepayAmount: &negative})
	assert.Equal(t, "InvalidAmount", planerr.Reason(err))
}

func TestPlanClose_WithoutDebtSkipsFlashLender(t *testing.T) {
	e := newEngine(t, closeLending("10", ""), &fakeFlash{err: errors.New("must not be called")})

	plan, err := e.PlanClose(context.Background(), CloseRequest{Account: "0xabc"})
	require.NoError(t, err)

	assert.Equal(t, []model.LegKind{model.LegWithdraw, model.LegSettle}, []model.LegKind{plan.Legs[0].Kind, plan.Legs[1].Kind})
	assert.Equal(t, "9.99", plan.Legs[0].Amount.String())
}

func TestPlanClose_NoPosition(t *testing.T) {
	lending := closeLending("10", "")
	lending.pos = model.PositionState{}
	e := newEngine(t, lending, goodFlash())

	_, err := e.PlanClose(context.Background(), CloseRequest{Account: "0xabc"})
	assert.Equal(t, "NoPosition", planerr.Reason(err))
}

func TestPlanClose_UnknownAccountLeavesBreakerClosed(t *testing.T) {
	lending := openLending()
	lending.posErr = fmt.Errorf("lookup: %w", &fetch.StatusError{Provider: "lending", StatusCode: http.StatusNotFound, Body: "unknown account"})
	cb := circuitbreaker.New(ProviderLending, circuitbreaker.Thresholds{MaxConsecutiveFailures: 1}).
		WithResetDelay(time.Hour)
	e := newEngine(t, lending, goodFlash(), func(o *Options) {
		o.Breakers = map[string]*circuitbreaker.CircuitBreaker{ProviderLending: cb}
	})

	for i := 0; i < 5; i++ {
		_, err := e.PlanClose(context.Background(), CloseRequest{Account: "0xunknown"})
		require.Error(t, err)
		assert.Equal(t, "NoPosition", planerr.Reason(err))
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.GetState())
	assert.Zero(t, cb.Failures())

	_, err := e.Bounds(context.Background(), "0xunknown")
	assert.Equal(t, "NoPosition", planerr.Reason(err))

	plan, err := e.PlanOpen(context.Background(), openRequest())
	require.NoError(t, err, "other accounts keep planning")
	assert.True(t, plan.Sealed())
}

func TestCall_ClassifiesProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		reason  string
		counted bool
	}{
		{"outage", errors.New("connection refused"), "ProviderUnavailable", true},
		{"server error", &fetch.StatusError{Provider: "lending", StatusCode: http.StatusBadGateway}, "ProviderUnavailable", true},
		{"rate limited", &fetch.StatusError{Provider: "lending", StatusCode: http.StatusTooManyRequests}, "ProviderUnavailable", true},
		{"bad credentials", &fetch.StatusError{Provider: "lending", StatusCode: http.StatusUnauthorized}, "ProviderUnavailable", true},
		{"not found", &fetch.StatusError{Provider: "lending", StatusCode: http.StatusNotFound}, "NoLiquidity", false},
		{"bad request", &fetch.StatusError{Provider: "lending", StatusCode: http.StatusBadRequest}, "InvalidAmount", false},
		{"unknown coin", fmt.Errorf("collateral: %w", fetch.ErrUnsupportedAsset), "ProviderUnavailable", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, openLending(), goodFlash())
			err := e.call(context.Background(), ProviderLending, planerr.ErrNoLiquidity, func(ctx context.Context) error { return tt.err })
			require.Error(t, err)
			assert.Equal(t, tt.reason, planerr.Reason(err))
			failures := e.Breakers()[ProviderLending].Failures()
			if tt.counted {
				assert.Equal(t, 1, failures)
			} else {
				assert.Zero(t, failures)
			}
		})
	}
}

func loopLending() *fakeLending {
	m := market(sui, "1", 0.8, 0.85)
	m.Rate = model.MarketRate{SupplyAPY: 0.04, BorrowAPY: 0.02}
	return &fakeLending{markets: map[string]model.MarketParams{"SUI": m}}
}

func TestPlanLoop(t *testing.T) {
	e := newEngine(t, loopLending(), goodFlash(), func(o *Options) { o.Policy = config.DefaultPolicy() })

	plan, err := e.PlanLoop(context.Background(), LoopRequest{
		Account:        "0xabc",
		Asset:          sui,
		Equity:         amount.MustParse("100", 9),
		TargetLeverage: decimal.NewFromInt(3),
		IncludeDeposit: true,
	})
	require.NoError(t, err)
	assert.True(t, plan.Sealed())
	assert.Equal(t, 6, plan.Iterations)
	assert.InDelta(t, 2.94, float64(plan.Leverage), 1e-9)
}

func TestPlanLoop_ShortOfTargetStillUsable(t *testing.T) {
	e := newEngine(t, loopLending(), goodFlash(), func(o *Options) { o.Policy = config.DefaultPolicy() })

	plan, err := e.PlanLoop(context.Background(), LoopRequest{
		Account:        "0xabc",
		Asset:          sui,
		Equity:         amount.MustParse("100", 9),
		TargetLeverage: decimal.NewFromInt(4),
		IncludeDeposit: true,
	})
	require.Error(t, err)
	assert.True(t, planerr.Recoverable(err))
	require.NotNil(t, plan)
	assert.True(t, plan.Sealed())
	assert.False(t, plan.Converged)
	assert.Less(t, float64(plan.Leverage), 4.0)
}

func TestBounds(t *testing.T) {
	lending := closeLending("1000", "1000")
	lending.pos.Collateral.Price = decimal.Zero
	e := newEngine(t, lending, goodFlash())

	report, err := e.Bounds(context.Background(), "0xabc")
	require.NoError(t, err)

	assert.Equal(t, "3", report.Position.Collateral.Price.String(), "missing price filled from the market")
	assert.InDelta(t, 2.4, report.Metrics.HealthFactor, 1e-9)
	assert.InDelta(t, 0.95/0.3, report.Bounds.MaxLeverage, 1e-9)
	assert.InDelta(t, (3000*0.7-1000)*0.99, report.Bounds.MaxBorrow, 1e-6)
	assert.InDelta(t, (3000-1000/0.7)/3*0.95, report.Bounds.MaxWithdraw, 1e-6)
}

func TestBounds_NoPosition(t *testing.T) {
	lending := closeLending("1", "")
	lending.pos = model.PositionState{}
	e := newEngine(t, lending, goodFlash())

	_, err := e.Bounds(context.Background(), "0xabc")
	assert.Equal(t, "NoPosition", planerr.Reason(err))
}

func TestSubmit(t *testing.T) {
	consumer := &recordingConsumer{}
	e := newEngine(t, openLending(), goodFlash(), func(o *Options) { o.Consumer = consumer })

	plan, err := e.PlanOpen(context.Background(), openRequest())
	require.NoError(t, err)

	receipt, err := e.Submit(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, plan.Digest, receipt.Digest)

	_, err = e.Submit(context.Background(), plan)
	assert.ErrorIs(t, err, model.ErrPlanConsumed)
	assert.Len(t, consumer.submitted, 1)
}

func TestSubmit_Disabled(t *testing.T) {
	e := newEngine(t, openLending(), goodFlash())
	_, err := e.Submit(context.Background(), model.NewPlan(model.PlanOpen, "0xabc"))
	assert.ErrorIs(t, err, ErrSubmissionDisabled)
}
