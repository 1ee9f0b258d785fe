package loop

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/config"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/planerr"
	"github.com/yourorg/leverage-engine/internal/types"
	"github.com/yourorg/leverage-engine/internal/validation"
)

var sui = types.Asset{Symbol: "SUI", CoinType: types.CoinSUI, Decimals: 9}

func suiMarket() model.MarketParams {
	return model.MarketParams{
		Asset:                sui,
		MaxLtv:               0.8,
		LiquidationThreshold: 0.85,
		AvailableLiquidity:   amount.MustParse("1000000", 9),
		Price:                decimal.NewFromInt(1),
		Rate:                 model.MarketRate{SupplyAPY: 0.04, BorrowAPY: 0.02},
		UpdatedAt:            time.Now(),
	}
}

func input(target string) Input {
	return Input{
		Account:        "0xabc",
		Market:         suiMarket(),
		Equity:         amount.MustParse("100", 9),
		TargetLeverage: decimal.RequireFromString(target),
		IncludeDeposit: true,
	}
}

// geometric returns 100 × Σ r^i for i in [0, n].
func geometric(n int) float64 {
	r, term, sum := 0.72*0.95, 1.0, 0.0
	for i := 0; i <= n; i++ {
		sum += term
		term *= r
	}
	return sum
}

func TestPlan_ConvergesOnLandingPoint(t *testing.T) {
	plan, err := New(config.DefaultPolicy(), nil).Plan(input("3"))
	require.NoError(t, err)

	assert.True(t, plan.Converged)
	assert.Equal(t, 6, plan.Iterations)
	assert.Len(t, plan.Legs, 1+2*6)
	assert.InDelta(t, 2.94, float64(plan.Leverage), 1e-9, "lands on the convergence point, never above")
	assert.Equal(t, "294", plan.Projected.Collateral.Amount.String())
	assert.Equal(t, "194", plan.Projected.Debt.Amount.String())
	assert.Equal(t, model.Ratio(3), plan.TargetLeverage)

	first := plan.Legs[1]
	assert.Equal(t, model.LegBorrow, first.Kind)
	assert.Equal(t, "68.4", first.Amount.String())

	for i := 1; i < len(plan.Legs); i += 2 {
		assert.Equal(t, model.LegBorrow, plan.Legs[i].Kind)
		assert.Equal(t, model.LegSupply, plan.Legs[i+1].Kind)
		assert.Equal(t, plan.Legs[i].Amount, plan.Legs[i+1].Amount, "every borrow is resupplied in full")
	}

	require.NoError(t, validation.New(validation.DefaultOptions()).Accept(plan))
}

func TestPlan_IterationCap(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.LoopMaxIterations = 4

	plan, err := New(policy, nil).Plan(input("3"))
	require.Error(t, err)
	assert.ErrorIs(t, err, planerr.ErrIterationLimitReached)
	assert.True(t, planerr.Recoverable(err))

	require.NotNil(t, plan, "the accumulated plan is still usable")
	assert.False(t, plan.Converged)
	assert.Equal(t, 4, plan.Iterations)
	assert.Less(t, float64(plan.Leverage), 3.0)
	assert.InDelta(t, geometric(4), float64(plan.Leverage), 1e-6)

	require.NoError(t, validation.New(validation.DefaultOptions()).Accept(plan))
}

func TestPlan_UnreachableTargetReportsAchieved(t *testing.T) {
	// the series tends to 1 / (1 − 0.684) ≈ 3.16, below 3.3 × 0.98
	plan, err := New(config.DefaultPolicy(), nil).Plan(input("3.3"))
	assert.ErrorIs(t, err, planerr.ErrIterationLimitReached)
	require.NotNil(t, plan)

	assert.Equal(t, 8, plan.Iterations)
	assert.InDelta(t, geometric(8), float64(plan.Leverage), 1e-6)
	assert.Less(t, float64(plan.Leverage), 3.3)
	assert.Equal(t, model.Ratio(3.3), plan.TargetLeverage)
}

func TestPlan_DustStopsTheLoop(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.LoopMinBorrow = 10_000_000_000 // 10 SUI

	plan, err := New(policy, nil).Plan(input("3.3"))
	assert.ErrorIs(t, err, planerr.ErrIterationLimitReached)
	require.NotNil(t, plan)
	// borrows of 68.4, 46.8, 32.0, 21.9, 15.0, 10.2, then 7.0 is dust
	assert.Equal(t, 6, plan.Iterations)
	assert.False(t, plan.Converged)
}

func TestPlan_EffectiveLtvCappedByMarket(t *testing.T) {
	in := input("2")
	in.EffectiveLtvBps = 9000
	in.Market.MaxLtv = 0.6

	plan, err := New(config.DefaultPolicy(), nil).Plan(in)
	require.NoError(t, err)
	// 0.6 × 0.95 of the 100 SUI deposit
	assert.Equal(t, "57", plan.Legs[1].Amount.String())
}

func TestPlan_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *Input)
		want   error
	}{
		{"leverage above market bound", func(in *Input) { in.TargetLeverage = decimal.NewFromInt(6) }, planerr.ErrLeverageOutOfRange},
		{"zero equity", func(in *Input) { in.Equity = amount.Zero(9) }, planerr.ErrInvalidAmount},
		{"equity in wrong precision", func(in *Input) { in.Equity = amount.MustParse("100", 6) }, planerr.ErrInvalidAmount},
		{"dust equity", func(in *Input) { in.Equity = amount.FromUint64(10, 9) }, planerr.ErrInsufficientPrincipal},
		{"stale market", func(in *Input) { in.Market.UpdatedAt = time.Now().Add(-time.Hour) }, planerr.ErrStaleMarketData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := input("3")
			tt.mutate(&in)
			plan, err := New(config.DefaultPolicy(), nil).Plan(in)
			assert.Nil(t, plan)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
