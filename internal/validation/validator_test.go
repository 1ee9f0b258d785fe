package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/planerr"
	"github.com/yourorg/leverage-engine/internal/types"
)

var (
	usdc = types.Asset{Symbol: "USDC", CoinType: types.CoinUSDC, Decimals: 6}
	sui  = types.Asset{Symbol: "SUI", CoinType: types.CoinSUI, Decimals: 9}
)

func TestCheckLeverage(t *testing.T) {
	v := New(DefaultOptions())

	tests := []struct {
		name    string
		target  string
		maxLtv  float64
		wantErr bool
	}{
		{"within bound", "2", 0.6, false},
		{"near bound", "2.37", 0.6, false},
		{"just above bound", "2.38", 0.6, true},
		{"ten at ltv 0.8", "10", 0.8, true},
		{"exactly one", "1", 0.8, true},
		{"below one", "0.5", 0.8, true},
		{"broken ltv clamps to ceiling", "9", 1.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.CheckLeverage(decimal.RequireFromString(tt.target), tt.maxLtv)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, planerr.ErrLeverageOutOfRange))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckPrincipal(t *testing.T) {
	v := New(DefaultOptions())
	fee := amount.MustParse("0.09", 6)

	assert.NoError(t, v.CheckPrincipal(amount.MustParse("100", 6), fee))
	assert.ErrorIs(t, v.CheckPrincipal(amount.MustParse("0.09", 6), fee), planerr.ErrInsufficientPrincipal)
	assert.ErrorIs(t, v.CheckPrincipal(amount.MustParse("0.01", 6), fee), planerr.ErrInsufficientPrincipal)
}

func TestCheckCloseCoverage(t *testing.T) {
	v := New(DefaultOptions())
	repay := amount.MustParse("1050.5", 6)

	assert.NoError(t, v.CheckCloseCoverage(amount.MustParse("1050.5", 6), repay))
	assert.ErrorIs(t, v.CheckCloseCoverage(amount.MustParse("1050.499999", 6), repay), planerr.ErrInsufficientCollateral)
}

func TestCheckFresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	opts := DefaultOptions()
	opts.Now = func() time.Time { return now }
	v := New(opts)

	assert.NoError(t, v.CheckFresh("market", now.Add(-time.Minute)))
	assert.ErrorIs(t, v.CheckFresh("market", now.Add(-10*time.Minute)), planerr.ErrStaleMarketData)
	assert.ErrorIs(t, v.CheckFresh("market", time.Time{}), planerr.ErrStaleMarketData)

	opts.MaxDataAge = 0
	assert.NoError(t, New(opts).CheckFresh("market", time.Time{}), "zero age disables the check")
}

func TestCheckMarket(t *testing.T) {
	v := New(DefaultOptions())
	p := model.MarketParams{Asset: usdc, MaxLtv: 0.8, LiquidationThreshold: 0.85, Price: decimal.NewFromInt(1), UpdatedAt: time.Now()}
	assert.NoError(t, v.CheckMarket(p))

	p.LiquidationThreshold = 0
	assert.ErrorIs(t, v.CheckMarket(p), planerr.ErrInvalidAmount)
}

func TestCheckProjectedHealth(t *testing.T) {
	v := New(DefaultOptions())
	pos := model.PositionState{
		Collateral: model.Holding{Asset: sui, Amount: amount.MustParse("100", 9), Price: decimal.NewFromInt(3), LiquidationThreshold: 0.8},
		Debt:       model.Holding{Asset: usdc, Amount: amount.MustParse("200", 6), Price: decimal.NewFromInt(1)},
	}
	assert.NoError(t, v.CheckProjectedHealth(pos))

	pos.Debt.Amount = amount.MustParse("260", 6)
	assert.ErrorIs(t, v.CheckProjectedHealth(pos), planerr.ErrInsufficientCollateral)

	pos.Debt.Amount = amount.Zero(6)
	assert.NoError(t, v.CheckProjectedHealth(pos))
}

func TestFilterQuotes(t *testing.T) {
	v := New(DefaultOptions())
	in := amount.MustParse("100", 6)

	quotes := []model.Quote{
		{Venue: "good", AmountIn: in, AmountOut: amount.MustParse("40", 9)},
		{Venue: "zero", AmountIn: in, AmountOut: amount.Zero(9)},
		{Venue: "wrong decimals", AmountIn: in, AmountOut: amount.MustParse("40", 6)},
		{Venue: "bigger input", AmountIn: amount.MustParse("101", 6), AmountOut: amount.MustParse("41", 9)},
		{Venue: "partial fill", AmountIn: amount.MustParse("99", 6), AmountOut: amount.MustParse("39", 9)},
	}

	got := v.FilterQuotes(quotes, in, sui)
	require.Len(t, got, 2)
	assert.Equal(t, "good", got[0].Venue)
	assert.Equal(t, "partial fill", got[1].Venue)
}

func openPlan() *model.Plan {
	p := model.NewPlan(model.PlanOpen, "0xabc")
	one := amount.MustParse("1", 6)
	p.Append(
		model.Leg{Kind: model.LegFlashBorrow, Asset: usdc, Amount: one},
		model.Leg{Kind: model.LegOracleRefresh, Assets: []types.Asset{sui}},
		model.Leg{Kind: model.LegSwap, Asset: usdc, Amount: one},
		model.Leg{Kind: model.LegSupply, Asset: sui, Amount: amount.MustParse("1", 9)},
		model.Leg{Kind: model.LegBorrow, Asset: usdc, Amount: one},
		model.Leg{Kind: model.LegFlashRepay, Asset: usdc, Amount: one},
		model.Leg{Kind: model.LegSettle, Asset: usdc, All: true},
	)
	return p
}

func TestAccept_SealsValidPlan(t *testing.T) {
	v := New(DefaultOptions())
	p := openPlan()

	require.NoError(t, v.Accept(p))
	assert.True(t, p.Sealed())
	assert.ErrorIs(t, v.Accept(p), model.ErrPlanAlreadyAccepted)
}

func TestAccept_RejectsBadOrdering(t *testing.T) {
	v := New(DefaultOptions())

	tests := []struct {
		name   string
		mutate func(p *model.Plan)
	}{
		{"supply before swap", func(p *model.Plan) { p.Legs[2], p.Legs[3] = p.Legs[3], p.Legs[2] }},
		{"flash repay before borrow", func(p *model.Plan) { p.Legs[4], p.Legs[5] = p.Legs[5], p.Legs[4] }},
		{"flash borrow not first", func(p *model.Plan) { p.Legs[0], p.Legs[1] = p.Legs[1], p.Legs[0] }},
		{"leg after flash repay", func(p *model.Plan) {
			p.Append(model.Leg{Kind: model.LegSupply, Asset: sui, Amount: amount.MustParse("1", 9)})
		}},
		{"zero amount", func(p *model.Plan) { p.Legs[3].Amount = amount.Zero(9) }},
		{"no legs", func(p *model.Plan) { p.Legs = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := openPlan()
			tt.mutate(p)
			err := v.Accept(p)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPlan)
			assert.False(t, p.Sealed())
		})
	}
}

func TestAccept_LoopPlan(t *testing.T) {
	v := New(DefaultOptions())
	one := amount.MustParse("1", 9)

	p := model.NewPlan(model.PlanLoop, "0xabc")
	p.Append(
		model.Leg{Kind: model.LegSupply, Asset: sui, Amount: one},
		model.Leg{Kind: model.LegBorrow, Asset: sui, Amount: one},
		model.Leg{Kind: model.LegSupply, Asset: sui, Amount: one},
	)
	assert.NoError(t, v.Accept(p))

	bad := model.NewPlan(model.PlanLoop, "0xabc")
	bad.Append(
		model.Leg{Kind: model.LegSupply, Asset: sui, Amount: one},
		model.Leg{Kind: model.LegBorrow, Asset: sui, Amount: one},
	)
	assert.ErrorIs(t, v.Accept(bad), ErrInvalidPlan)
}
