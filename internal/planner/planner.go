// Package planner builds the flash-loan leg sequences that open and close a
// leveraged lending position in one atomic transaction.
package planner

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/aggregate"
	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/config"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/planerr"
	"github.com/yourorg/leverage-engine/internal/risk"
	"github.com/yourorg/leverage-engine/internal/types"
	"github.com/yourorg/leverage-engine/internal/validation"
)

// Planner turns market snapshots and swap quotes into unsealed plans.
type Planner struct {
	policy    config.Policy
	validator *validation.Validator
}

// New creates a planner. A nil validator gets one derived from policy.
func New(policy config.Policy, v *validation.Validator) *Planner {
	if v == nil {
		v = validation.New(validation.OptionsFromPolicy(policy))
	}
	return &Planner{policy: policy, validator: v}
}

// Policy returns the buffers the planner applies.
func (p *Planner) Policy() config.Policy {
	return p.policy
}

// bestQuote asks quoter for in → out and keeps the greatest usable output.
func (p *Planner) bestQuote(ctx context.Context, quoter aggregate.Quoter, in amount.Amount, from, to types.Asset) (model.Quote, error) {
	quotes, err := quoter.Quote(ctx, in, from, to)
	if err != nil {
		return model.Quote{}, planerr.Wrap(planerr.ErrProviderUnavailable, err, "quote %s %s → %s", in, from.Symbol, to.Symbol)
	}

	best, ok := aggregate.Best(p.validator.FilterQuotes(quotes, in, to))
	if !ok {
		return model.Quote{}, planerr.New(planerr.ErrNoLiquidity, "no usable route for %s %s → %s", in, from.Symbol, to.Symbol)
	}

	logrus.WithFields(logrus.Fields{
		"venue":      best.Venue,
		"amount_in":  best.AmountIn.String(),
		"amount_out": best.AmountOut.String(),
		"candidates": len(quotes),
	}).Debug("Selected swap route")
	return best, nil
}

// minOut applies the swap slippage tolerance to a quoted output.
func (p *Planner) minOut(out amount.Amount) (amount.Amount, error) {
	if p.policy.SwapSlippageBps >= amount.BpsDenominator {
		return amount.Zero(out.Decimals()), nil
	}
	return out.MulBps(amount.BpsDenominator-p.policy.SwapSlippageBps, amount.Floor)
}

// checkFlashLimit rejects a flash loan above what the lender can provide.
func checkFlashLimit(flash, maxLoan amount.Amount) error {
	if maxLoan.IsZero() || maxLoan.Decimals() != flash.Decimals() || flash.Cmp(maxLoan) > 0 {
		return planerr.New(planerr.ErrNoLiquidity, "flash loan of %s exceeds lender capacity %s", flash, maxLoan)
	}
	return nil
}

// oracleRefresh returns a leg refreshing every market that needs fresh
// prices inside the transaction.
func oracleRefresh(markets ...model.MarketParams) (model.Leg, bool) {
	var assets []types.Asset
	for _, m := range markets {
		if m.RequiresOracleRefresh {
			assets = append(assets, m.Asset)
		}
	}
	if len(assets) == 0 {
		return model.Leg{}, false
	}
	return model.Leg{Kind: model.LegOracleRefresh, Assets: assets}, true
}

// project fills the plan's estimated metrics from its projected position.
func project(plan *model.Plan, pos model.PositionState, supply model.MarketRate, borrowApy float64) {
	m := risk.Assess(pos)
	plan.Projected = pos
	plan.Leverage = model.Ratio(m.Leverage)
	plan.HealthFactor = model.Ratio(m.HealthFactor)
	plan.LiquidationPrice = model.Ratio(m.LiquidationPrice)
	plan.NetAPY = model.Ratio(risk.NetApyWithReward(supply, borrowApy, m.Leverage))
}

func assetPtr(a types.Asset) *types.Asset       { return &a }
func amountPtr(a amount.Amount) *amount.Amount { return &a }
