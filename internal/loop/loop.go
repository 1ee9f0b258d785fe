// Package loop plans the fallback route to a target leverage when no flash
// loan is available: repeated borrow and resupply of a single asset.
package loop

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/config"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/planerr"
	"github.com/yourorg/leverage-engine/internal/risk"
	"github.com/yourorg/leverage-engine/internal/validation"
)

// Input describes a loop request. The market's asset is both supplied and
// borrowed.
type Input struct {
	Account        string
	Market         model.MarketParams
	Equity         amount.Amount
	TargetLeverage decimal.Decimal

	// EffectiveLtvBps overrides the policy LTV; it is always capped at the
	// market's max LTV
	EffectiveLtvBps uint64

	// IncludeDeposit prepends a supply leg for the equity itself
	IncludeDeposit bool
}

// Planner runs the bounded borrow/resupply state machine.
type Planner struct {
	policy    config.Policy
	validator *validation.Validator
}

// New creates a loop planner. A nil validator gets one derived from policy.
func New(policy config.Policy, v *validation.Validator) *Planner {
	if v == nil {
		v = validation.New(validation.OptionsFromPolicy(policy))
	}
	return &Planner{policy: policy, validator: v}
}

type state struct {
	supplied   amount.Amount
	borrowed   amount.Amount
	iterations int
}

// Plan builds the loop. When the iteration cap or the dust threshold stops
// the loop short of target × convergence, the accumulated plan is returned
// together with ErrIterationLimitReached and reports the leverage actually
// reached.
func (p *Planner) Plan(in Input) (*model.Plan, error) {
	asset := in.Market.Asset
	if in.Equity.IsZero() || in.Equity.Decimals() != asset.Decimals {
		return nil, planerr.New(planerr.ErrInvalidAmount, "equity %s is not a positive %s amount", in.Equity, asset.Symbol)
	}
	if err := p.validator.CheckMarket(in.Market); err != nil {
		return nil, err
	}
	if err := p.validator.CheckLeverage(in.TargetLeverage, in.Market.MaxLtv); err != nil {
		return nil, err
	}
	if p.policy.LoopMaxIterations <= 0 {
		return nil, planerr.New(planerr.ErrIterationLimitReached, "iteration cap %d allows no borrow", p.policy.LoopMaxIterations)
	}

	ltvBps := p.effectiveLtvBps(in)
	// borrow capacity of a supply, as supply × ltv × safety
	capacityNum := ltvBps * p.policy.LoopSafetyBps
	const capacityDen = amount.BpsDenominator * amount.BpsDenominator

	convergence := decimal.New(int64(p.policy.LoopConvergenceBps), -4)
	landing, err := amount.Scale(in.Equity, in.TargetLeverage.Mul(convergence), amount.Floor)
	if err != nil {
		return nil, err
	}

	plan := model.NewPlan(model.PlanLoop, in.Account)
	if in.IncludeDeposit {
		plan.Append(model.Leg{Kind: model.LegSupply, Asset: asset, Amount: in.Equity, Note: "initial deposit"})
	}

	st := state{supplied: in.Equity, borrowed: amount.Zero(asset.Decimals)}
	minBorrow := amount.FromUint64(p.policy.LoopMinBorrow, asset.Decimals)
	reached := st.supplied.Cmp(landing) >= 0

	for !reached && st.iterations < p.policy.LoopMaxIterations {
		capacity, err := st.supplied.MulDiv(capacityNum, capacityDen, amount.Floor)
		if err != nil {
			return nil, err
		}
		borrow := capacity.SaturatingSub(st.borrowed)
		if borrow.IsZero() || borrow.Cmp(minBorrow) < 0 {
			break
		}

		// land on the convergence point rather than overshoot it
		if room := landing.SaturatingSub(st.supplied); borrow.Cmp(room) > 0 {
			borrow = room
		}

		if st.borrowed, err = st.borrowed.Add(borrow); err != nil {
			return nil, err
		}
		if st.supplied, err = st.supplied.Add(borrow); err != nil {
			return nil, err
		}
		st.iterations++
		plan.Append(
			model.Leg{Kind: model.LegBorrow, Asset: asset, Amount: borrow},
			model.Leg{Kind: model.LegSupply, Asset: asset, Amount: borrow},
		)
		reached = st.supplied.Cmp(landing) >= 0
	}

	if st.iterations == 0 {
		if reached {
			return nil, planerr.New(planerr.ErrLeverageOutOfRange, "target %sx needs no borrow", in.TargetLeverage)
		}
		return nil, planerr.New(planerr.ErrInsufficientPrincipal, "equity %s %s is too small to loop", in.Equity, asset.Symbol)
	}

	projected := model.PositionState{
		Account: in.Account,
		Collateral: model.Holding{
			Asset:                asset,
			Amount:               st.supplied,
			Price:                in.Market.Price,
			LiquidationThreshold: in.Market.LiquidationThreshold,
		},
		Debt: model.Holding{Asset: asset, Amount: st.borrowed, Price: in.Market.Price},
	}
	if err := p.validator.CheckProjectedHealth(projected); err != nil {
		return nil, err
	}

	achieved := leverage(st.supplied, in.Equity)
	target, _ := in.TargetLeverage.Float64()
	plan.Projected = projected
	plan.Leverage = model.Ratio(achieved)
	plan.TargetLeverage = model.Ratio(target)
	plan.Iterations = st.iterations
	plan.Converged = reached
	fillMetrics(plan, projected, in.Market, achieved)

	fields := logrus.Fields{
		"plan_id":    plan.ID.String(),
		"account":    in.Account,
		"iterations": st.iterations,
		"leverage":   achieved,
		"target":     target,
	}
	if !reached {
		logrus.WithFields(fields).Warn("Loop stopped before target leverage")
		return plan, planerr.New(planerr.ErrIterationLimitReached, "reached %.4fx of requested %sx after %d iterations", achieved, in.TargetLeverage, st.iterations)
	}
	logrus.WithFields(fields).Info("Planned leverage loop")
	return plan, nil
}

func fillMetrics(plan *model.Plan, pos model.PositionState, market model.MarketParams, achieved float64) {
	m := risk.Assess(pos)
	plan.HealthFactor = model.Ratio(m.HealthFactor)
	plan.LiquidationPrice = model.Ratio(m.LiquidationPrice)
	plan.NetAPY = model.Ratio(risk.NetApyWithReward(market.Rate, market.Rate.BorrowAPY, achieved))
}

func (p *Planner) effectiveLtvBps(in Input) uint64 {
	ltv := p.policy.LoopLtvBps
	if in.EffectiveLtvBps > 0 {
		ltv = in.EffectiveLtvBps
	}
	marketBps := uint64(decimal.NewFromFloat(in.Market.MaxLtv).Shift(4).IntPart())
	if marketBps < ltv {
		ltv = marketBps
	}
	return ltv
}

// leverage is supplied / equity computed exactly, then reported as float.
func leverage(supplied, equity amount.Amount) float64 {
	if equity.IsZero() {
		return 1
	}
	f, _ := supplied.Decimal().Div(equity.Decimal()).Float64()
	return f
}
