package engine

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/loop"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/otel"
	"github.com/yourorg/leverage-engine/internal/planerr"
	"github.com/yourorg/leverage-engine/internal/planner"
	"github.com/yourorg/leverage-engine/internal/risk"
	"github.com/yourorg/leverage-engine/internal/submit"
	"github.com/yourorg/leverage-engine/internal/types"
)

// OpenRequest asks for a flash-loan leveraged open.
type OpenRequest struct {
	Account        string
	Collateral     types.Asset
	Loan           types.Asset
	Deposit        amount.Amount
	TargetLeverage decimal.Decimal
}

// CloseRequest asks for a full or partial unwind of the account's position.
type CloseRequest struct {
	Account  string
	Fraction decimal.Decimal

	// RepayAmount is in units of the debt asset, which is only known once
	// the position has been read
	RepayAmount *decimal.Decimal

	// DebtAsset names the debt market when the position has no debt side
	// yet; it defaults to the collateral asset
	DebtAsset *types.Asset
}

// LoopRequest asks for the iterative borrow/resupply fallback.
type LoopRequest struct {
	Account         string
	Asset           types.Asset
	Equity          amount.Amount
	TargetLeverage  decimal.Decimal
	EffectiveLtvBps uint64
	IncludeDeposit  bool
}

// BoundsReport is what a caller may request against a position.
type BoundsReport struct {
	Account  string              `json:"account"`
	Position model.PositionState `json:"position"`
	Metrics  risk.Metrics        `json:"metrics"`
	Bounds   risk.Bounds         `json:"bounds"`
}

// PlanOpen plans and accepts a leveraged open.
func (e *Engine) PlanOpen(ctx context.Context, req OpenRequest) (plan *model.Plan, err error) {
	ctx, span := otel.Start(ctx, "engine.PlanOpen",
		attribute.String("account", req.Account),
		attribute.String("collateral", req.Collateral.Symbol),
		attribute.String("loan", req.Loan.Symbol),
		attribute.String("target_leverage", req.TargetLeverage.String()),
	)
	defer func() { finish(ctx, span, plan, err) }()

	if req.Collateral.Same(req.Loan) {
		return nil, planerr.New(planerr.ErrInvalidAmount, "collateral and loan asset are both %s; use a loop plan", req.Collateral)
	}

	var in planner.OpenInput
	err = fanOut(
		func() (err error) {
			in.DepositMarket, err = e.market(ctx, req.Collateral)
			return err
		},
		func() (err error) {
			in.LoanMarket, err = e.market(ctx, req.Loan)
			return err
		},
		func() (err error) {
			in.FlashFeeRateBps, in.FlashMaxLoan, err = e.flashTerms(ctx, req.Loan)
			return err
		},
	)
	if err != nil {
		return nil, err
	}

	in.Account = req.Account
	in.Deposit = req.Deposit
	in.TargetLeverage = req.TargetLeverage

	plan, err = e.planner.Open(ctx, guardedQuoter{e}, in)
	if err != nil {
		return nil, err
	}
	if err := e.validator.Accept(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// PlanClose plans and accepts an unwind against the provider's current
// position.
func (e *Engine) PlanClose(ctx context.Context, req CloseRequest) (plan *model.Plan, err error) {
	ctx, span := otel.Start(ctx, "engine.PlanClose",
		attribute.String("account", req.Account),
		attribute.String("fraction", req.Fraction.String()),
	)
	defer func() { finish(ctx, span, plan, err) }()

	pos, err := e.position(ctx, req.Account)
	if err != nil {
		return nil, err
	}
	if pos.Empty() {
		return nil, planerr.New(planerr.ErrNoPosition, "account %s has nothing supplied or borrowed", req.Account)
	}
	if pos.Collateral.Asset.CoinType == "" {
		return nil, planerr.New(planerr.ErrInsufficientCollateral, "debt of %s has no collateral behind it", pos.Debt.Amount)
	}

	debtAsset := pos.Debt.Asset
	if debtAsset.CoinType == "" {
		debtAsset = pos.Collateral.Asset
		if req.DebtAsset != nil {
			debtAsset = *req.DebtAsset
		}
		pos.Debt = model.Holding{Asset: debtAsset, Amount: amount.Zero(debtAsset.Decimals)}
	}

	in := planner.CloseInput{
		Account:  req.Account,
		Fraction: req.Fraction,
	}
	if req.RepayAmount != nil {
		repay, err := amount.Parse(req.RepayAmount.String(), debtAsset.Decimals)
		if err != nil {
			return nil, err
		}
		in.RepayAmount = &repay
	}
	reads := []func() error{
		func() (err error) {
			in.CollateralMarket, err = e.market(ctx, pos.Collateral.Asset)
			return err
		},
		func() (err error) {
			in.DebtMarket, err = e.market(ctx, debtAsset)
			return err
		},
	}
	if !pos.Debt.Amount.IsZero() {
		reads = append(reads, func() (err error) {
			in.FlashFeeRateBps, in.FlashMaxLoan, err = e.flashTerms(ctx, debtAsset)
			return err
		})
	}
	if err := fanOut(reads...); err != nil {
		return nil, err
	}

	in.Position = fillFromMarkets(pos, in.CollateralMarket, in.DebtMarket)

	plan, err = e.planner.Close(ctx, guardedQuoter{e}, in)
	if err != nil {
		return nil, err
	}
	if err := e.validator.Accept(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// PlanLoop plans the borrow/resupply fallback. A loop stopped short of its
// target is still accepted and returned together with the
// IterationLimitReached error.
func (e *Engine) PlanLoop(ctx context.Context, req LoopRequest) (plan *model.Plan, err error) {
	ctx, span := otel.Start(ctx, "engine.PlanLoop",
		attribute.String("account", req.Account),
		attribute.String("asset", req.Asset.Symbol),
		attribute.String("target_leverage", req.TargetLeverage.String()),
	)
	defer func() { finish(ctx, span, plan, err) }()

	market, err := e.market(ctx, req.Asset)
	if err != nil {
		return nil, err
	}

	plan, err = e.looper.Plan(loop.Input{
		Account:         req.Account,
		Market:          market,
		Equity:          req.Equity,
		TargetLeverage:  req.TargetLeverage,
		EffectiveLtvBps: req.EffectiveLtvBps,
		IncludeDeposit:  req.IncludeDeposit,
	})
	if plan == nil || (err != nil && !planerr.Recoverable(err)) {
		return nil, err
	}
	if acceptErr := e.validator.Accept(plan); acceptErr != nil {
		return nil, acceptErr
	}
	return plan, err
}

// Bounds reports the maximum leverage, borrow and withdrawal for the
// account's current position.
func (e *Engine) Bounds(ctx context.Context, account string) (BoundsReport, error) {
	ctx, span := otel.Start(ctx, "engine.Bounds", attribute.String("account", account))
	defer span.End()

	report, err := e.bounds(ctx, account)
	if err != nil {
		otel.RecordError(ctx, err)
	}
	return report, err
}

func (e *Engine) bounds(ctx context.Context, account string) (BoundsReport, error) {
	pos, err := e.position(ctx, account)
	if err != nil {
		return BoundsReport{}, err
	}
	if pos.Collateral.Asset.CoinType == "" {
		return BoundsReport{}, planerr.New(planerr.ErrNoPosition, "account %s has no collateral", account)
	}

	var coll, debt model.MarketParams
	reads := []func() error{
		func() (err error) {
			coll, err = e.market(ctx, pos.Collateral.Asset)
			return err
		},
	}
	if pos.Debt.Asset.CoinType != "" {
		reads = append(reads, func() (err error) {
			debt, err = e.market(ctx, pos.Debt.Asset)
			return err
		})
	}
	if err := fanOut(reads...); err != nil {
		return BoundsReport{}, err
	}
	if err := e.validator.CheckMarket(coll); err != nil {
		return BoundsReport{}, err
	}

	pos = fillFromMarkets(pos, coll, debt)
	return BoundsReport{
		Account:  account,
		Position: pos,
		Metrics:  risk.Assess(pos),
		Bounds: risk.Bounds{
			MaxLeverage: e.validator.MaxLeverage(coll.MaxLtv),
			MaxBorrow:   risk.MaxBorrow(pos, coll.MaxLtv, risk.DefaultBorrowBuffer),
			MaxWithdraw: risk.MaxWithdraw(pos, coll.MaxLtv, risk.DefaultWithdrawBuffer, risk.DefaultWithdrawSupplyCap),
		},
	}, nil
}

// Submit hands an accepted plan to the consumer. The consumer refuses a plan
// it has already seen.
func (e *Engine) Submit(ctx context.Context, plan *model.Plan) (submit.Receipt, error) {
	if e.consumer == nil {
		return submit.Receipt{}, ErrSubmissionDisabled
	}
	ctx, span := otel.Start(ctx, "engine.Submit",
		attribute.String("plan_id", plan.ID.String()),
		attribute.String("kind", string(plan.Kind)),
	)
	defer span.End()

	receipt, err := e.consumer.Submit(ctx, plan)
	if err != nil {
		otel.RecordError(ctx, err)
		logrus.WithField("plan_id", plan.ID.String()).Errorf("Plan submission failed: %v", err)
		return submit.Receipt{}, err
	}
	return receipt, nil
}

// fillFromMarkets completes holdings the provider left without a price or
// liquidation threshold.
func fillFromMarkets(pos model.PositionState, coll, debt model.MarketParams) model.PositionState {
	if pos.Collateral.Price.IsZero() {
		pos.Collateral.Price = coll.Price
	}
	if pos.Collateral.LiquidationThreshold == 0 {
		pos.Collateral.LiquidationThreshold = coll.LiquidationThreshold
	}
	if pos.Debt.Price.IsZero() && debt.Price.IsPositive() {
		pos.Debt.Price = debt.Price
	}
	return pos
}

// finish records the outcome of a planning span.
func finish(ctx context.Context, span trace.Span, plan *model.Plan, err error) {
	defer span.End()

	fields := logrus.Fields{}
	if plan != nil {
		span.SetAttributes(
			attribute.String("plan_id", plan.ID.String()),
			attribute.Int("legs", len(plan.Legs)),
			attribute.Float64("leverage", float64(plan.Leverage)),
		)
		fields["plan_id"] = plan.ID.String()
		fields["kind"] = plan.Kind
		fields["legs"] = len(plan.Legs)
	}
	if err != nil {
		otel.RecordError(ctx, err)
		fields["reason"] = planerr.Reason(err)
		logrus.WithFields(fields).Warnf("Planning failed: %v", err)
		return
	}
	logrus.WithFields(fields).Info("Plan accepted")
}
