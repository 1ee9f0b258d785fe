package planner

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/aggregate"
	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/planerr"
)

// CloseInput is everything needed to plan a (partial) unwind.
type CloseInput struct {
	Account          string
	Position         model.PositionState
	CollateralMarket model.MarketParams
	DebtMarket       model.MarketParams

	// Fraction of the collateral to withdraw, in (0, 1]; zero means all
	Fraction decimal.Decimal

	// RepayAmount is the debt the caller wants repaid. Nil repays Fraction
	// of the debt. The provider's debt always wins when the request is
	// larger or within the full-repay tolerance.
	RepayAmount *amount.Amount

	FlashFeeRateBps uint64
	FlashMaxLoan    amount.Amount
}

// Close plans flash_borrow, [oracle_refresh], repay, withdraw, swap,
// flash_repay and the two settle legs. Only the share of the withdrawal
// needed to repay the flash loan is swapped.
func (p *Planner) Close(ctx context.Context, quoter aggregate.Quoter, in CloseInput) (*model.Plan, error) {
	pos := in.Position
	collAsset := in.CollateralMarket.Asset
	debtAsset := in.DebtMarket.Asset

	if pos.Empty() {
		return nil, planerr.New(planerr.ErrNoPosition, "account %s has nothing supplied or borrowed", in.Account)
	}
	if !pos.Collateral.Asset.Same(collAsset) || !pos.Debt.Asset.Same(debtAsset) {
		return nil, planerr.New(planerr.ErrInvalidAmount, "position %s/%s does not match markets %s/%s",
			pos.Collateral.Asset, pos.Debt.Asset, collAsset, debtAsset)
	}
	if pos.Collateral.Amount.IsZero() {
		return nil, planerr.New(planerr.ErrInsufficientCollateral, "debt of %s has no collateral behind it", pos.Debt.Amount)
	}

	one := decimal.NewFromInt(1)
	frac := in.Fraction
	if frac.IsZero() {
		frac = one
	}
	if !frac.IsPositive() || frac.GreaterThan(one) {
		return nil, planerr.New(planerr.ErrInvalidAmount, "close fraction %s outside (0, 1]", frac)
	}

	for _, m := range []model.MarketParams{in.CollateralMarket, in.DebtMarket} {
		if err := p.validator.CheckMarket(m); err != nil {
			return nil, err
		}
	}
	if err := p.validator.CheckFresh("position "+in.Account, pos.UpdatedAt); err != nil {
		return nil, err
	}

	withdraw, err := p.withdrawAmount(pos.Collateral.Amount, frac)
	if err != nil {
		return nil, err
	}

	if pos.Debt.Amount.IsZero() {
		return p.closeWithoutDebt(in, withdraw)
	}

	debt := pos.Debt.Amount
	repay, err := p.resolveRepay(debt, frac, in.RepayAmount)
	if err != nil {
		return nil, err
	}
	full := repay.Cmp(debt) == 0

	flash, err := repay.MulBps(amount.BpsDenominator+p.policy.FlashRepayBufferBps, amount.Ceil)
	if err != nil {
		return nil, err
	}
	if err := checkFlashLimit(flash, in.FlashMaxLoan); err != nil {
		return nil, err
	}
	fq, err := model.NewFlashLoanQuote(debtAsset, flash, in.FlashFeeRateBps)
	if err != nil {
		return nil, err
	}
	repayment, err := fq.Repayment()
	if err != nil {
		return nil, err
	}

	// price the whole withdrawal first; if even that cannot repay the
	// flash loan nothing else matters
	fullQuote, err := p.bestQuote(ctx, quoter, withdraw, collAsset, debtAsset)
	if err != nil {
		return nil, err
	}
	if err := p.validator.CheckCloseCoverage(fullQuote.AmountOut, repayment); err != nil {
		return nil, err
	}

	target, err := repayment.MulBps(amount.BpsDenominator+p.policy.CloseSwapMarginBps, amount.Ceil)
	if err != nil {
		return nil, err
	}
	toSwap, err := withdraw.MulRatio(target, fullQuote.AmountOut, amount.Ceil)
	if err != nil {
		return nil, err
	}
	quote := fullQuote
	if toSwap.Cmp(withdraw) < 0 {
		if quote, err = p.bestQuote(ctx, quoter, toSwap, collAsset, debtAsset); err != nil {
			return nil, err
		}
		if err := p.validator.CheckCloseCoverage(quote.AmountOut, repayment); err != nil {
			return nil, err
		}
	} else {
		toSwap = withdraw
	}

	// the swap must cover whatever of the repayment the leftover flash
	// principal does not
	surplus := flash.SaturatingSub(repay)
	minOut, err := p.minOut(quote.AmountOut)
	if err != nil {
		return nil, err
	}
	minOut = amount.Max(minOut, repayment.SaturatingSub(surplus))

	plan := model.NewPlan(model.PlanClose, in.Account)
	plan.Append(model.Leg{Kind: model.LegFlashBorrow, Asset: debtAsset, Amount: flash})
	if leg, ok := oracleRefresh(in.CollateralMarket, in.DebtMarket); ok {
		plan.Append(leg)
	}
	plan.Append(
		model.Leg{Kind: model.LegRepay, Asset: debtAsset, Amount: repay, All: full},
		model.Leg{Kind: model.LegWithdraw, Asset: collAsset, Amount: withdraw},
		model.Leg{
			Kind:         model.LegSwap,
			Asset:        collAsset,
			Amount:       toSwap,
			AssetOut:     assetPtr(debtAsset),
			AmountOut:    amountPtr(quote.AmountOut),
			MinAmountOut: amountPtr(minOut),
			Venue:        quote.Venue,
		},
		model.Leg{Kind: model.LegFlashRepay, Asset: debtAsset, Amount: repayment},
		model.Leg{Kind: model.LegSettle, Asset: collAsset, All: true, Note: "return unswapped collateral"},
		model.Leg{Kind: model.LegSettle, Asset: debtAsset, All: true, Note: "return swap surplus"},
	)

	remaining := remainingPosition(in, withdraw, debt.SaturatingSub(repay))
	if !full {
		if err := p.validator.CheckProjectedHealth(remaining); err != nil {
			return nil, err
		}
	}
	project(plan, remaining, in.CollateralMarket.Rate, in.DebtMarket.Rate.BorrowAPY)
	plan.FlashLoan = &fq

	logrus.WithFields(logrus.Fields{
		"plan_id":  plan.ID.String(),
		"account":  in.Account,
		"repay":    repay.String(),
		"full":     full,
		"withdraw": withdraw.String(),
		"swap_in":  toSwap.String(),
	}).Info("Planned position close")
	return plan, nil
}

// closeWithoutDebt withdraws collateral when nothing is owed; no flash loan
// or swap is needed.
func (p *Planner) closeWithoutDebt(in CloseInput, withdraw amount.Amount) (*model.Plan, error) {
	collAsset := in.CollateralMarket.Asset

	plan := model.NewPlan(model.PlanClose, in.Account)
	plan.Append(
		model.Leg{Kind: model.LegWithdraw, Asset: collAsset, Amount: withdraw},
		model.Leg{Kind: model.LegSettle, Asset: collAsset, All: true},
	)
	project(plan, remainingPosition(in, withdraw, in.Position.Debt.Amount), in.CollateralMarket.Rate, in.DebtMarket.Rate.BorrowAPY)
	return plan, nil
}

// withdrawAmount is frac of the supply, never more than MaxWithdrawBps of it.
func (p *Planner) withdrawAmount(supplied amount.Amount, frac decimal.Decimal) (amount.Amount, error) {
	share, err := amount.Scale(supplied, frac, amount.Floor)
	if err != nil {
		return amount.Amount{}, err
	}
	limit, err := supplied.MulBps(p.policy.MaxWithdrawBps, amount.Floor)
	if err != nil {
		return amount.Amount{}, err
	}
	withdraw := amount.Min(share, limit)
	if withdraw.IsZero() {
		return amount.Amount{}, planerr.New(planerr.ErrInvalidAmount, "withdrawal of %s × %s rounds to zero", supplied, frac)
	}
	return withdraw, nil
}

// resolveRepay picks the debt to repay. The provider's debt is authoritative:
// requests at or near it become a full repayment.
func (p *Planner) resolveRepay(debt amount.Amount, frac decimal.Decimal, requested *amount.Amount) (amount.Amount, error) {
	if requested == nil {
		if frac.Equal(decimal.NewFromInt(1)) {
			return debt, nil
		}
		share, err := amount.Scale(debt, frac, amount.Ceil)
		if err != nil {
			return amount.Amount{}, err
		}
		return amount.Min(share, debt), nil
	}

	req := *requested
	if req.IsZero() || req.Decimals() != debt.Decimals() {
		return amount.Amount{}, planerr.New(planerr.ErrInvalidAmount, "repay amount %s is not a positive %d-decimal amount", req, debt.Decimals())
	}
	if req.Cmp(debt) >= 0 {
		return debt, nil
	}
	tolerance, err := debt.MulBps(p.policy.FullRepayToleranceBps, amount.Floor)
	if err != nil {
		return amount.Amount{}, err
	}
	if gap := debt.SaturatingSub(req); gap.Cmp(tolerance) <= 0 {
		logrus.WithFields(logrus.Fields{
			"requested": req.String(),
			"debt":      debt.String(),
		}).Debug("Repay request within tolerance, repaying full debt")
		return debt, nil
	}
	return req, nil
}

func remainingPosition(in CloseInput, withdraw, debt amount.Amount) model.PositionState {
	pos := in.Position
	return model.PositionState{
		Account: in.Account,
		Collateral: model.Holding{
			Asset:                pos.Collateral.Asset,
			Amount:               pos.Collateral.Amount.SaturatingSub(withdraw),
			Price:                in.CollateralMarket.Price,
			LiquidationThreshold: in.CollateralMarket.LiquidationThreshold,
		},
		Debt: model.Holding{Asset: pos.Debt.Asset, Amount: debt, Price: in.DebtMarket.Price},
	}
}
