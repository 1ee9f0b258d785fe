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

// OpenInput is everything needed to plan a leveraged open.
type OpenInput struct {
	Account string

	// Deposit is the user's equity in the collateral asset
	Deposit        amount.Amount
	DepositMarket  model.MarketParams
	LoanMarket     model.MarketParams
	TargetLeverage decimal.Decimal

	FlashFeeRateBps uint64
	FlashMaxLoan    amount.Amount
}

// Open plans flash_borrow, [oracle_refresh], swap, supply, borrow,
// flash_repay and settle. The flash loan buys the extra collateral, the
// borrow against the enlarged supply repays it.
func (p *Planner) Open(ctx context.Context, quoter aggregate.Quoter, in OpenInput) (*model.Plan, error) {
	depositAsset := in.DepositMarket.Asset
	loanAsset := in.LoanMarket.Asset

	if in.Deposit.IsZero() {
		return nil, planerr.New(planerr.ErrInvalidAmount, "deposit must be positive")
	}
	if in.Deposit.Decimals() != depositAsset.Decimals {
		return nil, planerr.New(planerr.ErrInvalidAmount, "deposit has %d decimals, %s uses %d", in.Deposit.Decimals(), depositAsset.Symbol, depositAsset.Decimals)
	}
	for _, m := range []model.MarketParams{in.DepositMarket, in.LoanMarket} {
		if err := p.validator.CheckMarket(m); err != nil {
			return nil, err
		}
	}
	if err := p.validator.CheckLeverage(in.TargetLeverage, in.DepositMarket.MaxLtv); err != nil {
		return nil, err
	}

	// flash = deposit × depositPrice × (L − 1) × (1 + buffer) / loanPrice
	one := decimal.NewFromInt(1)
	buffer := decimal.New(int64(p.policy.SwapSlippageBufferBps), -4)
	factor := in.DepositMarket.Price.Mul(in.TargetLeverage.Sub(one)).Mul(one.Add(buffer))
	flash, err := amount.Convert(in.Deposit, factor, in.LoanMarket.Price, loanAsset.Decimals, amount.Ceil)
	if err != nil {
		return nil, err
	}
	if flash.IsZero() {
		return nil, planerr.New(planerr.ErrInvalidAmount, "deposit %s is too small to lever", in.Deposit)
	}

	fq, err := model.NewFlashLoanQuote(loanAsset, flash, in.FlashFeeRateBps)
	if err != nil {
		return nil, err
	}
	repayment, err := fq.Repayment()
	if err != nil {
		return nil, err
	}

	principal, err := amount.Convert(in.Deposit, in.DepositMarket.Price, in.LoanMarket.Price, loanAsset.Decimals, amount.Floor)
	if err != nil {
		return nil, err
	}
	if err := p.validator.CheckPrincipal(principal, fq.Fee); err != nil {
		return nil, err
	}

	if err := checkFlashLimit(flash, in.FlashMaxLoan); err != nil {
		return nil, err
	}
	if liq := in.LoanMarket.AvailableLiquidity; liq.Decimals() != loanAsset.Decimals || repayment.Cmp(liq) > 0 {
		return nil, planerr.New(planerr.ErrNoLiquidity, "borrow of %s exceeds available %s liquidity %s", repayment, loanAsset.Symbol, liq)
	}

	quote, err := p.bestQuote(ctx, quoter, flash, loanAsset, depositAsset)
	if err != nil {
		return nil, err
	}
	minOut, err := p.minOut(quote.AmountOut)
	if err != nil {
		return nil, err
	}
	// the supply leg deposits the whole merged balance; its amount is the
	// quoted estimate and worstSupply is what minOut still guarantees
	supply, err := in.Deposit.Add(quote.AmountOut)
	if err != nil {
		return nil, err
	}
	worstSupply, err := in.Deposit.Add(minOut)
	if err != nil {
		return nil, err
	}

	plan := model.NewPlan(model.PlanOpen, in.Account)
	plan.Append(model.Leg{Kind: model.LegFlashBorrow, Asset: loanAsset, Amount: flash})
	if leg, ok := oracleRefresh(in.DepositMarket, in.LoanMarket); ok {
		plan.Append(leg)
	}
	plan.Append(
		model.Leg{
			Kind:         model.LegSwap,
			Asset:        loanAsset,
			Amount:       flash,
			AssetOut:     assetPtr(depositAsset),
			AmountOut:    amountPtr(quote.AmountOut),
			MinAmountOut: amountPtr(minOut),
			Venue:        quote.Venue,
		},
		model.Leg{Kind: model.LegSupply, Asset: depositAsset, Amount: supply, All: true, Note: "deposit plus all swap output"},
		model.Leg{Kind: model.LegBorrow, Asset: loanAsset, Amount: repayment},
		model.Leg{Kind: model.LegFlashRepay, Asset: loanAsset, Amount: repayment},
		model.Leg{Kind: model.LegSettle, Asset: loanAsset, All: true, Note: "return unused loan asset"},
	)

	projected := model.PositionState{
		Account: in.Account,
		Collateral: model.Holding{
			Asset:                depositAsset,
			Amount:               supply,
			Price:                in.DepositMarket.Price,
			LiquidationThreshold: in.DepositMarket.LiquidationThreshold,
		},
		Debt: model.Holding{Asset: loanAsset, Amount: repayment, Price: in.LoanMarket.Price},
	}
	worst := projected
	worst.Collateral.Amount = worstSupply
	if err := p.validator.CheckProjectedHealth(worst); err != nil {
		return nil, err
	}
	project(plan, projected, in.DepositMarket.Rate, in.LoanMarket.Rate.BorrowAPY)
	target, _ := in.TargetLeverage.Float64()
	plan.TargetLeverage = model.Ratio(target)
	plan.FlashLoan = &fq

	logrus.WithFields(logrus.Fields{
		"plan_id":  plan.ID.String(),
		"account":  in.Account,
		"flash":    flash.String(),
		"fee":      fq.Fee.String(),
		"leverage": float64(plan.Leverage),
	}).Info("Planned leveraged open")
	return plan, nil
}
