// Package validation provides the preflight checks every plan passes before
// it is handed to a transaction consumer.
package validation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/config"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/planerr"
	"github.com/yourorg/leverage-engine/internal/risk"
)

// ErrInvalidPlan is returned by Accept when a plan violates leg ordering.
var ErrInvalidPlan = errors.New("invalid plan")

// Options holds configuration for the validation process
type Options struct {
	// MaxDataAge defines how recent market snapshots must be; zero disables the check
	MaxDataAge time.Duration

	// LeverageSafetyFactor scales the theoretical maximum leverage
	LeverageSafetyFactor float64

	// MaxLeverageCeiling is used when a market reports a max LTV of one or more
	MaxLeverageCeiling float64

	// QuoteOutlierIQR is the IQR multiplier beyond which a quote's implied
	// rate is discarded; zero disables outlier filtering
	QuoteOutlierIQR float64

	// Now is the clock used for staleness checks
	Now func() time.Time
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return OptionsFromPolicy(config.DefaultPolicy())
}

// OptionsFromPolicy derives validator options from a planning policy
func OptionsFromPolicy(p config.Policy) Options {
	return Options{
		MaxDataAge:           p.MaxDataAge,
		LeverageSafetyFactor: p.LeverageSafetyFactor,
		MaxLeverageCeiling:   p.MaxLeverageCeiling,
		QuoteOutlierIQR:      3.0,
		Now:                  time.Now,
	}
}

// Validator rejects plans whose preconditions cannot hold
type Validator struct {
	opts Options
}

// New creates a validator
func New(opts Options) *Validator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Validator{opts: opts}
}

// MaxLeverage is the highest leverage accepted for a market's max LTV
func (v *Validator) MaxLeverage(maxLtv float64) float64 {
	return risk.MaxLeverage(maxLtv, v.opts.LeverageSafetyFactor, v.opts.MaxLeverageCeiling)
}

// CheckLeverage rejects targets at or below 1 and above MaxLeverage
func (v *Validator) CheckLeverage(target decimal.Decimal, maxLtv float64) error {
	l, _ := target.Float64()
	max := v.MaxLeverage(maxLtv)
	if l <= 1 || l > max {
		return planerr.New(planerr.ErrLeverageOutOfRange, "requested %s, allowed (1, %.4f] for max LTV %.4f", target, max, maxLtv)
	}
	return nil
}

// CheckPrincipal rejects an open whose principal, in loan-asset units, does
// not exceed the flash loan fee
func (v *Validator) CheckPrincipal(principal, fee amount.Amount) error {
	if principal.Cmp(fee) <= 0 {
		return planerr.New(planerr.ErrInsufficientPrincipal, "principal %s does not exceed flash loan fee %s", principal, fee)
	}
	return nil
}

// CheckCloseCoverage rejects a close whose swap output cannot repay the flash loan
func (v *Validator) CheckCloseCoverage(swapOut, repayment amount.Amount) error {
	if swapOut.Cmp(repayment) < 0 {
		return planerr.New(planerr.ErrInsufficientCollateral, "swap output %s below flash repayment %s", swapOut, repayment)
	}
	return nil
}

// CheckFresh rejects snapshots older than MaxDataAge. A missing timestamp
// counts as stale.
func (v *Validator) CheckFresh(source string, updatedAt time.Time) error {
	if v.opts.MaxDataAge <= 0 {
		return nil
	}
	if updatedAt.IsZero() {
		return planerr.New(planerr.ErrStaleMarketData, "%s snapshot has no timestamp", source)
	}
	if age := v.opts.Now().Sub(updatedAt); age > v.opts.MaxDataAge {
		return planerr.New(planerr.ErrStaleMarketData, "%s snapshot is %s old, limit %s", source, age.Round(time.Second), v.opts.MaxDataAge)
	}
	return nil
}

// CheckMarket validates market parameters and their freshness
func (v *Validator) CheckMarket(p model.MarketParams) error {
	if err := p.Validate(); err != nil {
		return planerr.Wrap(planerr.ErrInvalidAmount, err, "market %s", p.Asset)
	}
	return v.CheckFresh("market "+p.Asset.String(), p.UpdatedAt)
}

// CheckProjectedHealth rejects a partial unwind that leaves the position
// liquidatable
func (v *Validator) CheckProjectedHealth(pos model.PositionState) error {
	if pos.Debt.Amount.IsZero() {
		return nil
	}
	m := risk.Assess(pos)
	if m.HealthFactor < 1 {
		return planerr.New(planerr.ErrInsufficientCollateral, "remaining health factor %.4f below 1", m.HealthFactor)
	}
	return nil
}

// Accept re-checks the ordering invariants of a plan and seals it. A sealed
// plan can no longer be changed without Consume noticing.
func (v *Validator) Accept(plan *model.Plan) error {
	if plan == nil || len(plan.Legs) == 0 {
		return fmt.Errorf("%w: no legs", ErrInvalidPlan)
	}
	if err := checkOrder(plan); err != nil {
		return err
	}
	if err := checkAmounts(plan); err != nil {
		return err
	}
	if math.IsNaN(float64(plan.Leverage)) || math.IsNaN(float64(plan.HealthFactor)) {
		return fmt.Errorf("%w: projected metrics are not numbers", ErrInvalidPlan)
	}
	if err := plan.Seal(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"plan_id": plan.ID.String(),
		"kind":    plan.Kind,
		"legs":    len(plan.Legs),
		"digest":  plan.Digest,
	}).Debug("Plan accepted")
	return nil
}

func checkOrder(plan *model.Plan) error {
	before := func(a, b model.LegKind) error {
		i, j := plan.IndexOf(a), plan.IndexOf(b)
		if i < 0 || j < 0 {
			return fmt.Errorf("%w: %s plan needs %s and %s legs", ErrInvalidPlan, plan.Kind, a, b)
		}
		if i >= j {
			return fmt.Errorf("%w: %s must precede %s", ErrInvalidPlan, a, b)
		}
		return nil
	}

	flash := plan.IndexOf(model.LegFlashBorrow)
	if flash > 0 {
		return fmt.Errorf("%w: flash borrow must be the first leg", ErrInvalidPlan)
	}
	if flash == 0 {
		repay := plan.LastIndexOf(model.LegFlashRepay)
		if repay < 0 {
			return fmt.Errorf("%w: flash loan is never repaid", ErrInvalidPlan)
		}
		for i := repay + 1; i < len(plan.Legs); i++ {
			if plan.Legs[i].Kind != model.LegSettle {
				return fmt.Errorf("%w: only settle legs may follow the flash repayment", ErrInvalidPlan)
			}
		}
	}

	switch plan.Kind {
	case model.PlanOpen:
		for _, pair := range [][2]model.LegKind{
			{model.LegSwap, model.LegSupply},
			{model.LegSupply, model.LegBorrow},
			{model.LegBorrow, model.LegFlashRepay},
		} {
			if err := before(pair[0], pair[1]); err != nil {
				return err
			}
		}
	case model.PlanClose:
		if flash < 0 {
			// nothing owed: a plain withdrawal
			if plan.IndexOf(model.LegWithdraw) < 0 || plan.IndexOf(model.LegRepay) >= 0 {
				return fmt.Errorf("%w: debt-free close must only withdraw", ErrInvalidPlan)
			}
			return nil
		}
		for _, pair := range [][2]model.LegKind{
			{model.LegRepay, model.LegWithdraw},
			{model.LegWithdraw, model.LegSwap},
			{model.LegSwap, model.LegFlashRepay},
		} {
			if err := before(pair[0], pair[1]); err != nil {
				return err
			}
		}
	case model.PlanLoop:
		// every borrow is resupplied before the next borrow
		pending := false
		for _, l := range plan.Legs {
			switch l.Kind {
			case model.LegBorrow:
				if pending {
					return fmt.Errorf("%w: borrow before previous borrow was resupplied", ErrInvalidPlan)
				}
				pending = true
			case model.LegSupply:
				pending = false
			}
		}
		if pending {
			return fmt.Errorf("%w: last borrow is never resupplied", ErrInvalidPlan)
		}
	}
	return nil
}

func checkAmounts(plan *model.Plan) error {
	for i, l := range plan.Legs {
		if l.All || l.Kind == model.LegOracleRefresh {
			continue
		}
		if l.Amount.IsZero() {
			return fmt.Errorf("%w: leg %d (%s) has a zero amount", ErrInvalidPlan, i, l.Kind)
		}
	}
	return nil
}
