// Package risk computes health, loan-to-value and leverage metrics.
//
// Everything here is float64 and belongs to the estimation boundary: results
// are shown to users and used for range checks, never used to size a leg.
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/yourorg/leverage-engine/internal/model"
)

// Default policy values.
const (
	DefaultSafetyFactor      = 0.95
	DefaultLeverageCeiling   = 10.0
	DefaultBorrowBuffer      = 0.99
	DefaultWithdrawBuffer    = 0.95
	DefaultWithdrawSupplyCap = 0.999
)

// HealthFactor is (collateralValue × liquidationThreshold) / debtValue.
// It is +Inf when there is no debt and never negative.
func HealthFactor(collateralValue, debtValue, liquidationThreshold float64) float64 {
	if debtValue <= 0 {
		return math.Inf(1)
	}
	hf := collateralValue * liquidationThreshold / debtValue
	if hf < 0 {
		return 0
	}
	return hf
}

// CurrentLtv is debtValue / collateralValue, or 0 without collateral.
func CurrentLtv(debtValue, collateralValue float64) float64 {
	if collateralValue <= 0 {
		return 0
	}
	return debtValue / collateralValue
}

// MaxLeverage is safetyFactor / (1 − maxLtv). A maxLtv of one or more is a
// broken market input and yields ceiling instead of dividing by zero.
func MaxLeverage(maxLtv, safetyFactor, ceiling float64) float64 {
	if maxLtv >= 1 {
		return ceiling
	}
	if maxLtv <= 0 {
		return 1
	}
	return math.Min(safetyFactor/(1-maxLtv), ceiling)
}

// TheoreticalMaxLeverage is 1 / (1 − maxLtv) without any safety margin.
func TheoreticalMaxLeverage(maxLtv float64) float64 {
	if maxLtv >= 1 {
		return math.Inf(1)
	}
	return 1 / (1 - maxLtv)
}

// LiquidationPrice is the collateral price at which the health factor hits 1.
func LiquidationPrice(borrowedValue, collateralAmount, liquidationThreshold float64) float64 {
	denom := collateralAmount * liquidationThreshold
	if denom <= 0 {
		return 0
	}
	return borrowedValue / denom
}

// NetApy is the blended return of a position at the given leverage.
func NetApy(supplyApy, borrowApy, leverage float64) float64 {
	return supplyApy*leverage - borrowApy*(leverage-1)
}

// NetApyWithReward adds reward emissions on the supplied side to NetApy.
func NetApyWithReward(rate model.MarketRate, borrowApy, leverage float64) float64 {
	return (rate.SupplyAPY+rate.RewardAPR)*leverage - borrowApy*(leverage-1)
}

// LtvFromLeverage is (L − 1) / L. Leverage of one means no borrow.
func LtvFromLeverage(leverage float64) float64 {
	if leverage <= 1 {
		return 0
	}
	return (leverage - 1) / leverage
}

// HealthFactorFromLeverage projects the health factor of a single-asset
// position held at the given leverage.
func HealthFactorFromLeverage(liquidationThreshold, leverage float64) float64 {
	ltv := LtvFromLeverage(leverage)
	if ltv == 0 {
		return math.Inf(1)
	}
	return liquidationThreshold / ltv
}

// LeverageFromValues is collateralValue / equity, +Inf when equity is gone.
func LeverageFromValues(collateralValue, debtValue float64) float64 {
	if collateralValue <= 0 {
		return 1
	}
	equity := collateralValue - debtValue
	if equity <= 0 {
		return math.Inf(1)
	}
	return collateralValue / equity
}

// DeriveLtv estimates a usable max LTV when a market only publishes its
// liquidation threshold.
func DeriveLtv(liquidationThreshold float64) float64 {
	return math.Max(0, math.Min(liquidationThreshold-0.05, liquidationThreshold*0.9375))
}

// Metrics summarises a position snapshot.
type Metrics struct {
	CollateralValue  float64 `json:"collateralValue"`
	DebtValue        float64 `json:"debtValue"`
	HealthFactor     float64 `json:"-"`
	Ltv              float64 `json:"ltv"`
	Leverage         float64 `json:"-"`
	LiquidationPrice float64 `json:"liquidationPrice"`
}

// Assess computes Metrics for a position.
func Assess(pos model.PositionState) Metrics {
	cv := toFloat(pos.CollateralValue())
	dv := toFloat(pos.DebtValue())
	return Metrics{
		CollateralValue:  cv,
		DebtValue:        dv,
		HealthFactor:     HealthFactor(cv, dv, pos.Collateral.LiquidationThreshold),
		Ltv:              CurrentLtv(dv, cv),
		Leverage:         LeverageFromValues(cv, dv),
		LiquidationPrice: LiquidationPrice(dv, pos.Collateral.Amount.Float(), pos.Collateral.LiquidationThreshold),
	}
}

// Bounds are the limits a caller may request against a position.
type Bounds struct {
	MaxLeverage float64 `json:"maxLeverage"`
	MaxBorrow   float64 `json:"maxBorrow"`
	MaxWithdraw float64 `json:"maxWithdraw"`
}

// MaxBorrow is the additional debt, in units of the debt asset, that keeps the
// position within maxLtv, shaved by buffer.
func MaxBorrow(pos model.PositionState, maxLtv, buffer float64) float64 {
	price := toFloat(pos.Debt.Price)
	if price <= 0 {
		return 0
	}
	capacity := toFloat(pos.CollateralValue())*maxLtv - toFloat(pos.DebtValue())
	if capacity <= 0 {
		return 0
	}
	return capacity / price * buffer
}

// MaxWithdraw is the collateral, in units of the collateral asset, that can be
// removed while keeping the debt covered at maxLtv. Without debt it is capped
// at supplyCap of the supply; with debt the excess is shaved by buffer.
func MaxWithdraw(pos model.PositionState, maxLtv, buffer, supplyCap float64) float64 {
	supplied := pos.Collateral.Amount.Float()
	if supplied <= 0 {
		return 0
	}
	debtValue := toFloat(pos.DebtValue())
	if debtValue <= 0 {
		return supplied * supplyCap
	}
	price := toFloat(pos.Collateral.Price)
	if price <= 0 || maxLtv <= 0 {
		return 0
	}
	required := debtValue / maxLtv
	excess := toFloat(pos.CollateralValue()) - required
	if excess <= 0 {
		return 0
	}
	return math.Min(excess/price*buffer, supplied*supplyCap)
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
