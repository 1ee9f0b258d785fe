// Package model defines the core data structures for the leverage engine.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/types"
)

// MarketRate holds yields as dimensionless ratios (0.05 is 5%).
// Values above 1.0 are legitimate for high-yield pools.
type MarketRate struct {
	SupplyAPY float64   `json:"supplyApy"`
	BorrowAPY float64   `json:"borrowApy"`
	RewardAPR float64   `json:"rewardApr,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate rejects negative or non-finite rates.
func (r MarketRate) Validate() error {
	for name, v := range map[string]float64{"supply": r.SupplyAPY, "borrow": r.BorrowAPY, "reward": r.RewardAPR} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s rate %v must be a finite non-negative ratio", name, v)
		}
	}
	return nil
}

// MarketParams is the lending market's risk configuration for one asset.
type MarketParams struct {
	Asset                types.Asset     `json:"asset"`
	MaxLtv               float64         `json:"maxLtv"`
	LiquidationThreshold float64         `json:"liquidationThreshold"`
	AvailableLiquidity   amount.Amount   `json:"availableLiquidity"`
	Price                decimal.Decimal `json:"price"`
	Rate                 MarketRate      `json:"rate"`

	// RequiresOracleRefresh is set when the market evaluates collateral only
	// after its price feeds are pushed in the same transaction.
	RequiresOracleRefresh bool      `json:"requiresOracleRefresh,omitempty"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

func (p MarketParams) Validate() error {
	if p.MaxLtv < 0 || math.IsNaN(p.MaxLtv) {
		return fmt.Errorf("%s: max LTV %v is negative", p.Asset, p.MaxLtv)
	}
	if p.LiquidationThreshold <= 0 || p.LiquidationThreshold > 1 {
		return fmt.Errorf("%s: liquidation threshold %v outside (0, 1]", p.Asset, p.LiquidationThreshold)
	}
	if !p.Price.IsPositive() {
		return fmt.Errorf("%s: price %s must be positive", p.Asset, p.Price)
	}
	return p.Rate.Validate()
}

// Holding is one side of a position priced in the quote currency.
type Holding struct {
	Asset                types.Asset     `json:"asset"`
	Amount               amount.Amount   `json:"amount"`
	Price                decimal.Decimal `json:"price"`
	LiquidationThreshold float64         `json:"liquidationThreshold,omitempty"`
}

// Value is derived on demand and never stored.
func (h Holding) Value() decimal.Decimal {
	return h.Amount.Value(h.Price)
}

// PositionState is a snapshot of an account's collateral and debt.
type PositionState struct {
	Account    string    `json:"account,omitempty"`
	Collateral Holding   `json:"collateral"`
	Debt       Holding   `json:"debt"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

func (p PositionState) CollateralValue() decimal.Decimal { return p.Collateral.Value() }
func (p PositionState) DebtValue() decimal.Decimal       { return p.Debt.Value() }

// Empty reports whether there is nothing supplied and nothing owed.
func (p PositionState) Empty() bool {
	return p.Collateral.Amount.IsZero() && p.Debt.Amount.IsZero()
}

// Quote is one swap candidate returned by a venue.
type Quote struct {
	Venue     string        `json:"venue,omitempty"`
	AmountIn  amount.Amount `json:"amountIn"`
	AmountOut amount.Amount `json:"amountOut"`
}

// FlashLoanQuote prices a flash loan. Fee is always rounded up.
type FlashLoanQuote struct {
	Asset      types.Asset   `json:"asset"`
	Principal  amount.Amount `json:"principal"`
	FeeRateBps uint64        `json:"feeRateBps"`
	Fee        amount.Amount `json:"fee"`
}

// NewFlashLoanQuote computes the fee for borrowing principal.
func NewFlashLoanQuote(asset types.Asset, principal amount.Amount, feeRateBps uint64) (FlashLoanQuote, error) {
	fee, err := amount.CeilFee(principal, feeRateBps)
	if err != nil {
		return FlashLoanQuote{}, err
	}
	return FlashLoanQuote{Asset: asset, Principal: principal, FeeRateBps: feeRateBps, Fee: fee}, nil
}

// Repayment is principal plus fee.
func (q FlashLoanQuote) Repayment() (amount.Amount, error) {
	return q.Principal.Add(q.Fee)
}

// Ratio is a float metric whose infinite value encodes as JSON null.
type Ratio float64

func (r Ratio) MarshalJSON() ([]byte, error) {
	f := float64(r)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

func (r *Ratio) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Ratio(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*r = Ratio(f)
	return nil
}

// Errors raised by the plan lifecycle.
var (
	ErrPlanNotAccepted     = errors.New("plan has not been accepted")
	ErrPlanAlreadyAccepted = errors.New("plan already accepted")
	ErrPlanConsumed        = errors.New("plan already consumed")
	ErrPlanModified        = errors.New("plan modified after acceptance")
)
