package model

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/types"
)

// LegKind tags one atomic step of a plan.
type LegKind string

const (
	LegFlashBorrow   LegKind = "flash_borrow"
	LegOracleRefresh LegKind = "oracle_refresh"
	LegSwap          LegKind = "swap"
	LegSupply        LegKind = "supply"
	LegBorrow        LegKind = "borrow"
	LegRepay         LegKind = "repay"
	LegWithdraw      LegKind = "withdraw"
	LegFlashRepay    LegKind = "flash_repay"
	LegSettle        LegKind = "settle"
)

// Leg is one step handed to the transaction builder. Swap legs carry the
// output side. Supply and settle legs with All set move whatever balance of
// Asset the transaction holds at that point; Amount is then an estimate.
type Leg struct {
	Kind   LegKind       `json:"kind"`
	Asset  types.Asset   `json:"asset"`
	Amount amount.Amount `json:"amount"`
	All    bool          `json:"all,omitempty"`

	AssetOut     *types.Asset   `json:"assetOut,omitempty"`
	AmountOut    *amount.Amount `json:"amountOut,omitempty"`
	MinAmountOut *amount.Amount `json:"minAmountOut,omitempty"`
	Venue        string         `json:"venue,omitempty"`

	// Assets lists the price feeds an oracle refresh leg updates.
	Assets []types.Asset `json:"assets,omitempty"`
	Note   string        `json:"note,omitempty"`
}

// PlanKind identifies the planner that built a plan.
type PlanKind string

const (
	PlanOpen  PlanKind = "open"
	PlanClose PlanKind = "close"
	PlanLoop  PlanKind = "loop"
)

// Plan is an ordered leg sequence plus the projected result. A plan is built
// fresh per request, sealed once by the safety validator and consumed exactly
// once by the transaction consumer. Always handle plans by pointer.
type Plan struct {
	ID        uuid.UUID     `json:"id"`
	Kind      PlanKind      `json:"kind"`
	Account   string        `json:"account,omitempty"`
	Legs      []Leg         `json:"legs"`
	Projected PositionState `json:"projected"`

	Leverage         Ratio `json:"leverage"`
	TargetLeverage   Ratio `json:"targetLeverage,omitempty"`
	HealthFactor     Ratio `json:"healthFactor"`
	LiquidationPrice Ratio `json:"liquidationPrice,omitempty"`
	NetAPY           Ratio `json:"netApy"`

	FlashLoan  *FlashLoanQuote `json:"flashLoan,omitempty"`
	Iterations int             `json:"iterations,omitempty"`
	Converged  bool            `json:"converged"`
	CreatedAt  time.Time       `json:"createdAt"`
	Digest     string          `json:"digest,omitempty"`

	mu       sync.Mutex
	consumed bool
}

// NewPlan returns an empty plan of the given kind.
func NewPlan(kind PlanKind, account string) *Plan {
	return &Plan{
		ID:        uuid.New(),
		Kind:      kind,
		Account:   account,
		Converged: true,
		CreatedAt: time.Now().UTC(),
	}
}

// Append adds legs in order.
func (p *Plan) Append(legs ...Leg) {
	p.Legs = append(p.Legs, legs...)
}

// IndexOf returns the position of the first leg of kind, or -1.
func (p *Plan) IndexOf(kind LegKind) int {
	for i, l := range p.Legs {
		if l.Kind == kind {
			return i
		}
	}
	return -1
}

// LastIndexOf returns the position of the last leg of kind, or -1.
func (p *Plan) LastIndexOf(kind LegKind) int {
	for i := len(p.Legs) - 1; i >= 0; i-- {
		if p.Legs[i].Kind == kind {
			return i
		}
	}
	return -1
}

// Fingerprint is the Keccak-256 hash of the plan's identity and legs.
func (p *Plan) Fingerprint() (string, error) {
	payload, err := json.Marshal(struct {
		ID      uuid.UUID `json:"id"`
		Kind    PlanKind  `json:"kind"`
		Account string    `json:"account"`
		Legs    []Leg     `json:"legs"`
	}{p.ID, p.Kind, p.Account, p.Legs})
	if err != nil {
		return "", fmt.Errorf("failed to marshal plan: %w", err)
	}
	return crypto.Keccak256Hash(payload).Hex(), nil
}

// Seal records the digest that freezes the plan.
func (p *Plan) Seal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Digest != "" {
		return ErrPlanAlreadyAccepted
	}
	digest, err := p.Fingerprint()
	if err != nil {
		return err
	}
	p.Digest = digest
	return nil
}

// Sealed reports whether the plan has been accepted.
func (p *Plan) Sealed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Digest != ""
}

// Consume marks the plan as handed off. It fails if the plan was never
// accepted, was already consumed, or no longer matches its digest.
func (p *Plan) Consume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Digest == "" {
		return ErrPlanNotAccepted
	}
	if p.consumed {
		return ErrPlanConsumed
	}
	digest, err := p.Fingerprint()
	if err != nil {
		return err
	}
	if digest != p.Digest {
		return ErrPlanModified
	}
	p.consumed = true
	return nil
}
