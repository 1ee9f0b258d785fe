// Package amount implements exact token amount arithmetic over integer minor
// units. Nothing in this package rounds through floating point except Float,
// which exists for display and risk estimation only.
package amount

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/yourorg/leverage-engine/internal/planerr"
)

// MaxDecimals bounds the precision accepted for a token.
const MaxDecimals = 36

// BpsDenominator is the basis point scale used by every fee and buffer.
const BpsDenominator = 10_000

// Rounding selects the direction of the final integer step of a conversion.
type Rounding int

const (
	Floor Rounding = iota
	Ceil
)

// Amount is an unsigned token amount in minor units with its decimals.
type Amount struct {
	raw      uint256.Int
	decimals uint8
}

// Zero returns a zero amount with the given decimals.
func Zero(decimals uint8) Amount {
	return Amount{decimals: decimals}
}

// FromUint64 builds an amount from a raw minor-unit value.
func FromUint64(raw uint64, decimals uint8) Amount {
	var a Amount
	a.raw.SetUint64(raw)
	a.decimals = decimals
	return a
}

// FromInt builds an amount from a raw minor-unit value.
func FromInt(raw *uint256.Int, decimals uint8) Amount {
	var a Amount
	a.raw.Set(raw)
	a.decimals = decimals
	return a
}

// FromRaw parses a base-10 integer string of minor units.
func FromRaw(text string, decimals uint8) (Amount, error) {
	if text == "" || !isDigits(text) {
		return Amount{}, planerr.New(planerr.ErrInvalidAmount, "raw amount %q is not an unsigned integer", text)
	}
	v, err := uint256.FromDecimal(trimLeadingZeros(text))
	if err != nil {
		return Amount{}, planerr.Wrap(planerr.ErrInvalidAmount, err, "raw amount %q", text)
	}
	return FromInt(v, decimals), nil
}

// Parse converts a human decimal string into minor units. Fractional digits
// beyond decimals are truncated, never rounded up.
func Parse(text string, decimals uint8) (Amount, error) {
	if decimals > MaxDecimals {
		return Amount{}, planerr.New(planerr.ErrInvalidAmount, "decimals %d exceeds %d", decimals, MaxDecimals)
	}
	s := strings.TrimSpace(text)
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return Amount{}, planerr.New(planerr.ErrInvalidAmount, "%q is empty", text)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return Amount{}, planerr.New(planerr.ErrInvalidAmount, "%q is not an unsigned decimal", text)
	}

	d := int(decimals)
	if len(frac) > d {
		frac = frac[:d]
	} else {
		frac += strings.Repeat("0", d-len(frac))
	}

	v, err := uint256.FromDecimal(trimLeadingZeros(whole + frac))
	if err != nil {
		return Amount{}, planerr.Wrap(planerr.ErrInvalidAmount, err, "%q", text)
	}
	return FromInt(v, decimals), nil
}

// MustParse is Parse for literals; it panics on malformed input.
func MustParse(text string, decimals uint8) Amount {
	a, err := Parse(text, decimals)
	if err != nil {
		panic(err)
	}
	return a
}

// Format renders raw minor units as a decimal string. Trailing fractional
// zeros are stripped and whole amounts render without a point.
func Format(raw *uint256.Int, decimals uint8) string {
	s := raw.Dec()
	d := int(decimals)
	if d == 0 {
		return s
	}
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	cut := len(s) - d
	whole, frac := s[:cut], strings.TrimRight(s[cut:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func (a Amount) String() string {
	return Format(&a.raw, a.decimals)
}

// Decimals returns the token precision.
func (a Amount) Decimals() uint8 {
	return a.decimals
}

// Raw returns a copy of the minor-unit value.
func (a Amount) Raw() *uint256.Int {
	return new(uint256.Int).Set(&a.raw)
}

// RawString returns the minor-unit value in base 10.
func (a Amount) RawString() string {
	return a.raw.Dec()
}

func (a Amount) IsZero() bool {
	return a.raw.IsZero()
}

// Cmp compares raw values. Amounts of different precision are not comparable
// and callers are expected to convert first.
func (a Amount) Cmp(b Amount) int {
	return a.raw.Cmp(&b.raw)
}

func (a Amount) Add(b Amount) (Amount, error) {
	if err := sameDecimals(a, b); err != nil {
		return Amount{}, err
	}
	var out Amount
	out.decimals = a.decimals
	if _, overflow := out.raw.AddOverflow(&a.raw, &b.raw); overflow {
		return Amount{}, planerr.New(planerr.ErrInvalidAmount, "%s + %s overflows", a, b)
	}
	return out, nil
}

// Sub returns a - b and fails when b exceeds a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if err := sameDecimals(a, b); err != nil {
		return Amount{}, err
	}
	var out Amount
	out.decimals = a.decimals
	if _, underflow := out.raw.SubOverflow(&a.raw, &b.raw); underflow {
		return Amount{}, planerr.New(planerr.ErrInvalidAmount, "%s - %s underflows", a, b)
	}
	return out, nil
}

// SaturatingSub returns a - b, or zero when b exceeds a.
func (a Amount) SaturatingSub(b Amount) Amount {
	out, err := a.Sub(b)
	if err != nil {
		return Zero(a.decimals)
	}
	return out
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if b.Cmp(a) < 0 {
		return b
	}
	return a
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if b.Cmp(a) > 0 {
		return b
	}
	return a
}

// MulDiv returns a × num / den with the given rounding, using a 512-bit
// intermediate product.
func (a Amount) MulDiv(num, den uint64, mode Rounding) (Amount, error) {
	if den == 0 {
		return Amount{}, planerr.New(planerr.ErrInvalidAmount, "division by zero")
	}
	n := uint256.NewInt(num)
	d := uint256.NewInt(den)

	var out Amount
	out.decimals = a.decimals
	if _, overflow := out.raw.MulDivOverflow(&a.raw, n, d); overflow {
		return Amount{}, planerr.New(planerr.ErrInvalidAmount, "%s × %d / %d overflows", a, num, den)
	}
	if mode == Ceil {
		var rem uint256.Int
		rem.MulMod(&a.raw, n, d)
		if !rem.IsZero() {
			out.raw.AddUint64(&out.raw, 1)
		}
	}
	return out, nil
}

// MulRatio returns a × num / den on raw values, keeping a's decimals. It is
// used to apply an observed exchange ratio between two amounts.
func (a Amount) MulRatio(num, den Amount, mode Rounding) (Amount, error) {
	if den.IsZero() {
		return Amount{}, planerr.New(planerr.ErrInvalidAmount, "division by zero")
	}
	var out Amount
	out.decimals = a.decimals
	if _, overflow := out.raw.MulDivOverflow(&a.raw, &num.raw, &den.raw); overflow {
		return Amount{}, planerr.New(planerr.ErrInvalidAmount, "%s × %s / %s overflows", a, num, den)
	}
	if mode == Ceil {
		var rem uint256.Int
		rem.MulMod(&a.raw, &num.raw, &den.raw)
		if !rem.IsZero() {
			out.raw.AddUint64(&out.raw, 1)
		}
	}
	return out, nil
}

// MulBps scales a by bps / 10_000.
func (a Amount) MulBps(bps uint64, mode Rounding) (Amount, error) {
	return a.MulDiv(bps, BpsDenominator, mode)
}

// CeilFee returns ceil(a × feeRateBps / 10_000). Fees always round up so the
// borrower never under-pays a flash loan.
func CeilFee(a Amount, feeRateBps uint64) (Amount, error) {
	return a.MulBps(feeRateBps, Ceil)
}

// Convert re-denominates a into another asset: a × num / den, expressed with
// toDecimals. Intermediate math is exact; only the final integer step rounds.
func Convert(a Amount, num, den decimal.Decimal, toDecimals uint8, mode Rounding) (Amount, error) {
	if num.IsNegative() || !den.IsPositive() {
		return Amount{}, planerr.New(planerr.ErrInvalidAmount, "conversion ratio %s/%s is not positive", num, den)
	}

	r := new(big.Rat).SetFrac(a.raw.ToBig(), pow10(a.decimals))
	r.Mul(r, num.Rat())
	r.Quo(r, den.Rat())
	r.Mul(r, new(big.Rat).SetInt(pow10(toDecimals)))

	q, rem := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if mode == Ceil && rem.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	v, overflow := uint256.FromBig(q)
	if overflow {
		return Amount{}, planerr.New(planerr.ErrInvalidAmount, "conversion of %s overflows", a)
	}
	return FromInt(v, toDecimals), nil
}

// Scale multiplies a by an exact ratio, keeping its decimals.
func Scale(a Amount, ratio decimal.Decimal, mode Rounding) (Amount, error) {
	return Convert(a, ratio, decimal.NewFromInt(1), a.decimals, mode)
}

// Decimal returns the exact human value of a.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.raw.ToBig(), -int32(a.decimals))
}

// Value returns the exact value of a at the given unit price.
func (a Amount) Value(price decimal.Decimal) decimal.Decimal {
	return a.Decimal().Mul(price)
}

// Float is the lossy estimation view of a.
func (a Amount) Float() float64 {
	f, _ := a.Decimal().Float64()
	return f
}

type amountJSON struct {
	Raw      string `json:"raw"`
	Decimals uint8  `json:"decimals"`
	Display  string `json:"display,omitempty"`
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{Raw: a.raw.Dec(), Decimals: a.decimals, Display: a.String()})
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var v amountJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode amount: %w", err)
	}
	parsed, err := FromRaw(v.Raw, v.Decimals)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func sameDecimals(a, b Amount) error {
	if a.decimals != b.decimals {
		return planerr.New(planerr.ErrInvalidAmount, "decimals mismatch: %d vs %d", a.decimals, b.decimals)
	}
	return nil
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func trimLeadingZeros(s string) string {
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}
