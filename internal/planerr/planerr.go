// Package planerr defines the typed failures returned by position planning.
package planerr

import (
	"errors"
	"fmt"
)

// Planning failure kinds. Match with errors.Is.
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrLeverageOutOfRange     = errors.New("leverage out of range")
	ErrInsufficientPrincipal  = errors.New("insufficient principal")
	ErrNoLiquidity            = errors.New("no liquidity")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrStaleMarketData        = errors.New("stale market data")
	ErrIterationLimitReached  = errors.New("iteration limit reached")
	ErrNoPosition             = errors.New("no position")
	ErrProviderUnavailable    = errors.New("provider unavailable")
)

var reasons = []struct {
	kind error
	code string
}{
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrLeverageOutOfRange, "LeverageOutOfRange"},
	{ErrInsufficientPrincipal, "InsufficientPrincipal"},
	{ErrNoLiquidity, "NoLiquidity"},
	{ErrInsufficientCollateral, "InsufficientCollateral"},
	{ErrStaleMarketData, "StaleMarketData"},
	{ErrIterationLimitReached, "IterationLimitReached"},
	{ErrNoPosition, "NoPosition"},
	{ErrProviderUnavailable, "ProviderUnavailable"},
}

// Error is a planning failure of a known kind with optional detail and cause.
type Error struct {
	Kind   error
	Detail string
	Cause  error
}

// New returns an error of the given kind with a formatted detail.
func New(kind error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind carrying an underlying cause.
func Wrap(kind error, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Reason returns the machine-readable reason code for err, or "" when err is
// not a planning failure.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.kind) {
			return r.code
		}
	}
	return ""
}

// Recoverable reports whether err still accompanies a usable plan.
func Recoverable(err error) bool {
	return errors.Is(err, ErrIterationLimitReached)
}
