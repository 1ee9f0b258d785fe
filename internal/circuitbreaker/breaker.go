// Package circuitbreaker guards provider calls so a failing lending market,
// flash lender or swap venue fails fast instead of stalling every plan.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/model"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, calls fail fast
	StateHalfOpen              // Probing whether the provider recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// Consecutive failed calls that open the circuit
	MaxConsecutiveFailures int `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`

	// Rates above this are treated as corrupt provider data (10.0 is 1000%)
	MaxAPY float64 `json:"max_apy,omitempty" yaml:"max_apy,omitempty"`
}

// CircuitBreaker tracks the health of one provider.
type CircuitBreaker struct {
	name       string
	thresholds Thresholds

	state    State
	lastTrip time.Time
	failures int

	resetDelay time.Duration

	// consecutive successes while half-open
	successCount     int
	successThreshold int

	onTripCallback func(name, reason string)
	ignore         func(error) bool
	now            func() time.Time

	mu sync.RWMutex
}

// New creates a closed breaker for the named provider
func New(name string, t Thresholds) *CircuitBreaker {
	if t.MaxConsecutiveFailures <= 0 {
		t.MaxConsecutiveFailures = 5
	}
	return &CircuitBreaker{
		name:             name,
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       30 * time.Second,
		successThreshold: 2,
		now:              time.Now,
	}
}

// WithResetDelay sets how long the circuit stays open before probing
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful probes needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(name, reason string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// WithIgnoredErrors sets a classifier for errors that say nothing about the
// provider's health. Execute returns them without recording a failure.
func (cb *CircuitBreaker) WithIgnoredErrors(ignore func(error) bool) *CircuitBreaker {
	cb.ignore = ignore
	return cb
}

// Name returns the guarded provider's name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow reports whether a call may proceed. An open circuit whose reset
// delay has elapsed moves to half-open and lets the probe through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.RLock()
	state := cb.state
	lastTrip := cb.lastTrip
	cb.mu.RUnlock()

	if state != StateOpen {
		return nil
	}
	if cb.now().Sub(lastTrip) > cb.resetDelay {
		cb.transitionToHalfOpen()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrOpen, cb.name)
}

// Execute runs fn when the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if cb.ignore != nil && cb.ignore(err) {
			return err
		}
		cb.RecordFailure(err)
		return err
	}
	cb.RecordSuccess()
	return nil
}

// RecordSuccess resets the failure streak and closes a recovered circuit
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.WithField("provider", cb.name).Info("Circuit breaker closed: provider has recovered")
		}
	}
}

// RecordFailure counts a failed call; any failure while half-open reopens
// the circuit.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.trip(fmt.Sprintf("probe failed: %v", err))
	case cb.state == StateClosed && cb.failures >= cb.thresholds.MaxConsecutiveFailures:
		cb.trip(fmt.Sprintf("%d consecutive failures, last: %v", cb.failures, err))
	}
}

// CheckRate trips the circuit when a provider reports a rate no real market
// produces.
func (cb *CircuitBreaker) CheckRate(asset string, rate model.MarketRate) error {
	if cb.thresholds.MaxAPY <= 0 {
		return nil
	}
	for _, apy := range []float64{rate.SupplyAPY, rate.BorrowAPY, rate.RewardAPR} {
		if apy > cb.thresholds.MaxAPY {
			reason := fmt.Sprintf("%s rate %.4f exceeds maximum %.4f", asset, apy, cb.thresholds.MaxAPY)
			cb.mu.Lock()
			cb.trip(reason)
			cb.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrOpen, reason)
		}
	}
	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	logrus.WithField("provider", cb.name).Info("Circuit breaker manually reset to closed state")
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.WithField("provider", cb.name).Info("Circuit breaker half-open: probing provider")
	}
}

// trip opens the circuit. Callers hold the write lock.
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	cb.successCount = 0
	logrus.WithField("provider", cb.name).Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(cb.name, reason)
	}
}
