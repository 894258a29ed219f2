// Package resilience holds the fetch failure taxonomy and the retry and
// circuit-breaker wrappers placed around the remote SERP API.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the breaker position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	// CircuitHalfOpen admits one trial fetch at a time.
	CircuitHalfOpen
)

var circuitStateNames = [...]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// ErrCircuitOpen rejects a fetch without calling the API. It classifies as
// transient, so the keyword stays in processing and is deferred.
var ErrCircuitOpen = eris.New("resilience: serp api circuit open")

// CircuitBreakerConfig controls when the breaker opens and how long it
// stays open.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive tripping failures open the breaker.
	FailureThreshold int
	// ResetTimeout is the cool-down before a trial is let through.
	ResetTimeout time.Duration
	// ShouldTrip selects the failures that count. Nil means IsTransient: a
	// rejected keyword says nothing about upstream health.
	ShouldTrip func(err error) bool
	// OnStateChange runs under the breaker lock on every transition.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig opens after 5 straight transient failures and
// tries again after 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker guards the SERP API for every resolver worker in the
// process.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	inTrial  bool
}

// NewCircuitBreaker applies defaults to zero fields of cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// ExecuteVal calls fn unless the breaker rejects it with ErrCircuitOpen.
// While half-open, concurrent callers are rejected until the single trial
// reports back.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	trial, err := cb.acquire()
	if err != nil {
		var zero T
		return zero, err
	}
	val, err := fn(ctx)
	cb.release(trial, err)
	return val, err
}

// State reports the current position. An open breaker whose cool-down has
// elapsed reports half-open even before the next trial arrives.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooled() {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) cooled() bool {
	return cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) acquire() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.cooled() {
		cb.moveTo(CircuitHalfOpen)
	}
	switch cb.state {
	case CircuitOpen:
		return false, ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.inTrial {
			return false, ErrCircuitOpen
		}
		cb.inTrial = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) release(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.inTrial = false
	}
	if err != nil && cb.cfg.ShouldTrip(err) {
		cb.failures++
		if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			cb.moveTo(CircuitOpen)
		}
		return
	}

	cb.failures = 0
	if trial && cb.state == CircuitHalfOpen {
		cb.moveTo(CircuitClosed)
	}
}

func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
