package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrOpen is returned without running the call while the breaker is open or
// the half-open probe budget is spent.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast
	StateHalfOpen              // a limited number of probes pass through
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
		return "unknown"
	}
}

// Config holds circuit breaker configuration. A zero FailureThreshold
// disables the breaker.
type Config struct {
	FailureThreshold    int           // consecutive failures before opening
	SuccessThreshold    int           // half-open successes needed to close
	OpenTimeout         time.Duration // time spent open before probing
	MaxRequestsHalfOpen int           // concurrent probes allowed while half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		OpenTimeout:         30 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

// Stats holds circuit breaker statistics
type Stats struct {
	State            State
	FailureCount     int
	SuccessCount     int
	HalfOpenRequests int
	LastFailureTime  time.Time
	StateChangeTime  time.Time
}

type CircuitBreaker struct {
	config Config
	clock  clock.Clock

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	lastFailureTime  time.Time
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

// New creates a breaker. clk may be nil.
func New(config Config, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = 1
	}
	return &CircuitBreaker{
		config:          config,
		clock:           clk,
		state:           StateClosed,
		stateChangeTime: clk.Now(),
	}
}

// OnStateChange registers fn, called synchronously on every transition with
// the breaker lock released.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker rejects it. Errors from fn are returned
// as is; a call skipped because ctx is done is not counted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if cb.config.FailureThreshold <= 0 {
		return fn()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch cb.state {
	case StateOpen:
		remaining := cb.config.OpenTimeout - cb.clock.Since(cb.stateChangeTime)
		if remaining > 0 {
			return fmt.Errorf("%w: retry in %s", ErrOpen, remaining.Round(time.Millisecond))
		}
		notify = cb.transitionLocked(StateHalfOpen)
		cb.halfOpenRequests++
		return nil
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			return fmt.Errorf("%w: probe in flight", ErrOpen)
		}
		cb.halfOpenRequests++
	}
	return nil
}

// release returns a half-open probe slot for a call that did not complete.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	if err != nil {
		cb.failureCount++
		cb.successCount = 0
		cb.lastFailureTime = cb.clock.Now()
		switch {
		case cb.state == StateHalfOpen:
			notify = cb.transitionLocked(StateOpen)
		case cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold:
			notify = cb.transitionLocked(StateOpen)
		}
		return
	}

	cb.failureCount = 0
	cb.successCount++
	if cb.state == StateHalfOpen {
		if cb.halfOpenRequests > 0 {
			cb.halfOpenRequests--
		}
		if cb.successCount >= cb.config.SuccessThreshold {
			notify = cb.transitionLocked(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.stateChangeTime = cb.clock.Now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequests = 0

	if fn := cb.onStateChange; fn != nil {
		return func() { fn(from, to) }
	}
	return nil
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		HalfOpenRequests: cb.halfOpenRequests,
		LastFailureTime:  cb.lastFailureTime,
		StateChangeTime:  cb.stateChangeTime,
	}
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionLocked(StateClosed)
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}
