package analyzer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed means sends flow normally.
	BreakerClosed BreakerState = iota

	// BreakerOpen means sends are rejected without touching the channel.
	BreakerOpen

	// BreakerHalfOpen means one trial send is allowed to probe recovery.
	BreakerHalfOpen
)

// String returns the string representation of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before allowing a
	// trial send. Default: 30 seconds.
	ResetTimeout time.Duration

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(from, to BreakerState)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker guards outbound sends. After FailureThreshold consecutive
// failures it opens and rejects sends immediately with ErrCircuitOpen. Once
// ResetTimeout elapses it admits exactly one trial send: success closes the
// circuit, failure reopens it and restarts the timer.
type CircuitBreaker struct {
	mu     sync.Mutex
	config BreakerConfig

	state               BreakerState
	consecutiveFailures int
	lastFailure         time.Time
	trialInFlight       bool
}

// NewCircuitBreaker creates a new circuit breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		config: config,
		state:  BreakerClosed,
	}
}

// Allow reports whether a send may proceed. It must be paired with a later
// RecordSuccess or RecordFailure when it returns nil. While open, and for
// all but the first caller in half-open, it returns ErrCircuitOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(cb.lastFailure) < cb.config.ResetTimeout {
			return ErrCircuitOpen
		}
		cb.transitionLocked(BreakerHalfOpen)
		cb.trialInFlight = true
		return nil

	case BreakerHalfOpen:
		if cb.trialInFlight {
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful send.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.trialInFlight = false
	if cb.state != BreakerClosed {
		cb.transitionLocked(BreakerClosed)
	}
}

// RecordFailure records a failed send.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = time.Now()
	cb.trialInFlight = false

	switch cb.state {
	case BreakerClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.transitionLocked(BreakerOpen)
	}
}

// Execute runs fn through the breaker, recording the result.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// release drops an admission without recording an outcome, for attempts
// that failed locally before any transport I/O. A half-open circuit stays
// half-open and the next caller gets the trial slot.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.trialInFlight = false
	if cb.state != BreakerClosed {
		cb.transitionLocked(BreakerClosed)
	}
}

// transitionLocked changes state (must hold mu).
func (cb *CircuitBreaker) transitionLocked(to BreakerState) {
	from := cb.state
	cb.state = to

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(from, to)
	}
}

// BreakerStats contains circuit breaker statistics.
type BreakerStats struct {
	State               BreakerState
	ConsecutiveFailures int
	LastFailure         time.Time
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailure:         cb.lastFailure,
	}
}

// RetryPolicy retries a send attempt on retryable failures with
// monotonically increasing backoff between attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts. Values <= 0 mean one.
	MaxAttempts int

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier grows the delay after each attempt.
	Multiplier float64
}

// DefaultRetryPolicy returns sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Backoff returns the delay before the given attempt number (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialDelay
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs fn with retry. A failure is retried only when retryable reports
// it as transient; retryable may be nil, in which case all failures retry.
// Cancellation of ctx stops the loop between attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func() error, retryable func(error) bool) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

// breakerRelevant reports whether a send failure says anything about the
// health of the transport. Local failures (bad arguments, rejected or
// backpressured sends) neither open nor close the circuit.
func breakerRelevant(err error) bool {
	if errors.Is(err, ErrNotRunning) || errors.Is(err, ErrTooManyPending) || errors.Is(err, ErrShutdown) {
		return false
	}
	if errors.Is(err, ErrRequestTimeout) || errors.Is(err, ErrServerCrashed) {
		return true
	}
	var comm *CommunicationError
	return errors.As(err, &comm)
}

// retryableSendError reports whether a send failure is transient.
// Circuit rejections and cancellations are final.
func retryableSendError(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRequestCancelled) || errors.Is(err, ErrShutdown) {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return false
	}
	var decode *DecodeError
	return !errors.As(err, &decode)
}
