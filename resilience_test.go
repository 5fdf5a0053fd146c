package analyzer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("Allow %d failed while closed: %v", i, err)
		}
		cb.RecordFailure()
	}

	if cb.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()

	if cb.State() != BreakerClosed {
		t.Errorf("expected closed, got %v", cb.State())
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})

	cb.Allow()
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open, got %v", cb.State())
	}

	time.Sleep(30 * time.Millisecond)

	// Exactly one admission while the trial is in flight.
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected trial admission, got %v", err)
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %v", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected second caller rejected, got %v", err)
	}

	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Errorf("expected closed after successful trial, got %v", cb.State())
	}
}

func TestBreakerHalfOpenFailedTrialReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})

	cb.Allow()
	cb.RecordFailure()
	time.Sleep(30 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("expected trial admission, got %v", err)
	}
	cb.RecordFailure()

	if cb.State() != BreakerOpen {
		t.Fatalf("expected reopened, got %v", cb.State())
	}
	// The timer restarted; no immediate second trial.
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen right after reopen, got %v", err)
	}
}

func TestBreakerHalfOpenSingleTrialConcurrent(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	cb.Allow()
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	const callers = 16
	admitted := make(chan struct{}, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() == nil {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly 1 admission in half-open, got %d", count)
	}
}

func TestBreakerReleaseFreesTrialSlot(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	cb.Allow()
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("expected trial admission, got %v", err)
	}
	// A local failure releases the slot without recording an outcome.
	cb.release()

	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after release, got %v", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("expected next caller admitted after release, got %v", err)
	}
}

func TestBreakerExecute(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	}

	err := cb.Execute(func() error {
		t.Error("fn ran while circuit open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	changes := make(chan BreakerState, 4)
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to BreakerState) {
			changes <- to
		},
	})

	cb.Allow()
	cb.RecordFailure()

	select {
	case st := <-changes:
		if st != BreakerOpen {
			t.Errorf("expected transition to open, got %v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("state change callback was not invoked")
	}
}

func TestRetryBackoffMonotonic(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Backoff(attempt)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("backoff exceeded cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}

	if got := p.Backoff(1); got != 100*time.Millisecond {
		t.Errorf("expected initial delay for attempt 1, got %v", got)
	}
	if got := p.Backoff(10); got != 2*time.Second {
		t.Errorf("expected capped delay for attempt 10, got %v", got)
	}
}

func TestRetryDoSucceedsAfterFailures(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryDoExhaustsAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	boom := errors.New("boom")
	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return boom
	}, nil)

	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryDoNonRetryable(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		return ErrCircuitOpen
	}, retryableSendError)

	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestRetryDoContextCancelled(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1.0}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, func() error { return errors.New("transient") }, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBreakerRelevantErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"not running", &CommunicationError{Op: "send", Err: ErrNotRunning}, false},
		{"backpressure", ErrTooManyPending, false},
		{"shutdown", ErrShutdown, false},
		{"bad arguments", &DecodeError{What: "arguments", Err: errors.New("func")}, false},
		{"remote failure", &RemoteError{Command: "open"}, false},
		{"timeout", ErrRequestTimeout, true},
		{"crash", ErrServerCrashed, true},
		{"write failure", &CommunicationError{Op: "write", Err: errors.New("pipe")}, true},
		{"channel closed", &CommunicationError{Op: "send", Err: ErrChannelClosed}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := breakerRelevant(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRetryableSendError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"circuit open", ErrCircuitOpen, false},
		{"cancelled", ErrRequestCancelled, false},
		{"shutdown", ErrShutdown, false},
		{"remote failure", &RemoteError{Command: "open"}, false},
		{"decode failure", &DecodeError{What: "body"}, false},
		{"timeout", ErrRequestTimeout, true},
		{"write failure", &CommunicationError{Op: "write", Err: errors.New("pipe")}, true},
		{"crash", ErrServerCrashed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableSendError(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
