package analyzer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Call is the asynchronous result handle for one tracked request.
// It resolves exactly once: with the server's response, a timeout,
// a cancellation, or a communication failure.
type Call struct {
	Seq     int64
	Command string

	done      chan struct{}
	closeOnce sync.Once
	response  *Response
	err       error

	timer    *time.Timer
	created  time.Time
	deadline time.Time
}

// Done returns a channel closed when the call has resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the response and error after the call has resolved.
// Calling Result before Done is closed returns a nil response and nil error.
func (c *Call) Result() (*Response, error) {
	select {
	case <-c.done:
		return c.response, c.err
	default:
		return nil, nil
	}
}

// Await blocks until the call resolves or the context is cancelled.
func (c *Call) Await(ctx context.Context) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return c.response, c.err
	}
}

// resolve completes the call. Returns true on the first resolution.
func (c *Call) resolve(resp *Response, err error) bool {
	resolved := false
	c.closeOnce.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.response = resp
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// DefaultTimeout applies to requests tracked without an explicit timeout.
	// Default: 30 seconds.
	DefaultTimeout time.Duration

	// MaxPending bounds the number of concurrently pending requests.
	// Tracking beyond the bound fails immediately. Default: 1024.
	MaxPending int

	// SweepInterval is how often the tracker scans for entries whose age
	// exceeds their timeout, as a safety net against missed timer firings.
	// Default: 30 seconds.
	SweepInterval time.Duration
}

// DefaultTrackerConfig returns the default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		DefaultTimeout: 30 * time.Second,
		MaxPending:     1024,
		SweepInterval:  30 * time.Second,
	}
}

// Tracker correlates outgoing request sequence numbers with their pending
// result handles. Every tracked entry is removed exactly once: on completion,
// cancellation, or timeout.
type Tracker struct {
	mu      sync.Mutex
	pending map[int64]*Call
	config  TrackerConfig
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once

	// Stats
	tracked   atomic.Uint64
	completed atomic.Uint64
	timedOut  atomic.Uint64
	cancelled atomic.Uint64
	unmatched atomic.Uint64
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the logger for unmatched responses and sweeps.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker creates a tracker and starts its sweep goroutine.
func NewTracker(config TrackerConfig, opts ...TrackerOption) *Tracker {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.MaxPending <= 0 {
		config.MaxPending = 1024
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}

	t := &Tracker{
		pending: make(map[int64]*Call),
		config:  config,
		logger:  NopLogger(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	go t.sweepLoop()

	return t
}

// Track registers a pending request and schedules its timeout. The timeout
// falls back to the configured default when zero.
func (t *Tracker) Track(seq int64, command string, timeout time.Duration) (*Call, error) {
	if timeout <= 0 {
		timeout = t.config.DefaultTimeout
	}

	now := time.Now()
	call := &Call{
		Seq:      seq,
		Command:  command,
		done:     make(chan struct{}),
		created:  now,
		deadline: now.Add(timeout),
	}

	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return nil, ErrShutdown
	default:
	}
	if len(t.pending) >= t.config.MaxPending {
		t.mu.Unlock()
		return nil, ErrTooManyPending
	}
	t.pending[seq] = call
	call.timer = time.AfterFunc(timeout, func() {
		t.expire(seq)
	})
	t.mu.Unlock()

	t.tracked.Add(1)
	return call, nil
}

// Complete resolves the pending call matching the response's request_seq.
// Returns false for responses with no matching entry; these are logged,
// not fatal.
func (t *Tracker) Complete(resp *Response) bool {
	t.mu.Lock()
	call, ok := t.pending[resp.RequestSeq]
	if ok {
		delete(t.pending, resp.RequestSeq)
	}
	t.mu.Unlock()

	if !ok {
		t.unmatched.Add(1)
		t.logger.Warn("unmatched response",
			"request_seq", resp.RequestSeq, "command", resp.Command)
		return false
	}

	call.resolve(resp, nil)
	t.completed.Add(1)
	return true
}

// Cancel resolves a single pending call with a cancellation failure.
func (t *Tracker) Cancel(seq int64) bool {
	t.mu.Lock()
	call, ok := t.pending[seq]
	if ok {
		delete(t.pending, seq)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	call.resolve(nil, ErrRequestCancelled)
	t.cancelled.Add(1)
	return true
}

// CancelAll resolves every pending call with the given error, or
// ErrRequestCancelled when err is nil. Used on shutdown and channel failure.
func (t *Tracker) CancelAll(err error) int {
	if err == nil {
		err = ErrRequestCancelled
	}

	t.mu.Lock()
	calls := make([]*Call, 0, len(t.pending))
	for _, call := range t.pending {
		calls = append(calls, call)
	}
	t.pending = make(map[int64]*Call)
	t.mu.Unlock()

	for _, call := range calls {
		call.resolve(nil, err)
		t.cancelled.Add(1)
	}
	return len(calls)
}

// PendingCount returns the number of requests awaiting resolution.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close cancels all pending calls and stops the sweep goroutine.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.CancelAll(ErrShutdown)
}

// expire times out a single entry if it is still pending.
func (t *Tracker) expire(seq int64) {
	t.mu.Lock()
	call, ok := t.pending[seq]
	if ok {
		delete(t.pending, seq)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	call.resolve(nil, ErrRequestTimeout)
	t.timedOut.Add(1)
}

// sweepLoop periodically reclaims entries past their deadline. Timers
// normally fire first; the sweep guards against entries whose timer was lost.
func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep expires every entry past its deadline.
func (t *Tracker) sweep() {
	now := time.Now()

	t.mu.Lock()
	var stale []*Call
	for seq, call := range t.pending {
		if now.After(call.deadline) {
			delete(t.pending, seq)
			stale = append(stale, call)
		}
	}
	t.mu.Unlock()

	for _, call := range stale {
		if call.resolve(nil, ErrRequestTimeout) {
			t.timedOut.Add(1)
			t.logger.Warn("swept stale request",
				"seq", call.Seq, "command", call.Command)
		}
	}
}

// TrackerStats contains request tracking statistics.
type TrackerStats struct {
	Pending   int
	Tracked   uint64
	Completed uint64
	TimedOut  uint64
	Cancelled uint64
	Unmatched uint64
}

// Stats returns current tracker statistics.
func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{
		Pending:   t.PendingCount(),
		Tracked:   t.tracked.Load(),
		Completed: t.completed.Load(),
		TimedOut:  t.timedOut.Load(),
		Cancelled: t.cancelled.Load(),
		Unmatched: t.unmatched.Load(),
	}
}
