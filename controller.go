package analyzer

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ServerState represents the lifecycle state of the managed server.
type ServerState int32

const (
	// StateNotStarted means start has never been called.
	StateNotStarted ServerState = iota

	// StateStarting means the process is spawning and handshaking.
	StateStarting

	// StateRunning means the server is ready and accepting requests.
	StateRunning

	// StateStopping means a graceful stop is in progress.
	StateStopping

	// StateStopped means the server was stopped and can be started again.
	StateStopped

	// StateError means the server failed to start or crashed.
	StateError
)

// String returns the string representation of the state.
func (s ServerState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// LifecycleEventType classifies controller lifecycle notifications.
type LifecycleEventType int

const (
	// LifecycleStarted means the server is up and handshaked.
	LifecycleStarted LifecycleEventType = iota

	// LifecycleStopped means the server was stopped deliberately.
	LifecycleStopped

	// LifecycleCrashed means the process terminated unexpectedly.
	LifecycleCrashed

	// LifecycleRestarting means an automatic restart has been scheduled.
	LifecycleRestarting

	// LifecycleRecovered means an automatic restart succeeded.
	LifecycleRecovered

	// LifecycleGaveUp means restart attempts are exhausted.
	LifecycleGaveUp
)

// String returns the string representation of the event type.
func (t LifecycleEventType) String() string {
	switch t {
	case LifecycleStarted:
		return "started"
	case LifecycleStopped:
		return "stopped"
	case LifecycleCrashed:
		return "crashed"
	case LifecycleRestarting:
		return "restarting"
	case LifecycleRecovered:
		return "recovered"
	case LifecycleGaveUp:
		return "gave-up"
	default:
		return "unknown"
	}
}

// LifecycleEvent describes a controller lifecycle notification.
type LifecycleEvent struct {
	Type    LifecycleEventType
	Attempt int
	Delay   time.Duration
	Err     error
	Time    time.Time
}

// Controller supervises one analysis server: it owns the process, the framed
// channel over its stdio, request correlation, event fan-out, and crash
// recovery. All methods are safe for concurrent use.
type Controller struct {
	config Config
	logger *slog.Logger

	state atomic.Int32

	// lifecycleMu serializes start, stop, restart, and crash handling.
	lifecycleMu     sync.Mutex
	proc            *Process
	channel         *Channel
	runningSince    time.Time
	restartAttempts int
	restartTimer    *time.Timer

	tracker    *Tracker
	dispatcher *EventDispatcher
	breaker    *CircuitBreaker

	watchMu  sync.Mutex
	watchers map[string]chan ServerState

	events chan LifecycleEvent

	closed atomic.Bool
	done   chan struct{}
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the logger used by the controller and its components.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewController creates a controller for the given configuration.
// The server is not started until Start is called.
func NewController(config Config, opts ...ControllerOption) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		config:   config,
		logger:   NopLogger(),
		watchers: make(map[string]chan ServerState),
		events:   make(chan LifecycleEvent, 32),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.tracker = NewTracker(config.Tracker, WithTrackerLogger(c.logger))
	c.dispatcher = NewEventDispatcher(config.Dispatcher, WithDispatcherLogger(c.logger))
	c.breaker = NewCircuitBreaker(config.Breaker)

	if err := c.dispatcher.Start(); err != nil {
		return nil, err
	}

	return c, nil
}

// State returns the current server state.
func (c *Controller) State() ServerState {
	return ServerState(c.state.Load())
}

// --- Lifecycle ---

// Start launches the server process, attaches the channel, and performs the
// readiness handshake. Legal only from the not-started and stopped states.
func (c *Controller) Start() error {
	if c.closed.Load() {
		return ErrShutdown
	}

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.startLocked()
}

// startLocked runs the start sequence. Caller holds lifecycleMu.
func (c *Controller) startLocked() error {
	st := c.State()
	if st != StateNotStarted && st != StateStopped {
		return &StateTransitionError{From: st, To: StateStarting}
	}
	c.setStateLocked(StateStarting)

	proc, err := StartProcess(c.config.Process, c.logger)
	if err != nil {
		c.setStateLocked(StateError)
		return err
	}

	ch := NewChannel(proc.Stdout(), proc.Stdin(), WithChannelLogger(c.logger))
	ch.OnMessage(c.handleMessage)
	procID := proc.ID
	ch.OnError(func(err error) {
		c.handleFailure(procID, err)
	})
	ch.Start()

	if err := c.handshake(proc, ch); err != nil {
		ch.Close()
		proc.Stop(c.config.ShutdownGrace)
		c.setStateLocked(StateError)
		c.logger.Error("server start failed",
			"command", c.config.Process.Command, "error", err, "stderr", proc.StderrTail())
		return &StartupError{Command: c.config.Process.Command, Err: err}
	}

	c.proc = proc
	c.channel = ch
	c.runningSince = time.Now()
	c.breaker.Reset()
	c.setStateLocked(StateRunning)

	go c.watchExit(proc)

	c.logger.Info("server running",
		"command", c.config.Process.Command, "pid", proc.PID())
	c.emit(LifecycleEvent{Type: LifecycleStarted, Time: time.Now()})

	return nil
}

// handshake sends the readiness request through the normal request path and
// waits for the response, the process dying, or the startup timeout.
func (c *Controller) handshake(proc *Process, ch *Channel) error {
	if c.config.HandshakeCommand == "" {
		return nil
	}

	seq := ch.NextSeq()
	req, err := NewRequest(seq, c.config.HandshakeCommand, nil)
	if err != nil {
		return err
	}

	call, err := c.tracker.Track(seq, c.config.HandshakeCommand, c.config.StartupTimeout)
	if err != nil {
		return err
	}
	if err := ch.Send(req); err != nil {
		c.tracker.Cancel(seq)
		return err
	}

	select {
	case <-call.Done():
		resp, err := call.Result()
		if err != nil {
			return err
		}
		if !resp.Success {
			return &RemoteError{Command: resp.Command, Message: resp.Message}
		}
		return nil

	case <-proc.Done():
		c.tracker.Cancel(seq)
		return &ProcessExitError{Code: proc.ExitCode(), Err: proc.ExitError()}
	}
}

// Stop shuts the server down gracefully. Legal from the running and error
// states; stopping an already-stopped server is a no-op success.
func (c *Controller) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.stopRestartTimerLocked()

	switch st := c.State(); st {
	case StateStopped:
		return nil

	case StateRunning:
		c.setStateLocked(StateStopping)
		c.teardownLocked(true)
		c.setStateLocked(StateStopped)

	case StateError:
		c.teardownLocked(false)
		c.setStateLocked(StateStopped)

	default:
		return &StateTransitionError{From: st, To: StateStopping}
	}

	c.restartAttempts = 0
	c.logger.Info("server stopped")
	c.emit(LifecycleEvent{Type: LifecycleStopped, Time: time.Now()})
	return nil
}

// teardownLocked cancels pending requests and releases the process and
// channel. Caller holds lifecycleMu.
func (c *Controller) teardownLocked(graceful bool) {
	proc := c.proc
	ch := c.channel
	c.proc = nil
	c.channel = nil

	c.tracker.CancelAll(ErrRequestCancelled)

	if graceful && c.config.ShutdownCommand != "" && ch != nil && proc != nil && proc.IsRunning() {
		if req, err := NewRequest(ch.NextSeq(), c.config.ShutdownCommand, nil); err == nil {
			// Best effort; the process is terminated regardless.
			_ = ch.Send(req)
		}
	}

	if ch != nil {
		ch.Close()
	}
	if proc != nil {
		if err := proc.Stop(c.config.ShutdownGrace); err != nil {
			c.logger.Warn("process stop failed", "pid", proc.PID(), "error", err)
		}
	}

	// Requests that slipped in while tearing down.
	c.tracker.CancelAll(ErrRequestCancelled)
}

// Restart stops the server and starts it again.
func (c *Controller) Restart() error {
	if err := c.Stop(); err != nil {
		return err
	}
	return c.Start()
}

// Close stops the server if needed and releases all controller resources.
// The controller cannot be used afterwards.
func (c *Controller) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	st := c.State()
	if st == StateRunning || st == StateError {
		if err := c.Stop(); err != nil {
			c.logger.Warn("stop during close failed", "error", err)
		}
	} else {
		c.lifecycleMu.Lock()
		c.stopRestartTimerLocked()
		c.lifecycleMu.Unlock()
	}

	c.tracker.Close()
	return c.dispatcher.Stop(ctx)
}

// stopRestartTimerLocked cancels a scheduled automatic restart.
// Caller holds lifecycleMu.
func (c *Controller) stopRestartTimerLocked() {
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
}

// --- Crash recovery ---

// watchExit waits for the process to terminate and routes it through the
// failure handler. Deliberate stops detach the process first, so the
// handler sees a stale ID and does nothing.
func (c *Controller) watchExit(p *Process) {
	<-p.Done()
	c.handleFailure(p.ID, &ProcessExitError{Code: p.ExitCode(), Err: p.ExitError()})
}

// handleFailure reacts to a structural failure of the current run: the
// process died or the channel broke. Stale notifications from previous runs
// are ignored.
func (c *Controller) handleFailure(procID string, cause error) {
	c.lifecycleMu.Lock()
	if c.proc == nil || c.proc.ID != procID || c.State() != StateRunning {
		c.lifecycleMu.Unlock()
		return
	}

	proc := c.proc
	ch := c.channel
	c.proc = nil
	c.channel = nil
	c.setStateLocked(StateError)

	if time.Since(c.runningSince) >= c.config.RestartResetWindow {
		c.restartAttempts = 0
	}
	attempt := c.restartAttempts + 1
	shouldRestart := c.config.AutoRestart && c.restartAttempts < c.config.MaxRestartAttempts
	if shouldRestart {
		c.restartAttempts = attempt
	}
	c.lifecycleMu.Unlock()

	c.tracker.CancelAll(ErrServerCrashed)
	ch.Close()
	proc.Kill()

	c.logger.Error("server crashed",
		"error", cause, "exit_code", proc.ExitCode(), "uptime", proc.Uptime(),
		"stderr", proc.StderrTail())
	c.emit(LifecycleEvent{Type: LifecycleCrashed, Err: cause, Time: time.Now()})

	if shouldRestart {
		c.scheduleRestart(attempt)
	} else if c.config.AutoRestart {
		c.logger.Error("restart attempts exhausted", "attempts", c.config.MaxRestartAttempts)
		c.emit(LifecycleEvent{Type: LifecycleGaveUp, Attempt: attempt - 1, Time: time.Now()})
	}
}

// scheduleRestart arms the delayed restart timer for the given attempt.
func (c *Controller) scheduleRestart(attempt int) {
	delay := c.restartBackoff(attempt)
	c.logger.Warn("scheduling restart", "attempt", attempt, "delay", delay)
	c.emit(LifecycleEvent{Type: LifecycleRestarting, Attempt: attempt, Delay: delay, Time: time.Now()})

	c.lifecycleMu.Lock()
	c.stopRestartTimerLocked()
	c.restartTimer = time.AfterFunc(delay, c.autoRestart)
	c.lifecycleMu.Unlock()
}

// autoRestart runs one automatic restart attempt.
func (c *Controller) autoRestart() {
	if c.closed.Load() {
		return
	}

	c.lifecycleMu.Lock()
	// A deliberate stop or start may have intervened.
	if !c.state.CompareAndSwap(int32(StateError), int32(StateStopped)) {
		c.lifecycleMu.Unlock()
		return
	}
	c.notifyWatchers(StateStopped)

	err := c.startLocked()
	if err == nil {
		c.lifecycleMu.Unlock()
		c.logger.Info("server recovered")
		c.emit(LifecycleEvent{Type: LifecycleRecovered, Time: time.Now()})
		return
	}

	attempt := c.restartAttempts + 1
	shouldRetry := c.restartAttempts < c.config.MaxRestartAttempts
	if shouldRetry {
		c.restartAttempts = attempt
	}
	c.lifecycleMu.Unlock()

	c.logger.Error("restart attempt failed", "error", err)

	if shouldRetry {
		c.scheduleRestart(attempt)
	} else {
		c.logger.Error("restart attempts exhausted", "attempts", c.config.MaxRestartAttempts)
		c.emit(LifecycleEvent{Type: LifecycleGaveUp, Attempt: attempt - 1, Time: time.Now()})
	}
}

// restartBackoff returns the delay before the given restart attempt,
// doubling per attempt up to the configured maximum.
func (c *Controller) restartBackoff(attempt int) time.Duration {
	if attempt <= 1 {
		return c.config.RestartBackoff
	}

	delay := float64(c.config.RestartBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.config.MaxRestartBackoff) {
		return c.config.MaxRestartBackoff
	}
	return time.Duration(delay)
}

// --- Requests ---

// Send issues a command to the server and returns a handle resolving exactly
// once: with the response, a timeout, a cancellation, or a communication
// failure. A zero timeout uses the configured request timeout. Rejections
// before any channel I/O (server not running, circuit open) are returned
// synchronously.
func (c *Controller) Send(command string, args any, timeout time.Duration) (*Call, error) {
	if c.State() != StateRunning {
		return nil, &CommunicationError{Op: "send " + command, Err: ErrNotRunning}
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.config.RequestTimeout
	}

	outer := &Call{
		Command: command,
		done:    make(chan struct{}),
		created: time.Now(),
	}
	go c.sendWithRetry(outer, command, args, timeout)
	return outer, nil
}

// Request is a convenience wrapper over Send that blocks until resolution.
func (c *Controller) Request(ctx context.Context, command string, args any, timeout time.Duration) (*Response, error) {
	call, err := c.Send(command, args, timeout)
	if err != nil {
		return nil, err
	}
	return call.Await(ctx)
}

// sendWithRetry drives the attempts for one logical request. The first
// attempt reuses the breaker admission granted in Send; each further attempt
// is re-admitted. Every attempt uses a fresh sequence number.
func (c *Controller) sendWithRetry(outer *Call, command string, args any, timeout time.Duration) {
	policy := c.config.Retry
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.breaker.Allow(); err != nil {
				outer.resolve(nil, err)
				return
			}
		}

		resp, err := c.attempt(outer, command, args, timeout)
		if err == nil {
			c.breaker.RecordSuccess()
			outer.resolve(resp, nil)
			return
		}
		// Only transport-level failures count against the circuit.
		if breakerRelevant(err) {
			c.breaker.RecordFailure()
		} else {
			c.breaker.release()
		}
		lastErr = err

		if !retryableSendError(err) {
			outer.resolve(nil, err)
			return
		}
		if attempt == maxAttempts {
			break
		}

		c.logger.Debug("retrying request",
			"command", command, "attempt", attempt, "error", err)
		select {
		case <-c.done:
			outer.resolve(nil, ErrShutdown)
			return
		case <-time.After(policy.Backoff(attempt)):
		}
	}

	outer.resolve(nil, lastErr)
}

// attempt performs a single tracked send and waits for its resolution.
func (c *Controller) attempt(outer *Call, command string, args any, timeout time.Duration) (*Response, error) {
	c.lifecycleMu.Lock()
	ch := c.channel
	c.lifecycleMu.Unlock()

	if ch == nil || c.State() != StateRunning {
		return nil, &CommunicationError{Op: "send " + command, Err: ErrNotRunning}
	}

	seq := ch.NextSeq()
	req, err := NewRequest(seq, command, args)
	if err != nil {
		return nil, err
	}

	call, err := c.tracker.Track(seq, command, timeout)
	if err != nil {
		return nil, err
	}
	outer.Seq = seq

	if err := ch.Send(req); err != nil {
		c.tracker.Cancel(seq)
		return nil, err
	}

	<-call.Done()
	return call.Result()
}

// --- Events and observation ---

// Subscribe registers a handler for the named server event and returns its
// subscription ID. Use WildcardEvent to receive all events.
func (c *Controller) Subscribe(event string, handler EventHandler) string {
	return c.dispatcher.Subscribe(event, handler)
}

// Unsubscribe removes a single subscription by ID.
func (c *Controller) Unsubscribe(id string) bool {
	return c.dispatcher.Unsubscribe(id)
}

// StateChanges returns a channel receiving every state transition, plus a
// cancel function releasing the watcher. Slow receivers miss updates rather
// than blocking transitions.
func (c *Controller) StateChanges() (<-chan ServerState, func()) {
	ch := make(chan ServerState, 16)
	id := uuid.New().String()

	c.watchMu.Lock()
	c.watchers[id] = ch
	c.watchMu.Unlock()

	cancel := func() {
		c.watchMu.Lock()
		if _, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(ch)
		}
		c.watchMu.Unlock()
	}
	return ch, cancel
}

// Events returns the lifecycle notification stream. Slow receivers miss
// notifications rather than blocking the controller.
func (c *Controller) Events() <-chan LifecycleEvent {
	return c.events
}

// handleMessage routes decoded channel messages.
func (c *Controller) handleMessage(msg any) {
	switch m := msg.(type) {
	case *Response:
		c.tracker.Complete(m)
	case *Event:
		c.dispatcher.Dispatch(m)
	}
}

// setStateLocked stores the new state and notifies watchers.
// Caller holds lifecycleMu.
func (c *Controller) setStateLocked(to ServerState) {
	from := ServerState(c.state.Swap(int32(to)))
	if from != to {
		c.logger.Debug("state changed", "from", from, "to", to)
		c.notifyWatchers(to)
	}
}

// notifyWatchers delivers a state change without blocking.
func (c *Controller) notifyWatchers(st ServerState) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	for _, ch := range c.watchers {
		select {
		case ch <- st:
		default:
		}
	}
}

// emit delivers a lifecycle event without blocking.
func (c *Controller) emit(evt LifecycleEvent) {
	select {
	case c.events <- evt:
	default:
	}
}

// ControllerStats aggregates statistics across the controller's components.
type ControllerStats struct {
	State           ServerState
	PID             int
	Uptime          time.Duration
	RestartAttempts int
	Tracker         TrackerStats
	Dispatcher      DispatcherStats
	Breaker         BreakerStats
}

// Stats returns a snapshot of controller statistics.
func (c *Controller) Stats() ControllerStats {
	c.lifecycleMu.Lock()
	stats := ControllerStats{
		State:           c.State(),
		RestartAttempts: c.restartAttempts,
	}
	if c.proc != nil {
		stats.PID = c.proc.PID()
		stats.Uptime = c.proc.Uptime()
	}
	c.lifecycleMu.Unlock()

	stats.Tracker = c.tracker.Stats()
	stats.Dispatcher = c.dispatcher.Stats()
	stats.Breaker = c.breaker.Stats()
	return stats
}
