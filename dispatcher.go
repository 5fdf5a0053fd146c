package analyzer

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// WildcardEvent subscribes a handler to every event regardless of name.
const WildcardEvent = "*"

// EventHandler receives a dispatched server event.
type EventHandler func(evt *Event)

// subscription pairs a handler with the event name it was registered under.
type subscription struct {
	id      string
	event   string
	handler EventHandler
}

// deliveryTask is one handler invocation queued for a worker.
type deliveryTask struct {
	evt     *Event
	handler EventHandler
}

// DispatcherConfig configures an EventDispatcher.
type DispatcherConfig struct {
	// QueueSize bounds the delivery queue. Deliveries beyond the bound are
	// dropped rather than stalling the reader. Default: 1024.
	QueueSize int

	// WorkerCount is the number of delivery goroutines. Default: 4.
	WorkerCount int
}

// DefaultDispatcherConfig returns the default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:   1024,
		WorkerCount: 4,
	}
}

// EventDispatcher fans decoded events out to subscribers by event name.
// Handlers run on a bounded worker pool, never on the reader goroutine,
// and each invocation is isolated: a panicking subscriber is logged and
// does not affect other subscribers or the read loop.
type EventDispatcher struct {
	mu   sync.RWMutex
	subs map[string]map[string]*subscription // event name -> id -> subscription
	byID map[string]*subscription

	config DispatcherConfig
	logger *slog.Logger

	// queueMu orders queue sends against the close in Stop; Dispatch holds
	// the read side so it can never send on a closed queue.
	queueMu sync.RWMutex
	queue   chan deliveryTask
	wg      sync.WaitGroup
	running atomic.Bool

	// Stats
	dispatched atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	panicked   atomic.Uint64
}

// DispatcherOption configures an EventDispatcher.
type DispatcherOption func(*EventDispatcher)

// WithDispatcherLogger sets the logger for subscriber panics and drops.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *EventDispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewEventDispatcher creates a dispatcher. Start must be called before
// events are delivered.
func NewEventDispatcher(config DispatcherConfig, opts ...DispatcherOption) *EventDispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}

	d := &EventDispatcher{
		subs:   make(map[string]map[string]*subscription),
		byID:   make(map[string]*subscription),
		config: config,
		logger: NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker pool.
func (d *EventDispatcher) Start() error {
	d.queueMu.Lock()
	if d.running.Load() {
		d.queueMu.Unlock()
		return ErrAlreadyStarted
	}
	d.queue = make(chan deliveryTask, d.config.QueueSize)
	d.running.Store(true)
	d.queueMu.Unlock()

	for i := 0; i < d.config.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return nil
}

// Stop drains the worker pool. It waits for queued deliveries to finish
// or until the context is cancelled.
func (d *EventDispatcher) Stop(ctx context.Context) error {
	d.queueMu.Lock()
	if !d.running.Swap(false) {
		d.queueMu.Unlock()
		return nil
	}
	close(d.queue)
	d.queueMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for the named event and returns an opaque
// subscription ID, unique per call. Use WildcardEvent to receive all events.
func (d *EventDispatcher) Subscribe(event string, handler EventHandler) string {
	sub := &subscription{
		id:      uuid.New().String(),
		event:   event,
		handler: handler,
	}

	d.mu.Lock()
	set, ok := d.subs[event]
	if !ok {
		set = make(map[string]*subscription)
		d.subs[event] = set
	}
	set[sub.id] = sub
	d.byID[sub.id] = sub
	d.mu.Unlock()

	return sub.id
}

// Unsubscribe removes the subscription with the given ID, leaving other
// subscriptions for the same event untouched. Returns false if the ID is
// unknown.
func (d *EventDispatcher) Unsubscribe(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.byID[id]
	if !ok {
		return false
	}

	delete(d.byID, id)
	if set, ok := d.subs[sub.event]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(d.subs, sub.event)
		}
	}
	return true
}

// SubscriberCount returns the number of handlers registered for an event.
func (d *EventDispatcher) SubscriberCount(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[event])
}

// Dispatch queues the event for every matching subscriber. Events with no
// subscribers are dropped silently; deliveries that would overflow the
// queue are dropped and counted.
func (d *EventDispatcher) Dispatch(evt *Event) {
	if !d.running.Load() {
		return
	}

	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.subs[evt.Event])+len(d.subs[WildcardEvent]))
	for _, sub := range d.subs[evt.Event] {
		handlers = append(handlers, sub.handler)
	}
	for _, sub := range d.subs[WildcardEvent] {
		handlers = append(handlers, sub.handler)
	}
	d.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	d.queueMu.RLock()
	defer d.queueMu.RUnlock()
	if !d.running.Load() {
		return
	}

	d.dispatched.Add(1)

	for _, h := range handlers {
		select {
		case d.queue <- deliveryTask{evt: evt, handler: h}:
		default:
			d.dropped.Add(1)
			d.logger.Warn("event delivery dropped", "event", evt.Event)
		}
	}
}

// worker delivers queued events to handlers with panic isolation.
func (d *EventDispatcher) worker() {
	defer d.wg.Done()

	for task := range d.queue {
		d.deliver(task)
	}
}

// deliver invokes one handler, containing any panic.
func (d *EventDispatcher) deliver(task deliveryTask) {
	defer func() {
		if r := recover(); r != nil {
			d.panicked.Add(1)
			d.logger.Error("event handler panicked",
				"event", task.evt.Event, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	task.handler(task.evt)
	d.delivered.Add(1)
}

// DispatcherStats contains event delivery statistics.
type DispatcherStats struct {
	Dispatched uint64
	Delivered  uint64
	Dropped    uint64
	Panicked   uint64
	QueueDepth int
}

// Stats returns current dispatcher statistics.
func (d *EventDispatcher) Stats() DispatcherStats {
	depth := 0
	d.queueMu.RLock()
	if d.running.Load() {
		depth = len(d.queue)
	}
	d.queueMu.RUnlock()
	return DispatcherStats{
		Dispatched: d.dispatched.Load(),
		Delivered:  d.delivered.Load(),
		Dropped:    d.dropped.Load(),
		Panicked:   d.panicked.Load(),
		QueueDepth: depth,
	}
}
