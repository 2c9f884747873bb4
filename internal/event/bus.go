package event

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veridian/complymesh/internal/store"
	"go.uber.org/zap"
)

// HandlerFunc consumes one event. A non-nil error counts as a failed
// delivery attempt for that handler only; other subscribers are unaffected.
type HandlerFunc func(ctx context.Context, ev *Event) error

// TapFunc is a synchronous observer invoked inline at publish time. Taps
// must not block; their failures are recovered and logged.
type TapFunc func(ev *Event)

type subscription struct {
	id         string
	categories map[Category]struct{} // empty = all categories
	fn         HandlerFunc
}

func (s *subscription) matches(ev *Event) bool {
	if len(s.categories) == 0 {
		return true
	}
	_, ok := s.categories[ev.Category]
	return ok
}

// Options configures a Bus. Zero values fall back to defaults.
type Options struct {
	Workers         int // dispatch pool size, default 4
	QueueSize       int // pending event capacity, default 1024
	MaxAttempts     int // delivery attempts per handler, default 3
	DeadLetterLimit int // retained dead letters, default 256
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.DeadLetterLimit <= 0 {
		o.DeadLetterLimit = 256
	}
	return o
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published    uint64 `json:"published"`
	Processed    uint64 `json:"processed"`
	Failed       uint64 `json:"failed"`
	Expired      uint64 `json:"expired"`
	DeadLettered uint64 `json:"dead_lettered"`
	QueueDepth   int    `json:"queue_depth"`
}

// Bus is the asynchronous event backbone. Publish hands events to a FIFO
// queue drained by a fixed worker pool; every subscriber whose filter
// matches is invoked exactly once per event, independently of its
// co-subscribers.
type Bus struct {
	opts   Options
	logger *zap.Logger
	// persist, when set, receives critical-severity events before Publish
	// returns.
	persist store.Store

	queue   chan *Event
	quit    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	subMu sync.RWMutex
	subs  []*subscription

	tapMu sync.RWMutex
	taps  map[string]TapFunc

	dlMu        sync.Mutex
	deadLetters []*Event

	published    atomic.Uint64
	processed    atomic.Uint64
	failed       atomic.Uint64
	expired      atomic.Uint64
	deadLettered atomic.Uint64
}

// NewBus creates a bus. The store may be nil, in which case critical events
// are kept in memory like every other event.
func NewBus(opts Options, persist store.Store, logger *zap.Logger) *Bus {
	opts = opts.withDefaults()
	return &Bus{
		opts:    opts,
		logger:  logger,
		persist: persist,
		queue:   make(chan *Event, opts.QueueSize),
		quit:    make(chan struct{}),
		taps:    make(map[string]TapFunc),
	}
}

// Start launches the dispatch workers. Calling Start twice is an error.
func (b *Bus) Start() error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("event bus already started")
	}
	for i := 0; i < b.opts.Workers; i++ {
		b.wg.Add(1)
		go b.dispatchLoop()
	}
	b.logger.Info("event bus started", zap.Int("workers", b.opts.Workers))
	return nil
}

// Running reports whether the bus has been started and not yet shut down.
func (b *Bus) Running() bool {
	return b.started.Load() && !b.closed.Load()
}

// Subscribe registers a handler for the given categories; an empty category
// list matches every event. The id must be unique per subscriber and is
// used for Unsubscribe.
func (b *Bus) Subscribe(id string, categories []Category, fn HandlerFunc) error {
	if id == "" || fn == nil {
		return fmt.Errorf("subscribe: id and handler are required")
	}
	set := make(map[Category]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, s := range b.subs {
		if s.id == id {
			return fmt.Errorf("subscribe: handler %q already registered", id)
		}
	}
	b.subs = append(b.subs, &subscription{id: id, categories: set, fn: fn})
	return nil
}

// Unsubscribe removes a handler; returns false for unknown ids.
func (b *Bus) Unsubscribe(id string) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Tap registers a synchronous observer invoked inline at publish time.
func (b *Bus) Tap(id string, fn TapFunc) {
	b.tapMu.Lock()
	b.taps[id] = fn
	b.tapMu.Unlock()
}

// Untap removes a streaming observer.
func (b *Bus) Untap(id string) {
	b.tapMu.Lock()
	delete(b.taps, id)
	b.tapMu.Unlock()
}

// Publish enqueues an event for asynchronous dispatch and returns
// immediately. It returns false once shutdown has begun or when the queue
// is full. Critical-severity events are written through to the durable
// store before the hand-off.
func (b *Bus) Publish(ctx context.Context, ev *Event) bool {
	if ev == nil || b.closed.Load() {
		return false
	}

	b.notifyTaps(ev)

	if ev.Severity == SeverityCritical && b.persist != nil {
		rec := store.Record{
			Kind:      "audit_event",
			Key:       ev.ID,
			Payload:   auditPayload(ev),
			CreatedAt: ev.CreatedAt,
		}
		if err := b.persist.Write(ctx, rec); err != nil {
			// Retryable local failure: the event still flows in memory.
			b.logger.Warn("critical event write-through failed",
				zap.String("event", ev.ID), zap.Error(err))
		}
	}

	select {
	case b.queue <- ev:
		b.published.Add(1)
		return true
	default:
		b.failed.Add(1)
		b.logger.Warn("event queue full, dropping",
			zap.String("event", ev.ID), zap.String("category", string(ev.Category)))
		return false
	}
}

// PublishBatch enqueues a batch, returning the number accepted.
func (b *Bus) PublishBatch(ctx context.Context, evs []*Event) int {
	accepted := 0
	for _, ev := range evs {
		if b.Publish(ctx, ev) {
			accepted++
		}
	}
	return accepted
}

// DeadLetters returns a copy of the retained dead-letter events, oldest
// first.
func (b *Bus) DeadLetters() []*Event {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	out := make([]*Event, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:    b.published.Load(),
		Processed:    b.processed.Load(),
		Failed:       b.failed.Load(),
		Expired:      b.expired.Load(),
		DeadLettered: b.deadLettered.Load(),
		QueueDepth:   len(b.queue),
	}
}

// Shutdown stops accepting events, lets in-flight dispatches finish and
// joins the workers. Queued-but-undispatched events are discarded.
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.quit)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("event bus stopped", zap.Int("discarded", len(b.queue)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown: %w", ctx.Err())
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.quit:
			return
		case ev := <-b.queue:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev *Event) {
	if ev.Expired(time.Now()) {
		b.expired.Add(1)
		b.logger.Debug("event expired before dispatch",
			zap.String("event", ev.ID), zap.String("category", string(ev.Category)))
		return
	}

	b.subMu.RLock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(ev) {
			matching = append(matching, s)
		}
	}
	b.subMu.RUnlock()

	allFailed := len(matching) > 0
	for _, sub := range matching {
		if b.deliver(sub, ev) {
			allFailed = false
		}
	}

	if allFailed {
		b.deadLetter(ev)
		b.failed.Add(1)
		return
	}
	b.processed.Add(1)
}

// deliver invokes one handler with bounded retries, reporting whether any
// attempt succeeded.
func (b *Bus) deliver(sub *subscription, ev *Event) bool {
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		err := b.invoke(sub, ev)
		if err == nil {
			return true
		}
		b.logger.Warn("event handler failed",
			zap.String("handler", sub.id),
			zap.String("event", ev.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return false
}

func (b *Bus) invoke(sub *subscription, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panic: %v", sub.id, r)
		}
	}()
	return sub.fn(context.Background(), ev)
}

func (b *Bus) deadLetter(ev *Event) {
	b.deadLettered.Add(1)
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	b.deadLetters = append(b.deadLetters, ev)
	if len(b.deadLetters) > b.opts.DeadLetterLimit {
		b.deadLetters = b.deadLetters[len(b.deadLetters)-b.opts.DeadLetterLimit:]
	}
}

func (b *Bus) notifyTaps(ev *Event) {
	b.tapMu.RLock()
	defer b.tapMu.RUnlock()
	for id, fn := range b.taps {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("stream tap panic",
						zap.String("tap", id), zap.Any("panic", r))
				}
			}()
			fn(ev)
		}()
	}
}

func auditPayload(ev *Event) map[string]interface{} {
	return map[string]interface{}{
		"category": string(ev.Category),
		"source":   ev.Source,
		"severity": string(ev.Severity),
		"priority": int(ev.Priority),
		"payload":  ev.Payload,
	}
}
