package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"agentmux/internal/domain"
)

// DefaultBufferSize is the per-subscriber mailbox capacity.
const DefaultBufferSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns a mailbox drained by one goroutine, so a subscriber
// sees events in publish order and a slow subscriber never blocks others.
type subscription struct {
	id      uint64
	handler domain.EventHandler
	mailbox chan delivery
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu         sync.RWMutex
	typed      map[domain.EventType][]*subscription
	allSubs    []*subscription
	nextID     atomic.Uint64
	dropped    atomic.Uint64
	bufferSize int
	logger     *slog.Logger
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber mailbox capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		typed:      make(map[domain.EventType][]*subscription),
		bufferSize: DefaultBufferSize,
		logger:     logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers. Events without an id or timestamp get one. When a
// subscriber's mailbox is full the event is dropped for that subscriber.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = ulid.MustNew(ulid.Timestamp(event.Timestamp), ulid.DefaultEntropy()).String()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}
	for _, sub := range b.typed[event.Type] {
		b.dispatch(ctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.dispatch(ctx, event, sub)
	}
}

// dispatch must be called with b.mu held for reading.
func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub *subscription) {
	select {
	case sub.mailbox <- delivery{ctx: ctx, event: event}:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, subscriber mailbox full",
			"event", string(event.Type), "subscriber", sub.id)
	}
}

func (b *Bus) newSubscription(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		mailbox: make(chan delivery, b.bufferSize),
	}
	b.wg.Add(1)
	go b.drain(sub)
	return sub
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.mailbox {
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return func() {}
	}
	sub := b.newSubscription(handler)
	b.typed[eventType] = append(b.typed[eventType], sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s == sub {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				close(sub.mailbox)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return func() {}
	}
	sub := b.newSubscription(handler)
	b.allSubs = append(b.allSubs, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s == sub {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				close(sub.mailbox)
				return
			}
		}
	}
}

// Dropped returns how many deliveries were discarded because a mailbox
// was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close prevents new publishes, lets every subscriber drain what is
// already in its mailbox and waits for them to finish.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	for t, subs := range b.typed {
		for _, s := range subs {
			close(s.mailbox)
		}
		delete(b.typed, t)
	}
	for _, s := range b.allSubs {
		close(s.mailbox)
	}
	b.allSubs = nil
	b.mu.Unlock()
	b.wg.Wait()
}
