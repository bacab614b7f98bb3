// Package notifier broadcasts batcher activity on the event bus.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"agentmux/internal/domain"
)

// BusNotifier publishes every activity event on an event bus with the
// activity serialized as the JSON payload.
type BusNotifier struct {
	bus domain.EventBus
}

// NewBusNotifier creates a BusNotifier.
func NewBusNotifier(bus domain.EventBus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// NotifyActivity implements domain.ActivityNotifier.
func (n *BusNotifier) NotifyActivity(ctx context.Context, event domain.ActivityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s activity: %w", event.Type, err)
	}
	n.bus.Publish(ctx, domain.Event{
		Type:    event.Type,
		AgentID: event.AgentID,
		Payload: payload,
	})
	return nil
}

var _ domain.ActivityNotifier = (*BusNotifier)(nil)

// Recorder keeps the most recent events seen on a bus and a count per
// event type, and logs each one at debug level.
type Recorder struct {
	logger *slog.Logger
	limit  int

	mu     sync.Mutex
	events []domain.Event
	next   int
	full   bool
	counts map[domain.EventType]int
}

// NewRecorder creates a Recorder holding up to limit events.
func NewRecorder(limit int, logger *slog.Logger) *Recorder {
	if limit < 1 {
		limit = 100
	}
	return &Recorder{
		logger: logger,
		limit:  limit,
		events: make([]domain.Event, limit),
		counts: make(map[domain.EventType]int),
	}
}

// Attach subscribes the recorder to every event on bus.
func (r *Recorder) Attach(bus domain.EventBus) (unsubscribe func()) {
	return bus.SubscribeAll(r.Handle)
}

// Handle records one event.
func (r *Recorder) Handle(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	r.events[r.next] = ev
	r.next = (r.next + 1) % r.limit
	if r.next == 0 {
		r.full = true
	}
	r.counts[ev.Type]++
	r.mu.Unlock()

	r.logger.Debug("activity", "event", string(ev.Type), "agent", ev.AgentID, "id", ev.ID)
}

// Recent returns the recorded events, oldest first.
func (r *Recorder) Recent() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]domain.Event(nil), r.events[:r.next]...)
	}
	out := make([]domain.Event, 0, r.limit)
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}

// Counts returns how many events of each type were seen.
func (r *Recorder) Counts() map[domain.EventType]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.EventType]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}
