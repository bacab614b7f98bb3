package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMessageQueued    EventType = "message.queued"
	EventMessageDelivered EventType = "message.delivered"
	EventMessageFailed    EventType = "message.failed"
	EventPoolSnapshot     EventType = "pool.snapshot"

	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"

	EventConfigReloaded EventType = "config.reloaded"
)

// Valid reports whether t is one of the published event types.
func (t EventType) Valid() bool {
	switch t {
	case EventMessageQueued, EventMessageDelivered, EventMessageFailed, EventPoolSnapshot,
		EventTaskStarted, EventTaskCompleted, EventTaskFailed, EventConfigReloaded:
		return true
	}
	return false
}

// Event is the envelope published on the event bus.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// ActivityEvent is what the batcher reports to its activity notifier.
// Entries carry the log entries touched by the operation; Pools is set for
// pool snapshot events.
type ActivityEvent struct {
	Type    EventType         `json:"type"`
	AgentID string            `json:"agent_id"`
	Entries []MessageLogEntry `json:"entries,omitempty"`
	Pools   []PoolSnapshot    `json:"pools,omitempty"`
}

// TaskEvent is the payload of task lifecycle events.
type TaskEvent struct {
	TaskID       string        `json:"task_id"`
	SubscriberID string        `json:"subscriber_id"`
	EventID      string        `json:"event_id,omitempty"`
	AgentID      string        `json:"agent_id,omitempty"`
	Group        string        `json:"group"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
}
