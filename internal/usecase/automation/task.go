package automation

import (
	"context"
	"fmt"
	"time"

	"agentmux/internal/domain"
)

// Enqueuer accepts text for an agent. *batcher.Batcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, agentID, text string, opts domain.EnqueueOptions) domain.EnqueueResult
}

// Scheduler queues tasks. *scheduling.TaskScheduler satisfies it.
type Scheduler interface {
	Schedule(task domain.ScheduledTask) (string, error)
	CancelBySubscriber(subscriberID string) int
}

// SendMessage describes a message that a scheduled task delivers.
type SendMessage struct {
	SubscriberID string
	EventID      string
	EventName    string
	AgentID      string
	Text         string
	SenderID     string
	Source       string
	Immediate    bool
	Priority     int
	Group        string
	RunAt        time.Time
}

// SendMessageTask builds the task that enqueues m.Text for m.AgentID. The
// task fails when the batcher reports the message as failed; a queued
// result counts as success.
func SendMessageTask(m SendMessage, enq Enqueuer) domain.ScheduledTask {
	source := m.Source
	if source == "" {
		source = domain.SourceAutomation
	}
	return domain.ScheduledTask{
		SubscriberID: m.SubscriberID,
		EventID:      m.EventID,
		EventName:    m.EventName,
		RunAt:        m.RunAt,
		Priority:     m.Priority,
		AgentID:      m.AgentID,
		Group:        m.Group,
		Run: func(ctx context.Context) error {
			res := enq.Enqueue(ctx, m.AgentID, m.Text, domain.EnqueueOptions{
				Source:    source,
				SenderID:  m.SenderID,
				Immediate: m.Immediate,
			})
			if res.Status == domain.MessageFailed {
				return fmt.Errorf("send to %s: %s: %w", m.AgentID, res.Error, domain.ErrDeliveryFailed)
			}
			return nil
		},
	}
}
