package domain

import (
	"context"
	"time"
)

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

// ScheduledTask is a unit of automation work waiting for its run time.
type ScheduledTask struct {
	ID           string
	SubscriberID string
	EventID      string
	EventName    string
	RunAt        time.Time
	Priority     int
	Position     int
	CreatedAt    time.Time
	AgentID      string
	Group        string
	Run          TaskFunc
}

// GroupKey is the per-group concurrency partition. Tasks without an
// explicit group are partitioned by event name.
func (t *ScheduledTask) GroupKey() string {
	if t.Group != "" {
		return t.Group
	}
	return "event:" + t.EventName
}

// Before reports whether t sorts ahead of o: earlier run time, then higher
// priority, then lower position, then earlier creation.
func (t *ScheduledTask) Before(o *ScheduledTask) bool {
	if !t.RunAt.Equal(o.RunAt) {
		return t.RunAt.Before(o.RunAt)
	}
	if t.Priority != o.Priority {
		return t.Priority > o.Priority
	}
	if t.Position != o.Position {
		return t.Position < o.Position
	}
	return t.CreatedAt.Before(o.CreatedAt)
}

// ConcurrencyConfig holds the three admission ceilings. A value <= 0 means
// no limit.
type ConcurrencyConfig struct {
	Global   int `yaml:"global" json:"global"`
	PerAgent int `yaml:"per_agent" json:"per_agent"`
	PerGroup int `yaml:"per_group" json:"per_group"`
}
