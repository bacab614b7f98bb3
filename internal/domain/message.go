package domain

import "time"

// MessageStatus is the delivery state of a logged message.
type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
)

// Source tags identify where a message came from.
const (
	SourceManual     = "manual"
	SourceChat       = "chat"
	SourceWatcher    = "watcher"
	SourceAutomation = "automation"

	// SourceFailureNotice marks a message telling a sender that their
	// message could not be delivered. Such messages never trigger another
	// failure notice.
	SourceFailureNotice = "failure_notice"
)

// UnknownName is substituted for agent names and project ids that could not
// be resolved.
const UnknownName = "unknown"

// NoActiveSessionReason is the failure reason recorded when an agent has no
// live terminal at flush time.
const NoActiveSessionReason = "No active session"

// DefaultSubmitKeys is pressed after pasting when a caller does not say otherwise.
var DefaultSubmitKeys = []string{"Enter"}

// PooledMessage is one unit of text waiting in an agent pool.
type PooledMessage struct {
	Text       string
	Source     string
	EnqueuedAt time.Time
	SubmitKeys []string
	SenderID   string
	LogID      string
}

// MessageLogEntry records the life of one enqueued message.
type MessageLogEntry struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	ProjectID   string        `json:"project_id"`
	AgentID     string        `json:"agent_id"`
	AgentName   string        `json:"agent_name"`
	Text        string        `json:"text"`
	Source      string        `json:"source"`
	SenderID    string        `json:"sender_id,omitempty"`
	Status      MessageStatus `json:"status"`
	BatchID     string        `json:"batch_id,omitempty"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	Error       string        `json:"error,omitempty"`
	Immediate   bool          `json:"immediate"`
}

// EnqueueOptions tunes a single Enqueue call.
type EnqueueOptions struct {
	Source     string
	SubmitKeys []string
	SenderID   string
	Immediate  bool

	// ProjectID and AgentName skip the directory lookup when both are set.
	ProjectID string
	AgentName string
}

// EnqueueResult is the terminal outcome of an Enqueue call.
type EnqueueResult struct {
	Status   MessageStatus `json:"status"`
	PoolSize int           `json:"pool_size,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// FlushResult is the outcome of a manual flush.
type FlushResult struct {
	Success        bool   `json:"success"`
	DeliveredCount int    `json:"delivered_count"`
	DiscardedCount int    `json:"discarded_count,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// LogQuery filters the message log. Zero fields match everything.
type LogQuery struct {
	ProjectID string
	AgentID   string
	Status    MessageStatus
	Source    string
	Limit     int
}

// PoolSnapshot is a read-only view of an open pool.
type PoolSnapshot struct {
	AgentID       string    `json:"agent_id"`
	Size          int       `json:"size"`
	FirstQueuedAt time.Time `json:"first_queued_at"`
}

// MessageStats summarises the message log and open pools.
type MessageStats struct {
	Total     int            `json:"total"`
	Queued    int            `json:"queued"`
	Delivered int            `json:"delivered"`
	Failed    int            `json:"failed"`
	LogBytes  int            `json:"log_bytes"`
	OpenPools int            `json:"open_pools"`
	PoolSizes map[string]int `json:"pool_sizes"`
	BySource  map[string]int `json:"by_source"`
}
