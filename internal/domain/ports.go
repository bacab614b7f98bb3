package domain

import "context"

// AgentInfo is what the directory knows about an agent.
type AgentInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProjectID string `json:"project_id"`
}

// Destination identifies a live terminal that can receive text.
type Destination struct {
	AgentID string `json:"agent_id"`
	// Session is an opaque token understood by the Deliverer, such as a
	// tmux target.
	Session string `json:"session"`
}

// Directory resolves agents to their display name and owning project.
type Directory interface {
	LookupAgent(ctx context.Context, agentID string) (AgentInfo, error)
}

// DestinationResolver finds the live terminal for an agent. It returns a nil
// destination and nil error when the agent has no active session.
type DestinationResolver interface {
	ActiveDestination(ctx context.Context, agentID string) (*Destination, error)
}

// Deliverer pastes text into a destination and presses the submit keys.
type Deliverer interface {
	Deliver(ctx context.Context, dest Destination, text string, submitKeys []string) error
}

// ActivityNotifier receives batcher activity for downstream broadcast.
type ActivityNotifier interface {
	NotifyActivity(ctx context.Context, event ActivityEvent) error
}

// PoolConfigSource resolves the pool settings for a project.
type PoolConfigSource interface {
	PoolConfig(ctx context.Context, projectID string) (MessagePoolConfig, error)
}
