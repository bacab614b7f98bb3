package tmux

import (
	"context"
	"fmt"

	"agentmux/internal/domain"
)

// Resolver finds an agent's live tmux session.
type Resolver struct {
	server *Server
}

// NewResolver creates a Resolver backed by server.
func NewResolver(server *Server) *Resolver {
	return &Resolver{server: server}
}

// ActiveDestination implements domain.DestinationResolver.
func (r *Resolver) ActiveDestination(ctx context.Context, agentID string) (*domain.Destination, error) {
	name := r.server.SessionFor(agentID)
	ok, err := r.server.HasSession(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve session %s for %s: %w", name, agentID, err)
	}
	if !ok {
		return nil, nil
	}
	return &domain.Destination{AgentID: agentID, Session: name}, nil
}

var _ domain.DestinationResolver = (*Resolver)(nil)
