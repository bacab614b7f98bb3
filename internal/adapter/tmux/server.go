package tmux

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
)

// Server answers questions about the sessions of one tmux server and maps
// agents to session names.
type Server struct {
	runner Runner
	logger *slog.Logger
	names  atomic.Pointer[sessionNames]
}

type sessionNames struct {
	prefix    string
	overrides map[string]string
}

// NewServer creates a Server. overrides maps agent ids to explicit session
// names; other agents use prefix + agent id.
func NewServer(runner Runner, prefix string, overrides map[string]string, logger *slog.Logger) *Server {
	s := &Server{runner: runner, logger: logger}
	s.SetSessions(prefix, overrides)
	return s
}

// SetSessions swaps the agent to session mapping, for config reloads.
func (s *Server) SetSessions(prefix string, overrides map[string]string) {
	m := make(map[string]string, len(overrides))
	for k, v := range overrides {
		m[k] = v
	}
	s.names.Store(&sessionNames{prefix: prefix, overrides: m})
}

// SessionFor returns the session name an agent runs in.
func (s *Server) SessionFor(agentID string) string {
	n := s.names.Load()
	if name, ok := n.overrides[agentID]; ok && name != "" {
		return name
	}
	return n.prefix + agentID
}

// HasSession reports whether a session with exactly this name exists. A
// server that is not running has no sessions.
func (s *Server) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := s.runner.Run(ctx, nil, "has-session", "-t", "="+name)
	if err == nil {
		return true, nil
	}
	var ce *CommandError
	if errors.As(err, &ce) && ce.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// ListSessions returns the names of all sessions, sorted.
func (s *Server) ListSessions(ctx context.Context) ([]string, error) {
	out, err := s.runner.Run(ctx, nil, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) && noServer(ce.Stderr) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Version returns the tmux version string, such as "tmux 3.4".
func (s *Server) Version(ctx context.Context) (string, error) {
	out, err := s.runner.Run(ctx, nil, "-V")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func noServer(stderr string) bool {
	return strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting")
}
