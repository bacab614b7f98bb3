// Package directory serves agent and project lookups from the loaded
// configuration. Both stores swap their snapshot atomically on reload.
package directory

import (
	"context"
	"sync/atomic"

	"agentmux/internal/domain"
	"agentmux/internal/infra/config"
)

// Directory resolves agents declared in the config.
type Directory struct {
	agents atomic.Pointer[map[string]domain.AgentInfo]
}

// New creates a Directory from cfg.
func New(cfg *config.Config) *Directory {
	d := &Directory{}
	d.Update(cfg)
	return d
}

// Update replaces the agent table.
func (d *Directory) Update(cfg *config.Config) {
	m := make(map[string]domain.AgentInfo, len(cfg.Agents))
	for _, a := range cfg.Agents {
		m[a.ID] = domain.AgentInfo{ID: a.ID, Name: a.Name, ProjectID: a.Project}
	}
	d.agents.Store(&m)
}

// LookupAgent implements domain.Directory.
func (d *Directory) LookupAgent(_ context.Context, agentID string) (domain.AgentInfo, error) {
	info, ok := (*d.agents.Load())[agentID]
	if !ok {
		return domain.AgentInfo{}, domain.NewSubSystemError("agent", "directory.lookup", domain.ErrNotFound, agentID)
	}
	return info, nil
}

// Agents returns every known agent id.
func (d *Directory) Agents() []string {
	m := *d.agents.Load()
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

// PoolConfigStore resolves the effective pool config of a project: the
// project's override applied to the global settings, or the global
// settings for projects without one.
type PoolConfigStore struct {
	cfg atomic.Pointer[config.Config]
}

// NewPoolConfigStore creates a store from cfg.
func NewPoolConfigStore(cfg *config.Config) *PoolConfigStore {
	s := &PoolConfigStore{}
	s.Update(cfg)
	return s
}

// Update swaps in a reloaded config. Pools created afterwards, and pools
// that receive their next message, see the new settings.
func (s *PoolConfigStore) Update(cfg *config.Config) {
	s.cfg.Store(cfg)
}

// PoolConfig implements domain.PoolConfigSource.
func (s *PoolConfigStore) PoolConfig(_ context.Context, projectID string) (domain.MessagePoolConfig, error) {
	return s.cfg.Load().PoolConfigFor(projectID), nil
}

var (
	_ domain.Directory        = (*Directory)(nil)
	_ domain.PoolConfigSource = (*PoolConfigStore)(nil)
)
