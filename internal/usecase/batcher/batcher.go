// Package batcher pools text messages per agent and delivers them to the
// agent's terminal in batches. A pool flushes when no message arrived for
// the debounce delay, when its oldest message has waited MaxWait, or when it
// reaches MaxMessages.
package batcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"agentmux/internal/domain"
	"agentmux/internal/infra/clock"
	"agentmux/internal/usecase/keyed"
)

// DefaultShutdownGrace bounds how long Shutdown waits for pools to drain.
const DefaultShutdownGrace = 5 * time.Second

// Config holds the batcher's static settings.
type Config struct {
	// Pool is the global pool configuration used when a project has no
	// override or its lookup fails.
	Pool          domain.MessagePoolConfig
	MaxLogEntries int
	MaxLogBytes   int
	ShutdownGrace time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Pool:          domain.DefaultPoolConfig(),
		MaxLogEntries: 1000,
		MaxLogBytes:   5 << 20,
		ShutdownGrace: DefaultShutdownGrace,
	}
}

// Deps are the collaborators the batcher talks to. Directory, Configs and
// Notifier are optional.
type Deps struct {
	Directory  domain.Directory
	Resolver   domain.DestinationResolver
	Deliverer  domain.Deliverer
	Configs    domain.PoolConfigSource
	Notifier   domain.ActivityNotifier
	Serializer *keyed.Serializer
	Clock      clock.Clock
}

type timerKind int

const (
	debounceTimer timerKind = iota
	maxWaitTimer
)

// agentPool holds the messages waiting for one agent. It is discarded the
// moment it is flushed; a timer that fires for a discarded pool or for an
// older arm sequence does nothing.
type agentPool struct {
	agent     domain.AgentInfo
	messages  []domain.PooledMessage
	config    domain.MessagePoolConfig
	firstAt   time.Time
	debounce  *clock.Timer
	debounceN uint64
	maxWait   *clock.Timer
	maxWaitN  uint64
}

func (p *agentPool) stopTimers() {
	p.debounce.Stop()
	p.maxWait.Stop()
	p.debounce, p.maxWait = nil, nil
	p.debounceN++
	p.maxWaitN++
}

// batch is a detached pool on its way to delivery.
type batch struct {
	agent    domain.AgentInfo
	messages []domain.PooledMessage
	config   domain.MessagePoolConfig
}

// Batcher is the message pooling engine.
type Batcher struct {
	cfg    Config
	deps   Deps
	log    *messageLog
	logger *slog.Logger

	mu     sync.Mutex
	pools  map[string]*agentPool
	closed atomic.Bool
}

// New creates a Batcher. A nil Serializer or Clock is replaced with a
// private serializer and the real clock.
func New(cfg Config, deps Deps, logger *slog.Logger) *Batcher {
	if deps.Serializer == nil {
		deps.Serializer = keyed.NewSerializer()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	return &Batcher{
		cfg:    cfg,
		deps:   deps,
		log:    newMessageLog(cfg.MaxLogEntries, cfg.MaxLogBytes, logger),
		logger: logger,
		pools:  make(map[string]*agentPool),
	}
}

// Enqueue adds text for agentID. The result is queued when the message
// joined a pool, or the terminal delivered/failed status when it was
// delivered as part of this call.
func (b *Batcher) Enqueue(ctx context.Context, agentID, text string, opts domain.EnqueueOptions) domain.EnqueueResult {
	if opts.Source == "" {
		opts.Source = domain.SourceManual
	}
	keys := opts.SubmitKeys
	if len(keys) == 0 {
		keys = append([]string(nil), domain.DefaultSubmitKeys...)
	}

	agent := b.lookupAgent(ctx, agentID, opts)
	cfg := b.poolConfig(ctx, agent.ProjectID)
	now := b.deps.Clock.Now()

	entry := domain.MessageLogEntry{
		ID:        newID(now),
		Timestamp: now,
		ProjectID: agent.ProjectID,
		AgentID:   agentID,
		AgentName: agent.Name,
		Text:      text,
		Source:    opts.Source,
		SenderID:  opts.SenderID,
		Status:    domain.MessageQueued,
	}
	msg := domain.PooledMessage{
		Text:       text,
		Source:     opts.Source,
		EnqueuedAt: now,
		SubmitKeys: keys,
		SenderID:   opts.SenderID,
		LogID:      entry.ID,
	}

	if opts.Immediate || !cfg.Enabled || b.closed.Load() {
		entry.Immediate = true
		b.log.add(entry)
		b.emit(ctx, domain.ActivityEvent{Type: domain.EventMessageQueued, AgentID: agentID, Entries: []domain.MessageLogEntry{entry}})
		out := b.deliverBatch(ctx, &batch{agent: agent, messages: []domain.PooledMessage{msg}, config: cfg})
		return out.enqueueResult()
	}

	b.mu.Lock()
	if overdue := b.takeOverdueLocked(agentID, now); overdue != nil {
		b.mu.Unlock()
		b.logger.Debug("pool past max wait, flushing before enqueue", "agent", agentID, "count", len(overdue.messages))
		b.deliverBatch(ctx, overdue)
		b.mu.Lock()
	}
	b.log.add(entry)

	pool, ok := b.pools[agentID]
	if !ok {
		pool = &agentPool{agent: agent, config: cfg, firstAt: now}
		b.pools[agentID] = pool
		b.armLocked(agentID, pool, maxWaitTimer, cfg.MaxWait)
	} else {
		pool.agent = agent
		if !pool.config.Equal(cfg) {
			b.adoptConfigLocked(agentID, pool, cfg, now)
		}
	}
	pool.messages = append(pool.messages, msg)
	size := len(pool.messages)

	if pool.config.MaxMessages > 0 && size >= pool.config.MaxMessages {
		flushing := b.detachLocked(agentID, pool)
		b.mu.Unlock()

		b.emit(ctx, domain.ActivityEvent{Type: domain.EventMessageQueued, AgentID: agentID, Entries: []domain.MessageLogEntry{entry}})
		b.logger.Debug("pool reached max messages", "agent", agentID, "count", size)
		out := b.deliverBatch(ctx, flushing)
		return out.enqueueResult()
	}

	b.armLocked(agentID, pool, debounceTimer, pool.config.Delay)
	b.mu.Unlock()

	b.emit(ctx, domain.ActivityEvent{Type: domain.EventMessageQueued, AgentID: agentID, Entries: []domain.MessageLogEntry{entry}})
	b.emitPools(ctx, agentID)
	return domain.EnqueueResult{Status: domain.MessageQueued, PoolSize: size}
}

// adoptConfigLocked switches pool to a hot-reloaded config and shortens or
// extends the max-wait deadline measured from the pool's first message.
func (b *Batcher) adoptConfigLocked(agentID string, pool *agentPool, cfg domain.MessagePoolConfig, now time.Time) {
	b.logger.Info("pool config changed, adopting",
		"agent", agentID, "delay", cfg.Delay, "max_wait", cfg.MaxWait, "max_messages", cfg.MaxMessages)
	pool.config = cfg
	if len(pool.messages) == 0 {
		return
	}
	remaining := cfg.MaxWait - now.Sub(pool.firstAt)
	b.armLocked(agentID, pool, maxWaitTimer, remaining)
}

// takeOverdueLocked detaches agentID's pool when its max wait has already
// elapsed, which happens when a hot reload shortened it below the pool's
// age and the zero-delay flush has not run yet.
func (b *Batcher) takeOverdueLocked(agentID string, now time.Time) *batch {
	pool, ok := b.pools[agentID]
	if !ok || len(pool.messages) == 0 {
		return nil
	}
	if now.Sub(pool.firstAt) < pool.config.MaxWait {
		return nil
	}
	return b.detachLocked(agentID, pool)
}

// armLocked (re)starts one of the pool's timers. A non-positive delay
// fires on another goroutine once the caller releases b.mu.
func (b *Batcher) armLocked(agentID string, pool *agentPool, kind timerKind, d time.Duration) {
	var seq uint64
	switch kind {
	case debounceTimer:
		pool.debounce.Stop()
		pool.debounceN++
		seq = pool.debounceN
	case maxWaitTimer:
		pool.maxWait.Stop()
		pool.maxWaitN++
		seq = pool.maxWaitN
	}
	t := b.deps.Clock.AfterFunc(d, func() { b.onTimer(agentID, pool, kind, seq) })
	switch kind {
	case debounceTimer:
		pool.debounce = t
	case maxWaitTimer:
		pool.maxWait = t
	}
}

func (b *Batcher) onTimer(agentID string, pool *agentPool, kind timerKind, seq uint64) {
	b.mu.Lock()
	if b.pools[agentID] != pool {
		b.mu.Unlock()
		return
	}
	if (kind == debounceTimer && pool.debounceN != seq) || (kind == maxWaitTimer && pool.maxWaitN != seq) {
		b.mu.Unlock()
		return
	}
	flushing := b.detachLocked(agentID, pool)
	b.mu.Unlock()

	if kind == maxWaitTimer {
		b.logger.Debug("pool max wait elapsed", "agent", agentID, "count", len(flushing.messages))
	}
	b.deliverBatch(context.Background(), flushing)
}

// detachLocked removes pool from the map and returns its contents.
func (b *Batcher) detachLocked(agentID string, pool *agentPool) *batch {
	pool.stopTimers()
	delete(b.pools, agentID)
	return &batch{agent: pool.agent, messages: pool.messages, config: pool.config}
}

// FlushNow delivers agentID's pool right away. An empty or missing pool
// succeeds without contacting the terminal.
func (b *Batcher) FlushNow(ctx context.Context, agentID string) domain.FlushResult {
	b.mu.Lock()
	pool, ok := b.pools[agentID]
	if !ok {
		b.mu.Unlock()
		return domain.FlushResult{Success: true}
	}
	flushing := b.detachLocked(agentID, pool)
	b.mu.Unlock()

	if len(flushing.messages) == 0 {
		return domain.FlushResult{Success: true}
	}
	return b.deliverBatch(ctx, flushing).flushResult()
}

// Pools returns a snapshot of the open pools ordered by agent id.
func (b *Batcher) Pools() []domain.PoolSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.poolsLocked()
}

func (b *Batcher) poolsLocked() []domain.PoolSnapshot {
	out := make([]domain.PoolSnapshot, 0, len(b.pools))
	for id, p := range b.pools {
		out = append(out, domain.PoolSnapshot{AgentID: id, Size: len(p.messages), FirstQueuedAt: p.firstAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Log returns log entries matching q, newest first.
func (b *Batcher) Log(q domain.LogQuery) []domain.MessageLogEntry {
	return b.log.query(q)
}

// Entry returns a single log entry by id.
func (b *Batcher) Entry(id string) (domain.MessageLogEntry, bool) {
	return b.log.get(id)
}

// Stats summarises the log and open pools.
func (b *Batcher) Stats() domain.MessageStats {
	s := b.log.stats()
	pools := b.Pools()
	s.OpenPools = len(pools)
	s.PoolSizes = make(map[string]int, len(pools))
	for _, p := range pools {
		s.PoolSizes[p.AgentID] = p.Size
	}
	return s
}

func (b *Batcher) lookupAgent(ctx context.Context, agentID string, opts domain.EnqueueOptions) domain.AgentInfo {
	info := domain.AgentInfo{ID: agentID, Name: opts.AgentName, ProjectID: opts.ProjectID}
	if info.Name != "" && info.ProjectID != "" {
		return info
	}
	if b.deps.Directory == nil {
		return fillUnknown(info)
	}
	found, err := b.deps.Directory.LookupAgent(ctx, agentID)
	if err != nil {
		b.logger.Warn("agent lookup failed", "agent", agentID, "error", err)
		return domain.AgentInfo{ID: agentID, Name: domain.UnknownName, ProjectID: domain.UnknownName}
	}
	if info.Name == "" {
		info.Name = found.Name
	}
	if info.ProjectID == "" {
		info.ProjectID = found.ProjectID
	}
	return fillUnknown(info)
}

func fillUnknown(info domain.AgentInfo) domain.AgentInfo {
	if info.Name == "" {
		info.Name = domain.UnknownName
	}
	if info.ProjectID == "" {
		info.ProjectID = domain.UnknownName
	}
	return info
}

func (b *Batcher) poolConfig(ctx context.Context, projectID string) domain.MessagePoolConfig {
	if b.deps.Configs == nil {
		return b.cfg.Pool
	}
	cfg, err := b.deps.Configs.PoolConfig(ctx, projectID)
	if err != nil {
		b.logger.Warn("pool config lookup failed, using global", "project", projectID, "error", err)
		return b.cfg.Pool
	}
	return cfg
}

func (b *Batcher) emit(ctx context.Context, ev domain.ActivityEvent) {
	if b.deps.Notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("activity notifier panicked", "type", ev.Type, "agent", ev.AgentID, "panic", r)
		}
	}()
	if err := b.deps.Notifier.NotifyActivity(ctx, ev); err != nil {
		b.logger.Warn("activity notify failed", "type", ev.Type, "agent", ev.AgentID, "error", err)
	}
}

func (b *Batcher) emitPools(ctx context.Context, agentID string) {
	if b.deps.Notifier == nil {
		return
	}
	b.emit(ctx, domain.ActivityEvent{Type: domain.EventPoolSnapshot, AgentID: agentID, Pools: b.Pools()})
}

func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
