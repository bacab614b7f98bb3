package batcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmux/internal/domain"
	"agentmux/internal/infra/clock"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type delivery struct {
	session string
	text    string
	keys    []string
}

type fakeDeliverer struct {
	mu    sync.Mutex
	calls []delivery
	err   error
	block chan struct{}
}

func (f *fakeDeliverer) Deliver(_ context.Context, dest domain.Destination, text string, keys []string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, delivery{session: dest.Session, text: text, keys: keys})
	return f.err
}

func (f *fakeDeliverer) all() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.calls...)
}

func (f *fakeDeliverer) to(session string) []delivery {
	var out []delivery
	for _, d := range f.all() {
		if d.session == session {
			out = append(out, d)
		}
	}
	return out
}

// fakeResolver reports a session named after the agent for every agent in
// active.
type fakeResolver struct {
	mu     sync.Mutex
	active map[string]bool
}

func newResolver(agents ...string) *fakeResolver {
	r := &fakeResolver{active: make(map[string]bool)}
	for _, a := range agents {
		r.active[a] = true
	}
	return r
}

func (r *fakeResolver) ActiveDestination(_ context.Context, agentID string) (*domain.Destination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active[agentID] {
		return nil, nil
	}
	return &domain.Destination{AgentID: agentID, Session: "tmux:" + agentID}, nil
}

type fakeDirectory struct {
	err error
}

func (d *fakeDirectory) LookupAgent(_ context.Context, agentID string) (domain.AgentInfo, error) {
	if d.err != nil {
		return domain.AgentInfo{}, d.err
	}
	return domain.AgentInfo{ID: agentID, Name: "Agent " + agentID, ProjectID: "proj-1"}, nil
}

type fakeConfigs struct {
	mu  sync.Mutex
	cfg domain.MessagePoolConfig
	err error
}

func (c *fakeConfigs) PoolConfig(context.Context, string) (domain.MessagePoolConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.err
}

func (c *fakeConfigs) set(cfg domain.MessagePoolConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.ActivityEvent
	panics bool
}

func (n *fakeNotifier) NotifyActivity(_ context.Context, ev domain.ActivityEvent) error {
	if n.panics {
		panic("notifier exploded")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) types() []domain.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.EventType, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	b         *Batcher
	clock     *clock.FakeClock
	deliverer *fakeDeliverer
	resolver  *fakeResolver
	configs   *fakeConfigs
	notifier  *fakeNotifier
}

func testPoolConfig() domain.MessagePoolConfig {
	return domain.MessagePoolConfig{
		Enabled:     true,
		Delay:       10 * time.Second,
		MaxWait:     60 * time.Second,
		MaxMessages: 10,
		Separator:   "\n---\n",
	}
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Pool = testPoolConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{
		clock:     clock.Fake(t0),
		deliverer: &fakeDeliverer{},
		resolver:  newResolver("agent-1", "agent-2", "sender-1", "sender-2"),
		configs:   &fakeConfigs{cfg: cfg.Pool},
		notifier:  &fakeNotifier{},
	}
	h.b = New(cfg, Deps{
		Directory: &fakeDirectory{},
		Resolver:  h.resolver,
		Deliverer: h.deliverer,
		Configs:   h.configs,
		Notifier:  h.notifier,
		Clock:     h.clock,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func (h *harness) enqueue(agentID, text string, opts ...domain.EnqueueOptions) domain.EnqueueResult {
	var o domain.EnqueueOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return h.b.Enqueue(context.Background(), agentID, text, o)
}

func TestEnqueueDebounceFlushesBatch(t *testing.T) {
	h := newHarness(t)

	res := h.enqueue("agent-1", "A")
	assert.Equal(t, domain.MessageQueued, res.Status)
	assert.Equal(t, 1, res.PoolSize)

	h.clock.Advance(5 * time.Second)
	res = h.enqueue("agent-1", "B")
	assert.Equal(t, 2, res.PoolSize)

	// The debounce restarted with B, so nothing fires 10s after A.
	h.clock.Advance(9*time.Second + 999*time.Millisecond)
	assert.Empty(t, h.deliverer.all())

	h.clock.Advance(time.Millisecond)
	calls := h.deliverer.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "A\n---\nB", calls[0].text)
	assert.Equal(t, "tmux:agent-1", calls[0].session)
	assert.Equal(t, []string{"Enter"}, calls[0].keys)

	entries := h.b.Log(domain.LogQuery{AgentID: "agent-1"})
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, domain.MessageDelivered, e.Status)
		require.NotNil(t, e.DeliveredAt)
		assert.Equal(t, t0.Add(15*time.Second), *e.DeliveredAt)
	}
	assert.NotEmpty(t, entries[0].BatchID)
	assert.Equal(t, entries[0].BatchID, entries[1].BatchID)
	assert.Empty(t, h.b.Pools())
}

func TestEnqueueMaxWaitCapsDebounce(t *testing.T) {
	h := newHarness(t)

	// A steady trickle keeps resetting the debounce; max wait still fires
	// 60s after the first message.
	for i := 0; i < 7; i++ {
		h.enqueue("agent-1", "tick")
		h.clock.Advance(9 * time.Second)
	}
	calls := h.deliverer.all()
	require.Len(t, calls, 1)
	assert.Equal(t, 7, len(h.b.Log(domain.LogQuery{Status: domain.MessageDelivered})))
}

func TestEnqueueThresholdFlushesSynchronously(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Pool.MaxMessages = 3 })

	assert.Equal(t, domain.MessageQueued, h.enqueue("agent-1", "one").Status)
	assert.Equal(t, domain.MessageQueued, h.enqueue("agent-1", "two").Status)
	res := h.enqueue("agent-1", "three", domain.EnqueueOptions{SubmitKeys: []string{"Escape", "Enter"}})
	assert.Equal(t, domain.MessageDelivered, res.Status)

	calls := h.deliverer.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "one\n---\ntwo\n---\nthree", calls[0].text)
	assert.Equal(t, []string{"Escape", "Enter"}, calls[0].keys)
	assert.Empty(t, h.b.Pools())

	// Timers of the flushed pool must not deliver anything else.
	h.clock.Advance(2 * time.Minute)
	assert.Len(t, h.deliverer.all(), 1)
}

func TestNoActiveSessionFailsAndNotifiesEachSenderOnce(t *testing.T) {
	h := newHarness(t)

	h.enqueue("ghost", "hi", domain.EnqueueOptions{SenderID: "sender-1"})
	h.enqueue("ghost", "again", domain.EnqueueOptions{SenderID: "sender-1"})
	h.enqueue("ghost", "hello", domain.EnqueueOptions{SenderID: "sender-2"})
	h.enqueue("ghost", "anonymous")

	res := h.b.FlushNow(context.Background(), "ghost")
	assert.False(t, res.Success)
	assert.Equal(t, 4, res.DiscardedCount)
	assert.Equal(t, domain.NoActiveSessionReason, res.Reason)

	failed := h.b.Log(domain.LogQuery{AgentID: "ghost"})
	require.Len(t, failed, 4)
	for _, e := range failed {
		assert.Equal(t, domain.MessageFailed, e.Status)
		assert.Equal(t, domain.NoActiveSessionReason, e.Error)
	}

	require.Len(t, h.deliverer.to("tmux:sender-1"), 1)
	require.Len(t, h.deliverer.to("tmux:sender-2"), 1)
	assert.Contains(t, h.deliverer.to("tmux:sender-1")[0].text, domain.NoActiveSessionReason)

	notices := h.b.Log(domain.LogQuery{Source: domain.SourceFailureNotice})
	require.Len(t, notices, 2)
	for _, n := range notices {
		assert.True(t, n.Immediate)
		assert.Equal(t, domain.MessageDelivered, n.Status)
	}
}

func TestFailureNoticeNeverTriggersAnotherNotice(t *testing.T) {
	h := newHarness(t)

	// Neither the target nor the sender has a session.
	res := h.enqueue("ghost", "hi", domain.EnqueueOptions{SenderID: "phantom", Immediate: true})
	assert.Equal(t, domain.MessageFailed, res.Status)
	assert.Equal(t, domain.NoActiveSessionReason, res.Error)

	all := h.b.Log(domain.LogQuery{})
	require.Len(t, all, 2)
	assert.Equal(t, domain.SourceFailureNotice, all[0].Source)
	assert.Equal(t, "phantom", all[0].AgentID)
	assert.Equal(t, domain.MessageFailed, all[0].Status)

	// A failure notice that itself fails with a sender set is not echoed.
	res = h.enqueue("ghost", "x", domain.EnqueueOptions{
		Source: domain.SourceFailureNotice, SenderID: "phantom", Immediate: true,
	})
	assert.Equal(t, domain.MessageFailed, res.Status)
	assert.Len(t, h.b.Log(domain.LogQuery{}), 3)
	assert.Empty(t, h.deliverer.all())
}

func TestSelfSenderFailureDoesNotDeadlock(t *testing.T) {
	h := newHarness(t)
	h.deliverer.err = errors.New("pane is dead")

	done := make(chan domain.EnqueueResult, 1)
	go func() {
		done <- h.enqueue("agent-1", "note to self", domain.EnqueueOptions{SenderID: "agent-1", Immediate: true})
	}()

	select {
	case res := <-done:
		assert.Equal(t, domain.MessageFailed, res.Status)
		assert.Equal(t, "pane is dead", res.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue with self sender deadlocked")
	}
	// The original and one notice, both failed.
	assert.Len(t, h.deliverer.all(), 2)
}

func TestDeliveryErrorMarksBatchFailed(t *testing.T) {
	h := newHarness(t)
	h.deliverer.err = errors.New("tmux exited 1")

	h.enqueue("agent-1", "A")
	h.clock.Advance(10 * time.Second)

	entries := h.b.Log(domain.LogQuery{AgentID: "agent-1"})
	require.Len(t, entries, 1)
	assert.Equal(t, domain.MessageFailed, entries[0].Status)
	assert.Equal(t, "tmux exited 1", entries[0].Error)
	assert.Nil(t, entries[0].DeliveredAt)
}

func TestHotReloadShortensMaxWait(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Pool.Delay = 30 * time.Second })

	h.enqueue("agent-1", "A")
	h.clock.Advance(25 * time.Second)

	cfg := testPoolConfig()
	cfg.Delay = 30 * time.Second
	cfg.MaxWait = 40 * time.Second
	h.configs.set(cfg)

	res := h.enqueue("agent-1", "B")
	assert.Equal(t, domain.MessageQueued, res.Status)

	h.clock.Advance(15*time.Second - time.Millisecond)
	assert.Empty(t, h.deliverer.all())

	h.clock.Advance(time.Millisecond)
	calls := h.deliverer.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "A\n---\nB", calls[0].text)
}

func TestHotReloadExpiredMaxWaitFlushesAfterEnqueueReturns(t *testing.T) {
	h := newHarness(t)

	h.enqueue("agent-1", "A")
	h.clock.Advance(9 * time.Second)

	cfg := testPoolConfig()
	cfg.MaxWait = 5 * time.Second
	h.configs.set(cfg)

	res := h.enqueue("agent-1", "B")
	assert.Equal(t, domain.MessageQueued, res.Status)
	assert.Equal(t, 2, res.PoolSize)

	require.Eventually(t, func() bool { return len(h.deliverer.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "A\n---\nB", h.deliverer.all()[0].text)
	require.Eventually(t, func() bool { return len(h.b.Pools()) == 0 }, time.Second, time.Millisecond)
}

func TestEnqueueAfterExpiredReloadStartsFreshPool(t *testing.T) {
	h := newHarness(t)

	h.enqueue("agent-1", "A")
	h.clock.Advance(9 * time.Second)

	cfg := testPoolConfig()
	cfg.MaxWait = 5 * time.Second
	h.configs.set(cfg)

	h.enqueue("agent-1", "B")
	res := h.enqueue("agent-1", "C")
	assert.Equal(t, domain.MessageQueued, res.Status)
	assert.Equal(t, 1, res.PoolSize)

	require.Eventually(t, func() bool { return len(h.deliverer.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "A\n---\nB", h.deliverer.all()[0].text)

	pools := h.b.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, 1, pools[0].Size)
	assert.Equal(t, t0.Add(9*time.Second), pools[0].FirstQueuedAt)
}

func TestConfigLookupErrorFallsBackToGlobal(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Pool.MaxMessages = 2 })
	h.configs.err = errors.New("config store offline")

	h.enqueue("agent-1", "a")
	res := h.enqueue("agent-1", "b")
	assert.Equal(t, domain.MessageDelivered, res.Status)
}

func TestImmediateBypassesPool(t *testing.T) {
	h := newHarness(t)

	h.enqueue("agent-1", "pooled")
	res := h.enqueue("agent-1", "now", domain.EnqueueOptions{Immediate: true})
	assert.Equal(t, domain.MessageDelivered, res.Status)

	calls := h.deliverer.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "now", calls[0].text)

	pools := h.b.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, 1, pools[0].Size)
}

func TestDisabledPoolingDeliversImmediately(t *testing.T) {
	h := newHarness(t)
	cfg := testPoolConfig()
	cfg.Enabled = false
	h.configs.set(cfg)

	res := h.enqueue("agent-1", "direct")
	assert.Equal(t, domain.MessageDelivered, res.Status)
	assert.Empty(t, h.b.Pools())

	entries := h.b.Log(domain.LogQuery{})
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Immediate)
}

func TestFlushNowEmptyPool(t *testing.T) {
	h := newHarness(t)

	res := h.b.FlushNow(context.Background(), "agent-1")
	assert.Equal(t, domain.FlushResult{Success: true}, res)
	assert.Empty(t, h.deliverer.all())
}

func TestFlushNowCancelsTimers(t *testing.T) {
	h := newHarness(t)

	h.enqueue("agent-1", "A")
	h.enqueue("agent-1", "B")
	res := h.b.FlushNow(context.Background(), "agent-1")
	assert.Equal(t, domain.FlushResult{Success: true, DeliveredCount: 2}, res)

	h.clock.Advance(2 * time.Minute)
	assert.Len(t, h.deliverer.all(), 1)
	assert.Zero(t, h.clock.PendingCount())
}

func TestNewPoolAfterFlushStartsFresh(t *testing.T) {
	h := newHarness(t)

	h.enqueue("agent-1", "A")
	h.b.FlushNow(context.Background(), "agent-1")

	h.clock.Advance(time.Second)
	h.enqueue("agent-1", "B")
	pools := h.b.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, t0.Add(time.Second), pools[0].FirstQueuedAt)

	h.clock.Advance(10 * time.Second)
	calls := h.deliverer.all()
	require.Len(t, calls, 2)
	assert.Equal(t, "B", calls[1].text)
}

func TestPoolsAreIndependentPerAgent(t *testing.T) {
	h := newHarness(t)

	h.enqueue("agent-1", "for one")
	h.clock.Advance(5 * time.Second)
	h.enqueue("agent-2", "for two")

	h.clock.Advance(5 * time.Second)
	require.Len(t, h.deliverer.all(), 1)
	assert.Equal(t, "tmux:agent-1", h.deliverer.all()[0].session)

	h.clock.Advance(5 * time.Second)
	require.Len(t, h.deliverer.all(), 2)
	assert.Equal(t, "tmux:agent-2", h.deliverer.all()[1].session)
}

func TestDirectoryLookupFailureUsesUnknown(t *testing.T) {
	h := newHarness(t)
	h.b.deps.Directory = &fakeDirectory{err: errors.New("db down")}

	h.enqueue("agent-1", "A", domain.EnqueueOptions{Immediate: true})
	entries := h.b.Log(domain.LogQuery{})
	require.Len(t, entries, 1)
	assert.Equal(t, domain.UnknownName, entries[0].AgentName)
	assert.Equal(t, domain.UnknownName, entries[0].ProjectID)
}

func TestExplicitProjectAndNameSkipLookup(t *testing.T) {
	h := newHarness(t)
	h.b.deps.Directory = &fakeDirectory{err: errors.New("must not be called")}

	h.enqueue("agent-1", "A", domain.EnqueueOptions{ProjectID: "p9", AgentName: "Nine", Immediate: true})
	entries := h.b.Log(domain.LogQuery{ProjectID: "p9"})
	require.Len(t, entries, 1)
	assert.Equal(t, "Nine", entries[0].AgentName)
}

func TestNotifierReceivesActivity(t *testing.T) {
	h := newHarness(t)

	h.enqueue("agent-1", "A")
	h.clock.Advance(10 * time.Second)

	assert.Equal(t, []domain.EventType{
		domain.EventMessageQueued,
		domain.EventPoolSnapshot,
		domain.EventMessageDelivered,
		domain.EventPoolSnapshot,
	}, h.notifier.types())
}

func TestPanickingNotifierIsContained(t *testing.T) {
	h := newHarness(t)
	h.notifier.panics = true

	res := h.enqueue("agent-1", "A", domain.EnqueueOptions{Immediate: true})
	assert.Equal(t, domain.MessageDelivered, res.Status)
}

func TestFlushAllAndShutdown(t *testing.T) {
	h := newHarness(t)

	h.enqueue("agent-1", "A")
	h.enqueue("agent-2", "B")
	h.enqueue("ghost", "C")

	err := h.b.FlushAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
	assert.Len(t, h.deliverer.all(), 2)
	assert.Empty(t, h.b.Pools())

	h.enqueue("agent-1", "D")
	h.b.Shutdown(context.Background())
	assert.Len(t, h.deliverer.all(), 3)

	// After shutdown nothing is pooled.
	res := h.enqueue("agent-1", "E")
	assert.Equal(t, domain.MessageDelivered, res.Status)
	assert.Empty(t, h.b.Pools())
}

func TestShutdownGivesUpWhenContextEnds(t *testing.T) {
	h := newHarness(t)
	h.deliverer.block = make(chan struct{})
	defer close(h.deliverer.block)

	h.enqueue("agent-1", "stuck")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		h.b.Shutdown(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Len(t, h.b.Log(domain.LogQuery{Status: domain.MessageQueued}), 1)
}

func TestStats(t *testing.T) {
	h := newHarness(t)

	h.enqueue("agent-1", "A", domain.EnqueueOptions{Immediate: true, Source: domain.SourceChat})
	h.enqueue("ghost", "B", domain.EnqueueOptions{Immediate: true})
	h.enqueue("agent-2", "C")
	h.enqueue("agent-2", "D", domain.EnqueueOptions{Source: domain.SourceWatcher})

	s := h.b.Stats()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Delivered)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2, s.Queued)
	assert.Equal(t, 1, s.OpenPools)
	assert.Equal(t, map[string]int{"agent-2": 2}, s.PoolSizes)
	assert.Equal(t, map[string]int{
		domain.SourceChat:    1,
		domain.SourceManual:  2,
		domain.SourceWatcher: 1,
	}, s.BySource)
	assert.Positive(t, s.LogBytes)
}
