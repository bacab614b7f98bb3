// Package scheduling decides which pending automation tasks may run now.
//
// TaskScheduler keeps tasks ordered by run time, then priority, then
// position, then creation time, and admits a due task only while it fits
// under the global, per-agent and per-group concurrency ceilings. A due
// task that is blocked does not hold back admissible tasks behind it.
package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agentmux/internal/domain"
	"agentmux/internal/infra/clock"
	"agentmux/internal/infra/tracer"
)

const (
	// DefaultRecheckDelay is how long the scheduler waits before scanning
	// again when every due task is blocked.
	DefaultRecheckDelay = time.Second
	// DefaultTaskTimeout bounds a single task execution.
	DefaultTaskTimeout = 5 * time.Minute
)

// Config holds the scheduler settings.
type Config struct {
	Concurrency  domain.ConcurrencyConfig
	RecheckDelay time.Duration
	TaskTimeout  time.Duration
}

// TaskScheduler is a priority scheduler with concurrency ceilings.
type TaskScheduler struct {
	clock        clock.Clock
	bus          domain.EventBus
	logger       *slog.Logger
	recheckDelay time.Duration
	taskTimeout  time.Duration

	mu          sync.Mutex
	queue       []*domain.ScheduledTask
	concurrency domain.ConcurrencyConfig
	executing   map[string]*domain.ScheduledTask
	perAgent    map[string]int
	perGroup    map[string]int
	wake        *clock.Timer // nil when no wake-up is armed
	wakeSeq     uint64
	closed      bool
	inflight    sync.WaitGroup
}

// NewTaskScheduler creates a scheduler. bus may be nil; clk nil means the
// real clock.
func NewTaskScheduler(cfg Config, clk clock.Clock, bus domain.EventBus, logger *slog.Logger) *TaskScheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.RecheckDelay <= 0 {
		cfg.RecheckDelay = DefaultRecheckDelay
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	return &TaskScheduler{
		clock:        clk,
		bus:          bus,
		logger:       logger,
		recheckDelay: cfg.RecheckDelay,
		taskTimeout:  cfg.TaskTimeout,
		concurrency:  cfg.Concurrency,
		executing:    make(map[string]*domain.ScheduledTask),
		perAgent:     make(map[string]int),
		perGroup:     make(map[string]int),
	}
}

// Schedule queues task and returns its id. A task without an id gets a
// ULID; a task without a creation time gets the current time.
func (s *TaskScheduler) Schedule(task domain.ScheduledTask) (string, error) {
	if task.Run == nil {
		return "", fmt.Errorf("scheduler: task %q has no function: %w", task.ID, domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("task rejected, scheduler shut down",
			"task", task.ID, "subscriber", task.SubscriberID, "event", task.EventName)
		return "", fmt.Errorf("scheduler: schedule %q: %w", task.ID, domain.ErrShuttingDown)
	}

	now := s.clock.Now()
	if task.ID == "" {
		task.ID = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	t := &task
	i := sort.Search(len(s.queue), func(i int) bool { return t.Before(s.queue[i]) })
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = t

	s.logger.Debug("task scheduled",
		"task", t.ID, "subscriber", t.SubscriberID, "group", t.GroupKey(),
		"run_at", t.RunAt, "priority", t.Priority)
	s.rescheduleLocked()
	return t.ID, nil
}

// Cancel removes a pending task. It reports whether the task was found.
// Executing tasks are not affected.
func (s *TaskScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.queue {
		if t.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.rescheduleLocked()
			return true
		}
	}
	return false
}

// CancelBySubscriber removes every pending task owned by subscriberID and
// returns how many were removed.
func (s *TaskScheduler) CancelBySubscriber(subscriberID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.queue[:0]
	removed := 0
	for _, t := range s.queue {
		if t.SubscriberID == subscriberID {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	if removed > 0 {
		s.rescheduleLocked()
	}
	return removed
}

// Len returns the number of pending tasks.
func (s *TaskScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ExecutingCount returns the number of tasks currently running.
func (s *TaskScheduler) ExecutingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executing)
}

// IsExecuting reports whether the task with id is running.
func (s *TaskScheduler) IsExecuting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.executing[id]
	return ok
}

// SetConcurrency replaces the ceilings. Running tasks are not affected;
// the new limits apply from the next admission.
func (s *TaskScheduler) SetConcurrency(cfg domain.ConcurrencyConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.concurrency = cfg
	s.logger.Info("scheduler concurrency updated",
		"global", cfg.Global, "per_agent", cfg.PerAgent, "per_group", cfg.PerGroup)
	s.rescheduleLocked()
}

// Concurrency returns the current ceilings.
func (s *TaskScheduler) Concurrency() domain.ConcurrencyConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency
}

// Shutdown stops admitting tasks and waits for running ones until ctx is
// done. Pending tasks are dropped. Running tasks are not cancelled.
func (s *TaskScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.wake.Stop()
		s.wake = nil
		s.wakeSeq++
		if n := len(s.queue); n > 0 {
			s.logger.Info("scheduler shutting down, dropping pending tasks", "count", n)
		}
		s.queue = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: waiting for running tasks: %w", ctx.Err())
	}
}

// rescheduleLocked re-arms the wake timer for the head of the queue.
func (s *TaskScheduler) rescheduleLocked() {
	s.wake.Stop()
	s.wake = nil
	if s.closed || len(s.queue) == 0 {
		s.wakeSeq++
		return
	}
	s.armLocked(s.queue[0].RunAt.Sub(s.clock.Now()))
}

func (s *TaskScheduler) armLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.wake.Stop()
	s.wakeSeq++
	seq := s.wakeSeq
	s.wake = s.clock.AfterFunc(d, func() { s.onWake(seq) })
}

func (s *TaskScheduler) onWake(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || seq != s.wakeSeq {
		return
	}
	s.wake = nil
	s.scanLocked()
}

// scanLocked starts every due task that fits, in queue order, and arms the
// next wake-up.
func (s *TaskScheduler) scanLocked() {
	now := s.clock.Now()
	for len(s.queue) > 0 {
		head := s.queue[0]
		if head.RunAt.After(now) {
			s.armLocked(head.RunAt.Sub(now))
			return
		}

		idx := -1
		for i := 0; i < len(s.queue) && !s.queue[i].RunAt.After(now); i++ {
			if s.admissibleLocked(s.queue[i]) {
				idx = i
				break
			}
		}
		if idx < 0 {
			s.armLocked(s.recheckDelay)
			return
		}

		t := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		s.startLocked(t)
	}
}

func (s *TaskScheduler) admissibleLocked(t *domain.ScheduledTask) bool {
	c := s.concurrency
	if c.Global > 0 && len(s.executing) >= c.Global {
		return false
	}
	if t.AgentID != "" && c.PerAgent > 0 && s.perAgent[t.AgentID] >= c.PerAgent {
		return false
	}
	if c.PerGroup > 0 && s.perGroup[t.GroupKey()] >= c.PerGroup {
		return false
	}
	return true
}

func (s *TaskScheduler) startLocked(t *domain.ScheduledTask) {
	s.executing[t.ID] = t
	if t.AgentID != "" {
		s.perAgent[t.AgentID]++
	}
	s.perGroup[t.GroupKey()]++
	s.inflight.Add(1)
	go s.execute(t)
}

func (s *TaskScheduler) finish(t *domain.ScheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.executing, t.ID)
	if t.AgentID != "" {
		if s.perAgent[t.AgentID]--; s.perAgent[t.AgentID] <= 0 {
			delete(s.perAgent, t.AgentID)
		}
	}
	g := t.GroupKey()
	if s.perGroup[g]--; s.perGroup[g] <= 0 {
		delete(s.perGroup, g)
	}

	if !s.closed && len(s.queue) > 0 && s.wake == nil {
		s.armLocked(0)
	}
}

func (s *TaskScheduler) execute(t *domain.ScheduledTask) {
	defer s.inflight.Done()
	defer s.finish(t)

	ctx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
	defer cancel()
	ctx, span := tracer.StartSpan(ctx, "scheduler.task")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("task.id", t.ID),
		tracer.StringAttr("task.subscriber", t.SubscriberID),
		tracer.StringAttr("task.group", t.GroupKey()),
		tracer.AgentAttr(t.AgentID),
	)

	s.publish(ctx, domain.EventTaskStarted, t, 0, nil)
	start := s.clock.Now()
	err := runTask(ctx, t)
	elapsed := s.clock.Now().Sub(start)

	if err != nil {
		tracer.RecordError(span, err)
		s.logger.Warn("scheduled task failed",
			"task", t.ID, "subscriber", t.SubscriberID, "event", t.EventName,
			"error", err, "duration", elapsed)
		s.publish(ctx, domain.EventTaskFailed, t, elapsed, err)
		return
	}
	tracer.SetOK(span)
	s.logger.Debug("scheduled task completed",
		"task", t.ID, "subscriber", t.SubscriberID, "duration", elapsed)
	s.publish(ctx, domain.EventTaskCompleted, t, elapsed, nil)
}

func runTask(ctx context.Context, t *domain.ScheduledTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", domain.ErrTaskPanicked, r)
		}
	}()
	if err := t.Run(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTaskFailed, err)
	}
	return nil
}

func (s *TaskScheduler) publish(ctx context.Context, typ domain.EventType, t *domain.ScheduledTask, d time.Duration, err error) {
	if s.bus == nil {
		return
	}
	payload := domain.TaskEvent{
		TaskID:       t.ID,
		SubscriberID: t.SubscriberID,
		EventID:      t.EventID,
		AgentID:      t.AgentID,
		Group:        t.GroupKey(),
		Duration:     d,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	raw, _ := json.Marshal(payload)
	now := s.clock.Now()
	s.bus.Publish(ctx, domain.Event{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:      typ,
		Timestamp: now,
		AgentID:   t.AgentID,
		Payload:   raw,
	})
}
