// Package automation turns configured triggers and event rules into
// scheduled message deliveries.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentmux/internal/domain"
	"agentmux/internal/infra/clock"
	"agentmux/internal/usecase/scheduling"
)

const (
	triggerPrefix = "trigger:"
	rulePrefix    = "rule:"
)

// Trigger sends Message to AgentID on a schedule. Schedule is a cron
// expression or a duration; a trigger with At instead fires once.
type Trigger struct {
	ID        string
	Schedule  string
	At        time.Time
	AgentID   string
	Message   string
	SenderID  string
	Priority  int
	Group     string
	Immediate bool
}

// Validate checks the trigger is complete and its schedule parses.
func (t Trigger) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("trigger: id is required: %w", domain.ErrInvalidInput)
	case t.AgentID == "":
		return fmt.Errorf("trigger %s: agent is required: %w", t.ID, domain.ErrInvalidInput)
	case t.Message == "":
		return fmt.Errorf("trigger %s: message is required: %w", t.ID, domain.ErrInvalidInput)
	case t.Schedule == "" && t.At.IsZero():
		return fmt.Errorf("trigger %s: schedule or at is required: %w", t.ID, domain.ErrInvalidInput)
	case t.Schedule != "" && !t.At.IsZero():
		return fmt.Errorf("trigger %s: schedule and at are exclusive: %w", t.ID, domain.ErrInvalidInput)
	}
	if t.Schedule != "" {
		if _, err := scheduling.ParseSchedule(t.Schedule); err != nil {
			return fmt.Errorf("trigger %s: %w: %w", t.ID, domain.ErrInvalidInput, err)
		}
	}
	return nil
}

func (t Trigger) schedule() (cron.Schedule, error) {
	if !t.At.IsZero() {
		return onceSchedule{at: t.At}, nil
	}
	return scheduling.ParseSchedule(t.Schedule)
}

// onceSchedule fires a single time at a fixed instant.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// TriggerStatus describes an active trigger.
type TriggerStatus struct {
	ID      string
	AgentID string
	Next    time.Time
	Runs    int
}

type armedTrigger struct {
	trigger  Trigger
	schedule cron.Schedule
	next     time.Time
	runs     int
}

// Runner keeps every trigger's next occurrence queued in the scheduler.
type Runner struct {
	sched  Scheduler
	enq    Enqueuer
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	triggers map[string]*armedTrigger
	rules    map[string]func()
	stopped  bool
}

// NewRunner creates a Runner.
func NewRunner(sched Scheduler, enq Enqueuer, clk clock.Clock, logger *slog.Logger) *Runner {
	if clk == nil {
		clk = clock.Real()
	}
	return &Runner{
		sched:    sched,
		enq:      enq,
		clock:    clk,
		logger:   logger,
		triggers: make(map[string]*armedTrigger),
		rules:    make(map[string]func()),
	}
}

// Add validates t and queues its first occurrence. A one-shot trigger whose
// time has passed is skipped.
func (r *Runner) Add(t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	sched, err := t.schedule()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return fmt.Errorf("trigger %s: %w", t.ID, domain.ErrShuttingDown)
	}
	if _, exists := r.triggers[t.ID]; exists {
		return fmt.Errorf("trigger %s: already exists: %w", t.ID, domain.ErrInvalidInput)
	}

	a := &armedTrigger{trigger: t, schedule: sched}
	r.triggers[t.ID] = a
	r.armLocked(a, r.clock.Now())
	return nil
}

// Remove drops a trigger and its queued occurrence.
func (r *Runner) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Runner) removeLocked(id string) bool {
	if _, ok := r.triggers[id]; !ok {
		return false
	}
	delete(r.triggers, id)
	r.sched.CancelBySubscriber(triggerPrefix + id)
	r.logger.Info("trigger removed", "trigger", id)
	return true
}

// Replace swaps the whole trigger set. Nothing changes unless every new
// trigger is valid.
func (r *Runner) Replace(triggers []Trigger) error {
	var errs []error
	seen := make(map[string]bool, len(triggers))
	for _, t := range triggers {
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("trigger %s: duplicate id: %w", t.ID, domain.ErrInvalidInput))
		}
		seen[t.ID] = true
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	r.mu.Lock()
	for id := range r.triggers {
		r.removeLocked(id)
	}
	r.mu.Unlock()

	for _, t := range triggers {
		if err := r.Add(t); err != nil {
			return err
		}
	}
	return nil
}

// Triggers lists the active triggers ordered by id.
func (r *Runner) Triggers() []TriggerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TriggerStatus, 0, len(r.triggers))
	for id, a := range r.triggers {
		out = append(out, TriggerStatus{ID: id, AgentID: a.trigger.AgentID, Next: a.next, Runs: a.runs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Next returns the next queued occurrence of a trigger.
func (r *Runner) Next(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.triggers[id]
	if !ok {
		return time.Time{}, false
	}
	return a.next, true
}

// armLocked queues the occurrence of a that follows after. A schedule
// with no further occurrence retires the trigger.
func (r *Runner) armLocked(a *armedTrigger, after time.Time) {
	id := a.trigger.ID
	next := a.schedule.Next(after)
	if next.IsZero() {
		delete(r.triggers, id)
		if a.runs == 0 {
			r.logger.Info("one-shot trigger already expired, skipping", "trigger", id, "at", a.trigger.At)
		} else {
			r.logger.Info("trigger finished", "trigger", id, "runs", a.runs)
		}
		return
	}
	a.next = next

	task := SendMessageTask(SendMessage{
		SubscriberID: triggerPrefix + id,
		EventName:    triggerPrefix + id,
		AgentID:      a.trigger.AgentID,
		Text:         a.trigger.Message,
		SenderID:     a.trigger.SenderID,
		Immediate:    a.trigger.Immediate,
		Priority:     a.trigger.Priority,
		Group:        a.trigger.Group,
		RunAt:        next,
	}, r.enq)
	send := task.Run
	task.Run = func(ctx context.Context) error {
		defer r.fired(a)
		return send(ctx)
	}

	if _, err := r.sched.Schedule(task); err != nil {
		r.logger.Warn("failed to queue trigger", "trigger", id, "error", err)
		return
	}
	r.logger.Debug("trigger queued", "trigger", id, "agent", a.trigger.AgentID, "run_at", next)
}

func (r *Runner) fired(a *armedTrigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.triggers[a.trigger.ID] != a {
		return
	}
	a.runs++
	r.armLocked(a, r.clock.Now())
}

// EventRule sends a message whenever an event of type Event is published.
// An empty AgentID targets the agent the event is about. Message may use
// {event}, {agent} and {payload} placeholders. A rule with an AgentID never
// fires for an event about that agent; a rule without one ignores events
// caused by automation.
type EventRule struct {
	ID       string
	Event    domain.EventType
	AgentID  string
	Message  string
	Priority int
	Group    string
	Delay    time.Duration
}

// Subscribe registers rule on bus. Each matching event becomes a task
// carrying the event id and name.
func (r *Runner) Subscribe(bus domain.EventBus, rule EventRule) error {
	if rule.ID == "" || rule.Event == "" || rule.Message == "" {
		return fmt.Errorf("event rule %q: id, event and message are required: %w", rule.ID, domain.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return fmt.Errorf("event rule %s: %w", rule.ID, domain.ErrShuttingDown)
	}
	if _, exists := r.rules[rule.ID]; exists {
		return fmt.Errorf("event rule %s: already exists: %w", rule.ID, domain.ErrInvalidInput)
	}
	r.rules[rule.ID] = bus.Subscribe(rule.Event, func(ctx context.Context, ev domain.Event) {
		r.onEvent(rule, ev)
	})
	return nil
}

// Unsubscribe removes an event rule and drops its queued tasks.
func (r *Runner) Unsubscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	unsub, ok := r.rules[id]
	if !ok {
		return false
	}
	unsub()
	delete(r.rules, id)
	r.sched.CancelBySubscriber(rulePrefix + id)
	return true
}

func (r *Runner) onEvent(rule EventRule, ev domain.Event) {
	target := rule.AgentID
	if target == "" {
		target = ev.AgentID
	}
	if target == "" {
		r.logger.Debug("event rule skipped, no target agent", "rule", rule.ID, "event", ev.ID)
		return
	}
	if rule.AgentID != "" && ev.AgentID == rule.AgentID {
		return
	}
	if rule.AgentID == "" && automated(ev) {
		r.logger.Debug("event rule skipped, event caused by automation", "rule", rule.ID, "event", ev.ID)
		return
	}

	text := strings.NewReplacer(
		"{event}", string(ev.Type),
		"{agent}", ev.AgentID,
		"{payload}", string(ev.Payload),
	).Replace(rule.Message)

	task := SendMessageTask(SendMessage{
		SubscriberID: rulePrefix + rule.ID,
		EventID:      ev.ID,
		EventName:    string(ev.Type),
		AgentID:      target,
		Text:         text,
		Priority:     rule.Priority,
		Group:        rule.Group,
		RunAt:        r.clock.Now().Add(rule.Delay),
	}, r.enq)
	if _, err := r.sched.Schedule(task); err != nil {
		r.logger.Warn("failed to queue event rule task", "rule", rule.ID, "event", ev.ID, "error", err)
	}
}

// automated reports whether ev was caused by automation itself: a message
// sent by a trigger, rule or failure notice, or a task queued by a rule.
// Rules that reply to the event's own agent skip these events so they
// cannot feed on their own output.
func automated(ev domain.Event) bool {
	if len(ev.Payload) == 0 {
		return false
	}
	switch ev.Type {
	case domain.EventMessageQueued, domain.EventMessageDelivered, domain.EventMessageFailed:
		var act domain.ActivityEvent
		if json.Unmarshal(ev.Payload, &act) != nil || len(act.Entries) == 0 {
			return false
		}
		for _, e := range act.Entries {
			if e.Source != domain.SourceAutomation && e.Source != domain.SourceFailureNotice {
				return false
			}
		}
		return true
	case domain.EventTaskStarted, domain.EventTaskCompleted, domain.EventTaskFailed:
		var te domain.TaskEvent
		if json.Unmarshal(ev.Payload, &te) != nil {
			return false
		}
		return strings.HasPrefix(te.SubscriberID, rulePrefix)
	}
	return false
}

// Stop unsubscribes every rule and cancels every queued occurrence.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	for id, unsub := range r.rules {
		unsub()
		r.sched.CancelBySubscriber(rulePrefix + id)
	}
	for id := range r.triggers {
		r.sched.CancelBySubscriber(triggerPrefix + id)
	}
	r.rules = make(map[string]func())
	r.triggers = make(map[string]*armedTrigger)
}
