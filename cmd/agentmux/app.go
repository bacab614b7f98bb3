package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"agentmux/internal/adapter/directory"
	"agentmux/internal/adapter/notifier"
	"agentmux/internal/adapter/tmux"
	"agentmux/internal/domain"
	"agentmux/internal/infra/config"
	"agentmux/internal/infra/logger"
	"agentmux/internal/usecase/automation"
	"agentmux/internal/usecase/batcher"
	"agentmux/internal/usecase/eventbus"
	"agentmux/internal/usecase/scheduling"
)

// app wires the adapters and use cases of one agentmux process.
type app struct {
	log      *logger.Logger
	bus      *eventbus.Bus
	dir      *directory.Directory
	pools    *directory.PoolConfigStore
	server   *tmux.Server
	batcher  *batcher.Batcher
	sched    *scheduling.TaskScheduler
	runner   *automation.Runner
	recorder *notifier.Recorder

	mu    sync.Mutex
	rules []string
}

func newApp(cfg *config.Config, log *logger.Logger) *app {
	bus := eventbus.New(logger.Component(log.Logger, "eventbus"))

	runner := tmux.NewExecRunner(cfg.Tmux.Binary, cfg.Tmux.Socket, cfg.Tmux.CommandTimeout)
	server := tmux.NewServer(runner, cfg.Tmux.SessionPrefix, sessionOverrides(cfg), logger.Component(log.Logger, "tmux"))

	var deliverer domain.Deliverer = tmux.NewDeliverer(runner, cfg.Tmux.PasteRate, cfg.Tmux.PasteBurst,
		logger.Component(log.Logger, "tmux"))
	if cfg.Tmux.Breaker.Enabled {
		deliverer = tmux.NewBreakerDeliverer(deliverer, tmux.BreakerSettings{
			MaxFailures:      cfg.Tmux.Breaker.MaxFailures,
			OpenTimeout:      cfg.Tmux.Breaker.OpenTimeout,
			HalfOpenRequests: cfg.Tmux.Breaker.HalfOpenRequests,
		}, log.Logger)
	}

	dir := directory.New(cfg)
	pools := directory.NewPoolConfigStore(cfg)

	b := batcher.New(batcher.Config{
		Pool:          cfg.Pool,
		MaxLogEntries: cfg.MessageLog.MaxEntries,
		MaxLogBytes:   cfg.MessageLog.MaxBytes,
		ShutdownGrace: cfg.ShutdownGrace,
	}, batcher.Deps{
		Directory: dir,
		Resolver:  tmux.NewResolver(server),
		Deliverer: deliverer,
		Configs:   pools,
		Notifier:  notifier.NewBusNotifier(bus),
	}, logger.Component(log.Logger, "batcher"))

	sched := scheduling.NewTaskScheduler(scheduling.Config{
		Concurrency:  cfg.Scheduler.Concurrency,
		RecheckDelay: cfg.Scheduler.RecheckDelay,
		TaskTimeout:  cfg.Scheduler.TaskTimeout,
	}, nil, bus, logger.Component(log.Logger, "scheduler"))

	recorder := notifier.NewRecorder(256, logger.Component(log.Logger, "activity"))
	recorder.Attach(bus)

	return &app{
		log:      log,
		bus:      bus,
		dir:      dir,
		pools:    pools,
		server:   server,
		batcher:  b,
		sched:    sched,
		runner:   automation.NewRunner(sched, b, nil, logger.Component(log.Logger, "automation")),
		recorder: recorder,
	}
}

func sessionOverrides(cfg *config.Config) map[string]string {
	m := make(map[string]string)
	for _, a := range cfg.Agents {
		if a.Session != "" {
			m[a.ID] = a.Session
		}
	}
	return m
}

func triggersFrom(cfg *config.Config) []automation.Trigger {
	out := make([]automation.Trigger, 0, len(cfg.Scheduler.Triggers))
	for _, t := range cfg.Scheduler.Triggers {
		out = append(out, automation.Trigger{
			ID:        t.ID,
			Schedule:  t.Schedule,
			At:        t.At,
			AgentID:   t.Agent,
			Message:   t.Message,
			SenderID:  t.Sender,
			Priority:  t.Priority,
			Group:     t.Group,
			Immediate: t.Immediate,
		})
	}
	return out
}

func rulesFrom(cfg *config.Config) []automation.EventRule {
	out := make([]automation.EventRule, 0, len(cfg.Scheduler.Rules))
	for _, r := range cfg.Scheduler.Rules {
		out = append(out, automation.EventRule{
			ID:       r.ID,
			Event:    domain.EventType(r.Event),
			AgentID:  r.Agent,
			Message:  r.Message,
			Priority: r.Priority,
			Group:    r.Group,
			Delay:    r.Delay,
		})
	}
	return out
}

// startAutomation registers the configured triggers and event rules.
func (a *app) startAutomation(cfg *config.Config) error {
	if err := a.runner.Replace(triggersFrom(cfg)); err != nil {
		return fmt.Errorf("triggers: %w", err)
	}
	return a.replaceRules(cfg)
}

func (a *app) replaceRules(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.rules {
		a.runner.Unsubscribe(id)
	}
	a.rules = a.rules[:0]

	var errs []error
	for _, rule := range rulesFrom(cfg) {
		if err := a.runner.Subscribe(a.bus, rule); err != nil {
			errs = append(errs, err)
			continue
		}
		a.rules = append(a.rules, rule.ID)
	}
	return errors.Join(errs...)
}

// reload applies a config that changed on disk. Settings that need a new
// process (tmux binary and socket, log output, tracer) are left alone.
func (a *app) reload(ctx context.Context, cfg *config.Config) {
	a.log.SetLevel(cfg.Logger.Level)
	a.dir.Update(cfg)
	a.pools.Update(cfg)
	a.server.SetSessions(cfg.Tmux.SessionPrefix, sessionOverrides(cfg))
	a.sched.SetConcurrency(cfg.Scheduler.Concurrency)
	if err := a.startAutomation(cfg); err != nil {
		a.log.Warn("automation not fully reloaded", "error", err)
	}
	a.bus.Publish(ctx, domain.Event{Type: domain.EventConfigReloaded})
	a.log.Info("configuration applied",
		"agents", len(cfg.Agents),
		"projects", len(cfg.Projects),
		"triggers", len(cfg.Scheduler.Triggers),
		"rules", len(cfg.Scheduler.Rules),
	)
}

// shutdown stops automation, lets running tasks finish, drains the pools
// and closes the bus, in that order.
func (a *app) shutdown(ctx context.Context) {
	a.runner.Stop()
	if err := a.sched.Shutdown(ctx); err != nil {
		a.log.Warn("scheduler shutdown incomplete", "error", err)
	}
	a.batcher.Shutdown(ctx)
	a.bus.Close()

	stats := a.batcher.Stats()
	a.log.Info("agentmux stopped",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"queued", stats.Queued,
		"events", eventTotal(a.recorder.Counts()),
	)
}

func eventTotal(counts map[domain.EventType]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}
