package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"agentmux/internal/infra/config"
	"agentmux/internal/infra/logger"
	"agentmux/internal/infra/tracer"
)

func run() error {
	// 1. Config
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Close()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Components
	a := newApp(cfg, log)
	if err := a.startAutomation(cfg); err != nil {
		a.shutdown(ctx)
		return fmt.Errorf("automation: %w", err)
	}

	// 4. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 5. Hot reload
	if cfg.Watch.Enabled {
		w, err := config.NewWatcher(cfgPath, cfg.Watch.Debounce, logger.Component(log.Logger, "config"),
			func(next *config.Config) { a.reload(ctx, next) })
		if err != nil {
			log.Warn("config watcher disabled", "error", err)
		} else if err := w.Start(ctx); err != nil {
			log.Warn("config watcher disabled", "error", err)
		} else {
			defer w.Stop()
		}
	}

	log.Info("agentmux starting",
		"config", cfgPath,
		"agents", len(cfg.Agents),
		"pooling", cfg.Pool.Enabled,
		"triggers", len(cfg.Scheduler.Triggers),
		"rules", len(cfg.Scheduler.Rules),
	)

	<-ctx.Done()
	log.Info("shutdown signal received")

	// Task timeouts plus the pool grace bound the whole drain.
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownGrace+cfg.Scheduler.TaskTimeout+time.Second)
	defer stop()
	a.shutdown(shutdownCtx)
	return nil
}
