package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"agentmux/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validatePool("pool", cfg.Pool, ve)
	validateMessageLog(cfg, ve)
	validateScheduler(cfg, ve)
	validateTmux(cfg, ve)
	validateAgents(cfg, ve)
	validateProjects(cfg, ve)
	if cfg.ShutdownGrace <= 0 {
		ve.Add("shutdown_grace must be positive")
	}
	if cfg.Watch.Enabled && cfg.Watch.Debounce < 0 {
		ve.Add("watch.debounce must not be negative")
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
}

func validatePool(path string, p domain.MessagePoolConfig, ve *ValidationError) {
	if !p.Enabled {
		return
	}
	if p.Delay < 0 {
		ve.Add("%s.delay must not be negative", path)
	}
	if p.MaxWait <= 0 {
		ve.Add("%s.max_wait must be positive", path)
	}
	if p.MaxMessages < 1 {
		ve.Add("%s.max_messages must be at least 1", path)
	}
}

func validateMessageLog(cfg *Config, ve *ValidationError) {
	if cfg.MessageLog.MaxEntries < 1 {
		ve.Add("message_log.max_entries must be at least 1")
	}
	if cfg.MessageLog.MaxBytes < 1 {
		ve.Add("message_log.max_bytes must be at least 1")
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	s := cfg.Scheduler
	if s.RecheckDelay <= 0 {
		ve.Add("scheduler.recheck_delay must be positive")
	}
	if s.TaskTimeout <= 0 {
		ve.Add("scheduler.task_timeout must be positive")
	}

	seen := make(map[string]bool, len(s.Triggers))
	for i, t := range s.Triggers {
		if t.ID == "" {
			ve.Add("scheduler.triggers[%d].id is required", i)
		} else if seen[t.ID] {
			ve.Add("scheduler.triggers[%d].id %q is duplicated", i, t.ID)
		}
		seen[t.ID] = true
		if t.Agent == "" {
			ve.Add("scheduler.triggers[%d].agent is required", i)
		}
		if t.Message == "" {
			ve.Add("scheduler.triggers[%d].message is required", i)
		}
		switch {
		case t.Schedule == "" && t.At.IsZero():
			ve.Add("scheduler.triggers[%d] needs schedule or at", i)
		case t.Schedule != "" && !t.At.IsZero():
			ve.Add("scheduler.triggers[%d] sets both schedule and at", i)
		case t.Schedule != "":
			if err := checkSchedule(t.Schedule); err != nil {
				ve.Add("scheduler.triggers[%d].schedule: %v", i, err)
			}
		}
	}

	seen = make(map[string]bool, len(s.Rules))
	for i, r := range s.Rules {
		if r.ID == "" {
			ve.Add("scheduler.rules[%d].id is required", i)
		} else if seen[r.ID] {
			ve.Add("scheduler.rules[%d].id %q is duplicated", i, r.ID)
		}
		seen[r.ID] = true
		if !domain.EventType(r.Event).Valid() {
			ve.Add("scheduler.rules[%d].event %q is not a known event", i, r.Event)
		}
		if r.Message == "" {
			ve.Add("scheduler.rules[%d].message is required", i)
		}
		if r.Delay < 0 {
			ve.Add("scheduler.rules[%d].delay must not be negative", i)
		}
	}
}

func validateTmux(cfg *Config, ve *ValidationError) {
	t := cfg.Tmux
	if t.Binary == "" {
		ve.Add("tmux.binary is required")
	}
	if t.CommandTimeout <= 0 {
		ve.Add("tmux.command_timeout must be positive")
	}
	if t.PasteRate < 0 {
		ve.Add("tmux.paste_rate must not be negative")
	}
	if t.PasteRate > 0 && t.PasteBurst < 1 {
		ve.Add("tmux.paste_burst must be at least 1 when paste_rate is set")
	}
	if t.Breaker.Enabled {
		if t.Breaker.MaxFailures == 0 {
			ve.Add("tmux.breaker.max_failures must be at least 1")
		}
		if t.Breaker.OpenTimeout < time.Second {
			ve.Add("tmux.breaker.open_timeout must be at least 1s")
		}
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.ID == "" {
			ve.Add("agents[%d].id is required", i)
			continue
		}
		if seen[a.ID] {
			ve.Add("agents[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
		if strings.ContainsAny(a.Session, " :.") {
			ve.Add("agents[%d].session %q must not contain spaces, colons or dots", i, a.Session)
		}
	}
}

func validateProjects(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.Projects))
	for i, p := range cfg.Projects {
		if p.ID == "" {
			ve.Add("projects[%d].id is required", i)
			continue
		}
		if seen[p.ID] {
			ve.Add("projects[%d].id %q is duplicated", i, p.ID)
		}
		seen[p.ID] = true
		if p.Pool != nil {
			validatePool(fmt.Sprintf("projects[%d].pool", i), p.Pool.Apply(cfg.Pool), ve)
		}
	}
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// checkSchedule accepts what the trigger runner accepts: a cron expression
// or a positive duration.
func checkSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err == nil {
		return nil
	}
	d, err := time.ParseDuration(expr)
	if err != nil {
		return fmt.Errorf("%q is neither a cron expression nor a duration", expr)
	}
	if d <= 0 {
		return fmt.Errorf("interval %q must be positive", expr)
	}
	return nil
}
