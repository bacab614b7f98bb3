package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"agentmux/internal/adapter/tmux"
	"agentmux/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// sessionLister is the part of tmux.Server the checks need.
type sessionLister interface {
	Version(ctx context.Context) (string, error)
	ListSessions(ctx context.Context) ([]string, error)
	SessionFor(agentID string) string
}

func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	var server sessionLister
	if cfg != nil {
		runner := tmux.NewExecRunner(cfg.Tmux.Binary, cfg.Tmux.Socket, cfg.Tmux.CommandTimeout)
		server = tmux.NewServer(runner, cfg.Tmux.SessionPrefix, sessionOverrides(cfg),
			slog.New(slog.NewTextHandler(io.Discard, nil)))
	}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "tmux binary", Fn: checkTmuxBinary(server)},
		{Name: "Agent sessions", Fn: checkAgentSessions(server)},
		{Name: "Automation", Fn: checkAutomation},
	}

	fmt.Println("agentmux doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		results = append(results, result)

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}
	}

	pass, warn, fail := tally(results)
	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func tally(results []CheckResult) (pass, warn, fail int) {
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}
	return pass, warn, fail
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile verifies the config file exists and loads.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Fix %s and run 'agentmux doctor' again", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create agentmux.yaml listing your agents",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkTmuxBinary(server sessionLister) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil || server == nil {
			return CheckResult{Status: StatusWarn, Message: "skipped, config did not load"}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		version, err := server.Version(ctx)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s not usable: %v", cfg.Tmux.Binary, err),
				Fix:     "Install tmux or set tmux.binary in the config",
			}
		}
		return CheckResult{Status: StatusPass, Message: version}
	}
}

func checkAgentSessions(server sessionLister) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil || server == nil {
			return CheckResult{Status: StatusWarn, Message: "skipped, config did not load"}
		}
		if len(cfg.Agents) == 0 {
			return CheckResult{
				Status:  StatusWarn,
				Message: "no agents configured",
				Fix:     "Add agents to the config so messages resolve to a project",
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sessions, err := server.ListSessions(ctx)
		if err != nil {
			return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot list sessions: %v", err)}
		}
		live := make(map[string]bool, len(sessions))
		for _, s := range sessions {
			live[s] = true
		}
		var missing []string
		for _, a := range cfg.Agents {
			if name := server.SessionFor(a.ID); !live[name] {
				missing = append(missing, fmt.Sprintf("%s (%s)", a.ID, name))
			}
		}
		if len(missing) > 0 {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("%d of %d agents have no session: %s", len(missing), len(cfg.Agents), strings.Join(missing, ", ")),
				Fix:     "Messages to these agents will fail until their sessions start",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("all %d agents have a live session", len(cfg.Agents))}
	}
}

func checkAutomation(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped, config did not load"}
	}
	known := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		known[a.ID] = true
	}
	var unknown []string
	for _, t := range cfg.Scheduler.Triggers {
		if !known[t.Agent] {
			unknown = append(unknown, fmt.Sprintf("trigger %s -> %s", t.ID, t.Agent))
		}
	}
	for _, r := range cfg.Scheduler.Rules {
		if r.Agent != "" && !known[r.Agent] {
			unknown = append(unknown, fmt.Sprintf("rule %s -> %s", r.ID, r.Agent))
		}
	}
	if len(unknown) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "targets not in the agent list: " + strings.Join(unknown, ", "),
			Fix:     "Their messages are logged under project \"unknown\"",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d triggers, %d rules", len(cfg.Scheduler.Triggers), len(cfg.Scheduler.Rules)),
	}
}
