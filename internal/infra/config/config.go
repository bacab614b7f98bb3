package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentmux/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger        LoggerConfig             `yaml:"logger"`
	Tracer        TracerConfig             `yaml:"tracer"`
	Pool          domain.MessagePoolConfig `yaml:"pool"`
	MessageLog    MessageLogConfig         `yaml:"message_log"`
	Scheduler     SchedulerConfig          `yaml:"scheduler"`
	Tmux          TmuxConfig               `yaml:"tmux"`
	Agents        []AgentConfig            `yaml:"agents"`
	Projects      []ProjectConfig          `yaml:"projects"`
	ShutdownGrace time.Duration            `yaml:"shutdown_grace"`
	Watch         WatchConfig              `yaml:"watch"`
	Includes      []string                 `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// MessageLogConfig bounds the in-memory message log.
type MessageLogConfig struct {
	MaxEntries int `yaml:"max_entries"`
	MaxBytes   int `yaml:"max_bytes"`
}

// SchedulerConfig holds task scheduler settings and automation sources.
type SchedulerConfig struct {
	Concurrency  domain.ConcurrencyConfig `yaml:"concurrency"`
	RecheckDelay time.Duration            `yaml:"recheck_delay"`
	TaskTimeout  time.Duration            `yaml:"task_timeout"`
	Triggers     []TriggerConfig          `yaml:"triggers"`
	Rules        []RuleConfig             `yaml:"rules"`
}

// TriggerConfig sends a message on a schedule. Exactly one of Schedule
// (cron expression or duration) and At (one-shot) is set.
type TriggerConfig struct {
	ID        string    `yaml:"id"`
	Schedule  string    `yaml:"schedule,omitempty"`
	At        time.Time `yaml:"at,omitempty"`
	Agent     string    `yaml:"agent"`
	Message   string    `yaml:"message"`
	Sender    string    `yaml:"sender,omitempty"`
	Priority  int       `yaml:"priority"`
	Group     string    `yaml:"group,omitempty"`
	Immediate bool      `yaml:"immediate"`
}

// RuleConfig sends a message whenever an event is published. An empty
// Agent targets the agent the event is about.
type RuleConfig struct {
	ID       string        `yaml:"id"`
	Event    string        `yaml:"event"`
	Agent    string        `yaml:"agent,omitempty"`
	Message  string        `yaml:"message"`
	Priority int           `yaml:"priority"`
	Group    string        `yaml:"group,omitempty"`
	Delay    time.Duration `yaml:"delay"`
}

// TmuxConfig configures how text reaches agent terminals.
type TmuxConfig struct {
	Binary         string        `yaml:"binary"`
	Socket         string        `yaml:"socket"`          // empty = tmux default server
	SessionPrefix  string        `yaml:"session_prefix"`  // session = prefix + agent id unless the agent names one
	CommandTimeout time.Duration `yaml:"command_timeout"`
	PasteRate      float64       `yaml:"paste_rate"` // pastes per second, 0 = unlimited
	PasteBurst     int           `yaml:"paste_burst"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker settings for the tmux deliverer.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MaxFailures      uint32        `yaml:"max_failures"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// AgentConfig registers an agent with the directory.
type AgentConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Project string `yaml:"project"`
	Session string `yaml:"session,omitempty"`
}

// ProjectConfig overrides pool settings for the agents of one project.
type ProjectConfig struct {
	ID   string        `yaml:"id"`
	Name string        `yaml:"name,omitempty"`
	Pool *PoolOverride `yaml:"pool,omitempty"`
}

// PoolOverride replaces individual fields of the global pool config.
// Nil fields inherit the global value.
type PoolOverride struct {
	Enabled     *bool          `yaml:"enabled,omitempty"`
	Delay       *time.Duration `yaml:"delay,omitempty"`
	MaxWait     *time.Duration `yaml:"max_wait,omitempty"`
	MaxMessages *int           `yaml:"max_messages,omitempty"`
	Separator   *string        `yaml:"separator,omitempty"`
}

// Apply returns base with the override's set fields replaced.
func (o *PoolOverride) Apply(base domain.MessagePoolConfig) domain.MessagePoolConfig {
	if o == nil {
		return base
	}
	if o.Enabled != nil {
		base.Enabled = *o.Enabled
	}
	if o.Delay != nil {
		base.Delay = *o.Delay
	}
	if o.MaxWait != nil {
		base.MaxWait = *o.MaxWait
	}
	if o.MaxMessages != nil {
		base.MaxMessages = *o.MaxMessages
	}
	if o.Separator != nil {
		base.Separator = *o.Separator
	}
	return base
}

// WatchConfig controls config hot reload.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// PoolConfigFor returns the effective pool config for a project.
func (c *Config) PoolConfigFor(projectID string) domain.MessagePoolConfig {
	for i := range c.Projects {
		if c.Projects[i].ID == projectID {
			return c.Projects[i].Pool.Apply(c.Pool)
		}
	}
	return c.Pool
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Pool: domain.DefaultPoolConfig(),
		MessageLog: MessageLogConfig{
			MaxEntries: 1000,
			MaxBytes:   5 << 20,
		},
		Scheduler: SchedulerConfig{
			Concurrency: domain.ConcurrencyConfig{
				Global:   4,
				PerAgent: 1,
				PerGroup: 0,
			},
			RecheckDelay: time.Second,
			TaskTimeout:  5 * time.Minute,
		},
		Tmux: TmuxConfig{
			Binary:         "tmux",
			CommandTimeout: 5 * time.Second,
			PasteRate:      0,
			PasteBurst:     1,
			Breaker: BreakerConfig{
				Enabled:          true,
				MaxFailures:      5,
				OpenTimeout:      30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		ShutdownGrace: 5 * time.Second,
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 750 * time.Millisecond,
		},
	}
}

// Load reads a YAML config file, merges its includes and applies env var
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrConfigLoad, path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", domain.ErrConfigLoad, path, err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, cfg.Includes, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps AGENTMUX_* env vars to config fields. Values that
// do not parse are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTMUX_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTMUX_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTMUX_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("AGENTMUX_TRACER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracer.Enabled = b
		}
	}
	if v := os.Getenv("AGENTMUX_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTMUX_POOL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pool.Enabled = b
		}
	}
	if d, ok := envDuration("AGENTMUX_POOL_DELAY"); ok {
		cfg.Pool.Delay = d
	}
	if d, ok := envDuration("AGENTMUX_POOL_MAX_WAIT"); ok {
		cfg.Pool.MaxWait = d
	}
	if n, ok := envInt("AGENTMUX_POOL_MAX_MESSAGES"); ok {
		cfg.Pool.MaxMessages = n
	}
	if n, ok := envInt("AGENTMUX_SCHEDULER_CONCURRENCY"); ok {
		cfg.Scheduler.Concurrency.Global = n
	}
	if d, ok := envDuration("AGENTMUX_SCHEDULER_TASK_TIMEOUT"); ok {
		cfg.Scheduler.TaskTimeout = d
	}
	if v := os.Getenv("AGENTMUX_TMUX_BINARY"); v != "" {
		cfg.Tmux.Binary = v
	}
	if v := os.Getenv("AGENTMUX_TMUX_SOCKET"); v != "" {
		cfg.Tmux.Socket = v
	}
	if v := os.Getenv("AGENTMUX_TMUX_SESSION_PREFIX"); v != "" {
		cfg.Tmux.SessionPrefix = v
	}
	if d, ok := envDuration("AGENTMUX_SHUTDOWN_GRACE"); ok {
		cfg.ShutdownGrace = d
	}
	if v := os.Getenv("AGENTMUX_WATCH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Watch.Enabled = b
		}
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
