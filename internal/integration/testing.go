// Package integration holds end-to-end tests that wire the real adapters
// and use cases together.
package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	TmuxBinary  string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment.
// AGENTMUX_E2E_TMUX overrides the tmux binary found on PATH.
func LoadConfig() *Config {
	bin := os.Getenv("AGENTMUX_E2E_TMUX")
	if bin == "" {
		bin, _ = exec.LookPath("tmux")
	}
	return &Config{
		TmuxBinary:  bin,
		TestTimeout: 30 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoTmux skips the test when no tmux binary is available.
func SkipIfNoTmux(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.TmuxBinary == "" {
		t.Skip("Skipping tmux integration test: tmux not found")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// StartTmuxServer starts a private tmux server on a socket in a temp dir
// with one detached session running command. The server is killed when
// the test ends.
func StartTmuxServer(t *testing.T, binary, session, command string) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "tmux.sock")
	out, err := exec.Command(binary, "-S", socket, "new-session", "-d", "-s", session, "-x", "200", "-y", "50", command).CombinedOutput()
	if err != nil {
		t.Skipf("Skipping tmux integration test: cannot start server: %v: %s", err, out)
	}
	t.Cleanup(func() {
		_ = exec.Command(binary, "-S", socket, "kill-server").Run()
	})
	return socket
}
