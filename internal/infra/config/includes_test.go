package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func agentIDs(cfg *Config) string {
	ids := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		ids = append(ids, a.ID)
	}
	return strings.Join(ids, ",")
}

func TestIncludesAppendAgents(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "team.yaml", `
agents:
  - id: a2
    name: reviewer
    project: web
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "team.yaml"
agents:
  - id: a1
    name: builder
    project: web
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := agentIDs(cfg); got != "a1,a2" {
		t.Errorf("agents = %s, want a1,a2", got)
	}
	if cfg.Includes != nil {
		t.Errorf("Includes should be cleared after load: %v", cfg.Includes)
	}
}

func TestIncludesGlobPattern(t *testing.T) {
	dir := t.TempDir()
	subdir := filepath.Join(dir, "conf.d")
	if err := os.Mkdir(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, subdir, "projects.yaml", `
projects:
  - id: web
    pool:
      max_messages: 2
`)
	writeConfigFile(t, subdir, "triggers.yaml", `
scheduler:
  triggers:
    - id: nightly
      schedule: "@daily"
      agent: a1
      message: "summarize the day"
  rules:
    - id: escalate
      event: message.failed
      agent: ops
      message: "{agent} missed a message"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "conf.d/*.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Projects) != 1 || cfg.PoolConfigFor("web").MaxMessages != 2 {
		t.Errorf("projects not loaded from include: %+v", cfg.Projects)
	}
	if len(cfg.Scheduler.Triggers) != 1 || cfg.Scheduler.Triggers[0].ID != "nightly" {
		t.Errorf("triggers not loaded from include: %+v", cfg.Scheduler.Triggers)
	}
	if len(cfg.Scheduler.Rules) != 1 || cfg.Scheduler.Rules[0].Event != "message.failed" {
		t.Errorf("rules not loaded from include: %+v", cfg.Scheduler.Rules)
	}
}

func TestIncludesRejectScalarSections(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "pool.yaml", `
pool:
  delay: 1s
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "pool.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for non-list section in include")
	}
	if !strings.Contains(err.Error(), "pool.yaml") {
		t.Errorf("error should name the fragment: %v", err)
	}
}

func TestIncludesDuplicateAcrossFilesFailsValidation(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "more.yaml", `
agents:
  - id: a1
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes: ["more.yaml"]
agents:
  - id: a1
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for duplicate agent id")
	}
	assertContains(t, err.Error(), `agents[1].id "a1" is duplicated`)
}

func TestIncludesCircularDetection(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", `
includes:
  - "b.yaml"
`)
	writeConfigFile(t, dir, "b.yaml", `
includes:
  - "a.yaml"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "a.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected circular include error")
	}
	assertContains(t, err.Error(), "circular include")
}

func TestIncludesSelfReference(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "config.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected circular include error")
	}
	assertContains(t, err.Error(), "circular include")
}

func TestIncludesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, dir, "outside.yaml", "agents: []\n")
	path := writeConfigFile(t, sub, "config.yaml", `
includes:
  - "../outside.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected path traversal error")
	}
	assertContains(t, err.Error(), "escapes config directory")
}

func TestIncludesFilePermissions(t *testing.T) {
	dir := t.TempDir()
	inc := writeConfigFile(t, dir, "team.yaml", "agents: []\n")
	if err := os.Chmod(inc, 0o666); err != nil {
		t.Fatal(err)
	}
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "team.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected permission error")
	}
	assertContains(t, err.Error(), "insecure permissions")
}

func TestIncludesFileNotFound(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "missing.yaml"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing include")
	}
}

func TestIncludesGlobNoMatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "conf.d/*.yaml"
`)

	if _, err := Load(path); err != nil {
		t.Fatalf("glob with no matches should not fail: %v", err)
	}
}

func TestIncludesNestedIncludes(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := os.Mkdir(nested, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, nested, "deep.yaml", `
agents:
  - id: a3
`)
	writeConfigFile(t, dir, "mid.yaml", `
includes:
  - "nested/deep.yaml"
agents:
  - id: a2
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "mid.yaml"
agents:
  - id: a1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := agentIDs(cfg); got != "a1,a2,a3" {
		t.Errorf("agents = %s, want a1,a2,a3", got)
	}
}

func TestIncludesMaxDepth(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i <= maxIncludeDepth+1; i++ {
		writeConfigFile(t, dir, fmt.Sprintf("level%d.yaml", i), fmt.Sprintf(`
includes:
  - "level%d.yaml"
`, i+1))
	}
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "level0.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected max depth error")
	}
	assertContains(t, err.Error(), "max depth")
}

func TestIncludesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "empty.yaml", "")
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "empty.yaml"
`)

	if _, err := Load(path); err != nil {
		t.Fatalf("empty include should be accepted: %v", err)
	}
}
