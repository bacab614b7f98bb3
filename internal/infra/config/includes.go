package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// fragment is what an included file may contain: only list sections, which
// are appended to the including config in include order.
type fragment struct {
	Agents    []AgentConfig   `yaml:"agents"`
	Projects  []ProjectConfig `yaml:"projects"`
	Scheduler struct {
		Triggers []TriggerConfig `yaml:"triggers"`
		Rules    []RuleConfig    `yaml:"rules"`
	} `yaml:"scheduler"`
	Includes []string `yaml:"includes"`
}

// processIncludes appends the fragments referenced by patterns to cfg.
// baseDir is the directory of the file that holds the patterns. visited
// tracks absolute paths to detect circular includes.
func processIncludes(cfg *Config, patterns []string, baseDir string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	for _, pattern := range patterns {
		paths, err := resolveIncludePaths(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}

			if visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			visited[abs] = true

			if err := mergeFragment(cfg, abs, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveIncludePaths resolves a pattern (which may contain globs) relative to baseDir.
// It validates that the resolved path does not escape baseDir.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	rel, err := filepath.Rel(baseDir, pattern)
	if err == nil && len(rel) >= 2 && rel[:2] == ".." {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}

	if len(matches) == 0 {
		// A literal path that does not exist is reported by mergeFragment.
		if !hasMeta(pattern) {
			return []string{pattern}, nil
		}
		return nil, nil
	}
	return matches, nil
}

func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// mergeFragment reads one included file, appends its lists to cfg and
// follows its own includes. Keys other than the list sections are rejected.
func mergeFragment(cfg *Config, path string, visited map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}

	var frag fragment
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&frag); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}

	cfg.Agents = append(cfg.Agents, frag.Agents...)
	cfg.Projects = append(cfg.Projects, frag.Projects...)
	cfg.Scheduler.Triggers = append(cfg.Scheduler.Triggers, frag.Scheduler.Triggers...)
	cfg.Scheduler.Rules = append(cfg.Scheduler.Rules, frag.Scheduler.Rules...)

	if len(frag.Includes) > 0 {
		return processIncludes(cfg, frag.Includes, filepath.Dir(path), visited, depth)
	}
	return nil
}
