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

func TestIncludesSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "providers.yaml", `
providers:
  - name: "groq"
    type: "openai"
    model: "llama3-8b"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "providers.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "groq" {
		t.Errorf("provider not loaded from include: %+v", cfg.Providers)
	}
}

func TestIncludesGlobPattern(t *testing.T) {
	dir := t.TempDir()
	subdir := filepath.Join(dir, "conf.d")
	if err := os.Mkdir(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, subdir, "memory.yaml", `
memory:
  episodic_window: 40
`)
	writeConfigFile(t, subdir, "logger.yaml", `
logger:
  level: "warn"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "conf.d/*.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	gotMemory := cfg.Memory != nil && cfg.Memory.EpisodicWindow == 40
	gotLogger := cfg.Logger.Level == "warn"
	if !gotMemory && !gotLogger {
		t.Error("glob includes had no effect")
	}
}

func TestIncludesRelativePath(t *testing.T) {
	dir := t.TempDir()
	subdir := filepath.Join(dir, "sub")
	if err := os.Mkdir(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, subdir, "extra.yaml", `
logger:
  level: "debug"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "sub/extra.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
}

func TestIncludesAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	absFile := writeConfigFile(t, dir, "abs.yaml", `
logger:
  level: "warn"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "`+absFile+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "warn" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "warn")
	}
}

func TestIncludesMainPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "override.yaml", `
agent:
  id: "from-include"
  provider: "openai"
  model: "gpt-4o-mini"
  max_response_tokens: 50
  system_prompt: "from include"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "override.yaml"
agent:
  id: "from-main"
  provider: "openai"
  model: "gpt-4o-mini"
  max_response_tokens: 20
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxResponseTokens != 20 {
		t.Errorf("MaxResponseTokens = %d, want 20 (main should win)", cfg.Agent.MaxResponseTokens)
	}
	// Main config doesn't set system_prompt, so the include's value stays.
	if cfg.Agent.SystemPrompt != "from include" {
		t.Errorf("SystemPrompt = %q, want %q", cfg.Agent.SystemPrompt, "from include")
	}
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
	if !strings.Contains(err.Error(), "circular include") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIncludesSelfReference(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "config.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected circular include error for self-reference")
	}
	if !strings.Contains(err.Error(), "circular include") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIncludesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "../../../etc/passwd"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected path traversal error")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "escapes") && !strings.Contains(errStr, "permission") && !strings.Contains(errStr, "read") {
		t.Logf("error (acceptable): %v", err)
	}
}

func TestIncludesFilePermissions(t *testing.T) {
	dir := t.TempDir()
	badFile := filepath.Join(dir, "insecure.yaml")
	if err := os.WriteFile(badFile, []byte("logger:\n  level: debug\n"), 0666); err != nil {
		t.Fatal(err)
	}
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "insecure.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected permissions error for include file")
	}
	if !strings.Contains(err.Error(), "insecure permissions") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIncludesFileNotFound(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "nonexistent.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing include file")
	}
}

func TestIncludesInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "bad.yaml", "invalid: [yaml: bad")
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "bad.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML in include")
	}
}

func TestIncludesNoIncludes(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
agent:
  id: "solo"
  provider: "openai"
  model: "gpt-4o-mini"
  max_response_tokens: 15
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxResponseTokens != 15 {
		t.Errorf("MaxResponseTokens = %d, want 15", cfg.Agent.MaxResponseTokens)
	}
}

func TestIncludesNestedIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "level2.yaml", `
logger:
  format: "json"
`)
	writeConfigFile(t, dir, "level1.yaml", `
includes:
  - "level2.yaml"
logger:
  level: "debug"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "level1.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("Logger.Format = %q, want %q (from nested include)", cfg.Logger.Format, "json")
	}
}

func TestIncludesMaxDepth(t *testing.T) {
	dir := t.TempDir()

	totalLevels := maxIncludeDepth + 2
	for i := totalLevels; i >= 1; i-- {
		name := fmt.Sprintf("level%d.yaml", i)
		var content string
		if i < totalLevels {
			next := fmt.Sprintf("level%d.yaml", i+1)
			content = fmt.Sprintf("includes:\n  - %q\n", next)
		}
		fpath := filepath.Join(dir, name)
		if err := os.WriteFile(fpath, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "level1.yaml"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected max depth error")
	}
	if !strings.Contains(err.Error(), "max depth") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIncludesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "empty.yaml", "")
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "empty.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.ID != "default" {
		t.Errorf("Agent.ID = %q, want %q", cfg.Agent.ID, "default")
	}
}
