package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsPopulatesBuiltins(t *testing.T) {
	cfg := Defaults()
	if cfg.Agents.Defaults.Model != "claude-sonnet-4-5-20250929" {
		t.Errorf("unexpected default model: %q", cfg.Agents.Defaults.Model)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Errorf("unexpected default logging config: %+v", cfg.Logging)
	}
	if cfg.Heartbeat.IntervalSeconds != 1800 {
		t.Errorf("unexpected default heartbeat interval: %d", cfg.Heartbeat.IntervalSeconds)
	}
}

func TestWorkspacePathDefaultsUnderDataDir(t *testing.T) {
	cfg := &Config{DataDir: "/data/oxibot"}
	if got := cfg.WorkspacePath(); got != filepath.Join("/data/oxibot", "workspace") {
		t.Errorf("unexpected workspace path: %q", got)
	}
}

func TestWorkspacePathHonorsExplicitOverride(t *testing.T) {
	cfg := &Config{DataDir: "/data/oxibot", Workspace: "/custom/workspace"}
	if got := cfg.WorkspacePath(); got != "/custom/workspace" {
		t.Errorf("unexpected workspace path: %q", got)
	}
}

func TestCronStorePathDefaultsUnderDataDir(t *testing.T) {
	cfg := &Config{DataDir: "/data/oxibot"}
	if got := cfg.CronStorePath(); got != filepath.Join("/data/oxibot", "cron", "jobs.json") {
		t.Errorf("unexpected cron store path: %q", got)
	}
}

func TestSaveWritesReadableJSON(t *testing.T) {
	dir := t.TempDir()
	cfg := Defaults()
	cfg.DataDir = dir

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("expected config.json to exist: %v", err)
	}
	var roundTripped Config
	if err := json.Unmarshal(data, &roundTripped); err != nil {
		t.Fatalf("unmarshal saved config: %v", err)
	}
	if roundTripped.Agents.Defaults.Model != cfg.Agents.Defaults.Model {
		t.Errorf("unexpected round-tripped model: %q", roundTripped.Agents.Defaults.Model)
	}
}

func TestLoadReadsSavedConfigAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OXIBOT_DATA_DIR", dir)

	seed := Defaults()
	seed.DataDir = dir
	seed.Agents.Defaults.Model = "saved-model"
	if err := seed.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	t.Setenv("OXIBOT_LOGGING__LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Defaults.Model != "saved-model" {
		t.Errorf("expected config.json value to be loaded, got %q", cfg.Agents.Defaults.Model)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env override to win, got %q", cfg.Logging.Level)
	}
}

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OXIBOT_DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Defaults.Model != Defaults().Agents.Defaults.Model {
		t.Errorf("expected default model when no config.json present, got %q", cfg.Agents.Defaults.Model)
	}
}
