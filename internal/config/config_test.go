package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
backend:
  base_url: "http://10.0.0.5:8000"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Backend.BaseURL != "http://10.0.0.5:8000" {
		t.Errorf("unexpected backend url: %s", cfg.Backend.BaseURL)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("debug: true\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
	if got := cfg.Ingest.PollInterval(); got != 2*time.Second {
		t.Errorf("ingest poll interval default = %v", got)
	}
	if got := cfg.Ingest.Dwell(); got != 800*time.Millisecond {
		t.Errorf("ingest dwell default = %v", got)
	}
	if cfg.Ingest.ProgressFloor != 15 {
		t.Errorf("progress floor default = %d", cfg.Ingest.ProgressFloor)
	}
	if got := cfg.Chat.PollInterval(); got != 1500*time.Millisecond {
		t.Errorf("chat poll interval default = %v", got)
	}
	if cfg.Backend.Timeout() != 30*time.Second {
		t.Errorf("backend timeout default = %v", cfg.Backend.Timeout())
	}
	if len(cfg.Watch.Extensions) == 0 {
		t.Error("watch extensions should have defaults")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
watch:
  directories:
    - "./dropbox"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "dropbox")
	if len(cfg.Watch.Directories) != 1 || filepath.Clean(cfg.Watch.Directories[0]) != want {
		t.Errorf("directories = %v, want [%s]", cfg.Watch.Directories, want)
	}
	if !cfg.Watch.RecursiveOrDefault() {
		t.Error("recursive should default to true with directories set")
	}
}

func TestLoad_missingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
