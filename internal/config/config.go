// Package config provides configuration loading and structs for the douki engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug   bool          `yaml:"debug"`
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Chat    ChatConfig    `yaml:"chat"`
	Watch   WatchConfig   `yaml:"watch"`
}

// ServerConfig holds settings for the presentation-facing HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BackendConfig holds settings for the academic-agent backend the engine syncs against.
type BackendConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the request timeout for non-streaming backend calls.
func (b *BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// IngestConfig holds ingestion poller settings.
type IngestConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	DwellMS        int `yaml:"dwell_ms"`
	ProgressFloor  int `yaml:"progress_floor"`
}

// PollInterval returns the ingestion poll interval.
func (i *IngestConfig) PollInterval() time.Duration {
	return time.Duration(i.PollIntervalMS) * time.Millisecond
}

// Dwell returns the hold time between forced completion and the closing resync.
func (i *IngestConfig) Dwell() time.Duration {
	return time.Duration(i.DwellMS) * time.Millisecond
}

// ChatConfig holds per-session chat status poller settings.
type ChatConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	CacheTTLSec    int `yaml:"cache_ttl_seconds"` // outline/preview fetch cache
}

// PollInterval returns the chat status poll interval.
func (c *ChatConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// CacheTTL returns the outline/preview cache lifetime.
func (c *ChatConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// WatchConfig holds drop-directory watch settings. Files landing in these
// directories are uploaded to the backend as new assets.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
