package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8710
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = "http://localhost:8000"
	}
	if cfg.Backend.TimeoutSeconds == 0 {
		cfg.Backend.TimeoutSeconds = 30
	}
	if cfg.Ingest.PollIntervalMS == 0 {
		cfg.Ingest.PollIntervalMS = 2000
	}
	if cfg.Ingest.DwellMS == 0 {
		cfg.Ingest.DwellMS = 800
	}
	if cfg.Ingest.ProgressFloor == 0 {
		cfg.Ingest.ProgressFloor = 15
	}
	if cfg.Chat.PollIntervalMS == 0 {
		cfg.Chat.PollIntervalMS = 1500
	}
	if cfg.Chat.CacheTTLSec == 0 {
		cfg.Chat.CacheTTLSec = 300
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".pdf", ".mp4", ".mkv", ".mov"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
