package config

import "time"

// Default returns a fully populated configuration. It is also the fallback
// when the config file is missing or malformed: configuration problems are
// never fatal at startup.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = 8045
	}
	if cfg.Proxy.RequestTimeout == 0 {
		cfg.Proxy.RequestTimeout = 120 * time.Second
	}
	if cfg.Proxy.ModelMapping == nil {
		cfg.Proxy.ModelMapping = make(map[string]string)
	}
	if cfg.Proxy.Upstream.BaseURL == "" {
		cfg.Proxy.Upstream.BaseURL = "https://api.openai.com"
	}
	if cfg.Proxy.Upstream.TokenURL == "" {
		cfg.Proxy.Upstream.TokenURL = "https://auth.openai.com/oauth/token"
	}
	if cfg.Proxy.Scheduling.Mode == "" {
		cfg.Proxy.Scheduling.Mode = "session"
	}
	if cfg.Proxy.Scheduling.StickyTTL == 0 && cfg.Proxy.Scheduling.Mode != "off" {
		cfg.Proxy.Scheduling.StickyTTL = 24 * time.Hour
	}
	if cfg.Proxy.MaintenanceInterval == 0 {
		cfg.Proxy.MaintenanceInterval = 10 * time.Minute
	}
	if cfg.Proxy.WarmupCooldownSeconds == 0 {
		cfg.Proxy.WarmupCooldownSeconds = 300
	}
	if cfg.Proxy.Relay.DispatchMode == "" {
		cfg.Proxy.Relay.DispatchMode = RelayOff
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = "info"
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = "json"
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = "/metrics"
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = "ganymede"
	}

	if cfg.Stats.Path == "" {
		cfg.Stats.Path = "data/usage.db"
	}
}
