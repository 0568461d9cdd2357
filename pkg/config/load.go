package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads the YAML document at path, applies defaults and
// environment overrides, and validates the result. Callers are expected to
// fall back to Default() when it fails; a bad config file must not stop the
// proxy from starting.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	ApplyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically: a temp file in the same directory is
// renamed over the target so readers never observe a partial document.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides layers GANYMEDE_* variables over the loaded document.
// Only the operationally useful knobs are exposed this way.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GANYMEDE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("GANYMEDE_PROXY_HOST"); v != "" {
		cfg.Proxy.Host = v
	}
	if v := os.Getenv("GANYMEDE_PROXY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Proxy.Port = port
		}
	}
	if v := os.Getenv("GANYMEDE_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Proxy.RequestTimeout = d
		}
	}
	if v := os.Getenv("GANYMEDE_LOG_LEVEL"); v != "" {
		cfg.Telemetry.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("GANYMEDE_LOG_FORMAT"); v != "" {
		cfg.Telemetry.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("GANYMEDE_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.Metrics.Enabled = b
		}
	}
	if v := os.Getenv("GANYMEDE_STATS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Stats.Enabled = b
		}
	}
	if v := os.Getenv("GANYMEDE_UPSTREAM_PROXY_URL"); v != "" {
		cfg.Proxy.UpstreamProxy.Enabled = true
		cfg.Proxy.UpstreamProxy.URL = v
	}
}
