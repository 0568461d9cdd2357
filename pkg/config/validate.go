package config

import "fmt"

// ConfigError describes an invalid configuration field. Loaders fall back
// to defaults on it; it is never fatal at startup.
type ConfigError struct {
	// Field is the offending configuration field.
	Field string

	// Message describes what is wrong with it.
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %q: %s", e.Field, e.Message)
}

// Validate checks internal consistency. It returns the first problem found.
func Validate(cfg *Config) error {
	if cfg.Proxy.Port < 1 || cfg.Proxy.Port > 65535 {
		return &ConfigError{Field: "proxy.port", Message: fmt.Sprintf("out of range: %d", cfg.Proxy.Port)}
	}
	if cfg.Proxy.RequestTimeout <= 0 {
		return &ConfigError{Field: "proxy.request_timeout", Message: "must be positive"}
	}
	if cfg.Proxy.MaintenanceInterval <= 0 {
		return &ConfigError{Field: "proxy.maintenance_interval", Message: "must be positive"}
	}
	if cfg.Proxy.WarmupCooldownSeconds < 0 {
		return &ConfigError{Field: "proxy.warmup_cooldown_seconds", Message: "must not be negative"}
	}

	switch cfg.Proxy.Scheduling.Mode {
	case "session", "off":
	default:
		return &ConfigError{Field: "proxy.scheduling.mode",
			Message: fmt.Sprintf("unknown mode %q (want session or off)", cfg.Proxy.Scheduling.Mode)}
	}
	if cfg.Proxy.Scheduling.StickyTTL < 0 {
		return &ConfigError{Field: "proxy.scheduling.sticky_ttl", Message: "must not be negative"}
	}

	switch cfg.Proxy.Relay.DispatchMode {
	case RelayOff, RelayAll, RelayMapped:
	default:
		return &ConfigError{Field: "proxy.relay.dispatch_mode",
			Message: fmt.Sprintf("unknown mode %q", cfg.Proxy.Relay.DispatchMode)}
	}
	if cfg.Proxy.Relay.Enabled && cfg.Proxy.Relay.DispatchMode != RelayOff {
		if cfg.Proxy.Relay.BaseURL == "" {
			return &ConfigError{Field: "proxy.relay.base_url", Message: "required when relay dispatch is active"}
		}
		if cfg.Proxy.Relay.APIKey == "" {
			return &ConfigError{Field: "proxy.relay.api_key", Message: "required when relay dispatch is active"}
		}
	}

	if cfg.Proxy.Security.RequireAuth && len(cfg.Proxy.Security.APIKeys) == 0 {
		return &ConfigError{Field: "proxy.security.api_keys", Message: "required when require_auth is set"}
	}

	switch cfg.Telemetry.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "telemetry.logging.level",
			Message: fmt.Sprintf("unknown level %q", cfg.Telemetry.Logging.Level)}
	}
	switch cfg.Telemetry.Logging.Format {
	case "json", "text":
	default:
		return &ConfigError{Field: "telemetry.logging.format",
			Message: fmt.Sprintf("unknown format %q", cfg.Telemetry.Logging.Format)}
	}

	return nil
}
