// Package config defines Ganymede's configuration model: the on-disk YAML
// document, defaults, validation, environment overrides, and the shared
// runtime cells the dispatcher reads on every request.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
type Config struct {
	// DataDir is the root of Ganymede's on-disk state; account files live
	// under <DataDir>/accounts.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Proxy configures the credential-pooling proxy itself.
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// Telemetry configures logging and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// Stats configures the usage-statistics store.
	Stats StatsConfig `yaml:"stats" json:"stats"`
}

// ProxyConfig configures the proxy endpoint and per-request behavior.
type ProxyConfig struct {
	// Host is the bind address; empty means 127.0.0.1.
	Host string `yaml:"host" json:"host"`

	// Port is the listening port.
	Port int `yaml:"port" json:"port"`

	// RequestTimeout bounds one upstream call. A timeout is treated as a
	// transport failure for retry purposes.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// DisableActivityLog starts the transaction monitor switched off.
	DisableActivityLog bool `yaml:"disable_activity_log" json:"disable_activity_log"`

	// Upstream is the pooled-account provider endpoint.
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`

	// ModelMapping remaps requested model names before the upstream call.
	// Models absent from the table pass through unchanged.
	ModelMapping map[string]string `yaml:"model_mapping" json:"model_mapping"`

	// UpstreamProxy routes outbound upstream calls through a proxy.
	UpstreamProxy UpstreamProxyConfig `yaml:"upstream_proxy" json:"upstream_proxy"`

	// Security is the inbound security policy.
	Security SecurityConfig `yaml:"security" json:"security"`

	// Relay is the alternate API-key-backed provider; when its dispatch
	// mode applies, requests bypass the account pool entirely.
	Relay RelayConfig `yaml:"relay" json:"relay"`

	// Experimental holds feature flags.
	Experimental ExperimentalConfig `yaml:"experimental" json:"experimental"`

	// Scheduling is the session-stickiness policy.
	Scheduling SchedulingConfig `yaml:"scheduling" json:"scheduling"`

	// MaintenanceInterval is how often the background sweep runs.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" json:"maintenance_interval"`

	// WarmupCooldownSeconds is the minimum interval between warm-up probes
	// for the same account.
	WarmupCooldownSeconds int64 `yaml:"warmup_cooldown_seconds" json:"warmup_cooldown_seconds"`
}

// BindAddress returns the host the listener binds to.
func (p *ProxyConfig) BindAddress() string {
	if p.Host == "" {
		return "127.0.0.1"
	}
	return p.Host
}

// ListenAddress returns host:port for the listener.
func (p *ProxyConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", p.BindAddress(), p.Port)
}

// SchedulingConfig is the hot-swappable stickiness policy.
type SchedulingConfig struct {
	// Mode is "session" (sticky per session key) or "off".
	Mode string `yaml:"mode" json:"mode"`

	// StickyTTL is the stickiness window; zero disables stickiness.
	StickyTTL time.Duration `yaml:"sticky_ttl" json:"sticky_ttl"`
}

// UpstreamConfig is the pooled-account provider the proxy forwards to.
type UpstreamConfig struct {
	// BaseURL is the provider API root.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// TokenURL is the OAuth token endpoint used for refresh grants.
	TokenURL string `yaml:"token_url" json:"token_url"`

	// ClientID is the OAuth client id presented on refresh.
	ClientID string `yaml:"client_id" json:"client_id"`
}

// UpstreamProxyConfig routes outbound calls through an HTTP(S) proxy.
type UpstreamProxyConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url"`
}

// SecurityConfig is the inbound security policy, enforced as a hard gate
// before any upstream call.
type SecurityConfig struct {
	// RequireAuth rejects requests lacking a valid proxy API key.
	RequireAuth bool `yaml:"require_auth" json:"require_auth"`

	// APIKeys are the accepted proxy API keys.
	APIKeys []string `yaml:"api_keys" json:"api_keys"`
}

// Allows reports whether the presented key passes the policy.
func (s SecurityConfig) Allows(key string) bool {
	if !s.RequireAuth {
		return true
	}
	for _, k := range s.APIKeys {
		if k != "" && k == key {
			return true
		}
	}
	return false
}

// RelayDispatchMode selects when the alternate provider serves a request.
type RelayDispatchMode string

const (
	// RelayOff never routes to the relay.
	RelayOff RelayDispatchMode = "off"

	// RelayAll routes every request to the relay.
	RelayAll RelayDispatchMode = "all"

	// RelayMapped routes only models listed in the relay's model set.
	RelayMapped RelayDispatchMode = "mapped"
)

// RelayConfig is the alternate API-key-backed provider.
type RelayConfig struct {
	Enabled      bool              `yaml:"enabled" json:"enabled"`
	DispatchMode RelayDispatchMode `yaml:"dispatch_mode" json:"dispatch_mode"`
	BaseURL      string            `yaml:"base_url" json:"base_url"`
	APIKey       string            `yaml:"api_key" json:"api_key"`

	// Models is the model set for the "mapped" dispatch mode.
	Models []string `yaml:"models" json:"models"`
}

// Applies reports whether the relay serves a request for model.
func (r RelayConfig) Applies(model string) bool {
	if !r.Enabled || r.DispatchMode == RelayOff || r.DispatchMode == "" {
		return false
	}
	if r.DispatchMode == RelayAll {
		return true
	}
	for _, m := range r.Models {
		if m == model {
			return true
		}
	}
	return false
}

// ExperimentalConfig holds feature flags that default off.
type ExperimentalConfig struct {
	// QuotaAwareSelection skips accounts whose last quota snapshot shows
	// zero remaining allowance.
	QuotaAwareSelection bool `yaml:"quota_aware_selection" json:"quota_aware_selection"`

	// StreamingPassthrough forwards upstream response bodies unbuffered.
	StreamingPassthrough bool `yaml:"streaming_passthrough" json:"streaming_passthrough"`
}

// TelemetryConfig configures logging and metrics.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level" json:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// StatsConfig configures the SQLite usage-statistics store.
type StatsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}
