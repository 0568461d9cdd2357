package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/ganymede/pkg/accounts"
	"mercator-hq/ganymede/pkg/activity"
	"mercator-hq/ganymede/pkg/config"
	"mercator-hq/ganymede/pkg/routing"
	"mercator-hq/ganymede/pkg/stats"
	"mercator-hq/ganymede/pkg/upstream"
)

// ConfigState is the mutable effective configuration behind save_config and
// load_config. Path is where save_config persists to.
type ConfigState struct {
	mu   sync.RWMutex
	cfg  *config.Config
	path string
}

// NewConfigState wraps the loaded configuration.
func NewConfigState(cfg *config.Config, path string) *ConfigState {
	return &ConfigState{cfg: cfg, path: path}
}

// Current returns the effective configuration.
func (s *ConfigState) Current() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cfg
}

// Replace swaps the effective configuration.
func (s *ConfigState) Replace(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
}

// Path returns the config file path.
func (s *ConfigState) Path() string {
	return s.path
}

// Deps carries the collaborators the built-in commands operate on. Usage may
// be nil when the stats store is disabled.
type Deps struct {
	Store    *accounts.Store
	Selector *routing.Selector
	Monitor  *activity.Monitor
	Runtime  *config.Runtime
	Cooldown *routing.CooldownGate
	Client   *upstream.Client
	Usage    *stats.Store
	Config   *ConfigState
}

// RegisterAll wires every built-in command into the registry. Called once at
// startup; a name collision panics there, not at request time.
func RegisterAll(reg *Registry, deps Deps) {
	reg.Register("list_accounts", deps.listAccounts)
	reg.Register("reload_accounts", deps.reloadAccounts)
	reg.Register("toggle_proxy_status", deps.toggleProxyStatus)
	reg.Register("reorder_accounts", deps.reorderAccounts)
	reg.Register("clear_proxy_session_bindings", deps.clearSessionBindings)
	reg.Register("set_preferred_account", deps.setPreferredAccount)
	reg.Register("get_preferred_account", deps.getPreferredAccount)
	reg.Register("save_config", deps.saveConfig)
	reg.Register("load_config", deps.loadConfig)
	reg.Register("get_proxy_status", deps.getProxyStatus)
	reg.Register("generate_api_key", deps.generateAPIKey)
	reg.Register("set_proxy_monitor_enabled", deps.setMonitorEnabled)
	reg.Register("clear_proxy_logs", deps.clearProxyLogs)
	reg.Register("get_proxy_logs", deps.getProxyLogs)
	reg.Register("warm_up_account", deps.warmUpAccount)
	reg.Register("warm_up_all_accounts", deps.warmUpAllAccounts)
	reg.Register("get_usage_summary", deps.getUsageSummary)
}

func (d Deps) listAccounts(ctx context.Context, args json.RawMessage) (any, error) {
	return d.Store.All(), nil
}

func (d Deps) reloadAccounts(ctx context.Context, args json.RawMessage) (any, error) {
	if err := d.Store.ReloadAll(); err != nil {
		return nil, err
	}
	return map[string]any{"active_accounts": d.Store.Len()}, nil
}

func (d Deps) toggleProxyStatus(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		AccountID string `json:"account_id"`
		Disabled  bool   `json:"disabled"`
		Reason    string `json:"reason"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.AccountID == "" {
		return nil, fmt.Errorf("account_id is required")
	}

	if err := d.Store.SetEnabled(req.AccountID, !req.Disabled, req.Reason); err != nil {
		return nil, err
	}
	account, _ := d.Store.Get(req.AccountID)
	return account, nil
}

func (d Deps) reorderAccounts(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if len(req.IDs) == 0 {
		return nil, fmt.Errorf("ids is required")
	}

	if err := d.Store.Reorder(req.IDs); err != nil {
		return nil, err
	}
	return d.Store.All(), nil
}

func (d Deps) clearSessionBindings(ctx context.Context, args json.RawMessage) (any, error) {
	d.Selector.ClearAllSessions()
	return map[string]any{"cleared": true}, nil
}

func (d Deps) setPreferredAccount(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.AccountID != "" {
		if _, ok := d.Store.Get(req.AccountID); !ok {
			return nil, &accounts.NotFoundError{ID: req.AccountID}
		}
	}

	d.Selector.SetPreferredAccount(req.AccountID)
	return map[string]any{"account_id": req.AccountID}, nil
}

func (d Deps) getPreferredAccount(ctx context.Context, args json.RawMessage) (any, error) {
	return map[string]any{"account_id": d.Selector.GetPreferredAccount()}, nil
}

// saveConfig validates and persists a full configuration document, then
// pushes it into the live runtime cells and the stickiness policy.
func (d Deps) saveConfig(ctx context.Context, args json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("config document is required")
	}

	cfg := &config.Config{}
	if err := json.Unmarshal(args, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	if err := config.Save(cfg, d.Config.Path()); err != nil {
		return nil, err
	}

	d.Config.Replace(cfg)
	d.Runtime.Apply(&cfg.Proxy)
	d.Selector.UpdateStickyConfig(routing.StickyConfig{
		Mode: cfg.Proxy.Scheduling.Mode,
		TTL:  cfg.Proxy.Scheduling.StickyTTL,
	})

	return cfg, nil
}

func (d Deps) loadConfig(ctx context.Context, args json.RawMessage) (any, error) {
	return d.Config.Current(), nil
}

func (d Deps) getProxyStatus(ctx context.Context, args json.RawMessage) (any, error) {
	cfg := d.Config.Current()
	return map[string]any{
		"running":         true,
		"port":            cfg.Proxy.Port,
		"base_url":        fmt.Sprintf("http://%s", cfg.Proxy.ListenAddress()),
		"active_accounts": d.Store.Len(),
		"monitor_enabled": d.Monitor.Enabled(),
	}, nil
}

func (d Deps) generateAPIKey(ctx context.Context, args json.RawMessage) (any, error) {
	key := "sk-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return map[string]any{"api_key": key}, nil
}

func (d Deps) setMonitorEnabled(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	d.Monitor.SetEnabled(req.Enabled)
	return map[string]any{"enabled": req.Enabled}, nil
}

func (d Deps) clearProxyLogs(ctx context.Context, args json.RawMessage) (any, error) {
	d.Monitor.Clear()
	return map[string]any{"cleared": true}, nil
}

func (d Deps) getProxyLogs(ctx context.Context, args json.RawMessage) (any, error) {
	return d.Monitor.Snapshot(), nil
}

// warmUpResult is one account's warm-up outcome.
type warmUpResult struct {
	AccountID string `json:"account_id"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (d Deps) warmUpAccount(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}

	account, ok := d.Store.Get(req.AccountID)
	if !ok {
		return nil, &accounts.NotFoundError{ID: req.AccountID}
	}
	return d.warmUp(ctx, account), nil
}

func (d Deps) warmUpAllAccounts(ctx context.Context, args json.RawMessage) (any, error) {
	results := []warmUpResult{}
	for _, account := range d.Store.Snapshot() {
		results = append(results, d.warmUp(ctx, account))
	}
	return results, nil
}

// warmUp probes one account's quota, gated so concurrent warm-ups collapse
// to one probe per account per window.
func (d Deps) warmUp(ctx context.Context, account *accounts.Account) warmUpResult {
	cfg := d.Config.Current()

	if !d.Cooldown.CheckAndRecord("warmup:"+account.ID, cfg.Proxy.WarmupCooldownSeconds) {
		return warmUpResult{AccountID: account.ID, Skipped: true}
	}

	quota, err := d.Client.FetchQuota(ctx, account.Token.AccessToken, d.Runtime.UpstreamProxy())
	if err != nil {
		return warmUpResult{AccountID: account.ID, Error: err.Error()}
	}
	if err := d.Store.UpdateQuota(account.ID, quota); err != nil {
		return warmUpResult{AccountID: account.ID, Error: err.Error()}
	}
	return warmUpResult{AccountID: account.ID}
}

func (d Deps) getUsageSummary(ctx context.Context, args json.RawMessage) (any, error) {
	if d.Usage == nil {
		return nil, fmt.Errorf("usage statistics are disabled")
	}

	var req struct {
		Hours int `json:"hours"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.Hours <= 0 {
		req.Hours = 24
	}

	return d.Usage.Summarize(ctx, time.Now().Add(-time.Duration(req.Hours)*time.Hour))
}

// decodeArgs unmarshals the argument object, tolerating a missing one.
func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
