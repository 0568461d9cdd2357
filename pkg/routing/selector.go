package routing

import (
	"log/slog"
	"sync"

	"mercator-hq/ganymede/pkg/accounts"
)

// AccountSource is the pool view the selector reads. *accounts.Store
// satisfies it.
type AccountSource interface {
	// Snapshot returns enabled accounts in stable order.
	Snapshot() []*accounts.Account

	// Get returns the account with the given id, enabled or not.
	Get(id string) (*accounts.Account, bool)
}

// Selector picks the upstream account serving a request. Resolution order:
//
//  1. A pinned preferred account, when set and currently eligible, always
//     wins. Pinning is a hard override, not a default.
//  2. A live session binding to an eligible account is reused (stickiness).
//  3. Otherwise the first eligible account in pool order is chosen and the
//     session key is bound to it.
//
// With zero eligible accounts selection fails with ErrNoAvailableAccount.
type Selector struct {
	source   AccountSource
	sessions *SessionTable

	// preferred is the globally pinned account id; empty means no pin.
	preferred string
	prefMu    sync.RWMutex

	// quotaAware, when set and returning true, additionally skips accounts
	// whose last quota snapshot shows zero remaining allowance.
	quotaAware func() bool

	logger *slog.Logger
}

// NewSelector creates a selector over the given pool and session table.
func NewSelector(source AccountSource, sessions *SessionTable) *Selector {
	return &Selector{
		source:   source,
		sessions: sessions,
		logger:   slog.Default().With("component", "routing.selector"),
	}
}

// SetQuotaAwareness installs the live flag gating quota-based skipping.
// The function is consulted on every selection, so a runtime flag flip takes
// effect on the next request.
func (s *Selector) SetQuotaAwareness(enabled func() bool) {
	s.quotaAware = enabled
}

// eligible reports whether the account may serve a request right now.
func (s *Selector) eligible(a *accounts.Account) bool {
	if !a.Enabled() {
		return false
	}
	if s.quotaAware != nil && s.quotaAware() &&
		a.Quota != nil && a.Quota.Remaining == 0 {
		return false
	}
	return true
}

// Select returns the account serving sessionKey.
func (s *Selector) Select(sessionKey string) (*accounts.Account, error) {
	// Preferred account is checked first on every select, so setting a pin
	// does not need to clear existing bindings; they stay informative.
	if id := s.GetPreferredAccount(); id != "" {
		if account, ok := s.source.Get(id); ok && s.eligible(account) {
			return account, nil
		}
	}

	if sessionKey != "" {
		if id, ok := s.sessions.Lookup(sessionKey); ok {
			if account, ok := s.source.Get(id); ok && s.eligible(account) {
				return account, nil
			}
			// Bound account is gone or ineligible; fall through to a fresh pick.
			s.sessions.Invalidate(sessionKey)
		}
	}

	for _, account := range s.source.Snapshot() {
		if !s.eligible(account) {
			continue
		}
		if sessionKey != "" {
			s.sessions.Bind(sessionKey, account.ID)
			s.logger.Debug("session bound",
				"session_key", sessionKey,
				"account_id", account.ID,
			)
		}
		return account, nil
	}
	return nil, ErrNoAvailableAccount
}

// ClearAllSessions unbinds every session immediately.
func (s *Selector) ClearAllSessions() {
	s.sessions.Clear()
}

// SetPreferredAccount pins (or with "" unpins) the globally preferred
// account. Existing session bindings are left untouched.
func (s *Selector) SetPreferredAccount(id string) {
	s.prefMu.Lock()
	s.preferred = id
	s.prefMu.Unlock()

	s.logger.Info("preferred account updated", "account_id", id)
}

// GetPreferredAccount returns the pinned account id, or "" when unset.
func (s *Selector) GetPreferredAccount() string {
	s.prefMu.RLock()
	defer s.prefMu.RUnlock()

	return s.preferred
}

// UpdateStickyConfig hot-swaps the stickiness policy.
func (s *Selector) UpdateStickyConfig(cfg StickyConfig) {
	s.sessions.UpdateConfig(cfg)
	s.logger.Info("sticky config updated",
		"mode", cfg.Mode,
		"ttl", cfg.TTL.String(),
	)
}

// Sessions exposes the underlying table for the maintenance sweeper.
func (s *Selector) Sessions() *SessionTable {
	return s.sessions
}
