package routing

import (
	"sync"
	"time"
)

// StickyConfig controls how long a session key stays bound to an account.
type StickyConfig struct {
	// Mode names the stickiness policy. "session" binds by session key;
	// "off" disables stickiness entirely.
	Mode string

	// TTL is the stickiness window. Zero means bindings never match
	// (stickiness disabled); bindings older than TTL are expired lazily
	// on access and swept by the maintenance task.
	TTL time.Duration
}

// binding is one session-key assignment. Bindings are process-lifetime
// only; they are never persisted.
type binding struct {
	accountID string
	boundAt   time.Time
}

// SessionTable maps session keys to account ids with a hot-swappable
// stickiness policy. Per key, the lifecycle is
// Unbound -> Bound -> [Expired | Invalidated] -> Unbound.
//
// The table does not validate account eligibility; the Selector cross-checks
// bindings against the pool on every selection.
type SessionTable struct {
	// bindings maps session key to its current assignment.
	bindings map[string]binding

	// cfg is the active stickiness policy. In-flight bindings are
	// reinterpreted under a new policy on their next access, not eagerly
	// migrated.
	cfg StickyConfig

	// mu protects bindings and cfg. Selection misses mutate the map on the
	// request hot path, so critical sections stay short.
	mu sync.RWMutex

	// now is the clock, injectable for tests.
	now func() time.Time
}

// NewSessionTable creates an empty session table with the given policy.
func NewSessionTable(cfg StickyConfig) *SessionTable {
	return &SessionTable{
		bindings: make(map[string]binding),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Lookup returns the bound account id for key, if the binding is live under
// the current stickiness policy. An expired binding is removed and reported
// as a miss.
func (t *SessionTable) Lookup(key string) (string, bool) {
	t.mu.RLock()
	b, ok := t.bindings[key]
	cfg := t.cfg
	t.mu.RUnlock()

	if !ok {
		return "", false
	}
	if !t.live(b, cfg) {
		t.mu.Lock()
		// Re-check under the write lock; the binding may have been replaced.
		if cur, ok := t.bindings[key]; ok && cur == b {
			delete(t.bindings, key)
		}
		t.mu.Unlock()
		return "", false
	}
	return b.accountID, true
}

// Bind assigns key to accountID, replacing any previous binding.
func (t *SessionTable) Bind(key, accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bindings[key] = binding{accountID: accountID, boundAt: t.now()}
}

// Invalidate removes the binding for key, if any.
func (t *SessionTable) Invalidate(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.bindings, key)
}

// Clear transitions every binding to Unbound immediately. Called after
// account add/delete/switch so stale bindings never point at a removed or
// superseded account.
func (t *SessionTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bindings = make(map[string]binding)
}

// UpdateConfig hot-swaps the stickiness policy. Existing bindings stay in
// the table and are reinterpreted under the new policy on next access.
func (t *SessionTable) UpdateConfig(cfg StickyConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cfg = cfg
}

// Config returns the active stickiness policy.
func (t *SessionTable) Config() StickyConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.cfg
}

// Len returns the number of bindings currently in the table, live or not.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.bindings)
}

// RemoveExpired drops every binding that is dead under the current policy
// and returns how many were removed. The maintenance sweeper calls this on
// an interval; it only evicts, never creates, bindings, so being skipped or
// delayed under load is harmless.
func (t *SessionTable) RemoveExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, b := range t.bindings {
		if !t.live(b, t.cfg) {
			delete(t.bindings, key)
			removed++
		}
	}
	return removed
}

// live reports whether a binding still matches under cfg.
func (t *SessionTable) live(b binding, cfg StickyConfig) bool {
	if cfg.Mode == "off" || cfg.TTL <= 0 {
		return false
	}
	return t.now().Sub(b.boundAt) < cfg.TTL
}
