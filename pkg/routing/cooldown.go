package routing

import (
	"sync"
	"time"
)

// CooldownGate is a process-wide keyed rate limiter answering "has key been
// warmed up within the last N seconds?". It gates repeated warm-up and
// health-probe actions per account so a burst of warm-up calls collapses to
// at most one actual probe per window per key.
//
// The gate is an explicitly constructed component: build one at startup and
// hand it to whatever needs it.
type CooldownGate struct {
	// history maps key to the unix second of the last recorded action.
	// A key absent from the map is never in cooldown.
	history map[string]int64

	// mu serializes all map access. Warm-up actions are rare relative to
	// proxy traffic, so a single lock is fine.
	mu sync.Mutex

	// now is the clock, injectable for tests.
	now func() time.Time
}

// NewCooldownGate creates an empty cooldown gate.
func NewCooldownGate() *CooldownGate {
	return &CooldownGate{
		history: make(map[string]int64),
		now:     time.Now,
	}
}

// CheckCooldown reports whether key is still within its cooldown window.
// It returns true iff a prior Record exists with now - t < cooldownSeconds.
// Subtraction saturates at zero, so a recorded timestamp in the future
// (clock skew) reads as freshly recorded instead of underflowing.
func (g *CooldownGate) CheckCooldown(key string, cooldownSeconds int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.inCooldownLocked(key, cooldownSeconds)
}

// Record upserts the last-action timestamp for key.
func (g *CooldownGate) Record(key string, timestamp int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.history[key] = timestamp
}

// CheckAndRecord checks the cooldown and, when the key is free, records the
// current time in the same critical section. It returns true when the caller
// may proceed. Callers needing exactly-once-per-window semantics under
// concurrent warm-ups must use this instead of CheckCooldown followed by
// Record, which is not atomic across the two calls.
func (g *CooldownGate) CheckAndRecord(key string, cooldownSeconds int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inCooldownLocked(key, cooldownSeconds) {
		return false
	}
	g.history[key] = g.now().Unix()
	return true
}

// inCooldownLocked must be called with mu held.
func (g *CooldownGate) inCooldownLocked(key string, cooldownSeconds int64) bool {
	last, ok := g.history[key]
	if !ok {
		return false
	}
	elapsed := g.now().Unix() - last
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed < cooldownSeconds
}
