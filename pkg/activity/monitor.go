// Package activity provides the bounded in-memory log of proxy transactions.
package activity

import (
	"sync"
	"time"
)

// Outcome classifies how a proxy transaction ended.
type Outcome string

const (
	// OutcomeSuccess is a completed upstream round trip.
	OutcomeSuccess Outcome = "success"

	// OutcomeUpstreamError is a transport failure, non-2xx response, or
	// malformed upstream payload after the retry policy was exhausted.
	OutcomeUpstreamError Outcome = "upstream_error"

	// OutcomeRejected is a request stopped by the security gate or by
	// request validation before any upstream call.
	OutcomeRejected Outcome = "rejected"

	// OutcomeNoAccount is a request that found no enabled account.
	OutcomeNoAccount Outcome = "no_account"
)

// Record is one completed proxy transaction. Records are immutable after
// insertion.
type Record struct {
	// Timestamp is when the transaction completed.
	Timestamp time.Time `json:"timestamp"`

	// RequestID correlates the record with request logs.
	RequestID string `json:"request_id"`

	// AccountID is the selected account, empty when none was selected.
	AccountID string `json:"account_id,omitempty"`

	// Model is the upstream model after remapping.
	Model string `json:"model,omitempty"`

	// Outcome classifies the result.
	Outcome Outcome `json:"outcome"`

	// StatusCode is the HTTP status returned to the caller.
	StatusCode int `json:"status_code"`

	// DurationMs is the end-to-end latency in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// Error holds the error text for non-success outcomes.
	Error string `json:"error,omitempty"`
}

// Monitor is a fixed-capacity ring buffer of proxy transaction records.
// Record always succeeds, silently evicting the oldest entry once full.
// When disabled, Record is a no-op; transactions proceed regardless, only
// observability is suppressed.
type Monitor struct {
	// ring is the backing array of len capacity.
	ring []Record

	// next is the index the next record lands in.
	next int

	// size is the number of live records, at most capacity.
	size int

	// enabled gates Record.
	enabled bool

	// mu guards everything above. Insert is O(1), so a single lock is fine.
	mu sync.Mutex
}

// NewMonitor creates a monitor holding at most capacity records.
func NewMonitor(capacity int) *Monitor {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Monitor{
		ring:    make([]Record, capacity),
		enabled: true,
	}
}

// Record appends one transaction record, evicting the oldest when full.
func (m *Monitor) Record(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}

	m.ring[m.next] = rec
	m.next = (m.next + 1) % len(m.ring)
	if m.size < len(m.ring) {
		m.size++
	}
}

// SetEnabled toggles recording. Disabling does not clear existing records.
func (m *Monitor) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = enabled
}

// Enabled reports whether recording is active.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.enabled
}

// Clear empties the buffer.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next = 0
	m.size = 0
}

// Len returns the number of records currently held.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.size
}

// Snapshot returns the held records in insertion order, oldest first.
func (m *Monitor) Snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, m.size)
	start := m.next - m.size
	if start < 0 {
		start += len(m.ring)
	}
	for i := 0; i < m.size; i++ {
		out = append(out, m.ring[(start+i)%len(m.ring)])
	}
	return out
}
