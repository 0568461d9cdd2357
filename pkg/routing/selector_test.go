package routing

import (
	"errors"
	"testing"
	"time"

	"mercator-hq/ganymede/pkg/accounts"
)

// fakeSource is an in-memory AccountSource for selector tests.
type fakeSource struct {
	list []*accounts.Account
}

func (f *fakeSource) Snapshot() []*accounts.Account {
	out := make([]*accounts.Account, 0, len(f.list))
	for _, a := range f.list {
		if a.Enabled() {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeSource) Get(id string) (*accounts.Account, bool) {
	for _, a := range f.list {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

func (f *fakeSource) disable(id string) {
	for _, a := range f.list {
		if a.ID == id {
			a.ProxyDisabled = true
		}
	}
}

func newTestSelector(source *fakeSource) *Selector {
	table := NewSessionTable(StickyConfig{Mode: "session", TTL: 24 * time.Hour})
	return NewSelector(source, table)
}

func TestSelector_StickyThenFailover(t *testing.T) {
	source := &fakeSource{list: []*accounts.Account{
		{ID: "a", Order: 0},
		{ID: "b", Order: 1},
	}}
	selector := newTestSelector(source)

	// First selection binds the session to the first account in pool order.
	got, err := selector.Select("sess-1")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "a" {
		t.Errorf("first Select() = %s, want a", got.ID)
	}

	// Second selection reuses the binding.
	got, err = selector.Select("sess-1")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "a" {
		t.Errorf("sticky Select() = %s, want a", got.ID)
	}

	// Disabling the bound account fails the session over to the next one.
	source.disable("a")
	got, err = selector.Select("sess-1")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "b" {
		t.Errorf("Select() after disable = %s, want b", got.ID)
	}
}

func TestSelector_PreferredAccountOverridesBinding(t *testing.T) {
	source := &fakeSource{list: []*accounts.Account{
		{ID: "a", Order: 0},
		{ID: "b", Order: 1},
	}}
	selector := newTestSelector(source)

	if _, err := selector.Select("sess-1"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	selector.SetPreferredAccount("b")

	got, err := selector.Select("sess-1")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "b" {
		t.Errorf("Select() with pin = %s, want b (hard override)", got.ID)
	}

	// A different session key is pinned too.
	got, err = selector.Select("sess-2")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "b" {
		t.Errorf("Select() for new session with pin = %s, want b", got.ID)
	}

	// Unpinning restores the original sticky binding.
	selector.SetPreferredAccount("")
	got, err = selector.Select("sess-1")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "a" {
		t.Errorf("Select() after unpin = %s, want a (binding preserved)", got.ID)
	}
}

func TestSelector_DisabledPreferredFallsThrough(t *testing.T) {
	source := &fakeSource{list: []*accounts.Account{
		{ID: "a", Order: 0},
		{ID: "b", Order: 1, ProxyDisabled: true},
	}}
	selector := newTestSelector(source)
	selector.SetPreferredAccount("b")

	got, err := selector.Select("sess-1")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "a" {
		t.Errorf("Select() with disabled pin = %s, want a", got.ID)
	}
}

func TestSelector_NoAvailableAccount(t *testing.T) {
	source := &fakeSource{list: []*accounts.Account{
		{ID: "a", ProxyDisabled: true},
	}}
	selector := newTestSelector(source)

	_, err := selector.Select("sess-1")
	if !errors.Is(err, ErrNoAvailableAccount) {
		t.Errorf("Select() error = %v, want ErrNoAvailableAccount", err)
	}
}

func TestSelector_ClearAllSessions(t *testing.T) {
	source := &fakeSource{list: []*accounts.Account{
		{ID: "a", Order: 0},
		{ID: "b", Order: 1},
	}}
	selector := newTestSelector(source)

	if _, err := selector.Select("sess-1"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	selector.ClearAllSessions()

	// After a clear plus a pool change the session may land elsewhere; with
	// account a removed it must land on b rather than the stale binding.
	source.disable("a")
	got, err := selector.Select("sess-1")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "b" {
		t.Errorf("Select() after clear = %s, want b", got.ID)
	}
}

func TestSelector_QuotaAwareSelection(t *testing.T) {
	source := &fakeSource{list: []*accounts.Account{
		{ID: "exhausted", Order: 0, Quota: &accounts.QuotaData{Remaining: 0, Limit: 100}},
		{ID: "fresh", Order: 1, Quota: &accounts.QuotaData{Remaining: 50, Limit: 100}},
	}}
	selector := newTestSelector(source)

	quotaAware := false
	selector.SetQuotaAwareness(func() bool { return quotaAware })

	// Flag off: pool order wins, exhausted quota is ignored.
	got, err := selector.Select("")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "exhausted" {
		t.Errorf("Select() with flag off = %s, want exhausted", got.ID)
	}

	// Flag on: the exhausted account is skipped on the very next selection.
	quotaAware = true
	got, err = selector.Select("sess-1")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "fresh" {
		t.Errorf("Select() with flag on = %s, want fresh", got.ID)
	}

	// A sticky binding to an account that later ran dry is abandoned too.
	source.list[1].Quota.Remaining = 0
	source.list[0].Quota.Remaining = 10
	got, err = selector.Select("sess-1")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "exhausted" {
		t.Errorf("Select() after quota swap = %s, want exhausted (now refilled)", got.ID)
	}
}

func TestSelector_AllQuotaExhausted(t *testing.T) {
	source := &fakeSource{list: []*accounts.Account{
		{ID: "a", Quota: &accounts.QuotaData{Remaining: 0, Limit: 100}},
	}}
	selector := newTestSelector(source)
	selector.SetQuotaAwareness(func() bool { return true })

	_, err := selector.Select("sess-1")
	if !errors.Is(err, ErrNoAvailableAccount) {
		t.Errorf("Select() error = %v, want ErrNoAvailableAccount", err)
	}

	// An account with no quota snapshot yet is always eligible.
	source.list = append(source.list, &accounts.Account{ID: "unprobed", Order: 1})
	got, err := selector.Select("sess-2")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "unprobed" {
		t.Errorf("Select() = %s, want unprobed", got.ID)
	}
}

func TestSelector_EmptySessionKeySkipsBinding(t *testing.T) {
	source := &fakeSource{list: []*accounts.Account{{ID: "a"}}}
	selector := newTestSelector(source)

	if _, err := selector.Select(""); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if selector.Sessions().Len() != 0 {
		t.Errorf("Sessions().Len() = %d for empty key, want 0", selector.Sessions().Len())
	}
}
