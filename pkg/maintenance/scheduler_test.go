package maintenance

import (
	"context"
	"testing"
	"time"

	"mercator-hq/ganymede/pkg/accounts"
	"mercator-hq/ganymede/pkg/routing"
)

func TestSchedulerLifecycle(t *testing.T) {
	store, err := accounts.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sessions := routing.NewSessionTable(routing.StickyConfig{Mode: "session", TTL: time.Hour})

	s := NewScheduler(store, sessions, nil, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	cancel()
	// Stop is also safe to call directly and repeatedly.
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestSchedulerZeroIntervalDisabled(t *testing.T) {
	store, err := accounts.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sessions := routing.NewSessionTable(routing.StickyConfig{})

	s := NewScheduler(store, sessions, nil, nil, 0)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("scheduler running with zero interval")
	}
}

func TestSweepExpiresBindingsAndReloads(t *testing.T) {
	store, err := accounts.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	sessions := routing.NewSessionTable(routing.StickyConfig{Mode: "session", TTL: time.Nanosecond})
	sessions.Bind("sess-1", "acct-a")
	time.Sleep(2 * time.Nanosecond)

	s := NewScheduler(store, sessions, nil, nil, time.Minute)
	s.sweep(context.Background())

	if sessions.Len() != 0 {
		t.Errorf("bindings after sweep = %d, want 0", sessions.Len())
	}
}
