// Package maintenance runs Ganymede's recurring background sweep: expiring
// dead session bindings, resynchronizing the account pool with disk, and
// pruning old usage records.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mercator-hq/ganymede/pkg/accounts"
	"mercator-hq/ganymede/pkg/routing"
	"mercator-hq/ganymede/pkg/stats"
	"mercator-hq/ganymede/pkg/telemetry/metrics"
)

// usageRetention is how long usage records are kept.
const usageRetention = 30 * 24 * time.Hour

// Scheduler drives the sweep on a fixed interval via cron @every.
type Scheduler struct {
	store    *accounts.Store
	sessions *routing.SessionTable
	usage    *stats.Store
	metrics  *metrics.ProxyMetrics
	interval time.Duration

	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

// NewScheduler creates a scheduler sweeping every interval. Usage and
// metrics may be nil.
func NewScheduler(store *accounts.Store, sessions *routing.SessionTable,
	usage *stats.Store, pm *metrics.ProxyMetrics, interval time.Duration) *Scheduler {

	return &Scheduler{
		store:    store,
		sessions: sessions,
		usage:    usage,
		metrics:  pm,
		interval: interval,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "maintenance"),
	}
}

// Start schedules the sweep and returns; sweeps run until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 {
		s.logger.Info("maintenance interval not configured, skipping scheduler")
		return nil
	}

	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() {
		s.sweep(ctx)
	}); err != nil {
		return fmt.Errorf("schedule maintenance sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("maintenance scheduler started", "interval", s.interval.String())

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// sweep runs one maintenance cycle.
func (s *Scheduler) sweep(ctx context.Context) {
	expired := s.sessions.RemoveExpired()
	if expired > 0 {
		s.logger.Info("expired session bindings removed", "count", expired)
	}

	if err := s.store.ReloadAll(); err != nil {
		s.logger.Error("account pool revalidation failed", "error", err)
	}

	if s.metrics != nil {
		s.metrics.SetAccountsAvailable(s.store.Len())
		s.metrics.SetSessionsActive(s.sessions.Len())
	}

	if s.usage != nil {
		pruned, err := s.usage.Prune(ctx, time.Now().Add(-usageRetention))
		if err != nil {
			s.logger.Error("usage pruning failed", "error", err)
		} else if pruned > 0 {
			s.logger.Info("usage records pruned", "count", pruned)
		}
	}
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil && s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("maintenance scheduler stopped")
	}
}

// IsRunning reports whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}
