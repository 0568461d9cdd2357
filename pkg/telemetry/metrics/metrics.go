// Package metrics exposes Ganymede's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mercator-hq/ganymede/pkg/config"
)

// ProxyMetrics tracks per-request dispatch outcomes and pool state.
//
// Metrics:
//   - ganymede_requests_total: request count by account, model, outcome
//   - ganymede_request_duration_seconds: end-to-end latency histogram
//   - ganymede_accounts_available: enabled accounts in the pool
//   - ganymede_sessions_active: live session bindings
//   - ganymede_token_refreshes_total: refresh attempts by result
type ProxyMetrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	accountsAvailable prometheus.Gauge
	sessionsActive    prometheus.Gauge
	tokenRefreshes    *prometheus.CounterVec
}

// NewProxyMetrics creates and registers the proxy metrics on a fresh
// registry.
func NewProxyMetrics(cfg config.MetricsConfig) *ProxyMetrics {
	registry := prometheus.NewRegistry()

	pm := &ProxyMetrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "requests_total",
				Help:      "Total proxy requests dispatched",
			},
			[]string{"account", "model", "outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model"},
		),

		accountsAvailable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "accounts_available",
				Help:      "Enabled accounts currently in the pool",
			},
		),

		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "sessions_active",
				Help:      "Live session bindings",
			},
		),

		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "token_refreshes_total",
				Help:      "Access-token refresh attempts",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		pm.requestsTotal,
		pm.requestDuration,
		pm.accountsAvailable,
		pm.sessionsActive,
		pm.tokenRefreshes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return pm
}

// RecordRequest records one completed dispatch.
func (pm *ProxyMetrics) RecordRequest(account, model, outcome string, duration time.Duration) {
	pm.requestsTotal.WithLabelValues(account, model, outcome).Inc()
	pm.requestDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordRefresh records one token refresh attempt; result is "success" or
// "failure".
func (pm *ProxyMetrics) RecordRefresh(result string) {
	pm.tokenRefreshes.WithLabelValues(result).Inc()
}

// SetAccountsAvailable updates the pool gauge.
func (pm *ProxyMetrics) SetAccountsAvailable(n int) {
	pm.accountsAvailable.Set(float64(n))
}

// SetSessionsActive updates the session binding gauge.
func (pm *ProxyMetrics) SetSessionsActive(n int) {
	pm.sessionsActive.Set(float64(n))
}

// Handler returns the scrape endpoint handler.
func (pm *ProxyMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}
