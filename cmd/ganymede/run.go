package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"mercator-hq/ganymede/pkg/accounts"
	"mercator-hq/ganymede/pkg/activity"
	"mercator-hq/ganymede/pkg/command"
	"mercator-hq/ganymede/pkg/config"
	"mercator-hq/ganymede/pkg/maintenance"
	"mercator-hq/ganymede/pkg/proxy"
	"mercator-hq/ganymede/pkg/routing"
	"mercator-hq/ganymede/pkg/server"
	"mercator-hq/ganymede/pkg/stats"
	"mercator-hq/ganymede/pkg/telemetry/logging"
	"mercator-hq/ganymede/pkg/telemetry/metrics"
	"mercator-hq/ganymede/pkg/upstream"
)

// monitorCapacity is the transaction monitor ring size.
const monitorCapacity = 1000

var runFlags struct {
	host     string
	port     int
	logLevel string
	dryRun   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Ganymede proxy server",
	Long: `Start the proxy server with the specified configuration.

Examples:
  # Start with default config
  ganymede run

  # Start with a custom config file
  ganymede run --config /etc/ganymede/config.yaml

  # Override the listening port
  ganymede run --port 9100

  # Validate config without starting
  ganymede run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runFlags.host, "host", "", "override bind address")
	runCmd.Flags().IntVar(&runFlags.port, "port", 0, "override listening port")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServer(cmd *cobra.Command, args []string) error {
	// A broken config file is never fatal: fall back to defaults and say so.
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		cfg = config.Default()
		fmt.Printf("! Config unusable (%v), continuing with defaults\n", err)
	}

	if runFlags.host != "" {
		cfg.Proxy.Host = runFlags.host
	}
	if runFlags.port != 0 {
		cfg.Proxy.Port = runFlags.port
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	logging.Setup(cfg.Telemetry.Logging, nil)

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	fmt.Printf("Ganymede v%s\n", Version)
	fmt.Printf("Loading configuration from: %s\n", cfgFile)

	// Usage statistics are best effort; the proxy serves without them.
	var usage *stats.Store
	if cfg.Stats.Enabled {
		usage, err = stats.Open(cfg.Stats.Path, nil)
		if err != nil {
			slog.Warn("usage store unavailable, continuing without statistics", "error", err)
			usage = nil
		} else {
			defer usage.Close()
			fmt.Println("✓ Usage store initialized")
		}
	}

	store, err := accounts.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("account store: %w", err)
	}
	enabled, err := store.LoadAccounts()
	if err != nil {
		var serr *accounts.StorageError
		if errors.As(err, &serr) {
			return fmt.Errorf("account pool unreadable: %w", err)
		}
		return err
	}
	fmt.Printf("✓ Account pool loaded (%d enabled)\n", enabled)

	sessions := routing.NewSessionTable(routing.StickyConfig{
		Mode: cfg.Proxy.Scheduling.Mode,
		TTL:  cfg.Proxy.Scheduling.StickyTTL,
	})
	selector := routing.NewSelector(store, sessions)
	cooldown := routing.NewCooldownGate()
	runtime := config.NewRuntime(&cfg.Proxy)
	selector.SetQuotaAwareness(func() bool {
		return runtime.Experimental().QuotaAwareSelection
	})

	monitor := activity.NewMonitor(monitorCapacity)
	monitor.SetEnabled(!cfg.Proxy.DisableActivityLog)

	var proxyMetrics *metrics.ProxyMetrics
	if cfg.Telemetry.Metrics.Enabled {
		proxyMetrics = metrics.NewProxyMetrics(cfg.Telemetry.Metrics)
		proxyMetrics.SetAccountsAvailable(enabled)
	}

	client := upstream.NewClient(cfg.Proxy.Upstream.BaseURL, cfg.Proxy.RequestTimeout, nil)
	relay := upstream.NewRelay(cfg.Proxy.RequestTimeout, nil)
	refresher := upstream.NewOAuthRefresher(
		cfg.Proxy.Upstream.TokenURL,
		cfg.Proxy.Upstream.ClientID,
		cfg.Proxy.RequestTimeout,
		nil,
	)

	dispatcher := proxy.NewDispatcher(proxy.DispatcherDeps{
		Selector:  selector,
		Store:     store,
		Runtime:   runtime,
		Client:    client,
		Relay:     relay,
		Refresher: refresher,
		Monitor:   monitor,
		Metrics:   proxyMetrics,
		Usage:     usage,
	})

	configState := command.NewConfigState(cfg, cfgFile)
	registry := command.NewRegistry(nil)
	command.RegisterAll(registry, command.Deps{
		Store:    store,
		Selector: selector,
		Monitor:  monitor,
		Runtime:  runtime,
		Cooldown: cooldown,
		Client:   client,
		Usage:    usage,
		Config:   configState,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := maintenance.NewScheduler(store, sessions, usage, proxyMetrics, cfg.Proxy.MaintenanceInterval)
	if err := sweeper.Start(ctx); err != nil {
		slog.Warn("maintenance scheduler failed to start", "error", err)
	} else {
		defer sweeper.Stop()
	}

	startConfigWatcher(ctx, configState, runtime, selector)

	srv := server.New(server.Deps{
		Config:     &cfg.Proxy,
		Dispatcher: dispatcher,
		Registry:   registry,
		Store:      store,
		Metrics:    proxyMetrics,
		MetricsCfg: cfg.Telemetry.Metrics,
	})

	fmt.Printf("✓ Listening on %s\n", cfg.Proxy.ListenAddress())
	fmt.Println("\nPress Ctrl+C to stop")

	// Start blocks until shutdown; a failed bind surfaces here and is fatal.
	return srv.Start(ctx)
}

// startConfigWatcher hot-reloads the config file into the runtime cells and
// the stickiness policy. Watcher setup failure only costs hot reload.
func startConfigWatcher(ctx context.Context, state *command.ConfigState,
	runtime *config.Runtime, selector *routing.Selector) {

	watcher, err := config.NewWatcher(state.Path(), nil)
	if err != nil {
		slog.Warn("config watcher unavailable, live reload disabled", "error", err)
		return
	}

	go func() {
		defer watcher.Close()
		err := watcher.Watch(ctx, func() error {
			fresh, err := config.LoadConfig(state.Path())
			if err != nil {
				return err
			}
			state.Replace(fresh)
			runtime.Apply(&fresh.Proxy)
			selector.UpdateStickyConfig(routing.StickyConfig{
				Mode: fresh.Proxy.Scheduling.Mode,
				TTL:  fresh.Proxy.Scheduling.StickyTTL,
			})
			return nil
		})
		if err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()
}
