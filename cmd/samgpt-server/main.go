package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"samgpt/internal/cache"
	"samgpt/internal/circuit"
	"samgpt/internal/config"
	"samgpt/internal/darkweb"
	"samgpt/internal/dispatch"
	"samgpt/internal/logging"
	"samgpt/internal/notify"
	"samgpt/internal/observability"
	"samgpt/internal/scheduler"
	"samgpt/internal/server"
	"samgpt/internal/stealth"
	"samgpt/internal/version"
)

var (
	cyan = color.New(color.FgCyan).SprintFunc()
	red  = color.New(color.FgRed).SprintFunc()
	bold = color.New(color.Bold).SprintFunc()
)

const dispatcherGaugeInterval = 5 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "samgpt-server",
		Short: "Dark web request broker for the SamGPT chat UI",
		Long: fmt.Sprintf(`%s

Runs the outbound request broker: a circuit pool with scheduled and
threshold rotation, a priority dispatcher with retry and jitter, a TTL
response cache and randomized client headers, fronted by a JSON API and
a WebSocket event stream for the chat UI.

Configuration is one YAML file (see config/config.example.yaml) with
SAMGPT_ environment overrides. Without --config, config.yaml is searched
in $HOME/.samgpt and the working directory.`,
			bold("SamGPT Broker "+version.Version)),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// newVersionCommand creates the version subcommand
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version: %s\n", version.Version)
			fmt.Printf("Commit:  %s\n", version.GitCommit)
			fmt.Printf("Built:   %s\n", version.BuildTime)
			fmt.Printf("Go:      %s (%s)\n", version.GoVersion, version.Platform)
		},
	}
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Default().SetLevel(logging.ParseLevel(cfg.Observability.Logging.Level))
	logger := logging.NewComponentLogger("Main")

	obs := observability.NewFromConfig(cfg.Observability)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Observability shutdown error: %v", err)
		}
	}()

	headers := stealth.NewRandomizer()
	pool := circuit.NewPool(cfg.Pool, logging.NewComponentLogger("CircuitPool"))
	transport := observability.NewInstrumentedTransport(
		darkweb.NewHTTPTransport(cfg.Transport, logging.NewComponentLogger("Transport")),
		obs,
	)
	dispatcher := dispatch.New(cfg.Dispatcher, pool, transport, headers, logging.NewComponentLogger("Dispatcher"))
	store := cache.New(cfg.Cache, logging.NewComponentLogger("Cache"))

	broker := darkweb.NewBroker(cfg.Broker, store, dispatcher, pool, headers, logging.NewComponentLogger("Broker"))
	broker.SetMetrics(obs.Metrics)

	srv := server.New(cfg.Server, broker, obs, logging.NewComponentLogger("Server"))

	// Lifecycle events reach the UI stream and the pipeline gauges through
	// one bridge, so producers stay unaware of both.
	bridge := server.NewEventBridge(srv.Hub(), obs.Pipeline)
	pool.SetEventSink(bridge.CircuitEvent)
	dispatcher.SetEventSink(bridge.DispatchEvent)

	schedLogger := logging.NewComponentLogger("Scheduler")
	sched := scheduler.New(scheduler.Config{
		Enabled:           cfg.Scheduler.Enabled,
		Triggers:          cfg.Scheduler.Triggers,
		TriggerTimeout:    cfg.Scheduler.TriggerTimeout,
		ConcurrencyPolicy: cfg.Scheduler.ConcurrencyPolicy,
	}, broker, notify.Fanout{
		notify.NewLogNotifier(schedLogger),
		server.NewHubNotifier(srv.Hub()),
	}, schedLogger)

	if cfg.Observability.Metrics.Enabled {
		if err := obs.Metrics.StartPrometheusServer(cfg.Observability.Metrics.PrometheusPort); err != nil {
			logger.Warn("Prometheus endpoint not started: %v", err)
		}
	}

	printBanner(cfg)
	logger.Info("Pool size: %d, dispatcher concurrency: %d, cache capacity: %d",
		cfg.Pool.Size, cfg.Dispatcher.MaxConcurrency, cfg.Cache.MaxEntries)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		store.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		observeDispatcher(gctx, dispatcher, obs.Pipeline)
		return nil
	})

	err = g.Wait()
	logger.Info("Broker stopped")
	return err
}

// observeDispatcher refreshes the queue depth and in-flight gauges. Counters
// update on events; the gauges are snapshots and need a poll.
func observeDispatcher(ctx context.Context, d *dispatch.Dispatcher, pipeline *observability.PipelineMetrics) {
	ticker := time.NewTicker(dispatcherGaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := d.Stats()
			pipeline.ObserveDispatcher(stats.Active, stats.QueueDepth)
		}
	}
}

func printBanner(cfg config.Config) {
	fmt.Printf("%s %s\n", bold("SamGPT Broker"), version.Version)
	fmt.Printf("  %s  http://%s\n", cyan("API:"), cfg.Server.Addr())
	fmt.Printf("  %s  %s\n", cyan("Gateway:"), cfg.Transport.BaseURL)
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("  %s  http://127.0.0.1:%d/metrics\n", cyan("Metrics:"), cfg.Observability.Metrics.PrometheusPort)
	}
	if cfg.Scheduler.Enabled {
		fmt.Printf("  %s  %d trigger(s)\n", cyan("Sweeps:"), len(cfg.Scheduler.Triggers))
	}
}
