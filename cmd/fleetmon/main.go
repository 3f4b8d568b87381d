package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fleetmon/fleetmon/internal/alerts"
	"github.com/fleetmon/fleetmon/internal/collector"
	"github.com/fleetmon/fleetmon/internal/config"
	"github.com/fleetmon/fleetmon/internal/health"
	"github.com/fleetmon/fleetmon/internal/logging"
	"github.com/fleetmon/fleetmon/internal/notifications"
	"github.com/fleetmon/fleetmon/internal/registry"
	"github.com/fleetmon/fleetmon/internal/scheduler"
	"github.com/fleetmon/fleetmon/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "fleetmon",
	Short:   "fleetmon - fleet monitoring and alerting daemon",
	Long:    `fleetmon collects resource metrics from containers and edge devices, scores their health and evaluates tenant alert rules against every snapshot`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetmon %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon() {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "fleetmon",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "fleetmon",
	})

	log.Info().Str("version", Version).Msg("Starting fleetmon daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(filepath.Join(cfg.DataPath, "fleetmon.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	col, err := collector.New(st, cfg.DockerHost, cfg.CollectTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create collector")
	}
	defer col.Close()

	reg := registry.New(st)
	evaluator := health.New(reg, st)
	notifier := notifications.NewManager(cfg.NotificationTimeout)
	engine := alerts.NewEngine(st, notifier, cfg.NotificationTimeout)

	sched := scheduler.New(reg, col, evaluator, engine, st, cfg)

	// Hot-reload intervals when the .env file changes.
	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, interval changes require restart")
	} else {
		watcher.OnReload(sched.UpdateConfig)
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	startMetricsServer(ctx, cfg.MetricsListenAddr)

	sched.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	sched.Wait()
	engine.WaitForDispatch()
}

// startMetricsServer exposes prometheus metrics for operators.
func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
}
