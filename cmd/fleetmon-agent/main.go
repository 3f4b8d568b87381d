package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fleetmon/fleetmon/internal/hostmetrics"
	"github.com/fleetmon/fleetmon/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	listenAddr string
	rootPath   string
)

var rootCmd = &cobra.Command{
	Use:     "fleetmon-agent",
	Short:   "fleetmon-agent - device-side metrics endpoint",
	Long:    `fleetmon-agent serves normalized resource utilisation readings for this device, polled by the fleetmon daemon`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

func init() {
	defaultAddr := ":9465"
	if port := os.Getenv("FLEETMON_DEVICE_AGENT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			defaultAddr = fmt.Sprintf(":%d", p)
		}
	}
	rootCmd.Flags().StringVar(&listenAddr, "listen", defaultAddr, "address to serve the metrics endpoint on")
	rootCmd.Flags().StringVar(&rootPath, "root", "/", "filesystem path whose usage is reported as disk utilisation")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent() {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     os.Getenv("FLEETMON_LOG_LEVEL"),
		Component: "fleetmon-agent",
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/utilization", handleUtilization)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", listenAddr).Str("version", Version).Msg("Agent listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Agent server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}

func handleUtilization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := hostmetrics.Collect(r.Context(), rootPath)
	if err != nil {
		log.Error().Err(err).Msg("Utilisation collection failed")
		http.Error(w, "collection failed", http.StatusInternalServerError)
		return
	}

	if hostname, err := os.Hostname(); err == nil {
		report.Hostname = hostname
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.Warn().Err(err).Msg("Failed to encode utilisation report")
	}
}
