package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/ledger/internal/ledger"
	"github.com/cuemby/ledger/pkg/config"
	"github.com/cuemby/ledger/pkg/log"
	"github.com/cuemby/ledger/pkg/metrics"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ledgerd",
	Short:   "Ledger daemon - offline-first, eventually-consistent key-value pages",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ledgerd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
	rootCmd.Flags().String("log-level", "", "Override the config file's log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Force JSON log output regardless of config")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logJSON {
		cfg.Logging.JSON = true
	}
	cfg.InitLogging()

	if err := os.MkdirAll(cfg.StorageRoot, 0700); err != nil {
		return fmt.Errorf("create storage root %s: %w", cfg.StorageRoot, err)
	}

	// No cloud backend is wired in yet: every page runs fully offline until
	// a concrete cloudsync.CloudBackend is constructed here from cfg.
	l := ledger.New(cfg, nil, nil)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	srvErrCh := make(chan error, 1)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErrCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	log.Info(fmt.Sprintf("metrics endpoint listening on http://%s/metrics", metricsAddr))
	log.Info(fmt.Sprintf("storage root: %s", cfg.StorageRoot))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("received shutdown signal")
	case err := <-srvErrCh:
		log.Errorf("metrics server failed", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("metrics server shutdown", err)
	}

	if err := l.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}
