package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raceboard/eta-server/engine"
	"github.com/raceboard/eta-server/engine/config"
)

var (
	configPath     string
	dbPath         string
	metricsBackend string
	enableTracing  bool
)

var rootCmd = &cobra.Command{
	Use:   "raceboard-eta",
	Short: "ETA-prediction and cluster-rebuild server for race telemetry",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults used when empty or missing)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "override the bbolt database path (empty keeps the config's value)")
	rootCmd.PersistentFlags().StringVar(&metricsBackend, "metrics-backend", "prom", "metrics backend: prom, otel, or noop")
	rootCmd.PersistentFlags().BoolVar(&enableTracing, "tracing", false, "enable the adaptive OpenTelemetry tracer")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command, exiting the process with status 1 on
// failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildEngine loads configuration per the persistent flags and constructs
// an Engine from it. Shared by every subcommand so "serve", "rebuild", and
// "status" all observe the same configuration surface.
func buildEngine() (*engine.Engine, error) {
	cfg := engine.Defaults()

	if configPath != "" {
		mgr := config.NewManager(configPath)
		if err := mgr.Load(); err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		cfg.Unified = mgr.Current()
	}
	if dbPath != "" {
		cfg.Unified.Storage.DBPath = dbPath
	}
	cfg.MetricsBackend = metricsBackend
	cfg.EnableTracing = enableTracing

	return engine.New(cfg)
}
