package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"ptychogo/pkg/config"
	"ptychogo/pkg/metrics"
	"ptychogo/pkg/store"
)

// --- Global Command Variables ---
var (
	configPath string
	verbose    bool
	datasetID  string
	runID      string
	truthRunID string
	outputDir  string
	modes      int

	cfg    *config.Config
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "ptychogo",
		Short: "Ptychographic reconstruction of objects and partially coherent probes",
		Long: `ptychogo simulates ptychography scans and reconstructs the object,
the probe modes and the scan positions from measured diffraction patterns.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			level := slog.LevelInfo
			if verbose || cfg.Output.Verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			return nil
		},
	}

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Simulate a raster scan of a synthetic object and store the dataset",
		RunE:  runSimulate,
	}

	reconstructCmd = &cobra.Command{
		Use:   "reconstruct",
		Short: "Reconstruct a stored dataset",
		RunE:  runReconstruct,
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "List stored runs, or summarize one with --run",
		RunE:  runInspect,
	}

	compareCmd = &cobra.Command{
		Use:   "compare",
		Short: "Compare the results of --run against --truth",
		RunE:  runCompare,
	}

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write the results of a run as JSON and images",
		RunE:  runExport,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to --config",
		// the file usually does not exist yet, so skip loading it
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", configPath)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ptychogo.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	simulateCmd.Flags().IntVar(&modes, "modes", 1, "number of incoherent probe modes in the simulation")

	reconstructCmd.Flags().StringVar(&datasetID, "dataset", "", "id of the stored dataset")
	_ = reconstructCmd.MarkFlagRequired("dataset")
	reconstructCmd.Flags().StringVarP(&outputDir, "output", "o", "", "also export the results to this directory")

	inspectCmd.Flags().StringVar(&runID, "run", "", "run id to summarize")

	compareCmd.Flags().StringVar(&runID, "run", "", "run id to evaluate")
	compareCmd.Flags().StringVar(&truthRunID, "truth", "", "run id of the reference results")
	_ = compareCmd.MarkFlagRequired("run")
	_ = compareCmd.MarkFlagRequired("truth")

	exportCmd.Flags().StringVar(&runID, "run", "", "run id to export")
	_ = exportCmd.MarkFlagRequired("run")
	exportCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory; defaults to output.dir/<run>")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(simulateCmd, reconstructCmd, inspectCmd, compareCmd, exportCmd, configCmd)
}

// openStore opens the configured backend; the caller closes it
func openStore(ctx context.Context) (store.Store, error) {
	s, err := store.NewStore(cfg.Store.Kind, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, fmt.Errorf("error opening %s store: %w", cfg.Store.Kind, err)
	}
	return s, nil
}

// startMetrics registers the reconstruction metrics and, when an address
// is configured, serves them until the returned stop function is called
func startMetrics() (*metrics.Recorder, func()) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	if cfg.Output.MetricsAddr == "" {
		return rec, func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Output.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", cfg.Output.MetricsAddr)
	return rec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
