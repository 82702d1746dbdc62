package main

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"ptychogo/pkg/reconstruction"
	"ptychogo/pkg/store"
)

func runReconstruct(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.CloseIfSupported(s)

	dsRecord, err := store.LoadDataset(ctx, s, datasetID)
	if err != nil {
		return err
	}
	ds := &dsRecord.Dataset

	opts, err := cfg.ModelOptions()
	if err != nil {
		return err
	}
	seed := cfg.Reconstruction.Seed
	opts.Rand = rand.New(rand.NewPCG(seed, seed+1))
	model, err := reconstruction.FromDataset(ds, opts)
	if err != nil {
		return fmt.Errorf("error building model: %w", err)
	}

	recorder, stopMetrics := startMetrics()
	defer stopMetrics()

	params := cfg.RunParams()
	params.Logger = logger
	params.Metrics = recorder
	r, err := reconstruction.NewReconstructor(model, params)
	if err != nil {
		return err
	}

	startTime := time.Now()
	losses, runErr := r.Run(ctx, ds)
	if runErr != nil && len(losses) == 0 {
		return fmt.Errorf("reconstruction failed: %w", runErr)
	}
	if runErr != nil {
		// keep what an interrupted run achieved
		logger.Warn("reconstruction interrupted, saving partial results", "error", runErr, "epochs", len(losses))
	}

	results := model.Results(ds)
	results.LossHistory = losses
	record := store.NewResultsRecord(dsRecord.ID, results)
	if err := s.SaveResults(ctx, record); err != nil {
		return fmt.Errorf("error saving results: %w", err)
	}

	summary := r.GetMetrics()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nReconstruction completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Fprintf(out, "Run: %s\n", record.RunID)
	fmt.Fprintf(out, "Epochs: %d, final loss: %.6g, best loss: %.6g\n", summary.Epochs, summary.FinalLoss, summary.BestLoss)

	report, err := model.Report()
	if err != nil {
		return err
	}
	fmt.Fprint(out, report.String())

	if outputDir != "" {
		if err := exportResults(filepath.Clean(outputDir), record); err != nil {
			return err
		}
		fmt.Fprintf(out, "Exported to %s\n", outputDir)
	}
	return runErr
}
