package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"ptychogo/pkg/interaction"
	"ptychogo/pkg/reconstruction"
	"ptychogo/pkg/store"
)

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mode, err := interaction.ParseMode(cfg.Model.Subpixel)
	if err != nil {
		return err
	}
	sim := cfg.Simulation
	spec := reconstruction.SyntheticScan{
		Wavelength:    sim.Wavelength,
		Distance:      sim.Distance,
		DetectorPixel: sim.DetectorPixel,
		DetectorShape: sim.DetectorShape,
		ScanShape:     sim.ScanShape,
		StepSize:      sim.StepSize,
		Jitter:        sim.Jitter,
		ProbeFWHM:     sim.ProbeFWHM,
		Modes:         modes,
		Photons:       sim.Photons,
		Seed:          cfg.Reconstruction.Seed,
		Subpixel:      mode,
	}

	logger.Info("simulating scan", "positions", sim.ScanShape[0]*sim.ScanShape[1], "detector", sim.DetectorShape, "modes", modes)
	truth, ds, err := reconstruction.SimulateScan(ctx, spec, cfg.Reconstruction.NumWorkers)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.CloseIfSupported(s)

	dsRecord := store.NewDatasetRecord("simulated", *ds)
	if err := s.SaveDataset(ctx, dsRecord); err != nil {
		return fmt.Errorf("error saving dataset: %w", err)
	}
	truthRecord := store.NewResultsRecord(dsRecord.ID, truth.Results(ds))
	if err := s.SaveResults(ctx, truthRecord); err != nil {
		return fmt.Errorf("error saving ground truth: %w", err)
	}

	first, err := ds.Shot(0)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Dataset: %s (%d patterns)\n", dsRecord.ID, ds.Len())
	fmt.Fprintf(out, "Shot 0: %.4g counts\n", floats.Sum(first.Pattern.Data))
	fmt.Fprintf(out, "Ground truth run: %s\n", truthRecord.RunID)
	return nil
}
