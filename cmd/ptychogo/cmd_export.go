package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"ptychogo/internal/models"
	"ptychogo/pkg/store"
	"ptychogo/pkg/visualization"
)

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.CloseIfSupported(s)

	record, err := store.LoadResults(ctx, s, runID)
	if err != nil {
		return err
	}
	dir := outputDir
	if dir == "" {
		dir = filepath.Join(cfg.Output.Dir, record.RunID)
	}
	if err := exportResults(dir, record); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported run %s to %s\n", record.RunID, dir)
	return nil
}

// exportResults writes results.json and, when enabled, amplitude and phase
// images of the probe modes and the object
func exportResults(dir string, record store.ResultsRecord) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding results: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "results.json"), data, 0644); err != nil {
		return fmt.Errorf("error writing results: %w", err)
	}
	if !cfg.Output.SaveImages {
		return nil
	}

	format := cfg.Output.ImageFormat
	res := record.Results
	probes := visualization.NewViewer(res.Probe)
	object := visualization.NewViewer([]models.Field{res.Object})
	for _, component := range []string{"amplitude", "phase"} {
		if _, err := probes.SaveSequence(component, dir, "probe", format); err != nil {
			return fmt.Errorf("error saving probe images: %w", err)
		}
		if _, err := object.SaveSequence(component, dir, "object", format); err != nil {
			return fmt.Errorf("error saving object images: %w", err)
		}
	}
	if _, err := probes.SaveSequence("complex", dir, "probe", format); err != nil {
		return fmt.Errorf("error saving probe images: %w", err)
	}
	bg := visualization.PatternImage(res.Background, true)
	if err := visualization.SaveImage(bg, filepath.Join(dir, "background."+format)); err != nil {
		return fmt.Errorf("error saving background image: %w", err)
	}
	logger.Debug("wrote images", "dir", dir, "format", format)
	return nil
}
