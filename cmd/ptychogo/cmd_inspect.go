package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"ptychogo/internal/models"
	"ptychogo/pkg/analysis"
	"ptychogo/pkg/store"
)

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.CloseIfSupported(s)

	out := cmd.OutOrStdout()
	if runID == "" {
		ids, err := s.ListResults(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(out, "No stored runs")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	record, err := store.LoadResults(ctx, s, runID)
	if err != nil {
		return err
	}
	return describe(out, record)
}

// fieldMatrix converts a stored weight matrix back to a gonum matrix
func fieldMatrix(f models.Field) *mat.CDense {
	m := mat.NewCDense(f.Rows, f.Cols, nil)
	for i := 0; i < f.Rows; i++ {
		for j := 0; j < f.Cols; j++ {
			m.Set(i, j, f.At(i, j))
		}
	}
	return m
}

func describe(out io.Writer, record store.ResultsRecord) error {
	res := record.Results
	fmt.Fprintf(out, "Run %s (dataset %s, %s)\n", record.RunID, record.DatasetID, record.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Shots: %d\n", len(res.Translations))
	if len(res.Translations) > 1 {
		spacing, err := analysis.NeighborSpacing(res.Translations)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Scan spacing: mean %.4g m, max %.4g m\n", stat.Mean(spacing, nil), floats.Max(spacing))
	}
	if len(res.Probe) > 0 {
		fmt.Fprintf(out, "Probe: %d modes of %dx%d\n", len(res.Probe), res.Probe[0].Rows, res.Probe[0].Cols)
	}
	fmt.Fprintf(out, "Object: %dx%d\n", res.Object.Rows, res.Object.Cols)

	var total float64
	for _, p := range res.Probe {
		total += p.Norm2()
	}
	for k, p := range res.Probe {
		fmt.Fprintf(out, "  mode %d: %.2f%%\n", k, 100*p.Norm2()/total)
	}

	if len(res.DensityWeights) > 0 {
		fractions := make([]float64, len(res.DensityWeights))
		for n, w := range res.DensityWeights {
			f, err := analysis.TopModeFraction(analysis.DensityMatrix(fieldMatrix(w)))
			if err != nil {
				return err
			}
			fractions[n] = f
		}
		fmt.Fprintf(out, "Top mode fraction: %.4f (std %.4f)\n", stat.Mean(fractions, nil), stat.StdDev(fractions, nil))
	}
	if len(res.Weights) > 0 {
		mean, std := stat.MeanStdDev(res.Weights, nil)
		fmt.Fprintf(out, "Weights: mean %.4f, std %.4f\n", mean, std)
	}
	if n := len(res.LossHistory); n > 0 {
		fmt.Fprintf(out, "Loss: %.6g after %d epochs\n", res.LossHistory[n-1], n)
	}
	return nil
}

func runCompare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.CloseIfSupported(s)

	run, err := store.LoadResults(ctx, s, runID)
	if err != nil {
		return err
	}
	truth, err := store.LoadResults(ctx, s, truthRunID)
	if err != nil {
		return err
	}
	a, b := run.Results, truth.Results

	out := cmd.OutOrStdout()
	if a.Object.SameShape(b.Object) {
		fmt.Fprintf(out, "Object RMS error: %.6g\n", analysis.RMSError(a.Object, b.Object, true, true))
	} else {
		fmt.Fprintf(out, "Object shapes differ (%v vs %v), skipping\n", a.Object.Shape(), b.Object.Shape())
	}

	if len(a.Probe) == 0 || len(b.Probe) == 0 || !a.Probe[0].SameShape(b.Probe[0]) {
		fmt.Fprintln(out, "Probe shapes differ, skipping")
		return nil
	}
	fidelity, err := analysis.Fidelity(a.Probe, b.Probe)
	if err != nil {
		return err
	}
	grmse, err := analysis.GeneralizedRMSError(a.Probe, b.Probe, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Probe fidelity: %.6f\n", fidelity)
	fmt.Fprintf(out, "Probe generalized RMS error: %.6g\n", grmse)
	return nil
}
