package reconstruction

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"

	"ptychogo/internal/models"
	"ptychogo/pkg/analysis"
	"ptychogo/pkg/interaction"
)

// SimulateDataset runs the forward model over the given shots, chunk shots
// at a time (all at once when chunk < 1), and packages the simulated
// patterns as a dataset with the model's geometry and mask
func (m *Model) SimulateDataset(ctx context.Context, indices []int, translations []models.Vec3, chunk, workers int) (*models.Dataset, error) {
	if len(indices) != len(translations) {
		return nil, fmt.Errorf("%w: %d indices for %d translations", ErrShapeMismatch, len(indices), len(translations))
	}
	if chunk < 1 {
		chunk = len(indices)
	}

	ds := &models.Dataset{
		Wavelength:   m.Wavelength,
		Detector:     m.Detector,
		Translations: append([]models.Vec3(nil), translations...),
		Mask:         m.Mask,
	}
	if m.SurfaceNormal != nil {
		n := *m.SurfaceNormal
		ds.SurfaceNormal = &n
	}
	for start := 0; start < len(indices); start += chunk {
		end := min(start+chunk, len(indices))
		patterns, err := m.Forward(ctx, indices[start:end], translations[start:end], workers)
		if err != nil {
			return nil, fmt.Errorf("error simulating shots %d-%d: %w", start, end, err)
		}
		ds.Patterns = append(ds.Patterns, patterns...)
	}
	return ds, nil
}

// CorrectedTranslations returns the dataset translations with the learned
// offsets applied, in physical units
func (m *Model) CorrectedTranslations(translations []models.Vec3) []models.Vec3 {
	pix := make([][2]float64, len(m.Offsets))
	for n, o := range m.Offsets {
		pix[n] = [2]float64{o[0] * m.TranslationScale, o[1] * m.TranslationScale}
	}
	offsets := interaction.PixelToTranslations(m.Basis, pix, m.SurfaceNormal)

	out := make([]models.Vec3, len(translations))
	for n, t := range translations {
		out[n] = t
		if n < len(offsets) {
			for k := 0; k < 3; k++ {
				out[n][k] += offsets[n][k]
			}
		}
	}
	return out
}

// Results exports the reconstruction: the probe at physical scale, the
// object, the corrected translations, the background intensity and the
// weights
func (m *Model) Results(ds *models.Dataset) models.Results {
	res := models.Results{
		Basis:        m.Basis,
		Translations: m.CorrectedTranslations(ds.Translations),
		Object:       m.Object.Clone(),
		Background:   models.NewRealField(m.BackgroundRoot.Rows, m.BackgroundRoot.Cols),
	}
	res.Probe = make([]models.Field, len(m.Probe))
	for k, p := range m.Probe {
		res.Probe[k] = p.Clone()
		for i := range res.Probe[k].Data {
			res.Probe[k].Data[i] *= complex(m.ProbeNorm, 0)
		}
	}
	for i, b := range m.BackgroundRoot.Data {
		res.Background.Data[i] = b * b
	}
	if m.Weights != nil {
		res.Weights = append([]float64(nil), m.Weights...)
	}
	for _, w := range m.DMWeights {
		r, c := w.Dims()
		f := models.NewField(r, c)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				f.Set(i, j, w.At(i, j))
			}
		}
		res.DensityWeights = append(res.DensityWeights, f)
	}
	return res
}

// Report summarizes the state of a model
type Report struct {
	Shots       int
	Modes       int
	Rank        int
	ProbeShape  [2]int
	ObjectShape [2]int

	// ModePower is the share of total probe power in each basis mode
	ModePower []float64

	// MeanTopModeFraction averages the dominant mode share over shots
	MeanTopModeFraction float64

	// MeanEntropy averages the von Neumann entropy over shots
	MeanEntropy float64

	// OffsetRMS is the root mean square learned offset in pixels
	OffsetRMS float64
}

// Report computes a summary of the model
func (m *Model) Report() (Report, error) {
	r := Report{
		Shots:       m.Shots(),
		Modes:       m.Modes(),
		Rank:        m.Rank(),
		ProbeShape:  m.ProbeShape(),
		ObjectShape: m.Object.Shape(),
	}

	var total float64
	for _, p := range m.Probe {
		pw := p.Norm2()
		r.ModePower = append(r.ModePower, pw)
		total += pw
	}
	if total > 0 {
		for k := range r.ModePower {
			r.ModePower[k] /= total
		}
	}

	rhos := m.Rhos()
	fractions := make([]float64, len(rhos))
	entropies := make([]float64, len(rhos))
	for n, rho := range rhos {
		f, err := analysis.TopModeFraction(rho)
		if err != nil {
			return Report{}, fmt.Errorf("shot %d: %w", n, err)
		}
		h, err := analysis.VNEntropy(rho)
		if err != nil {
			return Report{}, fmt.Errorf("shot %d: %w", n, err)
		}
		fractions[n], entropies[n] = f, h
	}
	if len(rhos) > 0 {
		r.MeanTopModeFraction = stat.Mean(fractions, nil)
		r.MeanEntropy = stat.Mean(entropies, nil)
	}

	sq := make([]float64, len(m.Offsets))
	for n, o := range m.Offsets {
		a, b := o[0]*m.TranslationScale, o[1]*m.TranslationScale
		sq[n] = a*a + b*b
	}
	if len(sq) > 0 {
		r.OffsetRMS = math.Sqrt(stat.Mean(sq, nil))
	}
	return r, nil
}

// String renders the report for terminal output
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "shots: %d\n", r.Shots)
	fmt.Fprintf(&b, "probe: %d modes of %dx%d", r.Modes, r.ProbeShape[0], r.ProbeShape[1])
	if r.Rank > 0 {
		fmt.Fprintf(&b, ", density matrix rank %d", r.Rank)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "object: %dx%d\n", r.ObjectShape[0], r.ObjectShape[1])
	for k, p := range r.ModePower {
		fmt.Fprintf(&b, "  mode %d: %.2f%%\n", k, 100*p)
	}
	fmt.Fprintf(&b, "top mode fraction: %.4f\n", r.MeanTopModeFraction)
	fmt.Fprintf(&b, "entropy: %.4f\n", r.MeanEntropy)
	fmt.Fprintf(&b, "offset rms: %.3f px\n", r.OffsetRMS)
	return b.String()
}
