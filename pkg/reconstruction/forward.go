package reconstruction

import (
	"context"
	"fmt"
	"math/cmplx"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
	"ptychogo/pkg/interaction"
	"ptychogo/pkg/measurement"
)

// shotState keeps the intermediate values of one shot's forward pass that
// the backward pass reuses
type shotState struct {
	index    int
	basis    []models.Field // support-masked basis modes
	mixed    []models.Field // mixed probes before the phase ramp
	ramp     *models.Field
	placed   []models.Field // probes handed to the interaction
	position [2]float64
	waves    []models.Field
	pattern  models.RealField
}

// shotGrad is the gradient contribution of one shot, reduced serially
type shotGrad struct {
	index      int
	probe      []models.Field
	object     interaction.ObjectGrad
	offset     [2]float64
	weight     float64
	dmWeight   *mat.CDense
	background models.RealField
}

// pixelTranslations converts the batch translations into object pixel
// positions, including the learned offsets
func (m *Model) pixelTranslations(indices []int, translations []models.Vec3) ([][2]float64, error) {
	if len(indices) != len(translations) {
		return nil, fmt.Errorf("%w: %d indices for %d translations", ErrShapeMismatch, len(indices), len(translations))
	}
	pix, err := interaction.TranslationsToPixel(m.Basis, translations, m.SurfaceNormal)
	if err != nil {
		return nil, err
	}
	for k, idx := range indices {
		if idx < 0 || idx >= m.Shots() {
			return nil, fmt.Errorf("%w: shot index %d outside [0, %d)", ErrShapeMismatch, idx, m.Shots())
		}
		for c := 0; c < 2; c++ {
			pix[k][c] += m.TranslationScale*m.Offsets[idx][c] - m.MinTranslation[c]
		}
	}
	return pix, nil
}

// detectorTranslations returns the batch translations in detector pixels,
// used by the probe translation phase ramp
func (m *Model) detectorTranslations(translations []models.Vec3) ([][2]float64, error) {
	if !m.SimulateProbeTranslation {
		return nil, nil
	}
	return interaction.TranslationsToPixel(m.Detector.Basis, translations, m.SurfaceNormal)
}

func (m *Model) forwardShot(index int, pos [2]float64, det *[2]float64) (*shotState, error) {
	st := &shotState{index: index, position: pos}
	st.basis = interaction.ApplySupport(m.Probe, m.ProbeSupport)

	if m.DMWeights != nil {
		st.mixed = interaction.MixDensity(st.basis, m.DMWeights[index])
	} else {
		st.mixed = interaction.MixIncoherent(st.basis, m.Weights[index])
	}

	st.placed = st.mixed
	if det != nil {
		ramp := interaction.ProbeTranslationPhase(m.ProbeShape(), *det)
		st.ramp = &ramp
		st.placed = make([]models.Field, len(st.mixed))
		for r, p := range st.mixed {
			st.placed[r] = p.Clone()
			for i := range st.placed[r].Data {
				st.placed[r].Data[i] *= ramp.Data[i]
			}
		}
	}

	exits := m.interaction().ExitWaves(m.Object, st.placed, pos)
	st.waves = make([]models.Field, len(exits))
	for r, e := range exits {
		st.waves[r] = m.propagator.Forward(e)
	}

	pattern, err := measurement.Forward(st.waves, &m.BackgroundRoot, m.measurementOptions())
	if err != nil {
		return nil, err
	}
	st.pattern = pattern
	return st, nil
}

func (m *Model) backwardShot(st *shotState, gPattern models.RealField) (*shotGrad, error) {
	gWaves, gBackground, err := measurement.Adjoint(st.waves, &m.BackgroundRoot, m.measurementOptions(), gPattern)
	if err != nil {
		return nil, err
	}
	gExits := make([]models.Field, len(gWaves))
	for r, g := range gWaves {
		gExits[r] = m.propagator.Adjoint(g)
	}

	sg := m.interaction().Backward(m.Object, st.placed, st.position, gExits)

	gMixed := sg.Probes
	if st.ramp != nil {
		for _, g := range gMixed {
			for i := range g.Data {
				g.Data[i] *= cmplx.Conj(st.ramp.Data[i])
			}
		}
	}

	out := &shotGrad{
		index:      st.index,
		object:     sg.Object,
		offset:     [2]float64{m.TranslationScale * sg.Position[0], m.TranslationScale * sg.Position[1]},
		background: gBackground,
	}
	if m.DMWeights != nil {
		out.probe, out.dmWeight = interaction.MixDensityAdjoint(st.basis, gMixed, m.DMWeights[st.index])
	} else {
		out.probe, out.weight = interaction.MixIncoherentAdjoint(st.basis, gMixed, m.Weights[st.index])
	}
	// the support mask is its own adjoint
	out.probe = interaction.ApplySupport(out.probe, m.ProbeSupport)
	return out, nil
}

func workerLimit(workers int) int {
	if workers < 1 {
		return runtime.GOMAXPROCS(0)
	}
	return workers
}

// forwardBatch runs the forward pass of every shot concurrently, bounded
// by workers
func (m *Model) forwardBatch(ctx context.Context, indices []int, translations []models.Vec3, workers int) ([]*shotState, error) {
	pix, err := m.pixelTranslations(indices, translations)
	if err != nil {
		return nil, err
	}
	det, err := m.detectorTranslations(translations)
	if err != nil {
		return nil, err
	}

	states := make([]*shotState, len(indices))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit(workers))
	for k, idx := range indices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var d *[2]float64
			if det != nil {
				d = &det[k]
			}
			st, err := m.forwardShot(idx, pix[k], d)
			if err != nil {
				return fmt.Errorf("shot %d: %w", idx, err)
			}
			states[k] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return states, nil
}

// Forward simulates the detector patterns of the given shots
func (m *Model) Forward(ctx context.Context, indices []int, translations []models.Vec3, workers int) ([]models.RealField, error) {
	states, err := m.forwardBatch(ctx, indices, translations, workers)
	if err != nil {
		return nil, err
	}
	out := make([]models.RealField, len(states))
	for k, st := range states {
		out[k] = st.pattern
	}
	return out, nil
}

// LossAndGradient evaluates the loss of a batch against the measured
// patterns and the gradient of every learnable parameter.
//
// Parameters:
//   - ctx: cancels the evaluation between shots
//   - indices: dataset indices of the shots, selecting offsets and weights
//   - translations: physical translations of the shots
//   - patterns: measured patterns, in the same order
//   - workers: bound on concurrently evaluated shots; < 1 uses GOMAXPROCS
//
// Returns:
//   - The batch loss, normalized over unmasked pixels
//   - A gradient set laid out like Parameters
func (m *Model) LossAndGradient(ctx context.Context, indices []int, translations []models.Vec3, patterns []models.RealField, workers int) (float64, *Parameters, error) {
	if len(patterns) != len(indices) {
		return 0, nil, fmt.Errorf("%w: %d patterns for %d indices", ErrShapeMismatch, len(patterns), len(indices))
	}
	states, err := m.forwardBatch(ctx, indices, translations, workers)
	if err != nil {
		return 0, nil, err
	}

	sims := make([]models.RealField, len(states))
	for k, st := range states {
		if st.pattern.Shape() != patterns[k].Shape() {
			return 0, nil, fmt.Errorf("%w: simulated %v, measured %v", ErrShapeMismatch, st.pattern.Shape(), patterns[k].Shape())
		}
		sims[k] = st.pattern
	}
	value, gPatterns := m.Loss.Mean(sims, patterns, m.Mask)

	grads := make([]*shotGrad, len(states))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit(workers))
	for k, st := range states {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sg, err := m.backwardShot(st, gPatterns[k])
			if err != nil {
				return fmt.Errorf("shot %d: %w", st.index, err)
			}
			grads[k] = sg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	total := m.Parameters().ZeroLike()
	for _, sg := range grads {
		for k, p := range sg.probe {
			for i, v := range p.Data {
				total.Probe[k].Data[i] += v
			}
		}
		sg.object.AddTo(total.Object)
		total.Offsets[sg.index][0] += sg.offset[0]
		total.Offsets[sg.index][1] += sg.offset[1]
		if total.Weights != nil {
			total.Weights[sg.index] += sg.weight
		}
		if total.DMWeights != nil {
			dst := total.DMWeights[sg.index]
			r, c := dst.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					dst.Set(i, j, dst.At(i, j)+sg.dmWeight.At(i, j))
				}
			}
		}
		for i, v := range sg.background.Data {
			total.Background.Data[i] += v
		}
	}
	return value, total, nil
}

// LossOnly evaluates the batch loss without gradients
func (m *Model) LossOnly(ctx context.Context, indices []int, translations []models.Vec3, patterns []models.RealField, workers int) (float64, error) {
	sims, err := m.Forward(ctx, indices, translations, workers)
	if err != nil {
		return 0, err
	}
	value, _ := m.Loss.Mean(sims, patterns, m.Mask)
	return value, nil
}
