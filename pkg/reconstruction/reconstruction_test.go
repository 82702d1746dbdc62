package reconstruction

import (
	"context"
	"math"
	"math/cmplx"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
	"ptychogo/pkg/interaction"
	"ptychogo/pkg/loss"
)

const pixel = 1e-7

var testTranslations = []models.Vec3{
	{2.3 * pixel, 3.6 * pixel, 0},
	{4.4 * pixel, 2.7 * pixel, 0},
	{3.2 * pixel, 4.55 * pixel, 0},
}

func randomField(rng *rand.Rand, rows, cols int, scale float64) models.Field {
	return models.FieldFromFunc(rows, cols, func(i, j int) complex128 {
		return complex(scale*rng.NormFloat64(), scale*rng.NormFloat64())
	})
}

func testObject(rng *rand.Rand) models.Field {
	return models.FieldFromFunc(12, 12, func(i, j int) complex128 {
		return complex(0.8+0.2*rng.Float64(), 0) * cmplx.Exp(complex(0, rng.Float64()-0.5))
	})
}

type fixtureOptions struct {
	modes     int
	rank      int
	loss      string
	subpixel  interaction.Mode
	nearField bool
	ramp      bool
}

// testConfig builds a small model configuration: 4x4 probe modes on a
// 12x12 object with three shots
func testConfig(rng *rand.Rand, o fixtureOptions) Config {
	modes := max(o.modes, 1)
	probes := make([]models.Field, modes)
	for k := range probes {
		probes[k] = randomField(rng, 4, 4, 1/float64(k+1))
	}
	cfg := Config{
		Wavelength: 1e-9,
		Detector: models.DetectorGeometry{
			Basis:    models.NewBasis(models.Vec3{50e-6, 0, 0}, models.Vec3{0, 50e-6, 0}),
			Distance: 0.5,
		},
		Basis:                    models.NewBasis(models.Vec3{pixel, 0, 0}, models.Vec3{0, pixel, 0}),
		Probe:                    probes,
		Object:                   testObject(rng),
		Offsets:                  [][2]float64{{0.1, -0.05}, {-0.12, 0.03}, {0.04, 0.08}},
		Weights:                  []float64{1, 0.9, 1.1},
		Loss:                     o.loss,
		Subpixel:                 o.subpixel,
		SimulateProbeTranslation: o.ramp,
	}
	bg := models.ConstantRealField(4, 4, 0.05)
	cfg.BackgroundRoot = &bg
	if o.rank != 0 {
		cfg.Weights = nil
		cfg.DMWeights = make([]*mat.CDense, 3)
		for n := range cfg.DMWeights {
			w := mat.NewCDense(o.rank, modes, nil)
			for i := 0; i < o.rank; i++ {
				for j := 0; j < modes; j++ {
					w.Set(i, j, complex(rng.NormFloat64(), rng.NormFloat64()))
				}
			}
			cfg.DMWeights[n] = w
		}
	}
	if o.nearField {
		z := 2e-6
		cfg.NearFieldDistance = &z
	}
	return cfg
}

// fixture returns a model and a dataset simulated from a perturbed copy of
// it, so the loss and its gradient are non-trivial
func fixture(t *testing.T, o fixtureOptions) (*Model, *models.Dataset) {
	t.Helper()
	rng := rand.New(rand.NewPCG(7, 11))
	cfg := testConfig(rng, o)

	truth, err := NewModel(cfg)
	require.NoError(t, err)
	ds, err := truth.SimulateDataset(context.Background(), []int{0, 1, 2}, testTranslations, 2, 2)
	require.NoError(t, err)

	for i := range cfg.Object.Data {
		cfg.Object.Data[i] *= cmplx.Exp(complex(0, 0.2*rng.NormFloat64()))
	}
	for k := range cfg.Probe {
		for i := range cfg.Probe[k].Data {
			cfg.Probe[k].Data[i] += complex(0.1*rng.NormFloat64(), 0.1*rng.NormFloat64())
		}
	}
	cfg.Offsets = nil
	m, err := NewModel(cfg)
	require.NoError(t, err)
	return m, ds
}

func allShots(ds *models.Dataset) []int {
	out := make([]int, ds.Len())
	for i := range out {
		out[i] = i
	}
	return out
}

// checkGradient compares the analytic gradient of the full model loss to
// central finite differences over every learnable value
func checkGradient(t *testing.T, m *Model, ds *models.Dataset) {
	t.Helper()
	ctx := context.Background()
	indices := allShots(ds)

	_, grads, err := m.LossAndGradient(ctx, indices, ds.Translations, ds.Patterns, 1)
	require.NoError(t, err)
	analytic := grads.Flatten(nil)

	params := m.Parameters()
	x0 := params.Flatten(nil)
	f := func(x []float64) float64 {
		require.NoError(t, params.Unflatten(x))
		v, err := m.LossOnly(ctx, indices, ds.Translations, ds.Patterns, 1)
		require.NoError(t, err)
		return v
	}
	numeric := fd.Gradient(nil, f, x0, &fd.Settings{Formula: fd.Central, Step: 1e-6})
	require.NoError(t, params.Unflatten(x0))

	require.Len(t, numeric, len(analytic))
	scale := floats.Norm(numeric, 2)
	require.Greater(t, scale, 0.0)
	diff := make([]float64, len(numeric))
	floats.SubTo(diff, analytic, numeric)
	assert.Less(t, floats.Norm(diff, 2)/scale, 1e-5)
}

func TestLossAndGradientMatchesFiniteDifferences(t *testing.T) {
	cases := []struct {
		name string
		opts fixtureOptions
	}{
		{"shift probe", fixtureOptions{modes: 2}},
		{"lanczos object", fixtureOptions{modes: 2, subpixel: interaction.LanczosObject}},
		{"bilinear object", fixtureOptions{subpixel: interaction.BilinearObject}},
		{"poisson", fixtureOptions{modes: 2, loss: "poisson nll"}},
		{"density matrix", fixtureOptions{modes: 3, rank: 2}},
		{"near field", fixtureOptions{nearField: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, ds := fixture(t, tc.opts)
			checkGradient(t, m, ds)
		})
	}
}

func TestGradientWithMask(t *testing.T) {
	m, ds := fixture(t, fixtureOptions{modes: 2})
	mask := models.NewMask(4, 4, true)
	mask.Data[5] = false
	mask.Data[10] = false
	m.Mask = &mask
	checkGradient(t, m, ds)
}

func TestForwardMatchesSimulation(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	m, err := NewModel(testConfig(rng, fixtureOptions{modes: 2}))
	require.NoError(t, err)

	ctx := context.Background()
	ds, err := m.SimulateDataset(ctx, []int{0, 1, 2}, testTranslations, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())
	assert.Equal(t, [2]int{4, 4}, ds.PatternShape())

	v, err := m.LossOnly(ctx, allShots(ds), ds.Translations, ds.Patterns, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0, v, 1e-20)

	// parallel and serial evaluation agree
	serial, err := m.Forward(ctx, []int{0, 1, 2}, testTranslations, 1)
	require.NoError(t, err)
	parallel, err := m.Forward(ctx, []int{0, 1, 2}, testTranslations, 3)
	require.NoError(t, err)
	for n := range serial {
		assert.Equal(t, serial[n].Data, parallel[n].Data)
	}
}

func TestProbeNormalization(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	cfg := testConfig(rng, fixtureOptions{})
	for i := range cfg.Probe[0].Data {
		cfg.Probe[0].Data[i] *= 1000
	}
	m, err := NewModel(cfg)
	require.NoError(t, err)

	var peak float64
	for _, v := range m.Probe[0].Data {
		peak = math.Max(peak, cmplx.Abs(v))
	}
	assert.InDelta(t, 1, peak, 1e-12)

	res := m.Results(&models.Dataset{Translations: testTranslations})
	for i, v := range res.Probe[0].Data {
		assert.InDelta(t, 0, cmplx.Abs(v-cfg.Probe[0].Data[i]), 1e-9)
	}
}

func TestNewModelErrors(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))

	cfg := testConfig(rng, fixtureOptions{modes: 2, rank: 2})
	cfg.DMWeights[1] = mat.NewCDense(3, 2, nil)
	_, err := NewModel(cfg)
	assert.ErrorIs(t, err, ErrRankExceedsModes)

	cfg = testConfig(rng, fixtureOptions{loss: "hinge"})
	_, err = NewModel(cfg)
	assert.ErrorIs(t, err, loss.ErrUnknownLoss)

	cfg = testConfig(rng, fixtureOptions{})
	cfg.Object = models.NewField(3, 12)
	_, err = NewModel(cfg)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	cfg = testConfig(rng, fixtureOptions{})
	bg := models.NewRealField(5, 5)
	cfg.BackgroundRoot = &bg
	_, err = NewModel(cfg)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	cfg = testConfig(rng, fixtureOptions{})
	cfg.Offsets = cfg.Offsets[:2]
	_, err = NewModel(cfg)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestNewModelDefaults(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	cfg := testConfig(rng, fixtureOptions{})
	cfg.Weights = nil
	cfg.BackgroundRoot = nil
	cfg.TranslationScale = 2
	m, err := NewModel(cfg)
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 1, 1}, m.Weights)
	assert.Equal(t, loss.AmplitudeMSE, m.Loss)
	assert.Equal(t, 0, m.Rank())
	for _, v := range m.BackgroundRoot.Data {
		assert.Equal(t, backgroundFloor, v)
	}
	// offsets are stored divided by the scale
	assert.InDelta(t, 0.05, m.Offsets[0][0], 1e-15)
	corrected := m.CorrectedTranslations(testTranslations)
	assert.InDelta(t, testTranslations[0][0]+0.1*pixel, corrected[0][0], 1e-20)
	assert.InDelta(t, testTranslations[0][1]-0.05*pixel, corrected[0][1], 1e-20)
}

func TestTidyProbesPreservesIntensities(t *testing.T) {
	cases := []struct {
		name string
		opts fixtureOptions
	}{
		{"incoherent", fixtureOptions{modes: 3}},
		{"density matrix", fixtureOptions{modes: 3, rank: 2}},
		{"full rank", fixtureOptions{modes: 2, rank: 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(21, 22))
			m, err := NewModel(testConfig(rng, tc.opts))
			require.NoError(t, err)
			ctx := context.Background()

			before, err := m.Forward(ctx, []int{0, 1, 2}, testTranslations, 0)
			require.NoError(t, err)
			require.NoError(t, m.TidyProbes(1, false))
			after, err := m.Forward(ctx, []int{0, 1, 2}, testTranslations, 0)
			require.NoError(t, err)

			for n := range before {
				for i := range before[n].Data {
					assert.InDelta(t, before[n].Data[i], after[n].Data[i], 1e-9*math.Max(1, before[n].Data[i]))
				}
			}

			// modes come out orthogonal with decreasing power
			for a := 0; a < m.Modes(); a++ {
				for b := a + 1; b < m.Modes(); b++ {
					assert.InDelta(t, 0, cmplx.Abs(m.Probe[a].Inner(m.Probe[b])), 1e-9)
				}
				if a > 0 {
					assert.LessOrEqual(t, m.Probe[a].Norm2(), m.Probe[a-1].Norm2()*(1+1e-12))
				}
			}
		})
	}
}

func TestReconstructorReducesLoss(t *testing.T) {
	for _, name := range []string{"adam", "sgd"} {
		t.Run(name, func(t *testing.T) {
			m, ds := fixture(t, fixtureOptions{modes: 2})
			ctx := context.Background()
			start, err := m.LossOnly(ctx, allShots(ds), ds.Translations, ds.Patterns, 0)
			require.NoError(t, err)

			lr := 0.01
			if name == "sgd" {
				lr = 1e-4
			}
			r, err := NewReconstructor(m, Params{
				Epochs:    10,
				BatchSize: 2,
				LR:        lr,
				Optimizer: name,
				TidyEvery: 5,
				Seed:      1,
			})
			require.NoError(t, err)

			losses, err := r.Run(ctx, ds)
			require.NoError(t, err)
			require.Len(t, losses, 10)

			end, err := m.LossOnly(ctx, allShots(ds), ds.Translations, ds.Patterns, 0)
			require.NoError(t, err)
			assert.Less(t, end, start)

			summary := r.GetMetrics()
			assert.Equal(t, 10, summary.Epochs)
			assert.Equal(t, 2, summary.Tidies)
			assert.Equal(t, floats.Min(losses), summary.BestLoss)
			assert.Equal(t, losses, r.LossHistory())
		})
	}
}

func TestReconstructorFreeze(t *testing.T) {
	m, ds := fixture(t, fixtureOptions{})
	probe := m.Probe[0].Clone()
	offsets := append([][2]float64(nil), m.Offsets...)

	r, err := NewReconstructor(m, Params{
		Epochs: 2,
		Freeze: Freeze{Probe: true, Translations: true},
	})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), ds)
	require.NoError(t, err)

	assert.Equal(t, probe.Data, m.Probe[0].Data)
	assert.Equal(t, offsets, m.Offsets)
}

func TestReconstructorCancellation(t *testing.T) {
	m, ds := fixture(t, fixtureOptions{})
	r, err := NewReconstructor(m, Params{Epochs: 5, BatchSize: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	losses, err := r.Run(ctx, ds)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, losses)

	// the model is still usable
	_, err = m.LossOnly(context.Background(), allShots(ds), ds.Translations, ds.Patterns, 0)
	assert.NoError(t, err)
}

func TestReconstructorRejectsMismatchedDataset(t *testing.T) {
	m, ds := fixture(t, fixtureOptions{})
	ds.Patterns = ds.Patterns[:2]
	ds.Translations = ds.Translations[:2]
	r, err := NewReconstructor(m, Params{Epochs: 1})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), ds)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewReconstructor(m, Params{Optimizer: "rmsprop"})
	assert.Error(t, err)
}

func TestLBFGS(t *testing.T) {
	m, ds := fixture(t, fixtureOptions{})
	ctx := context.Background()
	start, err := m.LossOnly(ctx, allShots(ds), ds.Translations, ds.Patterns, 0)
	require.NoError(t, err)

	r, err := NewReconstructor(m, Params{Epochs: 10, Optimizer: "lbfgs"})
	require.NoError(t, err)
	losses, err := r.Run(ctx, ds)
	require.NoError(t, err)
	require.Len(t, losses, 1)

	end, err := m.LossOnly(ctx, allShots(ds), ds.Translations, ds.Patterns, 0)
	require.NoError(t, err)
	assert.Less(t, end, start)
	assert.InDelta(t, end, losses[0], 1e-9*math.Max(1, end))
}

func TestPlateau(t *testing.T) {
	opt := NewAdam(1)
	p := &Plateau{Factor: 0.5, Patience: 2, Threshold: 0}
	assert.False(t, p.Observe(opt, 1))
	assert.False(t, p.Observe(opt, 1))
	assert.False(t, p.Observe(opt, 1))
	assert.True(t, p.Observe(opt, 1))
	assert.Equal(t, 0.5, opt.LearningRate())
	assert.False(t, p.Observe(opt, 0.1))
}

func TestParametersFlattenRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	m, err := NewModel(testConfig(rng, fixtureOptions{modes: 2, rank: 1}))
	require.NoError(t, err)

	p := m.Parameters()
	x := p.Flatten(nil)
	require.Len(t, x, p.Len())
	for i := range x {
		x[i] += 1
	}
	require.NoError(t, p.Unflatten(x))
	assert.Equal(t, x, m.Parameters().Flatten(nil))
	assert.Error(t, p.Unflatten(x[:3]))
}

func TestFromDataset(t *testing.T) {
	_, ds := fixture(t, fixtureOptions{})

	// a detector geometry whose exit wave pixel is 1e-7 m
	ds.Detector = models.DetectorGeometry{
		Basis:    models.NewBasis(models.Vec3{0, -1.25e-3, 0}, models.Vec3{-1.25e-3, 0, 0}),
		Distance: 0.5,
	}

	built, err := FromDataset(ds, Options{ObjectPadding: 1, Modes: 2, Subpixel: interaction.LanczosObject})
	require.NoError(t, err)
	assert.Equal(t, 3, built.Shots())
	assert.Equal(t, 2, built.Modes())
	assert.Equal(t, 0, built.Rank())
	assert.Equal(t, [2]int{4, 4}, built.ProbeShape())
	// the padding is raised to the lanczos margin
	assert.GreaterOrEqual(t, built.Object.Rows, 4+2*4)

	_, err = built.Forward(context.Background(), allShots(ds), ds.Translations, 0)
	assert.NoError(t, err)

	full, err := FromDataset(ds, Options{ObjectPadding: 2, Modes: 3, DMRank: -1})
	require.NoError(t, err)
	assert.Equal(t, 3, full.Rank())

	_, err = FromDataset(ds, Options{Modes: 2, DMRank: 3})
	assert.ErrorIs(t, err, ErrRankExceedsModes)

	_, err = FromDataset(&models.Dataset{}, Options{})
	assert.ErrorIs(t, err, models.ErrEmptyDataset)
}

func TestReport(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	m, err := NewModel(testConfig(rng, fixtureOptions{modes: 2, rank: 2}))
	require.NoError(t, err)
	rep, err := m.Report()
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Shots)
	assert.Equal(t, 2, rep.Rank)
	assert.InDelta(t, 1, floats.Sum(rep.ModePower), 1e-12)
	assert.Greater(t, rep.MeanTopModeFraction, 0.5)
	assert.LessOrEqual(t, rep.MeanTopModeFraction, 1+1e-12)
	assert.Contains(t, rep.String(), "density matrix rank 2")
}
