package reconstruction

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand/v2"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"ptychogo/internal/models"
	"ptychogo/pkg/initializers"
	"ptychogo/pkg/interaction"
)

// SyntheticScan describes a simulated raster scan of a synthetic object
type SyntheticScan struct {
	Wavelength    float64
	Distance      float64
	DetectorPixel float64
	DetectorShape [2]int

	// ScanShape is the number of raster positions per axis
	ScanShape [2]int

	// StepSize is the raster step in meters
	StepSize float64

	// Jitter perturbs each position uniformly by up to ±Jitter/2 meters
	Jitter float64

	// ProbeFWHM is the width of the Gaussian probe in meters
	ProbeFWHM float64

	// Modes is the number of incoherent probe modes
	Modes int

	// Photons scales the probe so each pattern holds this many counts on
	// average and draws Poisson noise; 0 leaves noiseless intensities
	Photons float64

	Seed     uint64
	Subpixel interaction.Mode
}

// syntheticObject is a smooth complex test object with randomized spatial
// frequencies
func syntheticObject(shape [2]int, rng *rand.Rand) models.Field {
	fi := 2 * math.Pi * (0.04 + 0.04*rng.Float64())
	fj := 2 * math.Pi * (0.04 + 0.04*rng.Float64())
	return models.FieldFromFunc(shape[0], shape[1], func(i, j int) complex128 {
		phase := 0.8 * math.Sin(fi*float64(i)) * math.Cos(fj*float64(j))
		amp := 0.9 + 0.1*math.Cos(fi*float64(i)+fj*float64(j))
		return complex(amp, 0) * cmplx.Exp(complex(0, phase))
	})
}

// SimulateScan builds a ground truth model for the scan and simulates its
// dataset
func SimulateScan(ctx context.Context, spec SyntheticScan, workers int) (*Model, *models.Dataset, error) {
	if spec.ScanShape[0] < 1 || spec.ScanShape[1] < 1 {
		return nil, nil, fmt.Errorf("scan shape must be positive, got %v", spec.ScanShape)
	}
	if spec.ProbeFWHM <= 0 || spec.DetectorPixel <= 0 {
		return nil, nil, fmt.Errorf("probe width and detector pixel must be positive")
	}
	rng := rand.New(rand.NewPCG(spec.Seed, spec.Seed+1))

	det := models.DetectorGeometry{
		Basis:    models.NewBasis(models.Vec3{0, -spec.DetectorPixel, 0}, models.Vec3{-spec.DetectorPixel, 0, 0}),
		Distance: spec.Distance,
	}
	geo, err := initializers.ExitWaveGeometry(det.Basis, spec.DetectorShape, spec.Wavelength, spec.Distance, initializers.GeometryOptions{})
	if err != nil {
		return nil, nil, err
	}

	var translations []models.Vec3
	ci, cj := float64(spec.ScanShape[0]-1)/2, float64(spec.ScanShape[1]-1)/2
	for i := 0; i < spec.ScanShape[0]; i++ {
		for j := 0; j < spec.ScanShape[1]; j++ {
			translations = append(translations, models.Vec3{
				(float64(j)-cj)*spec.StepSize + spec.Jitter*(rng.Float64()-0.5),
				(float64(i)-ci)*spec.StepSize + spec.Jitter*(rng.Float64()-0.5),
				0,
			})
		}
	}
	pix, err := interaction.TranslationsToPixel(geo.Basis, translations, nil)
	if err != nil {
		return nil, nil, err
	}
	lo, hi := spec.Subpixel.Kernel().Margin()
	objShape, minTranslation := initializers.CalcObjectSetup(geo.Shape, pix, max(-lo, hi)+1)

	pixel := geo.Basis.PixelSize()
	const fwhmToSigma = 2.3548200450309493
	sigma := [2]float64{spec.ProbeFWHM / pixel[0] / fwhmToSigma, spec.ProbeFWHM / pixel[1] / fwhmToSigma}
	probes := make([]models.Field, max(spec.Modes, 1))
	for k := range probes {
		// weaker modes sit slightly off axis so they are not degenerate
		c := [2]float64{float64(geo.Shape[0]-1)/2 + float64(k), float64(geo.Shape[1]-1) / 2}
		probes[k] = initializers.Gaussian(geo.Shape, 1/float64(k+1), sigma, &c)
	}

	cfg := Config{
		Wavelength:     spec.Wavelength,
		Detector:       det,
		Basis:          geo.Basis,
		Probe:          probes,
		Object:         syntheticObject(objShape, rng),
		DetectorSlice:  &geo.DetectorSlice,
		MinTranslation: minTranslation,
		Shots:          len(translations),
		Subpixel:       spec.Subpixel,
	}
	surface := models.Vec3{0, 0, 1}
	cfg.SurfaceNormal = &surface

	indices := make([]int, len(translations))
	for n := range indices {
		indices[n] = n
	}

	truth, err := NewModel(cfg)
	if err != nil {
		return nil, nil, err
	}
	ds, err := truth.SimulateDataset(ctx, indices, translations, 0, workers)
	if err != nil {
		return nil, nil, err
	}
	if spec.Photons <= 0 {
		return truth, ds, nil
	}

	// rescale the probe to the requested dose and simulate again
	var total float64
	for _, p := range ds.Patterns {
		for _, v := range p.Data {
			total += v
		}
	}
	mean := total / float64(ds.Len())
	if mean <= 0 {
		return nil, nil, fmt.Errorf("simulated patterns carry no signal")
	}
	scale := complex(math.Sqrt(spec.Photons/mean), 0)
	for _, p := range cfg.Probe {
		for i := range p.Data {
			p.Data[i] *= scale
		}
	}
	if truth, err = NewModel(cfg); err != nil {
		return nil, nil, err
	}
	if ds, err = truth.SimulateDataset(ctx, indices, translations, 0, workers); err != nil {
		return nil, nil, err
	}
	AddPoissonNoise(ds, spec.Seed)
	return truth, ds, nil
}

// AddPoissonNoise replaces every pattern intensity with a Poisson draw of
// that mean
func AddPoissonNoise(ds *models.Dataset, seed uint64) {
	src := exprand.NewSource(seed)
	for _, p := range ds.Patterns {
		for i, v := range p.Data {
			if v <= 0 {
				p.Data[i] = 0
				continue
			}
			p.Data[i] = distuv.Poisson{Lambda: v, Src: src}.Rand()
		}
	}
}
