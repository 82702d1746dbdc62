package initializers

import (
	"math"
	"math/cmplx"
	"math/rand/v2"

	"ptychogo/internal/models"
	"ptychogo/pkg/propagation"
)

// Gaussian returns amplitude·exp(-½((i-c₀)/σ₀)² - ½((j-c₁)/σ₁)²) on a grid
// of the given shape. A nil center uses the geometric center
// ((rows-1)/2, (cols-1)/2).
func Gaussian(shape [2]int, amplitude float64, sigma [2]float64, center *[2]float64) models.Field {
	c := [2]float64{float64(shape[0]-1) / 2, float64(shape[1]-1) / 2}
	if center != nil {
		c = *center
	}
	return models.FieldFromFunc(shape[0], shape[1], func(i, j int) complex128 {
		di := (float64(i) - c[0]) / sigma[0]
		dj := (float64(j) - c[1]) / sigma[1]
		return complex(amplitude*math.Exp(-0.5*di*di-0.5*dj*dj), 0)
	})
}

// ProbeOptions carries what the probe initializers need besides the data
type ProbeOptions struct {
	// Basis is the real-space pixel basis of the probe grid
	Basis models.Basis

	// Wavelength of the illumination in meters
	Wavelength float64

	// PropagationDistance, when set, near-field propagates the initial
	// probe by this distance in meters
	PropagationDistance *float64

	// Oversampling is the number of wave pixels per detector pixel
	Oversampling int
}

func (o ProbeOptions) propagate(probe models.Field) models.Field {
	if o.PropagationDistance == nil {
		return probe
	}
	spacing := o.Basis.PixelSize()
	return propagation.NearField(probe,
		propagation.AngularSpectrumKernel(probe.Shape(), spacing, o.Wavelength, *o.PropagationDistance))
}

// MeanPattern averages the patterns of a dataset, with masked pixels set
// to zero
func MeanPattern(ds *models.Dataset) models.RealField {
	shape := ds.PatternShape()
	mean := models.NewRealField(shape[0], shape[1])
	if ds.Len() == 0 {
		return mean
	}
	for _, p := range ds.Patterns {
		for i, v := range p.Data {
			mean.Data[i] += v
		}
	}
	inv := 1 / float64(ds.Len())
	for i := range mean.Data {
		if ds.Mask != nil && !ds.Mask.Data[i] {
			mean.Data[i] = 0
			continue
		}
		mean.Data[i] *= inv
	}
	return mean
}

// SHARPStyleProbe estimates a probe from the data alone: the square root
// of the mean pattern, with zero phase, is placed in the detector slice of
// the simulation grid and propagated back to real space. Each detector
// pixel spreads its amplitude evenly over its oversampling block.
func SHARPStyleProbe(ds *models.Dataset, shape [2]int, slice models.Region, opts ProbeOptions) models.Field {
	os := opts.Oversampling
	if os < 1 {
		os = 1
	}
	mean := MeanPattern(ds)

	farField := models.NewField(shape[0], shape[1])
	for i := 0; i < slice.Rows; i++ {
		for j := 0; j < slice.Cols; j++ {
			a := math.Sqrt(math.Max(mean.At(i/os, j/os), 0)) / float64(os)
			farField.Set(slice.Row+i, slice.Col+j, complex(a, 0))
		}
	}
	return opts.propagate(propagation.InverseFarField(farField))
}

// GaussianProbe builds a Gaussian probe whose full width at half maximum
// is size meters along each axis, scaled so that its far-field intensity
// carries the mean number of counts per pattern
func GaussianProbe(ds *models.Dataset, shape [2]int, size [2]float64, opts ProbeOptions) models.Field {
	pixel := opts.Basis.PixelSize()
	const fwhmToSigma = 2.3548200450309493 // 2·sqrt(2·ln 2)
	sigma := [2]float64{size[0] / pixel[0] / fwhmToSigma, size[1] / pixel[1] / fwhmToSigma}
	probe := opts.propagate(Gaussian(shape, 1, sigma, nil))

	var counts float64
	for _, p := range ds.Patterns {
		for _, v := range p.Data {
			counts += v
		}
	}
	if ds.Len() > 0 {
		counts /= float64(ds.Len())
	}

	// the unnormalized far field multiplies the total power by the pixel count
	power := float64(probe.Len()) * probe.Norm2()
	if power > 0 {
		scale := complex(math.Sqrt(counts/power), 0)
		for i := range probe.Data {
			probe.Data[i] *= scale
		}
	}
	return probe
}

// RandomPhaseObject returns exp(i·a·(u - ½)) with u uniform in [0, 1), a
// unit-amplitude object with phases spread over a radians
func RandomPhaseObject(shape [2]int, randomizeAngle float64, rng *rand.Rand) models.Field {
	return models.FieldFromFunc(shape[0], shape[1], func(i, j int) complex128 {
		return cmplx.Exp(complex(0, randomizeAngle*(rng.Float64()-0.5)))
	})
}

// RandomModes returns n probe modes with real and imaginary parts uniform
// in [0, amplitude), used to seed subdominant modes
func RandomModes(n int, shape [2]int, amplitude float64, rng *rand.Rand) []models.Field {
	out := make([]models.Field, n)
	for k := range out {
		out[k] = models.FieldFromFunc(shape[0], shape[1], func(i, j int) complex128 {
			return complex(amplitude*rng.Float64(), amplitude*rng.Float64())
		})
	}
	return out
}
