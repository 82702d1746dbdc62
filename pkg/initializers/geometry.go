// Package initializers derives the simulation geometry from the detector
// and builds the starting guesses for probes and objects.
package initializers

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
	"ptychogo/pkg/linalg"
)

// GeometryOptions tunes ExitWaveGeometry
type GeometryOptions struct {
	// Center is the detector pixel the beam hits; nil means shape/2
	Center *[2]int

	// Padding adds this many pixels on every side of the exit wave grid
	Padding int

	// OptForFFT grows the grid to lengths with only 2, 3 and 5 as factors
	OptForFFT bool

	// Oversampling simulates this many wave pixels per detector pixel and
	// axis; values below 1 mean 1
	Oversampling int
}

// Geometry is the exit-wave grid matching a detector
type Geometry struct {
	// Basis is the real-space pixel basis of the exit wave grid
	Basis models.Basis

	// Shape is the full simulated grid
	Shape [2]int

	// DetectorSlice is where the detector pixels sit in the grid
	DetectorSlice models.Region
}

// NextFastLength returns the smallest n' ≥ n whose only prime factors are
// 2, 3 and 5
func NextFastLength(n int) int {
	if n < 1 {
		return 1
	}
	for m := n; ; m++ {
		r := m
		for _, p := range []int{2, 3, 5} {
			for r%p == 0 {
				r /= p
			}
		}
		if r == 1 {
			return m
		}
	}
}

// ExitWaveGeometry computes the real-space grid whose far field matches
// the detector: a wave of the returned shape, propagated, lands with the
// detector's pixels inside DetectorSlice. An off-center beam enlarges the
// grid so the zero frequency sits at the grid center. The real-space pixel
// basis follows from the Fraunhofer relation: axis j has the physical
// step λz/N_j along the dual of detector axis j.
func ExitWaveGeometry(detBasis models.Basis, detShape [2]int, wavelength, distance float64, opts GeometryOptions) (Geometry, error) {
	if wavelength <= 0 || distance <= 0 {
		return Geometry{}, fmt.Errorf("wavelength and distance must be positive, got %g and %g", wavelength, distance)
	}
	os := opts.Oversampling
	if os < 1 {
		os = 1
	}

	var shape, start [2]int
	for k := 0; k < 2; k++ {
		n := detShape[k] * os
		c := n / 2
		if opts.Center != nil {
			c = opts.Center[k] * os
		}
		full := n
		if opts.Center != nil {
			full = max(2*c, 2*(n-c)-1)
		}
		start[k] = full/2 - c
		shape[k] = full + 2*opts.Padding
		start[k] += opts.Padding

		if opts.OptForFFT {
			grown := NextFastLength(shape[k])
			start[k] += (grown - shape[k]) / 2
			shape[k] = grown
		}
	}

	// the simulated detector pixel is the physical one divided by os
	simBasis := detBasis.Scale([2]float64{1 / float64(os), 1 / float64(os)})
	inv, err := linalg.PseudoInverse(simBasis.Dense())
	if err != nil {
		return Geometry{}, fmt.Errorf("error inverting detector basis: %w", err)
	}
	var dual mat.Dense
	dual.CloneFrom(inv.T())

	var rs models.Basis
	for j := 0; j < 2; j++ {
		step := wavelength * distance / float64(shape[j])
		for k := 0; k < 3; k++ {
			rs[k][j] = step * dual.At(k, j)
		}
	}

	return Geometry{
		Basis: rs,
		Shape: shape,
		DetectorSlice: models.Region{
			Row:  start[0],
			Col:  start[1],
			Rows: detShape[0] * os,
			Cols: detShape[1] * os,
		},
	}, nil
}

// CalcObjectSetup sizes an object that holds every probe window for the
// given pixel translations with padding pixels to spare on each side. It
// returns the object shape and the translation that maps the smallest
// scan position to (padding, padding).
func CalcObjectSetup(probeShape [2]int, pixTranslations [][2]float64, padding int) ([2]int, [2]float64) {
	lo := [2]float64{math.Inf(1), math.Inf(1)}
	hi := [2]float64{math.Inf(-1), math.Inf(-1)}
	for _, p := range pixTranslations {
		for k := 0; k < 2; k++ {
			lo[k] = math.Min(lo[k], p[k])
			hi[k] = math.Max(hi[k], p[k])
		}
	}
	if len(pixTranslations) == 0 {
		lo, hi = [2]float64{}, [2]float64{}
	}

	var shape [2]int
	var minTranslation [2]float64
	for k := 0; k < 2; k++ {
		minTranslation[k] = math.Floor(lo[k]) - float64(padding)
		shape[k] = int(math.Ceil(hi[k]-lo[k])) + probeShape[k] + 2*padding
	}
	return shape, minTranslation
}

// Centroid returns the intensity-weighted center of a pattern in pixels
func Centroid(pattern models.RealField) [2]float64 {
	var total, ci, cj float64
	for i := 0; i < pattern.Rows; i++ {
		for j := 0; j < pattern.Cols; j++ {
			v := pattern.At(i, j)
			total += v
			ci += v * float64(i)
			cj += v * float64(j)
		}
	}
	if total == 0 {
		return [2]float64{float64(pattern.Rows) / 2, float64(pattern.Cols) / 2}
	}
	return [2]float64{ci / total, cj / total}
}
