package interaction

import (
	"fmt"
	"math"
	"strings"
)

// Kernel is a separable resampling kernel used to evaluate the object at
// fractional pixel positions
type Kernel int

const (
	// Floor takes the pixel at the integer part of the position
	Floor Kernel = iota

	// Nearest takes the pixel closest to the position
	Nearest

	// Bilinear interpolates linearly between the two neighbors
	Bilinear

	// Lanczos is a normalized windowed sinc with lobe count lanczosA
	Lanczos
)

const lanczosA = 3

// Margin returns how many pixels before (lo ≤ 0) and after (hi ≥ 0) the
// integer position the kernel reads
func (k Kernel) Margin() (lo, hi int) {
	switch k {
	case Nearest, Bilinear:
		return 0, 1
	case Lanczos:
		return 1 - lanczosA, lanczosA
	default:
		return 0, 0
	}
}

// Taps returns the kernel weights for a fractional offset f in [0, 1) and
// their derivatives with respect to f. The weight at index t applies to
// the pixel at integer position + lo + t, where lo comes from Margin.
func (k Kernel) Taps(f float64) (weights, derivs []float64) {
	switch k {
	case Nearest:
		if f < 0.5 {
			return []float64{1, 0}, []float64{0, 0}
		}
		return []float64{0, 1}, []float64{0, 0}
	case Bilinear:
		return []float64{1 - f, f}, []float64{-1, 1}
	case Lanczos:
		return lanczosTaps(f)
	default:
		return []float64{1}, []float64{0}
	}
}

func lanczosTaps(f float64) ([]float64, []float64) {
	lo, hi := Lanczos.Margin()
	n := hi - lo + 1
	raw := make([]float64, n)
	rawDeriv := make([]float64, n)

	var sum, sumDeriv float64
	for t := 0; t < n; t++ {
		x := float64(lo+t) - f
		raw[t] = lanczos(x)
		rawDeriv[t] = -lanczosDeriv(x)
		sum += raw[t]
		sumDeriv += rawDeriv[t]
	}

	weights := make([]float64, n)
	derivs := make([]float64, n)
	for t := range raw {
		weights[t] = raw[t] / sum
		derivs[t] = (rawDeriv[t] - weights[t]*sumDeriv) / sum
	}
	return weights, derivs
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

func sincDeriv(x float64) float64 {
	if x == 0 {
		return 0
	}
	return (math.Cos(math.Pi*x) - sinc(x)) / x
}

func lanczos(x float64) float64 {
	if math.Abs(x) >= lanczosA {
		return 0
	}
	if x == math.Trunc(x) {
		if x == 0 {
			return 1
		}
		return 0
	}
	return sinc(x) * sinc(x/lanczosA)
}

func lanczosDeriv(x float64) float64 {
	if math.Abs(x) >= lanczosA {
		return 0
	}
	return sincDeriv(x)*sinc(x/lanczosA) + sinc(x)*sincDeriv(x/lanczosA)/lanczosA
}

// Mode selects how the sub-pixel part of a translation is applied
type Mode int

const (
	// ShiftProbe Fourier-shifts the probe by the fractional translation
	// and multiplies it with the integer object window
	ShiftProbe Mode = iota

	// LanczosObject resamples the object window with the Lanczos kernel
	LanczosObject

	// BilinearObject resamples the object window bilinearly
	BilinearObject

	// NearestObject rounds the translation to the nearest pixel
	NearestObject
)

// Kernel returns the object resampling kernel of the mode
func (m Mode) Kernel() Kernel {
	switch m {
	case LanczosObject:
		return Lanczos
	case BilinearObject:
		return Bilinear
	case NearestObject:
		return Nearest
	default:
		return Floor
	}
}

func (m Mode) String() string {
	switch m {
	case ShiftProbe:
		return "shift"
	case LanczosObject:
		return "lanczos"
	case BilinearObject:
		return "bilinear"
	case NearestObject:
		return "nearest"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode resolves a mode by name; the empty string selects ShiftProbe
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "shift", "shift_probe", "fourier":
		return ShiftProbe, nil
	case "lanczos", "sinc":
		return LanczosObject, nil
	case "bilinear":
		return BilinearObject, nil
	case "nearest", "round":
		return NearestObject, nil
	}
	return ShiftProbe, fmt.Errorf("unknown subpixel mode %q", name)
}
