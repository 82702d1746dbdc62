package interaction

import (
	"math"
	"math/cmplx"

	"ptychogo/internal/models"
	"ptychogo/pkg/propagation"
)

// shiftPhase returns the spectral multiplier of a shift by s pixels and the
// angular frequencies it was built from
func shiftPhase(rows, cols int, s [2]float64) (models.Field, []float64, []float64) {
	ki := propagation.FFTFreq(rows, 1)
	kj := propagation.FFTFreq(cols, 1)
	for i := range ki {
		ki[i] *= 2 * math.Pi
	}
	for j := range kj {
		kj[j] *= 2 * math.Pi
	}
	phase := models.FieldFromFunc(rows, cols, func(i, j int) complex128 {
		return cmplx.Exp(complex(0, -(ki[i]*s[0] + kj[j]*s[1])))
	})
	return phase, ki, kj
}

// FourierShift translates f by s pixels with band-limited (periodic sinc)
// interpolation, so out(x) = f(x - s). The operation is unitary and its
// adjoint is the shift by -s.
func FourierShift(f models.Field, s [2]float64) models.Field {
	if s == [2]float64{} {
		return f.Clone()
	}
	phase, _, _ := shiftPhase(f.Rows, f.Cols, s)
	spectrum := propagation.FFT2(f)
	for i := range spectrum.Data {
		spectrum.Data[i] *= phase.Data[i]
	}
	return propagation.IFFT2(spectrum)
}

// FourierShiftDerivatives returns the shifted field together with its
// derivatives with respect to the two shift components
func FourierShiftDerivatives(f models.Field, s [2]float64) (shifted, dRow, dCol models.Field) {
	phase, ki, kj := shiftPhase(f.Rows, f.Cols, s)
	spectrum := propagation.FFT2(f)

	sr := models.NewField(f.Rows, f.Cols)
	dr := models.NewField(f.Rows, f.Cols)
	dc := models.NewField(f.Rows, f.Cols)
	for i := 0; i < f.Rows; i++ {
		for j := 0; j < f.Cols; j++ {
			idx := i*f.Cols + j
			v := spectrum.Data[idx] * phase.Data[idx]
			sr.Data[idx] = v
			dr.Data[idx] = complex(0, -ki[i]) * v
			dc.Data[idx] = complex(0, -kj[j]) * v
		}
	}
	return propagation.IFFT2(sr), propagation.IFFT2(dr), propagation.IFFT2(dc)
}

// ProbeTranslationPhase builds the linear phase ramp
//
//	exp(i·(d₀·2π·I/max I + d₁·2π·J/max J))
//
// over a probe grid, where d is the translation expressed in detector
// pixels. It models the small tilt a moving probe picks up in the far
// field.
func ProbeTranslationPhase(shape [2]int, d [2]float64) models.Field {
	maxI := math.Max(float64(shape[0]-1), 1)
	maxJ := math.Max(float64(shape[1]-1), 1)
	return models.FieldFromFunc(shape[0], shape[1], func(i, j int) complex128 {
		return cmplx.Exp(complex(0, d[0]*2*math.Pi*float64(i)/maxI+d[1]*2*math.Pi*float64(j)/maxJ))
	})
}
