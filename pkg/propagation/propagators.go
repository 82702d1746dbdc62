// Package propagation implements the Fourier-optics transforms between the
// exit-wave plane and the detector plane, together with the adjoints the
// reconstruction needs to push gradients back through them.
package propagation

import (
	"math"
	"math/cmplx"

	"ptychogo/internal/models"
)

// Propagator maps an exit wave to the detector plane. Adjoint applies the
// conjugate transpose of Forward, which is what carries loss gradients
// back to the exit wave. Implementations are stateless and safe for
// concurrent use.
type Propagator interface {
	Forward(wave models.Field) models.Field
	Adjoint(grad models.Field) models.Field
}

// FarField is the Fraunhofer propagator: an unnormalized 2D DFT with the
// zero frequency shifted to the array center
func FarField(wave models.Field) models.Field {
	return FFTShift(FFT2(wave))
}

// InverseFarField recovers the exit wave from a far-field wave exactly,
// up to floating point round-off
func InverseFarField(wave models.Field) models.Field {
	return IFFT2(IFFTShift(wave))
}

// farFieldAdjoint is the conjugate transpose of FarField, which is the
// inverse scaled by the pixel count
func farFieldAdjoint(grad models.Field) models.Field {
	return fft2(IFFTShift(grad), false)
}

// AngularSpectrumKernel builds the near-field propagation phase
//
//	exp(i·sqrt((2π/λ)² - kᵢ² - kⱼ²)·z)
//
// for arrays of the given shape and pixel spacing (meters), sampled at the
// DFT frequencies (zero frequency first). Evanescent components get an
// imaginary square root and decay exponentially with z.
func AngularSpectrumKernel(shape [2]int, spacing [2]float64, wavelength, z float64) models.Field {
	ki := FFTFreq(shape[0], spacing[0])
	kj := FFTFreq(shape[1], spacing[1])
	k0 := 2 * math.Pi / wavelength

	kernel := models.NewField(shape[0], shape[1])
	for i := 0; i < shape[0]; i++ {
		kI := 2 * math.Pi * ki[i]
		for j := 0; j < shape[1]; j++ {
			kJ := 2 * math.Pi * kj[j]
			kz := cmplx.Sqrt(complex(k0*k0-kI*kI-kJ*kJ, 0))
			kernel.Data[i*shape[1]+j] = cmplx.Exp(1i * kz * complex(z, 0))
		}
	}
	return kernel
}

// NearField propagates a wave by multiplying its spectrum with a
// precomputed angular spectrum kernel
func NearField(wave, kernel models.Field) models.Field {
	spectrum := FFT2(wave)
	for i := range spectrum.Data {
		spectrum.Data[i] *= kernel.Data[i]
	}
	return IFFT2(spectrum)
}

// InverseNearField undoes NearField by dividing the spectrum by the kernel
func InverseNearField(wave, kernel models.Field) models.Field {
	spectrum := FFT2(wave)
	for i := range spectrum.Data {
		spectrum.Data[i] /= kernel.Data[i]
	}
	return IFFT2(spectrum)
}

// FarFieldPropagator propagates to the detector with FarField
type FarFieldPropagator struct{}

// Forward implements Propagator
func (FarFieldPropagator) Forward(wave models.Field) models.Field { return FarField(wave) }

// Adjoint implements Propagator
func (FarFieldPropagator) Adjoint(grad models.Field) models.Field { return farFieldAdjoint(grad) }

// NearFieldPropagator propagates to the detector with NearField
type NearFieldPropagator struct {
	Kernel models.Field
}

// NewNearFieldPropagator precomputes the kernel for the given geometry
func NewNearFieldPropagator(shape [2]int, spacing [2]float64, wavelength, z float64) NearFieldPropagator {
	return NearFieldPropagator{Kernel: AngularSpectrumKernel(shape, spacing, wavelength, z)}
}

// Forward implements Propagator
func (p NearFieldPropagator) Forward(wave models.Field) models.Field { return NearField(wave, p.Kernel) }

// Adjoint implements Propagator. The transform is F⁻¹·K·F with F unitary up
// to scale, so its adjoint is the same transform with the conjugate kernel.
func (p NearFieldPropagator) Adjoint(grad models.Field) models.Field {
	spectrum := FFT2(grad)
	for i := range spectrum.Data {
		spectrum.Data[i] *= cmplx.Conj(p.Kernel.Data[i])
	}
	return IFFT2(spectrum)
}
