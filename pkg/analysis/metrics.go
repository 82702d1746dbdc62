package analysis

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
	"ptychogo/pkg/linalg"
)

// normalizedSpectrum returns the eigenvalues of rho clipped at zero and
// scaled to sum to one
func normalizedSpectrum(rho *mat.CDense) ([]float64, error) {
	w, _, err := linalg.EigenHermitian(rho)
	if err != nil {
		return nil, err
	}
	for i := range w {
		w[i] = math.Max(w[i], 0)
	}
	total := floats.Sum(w)
	if total == 0 {
		return nil, fmt.Errorf("density matrix has no power")
	}
	floats.Scale(1/total, w)
	return w, nil
}

// VNEntropy is the von Neumann entropy -Σ λ·ln λ of a density matrix after
// normalizing its trace to one
func VNEntropy(rho *mat.CDense) (float64, error) {
	w, err := normalizedSpectrum(rho)
	if err != nil {
		return 0, err
	}
	var h float64
	for _, l := range w {
		if l > 0 {
			h -= l * math.Log(l)
		}
	}
	return h, nil
}

// TopModeFraction is the share of the total power carried by the dominant
// eigenmode of a density matrix
func TopModeFraction(rho *mat.CDense) (float64, error) {
	w, err := normalizedSpectrum(rho)
	if err != nil {
		return 0, err
	}
	return floats.Max(w), nil
}

// RMSError is the root mean squared difference between two fields. With
// alignPhases the global phase of f2 that minimizes the error is removed
// first; with normalize the result is relative to the mean intensity of
// f1, the reference.
func RMSError(f1, f2 models.Field, alignPhases, normalize bool) float64 {
	gamma := complex(1, 0)
	if alignPhases {
		// Σ f1·conj(f2)
		overlap := cmplx.Conj(f1.Inner(f2))
		if overlap != 0 {
			gamma = cmplx.Exp(complex(0, cmplx.Phase(overlap)))
		}
	}

	var sum float64
	for i, v := range f1.Data {
		d := v - gamma*f2.Data[i]
		sum += real(d)*real(d) + imag(d)*imag(d)
	}
	mean := sum / float64(f1.Len())
	if normalize {
		mean /= f1.Norm2() / float64(f1.Len())
	}
	return math.Sqrt(mean)
}

// Fidelity compares the mutual coherence functions encoded by two sets of
// modes without building them: it is the squared nuclear norm of the mode
// overlap matrix M[i,j] = Σ fields1[i]·conj(fields2[j])
func Fidelity(fields1, fields2 []models.Field) (float64, error) {
	m := mat.NewCDense(len(fields1), len(fields2), nil)
	for i, a := range fields1 {
		for j, b := range fields2 {
			m.Set(i, j, b.Inner(a))
		}
	}
	if r, c := m.Dims(); r > c {
		m = linalg.ConjTranspose(m)
	}
	_, s, _, err := linalg.SVD(m)
	if err != nil {
		return 0, err
	}
	nuclear := floats.Sum(s)
	return nuclear * nuclear, nil
}

// GeneralizedRMSError extends RMSError to mode decompositions: any two
// decompositions of the same mutual coherence function score zero,
// regardless of mode count or ordering
func GeneralizedRMSError(fields1, fields2 []models.Field, normalize bool) (float64, error) {
	npix := float64(fields1[0].Len())
	var i1, i2 float64
	for _, f := range fields1 {
		i1 += f.Norm2()
	}
	for _, f := range fields2 {
		i2 += f.Norm2()
	}
	i1 /= npix
	i2 /= npix

	fid, err := Fidelity(fields1, fields2)
	if err != nil {
		return 0, err
	}
	result := i1 + i2 - 2*math.Sqrt(fid/(npix*npix))
	if normalize {
		result /= i1
	}
	return math.Sqrt(math.Max(result, 0)), nil
}
