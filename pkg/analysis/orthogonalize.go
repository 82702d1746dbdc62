// Package analysis holds the mode decomposition and error metrics used to
// tidy and to judge reconstructions.
package analysis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
	"ptychogo/pkg/linalg"
)

// stack flattens K probe modes into the rows of a K×(H·W) matrix
func stack(probes []models.Field) *mat.CDense {
	n := probes[0].Len()
	m := mat.NewCDense(len(probes), n, nil)
	for k, p := range probes {
		for i, v := range p.Data {
			m.Set(k, i, v)
		}
	}
	return m
}

// unstack reverses stack for modes of the given shape
func unstack(m *mat.CDense, shape [2]int) []models.Field {
	rows, _ := m.Dims()
	out := make([]models.Field, rows)
	for k := range out {
		out[k] = models.NewField(shape[0], shape[1])
		for i := range out[k].Data {
			out[k].Data[i] = m.At(k, i)
		}
	}
	return out
}

// OrthogonalizeProbes finds orthogonal probe modes spanning the same
// mutual coherence as probes mixed through the density matrix rho, that
// is the eigenbasis of Pᴴ·ρ·P for the stacked probes P. A nil rho means
// plain incoherent mixing (the identity).
//
// It also returns the K×K transform A that carries a density matrix in
// the old basis to the new one, ρ' = Aᵀ·ρ·A*. When normalize is set the
// returned modes have unit norm and their power moves into A; otherwise
// the modes keep their relative intensities.
func OrthogonalizeProbes(probes []models.Field, rho *mat.CDense, normalize bool) ([]models.Field, *mat.CDense, error) {
	if len(probes) == 0 {
		return nil, nil, fmt.Errorf("no probe modes to orthogonalize")
	}
	k := len(probes)
	if rho == nil {
		rho = linalg.Identity(k)
	}
	if r, c := rho.Dims(); r != k || c != k {
		return nil, nil, fmt.Errorf("density matrix is %dx%d for %d modes", r, c, k)
	}

	w, v, err := linalg.EigenHermitian(rho)
	if err != nil {
		return nil, nil, fmt.Errorf("error diagonalizing density matrix: %w", err)
	}

	// B† = diag(√w)·Vᴴ and its pseudo-inverse V·diag(1/√w)
	vh := linalg.ConjTranspose(v)
	bDagger := mat.NewCDense(k, k, nil)
	bDaggerInv := mat.NewCDense(k, k, nil)
	for i := 0; i < k; i++ {
		sw := math.Sqrt(math.Max(w[i], 0))
		for j := 0; j < k; j++ {
			bDagger.Set(i, j, complex(sw, 0)*vh.At(i, j))
			if sw > 0 {
				bDaggerInv.Set(j, i, v.At(j, i)/complex(sw, 0))
			}
		}
	}

	u, s, svh, err := linalg.SVD(linalg.Mul(bDagger, stack(probes)))
	if err != nil {
		return nil, nil, fmt.Errorf("error decomposing probe modes: %w", err)
	}

	a := linalg.Mul(bDaggerInv, u)
	ortho := svh
	if normalize {
		for j := 0; j < k; j++ {
			for i := 0; i < k; i++ {
				a.Set(i, j, a.At(i, j)*complex(s[j], 0))
			}
		}
	} else {
		ortho = linalg.Clone(svh)
		_, n := ortho.Dims()
		for i := 0; i < k; i++ {
			for j := 0; j < n; j++ {
				ortho.Set(i, j, ortho.At(i, j)*complex(s[i], 0))
			}
		}
	}
	return unstack(ortho, probes[0].Shape()), a, nil
}

// DensityMatrix returns the K×K density matrix ρ = Wᵀ·W* of an R×K mode
// mixing matrix
func DensityMatrix(w *mat.CDense) *mat.CDense {
	return linalg.Mul(linalg.Transpose(w), linalg.Conj(w))
}
