package reconstruction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
	"ptychogo/pkg/analysis"
	"ptychogo/pkg/linalg"
)

// Rhos returns the per-shot K×K density matrices. The incoherent model
// mixes the modes with the identity.
func (m *Model) Rhos() []*mat.CDense {
	out := make([]*mat.CDense, m.Shots())
	for n := range out {
		if m.DMWeights != nil {
			out[n] = analysis.DensityMatrix(m.DMWeights[n])
		} else {
			out[n] = linalg.Identity(m.Modes())
		}
	}
	return out
}

// TopModeFractions returns the share of power in the dominant mode of
// every shot's density matrix
func (m *Model) TopModeFractions() ([]float64, error) {
	rhos := m.Rhos()
	out := make([]float64, len(rhos))
	for n, rho := range rhos {
		f, err := analysis.TopModeFraction(rho)
		if err != nil {
			return nil, fmt.Errorf("shot %d: %w", n, err)
		}
		out[n] = f
	}
	return out, nil
}

// TidyProbes rewrites the probe modes as an orthogonal basis ordered by
// power, and updates every shot's weights so the simulated intensities do
// not change.
//
// In the density matrix model the basis diagonalizes the mean density
// matrix; each shot's transformed matrix is then re-factored into the top
// rank eigenpairs. normalization divides the transformed density matrices
// (and multiplies the modes by its square root); normalize returns unit
// norm modes with their power moved into the weights.
func (m *Model) TidyProbes(normalization float64, normalize bool) error {
	if normalization == 0 {
		normalization = 1
	}

	if m.DMWeights == nil {
		ortho, _, err := analysis.OrthogonalizeProbes(m.Probe, nil, false)
		if err != nil {
			return err
		}
		m.setProbes(ortho)
		return nil
	}

	rhos := m.Rhos()
	k := m.Modes()
	mean := mat.NewCDense(k, k, nil)
	for _, rho := range rhos {
		linalg.Add(mean, rho)
	}
	linalg.Scale(mean, complex(1/float64(len(rhos)), 0))

	ortho, a, err := analysis.OrthogonalizeProbes(m.Probe, mean, normalize)
	if err != nil {
		return err
	}
	at := linalg.Transpose(a)
	aConj := linalg.Conj(a)

	rank := m.Rank()
	scale := complex(math.Sqrt(normalization), 0)
	for _, o := range ortho {
		for i := range o.Data {
			o.Data[i] *= scale
		}
	}

	for n, rho := range rhos {
		next := linalg.Mul(linalg.Mul(at, rho), aConj)
		linalg.Scale(next, complex(1/normalization, 0))

		w, v, err := linalg.EigenHermitian(next)
		if err != nil {
			return fmt.Errorf("shot %d: %w", n, err)
		}
		weights := m.DMWeights[n]
		for r := 0; r < rank; r++ {
			sw := complex(math.Sqrt(math.Max(w[r], 0)), 0)
			for j := 0; j < k; j++ {
				// W' = diag(√w)·Vᵀ
				weights.Set(r, j, sw*v.At(j, r))
			}
		}
	}
	m.setProbes(ortho)
	return nil
}

func (m *Model) setProbes(probes []models.Field) {
	for k := range m.Probe {
		copy(m.Probe[k].Data, probes[k].Data)
	}
}
