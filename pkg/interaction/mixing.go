package interaction

import (
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
)

// ApplySupport returns the probe modes multiplied by a boolean support; a
// nil support leaves them unchanged
func ApplySupport(probes []models.Field, support *models.Mask) []models.Field {
	out := make([]models.Field, len(probes))
	for k, p := range probes {
		out[k] = p.Clone()
		if support == nil {
			continue
		}
		for i, on := range support.Data {
			if !on {
				out[k].Data[i] = 0
			}
		}
	}
	return out
}

// MixIncoherent scales every basis probe mode by the shot weight w
func MixIncoherent(basis []models.Field, w float64) []models.Field {
	out := make([]models.Field, len(basis))
	for k, p := range basis {
		out[k] = p.Clone()
		for i := range out[k].Data {
			out[k].Data[i] *= complex(w, 0)
		}
	}
	return out
}

// MixIncoherentAdjoint returns the gradients of the basis modes and of the
// shot weight given the gradients of the mixed modes
func MixIncoherentAdjoint(basis, grads []models.Field, w float64) ([]models.Field, float64) {
	gBasis := make([]models.Field, len(basis))
	var gw float64
	for k := range basis {
		gBasis[k] = grads[k].Clone()
		for i := range gBasis[k].Data {
			gBasis[k].Data[i] *= complex(w, 0)
		}
		gw += real(basis[k].Inner(grads[k]))
	}
	return gBasis, gw
}

// MixDensity builds the R coherent probes of a shot from the K basis modes
// and its R×K weight matrix: pr[r] = Σₖ W[r,k]·basis[k]
func MixDensity(basis []models.Field, w *mat.CDense) []models.Field {
	rank, modes := w.Dims()
	out := make([]models.Field, rank)
	for r := 0; r < rank; r++ {
		out[r] = models.NewField(basis[0].Rows, basis[0].Cols)
		for k := 0; k < modes; k++ {
			c := w.At(r, k)
			if c == 0 {
				continue
			}
			for i, v := range basis[k].Data {
				out[r].Data[i] += c * v
			}
		}
	}
	return out
}

// MixDensityAdjoint returns the gradients of the basis modes and of the
// weight matrix given the gradients of the mixed probes
func MixDensityAdjoint(basis, grads []models.Field, w *mat.CDense) ([]models.Field, *mat.CDense) {
	rank, modes := w.Dims()
	gBasis := make([]models.Field, modes)
	gw := mat.NewCDense(rank, modes, nil)
	for k := 0; k < modes; k++ {
		gBasis[k] = models.NewField(basis[k].Rows, basis[k].Cols)
		for r := 0; r < rank; r++ {
			c := cmplx.Conj(w.At(r, k))
			for i, v := range grads[r].Data {
				gBasis[k].Data[i] += c * v
			}
			gw.Set(r, k, basis[k].Inner(grads[r]))
		}
	}
	return gBasis, gw
}
