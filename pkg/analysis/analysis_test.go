package analysis

import (
	"math"
	"math/cmplx"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
	"ptychogo/pkg/linalg"
)

func randomModes(rng *rand.Rand, k, rows, cols int) []models.Field {
	out := make([]models.Field, k)
	for n := range out {
		out[n] = models.FieldFromFunc(rows, cols, func(i, j int) complex128 {
			return complex(rng.NormFloat64(), rng.NormFloat64())
		})
	}
	return out
}

func randomWeights(rng *rand.Rand, r, k int) *mat.CDense {
	w := mat.NewCDense(r, k, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < k; j++ {
			w.Set(i, j, complex(rng.NormFloat64(), rng.NormFloat64()))
		}
	}
	return w
}

// mixedIntensity evaluates p(x)ᵀ·ρ·conj(p(x)) at every pixel
func mixedIntensity(probes []models.Field, rho *mat.CDense) []float64 {
	out := make([]float64, probes[0].Len())
	for x := range out {
		var sum complex128
		for k := range probes {
			for l := range probes {
				sum += probes[k].Data[x] * rho.At(k, l) * cmplx.Conj(probes[l].Data[x])
			}
		}
		out[x] = real(sum)
	}
	return out
}

func TestOrthogonalizeIncoherent(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	probes := randomModes(rng, 3, 8, 8)

	ortho, _, err := OrthogonalizeProbes(probes, nil, false)
	require.NoError(t, err)
	require.Len(t, ortho, 3)

	for i := range ortho {
		for j := range ortho {
			if i == j {
				continue
			}
			assert.InDelta(t, 0.0, cmplx.Abs(ortho[i].Inner(ortho[j])), 1e-9)
		}
	}
	assert.GreaterOrEqual(t, ortho[0].Norm2(), ortho[1].Norm2())
	assert.GreaterOrEqual(t, ortho[1].Norm2(), ortho[2].Norm2())

	// pixelwise total intensity is unchanged
	before := mixedIntensity(probes, linalg.Identity(3))
	after := mixedIntensity(ortho, linalg.Identity(3))
	assert.InDeltaSlice(t, before, after, 1e-9)
}

func TestOrthogonalizeWithDensityMatrix(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	probes := randomModes(rng, 3, 6, 6)
	rho := DensityMatrix(randomWeights(rng, 3, 3))

	for _, normalize := range []bool{false, true} {
		ortho, a, err := OrthogonalizeProbes(probes, rho, normalize)
		require.NoError(t, err)

		transformed := linalg.Mul(linalg.Mul(linalg.Transpose(a), rho), linalg.Conj(a))
		assert.InDeltaSlice(t, mixedIntensity(probes, rho), mixedIntensity(ortho, transformed), 1e-8)

		if normalize {
			for _, o := range ortho {
				assert.InDelta(t, 1.0, o.Norm2(), 1e-9)
			}
		}
	}
}

func TestDensityMatrixIsHermitian(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	rho := DensityMatrix(randomWeights(rng, 2, 4))
	assert.Less(t, linalg.MaxAbsDiff(rho, linalg.ConjTranspose(rho)), 1e-12)

	w, _, err := linalg.EigenHermitian(rho)
	require.NoError(t, err)
	// rank 2 matrix: two positive and two vanishing eigenvalues
	assert.Greater(t, w[1], 0.0)
	assert.InDelta(t, 0.0, w[2], 1e-9)
}

func TestEntropyAndTopModeFraction(t *testing.T) {
	pure := mat.NewCDense(2, 2, []complex128{1, 0, 0, 0})
	h, err := VNEntropy(pure)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, h, 1e-12)
	f, err := TopModeFraction(pure)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, f, 1e-12)

	mixed := linalg.Identity(4)
	h, err = VNEntropy(mixed)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), h, 1e-12)
	f, err = TopModeFraction(mixed)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, f, 1e-12)

	_, err = VNEntropy(mat.NewCDense(2, 2, nil))
	assert.Error(t, err)
}

func TestRMSError(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	f := randomModes(rng, 1, 5, 5)[0]
	rotated := f.Clone()
	for i := range rotated.Data {
		rotated.Data[i] *= cmplx.Exp(0.7i)
	}

	assert.InDelta(t, 0.0, RMSError(f, rotated, true, false), 1e-12)
	assert.Greater(t, RMSError(f, rotated, false, false), 0.1)

	zero := models.NewField(5, 5)
	assert.InDelta(t, 1.0, RMSError(f, zero, true, true), 1e-12)
}

func TestGeneralizedRMSErrorIgnoresDecomposition(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	probes := randomModes(rng, 3, 6, 6)
	ortho, _, err := OrthogonalizeProbes(probes, nil, false)
	require.NoError(t, err)

	e, err := GeneralizedRMSError(probes, ortho, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, e, 1e-5)

	fewer, err := GeneralizedRMSError(probes, ortho[:1], true)
	require.NoError(t, err)
	assert.Greater(t, fewer, 0.1)
}

func TestNeighborSpacing(t *testing.T) {
	// 3x3 raster with 1 µm steps plus one point 0.25 µm off a corner
	var ts []models.Vec3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			ts = append(ts, models.Vec2(float64(j)*1e-6, float64(i)*1e-6))
		}
	}
	ts = append(ts, models.Vec2(-0.25e-6, 0))

	d, err := NeighborSpacing(ts)
	require.NoError(t, err)
	require.Len(t, d, len(ts))
	assert.InDelta(t, 0.25e-6, d[0], 1e-15)
	assert.InDelta(t, 0.25e-6, d[9], 1e-15)
	for _, k := range []int{1, 4, 8} {
		assert.InDelta(t, 1e-6, d[k], 1e-15)
	}

	_, err = NeighborSpacing(ts[:1])
	assert.Error(t, err)
}

func TestLinearOverlap(t *testing.T) {
	assert.InDelta(t, 0.6, LinearOverlap(0.4, 1), 1e-12)
	assert.Equal(t, 0.0, LinearOverlap(2, 1))
	assert.Equal(t, 0.0, LinearOverlap(1, 0))
}
