package loss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"

	"ptychogo/internal/models"
)

func TestParseKind(t *testing.T) {
	for name, want := range map[string]Kind{
		"amplitude mse":   AmplitudeMSE,
		"Amplitude_MSE":   AmplitudeMSE,
		"  poisson nll  ": PoissonNLL,
		"poisson_nll":     PoissonNLL,
	} {
		got, err := ParseKind(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseKind("intensity mse")
	assert.ErrorIs(t, err, ErrUnknownLoss)
}

func TestAmplitudeMSE(t *testing.T) {
	sim := models.RealField{Data: []float64{4, 9, 1, 0}, Rows: 2, Cols: 2}
	meas := models.RealField{Data: []float64{1, 9, 4, 1}, Rows: 2, Cols: 2}

	l, grads := AmplitudeMSE.Mean([]models.RealField{sim}, []models.RealField{meas}, nil)
	// (2-1)² + 0 + (1-2)² + (0-1)² over 4 pixels
	assert.InDelta(t, 3.0/4, l, 1e-12)
	assert.InDelta(t, 0.5/4, grads[0].Data[0], 1e-12)
	assert.Equal(t, 0.0, grads[0].Data[3], "zero simulated intensity has no gradient")
}

func TestPoissonNLLFloorsLog(t *testing.T) {
	sim := models.RealField{Data: []float64{0, 2}, Rows: 1, Cols: 2}
	meas := models.RealField{Data: []float64{1, 2}, Rows: 1, Cols: 2}

	l, _ := PoissonNLL.Mean([]models.RealField{sim}, []models.RealField{meas}, nil)
	assert.False(t, math.IsInf(l, 0))
	assert.False(t, math.IsNaN(l))
}

func TestMaskedPixelsAreIgnored(t *testing.T) {
	sim := models.RealField{Data: []float64{4, 100}, Rows: 1, Cols: 2}
	meas := models.RealField{Data: []float64{4, 0}, Rows: 1, Cols: 2}
	mask := models.Mask{Data: []bool{true, false}, Rows: 1, Cols: 2}

	for _, k := range []Kind{AmplitudeMSE, PoissonNLL} {
		l, grads := k.Mean([]models.RealField{sim}, []models.RealField{meas}, &mask)
		unmasked, _ := k.Mean(
			[]models.RealField{{Data: []float64{4}, Rows: 1, Cols: 1}},
			[]models.RealField{{Data: []float64{4}, Rows: 1, Cols: 1}}, nil)
		assert.InDelta(t, unmasked, l, 1e-12, k.String())
		assert.Equal(t, 0.0, grads[0].Data[1], k.String())
	}
}

func TestEmptyMaskGivesZero(t *testing.T) {
	sim := models.RealField{Data: []float64{4, 100}, Rows: 1, Cols: 2}
	mask := models.NewMask(1, 2, false)

	l, grads := PoissonNLL.Mean([]models.RealField{sim}, []models.RealField{sim}, &mask)
	assert.Equal(t, 0.0, l)
	assert.Equal(t, []float64{0, 0}, grads[0].Data)
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	meas := []models.RealField{{Data: []float64{1.5, 3, 0.2, 7}, Rows: 2, Cols: 2}}
	x0 := []float64{2, 2.5, 0.4, 5}

	for _, k := range []Kind{AmplitudeMSE, PoissonNLL} {
		f := func(x []float64) float64 {
			l, _ := k.Mean([]models.RealField{{Data: x, Rows: 2, Cols: 2}}, meas, nil)
			return l
		}
		want := fd.Gradient(nil, f, x0, &fd.Settings{Formula: fd.Central, Step: 1e-6})
		_, grads := k.Mean([]models.RealField{{Data: append([]float64(nil), x0...), Rows: 2, Cols: 2}}, meas, nil)
		assert.InDeltaSlice(t, want, grads[0].Data, 1e-6, k.String())
	}
}
