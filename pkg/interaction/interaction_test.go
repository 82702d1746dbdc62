package interaction

import (
	"math"
	"math/cmplx"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
)

func randomField(rng *rand.Rand, rows, cols int) models.Field {
	return models.FieldFromFunc(rows, cols, func(i, j int) complex128 {
		return complex(rng.NormFloat64(), rng.NormFloat64())
	})
}

// smoothObject is a slowly varying phase object, well sampled for
// interpolation tests
func smoothObject(rows, cols int) models.Field {
	return models.FieldFromFunc(rows, cols, func(i, j int) complex128 {
		return cmplx.Exp(complex(0, 0.6*math.Sin(float64(i)/5)+0.4*math.Cos(float64(j)/7)))
	})
}

func TestTranslationsRoundTrip(t *testing.T) {
	basis := models.NewBasis(models.Vec3{0, -30e-6, 0}, models.Vec3{-20e-6, 0, 0})
	translations := []models.Vec3{{1e-4, 2e-4, 0}, {-3e-5, 7e-5, 0}}

	pix, err := TranslationsToPixel(basis, translations, nil)
	require.NoError(t, err)
	assert.InDelta(t, -2e-4/30e-6, pix[0][0], 1e-9)
	assert.InDelta(t, -1e-4/20e-6, pix[0][1], 1e-9)

	back := PixelToTranslations(basis, pix, nil)
	for n := range translations {
		for k := 0; k < 3; k++ {
			assert.InDelta(t, translations[n][k], back[n][k], 1e-15)
		}
	}
}

func TestTranslationsTiltedSurface(t *testing.T) {
	theta := 0.3
	normal := models.Vec3{math.Sin(theta), 0, math.Cos(theta)}
	basis := models.NewBasis(models.Vec3{1e-6, 0, 0}, models.Vec3{0, 1e-6, 0})

	// a beam-direction offset does not move the spot on the surface
	pix, err := TranslationsToPixel(basis, []models.Vec3{{2e-6, 0, 0}, {2e-6, 0, 5e-6}}, &normal)
	require.NoError(t, err)
	assert.InDelta(t, pix[0][0], pix[1][0], 1e-9)
	assert.InDelta(t, pix[0][1], pix[1][1], 1e-9)
	assert.InDelta(t, 2.0, pix[0][0], 1e-9)
}

func TestLanczosTaps(t *testing.T) {
	w, _ := Lanczos.Taps(0)
	assert.Equal(t, []float64{0, 0, 1, 0, 0, 0}, w)

	w, dw := Lanczos.Taps(0.37)
	sum, dsum := 0.0, 0.0
	for i := range w {
		sum += w[i]
		dsum += dw[i]
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.InDelta(t, 0.0, dsum, 1e-12)

	// derivatives agree with finite differences
	h := 1e-6
	wp, _ := Lanczos.Taps(0.37 + h)
	wm, _ := Lanczos.Taps(0.37 - h)
	for i := range w {
		assert.InDelta(t, (wp[i]-wm[i])/(2*h), dw[i], 1e-6)
	}
}

func TestIntegerShiftIsExact(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	obj := randomField(rng, 20, 20)

	for _, k := range []Kernel{Floor, Nearest, Bilinear, Lanczos} {
		win := SampleWindow(obj, [2]float64{5, 7}, [2]int{6, 6}, k)
		for i := 0; i < 6; i++ {
			for j := 0; j < 6; j++ {
				assert.InDelta(t, 0.0, cmplx.Abs(win.At(i, j)-obj.At(5+i, 7+j)), 1e-12, "kernel %d", k)
			}
		}
	}

	// a whole pixel Fourier shift is a circular roll
	f := randomField(rng, 8, 8)
	shifted := FourierShift(f, [2]float64{1, 2})
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			want := f.At((i+7)%8, (j+6)%8)
			assert.InDelta(t, 0.0, cmplx.Abs(shifted.At(i, j)-want), 1e-9)
		}
	}
}

func TestHalfPixelShiftConservesEnergy(t *testing.T) {
	obj := smoothObject(40, 40)
	shape := [2]int{16, 16}

	ref := SampleWindow(obj, [2]float64{12, 12}, shape, Lanczos)
	half := SampleWindow(obj, [2]float64{12.5, 12.5}, shape, Lanczos)
	assert.InEpsilon(t, ref.Norm2(), half.Norm2(), 0.03)

	rng := rand.New(rand.NewPCG(2, 2))
	p := randomField(rng, 16, 16)
	assert.InEpsilon(t, p.Norm2(), FourierShift(p, [2]float64{0.5, 0.5}).Norm2(), 1e-9)
}

func TestSampleWindowAdjoint(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	obj := randomField(rng, 24, 24)
	y := randomField(rng, 8, 8)
	pos := [2]float64{6.3, 7.8}

	for _, k := range []Kernel{Floor, Nearest, Bilinear, Lanczos} {
		lhs := SampleWindow(obj, pos, [2]int{8, 8}, k).Inner(y)

		full := models.NewField(24, 24)
		SampleWindowAdjoint(y, pos, k).AddTo(full)
		rhs := obj.Inner(full)
		assert.InDelta(t, 0.0, cmplx.Abs(lhs-rhs), 1e-9*cmplx.Abs(lhs), "kernel %d", k)
	}
}

func TestMixDensityAdjoint(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	basis := []models.Field{randomField(rng, 4, 4), randomField(rng, 4, 4), randomField(rng, 4, 4)}
	w := mat.NewCDense(2, 3, nil)
	for r := 0; r < 2; r++ {
		for k := 0; k < 3; k++ {
			w.Set(r, k, complex(rng.NormFloat64(), rng.NormFloat64()))
		}
	}
	grads := []models.Field{randomField(rng, 4, 4), randomField(rng, 4, 4)}

	mixed := MixDensity(basis, w)
	gBasis, _ := MixDensityAdjoint(basis, grads, w)

	var lhs, rhs complex128
	for r := range mixed {
		lhs += mixed[r].Inner(grads[r])
	}
	for k := range basis {
		rhs += basis[k].Inner(gBasis[k])
	}
	assert.InDelta(t, 0.0, cmplx.Abs(lhs-rhs), 1e-9*cmplx.Abs(lhs))
}

// quadraticLoss is Σ|exit - target|² summed over modes, with gradient
// 2(exit - target)
func quadraticLoss(exits, targets []models.Field) (float64, []models.Field) {
	var loss float64
	grads := make([]models.Field, len(exits))
	for k := range exits {
		grads[k] = models.NewField(exits[k].Rows, exits[k].Cols)
		for i, v := range exits[k].Data {
			d := v - targets[k].Data[i]
			loss += real(d)*real(d) + imag(d)*imag(d)
			grads[k].Data[i] = 2 * d
		}
	}
	return loss, grads
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	for _, mode := range []Mode{ShiftProbe, LanczosObject, BilinearObject} {
		t.Run(mode.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(5, uint64(mode)))
			obj := randomField(rng, 16, 16)
			probes := []models.Field{randomField(rng, 6, 6), randomField(rng, 6, 6)}
			targets := []models.Field{randomField(rng, 6, 6), randomField(rng, 6, 6)}
			pos := [2]float64{4.3, 5.6}
			it := Interaction{Mode: mode, ProbeNorm: 1.7}

			_, grads := quadraticLoss(it.ExitWaves(obj, probes, pos), targets)
			got := it.Backward(obj, probes, pos, grads)

			// position
			posLoss := func(x []float64) float64 {
				l, _ := quadraticLoss(it.ExitWaves(obj, probes, [2]float64{x[0], x[1]}), targets)
				return l
			}
			want := fd.Gradient(nil, posLoss, []float64{pos[0], pos[1]}, &fd.Settings{Formula: fd.Central, Step: 1e-6})
			assert.InEpsilon(t, want[0], got.Position[0], 1e-4)
			assert.InEpsilon(t, want[1], got.Position[1], 1e-4)

			// one probe pixel, real and imaginary parts
			probeLoss := func(x []float64) float64 {
				p := []models.Field{probes[0].Clone(), probes[1]}
				p[0].Data[9] = complex(x[0], x[1])
				l, _ := quadraticLoss(it.ExitWaves(obj, p, pos), targets)
				return l
			}
			v := probes[0].Data[9]
			want = fd.Gradient(nil, probeLoss, []float64{real(v), imag(v)}, &fd.Settings{Formula: fd.Central, Step: 1e-6})
			assert.InDelta(t, want[0], real(got.Probes[0].Data[9]), 1e-5*math.Max(1, math.Abs(want[0])))
			assert.InDelta(t, want[1], imag(got.Probes[0].Data[9]), 1e-5*math.Max(1, math.Abs(want[1])))

			// one object pixel under the window
			full := models.NewField(16, 16)
			got.Object.AddTo(full)
			idx := 7*16 + 8
			objLoss := func(x []float64) float64 {
				o := obj.Clone()
				o.Data[idx] = complex(x[0], x[1])
				l, _ := quadraticLoss(it.ExitWaves(o, probes, pos), targets)
				return l
			}
			u := obj.Data[idx]
			want = fd.Gradient(nil, objLoss, []float64{real(u), imag(u)}, &fd.Settings{Formula: fd.Central, Step: 1e-6})
			assert.InDelta(t, want[0], real(full.Data[idx]), 1e-5*math.Max(1, math.Abs(want[0])))
			assert.InDelta(t, want[1], imag(full.Data[idx]), 1e-5*math.Max(1, math.Abs(want[1])))
		})
	}
}

func TestProbeTranslationPhase(t *testing.T) {
	ramp := ProbeTranslationPhase([2]int{5, 5}, [2]float64{0.25, 0})
	assert.InDelta(t, 0.0, cmplx.Phase(ramp.At(0, 3)), 1e-12)
	assert.InDelta(t, 0.25*2*math.Pi*2/4, cmplx.Phase(ramp.At(2, 0)), 1e-12)
	for _, v := range ramp.Data {
		assert.InDelta(t, 1.0, cmplx.Abs(v), 1e-12)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Lanczos")
	require.NoError(t, err)
	assert.Equal(t, LanczosObject, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ShiftProbe, m)

	_, err = ParseMode("cubic")
	assert.Error(t, err)
}
