// Package measurement turns detector-plane waves into the intensities a
// pixelated detector records, and carries intensity gradients back to the
// waves and the background.
package measurement

import (
	"errors"
	"fmt"

	"ptychogo/internal/models"
)

// ErrShapeMismatch is returned when the waves, slice, oversampling and
// background do not describe the same detector
var ErrShapeMismatch = errors.New("measurement: shape mismatch")

// Options configures the detector model
type Options struct {
	// DetectorSlice crops the propagated wave to the detector region; nil
	// uses the full wave
	DetectorSlice *models.Region

	// Oversampling bins blocks of Oversampling×Oversampling wave pixels
	// into one detector pixel; values below 1 mean 1
	Oversampling int

	// Saturation clips the simulated intensity when set
	Saturation *float64
}

func (o Options) factor() int {
	if o.Oversampling < 1 {
		return 1
	}
	return o.Oversampling
}

func (o Options) region(wave models.Field) models.Region {
	if o.DetectorSlice != nil {
		return *o.DetectorSlice
	}
	return models.Region{Rows: wave.Rows, Cols: wave.Cols}
}

// DetectorShape returns the shape of the simulated pattern for waves of the
// given shape
func (o Options) DetectorShape(waveShape [2]int) [2]int {
	rows, cols := waveShape[0], waveShape[1]
	if o.DetectorSlice != nil {
		rows, cols = o.DetectorSlice.Rows, o.DetectorSlice.Cols
	}
	os := o.factor()
	return [2]int{rows / os, cols / os}
}

func (o Options) check(waves []models.Field, background *models.RealField) error {
	if len(waves) == 0 {
		return fmt.Errorf("%w: no waves", ErrShapeMismatch)
	}
	r := o.region(waves[0])
	if r.Row < 0 || r.Col < 0 || r.Row+r.Rows > waves[0].Rows || r.Col+r.Cols > waves[0].Cols {
		return fmt.Errorf("%w: detector slice %+v outside %dx%d wave", ErrShapeMismatch, r, waves[0].Rows, waves[0].Cols)
	}
	os := o.factor()
	if r.Rows%os != 0 || r.Cols%os != 0 {
		return fmt.Errorf("%w: slice %dx%d not divisible by oversampling %d", ErrShapeMismatch, r.Rows, r.Cols, os)
	}
	if background != nil && background.Shape() != o.DetectorShape(waves[0].Shape()) {
		return fmt.Errorf("%w: background %v for detector %v", ErrShapeMismatch, background.Shape(), o.DetectorShape(waves[0].Shape()))
	}
	return nil
}

// rawIntensity is the binned incoherent sum over modes before background
// and saturation
func (o Options) rawIntensity(waves []models.Field) models.RealField {
	r := o.region(waves[0])
	os := o.factor()
	out := models.NewRealField(r.Rows/os, r.Cols/os)
	for _, w := range waves {
		for i := 0; i < r.Rows; i++ {
			src := w.Data[(r.Row+i)*w.Cols+r.Col:]
			dst := out.Data[(i/os)*out.Cols:]
			for j := 0; j < r.Cols; j++ {
				v := src[j]
				dst[j/os] += real(v)*real(v) + imag(v)*imag(v)
			}
		}
	}
	return out
}

// Forward simulates one detector pattern from the coherent modes of a shot:
// the modes are cropped to the detector slice, summed incoherently, binned
// by the oversampling factor, offset by backgroundRoot² and clipped at the
// saturation level. A nil backgroundRoot disables the background.
func Forward(waves []models.Field, backgroundRoot *models.RealField, opts Options) (models.RealField, error) {
	if err := opts.check(waves, backgroundRoot); err != nil {
		return models.RealField{}, err
	}
	out := opts.rawIntensity(waves)
	if backgroundRoot != nil {
		for i, b := range backgroundRoot.Data {
			out.Data[i] += b * b
		}
	}
	if opts.Saturation != nil {
		s := *opts.Saturation
		for i, v := range out.Data {
			if v > s {
				out.Data[i] = s
			}
		}
	}
	return out, nil
}

// Adjoint returns the gradients of the waves and of backgroundRoot given
// the gradient of the simulated pattern. Saturated pixels pass no
// gradient. The background gradient is empty when backgroundRoot is nil.
func Adjoint(waves []models.Field, backgroundRoot *models.RealField, opts Options, grad models.RealField) ([]models.Field, models.RealField, error) {
	if err := opts.check(waves, backgroundRoot); err != nil {
		return nil, models.RealField{}, err
	}
	if grad.Shape() != opts.DetectorShape(waves[0].Shape()) {
		return nil, models.RealField{}, fmt.Errorf("%w: gradient %v", ErrShapeMismatch, grad.Shape())
	}

	g := grad.Clone()
	if opts.Saturation != nil {
		s := *opts.Saturation
		total := opts.rawIntensity(waves)
		for i := range total.Data {
			v := total.Data[i]
			if backgroundRoot != nil {
				v += backgroundRoot.Data[i] * backgroundRoot.Data[i]
			}
			if v > s {
				g.Data[i] = 0
			}
		}
	}

	var gBackground models.RealField
	if backgroundRoot != nil {
		gBackground = models.NewRealField(backgroundRoot.Rows, backgroundRoot.Cols)
		for i, b := range backgroundRoot.Data {
			gBackground.Data[i] = 2 * b * g.Data[i]
		}
	}

	r := opts.region(waves[0])
	os := opts.factor()
	gWaves := make([]models.Field, len(waves))
	for k, w := range waves {
		gWaves[k] = models.NewField(w.Rows, w.Cols)
		for i := 0; i < r.Rows; i++ {
			base := (r.Row+i)*w.Cols + r.Col
			gRow := g.Data[(i/os)*g.Cols:]
			for j := 0; j < r.Cols; j++ {
				gWaves[k].Data[base+j] = 2 * w.Data[base+j] * complex(gRow[j/os], 0)
			}
		}
	}
	return gWaves, gBackground, nil
}
