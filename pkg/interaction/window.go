package interaction

import (
	"math"

	"ptychogo/internal/models"
)

// ObjectGrad is a gradient contribution to a rectangular patch of the
// object with its top-left corner at (Row, Col)
type ObjectGrad struct {
	Row   int
	Col   int
	Field models.Field
}

// AddTo accumulates the patch into a full-size object gradient
func (g ObjectGrad) AddTo(dst models.Field) {
	for i := 0; i < g.Field.Rows; i++ {
		row := dst.Data[(g.Row+i)*dst.Cols+g.Col:]
		src := g.Field.Data[i*g.Field.Cols : (i+1)*g.Field.Cols]
		for j, v := range src {
			row[j] += v
		}
	}
}

// splitPosition separates a pixel position into its floor and its
// fractional part in [0, 1)
func splitPosition(pos [2]float64) ([2]int, [2]float64) {
	var whole [2]int
	var frac [2]float64
	for k := 0; k < 2; k++ {
		fl := math.Floor(pos[k])
		whole[k] = int(fl)
		frac[k] = pos[k] - fl
	}
	return whole, frac
}

// separable evaluates out[i][j] = Σₐ Σ_b wr[a]·wc[b]·obj[row+i+a][col+j+b]
// for an out window of the given shape. It runs the column taps first into
// an intermediate of (rows + len(wr) - 1) × cols samples, then the row taps.
func separable(obj models.Field, row, col int, shape [2]int, wr, wc []float64) models.Field {
	midRows := shape[0] + len(wr) - 1
	mid := models.NewField(midRows, shape[1])
	for r := 0; r < midRows; r++ {
		src := obj.Data[(row+r)*obj.Cols+col:]
		dst := mid.Data[r*shape[1] : (r+1)*shape[1]]
		for j := range dst {
			var sum complex128
			for b, w := range wc {
				if w != 0 {
					sum += complex(w, 0) * src[j+b]
				}
			}
			dst[j] = sum
		}
	}

	out := models.NewField(shape[0], shape[1])
	for i := 0; i < shape[0]; i++ {
		dst := out.Data[i*shape[1] : (i+1)*shape[1]]
		for a, w := range wr {
			if w == 0 {
				continue
			}
			src := mid.Data[(i+a)*shape[1] : (i+a+1)*shape[1]]
			for j := range dst {
				dst[j] += complex(w, 0) * src[j]
			}
		}
	}
	return out
}

// separableAdjoint is the transpose of separable: it scatters a window
// gradient back onto the (rows + len(wr) - 1) × (cols + len(wc) - 1) patch
// of object pixels the window was read from. The weights are real, so no
// conjugation is needed.
func separableAdjoint(grad models.Field, wr, wc []float64) models.Field {
	rows, cols := grad.Rows, grad.Cols
	midRows := rows + len(wr) - 1

	mid := models.NewField(midRows, cols)
	for i := 0; i < rows; i++ {
		src := grad.Data[i*cols : (i+1)*cols]
		for a, w := range wr {
			if w == 0 {
				continue
			}
			dst := mid.Data[(i+a)*cols : (i+a+1)*cols]
			for j, v := range src {
				dst[j] += complex(w, 0) * v
			}
		}
	}

	patchCols := cols + len(wc) - 1
	patch := models.NewField(midRows, patchCols)
	for r := 0; r < midRows; r++ {
		src := mid.Data[r*cols : (r+1)*cols]
		dst := patch.Data[r*patchCols : (r+1)*patchCols]
		for b, w := range wc {
			if w == 0 {
				continue
			}
			for j, v := range src {
				dst[j+b] += complex(w, 0) * v
			}
		}
	}
	return patch
}

// SampleWindow reads the object window of the given shape whose top-left
// corner sits at the (fractional) pixel position pos, resampled with
// kernel k. The object must be padded for the kernel margin; positions
// outside it panic.
func SampleWindow(obj models.Field, pos [2]float64, shape [2]int, k Kernel) models.Field {
	whole, frac := splitPosition(pos)
	lo, _ := k.Margin()
	wr, _ := k.Taps(frac[0])
	wc, _ := k.Taps(frac[1])
	return separable(obj, whole[0]+lo, whole[1]+lo, shape, wr, wc)
}

// WindowDerivatives returns the derivatives of SampleWindow with respect to
// the row and column components of pos
func WindowDerivatives(obj models.Field, pos [2]float64, shape [2]int, k Kernel) (dRow, dCol models.Field) {
	whole, frac := splitPosition(pos)
	lo, _ := k.Margin()
	wr, dwr := k.Taps(frac[0])
	wc, dwc := k.Taps(frac[1])
	dRow = separable(obj, whole[0]+lo, whole[1]+lo, shape, dwr, wc)
	dCol = separable(obj, whole[0]+lo, whole[1]+lo, shape, wr, dwc)
	return dRow, dCol
}

// SampleWindowAdjoint scatters a window gradient back onto the object
// pixels SampleWindow read for the same position and kernel
func SampleWindowAdjoint(grad models.Field, pos [2]float64, k Kernel) ObjectGrad {
	whole, frac := splitPosition(pos)
	lo, _ := k.Margin()
	wr, _ := k.Taps(frac[0])
	wc, _ := k.Taps(frac[1])
	return ObjectGrad{
		Row:   whole[0] + lo,
		Col:   whole[1] + lo,
		Field: separableAdjoint(grad, wr, wc),
	}
}
