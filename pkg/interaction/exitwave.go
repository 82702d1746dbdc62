package interaction

import (
	"math/cmplx"

	"ptychogo/internal/models"
)

// Interaction forms exit waves from mixed probes and the object for one
// shot. The zero value uses ShiftProbe and a unit probe scale.
type Interaction struct {
	// Mode selects the sub-pixel placement strategy
	Mode Mode

	// ProbeNorm multiplies every exit wave; probes are stored divided by it
	ProbeNorm float64
}

func (it Interaction) scale() complex128 {
	if it.ProbeNorm == 0 {
		return 1
	}
	return complex(it.ProbeNorm, 0)
}

// ShotGrad holds the gradients one shot contributes
type ShotGrad struct {
	// Probes are the gradients of the mixed probes
	Probes []models.Field

	// Object is the gradient of the object patch read by the shot
	Object ObjectGrad

	// Position is the gradient with respect to the pixel translation
	Position [2]float64
}

// objectWindow returns the object samples under the probe and the probes
// as placed on them
func (it Interaction) objectWindow(obj models.Field, probes []models.Field, pos [2]float64) (models.Field, []models.Field) {
	shape := probes[0].Shape()
	if it.Mode == ShiftProbe {
		whole, frac := splitPosition(pos)
		win := SampleWindow(obj, [2]float64{float64(whole[0]), float64(whole[1])}, shape, Floor)
		placed := make([]models.Field, len(probes))
		for k, p := range probes {
			placed[k] = FourierShift(p, frac)
		}
		return win, placed
	}
	return SampleWindow(obj, pos, shape, it.Mode.Kernel()), probes
}

// ExitWaves returns ProbeNorm · probe[r] ⊙ object window for every mixed
// probe of the shot at pixel position pos
func (it Interaction) ExitWaves(obj models.Field, probes []models.Field, pos [2]float64) []models.Field {
	win, placed := it.objectWindow(obj, probes, pos)
	s := it.scale()
	out := make([]models.Field, len(placed))
	for k, p := range placed {
		out[k] = models.NewField(p.Rows, p.Cols)
		for i, v := range p.Data {
			out[k].Data[i] = s * v * win.Data[i]
		}
	}
	return out
}

// Backward propagates exit wave gradients to the mixed probes, the object
// patch and the pixel position of the shot
func (it Interaction) Backward(obj models.Field, probes []models.Field, pos [2]float64, grads []models.Field) ShotGrad {
	shape := probes[0].Shape()
	s := it.scale()
	whole, frac := splitPosition(pos)

	var win models.Field
	var placed, dRow, dCol []models.Field
	if it.Mode == ShiftProbe {
		win = SampleWindow(obj, [2]float64{float64(whole[0]), float64(whole[1])}, shape, Floor)
		placed = make([]models.Field, len(probes))
		dRow = make([]models.Field, len(probes))
		dCol = make([]models.Field, len(probes))
		for k, p := range probes {
			placed[k], dRow[k], dCol[k] = FourierShiftDerivatives(p, frac)
		}
	} else {
		win = SampleWindow(obj, pos, shape, it.Mode.Kernel())
		placed = probes
	}

	gWin := models.NewField(shape[0], shape[1])
	gPlaced := make([]models.Field, len(placed))
	for k, p := range placed {
		gPlaced[k] = models.NewField(shape[0], shape[1])
		for i, g := range grads[k].Data {
			gPlaced[k].Data[i] = s * cmplx.Conj(win.Data[i]) * g
			gWin.Data[i] += s * cmplx.Conj(p.Data[i]) * g
		}
	}

	var out ShotGrad
	if it.Mode == ShiftProbe {
		out.Probes = make([]models.Field, len(probes))
		for k := range probes {
			out.Probes[k] = FourierShift(gPlaced[k], [2]float64{-frac[0], -frac[1]})
			out.Position[0] += real(gPlaced[k].Inner(dRow[k]))
			out.Position[1] += real(gPlaced[k].Inner(dCol[k]))
		}
		out.Object = ObjectGrad{Row: whole[0], Col: whole[1], Field: gWin}
		return out
	}

	k := it.Mode.Kernel()
	out.Probes = gPlaced
	out.Object = SampleWindowAdjoint(gWin, pos, k)
	wr, wc := WindowDerivatives(obj, pos, shape, k)
	out.Position[0] = real(gWin.Inner(wr))
	out.Position[1] = real(gWin.Inner(wc))
	return out
}
