// Package loss compares simulated and measured diffraction patterns.
package loss

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"ptychogo/internal/models"
)

// ErrUnknownLoss is returned by ParseKind for unsupported names
var ErrUnknownLoss = errors.New("specified loss function not supported")

// poissonFloor keeps log(p) finite for empty simulated pixels
const poissonFloor = 1e-12

// Kind enumerates the supported loss functions
type Kind int

const (
	// AmplitudeMSE is the mean squared error between √sim and √meas
	AmplitudeMSE Kind = iota

	// PoissonNLL is the Poisson negative log likelihood of meas given sim,
	// up to a measurement-only constant
	PoissonNLL
)

func (k Kind) String() string {
	switch k {
	case AmplitudeMSE:
		return "amplitude mse"
	case PoissonNLL:
		return "poisson nll"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind resolves a loss name. Case and surrounding space are ignored,
// and words may be separated by a space or an underscore.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "amplitude mse", "amplitude_mse":
		return AmplitudeMSE, nil
	case "poisson nll", "poisson_nll":
		return PoissonNLL, nil
	}
	return AmplitudeMSE, fmt.Errorf("%w: %q", ErrUnknownLoss, name)
}

// Pattern evaluates the unnormalized loss of one pattern against its
// measurement, over the pixels the mask keeps (all pixels when mask is
// nil). It returns the summed loss, its gradient with respect to the
// simulated intensity and the number of pixels used.
func (k Kind) Pattern(sim, meas models.RealField, mask *models.Mask) (float64, models.RealField, int) {
	grad := models.NewRealField(sim.Rows, sim.Cols)
	var sum float64
	count := 0
	for i, p := range sim.Data {
		if mask != nil && !mask.Data[i] {
			continue
		}
		count++
		m := meas.Data[i]
		switch k {
		case PoissonNLL:
			sum += p - m*math.Log(math.Max(p, poissonFloor))
			if p > poissonFloor {
				grad.Data[i] = 1 - m/p
			} else {
				grad.Data[i] = 1
			}
		default:
			sp := math.Sqrt(math.Max(p, 0))
			d := sp - math.Sqrt(math.Max(m, 0))
			sum += d * d
			if sp > 0 {
				grad.Data[i] = d / sp
			}
		}
	}
	return sum, grad, count
}

// Mean evaluates the loss over a batch of patterns normalized by the
// number of unmasked pixels in the batch. The returned gradients carry the
// same normalization. An empty mask yields zero loss and zero gradients.
func (k Kind) Mean(sims, meas []models.RealField, mask *models.Mask) (float64, []models.RealField) {
	grads := make([]models.RealField, len(sims))
	var total float64
	count := 0
	for n := range sims {
		sum, g, c := k.Pattern(sims[n], meas[n], mask)
		total += sum
		grads[n] = g
		count += c
	}
	if count == 0 {
		for n := range grads {
			grads[n] = models.NewRealField(sims[n].Rows, sims[n].Cols)
		}
		return 0, grads
	}
	inv := 1 / float64(count)
	for _, g := range grads {
		for i := range g.Data {
			g.Data[i] *= inv
		}
	}
	return total * inv, grads
}
