package reconstruction

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"ptychogo/internal/models"
)

// Parameters is the learnable state of a Model. A Parameters returned by
// Model.Parameters aliases the model's storage, so writing through it
// updates the model. The same type carries gradients.
type Parameters struct {
	// Probe holds the K basis probe modes, divided by the probe norm
	Probe []models.Field

	// Object is the complex object
	Object models.Field

	// Offsets holds per-shot translation corrections in pixels, divided by
	// the translation scale
	Offsets [][2]float64

	// Weights holds per-shot incoherent mode weights, nil in the density
	// matrix model
	Weights []float64

	// DMWeights holds per-shot R×K mixing matrices, nil in the incoherent
	// model
	DMWeights []*mat.CDense

	// Background is the square root of the additive background
	Background models.RealField
}

// ZeroLike allocates a zero-valued parameter set with the same layout
func (p *Parameters) ZeroLike() *Parameters {
	out := &Parameters{
		Probe:      make([]models.Field, len(p.Probe)),
		Object:     models.NewField(p.Object.Rows, p.Object.Cols),
		Offsets:    make([][2]float64, len(p.Offsets)),
		Background: models.NewRealField(p.Background.Rows, p.Background.Cols),
	}
	for k, f := range p.Probe {
		out.Probe[k] = models.NewField(f.Rows, f.Cols)
	}
	if p.Weights != nil {
		out.Weights = make([]float64, len(p.Weights))
	}
	if p.DMWeights != nil {
		out.DMWeights = make([]*mat.CDense, len(p.DMWeights))
		for n, w := range p.DMWeights {
			r, c := w.Dims()
			out.DMWeights[n] = mat.NewCDense(r, c, nil)
		}
	}
	return out
}

// Len returns the number of real values Flatten produces
func (p *Parameters) Len() int {
	n := 2 * p.Object.Len()
	for _, f := range p.Probe {
		n += 2 * f.Len()
	}
	n += 2 * len(p.Offsets)
	n += len(p.Weights)
	for _, w := range p.DMWeights {
		r, c := w.Dims()
		n += 2 * r * c
	}
	n += len(p.Background.Data)
	return n
}

// Flatten appends every value to dst as reals, complex values as (re, im)
// pairs, in the order probe, object, offsets, weights, density weights,
// background
func (p *Parameters) Flatten(dst []float64) []float64 {
	dst = dst[:0]
	appendField := func(f models.Field) {
		for _, v := range f.Data {
			dst = append(dst, real(v), imag(v))
		}
	}
	for _, f := range p.Probe {
		appendField(f)
	}
	appendField(p.Object)
	for _, o := range p.Offsets {
		dst = append(dst, o[0], o[1])
	}
	dst = append(dst, p.Weights...)
	for _, w := range p.DMWeights {
		r, c := w.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := w.At(i, j)
				dst = append(dst, real(v), imag(v))
			}
		}
	}
	dst = append(dst, p.Background.Data...)
	return dst
}

// Unflatten writes the values produced by Flatten back into p
func (p *Parameters) Unflatten(x []float64) error {
	if len(x) != p.Len() {
		return fmt.Errorf("parameter vector has %d values, expected %d", len(x), p.Len())
	}
	pos := 0
	readField := func(f models.Field) {
		for i := range f.Data {
			f.Data[i] = complex(x[pos], x[pos+1])
			pos += 2
		}
	}
	for _, f := range p.Probe {
		readField(f)
	}
	readField(p.Object)
	for n := range p.Offsets {
		p.Offsets[n] = [2]float64{x[pos], x[pos+1]}
		pos += 2
	}
	pos += copy(p.Weights, x[pos:pos+len(p.Weights)])
	for _, w := range p.DMWeights {
		r, c := w.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				w.Set(i, j, complex(x[pos], x[pos+1]))
				pos += 2
			}
		}
	}
	copy(p.Background.Data, x[pos:])
	return nil
}

// Freeze selects parameter groups that are held fixed during a fit
type Freeze struct {
	Probe        bool `yaml:"probe"`
	Object       bool `yaml:"object"`
	Translations bool `yaml:"translations"`
	Weights      bool `yaml:"weights"`
	Background   bool `yaml:"background"`
}

// apply zeroes the gradients of frozen groups
func (f Freeze) apply(g *Parameters) {
	if f.Probe {
		for _, p := range g.Probe {
			clear(p.Data)
		}
	}
	if f.Object {
		clear(g.Object.Data)
	}
	if f.Translations {
		clear(g.Offsets)
	}
	if f.Weights {
		clear(g.Weights)
		for _, w := range g.DMWeights {
			r, c := w.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					w.Set(i, j, 0)
				}
			}
		}
	}
	if f.Background {
		clear(g.Background.Data)
	}
}
