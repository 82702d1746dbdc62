package reconstruction

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"ptychogo/internal/models"
)

// Optimizer updates parameters in place from their gradients
type Optimizer interface {
	Step(params, grads *Parameters) error
	LearningRate() float64
	SetLearningRate(lr float64)
}

// Adam is the bias-corrected adaptive moment optimizer. Real and
// imaginary parts are treated as independent real parameters.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	m, v []float64
	t    int

	x, g []float64
}

// NewAdam returns Adam with the usual moment decay rates
func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// LearningRate implements Optimizer
func (a *Adam) LearningRate() float64 { return a.LR }

// SetLearningRate implements Optimizer
func (a *Adam) SetLearningRate(lr float64) { a.LR = lr }

// Reset forgets the accumulated moments
func (a *Adam) Reset() { a.m, a.v, a.t = nil, nil, 0 }

// Step implements Optimizer
func (a *Adam) Step(params, grads *Parameters) error {
	a.x = params.Flatten(a.x)
	a.g = grads.Flatten(a.g)
	if len(a.x) != len(a.g) {
		return fmt.Errorf("%w: %d parameters, %d gradients", ErrShapeMismatch, len(a.x), len(a.g))
	}
	if a.m == nil || len(a.m) != len(a.x) {
		a.m = make([]float64, len(a.x))
		a.v = make([]float64, len(a.x))
		a.t = 0
	}

	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, g := range a.g {
		a.m[i] = a.Beta1*a.m[i] + (1-a.Beta1)*g
		a.v[i] = a.Beta2*a.v[i] + (1-a.Beta2)*g*g
		mHat := a.m[i] / c1
		vHat := a.v[i] / c2
		a.x[i] -= a.LR * mHat / (math.Sqrt(vHat) + a.Eps)
	}
	return params.Unflatten(a.x)
}

// SGD is plain gradient descent with optional momentum
type SGD struct {
	LR       float64
	Momentum float64

	velocity []float64
	x, g     []float64
}

// LearningRate implements Optimizer
func (s *SGD) LearningRate() float64 { return s.LR }

// SetLearningRate implements Optimizer
func (s *SGD) SetLearningRate(lr float64) { s.LR = lr }

// Reset forgets the accumulated velocity
func (s *SGD) Reset() { s.velocity = nil }

// Step implements Optimizer
func (s *SGD) Step(params, grads *Parameters) error {
	s.x = params.Flatten(s.x)
	s.g = grads.Flatten(s.g)
	if len(s.x) != len(s.g) {
		return fmt.Errorf("%w: %d parameters, %d gradients", ErrShapeMismatch, len(s.x), len(s.g))
	}
	if s.Momentum == 0 {
		floats.AddScaled(s.x, -s.LR, s.g)
		return params.Unflatten(s.x)
	}
	if len(s.velocity) != len(s.x) {
		s.velocity = make([]float64, len(s.x))
	}
	for i, g := range s.g {
		s.velocity[i] = s.Momentum*s.velocity[i] + g
		s.x[i] -= s.LR * s.velocity[i]
	}
	return params.Unflatten(s.x)
}

// NewOptimizer builds an optimizer by name: "adam" or "sgd"
func NewOptimizer(name string, lr float64) (Optimizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "adam":
		return NewAdam(lr), nil
	case "sgd":
		return &SGD{LR: lr}, nil
	}
	return nil, fmt.Errorf("unknown optimizer %q", name)
}

// Plateau lowers the learning rate when the loss stops improving
type Plateau struct {
	// Factor multiplies the learning rate on a plateau
	Factor float64

	// Patience is the number of epochs without improvement tolerated
	Patience int

	// MinLR bounds the learning rate from below
	MinLR float64

	// Threshold is the relative improvement that counts as progress
	Threshold float64

	best float64
	bad  int
	init bool
}

// NewPlateau returns a scheduler with the customary settings
func NewPlateau() *Plateau {
	return &Plateau{Factor: 0.2, Patience: 10, Threshold: 1e-4}
}

// Observe records an epoch loss and lowers the optimizer's learning rate
// if the loss has plateaued. It reports whether the rate changed.
func (p *Plateau) Observe(opt Optimizer, value float64) bool {
	if !p.init || value < p.best*(1-p.Threshold) {
		p.best, p.bad, p.init = value, 0, true
		return false
	}
	p.bad++
	if p.bad <= p.Patience {
		return false
	}
	p.bad = 0
	lr := math.Max(opt.LearningRate()*p.Factor, p.MinLR)
	if lr == opt.LearningRate() {
		return false
	}
	opt.SetLearningRate(lr)
	return true
}

// LBFGSSettings configures LBFGSOptimize
type LBFGSSettings struct {
	// Iterations bounds the number of major iterations
	Iterations int

	// Workers bounds concurrently evaluated shots
	Workers int

	// Freeze holds parameter groups fixed
	Freeze Freeze
}

// LBFGSOptimize runs a full-batch limited-memory BFGS fit of the model to
// the whole dataset with gonum's optimizer and leaves the best parameters
// in the model. It returns the final loss.
func LBFGSOptimize(ctx context.Context, m *Model, ds *models.Dataset, settings LBFGSSettings) (float64, error) {
	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}
	params := m.Parameters()
	x0 := params.Flatten(nil)

	var (
		evalErr  error
		lastX    []float64
		lastF    float64
		lastGrad []float64
	)
	evaluate := func(x []float64) {
		if lastX != nil && floats.Equal(lastX, x) {
			return
		}
		if err := params.Unflatten(x); err != nil {
			evalErr = err
			return
		}
		f, g, err := m.LossAndGradient(ctx, indices, ds.Translations, ds.Patterns, settings.Workers)
		if err != nil {
			evalErr = err
			return
		}
		settings.Freeze.apply(g)
		lastX = append(lastX[:0], x...)
		lastF = f
		lastGrad = g.Flatten(lastGrad)
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			evaluate(x)
			if evalErr != nil {
				return math.Inf(1)
			}
			return lastF
		},
		Grad: func(grad, x []float64) {
			evaluate(x)
			if evalErr != nil {
				for i := range grad {
					grad[i] = 0
				}
				return
			}
			copy(grad, lastGrad)
		},
	}

	iterations := settings.Iterations
	if iterations < 1 {
		iterations = 100
	}
	result, err := optimize.Minimize(problem, x0, &optimize.Settings{MajorIterations: iterations}, &optimize.LBFGS{})
	if evalErr != nil {
		_ = params.Unflatten(x0)
		return 0, evalErr
	}
	if result == nil {
		_ = params.Unflatten(x0)
		return 0, fmt.Errorf("lbfgs failed: %w", err)
	}
	if uerr := params.Unflatten(result.X); uerr != nil {
		return 0, uerr
	}
	// an exhausted line search still leaves a usable location
	if err != nil && !isLinesearchError(err) {
		return result.F, fmt.Errorf("lbfgs stopped: %w", err)
	}
	return result.F, nil
}

// isLinesearchError reports whether gonum gave up inside the line search,
// which happens near convergence in float64 round-off
func isLinesearchError(err error) bool {
	return strings.Contains(err.Error(), "linesearch")
}
