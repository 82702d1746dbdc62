package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"ptychogo/internal/models"
	"ptychogo/pkg/metrics"
)

// Summary holds the state of a reconstruction run for reporting
type Summary struct {
	// Epochs is the number of completed epochs
	Epochs int

	// FinalLoss is the mean loss of the last epoch
	FinalLoss float64

	// BestLoss is the lowest epoch loss seen
	BestLoss float64

	// LearningRate is the learning rate in effect at the end of the run
	LearningRate float64

	// Tidies counts probe orthogonalizations
	Tidies int

	// Elapsed is the wall time spent inside Run
	Elapsed time.Duration
}

// Params holds the settings of a reconstruction run
type Params struct {
	// Epochs is the number of passes over the dataset. For "lbfgs" it is
	// the number of major iterations.
	Epochs int

	// BatchSize is the number of shots per optimizer step; 0 uses 15
	BatchSize int

	// LR is the learning rate; 0 uses 0.005
	LR float64

	// Optimizer is "adam", "sgd" or "lbfgs"
	Optimizer string

	// Schedule lowers the learning rate when the epoch loss plateaus
	Schedule bool

	// TidyEvery orthogonalizes the probe modes after every this many
	// epochs; 0 disables it
	TidyEvery int

	// Workers bounds the concurrently evaluated shots; 0 uses GOMAXPROCS
	Workers int

	// Freeze holds parameter groups fixed
	Freeze Freeze

	// Seed drives the batch shuffling
	Seed uint64

	// Logger receives progress; nil uses slog.Default()
	Logger *slog.Logger

	// Metrics records progress; nil records nothing
	Metrics *metrics.Recorder
}

// Reconstructor fits a Model to a dataset with a gradient optimizer.
//
// The model is only mutated between batches under mu, so cancellation at a
// batch boundary always leaves it in a consistent state.
type Reconstructor struct {
	params Params
	model  *Model
	opt    Optimizer
	sched  *Plateau
	rng    *rand.Rand
	logger *slog.Logger

	mu      sync.Mutex
	history []float64
	summary Summary
}

// NewReconstructor creates a reconstructor for model with the given
// settings.
//
// Parameters:
//   - model: the model to fit, updated in place
//   - params: run settings; zero values select the defaults
//
// Returns:
//   - A Reconstructor ready to Run, or an error for an unknown optimizer
func NewReconstructor(model *Model, params Params) (*Reconstructor, error) {
	if params.BatchSize < 1 {
		params.BatchSize = 15
	}
	if params.LR == 0 {
		params.LR = 0.005
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reconstructor{
		params: params,
		model:  model,
		rng:    rand.New(rand.NewPCG(params.Seed, params.Seed^0x9e3779b97f4a7c15)),
		logger: logger,
	}
	if !r.fullBatch() {
		opt, err := NewOptimizer(params.Optimizer, params.LR)
		if err != nil {
			return nil, err
		}
		r.opt = opt
	}
	if params.Schedule {
		r.sched = NewPlateau()
	}
	return r, nil
}

func (r *Reconstructor) fullBatch() bool {
	return strings.EqualFold(strings.TrimSpace(r.params.Optimizer), "lbfgs")
}

// Model returns the model being fitted
func (r *Reconstructor) Model() *Model { return r.model }

// Run fits the model to ds for the configured number of epochs and
// returns the per-epoch losses. If ctx is cancelled the losses of the
// completed epochs are returned with the context error.
//
// Parameters:
//   - ctx: cancels the run between batches
//   - ds: the measured dataset; its shot count must match the model
//
// Returns:
//   - The loss history of this run
//   - An error if the dataset is invalid, a pass fails or ctx is done
func (r *Reconstructor) Run(ctx context.Context, ds *models.Dataset) ([]float64, error) {
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset: %w", err)
	}
	if ds.Len() != r.model.Shots() {
		return nil, fmt.Errorf("%w: dataset has %d shots, model has %d", ErrShapeMismatch, ds.Len(), r.model.Shots())
	}

	start := time.Now()
	defer func() {
		r.mu.Lock()
		r.summary.Elapsed += time.Since(start)
		r.mu.Unlock()
	}()

	r.logger.Info("starting reconstruction",
		"shots", ds.Len(),
		"modes", r.model.Modes(),
		"rank", r.model.Rank(),
		"optimizer", defaultString(r.params.Optimizer, "adam"),
		"epochs", r.params.Epochs,
		"batch_size", r.params.BatchSize,
	)

	if r.fullBatch() {
		return r.runLBFGS(ctx, ds)
	}

	var losses []float64
	for epoch := 0; epoch < r.params.Epochs; epoch++ {
		l, err := r.Epoch(ctx, ds)
		if err != nil {
			return losses, err
		}
		losses = append(losses, l)
	}
	r.logger.Info("reconstruction finished", "epochs", len(losses), "loss", r.GetMetrics().FinalLoss)
	return losses, nil
}

// Epoch runs one pass of shuffled mini-batches over ds and returns the
// mean loss over all shots
func (r *Reconstructor) Epoch(ctx context.Context, ds *models.Dataset) (float64, error) {
	if r.opt == nil {
		return 0, errors.New("epoch requires a stochastic optimizer")
	}
	epochStart := time.Now()
	order := r.rng.Perm(ds.Len())

	var total float64
	for start := 0; start < len(order); start += r.params.BatchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch := order[start:min(start+r.params.BatchSize, len(order))]
		l, err := r.step(ctx, ds, batch)
		if err != nil {
			return 0, err
		}
		total += l * float64(len(batch))
	}
	loss := total / float64(ds.Len())

	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, loss)
	epoch := len(r.history)
	if r.sched != nil && r.sched.Observe(r.opt, loss) {
		r.logger.Info("lowered learning rate", "epoch", epoch, "lr", r.opt.LearningRate())
	}
	if r.params.TidyEvery > 0 && epoch%r.params.TidyEvery == 0 {
		if err := r.tidy(epoch); err != nil {
			return 0, err
		}
	}

	r.summary.Epochs = epoch
	r.summary.FinalLoss = loss
	r.summary.BestLoss = floats.Min(r.history)
	r.summary.LearningRate = r.opt.LearningRate()

	d := time.Since(epochStart)
	r.params.Metrics.ObserveEpoch(loss, r.opt.LearningRate(), d)
	r.logger.Info("epoch complete", "epoch", epoch, "loss", loss, "duration", d)
	return loss, nil
}

// step evaluates one batch and applies the optimizer update
func (r *Reconstructor) step(ctx context.Context, ds *models.Dataset, batch []int) (float64, error) {
	t := time.Now()
	translations, patterns, err := ds.Batch(batch)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loss, grads, err := r.model.LossAndGradient(ctx, batch, translations, patterns, r.params.Workers)
	if err != nil {
		return 0, fmt.Errorf("error evaluating batch: %w", err)
	}
	if math.IsNaN(loss) {
		return 0, errors.New("loss is NaN")
	}
	r.params.Freeze.apply(grads)
	if err := r.opt.Step(r.model.Parameters(), grads); err != nil {
		return 0, fmt.Errorf("error applying optimizer step: %w", err)
	}
	r.params.Metrics.ObserveBatch(time.Since(t))
	r.logger.Debug("batch complete", "size", len(batch), "loss", loss)
	return loss, nil
}

// tidy orthogonalizes the probe modes; callers hold mu
func (r *Reconstructor) tidy(epoch int) error {
	if err := r.model.TidyProbes(1, false); err != nil {
		return fmt.Errorf("error tidying probes: %w", err)
	}
	// the parameterization changed, stale moments would point the wrong way
	if rs, ok := r.opt.(interface{ Reset() }); ok {
		rs.Reset()
	}
	fractions, err := r.model.TopModeFractions()
	if err != nil {
		return err
	}
	top := stat.Mean(fractions, nil)
	r.summary.Tidies++
	r.params.Metrics.ObserveTidy(top)
	r.logger.Debug("tidied probe modes", "epoch", epoch, "top_mode_fraction", top)
	return nil
}

func (r *Reconstructor) runLBFGS(ctx context.Context, ds *models.Dataset) ([]float64, error) {
	t := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	loss, err := LBFGSOptimize(ctx, r.model, ds, LBFGSSettings{
		Iterations: r.params.Epochs,
		Workers:    r.params.Workers,
		Freeze:     r.params.Freeze,
	})
	if err != nil {
		return nil, err
	}
	r.history = append(r.history, loss)
	r.summary.Epochs = len(r.history)
	r.summary.FinalLoss = loss
	r.summary.BestLoss = floats.Min(r.history)
	if r.params.TidyEvery > 0 {
		if err := r.tidy(r.summary.Epochs); err != nil {
			return nil, err
		}
	}
	r.params.Metrics.ObserveEpoch(loss, 0, time.Since(t))
	r.logger.Info("lbfgs finished", "loss", loss, "duration", time.Since(t))
	return []float64{loss}, nil
}

// LossHistory returns the losses of every epoch run so far
func (r *Reconstructor) LossHistory() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.history...)
}

// GetMetrics returns a summary of the run so far
func (r *Reconstructor) GetMetrics() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}
