// Package metrics exports the progress of a reconstruction as Prometheus
// metrics. A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ptychogo"

// Recorder holds the reconstruction metrics registered on one registry
type Recorder struct {
	epochs        prometheus.Counter
	batches       prometheus.Counter
	tidies        prometheus.Counter
	loss          prometheus.Gauge
	learningRate  prometheus.Gauge
	topMode       prometheus.Gauge
	epochDuration prometheus.Histogram
	batchDuration prometheus.Histogram
}

// NewRecorder registers the reconstruction metrics on reg. A nil reg uses
// the default registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		epochs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_total",
			Help:      "Completed reconstruction epochs.",
		}),
		batches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Completed optimizer steps.",
		}),
		tidies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_tidies_total",
			Help:      "Probe mode orthogonalizations performed.",
		}),
		loss: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch_loss",
			Help:      "Mean loss of the last completed epoch.",
		}),
		learningRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_rate",
			Help:      "Current optimizer learning rate.",
		}),
		topMode: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "top_mode_fraction",
			Help:      "Mean share of probe power in the dominant mode.",
		}),
		epochDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "epoch_duration_seconds",
			Help:      "Wall time per epoch.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		batchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time per optimizer step including forward and backward.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}

// ObserveBatch records one optimizer step
func (r *Recorder) ObserveBatch(d time.Duration) {
	if r == nil {
		return
	}
	r.batches.Inc()
	r.batchDuration.Observe(d.Seconds())
}

// ObserveEpoch records a completed epoch with its mean loss and the
// learning rate in effect at its end
func (r *Recorder) ObserveEpoch(loss, lr float64, d time.Duration) {
	if r == nil {
		return
	}
	r.epochs.Inc()
	r.loss.Set(loss)
	r.learningRate.Set(lr)
	r.epochDuration.Observe(d.Seconds())
}

// ObserveTidy records a probe orthogonalization and the resulting mean
// dominant mode fraction
func (r *Recorder) ObserveTidy(topModeFraction float64) {
	if r == nil {
		return
	}
	r.tidies.Inc()
	r.topMode.Set(topModeFraction)
}
