package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestRecorderObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveBatch(20 * time.Millisecond)
	r.ObserveBatch(30 * time.Millisecond)
	r.ObserveEpoch(0.25, 0.005, time.Second)
	r.ObserveTidy(0.9)

	fams := gather(t, reg)
	assert.Equal(t, 2.0, fams["ptychogo_batches_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, fams["ptychogo_epochs_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 0.25, fams["ptychogo_epoch_loss"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 0.005, fams["ptychogo_learning_rate"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 0.9, fams["ptychogo_top_mode_fraction"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, uint64(2), fams["ptychogo_batch_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveBatch(time.Millisecond)
		r.ObserveEpoch(1, 1, time.Millisecond)
		r.ObserveTidy(1)
	})
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewRecorder(prometheus.NewRegistry())
		NewRecorder(prometheus.NewRegistry())
	})
}
