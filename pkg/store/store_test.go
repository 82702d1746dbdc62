package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptychogo/internal/models"
)

func sampleDataset() models.Dataset {
	mask := models.NewMask(2, 2, true)
	mask.Data[3] = false
	return models.Dataset{
		Wavelength: 1e-9,
		Detector: models.DetectorGeometry{
			Basis:    models.NewBasis(models.Vec3{0, -55e-6, 0}, models.Vec3{-55e-6, 0, 0}),
			Distance: 0.5,
		},
		Translations: []models.Vec3{{1e-6, 0, 0}, {0, 2e-6, 0}},
		Patterns: []models.RealField{
			{Data: []float64{1, 2, 3, 4}, Rows: 2, Cols: 2},
			{Data: []float64{5, 6, 7, 8}, Rows: 2, Cols: 2},
		},
		Mask: &mask,
	}
}

func sampleResults() models.Results {
	return models.Results{
		Basis:        models.NewBasis(models.Vec3{1e-7, 0, 0}, models.Vec3{0, 1e-7, 0}),
		Translations: []models.Vec3{{1e-6, 0, 0}},
		Probe:        []models.Field{{Data: []complex128{1 + 2i, 3, -1i, 0}, Rows: 2, Cols: 2}},
		Object:       models.Field{Data: []complex128{1, 1i}, Rows: 1, Cols: 2},
		Background:   models.RealField{Data: []float64{0.1, 0.2, 0.3, 0.4}, Rows: 2, Cols: 2},
		Weights:      []float64{1},
		LossHistory:  []float64{3, 2, 1},
	}
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewStore("sqlite", filepath.Join(t.TempDir(), "ptychogo.db"))
	require.NoError(t, err)
	memory, err := NewStore("memory", "")
	require.NoError(t, err)
	return map[string]Store{"memory": memory, "sqlite": sqlite}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Init(ctx))
			t.Cleanup(func() { _ = CloseIfSupported(s) })

			ds := NewDatasetRecord("scan", sampleDataset())
			require.NoError(t, s.SaveDataset(ctx, ds))
			loaded, ok, err := s.GetDataset(ctx, ds.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, ds.Dataset, loaded.Dataset)
			assert.Equal(t, "scan", loaded.Name)
			assert.True(t, ds.CreatedAt.Equal(loaded.CreatedAt))

			res := NewResultsRecord(ds.ID, sampleResults())
			require.NoError(t, s.SaveResults(ctx, res))
			got, err := LoadResults(ctx, s, res.RunID)
			require.NoError(t, err)
			assert.Equal(t, res.Results, got.Results)
			assert.Equal(t, ds.ID, got.DatasetID)

			// saving again replaces the record
			res.Results.LossHistory = []float64{0.5}
			require.NoError(t, s.SaveResults(ctx, res))
			got, err = LoadResults(ctx, s, res.RunID)
			require.NoError(t, err)
			assert.Equal(t, []float64{0.5}, got.Results.LossHistory)

			ids, err := s.ListResults(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{res.RunID}, ids)
		})
	}
}

func TestStoreMissingRecords(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Init(ctx))
			t.Cleanup(func() { _ = CloseIfSupported(s) })

			_, ok, err := s.GetResults(ctx, "nope")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = LoadResults(ctx, s, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = LoadDataset(ctx, s, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreRequiresInit(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.SaveResults(ctx, NewResultsRecord("", sampleResults()))
			assert.Error(t, err)
		})
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	rec := NewResultsRecord("d", sampleResults())
	rec.SchemaVersion = CurrentSchemaVersion + 1
	payload, err := json.Marshal(rec)
	require.NoError(t, err)

	_, err = DecodeResults(payload)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	ds := NewDatasetRecord("d", sampleDataset())
	ds.CodecVersion = 0
	payload, err = EncodeDataset(ds)
	require.NoError(t, err)
	_, err = DecodeDataset(payload)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestNewStoreRejectsUnknownBackend(t *testing.T) {
	_, err := NewStore("redis", "")
	assert.Error(t, err)
}

func TestSQLiteRequiresPath(t *testing.T) {
	s := NewSQLiteStore("")
	assert.Error(t, s.Init(context.Background()))
	assert.NoError(t, s.Close())
}

func TestRecordIDsAreUnique(t *testing.T) {
	a := NewResultsRecord("", models.Results{})
	b := NewResultsRecord("", models.Results{})
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Len(t, a.RunID, 36)
}
