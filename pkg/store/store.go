// Package store persists datasets and reconstruction results. Records are
// encoded as versioned JSON documents; backends are an in-memory map and
// SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ptychogo/internal/models"
)

// ErrNotFound is returned by the Load helpers when no record has the id
var ErrNotFound = errors.New("record not found")

// VersionedRecord tags every stored document with the layout it was
// written with
type VersionedRecord struct {
	SchemaVersion int `json:"schemaVersion"`
	CodecVersion  int `json:"codecVersion"`
}

func currentVersion() VersionedRecord {
	return VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

// DatasetRecord is a stored scan
type DatasetRecord struct {
	VersionedRecord
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"createdAt"`
	Dataset   models.Dataset `json:"dataset"`
}

// ResultsRecord is the stored outcome of one reconstruction run
type ResultsRecord struct {
	VersionedRecord
	RunID     string         `json:"runId"`
	DatasetID string         `json:"datasetId"`
	CreatedAt time.Time      `json:"createdAt"`
	Results   models.Results `json:"results"`
}

// NewDatasetRecord wraps ds in a record with a fresh id
func NewDatasetRecord(name string, ds models.Dataset) DatasetRecord {
	return DatasetRecord{
		VersionedRecord: currentVersion(),
		ID:              uuid.NewString(),
		Name:            name,
		CreatedAt:       time.Now().UTC(),
		Dataset:         ds,
	}
}

// NewResultsRecord wraps res in a record with a fresh run id
func NewResultsRecord(datasetID string, res models.Results) ResultsRecord {
	return ResultsRecord{
		VersionedRecord: currentVersion(),
		RunID:           uuid.NewString(),
		DatasetID:       datasetID,
		CreatedAt:       time.Now().UTC(),
		Results:         res,
	}
}

// Store defines the persistence operations for datasets and results
type Store interface {
	Init(ctx context.Context) error
	SaveDataset(ctx context.Context, record DatasetRecord) error
	GetDataset(ctx context.Context, id string) (DatasetRecord, bool, error)
	SaveResults(ctx context.Context, record ResultsRecord) error
	GetResults(ctx context.Context, runID string) (ResultsRecord, bool, error)
	ListResults(ctx context.Context) ([]string, error)
}

// LoadDataset fetches a dataset, returning ErrNotFound when it is absent
func LoadDataset(ctx context.Context, s Store, id string) (DatasetRecord, error) {
	rec, ok, err := s.GetDataset(ctx, id)
	if err != nil {
		return DatasetRecord{}, err
	}
	if !ok {
		return DatasetRecord{}, fmt.Errorf("dataset %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// LoadResults fetches a run's results, returning ErrNotFound when absent
func LoadResults(ctx context.Context, s Store, runID string) (ResultsRecord, error) {
	rec, ok, err := s.GetResults(ctx, runID)
	if err != nil {
		return ResultsRecord{}, err
	}
	if !ok {
		return ResultsRecord{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return rec, nil
}
