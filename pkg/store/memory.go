package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var errNotInitialized = errors.New("store is not initialized")

// MemoryStore keeps encoded records in maps. Records are stored encoded so
// callers never share buffers with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	datasets    map[string][]byte
	results     map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.datasets = make(map[string][]byte)
	s.results = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) SaveDataset(_ context.Context, record DatasetRecord) error {
	payload, err := EncodeDataset(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	s.datasets[record.ID] = payload
	return nil
}

func (s *MemoryStore) GetDataset(_ context.Context, id string) (DatasetRecord, bool, error) {
	s.mu.RLock()
	payload, ok := s.datasets[id]
	s.mu.RUnlock()
	if !ok {
		return DatasetRecord{}, false, nil
	}

	record, err := DecodeDataset(payload)
	if err != nil {
		return DatasetRecord{}, false, err
	}
	return record, true, nil
}

func (s *MemoryStore) SaveResults(_ context.Context, record ResultsRecord) error {
	payload, err := EncodeResults(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	s.results[record.RunID] = payload
	return nil
}

func (s *MemoryStore) GetResults(_ context.Context, runID string) (ResultsRecord, bool, error) {
	s.mu.RLock()
	payload, ok := s.results[runID]
	s.mu.RUnlock()
	if !ok {
		return ResultsRecord{}, false, nil
	}

	record, err := DecodeResults(payload)
	if err != nil {
		return ResultsRecord{}, false, err
	}
	return record, true, nil
}

func (s *MemoryStore) ListResults(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.results))
	for id := range s.results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
