package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store for tests and dry runs. Values are stored
// serialized so callers never share a live Checkpoint with the store.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Save stores a snapshot of the checkpoint under the run ID.
func (s *MemStore) Save(_ context.Context, runID string, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", runID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[runID] = data
	return nil
}

// Load returns a copy of the stored checkpoint, or ErrNoCheckpoint.
func (s *MemStore) Load(_ context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.data[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoCheckpoint
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	return &cp, nil
}

// Clear removes the checkpoint for the run.
func (s *MemStore) Clear(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, runID)
	return nil
}
