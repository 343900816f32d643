package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "checkpoints"

// BoltStore keeps checkpoints in a local bbolt file. It is the default store
// for CLI runs, where no database is configured.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the checkpoint database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// Save writes the checkpoint under the run ID, overwriting any prior state.
func (s *BoltStore) Save(_ context.Context, runID string, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", runID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(runID), data)
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", runID, err)
	}
	return nil
}

// Load returns the stored checkpoint, or ErrNoCheckpoint when the run has
// never been checkpointed.
func (s *BoltStore) Load(_ context.Context, runID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return ErrNoCheckpoint
		}
		data := bucket.Get([]byte(runID))
		if data == nil {
			return ErrNoCheckpoint
		}
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		if errors.Is(err, ErrNoCheckpoint) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	return &cp, nil
}

// Clear removes the checkpoint for the run. Clearing a missing checkpoint
// is not an error.
func (s *BoltStore) Clear(_ context.Context, runID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(runID))
	})
	if err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", runID, err)
	}
	return nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
