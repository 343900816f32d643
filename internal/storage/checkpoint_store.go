package storage

import (
	"context"
	"errors"

	"github.com/codeanatomy/codeanatomy/internal/checkpoint"
)

// CheckpointStore adapts a Store to checkpoint.Store for a single project,
// so the pipeline can persist run checkpoints without knowing about
// projects or backends.
type CheckpointStore struct {
	store     Store
	projectID string
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

// NewCheckpointStore returns a checkpoint store scoped to one project.
func NewCheckpointStore(store Store, projectID string) *CheckpointStore {
	return &CheckpointStore{store: store, projectID: projectID}
}

// Save appends a checkpoint row for the run.
func (c *CheckpointStore) Save(ctx context.Context, runID string, cp *checkpoint.Checkpoint) error {
	return c.store.SaveCheckpoint(ctx, c.projectID, runID, cp)
}

// Load returns the newest checkpoint written by the run.
func (c *CheckpointStore) Load(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	cp, err := c.store.LoadRunCheckpoint(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		return nil, checkpoint.ErrNoCheckpoint
	}
	return cp, err
}

// Clear drops every checkpoint for the project. Once a run completes,
// checkpoints from earlier attempts are useless too.
func (c *CheckpointStore) Clear(ctx context.Context, _ string) error {
	return c.store.ClearCheckpoints(ctx, c.projectID)
}
