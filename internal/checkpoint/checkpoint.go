// Package checkpoint persists extraction progress so an interrupted run can
// resume without repeating completed units.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/codeanatomy/codeanatomy/internal/graph"
)

// ErrNoCheckpoint is returned by Store.Load when no checkpoint exists for
// the requested run.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Store persists checkpoints keyed by run ID.
type Store interface {
	Save(ctx context.Context, runID string, cp *Checkpoint) error
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	Clear(ctx context.Context, runID string) error
}

// Checkpoint captures the durable state of a run: which units completed,
// which failed terminally, and the graph accumulated so far.
type Checkpoint struct {
	ProcessedUnitIDs []string          `json:"processed_unit_ids"`
	Graph            *graph.Graph      `json:"graph"`
	FailedUnits      map[string]string `json:"failed_units,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`

	index map[string]struct{}
}

// New returns an empty checkpoint with an empty graph.
func New() *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		Graph:     graph.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkProcessed records a completed unit. Marking the same unit twice is a
// no-op, so replayed units after a resume do not inflate progress counts.
func (c *Checkpoint) MarkProcessed(unitID string) {
	c.ensureIndex()
	if _, ok := c.index[unitID]; ok {
		return
	}
	c.index[unitID] = struct{}{}
	c.ProcessedUnitIDs = append(c.ProcessedUnitIDs, unitID)
	delete(c.FailedUnits, unitID)
	c.UpdatedAt = time.Now().UTC()
}

// MarkFailed records a unit that exhausted its retries, with the final error
// message. A later successful attempt clears the entry via MarkProcessed.
func (c *Checkpoint) MarkFailed(unitID, message string) {
	if c.FailedUnits == nil {
		c.FailedUnits = make(map[string]string)
	}
	c.FailedUnits[unitID] = message
	c.UpdatedAt = time.Now().UTC()
}

// IsProcessed reports whether the unit already completed in this run.
func (c *Checkpoint) IsProcessed(unitID string) bool {
	c.ensureIndex()
	_, ok := c.index[unitID]
	return ok
}

// ProcessedCount returns the number of completed units.
func (c *Checkpoint) ProcessedCount() int { return len(c.ProcessedUnitIDs) }

// The index is rebuilt lazily because checkpoints loaded from a store carry
// only the serialized slice.
func (c *Checkpoint) ensureIndex() {
	if c.index != nil {
		return
	}
	c.index = make(map[string]struct{}, len(c.ProcessedUnitIDs))
	for _, id := range c.ProcessedUnitIDs {
		c.index[id] = struct{}{}
	}
}
