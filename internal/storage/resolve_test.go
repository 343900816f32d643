package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResolveProject covers the selector rules: id beats name, names match
// case-insensitively, and an empty selector works only when exactly one
// project exists.
func TestResolveProject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	shop := createTestProject(t, store, "Shop")

	byID, err := ResolveProject(ctx, store, shop.ID)
	require.NoError(t, err)
	assert.Equal(t, shop.ID, byID.ID)

	byName, err := ResolveProject(ctx, store, "shop")
	require.NoError(t, err)
	assert.Equal(t, shop.ID, byName.ID)

	only, err := ResolveProject(ctx, store, "")
	require.NoError(t, err)
	assert.Equal(t, shop.ID, only.ID, "single project needs no selector")

	_, err = ResolveProject(ctx, store, "warehouse")
	assert.ErrorContains(t, err, `no project with id or name "warehouse"`)

	createTestProject(t, store, "warehouse")
	_, err = ResolveProject(ctx, store, "")
	assert.ErrorContains(t, err, "several projects exist")
	assert.ErrorContains(t, err, "Shop, warehouse")
}

// TestResolveProject_Empty reports a helpful error when nothing exists yet.
func TestResolveProject_Empty(t *testing.T) {
	store := newTestStore(t)

	_, err := ResolveProject(context.Background(), store, "")
	assert.ErrorContains(t, err, "no projects exist yet")
}
