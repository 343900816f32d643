package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeanatomy/codeanatomy/internal/checkpoint"
	"github.com/codeanatomy/codeanatomy/internal/config"
	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/models"
	"github.com/codeanatomy/codeanatomy/internal/schema"
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "anatomy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestProject(t *testing.T, store Store, name string) *models.Project {
	t.Helper()
	p := &models.Project{Name: name, CodebasePath: "/srv/" + name}
	require.NoError(t, store.CreateProject(context.Background(), p))
	return p
}

func sampleSchema() *schema.Schema {
	return &schema.Schema{
		Database: "shop",
		Tables: []schema.Table{
			{Name: "users", Columns: []schema.Column{{Name: "id", Type: "uuid"}, {Name: "email", Type: "text"}}},
		},
	}
}

func sampleGraph() *graph.Graph {
	g := graph.New()
	g.AddNode(&graph.Node{ID: "controller:OrderController", Kind: graph.KindController})
	g.AddNode(&graph.Node{ID: "table:orders", Kind: graph.KindTable})
	g.AddEdge("controller:OrderController", "table:orders", "writes")
	return g
}

// TestCreateProject checks that generated fields are filled on insert.
func TestCreateProject(t *testing.T) {
	store := newTestStore(t)
	p := createTestProject(t, store, "shop")

	assert.NotEmpty(t, p.ID)
	assert.NotEmpty(t, p.AgentAPIKey)
	assert.Equal(t, "main", p.RepoBranch)
	assert.NotNil(t, p.ExcludedPaths)

	got, err := store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.AgentAPIKey, got.AgentAPIKey)
	assert.Equal(t, []string{}, got.ExcludedPaths)
	assert.False(t, got.HasSchema)
	assert.False(t, got.HasGraph)
	assert.False(t, got.HasCheckpoint)
	assert.False(t, got.HasGitHub)
}

func TestGetProjectMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetProject(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, store, "shop")

	name := "storefront"
	excluded := []string{"legacy", "tmp"}
	err := store.UpdateProject(ctx, p.ID, models.ProjectUpdate{Name: &name, ExcludedPaths: &excluded})
	require.NoError(t, err)

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "storefront", got.Name)
	assert.Equal(t, excluded, got.ExcludedPaths)
	assert.Equal(t, p.CodebasePath, got.CodebasePath, "fields not named in the update stay put")
	assert.True(t, got.UpdatedAt.After(p.UpdatedAt) || got.UpdatedAt.Equal(p.UpdatedAt))

	// No-op update touches nothing and is not an error.
	require.NoError(t, store.UpdateProject(ctx, p.ID, models.ProjectUpdate{}))

	err = store.UpdateProject(ctx, "missing", models.ProjectUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListProjects(t *testing.T) {
	store := newTestStore(t)
	createTestProject(t, store, "first")
	second := createTestProject(t, store, "second")

	projects, err := store.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, second.ID, projects[0].ID, "newest project first")
}

func TestProjectByAPIKeyAndGitHubToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, store, "shop")

	got, err := store.GetProjectByAPIKey(ctx, p.AgentAPIKey)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = store.GetProjectByAPIKey(ctx, "bogus")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetGitHubToken(ctx, p.ID, "gho_abc123"))
	got, err = store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.HasGitHub)
	assert.Equal(t, "gho_abc123", got.GitHubToken)

	// Empty token disconnects.
	require.NoError(t, store.SetGitHubToken(ctx, p.ID, "  "))
	got, err = store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.HasGitHub)
}

func TestSchemasLatestWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, store, "shop")

	_, err := store.LatestSchema(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveSchema(ctx, p.ID, &schema.Schema{Database: "old"}))
	require.NoError(t, store.SaveSchema(ctx, p.ID, sampleSchema()))

	got, err := store.LatestSchema(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "shop", got.Database)
	require.Len(t, got.Tables, 1)
	assert.Equal(t, "users", got.Tables[0].Name)

	flagged, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, flagged.HasSchema)
}

// TestRunLifecycle walks a run through its status transitions and checks
// the timestamps and log each one leaves behind.
func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, store, "shop")

	run, err := store.CreateRun(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.Status)

	require.NoError(t, store.SetRunRunning(ctx, run.ID))
	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)

	require.NoError(t, store.AppendRunLog(ctx, run.ID, "Found 12 files"))
	require.NoError(t, store.AppendRunLog(ctx, run.ID, "Processed 5/12"))
	got, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "Found 12 files\nProcessed 5/12", got.Log)

	require.NoError(t, store.SetRunFailed(ctx, run.ID, "provider quota exhausted"))
	got, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, "provider quota exhausted", got.ErrorMessage)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.Status.Terminal())
	assert.True(t, got.Status.Resumable())
}

func TestRunCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, store, "shop")

	run, err := store.CreateRun(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, store.SetRunCancelled(ctx, run.ID))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, got.Status)
	assert.Equal(t, "Cancelled by user", got.ErrorMessage)

	assert.ErrorIs(t, store.SetRunRunning(ctx, "missing"), ErrNotFound)
}

func TestGraphsLatestWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, store, "shop")

	_, err := store.LatestGraph(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveGraph(ctx, p.ID, graph.New()))
	require.NoError(t, store.SaveGraph(ctx, p.ID, sampleGraph()))

	got, err := store.LatestGraph(ctx, p.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Node("table:orders"))
	assert.True(t, got.HasEdge("controller:OrderController", "table:orders", "writes"))

	require.NoError(t, store.DeleteGraphs(ctx, p.ID))
	_, err = store.LatestGraph(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckpoints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, store, "shop")

	first := checkpoint.New()
	first.MarkProcessed("app/Models/User.php")
	require.NoError(t, store.SaveCheckpoint(ctx, p.ID, "run-1", first))

	second := checkpoint.New()
	second.MarkProcessed("app/Models/User.php")
	second.MarkProcessed("routes/web.php")
	require.NoError(t, store.SaveCheckpoint(ctx, p.ID, "run-2", second))

	cp, err := store.LoadRunCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.ProcessedCount())

	runID, cp, err := store.LatestCheckpoint(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-2", runID)
	assert.Equal(t, 2, cp.ProcessedCount())

	require.NoError(t, store.ClearCheckpoints(ctx, p.ID))
	_, _, err = store.LatestCheckpoint(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestCheckpointStoreAdapter checks the checkpoint.Store view over SQL
// storage, including the sentinel translation on missing rows.
func TestCheckpointStoreAdapter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, store, "shop")
	adapter := NewCheckpointStore(store, p.ID)

	_, err := adapter.Load(ctx, "run-1")
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)

	cp := checkpoint.New()
	cp.MarkProcessed("src/app.js")
	require.NoError(t, adapter.Save(ctx, "run-1", cp))

	loaded, err := adapter.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, loaded.IsProcessed("src/app.js"))

	require.NoError(t, adapter.Clear(ctx, "run-1"))
	_, err = adapter.Load(ctx, "run-1")
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
}

// TestDeleteProjectCascades verifies that dependent rows go with the
// project, which requires foreign keys to be on for every connection.
func TestDeleteProjectCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, store, "shop")

	require.NoError(t, store.SaveGraph(ctx, p.ID, sampleGraph()))
	require.NoError(t, store.SaveSchema(ctx, p.ID, sampleSchema()))
	run, err := store.CreateRun(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, store.SaveCheckpoint(ctx, p.ID, run.ID, checkpoint.New()))

	require.NoError(t, store.DeleteProject(ctx, p.ID))

	_, err = store.LatestGraph(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.LatestSchema(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = store.LatestCheckpoint(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.DeleteProject(ctx, p.ID), ErrNotFound)
}

func TestNewAPIKey(t *testing.T) {
	a, err := NewAPIKey()
	require.NoError(t, err)
	b, err := NewAPIKey()
	require.NoError(t, err)

	assert.Len(t, a, 43, "32 random bytes base64url encode to 43 chars")
	assert.NotEqual(t, a, b)
}

func TestOpen(t *testing.T) {
	t.Run("defaults to sqlite", func(t *testing.T) {
		store, err := Open(config.StorageConfig{LocalPath: filepath.Join(t.TempDir(), "db.sqlite")})
		require.NoError(t, err)
		defer store.Close()
		_, ok := store.(*SQLiteStore)
		assert.True(t, ok)
	})

	t.Run("postgres requires dsn", func(t *testing.T) {
		_, err := Open(config.StorageConfig{Type: "postgres"})
		assert.Error(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := Open(config.StorageConfig{Type: "mongodb"})
		assert.ErrorContains(t, err, "unknown storage type")
	})
}

// TestPostgresRoundTrip runs against a real Postgres when one is provided.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("ANATOMY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ANATOMY_TEST_POSTGRES_DSN not set")
	}

	store, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	p := &models.Project{Name: "pg-roundtrip", ExcludedPaths: []string{"vendor"}}
	require.NoError(t, store.CreateProject(ctx, p))
	defer store.DeleteProject(ctx, p.ID)

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor"}, got.ExcludedPaths)

	run, err := store.CreateRun(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, store.SetRunRunning(ctx, run.ID))
	require.NoError(t, store.AppendRunLog(ctx, run.ID, "hello"))
	require.NoError(t, store.SetRunCompleted(ctx, run.ID))

	gotRun, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, gotRun.Status)
	assert.Equal(t, "hello", gotRun.Log)
}
