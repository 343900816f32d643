package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/codeanatomy/codeanatomy/internal/checkpoint"
	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/logging"
	"github.com/codeanatomy/codeanatomy/internal/models"
	"github.com/codeanatomy/codeanatomy/internal/schema"
)

// SQLiteStore implements storage using SQLite (for local/development)
type SQLiteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite storage at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Foreign keys are per-connection in SQLite, so they ride the DSN
	// where every pooled connection picks them up.
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logging.Component("storage").With("backend", "sqlite"),
	}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	store.logger.Debug("sqlite storage ready", "path", path)
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		codebase_path TEXT NOT NULL DEFAULT '',
		repo_url TEXT NOT NULL DEFAULT '',
		repo_branch TEXT NOT NULL DEFAULT 'main',
		agent_api_key TEXT NOT NULL UNIQUE,
		excluded_paths TEXT NOT NULL DEFAULT '[]',
		github_access_token TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_schemas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		schema TEXT NOT NULL,
		received_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS analysis_jobs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		error_message TEXT,
		log TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS graphs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		graph TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		job_id TEXT NOT NULL,
		checkpoint TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_schemas_project ON project_schemas(project_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_project ON analysis_jobs(project_id);
	CREATE INDEX IF NOT EXISTS idx_graphs_project ON graphs(project_id);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_project ON project_checkpoints(project_id);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_job ON project_checkpoints(job_id);
	`

	_, err := s.db.Exec(ddl)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execOne runs a statement that must touch exactly one row.
func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sqliteProjectSelect = `
	SELECT p.id, p.name, p.codebase_path, p.repo_url, p.repo_branch,
		p.agent_api_key, p.excluded_paths, COALESCE(p.github_access_token, ''),
		p.created_at, p.updated_at,
		EXISTS(SELECT 1 FROM project_schemas s WHERE s.project_id = p.id),
		EXISTS(SELECT 1 FROM graphs g WHERE g.project_id = p.id),
		EXISTS(SELECT 1 FROM project_checkpoints c WHERE c.project_id = p.id)
	FROM projects p
`

func scanSQLiteProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var excluded, token string
	err := row.Scan(&p.ID, &p.Name, &p.CodebasePath, &p.RepoURL, &p.RepoBranch,
		&p.AgentAPIKey, &excluded, &token, &p.CreatedAt, &p.UpdatedAt,
		&p.HasSchema, &p.HasGraph, &p.HasCheckpoint)
	if err != nil {
		return nil, err
	}
	p.ExcludedPaths = parseExcludedPaths(excluded)
	p.GitHubToken = strings.TrimSpace(token)
	p.HasGitHub = p.GitHubToken != ""
	return &p, nil
}

// Project operations

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if err := prepareProject(p); err != nil {
		return err
	}
	excluded, err := encodeJSON(p.ExcludedPaths, "excluded paths")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO projects
		(id, name, codebase_path, repo_url, repo_branch, agent_api_key, excluded_paths, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.CodebasePath, p.RepoURL, p.RepoBranch,
		p.AgentAPIKey, string(excluded), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, sqliteProjectSelect+` ORDER BY p.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanSQLiteProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, sqliteProjectSelect+` WHERE p.id = ?`, id)
	p, err := scanSQLiteProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *SQLiteStore) GetProjectByAPIKey(ctx context.Context, apiKey string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, sqliteProjectSelect+` WHERE p.agent_api_key = ?`, apiKey)
	p, err := scanSQLiteProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, id string, upd models.ProjectUpdate) error {
	var sets []string
	var args []any
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.CodebasePath != nil {
		sets = append(sets, "codebase_path = ?")
		args = append(args, *upd.CodebasePath)
	}
	if upd.ExcludedPaths != nil {
		excluded, err := encodeJSON(nonNil(*upd.ExcludedPaths), "excluded paths")
		if err != nil {
			return err
		}
		sets = append(sets, "excluded_paths = ?")
		args = append(args, string(excluded))
	}
	if upd.RepoURL != nil {
		sets = append(sets, "repo_url = ?")
		args = append(args, *upd.RepoURL)
	}
	if upd.RepoBranch != nil {
		sets = append(sets, "repo_branch = ?")
		args = append(args, *upd.RepoBranch)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := "UPDATE projects SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	return s.execOne(ctx, query, args...)
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM projects WHERE id = ?`, id)
}

func (s *SQLiteStore) SetGitHubToken(ctx context.Context, id, token string) error {
	var val any
	if tok := strings.TrimSpace(token); tok != "" {
		val = tok
	}
	return s.execOne(ctx, `UPDATE projects SET github_access_token = ? WHERE id = ?`, val, id)
}

// Schema operations

func (s *SQLiteStore) SaveSchema(ctx context.Context, projectID string, sch *schema.Schema) error {
	data, err := encodeJSON(sch, "schema")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO project_schemas (project_id, schema, received_at) VALUES (?, ?, ?)`,
		projectID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestSchema(ctx context.Context, projectID string) (*schema.Schema, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT schema FROM project_schemas WHERE project_id = ? ORDER BY received_at DESC, id DESC LIMIT 1`,
		projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schema: %w", err)
	}
	return decodeSchema(raw)
}

// Run operations

func (s *SQLiteStore) CreateRun(ctx context.Context, projectID string) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    models.RunPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_jobs (id, project_id, status, created_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.Status, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	query := `
		SELECT id, project_id, status, created_at, started_at, finished_at,
			COALESCE(error_message, '') AS error_message, log
		FROM analysis_jobs WHERE id = ?
	`
	err := s.db.GetContext(ctx, &run, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

func (s *SQLiteStore) SetRunRunning(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`UPDATE analysis_jobs SET status = 'running', started_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
}

func (s *SQLiteStore) SetRunCompleted(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`UPDATE analysis_jobs SET status = 'completed', finished_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
}

func (s *SQLiteStore) SetRunFailed(ctx context.Context, id, errorMessage string) error {
	return s.execOne(ctx,
		`UPDATE analysis_jobs SET status = 'failed', finished_at = ?, error_message = ? WHERE id = ?`,
		time.Now().UTC(), errorMessage, id)
}

func (s *SQLiteStore) SetRunCancelled(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`UPDATE analysis_jobs SET status = 'cancelled', finished_at = ?, error_message = ? WHERE id = ?`,
		time.Now().UTC(), "Cancelled by user", id)
}

func (s *SQLiteStore) AppendRunLog(ctx context.Context, id, message string) error {
	query := `
		UPDATE analysis_jobs
		SET log = CASE WHEN log = '' THEN ? ELSE log || char(10) || ? END
		WHERE id = ?
	`
	return s.execOne(ctx, query, message, message, id)
}

// Graph operations

func (s *SQLiteStore) SaveGraph(ctx context.Context, projectID string, g *graph.Graph) error {
	data, err := encodeJSON(g, "graph")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graphs (project_id, graph, created_at) VALUES (?, ?, ?)`,
		projectID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save graph: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestGraph(ctx context.Context, projectID string) (*graph.Graph, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT graph FROM graphs WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get graph: %w", err)
	}
	return decodeGraph(raw)
}

func (s *SQLiteStore) DeleteGraphs(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE project_id = ?`, projectID)
	return err
}

// Checkpoint operations

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, projectID, runID string, cp *checkpoint.Checkpoint) error {
	data, err := encodeJSON(cp, "checkpoint")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO project_checkpoints (project_id, job_id, checkpoint, created_at) VALUES (?, ?, ?, ?)`,
		projectID, runID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadRunCheckpoint(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT checkpoint FROM project_checkpoints WHERE job_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return decodeCheckpoint(raw)
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, projectID string) (string, *checkpoint.Checkpoint, error) {
	var row struct {
		JobID string `db:"job_id"`
		Raw   []byte `db:"checkpoint"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT job_id, checkpoint FROM project_checkpoints WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("get latest checkpoint: %w", err)
	}
	cp, err := decodeCheckpoint(row.Raw)
	if err != nil {
		return "", nil, err
	}
	return row.JobID, cp, nil
}

func (s *SQLiteStore) ClearCheckpoints(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM project_checkpoints WHERE project_id = ?`, projectID)
	return err
}

// parseExcludedPaths tolerates malformed stored values, mirroring the
// forgiving reads the API has always done.
func parseExcludedPaths(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil || paths == nil {
		return []string{}
	}
	return paths
}
