package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/codeanatomy/codeanatomy/internal/checkpoint"
	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/logging"
	"github.com/codeanatomy/codeanatomy/internal/models"
	"github.com/codeanatomy/codeanatomy/internal/schema"
)

// PostgresStore implements storage using PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgreSQL storage
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{
		db:     db,
		logger: logging.Component("storage").With("backend", "postgres"),
	}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return store, nil
}

// The pgx driver prepares statements, which forbids multiple commands per
// Exec, so the DDL runs one statement at a time.
var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		codebase_path TEXT NOT NULL DEFAULT '',
		repo_url TEXT NOT NULL DEFAULT '',
		repo_branch TEXT NOT NULL DEFAULT 'main',
		agent_api_key VARCHAR(255) NOT NULL UNIQUE,
		excluded_paths TEXT[] NOT NULL DEFAULT '{}',
		github_access_token TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS project_schemas (
		id SERIAL PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		schema JSONB NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS analysis_jobs (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		status VARCHAR(32) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		error_message TEXT,
		log TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS graphs (
		id SERIAL PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		graph JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS project_checkpoints (
		id SERIAL PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		job_id UUID NOT NULL,
		checkpoint JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schemas_project ON project_schemas(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_project ON analysis_jobs(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_graphs_project ON graphs(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_project ON project_checkpoints(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_job ON project_checkpoints(job_id)`,
}

func (s *PostgresStore) initSchema() error {
	for _, stmt := range postgresDDL {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// execOne runs a statement that must touch exactly one row.
func (s *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
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

const postgresProjectSelect = `
	SELECT p.id::text, p.name, p.codebase_path, p.repo_url, p.repo_branch,
		p.agent_api_key, p.excluded_paths, COALESCE(p.github_access_token, ''),
		p.created_at, p.updated_at,
		EXISTS(SELECT 1 FROM project_schemas s WHERE s.project_id = p.id),
		EXISTS(SELECT 1 FROM graphs g WHERE g.project_id = p.id),
		EXISTS(SELECT 1 FROM project_checkpoints c WHERE c.project_id = p.id)
	FROM projects p
`

func scanPostgresProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var token string
	err := row.Scan(&p.ID, &p.Name, &p.CodebasePath, &p.RepoURL, &p.RepoBranch,
		&p.AgentAPIKey, pq.Array(&p.ExcludedPaths), &token, &p.CreatedAt, &p.UpdatedAt,
		&p.HasSchema, &p.HasGraph, &p.HasCheckpoint)
	if err != nil {
		return nil, err
	}
	if p.ExcludedPaths == nil {
		p.ExcludedPaths = []string{}
	}
	p.GitHubToken = strings.TrimSpace(token)
	p.HasGitHub = p.GitHubToken != ""
	return &p, nil
}

// Project operations

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	if err := prepareProject(p); err != nil {
		return err
	}

	query := `
		INSERT INTO projects (id, name, codebase_path, repo_url, repo_branch,
			agent_api_key, excluded_paths, created_at, updated_at)
		VALUES (:id, :name, :codebase_path, :repo_url, :repo_branch,
			:agent_api_key, :excluded_paths, :created_at, :updated_at)
	`
	_, err := s.db.NamedExecContext(ctx, query, map[string]any{
		"id":             p.ID,
		"name":           p.Name,
		"codebase_path":  p.CodebasePath,
		"repo_url":       p.RepoURL,
		"repo_branch":    p.RepoBranch,
		"agent_api_key":  p.AgentAPIKey,
		"excluded_paths": pq.Array(p.ExcludedPaths),
		"created_at":     p.CreatedAt,
		"updated_at":     p.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, postgresProjectSelect+` ORDER BY p.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanPostgresProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, postgresProjectSelect+` WHERE p.id = $1`, id)
	p, err := scanPostgresProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) GetProjectByAPIKey(ctx context.Context, apiKey string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, postgresProjectSelect+` WHERE p.agent_api_key = $1`, apiKey)
	p, err := scanPostgresProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) UpdateProject(ctx context.Context, id string, upd models.ProjectUpdate) error {
	var sets []string
	var args []any
	add := func(column string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.CodebasePath != nil {
		add("codebase_path", *upd.CodebasePath)
	}
	if upd.ExcludedPaths != nil {
		add("excluded_paths", pq.Array(nonNil(*upd.ExcludedPaths)))
	}
	if upd.RepoURL != nil {
		add("repo_url", *upd.RepoURL)
	}
	if upd.RepoBranch != nil {
		add("repo_branch", *upd.RepoBranch)
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf("UPDATE projects SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	return s.execOne(ctx, query, args...)
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM projects WHERE id = $1`, id)
}

func (s *PostgresStore) SetGitHubToken(ctx context.Context, id, token string) error {
	var val any
	if tok := strings.TrimSpace(token); tok != "" {
		val = tok
	}
	return s.execOne(ctx, `UPDATE projects SET github_access_token = $2 WHERE id = $1`, id, val)
}

// Schema operations

func (s *PostgresStore) SaveSchema(ctx context.Context, projectID string, sch *schema.Schema) error {
	data, err := encodeJSON(sch, "schema")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO project_schemas (project_id, schema, received_at) VALUES ($1, $2, $3)`,
		projectID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestSchema(ctx context.Context, projectID string) (*schema.Schema, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT schema FROM project_schemas WHERE project_id = $1 ORDER BY received_at DESC, id DESC LIMIT 1`,
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

func (s *PostgresStore) CreateRun(ctx context.Context, projectID string) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    models.RunPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_jobs (id, project_id, status, created_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.ProjectID, run.Status, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	query := `
		SELECT id::text AS id, project_id::text AS project_id, status, created_at,
			started_at, finished_at, COALESCE(error_message, '') AS error_message, log
		FROM analysis_jobs WHERE id = $1
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

func (s *PostgresStore) SetRunRunning(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`UPDATE analysis_jobs SET status = 'running', started_at = $2 WHERE id = $1`,
		id, time.Now().UTC())
}

func (s *PostgresStore) SetRunCompleted(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`UPDATE analysis_jobs SET status = 'completed', finished_at = $2 WHERE id = $1`,
		id, time.Now().UTC())
}

func (s *PostgresStore) SetRunFailed(ctx context.Context, id, errorMessage string) error {
	return s.execOne(ctx,
		`UPDATE analysis_jobs SET status = 'failed', finished_at = $2, error_message = $3 WHERE id = $1`,
		id, time.Now().UTC(), errorMessage)
}

func (s *PostgresStore) SetRunCancelled(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`UPDATE analysis_jobs SET status = 'cancelled', finished_at = $2, error_message = $3 WHERE id = $1`,
		id, time.Now().UTC(), "Cancelled by user")
}

func (s *PostgresStore) AppendRunLog(ctx context.Context, id, message string) error {
	query := `
		UPDATE analysis_jobs
		SET log = CASE WHEN log = '' THEN $2 ELSE log || chr(10) || $2 END
		WHERE id = $1
	`
	return s.execOne(ctx, query, id, message)
}

// Graph operations

func (s *PostgresStore) SaveGraph(ctx context.Context, projectID string, g *graph.Graph) error {
	data, err := encodeJSON(g, "graph")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graphs (project_id, graph, created_at) VALUES ($1, $2, $3)`,
		projectID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save graph: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestGraph(ctx context.Context, projectID string) (*graph.Graph, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT graph FROM graphs WHERE project_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get graph: %w", err)
	}
	return decodeGraph(raw)
}

func (s *PostgresStore) DeleteGraphs(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE project_id = $1`, projectID)
	return err
}

// Checkpoint operations

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, projectID, runID string, cp *checkpoint.Checkpoint) error {
	data, err := encodeJSON(cp, "checkpoint")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO project_checkpoints (project_id, job_id, checkpoint, created_at) VALUES ($1, $2, $3, $4)`,
		projectID, runID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadRunCheckpoint(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT checkpoint FROM project_checkpoints WHERE job_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return decodeCheckpoint(raw)
}

func (s *PostgresStore) LatestCheckpoint(ctx context.Context, projectID string) (string, *checkpoint.Checkpoint, error) {
	var row struct {
		JobID string `db:"job_id"`
		Raw   []byte `db:"checkpoint"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT job_id::text AS job_id, checkpoint FROM project_checkpoints WHERE project_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
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

func (s *PostgresStore) ClearCheckpoints(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM project_checkpoints WHERE project_id = $1`, projectID)
	return err
}
