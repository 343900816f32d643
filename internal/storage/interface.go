// Package storage persists projects, runs, schemas, graphs, and checkpoints
// behind a backend-agnostic Store interface. SQLite serves local single-user
// setups; Postgres serves the hosted server.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeanatomy/codeanatomy/internal/checkpoint"
	"github.com/codeanatomy/codeanatomy/internal/config"
	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/models"
	"github.com/codeanatomy/codeanatomy/internal/schema"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the storage interface
type Store interface {
	// Project operations
	CreateProject(ctx context.Context, p *models.Project) error
	ListProjects(ctx context.Context) ([]*models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByAPIKey(ctx context.Context, apiKey string) (*models.Project, error)
	UpdateProject(ctx context.Context, id string, upd models.ProjectUpdate) error
	DeleteProject(ctx context.Context, id string) error
	SetGitHubToken(ctx context.Context, id, token string) error

	// Schema operations; saves append, reads return the newest row
	SaveSchema(ctx context.Context, projectID string, sch *schema.Schema) error
	LatestSchema(ctx context.Context, projectID string) (*schema.Schema, error)

	// Run operations
	CreateRun(ctx context.Context, projectID string) (*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	SetRunRunning(ctx context.Context, id string) error
	SetRunCompleted(ctx context.Context, id string) error
	SetRunFailed(ctx context.Context, id, errorMessage string) error
	SetRunCancelled(ctx context.Context, id string) error
	AppendRunLog(ctx context.Context, id, message string) error

	// Graph operations
	SaveGraph(ctx context.Context, projectID string, g *graph.Graph) error
	LatestGraph(ctx context.Context, projectID string) (*graph.Graph, error)
	DeleteGraphs(ctx context.Context, projectID string) error

	// Checkpoint operations
	SaveCheckpoint(ctx context.Context, projectID, runID string, cp *checkpoint.Checkpoint) error
	LoadRunCheckpoint(ctx context.Context, runID string) (*checkpoint.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, projectID string) (string, *checkpoint.Checkpoint, error)
	ClearCheckpoints(ctx context.Context, projectID string) error

	// Close connection
	Close() error
}

// Open selects a backend from the configuration. An explicit type wins;
// otherwise a configured Postgres DSN selects Postgres and anything else
// falls back to a local SQLite file.
func Open(cfg config.StorageConfig) (Store, error) {
	typ := strings.ToLower(strings.TrimSpace(cfg.Type))
	if typ == "" {
		if cfg.PostgresDSN != "" {
			typ = "postgres"
		} else {
			typ = "sqlite"
		}
	}
	switch typ {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres storage requires a DSN: set POSTGRES_DSN")
		}
		return NewPostgresStore(cfg.PostgresDSN)
	case "sqlite":
		path := cfg.LocalPath
		if path == "" {
			path = "anatomydb.sqlite"
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown storage type %q (choose postgres or sqlite)", cfg.Type)
	}
}

// NewAPIKey returns a URL-safe random key used to authenticate schema
// agents. 32 bytes of entropy, no padding.
func NewAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the project scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// prepareProject fills the generated fields of a project before insert.
func prepareProject(p *models.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.AgentAPIKey == "" {
		key, err := NewAPIKey()
		if err != nil {
			return err
		}
		p.AgentAPIKey = key
	}
	if p.RepoBranch == "" {
		p.RepoBranch = "main"
	}
	p.ExcludedPaths = nonNil(p.ExcludedPaths)
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func nonNil(paths []string) []string {
	if paths == nil {
		return []string{}
	}
	return paths
}

// JSON codec helpers shared by both backends.

func encodeJSON(v any, what string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", what, err)
	}
	return data, nil
}

func decodeSchema(raw []byte) (*schema.Schema, error) {
	var sch schema.Schema
	if err := json.Unmarshal(raw, &sch); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	return &sch, nil
}

func decodeGraph(raw []byte) (*graph.Graph, error) {
	var g graph.Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return &g, nil
}

func decodeCheckpoint(raw []byte) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
