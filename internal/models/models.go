// Package models holds the domain types shared between storage, the
// pipeline, and the HTTP API.
package models

import (
	"time"
)

// RunStatus tracks an analysis run through its lifecycle
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final. A run leaves a terminal
// status only through resume, which re-enters running.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Resumable reports whether a run in this status can be resumed from its
// checkpoint. Completed runs have nothing left to do.
func (s RunStatus) Resumable() bool {
	return s == RunFailed || s == RunCancelled
}

// Project represents a codebase registered for analysis
type Project struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	CodebasePath  string    `json:"codebase_path" db:"codebase_path"`
	RepoURL       string    `json:"repo_url" db:"repo_url"`
	RepoBranch    string    `json:"repo_branch" db:"repo_branch"`
	AgentAPIKey   string    `json:"agent_api_key" db:"agent_api_key"`
	ExcludedPaths []string  `json:"excluded_paths" db:"-"`
	GitHubToken   string    `json:"-" db:"github_access_token"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`

	// Derived flags, filled by queries rather than stored
	HasSchema     bool `json:"has_schema" db:"-"`
	HasGraph      bool `json:"has_graph" db:"-"`
	HasCheckpoint bool `json:"has_checkpoint" db:"-"`
	HasGitHub     bool `json:"has_github_connected" db:"-"`
}

// ProjectUpdate carries a partial project update; nil fields are unchanged
type ProjectUpdate struct {
	Name          *string
	CodebasePath  *string
	ExcludedPaths *[]string
	RepoURL       *string
	RepoBranch    *string
}

// Run represents one analysis run of a project
type Run struct {
	ID           string     `json:"id" db:"id"`
	ProjectID    string     `json:"project_id" db:"project_id"`
	Status       RunStatus  `json:"status" db:"status"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
	Log          string     `json:"log" db:"log"`
}
