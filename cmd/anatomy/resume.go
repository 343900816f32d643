package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codeanatomy/codeanatomy/internal/models"
	"github.com/codeanatomy/codeanatomy/internal/pipeline"
	"github.com/codeanatomy/codeanatomy/internal/source"
	"github.com/codeanatomy/codeanatomy/internal/storage"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Pick up a stopped analysis from its checkpoint",
	Long: `Restart a cancelled or failed run from its saved checkpoint. Files the
earlier run already processed are skipped and their merged results are
reused; only the remaining units go back to the LLM.

The codebase is re-read from the project's recorded path or repository,
so a resume works in a fresh process. The resumed work runs under a new
run id.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	prior, err := store.GetRun(ctx, args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("run %s not found", args[0])
	}
	if err != nil {
		return err
	}
	if !prior.Status.Resumable() {
		return fmt.Errorf("run %s is %s; only cancelled or failed runs can be resumed", prior.ID, prior.Status)
	}
	cp, err := store.LoadRunCheckpoint(ctx, prior.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("run %s left no checkpoint", prior.ID)
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	project, err := store.GetProject(ctx, prior.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}

	provider, err := projectProvider(project)
	if err != nil {
		return err
	}
	if gh, ok := provider.(*source.GitHub); ok {
		defer gh.Cleanup()
	}
	root, err := provider.Fetch(ctx)
	if err != nil {
		return err
	}

	pt, units, err := classifyCodebase(root, project.ExcludedPaths)
	if err != nil {
		return err
	}

	sch, err := store.LatestSchema(ctx, project.ID)
	if errors.Is(err, storage.ErrNotFound) {
		sch = nil
	} else if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	fmt.Printf("Picking up the checkpoint of run %s (%d unit(s) already processed)\n",
		prior.ID, cp.ProcessedCount())
	opts := pipeline.OptionsFromConfig(cfg.Pipeline)
	return runExtraction(ctx, stop, store, project, pt, sch, units, cfg.LLM, opts, cp, false)
}

// projectProvider rebuilds the codebase source recorded on the project
// row.
func projectProvider(p *models.Project) (source.Provider, error) {
	if p.RepoURL != "" {
		token := p.GitHubToken
		if token == "" {
			token = cfg.GitHub.Token
		}
		return source.NewGitHub(p.RepoURL, token, p.RepoBranch, cfg.GitHub.RateLimit)
	}
	if p.CodebasePath == "" {
		return nil, fmt.Errorf("project %s has no codebase path or repository on file", p.Name)
	}
	return source.Local{Path: p.CodebasePath}, nil
}
