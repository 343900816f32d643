package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeanatomy/codeanatomy/internal/checkpoint"
	"github.com/codeanatomy/codeanatomy/internal/classify"
	"github.com/codeanatomy/codeanatomy/internal/config"
	"github.com/codeanatomy/codeanatomy/internal/extract"
	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/graphdb"
	"github.com/codeanatomy/codeanatomy/internal/llm"
	"github.com/codeanatomy/codeanatomy/internal/models"
	"github.com/codeanatomy/codeanatomy/internal/pipeline"
	"github.com/codeanatomy/codeanatomy/internal/reactflow"
	"github.com/codeanatomy/codeanatomy/internal/schema"
	"github.com/codeanatomy/codeanatomy/internal/source"
	"github.com/codeanatomy/codeanatomy/internal/storage"
)

var (
	analyzeGitHub       string
	analyzeSchemaFile   string
	analyzeProvider     string
	analyzeWorkers      int
	analyzeResumeOnFail bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [path]",
	Short: "Build the dependency graph of a codebase",
	Long: `Classify a codebase, extract the dependencies of every analyzable file
with an LLM and merge the results into one graph, stored for queries
and export.

The path defaults to the current directory. With --github the codebase
is fetched from the GitHub API instead and no local clone is needed.

Examples:
  anatomy analyze
  anatomy analyze ~/src/shop --schema shop-schema.json
  anatomy analyze --github rails/rails --workers 8

Ctrl-C stops dispatch, lets in-flight extractions finish and saves a
checkpoint you can pick up with 'anatomy resume'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeGitHub, "github", "", "GitHub repository to analyze (owner/repo)")
	analyzeCmd.Flags().StringVar(&analyzeSchemaFile, "schema", "", "database schema JSON file to ground table nodes")
	analyzeCmd.Flags().StringVar(&analyzeProvider, "provider", "", "LLM provider for this run: "+strings.Join(config.Providers(), ", "))
	analyzeCmd.Flags().IntVar(&analyzeWorkers, "workers", 0, "concurrent extraction calls (default from config)")
	analyzeCmd.Flags().BoolVar(&analyzeResumeOnFail, "resume-on-fail", false, "retry the remaining units once if the run fails")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		root         string
		name         string
		codebasePath string
		repoURL      string
		err          error
	)
	if analyzeGitHub != "" {
		owner, repo, err := source.ParseRepo(analyzeGitHub)
		if err != nil {
			return err
		}
		gh, err := source.NewGitHub(analyzeGitHub, cfg.GitHub.Token, "", cfg.GitHub.RateLimit)
		if err != nil {
			return err
		}
		defer gh.Cleanup()
		fmt.Printf("Fetching %s/%s from GitHub...\n", owner, repo)
		root, err = gh.Fetch(ctx)
		if err != nil {
			return err
		}
		name = repo
		repoURL = analyzeGitHub
	} else {
		path := "."
		if len(args) == 1 {
			path = args[0]
		}
		root, err = source.Local{Path: path}.Fetch(ctx)
		if err != nil {
			return err
		}
		name = filepath.Base(root)
		codebasePath = root
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	project, err := findOrCreateProject(ctx, store, name, codebasePath, repoURL)
	if err != nil {
		return err
	}

	var sch *schema.Schema
	if analyzeSchemaFile != "" {
		data, err := os.ReadFile(analyzeSchemaFile)
		if err != nil {
			return fmt.Errorf("read schema: %w", err)
		}
		sch, err = schema.Parse(data)
		if err != nil {
			return fmt.Errorf("parse schema: %w", err)
		}
		if err := store.SaveSchema(ctx, project.ID, sch); err != nil {
			return fmt.Errorf("save schema: %w", err)
		}
		fmt.Printf("Schema loaded: %d table(s)\n", len(sch.Tables))
	} else {
		sch, err = store.LatestSchema(ctx, project.ID)
		if errors.Is(err, storage.ErrNotFound) {
			sch = nil
			fmt.Println("No database schema on file; table nodes will come from code references alone.")
		} else if err != nil {
			return fmt.Errorf("load schema: %w", err)
		}
	}

	pt, units, err := classifyCodebase(root, project.ExcludedPaths)
	if err != nil {
		return err
	}
	fmt.Printf("Detected project type: %s\n", pt.Name)

	llmCfg := cfg.LLM
	if analyzeProvider != "" && !strings.EqualFold(analyzeProvider, llmCfg.Provider) {
		llmCfg.Provider = strings.ToLower(analyzeProvider)
		llmCfg.Model = ""
		llmCfg.BaseURL = ""
		llmCfg.APIKey = ""
		if env := config.ProviderKeyEnv(llmCfg.Provider); env != "" {
			llmCfg.APIKey = os.Getenv(env)
		}
	}

	opts := pipeline.OptionsFromConfig(cfg.Pipeline)
	if analyzeWorkers > 0 {
		opts.Workers = analyzeWorkers
	}

	return runExtraction(ctx, stop, store, project, pt, sch, units, llmCfg, opts, nil, analyzeResumeOnFail)
}

// findOrCreateProject reuses the project row carrying this name so
// repeated analyses share schemas, checkpoints and graph history.
func findOrCreateProject(ctx context.Context, store storage.Store, name, codebasePath, repoURL string) (*models.Project, error) {
	projects, err := store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	for _, p := range projects {
		if !strings.EqualFold(p.Name, name) {
			continue
		}
		if codebasePath != "" && p.CodebasePath != codebasePath {
			if err := store.UpdateProject(ctx, p.ID, models.ProjectUpdate{CodebasePath: &codebasePath}); err != nil {
				return nil, fmt.Errorf("update project: %w", err)
			}
			p.CodebasePath = codebasePath
		}
		return p, nil
	}
	p := &models.Project{Name: name, CodebasePath: codebasePath, RepoURL: repoURL}
	if err := store.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	fmt.Printf("Created project %s (%s)\n", p.Name, p.ID)
	return p, nil
}

// classifyCodebase detects the project type and emits the extraction
// units for root.
func classifyCodebase(root string, excluded []string) (*classify.ProjectType, []classify.Unit, error) {
	reg := classify.NewRegistry()
	pt := reg.Detect(root)
	if pt == nil {
		return nil, nil, fmt.Errorf("could not detect the project type of %s (supported: %s)",
			root, strings.Join(reg.Names(), ", "))
	}
	files, err := classify.Scan(root, pt)
	if err != nil {
		return nil, nil, fmt.Errorf("scan codebase: %w", err)
	}
	files = classify.FilterExcluded(files, root, excluded)
	units := reg.ClassifyUnits(pt, root, files)
	if len(units) == 0 {
		return nil, nil, fmt.Errorf("no analyzable files found in %s", root)
	}
	return pt, units, nil
}

// runExtraction drives one extraction run to a terminal state, then
// saves, exports and optionally mirrors the merged graph. seed carries
// checkpoint progress from an earlier run; nil starts fresh.
func runExtraction(ctx context.Context, stop context.CancelFunc, store storage.Store, project *models.Project, pt *classify.ProjectType, sch *schema.Schema, units []classify.Unit, llmCfg config.LLMConfig, opts pipeline.Options, seed *checkpoint.Checkpoint, retryOnFail bool) error {
	client, err := llm.New(ctx, llmCfg)
	if err != nil {
		return err
	}
	defer client.Close()
	fmt.Printf("Extracting with %s\n", client.Name())

	x := extract.New(client, pt, sch, cfg.Pipeline.ExtractionTimeout)

	rec := &cliRecorder{store: store, projectID: project.ID, sch: sch}
	orch := pipeline.New(rec, opts)
	rec.orch = orch

	run, err := store.CreateRun(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	// The run context must not descend from the signal context: Ctrl-C
	// goes through orch.Cancel so the run stops at the dispatch
	// boundary and settles into cancelled after checkpointing.
	runID, err := orch.Start(context.Background(), pipeline.RunSpec{
		RunID:       run.ID,
		ProjectID:   project.ID,
		Units:       units,
		Extract:     x.Extract,
		Checkpoints: storage.NewCheckpointStore(store, project.ID),
		Checkpoint:  seed,
	})
	if err != nil {
		if serr := store.SetRunFailed(ctx, run.ID, err.Error()); serr != nil {
			logger.WithError(serr).Warn("Mark run failed")
		}
		return err
	}
	fmt.Printf("Run %s started\n", runID)

	snap, err := waitRun(ctx, stop, orch, runID)
	if err != nil {
		return err
	}
	status, errMsg := storedOutcome(store, runID, snap)

	if status == models.RunFailed && retryOnFail && ctx.Err() == nil {
		fmt.Println("Run failed. Retrying the remaining units from the checkpoint...")
		if err := orch.Resume(context.Background(), runID); err != nil {
			return fmt.Errorf("resume after failure: %w", err)
		}
		if snap, err = waitRun(ctx, stop, orch, runID); err != nil {
			return err
		}
		status, errMsg = storedOutcome(store, runID, snap)
	}

	switch status {
	case models.RunCompleted:
		return reportCompleted(store, project, snap)
	case models.RunCancelled:
		fmt.Printf("Resume with: anatomy resume %s\n", runID)
		return nil
	default:
		return fmt.Errorf("analysis failed: %s", errMsg)
	}
}

// waitRun blocks until the run reaches a terminal state. A signal on
// ctx stops dispatch through the orchestrator; in-flight extractions
// finish and progress lands in a checkpoint before Wait returns.
func waitRun(ctx context.Context, stop context.CancelFunc, orch *pipeline.Orchestrator, runID string) (pipeline.Snapshot, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nStopping: in-flight extractions finish and progress is checkpointed. Press Ctrl-C again to quit immediately.")
			if err := orch.Cancel(runID); err != nil {
				logger.WithError(err).Warn("Cancel run")
			}
			stop()
		case <-done:
		}
	}()
	return orch.Wait(context.Background(), runID)
}

// storedOutcome prefers the run row over the in-memory snapshot: the
// recorder downgrades a completed run to failed when the graph cannot
// be saved, and only the store sees that.
func storedOutcome(store storage.Store, runID string, snap pipeline.Snapshot) (models.RunStatus, string) {
	if run, err := store.GetRun(context.Background(), runID); err == nil {
		return run.Status, run.ErrorMessage
	}
	return snap.Status, snap.ErrorMessage
}

func reportCompleted(store storage.Store, project *models.Project, snap pipeline.Snapshot) error {
	g, err := store.LatestGraph(context.Background(), project.ID)
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}
	fmt.Printf("Graph: %d node(s), %d edge(s)", g.NodeCount(), g.EdgeCount())
	if snap.Failed > 0 {
		fmt.Printf(" (%d unit(s) failed and were skipped)", snap.Failed)
	}
	fmt.Println()

	doc := reactflow.Export(g)
	out := defaultExportPath(project.Name)
	if err := writeDocument(doc, out); err != nil {
		return err
	}
	fmt.Printf("Layout written to %s\n", out)

	if cfg.Neo4j.Enabled {
		if err := mirrorDocument(project.ID, doc); err != nil {
			logger.WithError(err).Warn("Neo4j mirror not updated")
		} else {
			fmt.Println("Neo4j mirror updated")
		}
	}
	return nil
}

// mirrorDocument replaces the project's subgraph in Neo4j with the
// freshly exported layout.
func mirrorDocument(projectID string, doc *reactflow.Document) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m, err := graphdb.Connect(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
	if err != nil {
		return err
	}
	defer m.Close(ctx)
	return m.Replace(ctx, projectID, doc)
}

// cliRecorder persists run lifecycle events into the store and echoes
// run log lines to the terminal.
type cliRecorder struct {
	store     storage.Store
	orch      *pipeline.Orchestrator
	projectID string
	sch       *schema.Schema
}

func (r *cliRecorder) RunStarted(ctx context.Context, runID string) {
	if err := r.store.SetRunRunning(ctx, runID); err != nil {
		logger.WithError(err).Warn("Mark run running")
	}
}

func (r *cliRecorder) RunLog(ctx context.Context, runID, line string) {
	fmt.Println(line)
	if err := r.store.AppendRunLog(ctx, runID, line); err != nil {
		logger.WithError(err).Warn("Append run log")
	}
}

func (r *cliRecorder) RunFinished(ctx context.Context, runID string, status models.RunStatus, errorMessage string) {
	if status == models.RunCompleted {
		if err := r.saveGraph(ctx, runID); err != nil {
			status = models.RunFailed
			errorMessage = fmt.Sprintf("save graph: %v", err)
		}
	}
	var err error
	switch status {
	case models.RunCompleted:
		err = r.store.SetRunCompleted(ctx, runID)
	case models.RunCancelled:
		err = r.store.SetRunCancelled(ctx, runID)
	default:
		err = r.store.SetRunFailed(ctx, runID, errorMessage)
	}
	if err != nil {
		logger.WithError(err).Warn("Mark run finished")
	}
}

// saveGraph enriches the merged graph with schema tables and orphan
// marks, then persists it. A completed run in the store always has a
// readable graph.
func (r *cliRecorder) saveGraph(ctx context.Context, runID string) error {
	g, err := r.orch.Graph(runID)
	if err != nil {
		return err
	}
	var tables []string
	var ddl map[string]string
	if r.sch != nil {
		tables = r.sch.TableNames()
		ddl = r.sch.DDLByTable()
	}
	graph.Enrich(g, tables, ddl)
	return r.store.SaveGraph(ctx, r.projectID, g)
}
