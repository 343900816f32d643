package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/codeanatomy/codeanatomy/internal/checkpoint"
	"github.com/codeanatomy/codeanatomy/internal/classify"
	"github.com/codeanatomy/codeanatomy/internal/extract"
	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/llm"
	"github.com/codeanatomy/codeanatomy/internal/models"
	"github.com/codeanatomy/codeanatomy/internal/pipeline"
	"github.com/codeanatomy/codeanatomy/internal/reactflow"
	"github.com/codeanatomy/codeanatomy/internal/schema"
	"github.com/codeanatomy/codeanatomy/internal/source"
	"github.com/codeanatomy/codeanatomy/internal/storage"
)

// extractorFunc builds the extraction function for one run plus the
// cleanup releasing the provider client. Tests stub it.
type extractorFunc func(ctx context.Context, pt *classify.ProjectType, sch *schema.Schema) (pipeline.ExtractFunc, func() error, error)

// buildExtractor is the production extractor: an LLM client from the
// configured provider wrapped in the prompt/parse layer.
func (s *Server) buildExtractor(ctx context.Context, pt *classify.ProjectType, sch *schema.Schema) (pipeline.ExtractFunc, func() error, error) {
	client, err := llm.New(ctx, s.cfg.LLM)
	if err != nil {
		return nil, nil, err
	}
	x := extract.New(client, pt, sch, s.cfg.Pipeline.ExtractionTimeout)
	return x.Extract, client.Close, nil
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	sch, err := s.store.LatestSchema(r.Context(), p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusBadRequest, "No schema received yet. Connect the agent and send the schema via WSS.")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p.RepoURL == "" && !validCodebase(p.CodebasePath) {
		httpError(w, http.StatusBadRequest, invalidCodebaseMsg)
		return
	}

	if !s.tryReserve(p.ID) {
		httpError(w, http.StatusConflict, "Analysis already running for this project")
		return
	}

	// A fresh analysis replaces everything the previous one left behind.
	if err := s.store.DeleteGraphs(r.Context(), p.ID); err != nil {
		s.releaseProject(p.ID)
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.ClearCheckpoints(r.Context(), p.ID); err != nil {
		s.releaseProject(p.ID)
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.bumpRevision(p.ID)

	run, err := s.store.CreateRun(r.Context(), p.ID)
	if err != nil {
		s.releaseProject(p.ID)
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.launchRun(run, p, sch, nil)
	respondJSON(w, http.StatusOK, map[string]any{"run_id": run.ID, "status": "pending"})
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	prior, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	p, err := s.store.GetProject(r.Context(), prior.ProjectID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_, cp, err := s.store.LatestCheckpoint(r.Context(), p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusBadRequest, "No checkpoint to resume. Run an analysis and stop it first.")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sch, err := s.store.LatestSchema(r.Context(), p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusBadRequest, "No schema. Connect the agent and send the schema via WSS.")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p.RepoURL == "" && !validCodebase(p.CodebasePath) {
		httpError(w, http.StatusBadRequest, invalidCodebaseMsg)
		return
	}

	if !s.tryReserve(p.ID) {
		httpError(w, http.StatusConflict, "Analysis already running for this project")
		return
	}

	// Resume opens a fresh run carrying the project's checkpoint forward.
	// The codebase is re-fetched, so a resumed GitHub analysis works even
	// though the original workdir is long gone.
	run, err := s.store.CreateRun(r.Context(), p.ID)
	if err != nil {
		s.releaseProject(p.ID)
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.launchRun(run, p, sch, cp)
	respondJSON(w, http.StatusOK, map[string]any{"run_id": run.ID, "status": "pending"})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if snap, err := s.orch.Status(run.ID); err == nil && !snap.Status.Terminal() {
		if err := s.orch.Cancel(run.ID); err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "cancelled"})
		return
	}

	// The run may still be fetching the codebase, before the pipeline
	// knows it. Its context cancel covers that phase.
	s.mu.Lock()
	cancel, active := s.runCancel[run.ID]
	s.mu.Unlock()
	if active {
		cancel()
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "cancelled"})
		return
	}

	httpError(w, http.StatusBadRequest, "No analysis running for this run. It may have already finished.")
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// tryReserve claims the project's single analysis slot. The run ID is
// bound later, once the row exists.
func (s *Server) tryReserve(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.active[projectID]; held {
		return false
	}
	s.active[projectID] = ""
	return true
}

func (s *Server) releaseProject(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, projectID)
}

// launchRun binds the run to its project slot and starts the background
// analysis goroutine. The goroutine owns the slot until it settles.
func (s *Server) launchRun(run *models.Run, p *models.Project, sch *schema.Schema, cp *checkpoint.Checkpoint) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.active[p.ID] = run.ID
	s.runCancel[run.ID] = cancel
	s.runMeta[run.ID] = &runMeta{projectID: p.ID, schema: sch}
	s.mu.Unlock()

	s.publish(p.ID, map[string]any{"event": "run_update", "run_id": run.ID, "status": models.RunPending})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runAnalysis(ctx, run, p, sch, cp)
	}()
}

// releaseRun drops all per-run bookkeeping once the run settled.
func (s *Server) releaseRun(projectID, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[projectID] == runID {
		delete(s.active, projectID)
	}
	if cancel, ok := s.runCancel[runID]; ok {
		cancel()
		delete(s.runCancel, runID)
	}
	delete(s.runMeta, runID)
}

// runAnalysis executes one analysis from codebase fetch to terminal
// status. Failures before the pipeline starts settle the run directly
// through the recorder so the frontend sees the same status flow either
// way.
func (s *Server) runAnalysis(ctx context.Context, run *models.Run, p *models.Project, sch *schema.Schema, cp *checkpoint.Checkpoint) {
	defer s.releaseRun(p.ID, run.ID)
	rec := &runRecorder{s: s}
	persist := context.WithoutCancel(ctx)

	fail := func(msg string) {
		s.logger.Warn("analysis failed before extraction", "run", run.ID, "project", p.ID, "error", msg)
		rec.RunLog(persist, run.ID, "ERROR: "+msg)
		rec.RunFinished(persist, run.ID, models.RunFailed, msg)
	}

	provider, err := s.sourceProvider(p)
	if err != nil {
		fail(invalidCodebaseMsg)
		return
	}
	root, err := provider.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			rec.RunFinished(persist, run.ID, models.RunCancelled, "Cancelled by user")
			return
		}
		if p.RepoURL == "" {
			fail(invalidCodebaseMsg)
			return
		}
		fail(err.Error())
		return
	}
	if c, ok := provider.(interface{ Cleanup() error }); ok {
		defer c.Cleanup()
	}

	pt := s.types.Detect(root)
	rec.RunLog(persist, run.ID, "Project type: "+pt.Name)
	files, err := classify.Scan(root, pt)
	if err != nil {
		fail(err.Error())
		return
	}
	files = classify.FilterExcluded(files, root, p.ExcludedPaths)
	units := s.types.ClassifyUnits(pt, root, files)
	if len(units) == 0 {
		fail("No analyzable files found in the codebase.")
		return
	}

	extractFn, closeClient, err := s.extractor(ctx, pt, sch)
	if err != nil {
		fail(err.Error())
		return
	}
	defer closeClient()

	runID, err := s.orch.Start(ctx, pipeline.RunSpec{
		RunID:       run.ID,
		ProjectID:   p.ID,
		Units:       units,
		Extract:     extractFn,
		Checkpoints: storage.NewCheckpointStore(s.store, p.ID),
		Checkpoint:  cp,
	})
	if err != nil {
		fail(err.Error())
		return
	}
	// Wait must survive run cancellation: the pipeline still settles the
	// run and the recorder still needs to see it.
	if _, err := s.orch.Wait(context.WithoutCancel(ctx), runID); err != nil {
		s.logger.Error("wait for run", "run", runID, "error", err)
	}
}

// invalidCodebaseMsg is the detail the frontend shows when the project
// points at nothing analyzable.
const invalidCodebaseMsg = "Invalid codebase_path. Set a valid directory path or connect a GitHub repo."

// validCodebase reports whether a local path is usable as an analysis
// root. A single regular file counts; the scanner handles it.
func validCodebase(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

// sourceProvider picks GitHub when the project has a repository
// connected; the repository wins over a stale local path.
func (s *Server) sourceProvider(p *models.Project) (source.Provider, error) {
	if p.RepoURL != "" {
		return source.NewGitHub(p.RepoURL, p.GitHubToken, p.RepoBranch, s.cfg.GitHub.RateLimit)
	}
	if p.CodebasePath == "" {
		return nil, errors.New("project has no codebase path and no repository")
	}
	return source.Local{Path: p.CodebasePath}, nil
}

// runRecorder mirrors pipeline events into storage and the SSE stream.
// The pipeline calls it serially from the run goroutine.
type runRecorder struct {
	s *Server
}

func (r *runRecorder) RunStarted(ctx context.Context, runID string) {
	if err := r.s.store.SetRunRunning(ctx, runID); err != nil {
		r.s.logger.Error("set run running", "run", runID, "error", err)
	}
	if projectID, ok := r.s.projectOf(runID); ok {
		r.s.publish(projectID, map[string]any{"event": "run_update", "run_id": runID, "status": models.RunRunning})
	}
}

func (r *runRecorder) RunLog(ctx context.Context, runID string, line string) {
	if err := r.s.store.AppendRunLog(ctx, runID, line); err != nil {
		r.s.logger.Error("append run log", "run", runID, "error", err)
	}
}

// RunFinished settles the run row. For a completed run the enriched
// graph is saved before the status flips so a poller that sees
// "completed" always finds the graph.
func (r *runRecorder) RunFinished(ctx context.Context, runID string, status models.RunStatus, errorMessage string) {
	s := r.s
	projectID, hasMeta := s.projectOf(runID)

	if status == models.RunCompleted && hasMeta {
		if err := s.saveRunGraph(ctx, runID, projectID); err != nil {
			s.logger.Error("save graph", "run", runID, "error", err)
			status = models.RunFailed
			errorMessage = fmt.Sprintf("save graph: %v", err)
		}
	}

	var err error
	switch status {
	case models.RunCompleted:
		err = s.store.SetRunCompleted(ctx, runID)
	case models.RunCancelled:
		err = s.store.SetRunCancelled(ctx, runID)
	default:
		err = s.store.SetRunFailed(ctx, runID, errorMessage)
	}
	if err != nil {
		s.logger.Error("set run status", "run", runID, "status", status, "error", err)
	}

	if hasMeta {
		s.publish(projectID, map[string]any{"event": "run_update", "run_id": runID, "status": status})
	}
}

// saveRunGraph enriches the accumulated graph with the run's schema,
// persists it, mirrors it to Neo4j when configured, and bumps the
// project revision so cached query results retire.
func (s *Server) saveRunGraph(ctx context.Context, runID, projectID string) error {
	g, err := s.orch.Graph(runID)
	if err != nil {
		return err
	}
	var sch *schema.Schema
	s.mu.Lock()
	if meta := s.runMeta[runID]; meta != nil {
		sch = meta.schema
	}
	s.mu.Unlock()

	var tables []string
	ddl := map[string]string{}
	if sch != nil {
		tables = sch.TableNames()
		ddl = sch.DDLByTable()
	}
	graph.Enrich(g, tables, ddl)

	if err := s.store.SaveGraph(ctx, projectID, g); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.Replace(ctx, projectID, reactflow.Export(g)); err != nil {
			s.logger.Warn("neo4j mirror update failed, queries fall back to memory",
				"project", projectID, "error", err)
		}
	}
	s.bumpRevision(projectID)
	s.logger.Info("graph saved", "run", runID, "project", projectID,
		"nodes", len(g.Nodes), "edges", len(g.Edges()))
	return nil
}

func (s *Server) projectOf(runID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.runMeta[runID]
	if !ok {
		return "", false
	}
	return meta.projectID, true
}
