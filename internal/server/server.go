// Package server exposes the analysis system over HTTP: project CRUD,
// schema intake (manual upload or agent websocket), analysis runs with
// polling and cancellation, and read-only graph queries. Response and
// error shapes follow the frontend contract: errors are
// {"detail": "..."} with the usual status codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/codeanatomy/codeanatomy/internal/classify"
	"github.com/codeanatomy/codeanatomy/internal/config"
	"github.com/codeanatomy/codeanatomy/internal/graphdb"
	"github.com/codeanatomy/codeanatomy/internal/logging"
	"github.com/codeanatomy/codeanatomy/internal/pipeline"
	"github.com/codeanatomy/codeanatomy/internal/schema"
	"github.com/codeanatomy/codeanatomy/internal/storage"
)

// queryCacheSize bounds the shared LRU holding query responses and
// graph indexes. Entries for stale graph revisions age out on their own.
const queryCacheSize = 256

// cacheKey addresses one cached query result. rev changes whenever the
// project's stored graph changes, so stale entries are never served.
type cacheKey struct {
	projectID string
	rev       uint64
	query     string
}

// runMeta carries what the run recorder needs at completion time but
// the pipeline does not know about.
type runMeta struct {
	projectID string
	schema    *schema.Schema
}

// Server wires storage, the extraction pipeline, the optional Neo4j
// mirror and the event broker behind one HTTP handler.
type Server struct {
	store  storage.Store
	mirror *graphdb.Mirror
	orch   *pipeline.Orchestrator
	types  *classify.Registry
	cfg    *config.Config
	logger *slog.Logger
	broker *broker
	cache  *lru.Cache[cacheKey, any]

	// heartbeat is the SSE idle interval. Tests shorten it.
	heartbeat time.Duration

	// extractor builds the per-run extraction function. Tests swap in a
	// stub so no provider is contacted.
	extractor extractorFunc

	// closing is closed when the server begins shutdown; long-lived
	// streams watch it so graceful shutdown does not wait on them.
	closing chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	active    map[string]string // project ID -> run ID holding the slot
	runCancel map[string]context.CancelFunc
	runMeta   map[string]*runMeta
	revs      map[string]uint64
}

// New builds a server. mirror may be nil when Neo4j is not configured;
// every query then runs on the in-memory engine.
func New(store storage.Store, mirror *graphdb.Mirror, cfg *config.Config) *Server {
	cache, _ := lru.New[cacheKey, any](queryCacheSize)
	s := &Server{
		store:     store,
		mirror:    mirror,
		types:     classify.NewRegistry(),
		cfg:       cfg,
		logger:    logging.Component("server"),
		broker:    newBroker(),
		cache:     cache,
		heartbeat: 15 * time.Second,
		closing:   make(chan struct{}),
		active:    map[string]string{},
		runCancel: map[string]context.CancelFunc{},
		runMeta:   map[string]*runMeta{},
		revs:      map[string]uint64{},
	}
	s.extractor = s.buildExtractor
	s.orch = pipeline.New(&runRecorder{s: s}, pipeline.OptionsFromConfig(cfg.Pipeline))
	return s
}

// Handler returns the routed HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/browse", s.handleBrowse)

	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	mux.HandleFunc("PATCH /api/projects/{id}", s.handleUpdateProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)
	mux.HandleFunc("GET /api/projects/{id}/events", s.handleProjectEvents)
	mux.HandleFunc("GET /api/projects/{id}/tree", s.handleProjectTree)
	mux.HandleFunc("PUT /api/projects/{id}/schema", s.handlePutSchema)
	mux.HandleFunc("GET /api/projects/{id}/schema", s.handleGetSchema)

	mux.HandleFunc("POST /api/projects/{id}/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunStatus)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /api/runs/{id}/resume", s.handleResumeRun)

	mux.HandleFunc("GET /api/projects/{id}/graph", s.handleGetGraph)
	mux.HandleFunc("DELETE /api/projects/{id}/graph", s.handleDeleteGraph)
	mux.HandleFunc("GET /api/projects/{id}/impact", s.handleImpact)
	mux.HandleFunc("GET /api/projects/{id}/cycles", s.handleCycles)
	mux.HandleFunc("GET /api/projects/{id}/orphans", s.handleOrphans)

	mux.HandleFunc("GET /ws/schema", s.handleSchemaSocket)

	return cors(mux)
}

// Run serves HTTP until ctx is cancelled or the listener fails. On
// cancellation it stops active runs (they checkpoint and settle), closes
// event streams and drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("server listening", "addr", s.cfg.Server.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	close(s.closing)
	s.cancelActiveRuns()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.wg.Wait()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) cancelActiveRuns() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.runCancel))
	for _, cancel := range s.runCancel {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// cors mirrors the backend's permissive policy: the frontend is served
// from another origin during development.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// revision returns the project's current graph revision. It only moves
// forward, and it moves every time the stored graph changes.
func (s *Server) revision(projectID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revs[projectID]
}

func (s *Server) bumpRevision(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revs[projectID]++
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	neo4jOK := false
	if s.mirror != nil {
		neo4jOK = s.mirror.HealthCheck(r.Context()) == nil
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "neo4j": neo4jOK})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpError writes the {"detail": ...} error envelope the frontend
// parses.
func httpError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}

// decodeBody decodes a JSON request body into v, reporting malformed
// payloads as a client error.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
