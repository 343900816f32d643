package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/reactflow"
	"github.com/codeanatomy/codeanatomy/internal/storage"
)

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	rev := s.revision(p.ID)
	key := cacheKey{projectID: p.ID, rev: rev, query: "graph"}
	if v, ok := s.cache.Get(key); ok {
		respondJSON(w, http.StatusOK, v.(*reactflow.Document))
		return
	}
	g, ok := s.loadGraph(w, r, p.ID)
	if !ok {
		return
	}
	doc := reactflow.Export(g)
	s.cache.Add(key, doc)
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteGraphs(r.Context(), p.ID); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.ClearCheckpoints(r.Context(), p.ID); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.mirror != nil {
		if err := s.mirror.Clear(r.Context(), p.ID); err != nil {
			s.logger.Warn("neo4j clear failed", "project", p.ID, "error", err)
		}
	}
	s.bumpRevision(p.ID)
	s.logger.Info("graph deleted", "project", p.ID)
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	node := r.URL.Query().Get("node")
	if node == "" {
		httpError(w, http.StatusBadRequest, "node is required")
		return
	}
	dir := r.URL.Query().Get("direction")
	if dir == "" {
		dir = "both"
	}
	if dir != "both" && dir != string(graph.Upstream) && dir != string(graph.Downstream) {
		httpError(w, http.StatusBadRequest, "direction must be upstream, downstream or both")
		return
	}
	maxHops := 0
	if raw := r.URL.Query().Get("max_hops"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "max_hops must be an integer")
			return
		}
		maxHops = n
	}

	rev := s.revision(p.ID)
	key := cacheKey{projectID: p.ID, rev: rev, query: fmt.Sprintf("impact|%s|%s|%d", node, dir, maxHops)}
	if v, ok := s.cache.Get(key); ok {
		respondJSON(w, http.StatusOK, v)
		return
	}

	resp := map[string]any{"node": node}
	dirs := []graph.Direction{graph.Upstream, graph.Downstream}
	if dir != "both" {
		dirs = []graph.Direction{graph.Direction(dir)}
	}

	// The Neo4j mirror answers when configured and healthy; anything
	// else falls back to the in-memory index, built at most once.
	var ix *graph.Index
	for _, d := range dirs {
		var reach graph.Reach
		if s.mirror != nil {
			got, err := s.mirror.Impact(r.Context(), p.ID, node, d, maxHops)
			switch {
			case err == nil:
				reach = got
			case errors.Is(err, graph.ErrNodeNotFound):
				httpError(w, http.StatusNotFound, "Node not found")
				return
			default:
				s.logger.Warn("neo4j impact failed, using in-memory graph", "project", p.ID, "error", err)
			}
		}
		if reach == nil {
			if ix == nil {
				index, ok := s.index(r.Context(), w, p.ID)
				if !ok {
					return
				}
				ix = index
			}
			got, err := ix.Reachable(node, d, maxHops)
			if errors.Is(err, graph.ErrNodeNotFound) {
				httpError(w, http.StatusNotFound, "Node not found")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, err.Error())
				return
			}
			reach = got
		}
		resp[string(d)] = reachIDs(reach, node)
	}

	s.cache.Add(key, resp)
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	node := r.URL.Query().Get("node")
	if node == "" {
		httpError(w, http.StatusBadRequest, "node is required")
		return
	}

	rev := s.revision(p.ID)
	key := cacheKey{projectID: p.ID, rev: rev, query: "cycles|" + node}
	if v, ok := s.cache.Get(key); ok {
		respondJSON(w, http.StatusOK, v)
		return
	}

	ix, ok := s.index(r.Context(), w, p.ID)
	if !ok {
		return
	}
	cycle, err := ix.CycleThrough(node)
	if errors.Is(err, graph.ErrNodeNotFound) {
		httpError(w, http.StatusNotFound, "Node not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cycle == nil {
		cycle = []string{}
	}
	resp := map[string]any{"node": node, "cycle": cycle}
	s.cache.Add(key, resp)
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	rev := s.revision(p.ID)
	key := cacheKey{projectID: p.ID, rev: rev, query: "orphans"}
	if v, ok := s.cache.Get(key); ok {
		respondJSON(w, http.StatusOK, v)
		return
	}

	var ids []string
	if s.mirror != nil {
		got, err := s.mirror.Orphans(r.Context(), p.ID)
		if err == nil {
			ids = got
		} else {
			s.logger.Warn("neo4j orphans failed, using in-memory graph", "project", p.ID, "error", err)
		}
	}
	if ids == nil {
		ix, ok := s.index(r.Context(), w, p.ID)
		if !ok {
			return
		}
		ids = ix.Orphans()
	}
	if ids == nil {
		ids = []string{}
	}
	resp := map[string]any{"orphans": ids}
	s.cache.Add(key, resp)
	respondJSON(w, http.StatusOK, resp)
}

// loadGraph fetches the project's stored graph, answering the request
// itself when there is none.
func (s *Server) loadGraph(w http.ResponseWriter, r *http.Request, projectID string) (*graph.Graph, bool) {
	g, err := s.store.LatestGraph(r.Context(), projectID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "No graph yet. Run analysis first.")
		return nil, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return g, true
}

// index returns the cached adjacency index for the project's current
// graph revision, building it on a miss.
func (s *Server) index(ctx context.Context, w http.ResponseWriter, projectID string) (*graph.Index, bool) {
	rev := s.revision(projectID)
	key := cacheKey{projectID: projectID, rev: rev, query: "index"}
	if v, ok := s.cache.Get(key); ok {
		return v.(*graph.Index), true
	}
	g, err := s.store.LatestGraph(ctx, projectID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "No graph yet. Run analysis first.")
		return nil, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	ix := graph.NewIndex(g)
	s.cache.Add(key, ix)
	return ix, true
}

// reachIDs flattens a reachability result into hop-ordered ids,
// dropping the start node itself.
func reachIDs(r graph.Reach, start string) []string {
	ids := []string{}
	for _, id := range r.IDs() {
		if id != start {
			ids = append(ids, id)
		}
	}
	return ids
}
