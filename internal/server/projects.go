package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codeanatomy/codeanatomy/internal/models"
	"github.com/codeanatomy/codeanatomy/internal/schema"
	"github.com/codeanatomy/codeanatomy/internal/storage"
)

type createProjectRequest struct {
	Name         string `json:"name"`
	CodebasePath string `json:"codebase_path"`
	RepoURL      string `json:"repo_url"`
	RepoBranch   string `json:"repo_branch"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		httpError(w, http.StatusBadRequest, "name is required")
		return
	}
	p := &models.Project{
		Name:         strings.TrimSpace(req.Name),
		CodebasePath: req.CodebasePath,
		RepoURL:      req.RepoURL,
		RepoBranch:   req.RepoBranch,
	}
	if err := s.store.CreateProject(r.Context(), p); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("project created", "project", p.ID, "name", p.Name)
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	respondJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type updateProjectRequest struct {
	Name          *string   `json:"name"`
	CodebasePath  *string   `json:"codebase_path"`
	ExcludedPaths *[]string `json:"excluded_paths"`
	RepoURL       *string   `json:"repo_url"`
	RepoBranch    *string   `json:"repo_branch"`
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	var req updateProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	upd := models.ProjectUpdate{
		Name:          req.Name,
		CodebasePath:  req.CodebasePath,
		ExcludedPaths: req.ExcludedPaths,
		RepoURL:       req.RepoURL,
		RepoBranch:    req.RepoBranch,
	}
	if err := s.store.UpdateProject(r.Context(), p.ID, upd); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	updated, err := s.store.GetProject(r.Context(), p.ID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteProject(r.Context(), p.ID); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("project deleted", "project", p.ID)
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// project loads the project addressed by the {id} path segment, writing
// the 404 itself so handlers can bail out on !ok.
func (s *Server) project(w http.ResponseWriter, r *http.Request) (*models.Project, bool) {
	p, err := s.store.GetProject(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "Project not found")
		return nil, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return p, true
}

func (s *Server) handlePutSchema(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	sch, err := schema.Parse(body)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveSchema(r.Context(), p.ID, sch); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publish(p.ID, map[string]string{"event": "schema_received"})
	s.logger.Info("schema saved", "project", p.ID, "tables", len(sch.Tables))
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "tables": len(sch.Tables)})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	sch, err := s.store.LatestSchema(r.Context(), p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "No schema received yet. Connect the agent and send the schema via WSS.")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sch)
}

// browseEntry is one directory in the picker listing.
type browseEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// handleBrowse lists the subdirectories of ?path= for the folder picker,
// confined to the configured browse root.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	root := s.cfg.Server.BrowseRoot
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		root = cwd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	current := r.URL.Query().Get("path")
	if current == "" {
		current = root
	}
	current, err = filepath.Abs(current)
	if err != nil {
		httpError(w, http.StatusBadRequest, "Path outside allowed root")
		return
	}
	current = filepath.Clean(current)
	if current != root && !strings.HasPrefix(current, root+string(os.PathSeparator)) {
		httpError(w, http.StatusBadRequest, "Path outside allowed root")
		return
	}

	dirents, err := os.ReadDir(current)
	if err != nil {
		httpError(w, http.StatusBadRequest, "Not a directory or not accessible")
		return
	}

	entries := []browseEntry{}
	for _, d := range dirents {
		if !d.IsDir() || skipFolder(d.Name()) {
			continue
		}
		entries = append(entries, browseEntry{Name: d.Name(), Path: filepath.Join(current, d.Name())})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var parent *string
	if current != root {
		p := filepath.Dir(current)
		parent = &p
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"current": current,
		"parent":  parent,
		"entries": entries,
		"root":    root,
	})
}

const (
	treeMaxDepth = 12
	treeMaxNodes = 2500
)

// treeNode is one file or directory in the exclusion-picker tree.
type treeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"` // "directory" or "file"
	Children []*treeNode `json:"children,omitempty"`
}

// handleProjectTree returns the project codebase as a nested tree so the
// frontend can offer per-folder exclusion. Depth and node count are
// capped; huge trees come back truncated rather than slow.
func (s *Server) handleProjectTree(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	info, err := os.Stat(p.CodebasePath)
	if err != nil || !info.IsDir() {
		httpError(w, http.StatusBadRequest, "codebase_path is not a directory or not accessible")
		return
	}
	root, err := filepath.Abs(p.CodebasePath)
	if err != nil {
		httpError(w, http.StatusBadRequest, "codebase_path is not a directory or not accessible")
		return
	}

	budget := treeMaxNodes
	node := buildTree(root, filepath.Base(root), root, 0, &budget)
	respondJSON(w, http.StatusOK, map[string]any{
		"root":           node,
		"excluded_paths": nonNilPaths(p.ExcludedPaths),
	})
}

// buildTree walks one directory level. Paths in the result are relative
// to the project root with forward slashes, matching the format stored
// in excluded_paths.
func buildTree(dir, name, root string, depth int, budget *int) *treeNode {
	*budget--
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		rel = ""
	}
	node := &treeNode{Name: name, Path: filepath.ToSlash(rel), Type: "directory"}

	if depth >= treeMaxDepth || *budget <= 0 {
		return node
	}
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return node
	}
	sort.Slice(dirents, func(i, j int) bool {
		// Directories first, then lexical, the order the picker shows.
		if dirents[i].IsDir() != dirents[j].IsDir() {
			return dirents[i].IsDir()
		}
		return dirents[i].Name() < dirents[j].Name()
	})
	for _, d := range dirents {
		if skipFolder(d.Name()) {
			continue
		}
		if *budget <= 0 {
			break
		}
		if d.IsDir() {
			node.Children = append(node.Children, buildTree(filepath.Join(dir, d.Name()), d.Name(), root, depth+1, budget))
			continue
		}
		*budget--
		node.Children = append(node.Children, &treeNode{
			Name: d.Name(),
			Path: path.Join(node.Path, d.Name()),
			Type: "file",
		})
	}
	return node
}

// skipFolder hides entries the picker never wants: dot-prefixed names
// and dependency or build output directories.
func skipFolder(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch name {
	case "node_modules", "dist", "vendor":
		return true
	}
	return false
}

func nonNilPaths(paths []string) []string {
	if paths == nil {
		return []string{}
	}
	return paths
}
