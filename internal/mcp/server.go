// Package mcp exposes stored dependency graphs to Model Context
// Protocol clients. The server speaks MCP over stdio, so coding agents
// can ask impact and structure questions about an analyzed project
// without going through the HTTP API.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/logging"
	"github.com/codeanatomy/codeanatomy/internal/models"
	"github.com/codeanatomy/codeanatomy/internal/storage"
)

// Server answers read-only graph queries for MCP clients. Graphs are
// loaded from the store on every call, so answers always reflect the
// latest completed analysis.
type Server struct {
	store  storage.Store
	logger *slog.Logger
	mcp    *sdk.Server
}

// New builds the server and registers the query tools.
func New(store storage.Store) *Server {
	s := &Server{
		store:  store,
		logger: logging.Component("mcp"),
	}

	srv := sdk.NewServer(&sdk.Implementation{Name: "anatomy-mcp", Version: "0.1.0"}, nil)
	sdk.AddTool(srv, &sdk.Tool{
		Name: "anatomy.impact",
		Description: "Blast radius of one node: everything upstream (nodes that depend on it) " +
			"and downstream (nodes it depends on), ordered by hop distance.",
	}, s.impact)
	sdk.AddTool(srv, &sdk.Tool{
		Name:        "anatomy.cycles",
		Description: "Find a dependency cycle passing through one node. An empty cycle means the node is on none.",
	}, s.cycles)
	sdk.AddTool(srv, &sdk.Tool{
		Name: "anatomy.classify",
		Description: "Structural classification of graph nodes by fan-in and fan-out: " +
			"entry points, leaves, critical hubs and orphans.",
	}, s.classify)
	sdk.AddTool(srv, &sdk.Tool{
		Name:        "anatomy.orphans",
		Description: "List nodes with no edges at all, candidates for dead code.",
	}, s.orphans)
	s.mcp = srv
	return s
}

// Run serves MCP over stdin/stdout until the client disconnects or the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio")
	return s.mcp.Run(ctx, &sdk.StdioTransport{})
}

// Connect binds the server to one transport session. Tests drive the
// server through in-memory transports with it.
func (s *Server) Connect(ctx context.Context, t sdk.Transport) (*sdk.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

// indexFor loads the latest stored graph of the selected project and
// wraps it in a query index. Selector semantics live in
// storage.ResolveProject.
func (s *Server) indexFor(ctx context.Context, selector string) (*models.Project, *graph.Index, error) {
	p, err := storage.ResolveProject(ctx, s.store, selector)
	if err != nil {
		return nil, nil, err
	}
	g, err := s.store.LatestGraph(ctx, p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("project %q has no graph yet, run an analysis first", p.Name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load graph: %w", err)
	}
	return p, graph.NewIndex(g), nil
}
