package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codeanatomy/codeanatomy/internal/graphdb"
	"github.com/codeanatomy/codeanatomy/internal/server"
	"github.com/codeanatomy/codeanatomy/internal/storage"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analysis HTTP server",
	Long: `Serve the REST API, the schema agent websocket and the event stream
the web viewer talks to. Analyses started over the API run inside this
process. Ctrl-C checkpoints active runs and shuts the server down.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config, :8000)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	var mirror *graphdb.Mirror
	if cfg.Neo4j.Enabled {
		m, err := graphdb.Connect(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err == nil {
			if herr := m.HealthCheck(ctx); herr != nil {
				m.Close(ctx)
				err = herr
			}
		}
		if err != nil {
			logger.WithError(err).Warn("Neo4j unreachable, serving without the mirror")
		} else {
			defer m.Close(context.Background())
			mirror = m
		}
	}

	return server.New(store, mirror, cfg).Run(ctx)
}
