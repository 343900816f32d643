// Command anatomy-mcp serves dependency graph queries to Model Context
// Protocol clients over stdio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codeanatomy/codeanatomy/internal/config"
	"github.com/codeanatomy/codeanatomy/internal/logging"
	"github.com/codeanatomy/codeanatomy/internal/mcp"
	"github.com/codeanatomy/codeanatomy/internal/storage"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default: .codeanatomy/config.yaml)")
	flag.Parse()

	if err := run(*cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// Stdout carries the MCP protocol; logs go to stderr or the
	// configured file.
	if err := logging.Initialize(logging.Config{
		Level:      cfg.Logging.Level,
		OutputFile: cfg.Logging.File,
		JSONFormat: cfg.Logging.JSON,
	}); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mcp.New(store).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
