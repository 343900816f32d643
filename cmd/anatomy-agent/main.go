// Command anatomy-agent extracts the schema of a database the
// analyzer cannot reach itself. It runs next to the database, writes
// the schema to a JSON file and, when a project API key is
// configured, pushes it to the analyzer server over a websocket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codeanatomy/codeanatomy/internal/config"
	"github.com/codeanatomy/codeanatomy/internal/schema"
)

type agentOptions struct {
	connFile string
	driver   string
	dsn      string
	out      string
	server   string
	apiKey   string
}

func main() {
	var opts agentOptions
	flag.StringVar(&opts.connFile, "config", "", "connection spec file (JSON or YAML)")
	flag.StringVar(&opts.driver, "driver", "", "database driver: postgres, mysql or sqlite")
	flag.StringVar(&opts.dsn, "dsn", "", "connection string (default: the DB_DSN environment variable)")
	flag.StringVar(&opts.out, "out", "", "output file (default <database>.json)")
	flag.StringVar(&opts.server, "server", "", "websocket URL of the analyzer server")
	flag.StringVar(&opts.apiKey, "api-key", "", "project API key the push authenticates with")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts agentOptions) error {
	spec, err := connSpec(opts)
	if err != nil {
		return err
	}
	driver, dsn, err := spec.DSN()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ext, err := schema.Connect(ctx, driver, dsn)
	if err != nil {
		return err
	}
	defer ext.Close()

	sch, err := ext.Extract(ctx)
	if err != nil {
		return err
	}

	out := opts.out
	if out == "" {
		out = schema.FileName(sch.Database)
	}
	data, err := json.MarshalIndent(sch, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Schema written to %s (%d tables)\n", out, len(sch.Tables))

	wsURL, key := pushTarget(opts, spec)
	if key == "" {
		return nil
	}
	// The schema is on disk at this point, so a failed push is a
	// warning rather than a failed run.
	if err := sendSchema(ctx, wsURL, key, sch); err != nil {
		fmt.Fprintf(os.Stderr, "warning: send schema to server: %v\n", err)
		return nil
	}
	fmt.Fprintf(os.Stderr, "Schema sent to %s\n", wsURL)
	return nil
}

// connSpec resolves the database connection: a spec file when -config
// is given, otherwise -driver together with -dsn or the DB_DSN
// environment variable.
func connSpec(opts agentOptions) (*schema.ConnSpec, error) {
	if opts.connFile != "" {
		return schema.LoadConnSpec(opts.connFile)
	}
	dsn := opts.dsn
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if opts.driver == "" || dsn == "" {
		return nil, errors.New("pass -config, or -driver together with -dsn (or the DB_DSN environment variable)")
	}
	return &schema.ConnSpec{Driver: opts.driver, ConnectionString: dsn}, nil
}

// pushTarget resolves where to send the schema. Flags beat the spec
// file, the spec file beats the anatomy config. An empty key disables
// the push; the URL alone never triggers one, because the config
// always carries a default URL.
func pushTarget(opts agentOptions, spec *schema.ConnSpec) (wsURL, apiKey string) {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: load config: %v\n", err)
		cfg = config.Default()
	}
	wsURL = firstNonEmpty(opts.server, spec.ServerWSURL, cfg.Agent.ServerURL)
	apiKey = firstNonEmpty(opts.apiKey, spec.ServerAPIKey, cfg.Agent.APIKey)
	return wsURL, apiKey
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
