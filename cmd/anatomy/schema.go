package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codeanatomy/codeanatomy/internal/schema"
)

var (
	schemaDriver string
	schemaDSN    string
	schemaOut    string
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Work with database schemas",
}

var schemaExtractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Introspect a live database into a schema JSON file",
	Long: `Connect to a database, read its tables and columns and write the
schema JSON that 'anatomy analyze --schema' consumes. For databases the
CLI cannot reach, run anatomy-agent next to them instead.

Examples:
  anatomy schema extract --driver postgres --dsn "postgres://app@localhost:5432/shop?sslmode=disable"
  anatomy schema extract --driver sqlite --dsn ./app.db --out shop-schema.json`,
	RunE: runSchemaExtract,
}

func init() {
	schemaExtractCmd.Flags().StringVar(&schemaDriver, "driver", "", "database driver: postgres, mysql or sqlite")
	schemaExtractCmd.Flags().StringVar(&schemaDSN, "dsn", "", "connection string (file path for sqlite)")
	schemaExtractCmd.Flags().StringVar(&schemaOut, "out", "", "output file (default <database>.json)")
	schemaCmd.AddCommand(schemaExtractCmd)
}

func runSchemaExtract(cmd *cobra.Command, args []string) error {
	if schemaDriver == "" || schemaDSN == "" {
		return errors.New("--driver and --dsn are required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ex, err := schema.Connect(ctx, schemaDriver, schemaDSN)
	if err != nil {
		return err
	}
	defer ex.Close()

	sch, err := ex.Extract(ctx)
	if err != nil {
		return err
	}

	out := schemaOut
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
	fmt.Printf("%s: %d table(s)\n", out, len(sch.Tables))
	return nil
}
