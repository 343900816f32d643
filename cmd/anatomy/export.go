package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/codeanatomy/codeanatomy/internal/reactflow"
	"github.com/codeanatomy/codeanatomy/internal/storage"
)

var (
	exportProject string
	exportOut     string
	exportOpen    bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the stored graph as a React Flow layout file",
	Long: `Lay out the latest stored graph of a project and write it as a React
Flow JSON document with positioned nodes, cluster backgrounds and
edges. The file loads straight into the web viewer.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportProject, "project", "", "project id or name (optional when only one project exists)")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default <project>.graph.json)")
	exportCmd.Flags().BoolVar(&exportOpen, "open", false, "open the written file in the browser")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	p, g, err := loadProjectGraph(ctx, store, exportProject)
	if err != nil {
		return err
	}

	out := exportOut
	if out == "" {
		out = defaultExportPath(p.Name)
	}
	doc := reactflow.Export(g)
	if err := writeDocument(doc, out); err != nil {
		return err
	}
	fmt.Printf("%s: %d node(s), %d edge(s)\n", out, len(doc.Nodes), len(doc.Edges))

	if exportOpen {
		abs, err := filepath.Abs(out)
		if err != nil {
			return err
		}
		if err := browser.OpenFile(abs); err != nil {
			logger.WithError(err).Warn("Could not open a browser")
		}
	}
	return nil
}

func defaultExportPath(projectName string) string {
	return projectName + ".graph.json"
}

func writeDocument(doc *reactflow.Document, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := doc.EncodeJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
