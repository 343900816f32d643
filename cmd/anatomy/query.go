package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/models"
	"github.com/codeanatomy/codeanatomy/internal/storage"
)

var (
	queryProject   string
	queryNode      string
	queryDirection string
	queryMaxHops   int
	queryThreshold int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the stored dependency graph",
	Long: `Run read-only queries against the latest stored graph of a project.
Results print as JSON in the same shapes the HTTP API returns.`,
}

var impactCmd = &cobra.Command{
	Use:   "impact",
	Short: "List everything reachable from a node",
	Long: `Walk the graph from a node and list what it depends on (downstream)
and what depends on it (upstream), ordered by hop distance.

Example:
  anatomy query impact --node module:src/db.js --direction upstream --max-hops 2`,
	RunE: runImpact,
}

var cyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "Find a dependency cycle through a node",
	RunE:  runCycles,
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify nodes by fan-in and fan-out",
	Long: `Report per-node degrees and the derived entry, leaf, critical and
orphan flags. A node is critical when its fan-in or fan-out reaches the
threshold. Without --node every node is listed.`,
	RunE: runClassify,
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List nodes nothing references",
	RunE:  runOrphans,
}

func init() {
	queryCmd.PersistentFlags().StringVar(&queryProject, "project", "", "project id or name (optional when only one project exists)")
	impactCmd.Flags().StringVar(&queryNode, "node", "", "node id, e.g. module:src/db.js")
	impactCmd.Flags().StringVar(&queryDirection, "direction", "both", "upstream, downstream or both")
	impactCmd.Flags().IntVar(&queryMaxHops, "max-hops", 0, "hop limit, 0 means unbounded")
	cyclesCmd.Flags().StringVar(&queryNode, "node", "", "node id to probe for cycles")
	classifyCmd.Flags().StringVar(&queryNode, "node", "", "classify a single node")
	classifyCmd.Flags().IntVar(&queryThreshold, "threshold", 0, "critical fan-in threshold (default from config)")
	queryCmd.AddCommand(impactCmd)
	queryCmd.AddCommand(cyclesCmd)
	queryCmd.AddCommand(classifyCmd)
	queryCmd.AddCommand(orphansCmd)
}

func runImpact(cmd *cobra.Command, args []string) error {
	if queryNode == "" {
		return errors.New("--node is required")
	}
	p, ix, err := loadIndex(context.Background(), queryProject)
	if err != nil {
		return err
	}

	dirs := []graph.Direction{graph.Upstream, graph.Downstream}
	switch strings.ToLower(queryDirection) {
	case "", "both":
	case "upstream":
		dirs = dirs[:1]
	case "downstream":
		dirs = dirs[1:]
	default:
		return errors.New("direction must be upstream, downstream or both")
	}

	result := map[string]any{"project": p.Name, "node": queryNode}
	for _, dir := range dirs {
		reach, err := ix.Reachable(queryNode, dir, queryMaxHops)
		if err != nil {
			return nodeError(queryNode, err)
		}
		ids := make([]string, 0, len(reach))
		for _, id := range reach.IDs() {
			if id != queryNode {
				ids = append(ids, id)
			}
		}
		result[string(dir)] = ids
	}
	return printJSON(result)
}

func runCycles(cmd *cobra.Command, args []string) error {
	if queryNode == "" {
		return errors.New("--node is required")
	}
	p, ix, err := loadIndex(context.Background(), queryProject)
	if err != nil {
		return err
	}
	cycle, err := ix.CycleThrough(queryNode)
	if err != nil {
		return nodeError(queryNode, err)
	}
	if cycle == nil {
		cycle = []string{}
	}
	return printJSON(map[string]any{"project": p.Name, "node": queryNode, "cycle": cycle})
}

func runClassify(cmd *cobra.Command, args []string) error {
	p, ix, err := loadIndex(context.Background(), queryProject)
	if err != nil {
		return err
	}
	threshold := queryThreshold
	if threshold <= 0 {
		threshold = cfg.Query.CriticalThreshold
	}
	if threshold <= 0 {
		threshold = graph.DefaultCriticalThreshold
	}
	classes := ix.Classify(threshold)

	type classifiedNode struct {
		Node string `json:"node"`
		graph.NodeClass
	}
	var nodes []classifiedNode
	if queryNode != "" {
		class, ok := classes[queryNode]
		if !ok {
			return fmt.Errorf("node %q is not in the graph", queryNode)
		}
		nodes = []classifiedNode{{Node: queryNode, NodeClass: class}}
	} else {
		nodes = make([]classifiedNode, 0, len(classes))
		for id, class := range classes {
			nodes = append(nodes, classifiedNode{Node: id, NodeClass: class})
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Node < nodes[j].Node })
	}
	return printJSON(map[string]any{"project": p.Name, "threshold": threshold, "nodes": nodes})
}

func runOrphans(cmd *cobra.Command, args []string) error {
	p, ix, err := loadIndex(context.Background(), queryProject)
	if err != nil {
		return err
	}
	orphans := ix.Orphans()
	if orphans == nil {
		orphans = []string{}
	}
	return printJSON(map[string]any{"project": p.Name, "orphans": orphans})
}

// loadProjectGraph resolves the project selector and loads its latest
// stored graph.
func loadProjectGraph(ctx context.Context, store storage.Store, selector string) (*models.Project, *graph.Graph, error) {
	p, err := storage.ResolveProject(ctx, store, selector)
	if err != nil {
		return nil, nil, err
	}
	g, err := store.LatestGraph(ctx, p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("project %q has no graph yet, run an analysis first", p.Name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load graph: %w", err)
	}
	return p, g, nil
}

func loadIndex(ctx context.Context, selector string) (*models.Project, *graph.Index, error) {
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	p, g, err := loadProjectGraph(ctx, store, selector)
	if err != nil {
		return nil, nil, err
	}
	return p, graph.NewIndex(g), nil
}

func nodeError(node string, err error) error {
	if errors.Is(err, graph.ErrNodeNotFound) {
		return fmt.Errorf("node %q is not in the graph", node)
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
