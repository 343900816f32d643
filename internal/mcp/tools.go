package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeanatomy/codeanatomy/internal/graph"
)

type impactArgs struct {
	Project   string `json:"project,omitempty" jsonschema:"project id or name, optional when only one project exists"`
	Node      string `json:"node" jsonschema:"node id to trace from, for example module:src/api"`
	Direction string `json:"direction,omitempty" jsonschema:"upstream, downstream or both (default both)"`
	MaxHops   int    `json:"max_hops,omitempty" jsonschema:"bound on traversal depth, 0 means unbounded"`
}

// impact returns a map so only the requested directions appear in the
// result, matching the HTTP impact endpoint.
func (s *Server) impact(ctx context.Context, req *sdk.CallToolRequest, args impactArgs) (*sdk.CallToolResult, any, error) {
	if args.Node == "" {
		return nil, nil, errors.New("node is required")
	}
	dirs := []graph.Direction{graph.Upstream, graph.Downstream}
	switch args.Direction {
	case "", "both":
	case string(graph.Upstream):
		dirs = dirs[:1]
	case string(graph.Downstream):
		dirs = dirs[1:]
	default:
		return nil, nil, errors.New("direction must be upstream, downstream or both")
	}

	p, ix, err := s.indexFor(ctx, args.Project)
	if err != nil {
		return nil, nil, err
	}
	result := map[string]any{"project": p.Name, "node": args.Node}
	for _, dir := range dirs {
		reach, err := ix.Reachable(args.Node, dir, args.MaxHops)
		if err != nil {
			return nil, nil, queryError(args.Node, err)
		}
		result[string(dir)] = withoutStart(reach, args.Node)
	}
	return nil, result, nil
}

type cyclesArgs struct {
	Project string `json:"project,omitempty" jsonschema:"project id or name, optional when only one project exists"`
	Node    string `json:"node" jsonschema:"node id the cycle must pass through"`
}

type cyclesResult struct {
	Project string   `json:"project"`
	Node    string   `json:"node"`
	Cycle   []string `json:"cycle"`
}

func (s *Server) cycles(ctx context.Context, req *sdk.CallToolRequest, args cyclesArgs) (*sdk.CallToolResult, cyclesResult, error) {
	if args.Node == "" {
		return nil, cyclesResult{}, errors.New("node is required")
	}
	p, ix, err := s.indexFor(ctx, args.Project)
	if err != nil {
		return nil, cyclesResult{}, err
	}
	cycle, err := ix.CycleThrough(args.Node)
	if err != nil {
		return nil, cyclesResult{}, queryError(args.Node, err)
	}
	if cycle == nil {
		cycle = []string{}
	}
	return nil, cyclesResult{Project: p.Name, Node: args.Node, Cycle: cycle}, nil
}

type classifyArgs struct {
	Project   string `json:"project,omitempty" jsonschema:"project id or name, optional when only one project exists"`
	Node      string `json:"node,omitempty" jsonschema:"classify a single node instead of the whole graph"`
	Threshold int    `json:"threshold,omitempty" jsonschema:"fan degree at which a node counts as critical (default 3)"`
}

type classifiedNode struct {
	Node string `json:"node"`
	graph.NodeClass
}

type classifyResult struct {
	Project   string           `json:"project"`
	Threshold int              `json:"threshold"`
	Nodes     []classifiedNode `json:"nodes"`
}

func (s *Server) classify(ctx context.Context, req *sdk.CallToolRequest, args classifyArgs) (*sdk.CallToolResult, classifyResult, error) {
	p, ix, err := s.indexFor(ctx, args.Project)
	if err != nil {
		return nil, classifyResult{}, err
	}
	threshold := args.Threshold
	if threshold <= 0 {
		threshold = graph.DefaultCriticalThreshold
	}
	classes := ix.Classify(threshold)

	var nodes []classifiedNode
	if args.Node != "" {
		class, ok := classes[args.Node]
		if !ok {
			return nil, classifyResult{}, fmt.Errorf("node %q is not in the graph", args.Node)
		}
		nodes = []classifiedNode{{Node: args.Node, NodeClass: class}}
	} else {
		nodes = make([]classifiedNode, 0, len(classes))
		for id, class := range classes {
			nodes = append(nodes, classifiedNode{Node: id, NodeClass: class})
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Node < nodes[j].Node })
	}
	return nil, classifyResult{Project: p.Name, Threshold: threshold, Nodes: nodes}, nil
}

type orphansArgs struct {
	Project string `json:"project,omitempty" jsonschema:"project id or name, optional when only one project exists"`
}

type orphansResult struct {
	Project string   `json:"project"`
	Orphans []string `json:"orphans"`
}

func (s *Server) orphans(ctx context.Context, req *sdk.CallToolRequest, args orphansArgs) (*sdk.CallToolResult, orphansResult, error) {
	p, ix, err := s.indexFor(ctx, args.Project)
	if err != nil {
		return nil, orphansResult{}, err
	}
	ids := ix.Orphans()
	if ids == nil {
		ids = []string{}
	}
	return nil, orphansResult{Project: p.Name, Orphans: ids}, nil
}

// withoutStart orders reached ids by hop distance and drops the start
// node itself.
func withoutStart(r graph.Reach, start string) []string {
	ids := make([]string, 0, len(r))
	for _, id := range r.IDs() {
		if id != start {
			ids = append(ids, id)
		}
	}
	return ids
}

func queryError(node string, err error) error {
	if errors.Is(err, graph.ErrNodeNotFound) {
		return fmt.Errorf("node %q is not in the graph", node)
	}
	return err
}
