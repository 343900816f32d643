package graph

import (
	"encoding/json"
	"sort"
	"strings"
)

// Kind classifies what a node represents in the dependency graph.
// The set is open: extraction may emit kinds outside this list and they
// pass through untouched. KindOther is the fallback for anything unknown.
type Kind string

const (
	KindTable        Kind = "table"
	KindModel        Kind = "model"
	KindController   Kind = "controller"
	KindRoute        Kind = "route"
	KindView         Kind = "view"
	KindModule       Kind = "module"
	KindRepository   Kind = "repository"
	KindService      Kind = "service"
	KindFactory      Kind = "factory"
	KindUseCase      Kind = "use_case"
	KindHandler      Kind = "handler"
	KindAdapter      Kind = "adapter"
	KindMiddleware   Kind = "middleware"
	KindEntity       Kind = "entity"
	KindPage         Kind = "page"
	KindComponent    Kind = "component"
	KindAPIRoute     Kind = "api_route"
	KindExpressRoute Kind = "express_route"
	KindStyle        Kind = "style"
	KindOther        Kind = "other"
)

// Well-known attribute keys. Attributes carry derived or pass-specific
// node metadata without widening the core model.
const (
	AttrOrphan         = "orphan"
	AttrSynthetic      = "synthetic"
	AttrControllerPath = "controller_path"
	AttrMethodName     = "method_name"
)

// Node is a vertex in the dependency graph. ID is the stable identity
// key, conventionally "<kind>:<name>" or a path-qualified variant; two
// extraction passes describing the same real entity must produce the
// same ID.
type Node struct {
	ID         string            `json:"id"`
	Label      string            `json:"label"`
	Kind       Kind              `json:"kind"`
	Code       string            `json:"code,omitempty"`
	FilePath   string            `json:"file_path,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	if n.Attributes != nil {
		c.Attributes = make(map[string]string, len(n.Attributes))
		for k, v := range n.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// SetAttr sets an attribute, allocating the map on first use.
func (n *Node) SetAttr(key, value string) {
	if n.Attributes == nil {
		n.Attributes = make(map[string]string)
	}
	n.Attributes[key] = value
}

// Attr returns an attribute value, or "" when absent.
func (n *Node) Attr(key string) string {
	return n.Attributes[key]
}

// IsSynthetic reports whether this node was synthesized as a stub for a
// dangling edge endpoint and has not yet been replaced by a real
// definition.
func (n *Node) IsSynthetic() bool {
	return n.Attributes[AttrSynthetic] == "true"
}

// Name returns the part of the ID after the "<kind>:" prefix, or the
// whole ID when it carries no prefix.
func (n *Node) Name() string {
	if _, name, ok := strings.Cut(n.ID, ":"); ok {
		return name
	}
	return n.ID
}

// Edge is a directed dependency between two nodes. The identity used
// for deduplication is (Source, Target, Relation); ID is the rendering
// identifier "<source>-><target>".
type Edge struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// EdgeID renders the edge identifier for a source/target pair.
func EdgeID(source, target string) string {
	return source + "->" + target
}

type edgeKey struct {
	source   string
	target   string
	relation string
}

// Graph is a set of uniquely-identified nodes plus a deduplicated set
// of directed edges. Invariant: every edge endpoint references a node
// present in Nodes; unknown endpoints are synthesized as stub nodes at
// insertion time.
type Graph struct {
	Nodes map[string]*Node

	edges map[edgeKey]*Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
		edges: make(map[edgeKey]*Edge),
	}
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	return g.Nodes[id]
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.Nodes) }

// EdgeCount returns the number of distinct edges.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// AddNode inserts a node as-is when its id is absent. When a node with
// the same id exists the call is a no-op and returns false; merging
// semantics live in Merge/UpsertNode.
func (g *Graph) AddNode(n *Node) bool {
	if n == nil || n.ID == "" {
		return false
	}
	if _, ok := g.Nodes[n.ID]; ok {
		return false
	}
	nn := n.Clone()
	if nn.Label == "" {
		nn.Label = nn.ID
	}
	if nn.Kind == "" {
		nn.Kind = KindOther
	}
	g.Nodes[nn.ID] = nn
	return true
}

// AddEdge inserts a directed edge, deduplicating on
// (source, target, relation). Endpoints not present in the graph are
// synthesized as stub nodes so the no-dangling-edges invariant holds.
// Returns false when the edge already existed or the endpoints are
// empty.
func (g *Graph) AddEdge(source, target, relation string) bool {
	if source == "" || target == "" {
		return false
	}
	if relation == "" {
		relation = "uses"
	}
	key := edgeKey{source, target, relation}
	if _, ok := g.edges[key]; ok {
		return false
	}
	g.ensureNode(source)
	g.ensureNode(target)
	g.edges[key] = &Edge{
		ID:       EdgeID(source, target),
		Source:   source,
		Target:   target,
		Relation: relation,
	}
	return true
}

// HasEdge reports whether the exact (source, target, relation) edge exists.
func (g *Graph) HasEdge(source, target, relation string) bool {
	_, ok := g.edges[edgeKey{source, target, relation}]
	return ok
}

// ensureNode synthesizes a stub node for a dangling edge endpoint.
// Extraction passes run per-variant and out of dependency order, so an
// edge routinely lands before the node it points at; the stub is
// enriched once the real definition merges in.
func (g *Graph) ensureNode(id string) {
	if _, ok := g.Nodes[id]; ok {
		return
	}
	stub := &Node{ID: id, Label: id, Kind: KindOther}
	stub.SetAttr(AttrSynthetic, "true")
	g.Nodes[id] = stub
}

// RemoveNode deletes a node and every edge touching it.
func (g *Graph) RemoveNode(id string) {
	if _, ok := g.Nodes[id]; !ok {
		return
	}
	delete(g.Nodes, id)
	for key := range g.edges {
		if key.source == id || key.target == id {
			delete(g.edges, key)
		}
	}
}

// Edges returns the edges sorted by (source, target, relation) so
// serialization and traversal order are deterministic.
func (g *Graph) Edges() []*Edge {
	out := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Relation < out[j].Relation
	})
	return out
}

// NodeIDs returns all node ids in sorted order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NodesSorted returns all nodes sorted by id.
func (g *Graph) NodesSorted() []*Node {
	out := make([]*Node, 0, len(g.Nodes))
	for _, id := range g.NodeIDs() {
		out = append(out, g.Nodes[id])
	}
	return out
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	c := New()
	for id, n := range g.Nodes {
		c.Nodes[id] = n.Clone()
	}
	for key, e := range g.edges {
		ec := *e
		c.edges[key] = &ec
	}
	return c
}

type graphJSON struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// MarshalJSON serializes the graph with nodes and edges in sorted order.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(graphJSON{
		Nodes: g.NodesSorted(),
		Edges: g.Edges(),
	})
}

// UnmarshalJSON rebuilds the graph from its serialized form, restoring
// the dedup index and the no-dangling-edges invariant.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var raw graphJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.Nodes = make(map[string]*Node, len(raw.Nodes))
	g.edges = make(map[edgeKey]*Edge, len(raw.Edges))
	for _, n := range raw.Nodes {
		g.AddNode(n)
	}
	for _, e := range raw.Edges {
		g.AddEdge(e.Source, e.Target, e.Relation)
	}
	return nil
}
