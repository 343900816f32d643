package graph

import (
	"errors"
	"sort"
)

// ErrNodeNotFound is returned by queries that reference a node id
// absent from the graph.
var ErrNodeNotFound = errors.New("graph: node not found")

// Direction selects which way reachability walks the edges.
type Direction string

const (
	// Downstream follows edges source to target. Edges point from user
	// to used, so this is everything the node depends on.
	Downstream Direction = "downstream"
	// Upstream follows edges target to source: everything that depends
	// on the node, the set affected when it changes.
	Upstream Direction = "upstream"
)

// Degree holds the fan-in/fan-out counts of one node.
type Degree struct {
	FanIn  int `json:"fan_in"`
	FanOut int `json:"fan_out"`
}

// NodeClass is the structural classification of one node derived from
// its degrees.
type NodeClass struct {
	Degree
	Entry    bool `json:"entry"`
	Leaf     bool `json:"leaf"`
	Critical bool `json:"critical"`
	Orphan   bool `json:"orphan"`
}

// DefaultCriticalThreshold marks a node critical once its fan-in or
// fan-out reaches this count.
const DefaultCriticalThreshold = 3

// Index is a read-only adjacency view over a graph, built once and
// shared by all queries. Traversals cost time proportional to the
// reachable subgraph; degrees are computed once, O(E).
type Index struct {
	g        *Graph
	outgoing map[string][]string
	incoming map[string][]string
	degrees  map[string]Degree
}

// NewIndex builds adjacency lists and degree counts for the graph.
// Neighbor lists are ordered by the sorted edge set, so traversal
// results are deterministic.
func NewIndex(g *Graph) *Index {
	ix := &Index{
		g:        g,
		outgoing: make(map[string][]string),
		incoming: make(map[string][]string),
		degrees:  make(map[string]Degree, len(g.Nodes)),
	}
	for id := range g.Nodes {
		ix.degrees[id] = Degree{}
	}
	for _, e := range g.Edges() {
		ix.outgoing[e.Source] = append(ix.outgoing[e.Source], e.Target)
		ix.incoming[e.Target] = append(ix.incoming[e.Target], e.Source)
		ds := ix.degrees[e.Source]
		ds.FanOut++
		ix.degrees[e.Source] = ds
		dt := ix.degrees[e.Target]
		dt.FanIn++
		ix.degrees[e.Target] = dt
	}
	return ix
}

// Reach is the result of a reachability query: hop count per reached
// node id, including the start node at hop 0.
type Reach map[string]int

// IDs returns the reached ids ordered by hop count, then id.
func (r Reach) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if r[ids[i]] != r[ids[j]] {
			return r[ids[i]] < r[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Reachable runs a breadth-first traversal from id in the given
// direction. maxHops bounds the traversal depth; zero or negative
// means unbounded.
func (ix *Index) Reachable(id string, dir Direction, maxHops int) (Reach, error) {
	if _, ok := ix.g.Nodes[id]; !ok {
		return nil, ErrNodeNotFound
	}
	adj := ix.outgoing
	if dir == Upstream {
		adj = ix.incoming
	}

	hops := Reach{id: 0}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		depth := hops[cur]
		if maxHops > 0 && depth >= maxHops {
			continue
		}
		for _, next := range adj[cur] {
			if _, seen := hops[next]; seen {
				continue
			}
			hops[next] = depth + 1
			queue = append(queue, next)
		}
	}
	return hops, nil
}

// Downstream returns everything reachable from the node by following
// edges forward, with per-node hop counts.
func (ix *Index) Downstream(id string, maxHops int) (Reach, error) {
	return ix.Reachable(id, Downstream, maxHops)
}

// Upstream returns everything that can reach the node, with per-node
// hop counts.
func (ix *Index) Upstream(id string, maxHops int) (Reach, error) {
	return ix.Reachable(id, Upstream, maxHops)
}

// CycleThrough searches depth-first for a simple cycle passing through
// the node and returns it as a node id sequence starting at id (the
// closing edge back to id is implied). Returns nil when the node is on
// no cycle.
func (ix *Index) CycleThrough(id string) ([]string, error) {
	if _, ok := ix.g.Nodes[id]; !ok {
		return nil, ErrNodeNotFound
	}

	visited := map[string]bool{id: true}
	path := []string{id}

	var dfs func(cur string) []string
	dfs = func(cur string) []string {
		for _, next := range ix.outgoing[cur] {
			if next == id {
				cycle := make([]string, len(path))
				copy(cycle, path)
				return cycle
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			path = append(path, next)
			if cycle := dfs(next); cycle != nil {
				return cycle
			}
			path = path[:len(path)-1]
		}
		return nil
	}

	return dfs(id), nil
}

// Degrees returns fan-in/fan-out per node id. The map is shared with
// the index; callers must not mutate it.
func (ix *Index) Degrees() map[string]Degree {
	return ix.degrees
}

// Classify derives the structural class of every node: entry (fan-in
// 0), leaf (fan-out 0), critical (fan-in or fan-out at or above the
// threshold), orphan (no edges at all). A threshold of zero or less
// falls back to DefaultCriticalThreshold.
func (ix *Index) Classify(threshold int) map[string]NodeClass {
	if threshold <= 0 {
		threshold = DefaultCriticalThreshold
	}
	out := make(map[string]NodeClass, len(ix.degrees))
	for id, d := range ix.degrees {
		out[id] = NodeClass{
			Degree:   d,
			Entry:    d.FanIn == 0,
			Leaf:     d.FanOut == 0,
			Critical: d.FanIn >= threshold || d.FanOut >= threshold,
			Orphan:   d.FanIn == 0 && d.FanOut == 0,
		}
	}
	return out
}

// Orphans returns the ids of all nodes with no incoming and no
// outgoing edges, sorted.
func (ix *Index) Orphans() []string {
	var ids []string
	for id, d := range ix.degrees {
		if d.FanIn == 0 && d.FanOut == 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
