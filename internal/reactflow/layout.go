package reactflow

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/codeanatomy/codeanatomy/internal/graph"
)

// Layout constants shared with the UI's cluster renderer.
const (
	clusterGap     = 28.0
	nodeWidth      = 200.0
	nodeHeight     = 85.0
	clusterPadding = 24.0
	clustersPerRow = 6
)

// kindRank orders kinds from the data layer outward. Unknown kinds rank
// with "other".
var kindRank = map[string]int{
	"table": 0, "module": 0,
	"model": 1, "entity": 1,
	"repository": 2, "service": 2, "factory": 2,
	"use_case": 3, "controller": 3, "handler": 3,
	"adapter": 4, "route": 4, "express_route": 4, "middleware": 4,
	"view": 5, "style": 5, "page": 5, "api_route": 5, "component": 5,
	"other": 9,
}

// kindsLayout is the placement order around each cluster's ring, inner
// layers first so tables sit at the top and views at the bottom.
var kindsLayout = []string{
	"table", "model", "entity", "repository", "service", "use_case", "factory",
	"controller", "handler", "adapter", "route", "express_route", "middleware",
	"view", "style", "page", "api_route", "component", "module", "other",
}

// seedKinds is the fallback chain for cluster seeds. The first kind with
// any nodes wins; a codebase with no node of any of these kinds ends up
// as a single cluster of leftovers.
var seedKinds = []graph.Kind{
	graph.KindController,
	graph.KindPage,
	graph.KindExpressRoute,
	graph.KindHandler,
	graph.KindService,
}

func clusterSeeds(g *graph.Graph) []string {
	for _, kind := range seedKinds {
		var ids []string
		for _, n := range g.NodesSorted() {
			if n.Kind == kind {
				ids = append(ids, n.ID)
			}
		}
		if len(ids) > 0 {
			return ids
		}
	}
	return nil
}

func buildAdjacency(g *graph.Graph) (incoming, outgoing map[string][]string) {
	incoming = make(map[string][]string)
	outgoing = make(map[string][]string)
	for _, e := range g.Edges() {
		incoming[e.Target] = append(incoming[e.Target], e.Source)
		outgoing[e.Source] = append(outgoing[e.Source], e.Target)
	}
	return incoming, outgoing
}

// clusterAround collects every node reachable from seed ignoring edge
// direction.
func clusterAround(seed string, incoming, outgoing map[string][]string) map[string]bool {
	members := map[string]bool{seed: true}
	stack := []string{seed}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, prev := range incoming[cur] {
			if !members[prev] {
				members[prev] = true
				stack = append(stack, prev)
			}
		}
		for _, next := range outgoing[cur] {
			if !members[next] {
				members[next] = true
				stack = append(stack, next)
			}
		}
	}
	return members
}

// layoutByClusters groups nodes into one cluster per seed, places each
// cluster's members on a ring, then packs clusters into rows. Nodes a
// previous seed already claimed are not claimed again, so overlapping
// clusters collapse into the first seed's. Returned nodes carry the
// cluster backgrounds first.
func layoutByClusters(g *graph.Graph) []Node {
	sorted := g.NodesSorted()
	incoming, outgoing := buildAdjacency(g)

	assigned := make(map[string]bool, len(sorted))
	var clusters [][]string
	for _, seed := range clusterSeeds(g) {
		members := clusterAround(seed, incoming, outgoing)
		var ids []string
		for _, n := range sorted {
			if members[n.ID] && !assigned[n.ID] {
				ids = append(ids, n.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		for _, id := range ids {
			assigned[id] = true
		}
		clusters = append(clusters, ids)
	}
	var leftovers []string
	for _, n := range sorted {
		if !assigned[n.ID] {
			leftovers = append(leftovers, n.ID)
		}
	}
	if len(leftovers) > 0 {
		clusters = append(clusters, leftovers)
	}

	nodes := make([]Node, 0, len(sorted)+len(clusters))
	positions := make(map[string]Position, len(sorted))
	nodeCluster := make(map[string]string, len(sorted))

	cursorX, cursorY := 0.0, 0.0
	var rowHeights []float64
	for idx, ids := range clusters {
		if idx > 0 && idx%clustersPerRow == 0 {
			rowH := 0.0
			for _, h := range rowHeights {
				rowH = math.Max(rowH, h)
			}
			cursorX = 0
			cursorY += rowH + clusterGap
			rowHeights = rowHeights[:0]
		}

		ring := placeRing(g, ids)
		width := (ring.maxX - ring.minX) + 2*clusterPadding
		height := (ring.maxY - ring.minY) + 2*clusterPadding
		offsetX := cursorX + clusterPadding - ring.minX
		offsetY := cursorY + clusterPadding - ring.minY

		bgID := fmt.Sprintf("cluster-bg-%d", idx)
		for id, p := range ring.pos {
			positions[id] = Position{X: p.X + offsetX, Y: p.Y + offsetY}
			nodeCluster[id] = bgID
		}
		nodes = append(nodes, Node{
			ID:       bgID,
			Type:     "clusterBg",
			Position: Position{X: cursorX, Y: cursorY},
			Data:     ClusterData{Width: width, Height: height},
		})
		rowHeights = append(rowHeights, height)
		cursorX += width + clusterGap
	}

	for _, n := range sorted {
		kind := strings.ToLower(strings.TrimSpace(string(n.Kind)))
		if kind == "" {
			kind = "default"
		}
		label := n.Label
		if label == "" {
			label = n.ID
		}
		data := NodeData{
			Label:          label,
			Kind:           kind,
			Orphan:         n.Attr(graph.AttrOrphan) == "true",
			ClusterID:      nodeCluster[n.ID],
			Code:           n.Code,
			FilePath:       n.FilePath,
			ControllerPath: n.Attr(graph.AttrControllerPath),
		}
		if method, ok := n.Attributes[graph.AttrMethodName]; ok {
			data.MethodName = &method
		}
		nodes = append(nodes, Node{
			ID:       n.ID,
			Type:     "default",
			Position: positions[n.ID],
			Data:     data,
		})
	}
	return nodes
}

type ringLayout struct {
	pos                    map[string]Position
	minX, minY, maxX, maxY float64
}

// placeRing orders a cluster's members by layer then label and spreads
// them on a circle wide enough that neighboring boxes do not overlap.
// The first node sits at the top of the circle.
func placeRing(g *graph.Graph, ids []string) ringLayout {
	buckets := make(map[string][]*graph.Node)
	for _, id := range ids {
		n, ok := g.Nodes[id]
		if !ok {
			continue
		}
		kind := strings.ToLower(strings.TrimSpace(string(n.Kind)))
		if _, known := kindRank[kind]; !known {
			kind = "other"
		}
		buckets[kind] = append(buckets[kind], n)
	}
	ordered := make([]*graph.Node, 0, len(ids))
	for _, kind := range kindsLayout {
		ns := buckets[kind]
		sort.Slice(ns, func(i, j int) bool {
			if ns[i].Label != ns[j].Label {
				return ns[i].Label < ns[j].Label
			}
			return ns[i].ID < ns[j].ID
		})
		ordered = append(ordered, ns...)
	}

	count := len(ordered)
	radius := 80.0
	if count > 1 {
		radius = (nodeWidth / 2) / math.Sin(math.Pi/float64(count))
	}
	radius = math.Max(100, radius)

	ring := ringLayout{
		pos:  make(map[string]Position, count),
		minX: math.Inf(1),
		minY: math.Inf(1),
		maxX: math.Inf(-1),
		maxY: math.Inf(-1),
	}
	for i, n := range ordered {
		angle := 2*math.Pi*float64(i)/float64(count) - math.Pi/2
		x := radius*math.Cos(angle) - nodeWidth/2
		y := radius*math.Sin(angle) - nodeHeight/2
		ring.pos[n.ID] = Position{X: x, Y: y}
		ring.minX = math.Min(ring.minX, x)
		ring.minY = math.Min(ring.minY, y)
		ring.maxX = math.Max(ring.maxX, x+nodeWidth)
		ring.maxY = math.Max(ring.maxY, y+nodeHeight)
	}
	return ring
}
