package reactflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeanatomy/codeanatomy/internal/graph"
)

func marshalJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

// dataFor returns the rendered data of the graph node with the given id.
func dataFor(t *testing.T, doc *Document, id string) NodeData {
	t.Helper()
	for _, n := range doc.Nodes {
		if n.ID == id {
			data, ok := n.Data.(NodeData)
			require.True(t, ok, "node %s should carry NodeData, got %T", id, n.Data)
			return data
		}
	}
	t.Fatalf("node %s not in document", id)
	return NodeData{}
}

func positionOf(t *testing.T, doc *Document, id string) Position {
	t.Helper()
	for _, n := range doc.Nodes {
		if n.ID == id {
			return n.Position
		}
	}
	t.Fatalf("node %s not in document", id)
	return Position{}
}

func clusterBackgrounds(doc *Document) []Node {
	var bgs []Node
	for _, n := range doc.Nodes {
		if n.Type == "clusterBg" {
			bgs = append(bgs, n)
		}
	}
	return bgs
}

func TestExportEmptyGraph(t *testing.T) {
	doc := Export(graph.New())

	assert.Equal(t, `{"nodes":[],"edges":[]}`, marshalJSON(t, doc),
		"empty graph must render empty arrays, not null")
}

func TestExportNodeDataContract(t *testing.T) {
	g := graph.New()
	g.AddNode(&graph.Node{
		ID:       "controller:OrderController",
		Kind:     graph.KindController,
		Label:    "OrderController",
		FilePath: "app/Http/Controllers/OrderController.php",
	})
	g.AddNode(&graph.Node{
		ID:       "route:OrderController.store",
		Kind:     graph.KindRoute,
		Label:    "store",
		FilePath: "routes/web.php",
		Code:     "Route::post('/orders', 'OrderController@store')",
	})
	g.AddEdge("controller:OrderController", "route:OrderController.store", "defines")
	graph.AttachRouteHandlers(g)
	graph.MarkOrphans(g)

	doc := Export(g)

	// Key order and presence rules are part of the UI contract.
	assert.Equal(t,
		`{"label":"store","kind":"route","orphan":false,"clusterId":"cluster-bg-0",`+
			`"code":"Route::post('/orders', 'OrderController@store')","file_path":"routes/web.php",`+
			`"controller_path":"app/Http/Controllers/OrderController.php","method_name":"store"}`,
		marshalJSON(t, dataFor(t, doc, "route:OrderController.store")))
	assert.Equal(t,
		`{"label":"OrderController","kind":"controller","orphan":false,"clusterId":"cluster-bg-0",`+
			`"file_path":"app/Http/Controllers/OrderController.php"}`,
		marshalJSON(t, dataFor(t, doc, "controller:OrderController")),
		"unset optional fields must be omitted, not rendered empty")
}

func TestExportMethodNameEmptyButPresent(t *testing.T) {
	g := graph.New()
	g.AddNode(&graph.Node{ID: "controller:Health", Kind: graph.KindController, FilePath: "app/Health.php"})
	g.AddNode(&graph.Node{ID: "route:healthcheck", Kind: graph.KindRoute, Label: "healthcheck"})
	g.AddEdge("controller:Health", "route:healthcheck", "defines")
	graph.AttachRouteHandlers(g)

	doc := Export(g)

	raw := marshalJSON(t, dataFor(t, doc, "route:healthcheck"))
	assert.Contains(t, raw, `"method_name":""`,
		"a route with no parseable method still renders the key")
	assert.NotContains(t, marshalJSON(t, dataFor(t, doc, "controller:Health")), "method_name")
}

func TestExportOrphanFlag(t *testing.T) {
	g := graph.New()
	g.AddNode(&graph.Node{ID: "controller:A", Kind: graph.KindController})
	g.AddNode(&graph.Node{ID: "table:orders", Kind: graph.KindTable})
	g.AddNode(&graph.Node{ID: "model:Stray", Kind: graph.KindModel})
	g.AddEdge("controller:A", "table:orders", "writes")
	graph.MarkOrphans(g)

	doc := Export(g)

	assert.False(t, dataFor(t, doc, "controller:A").Orphan)
	assert.False(t, dataFor(t, doc, "table:orders").Orphan)
	assert.True(t, dataFor(t, doc, "model:Stray").Orphan)
	assert.Equal(t, "cluster-bg-1", dataFor(t, doc, "model:Stray").ClusterID,
		"unreachable nodes still land in the trailing cluster")
}

func TestExportEdges(t *testing.T) {
	g := graph.New()
	g.AddNode(&graph.Node{ID: "module:a", Kind: graph.KindModule})
	g.AddNode(&graph.Node{ID: "module:b", Kind: graph.KindModule})
	g.AddEdge("module:a", "module:b", "uses")
	g.AddEdge("module:a", "module:b", "writes")

	doc := Export(g)

	require.Len(t, doc.Edges, 2)
	assert.Equal(t,
		`{"id":"module:a-\u003emodule:b","source":"module:a","target":"module:b","data":{"relation":"uses"}}`,
		marshalJSON(t, doc.Edges[0]))
	assert.Equal(t, doc.Edges[0].ID, doc.Edges[1].ID,
		"edge ids exclude the relation, so parallel edges share one")
	assert.Equal(t, "writes", doc.Edges[1].Data.Relation)
}

func TestSingleNodeClusterGeometry(t *testing.T) {
	g := graph.New()
	g.AddNode(&graph.Node{ID: "controller:Only", Kind: graph.KindController})

	doc := Export(g)

	require.Len(t, doc.Nodes, 2, "one background plus one node")
	bg := doc.Nodes[0]
	assert.Equal(t, "cluster-bg-0", bg.ID)
	assert.Equal(t, "clusterBg", bg.Type)
	assert.InDelta(t, 0, bg.Position.X, 1e-9)
	assert.InDelta(t, 0, bg.Position.Y, 1e-9)

	data, ok := bg.Data.(ClusterData)
	require.True(t, ok)
	// A lone node sits on a radius-100 circle: the box spans 200 wide
	// and 85 tall, plus 24 padding on every side.
	assert.InDelta(t, 248, data.Width, 1e-9)
	assert.InDelta(t, 133, data.Height, 1e-9)
	assert.Equal(t, "", data.Label)

	pos := positionOf(t, doc, "controller:Only")
	assert.InDelta(t, clusterPadding, pos.X, 1e-9)
	assert.InDelta(t, clusterPadding, pos.Y, 1e-9)
}

func TestRingPlacesDataLayerFirst(t *testing.T) {
	g := graph.New()
	g.AddNode(&graph.Node{ID: "controller:Orders", Kind: graph.KindController})
	g.AddNode(&graph.Node{ID: "table:orders", Kind: graph.KindTable})
	g.AddEdge("controller:Orders", "table:orders", "writes")

	doc := Export(g)

	table := positionOf(t, doc, "table:orders")
	controller := positionOf(t, doc, "controller:Orders")
	assert.Less(t, table.Y, controller.Y,
		"the ring starts at the top with the innermost layer")
	assert.InDelta(t, 24, table.Y, 1e-9)
	assert.InDelta(t, 224, controller.Y, 1e-9)
	assert.InDelta(t, table.X, controller.X, 1e-9, "two nodes sit on a vertical diameter")
}

func TestSeedFallbackToPages(t *testing.T) {
	g := graph.New()
	g.AddNode(&graph.Node{ID: "page:about", Kind: graph.KindPage})
	g.AddNode(&graph.Node{ID: "page:home", Kind: graph.KindPage})
	g.AddNode(&graph.Node{ID: "component:Nav", Kind: graph.KindComponent})
	g.AddNode(&graph.Node{ID: "module:util", Kind: graph.KindModule})
	g.AddEdge("page:home", "component:Nav", "renders")

	doc := Export(g)

	bgs := clusterBackgrounds(doc)
	require.Len(t, bgs, 3, "two page clusters plus the leftovers")
	assert.Equal(t, "cluster-bg-0", dataFor(t, doc, "page:about").ClusterID)
	assert.Equal(t, "cluster-bg-1", dataFor(t, doc, "page:home").ClusterID)
	assert.Equal(t, "cluster-bg-1", dataFor(t, doc, "component:Nav").ClusterID)
	assert.Equal(t, "cluster-bg-2", dataFor(t, doc, "module:util").ClusterID)

	// Clusters pack left to right with a fixed gap.
	first, ok := bgs[0].Data.(ClusterData)
	require.True(t, ok)
	assert.InDelta(t, first.Width+clusterGap, bgs[1].Position.X, 1e-9)
	assert.InDelta(t, 0, bgs[1].Position.Y, 1e-9)
}

func TestOverlappingSeedsCollapse(t *testing.T) {
	g := graph.New()
	g.AddNode(&graph.Node{ID: "controller:A", Kind: graph.KindController})
	g.AddNode(&graph.Node{ID: "controller:B", Kind: graph.KindController})
	g.AddNode(&graph.Node{ID: "table:shared", Kind: graph.KindTable})
	g.AddEdge("controller:A", "table:shared", "writes")
	g.AddEdge("controller:B", "table:shared", "writes")

	doc := Export(g)

	require.Len(t, clusterBackgrounds(doc), 1,
		"seeds connected through a shared node fold into one cluster")
	for _, id := range []string{"controller:A", "controller:B", "table:shared"} {
		assert.Equal(t, "cluster-bg-0", dataFor(t, doc, id).ClusterID)
	}
}

func TestClustersWrapIntoRows(t *testing.T) {
	g := graph.New()
	for i := 0; i < 7; i++ {
		g.AddNode(&graph.Node{ID: fmt.Sprintf("controller:C%d", i), Kind: graph.KindController})
	}

	doc := Export(g)

	bgs := clusterBackgrounds(doc)
	require.Len(t, bgs, 7)
	assert.InDelta(t, 5*(248+clusterGap), bgs[5].Position.X, 1e-9)
	assert.InDelta(t, 0, bgs[5].Position.Y, 1e-9)
	// The seventh cluster starts a new row below the tallest of the first
	// six.
	assert.InDelta(t, 0, bgs[6].Position.X, 1e-9)
	assert.InDelta(t, 133+clusterGap, bgs[6].Position.Y, 1e-9)
}

func TestExportDeterministic(t *testing.T) {
	build := func(reversed bool) *graph.Graph {
		g := graph.New()
		nodes := []*graph.Node{
			{ID: "controller:Orders", Kind: graph.KindController},
			{ID: "model:Order", Kind: graph.KindModel},
			{ID: "table:orders", Kind: graph.KindTable},
			{ID: "view:orders.index", Kind: graph.KindView},
		}
		if reversed {
			for i := len(nodes) - 1; i >= 0; i-- {
				g.AddNode(nodes[i])
			}
			g.AddEdge("model:Order", "table:orders", "maps_to")
			g.AddEdge("controller:Orders", "model:Order", "uses")
			g.AddEdge("controller:Orders", "view:orders.index", "renders")
		} else {
			for _, n := range nodes {
				g.AddNode(n)
			}
			g.AddEdge("controller:Orders", "view:orders.index", "renders")
			g.AddEdge("controller:Orders", "model:Order", "uses")
			g.AddEdge("model:Order", "table:orders", "maps_to")
		}
		return g
	}

	first := marshalJSON(t, Export(build(false)))
	second := marshalJSON(t, Export(build(true)))
	assert.Equal(t, first, second, "insertion order must not leak into the document")
	assert.Equal(t, first, marshalJSON(t, Export(build(false))), "export is a pure function")
}

func TestEncodeJSONKeepsEdgeIDsReadable(t *testing.T) {
	g := graph.New()
	g.AddNode(&graph.Node{ID: "module:a", Kind: graph.KindModule})
	g.AddEdge("module:a", "module:b", "uses")

	var buf bytes.Buffer
	require.NoError(t, Export(g).EncodeJSON(&buf))

	assert.Contains(t, buf.String(), `"id": "module:a->module:b"`,
		"file exports keep the arrow unescaped")
	assert.NotContains(t, buf.String(), `\u003e`)
}

func TestExportStubNodesRender(t *testing.T) {
	g := graph.New()
	g.AddNode(&graph.Node{ID: "service:Billing", Kind: graph.KindService})
	// The ledger endpoint was never extracted; the edge synthesized it.
	g.AddEdge("service:Billing", "module:ledger", "uses")

	doc := Export(g)

	stub := dataFor(t, doc, "module:ledger")
	assert.Equal(t, "other", stub.Kind, "synthesized endpoints default to kind other")
	assert.Equal(t, "module:ledger", stub.Label)
	assert.Equal(t, "cluster-bg-0", stub.ClusterID,
		"stubs cluster with the service that references them")
}
