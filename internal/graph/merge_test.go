package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fragment(nodes []*Node, edges [][3]string) *Graph {
	g := New()
	for _, n := range nodes {
		g.AddNode(n)
	}
	for _, e := range edges {
		g.AddEdge(e[0], e[1], e[2])
	}
	return g
}

func assertSameGraph(t *testing.T, want, got *Graph) {
	t.Helper()
	assert.Equal(t, want.NodesSorted(), got.NodesSorted(), "node sets should match")
	assert.Equal(t, want.Edges(), got.Edges(), "edge sets should match")
}

// TestMerge_TwoFragments covers the canonical scenario: a table-only
// fragment and a model fragment referencing it merge to the same graph
// in either order.
func TestMerge_TwoFragments(t *testing.T) {
	f1 := fragment([]*Node{{ID: "table:orders", Label: "orders", Kind: KindTable}}, nil)
	f2 := fragment(
		[]*Node{{ID: "model:Order", Label: "Order", Kind: KindModel}},
		[][3]string{{"model:Order", "table:orders", "maps_to"}},
	)

	g12 := Merge(Merge(New(), f1), f2)
	g21 := Merge(Merge(New(), f2), f1)

	require.Equal(t, 2, g12.NodeCount(), "merged graph should have 2 nodes")
	require.Equal(t, 1, g12.EdgeCount(), "merged graph should have 1 edge")
	assert.True(t, g12.HasEdge("model:Order", "table:orders", "maps_to"))
	assertSameGraph(t, g12, g21)

	// The table node merged after the stub synthesis must not stay a stub.
	n := g21.Node("table:orders")
	require.NotNil(t, n)
	assert.False(t, n.IsSynthetic(), "real definition should replace the stub")
	assert.Equal(t, KindTable, n.Kind)
	assert.Equal(t, "orders", n.Label)
}

// TestMerge_Associativity checks order independence for disjoint
// fragments merged into a shared base graph.
func TestMerge_Associativity(t *testing.T) {
	base := fragment([]*Node{{ID: "controller:Users", Kind: KindController}}, nil)
	a := fragment(
		[]*Node{{ID: "model:User", Kind: KindModel}},
		[][3]string{{"controller:Users", "model:User", "uses"}},
	)
	b := fragment(
		[]*Node{{ID: "table:users", Kind: KindTable}},
		[][3]string{{"model:User", "table:users", "maps_to"}},
	)

	ab := Merge(Merge(base, a), b)
	ba := Merge(Merge(base, b), a)
	assertSameGraph(t, ab, ba)
}

// TestMerge_Idempotence verifies merging the same fragment twice
// changes nothing.
func TestMerge_Idempotence(t *testing.T) {
	a := fragment(
		[]*Node{
			{ID: "model:User", Kind: KindModel, Code: "class User {}"},
			{ID: "table:users", Kind: KindTable},
		},
		[][3]string{{"model:User", "table:users", "maps_to"}},
	)

	once := Merge(New(), a)
	twice := Merge(once, a)
	assertSameGraph(t, once, twice)
}

// TestMerge_Purity ensures neither argument is mutated by a merge, so
// retried units may re-merge their fragment.
func TestMerge_Purity(t *testing.T) {
	into := fragment([]*Node{{ID: "model:User", Kind: KindModel}}, nil)
	frag := fragment(
		[]*Node{{ID: "model:User", Kind: KindModel, Code: "class User {}"}},
		[][3]string{{"model:User", "table:users", "maps_to"}},
	)

	_ = Merge(into, frag)

	assert.Equal(t, 1, into.NodeCount(), "into must not gain nodes")
	assert.Equal(t, 0, into.EdgeCount(), "into must not gain edges")
	assert.Empty(t, into.Node("model:User").Code, "into node must not be enriched in place")
	assert.Equal(t, 2, frag.NodeCount(), "fragment must not change")
}

// TestMerge_StubSynthesis: an edge referencing an unknown node id must
// produce a stub node of kind other rather than a dangling edge.
func TestMerge_StubSynthesis(t *testing.T) {
	frag := fragment(nil, [][3]string{{"controller:Orders", "model:Order", "uses"}})

	g := Merge(New(), frag)

	require.Equal(t, 2, g.NodeCount())
	for _, id := range []string{"controller:Orders", "model:Order"} {
		n := g.Node(id)
		require.NotNil(t, n, "stub for %s should exist", id)
		assert.Equal(t, KindOther, n.Kind)
		assert.Equal(t, id, n.Label)
		assert.True(t, n.IsSynthetic())
	}
}

// TestMerge_EmptyFragment merges an empty fragment as a no-op.
func TestMerge_EmptyFragment(t *testing.T) {
	g := fragment(
		[]*Node{{ID: "model:User", Kind: KindModel}},
		[][3]string{{"model:User", "table:users", "maps_to"}},
	)
	merged := Merge(g, New())
	assertSameGraph(t, g, merged)

	merged = Merge(g, nil)
	assertSameGraph(t, g, merged)
}

// TestMerge_FieldReconciliation: non-empty incoming fields fill empty
// ones, populated fields survive empty incoming values.
func TestMerge_FieldReconciliation(t *testing.T) {
	g := Merge(New(), fragment([]*Node{
		{ID: "model:User", Label: "model:User", Kind: KindModel},
	}, nil))

	// Later pass supplies code, file path and a proper label.
	g = Merge(g, fragment([]*Node{
		{ID: "model:User", Label: "User", Kind: KindModel, Code: "class User {}", FilePath: "app/Models/User.php"},
	}, nil))

	n := g.Node("model:User")
	require.NotNil(t, n)
	assert.Equal(t, "User", n.Label, "placeholder label should be replaced")
	assert.Equal(t, "class User {}", n.Code)
	assert.Equal(t, "app/Models/User.php", n.FilePath)

	// An empty re-observation must not erase anything.
	g = Merge(g, fragment([]*Node{{ID: "model:User", Kind: KindModel}}, nil))
	n = g.Node("model:User")
	assert.Equal(t, "class User {}", n.Code, "populated code must never be cleared")
	assert.Equal(t, "app/Models/User.php", n.FilePath)
	assert.Equal(t, "User", n.Label)
}

// TestMerge_KindConflict: the first observed kind wins.
func TestMerge_KindConflict(t *testing.T) {
	g := Merge(New(), fragment([]*Node{{ID: "users", Kind: KindTable}}, nil))
	g = Merge(g, fragment([]*Node{{ID: "users", Kind: KindModel}}, nil))

	assert.Equal(t, KindTable, g.Node("users").Kind)
}

// TestMerge_IdentityInvariant: a merged graph never holds two entries
// for one id, and duplicate edges collapse.
func TestMerge_IdentityInvariant(t *testing.T) {
	a := fragment(
		[]*Node{{ID: "model:User", Kind: KindModel}},
		[][3]string{{"model:User", "table:users", "maps_to"}},
	)
	b := fragment(
		[]*Node{{ID: "model:User", Kind: KindModel, Code: "class User {}"}},
		[][3]string{
			{"model:User", "table:users", "maps_to"},
			{"model:User", "table:users", "uses"},
		},
	)

	g := Merge(Merge(New(), a), b)

	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 2, g.EdgeCount(), "same relation collapses, distinct relation stays")
	assert.True(t, g.HasEdge("model:User", "table:users", "maps_to"))
	assert.True(t, g.HasEdge("model:User", "table:users", "uses"))
}

// TestGraph_JSONRoundTrip: checkpoints persist graphs as JSON; the
// round trip must preserve nodes, edges and the dedup index.
func TestGraph_JSONRoundTrip(t *testing.T) {
	g := fragment(
		[]*Node{
			{ID: "model:User", Label: "User", Kind: KindModel, Code: "class User {}"},
			{ID: "table:users", Label: "users", Kind: KindTable},
		},
		[][3]string{{"model:User", "table:users", "maps_to"}},
	)

	data, err := json.Marshal(g)
	require.NoError(t, err)

	restored := New()
	require.NoError(t, json.Unmarshal(data, restored))
	assertSameGraph(t, g, restored)

	// Dedup index must work after restore.
	assert.False(t, restored.AddEdge("model:User", "table:users", "maps_to"))
}
