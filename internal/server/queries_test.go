package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeByID(t *testing.T, doc map[string]any, id string) map[string]any {
	t.Helper()
	nodes, ok := doc["nodes"].([]any)
	require.True(t, ok, "document has no nodes array")
	for _, raw := range nodes {
		if n, ok := raw.(map[string]any); ok && n["id"] == id {
			return n
		}
	}
	t.Fatalf("node %q not in document", id)
	return nil
}

func stringSlice(t *testing.T, v any) []string {
	t.Helper()
	raw, ok := v.([]any)
	require.True(t, ok, "expected a JSON array, got %T", v)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		out = append(out, item.(string))
	}
	return out
}

func TestGraphEndpoint(t *testing.T) {
	ts := newTestServer(t)
	p := ts.completedProject(t)

	resp := ts.request(t, http.MethodGet, "/api/projects/"+p.ID+"/graph", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeMap(t, resp)

	// Four analyzed modules plus the cluster background box.
	require.Len(t, doc["nodes"], 5)
	require.Len(t, doc["edges"], 3)

	a := nodeByID(t, doc, "module:a")
	assert.Equal(t, "default", a["type"])
	data, ok := a["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a.js", data["label"])
	assert.Equal(t, "module", data["kind"])
	assert.Equal(t, false, data["orphan"])
	assert.Equal(t, "cluster-bg-0", data["clusterId"], "unseeded fixture nodes all land in the leftover cluster")

	orphan := nodeByID(t, doc, "module:orphan")
	assert.Equal(t, true, orphan["data"].(map[string]any)["orphan"])

	bg := nodeByID(t, doc, "cluster-bg-0")
	assert.Equal(t, "clusterBg", bg["type"])

	var edgeIDs []string
	var relations []string
	for _, raw := range doc["edges"].([]any) {
		e := raw.(map[string]any)
		edgeIDs = append(edgeIDs, e["id"].(string))
		relations = append(relations, e["data"].(map[string]any)["relation"].(string))
	}
	assert.ElementsMatch(t, []string{
		"module:a->module:b",
		"module:b->module:c",
		"module:c->module:a",
	}, edgeIDs)
	assert.Equal(t, []string{"imports", "imports", "imports"}, relations)

	resp = ts.request(t, http.MethodDelete, "/api/projects/"+p.ID+"/graph", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"ok": true}, decodeMap(t, resp))

	resp = ts.request(t, http.MethodGet, "/api/projects/"+p.ID+"/graph", nil)
	assert.Equal(t, "No graph yet. Run analysis first.", detail(t, resp, http.StatusNotFound))

	resp = ts.request(t, http.MethodGet, "/api/projects/"+p.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeMap(t, resp)["has_graph"])
}

func TestImpact(t *testing.T) {
	ts := newTestServer(t)
	p := ts.completedProject(t)
	base := "/api/projects/" + p.ID + "/impact"

	// Default direction is both; hop order with ties broken by id.
	resp := ts.request(t, http.MethodGet, base+"?node=module:a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMap(t, resp)
	assert.Equal(t, "module:a", body["node"])
	assert.Equal(t, []string{"module:c", "module:b"}, stringSlice(t, body["upstream"]))
	assert.Equal(t, []string{"module:b", "module:c"}, stringSlice(t, body["downstream"]))

	resp = ts.request(t, http.MethodGet, base+"?node=module:a&direction=downstream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeMap(t, resp)
	assert.Equal(t, []string{"module:b", "module:c"}, stringSlice(t, body["downstream"]))
	_, hasUpstream := body["upstream"]
	assert.False(t, hasUpstream, "only the requested direction is reported")

	resp = ts.request(t, http.MethodGet, base+"?node=module:a&direction=downstream&max_hops=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeMap(t, resp)
	assert.Equal(t, []string{"module:b"}, stringSlice(t, body["downstream"]))

	// module:orphan has no neighbors; empty lists marshal as [].
	resp = ts.request(t, http.MethodGet, base+"?node=module:orphan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeMap(t, resp)
	assert.Empty(t, stringSlice(t, body["upstream"]))
	assert.Empty(t, stringSlice(t, body["downstream"]))

	resp = ts.request(t, http.MethodGet, base, nil)
	assert.Equal(t, "node is required", detail(t, resp, http.StatusBadRequest))

	resp = ts.request(t, http.MethodGet, base+"?node=module:a&direction=sideways", nil)
	assert.Equal(t, "direction must be upstream, downstream or both", detail(t, resp, http.StatusBadRequest))

	resp = ts.request(t, http.MethodGet, base+"?node=module:a&max_hops=lots", nil)
	assert.Equal(t, "max_hops must be an integer", detail(t, resp, http.StatusBadRequest))

	resp = ts.request(t, http.MethodGet, base+"?node=module:ghost", nil)
	assert.Equal(t, "Node not found", detail(t, resp, http.StatusNotFound))

	bare := ts.createProject(t, "no-graph", writeFixtureCodebase(t))
	resp = ts.request(t, http.MethodGet, "/api/projects/"+bare.ID+"/impact?node=module:a", nil)
	assert.Equal(t, "No graph yet. Run analysis first.", detail(t, resp, http.StatusNotFound))
}

func TestCycles(t *testing.T) {
	ts := newTestServer(t)
	p := ts.completedProject(t)
	base := "/api/projects/" + p.ID + "/cycles"

	resp := ts.request(t, http.MethodGet, base+"?node=module:a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMap(t, resp)
	assert.Equal(t, "module:a", body["node"])
	assert.Equal(t, []string{"module:a", "module:b", "module:c"}, stringSlice(t, body["cycle"]))

	resp = ts.request(t, http.MethodGet, base+"?node=module:orphan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, stringSlice(t, decodeMap(t, resp)["cycle"]))

	resp = ts.request(t, http.MethodGet, base, nil)
	assert.Equal(t, "node is required", detail(t, resp, http.StatusBadRequest))

	resp = ts.request(t, http.MethodGet, base+"?node=module:ghost", nil)
	assert.Equal(t, "Node not found", detail(t, resp, http.StatusNotFound))
}

func TestOrphans(t *testing.T) {
	ts := newTestServer(t)
	p := ts.completedProject(t)

	resp := ts.request(t, http.MethodGet, "/api/projects/"+p.ID+"/orphans", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"module:orphan"}, stringSlice(t, decodeMap(t, resp)["orphans"]))

	bare := ts.createProject(t, "no-graph", writeFixtureCodebase(t))
	resp = ts.request(t, http.MethodGet, "/api/projects/"+bare.ID+"/orphans", nil)
	assert.Equal(t, "No graph yet. Run analysis first.", detail(t, resp, http.StatusNotFound))
}

func TestQueryCacheInvalidation(t *testing.T) {
	ts := newTestServer(t)
	p := ts.completedProject(t)

	resp := ts.request(t, http.MethodGet, "/api/projects/"+p.ID+"/impact?node=module:a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Positive(t, ts.cache.Len(), "query answers are cached")

	// Deleting the graph bumps the project revision, so cached answers
	// keyed on the old revision can never be served again.
	resp = ts.request(t, http.MethodDelete, "/api/projects/"+p.ID+"/graph", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.request(t, http.MethodGet, "/api/projects/"+p.ID+"/impact?node=module:a", nil)
	assert.Equal(t, "No graph yet. Run analysis first.", detail(t, resp, http.StatusNotFound))

	resp = ts.request(t, http.MethodGet, "/api/projects/"+p.ID+"/graph", nil)
	assert.Equal(t, "No graph yet. Run analysis first.", detail(t, resp, http.StatusNotFound))
}
