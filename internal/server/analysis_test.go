package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeanatomy/codeanatomy/internal/classify"
	"github.com/codeanatomy/codeanatomy/internal/config"
	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/models"
)

func TestAnalyzeLifecycle(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createProject(t, "lifecycle", writeFixtureCodebase(t))
	ts.putSchema(t, p.ID)

	runID := ts.startAnalysis(t, p.ID)
	run := ts.waitRun(t, runID)

	require.Equal(t, models.RunCompleted, run.Status, "fixture analysis should complete: %s", run.ErrorMessage)
	assert.Equal(t, p.ID, run.ProjectID)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.FinishedAt)
	assert.Empty(t, run.ErrorMessage)

	assert.Contains(t, run.Log, "Project type: generic")
	assert.Contains(t, run.Log, "Found 4 unit(s) to analyze")
	assert.Contains(t, run.Log, "[4/4]")
	assert.Contains(t, run.Log, "Done. Graph merged from 4 unit(s).")

	// The graph is persisted before the run flips to completed, so a
	// poller that just saw "completed" always finds it.
	resp := ts.request(t, http.MethodGet, "/api/projects/"+p.ID+"/graph", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeMap(t, resp)
	assert.Len(t, doc["nodes"], 5, "one cluster background plus four modules")
	assert.Len(t, doc["edges"], 3)

	resp = ts.request(t, http.MethodGet, "/api/projects/"+p.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Project
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.True(t, got.HasGraph)
	assert.False(t, got.HasCheckpoint, "completion clears the resume checkpoint")
}

func TestAnalyzeValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodPost, "/api/projects/ghost/analyze", map[string]any{})
	assert.Equal(t, "Project not found", detail(t, resp, http.StatusNotFound))

	p := ts.createProject(t, "no-schema", writeFixtureCodebase(t))
	resp = ts.request(t, http.MethodPost, "/api/projects/"+p.ID+"/analyze", map[string]any{})
	assert.Equal(t, "No schema received yet. Connect the agent and send the schema via WSS.",
		detail(t, resp, http.StatusBadRequest))

	bad := ts.createProject(t, "bad-path", "/does/not/exist")
	ts.putSchema(t, bad.ID)
	resp = ts.request(t, http.MethodPost, "/api/projects/"+bad.ID+"/analyze", map[string]any{})
	assert.Equal(t, "Invalid codebase_path. Set a valid directory path or connect a GitHub repo.",
		detail(t, resp, http.StatusBadRequest))
}

func TestAnalyzeConcurrentRejected(t *testing.T) {
	ts := newTestServer(t)
	release := make(chan struct{})
	ts.extractor = stubExtractor(func(u classify.Unit) (*graph.Graph, error) {
		<-release
		return fixtureFragment(u)
	})
	p := ts.createProject(t, "busy", writeFixtureCodebase(t))
	ts.putSchema(t, p.ID)

	first := ts.startAnalysis(t, p.ID)

	resp := ts.request(t, http.MethodPost, "/api/projects/"+p.ID+"/analyze", map[string]any{})
	assert.Equal(t, "Analysis already running for this project", detail(t, resp, http.StatusConflict))

	close(release)
	run := ts.waitRun(t, first)
	require.Equal(t, models.RunCompleted, run.Status)

	// The slot frees once the background goroutine settles.
	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		_, held := ts.active[p.ID]
		return !held
	}, 5*time.Second, 5*time.Millisecond, "the project slot should free after the run")

	second := ts.startAnalysis(t, p.ID)
	ts.waitRun(t, second)
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ts.extractor = stubExtractor(func(u classify.Unit) (*graph.Graph, error) {
		once.Do(func() { close(entered) })
		<-release
		return fixtureFragment(u)
	})
	p := ts.createProject(t, "cancel-me", writeFixtureCodebase(t))
	ts.putSchema(t, p.ID)
	runID := ts.startAnalysis(t, p.ID)

	<-entered
	resp := ts.request(t, http.MethodPost, "/api/runs/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decodeMap(t, resp)
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, "cancelled", m["status"])

	close(release)
	run := ts.waitRun(t, runID)
	assert.Equal(t, models.RunCancelled, run.Status)
	assert.Equal(t, "Cancelled by user", run.ErrorMessage)
	assert.Contains(t, run.Log, "Analysis stopped. Progress saved in a checkpoint.")

	var got models.Project
	resp = ts.request(t, http.MethodGet, "/api/projects/"+p.ID, nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.True(t, got.HasCheckpoint, "a cancelled run leaves a checkpoint to resume from")

	// Once everything settled, cancelling again reports there is nothing
	// to cancel.
	require.Eventually(t, func() bool {
		resp, err := http.Post(ts.http.URL+"/api/runs/"+runID+"/cancel", "application/json", nil)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusBadRequest
	}, 5*time.Second, 10*time.Millisecond)
	resp = ts.request(t, http.MethodPost, "/api/runs/"+runID+"/cancel", nil)
	assert.Equal(t, "No analysis running for this run. It may have already finished.",
		detail(t, resp, http.StatusBadRequest))

	resp = ts.request(t, http.MethodPost, "/api/runs/ghost/cancel", nil)
	assert.Equal(t, "Run not found", detail(t, resp, http.StatusNotFound))
}

// TestResumeOpensNewRun cancels an analysis part way through, resumes,
// and checks the second run picks up from the checkpoint instead of
// starting over.
func TestResumeOpensNewRun(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Pipeline.Workers = 1
	})
	var gate atomic.Bool
	gate.Store(true)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ts.extractor = stubExtractor(func(u classify.Unit) (*graph.Graph, error) {
		if gate.Load() && u.ID == "c.js" {
			once.Do(func() { close(entered) })
			<-release
		}
		return fixtureFragment(u)
	})
	p := ts.createProject(t, "resume-me", writeFixtureCodebase(t))
	ts.putSchema(t, p.ID)
	first := ts.startAnalysis(t, p.ID)

	<-entered
	require.Eventually(t, func() bool {
		snap, err := ts.orch.Status(first)
		return err == nil && snap.Processed == 2
	}, 5*time.Second, time.Millisecond, "a.js and b.js merge before the block")

	resp := ts.request(t, http.MethodPost, "/api/runs/"+first+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	close(release)
	run := ts.waitRun(t, first)
	require.Equal(t, models.RunCancelled, run.Status)

	gate.Store(false)

	// Resume races the slot release of the cancelled run; retry until
	// the claim succeeds.
	var resumed string
	require.Eventually(t, func() bool {
		resp, err := http.Post(ts.http.URL+"/api/runs/"+first+"/resume", "application/json", nil)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var m map[string]any
		if json.NewDecoder(resp.Body).Decode(&m) != nil {
			return false
		}
		resumed, _ = m["run_id"].(string)
		return resumed != ""
	}, 5*time.Second, 10*time.Millisecond, "resume should eventually claim the project slot")

	assert.NotEqual(t, first, resumed, "resume opens a fresh run")

	second := ts.waitRun(t, resumed)
	require.Equal(t, models.RunCompleted, second.Status, "resumed run should complete: %s", second.ErrorMessage)
	assert.Contains(t, second.Log, "Resuming: 2 already processed, 2 remaining")
	assert.Contains(t, second.Log, "Done. Graph merged from 4 unit(s).")

	resp = ts.request(t, http.MethodGet, "/api/projects/"+p.ID+"/graph", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeMap(t, resp)
	assert.Len(t, doc["nodes"], 5, "the resumed run ends with the full graph")
	assert.Len(t, doc["edges"], 3)
}

func TestResumeValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodPost, "/api/runs/ghost/resume", nil)
	assert.Equal(t, "Run not found", detail(t, resp, http.StatusNotFound))

	// A completed run cleared its checkpoint; there is nothing to pick up.
	p := ts.createProject(t, "done", writeFixtureCodebase(t))
	ts.putSchema(t, p.ID)
	runID := ts.startAnalysis(t, p.ID)
	run := ts.waitRun(t, runID)
	require.Equal(t, models.RunCompleted, run.Status)

	resp = ts.request(t, http.MethodPost, "/api/runs/"+runID+"/resume", nil)
	assert.Equal(t, "No checkpoint to resume. Run an analysis and stop it first.",
		detail(t, resp, http.StatusBadRequest))

	resp = ts.request(t, http.MethodGet, "/api/runs/unknown", nil)
	assert.Equal(t, "Run not found", detail(t, resp, http.StatusNotFound))
}
