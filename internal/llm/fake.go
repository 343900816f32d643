package llm

import (
	"context"
	"sync"
)

// FakeClient returns scripted responses for tests and offline runs.
// Responses are served in order; the last one repeats once the script is
// exhausted, and an empty script yields an empty graph object. Safe for
// concurrent use.
type FakeClient struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
}

// NewFakeClient builds a fake serving the given responses in order.
func NewFakeClient(responses ...string) *FakeClient {
	return &FakeClient{responses: responses}
}

func (f *FakeClient) Name() string { return "fake" }
func (f *FakeClient) Close() error { return nil }

// FailWith makes every subsequent call return err. Pass nil to recover.
func (f *FakeClient) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls reports how many completions were requested.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeClient) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return `{"nodes": [], "edges": []}`, nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}
