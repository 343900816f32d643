package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codeanatomy/codeanatomy/internal/checkpoint"
	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/models"
)

var (
	// ErrRunNotFound reports an unknown run ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrConcurrentRun rejects a second active run for the same project.
	ErrConcurrentRun = errors.New("a run is already active for this project")
	// ErrNotResumable rejects resuming a run that is not in a cancelled
	// or failed state.
	ErrNotResumable = errors.New("run is not in a resumable state")
)

// Registry tracks runs by ID and enforces the one-active-run-per-project
// rule. Lock order: Registry.mu before run.mu when both are needed.
type Registry struct {
	mu     sync.Mutex
	runs   map[string]*run
	active map[string]string // project ID to its active run ID
}

// NewRegistry builds an empty run registry.
func NewRegistry() *Registry {
	return &Registry{
		runs:   map[string]*run{},
		active: map[string]string{},
	}
}

// run is the registry's record of one extraction run. The collector
// goroutine is the only writer of the checkpoint while an episode
// executes; mu guards everything snapshots read.
type run struct {
	id        string
	projectID string
	spec      RunSpec

	mu           sync.Mutex
	status       models.RunStatus
	log          []string
	errorMessage string
	processed    int
	failed       int
	total        int
	graph        *graph.Graph
	cancel       context.CancelFunc
	cancelReason string
	done         chan struct{}

	cp *checkpoint.Checkpoint
}

// Snapshot is a point-in-time view of a run, safe to keep after the run
// moves on.
type Snapshot struct {
	RunID        string
	ProjectID    string
	Status       models.RunStatus
	Log          []string
	ErrorMessage string
	Processed    int
	Failed       int
	Total        int
}

func (st *run) snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Snapshot{
		RunID:        st.id,
		ProjectID:    st.projectID,
		Status:       st.status,
		Log:          append([]string(nil), st.log...),
		ErrorMessage: st.errorMessage,
		Processed:    st.processed,
		Failed:       st.failed,
		Total:        st.total,
	}
}

// register adds a new run and claims its project's active slot.
func (r *Registry) register(st *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[st.id]; exists {
		return fmt.Errorf("pipeline: run %s already registered", st.id)
	}
	if cur, held := r.active[st.projectID]; held {
		return fmt.Errorf("%w: project %s (run %s)", ErrConcurrentRun, st.projectID, cur)
	}
	r.runs[st.id] = st
	r.active[st.projectID] = st.id
	return nil
}

// reactivate claims the project slot for a resumed run and flips it back
// to pending, handing out the context the next episode will run under.
// The run must be in a resumable terminal state.
func (r *Registry) reactivate(ctx context.Context, st *run) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.status.Resumable() {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotResumable, st.id, st.status)
	}
	if cur, held := r.active[st.projectID]; held && cur != st.id {
		return nil, fmt.Errorf("%w: project %s (run %s)", ErrConcurrentRun, st.projectID, cur)
	}
	r.active[st.projectID] = st.id
	st.status = models.RunPending
	st.errorMessage = ""
	st.done = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	return runCtx, nil
}

// release frees the project slot once st reached a terminal state.
func (r *Registry) release(st *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[st.projectID] == st.id {
		delete(r.active, st.projectID)
	}
}

// get looks a run up by ID.
func (r *Registry) get(runID string) (*run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return st, nil
}

// ActiveRun returns the ID of the project's active run, if any.
func (r *Registry) ActiveRun(projectID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[projectID]
	return id, ok
}

// Registry exposes the orchestrator's run registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }
