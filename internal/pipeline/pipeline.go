// Package pipeline drives extraction runs. A bounded worker pool pulls
// classified units and calls the extraction client once per unit with
// retries; successful fragments are folded into the accumulated graph by
// a single collector goroutine, which also persists checkpoints at a
// fixed cadence so a cancelled or crashed run can resume without
// repeating finished units.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codeanatomy/codeanatomy/internal/checkpoint"
	"github.com/codeanatomy/codeanatomy/internal/classify"
	"github.com/codeanatomy/codeanatomy/internal/config"
	"github.com/codeanatomy/codeanatomy/internal/extract"
	"github.com/codeanatomy/codeanatomy/internal/graph"
	"github.com/codeanatomy/codeanatomy/internal/logging"
	"github.com/codeanatomy/codeanatomy/internal/models"
)

// cancelledByUser is the error message recorded when a run is stopped
// through Cancel. The API exposes it verbatim.
const cancelledByUser = "Cancelled by user"

// ExtractFunc produces the dependency fragment for one unit. Errors
// should come from the extract package so the retry policy can tell
// transient failures from hopeless ones.
type ExtractFunc func(ctx context.Context, unit classify.Unit) (*graph.Graph, error)

// Options bound a run's concurrency, retry policy and checkpoint
// cadence.
type Options struct {
	// Workers is the number of concurrent extraction calls.
	Workers int
	// MaxRetries is the number of additional attempts after a failed
	// first call.
	MaxRetries int
	// RetryBackoff is the wait before the first retry, doubled on every
	// further attempt.
	RetryBackoff time.Duration
	// CheckpointEvery is the number of completed units between
	// checkpoint writes.
	CheckpointEvery int
}

// DefaultOptions match the shipped configuration defaults.
func DefaultOptions() Options {
	return Options{
		Workers:         4,
		MaxRetries:      2,
		RetryBackoff:    300 * time.Millisecond,
		CheckpointEvery: 5,
	}
}

// OptionsFromConfig lifts the pipeline section of the configuration.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		Workers:         cfg.Workers,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
		CheckpointEvery: cfg.CheckpointEvery,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.Workers < 1 {
		o.Workers = def.Workers
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.CheckpointEvery < 1 {
		o.CheckpointEvery = def.CheckpointEvery
	}
	return o
}

// Recorder receives run lifecycle events so callers can mirror them into
// durable storage or a terminal. Methods are invoked from the run
// goroutine only, one at a time, with a context that survives run
// cancellation.
type Recorder interface {
	RunStarted(ctx context.Context, runID string)
	RunLog(ctx context.Context, runID string, line string)
	RunFinished(ctx context.Context, runID string, status models.RunStatus, errorMessage string)
}

// NopRecorder discards every event. Embed it to implement only the
// events a caller cares about.
type NopRecorder struct{}

func (NopRecorder) RunStarted(context.Context, string)                            {}
func (NopRecorder) RunLog(context.Context, string, string)                        {}
func (NopRecorder) RunFinished(context.Context, string, models.RunStatus, string) {}

// RunSpec describes one extraction run.
type RunSpec struct {
	// RunID is generated when empty.
	RunID     string
	ProjectID string
	// Units in dispatch order, usually ClassifyUnits output.
	Units []classify.Unit
	// Extract is called once per attempt per unit.
	Extract ExtractFunc
	// Checkpoints persists run progress. Nil keeps progress in memory
	// only, which serves one-shot runs nobody will resume.
	Checkpoints checkpoint.Store
	// Checkpoint seeds the run with prior progress, as when picking up
	// a checkpoint left by an earlier process.
	Checkpoint *checkpoint.Checkpoint
}

// Orchestrator starts, cancels, resumes and reports extraction runs.
// One orchestrator serves all projects; the registry enforces at most
// one active run per project.
type Orchestrator struct {
	registry *Registry
	recorder Recorder
	opts     Options
	logger   *slog.Logger
}

// New builds an orchestrator. recorder may be nil.
func New(recorder Recorder, opts Options) *Orchestrator {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Orchestrator{
		registry: NewRegistry(),
		recorder: recorder,
		opts:     opts.normalized(),
		logger:   logging.Component("pipeline"),
	}
}

// Start registers and launches a run, returning its ID. It fails with
// ErrConcurrentRun while another run for the same project is active.
// The run proceeds in the background; poll Status or block in Wait for
// the outcome.
func (o *Orchestrator) Start(ctx context.Context, spec RunSpec) (string, error) {
	if spec.Extract == nil {
		return "", errors.New("pipeline: RunSpec.Extract is required")
	}
	if len(spec.Units) == 0 {
		return "", errors.New("pipeline: no units to analyze")
	}
	if spec.RunID == "" {
		spec.RunID = uuid.NewString()
	}
	if spec.Checkpoints == nil {
		spec.Checkpoints = checkpoint.NewMemStore()
	}
	cp := spec.Checkpoint
	if cp == nil {
		cp = checkpoint.New()
	}

	st := &run{
		id:        spec.RunID,
		projectID: spec.ProjectID,
		spec:      spec,
		status:    models.RunPending,
		total:     len(spec.Units),
		cp:        cp,
		graph:     cp.Graph,
		done:      make(chan struct{}),
	}
	if st.graph == nil {
		st.graph = graph.New()
	}
	runCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel

	if err := o.registry.register(st); err != nil {
		cancel()
		return "", err
	}
	go o.execute(runCtx, st)
	return spec.RunID, nil
}

// Resume re-enters a cancelled or failed run against its remaining
// units, reusing the accumulated graph from its checkpoint. Resuming a
// run in any other state returns ErrNotResumable.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	st, err := o.registry.get(runID)
	if err != nil {
		return err
	}
	runCtx, err := o.registry.reactivate(ctx, st)
	if err != nil {
		return err
	}
	go o.execute(runCtx, st)
	return nil
}

// Cancel asks a run to stop. No further unit is dispatched once the
// signal is observed and the run settles into cancelled; cancelling a
// terminal run is a no-op.
func (o *Orchestrator) Cancel(runID string) error {
	st, err := o.registry.get(runID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status.Terminal() {
		return nil
	}
	st.cancelReason = cancelledByUser
	if st.cancel != nil {
		st.cancel()
	}
	return nil
}

// Status returns a consistent snapshot of a run for polling.
func (o *Orchestrator) Status(runID string) (Snapshot, error) {
	st, err := o.registry.get(runID)
	if err != nil {
		return Snapshot{}, err
	}
	return st.snapshot(), nil
}

// Graph returns the accumulated graph: the latest published accumulator
// while the run executes, the final graph once it is terminal. Merging
// never mutates a published value, so the result is a stable snapshot.
func (o *Orchestrator) Graph(runID string) (*graph.Graph, error) {
	st, err := o.registry.get(runID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.graph, nil
}

// Wait blocks until the run reaches a terminal state or ctx expires.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (Snapshot, error) {
	st, err := o.registry.get(runID)
	if err != nil {
		return Snapshot{}, err
	}
	st.mu.Lock()
	done := st.done
	st.mu.Unlock()
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-done:
		return st.snapshot(), nil
	}
}

// unitResult carries one finished unit from a worker to the collector.
type unitResult struct {
	unit classify.Unit
	frag *graph.Graph
	err  error
}

// execute runs one episode of a run: dispatch, collect, finalize. The
// collector is the only goroutine that merges fragments or writes
// checkpoints during the episode.
func (o *Orchestrator) execute(ctx context.Context, st *run) {
	// Checkpoint and status writes must survive run cancellation, so
	// persistence uses a context detached from the run's.
	persist := context.WithoutCancel(ctx)

	st.mu.Lock()
	st.status = models.RunRunning
	st.processed = st.cp.ProcessedCount()
	st.failed = len(st.cp.FailedUnits)
	fresh := st.processed == 0
	done := st.done
	st.mu.Unlock()
	defer close(done)

	o.recorder.RunStarted(persist, st.id)

	remaining := make([]classify.Unit, 0, len(st.spec.Units))
	for _, u := range st.spec.Units {
		if !st.cp.IsProcessed(u.ID) {
			remaining = append(remaining, u)
		}
	}
	if fresh {
		o.logLine(persist, st, fmt.Sprintf("Found %d unit(s) to analyze", len(remaining)))
	} else {
		o.logLine(persist, st, fmt.Sprintf("Resuming: %d already processed, %d remaining", st.cp.ProcessedCount(), len(remaining)))
	}

	unitCh := make(chan classify.Unit)
	results := make(chan unitResult)

	g, wctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Dispatch boundary: no unit is handed out once cancellation
		// is observed.
		defer close(unitCh)
		for _, u := range remaining {
			select {
			case <-wctx.Done():
				return wctx.Err()
			case unitCh <- u:
			}
		}
		return nil
	})
	for i := 0; i < o.opts.Workers; i++ {
		g.Go(func() error {
			for u := range unitCh {
				res := unitResult{unit: u}
				res.frag, res.err = o.extractUnit(wctx, st, u)
				select {
				case <-wctx.Done():
					return wctx.Err()
				case results <- res:
				}
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	var fatal error
	for res := range results {
		if ctx.Err() != nil {
			// Past the cancellation boundary: in-flight results are
			// discarded, nothing further is merged or checkpointed.
			continue
		}
		if res.err != nil {
			o.recordFailure(persist, st, res.unit, res.err)
			continue
		}
		if err := o.recordSuccess(persist, st, res.unit, res.frag); err != nil {
			fatal = err
			st.mu.Lock()
			cancel := st.cancel
			st.mu.Unlock()
			cancel()
		}
	}

	o.finalize(ctx, persist, st, fatal)
}

// extractUnit runs the per-unit retry loop. Transient extraction errors
// back off and retry; classification errors and run cancellation abort
// immediately. Runs on worker goroutines, so it never touches the run
// log.
func (o *Orchestrator) extractUnit(ctx context.Context, st *run, u classify.Unit) (*graph.Graph, error) {
	backoff := o.opts.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= o.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			o.logger.Debug("retrying unit",
				"run", st.id, "unit", u.ID, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		frag, err := st.spec.Extract(ctx, u)
		if err == nil {
			return frag, nil
		}
		if ctx.Err() != nil {
			// The provider call died with the run's context; not a
			// unit failure.
			return nil, ctx.Err()
		}
		lastErr = err
		if !extract.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// recordSuccess folds the fragment into the accumulator, marks the unit
// processed and checkpoints at the configured cadence. A checkpoint
// write failure is fatal to the run.
func (o *Orchestrator) recordSuccess(ctx context.Context, st *run, u classify.Unit, frag *graph.Graph) error {
	st.mu.Lock()
	current := st.graph
	st.mu.Unlock()

	merged := graph.Merge(current, frag)
	st.cp.Graph = merged
	st.cp.MarkProcessed(u.ID)
	processed := st.cp.ProcessedCount()

	st.mu.Lock()
	st.graph = merged
	st.processed = processed
	st.failed = len(st.cp.FailedUnits)
	st.mu.Unlock()

	o.logLine(ctx, st, fmt.Sprintf("[%d/%d] [%s] %s", processed, st.total, u.Variant, u.ID))

	if processed%o.opts.CheckpointEvery == 0 {
		if err := o.saveCheckpoint(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// recordFailure books a unit that exhausted its attempts. The run
// carries on; only a run with no successes at all ends up failed.
func (o *Orchestrator) recordFailure(ctx context.Context, st *run, u classify.Unit, err error) {
	st.cp.MarkFailed(u.ID, err.Error())
	st.mu.Lock()
	st.failed = len(st.cp.FailedUnits)
	st.mu.Unlock()
	o.logLine(ctx, st, fmt.Sprintf("%s: %s: %v", failurePrefix(err), u.ID, err))
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, st *run) error {
	if err := st.spec.Checkpoints.Save(ctx, st.id, st.cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// finalize settles the terminal status, writes the final checkpoint and
// publishes the outcome. The terminal transition happens exactly once
// per episode; the project slot is freed at the end.
func (o *Orchestrator) finalize(ctx, persist context.Context, st *run, fatal error) {
	st.mu.Lock()
	reason := st.cancelReason
	st.mu.Unlock()

	var status models.RunStatus
	var errMsg string
	switch {
	case fatal != nil:
		status = models.RunFailed
		errMsg = fatal.Error()
	case ctx.Err() != nil:
		status = models.RunCancelled
		if reason == "" {
			reason = "Cancelled"
		}
		errMsg = reason
	case st.cp.ProcessedCount() == 0:
		status = models.RunFailed
		errMsg = "All units failed"
	default:
		status = models.RunCompleted
	}

	switch status {
	case models.RunCancelled:
		o.logLine(persist, st, "Analysis stopped. Progress saved in a checkpoint.")
	case models.RunFailed:
		if fatal != nil {
			o.logLine(persist, st, "ERROR: "+errMsg)
		} else {
			o.logLine(persist, st, "No graphs extracted. Check errors above.")
		}
	case models.RunCompleted:
		if failed := st.cp.FailedUnits; len(failed) > 0 {
			o.logLine(persist, st, fmt.Sprintf("ERROR: %d unit(s) failed after %d retries", len(failed), o.opts.MaxRetries))
			ids := make([]string, 0, len(failed))
			for id := range failed {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				o.logLine(persist, st, "Discarded: "+id)
			}
		}
		o.logLine(persist, st, fmt.Sprintf("Done. Graph merged from %d unit(s).", st.cp.ProcessedCount()))
	}

	if status == models.RunCompleted {
		// A completed run has nothing to resume; drop its checkpoint.
		if err := st.spec.Checkpoints.Clear(persist, st.id); err != nil {
			o.logger.Warn("clear checkpoint", "run", st.id, "error", err)
		}
	} else {
		// Cancelled and failed runs keep a final checkpoint so resume
		// starts exactly where this episode stopped.
		if err := o.saveCheckpoint(persist, st); err != nil && fatal == nil {
			status = models.RunFailed
			errMsg = err.Error()
			o.logLine(persist, st, "ERROR: "+errMsg)
		}
	}

	st.mu.Lock()
	st.status = status
	st.errorMessage = errMsg
	st.cancelReason = ""
	st.processed = st.cp.ProcessedCount()
	st.failed = len(st.cp.FailedUnits)
	processed, failed := st.processed, st.failed
	st.mu.Unlock()

	o.recorder.RunFinished(persist, st.id, status, errMsg)
	o.registry.release(st)
	o.logger.Info("run finished",
		"run", st.id,
		"project", st.projectID,
		"status", status,
		"processed", processed,
		"failed", failed,
	)
}

// logLine appends to the run log and forwards the line to the recorder.
func (o *Orchestrator) logLine(ctx context.Context, st *run, line string) {
	st.mu.Lock()
	st.log = append(st.log, line)
	st.mu.Unlock()
	o.recorder.RunLog(ctx, st.id, line)
}

// failurePrefix picks the log marker for a failed unit, matching the
// markers operators already grep for.
func failurePrefix(err error) string {
	var ee *extract.Error
	if errors.As(err, &ee) && ee.Kind == extract.InvalidResponse {
		return "LLM_INVALID_JSON"
	}
	return "LLM_ERROR"
}
