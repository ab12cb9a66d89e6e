// Package coordinator implements the run lifecycle state machine:
// submit, drive, suspend/resume, cancel, and terminal cleanup dispatch,
// with persistence at every transition and hydration after restart.
package coordinator

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/conductorcore/internal/envport"
	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/evalsandbox"
	"github.com/tombee/conductorcore/internal/exec"
	"github.com/tombee/conductorcore/internal/logging"
	"github.com/tombee/conductorcore/internal/plan"
	"github.com/tombee/conductorcore/internal/run"
	"github.com/tombee/conductorcore/internal/store"
	"github.com/tombee/conductorcore/internal/value"
)

// MetricsCollector receives lifecycle events. A no-op implementation is
// substituted when Options.Metrics is nil, the way the teacher lineage's
// runner accepts an optional collector.
type MetricsCollector interface {
	RunStarted(workflowID string)
	RunFinished(workflowID string, status run.Status, elapsed time.Duration)
	ActiveRuns(n int)
}

type noopMetrics struct{}

func (noopMetrics) RunStarted(string)                        {}
func (noopMetrics) RunFinished(string, run.Status, time.Duration) {}
func (noopMetrics) ActiveRuns(int)                            {}

// Options configures a new Coordinator.
type Options struct {
	Registry        *plan.Registry
	Backend         store.Backend
	EnvPort         envport.Port
	Sandbox         *evalsandbox.Sandbox
	HTTPPolicy      *exec.HTTPPolicy
	ProcessRegistry *exec.ProcessRegistry
	FileAllowList   []string
	Logger          logging.Logger
	Metrics         MetricsCollector
	Tracer          trace.Tracer // optional; defaults to otel's no-op tracer

	// RetentionCap bounds in-memory retention of terminal runs; default 1000.
	RetentionCap int
	// ThrowOnPersistenceError: when true, a persistence failure after
	// retries is fatal to the run; default false (log and continue).
	ThrowOnPersistenceError bool
}

// Coordinator owns every run's lifecycle. The run record is exclusively
// mutated by the single goroutine driving it; readers of Status/List get
// snapshots from the backend.
type Coordinator struct {
	registry   *plan.Registry
	backend    store.Backend
	dispatcher *exec.Dispatcher
	envPort    envport.Port
	sandbox    *evalsandbox.Sandbox
	httpPolicy *exec.HTTPPolicy
	processReg *exec.ProcessRegistry
	fileAllow  []string
	logger     logging.Logger
	metrics    MetricsCollector
	tracer     trace.Tracer

	retentionCap     int
	throwOnPersistFn bool

	mu       sync.Mutex
	tasks    map[string]*task
	finished []string // completion order, oldest first, for retention eviction

	wg       sync.WaitGroup
	draining atomic.Bool
}

type task struct {
	cancelOnce sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
}

func (t *task) Cancel() {
	t.cancelOnce.Do(t.cancel)
}

// resumeHandoff carries the one suspended step's resume payload into drive.
type resumeHandoff struct {
	stepID string
	data   map[string]any
}

// New builds a Coordinator. EnvPort, Sandbox, HTTPPolicy, ProcessRegistry
// may be nil; a nil EnvPort means tool/agent/llm steps always fail with
// NotFoundError, which is a valid configuration for pure shell/http/file
// workflows.
func New(opts Options) *Coordinator {
	if opts.RetentionCap <= 0 {
		opts.RetentionCap = 1000
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.ProcessRegistry == nil {
		opts.ProcessRegistry = exec.NewProcessRegistry()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("conductorcore")
	}
	return &Coordinator{
		registry:         opts.Registry,
		backend:          opts.Backend,
		dispatcher:       exec.NewDispatcher(),
		envPort:          opts.EnvPort,
		sandbox:          opts.Sandbox,
		httpPolicy:       opts.HTTPPolicy,
		processReg:       opts.ProcessRegistry,
		fileAllow:        opts.FileAllowList,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		tracer:           opts.Tracer,
		retentionCap:     opts.RetentionCap,
		throwOnPersistFn: opts.ThrowOnPersistenceError,
		tasks:            map[string]*task{},
	}
}

// Submit validates inputs against the compiled workflow's declared schema,
// creates and persists a pending run record, and starts its drive on a
// background goroutine. It returns the fresh runId immediately.
func (c *Coordinator) Submit(ctx context.Context, workflowID string, inputs map[string]any, tags map[string]string) (string, error) {
	compiled, ok := c.registry.Get(workflowID)
	if !ok {
		return "", &errs.NotFoundError{Kind: "workflow", ID: workflowID}
	}
	if err := checkRequiredInputs(compiled, inputs); err != nil {
		return "", err
	}

	secretNames := make([]string, 0, len(compiled.SecretSet))
	for name := range compiled.SecretSet {
		secretNames = append(secretNames, name)
	}
	if err := c.backend.SetWorkflowSecrets(ctx, workflowID, secretNames); err != nil {
		return "", err
	}

	r := &run.Run{
		RunID:       uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      run.StatusPending,
		Inputs:      value.DeepCopy(inputs).(map[string]any),
		StepResults: map[string]run.StepResult{},
		StartedAt:   time.Now().UTC(),
		Tags:        mergeTags(compiled.Description.Tags, tags),
	}
	if err := c.backend.SaveRun(ctx, r); err != nil {
		return "", err
	}

	c.metrics.RunStarted(workflowID)
	c.startDrive(compiled, r, nil)
	return r.RunID, nil
}

// mergeTags starts from the workflow description's declared tags and
// layers the caller-supplied tags on top, so a submission can override or
// extend a workflow's defaults without having to restate them.
func mergeTags(declared, submitted map[string]string) map[string]string {
	if len(declared) == 0 && len(submitted) == 0 {
		return nil
	}
	out := make(map[string]string, len(declared)+len(submitted))
	for k, v := range declared {
		out[k] = v
	}
	for k, v := range submitted {
		out[k] = v
	}
	return out
}

// checkRequiredInputs surfaces MissingInputsError synchronously, before
// any run record is created, so callers can reprompt (§5 propagation
// policy).
func checkRequiredInputs(compiled *plan.Compiled, inputs map[string]any) error {
	var missing []string
	types := map[string]string{}
	for name, typ := range compiled.Description.Inputs {
		if _, ok := inputs[name]; !ok {
			missing = append(missing, name)
			types[name] = string(typ)
		}
	}
	if len(missing) > 0 {
		return &errs.MissingInputsError{Names: missing, Types: types}
	}
	return nil
}

func (c *Coordinator) startDrive(compiled *plan.Compiled, r *run.Run, resume *resumeHandoff) {
	driveCtx, cancel := context.WithCancel(context.Background())
	if compiled.Description.Timeout > 0 {
		driveCtx, cancel = context.WithTimeout(driveCtx, time.Duration(compiled.Description.Timeout)*time.Millisecond)
	}
	t := &task{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.tasks[r.RunID] = t
	active := len(c.tasks)
	c.mu.Unlock()
	c.metrics.ActiveRuns(active)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(t.done)
		defer c.removeTask(r.RunID)
		c.drive(driveCtx, compiled, r, resume)
	}()
}

func (c *Coordinator) removeTask(runID string) {
	c.mu.Lock()
	delete(c.tasks, runID)
	active := len(c.tasks)
	c.mu.Unlock()
	c.metrics.ActiveRuns(active)
}

// Resume re-enters a suspended run. If the task handle isn't in memory
// (the common case after a process restart), it is recreated here; the
// engine is hydrated from the persisted run record before the suspended
// step is re-invoked with resumeData.
func (c *Coordinator) Resume(ctx context.Context, runID string, resumeData map[string]any) error {
	r, err := c.backend.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status != run.StatusSuspended {
		return &errs.ValidationError{Field: "status", Message: "run is not suspended"}
	}
	compiled, ok := c.registry.Get(r.WorkflowID)
	if !ok {
		return &errs.NotFoundError{Kind: "workflow", ID: r.WorkflowID}
	}

	resumeStepID := r.CurrentStepID
	r.Status = run.StatusRunning
	r.CurrentStepID = ""
	if err := c.backend.UpdateRun(ctx, r); err != nil {
		return err
	}

	c.startDrive(compiled, r, &resumeHandoff{stepID: resumeStepID, data: resumeData})
	return nil
}

// Cancel is allowed only against {pending, running, suspended} runs. It
// sets status to cancelled and signals the in-flight task; finally
// cleanup still runs, on a separate, shorter deadline.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	r, err := c.backend.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return &errs.ValidationError{Field: "status", Message: "run has already reached a terminal state"}
	}

	c.mu.Lock()
	t, ok := c.tasks[runID]
	c.mu.Unlock()

	if ok {
		t.Cancel()
		return nil
	}

	// No in-flight task: the run is suspended and its driver goroutine has
	// already exited. Cancellation must still run finally cleanup before
	// the run reaches its terminal state.
	compiled, ok := c.registry.Get(r.WorkflowID)
	if !ok {
		return &errs.NotFoundError{Kind: "workflow", ID: r.WorkflowID}
	}
	cancelErr := &errs.CancellationError{RunID: runID}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.finishCancelled(cleanupCtx, compiled, r, cancelErr)
	}()
	return nil
}

// Status returns a snapshot of the run record; readers never observe the
// driver's live mutable state.
func (c *Coordinator) Status(ctx context.Context, runID string) (*run.Run, error) {
	return c.backend.LoadRun(ctx, runID)
}

// List proxies to the backend's listing operations.
func (c *Coordinator) List(ctx context.Context, workflowID string) ([]*run.Run, error) {
	return c.backend.LoadAllRuns(ctx, workflowID)
}

// Hydrate reloads every active run from the backend and restarts its
// drive loop, the way a process coming back up after a restart recovers
// in-flight work. Suspended runs are left suspended (no task is started
// for them; Resume recreates one on demand).
func (c *Coordinator) Hydrate(ctx context.Context) error {
	active, err := c.backend.LoadActiveRuns(ctx)
	if err != nil {
		return err
	}
	for _, r := range active {
		if r.Status == run.StatusSuspended {
			continue
		}
		compiled, ok := c.registry.Get(r.WorkflowID)
		if !ok {
			if c.logger != nil {
				c.logger.Log("warn", "hydration: unknown workflow for active run", map[string]any{"runId": r.RunID, "workflowId": r.WorkflowID})
			}
			continue
		}
		c.startDrive(compiled, r, nil)
	}
	return nil
}

// Shutdown signals every in-flight task to cancel (triggering finally
// cleanup on its own shorter deadline) and waits for all driver goroutines
// to exit.
func (c *Coordinator) Shutdown() {
	c.draining.Store(true)
	c.mu.Lock()
	tasks := make([]*task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
	c.wg.Wait()
	c.processReg.Shutdown()
}

func osEnvMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}
