package coordinator

import (
	"context"
	"time"

	"github.com/tombee/conductorcore/internal/backoff"
	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/exec"
	"github.com/tombee/conductorcore/internal/plan"
	"github.com/tombee/conductorcore/internal/run"
	"github.com/tombee/conductorcore/internal/tracing"
)

// drive executes a run's layered plan to a terminal state (or to
// suspension). It is the sole mutator of r for as long as it runs.
func (c *Coordinator) drive(ctx context.Context, compiled *plan.Compiled, r *run.Run, resume *resumeHandoff) {
	ctx, span := tracing.StartRunSpan(ctx, c.tracer, r.RunID, r.WorkflowID)
	defer span.End()

	if resume == nil {
		r.Status = run.StatusRunning
		if err := c.persist(ctx, r); err != nil {
			c.recordPersistenceFailure(r, "submit:setRunning", err)
		}
	}

	for _, layer := range compiled.Layers {
		alreadyDone := make(map[string]bool, len(layer))
		for _, id := range layer {
			if _, ok := r.StepResults[id]; ok {
				alreadyDone[id] = true
			}
		}

		outcome := c.runLayer(ctx, compiled, r, layer, resume)
		resume = nil // the resume handoff applies to at most one step, ever

		for id, res := range outcome.results {
			if alreadyDone[id] {
				continue // idempotent skip: stored entry is untouched
			}
			r.StepResults[id] = res
		}

		if err := c.persist(ctx, r); err != nil {
			c.recordPersistenceFailure(r, "drive:layerBoundary", err)
			if c.throwOnPersistFn {
				c.finishFailed(ctx, compiled, r, "", err)
				return
			}
		}

		if outcome.suspend != nil {
			r.Status = run.StatusSuspended
			r.CurrentStepID = outcome.suspend.StepID
			r.SuspendedData = map[string]any{"message": outcome.suspend.Message}
			if err := c.persist(ctx, r); err != nil {
				c.recordPersistenceFailure(r, "drive:suspend", err)
			}
			return
		}

		if ctx.Err() != nil {
			c.finishCancelled(ctx, compiled, r, classifyCtxErr(ctx))
			return
		}

		if outcome.failedStepID != "" {
			c.finishFailed(ctx, compiled, r, outcome.failedStepID, outcome.failure)
			return
		}
	}

	c.finishCompleted(ctx, compiled, r)
}

func classifyCtxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &errs.TimeoutError{Scope: "run", ID: "", Timeout: "configured run timeout"}
	}
	return ctx.Err()
}

type layerOutcome struct {
	results      map[string]run.StepResult
	suspend      *exec.Suspended
	failedStepID string
	failure      error
}

// runLayer starts every step of layer concurrently against a context
// derived from ctx and scoped to this layer, and waits for all of them.
// If one step fails outright (not a suspend), the derived context is
// cancelled so the other in-flight handlers in the layer can cooperatively
// stop rather than run to completion after the layer is already doomed.
func (c *Coordinator) runLayer(ctx context.Context, compiled *plan.Compiled, r *run.Run, layer plan.Layer, resume *resumeHandoff) layerOutcome {
	stepsSnapshot := r.StepsSnapshot()
	ec := c.buildContext(compiled, r, stepsSnapshot, resume)

	layerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type stepResultMsg struct {
		id   string
		res  run.StepResult
		susp *exec.Suspended
		err  error
	}
	resCh := make(chan stepResultMsg, len(layer))

	for _, stepID := range layer {
		stepDef := compiled.StepByID[stepID]
		go func(stepID string, stepDef *plan.StepDefinition) {
			stepCtx, stepSpan := tracing.StartStepSpan(layerCtx, c.tracer, r.RunID, stepID, string(stepDef.Kind))
			defer stepSpan.End()

			start := time.Now().UTC()
			out, err := c.dispatcher.Execute(stepCtx, stepDef, ec)
			completed := time.Now().UTC()

			if err != nil {
				if susp, ok := err.(*exec.Suspended); ok {
					resCh <- stepResultMsg{id: stepID, susp: susp}
					return
				}
				resCh <- stepResultMsg{
					id:  stepID,
					res: run.StepResult{Status: run.StepFailed, Error: err.Error(), StartedAt: start, CompletedAt: completed},
					err: err,
				}
				return
			}
			if out.Skipped {
				resCh <- stepResultMsg{id: stepID, res: run.StepResult{Status: run.StepSkipped, StartedAt: start, CompletedAt: completed}}
				return
			}
			resCh <- stepResultMsg{id: stepID, res: run.StepResult{Status: run.StepSuccess, Output: out.ToMap(), StartedAt: start, CompletedAt: completed}}
		}(stepID, stepDef)
	}

	out := layerOutcome{results: make(map[string]run.StepResult, len(layer))}
	for range layer {
		msg := <-resCh
		if msg.susp != nil {
			if out.suspend == nil { // first suspension in the layer wins
				out.suspend = msg.susp
			}
			continue
		}
		out.results[msg.id] = msg.res
		if msg.err != nil && out.failedStepID == "" {
			out.failedStepID = msg.id
			out.failure = msg.err
			cancel() // stop sibling handlers still in flight in this layer
		}
	}
	return out
}

// persist is the layer-boundary write point, retried with bounded
// exponential backoff and jitter on a transient "busy" condition.
func (c *Coordinator) persist(ctx context.Context, r *run.Run) error {
	const maxAttempts = 5
	base := 10 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := c.backend.UpdateRun(ctx, r)
		if err == nil {
			return nil
		}
		lastErr = err
		var perr *errs.PersistenceError
		if !errs.As(err, &perr) {
			return err
		}
		if waitErr := backoff.Wait(ctx, attempt, base); waitErr != nil {
			return lastErr
		}
	}
	return lastErr
}

// recordPersistenceFailure logs a non-fatal persistence error; per the
// default throwOnPersistenceError=false policy, a transient store hiccup
// does not destroy a live run.
func (c *Coordinator) recordPersistenceFailure(r *run.Run, op string, err error) {
	if c.logger != nil {
		c.logger.Log("error", "persistence failure", map[string]any{"runId": r.RunID, "op": op, "error": err.Error()})
	}
}

func (c *Coordinator) finishCompleted(ctx context.Context, compiled *plan.Compiled, r *run.Run) {
	c.runSubworkflowBridge(ctx, compiled, r)
	c.runCleanup(ctx, compiled, r, false, "", "")
	r.Status = run.StatusCompleted
	r.CompletedAt = time.Now().UTC()
	c.finalizePersist(ctx, r)
}

func (c *Coordinator) finishFailed(ctx context.Context, compiled *plan.Compiled, r *run.Run, failedStepID string, cause error) {
	r.Error = cause.Error()
	c.runCleanup(ctx, compiled, r, true, failedStepID, r.Error)
	r.Status = run.StatusFailed
	r.CompletedAt = time.Now().UTC()
	c.finalizePersist(ctx, r)
}

func (c *Coordinator) finishCancelled(ctx context.Context, compiled *plan.Compiled, r *run.Run, cause error) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	r.Error = cause.Error()
	c.runCleanup(cleanupCtx, compiled, r, false, "", "")
	r.Status = run.StatusCancelled
	r.CompletedAt = time.Now().UTC()
	c.finalizePersist(cleanupCtx, r)
}

func (c *Coordinator) finalizePersist(ctx context.Context, r *run.Run) {
	if err := c.persist(ctx, r); err != nil {
		c.recordPersistenceFailure(r, "finalize", err)
	}
	c.metrics.RunFinished(r.WorkflowID, r.Status, r.CompletedAt.Sub(r.StartedAt))
	c.retain(r.RunID)
}

// retain tracks completion order for retention-cap eviction. Eviction
// only removes the in-memory task bookkeeping (already gone by this
// point); terminal runs always remain on disk and stay readable via
// Status regardless of the cap.
func (c *Coordinator) retain(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, runID)
	if len(c.finished) > c.retentionCap {
		c.finished = c.finished[len(c.finished)-c.retentionCap:]
	}
}
