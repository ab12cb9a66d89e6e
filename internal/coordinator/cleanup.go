package coordinator

import (
	"context"
	"time"

	"github.com/tombee/conductorcore/internal/exec"
	"github.com/tombee/conductorcore/internal/plan"
	"github.com/tombee/conductorcore/internal/run"
)

// runCleanup executes onFailure (only when failed is true) then finally
// (always), sequentially, against the run's accumulated context plus the
// error substructure when applicable. Inner step failures are recorded
// under "cleanup:<id>" and logged but never overwrite the primary run
// error (§4.5).
func (c *Coordinator) runCleanup(ctx context.Context, compiled *plan.Compiled, r *run.Run, failed bool, failedStepID, errMessage string) {
	ec := c.buildCleanupContext(compiled, r, failedStepID, errMessage)

	if failed {
		for i := range compiled.Description.OnFailure {
			c.runCleanupStep(ctx, &compiled.Description.OnFailure[i], ec, r)
		}
	}
	for i := range compiled.Description.Finally {
		c.runCleanupStep(ctx, &compiled.Description.Finally[i], ec, r)
	}
}

// runCleanupStep runs one cleanup-block step through the normal
// dispatcher, recording its outcome under "cleanup:<id>" in the run's
// stepResults without ever touching r.Error.
func (c *Coordinator) runCleanupStep(ctx context.Context, step *plan.StepDefinition, ec *exec.Context, r *run.Run) {
	start := time.Now().UTC()
	out, err := c.dispatcher.Execute(ctx, step, ec)
	completed := time.Now().UTC()

	key := "cleanup:" + step.ID
	if err != nil {
		r.StepResults[key] = run.StepResult{Status: run.StepFailed, Error: err.Error(), StartedAt: start, CompletedAt: completed}
		if c.logger != nil {
			c.logger.Log("error", "cleanup step failed", map[string]any{"runId": r.RunID, "stepId": step.ID, "error": err.Error()})
		}
		return
	}
	if out.Skipped {
		r.StepResults[key] = run.StepResult{Status: run.StepSkipped, StartedAt: start, CompletedAt: completed}
		return
	}
	r.StepResults[key] = run.StepResult{Status: run.StepSuccess, Output: out.ToMap(), StartedAt: start, CompletedAt: completed}
	ec.Steps[key] = out.ToMap()
}
