package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/conductorcore/internal/plan"
	"github.com/tombee/conductorcore/internal/run"
)

// runSubworkflowBridge scans the run's stepResults for an entry whose
// output is a mapping containing "workflow" (the eval step's dynamic
// sub-workflow signal) and, if present, compiles and drives that
// description as a child run to completion — including its own cleanup —
// before the parent is declared complete (Open Question 2).
//
// Deeper nesting recurses through the same bridge. Cleanup blocks reject
// eval steps at validation. An eval step inside an iterator may run, but
// its output is folded into the iterator's {results, count} rather than
// stored as a top-level stepResults entry, so the bridge never fires from
// inside an iterator.
func (c *Coordinator) runSubworkflowBridge(ctx context.Context, compiled *plan.Compiled, r *run.Run) {
	for stepID, res := range r.StepResults {
		if res.Status != run.StepSuccess {
			continue
		}
		out, ok := res.Output.(map[string]any)
		if !ok {
			continue
		}
		payload, ok := out["workflow"]
		if !ok {
			continue
		}
		c.driveSubworkflow(ctx, r, stepID, payload)
	}
}

func (c *Coordinator) driveSubworkflow(ctx context.Context, parent *run.Run, triggeringStepID string, payload any) {
	childDesc, err := plan.DescriptionFromJSON(payload)
	if err != nil {
		c.recordSubworkflowFailure(parent, triggeringStepID, err)
		return
	}
	if childDesc.ID == "" {
		childDesc.ID = parent.WorkflowID + ":" + triggeringStepID + ":" + uuid.NewString()
	}
	childCompiled, err := c.registry.Register(childDesc)
	if err != nil {
		c.recordSubworkflowFailure(parent, triggeringStepID, err)
		return
	}

	child := &run.Run{
		RunID:       uuid.NewString(),
		WorkflowID:  childDesc.ID,
		Status:      run.StatusPending,
		Inputs:      map[string]any{},
		StepResults: map[string]run.StepResult{},
		StartedAt:   time.Now().UTC(),
	}
	if err := c.backend.SaveRun(ctx, child); err != nil {
		c.recordSubworkflowFailure(parent, triggeringStepID, err)
		return
	}

	// Drive synchronously and inline: the parent's termination path must
	// wait for the child's full drive, including its own cleanup, before
	// the parent is declared complete.
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.drive(ctx, childCompiled, child, nil)
	}()
	<-done

	parent.StepResults["subworkflow:"+triggeringStepID] = run.StepResult{
		Status:      statusToStepStatus(child.Status),
		Output:      map[string]any{"runId": child.RunID, "status": string(child.Status)},
		Error:       child.Error,
		StartedAt:   child.StartedAt,
		CompletedAt: child.CompletedAt,
	}
}

func statusToStepStatus(s run.Status) run.StepStatus {
	if s == run.StatusCompleted {
		return run.StepSuccess
	}
	return run.StepFailed
}

func (c *Coordinator) recordSubworkflowFailure(parent *run.Run, stepID string, err error) {
	parent.StepResults["subworkflow:"+stepID] = run.StepResult{
		Status:      run.StepFailed,
		Error:       err.Error(),
		StartedAt:   time.Now().UTC(),
		CompletedAt: time.Now().UTC(),
	}
	if c.logger != nil {
		c.logger.Log("error", "sub-workflow bridge failed", map[string]any{"runId": parent.RunID, "stepId": stepID, "error": err.Error()})
	}
}
