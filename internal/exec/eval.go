package exec

import (
	"context"
	"time"

	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/evalsandbox"
	"github.com/tombee/conductorcore/internal/plan"
)

type evalHandler struct{}

// Execute runs the step's script in the restricted sandbox. If the
// script's returned value is a mapping containing key "workflow", that
// payload is bubbled up for sub-workflow execution instead of as a plain
// result.
func (evalHandler) Execute(ctx context.Context, step *plan.StepDefinition, ec *Context, _ time.Duration) (*StepOutput, error) {
	p := step.Eval
	if ec.Sandbox == nil {
		return nil, &errs.SandboxViolationError{StepID: step.ID, Message: "no sandbox configured"}
	}

	timeout := time.Duration(p.ScriptTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	scope := &evalsandbox.Scope{
		Inputs: ec.Inputs,
		Steps:  ec.Steps,
		Env:    envAsAny(ec.Env),
		Log: evalsandbox.LogFacade{
			Info:  func(msg string) { logAt(ec, "info", msg) },
			Warn:  func(msg string) { logAt(ec, "warn", msg) },
			Error: func(msg string) { logAt(ec, "error", msg) },
		},
	}

	result, err := ec.Sandbox.Eval(ctx, step.ID, p.Script, scope, timeout)
	if err != nil {
		return nil, err
	}

	if result.Workflow != nil {
		return &StepOutput{Fields: map[string]any{"workflow": result.Workflow}}, nil
	}
	return &StepOutput{Fields: map[string]any{"result": result.Value}}, nil
}

func envAsAny(env map[string]string) map[string]any {
	out := make(map[string]any, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func logAt(ec *Context, level, msg string) {
	if ec.Logger != nil {
		ec.Logger.Log(level, msg, nil)
	}
}
