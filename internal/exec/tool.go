package exec

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/interpolate"
	"github.com/tombee/conductorcore/internal/plan"
)

type toolHandler struct{}

func (toolHandler) Execute(ctx context.Context, step *plan.StepDefinition, ec *Context, timeout time.Duration) (*StepOutput, error) {
	p := step.Tool
	scope := ec.Scope()

	if ec.EnvPort == nil {
		return nil, &errs.NotFoundError{Kind: "tool", ID: p.Tool}
	}
	tools := ec.EnvPort.Tools()
	tool, ok := tools[p.Tool]
	if !ok {
		names := make([]string, 0, len(tools))
		for n := range tools {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, &errs.StepFailureError{
			StepID:     step.ID,
			Diagnostic: fmt.Sprintf("unknown tool %q; available: %v", p.Tool, names),
		}
	}

	args := make(map[string]any, len(p.Args))
	for k, v := range p.Args {
		sub, err := interpolate.ResolveWithMasking(v, scope)
		if err != nil {
			return nil, err
		}
		args[k] = sub.Real
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		return nil, &errs.StepFailureError{StepID: step.ID, Diagnostic: err.Error(), Err: err}
	}
	return &StepOutput{Fields: map[string]any{"result": result}}, nil
}
