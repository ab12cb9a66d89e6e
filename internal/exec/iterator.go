package exec

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/interpolate"
	"github.com/tombee/conductorcore/internal/plan"
)

// iteratorHandler holds a back-reference to the dispatcher so each inner
// step (itself possibly any non-iterator, non-suspend kind) is executed
// through the normal dispatch contract, including idempotent skip and
// condition gating.
type iteratorHandler struct {
	dispatcher *Dispatcher
}

// Execute resolves items, then for each (item, index) pair runs the
// configured inner step(s) against a private local scope (Open Question
// 1: inner outputs are visible only within the iteration; the outer
// scope sees just the aggregate {results, count}).
func (h *iteratorHandler) Execute(ctx context.Context, step *plan.StepDefinition, ec *Context, _ time.Duration) (*StepOutput, error) {
	p := step.Iterator

	resolved, err := interpolate.ResolveValue(p.Items, ec.Scope())
	if err != nil {
		return nil, err
	}
	items, ok := resolved.([]any)
	if !ok {
		if resolved == nil {
			items = nil
		} else {
			return nil, &errs.ValidationError{Field: "items", Message: "iterator items did not resolve to a sequence"}
		}
	}

	if len(items) == 0 {
		return &StepOutput{Fields: map[string]any{"results": []any{}, "count": 0}}, nil
	}

	inner := p.RunSteps
	if p.RunStep != nil {
		inner = []plan.StepDefinition{*p.RunStep}
	}

	results := make([]any, len(items))
	errCh := make(chan error, len(items))
	var sem chan struct{}
	if p.MaxConcurrency > 0 {
		sem = make(chan struct{}, p.MaxConcurrency)
	}

	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(index int, item any) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-iterCtx.Done():
					errCh <- iterCtx.Err()
					return
				}
			}
			out, err := h.runIteration(iterCtx, ec, inner, item, index)
			if err != nil {
				errCh <- err
				cancel()
				return
			}
			results[index] = out
		}(i, item)
	}
	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok && err != nil {
		return nil, err
	}

	return &StepOutput{Fields: map[string]any{"results": results, "count": len(items)}}, nil
}

// runIteration executes inner sequentially against a private scope so
// later inner steps can reference earlier siblings' outputs; the private
// scope is discarded once the iteration completes.
func (h *iteratorHandler) runIteration(ctx context.Context, ec *Context, inner []plan.StepDefinition, item any, index int) (map[string]any, error) {
	localInputs := make(map[string]any, len(ec.Inputs)+2)
	for k, v := range ec.Inputs {
		localInputs[k] = v
	}
	localInputs["item"] = item
	localInputs["index"] = index

	localSteps := map[string]any{}
	localCtx := &Context{
		Inputs:          localInputs,
		Steps:           localSteps,
		Env:             ec.Env,
		Run:             ec.Run,
		SecretNames:     ec.SecretNames,
		Logger:          ec.Logger,
		EnvPort:         ec.EnvPort,
		Sandbox:         ec.Sandbox,
		ProcessRegistry: ec.ProcessRegistry,
		HTTPPolicy:      ec.HTTPPolicy,
		FileAllowList:   ec.FileAllowList,
	}

	for i := range inner {
		s := &inner[i]
		out, err := h.dispatcher.Execute(ctx, s, localCtx)
		if err != nil {
			return nil, err
		}
		localSteps[s.ID] = out.ToMap()
	}
	return localSteps, nil
}
