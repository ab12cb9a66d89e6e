package exec

import (
	"context"
	"time"

	"github.com/tombee/conductorcore/internal/backoff"
	"github.com/tombee/conductorcore/internal/interpolate"
	"github.com/tombee/conductorcore/internal/plan"
	"github.com/tombee/conductorcore/internal/value"
)

// Dispatcher is the dispatch table of typed step handlers, keyed by kind.
type Dispatcher struct {
	handlers map[plan.StepKind]Handler
}

// NewDispatcher builds the dispatch table with the nine built-in kinds.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: map[plan.StepKind]Handler{}}
	d.handlers[plan.StepShell] = shellHandler{}
	d.handlers[plan.StepHTTP] = httpHandler{}
	d.handlers[plan.StepFile] = fileHandler{}
	d.handlers[plan.StepTool] = toolHandler{}
	d.handlers[plan.StepAgent] = agentHandler{}
	d.handlers[plan.StepSuspend] = suspendHandler{}
	d.handlers[plan.StepWait] = waitHandler{}
	d.handlers[plan.StepIterator] = &iteratorHandler{dispatcher: d}
	d.handlers[plan.StepEval] = evalHandler{}
	return d
}

// Suspended is a sentinel error returned by the suspend handler to signal
// the coordinator that the run must enter the suspended state.
type Suspended struct {
	StepID  string
	Message string
}

func (s *Suspended) Error() string { return "step " + s.StepID + " requested suspension" }

// Execute applies the uniform pre-handler contract (idempotent skip, then
// condition gate) before dispatching to the kind-specific handler.
func (d *Dispatcher) Execute(ctx context.Context, step *plan.StepDefinition, ec *Context) (*StepOutput, error) {
	// Idempotent skip: re-entering a handler whose id is already present
	// in stepResults must return the stored entry verbatim.
	if existing, ok := ec.Steps[step.ID]; ok {
		if m, ok := existing.(map[string]any); ok {
			return &StepOutput{Fields: m}, nil
		}
		return &StepOutput{Fields: map[string]any{"value": existing}}, nil
	}

	if step.Condition != "" {
		resolved, err := interpolate.ResolveValue(step.Condition, ec.Scope())
		if err != nil {
			return nil, err
		}
		if !proceedOnCondition(resolved) {
			return &StepOutput{Skipped: true}, nil
		}
	}

	h, ok := d.handlers[step.Kind]
	if !ok {
		return nil, &unknownKindError{kind: step.Kind}
	}

	timeout := time.Duration(step.Timeout) * time.Millisecond
	out, err := executeWithRetry(ctx, h, step, ec, timeout)
	if err == nil {
		return out, nil
	}
	if _, suspended := err.(*Suspended); suspended {
		return out, err
	}
	return applyOnError(step, err)
}

// executeWithRetry runs h.Execute, retrying in place on a non-suspend
// failure per step.Retry's bounded exponential (or fixed) backoff, up to
// MaxAttempts. Only the final attempt's outcome is returned, so the
// coordinator records exactly one stepResults entry per step id regardless
// of how many attempts it took.
func executeWithRetry(ctx context.Context, h Handler, step *plan.StepDefinition, ec *Context, timeout time.Duration) (*StepOutput, error) {
	maxAttempts := 1
	base := 100 * time.Millisecond
	if step.Retry != nil && step.Retry.MaxAttempts > 1 {
		maxAttempts = step.Retry.MaxAttempts
		if step.Retry.InitialDelay > 0 {
			base = time.Duration(step.Retry.InitialDelay) * time.Millisecond
		}
	}

	var out *StepOutput
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, err = h.Execute(ctx, step, ec, timeout)
		if err == nil {
			return out, nil
		}
		if _, suspended := err.(*Suspended); suspended {
			return out, err // never retried
		}
		if attempt == maxAttempts-1 {
			break
		}
		if waitErr := retryWait(ctx, step.Retry.Strategy, attempt, base); waitErr != nil {
			break
		}
	}
	return out, err
}

// retryWait waits the delay appropriate to strategy before the next retry
// attempt, reusing the same backoff primitive the persistence layer uses
// for transient store errors.
func retryWait(ctx context.Context, strategy plan.RetryStrategy, attempt int, base time.Duration) error {
	if strategy == plan.RetryFixed {
		select {
		case <-time.After(base):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return backoff.Wait(ctx, attempt, base)
}

// applyOnError evaluates step.OnErrorPol once retries (if any) are
// exhausted: "fail" (or an unset policy) propagates err unchanged; "ignore"
// and "fallback" convert it into a successful StepOutput carrying the
// original error's diagnostic alongside the policy's substitute value.
func applyOnError(step *plan.StepDefinition, err error) (*StepOutput, error) {
	pol := step.OnErrorPol
	if pol == nil || pol.Strategy == plan.ErrorFail || pol.Strategy == "" {
		return nil, err
	}
	switch pol.Strategy {
	case plan.ErrorIgnore:
		return &StepOutput{Fields: map[string]any{"error": err.Error(), "ignored": true}}, nil
	case plan.ErrorFallback:
		return &StepOutput{Fields: map[string]any{"value": pol.Fallback, "error": err.Error(), "fallback": true}}, nil
	default:
		return nil, err
	}
}

func proceedOnCondition(resolved any) bool {
	s := value.FormatForString(resolved)
	switch s {
	case "false", "0", "":
		return false
	default:
		return true
	}
}

type unknownKindError struct{ kind plan.StepKind }

func (e *unknownKindError) Error() string { return "unknown step kind: " + string(e.kind) }
