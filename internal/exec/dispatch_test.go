package exec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductorcore/internal/plan"
)

// countingHandler fails the first failUntil calls, then succeeds, so retry
// tests can assert attempt counts without shelling out or relying on timing.
type countingHandler struct {
	calls     int
	failUntil int
}

func (h *countingHandler) Execute(ctx context.Context, step *plan.StepDefinition, ec *Context, timeout time.Duration) (*StepOutput, error) {
	h.calls++
	if h.calls <= h.failUntil {
		return nil, errors.New("transient failure")
	}
	return &StepOutput{Fields: map[string]any{"attempt": h.calls}}, nil
}

type alwaysFailHandler struct{ calls int }

func (h *alwaysFailHandler) Execute(ctx context.Context, step *plan.StepDefinition, ec *Context, timeout time.Duration) (*StepOutput, error) {
	h.calls++
	return nil, errors.New("permanent failure")
}

func TestDispatcherIdempotentSkipReturnsStoredEntry(t *testing.T) {
	d := NewDispatcher()
	ec := newTestContext()
	ec.Steps["s1"] = map[string]any{"stdout": "cached", "exitCode": 0}

	step := &plan.StepDefinition{ID: "s1", Kind: plan.StepShell, Shell: &plan.ShellParams{Command: "echo should-not-run"}}
	out, err := d.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.Equal(t, "cached", out.Fields["stdout"])
}

func TestDispatcherConditionGateSkipsWhenFalse(t *testing.T) {
	d := NewDispatcher()
	ec := newTestContext()
	step := &plan.StepDefinition{ID: "s1", Kind: plan.StepShell, Condition: "false", Shell: &plan.ShellParams{Command: "echo should-not-run"}}
	out, err := d.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
}

func TestDispatcherConditionGateProceedsWhenTrue(t *testing.T) {
	d := NewDispatcher()
	ec := newTestContext()
	step := &plan.StepDefinition{ID: "s1", Kind: plan.StepShell, Condition: "true", Shell: &plan.ShellParams{Command: "echo hi"}}
	out, err := d.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, "hi", out.Fields["stdout"])
}

func TestDispatcherUnknownKindErrors(t *testing.T) {
	d := NewDispatcher()
	ec := newTestContext()
	step := &plan.StepDefinition{ID: "s1", Kind: plan.StepKind("bogus")}
	_, err := d.Execute(context.Background(), step, ec)
	assert.Error(t, err)
}

func TestDispatcherRetrySucceedsWithinMaxAttempts(t *testing.T) {
	d := NewDispatcher()
	h := &countingHandler{failUntil: 2}
	d.handlers[plan.StepKind("counting")] = h
	ec := newTestContext()

	step := &plan.StepDefinition{
		ID:    "s1",
		Kind:  plan.StepKind("counting"),
		Retry: &plan.RetryPolicy{MaxAttempts: 3, Strategy: plan.RetryFixed, InitialDelay: 1},
	}
	out, err := d.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.Equal(t, 3, h.calls)
	assert.Equal(t, 3, out.Fields["attempt"])
}

func TestDispatcherRetryExhaustedPropagatesFailure(t *testing.T) {
	d := NewDispatcher()
	h := &alwaysFailHandler{}
	d.handlers[plan.StepKind("alwaysfail")] = h
	ec := newTestContext()

	step := &plan.StepDefinition{
		ID:    "s1",
		Kind:  plan.StepKind("alwaysfail"),
		Retry: &plan.RetryPolicy{MaxAttempts: 3, Strategy: plan.RetryFixed, InitialDelay: 1},
	}
	_, err := d.Execute(context.Background(), step, ec)
	assert.Error(t, err)
	assert.Equal(t, 3, h.calls)
}

func TestDispatcherNoRetryPolicyCallsHandlerOnce(t *testing.T) {
	d := NewDispatcher()
	h := &alwaysFailHandler{}
	d.handlers[plan.StepKind("alwaysfail")] = h
	ec := newTestContext()

	step := &plan.StepDefinition{ID: "s1", Kind: plan.StepKind("alwaysfail")}
	_, err := d.Execute(context.Background(), step, ec)
	assert.Error(t, err)
	assert.Equal(t, 1, h.calls)
}

func TestDispatcherOnErrorIgnoreConvertsFailureToSuccess(t *testing.T) {
	d := NewDispatcher()
	h := &alwaysFailHandler{}
	d.handlers[plan.StepKind("alwaysfail")] = h
	ec := newTestContext()

	step := &plan.StepDefinition{
		ID:         "s1",
		Kind:       plan.StepKind("alwaysfail"),
		OnErrorPol: &plan.OnError{Strategy: plan.ErrorIgnore},
	}
	out, err := d.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.Equal(t, true, out.Fields["ignored"])
	assert.Contains(t, out.Fields["error"], "permanent failure")
}

func TestDispatcherOnErrorFallbackSubstitutesValue(t *testing.T) {
	d := NewDispatcher()
	h := &alwaysFailHandler{}
	d.handlers[plan.StepKind("alwaysfail")] = h
	ec := newTestContext()

	step := &plan.StepDefinition{
		ID:         "s1",
		Kind:       plan.StepKind("alwaysfail"),
		OnErrorPol: &plan.OnError{Strategy: plan.ErrorFallback, Fallback: "default-value"},
	}
	out, err := d.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.Equal(t, "default-value", out.Fields["value"])
}

func TestDispatcherOnErrorFailPropagatesFailureUnchanged(t *testing.T) {
	d := NewDispatcher()
	h := &alwaysFailHandler{}
	d.handlers[plan.StepKind("alwaysfail")] = h
	ec := newTestContext()

	step := &plan.StepDefinition{
		ID:         "s1",
		Kind:       plan.StepKind("alwaysfail"),
		OnErrorPol: &plan.OnError{Strategy: plan.ErrorFail},
	}
	_, err := d.Execute(context.Background(), step, ec)
	assert.Error(t, err)
}
