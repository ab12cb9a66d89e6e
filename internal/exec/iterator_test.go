package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductorcore/internal/plan"
)

func TestIteratorHandlerRunsPerItemStep(t *testing.T) {
	d := NewDispatcher()
	ec := newTestContext()
	step := &plan.StepDefinition{
		ID:   "it",
		Kind: plan.StepIterator,
		Iterator: &plan.IteratorParams{
			Items: []any{1.0, 2.0, 3.0},
			RunStep: &plan.StepDefinition{
				ID:   "double",
				Kind: plan.StepShell,
				Shell: &plan.ShellParams{
					Command: "echo $(( {{inputs.item}} * 2 ))",
				},
			},
		},
	}
	out, err := d.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Fields["count"])
	results := out.Fields["results"].([]any)
	require.Len(t, results, 3)
	first := results[0].(map[string]any)
	doubleOut := first["double"].(map[string]any)
	assert.Equal(t, "2", doubleOut["stdout"])
}

func TestIteratorHandlerEmptyItemsYieldsEmptyResults(t *testing.T) {
	d := NewDispatcher()
	ec := newTestContext()
	step := &plan.StepDefinition{
		ID:   "it",
		Kind: plan.StepIterator,
		Iterator: &plan.IteratorParams{
			Items:   []any{},
			RunStep: &plan.StepDefinition{ID: "noop", Kind: plan.StepShell, Shell: &plan.ShellParams{Command: "echo x"}},
		},
	}
	out, err := d.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Fields["count"])
	assert.Equal(t, []any{}, out.Fields["results"])
}

func TestIteratorHandlerInnerFailurePropagates(t *testing.T) {
	d := NewDispatcher()
	ec := newTestContext()
	step := &plan.StepDefinition{
		ID:   "it",
		Kind: plan.StepIterator,
		Iterator: &plan.IteratorParams{
			Items:   []any{1.0},
			RunStep: &plan.StepDefinition{ID: "fails", Kind: plan.StepShell, Shell: &plan.ShellParams{Command: "exit 1"}},
		},
	}
	_, err := d.Execute(context.Background(), step, ec)
	assert.Error(t, err)
}

func TestIteratorHandlerItemIsolatedPerIteration(t *testing.T) {
	d := NewDispatcher()
	ec := newTestContext()
	step := &plan.StepDefinition{
		ID:   "it",
		Kind: plan.StepIterator,
		Iterator: &plan.IteratorParams{
			Items: []any{"a", "b"},
			RunStep: &plan.StepDefinition{
				ID:    "record",
				Kind:  plan.StepShell,
				Shell: &plan.ShellParams{Command: "echo {{inputs.item}}-{{inputs.index}}"},
			},
		},
	}
	out, err := d.Execute(context.Background(), step, ec)
	require.NoError(t, err)
	results := out.Fields["results"].([]any)
	r0 := results[0].(map[string]any)["record"].(map[string]any)
	r1 := results[1].(map[string]any)["record"].(map[string]any)
	assert.Equal(t, "a-0", r0["stdout"])
	assert.Equal(t, "b-1", r1["stdout"])
}
