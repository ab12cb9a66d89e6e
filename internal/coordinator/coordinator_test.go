package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductorcore/internal/logging"
	"github.com/tombee/conductorcore/internal/plan"
	"github.com/tombee/conductorcore/internal/run"
	"github.com/tombee/conductorcore/internal/store/memory"
)

// capturingLogger records every message so tests can assert secret values
// never reach a log line in cleartext.
type capturingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *capturingLogger) Log(level, message string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf("%s %s %v", level, message, fields))
}

func (l *capturingLogger) With(map[string]any) logging.Logger { return l }

func (l *capturingLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func shellStep(id string, command string, after ...string) plan.StepDefinition {
	return plan.StepDefinition{
		ID:    id,
		Kind:  plan.StepShell,
		After: after,
		Shell: &plan.ShellParams{Command: command},
	}
}

func newTestCoordinator(t *testing.T, descriptions ...*plan.Description) (*Coordinator, *plan.Registry) {
	t.Helper()
	reg := plan.NewRegistry()
	for _, d := range descriptions {
		_, err := reg.Register(d)
		require.NoError(t, err)
	}
	backend := memory.New(nil)
	require.NoError(t, backend.Init(context.Background()))
	c := New(Options{Registry: reg, Backend: backend})
	return c, reg
}

func waitForTerminal(t *testing.T, c *Coordinator, runID string, timeout time.Duration) *run.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := c.Status(context.Background(), runID)
		require.NoError(t, err)
		if r.Status.Terminal() || r.Status == run.StatusSuspended {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal/suspended state within %s", runID, timeout)
	return nil
}

func TestCoordinatorLinearChain(t *testing.T) {
	d := &plan.Description{
		ID: "linear",
		Steps: []plan.StepDefinition{
			shellStep("a", "echo one"),
			shellStep("b", "echo two", "a"),
			shellStep("c", "echo three", "b"),
		},
	}
	c, _ := newTestCoordinator(t, d)
	runID, err := c.Submit(context.Background(), "linear", map[string]any{}, nil)
	require.NoError(t, err)

	r := waitForTerminal(t, c, runID, 2*time.Second)
	require.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, "one", r.StepResults["a"].Output.(map[string]any)["stdout"])
	assert.Equal(t, "two", r.StepResults["b"].Output.(map[string]any)["stdout"])
	assert.Equal(t, "three", r.StepResults["c"].Output.(map[string]any)["stdout"])
}

func TestCoordinatorDiamondRunsInParallel(t *testing.T) {
	d := &plan.Description{
		ID: "diamond",
		Steps: []plan.StepDefinition{
			shellStep("a", "echo start"),
			shellStep("b", "sleep 0.05 && echo left", "a"),
			shellStep("c", "sleep 0.05 && echo right", "a"),
			shellStep("d", "echo end", "b", "c"),
		},
	}
	c, _ := newTestCoordinator(t, d)
	start := time.Now()
	runID, err := c.Submit(context.Background(), "diamond", map[string]any{}, nil)
	require.NoError(t, err)

	r := waitForTerminal(t, c, runID, 2*time.Second)
	elapsed := time.Since(start)
	require.Equal(t, run.StatusCompleted, r.Status)
	assert.Less(t, elapsed, 150*time.Millisecond, "parallel layer b/c must not serialize")
}

func TestCoordinatorSuspendResumeAcrossRestart(t *testing.T) {
	d := &plan.Description{
		ID: "approval",
		Steps: []plan.StepDefinition{
			shellStep("init", "echo starting"),
			{ID: "approve", Kind: plan.StepSuspend, After: []string{"init"}, Suspend: &plan.SuspendParams{
				Message: "waiting for approval", ResumeSchema: []string{"approved"},
			}},
			shellStep("after", "echo done", "approve"),
		},
	}
	reg := plan.NewRegistry()
	_, err := reg.Register(d)
	require.NoError(t, err)
	backend := memory.New(nil)
	require.NoError(t, backend.Init(context.Background()))

	c1 := New(Options{Registry: reg, Backend: backend})
	runID, err := c1.Submit(context.Background(), "approval", map[string]any{}, nil)
	require.NoError(t, err)

	suspended := waitForTerminal(t, c1, runID, 2*time.Second)
	require.Equal(t, run.StatusSuspended, suspended.Status)
	require.Equal(t, "approve", suspended.CurrentStepID)
	_, initRan := suspended.StepResults["init"]
	require.True(t, initRan)
	initStartedAt := suspended.StepResults["init"].StartedAt

	// simulate a process restart: discard c1, rehydrate from the store
	c2 := New(Options{Registry: reg, Backend: backend})
	require.NoError(t, c2.Resume(context.Background(), runID, map[string]any{"approved": true}))

	final := waitForTerminal(t, c2, runID, 2*time.Second)
	require.Equal(t, run.StatusCompleted, final.Status)
	assert.Equal(t, initStartedAt, final.StepResults["init"].StartedAt, "init must not re-execute on resume")
	assert.Equal(t, "done", final.StepResults["after"].Output.(map[string]any)["stdout"])
}

func TestCoordinatorFailureTriggersOnFailureAndFinally(t *testing.T) {
	d := &plan.Description{
		ID: "failing",
		Steps: []plan.StepDefinition{
			shellStep("boom", "exit 1"),
		},
		OnFailure: []plan.StepDefinition{
			shellStep("notify", "echo notified"),
		},
		Finally: []plan.StepDefinition{
			shellStep("cleanup", "echo cleaned"),
		},
	}
	c, _ := newTestCoordinator(t, d)
	runID, err := c.Submit(context.Background(), "failing", map[string]any{}, nil)
	require.NoError(t, err)

	r := waitForTerminal(t, c, runID, 2*time.Second)
	require.Equal(t, run.StatusFailed, r.Status)
	assert.NotEmpty(t, r.Error)

	notify, ok := r.StepResults["cleanup:notify"]
	require.True(t, ok)
	assert.Equal(t, run.StepSuccess, notify.Status)

	cleanup, ok := r.StepResults["cleanup:cleanup"]
	require.True(t, ok)
	assert.Equal(t, run.StepSuccess, cleanup.Status)
}

func TestCoordinatorFailedStepCancelsSiblingsInLayer(t *testing.T) {
	d := &plan.Description{
		ID: "cancel-siblings",
		Steps: []plan.StepDefinition{
			shellStep("fast-fail", "exit 1"),
			shellStep("slow", "sleep 5"),
		},
	}
	c, _ := newTestCoordinator(t, d)
	start := time.Now()
	runID, err := c.Submit(context.Background(), "cancel-siblings", map[string]any{}, nil)
	require.NoError(t, err)

	r := waitForTerminal(t, c, runID, 2*time.Second)
	elapsed := time.Since(start)

	require.Equal(t, run.StatusFailed, r.Status)
	assert.Less(t, elapsed, 2*time.Second, "the still-running sibling should have been cancelled rather than run to completion")

	slow, ok := r.StepResults["slow"]
	require.True(t, ok)
	assert.Equal(t, run.StepFailed, slow.Status)
}

func TestCoordinatorSubmitMergesDeclaredAndSubmittedTags(t *testing.T) {
	d := &plan.Description{
		ID:   "tagged",
		Tags: map[string]string{"team": "platform", "tier": "default"},
		Steps: []plan.StepDefinition{
			shellStep("a", "echo one"),
		},
	}
	c, _ := newTestCoordinator(t, d)
	runID, err := c.Submit(context.Background(), "tagged", map[string]any{}, map[string]string{"tier": "override", "env": "staging"})
	require.NoError(t, err)

	r := waitForTerminal(t, c, runID, 2*time.Second)
	require.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, map[string]string{"team": "platform", "tier": "override", "env": "staging"}, r.Tags)
}

func TestCoordinatorIteratorPerItemSequence(t *testing.T) {
	d := &plan.Description{
		ID: "iterate",
		Inputs: map[string]plan.InputType{"numbers": plan.InputArray},
		Steps: []plan.StepDefinition{
			{
				ID:   "doubleAll",
				Kind: plan.StepIterator,
				Iterator: &plan.IteratorParams{
					Items: "{{inputs.numbers}}",
					RunStep: &plan.StepDefinition{
						ID:    "double",
						Kind:  plan.StepShell,
						Shell: &plan.ShellParams{Command: "echo $(( {{inputs.item}} * 2 ))"},
					},
				},
			},
		},
	}
	c, _ := newTestCoordinator(t, d)
	runID, err := c.Submit(context.Background(), "iterate", map[string]any{
		"numbers": []any{1.0, 2.0, 3.0},
	}, nil)
	require.NoError(t, err)

	r := waitForTerminal(t, c, runID, 2*time.Second)
	require.Equal(t, run.StatusCompleted, r.Status)

	out := r.StepResults["doubleAll"].Output.(map[string]any)
	results := out["results"].([]any)
	require.Len(t, results, 3)
	assert.Equal(t, "2", results[0].(map[string]any)["double"].(map[string]any)["stdout"])
	assert.Equal(t, "4", results[1].(map[string]any)["double"].(map[string]any)["stdout"])
	assert.Equal(t, "6", results[2].(map[string]any)["double"].(map[string]any)["stdout"])
}

func TestCoordinatorSecretInputNeverLeaksToLogsInCleartext(t *testing.T) {
	d := &plan.Description{
		ID:      "secret-use",
		Inputs:  map[string]plan.InputType{"apiKey": plan.InputString},
		Secrets: map[string]bool{"apiKey": true},
		Steps: []plan.StepDefinition{
			shellStep("call", "echo using {{inputs.apiKey}}"),
		},
	}
	reg := plan.NewRegistry()
	_, err := reg.Register(d)
	require.NoError(t, err)
	backend := memory.New(nil)
	require.NoError(t, backend.Init(context.Background()))
	logger := &capturingLogger{}
	c := New(Options{Registry: reg, Backend: backend, Logger: logger})

	runID, err := c.Submit(context.Background(), "secret-use", map[string]any{"apiKey": "sk-topsecret999"}, nil)
	require.NoError(t, err)
	r := waitForTerminal(t, c, runID, 2*time.Second)
	require.Equal(t, run.StatusCompleted, r.Status)

	for _, line := range logger.snapshot() {
		assert.NotContains(t, line, "sk-topsecret999", "secret value must never appear in a log line")
	}
}

func TestCoordinatorMissingRequiredInputsFailsFast(t *testing.T) {
	d := &plan.Description{
		ID:     "needs-input",
		Inputs: map[string]plan.InputType{"name": plan.InputString},
		Steps:  []plan.StepDefinition{shellStep("a", "echo hi")},
	}
	c, _ := newTestCoordinator(t, d)
	_, err := c.Submit(context.Background(), "needs-input", map[string]any{}, nil)
	assert.Error(t, err)
}
