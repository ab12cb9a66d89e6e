package exec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductorcore/internal/plan"
)

func TestWaitHandlerCompletesAfterDuration(t *testing.T) {
	h := waitHandler{}
	step := &plan.StepDefinition{ID: "w", Kind: plan.StepWait, Wait: &plan.WaitParams{DurationMs: 20}}
	start := time.Now()
	out, err := h.Execute(context.Background(), step, newTestContext(), 0)
	require.NoError(t, err)
	assert.Equal(t, true, out.Fields["completed"])
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitHandlerCancelledEarly(t *testing.T) {
	h := waitHandler{}
	step := &plan.StepDefinition{ID: "w", Kind: plan.StepWait, Wait: &plan.WaitParams{DurationMs: 5000}}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out, err := h.Execute(ctx, step, newTestContext(), 0)
	require.Error(t, err)
	assert.Equal(t, false, out.Fields["completed"])
}
