package exec

import (
	"context"
	"time"

	"github.com/tombee/conductorcore/internal/plan"
)

type waitHandler struct{}

// Execute is a cancellable delay, unblocked early by cancellation.
func (waitHandler) Execute(ctx context.Context, step *plan.StepDefinition, ec *Context, _ time.Duration) (*StepOutput, error) {
	p := step.Wait
	d := time.Duration(p.DurationMs) * time.Millisecond
	start := time.Now()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return &StepOutput{Fields: map[string]any{
			"completed":  true,
			"durationMs": time.Since(start).Milliseconds(),
		}}, nil
	case <-ctx.Done():
		return &StepOutput{Fields: map[string]any{
			"completed":  false,
			"durationMs": time.Since(start).Milliseconds(),
		}}, ctx.Err()
	}
}
