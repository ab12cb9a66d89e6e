package exec

import (
	"context"
	"time"

	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/interpolate"
	"github.com/tombee/conductorcore/internal/plan"
	"github.com/tombee/conductorcore/internal/value"
)

type suspendHandler struct{}

// Execute yields a suspension token (the Suspended sentinel error) to the
// coordinator on first entry. When re-entered as the step being resumed
// (ec.ResumeStepID == step.ID), it validates the supplied resume data and
// returns normally.
func (suspendHandler) Execute(ctx context.Context, step *plan.StepDefinition, ec *Context, timeout time.Duration) (*StepOutput, error) {
	p := step.Suspend

	if ec.ResumeStepID == step.ID {
		data := ec.ResumeData
		if data == nil {
			return nil, &errs.ValidationError{Field: "resumeData", Message: "resume data must be a mapping"}
		}
		for _, key := range p.ResumeSchema {
			if _, ok := data[key]; !ok {
				return nil, &errs.ValidationError{
					Field:   "resumeData",
					Message: "missing required key " + key,
				}
			}
		}
		return &StepOutput{Fields: map[string]any{
			"resumed": true,
			"data":    value.DeepCopy(data),
		}}, nil
	}

	message := p.Message
	if message != "" {
		if sub, err := interpolate.ResolveValue(message, ec.Scope()); err == nil {
			if s, ok := sub.(string); ok {
				message = s
			}
		}
	}
	return nil, &Suspended{StepID: step.ID, Message: message}
}
