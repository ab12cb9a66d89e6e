package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/conductorcore/internal/envport"
	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/interpolate"
	"github.com/tombee/conductorcore/internal/plan"
)

type agentHandler struct{}

// Execute dispatches to a named agent (looked up on the environment port)
// when Agent is set, otherwise runs an inline chat via the port's LLM.
func (agentHandler) Execute(ctx context.Context, step *plan.StepDefinition, ec *Context, timeout time.Duration) (*StepOutput, error) {
	p := step.Agent
	scope := ec.Scope()

	promptSub, err := interpolate.ResolveWithMasking(p.Prompt, scope)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("%v", promptSub.Real)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if ec.EnvPort == nil {
		return nil, &errs.NotFoundError{Kind: "agent", ID: p.Agent}
	}

	if p.Agent != "" {
		agent, ok := ec.EnvPort.Agents()[p.Agent]
		if !ok {
			return nil, &errs.NotFoundError{Kind: "agent", ID: p.Agent}
		}
		response, err := agent.Invoke(ctx, prompt, p.MaxTokens)
		if err != nil {
			return nil, &errs.StepFailureError{StepID: step.ID, Diagnostic: err.Error(), Err: err}
		}
		return &StepOutput{Fields: map[string]any{"response": response}}, nil
	}

	llm := ec.EnvPort.LLM()
	if llm == nil {
		return nil, &errs.NotFoundError{Kind: "llm", ID: "default"}
	}
	var messages []envport.ChatMessage
	if p.System != "" {
		sysSub, err := interpolate.ResolveWithMasking(p.System, scope)
		if err != nil {
			return nil, err
		}
		messages = append(messages, envport.ChatMessage{Role: "system", Content: fmt.Sprintf("%v", sysSub.Real)})
	}
	messages = append(messages, envport.ChatMessage{Role: "user", Content: prompt})

	response, err := llm.Chat(ctx, messages, p.MaxTokens)
	if err != nil {
		return nil, &errs.StepFailureError{StepID: step.ID, Diagnostic: err.Error(), Err: err}
	}
	return &StepOutput{Fields: map[string]any{"response": response}}, nil
}
