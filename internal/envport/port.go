// Package envport defines the environment port (§6.1): the single opaque
// handle the core consumes for tool execution, agent invocation, LLM
// chat, and logging, so the core never imports a concrete LLM/tool/shell
// backend directly.
package envport

import "context"

// Tool is one entry in the tools mapping.
type Tool interface {
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Agent is one entry in the optional agents mapping.
type Agent interface {
	Invoke(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// ChatMessage is one entry in an inline chat's messages array.
type ChatMessage struct {
	Role    string
	Content string
}

// LLM is the inline-chat capability (agent step's second mode).
type LLM interface {
	Chat(ctx context.Context, messages []ChatMessage, maxTokens int) (string, error)
}

// Port is the full environment handle. Components that only need a
// subset should accept the narrower Tools/Agents/LLM interfaces above
// rather than Port itself.
type Port interface {
	Tools() map[string]Tool
	Agents() map[string]Agent
	LLM() LLM
	Log(message string, level string)
}

// Static is a plain-struct Port implementation, sufficient for embedding
// callers that don't need dynamic tool registration.
type Static struct {
	ToolSet   map[string]Tool
	AgentSet  map[string]Agent
	LLMClient LLM
	Logger    func(message, level string)
}

func (s *Static) Tools() map[string]Tool   { return s.ToolSet }
func (s *Static) Agents() map[string]Agent { return s.AgentSet }
func (s *Static) LLM() LLM                 { return s.LLMClient }
func (s *Static) Log(message, level string) {
	if s.Logger != nil {
		s.Logger(message, level)
	}
}
