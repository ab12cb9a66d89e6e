// Package exec implements the step executor pool: one handler per step
// kind, dispatched through a uniform contract that applies idempotent
// skip and condition gating before any kind-specific behavior runs.
package exec

import (
	"context"
	"time"

	"github.com/tombee/conductorcore/internal/envport"
	"github.com/tombee/conductorcore/internal/evalsandbox"
	"github.com/tombee/conductorcore/internal/interpolate"
	"github.com/tombee/conductorcore/internal/logging"
	"github.com/tombee/conductorcore/internal/plan"
)

// Context is the execution context handed to every handler: inputs,
// prior step outputs, env, run metadata, and the secret-name set.
type Context struct {
	Inputs      map[string]any
	Steps       map[string]any // stepId -> output
	Env         map[string]string
	Run         map[string]any // id, workflowId, startedAt
	SecretNames map[string]bool

	Logger  logging.Logger
	EnvPort envport.Port
	Sandbox *evalsandbox.Sandbox

	// ProcessRegistry tracks live shell-step child processes for
	// process-tree termination on cancellation and for the process-wide
	// shutdown entry point (§5 "process-tree tracking").
	ProcessRegistry *ProcessRegistry

	// HTTPPolicy carries the SSRF blocklist and per-host rate limiting
	// configuration consumed by the http handler.
	HTTPPolicy *HTTPPolicy

	// FileAllowList is the set of base directories a file step's
	// normalized path must remain within.
	FileAllowList []string

	// ResumeStepID and ResumeData carry the data delivered by Resume to
	// the one suspended step being re-entered; empty otherwise.
	ResumeStepID string
	ResumeData   map[string]any
}

// Scope adapts Context into an interpolation scope.
func (c *Context) Scope() *interpolate.Scope {
	return &interpolate.Scope{
		Inputs:      c.Inputs,
		Steps:       c.Steps,
		Env:         c.Env,
		Run:         c.Run,
		SecretNames: c.SecretNames,
		Logger:      c.Logger,
	}
}

// StepOutput is the uniform return shape of a handler on success. Kind
// handlers populate Fields with their kind-specific output map; Skipped
// is set by the dispatcher's condition gate, never by a handler itself.
type StepOutput struct {
	Skipped bool
	Fields  map[string]any
}

// ToMap flattens a StepOutput into the JsonValue mapping persisted in
// stepResults[*].output.
func (o *StepOutput) ToMap() map[string]any {
	if o.Skipped {
		return map[string]any{"skipped": true}
	}
	out := make(map[string]any, len(o.Fields))
	for k, v := range o.Fields {
		out[k] = v
	}
	return out
}

// Handler is the contract every step kind implements. ctx carries
// cancellation (cooperative, per §5); timeout is the step's soft,
// per-step deadline (0 = none beyond ctx's own deadline).
type Handler interface {
	Execute(ctx context.Context, step *plan.StepDefinition, ec *Context, timeout time.Duration) (*StepOutput, error)
}
