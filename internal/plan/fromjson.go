package plan

import (
	"encoding/json"

	"github.com/tombee/conductorcore/internal/errs"
)

// DescriptionFromJSON decodes a JsonValue mapping (e.g. an eval step's
// {workflow: ...} payload) into a Description. It round-trips through
// encoding/json rather than walking the map by hand, matching the
// teacher's ParseDefinition entry point, which always starts from raw
// JSON/YAML bytes rather than a pre-built Go value.
func DescriptionFromJSON(v any) (*Description, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &errs.ValidationError{Field: "workflow", Message: "sub-workflow payload is not serializable: " + err.Error()}
	}

	var doc jsonDescription
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &errs.ValidationError{Field: "workflow", Message: "sub-workflow payload does not match the workflow schema: " + err.Error()}
	}

	d := &Description{
		ID:      doc.ID,
		Inputs:  map[string]InputType{},
		Secrets: map[string]bool{},
		Trigger: doc.Trigger,
		Tags:    doc.Tags,
		Timeout: doc.Timeout,
	}
	for name, typ := range doc.Inputs {
		d.Inputs[name] = InputType(typ)
	}
	for _, name := range doc.Secrets {
		d.Secrets[name] = true
	}

	d.Steps, err = convertSteps(doc.Steps)
	if err != nil {
		return nil, err
	}
	d.OnFailure, err = convertSteps(doc.OnFailure)
	if err != nil {
		return nil, err
	}
	d.Finally, err = convertSteps(doc.Finally)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// jsonDescription and jsonStep mirror the wire shape a workflow document
// takes once decoded from JSON/YAML: lowerCamelCase keys, step kind
// discriminated by "type".
type jsonDescription struct {
	ID        string            `json:"id"`
	Inputs    map[string]string `json:"inputs"`
	Secrets   []string          `json:"secrets"`
	Steps     []jsonStep        `json:"steps"`
	OnFailure []jsonStep        `json:"onFailure"`
	Finally   []jsonStep        `json:"finally"`
	Trigger   string            `json:"trigger"`
	Tags      map[string]string `json:"tags"`
	Timeout   int               `json:"timeout"`
}

type jsonStep struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	After       []string `json:"after"`
	Condition   string `json:"condition"`
	Timeout     int    `json:"timeout"`
	Description string `json:"description"`

	Retry      *jsonRetry `json:"retry"`
	OnError    *jsonOnErr `json:"onError"`

	Command     any            `json:"command"`
	Cwd         string         `json:"cwd"`
	Env         map[string]any `json:"env"`
	FailOnError *bool          `json:"failOnError"`
	Safe        bool           `json:"safe"`
	Args        []any          `json:"args"`

	Method  string         `json:"method"`
	URL     string         `json:"url"`
	Headers map[string]any `json:"headers"`
	Body    any            `json:"body"`

	Action  string `json:"action"`
	Path    string `json:"path"`
	Content any    `json:"content"`

	Tool     string         `json:"tool"`
	ToolArgs map[string]any `json:"toolArgs"`

	Prompt    string `json:"prompt"`
	System    string `json:"system"`
	Agent     string `json:"agent"`
	MaxTokens int    `json:"maxTokens"`

	Message      string   `json:"message"`
	ResumeSchema []string `json:"resumeSchema"`

	DurationMs int `json:"durationMs"`

	Items          any        `json:"items"`
	RunStep        *jsonStep  `json:"runStep"`
	RunSteps       []jsonStep `json:"runSteps"`
	MaxConcurrency int        `json:"maxConcurrency"`

	Script        string `json:"script"`
	ScriptTimeout int    `json:"scriptTimeout"`
}

type jsonRetry struct {
	MaxAttempts  int    `json:"maxAttempts"`
	Strategy     string `json:"strategy"`
	InitialDelay int    `json:"initialDelay"`
}

type jsonOnErr struct {
	Strategy string `json:"strategy"`
	Fallback any    `json:"fallback"`
}

func convertSteps(in []jsonStep) ([]StepDefinition, error) {
	out := make([]StepDefinition, 0, len(in))
	for _, js := range in {
		sd, err := convertStep(js)
		if err != nil {
			return nil, err
		}
		out = append(out, sd)
	}
	return out, nil
}

func convertStep(js jsonStep) (StepDefinition, error) {
	sd := StepDefinition{
		ID:          js.ID,
		Kind:        StepKind(js.Type),
		After:       js.After,
		Condition:   js.Condition,
		Timeout:     js.Timeout,
		Description: js.Description,
	}
	if js.Retry != nil {
		sd.Retry = &RetryPolicy{MaxAttempts: js.Retry.MaxAttempts, Strategy: RetryStrategy(js.Retry.Strategy), InitialDelay: js.Retry.InitialDelay}
	}
	if js.OnError != nil {
		sd.OnErrorPol = &OnError{Strategy: ErrorStrategy(js.OnError.Strategy), Fallback: js.OnError.Fallback}
	}

	switch sd.Kind {
	case StepShell:
		sd.Shell = &ShellParams{Command: js.Command, Cwd: js.Cwd, Env: js.Env, Timeout: js.Timeout, FailOnError: js.FailOnError, Safe: js.Safe, Args: js.Args}
	case StepHTTP:
		sd.HTTP = &HTTPParams{Method: js.Method, URL: js.URL, Headers: js.Headers, Body: js.Body, Timeout: js.Timeout, FailOnError: js.FailOnError}
	case StepFile:
		sd.File = &FileParams{Action: FileAction(js.Action), Path: js.Path, Content: js.Content}
	case StepTool:
		sd.Tool = &ToolParams{Tool: js.Tool, Args: js.ToolArgs}
	case StepAgent:
		sd.Agent = &AgentParams{Prompt: js.Prompt, System: js.System, Agent: js.Agent, MaxTokens: js.MaxTokens}
	case StepSuspend:
		sd.Suspend = &SuspendParams{Message: js.Message, ResumeSchema: js.ResumeSchema}
	case StepWait:
		sd.Wait = &WaitParams{DurationMs: js.DurationMs}
	case StepIterator:
		ip := &IteratorParams{Items: js.Items, MaxConcurrency: js.MaxConcurrency}
		if js.RunStep != nil {
			inner, err := convertStep(*js.RunStep)
			if err != nil {
				return sd, err
			}
			ip.RunStep = &inner
		}
		if len(js.RunSteps) > 0 {
			inner, err := convertSteps(js.RunSteps)
			if err != nil {
				return sd, err
			}
			ip.RunSteps = inner
		}
		sd.Iterator = ip
	case StepEval:
		sd.Eval = &EvalParams{Script: js.Script, ScriptTimeout: js.ScriptTimeout}
	default:
		return sd, &errs.ValidationError{Field: "steps[" + js.ID + "].type", Message: "unknown step kind " + js.Type}
	}
	return sd, nil
}
