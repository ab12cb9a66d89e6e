// Package plan implements the compiler and DAG planner: it validates a
// workflow description, resolves dependencies, detects cycles, and
// produces a layered execution plan where each layer is a set of steps
// that may run in parallel.
package plan

// InputType is the declared primitive type tag for a workflow input.
type InputType string

const (
	InputString  InputType = "string"
	InputNumber  InputType = "number"
	InputBoolean InputType = "boolean"
	InputObject  InputType = "object"
	InputArray   InputType = "array"
)

// StepKind is the discriminator of the step-definition tagged variant.
type StepKind string

const (
	StepShell    StepKind = "shell"
	StepHTTP     StepKind = "http"
	StepFile     StepKind = "file"
	StepTool     StepKind = "tool"
	StepAgent    StepKind = "agent"
	StepSuspend  StepKind = "suspend"
	StepWait     StepKind = "wait"
	StepIterator StepKind = "iterator"
	StepEval     StepKind = "eval"
)

// RetryStrategy is the supplemented per-step retry policy (SPEC_FULL §12).
type RetryStrategy string

const (
	RetryNone        RetryStrategy = ""
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
)

// RetryPolicy bounds how many times, and how long between attempts, a
// failing step is retried in place before its failure is recorded.
type RetryPolicy struct {
	MaxAttempts  int
	Strategy     RetryStrategy
	InitialDelay int // milliseconds
}

// ErrorStrategy is the supplemented per-step onError policy (SPEC_FULL §12).
type ErrorStrategy string

const (
	ErrorFail     ErrorStrategy = "fail"
	ErrorIgnore   ErrorStrategy = "ignore"
	ErrorFallback ErrorStrategy = "fallback"
)

// OnError is additive to the base kind-specific failOnError field: it
// gives any step kind a lighter-weight alternative to wrapping itself in a
// condition. The zero value (an empty Strategy) is handled like ErrorFail
// and reproduces the base behavior.
type OnError struct {
	Strategy ErrorStrategy
	Fallback any
}

// StepDefinition is the tagged-variant step description. Common fields
// apply to every kind; Kind-specific parameters live in the pointer
// fields below, exactly one of which is populated per Kind.
type StepDefinition struct {
	ID          string
	Kind        StepKind
	After       []string
	Condition   string
	Timeout     int // milliseconds, 0 = no step-level timeout
	Description string
	Retry       *RetryPolicy
	OnErrorPol  *OnError

	Shell    *ShellParams
	HTTP     *HTTPParams
	File     *FileParams
	Tool     *ToolParams
	Agent    *AgentParams
	Suspend  *SuspendParams
	Wait     *WaitParams
	Iterator *IteratorParams
	Eval     *EvalParams
}

type ShellParams struct {
	Command     any // string or []any
	Cwd         string
	Env         map[string]any
	Timeout     int
	FailOnError *bool // default true
	Safe        bool
	Args        []any
}

type HTTPParams struct {
	Method      string
	URL         string
	Headers     map[string]any
	Body        any
	Timeout     int // default 30000ms
	FailOnError *bool
}

type FileAction string

const (
	FileRead   FileAction = "read"
	FileWrite  FileAction = "write"
	FileDelete FileAction = "delete"
)

type FileParams struct {
	Action  FileAction
	Path    string
	Content any
}

type ToolParams struct {
	Tool string
	Args map[string]any
}

type AgentParams struct {
	Prompt    string
	System    string
	Agent     string
	MaxTokens int
}

type SuspendParams struct {
	Message      string
	ResumeSchema []string // required keys
}

type WaitParams struct {
	DurationMs int
}

type IteratorParams struct {
	Items          any // template resolving to a sequence
	RunStep        *StepDefinition
	RunSteps       []StepDefinition
	MaxConcurrency int // supplemented, SPEC_FULL §12; 0 = unbounded
}

type EvalParams struct {
	Script        string
	ScriptTimeout int // default 30000ms
}

// Description is the compiler's input: a user-authored workflow document,
// already schema-valid per the out-of-scope upstream loader.
type Description struct {
	ID         string
	Inputs     map[string]InputType
	Secrets    map[string]bool
	Steps      []StepDefinition
	OnFailure  []StepDefinition
	Finally    []StepDefinition
	Trigger    string
	Tags       map[string]string // supplemented, SPEC_FULL §12
	Timeout    int               // milliseconds, 0 = no run-level timeout
}
