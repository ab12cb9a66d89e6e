// Package errs defines the error taxonomy surfaced by the core. Each kind
// is a concrete struct implementing error with Unwrap, so callers use
// errors.As rather than string matching.
package errs

import "fmt"

// ValidationError reports a workflow description that fails schema or
// referential-integrity checks (unknown predecessor, cycle, conflicting
// iterator fields).
type ValidationError struct {
	Field      string
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("validation error on %q: %s (%s)", e.Field, e.Message, e.Suggestion)
	}
	return fmt.Sprintf("validation error on %q: %s", e.Field, e.Message)
}

// MissingInputsError reports a submission that omitted one or more
// declared inputs. It surfaces synchronously at submission time, never
// reaching the driver.
type MissingInputsError struct {
	Names []string
	Types map[string]string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("missing required inputs: %v", e.Names)
}

// StepFailureError reports a handler failure. Diagnostic carries the
// kind-specific detail (exit code, HTTP status, script message).
type StepFailureError struct {
	StepID      string
	Diagnostic  string
	FailOnError bool
	Err         error
}

func (e *StepFailureError) Error() string {
	return fmt.Sprintf("step %q failed: %s", e.StepID, e.Diagnostic)
}

func (e *StepFailureError) Unwrap() error { return e.Err }

// SandboxViolationError reports an eval script that touched a blocked
// facility or exceeded its timeout.
type SandboxViolationError struct {
	StepID  string
	Message string
}

func (e *SandboxViolationError) Error() string {
	return fmt.Sprintf("sandbox violation in step %q: %s", e.StepID, e.Message)
}

// SecurityPolicyViolationError reports an SSRF target rejection, a path
// traversal rejection, or a weak encryption key.
type SecurityPolicyViolationError struct {
	StepID  string
	Policy  string
	Message string
}

func (e *SecurityPolicyViolationError) Error() string {
	return fmt.Sprintf("security policy %q violated in step %q: %s", e.Policy, e.StepID, e.Message)
}

// PersistenceError reports a store failure after retries were exhausted.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %q: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CancellationError reports that a run was cancelled.
type CancellationError struct {
	RunID string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("run %q was cancelled", e.RunID)
}

// TimeoutError reports a per-step or per-run timeout.
type TimeoutError struct {
	Scope   string // "step" or "run"
	ID      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %q exceeded timeout %s", e.Scope, e.ID, e.Timeout)
}

// ConfigError reports an invalid configuration value (e.g. an encryption
// key shorter than the minimum accepted length).
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error on %q: %s", e.Field, e.Message)
}

// NotFoundError reports a lookup that found nothing (unknown workflow id,
// unknown run id, unknown tool/agent name).
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %q", e.Kind, e.ID)
}
