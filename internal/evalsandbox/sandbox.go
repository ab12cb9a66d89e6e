// Package evalsandbox implements the restricted execution environment for
// the eval step and for condition-gate evaluation. The sandbox is an
// allow-list, never a full environment with dangers subtracted: only the
// functions and scope fields registered below are reachable from a
// script, so even a script fetched from an untrusted source (e.g. the
// text an agent step produced) cannot reach the filesystem, network,
// process table, or any ambient mutable global.
//
// Built on github.com/expr-lang/expr, whose expr.Env(...) mechanism is
// itself an allow-list compiler: an expression can only reference the
// names present in the Env value, so the frozen scope doubles as both the
// data the script sees and the security boundary.
package evalsandbox

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/logging"
	"github.com/tombee/conductorcore/internal/value"
)

// Scope is the frozen data exposed to a script: deep copies of inputs and
// steps, a frozen copy of env, and a logging facade.
type Scope struct {
	Inputs map[string]any
	Steps  map[string]any
	Env    map[string]any
	Log    LogFacade
}

// LogFacade is the only side-effecting capability a script may reach.
type LogFacade struct {
	Info  func(msg string)
	Warn  func(msg string)
	Error func(msg string)
}

// Result is a script's returned value, or a sub-workflow payload when the
// script returns a mapping containing key "workflow".
type Result struct {
	Value    any
	Workflow any // non-nil iff the script returned {workflow: ...}
}

// Sandbox compiles and caches expr-lang programs so repeated evaluation of
// the same eval script across many runs does not re-parse it every time.
type Sandbox struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
	log   logging.Logger
}

// New builds a Sandbox. log may be nil.
func New(log logging.Logger) *Sandbox {
	return &Sandbox{cache: map[string]*vm.Program{}, log: log}
}

func (s *Sandbox) compile(script string, env map[string]any) (*vm.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache[script]; ok {
		return p, nil
	}
	p, err := expr.Compile(script, expr.Env(env), expr.AllowUndefinedVariables(), allowListFunctions())
	if err != nil {
		return nil, err
	}
	s.cache[script] = p
	return p, nil
}

// allowListFunctions registers the curated set of pure/benign standard
// facilities the sandbox exposes: arithmetic and string conversions are
// already built into expr-lang's expression grammar; this adds JSON
// encoding. The date, regex, and URL-encoding helpers are exposed as
// functions in buildEnv's scope. None of them can escape the step.
func allowListFunctions() expr.Option {
	return expr.Function(
		"jsonEncode",
		func(params ...any) (any, error) {
			b, err := json.Marshal(params[0])
			if err != nil {
				return nil, err
			}
			return string(b), nil
		},
	)
}

// Eval runs script against scope with a bounded wall-clock timeout. The
// script is wrapped so it may logically "await" (expr-lang evaluation is
// synchronous; the goroutine+context pairing below provides the
// cancellable-timeout contract the specification requires regardless).
func (s *Sandbox) Eval(ctx context.Context, stepID, script string, scope *Scope, timeout time.Duration) (*Result, error) {
	env := buildEnv(scope)
	program, err := s.compile(script, env)
	if err != nil {
		return nil, &errs.SandboxViolationError{StepID: stepID, Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if ctx.Err() != nil {
		return nil, &errs.SandboxViolationError{StepID: stepID, Message: "script exceeded its timeout"}
	}

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := vmRun(program, env)
		done <- outcome{val: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &errs.SandboxViolationError{StepID: stepID, Message: "script exceeded its timeout"}
	case o := <-done:
		if o.err != nil {
			return nil, &errs.SandboxViolationError{StepID: stepID, Message: o.err.Error()}
		}
		return toResult(o.val), nil
	}
}

func vmRun(program *vm.Program, env map[string]any) (any, error) {
	return expr.Run(program, env)
}

func toResult(v any) *Result {
	if m, ok := v.(map[string]any); ok {
		if wf, ok := m["workflow"]; ok {
			return &Result{Value: v, Workflow: wf}
		}
	}
	return &Result{Value: v}
}

func buildEnv(scope *Scope) map[string]any {
	env := map[string]any{
		"inputs": value.DeepCopy(scope.Inputs),
		"steps":  value.DeepCopy(scope.Steps),
		"env":    value.DeepCopy(scope.Env),
		"has": func(m map[string]any, key string) bool {
			_, ok := m[key]
			return ok
		},
		"includes": func(haystack []any, needle any) bool {
			for _, v := range haystack {
				if value.Equal(v, needle) {
					return true
				}
			}
			return false
		},
		"length": func(v any) int {
			switch t := v.(type) {
			case string:
				return len(t)
			case []any:
				return len(t)
			case map[string]any:
				return len(t)
			default:
				return 0
			}
		},
		"urlEncode": func(s string) string { return url.QueryEscape(s) },
		"parseInt":  func(s string) (int, error) { return strconv.Atoi(s) },
		"matches":   func(s, pattern string) (bool, error) { return regexp.MatchString(pattern, s) },
		"now":       func() string { return time.Now().UTC().Format(time.RFC3339) },
		"trim":      strings.TrimSpace,
	}
	return env
}

// EvalCondition evaluates a condition string (already interpolated to a
// plain string) against the skip rule: "false", "0", "" skip; anything
// else proceeds.
func EvalCondition(resolved string) (proceed bool) {
	switch resolved {
	case "false", "0", "":
		return false
	default:
		return true
	}
}
