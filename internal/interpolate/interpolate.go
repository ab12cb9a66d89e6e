// Package interpolate implements the template interpolation engine: a
// small expression language of the form {{expression}}, where expression
// has one of four prefixes (inputs., steps., env., run.). It threads
// inputs, prior step outputs, environment values, and run metadata through
// step parameters while tracking which resolved values originated from
// secret sources so they can be redacted in logs.
//
// This is deliberately not built on text/template: that dialect's leading
// dot, silent-degrade-on-miss, and lack of secret tracking are incompatible
// with the exact-four-prefix, strict-type-preserving, secret-pair-tracking
// contract required here. Path walking over composite values reuses
// gojq's query evaluator rather than hand-rolled reflection, since gojq
// already speaks the map[string]any/[]any/float64 shape this package's
// value model uses.
package interpolate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/tombee/conductorcore/internal/logging"
	"github.com/tombee/conductorcore/internal/value"
)

// exprPattern matches a {{...}} expression, non-greedy so adjacent
// expressions in one string are matched individually.
var exprPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// MaskToken replaces every secret-source substring in a masked rendering.
const MaskToken = "***REDACTED***"

// Scope is everything an expression may resolve against.
type Scope struct {
	Inputs      map[string]any
	Steps       map[string]any // stepId -> output value
	Env         map[string]string
	Run         map[string]any // id, workflowId, startedAt
	SecretNames map[string]bool
	Logger      logging.Logger
}

// NewScope builds an empty, ready-to-use Scope.
func NewScope() *Scope {
	return &Scope{
		Inputs:      map[string]any{},
		Steps:       map[string]any{},
		Env:         map[string]string{},
		Run:         map[string]any{},
		SecretNames: map[string]bool{},
	}
}

// resolved is the outcome of resolving one {{expression}}.
type resolved struct {
	value    any
	isSecret bool
}

// ResolveValue interpolates v (a JsonValue: string, or recursively any
// composite containing strings) against scope. Per the type-preservation
// rule: when a field's entire value is a single {{expr}}, the resolved
// JsonValue type is preserved; mixed literal/expression strings always
// resolve to a string.
func ResolveValue(v any, scope *Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			r, err := ResolveValue(val, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			r, err := ResolveValue(val, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// isPureExpression reports whether s is exactly one {{expr}} with no
// surrounding literal text.
func isPureExpression(s string) (expr string, ok bool) {
	m := exprPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	if m[0] != s {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func resolveString(s string, scope *Scope) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	if expr, ok := isPureExpression(s); ok {
		r, err := resolveExpression(expr, scope)
		if err != nil {
			return nil, err
		}
		return r.value, nil
	}
	// Mixed literal/expression text: always resolves to a string.
	var resolveErr error
	out := exprPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := exprPattern.FindStringSubmatch(match)
		r, err := resolveExpression(strings.TrimSpace(sub[1]), scope)
		if err != nil {
			resolveErr = err
			return match
		}
		return value.FormatForString(r.value)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return out, nil
}

// resolveExpression resolves a single expression body (without braces).
func resolveExpression(expr string, scope *Scope) (resolved, error) {
	prefix, rest, _ := strings.Cut(expr, ".")
	switch prefix {
	case "inputs":
		v, found := walkBlocked(scope.Inputs, value.SplitPath(rest), scope)
		isSecret := scope.SecretNames[firstSegment(rest)]
		if !found {
			return resolved{value: nil, isSecret: isSecret}, nil
		}
		return resolved{value: v, isSecret: isSecret}, nil
	case "steps":
		stepID, path, _ := strings.Cut(rest, ".")
		stepOut, ok := scope.Steps[stepID]
		if !ok {
			return resolved{value: nil}, nil
		}
		v, found := walkBlocked(stepOut, value.SplitPath(path), scope)
		if !found {
			return resolved{value: nil}, nil
		}
		return resolved{value: v}, nil
	case "env":
		v, ok := scope.Env[rest]
		if !ok {
			return resolved{value: nil, isSecret: true}, nil
		}
		return resolved{value: v, isSecret: true}, nil
	case "run":
		v := scope.Run[rest]
		return resolved{value: v}, nil
	default:
		return resolved{}, fmt.Errorf("interpolate: unknown scope prefix %q", prefix)
	}
}

func firstSegment(path string) string {
	seg, _, _ := strings.Cut(path, ".")
	if i := strings.IndexByte(seg, '['); i >= 0 {
		seg = seg[:i]
	}
	return seg
}

// walkBlocked checks every segment against the blocked-segment list before
// delegating to gojq; a blocked segment short-circuits to "not found" and
// logs a warning, per the path-walking rule.
func walkBlocked(root any, segments []string, scope *Scope) (any, bool) {
	if len(segments) == 0 {
		return root, true
	}
	query := "."
	for _, seg := range segments {
		if value.IsBlockedSegment(seg) {
			if scope != nil && scope.Logger != nil {
				scope.Logger.Log("warn", "blocked path segment in interpolation", map[string]any{"segment": seg})
			}
			return nil, false
		}
		if n, err := strconv.Atoi(seg); err == nil {
			query += fmt.Sprintf(".[%d]", n)
		} else {
			query += fmt.Sprintf(".%s", jqIdent(seg))
		}
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, false
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, false
	}
	iter := code.Run(root)
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if err, isErr := v.(error); isErr {
		_ = err
		return nil, false
	}
	if v == nil {
		return nil, false
	}
	return v, true
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func jqIdent(seg string) string {
	if identPattern.MatchString(seg) {
		return seg
	}
	return fmt.Sprintf("[%q]", seg)
}

// SecretSubstitution is the secret-aware result of resolving a single
// template field: the real value handed to handlers, and a masked string
// safe to log.
type SecretSubstitution struct {
	Real           any
	Masked         string
	ContainsSecret bool
	SecretValues   []string
}

// ResolveWithMasking resolves v and additionally computes the masked
// rendering, tracking every secret-source substring encountered.
func ResolveWithMasking(v any, scope *Scope) (*SecretSubstitution, error) {
	real, err := ResolveValue(v, scope)
	if err != nil {
		return nil, err
	}
	secrets := collectSecretStrings(v, scope)
	masked := maskSubstrings(value.FormatForString(real), secrets)
	return &SecretSubstitution{
		Real:           real,
		Masked:         masked,
		ContainsSecret: len(secrets) > 0,
		SecretValues:   secrets,
	}, nil
}

// collectSecretStrings finds every {{expr}} in v whose resolution is a
// secret source and returns the resolved real strings, longest first.
func collectSecretStrings(v any, scope *Scope) []string {
	var out []string
	var walk func(any)
	walk = func(x any) {
		switch t := x.(type) {
		case string:
			for _, m := range exprPattern.FindAllStringSubmatch(t, -1) {
				r, err := resolveExpression(strings.TrimSpace(m[1]), scope)
				if err == nil && r.isSecret {
					s := value.FormatForString(r.value)
					if s != "" {
						out = append(out, s)
					}
				}
			}
		case map[string]any:
			for _, val := range t {
				walk(val)
			}
		case []any:
			for _, val := range t {
				walk(val)
			}
		}
	}
	walk(v)
	// Longest first, so containment is masked correctly.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && len(out[j-1]) < len(out[j]); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func maskSubstrings(s string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, maskFor(secret))
	}
	return s
}

// maskFor renders the mask token for a secret value: short/empty values
// mask to the bare token; values longer than four characters retain their
// first character.
func maskFor(secret string) string {
	if len(secret) <= 4 {
		return MaskToken
	}
	return string(secret[0]) + MaskToken
}

// ExtractVariables returns every {{expr}} reference found in v.
func ExtractVariables(v any) []string {
	var out []string
	var walk func(any)
	walk = func(x any) {
		switch t := x.(type) {
		case string:
			for _, m := range exprPattern.FindAllStringSubmatch(t, -1) {
				out = append(out, strings.TrimSpace(m[1]))
			}
		case map[string]any:
			for _, val := range t {
				walk(val)
			}
		case []any:
			for _, val := range t {
				walk(val)
			}
		}
	}
	walk(v)
	return out
}

// ValidateInterpolation returns the list of references in v whose value is
// undefined in scope, for the compiler to validate conditional links.
func ValidateInterpolation(v any, scope *Scope) []string {
	var undefined []string
	for _, expr := range ExtractVariables(v) {
		r, err := resolveExpression(expr, scope)
		if err != nil || r.value == nil {
			undefined = append(undefined, expr)
		}
	}
	return undefined
}

// ContainsTemplateSyntax reports whether s contains at least one {{...}}.
func ContainsTemplateSyntax(s string) bool {
	return exprPattern.MatchString(s)
}
