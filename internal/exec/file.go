package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/interpolate"
	"github.com/tombee/conductorcore/internal/plan"
)

type fileHandler struct{}

func (fileHandler) Execute(ctx context.Context, step *plan.StepDefinition, ec *Context, timeout time.Duration) (*StepOutput, error) {
	p := step.File
	scope := ec.Scope()

	pathSub, err := interpolate.ResolveWithMasking(p.Path, scope)
	if err != nil {
		return nil, err
	}
	rawPath := fmt.Sprintf("%v", pathSub.Real)
	clean := filepath.Clean(rawPath)
	if !filepath.IsAbs(clean) {
		if abs, err := filepath.Abs(clean); err == nil {
			clean = abs
		}
	}

	if err := checkAllowList(clean, ec.FileAllowList); err != nil {
		return nil, &errs.SecurityPolicyViolationError{StepID: step.ID, Policy: "path-traversal", Message: err.Error()}
	}

	switch p.Action {
	case plan.FileRead:
		data, err := os.ReadFile(clean)
		if err != nil {
			return nil, &errs.StepFailureError{StepID: step.ID, Diagnostic: err.Error(), Err: err}
		}
		return &StepOutput{Fields: map[string]any{"content": string(data)}}, nil

	case plan.FileWrite:
		var content string
		if p.Content != nil {
			contentSub, err := interpolate.ResolveWithMasking(p.Content, scope)
			if err != nil {
				return nil, err
			}
			switch v := contentSub.Real.(type) {
			case string:
				content = v
			default:
				b, err := json.MarshalIndent(v, "", "  ")
				if err != nil {
					return nil, err
				}
				content = string(b)
			}
		}
		if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
			return nil, &errs.StepFailureError{StepID: step.ID, Diagnostic: err.Error(), Err: err}
		}
		if err := os.WriteFile(clean, []byte(content), 0o644); err != nil {
			return nil, &errs.StepFailureError{StepID: step.ID, Diagnostic: err.Error(), Err: err}
		}
		return &StepOutput{Fields: map[string]any{"success": true}}, nil

	case plan.FileDelete:
		if err := os.Remove(clean); err != nil && !os.IsNotExist(err) {
			return nil, &errs.StepFailureError{StepID: step.ID, Diagnostic: err.Error(), Err: err}
		}
		return &StepOutput{Fields: map[string]any{"success": true}}, nil

	default:
		return nil, &errs.ValidationError{Field: "file.action", Message: fmt.Sprintf("unknown file action %q", p.Action)}
	}
}

// checkAllowList accepts either a plain directory prefix or a doublestar
// glob pattern in allowList, so an author can scope a step to
// "/data/**/reports" as well as a flat base directory.
func checkAllowList(clean string, allowList []string) error {
	if len(allowList) == 0 {
		return nil
	}
	for _, entry := range allowList {
		if matched, _ := doublestar.PathMatch(entry, clean); matched {
			return nil
		}
		base := filepath.Clean(entry)
		if clean == base || len(clean) > len(base) && clean[:len(base)+1] == base+string(filepath.Separator) {
			return nil
		}
	}
	return fmt.Errorf("path %q escapes the configured allow-list", clean)
}
