package plan

import (
	"fmt"

	"github.com/tombee/conductorcore/internal/errs"
)

// Validate checks referential integrity and the iterator exactly-one-of
// constraint (enforced at compile time per §4.1). Cycle detection and
// layering are separate steps (layer.go) since a cyclic graph cannot be
// layered at all.
func Validate(d *Description) error {
	seen := map[string]bool{}
	for _, s := range d.Steps {
		if seen[s.ID] {
			return &errs.ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		seen[s.ID] = true
	}
	for _, s := range d.Steps {
		for _, dep := range s.After {
			if !seen[dep] {
				return &errs.ValidationError{
					Field:      fmt.Sprintf("steps.%s.after", s.ID),
					Message:    fmt.Sprintf("unknown predecessor %q", dep),
					Suggestion: "every 'after' entry must name an existing step id",
				}
			}
		}
		if err := validateKindShape(&s); err != nil {
			return err
		}
	}
	if err := validateCleanupBlock(d.OnFailure, "onFailure"); err != nil {
		return err
	}
	if err := validateCleanupBlock(d.Finally, "finally"); err != nil {
		return err
	}
	return nil
}

// validateKindShape enforces per-kind invariants not expressible as plain
// struct shape: iterator's exactly-one-of runStep/runSteps, no nested
// iterator, no inner suspend.
func validateKindShape(s *StepDefinition) error {
	if s.Kind == StepIterator {
		if s.Iterator == nil {
			return &errs.ValidationError{Field: s.ID, Message: "iterator step missing parameters"}
		}
		hasStep := s.Iterator.RunStep != nil
		hasSteps := len(s.Iterator.RunSteps) > 0
		if hasStep == hasSteps {
			return &errs.ValidationError{
				Field:   fmt.Sprintf("steps.%s", s.ID),
				Message: "exactly one of runStep or runSteps is required",
			}
		}
		inner := s.Iterator.RunSteps
		if hasStep {
			inner = []StepDefinition{*s.Iterator.RunStep}
		}
		for _, in := range inner {
			if in.Kind == StepIterator {
				return &errs.ValidationError{Field: fmt.Sprintf("steps.%s", s.ID), Message: "nested iterators are forbidden"}
			}
			if in.Kind == StepSuspend {
				return &errs.ValidationError{Field: fmt.Sprintf("steps.%s", s.ID), Message: "inner suspend is forbidden"}
			}
		}
	}
	return nil
}

// validateCleanupBlock enforces the cleanup-block nesting restriction of
// §4.3: no suspend, iterator, or eval. Whether an eval script returns a
// dynamic workflow is only known at run time, so every eval step is
// rejected here.
func validateCleanupBlock(steps []StepDefinition, blockName string) error {
	for _, s := range steps {
		if s.Kind == StepSuspend || s.Kind == StepIterator || s.Kind == StepEval {
			return &errs.ValidationError{
				Field:   fmt.Sprintf("%s.%s", blockName, s.ID),
				Message: fmt.Sprintf("%s steps may not be suspend, iterator, or eval", blockName),
			}
		}
	}
	return nil
}
