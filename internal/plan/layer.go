package plan

import (
	"fmt"

	"github.com/tombee/conductorcore/internal/errs"
)

// Layer is a maximal set of step ids with the same dependency depth, safe
// to execute in parallel. Steps are kept in source order within a layer
// for deterministic tie-breaking.
type Layer []string

// BuildLayers detects cycles and computes the layered plan from a
// validated description's steps. Levels are computed with an explicit
// worklist (not recursion) so deep graphs don't blow a call stack.
func BuildLayers(steps []StepDefinition) ([]Layer, error) {
	if err := detectCycle(steps); err != nil {
		return nil, err
	}

	order := make([]string, len(steps))
	after := make(map[string][]string, len(steps))
	for i, s := range steps {
		order[i] = s.ID
		after[s.ID] = s.After
	}

	level := make(map[string]int, len(steps))
	remaining := map[string]bool{}
	for _, id := range order {
		remaining[id] = true
	}

	// Iterative fixed-point: a step's level is resolvable once every
	// predecessor's level is known.
	for len(remaining) > 0 {
		progressed := false
		for _, id := range order {
			if !remaining[id] {
				continue
			}
			maxDep := -1
			ready := true
			for _, dep := range after[id] {
				lv, ok := level[dep]
				if !ok {
					ready = false
					break
				}
				if lv > maxDep {
					maxDep = lv
				}
			}
			if !ready {
				continue
			}
			level[id] = maxDep + 1
			delete(remaining, id)
			progressed = true
		}
		if !progressed {
			// Should be unreachable: detectCycle already rejected cycles.
			return nil, &errs.ValidationError{Field: "steps", Message: "unable to resolve layering (unexpected cycle)"}
		}
	}

	maxLevel := -1
	for _, lv := range level {
		if lv > maxLevel {
			maxLevel = lv
		}
	}
	layers := make([]Layer, maxLevel+1)
	for _, id := range order { // source order within each layer
		lv := level[id]
		layers[lv] = append(layers[lv], id)
	}
	return layers, nil
}

func detectCycle(steps []StepDefinition) error {
	adj := make(map[string][]string, len(steps))
	for _, s := range steps {
		adj[s.ID] = s.After
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var dfs func(id string) error
	dfs = func(id string) error {
		color[id] = gray
		for _, dep := range adj[id] {
			switch color[dep] {
			case gray:
				return &errs.ValidationError{Field: "steps", Message: fmt.Sprintf("cycle detected involving %q", dep)}
			case white:
				if err := dfs(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range steps {
		if color[s.ID] == white {
			if err := dfs(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
