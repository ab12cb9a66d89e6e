// Package memory provides an in-process Backend, the default store for
// tests and single-process deployments without durability requirements.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/run"
	"github.com/tombee/conductorcore/internal/store/secretfields"
	"github.com/tombee/conductorcore/internal/value"
)

// Store is a mutex-guarded map of runs, copy-on-read/write to prevent two
// callers aliasing the same run's mutable fields.
type Store struct {
	mu      sync.RWMutex
	runs    map[string]*run.Run
	secrets map[string][]string
	codec   *secretfields.Codec
}

// New builds an empty in-memory store. codec may be nil, in which case
// secret input fields are kept in plaintext (suitable for tests).
func New(codec *secretfields.Codec) *Store {
	return &Store{runs: map[string]*run.Run{}, secrets: map[string][]string{}, codec: codec}
}

func (s *Store) Init(ctx context.Context) error { return nil }
func (s *Store) Close() error                   { return nil }

func (s *Store) SetWorkflowSecrets(ctx context.Context, workflowID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[workflowID] = append([]string(nil), names...)
	return nil
}

func (s *Store) SaveRun(ctx context.Context, r *run.Run) error {
	return s.put(r)
}

func (s *Store) UpdateRun(ctx context.Context, r *run.Run) error {
	s.mu.RLock()
	_, ok := s.runs[r.RunID]
	s.mu.RUnlock()
	if !ok {
		return &errs.NotFoundError{Kind: "run", ID: r.RunID}
	}
	return s.put(r)
}

func (s *Store) put(r *run.Run) error {
	clone := deepCloneRun(r)
	if s.codec != nil {
		secrets := s.secretNames(clone.WorkflowID)
		sealed, err := s.codec.SealInputs(clone.Inputs, secrets)
		if err != nil {
			return &errs.PersistenceError{Op: "saveRun", Err: err}
		}
		clone.Inputs = sealed
	}
	s.mu.Lock()
	s.runs[clone.RunID] = clone
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (*run.Run, error) {
	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, &errs.NotFoundError{Kind: "run", ID: runID}
	}
	out := deepCloneRun(r)
	if s.codec != nil {
		opened, err := s.codec.OpenInputs(out.Inputs)
		if err != nil {
			return nil, &errs.PersistenceError{Op: "loadRun", Err: err}
		}
		out.Inputs = opened
	}
	return out, nil
}

func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return &errs.NotFoundError{Kind: "run", ID: runID}
	}
	delete(s.runs, runID)
	return nil
}

func (s *Store) LoadAllRuns(ctx context.Context, workflowID string) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*run.Run
	for _, r := range s.runs {
		if workflowID != "" && r.WorkflowID != workflowID {
			continue
		}
		out = append(out, deepCloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *Store) LoadActiveRuns(ctx context.Context) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*run.Run
	for _, r := range s.runs {
		if run.ActiveStatuses[r.Status] {
			out = append(out, deepCloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *Store) secretNames(workflowID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secrets[workflowID]
}

func deepCloneRun(r *run.Run) *run.Run {
	out := *r
	out.Inputs = value.DeepCopy(r.Inputs).(map[string]any)
	out.StepResults = make(map[string]run.StepResult, len(r.StepResults))
	for id, sr := range r.StepResults {
		cp := sr
		if sr.Output != nil {
			cp.Output = value.DeepCopy(sr.Output)
		}
		out.StepResults[id] = cp
	}
	if r.SuspendedData != nil {
		out.SuspendedData = value.DeepCopy(r.SuspendedData).(map[string]any)
	}
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	return &out
}
