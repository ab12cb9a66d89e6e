// Package store defines the persistent store port the coordinator depends
// on, plus the backends that satisfy it.
package store

import (
	"context"

	"github.com/tombee/conductorcore/internal/run"
)

// RunStore covers single-run reads and the two mutating operations the
// coordinator issues during a drive.
type RunStore interface {
	SaveRun(ctx context.Context, r *run.Run) error
	LoadRun(ctx context.Context, runID string) (*run.Run, error)
	UpdateRun(ctx context.Context, r *run.Run) error
	DeleteRun(ctx context.Context, runID string) error
}

// RunLister covers the listing operations used by status queries and
// restart hydration.
type RunLister interface {
	LoadAllRuns(ctx context.Context, workflowID string) ([]*run.Run, error)
	LoadActiveRuns(ctx context.Context) ([]*run.Run, error)
}

// SecretRegistrar records which input names of a workflow are secret, so
// the store knows which `inputs` fields to encrypt on write and decrypt
// on read.
type SecretRegistrar interface {
	SetWorkflowSecrets(ctx context.Context, workflowID string, names []string) error
}

// Backend composes the full persistent store port. A backend's init/close
// lifecycle brackets every other call.
type Backend interface {
	RunStore
	RunLister
	SecretRegistrar
	Init(ctx context.Context) error
	Close() error
}
