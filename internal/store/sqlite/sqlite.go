// Package sqlite is the durable Backend, a single-file pure-Go SQLite
// store (modernc.org/sqlite, no cgo) for process-restart survival.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/conductorcore/internal/backoff"
	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/run"
	"github.com/tombee/conductorcore/internal/store/secretfields"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	workflow_id     TEXT NOT NULL,
	status          TEXT NOT NULL,
	inputs          TEXT NOT NULL,
	step_results    TEXT NOT NULL,
	current_step_id TEXT,
	suspended_data  TEXT,
	started_at      TEXT NOT NULL,
	completed_at    TEXT,
	error           TEXT,
	tags            TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_workflow_id ON runs(workflow_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS workflow_secrets (
	workflow_id TEXT PRIMARY KEY,
	names       TEXT NOT NULL
);
`

// Store is a modernc.org/sqlite-backed Backend. One open connection only
// (SetMaxOpenConns(1)): SQLite serializes writers anyway, and a single
// connection keeps the busy_timeout pragma meaningful across goroutines.
type Store struct {
	db    *sql.DB
	codec *secretfields.Codec

	maxAttempts int
	baseDelay   time.Duration
}

// New opens (creating if absent) the SQLite file at path. codec may be
// nil for plaintext input persistence.
func New(path string, codec *secretfields.Codec) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &errs.PersistenceError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, codec: codec, maxAttempts: 5, baseDelay: 10 * time.Millisecond}, nil
}

func (s *Store) Init(ctx context.Context) error {
	if err := s.configurePragmas(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return &errs.PersistenceError{Op: "migrate", Err: err}
	}
	return nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return &errs.PersistenceError{Op: "pragma", Err: err}
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// withRetry retries op on a SQLITE_BUSY-shaped error with bounded
// exponential backoff and jitter, up to s.maxAttempts.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return &errs.PersistenceError{Op: op, Err: err}
		}
		if err := backoff.Wait(ctx, attempt, s.baseDelay); err != nil {
			return &errs.PersistenceError{Op: op, Err: err}
		}
	}
	return &errs.PersistenceError{Op: op, Err: lastErr}
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "busy")
}

func (s *Store) SetWorkflowSecrets(ctx context.Context, workflowID string, names []string) error {
	encoded, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, "setWorkflowSecrets", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO workflow_secrets(workflow_id, names) VALUES(?, ?)
			 ON CONFLICT(workflow_id) DO UPDATE SET names=excluded.names`,
			workflowID, string(encoded))
		return err
	})
}

func (s *Store) secretNames(ctx context.Context, workflowID string) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT names FROM workflow_secrets WHERE workflow_id = ?`, workflowID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (s *Store) SaveRun(ctx context.Context, r *run.Run) error {
	return s.upsert(ctx, "saveRun", r)
}

func (s *Store) UpdateRun(ctx context.Context, r *run.Run) error {
	return s.upsert(ctx, "updateRun", r)
}

func (s *Store) upsert(ctx context.Context, op string, r *run.Run) error {
	inputs := r.Inputs
	if s.codec != nil {
		names, err := s.secretNames(ctx, r.WorkflowID)
		if err != nil {
			return &errs.PersistenceError{Op: op, Err: err}
		}
		sealed, err := s.codec.SealInputs(inputs, names)
		if err != nil {
			return &errs.PersistenceError{Op: op, Err: err}
		}
		inputs = sealed
	}

	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return err
	}
	stepsJSON, err := json.Marshal(r.StepResults)
	if err != nil {
		return err
	}
	var suspendedJSON sql.NullString
	if r.SuspendedData != nil {
		b, err := json.Marshal(r.SuspendedData)
		if err != nil {
			return err
		}
		suspendedJSON = sql.NullString{String: string(b), Valid: true}
	}
	tagsJSON, err := json.Marshal(r.Tags)
	if err != nil {
		return err
	}

	var completedAt, currentStepID, runErr sql.NullString
	if !r.CompletedAt.IsZero() {
		completedAt = sql.NullString{String: r.CompletedAt.Format(time.RFC3339Nano), Valid: true}
	}
	if r.CurrentStepID != "" {
		currentStepID = sql.NullString{String: r.CurrentStepID, Valid: true}
	}
	if r.Error != "" {
		runErr = sql.NullString{String: r.Error, Valid: true}
	}

	return s.withRetry(ctx, op, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs(run_id, workflow_id, status, inputs, step_results, current_step_id,
				suspended_data, started_at, completed_at, error, tags)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				status=excluded.status, inputs=excluded.inputs, step_results=excluded.step_results,
				current_step_id=excluded.current_step_id, suspended_data=excluded.suspended_data,
				completed_at=excluded.completed_at, error=excluded.error, tags=excluded.tags`,
			r.RunID, r.WorkflowID, string(r.Status), string(inputsJSON), string(stepsJSON),
			currentStepID, suspendedJSON, r.StartedAt.Format(time.RFC3339Nano), completedAt, runErr, string(tagsJSON))
		return err
	})
}

func (s *Store) LoadRun(ctx context.Context, runID string) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_id, status, inputs, step_results, current_step_id,
			suspended_data, started_at, completed_at, error, tags
		FROM runs WHERE run_id = ?`, runID)
	r, err := s.scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errs.NotFoundError{Kind: "run", ID: runID}
	}
	if err != nil {
		return nil, &errs.PersistenceError{Op: "loadRun", Err: err}
	}
	if s.codec != nil {
		opened, err := s.codec.OpenInputs(r.Inputs)
		if err != nil {
			return nil, &errs.PersistenceError{Op: "loadRun", Err: err}
		}
		r.Inputs = opened
	}
	return r, nil
}

func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return &errs.PersistenceError{Op: "deleteRun", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errs.NotFoundError{Kind: "run", ID: runID}
	}
	return nil
}

func (s *Store) LoadAllRuns(ctx context.Context, workflowID string) ([]*run.Run, error) {
	query := `SELECT run_id, workflow_id, status, inputs, step_results, current_step_id,
		suspended_data, started_at, completed_at, error, tags FROM runs`
	args := []any{}
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY started_at ASC`
	return s.queryRuns(ctx, query, args...)
}

func (s *Store) LoadActiveRuns(ctx context.Context) ([]*run.Run, error) {
	query := `SELECT run_id, workflow_id, status, inputs, step_results, current_step_id,
		suspended_data, started_at, completed_at, error, tags FROM runs
		WHERE status IN ('pending', 'running', 'suspended') ORDER BY started_at ASC`
	return s.queryRuns(ctx, query)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*run.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errs.PersistenceError{Op: "loadAllRuns", Err: err}
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		r, err := s.scanRun(rows)
		if err != nil {
			return nil, &errs.PersistenceError{Op: "loadAllRuns", Err: err}
		}
		if s.codec != nil {
			opened, err := s.codec.OpenInputs(r.Inputs)
			if err != nil {
				return nil, &errs.PersistenceError{Op: "loadAllRuns", Err: err}
			}
			r.Inputs = opened
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRun(row rowScanner) (*run.Run, error) {
	var (
		r                                   run.Run
		status, inputsJSON, stepsJSON, tags string
		currentStepID, suspendedJSON        sql.NullString
		startedAt                           string
		completedAt, runErr                 sql.NullString
	)
	if err := row.Scan(&r.RunID, &r.WorkflowID, &status, &inputsJSON, &stepsJSON, &currentStepID,
		&suspendedJSON, &startedAt, &completedAt, &runErr, &tags); err != nil {
		return nil, err
	}
	r.Status = run.Status(status)
	r.CurrentStepID = currentStepID.String
	r.Error = runErr.String

	if err := json.Unmarshal([]byte(inputsJSON), &r.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &r.StepResults); err != nil {
		return nil, fmt.Errorf("decode stepResults: %w", err)
	}
	if suspendedJSON.Valid {
		if err := json.Unmarshal([]byte(suspendedJSON.String), &r.SuspendedData); err != nil {
			return nil, fmt.Errorf("decode suspendedData: %w", err)
		}
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}

	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("decode startedAt: %w", err)
	}
	r.StartedAt = t
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("decode completedAt: %w", err)
		}
		r.CompletedAt = t
	}
	return &r, nil
}
