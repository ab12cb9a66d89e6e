package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductorcore/internal/errs"
	"github.com/tombee/conductorcore/internal/run"
	"github.com/tombee/conductorcore/internal/store/crypto"
	"github.com/tombee/conductorcore/internal/store/secretfields"
)

func newTestCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	c, err := crypto.New([]byte("0123456789abcdef"))
	require.NoError(t, err)
	return c
}

func newTestCodec(t *testing.T, c *crypto.Cipher) *secretfields.Codec {
	t.Helper()
	return secretfields.New(c)
}

func newRun(id, workflowID string, status run.Status) *run.Run {
	return &run.Run{
		RunID:       id,
		WorkflowID:  workflowID,
		Status:      status,
		Inputs:      map[string]any{"name": "alice"},
		StepResults: map[string]run.StepResult{},
		StartedAt:   time.Now().UTC(),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(nil)
	r := newRun("run-1", "wf", run.StatusRunning)
	require.NoError(t, s.SaveRun(context.Background(), r))

	loaded, err := s.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Inputs["name"])
	assert.Equal(t, run.StatusRunning, loaded.Status)
}

func TestSaveLoadRoundTripPreservesTags(t *testing.T) {
	s := New(nil)
	r := newRun("run-1", "wf", run.StatusRunning)
	r.Tags = map[string]string{"team": "platform", "tier": "default"}
	require.NoError(t, s.SaveRun(context.Background(), r))

	loaded, err := s.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"team": "platform", "tier": "default"}, loaded.Tags)
}

func TestLoadRunReturnsIndependentTagsCopy(t *testing.T) {
	s := New(nil)
	r := newRun("run-1", "wf", run.StatusRunning)
	r.Tags = map[string]string{"team": "platform"}
	require.NoError(t, s.SaveRun(context.Background(), r))

	loaded, err := s.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	loaded.Tags["team"] = "mutated"

	reloaded, err := s.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "platform", reloaded.Tags["team"])
}

func TestLoadRunNotFound(t *testing.T) {
	s := New(nil)
	_, err := s.LoadRun(context.Background(), "missing")
	var nf *errs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestUpdateRunRequiresExistingRun(t *testing.T) {
	s := New(nil)
	r := newRun("run-1", "wf", run.StatusRunning)
	err := s.UpdateRun(context.Background(), r)
	var nf *errs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestLoadRunReturnsIndependentCopy(t *testing.T) {
	s := New(nil)
	r := newRun("run-1", "wf", run.StatusRunning)
	require.NoError(t, s.SaveRun(context.Background(), r))

	loaded, err := s.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	loaded.Inputs["name"] = "mutated"

	reloaded, err := s.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", reloaded.Inputs["name"])
}

func TestDeleteRun(t *testing.T) {
	s := New(nil)
	r := newRun("run-1", "wf", run.StatusCompleted)
	require.NoError(t, s.SaveRun(context.Background(), r))
	require.NoError(t, s.DeleteRun(context.Background(), "run-1"))

	_, err := s.LoadRun(context.Background(), "run-1")
	assert.Error(t, err)

	err = s.DeleteRun(context.Background(), "run-1")
	assert.Error(t, err)
}

func TestLoadActiveRunsFiltersByStatus(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.SaveRun(context.Background(), newRun("r1", "wf", run.StatusRunning)))
	require.NoError(t, s.SaveRun(context.Background(), newRun("r2", "wf", run.StatusCompleted)))
	require.NoError(t, s.SaveRun(context.Background(), newRun("r3", "wf", run.StatusSuspended)))

	active, err := s.LoadActiveRuns(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestLoadAllRunsFiltersByWorkflow(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.SaveRun(context.Background(), newRun("r1", "wf-a", run.StatusRunning)))
	require.NoError(t, s.SaveRun(context.Background(), newRun("r2", "wf-b", run.StatusRunning)))

	all, err := s.LoadAllRuns(context.Background(), "wf-a")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "r1", all[0].RunID)
}

func TestSealedSecretFieldsAreNotStoredInPlaintext(t *testing.T) {
	cipher := newTestCipher(t)
	codec := newTestCodec(t, cipher)
	s := New(codec)

	require.NoError(t, s.SetWorkflowSecrets(context.Background(), "wf", []string{"apiKey"}))
	r := newRun("run-1", "wf", run.StatusRunning)
	r.Inputs["apiKey"] = "sk-topsecret"
	require.NoError(t, s.SaveRun(context.Background(), r))

	s.mu.RLock()
	stored := s.runs["run-1"]
	s.mu.RUnlock()
	assert.NotEqual(t, "sk-topsecret", stored.Inputs["apiKey"])

	loaded, err := s.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-topsecret", loaded.Inputs["apiKey"])
}
