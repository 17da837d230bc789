package workflow

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreezinGaits/kyrax-engine/pkg/command"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	s, err := NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func planCommands() []command.Command {
	return []command.Command{
		{
			Intent:     "search_web",
			Domain:     "web",
			Entities:   command.Entities{"query": command.String("flights to goa")},
			Confidence: 0.9,
			Source:     "planner",
		},
		{
			Intent:     "take_note",
			Domain:     "file",
			Entities:   command.Entities{"text": command.String("{{ last.message }}")},
			Confidence: 0.9,
			Source:     "planner",
		},
	}
}

func TestCreateAndGetWorkflow(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateWorkflow("plan goa trip", planCommands())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	wf, steps, err := s.GetWorkflow(id)
	require.NoError(t, err)
	assert.Equal(t, "plan goa trip", wf.Goal)
	assert.Equal(t, StateActive, wf.State)
	require.Len(t, steps, 2)
	assert.Equal(t, 0, steps[0].Position)
	assert.Equal(t, "search_web", steps[0].Command.Intent)
	assert.Equal(t, "flights to goa", steps[0].Command.Get("query").Text())
	assert.Equal(t, StatusPending, steps[1].Status)
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.GetWorkflow("nope")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestStepLifecycle(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateWorkflow("goal", planCommands())
	require.NoError(t, err)

	first, err := s.GetNextPendingStep(id)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Position)

	require.NoError(t, s.MarkStepInProgress(id, first.ID))
	require.NoError(t, s.MarkStepCompleted(id, first.ID, map[string]any{"message": "found 3 flights"}))

	second, err := s.GetNextPendingStep(id)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Position, "completed steps are not rescheduled")

	require.NoError(t, s.MarkStepFailed(id, second.ID, "disk full"))

	// Failed steps stay schedulable.
	again, err := s.GetNextPendingStep(id)
	require.NoError(t, err)
	assert.Equal(t, second.ID, again.ID)
	assert.Equal(t, StatusFailed, again.Status)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "disk full", again.LastError)

	steps, err := s.GetAllSteps(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, steps[0].Status)
	assert.Equal(t, map[string]any{"message": "found 3 flights"}, steps[0].Result)
	assert.Empty(t, steps[0].LastError)
}

func TestRetryStepKeepsAttempts(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateWorkflow("goal", planCommands())
	require.NoError(t, err)

	step, err := s.GetNextPendingStep(id)
	require.NoError(t, err)
	require.NoError(t, s.MarkStepFailed(id, step.ID, "transient"))
	require.NoError(t, s.RetryStep(id, step.ID))

	step, err = s.GetNextPendingStep(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, step.Status)
	assert.Empty(t, step.LastError)
	assert.Equal(t, 1, step.Attempts, "attempts is a lifetime counter")

	// Retrying a non-failed step is a no-op error.
	assert.ErrorIs(t, s.RetryStep(id, step.ID), ErrStepNotFound)
}

func TestNoPendingStepsLeft(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateWorkflow("goal", planCommands()[:1])
	require.NoError(t, err)

	step, err := s.GetNextPendingStep(id)
	require.NoError(t, err)
	require.NoError(t, s.MarkStepCompleted(id, step.ID, nil))

	_, err = s.GetNextPendingStep(id)
	assert.ErrorIs(t, err, ErrStepNotFound)
}

func TestMarkWorkflowStateAndList(t *testing.T) {
	s := openTestStore(t)
	first, err := s.CreateWorkflow("one", planCommands()[:1])
	require.NoError(t, err)
	second, err := s.CreateWorkflow("two", planCommands()[:1])
	require.NoError(t, err)

	active, err := s.ListActiveWorkflows()
	require.NoError(t, err)
	assert.Len(t, active, 2)

	require.NoError(t, s.MarkWorkflowState(first, StateCompleted))
	active, err = s.ListActiveWorkflows()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second, active[0].ID)

	assert.ErrorIs(t, s.MarkWorkflowState("nope", StateFailed), ErrWorkflowNotFound)
}

func TestExplainWorkflow(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateWorkflow("plan goa trip", planCommands())
	require.NoError(t, err)

	step, err := s.GetNextPendingStep(id)
	require.NoError(t, err)
	require.NoError(t, s.MarkStepFailed(id, step.ID, "network down"))

	summary, err := s.ExplainWorkflow(id)
	require.NoError(t, err)
	assert.Equal(t, "plan goa trip", summary.Goal)
	assert.Equal(t, StateActive, summary.State)
	require.Len(t, summary.Steps, 2)
	assert.Equal(t, "search_web", summary.Steps[0].Intent)
	assert.Equal(t, StatusFailed, summary.Steps[0].Status)
	assert.Equal(t, "network down", summary.Steps[0].LastError)
	assert.Equal(t, StatusPending, summary.Steps[1].Status)
}
