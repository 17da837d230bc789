// Package workflow persists multi-step workflows in SQLite so long-running
// goals survive restarts. Scheduling is deliberately simple: the next step
// is the earliest-created step that is still pending or failed.
package workflow

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/FreezinGaits/kyrax-engine/pkg/command"
)

// Step statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Workflow states. The state is set by the caller's orchestration loop,
// never derived automatically from step statuses.
const (
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StatePaused    = "paused"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrStepNotFound     = errors.New("step not found")
)

// Workflow is the persistent top-level record.
type Workflow struct {
	ID        string    `json:"workflow_id"`
	Goal      string    `json:"goal"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one command of a workflow plus its execution bookkeeping.
// Attempts is a lifetime counter; retries do not reset it.
type Step struct {
	ID        string          `json:"step_id"`
	Position  int             `json:"position"`
	Command   command.Command `json:"command"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Result    map[string]any  `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the SQLite-backed persistence layer. A single coarse mutex
// serializes all mutations; cross-process sharing relies on SQLite's own
// isolation.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Open opens (or creates) the database file at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("workflow: open db: %w", err)
	}
	return NewStore(db)
}

// NewStore wraps an existing database handle and migrates the schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			goal        TEXT NOT NULL,
			state       TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			step_id      TEXT PRIMARY KEY,
			workflow_id  TEXT NOT NULL,
			position     INTEGER NOT NULL,
			command_json TEXT NOT NULL,
			status       TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT,
			result_json  TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			FOREIGN KEY(workflow_id) REFERENCES workflows(workflow_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_workflow ON steps(workflow_id, position)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("workflow: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// CreateWorkflow inserts the workflow and one pending step per command in
// a single transaction and returns the new workflow id.
func (s *Store) CreateWorkflow(goal string, commands []command.Command) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("workflow: begin: %w", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	now := s.timestamp()
	if _, err := tx.Exec(
		`INSERT INTO workflows (workflow_id, goal, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, goal, StateActive, now, now,
	); err != nil {
		return "", fmt.Errorf("workflow: insert workflow: %w", err)
	}

	for i, cmd := range commands {
		cmdJSON, err := json.Marshal(cmd)
		if err != nil {
			return "", fmt.Errorf("workflow: encode step %d: %w", i, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO steps (step_id, workflow_id, position, command_json, status, attempts, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			uuid.NewString(), id, i, string(cmdJSON), StatusPending, now, now,
		); err != nil {
			return "", fmt.Errorf("workflow: insert step %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("workflow: commit: %w", err)
	}
	return id, nil
}

// GetWorkflow returns the workflow record and its steps in position order.
func (s *Store) GetWorkflow(workflowID string) (Workflow, []Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, err := s.getWorkflow(workflowID)
	if err != nil {
		return Workflow{}, nil, err
	}
	steps, err := s.getSteps(workflowID)
	if err != nil {
		return Workflow{}, nil, err
	}
	return wf, steps, nil
}

func (s *Store) getWorkflow(workflowID string) (Workflow, error) {
	row := s.db.QueryRow(
		`SELECT workflow_id, goal, state, created_at, updated_at FROM workflows WHERE workflow_id = ?`,
		workflowID,
	)
	var wf Workflow
	var created, updated string
	if err := row.Scan(&wf.ID, &wf.Goal, &wf.State, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workflow{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return Workflow{}, fmt.Errorf("workflow: scan workflow: %w", err)
	}
	wf.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	wf.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return wf, nil
}

const stepColumns = `step_id, position, command_json, status, attempts, last_error, result_json, created_at, updated_at`

func scanStep(scanner interface{ Scan(...any) error }) (Step, error) {
	var st Step
	var cmdJSON, created, updated string
	var lastError, resultJSON sql.NullString
	if err := scanner.Scan(&st.ID, &st.Position, &cmdJSON, &st.Status, &st.Attempts,
		&lastError, &resultJSON, &created, &updated); err != nil {
		return Step{}, err
	}
	if err := json.Unmarshal([]byte(cmdJSON), &st.Command); err != nil {
		return Step{}, fmt.Errorf("workflow: decode step command: %w", err)
	}
	st.LastError = lastError.String
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &st.Result); err != nil {
			return Step{}, fmt.Errorf("workflow: decode step result: %w", err)
		}
	}
	st.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return st, nil
}

func (s *Store) getSteps(workflowID string) ([]Step, error) {
	rows, err := s.db.Query(
		`SELECT `+stepColumns+` FROM steps WHERE workflow_id = ? ORDER BY position ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("workflow: query steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// GetAllSteps returns every step of the workflow in position order.
func (s *Store) GetAllSteps(workflowID string) ([]Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSteps(workflowID)
}

// GetNextPendingStep returns the earliest step still pending or failed,
// or ErrStepNotFound when the workflow has nothing left to run.
func (s *Store) GetNextPendingStep(workflowID string) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT `+stepColumns+` FROM steps
		 WHERE workflow_id = ? AND status IN (?, ?)
		 ORDER BY position ASC LIMIT 1`,
		workflowID, StatusPending, StatusFailed,
	)
	st, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Step{}, ErrStepNotFound
		}
		return Step{}, err
	}
	return st, nil
}

func (s *Store) updateStep(workflowID, stepID, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("workflow: update step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("workflow: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s in workflow %s", ErrStepNotFound, stepID, workflowID)
	}
	return nil
}

// MarkStepInProgress transitions a step to in_progress.
func (s *Store) MarkStepInProgress(workflowID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStep(workflowID, stepID,
		`UPDATE steps SET status = ?, updated_at = ? WHERE step_id = ? AND workflow_id = ?`,
		StatusInProgress, s.timestamp(), stepID, workflowID)
}

// MarkStepCompleted stores the result, clears the last error and counts
// the attempt.
func (s *Store) MarkStepCompleted(workflowID, stepID string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resultJSON any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("workflow: encode result: %w", err)
		}
		resultJSON = string(data)
	}
	return s.updateStep(workflowID, stepID,
		`UPDATE steps SET status = ?, attempts = attempts + 1, last_error = NULL, result_json = ?, updated_at = ?
		 WHERE step_id = ? AND workflow_id = ?`,
		StatusCompleted, resultJSON, s.timestamp(), stepID, workflowID)
}

// MarkStepFailed records the error and counts the attempt.
func (s *Store) MarkStepFailed(workflowID, stepID, stepErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStep(workflowID, stepID,
		`UPDATE steps SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		 WHERE step_id = ? AND workflow_id = ?`,
		StatusFailed, stepErr, s.timestamp(), stepID, workflowID)
}

// RetryStep resets a failed step to pending. Attempts is left as is so the
// lifetime count survives retries.
func (s *Store) RetryStep(workflowID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStep(workflowID, stepID,
		`UPDATE steps SET status = ?, last_error = NULL, updated_at = ?
		 WHERE step_id = ? AND workflow_id = ? AND status = ?`,
		StatusPending, s.timestamp(), stepID, workflowID, StatusFailed)
}

// MarkWorkflowState sets the overall workflow state.
func (s *Store) MarkWorkflowState(workflowID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE workflows SET state = ?, updated_at = ? WHERE workflow_id = ?`,
		state, s.timestamp(), workflowID,
	)
	if err != nil {
		return fmt.Errorf("workflow: update state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("workflow: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return nil
}

// ListActiveWorkflows returns all workflows still in the active state.
func (s *Store) ListActiveWorkflows() ([]Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT workflow_id, goal, state, created_at, updated_at FROM workflows WHERE state = ? ORDER BY created_at ASC`,
		StateActive,
	)
	if err != nil {
		return nil, fmt.Errorf("workflow: query workflows: %w", err)
	}
	defer rows.Close()

	var out []Workflow
	for rows.Next() {
		var wf Workflow
		var created, updated string
		if err := rows.Scan(&wf.ID, &wf.Goal, &wf.State, &created, &updated); err != nil {
			return nil, fmt.Errorf("workflow: scan workflow: %w", err)
		}
		wf.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		wf.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, wf)
	}
	return out, rows.Err()
}

// Summary is the flattened observability view of one workflow.
type Summary struct {
	WorkflowID string        `json:"workflow_id"`
	Goal       string        `json:"goal"`
	State      string        `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
	Steps      []StepSummary `json:"steps"`
}

// StepSummary is one step's slice of the summary.
type StepSummary struct {
	StepID    string         `json:"step_id"`
	Position  int            `json:"position"`
	Intent    string         `json:"intent"`
	Domain    string         `json:"domain"`
	Status    string         `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// ExplainWorkflow returns the flattened view of a workflow and its steps.
func (s *Store) ExplainWorkflow(workflowID string) (Summary, error) {
	wf, steps, err := s.GetWorkflow(workflowID)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		WorkflowID: wf.ID,
		Goal:       wf.Goal,
		State:      wf.State,
		CreatedAt:  wf.CreatedAt,
		Steps:      make([]StepSummary, 0, len(steps)),
	}
	for _, st := range steps {
		summary.Steps = append(summary.Steps, StepSummary{
			StepID:    st.ID,
			Position:  st.Position,
			Intent:    st.Command.Intent,
			Domain:    st.Command.Domain,
			Status:    st.Status,
			Attempts:  st.Attempts,
			LastError: st.LastError,
			Result:    st.Result,
		})
	}
	return summary, nil
}
