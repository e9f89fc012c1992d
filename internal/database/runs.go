package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStore persists processing run audit records
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new run store
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, account_email, state, current_step,
	emails_found, emails_processed, emails_categorized, emails_skipped,
	emails_deleted, emails_archived,
	error_message, started_at, ended_at, timeline, created_at, updated_at`

// StartRun inserts a new run in state "started" and returns its id
func (s *RunStore) StartRun(accountEmail string) (string, error) {
	runID := uuid.NewString()
	now := time.Now().UTC()

	timeline, _ := json.Marshal([]StateTransition{{State: RunStateStarted, At: now}})

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO processing_runs (id, account_email, state, started_at, timeline)
		VALUES (?, ?, ?, ?, ?)`,
		runID, CanonicalEmail(accountEmail), RunStateStarted, now, string(timeline))
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit run insert: %w", err)
	}

	return runID, nil
}

// UpdateCounters merges additive counter deltas and the current step into a
// run. Deltas are applied with a single UPDATE so concurrent increments are
// never lost to read-modify-write races.
func (s *RunStore) UpdateCounters(runID string, step string, deltas RunCounters) error {
	result, err := s.db.Exec(`
		UPDATE processing_runs SET
			current_step = ?,
			emails_found = emails_found + ?,
			emails_processed = emails_processed + ?,
			emails_categorized = emails_categorized + ?,
			emails_skipped = emails_skipped + ?,
			emails_deleted = emails_deleted + ?,
			emails_archived = emails_archived + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?`,
		step,
		deltas.Found, deltas.Processed, deltas.Categorized,
		deltas.Skipped, deltas.Deleted, deltas.Archived,
		runID, RunStateStarted)
	if err != nil {
		return fmt.Errorf("failed to update run counters: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInvalidState
	}

	return nil
}

// RecordTransition appends a state to the run's timeline. The run state
// itself stays "started"; terminal states go through CompleteRun.
func (s *RunStore) RecordTransition(runID, state string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var timelineJSON string
	var runState string
	err = tx.QueryRow("SELECT state, timeline FROM processing_runs WHERE id = ?", runID).
		Scan(&runState, &timelineJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrInvalidState
		}
		return fmt.Errorf("failed to read run timeline: %w", err)
	}
	if runState != RunStateStarted {
		return ErrInvalidState
	}

	var timeline []StateTransition
	if err := json.Unmarshal([]byte(timelineJSON), &timeline); err != nil {
		timeline = nil
	}
	timeline = append(timeline, StateTransition{State: state, At: time.Now().UTC()})

	updated, err := json.Marshal(timeline)
	if err != nil {
		return fmt.Errorf("failed to marshal timeline: %w", err)
	}

	_, err = tx.Exec(
		"UPDATE processing_runs SET timeline = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		string(updated), runID)
	if err != nil {
		return fmt.Errorf("failed to update run timeline: %w", err)
	}

	return tx.Commit()
}

// CompleteRun closes a run exactly once, writing the final counters, the
// terminal state and the end time in one commit. Completing an unknown or
// already-terminal run returns ErrInvalidState.
func (s *RunStore) CompleteRun(runID string, final RunCounters, success bool, errorMsg string) error {
	state := RunStateCompleted
	if !success {
		state = RunStateError
	}
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentState, timelineJSON string
	err = tx.QueryRow("SELECT state, timeline FROM processing_runs WHERE id = ?", runID).
		Scan(&currentState, &timelineJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrInvalidState
		}
		return fmt.Errorf("failed to read run state: %w", err)
	}
	if currentState != RunStateStarted {
		return ErrInvalidState
	}

	var timeline []StateTransition
	if err := json.Unmarshal([]byte(timelineJSON), &timeline); err != nil {
		timeline = nil
	}
	timeline = append(timeline, StateTransition{State: state, At: now})
	updatedTimeline, err := json.Marshal(timeline)
	if err != nil {
		return fmt.Errorf("failed to marshal timeline: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE processing_runs SET
			state = ?,
			ended_at = ?,
			emails_found = ?,
			emails_processed = ?,
			emails_categorized = ?,
			emails_skipped = ?,
			emails_deleted = ?,
			emails_archived = ?,
			error_message = ?,
			timeline = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		state, now,
		final.Found, final.Processed, final.Categorized,
		final.Skipped, final.Deleted, final.Archived,
		nullableString(errorMsg), string(updatedTimeline),
		runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	return tx.Commit()
}

// GetRun retrieves a single run by id
func (s *RunStore) GetRun(runID string) (*ProcessingRun, error) {
	query := `SELECT ` + runColumns + ` FROM processing_runs WHERE id = ?`

	row := s.db.QueryRow(query, runID)
	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns returns runs matching the filter, newest first. The limit is
// clamped to 100.
func (s *RunStore) ListRuns(filter RunFilter) ([]ProcessingRun, error) {
	query := `SELECT ` + runColumns + ` FROM processing_runs WHERE 1=1`
	args := []interface{}{}

	if filter.AccountEmail != "" {
		query += " AND account_email = ?"
		args = append(args, CanonicalEmail(filter.AccountEmail))
	}
	if filter.Since != nil {
		query += " AND started_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []ProcessingRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

func scanRun(row rowScanner) (*ProcessingRun, error) {
	var run ProcessingRun
	var errorMsg sql.NullString
	var endedAt sql.NullTime
	var timelineJSON string

	err := row.Scan(
		&run.ID,
		&run.AccountEmail,
		&run.State,
		&run.CurrentStep,
		&run.Counters.Found,
		&run.Counters.Processed,
		&run.Counters.Categorized,
		&run.Counters.Skipped,
		&run.Counters.Deleted,
		&run.Counters.Archived,
		&errorMsg,
		&run.StartedAt,
		&endedAt,
		&timelineJSON,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.ErrorMessage = errorMsg.String
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	if timelineJSON != "" {
		if err := json.Unmarshal([]byte(timelineJSON), &run.Timeline); err != nil {
			run.Timeline = nil
		}
	}

	return &run, nil
}
