package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/homelistingai/followup/internal/models"
)

// Execution repository errors.
var (
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrDuplicateExecution = errors.New("an open execution already exists for this lead and sequence")
	ErrClaimLost          = errors.New("execution claim lost")
	ErrInvalidExecution   = errors.New("invalid execution")
)

const executionColumns = `id, lead_id, sequence_id, sequence_name, status, current_step_index,
	next_step_date, steps_json, property_id, agent_id, signature, claim_token, claimed_at,
	attempts, last_error, created_at, updated_at, completed_at, steps_done`

// ExecutionRepository handles execution persistence.
type ExecutionRepository struct {
	db      *DB
	history *HistoryRepository
}

// NewExecutionRepository creates a new ExecutionRepository.
func NewExecutionRepository(db *DB) *ExecutionRepository {
	return &ExecutionRepository{db: db, history: NewHistoryRepository(db)}
}

// ExecutionQuery defines filters for listing executions.
type ExecutionQuery struct {
	LeadID     string
	SequenceID string
	Status     *models.ExecutionStatus
	Limit      int
}

// Create inserts a new execution together with its enroll event.
// Returns ErrDuplicateExecution if the lead already has an open execution
// of the same sequence.
func (r *ExecutionRepository) Create(ctx context.Context, exec *models.Execution, enroll *models.HistoryEvent) error {
	if err := exec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExecution, err)
	}

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = exec.CreatedAt
	}

	stepsJSON, err := json.Marshal(exec.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO executions (
				id, lead_id, sequence_id, sequence_name, status, current_step_index, step_count,
				next_step_date, steps_json, property_id, agent_id, signature,
				attempts, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			exec.ID,
			exec.LeadID,
			exec.SequenceID,
			nullString(exec.SequenceName),
			string(exec.Status),
			exec.CurrentStepIndex,
			len(exec.Steps),
			formatTime(exec.NextStepDate),
			string(stepsJSON),
			nullString(exec.Context.PropertyID),
			nullString(exec.Context.AgentID),
			nullString(exec.Signature),
			exec.Attempts,
			formatTime(exec.CreatedAt),
			formatTime(exec.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateExecution
			}
			return fmt.Errorf("failed to insert execution: %w", err)
		}

		if enroll != nil {
			enroll.ExecutionID = exec.ID
			if err := r.history.CreateWithTx(ctx, tx, enroll); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get retrieves an execution by ID.
func (r *ExecutionRepository) Get(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return r.scanExecution(row)
}

// FindOpen returns the active or paused execution for a lead and sequence.
func (r *ExecutionRepository) FindOpen(ctx context.Context, leadID, sequenceID string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE lead_id = ? AND sequence_id = ? AND status IN ('active', 'paused')
	`, leadID, sequenceID)
	return r.scanExecution(row)
}

// ListByLead returns every execution of a lead, newest first.
func (r *ExecutionRepository) ListByLead(ctx context.Context, leadID string) ([]*models.Execution, error) {
	return r.List(ctx, ExecutionQuery{LeadID: leadID})
}

// List returns executions matching q, newest first.
func (r *ExecutionRepository) List(ctx context.Context, q ExecutionQuery) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	args := []any{}

	if q.LeadID != "" {
		query += ` AND lead_id = ?`
		args = append(args, q.LeadID)
	}
	if q.SequenceID != "" {
		query += ` AND sequence_id = ?`
		args = append(args, q.SequenceID)
	}
	if q.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*q.Status))
	}
	query += ` ORDER BY created_at DESC, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

// ListDue returns active executions whose next step is due at now and that
// are unclaimed, or whose claim was taken before staleBefore.
func (r *ExecutionRepository) ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE status = 'active'
		  AND next_step_date <= ?
		  AND (claim_token IS NULL OR claimed_at < ?)
		ORDER BY next_step_date, id
		LIMIT ?
	`, formatTime(now), formatTime(staleBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due executions: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

// Claim marks the execution as being dispatched by token. It succeeds only
// if the execution is still active, due, on stepIndex and not held by a live
// claim. A caller holding a copy read before another worker advanced the
// execution therefore fails to claim it.
func (r *ExecutionRepository) Claim(ctx context.Context, id, token string, stepIndex int, now, staleBefore time.Time) (bool, error) {
	if token == "" {
		return false, fmt.Errorf("claim token is required")
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE executions
		SET claim_token = ?, claimed_at = ?
		WHERE id = ?
		  AND status = 'active'
		  AND current_step_index = ?
		  AND next_step_date <= ?
		  AND (claim_token IS NULL OR claimed_at < ?)
	`, token, formatTime(now), id, stepIndex, formatTime(now), formatTime(staleBefore))
	if err != nil {
		return false, fmt.Errorf("failed to claim execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim execution: %w", err)
	}
	return affected == 1, nil
}

// Release drops the claim if it is still held by token.
func (r *ExecutionRepository) Release(ctx context.Context, id, token string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE executions SET claim_token = NULL, claimed_at = NULL
		WHERE id = ? AND claim_token = ?
	`, id, token)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// OutcomeFunc mutates a freshly read execution and returns the history
// events to record with it.
type OutcomeFunc func(exec *models.Execution) ([]*models.HistoryEvent, error)

// ApplyOutcome re-reads the execution under its claim, applies fn, writes the
// result, clears the claim and records the returned events, all in one
// transaction. Returns ErrClaimLost if token no longer holds the claim.
func (r *ExecutionRepository) ApplyOutcome(ctx context.Context, id, token string, fn OutcomeFunc) (*models.Execution, error) {
	var updated *models.Execution
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ? AND claim_token = ?`, id, token)
		exec, err := r.scanExecution(row)
		if errors.Is(err, ErrExecutionNotFound) {
			return ErrClaimLost
		}
		if err != nil {
			return err
		}

		events, err := fn(exec)
		if err != nil {
			return err
		}
		if err := exec.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidExecution, err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = ?, current_step_index = ?, next_step_date = ?, attempts = ?,
			    last_error = ?, updated_at = ?, completed_at = ?, steps_done = ?,
			    claim_token = NULL, claimed_at = NULL
			WHERE id = ? AND claim_token = ?
		`,
			string(exec.Status),
			exec.CurrentStepIndex,
			formatTime(exec.NextStepDate),
			exec.Attempts,
			nullString(exec.LastError),
			formatTime(exec.UpdatedAt),
			formatNullTime(exec.CompletedAt),
			exec.StepsDone,
			id,
			token,
		)
		if err != nil {
			return fmt.Errorf("failed to update execution: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected != 1 {
			return ErrClaimLost
		}

		for _, event := range events {
			event.ExecutionID = exec.ID
			if err := r.history.CreateWithTx(ctx, tx, event); err != nil {
				return err
			}
		}

		exec.ClaimToken = ""
		exec.ClaimedAt = nil
		updated = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Transition moves the execution to status `to` if its current status is one
// of from, recording event in the same transaction. Reactivating an
// execution whose steps are all dispatched completes it instead. Returns
// ErrExecutionNotFound or a *models.TransitionError.
func (r *ExecutionRepository) Transition(ctx context.Context, id string, from []models.ExecutionStatus, to models.ExecutionStatus, now time.Time, event *models.HistoryEvent) (*models.Execution, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("at least one source status is required")
	}

	placeholders := make([]string, len(from))
	args := []any{string(to), formatTime(now), id}
	for i, status := range from {
		placeholders[i] = "?"
		args = append(args, string(status))
	}

	var updated *models.Execution
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE executions SET status = ?, updated_at = ?
			WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)
		`, args...)
		if err != nil {
			return fmt.Errorf("failed to update execution status: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update execution status: %w", err)
		}

		exec, err := r.scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if affected == 0 {
			return &models.TransitionError{ExecutionID: id, From: exec.Status, To: to}
		}

		if event != nil {
			event.ExecutionID = id
			if event.Timestamp.IsZero() {
				event.Timestamp = now
			}
			if err := r.history.CreateWithTx(ctx, tx, event); err != nil {
				return err
			}
		}
		if to == models.ExecutionStatusActive && exec.StepsDone {
			if err := r.completeWithTx(ctx, tx, exec, now); err != nil {
				return err
			}
		}
		updated = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *ExecutionRepository) completeWithTx(ctx context.Context, tx *sql.Tx, exec *models.Execution, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE executions SET status = 'completed', completed_at = ?, updated_at = ?, steps_done = 0
		WHERE id = ?
	`, formatTime(now), formatTime(now), exec.ID)
	if err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	exec.Status = models.ExecutionStatusCompleted
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	exec.StepsDone = false
	return r.history.CreateWithTx(ctx, tx, &models.HistoryEvent{
		ExecutionID: exec.ID,
		Type:        models.HistoryComplete,
		Description: fmt.Sprintf("Sequence %q completed", exec.SequenceName),
		Timestamp:   now,
	})
}

func (r *ExecutionRepository) collect(rows *sql.Rows) ([]*models.Execution, error) {
	var executions []*models.Execution
	for rows.Next() {
		exec, err := r.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return executions, nil
}

func (r *ExecutionRepository) scanExecution(row rowScanner) (*models.Execution, error) {
	var exec models.Execution
	var status, nextStepDate, stepsJSON, createdAt, updatedAt string
	var sequenceName, propertyID, agentID, signature, claimToken, claimedAt, lastError, completedAt sql.NullString

	err := row.Scan(
		&exec.ID,
		&exec.LeadID,
		&exec.SequenceID,
		&sequenceName,
		&status,
		&exec.CurrentStepIndex,
		&nextStepDate,
		&stepsJSON,
		&propertyID,
		&agentID,
		&signature,
		&claimToken,
		&claimedAt,
		&exec.Attempts,
		&lastError,
		&createdAt,
		&updatedAt,
		&completedAt,
		&exec.StepsDone,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	exec.Status = models.ExecutionStatus(status)
	exec.SequenceName = sequenceName.String
	exec.Signature = signature.String
	exec.ClaimToken = claimToken.String
	exec.ClaimedAt = parseNullTime(claimedAt)
	exec.LastError = lastError.String
	exec.CompletedAt = parseNullTime(completedAt)
	exec.Context = models.ContextRefs{
		LeadID:     exec.LeadID,
		PropertyID: propertyID.String,
		AgentID:    agentID.String,
	}

	if exec.NextStepDate, err = parseTime(nextStepDate); err != nil {
		return nil, fmt.Errorf("execution %s: invalid next_step_date: %w", exec.ID, err)
	}
	if t, err := parseTime(createdAt); err == nil {
		exec.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		exec.UpdatedAt = t
	}
	if err := json.Unmarshal([]byte(stepsJSON), &exec.Steps); err != nil {
		return nil, fmt.Errorf("execution %s: invalid steps snapshot: %w", exec.ID, err)
	}

	return &exec, nil
}
