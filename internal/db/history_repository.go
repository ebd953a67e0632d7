package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/homelistingai/followup/internal/models"
)

// History repository errors.
var (
	ErrHistoryEventNotFound = errors.New("history event not found")
	ErrInvalidHistoryEvent  = errors.New("invalid history event")
)

// HistoryRepository persists the append-only execution audit trail.
// Events are never updated or deleted.
type HistoryRepository struct {
	db *DB
}

type historyExecer interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// HistoryQuery defines filters for querying history.
type HistoryQuery struct {
	ExecutionID *string                  // Filter by execution
	Type        *models.HistoryEventType // Filter by event type
	Since       *time.Time               // Events at or after this time (inclusive)
	Until       *time.Time               // Events before this time (exclusive)
	Cursor      string                   // Pagination cursor (event ID)
	Limit       int                      // Max results to return
}

// HistoryPage represents a page of query results.
type HistoryPage struct {
	Events     []*models.HistoryEvent
	NextCursor string
}

// Append adds a new event to the history.
// Returns ErrInvalidHistoryEvent if required fields are missing.
func (r *HistoryRepository) Append(ctx context.Context, event *models.HistoryEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHistoryEvent, err)
	}
	return r.createWithExecutor(ctx, r.db, event)
}

// CreateWithTx appends a new event using an existing transaction.
func (r *HistoryRepository) CreateWithTx(ctx context.Context, tx *sql.Tx, event *models.HistoryEvent) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHistoryEvent, err)
	}
	return r.createWithExecutor(ctx, tx, event)
}

// createWithExecutor inserts the event. The stored timestamp is clamped to
// the latest timestamp already recorded for the execution so history stays
// monotonic even if the wall clock steps backwards.
func (r *HistoryRepository) createWithExecutor(ctx context.Context, execer historyExecer, event *models.HistoryEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var metadataJSON *string
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		s := string(data)
		metadataJSON = &s
	}

	var stepIndex *int64
	if event.StepIndex != nil {
		v := int64(*event.StepIndex)
		stepIndex = &v
	}

	var stored string
	err := execer.QueryRowContext(ctx, `
		INSERT INTO execution_history (
			id, execution_id, type, description, step_index, step_id, delivery_ref, timestamp, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?,
			MAX(?, COALESCE((SELECT MAX(timestamp) FROM execution_history WHERE execution_id = ?), '')),
			?)
		RETURNING timestamp
	`,
		event.ID,
		event.ExecutionID,
		string(event.Type),
		event.Description,
		stepIndex,
		nullString(event.StepID),
		nullString(event.DeliveryRef),
		formatTime(event.Timestamp),
		event.ExecutionID,
		metadataJSON,
	).Scan(&stored)
	if err != nil {
		return fmt.Errorf("failed to insert history event: %w", err)
	}

	if t, err := parseTime(stored); err == nil {
		event.Timestamp = t
	}
	return nil
}

// Get retrieves a history event by ID.
func (r *HistoryRepository) Get(ctx context.Context, id string) (*models.HistoryEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, execution_id, type, description, step_index, step_id, delivery_ref, timestamp, metadata_json
		FROM execution_history WHERE id = ?
	`, id)

	event, err := r.scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHistoryEventNotFound
	}
	return event, err
}

// ListByExecution returns every event of an execution, oldest first.
func (r *HistoryRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.HistoryEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, execution_id, type, description, step_index, step_id, delivery_ref, timestamp, metadata_json
		FROM execution_history
		WHERE execution_id = ?
		ORDER BY timestamp, seq
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

// Query retrieves history matching the given filters with cursor-based pagination.
func (r *HistoryRepository) Query(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, execution_id, type, description, step_index, step_id, delivery_ref, timestamp, metadata_json FROM execution_history WHERE 1=1`
	args := []any{}

	if q.ExecutionID != nil {
		query += ` AND execution_id = ?`
		args = append(args, *q.ExecutionID)
	}
	if q.Type != nil {
		query += ` AND type = ?`
		args = append(args, string(*q.Type))
	}
	if q.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(*q.Since))
	}
	if q.Until != nil {
		query += ` AND timestamp < ?`
		args = append(args, formatTime(*q.Until))
	}
	if q.Cursor != "" {
		query += ` AND (timestamp, seq) > (SELECT timestamp, seq FROM execution_history WHERE id = ?)`
		args = append(args, q.Cursor)
	}

	query += ` ORDER BY timestamp, seq LIMIT ?`
	args = append(args, limit+1) // one extra to detect a next page

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	events, err := r.collect(rows)
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = events[limit-1].ID
	} else {
		page.Events = events
	}
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *HistoryRepository) collect(rows *sql.Rows) ([]*models.HistoryEvent, error) {
	var events []*models.HistoryEvent
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return events, nil
}

func (r *HistoryRepository) scanEvent(row rowScanner) (*models.HistoryEvent, error) {
	var event models.HistoryEvent
	var eventType, timestamp string
	var description, stepID, deliveryRef, metadataJSON sql.NullString
	var stepIndex sql.NullInt64

	err := row.Scan(
		&event.ID,
		&event.ExecutionID,
		&eventType,
		&description,
		&stepIndex,
		&stepID,
		&deliveryRef,
		&timestamp,
		&metadataJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan history event: %w", err)
	}

	event.Type = models.HistoryEventType(eventType)
	event.Description = description.String
	event.StepID = stepID.String
	event.DeliveryRef = deliveryRef.String
	if stepIndex.Valid {
		idx := int(stepIndex.Int64)
		event.StepIndex = &idx
	}
	if t, err := parseTime(timestamp); err == nil {
		event.Timestamp = t
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &event.Metadata); err != nil {
			r.db.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to parse history metadata")
		}
	}

	return &event, nil
}
