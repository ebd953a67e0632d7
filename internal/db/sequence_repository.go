package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/homelistingai/followup/internal/models"
)

// Sequence repository errors.
var (
	ErrSequenceNotFound = errors.New("sequence not found")
	ErrInvalidSequence  = errors.New("invalid sequence")
)

const sequenceColumns = `id, name, description, trigger_type, custom_key, is_active, signature,
	steps_json, tags_json, source, created_at, updated_at`

// SequenceRepository stores the sequence catalog.
type SequenceRepository struct {
	db *DB
}

// NewSequenceRepository creates a new SequenceRepository.
func NewSequenceRepository(db *DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// SequenceQuery defines filters for listing sequences.
type SequenceQuery struct {
	TriggerType *models.TriggerType
	ActiveOnly  bool
}

// Upsert inserts or replaces a sequence definition. Running executions keep
// the steps snapshot they were enrolled with.
func (r *SequenceRepository) Upsert(ctx context.Context, seq *models.Sequence) error {
	if err := seq.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSequence, err)
	}

	now := time.Now().UTC()
	if seq.CreatedAt.IsZero() {
		seq.CreatedAt = now
	}
	seq.UpdatedAt = now

	stepsJSON, err := json.Marshal(seq.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	var tagsJSON *string
	if len(seq.Tags) > 0 {
		data, err := json.Marshal(seq.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
		s := string(data)
		tagsJSON = &s
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sequences (`+sequenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			trigger_type = excluded.trigger_type,
			custom_key = excluded.custom_key,
			is_active = excluded.is_active,
			signature = excluded.signature,
			steps_json = excluded.steps_json,
			tags_json = excluded.tags_json,
			source = excluded.source,
			updated_at = excluded.updated_at
	`,
		seq.ID,
		seq.Name,
		nullString(seq.Description),
		string(seq.TriggerType),
		nullString(seq.CustomKey),
		seq.IsActive,
		nullString(seq.Signature),
		string(stepsJSON),
		tagsJSON,
		nullString(seq.Source),
		formatTime(seq.CreatedAt),
		formatTime(seq.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sequence: %w", err)
	}
	return nil
}

// Get retrieves a sequence by ID.
func (r *SequenceRepository) Get(ctx context.Context, id string) (*models.Sequence, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sequenceColumns+` FROM sequences WHERE id = ?`, id)
	return r.scanSequence(row)
}

// List returns sequences matching q ordered by name.
func (r *SequenceRepository) List(ctx context.Context, q SequenceQuery) ([]*models.Sequence, error) {
	query := `SELECT ` + sequenceColumns + ` FROM sequences WHERE 1=1`
	args := []any{}
	if q.TriggerType != nil {
		query += ` AND trigger_type = ?`
		args = append(args, string(*q.TriggerType))
	}
	if q.ActiveOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY name, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sequences: %w", err)
	}
	defer rows.Close()

	var sequences []*models.Sequence
	for rows.Next() {
		seq, err := r.scanSequence(rows)
		if err != nil {
			return nil, err
		}
		sequences = append(sequences, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sequences: %w", err)
	}
	return sequences, nil
}

// SetActive toggles whether a sequence accepts new enrollments.
func (r *SequenceRepository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sequences SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrSequenceNotFound
	}
	return nil
}

func (r *SequenceRepository) scanSequence(row rowScanner) (*models.Sequence, error) {
	var seq models.Sequence
	var triggerType, stepsJSON, createdAt, updatedAt string
	var description, customKey, signature, tagsJSON, source sql.NullString

	err := row.Scan(
		&seq.ID,
		&seq.Name,
		&description,
		&triggerType,
		&customKey,
		&seq.IsActive,
		&signature,
		&stepsJSON,
		&tagsJSON,
		&source,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSequenceNotFound
		}
		return nil, fmt.Errorf("failed to scan sequence: %w", err)
	}

	seq.Description = description.String
	seq.TriggerType = models.TriggerType(triggerType)
	seq.CustomKey = customKey.String
	seq.Signature = signature.String
	seq.Source = source.String
	if t, err := parseTime(createdAt); err == nil {
		seq.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		seq.UpdatedAt = t
	}
	if err := json.Unmarshal([]byte(stepsJSON), &seq.Steps); err != nil {
		return nil, fmt.Errorf("sequence %s: invalid steps: %w", seq.ID, err)
	}
	if tagsJSON.Valid {
		if err := json.Unmarshal([]byte(tagsJSON.String), &seq.Tags); err != nil {
			r.db.logger.Warn().Err(err).Str("sequence_id", seq.ID).Msg("failed to parse sequence tags")
		}
	}
	return &seq, nil
}
