package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/ConvertDrop/internal/model"
)

// PostgresRepository wraps all SQL used by the API and the queue consumers.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository constructs a repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const submissionColumns = `correlation_id, original_file_name, processed_file_name, content_type, file_size,
	processor_type, status, error_message, dead_lettered, created_at, processed_at, updated_at`

// Create inserts a queued Submission.
func (r *PostgresRepository) Create(ctx context.Context, sub *model.Submission) error {
	now := time.Now().UTC()
	sub.Status = model.StatusQueued
	sub.CreatedAt = now
	sub.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO submissions (correlation_id, original_file_name, content_type, file_size, processor_type, status, dead_lettered, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,FALSE,$7,$8)
	`, sub.CorrelationID, sub.OriginalFileName, sub.ContentType, sub.FileSize, sub.ProcessorType, sub.Status, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// GetByCorrelationID returns a Submission by correlation id.
func (r *PostgresRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*model.Submission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE correlation_id=$1`, correlationID)
	sub, err := scanSubmission(row)
	if err != nil {
		return nil, fmt.Errorf("select submission %s: %w", correlationID, err)
	}
	return sub, nil
}

// GetByFileName returns the newest Submission for a filename.
func (r *PostgresRepository) GetByFileName(ctx context.Context, fileName string) (*model.Submission, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE original_file_name=$1
		ORDER BY created_at DESC LIMIT 1
	`, fileName)
	sub, err := scanSubmission(row)
	if err != nil {
		return nil, fmt.Errorf("select submission by file %s: %w", fileName, err)
	}
	return sub, nil
}

// ListByStatus returns Submissions in a status, newest first.
func (r *PostgresRepository) ListByStatus(ctx context.Context, status model.Status, limit int) ([]model.Submission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE status=$1 ORDER BY created_at DESC LIMIT $2
	`, status, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list submissions by status: %w", err)
	}
	return collectSubmissions(rows)
}

// ListRecent returns the newest Submissions.
func (r *PostgresRepository) ListRecent(ctx context.Context, limit int) ([]model.Submission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		ORDER BY created_at DESC LIMIT $1
	`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list recent submissions: %w", err)
	}
	return collectSubmissions(rows)
}

// MarkProcessing moves a queued Submission into processing.
func (r *PostgresRepository) MarkProcessing(ctx context.Context, correlationID string) error {
	return r.transition(ctx, correlationID, `
		UPDATE submissions SET status=$2, updated_at=$3
		WHERE correlation_id=$1 AND status NOT IN ('Processed','Failed')
	`, model.StatusProcessing, time.Now().UTC())
}

// MarkProcessed records the processed artifact.
func (r *PostgresRepository) MarkProcessed(ctx context.Context, correlationID, processedFileName, processorType string, processedAt time.Time) error {
	return r.transition(ctx, correlationID, `
		UPDATE submissions
		SET status=$2, updated_at=$3, processed_file_name=$4, processor_type=COALESCE(NULLIF($5,''), processor_type),
			processed_at=$6, error_message=NULL
		WHERE correlation_id=$1 AND status NOT IN ('Processed','Failed')
	`, model.StatusProcessed, time.Now().UTC(), processedFileName, processorType, processedAt.UTC())
}

// MarkFailed records a terminal failure.
func (r *PostgresRepository) MarkFailed(ctx context.Context, correlationID, message string, deadLettered bool) error {
	return r.transition(ctx, correlationID, `
		UPDATE submissions SET status=$2, updated_at=$3, error_message=$4, dead_lettered=$5
		WHERE correlation_id=$1 AND status NOT IN ('Processed','Failed')
	`, model.StatusFailed, time.Now().UTC(), message, deadLettered)
}

// Delete removes a Submission and its events.
func (r *PostgresRepository) Delete(ctx context.Context, correlationID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, `DELETE FROM submissions WHERE correlation_id=$1`, correlationID)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete submission %s: %w", correlationID, ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM processing_events WHERE correlation_id=$1`, correlationID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// LogEvent appends a processing event.
func (r *PostgresRepository) LogEvent(ctx context.Context, evt model.ProcessingEvent) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	var data *string
	if evt.AdditionalData != "" {
		data = &evt.AdditionalData
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processing_events (correlation_id, event_type, message, log_level, additional_data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, evt.CorrelationID, evt.EventType, evt.Message, evt.LogLevel, data, evt.Timestamp)
	if err != nil {
		return fmt.Errorf("insert processing event: %w", err)
	}
	return nil
}

// ListEvents returns the events for a correlation id, oldest first.
func (r *PostgresRepository) ListEvents(ctx context.Context, correlationID string) ([]model.ProcessingEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, correlation_id, event_type, message, log_level, COALESCE(additional_data,''), created_at
		FROM processing_events WHERE correlation_id=$1
		ORDER BY created_at, id
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list processing events: %w", err)
	}
	defer rows.Close()
	var events []model.ProcessingEvent
	for rows.Next() {
		var evt model.ProcessingEvent
		if err := rows.Scan(&evt.ID, &evt.CorrelationID, &evt.EventType, &evt.Message, &evt.LogLevel, &evt.AdditionalData, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("scan processing event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processing events: %w", err)
	}
	return events, nil
}

// transition runs a guarded UPDATE and distinguishes a missing row from a row
// already in a terminal state.
func (r *PostgresRepository) transition(ctx context.Context, correlationID, stmt string, args ...any) error {
	tag, err := r.pool.Exec(ctx, stmt, append([]any{correlationID}, args...)...)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status model.Status
	err = r.pool.QueryRow(ctx, `SELECT status FROM submissions WHERE correlation_id=$1`, correlationID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update submission %s: %w", correlationID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check submission %s: %w", correlationID, err)
	}
	return fmt.Errorf("update submission %s (%s): %w", correlationID, status, ErrTerminal)
}

func scanSubmission(row pgx.Row) (*model.Submission, error) {
	var (
		sub          model.Submission
		processed    sql.NullString
		errorMessage sql.NullString
		processedAt  sql.NullTime
	)
	err := row.Scan(&sub.CorrelationID, &sub.OriginalFileName, &processed, &sub.ContentType, &sub.FileSize,
		&sub.ProcessorType, &sub.Status, &errorMessage, &sub.DeadLettered, &sub.CreatedAt, &processedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if processed.Valid {
		name := processed.String
		sub.ProcessedFileName = &name
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		sub.ErrorMessage = &msg
	}
	if processedAt.Valid {
		at := processedAt.Time.UTC()
		sub.ProcessedAt = &at
	}
	return &sub, nil
}

func collectSubmissions(rows pgx.Rows) ([]model.Submission, error) {
	defer rows.Close()
	var out []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}
