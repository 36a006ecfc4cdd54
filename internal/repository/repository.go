// Package repository persists Submissions and their append-only processing
// events.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/dharsanguruparan/ConvertDrop/internal/model"
)

var (
	// ErrNotFound is returned when no Submission matches.
	ErrNotFound = errors.New("submission not found")
	// ErrTerminal is returned when a transition would leave Processed or Failed.
	ErrTerminal = errors.New("submission already in terminal state")
)

// Repository is the persistence contract shared by every pipeline stage.
type Repository interface {
	Create(ctx context.Context, sub *model.Submission) error
	GetByCorrelationID(ctx context.Context, correlationID string) (*model.Submission, error)
	// GetByFileName returns the most recent Submission for the filename.
	GetByFileName(ctx context.Context, fileName string) (*model.Submission, error)
	ListByStatus(ctx context.Context, status model.Status, limit int) ([]model.Submission, error)
	ListRecent(ctx context.Context, limit int) ([]model.Submission, error)
	MarkProcessing(ctx context.Context, correlationID string) error
	MarkProcessed(ctx context.Context, correlationID, processedFileName, processorType string, processedAt time.Time) error
	MarkFailed(ctx context.Context, correlationID, message string, deadLettered bool) error
	Delete(ctx context.Context, correlationID string) error
	LogEvent(ctx context.Context, evt model.ProcessingEvent) error
	// ListEvents returns events oldest first.
	ListEvents(ctx context.Context, correlationID string) ([]model.ProcessingEvent, error)
}

const defaultListLimit = 10

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > 500 {
		return 500
	}
	return limit
}
