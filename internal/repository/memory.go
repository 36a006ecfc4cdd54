package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/ConvertDrop/internal/model"
)

// MemoryRepository keeps Submissions and events in process memory. It backs
// the single-process mode and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	subs    map[string]*model.Submission
	events  map[string][]model.ProcessingEvent
	nextID  int64
	nowFunc func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		subs:    make(map[string]*model.Submission),
		events:  make(map[string][]model.ProcessingEvent),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a queued Submission. Correlation ids must be unique.
func (m *MemoryRepository) Create(ctx context.Context, sub *model.Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[sub.CorrelationID]; exists {
		return fmt.Errorf("insert submission: duplicate correlation id %s", sub.CorrelationID)
	}
	now := m.nowFunc()
	sub.Status = model.StatusQueued
	sub.CreatedAt = now
	sub.UpdatedAt = now
	stored := *sub
	m.subs[sub.CorrelationID] = &stored
	return nil
}

// GetByCorrelationID returns a copy of the Submission.
func (m *MemoryRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*model.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[correlationID]
	if !ok {
		return nil, fmt.Errorf("select submission %s: %w", correlationID, ErrNotFound)
	}
	return cloneSubmission(sub), nil
}

// GetByFileName returns the newest Submission for the filename.
func (m *MemoryRepository) GetByFileName(ctx context.Context, fileName string) (*model.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *model.Submission
	for _, sub := range m.subs {
		if sub.OriginalFileName != fileName {
			continue
		}
		if newest == nil || sub.CreatedAt.After(newest.CreatedAt) {
			newest = sub
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("select submission by file %s: %w", fileName, ErrNotFound)
	}
	return cloneSubmission(newest), nil
}

// ListByStatus returns Submissions in status, newest first.
func (m *MemoryRepository) ListByStatus(ctx context.Context, status model.Status, limit int) ([]model.Submission, error) {
	return m.list(ctx, limit, func(s *model.Submission) bool { return s.Status == status })
}

// ListRecent returns the newest Submissions.
func (m *MemoryRepository) ListRecent(ctx context.Context, limit int) ([]model.Submission, error) {
	return m.list(ctx, limit, func(*model.Submission) bool { return true })
}

func (m *MemoryRepository) list(ctx context.Context, limit int, keep func(*model.Submission) bool) ([]model.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]model.Submission, 0, len(m.subs))
	for _, sub := range m.subs {
		if keep(sub) {
			out = append(out, *cloneSubmission(sub))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkProcessing moves a queued Submission into processing.
func (m *MemoryRepository) MarkProcessing(ctx context.Context, correlationID string) error {
	return m.transition(ctx, correlationID, func(sub *model.Submission) {
		sub.Status = model.StatusProcessing
	})
}

// MarkProcessed records the processed artifact.
func (m *MemoryRepository) MarkProcessed(ctx context.Context, correlationID, processedFileName, processorType string, processedAt time.Time) error {
	return m.transition(ctx, correlationID, func(sub *model.Submission) {
		sub.Status = model.StatusProcessed
		name := processedFileName
		sub.ProcessedFileName = &name
		if processorType != "" {
			sub.ProcessorType = processorType
		}
		at := processedAt.UTC()
		sub.ProcessedAt = &at
		sub.ErrorMessage = nil
	})
}

// MarkFailed records a terminal failure.
func (m *MemoryRepository) MarkFailed(ctx context.Context, correlationID, message string, deadLettered bool) error {
	return m.transition(ctx, correlationID, func(sub *model.Submission) {
		sub.Status = model.StatusFailed
		msg := message
		sub.ErrorMessage = &msg
		sub.DeadLettered = deadLettered
	})
}

func (m *MemoryRepository) transition(ctx context.Context, correlationID string, apply func(*model.Submission)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[correlationID]
	if !ok {
		return fmt.Errorf("update submission %s: %w", correlationID, ErrNotFound)
	}
	if sub.Status.Terminal() {
		return fmt.Errorf("update submission %s (%s): %w", correlationID, sub.Status, ErrTerminal)
	}
	apply(sub)
	sub.UpdatedAt = m.nowFunc()
	return nil
}

// Delete removes a Submission and its events.
func (m *MemoryRepository) Delete(ctx context.Context, correlationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[correlationID]; !ok {
		return fmt.Errorf("delete submission %s: %w", correlationID, ErrNotFound)
	}
	delete(m.subs, correlationID)
	delete(m.events, correlationID)
	return nil
}

// LogEvent appends an event.
func (m *MemoryRepository) LogEvent(ctx context.Context, evt model.ProcessingEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	evt.ID = m.nextID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.nowFunc()
	}
	m.events[evt.CorrelationID] = append(m.events[evt.CorrelationID], evt)
	return nil
}

// ListEvents returns events oldest first.
func (m *MemoryRepository) ListEvents(ctx context.Context, correlationID string) ([]model.ProcessingEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	events := append([]model.ProcessingEvent(nil), m.events[correlationID]...)
	m.mu.RUnlock()
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID < events[j].ID
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func cloneSubmission(sub *model.Submission) *model.Submission {
	out := *sub
	if sub.ProcessedFileName != nil {
		v := *sub.ProcessedFileName
		out.ProcessedFileName = &v
	}
	if sub.ErrorMessage != nil {
		v := *sub.ErrorMessage
		out.ErrorMessage = &v
	}
	if sub.ProcessedAt != nil {
		v := *sub.ProcessedAt
		out.ProcessedAt = &v
	}
	return &out
}
