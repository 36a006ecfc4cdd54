package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/ConvertDrop/internal/model"
)

// runContract exercises behaviour every Repository implementation must share.
func runContract(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	newSub := func(name string) *model.Submission {
		return &model.Submission{
			CorrelationID:    uuid.NewString(),
			OriginalFileName: name,
			ContentType:      "text/plain",
			FileSize:         42,
			ProcessorType:    "TextToPdf",
		}
	}

	t.Run("create and get", func(t *testing.T) {
		sub := newSub("notes-" + uuid.NewString() + ".txt")
		require.NoError(t, repo.Create(ctx, sub))
		assert.Equal(t, model.StatusQueued, sub.Status)

		got, err := repo.GetByCorrelationID(ctx, sub.CorrelationID)
		require.NoError(t, err)
		assert.Equal(t, sub.OriginalFileName, got.OriginalFileName)
		assert.Equal(t, model.StatusQueued, got.Status)
		assert.Nil(t, got.ProcessedFileName)

		_, err = repo.GetByCorrelationID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lifecycle to processed", func(t *testing.T) {
		sub := newSub("report-" + uuid.NewString() + ".txt")
		require.NoError(t, repo.Create(ctx, sub))
		require.NoError(t, repo.MarkProcessing(ctx, sub.CorrelationID))
		require.NoError(t, repo.MarkProcessing(ctx, sub.CorrelationID), "processing is re-entrant for redeliveries")

		at := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, repo.MarkProcessed(ctx, sub.CorrelationID, "processed_report.pdf", "TextToPdf", at))

		got, err := repo.GetByCorrelationID(ctx, sub.CorrelationID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusProcessed, got.Status)
		require.NotNil(t, got.ProcessedFileName)
		assert.Equal(t, "processed_report.pdf", *got.ProcessedFileName)
		require.NotNil(t, got.ProcessedAt)
		assert.WithinDuration(t, at, *got.ProcessedAt, time.Millisecond)

		err = repo.MarkFailed(ctx, sub.CorrelationID, "late failure", true)
		assert.ErrorIs(t, err, ErrTerminal)
		err = repo.MarkProcessed(ctx, sub.CorrelationID, "processed_report.pdf", "TextToPdf", at)
		assert.ErrorIs(t, err, ErrTerminal)
	})

	t.Run("dead lettered failure", func(t *testing.T) {
		sub := newSub("broken-" + uuid.NewString() + ".txt")
		require.NoError(t, repo.Create(ctx, sub))
		require.NoError(t, repo.MarkFailed(ctx, sub.CorrelationID, "Dead lettered: ProcessingError - boom", true))

		got, err := repo.GetByCorrelationID(ctx, sub.CorrelationID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got.Status)
		assert.True(t, got.DeadLettered)
		require.NotNil(t, got.ErrorMessage)
		assert.Contains(t, *got.ErrorMessage, "ProcessingError")

		assert.ErrorIs(t, repo.MarkProcessing(ctx, sub.CorrelationID), ErrTerminal)
		assert.ErrorIs(t, repo.MarkFailed(ctx, uuid.NewString(), "x", false), ErrNotFound)
	})

	t.Run("latest by file name", func(t *testing.T) {
		name := "dup-" + uuid.NewString() + ".txt"
		first := newSub(name)
		require.NoError(t, repo.Create(ctx, first))
		time.Sleep(2 * time.Millisecond)
		second := newSub(name)
		require.NoError(t, repo.Create(ctx, second))

		got, err := repo.GetByFileName(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, second.CorrelationID, got.CorrelationID)

		_, err = repo.GetByFileName(ctx, "never-"+uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("listing", func(t *testing.T) {
		sub := newSub("listed-" + uuid.NewString() + ".txt")
		require.NoError(t, repo.Create(ctx, sub))
		require.NoError(t, repo.MarkProcessing(ctx, sub.CorrelationID))

		processing, err := repo.ListByStatus(ctx, model.StatusProcessing, 100)
		require.NoError(t, err)
		assert.True(t, containsSubmission(processing, sub.CorrelationID))
		for _, s := range processing {
			assert.Equal(t, model.StatusProcessing, s.Status)
		}

		recent, err := repo.ListRecent(ctx, 1)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, sub.CorrelationID, recent[0].CorrelationID)
	})

	t.Run("events ordered oldest first", func(t *testing.T) {
		id := uuid.NewString()
		base := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, repo.LogEvent(ctx, model.ProcessingEvent{CorrelationID: id, EventType: model.EventProcessingCompleted, Message: "done", LogLevel: model.LevelInfo, Timestamp: base.Add(2 * time.Second)}))
		require.NoError(t, repo.LogEvent(ctx, model.ProcessingEvent{CorrelationID: id, EventType: model.EventFileQueued, Message: "queued", LogLevel: model.LevelInfo, Timestamp: base, AdditionalData: `{"size":1}`}))
		require.NoError(t, repo.LogEvent(ctx, model.ProcessingEvent{CorrelationID: uuid.NewString(), EventType: model.EventFileQueued, Message: "other", LogLevel: model.LevelInfo}))

		events, err := repo.ListEvents(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, model.EventFileQueued, events[0].EventType)
		assert.Equal(t, `{"size":1}`, events[0].AdditionalData)
		assert.Equal(t, model.EventProcessingCompleted, events[1].EventType)
	})

	t.Run("delete", func(t *testing.T) {
		sub := newSub("gone-" + uuid.NewString() + ".txt")
		require.NoError(t, repo.Create(ctx, sub))
		require.NoError(t, repo.LogEvent(ctx, model.NewEvent(sub.CorrelationID, model.EventFileQueued, "queued", model.LevelInfo, nil)))
		require.NoError(t, repo.Delete(ctx, sub.CorrelationID))

		_, err := repo.GetByCorrelationID(ctx, sub.CorrelationID)
		assert.ErrorIs(t, err, ErrNotFound)
		events, err := repo.ListEvents(ctx, sub.CorrelationID)
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.ErrorIs(t, repo.Delete(ctx, sub.CorrelationID), ErrNotFound)
	})
}

func containsSubmission(subs []model.Submission, id string) bool {
	for _, s := range subs {
		if s.CorrelationID == id {
			return true
		}
	}
	return false
}
