package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/ConvertDrop/internal/model"
)

func TestMemoryRepositoryContract(t *testing.T) {
	runContract(t, NewMemoryRepository())
}

func TestMemoryRepositoryRejectsDuplicateCorrelationID(t *testing.T) {
	repo := NewMemoryRepository()
	sub := &model.Submission{CorrelationID: "fixed", OriginalFileName: "a.txt"}
	require.NoError(t, repo.Create(context.Background(), sub))
	assert.Error(t, repo.Create(context.Background(), &model.Submission{CorrelationID: "fixed"}))
}

func TestMemoryRepositoryConcurrentEvents(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	id := uuid.NewString()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.LogEvent(ctx, model.NewEvent(id, model.EventProcessingStarted, "started", model.LevelInfo, nil))
		}()
	}
	wg.Wait()

	events, err := repo.ListEvents(ctx, id)
	require.NoError(t, err)
	assert.Len(t, events, 50)
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	sub := &model.Submission{CorrelationID: "c1", OriginalFileName: "a.txt"}
	require.NoError(t, repo.Create(ctx, sub))

	got, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	got.Status = model.StatusFailed

	again, err := repo.GetByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, again.Status)
}
