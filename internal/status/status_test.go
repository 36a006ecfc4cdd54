package status

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/ConvertDrop/internal/cache"
	"github.com/dharsanguruparan/ConvertDrop/internal/model"
	"github.com/dharsanguruparan/ConvertDrop/internal/registry"
	"github.com/dharsanguruparan/ConvertDrop/internal/repository"
	"github.com/dharsanguruparan/ConvertDrop/internal/signing"
	"github.com/dharsanguruparan/ConvertDrop/internal/storage"
)

type countingSigner struct {
	storage.URLSigner
	calls int
}

func (c *countingSigner) GenerateReadURL(ctx context.Context, bucket, name string, ttl time.Duration) (string, error) {
	c.calls++
	return c.URLSigner.GenerateReadURL(ctx, bucket, name, ttl)
}

type fixture struct {
	svc    *Service
	store  *storage.MemoryStore
	repo   *repository.MemoryRepository
	signer *countingSigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore(signing.NewSigner([]byte("test-secret")), "http://localhost:8080")
	f := &fixture{
		store:  store,
		repo:   repository.NewMemoryRepository(),
		signer: &countingSigner{URLSigner: store},
	}
	f.svc = New(Options{UploadBucket: "upload", ProcessedBucket: "processed", SignedURLTTL: time.Hour},
		registry.New(registry.Converters{}), store, f.signer, f.repo, cache.NewMemoryClient(), zerolog.Nop())
	return f
}

func (f *fixture) put(t *testing.T, bucket, name string) {
	t.Helper()
	_, err := f.store.Upload(context.Background(), bucket, name, strings.NewReader("data"), 4, "application/octet-stream")
	require.NoError(t, err)
}

func (f *fixture) submit(t *testing.T, name string) *model.Submission {
	t.Helper()
	sub := &model.Submission{CorrelationID: uuid.NewString(), OriginalFileName: name, ProcessorType: "DocxToPdf"}
	require.NoError(t, f.repo.Create(context.Background(), sub))
	return sub
}

func TestExpectedProcessedName(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "processed_report.pdf", f.svc.ExpectedProcessedName("report.docx"))
	assert.Equal(t, "processed_image.png", f.svc.ExpectedProcessedName("image.BMP"))
	assert.Equal(t, "processed_data.json", f.svc.ExpectedProcessedName("data.json"))
}

func TestGetStatusMissingUpload(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetStatus(context.Background(), "ghost.docx")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetStatusWithoutRecordUsesStorageProbe(t *testing.T) {
	f := newFixture(t)
	f.put(t, "upload", "report.docx")

	st, err := f.svc.GetStatus(context.Background(), "report.docx")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st.Status)
	assert.False(t, st.Processed)
	assert.Empty(t, st.ProcessedURL)
	assert.True(t, st.Consistent)

	f.put(t, "processed", "processed_report.pdf")
	st, err = f.svc.GetStatus(context.Background(), "report.docx")
	require.NoError(t, err)
	assert.Equal(t, "Processed", st.Status)
	assert.True(t, st.Processed)
	assert.Equal(t, "processed_report.pdf", st.ProcessedFileName)
	assert.Contains(t, st.ProcessedURL, "/download?")
}

func TestGetStatusRecordIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "upload", "report.docx")
	sub := f.submit(t, "report.docx")
	require.NoError(t, f.repo.MarkProcessing(ctx, sub.CorrelationID))

	st, err := f.svc.GetStatus(ctx, "report.docx")
	require.NoError(t, err)
	assert.Equal(t, "Processing", st.Status)
	assert.Equal(t, sub.CorrelationID, st.CorrelationID)
	assert.True(t, st.Consistent)

	// Output written but result not yet recorded.
	f.put(t, "processed", "processed_report.pdf")
	st, err = f.svc.GetStatus(ctx, "report.docx")
	require.NoError(t, err)
	assert.Equal(t, "Processing", st.Status)
	assert.True(t, st.Processed)
	assert.False(t, st.Consistent)

	require.NoError(t, f.repo.MarkProcessed(ctx, sub.CorrelationID, "processed_report.pdf", "DocxToPdf", time.Now()))
	st, err = f.svc.GetStatus(ctx, "report.docx")
	require.NoError(t, err)
	assert.Equal(t, "Processed", st.Status)
	assert.True(t, st.Consistent)
	assert.NotEmpty(t, st.ProcessedURL)
}

func TestGetStatusProcessedRecordWithoutOutput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "upload", "report.docx")
	sub := f.submit(t, "report.docx")
	require.NoError(t, f.repo.MarkProcessed(ctx, sub.CorrelationID, "processed_report.pdf", "DocxToPdf", time.Now()))

	st, err := f.svc.GetStatus(ctx, "report.docx")
	require.NoError(t, err)
	assert.Equal(t, "Processed", st.Status)
	assert.False(t, st.Processed)
	assert.False(t, st.Consistent)
	assert.Empty(t, st.ProcessedURL)
}

func TestGetStatusFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "upload", "fake.png")
	sub := f.submit(t, "fake.png")
	require.NoError(t, f.repo.MarkFailed(ctx, sub.CorrelationID, "Dead lettered: UnsupportedFileType - nope", true))

	st, err := f.svc.GetStatus(ctx, "fake.png")
	require.NoError(t, err)
	assert.Equal(t, "Failed", st.Status)
	assert.True(t, st.DeadLettered)
	assert.Contains(t, st.ErrorMessage, "UnsupportedFileType")
	assert.True(t, st.Consistent)
}

func TestGetStatusCachesSignedURL(t *testing.T) {
	f := newFixture(t)
	f.put(t, "upload", "report.docx")
	f.put(t, "processed", "processed_report.pdf")

	first, err := f.svc.GetStatus(context.Background(), "report.docx")
	require.NoError(t, err)
	second, err := f.svc.GetStatus(context.Background(), "report.docx")
	require.NoError(t, err)

	assert.Equal(t, first.ProcessedURL, second.ProcessedURL)
	assert.Equal(t, 1, f.signer.calls)
}

func TestGetStatusByCorrelationID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.submit(t, "report.docx")
	require.NoError(t, f.repo.LogEvent(ctx, model.NewEvent(sub.CorrelationID, model.EventFileQueued, "queued", model.LevelInfo, nil)))
	require.NoError(t, f.repo.LogEvent(ctx, model.NewEvent(sub.CorrelationID, model.EventProcessingStarted, "started", model.LevelInfo, nil)))

	tl, err := f.svc.GetStatusByCorrelationID(ctx, sub.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, sub.CorrelationID, tl.Submission.CorrelationID)
	require.Len(t, tl.Events, 2)
	assert.Equal(t, model.EventFileQueued, tl.Events[0].EventType)
	assert.Equal(t, model.EventProcessingStarted, tl.Events[1].EventType)

	_, err = f.svc.GetStatusByCorrelationID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.submit(t, "a.txt")
	f.submit(t, "b.txt")
	require.NoError(t, f.repo.MarkFailed(ctx, a.CorrelationID, "boom", false))

	recent, err := f.svc.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	failed, err := f.svc.ByStatus(ctx, model.StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, a.CorrelationID, failed[0].CorrelationID)

	_, err = f.svc.ByStatus(ctx, model.Status("Exploded"), 10)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
