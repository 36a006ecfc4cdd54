package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/ConvertDrop/internal/model"
	"github.com/dharsanguruparan/ConvertDrop/internal/queue"
	"github.com/dharsanguruparan/ConvertDrop/internal/queue/queuetest"
	"github.com/dharsanguruparan/ConvertDrop/internal/registry"
	"github.com/dharsanguruparan/ConvertDrop/internal/repository"
	"github.com/dharsanguruparan/ConvertDrop/internal/storage"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte, string) error {
	return errors.New("result queue unavailable")
}

type harness struct {
	proc   *Processor
	store  *storage.MemoryStore
	repo   *repository.MemoryRepository
	broker *queue.MemoryBroker
	logs   *bytes.Buffer
	sub    *model.Submission
}

func upper(ext string) registry.Converter {
	return registry.ConverterFunc(func(_ context.Context, fc registry.FileContext) (*registry.Outcome, error) {
		data, err := io.ReadAll(fc.Body)
		if err != nil {
			return nil, err
		}
		base := strings.TrimSuffix(fc.FileName, registry.Extension(fc.FileName))
		return &registry.Outcome{FileName: base + ext, ContentType: "application/pdf", Body: bytes.ToUpper(data)}, nil
	})
}

func newHarness(t *testing.T, conv registry.Converters, publisher queue.Publisher) *harness {
	t.Helper()
	h := &harness{
		store:  storage.NewMemoryStore(nil, ""),
		repo:   repository.NewMemoryRepository(),
		broker: queue.NewMemoryBroker(queue.MemoryOptions{MaxDeliveries: 10}),
		logs:   &bytes.Buffer{},
	}
	if publisher == nil {
		publisher = h.broker
	}
	h.proc = NewProcessor(Options{
		RequestQueue:    "fileupload",
		ResultQueue:     "fileprocessing",
		UploadBucket:    "upload",
		ProcessedBucket: "processed",
	}, registry.New(conv), h.store, h.repo, publisher, zerolog.New(h.logs))
	return h
}

// seed stores an upload, records its Submission and returns a delivery for
// its processing request.
func (h *harness) seed(t *testing.T, name, body string, count int) *queuetest.Delivery {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.Upload(ctx, "upload", name, strings.NewReader(body), int64(len(body)), "text/plain")
	require.NoError(t, err)
	h.sub = &model.Submission{CorrelationID: uuid.NewString(), OriginalFileName: name, ProcessorType: "TextToPdf"}
	require.NoError(t, h.repo.Create(ctx, h.sub))

	payload, err := json.Marshal(model.ProcessingRequest{
		CorrelationID: h.sub.CorrelationID,
		SourceLocator: name,
		FileName:      name,
		ContentType:   "text/plain",
		FileSize:      int64(len(body)),
	})
	require.NoError(t, err)
	return queuetest.NewDelivery(payload, h.sub.CorrelationID, count)
}

func (h *harness) results(t *testing.T) []model.ProcessingResult {
	t.Helper()
	var out []model.ProcessingResult
	for _, msg := range h.broker.Pending("fileprocessing") {
		res, err := model.DecodeResult(msg.Body)
		require.NoError(t, err)
		out = append(out, *res)
	}
	return out
}

func TestHandleSuccess(t *testing.T) {
	h := newHarness(t, registry.Converters{Text: upper(".pdf")}, nil)
	d := h.seed(t, "notes.txt", "hello", 1)

	h.proc.Handle(context.Background(), d)

	assert.Equal(t, 1, d.Completed())
	assert.Equal(t, 1, d.Settled())

	data, err := h.store.Download(context.Background(), "processed", "processed_notes.pdf")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data))

	results := h.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, model.ResultProcessed, results[0].Status)
	assert.Equal(t, h.sub.CorrelationID, results[0].CorrelationID)
	assert.Equal(t, "notes.txt", results[0].OriginalFileName)
	assert.Equal(t, "processed_notes.pdf", results[0].ProcessedFileName)
	assert.Equal(t, registry.TextToPdf, results[0].ProcessorType)

	sub, err := h.repo.GetByCorrelationID(context.Background(), h.sub.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, sub.Status, "the result consumer owns the Processed transition")
	events, err := h.repo.ListEvents(context.Background(), h.sub.CorrelationID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventProcessingStarted, events[0].EventType)
}

func TestHandleRedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, registry.Converters{Text: upper(".pdf")}, nil)
	d := h.seed(t, "notes.txt", "hello", 1)

	h.proc.Handle(context.Background(), d)
	again := &queuetest.Delivery{Msg: d.Msg, Count: 2}
	h.proc.Handle(context.Background(), again)

	assert.Equal(t, 1, again.Completed())
	results := h.results(t)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, h.sub.CorrelationID, res.CorrelationID)
		assert.Equal(t, model.ResultProcessed, res.Status)
	}
}

func TestHandleRetryBoundary(t *testing.T) {
	cause := errors.New("soffice crashed")
	conv := registry.Converters{Text: registry.ConverterFunc(func(context.Context, registry.FileContext) (*registry.Outcome, error) {
		return nil, cause
	})}

	for count := 1; count <= 4; count++ {
		h := newHarness(t, conv, nil)
		d := h.seed(t, "notes.txt", "hello", count)
		h.proc.Handle(context.Background(), d)

		assert.Equal(t, 1, d.Settled(), "count %d", count)
		if count < DefaultMaxDeliveryAttempts {
			assert.Equal(t, 1, d.Abandoned(), "count %d", count)
		} else {
			assert.Equal(t, 1, d.DeadLettered(), "count %d", count)
			reason, desc := d.DeadLetterReason()
			assert.Equal(t, ReasonProcessingError, reason)
			assert.Equal(t, "File processing failed: TextToPdf: soffice crashed", desc)
		}

		results := h.results(t)
		require.Len(t, results, 1, "every failed attempt publishes a result")
		assert.Equal(t, model.ResultFailed, results[0].Status)
		assert.Equal(t, model.ErrorProcessorType, results[0].ProcessorType)
		assert.Equal(t, "notes.txt", results[0].OriginalFileName)
		assert.True(t, strings.HasPrefix(results[0].Message, "File processing failed: "))
	}
}

func TestHandleUnsupportedDeadLettersOnFirstDelivery(t *testing.T) {
	conv := registry.Converters{Image: registry.ConverterFunc(func(context.Context, registry.FileContext) (*registry.Outcome, error) {
		return nil, &registry.UnsupportedTypeError{Extension: ".png", Detail: "not an image"}
	})}
	h := newHarness(t, conv, nil)
	d := h.seed(t, "fake.png", "text", 1)

	h.proc.Handle(context.Background(), d)

	assert.Equal(t, 1, d.DeadLettered())
	assert.Equal(t, 0, d.Abandoned())
	reason, desc := d.DeadLetterReason()
	assert.Equal(t, ReasonUnsupportedFileType, reason)
	assert.Equal(t, "File type is not supported for processing", desc)

	results := h.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, "File type is not supported for processing", results[0].Message)
}

func TestHandleMalformedBody(t *testing.T) {
	h := newHarness(t, registry.Converters{}, nil)
	d := queuetest.NewDelivery([]byte("not json"), "corr-from-attr", 1)

	h.proc.Handle(context.Background(), d)

	assert.Equal(t, 1, d.DeadLettered())
	reason, _ := d.DeadLetterReason()
	assert.Equal(t, ReasonMalformedMessage, reason)
	results := h.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, "corr-from-attr", results[0].CorrelationID)
	assert.Equal(t, model.UnknownValue, results[0].OriginalFileName)
	assert.Equal(t, model.ErrorProcessorType, results[0].ProcessorType)
}

func TestHandleMissingUploadIsRetried(t *testing.T) {
	h := newHarness(t, registry.Converters{Text: upper(".pdf")}, nil)
	d := h.seed(t, "notes.txt", "hello", 1)
	require.NoError(t, h.store.Delete(context.Background(), "upload", "notes.txt"))

	h.proc.Handle(context.Background(), d)

	assert.Equal(t, 1, d.Abandoned())
	assert.Contains(t, h.logs.String(), "object not found")
}

func TestHandleResultPublishFailureAbandons(t *testing.T) {
	cause := errors.New("boom")
	conv := registry.Converters{Text: registry.ConverterFunc(func(context.Context, registry.FileContext) (*registry.Outcome, error) {
		return nil, cause
	})}

	t.Run("failure path at threshold", func(t *testing.T) {
		h := newHarness(t, conv, failingPublisher{})
		d := h.seed(t, "notes.txt", "hello", 3)
		h.proc.Handle(context.Background(), d)
		assert.Equal(t, 1, d.Abandoned())
		assert.Equal(t, 0, d.DeadLettered())
	})

	t.Run("success path", func(t *testing.T) {
		h := newHarness(t, registry.Converters{Text: upper(".pdf")}, failingPublisher{})
		d := h.seed(t, "notes.txt", "hello", 1)
		h.proc.Handle(context.Background(), d)
		assert.Equal(t, 1, d.Abandoned())
		assert.Equal(t, 0, d.Completed())
	})
}

func TestHandleAbandonFailureIsLogged(t *testing.T) {
	h := newHarness(t, registry.Converters{Text: upper(".pdf")}, failingPublisher{})
	d := h.seed(t, "notes.txt", "hello", 1)
	d.AbandonErr = errors.New("lock lost")

	h.proc.Handle(context.Background(), d)

	assert.Equal(t, 0, d.Settled())
	assert.Contains(t, h.logs.String(), "lock lost")
	assert.Contains(t, h.logs.String(), `"level":"error"`)
}

func TestHandleBookkeepingFailuresDoNotBlockProcessing(t *testing.T) {
	h := newHarness(t, registry.Converters{Text: upper(".pdf")}, nil)
	d := h.seed(t, "notes.txt", "hello", 1)
	require.NoError(t, h.repo.Delete(context.Background(), h.sub.CorrelationID))

	h.proc.Handle(context.Background(), d)

	assert.Equal(t, 1, d.Completed())
	assert.Contains(t, h.logs.String(), "mark processing")
}
