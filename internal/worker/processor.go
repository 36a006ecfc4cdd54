// Package worker converts queued files and reports the outcome on the result
// queue. It owns the retry versus dead-letter decision for requests.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ConvertDrop/internal/failure"
	"github.com/dharsanguruparan/ConvertDrop/internal/model"
	"github.com/dharsanguruparan/ConvertDrop/internal/queue"
	"github.com/dharsanguruparan/ConvertDrop/internal/registry"
	"github.com/dharsanguruparan/ConvertDrop/internal/repository"
	"github.com/dharsanguruparan/ConvertDrop/internal/storage"
)

// ProcessedPrefix is prepended to every converter output name.
const ProcessedPrefix = "processed_"

// Dead-letter reasons set by the worker.
const (
	ReasonUnsupportedFileType = "UnsupportedFileType"
	ReasonProcessingError     = "ProcessingError"
	ReasonMalformedMessage    = "MalformedMessage"
)

const unsupportedMessage = "File type is not supported for processing"

// DefaultMaxDeliveryAttempts is the delivery count at which a retriable
// failure is dead-lettered instead of abandoned.
const DefaultMaxDeliveryAttempts = 3

// Options configures a Processor.
type Options struct {
	RequestQueue        string
	ResultQueue         string
	UploadBucket        string
	ProcessedBucket     string
	MaxDeliveryAttempts int
}

// Processor handles deliveries from the request queue.
type Processor struct {
	opts      Options
	registry  *registry.Registry
	store     storage.ObjectStore
	repo      repository.Repository
	publisher queue.Publisher
	log       zerolog.Logger
	now       func() time.Time
}

// NewProcessor constructs a Processor.
func NewProcessor(opts Options, reg *registry.Registry, store storage.ObjectStore, repo repository.Repository, publisher queue.Publisher, log zerolog.Logger) *Processor {
	if opts.MaxDeliveryAttempts <= 0 {
		opts.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}
	return &Processor{
		opts:      opts,
		registry:  reg,
		store:     store,
		repo:      repo,
		publisher: publisher,
		log:       log.With().Str("component", "worker").Logger(),
		now:       time.Now,
	}
}

// ProcessedName is the object name a converter output is stored under.
func ProcessedName(outputFileName string) string {
	return ProcessedPrefix + outputFileName
}

// Handle processes one request delivery and settles it.
func (p *Processor) Handle(ctx context.Context, d queue.Delivery) {
	msg := d.Message()
	log := p.log.With().
		Str("queue", p.opts.RequestQueue).
		Str("message_id", msg.ID).
		Str("correlation_id", msg.CorrelationID).
		Int("delivery_count", d.DeliveryCount()).
		Logger()

	req, err := model.DecodeRequest(msg.Body)
	if err != nil {
		p.fail(ctx, log, d, nil, failure.Wrap(failure.KindMalformed, err))
		return
	}
	log = log.With().Str("correlation_id", req.CorrelationID).Str("file", req.FileName).Logger()

	storedName, out, err := p.process(ctx, log, req)
	if err != nil {
		p.fail(ctx, log, d, req, err)
		return
	}

	res := model.ProcessingResult{
		CorrelationID:     req.CorrelationID,
		OriginalFileName:  req.FileName,
		ProcessedFileName: storedName,
		Status:            model.ResultProcessed,
		Message:           fmt.Sprintf("File processed by %s", out.ProcessorType),
		ProcessedAt:       p.now().UTC(),
		ProcessorType:     out.ProcessorType,
	}
	if err := p.publish(ctx, res); err != nil {
		log.Error().Err(err).Msg("publish processed result failed")
		p.abandon(ctx, log, d)
		return
	}
	if err := d.Complete(ctx); err != nil {
		log.Error().Err(err).Msg("complete request failed")
		return
	}
	log.Info().Str("processor", out.ProcessorType).Str("output", storedName).Msg("file processed")
}

// process runs download, dispatch and upload, returning the stored output
// name.
func (p *Processor) process(ctx context.Context, log zerolog.Logger, req *model.ProcessingRequest) (string, *registry.Outcome, error) {
	failure.BestEffort(log, "mark processing", func() error {
		return p.repo.MarkProcessing(ctx, req.CorrelationID)
	})
	failure.BestEffort(log, "log ProcessingStarted", func() error {
		return p.repo.LogEvent(ctx, model.NewEvent(req.CorrelationID, model.EventProcessingStarted,
			fmt.Sprintf("Processing started for %s", req.FileName), model.LevelInfo, nil))
	})

	data, err := p.store.Download(ctx, p.opts.UploadBucket, req.SourceLocator)
	if err != nil {
		return "", nil, fmt.Errorf("download %s: %w", req.SourceLocator, err)
	}
	out, err := p.registry.Dispatch(ctx, registry.FileContext{
		CorrelationID: req.CorrelationID,
		FileName:      req.FileName,
		ContentType:   req.ContentType,
		Body:          bytes.NewReader(data),
	})
	if err != nil {
		return "", nil, err
	}
	name := ProcessedName(out.FileName)
	if _, err := p.store.Upload(ctx, p.opts.ProcessedBucket, name, bytes.NewReader(out.Body), int64(len(out.Body)), out.ContentType); err != nil {
		return "", nil, fmt.Errorf("upload %s: %w", name, err)
	}
	return name, out, nil
}

// fail publishes a Failed result and then abandons or dead-letters d
// according to the error kind and delivery count.
func (p *Processor) fail(ctx context.Context, log zerolog.Logger, d queue.Delivery, req *model.ProcessingRequest, cause error) {
	kind := failure.KindOf(cause)
	var reason, message string
	switch kind {
	case failure.KindUnsupportedType:
		reason, message = ReasonUnsupportedFileType, unsupportedMessage
	case failure.KindMalformed:
		reason, message = ReasonMalformedMessage, "Malformed processing request: "+cause.Error()
	default:
		reason, message = ReasonProcessingError, "File processing failed: "+cause.Error()
	}
	log.Error().Err(cause).Str("kind", string(kind)).Msg("processing failed")

	res := model.ProcessingResult{
		CorrelationID:    model.UnknownValue,
		OriginalFileName: model.UnknownValue,
		Status:           model.ResultFailed,
		Message:          message,
		ProcessedAt:      p.now().UTC(),
		ProcessorType:    model.ErrorProcessorType,
	}
	if id := d.Message().CorrelationID; id != "" {
		res.CorrelationID = id
	}
	if req != nil {
		res.CorrelationID = req.CorrelationID
		res.OriginalFileName = req.FileName
	}
	if err := p.publish(ctx, res); err != nil {
		log.Error().Err(err).Msg("publish failed result failed")
		p.abandon(ctx, log, d)
		return
	}

	if kind == failure.KindRetriable && d.DeliveryCount() < p.opts.MaxDeliveryAttempts {
		log.Info().Msg("abandoning request for retry")
		p.abandon(ctx, log, d)
		return
	}
	log.Warn().Str("reason", reason).Msg("dead-lettering request")
	if err := d.DeadLetter(ctx, reason, message); err != nil {
		log.Error().Err(err).Msg("dead-letter request failed")
	}
}

func (p *Processor) abandon(ctx context.Context, log zerolog.Logger, d queue.Delivery) {
	if err := d.Abandon(ctx); err != nil {
		log.Error().Err(err).Msg("abandon request failed; message will redeliver after its lock expires")
	}
}

func (p *Processor) publish(ctx context.Context, res model.ProcessingResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return p.publisher.Publish(ctx, p.opts.ResultQueue, body, res.CorrelationID)
}
