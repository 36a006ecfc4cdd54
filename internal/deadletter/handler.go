// Package deadletter drains the dead-letter sub-queues of the request and
// result queues. It is the last stop for a message, so every delivery is
// completed exactly once whatever happens while handling it.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ConvertDrop/internal/failure"
	"github.com/dharsanguruparan/ConvertDrop/internal/model"
	"github.com/dharsanguruparan/ConvertDrop/internal/notify"
	"github.com/dharsanguruparan/ConvertDrop/internal/queue"
	"github.com/dharsanguruparan/ConvertDrop/internal/repository"
)

// Defaults for dead-letter metadata missing from a message.
const (
	DefaultReason      = "Unknown"
	DefaultDescription = "No description available"
)

// FailureMessage composes the error stored on a dead-lettered Submission.
func FailureMessage(reason, description string) string {
	return fmt.Sprintf("Dead lettered: %s - %s", reason, description)
}

// Handler consumes both dead-letter sub-queues.
type Handler struct {
	requestQueue string
	resultQueue  string
	repo         repository.Repository
	notifier     notify.Notifier
	log          zerolog.Logger
}

// NewHandler constructs a Handler for the dead-letter sub-queues of
// requestQueue and resultQueue. A nil notifier disables alerts.
func NewHandler(requestQueue, resultQueue string, repo repository.Repository, notifier notify.Notifier, log zerolog.Logger) *Handler {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Handler{
		requestQueue: queue.DeadLetterQueue(requestQueue),
		resultQueue:  queue.DeadLetterQueue(resultQueue),
		repo:         repo,
		notifier:     notifier,
		log:          log.With().Str("component", "deadletter").Logger(),
	}
}

// letter is what could be recovered from a dead-lettered message.
type letter struct {
	msg           queue.Message
	queue         string
	correlationID string
	reason        string
	description   string
	deliveryCount int
	fileName      string
	sourceLocator string
}

// HandleRequest handles a dead-lettered ProcessingRequest.
func (h *Handler) HandleRequest(ctx context.Context, d queue.Delivery) {
	h.handle(ctx, d, h.requestQueue, h.request)
}

// HandleResult handles a dead-lettered ProcessingResult.
func (h *Handler) HandleResult(ctx context.Context, d queue.Delivery) {
	h.handle(ctx, d, h.resultQueue, h.result)
}

func (h *Handler) handle(ctx context.Context, d queue.Delivery, queueName string, step func(context.Context, zerolog.Logger, *letter) error) {
	msg := d.Message()
	l := &letter{
		msg:           msg,
		queue:         queueName,
		correlationID: model.UnknownValue,
		reason:        msg.Property(queue.PropertyDeadLetterReason, DefaultReason),
		description:   msg.Property(queue.PropertyDeadLetterDescription, DefaultDescription),
		deliveryCount: msg.DeliveriesBeforeDeadLetter(),
	}
	if msg.CorrelationID != "" {
		l.correlationID = msg.CorrelationID
	}
	if l.deliveryCount == 0 {
		l.deliveryCount = d.DeliveryCount()
	}
	log := h.log.With().
		Str("queue", queueName).
		Str("message_id", msg.ID).
		Int("delivery_count", d.DeliveryCount()).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			h.internalFailure(ctx, log, l.correlationID, failure.Recovered(r))
		}
		if err := d.Complete(ctx); err != nil {
			log.Error().Err(err).Str("correlation_id", l.correlationID).Msg("complete dead-letter message failed")
		}
	}()

	if err := step(ctx, log, l); err != nil {
		h.internalFailure(ctx, log, l.correlationID, err)
	}
}

func (h *Handler) request(ctx context.Context, log zerolog.Logger, l *letter) error {
	req, err := model.DecodeRequest(l.msg.Body)
	if err != nil {
		log.Error().Err(err).Str("correlation_id", l.correlationID).Msg("undecodable dead-lettered request")
	} else {
		l.correlationID = req.CorrelationID
		l.fileName = req.FileName
		l.sourceLocator = req.SourceLocator
	}
	log = log.With().Str("correlation_id", l.correlationID).Logger()
	log.Error().Str("reason", l.reason).Str("description", l.description).Int("attempts", l.deliveryCount).Msg("processing request dead-lettered")

	var errs []error
	if l.correlationID != model.UnknownValue {
		if err := h.markFailed(ctx, log, l); err != nil {
			errs = append(errs, err)
		}
	}

	fileName := l.fileName
	if fileName == "" {
		fileName = model.UnknownValue
	}
	evt := model.NewEvent(l.correlationID, model.EventMessageDeadLettered,
		fmt.Sprintf("Message dead lettered after %d delivery attempts. File: %s", l.deliveryCount, fileName),
		model.LevelError, h.details(l))
	if err := h.repo.LogEvent(ctx, evt); err != nil {
		errs = append(errs, fmt.Errorf("log MessageDeadLettered: %w", err))
	}

	h.alert(ctx, log, l)
	return errors.Join(errs...)
}

func (h *Handler) markFailed(ctx context.Context, log zerolog.Logger, l *letter) error {
	err := h.repo.MarkFailed(ctx, l.correlationID, FailureMessage(l.reason, l.description), true)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		log.Warn().Msg("no submission to mark failed")
		return nil
	case errors.Is(err, repository.ErrTerminal):
		log.Info().Msg("submission already settled")
		return nil
	case err != nil:
		return fmt.Errorf("mark failed: %w", err)
	}
	log.Info().Msg("submission marked failed")
	return nil
}

func (h *Handler) result(ctx context.Context, log zerolog.Logger, l *letter) error {
	res, err := model.DecodeResult(l.msg.Body)
	if err != nil {
		log.Error().Err(err).Str("correlation_id", l.correlationID).Msg("undecodable dead-lettered result")
	} else {
		if res.CorrelationID != "" {
			l.correlationID = res.CorrelationID
		}
		l.fileName = res.OriginalFileName
	}
	log = log.With().Str("correlation_id", l.correlationID).Logger()
	log.Error().Str("reason", l.reason).Str("description", l.description).Msg("processing result dead-lettered")

	details := map[string]any{
		"messageId":             l.msg.ID,
		"deliveryCount":         l.deliveryCount,
		"deadLetterReason":      l.reason,
		"deadLetterDescription": l.description,
		"originalResult":        res,
	}
	evt := model.NewEvent(l.correlationID, model.EventResultDeadLettered,
		fmt.Sprintf("Processing result message was dead lettered. Reason: %s, Description: %s", l.reason, l.description),
		model.LevelError, details)
	err = h.repo.LogEvent(ctx, evt)
	h.alert(ctx, log, l)
	if err != nil {
		return fmt.Errorf("log ResultDeadLettered: %w", err)
	}
	return nil
}

func (h *Handler) details(l *letter) map[string]any {
	details := map[string]any{
		"messageId":             l.msg.ID,
		"correlationId":         l.correlationID,
		"deliveryCount":         l.deliveryCount,
		"enqueuedTime":          l.msg.EnqueuedAt,
		"deadLetterReason":      l.reason,
		"deadLetterDescription": l.description,
		"originalFileName":      l.fileName,
		"sourceLocator":         l.sourceLocator,
		"messageSize":           len(l.msg.Body),
		"applicationProperties": l.msg.Properties,
	}
	if !l.msg.ExpiresAt.IsZero() {
		details["expiresAt"] = l.msg.ExpiresAt.Format(time.RFC3339)
	}
	return details
}

func (h *Handler) alert(ctx context.Context, log zerolog.Logger, l *letter) {
	failure.BestEffort(log, "dead-letter alert", func() error {
		return h.notifier.NotifyDeadLettered(ctx, notify.Alert{
			Queue:            l.queue,
			CorrelationID:    l.correlationID,
			MessageID:        l.msg.ID,
			OriginalFileName: l.fileName,
			Reason:           l.reason,
			Description:      l.description,
			DeliveryCount:    l.deliveryCount,
		})
	})
}

func (h *Handler) internalFailure(ctx context.Context, log zerolog.Logger, correlationID string, err error) {
	log.Error().Err(err).Str("correlation_id", correlationID).Msg("dead-letter handling failed")
	failure.BestEffort(log, "log DeadLetterProcessingError", func() error {
		return h.repo.LogEvent(ctx, model.NewEvent(correlationID, model.EventDeadLetterProcessingError,
			fmt.Sprintf("Failed to process dead letter message: %v", err), model.LevelError, nil))
	})
}
