// Package results records processing outcomes published by the worker.
package results

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ConvertDrop/internal/failure"
	"github.com/dharsanguruparan/ConvertDrop/internal/model"
	"github.com/dharsanguruparan/ConvertDrop/internal/notify"
	"github.com/dharsanguruparan/ConvertDrop/internal/queue"
	"github.com/dharsanguruparan/ConvertDrop/internal/repository"
)

// Consumer handles deliveries from the result queue.
type Consumer struct {
	queueName string
	repo      repository.Repository
	notifier  notify.Notifier
	log       zerolog.Logger
}

// NewConsumer constructs a Consumer. A nil notifier disables notifications.
func NewConsumer(queueName string, repo repository.Repository, notifier notify.Notifier, log zerolog.Logger) *Consumer {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Consumer{
		queueName: queueName,
		repo:      repo,
		notifier:  notifier,
		log:       log.With().Str("component", "results").Logger(),
	}
}

// Handle records one result and settles the delivery. Only a failed record
// write leads to redelivery.
func (c *Consumer) Handle(ctx context.Context, d queue.Delivery) {
	msg := d.Message()
	log := c.log.With().
		Str("queue", c.queueName).
		Str("message_id", msg.ID).
		Str("correlation_id", msg.CorrelationID).
		Int("delivery_count", d.DeliveryCount()).
		Logger()

	res, err := model.DecodeResult(msg.Body)
	if err != nil {
		log.Error().Err(err).Msg("undecodable result")
		c.abandon(ctx, log, d)
		return
	}
	log = log.With().Str("correlation_id", res.CorrelationID).Str("status", string(res.Status)).Logger()

	switch res.Status {
	case model.ResultProcessed:
		err = c.recordProcessed(ctx, log, res)
	case model.ResultFailed:
		err = c.recordFailed(ctx, res)
	default:
		log.Warn().Msg("result has unknown status; ignoring")
	}
	if err != nil {
		log.Error().Err(err).Msg("recording result failed")
		failure.BestEffort(log, "log ResultProcessingError", func() error {
			return c.repo.LogEvent(ctx, model.NewEvent(res.CorrelationID, model.EventResultProcessingError,
				fmt.Sprintf("Failed to record %s result: %v", res.Status, err), model.LevelError, nil))
		})
		c.abandon(ctx, log, d)
		return
	}

	if err := d.Complete(ctx); err != nil {
		log.Error().Err(err).Msg("complete result failed")
		return
	}

	switch res.Status {
	case model.ResultProcessed:
		failure.BestEffort(log, "notify processed", func() error { return c.notifier.NotifyProcessed(ctx, *res) })
	case model.ResultFailed:
		failure.BestEffort(log, "notify failed", func() error { return c.notifier.NotifyFailed(ctx, *res) })
	}
}

func (c *Consumer) recordProcessed(ctx context.Context, log zerolog.Logger, res *model.ProcessingResult) error {
	err := c.repo.MarkProcessed(ctx, res.CorrelationID, res.ProcessedFileName, res.ProcessorType, res.ProcessedAt)
	switch {
	case errors.Is(err, repository.ErrTerminal):
		// A redelivery after a failed event write finds the record already
		// settled; the event is still owed.
		owed, err := c.completionOwed(ctx, res.CorrelationID)
		if err != nil {
			return err
		}
		if !owed {
			log.Info().Msg("duplicate result for a settled submission")
			return nil
		}
	case errors.Is(err, repository.ErrNotFound):
		log.Warn().Msg("result for unknown submission")
		return nil
	case err != nil:
		return fmt.Errorf("mark processed: %w", err)
	}
	details := map[string]any{
		"processorType":     res.ProcessorType,
		"processedFileName": res.ProcessedFileName,
		"processedAt":       res.ProcessedAt,
	}
	if err := c.repo.LogEvent(ctx, model.NewEvent(res.CorrelationID, model.EventProcessingCompleted,
		fmt.Sprintf("File %s processed as %s", res.OriginalFileName, res.ProcessedFileName), model.LevelInfo, details)); err != nil {
		return fmt.Errorf("log ProcessingCompleted: %w", err)
	}
	log.Info().Str("output", res.ProcessedFileName).Msg("submission processed")
	return nil
}

// completionOwed reports whether a Processed submission is still missing its
// ProcessingCompleted event.
func (c *Consumer) completionOwed(ctx context.Context, correlationID string) (bool, error) {
	sub, err := c.repo.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return false, fmt.Errorf("load submission: %w", err)
	}
	if sub.Status != model.StatusProcessed {
		return false, nil
	}
	events, err := c.repo.ListEvents(ctx, correlationID)
	if err != nil {
		return false, fmt.Errorf("list events: %w", err)
	}
	for _, evt := range events {
		if evt.EventType == model.EventProcessingCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (c *Consumer) recordFailed(ctx context.Context, res *model.ProcessingResult) error {
	details := map[string]any{
		"originalFileName": res.OriginalFileName,
		"processorType":    res.ProcessorType,
	}
	if err := c.repo.LogEvent(ctx, model.NewEvent(res.CorrelationID, model.EventProcessingFailed,
		res.Message, model.LevelError, details)); err != nil {
		return fmt.Errorf("log ProcessingFailed: %w", err)
	}
	return nil
}

func (c *Consumer) abandon(ctx context.Context, log zerolog.Logger, d queue.Delivery) {
	if err := d.Abandon(ctx); err != nil {
		log.Error().Err(err).Msg("abandon result failed")
	}
}
