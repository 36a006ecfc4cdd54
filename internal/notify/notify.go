// Package notify tells people about finished, failed and dead-lettered
// submissions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dharsanguruparan/ConvertDrop/internal/model"
)

// Alert describes a message that reached a dead-letter queue.
type Alert struct {
	Queue            string
	CorrelationID    string
	MessageID        string
	OriginalFileName string
	Reason           string
	Description      string
	DeliveryCount    int
}

// Notifier receives pipeline outcomes.
type Notifier interface {
	NotifyProcessed(ctx context.Context, res model.ProcessingResult) error
	NotifyFailed(ctx context.Context, res model.ProcessingResult) error
	NotifyDeadLettered(ctx context.Context, alert Alert) error
}

// Noop discards every notification.
type Noop struct{}

func (Noop) NotifyProcessed(context.Context, model.ProcessingResult) error { return nil }
func (Noop) NotifyFailed(context.Context, model.ProcessingResult) error    { return nil }
func (Noop) NotifyDeadLettered(context.Context, Alert) error               { return nil }

// Fanout forwards each notification to every notifier and joins the errors.
type Fanout []Notifier

func (f Fanout) NotifyProcessed(ctx context.Context, res model.ProcessingResult) error {
	return f.each(func(n Notifier) error { return n.NotifyProcessed(ctx, res) })
}

func (f Fanout) NotifyFailed(ctx context.Context, res model.ProcessingResult) error {
	return f.each(func(n Notifier) error { return n.NotifyFailed(ctx, res) })
}

func (f Fanout) NotifyDeadLettered(ctx context.Context, alert Alert) error {
	return f.each(func(n Notifier) error { return n.NotifyDeadLettered(ctx, alert) })
}

func (f Fanout) each(call func(Notifier) error) error {
	var errs []error
	for _, n := range f {
		if err := call(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sender delivers a plain-text email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// EmailNotifier formats notifications as short emails to a fixed list of
// recipients.
type EmailNotifier struct {
	sender Sender
	to     []string
}

// NewEmailNotifier returns a notifier mailing every address in to.
func NewEmailNotifier(sender Sender, to []string) *EmailNotifier {
	return &EmailNotifier{sender: sender, to: to}
}

func (e *EmailNotifier) NotifyProcessed(ctx context.Context, res model.ProcessingResult) error {
	subject := fmt.Sprintf("[ConvertDrop] %s processed", res.OriginalFileName)
	body := fmt.Sprintf("File %s was converted by %s.\n\nOutput: %s\nCorrelation id: %s\nProcessed at: %s\n",
		res.OriginalFileName, res.ProcessorType, res.ProcessedFileName, res.CorrelationID, res.ProcessedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	return e.send(ctx, subject, body)
}

func (e *EmailNotifier) NotifyFailed(ctx context.Context, res model.ProcessingResult) error {
	subject := fmt.Sprintf("[ConvertDrop] %s failed", res.OriginalFileName)
	body := fmt.Sprintf("Processing of %s failed.\n\nReason: %s\nCorrelation id: %s\n",
		res.OriginalFileName, res.Message, res.CorrelationID)
	return e.send(ctx, subject, body)
}

func (e *EmailNotifier) NotifyDeadLettered(ctx context.Context, alert Alert) error {
	subject := fmt.Sprintf("[ConvertDrop] message dead-lettered on %s", alert.Queue)
	var b strings.Builder
	fmt.Fprintf(&b, "A message was moved to %s after %d delivery attempt(s).\n\n", alert.Queue, alert.DeliveryCount)
	fmt.Fprintf(&b, "Reason: %s\nDescription: %s\n", alert.Reason, alert.Description)
	fmt.Fprintf(&b, "Correlation id: %s\nMessage id: %s\n", alert.CorrelationID, alert.MessageID)
	if alert.OriginalFileName != "" {
		fmt.Fprintf(&b, "File: %s\n", alert.OriginalFileName)
	}
	return e.send(ctx, subject, b.String())
}

func (e *EmailNotifier) send(ctx context.Context, subject, body string) error {
	var errs []error
	for _, to := range e.to {
		if err := e.sender.Send(ctx, to, subject, body); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}
