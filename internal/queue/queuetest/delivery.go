// Package queuetest provides a recording queue.Delivery for handler tests.
package queuetest

import (
	"context"
	"sync"

	"github.com/dharsanguruparan/ConvertDrop/internal/queue"
)

// Delivery records how a handler settled it. The *Err fields make the
// matching settlement fail.
type Delivery struct {
	Msg   queue.Message
	Count int

	CompleteErr   error
	AbandonErr    error
	DeadLetterErr error

	mu    sync.Mutex
	calls []string

	completed, abandoned, deadLettered int
	reason, description                string
}

var _ queue.Delivery = (*Delivery)(nil)

// NewDelivery wraps body in a message delivered count times.
func NewDelivery(body []byte, correlationID string, count int) *Delivery {
	return &Delivery{Msg: queue.NewMessage(body, correlationID, 0), Count: count}
}

func (d *Delivery) Message() queue.Message { return d.Msg }
func (d *Delivery) DeliveryCount() int     { return d.Count }

func (d *Delivery) Complete(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "complete")
	if d.CompleteErr != nil {
		return d.CompleteErr
	}
	d.completed++
	return nil
}

func (d *Delivery) Abandon(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "abandon")
	if d.AbandonErr != nil {
		return d.AbandonErr
	}
	d.abandoned++
	return nil
}

func (d *Delivery) DeadLetter(_ context.Context, reason, description string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "deadletter")
	if d.DeadLetterErr != nil {
		return d.DeadLetterErr
	}
	d.deadLettered++
	d.reason, d.description = reason, description
	return nil
}

// Completed counts successful Complete calls.
func (d *Delivery) Completed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed
}

// Abandoned counts successful Abandon calls.
func (d *Delivery) Abandoned() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.abandoned
}

// DeadLettered counts successful DeadLetter calls.
func (d *Delivery) DeadLettered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deadLettered
}

// Settled counts every successful settlement.
func (d *Delivery) Settled() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed + d.abandoned + d.deadLettered
}

// DeadLetterReason returns the reason and description of the last
// successful DeadLetter call.
func (d *Delivery) DeadLetterReason() (string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason, d.description
}

// Calls lists every settlement attempt in order, failed ones included.
func (d *Delivery) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}
