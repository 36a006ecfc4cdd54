// Package queue is the at-least-once message transport between pipeline
// stages. Every queue has a dead-letter sub-queue, every delivery carries a
// broker-maintained delivery count, and handlers settle each delivery by
// completing, abandoning or dead-lettering it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dead-letter metadata keys copied onto a dead-lettered message.
const (
	PropertyDeadLetterReason      = "DeadLetterReason"
	PropertyDeadLetterDescription = "DeadLetterErrorDescription"
	// PropertyDeliveryCount records how many deliveries preceded the move to
	// the dead-letter sub-queue.
	PropertyDeliveryCount = "DeliveryCount"
)

// Reasons the broker itself uses when it dead-letters a message.
const (
	ReasonMaxDeliveryCount = "MaxDeliveryCountExceeded"
	ReasonExpired          = "TTLExpiredException"
)

const deadLetterSuffix = "-deadletter"

// ErrAlreadySettled is returned when a delivery is settled twice.
var ErrAlreadySettled = errors.New("delivery already settled")

// DeadLetterQueue names the dead-letter sub-queue of name.
func DeadLetterQueue(name string) string {
	return name + deadLetterSuffix
}

// IsDeadLetterQueue reports whether name is a dead-letter sub-queue.
func IsDeadLetterQueue(name string) bool {
	return strings.HasSuffix(name, deadLetterSuffix)
}

// Message is the envelope carried by every queue.
type Message struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Body          []byte            `json:"body"`
	Properties    map[string]string `json:"properties,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueuedAt"`
	ExpiresAt     time.Time         `json:"expiresAt,omitempty"`
}

// NewMessage wraps body in a fresh envelope. A non-positive ttl never expires.
func NewMessage(body []byte, correlationID string, ttl time.Duration) Message {
	now := time.Now().UTC()
	msg := Message{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Body:          body,
		EnqueuedAt:    now,
	}
	if ttl > 0 {
		msg.ExpiresAt = now.Add(ttl)
	}
	return msg
}

// Property returns the named property or def when it is absent or blank.
func (m Message) Property(key, def string) string {
	if v := strings.TrimSpace(m.Properties[key]); v != "" {
		return v
	}
	return def
}

// Expired reports whether the message outlived its time-to-live at now.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// DeliveriesBeforeDeadLetter returns the delivery count recorded when the
// message was dead-lettered, or 0.
func (m Message) DeliveriesBeforeDeadLetter() int {
	n, err := strconv.Atoi(m.Properties[PropertyDeliveryCount])
	if err != nil {
		return 0
	}
	return n
}

func (m Message) withDeadLetter(reason, description string, count int) Message {
	props := make(map[string]string, len(m.Properties)+3)
	for k, v := range m.Properties {
		props[k] = v
	}
	props[PropertyDeadLetterReason] = reason
	props[PropertyDeadLetterDescription] = description
	props[PropertyDeliveryCount] = strconv.Itoa(count)
	m.Properties = props
	return m
}

// Delivery is one receipt of a message. Exactly one of Complete, Abandon or
// DeadLetter should succeed per delivery.
type Delivery interface {
	Message() Message
	// DeliveryCount starts at 1 and grows on every redelivery.
	DeliveryCount() int
	Complete(ctx context.Context) error
	// Abandon returns the message to its queue for redelivery.
	Abandon(ctx context.Context) error
	// DeadLetter moves the message to the queue's dead-letter sub-queue.
	DeadLetter(ctx context.Context, reason, description string) error
}

// Publisher sends a message body to a queue.
type Publisher interface {
	Publish(ctx context.Context, queueName string, body []byte, correlationID string) error
}

// Handler processes a delivery and is responsible for settling it.
type Handler func(ctx context.Context, d Delivery)

// Consumer dispatches deliveries from the routed queues until ctx is done.
type Consumer interface {
	Serve(ctx context.Context, routes map[string]Handler) error
}

// Broker is a queue service that can both publish and consume.
type Broker interface {
	Publisher
	Consumer
}

type settlement int

const (
	unsettled settlement = iota
	completed
	abandoned
	deadLettered
)

func (s settlement) String() string {
	switch s {
	case completed:
		return "completed"
	case abandoned:
		return "abandoned"
	case deadLettered:
		return "dead-lettered"
	default:
		return "unsettled"
	}
}

// backend performs the broker-specific half of a settlement.
type backend interface {
	abandon(ctx context.Context, d *delivery) error
	deadLetter(ctx context.Context, queueName string, msg Message) error
}

type delivery struct {
	mu      sync.Mutex
	queue   string
	msg     Message
	count   int
	state   settlement
	backend backend
}

var _ Delivery = (*delivery)(nil)

func (d *delivery) Message() Message   { return d.msg }
func (d *delivery) DeliveryCount() int { return d.count }

func (d *delivery) Complete(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != unsettled {
		return fmt.Errorf("complete %s: %w (%s)", d.msg.ID, ErrAlreadySettled, d.state)
	}
	d.state = completed
	return nil
}

func (d *delivery) Abandon(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != unsettled {
		return fmt.Errorf("abandon %s: %w (%s)", d.msg.ID, ErrAlreadySettled, d.state)
	}
	if err := d.backend.abandon(ctx, d); err != nil {
		return fmt.Errorf("abandon %s: %w", d.msg.ID, err)
	}
	d.state = abandoned
	return nil
}

func (d *delivery) DeadLetter(ctx context.Context, reason, description string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != unsettled {
		return fmt.Errorf("dead-letter %s: %w (%s)", d.msg.ID, ErrAlreadySettled, d.state)
	}
	dl := d.msg.withDeadLetter(reason, description, d.count)
	if err := d.backend.deadLetter(ctx, DeadLetterQueue(d.queue), dl); err != nil {
		return fmt.Errorf("dead-letter %s: %w", d.msg.ID, err)
	}
	d.state = deadLettered
	return nil
}

func (d *delivery) settlement() settlement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// admit applies the broker-side delivery ceiling and expiry before a handler
// sees the delivery. Dead-letter sub-queues are exempt.
func admit(ctx context.Context, d *delivery, maxDeliveries int, now time.Time) (bool, error) {
	if IsDeadLetterQueue(d.queue) {
		return true, nil
	}
	var reason, desc string
	switch {
	case maxDeliveries > 0 && d.count > maxDeliveries:
		reason = ReasonMaxDeliveryCount
		desc = fmt.Sprintf("Message was delivered %d times without being completed", d.count-1)
	case d.msg.Expired(now):
		reason = ReasonExpired
		desc = fmt.Sprintf("Message expired at %s", d.msg.ExpiresAt.Format(time.RFC3339))
	default:
		return true, nil
	}
	// This receipt never reaches a handler.
	d.count--
	return false, d.DeadLetter(ctx, reason, desc)
}
