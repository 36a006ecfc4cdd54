package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemoryOptions configures a MemoryBroker.
type MemoryOptions struct {
	// MaxDeliveries is the broker-level ceiling after which a message is
	// dead-lettered with ReasonMaxDeliveryCount.
	MaxDeliveries int
	TTL           time.Duration
	// RetryDelay holds an abandoned message back before it becomes
	// receivable again. Zero requeues immediately.
	RetryDelay time.Duration
	// Concurrency is the number of worker goroutines per served queue.
	Concurrency int
	Logger      zerolog.Logger
}

// MemoryBroker is an in-process Broker. It backs single-process mode and lets
// tests step deliveries one at a time with TryReceive.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	opts   MemoryOptions
	now    func() time.Time
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker constructs a MemoryBroker.
func NewMemoryBroker(opts MemoryOptions) *MemoryBroker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &MemoryBroker{
		queues: make(map[string]*memoryQueue),
		opts:   opts,
		now:    time.Now,
	}
}

// Publish enqueues body on queueName.
func (b *MemoryBroker) Publish(ctx context.Context, queueName string, body []byte, correlationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.queue(queueName).push(memoryEntry{msg: NewMessage(body, correlationID, b.opts.TTL)})
	return nil
}

// TryReceive returns the next admitted delivery without blocking.
func (b *MemoryBroker) TryReceive(queueName string) (Delivery, bool) {
	q := b.queue(queueName)
	for {
		entry, ok := q.tryPop()
		if !ok {
			return nil, false
		}
		if d, ok := b.admit(context.Background(), queueName, entry); ok {
			return d, true
		}
	}
}

// Receive blocks until a delivery is admitted or ctx is done.
func (b *MemoryBroker) Receive(ctx context.Context, queueName string) (Delivery, error) {
	d, err := b.receive(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (b *MemoryBroker) receive(ctx context.Context, queueName string) (*delivery, error) {
	q := b.queue(queueName)
	for {
		entry, err := q.pop(ctx)
		if err != nil {
			return nil, err
		}
		if d, ok := b.admit(ctx, queueName, entry); ok {
			return d, nil
		}
	}
}

func (b *MemoryBroker) admit(ctx context.Context, queueName string, entry memoryEntry) (*delivery, bool) {
	d := &delivery{queue: queueName, msg: entry.msg, count: entry.count + 1, backend: b}
	ok, err := admit(ctx, d, b.opts.MaxDeliveries, b.now())
	if err != nil {
		b.opts.Logger.Error().Err(err).Str("queue", queueName).Str("message_id", d.msg.ID).Msg("broker dead-letter failed")
	}
	return d, ok
}

// Pending returns a snapshot of the messages waiting on queueName.
func (b *MemoryBroker) Pending(queueName string) []Message {
	return b.queue(queueName).snapshot()
}

// Serve runs Concurrency workers per routed queue until ctx is done and then
// waits for in-flight handlers to return.
func (b *MemoryBroker) Serve(ctx context.Context, routes map[string]Handler) error {
	var wg sync.WaitGroup
	for name, h := range routes {
		for i := 0; i < b.opts.Concurrency; i++ {
			wg.Add(1)
			go func(name string, h Handler) {
				defer wg.Done()
				b.worker(ctx, name, h)
			}(name, h)
		}
	}
	wg.Wait()
	return nil
}

func (b *MemoryBroker) worker(ctx context.Context, queueName string, h Handler) {
	for {
		d, err := b.receive(ctx, queueName)
		if err != nil {
			return
		}
		b.dispatch(ctx, queueName, h, d)
	}
}

func (b *MemoryBroker) dispatch(ctx context.Context, queueName string, h Handler, d *delivery) {
	log := b.opts.Logger.With().Str("queue", queueName).Str("message_id", d.msg.ID).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("handler panicked")
		}
		if d.settlement() == unsettled {
			// Equivalent of a lock expiring on a hosted queue.
			log.Warn().Int("delivery_count", d.count).Msg("delivery left unsettled, returning to queue")
			if err := d.Abandon(context.Background()); err != nil {
				log.Error().Err(err).Msg("requeue unsettled delivery")
			}
		}
	}()
	h(ctx, d)
}

func (b *MemoryBroker) abandon(_ context.Context, d *delivery) error {
	q, entry := b.queue(d.queue), memoryEntry{msg: d.msg, count: d.count}
	if b.opts.RetryDelay <= 0 {
		q.push(entry)
		return nil
	}
	time.AfterFunc(b.opts.RetryDelay, func() { q.push(entry) })
	return nil
}

func (b *MemoryBroker) deadLetter(_ context.Context, queueName string, msg Message) error {
	b.queue(queueName).push(memoryEntry{msg: msg})
	return nil
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newMemoryQueue()
		b.queues[name] = q
	}
	return q
}

type memoryEntry struct {
	msg   Message
	count int
}

// memoryQueue is an unbounded FIFO. ready holds at most one wake-up token;
// a consumer that leaves items behind passes the token on.
type memoryQueue struct {
	mu    sync.Mutex
	items []memoryEntry
	ready chan struct{}
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{ready: make(chan struct{}, 1)}
}

func (q *memoryQueue) push(e memoryEntry) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.signal()
}

func (q *memoryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) tryPop() (memoryEntry, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return memoryEntry{}, false
	}
	e := q.items[0]
	q.items[0] = memoryEntry{}
	q.items = q.items[1:]
	more := len(q.items) > 0
	q.mu.Unlock()
	if more {
		q.signal()
	}
	return e, true
}

func (q *memoryQueue) pop(ctx context.Context) (memoryEntry, error) {
	for {
		if e, ok := q.tryPop(); ok {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return memoryEntry{}, fmt.Errorf("receive: %w", ctx.Err())
		case <-q.ready:
		}
	}
}

func (q *memoryQueue) snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.items))
	for i, e := range q.items {
		out[i] = e.msg
	}
	return out
}
