package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

var (
	errAbandoned  = errors.New("delivery abandoned")
	errUnsettled  = errors.New("delivery left unsettled")
	errBadPayload = errors.New("task payload is not a message envelope")
)

// AsynqOptions configures an AsynqBroker.
type AsynqOptions struct {
	Redis         asynq.RedisClientOpt
	MaxDeliveries int
	TTL           time.Duration
	// RetryDelay is how long an abandoned message waits before redelivery.
	RetryDelay  time.Duration
	Concurrency int
	Logger      zerolog.Logger
}

// AsynqBroker implements Broker on Redis through asynq. Each queue name is
// used both as the asynq queue and as the task type, and the message envelope
// travels as JSON in the task payload.
//
// asynq's retry counter supplies the delivery count. Abandon is expressed by
// returning an error from the asynq handler so that asynq schedules a retry;
// dead-lettering enqueues the envelope on the dead-letter queue and completes
// the original task.
type AsynqBroker struct {
	client *asynq.Client
	opts   AsynqOptions
	now    func() time.Time
}

var _ Broker = (*AsynqBroker)(nil)

// NewAsynqBroker creates the asynq client used for publishing.
func NewAsynqBroker(opts AsynqOptions) *AsynqBroker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &AsynqBroker{
		client: asynq.NewClient(opts.Redis),
		opts:   opts,
		now:    time.Now,
	}
}

// Close releases the publishing client.
func (b *AsynqBroker) Close() error {
	return b.client.Close()
}

// Publish enqueues body on queueName.
func (b *AsynqBroker) Publish(ctx context.Context, queueName string, body []byte, correlationID string) error {
	return b.enqueue(ctx, queueName, NewMessage(body, correlationID, b.opts.TTL))
}

func (b *AsynqBroker) enqueue(ctx context.Context, queueName string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	task := asynq.NewTask(queueName, data)
	// MaxRetry equal to the ceiling allows one delivery past it, which admit
	// dead-letters before asynq would archive the task.
	opts := []asynq.Option{asynq.Queue(queueName), asynq.MaxRetry(b.opts.MaxDeliveries)}
	if _, err := b.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue on %s: %w", queueName, err)
	}
	return nil
}

// Serve starts an asynq server for the routed queues and stops it when ctx is
// done.
func (b *AsynqBroker) Serve(ctx context.Context, routes map[string]Handler) error {
	mux := asynq.NewServeMux()
	queues := make(map[string]int, len(routes))
	for name, h := range routes {
		queues[name] = 1
		mux.HandleFunc(name, b.handler(name, h))
	}
	retryDelay := b.opts.RetryDelay
	server := asynq.NewServer(b.opts.Redis, asynq.Config{
		Concurrency: b.opts.Concurrency,
		Queues:      queues,
		RetryDelayFunc: func(int, error, *asynq.Task) time.Duration {
			return retryDelay
		},
		Logger: asynqLogger{log: b.opts.Logger.With().Str("component", "asynq").Logger()},
	})
	if err := server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func (b *AsynqBroker) handler(queueName string, h Handler) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		msg, err := decodeEnvelope(task.Payload())
		if err != nil {
			b.opts.Logger.Warn().Err(err).Str("queue", queueName).Msg("delivering raw task payload")
		}
		retried, _ := asynq.GetRetryCount(ctx)
		d := &delivery{queue: queueName, msg: msg, count: retried + 1, backend: b}

		if ok, err := admit(ctx, d, b.opts.MaxDeliveries, b.now()); !ok {
			if err != nil {
				return err
			}
			return nil
		}
		h(ctx, d)

		switch s := d.settlement(); s {
		case completed, deadLettered:
			return nil
		case abandoned:
			return errAbandoned
		default:
			return errUnsettled
		}
	}
}

func (b *AsynqBroker) abandon(context.Context, *delivery) error {
	// The handler's return value performs the requeue.
	return nil
}

func (b *AsynqBroker) deadLetter(ctx context.Context, queueName string, msg Message) error {
	return b.enqueue(ctx, queueName, msg)
}

func decodeEnvelope(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.ID == "" {
		return Message{Body: payload}, errBadPayload
	}
	return msg, nil
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
