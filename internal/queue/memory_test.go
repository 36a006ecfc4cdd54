package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerDeliveryCountGrowsOnAbandon(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(MemoryOptions{MaxDeliveries: 10})
	require.NoError(t, b.Publish(ctx, "fileupload", []byte(`{}`), "corr-1"))

	for want := 1; want <= 3; want++ {
		d, ok := b.TryReceive("fileupload")
		require.True(t, ok)
		assert.Equal(t, want, d.DeliveryCount())
		assert.Equal(t, "corr-1", d.Message().CorrelationID)
		require.NoError(t, d.Abandon(ctx))
	}
	d, ok := b.TryReceive("fileupload")
	require.True(t, ok)
	require.NoError(t, d.Complete(ctx))

	_, ok = b.TryReceive("fileupload")
	assert.False(t, ok)
}

func TestMemoryBrokerAbandonWaitsRetryDelay(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(MemoryOptions{MaxDeliveries: 10, RetryDelay: 100 * time.Millisecond})
	require.NoError(t, b.Publish(ctx, "fileupload", []byte(`{}`), "corr-delay"))

	d, ok := b.TryReceive("fileupload")
	require.True(t, ok)
	abandoned := time.Now()
	require.NoError(t, d.Abandon(ctx))

	_, ok = b.TryReceive("fileupload")
	assert.False(t, ok, "abandoned message must not be redelivered before the retry delay")

	var again Delivery
	require.Eventually(t, func() bool {
		again, ok = b.TryReceive("fileupload")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(abandoned), 100*time.Millisecond)
	assert.Equal(t, 2, again.DeliveryCount())
	assert.Equal(t, "corr-delay", again.Message().CorrelationID)
	require.NoError(t, again.Complete(ctx))
}

func TestMemoryBrokerDeadLetterCarriesReason(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(MemoryOptions{MaxDeliveries: 10})
	require.NoError(t, b.Publish(ctx, "fileupload", []byte("body"), "corr-2"))

	d, ok := b.TryReceive("fileupload")
	require.True(t, ok)
	require.NoError(t, d.DeadLetter(ctx, "UnsupportedFileType", "File type is not supported for processing"))

	assert.Empty(t, b.Pending("fileupload"))
	dlq := b.Pending(DeadLetterQueue("fileupload"))
	require.Len(t, dlq, 1)
	assert.Equal(t, "UnsupportedFileType", dlq[0].Property(PropertyDeadLetterReason, "Unknown"))
	assert.Equal(t, "File type is not supported for processing", dlq[0].Property(PropertyDeadLetterDescription, ""))
	assert.Equal(t, d.Message().ID, dlq[0].ID)

	dd, ok := b.TryReceive(DeadLetterQueue("fileupload"))
	require.True(t, ok)
	assert.Equal(t, 1, dd.DeliveryCount(), "the dead-letter sub-queue counts its own deliveries")
	assert.Equal(t, 1, dd.Message().DeliveriesBeforeDeadLetter())
}

func TestMemoryBrokerSettleTwice(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(MemoryOptions{})
	require.NoError(t, b.Publish(ctx, "q", nil, ""))
	d, ok := b.TryReceive("q")
	require.True(t, ok)

	require.NoError(t, d.Complete(ctx))
	assert.ErrorIs(t, d.Complete(ctx), ErrAlreadySettled)
	assert.ErrorIs(t, d.Abandon(ctx), ErrAlreadySettled)
	assert.ErrorIs(t, d.DeadLetter(ctx, "r", "d"), ErrAlreadySettled)
	assert.Empty(t, b.Pending("q"))
	assert.Empty(t, b.Pending(DeadLetterQueue("q")))
}

func TestMemoryBrokerMaxDeliveryCeiling(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(MemoryOptions{MaxDeliveries: 2})
	require.NoError(t, b.Publish(ctx, "fileprocessing", []byte("x"), "c"))

	for i := 0; i < 2; i++ {
		d, ok := b.TryReceive("fileprocessing")
		require.True(t, ok)
		require.NoError(t, d.Abandon(ctx))
	}
	_, ok := b.TryReceive("fileprocessing")
	assert.False(t, ok, "third delivery exceeds the ceiling")

	dlq := b.Pending(DeadLetterQueue("fileprocessing"))
	require.Len(t, dlq, 1)
	assert.Equal(t, ReasonMaxDeliveryCount, dlq[0].Property(PropertyDeadLetterReason, ""))
	assert.Equal(t, 2, dlq[0].DeliveriesBeforeDeadLetter())
}

func TestMemoryBrokerExpiredMessages(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(MemoryOptions{TTL: time.Minute})
	require.NoError(t, b.Publish(ctx, "q", []byte("x"), "c"))
	b.now = func() time.Time { return time.Now().Add(time.Hour) }

	_, ok := b.TryReceive("q")
	assert.False(t, ok)
	dlq := b.Pending(DeadLetterQueue("q"))
	require.Len(t, dlq, 1)
	assert.Equal(t, ReasonExpired, dlq[0].Property(PropertyDeadLetterReason, ""))
}

func TestMemoryBrokerServeRequeuesUnsettled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemoryBroker(MemoryOptions{MaxDeliveries: 10, Concurrency: 2})
	require.NoError(t, b.Publish(ctx, "q", []byte("x"), "c"))

	var calls atomic.Int32
	done := make(chan int, 1)
	handler := func(ctx context.Context, d Delivery) {
		n := calls.Add(1)
		if n == 1 {
			panic("first attempt blows up")
		}
		if n == 2 {
			return // left unsettled
		}
		_ = d.Complete(ctx)
		done <- d.DeliveryCount()
	}

	served := make(chan struct{})
	go func() {
		_ = b.Serve(ctx, map[string]Handler{"q": handler})
		close(served)
	}()

	select {
	case count := <-done:
		assert.Equal(t, 3, count)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not redelivered")
	}
	cancel()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestMessagePropertyDefaults(t *testing.T) {
	msg := Message{Properties: map[string]string{PropertyDeadLetterReason: "  "}}
	assert.Equal(t, "Unknown", msg.Property(PropertyDeadLetterReason, "Unknown"))
	assert.Equal(t, "No description available", msg.Property(PropertyDeadLetterDescription, "No description available"))
	assert.True(t, IsDeadLetterQueue(DeadLetterQueue("fileupload")))
	assert.False(t, IsDeadLetterQueue("fileupload"))
}
