package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelbatch.io/orchestrator/internal/config"
	"reelbatch.io/orchestrator/internal/domain"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	var got []string
	require.NoError(t, b.Subscribe(ctx, TopicEvents, func(_ context.Context, p []byte) {
		got = append(got, string(p))
	}))

	require.NoError(t, b.Publish(context.Background(), TopicEvents, []byte("a")))
	require.NoError(t, b.Publish(context.Background(), TopicCallbacks, []byte("ignored")))
	assert.Equal(t, []string{"a"}, got)

	cancel()
	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.subs[TopicEvents]) == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), TopicEvents, []byte("b")))
	assert.Equal(t, []string{"a"}, got)
}

func TestMemoryBus_Closed(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), TopicEvents, nil), ErrClosed)
	assert.ErrorIs(t, b.Subscribe(context.Background(), TopicEvents, func(context.Context, []byte) {}), ErrClosed)
}

func TestRedisBus_Channel(t *testing.T) {
	b := newRedisBus(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}), "reelbatch")
	defer b.Close()
	assert.Equal(t, "reelbatch:events", b.channel(TopicEvents))

	b.prefix = ""
	assert.Equal(t, TopicCallbacks, b.channel(TopicCallbacks))
}

func TestNewRedisBus_RequiresAddr(t *testing.T) {
	_, err := NewRedisBus(context.Background(), config.RedisConfig{})
	assert.Error(t, err)
}

func TestForwarder_PublishesDomainEvents(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	var got []domain.DomainEvent
	require.NoError(t, b.Subscribe(ctx, TopicEvents, func(_ context.Context, p []byte) {
		var ev domain.DomainEvent
		require.NoError(t, json.Unmarshal(p, &ev))
		got = append(got, ev)
	}))

	d := domain.NewEventDispatcher()
	d.RegisterAll(Forwarder(b))
	d.Emit(ctx, domain.EventBatchLaunched, domain.AggregateBatch, "b1", "u1",
		domain.BatchPayload{BatchID: "b1", OwnerID: "u1", Status: domain.BatchTestRunning})

	require.Len(t, got, 1)
	assert.Equal(t, domain.EventBatchLaunched, got[0].EventType)
	assert.Equal(t, "b1", got[0].AggregateID)
	assert.JSONEq(t, `{"batch_id":"b1","owner_id":"u1","status":"test_running","counts":{"total":0,"pending":0,"in_progress":0,"completed":0,"failed":0}}`, string(got[0].Payload))
}
