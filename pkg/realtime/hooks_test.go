package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyduel/skyduel/pkg/observability"
)

func TestDataChangeHook_OnChange(t *testing.T) {
	ctx := context.Background()

	t.Run("Nil bus drops changes silently", func(t *testing.T) {
		hook := NewDataChangeHook(nil, observability.NewNoopLogger())
		assert.NotPanics(t, func() {
			hook.OnChange(ctx, DataChange{Entity: EntityTokenPrice, Op: "update", Key: "addr-1"})
		})
	})

	t.Run("Token price change lands on token price channel", func(t *testing.T) {
		bus := testBus(t)
		hook := NewDataChangeHook(bus, observability.NewNoopLogger())

		hook.OnChange(ctx, DataChange{
			Entity: EntityTokenPrice,
			Op:     "update",
			Key:    "addr-1",
			Fields: map[string]interface{}{"price_usd": "3.14"},
		})

		last, ok := bus.LastMessage(ChannelTokenPrice)
		require.True(t, ok)
		assert.Equal(t, "addr-1", last["address"])
		assert.Equal(t, "update", last["op"])
		assert.Equal(t, "3.14", last["price_usd"])
	})

	t.Run("Contest status change carries contest_id", func(t *testing.T) {
		bus := testBus(t)
		hook := NewDataChangeHook(bus, observability.NewNoopLogger())

		hook.OnChange(ctx, DataChange{
			Entity: EntityContestStatus,
			Op:     "update",
			Key:    "c-7",
			Fields: map[string]interface{}{"status": "active"},
		})

		last, ok := bus.LastMessage(ChannelContestStatus)
		require.True(t, ok)
		assert.Equal(t, "c-7", last["contest_id"])
		assert.Equal(t, "active", last["status"])
	})

	t.Run("Wallet balance change carries wallet", func(t *testing.T) {
		bus := testBus(t)
		hook := NewDataChangeHook(bus, observability.NewNoopLogger())

		hook.OnChange(ctx, DataChange{
			Entity: EntityWalletBalance,
			Op:     "update",
			Key:    "wallet-9",
			Fields: map[string]interface{}{"balance": "12.5"},
		})

		last, ok := bus.LastMessage(ChannelUserBalance)
		require.True(t, ok)
		assert.Equal(t, "wallet-9", last["wallet"])
	})

	t.Run("Unmapped entity is ignored", func(t *testing.T) {
		bus := testBus(t)
		hook := NewDataChangeHook(bus, observability.NewNoopLogger())

		hook.OnChange(ctx, DataChange{Entity: "trade.fill", Op: "insert", Key: "t-1"})

		_, ok := bus.LastMessage(ChannelTokenPrice)
		assert.False(t, ok)
	})

	t.Run("Publish failure does not propagate", func(t *testing.T) {
		bus := testBus(t)
		require.NoError(t, bus.broker.Shutdown(ctx))
		hook := NewDataChangeHook(bus, observability.NewNoopLogger())

		assert.NotPanics(t, func() {
			hook.OnChange(ctx, DataChange{Entity: EntityTokenPrice, Op: "update", Key: "addr-1"})
		})
	})
}

func TestTopicsFor(t *testing.T) {
	t.Run("Token channels add the token topic", func(t *testing.T) {
		topics := TopicsFor(ChannelTokenPrice, map[string]interface{}{"address": "addr-1"})
		assert.Equal(t, []string{ChannelTokenPrice, "token:addr-1"}, topics)
	})

	t.Run("Contest channels add the contest topic", func(t *testing.T) {
		topics := TopicsFor(ChannelContestTrade, map[string]interface{}{"contest_id": "c-3"})
		assert.Equal(t, []string{ChannelContestTrade, "contest:c-3"}, topics)
	})

	t.Run("Missing entity key yields only the channel", func(t *testing.T) {
		topics := TopicsFor(ChannelTokenPrice, map[string]interface{}{})
		assert.Equal(t, []string{ChannelTokenPrice}, topics)
	})

	t.Run("Non-entity channels yield only the channel", func(t *testing.T) {
		topics := TopicsFor(ChannelSystemStatus, map[string]interface{}{"address": "addr-1"})
		assert.Equal(t, []string{ChannelSystemStatus}, topics)
	})
}

type stubBroadcaster struct {
	mu     sync.Mutex
	topics map[string][]map[string]interface{}
}

func newStubBroadcaster() *stubBroadcaster {
	return &stubBroadcaster{topics: make(map[string][]map[string]interface{})}
}

func (s *stubBroadcaster) BroadcastTopic(topic string, payload map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = append(s.topics[topic], payload)
}

func (s *stubBroadcaster) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics[topic])
}

func TestClientFanout(t *testing.T) {
	ctx := context.Background()

	t.Run("Relay fans one message onto each derived topic", func(t *testing.T) {
		sink := newStubBroadcaster()
		fanout := NewClientFanout(nil, sink, observability.NewNoopLogger())

		fanout.relay(ChannelTokenPrice, map[string]interface{}{"address": "addr-1"})

		assert.Equal(t, 1, sink.count(ChannelTokenPrice))
		assert.Equal(t, 1, sink.count("token:addr-1"))
	})

	t.Run("Start relays live bus traffic to the sink", func(t *testing.T) {
		bus := testBus(t)
		sink := newStubBroadcaster()
		fanout := NewClientFanout(bus, sink, observability.NewNoopLogger())

		require.NoError(t, fanout.Start(ctx))
		defer fanout.Stop(ctx)

		require.NoError(t, bus.PublishContestStatus(ctx, "c-1", "active", nil))

		assert.Eventually(t, func() bool {
			return sink.count(ChannelContestStatus) > 0 && sink.count("contest:c-1") > 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Start without bus or sink is a no-op", func(t *testing.T) {
		assert.NoError(t, NewClientFanout(nil, nil, nil).Start(ctx))
	})
}
