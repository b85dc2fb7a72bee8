package realtime

import (
	"context"
	"sync"

	"github.com/skyduel/skyduel/pkg/observability"
)

// Data-change entities recognized by the hook
const (
	EntityTokenPrice    = "token.price"
	EntityTokenMetadata = "token.metadata"
	EntityContestStatus = "contest.status"
	EntityWalletBalance = "wallet.balance"
)

// DataChange describes one mutation observed at the persistence
// boundary. Fields carries the values the resulting event needs.
type DataChange struct {
	Entity string
	Op     string
	Key    string
	Fields map[string]interface{}
}

// DataChangeHook translates persistence mutations into bus events.
// OnChange never returns an error: a hook failure is logged and must
// not abort the mutation that triggered it.
type DataChangeHook struct {
	bus    *Bus
	logger observability.Logger
}

// NewDataChangeHook binds the hook to a bus. A nil bus yields a hook
// that drops every change, for deployments running without a broker.
func NewDataChangeHook(bus *Bus, logger observability.Logger) *DataChangeHook {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &DataChangeHook{
		bus:    bus,
		logger: logger.WithPrefix("datahook"),
	}
}

// OnChange maps one mutation to its bus event.
func (h *DataChangeHook) OnChange(ctx context.Context, change DataChange) {
	if h.bus == nil {
		return
	}

	payload := map[string]interface{}{
		"entity": change.Entity,
		"op":     change.Op,
		"key":    change.Key,
	}
	for k, v := range change.Fields {
		payload[k] = v
	}

	var err error
	switch change.Entity {
	case EntityTokenPrice:
		payload["address"] = change.Key
		err = h.bus.Publish(ctx, ChannelTokenPrice, payload)
	case EntityTokenMetadata:
		payload["address"] = change.Key
		err = h.bus.Publish(ctx, ChannelTokenMetadata, payload)
	case EntityContestStatus:
		payload["contest_id"] = change.Key
		err = h.bus.Publish(ctx, ChannelContestStatus, payload)
	case EntityWalletBalance:
		payload["wallet"] = change.Key
		err = h.bus.Publish(ctx, ChannelUserBalance, payload)
	default:
		h.logger.Debug("Ignoring data change for unmapped entity", map[string]interface{}{
			"entity": change.Entity,
			"key":    change.Key,
		})
		return
	}

	if err != nil {
		h.logger.Warn("Failed to publish data change", map[string]interface{}{
			"entity": change.Entity,
			"key":    change.Key,
			"error":  err.Error(),
		})
	}
}

// TopicBroadcaster receives bus traffic fanned out to live dashboard
// topics. The control surface implements it over its per-topic
// subscription table.
type TopicBroadcaster interface {
	BroadcastTopic(topic string, payload map[string]interface{})
}

// fanoutChannels are the bus channels relayed to dashboard clients.
var fanoutChannels = []string{
	ChannelTokenPrice,
	ChannelTokenMetadata,
	ChannelTokenRank,
	ChannelTokenVolume,
	ChannelTokenLiquidity,
	ChannelTokenDiscovery,
	ChannelTokenPool,
	ChannelContestStatus,
	ChannelContestParticipant,
	ChannelContestPortfolio,
	ChannelContestTrade,
	ChannelContestPrizes,
	ChannelContestCreation,
	ChannelUserBalance,
	ChannelUserAchievement,
	ChannelUserLevel,
	ChannelUserLogin,
	ChannelUserProfile,
	ChannelSystemStatus,
	ChannelSystemHeartbeat,
	ChannelSystemShutdown,
	ChannelSystemError,
	ChannelSystemMaintenance,
	ChannelServiceStatus,
	ChannelServiceError,
	ChannelServiceHeartbeat,
}

// TopicsFor returns the broadcast topics one bus message lands on: the
// channel itself plus entity-scoped topics derived from the payload.
func TopicsFor(channel string, payload map[string]interface{}) []string {
	topics := []string{channel}
	switch channel {
	case ChannelTokenPrice, ChannelTokenMetadata, ChannelTokenVolume, ChannelTokenLiquidity:
		if address, ok := payload["address"].(string); ok && address != "" {
			topics = append(topics, TokenTopic(address))
		}
	case ChannelContestStatus, ChannelContestParticipant, ChannelContestTrade:
		if id, ok := payload["contest_id"].(string); ok && id != "" {
			topics = append(topics, ContestTopic(id))
		}
	}
	return topics
}

// ClientFanout bridges bus channels to control-surface broadcast
// topics. It subscribes once per channel and relays every message to
// the broadcaster; delivery is best-effort.
type ClientFanout struct {
	bus    *Bus
	sink   TopicBroadcaster
	logger observability.Logger

	mu   sync.Mutex
	subs map[string]HandlerID
}

// NewClientFanout wires bus traffic into sink.
func NewClientFanout(bus *Bus, sink TopicBroadcaster, logger observability.Logger) *ClientFanout {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ClientFanout{
		bus:    bus,
		sink:   sink,
		logger: logger.WithPrefix("fanout"),
		subs:   make(map[string]HandlerID),
	}
}

// Start subscribes to every relayed channel. Channels that fail to
// subscribe are skipped and logged; the rest keep flowing.
func (f *ClientFanout) Start(ctx context.Context) error {
	if f.bus == nil || f.sink == nil {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, channel := range fanoutChannels {
		if _, ok := f.subs[channel]; ok {
			continue
		}
		id, err := f.bus.Subscribe(ctx, channel, f.relay)
		if err != nil {
			f.logger.Warn("Failed to subscribe fan-out channel", map[string]interface{}{
				"channel": channel,
				"error":   err.Error(),
			})
			continue
		}
		f.subs[channel] = id
	}

	f.logger.Info("Client fan-out started", map[string]interface{}{
		"channels": len(f.subs),
	})
	return nil
}

// Stop drops every fan-out subscription.
func (f *ClientFanout) Stop(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for channel, id := range f.subs {
		if err := f.bus.Unsubscribe(ctx, channel, id); err != nil {
			f.logger.Debug("Failed to unsubscribe fan-out channel", map[string]interface{}{
				"channel": channel,
				"error":   err.Error(),
			})
		}
		delete(f.subs, channel)
	}
}

func (f *ClientFanout) relay(channel string, payload map[string]interface{}) {
	for _, topic := range TopicsFor(channel, payload) {
		f.sink.BroadcastTopic(topic, payload)
	}
}
