package realtime

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/skyduel/skyduel/pkg/observability"
)

// replayCacheSize bounds the last-message replay cache. One slot per
// channel plus room for entity-scoped topics.
const replayCacheSize = 512

// Publisher is the subset of the broker the bus publishes through.
// Defined here so tests and degraded deployments can substitute the
// transport.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload map[string]interface{}) (int64, error)
}

// Bus is the domain event stream. It forwards messages to the broker
// and retains the last message per channel so a late subscriber can be
// brought current immediately.
type Bus struct {
	broker *Broker
	pub    Publisher
	replay *lru.Cache[string, map[string]interface{}]

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewBus wraps a broker in the typed domain helpers.
func NewBus(broker *Broker, logger observability.Logger, metrics observability.MetricsClient) (*Bus, error) {
	if broker == nil {
		return nil, errors.New("broker is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	replay, err := lru.New[string, map[string]interface{}](replayCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create replay cache")
	}
	return &Bus{
		broker:  broker,
		pub:     broker,
		replay:  replay,
		logger:  logger.WithPrefix("bus"),
		metrics: metrics,
	}, nil
}

// Publish forwards payload to channel and records it for replay.
// Realtime delivery is best-effort; the payload is cached even when the
// broker rejects the publish so reconnecting clients still see the
// latest known value.
func (b *Bus) Publish(ctx context.Context, channel string, payload map[string]interface{}) error {
	b.replay.Add(channel, payload)
	if _, err := b.pub.Publish(ctx, channel, payload); err != nil {
		return errors.Wrapf(err, "bus publish to %s", channel)
	}
	return nil
}

// LastMessage returns the most recent payload published on channel.
func (b *Bus) LastMessage(channel string) (map[string]interface{}, bool) {
	return b.replay.Get(channel)
}

// Subscribe registers handler on channel and immediately replays the
// last retained message, if any, so the subscriber starts current.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler MessageHandler) (HandlerID, error) {
	id, err := b.broker.Subscribe(ctx, channel, handler)
	if err != nil {
		return "", err
	}
	if last, ok := b.replay.Get(channel); ok {
		handler(channel, last)
	}
	return id, nil
}

// Unsubscribe removes a handler registered through Subscribe.
func (b *Bus) Unsubscribe(ctx context.Context, channel string, id HandlerID) error {
	return b.broker.Unsubscribe(ctx, channel, id)
}

// PublishTokenPrice announces a token price update. The client fan-out
// additionally routes it to the token's entity-scoped topic.
func (b *Bus) PublishTokenPrice(ctx context.Context, address, symbol string, price decimal.Decimal, change24h float64) error {
	return b.Publish(ctx, ChannelTokenPrice, map[string]interface{}{
		"address":    address,
		"symbol":     symbol,
		"price_usd":  price.String(),
		"change_24h": change24h,
	})
}

// PublishTokenMetadata announces updated token metadata.
func (b *Bus) PublishTokenMetadata(ctx context.Context, address string, metadata map[string]interface{}) error {
	payload := map[string]interface{}{
		"address":  address,
		"metadata": metadata,
	}
	return b.Publish(ctx, ChannelTokenMetadata, payload)
}

// PublishTokenVolume announces a 24h volume update.
func (b *Bus) PublishTokenVolume(ctx context.Context, address string, volume decimal.Decimal) error {
	return b.Publish(ctx, ChannelTokenVolume, map[string]interface{}{
		"address":    address,
		"volume_24h": volume.String(),
	})
}

// PublishTokenLiquidity announces a liquidity update.
func (b *Bus) PublishTokenLiquidity(ctx context.Context, address string, liquidity decimal.Decimal) error {
	return b.Publish(ctx, ChannelTokenLiquidity, map[string]interface{}{
		"address":   address,
		"liquidity": liquidity.String(),
	})
}

// PublishContestStatus announces a contest status transition. The
// client fan-out additionally routes it to the contest's entity-scoped
// topic.
func (b *Bus) PublishContestStatus(ctx context.Context, contestID, status string, detail map[string]interface{}) error {
	payload := map[string]interface{}{
		"contest_id": contestID,
		"status":     status,
	}
	for k, v := range detail {
		payload[k] = v
	}
	return b.Publish(ctx, ChannelContestStatus, payload)
}

// PublishUserBalance announces a wallet balance change.
func (b *Bus) PublishUserBalance(ctx context.Context, wallet string, balance decimal.Decimal) error {
	return b.Publish(ctx, ChannelUserBalance, map[string]interface{}{
		"wallet":  wallet,
		"balance": balance.String(),
	})
}

// PublishSystemStatus announces supervisor-level status.
func (b *Bus) PublishSystemStatus(ctx context.Context, status string, detail map[string]interface{}) error {
	payload := map[string]interface{}{
		"status": status,
	}
	for k, v := range detail {
		payload[k] = v
	}
	return b.Publish(ctx, ChannelSystemStatus, payload)
}

// PublishSystemHeartbeat announces the periodic global heartbeat.
func (b *Bus) PublishSystemHeartbeat(ctx context.Context, services int, healthy int) error {
	return b.Publish(ctx, ChannelSystemHeartbeat, map[string]interface{}{
		"services": services,
		"healthy":  healthy,
		"uptime":   time.Now().UTC().Format(time.RFC3339),
	})
}

// PublishServiceStatus announces a supervised service's status change.
func (b *Bus) PublishServiceStatus(ctx context.Context, service, status string, detail map[string]interface{}) error {
	payload := map[string]interface{}{
		"service": service,
		"status":  status,
	}
	for k, v := range detail {
		payload[k] = v
	}
	return b.Publish(ctx, ChannelServiceStatus, payload)
}

// PublishServiceError announces a supervised service operation failure.
func (b *Bus) PublishServiceError(ctx context.Context, service, errMsg string) error {
	return b.Publish(ctx, ChannelServiceError, map[string]interface{}{
		"service": service,
		"error":   errMsg,
	})
}

// Shutdown publishes the terminal shutdown notice and closes the
// underlying broker.
func (b *Bus) Shutdown(ctx context.Context) error {
	if err := b.Publish(ctx, ChannelSystemShutdown, map[string]interface{}{
		"message": "supervisor shutting down",
	}); err != nil {
		b.logger.Warn("Failed to publish shutdown notice", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return b.broker.Shutdown(ctx)
}
