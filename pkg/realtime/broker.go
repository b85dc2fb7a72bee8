package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/skyduel/skyduel/pkg/config"
	"github.com/skyduel/skyduel/pkg/observability"
	"github.com/skyduel/skyduel/pkg/safejson"
)

const (
	// Publish retry schedule: min(attempt*publishRetryStep, publishRetryCap)
	// per attempt, at most publishRetries retries after the first try.
	publishRetryStep = 50 * time.Millisecond
	publishRetryCap  = 2 * time.Second
	publishRetries   = 3

	// shutdownNoticeWait gives the terminal status notice time to flush
	// before the connections close.
	shutdownNoticeWait = 100 * time.Millisecond
)

// ErrBrokerClosed is returned by operations issued after Shutdown.
var ErrBrokerClosed = errors.New("broker is closed")

// MessageHandler consumes one decoded message from a subscribed channel.
type MessageHandler func(channel string, payload map[string]interface{})

// HandlerID identifies one registered handler for targeted unsubscribe.
type HandlerID string

// Broker is the Redis pub/sub adapter. It holds two connections, one
// for publishing and one dedicated to the subscriber loop, so a slow
// consumer never backs up outbound traffic.
type Broker struct {
	pub    *redis.Client
	sub    *redis.Client
	pubsub *redis.PubSub

	mu       sync.RWMutex
	handlers map[string]map[HandlerID]MessageHandler

	breaker *gobreaker.CircuitBreaker

	recvOnce sync.Once
	closed   atomic.Bool

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewBroker connects both clients and verifies them with a ping.
func NewBroker(ctx context.Context, cfg config.BrokerConfig, logger observability.Logger, metrics observability.MetricsClient) (*Broker, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	logger = logger.WithPrefix("broker")
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	pub, err := connectClient(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect publisher")
	}
	sub, err := connectClient(ctx, cfg)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "failed to connect subscriber")
	}

	b := &Broker{
		pub:      pub,
		sub:      sub,
		handlers: make(map[string]map[HandlerID]MessageHandler),
		logger:   logger,
		metrics:  metrics,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-publish",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Publish circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			metrics.RecordCircuitBreakerState(name, to.String(), to == gobreaker.StateOpen)
		},
	})

	// The PubSub starts with no channels; Subscribe attaches them later.
	b.pubsub = sub.Subscribe(ctx)

	logger.Info("Connected to broker", map[string]interface{}{
		"url": redactURL(cfg.URL),
	})
	return b, nil
}

func connectClient(ctx context.Context, cfg config.BrokerConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid broker URL")
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)

	pingTimeout := opts.DialTimeout + opts.ReadTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "broker ping failed")
	}
	return client, nil
}

// Publish wraps payload in the standard envelope and delivers it to
// channel, retrying transient failures. It returns the number of
// broker-side receivers.
func (b *Broker) Publish(ctx context.Context, channel string, payload map[string]interface{}) (int64, error) {
	if b.closed.Load() {
		return 0, ErrBrokerClosed
	}

	data, err := b.envelope(channel, payload)
	if err != nil {
		b.metrics.RecordBrokerOperation(channel, "publish", false)
		return 0, err
	}

	var receivers int64
	op := func() error {
		result, execErr := b.breaker.Execute(func() (interface{}, error) {
			return b.pub.Publish(ctx, channel, data).Result()
		})
		if execErr != nil {
			if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
				// The breaker sheds load until its reset timeout; retrying
				// inside this call would only burn the schedule.
				return backoff.Permanent(execErr)
			}
			return execErr
		}
		receivers = result.(int64)
		return nil
	}

	retrier := backoff.WithContext(backoff.WithMaxRetries(newLinearBackOff(publishRetryStep, publishRetryCap), publishRetries), ctx)
	if err := backoff.Retry(op, retrier); err != nil {
		b.metrics.RecordBrokerOperation(channel, "publish", false)
		return 0, errors.Wrapf(err, "failed to publish to %s", channel)
	}

	b.metrics.RecordBrokerOperation(channel, "publish", true)
	return receivers, nil
}

// envelope attaches the _meta block and serializes the message. Values
// the encoder cannot represent are sanitized and retried once.
func (b *Broker) envelope(channel string, payload map[string]interface{}) ([]byte, error) {
	doc := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		doc[k] = v
	}
	doc["_meta"] = map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"channel":   channel,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		data, err = json.Marshal(safejson.Sanitize(doc))
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode message")
		}
	}
	return data, nil
}

// Subscribe registers handler for channel. The first handler on a
// channel triggers the broker-level subscription and, once per Broker,
// starts the receive loop.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler MessageHandler) (HandlerID, error) {
	if b.closed.Load() {
		return "", ErrBrokerClosed
	}
	if channel == "" {
		return "", errors.New("channel is required")
	}
	if handler == nil {
		return "", errors.New("handler is required")
	}

	id := HandlerID(uuid.New().String())

	b.mu.Lock()
	first := len(b.handlers[channel]) == 0
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[HandlerID]MessageHandler)
	}
	b.handlers[channel][id] = handler
	b.mu.Unlock()

	if first {
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			b.mu.Lock()
			delete(b.handlers[channel], id)
			if len(b.handlers[channel]) == 0 {
				delete(b.handlers, channel)
			}
			b.mu.Unlock()
			return "", errors.Wrapf(err, "failed to subscribe to %s", channel)
		}
		b.recvOnce.Do(func() {
			go b.receiveLoop()
		})
		b.logger.Debug("Subscribed to channel", map[string]interface{}{
			"channel": channel,
		})
	}
	return id, nil
}

// Unsubscribe removes one handler, or every handler for the channel
// when id is empty. The broker-level subscription is dropped once no
// handlers remain.
func (b *Broker) Unsubscribe(ctx context.Context, channel string, id HandlerID) error {
	b.mu.Lock()
	if id == "" {
		delete(b.handlers, channel)
	} else if hs, ok := b.handlers[channel]; ok {
		delete(hs, id)
		if len(hs) == 0 {
			delete(b.handlers, channel)
		}
	}
	_, stillSubscribed := b.handlers[channel]
	b.mu.Unlock()

	if stillSubscribed || b.closed.Load() {
		return nil
	}
	if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
		return errors.Wrapf(err, "failed to unsubscribe from %s", channel)
	}
	b.logger.Debug("Unsubscribed from channel", map[string]interface{}{
		"channel": channel,
	})
	return nil
}

// HasSubscribers reports whether anyone, in this process or another,
// is listening on channel.
func (b *Broker) HasSubscribers(ctx context.Context, channel string) (bool, error) {
	if b.closed.Load() {
		return false, ErrBrokerClosed
	}
	counts, err := b.pub.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to count subscribers on %s", channel)
	}
	return counts[channel] > 0, nil
}

// Shutdown publishes a terminal status notice, waits briefly for it to
// flush, and closes both connections. It is safe to call twice.
func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	notice, err := b.envelope(ChannelSystemStatus, map[string]interface{}{
		"type":    "shutdown",
		"message": "realtime broker shutting down",
	})
	if err == nil {
		if pubErr := b.pub.Publish(ctx, ChannelSystemStatus, notice).Err(); pubErr != nil {
			b.logger.Warn("Failed to publish shutdown notice", map[string]interface{}{
				"error": pubErr.Error(),
			})
		}
	}

	select {
	case <-time.After(shutdownNoticeWait):
	case <-ctx.Done():
	}

	var firstErr error
	if err := b.pubsub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.sub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.pub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	b.logger.Info("Broker shut down", nil)
	return errors.Wrap(firstErr, "broker shutdown")
}

// receiveLoop drains the subscriber connection until Close. Exactly one
// runs per Broker.
func (b *Broker) receiveLoop() {
	for msg := range b.pubsub.Channel() {
		b.dispatch(msg.Channel, []byte(msg.Payload))
	}
}

// dispatch decodes one raw message and fans it out to the channel's
// handlers. A panicking handler is isolated so the loop survives.
func (b *Broker) dispatch(channel string, data []byte) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		b.logger.Warn("Dropping malformed broker message", map[string]interface{}{
			"channel": channel,
			"error":   err.Error(),
		})
		b.metrics.RecordBrokerOperation(channel, "receive", false)
		return
	}

	b.mu.RLock()
	handlers := make([]MessageHandler, 0, len(b.handlers[channel]))
	for _, h := range b.handlers[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.invoke(channel, payload, handler)
	}
	b.metrics.RecordBrokerOperation(channel, "receive", true)
}

func (b *Broker) invoke(channel string, payload map[string]interface{}, handler MessageHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Broker handler panicked", map[string]interface{}{
				"channel": channel,
				"panic":   r,
			})
		}
	}()
	handler(channel, payload)
}

// linearBackOff waits min(attempt*step, limit) between retries.
type linearBackOff struct {
	step    time.Duration
	limit   time.Duration
	attempt int
}

func newLinearBackOff(step, limit time.Duration) *linearBackOff {
	return &linearBackOff{step: step, limit: limit}
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	d := time.Duration(l.attempt) * l.step
	if d > l.limit {
		d = l.limit
	}
	return d
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}

// redactURL strips credentials from a connection URL for logs.
func redactURL(raw string) string {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return "redis://<invalid>"
	}
	return "redis://" + opts.Addr
}
