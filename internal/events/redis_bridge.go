package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the Redis pub/sub channel carrying session events.
const DefaultChannel = "session-events"

var errSubscriptionClosed = errors.New("redis subscription closed")

// BridgeOptions tunes a RedisBridge.
type BridgeOptions struct {
	Channel string
	// Origin identifies this replica. Generated when empty.
	Origin string
}

// RedisBridge fans session events out to every replica. Publish dispatches
// locally and on Redis; Run relays events from other replicas into the local
// dispatcher.
type RedisBridge struct {
	client  *redis.Client
	local   Dispatcher
	channel string
	origin  string
	logger  *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisBridge wraps local with Redis fan-out.
func NewRedisBridge(client *redis.Client, local Dispatcher, logger *zap.Logger, opts BridgeOptions) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Origin == "" {
		opts.Origin = uuid.NewString()
	}
	return &RedisBridge{
		client:  client,
		local:   local,
		channel: opts.Channel,
		origin:  opts.Origin,
		logger:  logger.With(zap.String("channel", opts.Channel), zap.String("origin", opts.Origin)),
		ready:   make(chan struct{}),
	}
}

// Origin returns the replica id stamped on outgoing events.
func (b *RedisBridge) Origin() string { return b.origin }

// Ready is closed once the first subscription is confirmed.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Subscribe registers on the local dispatcher.
func (b *RedisBridge) Subscribe(key string, handler EventHandler) func() {
	return b.local.Subscribe(key, handler)
}

// Publish delivers the event to local handlers and then to other replicas.
func (b *RedisBridge) Publish(ctx context.Context, event SessionEvent) error {
	event.Origin = b.origin
	localErr := b.local.Publish(ctx, event)

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Join(localErr, fmt.Errorf("marshal session event: %w", err))
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return errors.Join(localErr, fmt.Errorf("publish session event: %w", err))
	}
	return localErr
}

// Run relays remote events until ctx is cancelled, resubscribing with backoff.
func (b *RedisBridge) Run(ctx context.Context) error {
	err := retry.Do(
		func() error { return b.relay(ctx) },
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Warn("session event relay interrupted", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *RedisBridge) relay(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("relaying session events")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errSubscriptionClosed
			}
			b.handle(ctx, msg.Payload)
		}
	}
}

func (b *RedisBridge) handle(ctx context.Context, payload string) {
	var event SessionEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		b.logger.Warn("dropping undecodable session event", zap.Error(err))
		return
	}
	if event.Origin == b.origin {
		return
	}
	if err := b.local.Publish(ctx, event); err != nil {
		b.logger.Warn("session event handler failed",
			zap.String("event_id", event.ID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}
