// Package topic implements per-user topic fan-out over Redis pub/sub.
package topic

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/justapithecus/telemetry-broker/log"
)

// DefaultTimeout bounds a single publish call.
const DefaultTimeout = 5 * time.Second

// FeaturesTopic returns the features topic name for userID, bit-exact:
// "user:{user_id}:features".
func FeaturesTopic(userID string) string {
	return fmt.Sprintf("user:%s:features", userID)
}

// RawTopic returns the raw-sample topic name for userID, bit-exact:
// "user:{user_id}:raw".
func RawTopic(userID string) string {
	return fmt.Sprintf("user:%s:raw", userID)
}

// Config configures the Fanout transport.
type Config struct {
	// URL is the Redis connection URL (required).
	URL string
	// Timeout bounds a single publish call (default 5s).
	Timeout time.Duration
}

// Fanout publishes and subscribes to per-user topics over Redis. Publish
// is fire-and-forget: failures are logged and counted, never propagated,
// per the broker's best-effort broadcast contract.
type Fanout struct {
	client  *goredis.Client
	timeout time.Duration
	logger  *log.Logger

	onPublishFailure func(topic string)
}

// New creates a Fanout from the given config.
func New(cfg Config, logger *log.Logger) (*Fanout, error) {
	if cfg.URL == "" {
		return nil, errors.New("topic: Redis URL is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("topic: invalid Redis URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Fanout{
		client:  goredis.NewClient(opts),
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// OnPublishFailure registers a callback invoked whenever a publish fails,
// for metrics wiring. Optional.
func (f *Fanout) OnPublishFailure(fn func(topic string)) {
	f.onPublishFailure = fn
}

// Publish fire-and-forgets payload to topic. Errors are logged and counted
// via the registered callback; never returned to the caller.
func (f *Fanout) Publish(ctx context.Context, topic string, payload []byte) {
	publishCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.client.Publish(publishCtx, topic, payload).Err(); err != nil {
		f.logger.Warn("topic publish failed", map[string]any{"topic": topic, "error": err.Error()})
		if f.onPublishFailure != nil {
			f.onPublishFailure(topic)
		}
	}
}

// Subscription yields raw payloads published to any of the subscribed
// topics, in arrival order.
type Subscription struct {
	pubsub *goredis.PubSub
	ch     <-chan *goredis.Message
}

// Subscribe opens a subscription to the given topics. Cancel via Close;
// closing releases the underlying connection.
func (f *Fanout) Subscribe(ctx context.Context, topics ...string) *Subscription {
	pubsub := f.client.Subscribe(ctx, topics...)
	return &Subscription{pubsub: pubsub, ch: pubsub.Channel()}
}

// Next blocks until the next message arrives or ctx is cancelled. ok is
// false when the subscription has been closed or ctx is done.
func (s *Subscription) Next(ctx context.Context) (payload []byte, ok bool) {
	select {
	case msg, open := <-s.ch:
		if !open {
			return nil, false
		}
		return []byte(msg.Payload), true
	case <-ctx.Done():
		return nil, false
	}
}

// Close releases the subscription's resources.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Ping checks connectivity, used by the /health/ready endpoint.
func (f *Fanout) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (f *Fanout) Close() error {
	return f.client.Close()
}
