package logstream

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPeer implements Peer on Redis pub/sub. go-redis reconnects and
// resubscribes dropped pub/sub connections on its own, so a transient Redis
// outage pauses peer delivery instead of breaking it.
type RedisPeer struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPeer connects to the URL from REDIS_URL and verifies the
// connection.
func NewRedisPeer(ctx context.Context, url string, logger *zap.Logger) (*RedisPeer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisPeer{client: client, logger: logger.Named("peer")}, nil
}

// NewRedisPeerFromClient wraps an existing client, mainly for tests.
func NewRedisPeerFromClient(client *redis.Client, logger *zap.Logger) *RedisPeer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPeer{client: client, logger: logger.Named("peer")}
}

// Publish sends payload on channel.
func (p *RedisPeer) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// Subscribe delivers payloads for channel to handler until cancelled.
func (p *RedisPeer) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := p.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so failures surface here rather than
	// silently in the receive loop.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	go func() {
		for msg := range sub.Channel() {
			handler([]byte(msg.Payload))
		}
		p.logger.Debug("Peer subscription closed", zap.String("channel", channel))
	}()
	return func() { _ = sub.Close() }, nil
}

// Ping verifies connectivity, used by the health checker.
func (p *RedisPeer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (p *RedisPeer) Close() error {
	return p.client.Close()
}
