package circuitbreaker

import (
	"context"

	"github.com/rebrowse/rebrowse-stream/internal/logstream"
)

// PeerGuard wraps a log-relay peer so a dead Redis costs one error instead
// of one timeout per published frame. The hub already degrades to local-only
// fan-out on any peer error; the guard just makes that degradation cheap.
type PeerGuard struct {
	inner   logstream.Peer
	breaker *Breaker
}

// NewPeerGuard protects a peer with the given breaker.
func NewPeerGuard(inner logstream.Peer, breaker *Breaker) *PeerGuard {
	return &PeerGuard{inner: inner, breaker: breaker}
}

// Publish forwards through the breaker.
func (g *PeerGuard) Publish(ctx context.Context, channel string, payload []byte) error {
	return g.breaker.Execute(ctx, func() error {
		return g.inner.Publish(ctx, channel, payload)
	})
}

// Subscribe forwards through the breaker. An open breaker rejects the
// subscription; the hub retries on the next zero-to-one subscriber
// transition.
func (g *PeerGuard) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	var cancel func()
	err := g.breaker.Execute(ctx, func() error {
		var err error
		cancel, err = g.inner.Subscribe(ctx, channel, handler)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cancel, nil
}
