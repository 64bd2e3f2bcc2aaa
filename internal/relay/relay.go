// Package relay publishes committed ledger events to a Redis channel so
// indexers outside the process can follow the log.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"x402.org/facilitator/internal/ledger"
	"x402.org/facilitator/internal/obs"
)

// Publisher is the slice of a Redis client the relay needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// Relay is a ledger.Sink that PUBLISHes every event as JSON.
type Relay struct {
	pub     Publisher
	channel string
	timeout time.Duration
}

// New returns a relay publishing on channel.
func New(pub Publisher, channel string) *Relay {
	return &Relay{pub: pub, channel: channel, timeout: 2 * time.Second}
}

// Deliver implements ledger.Sink. Publish failures are logged and do not
// affect the committed operation.
func (r *Relay) Deliver(ctx context.Context, events []ledger.Event) {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			obs.Logger().Error("relay: encode event", zap.Uint64("sequence", ev.Sequence), zap.Error(err))
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, r.timeout)
		err = r.pub.Publish(pctx, r.channel, data)
		cancel()
		if err != nil {
			obs.Logger().Warn("relay: publish failed",
				zap.String("channel", r.channel),
				zap.Uint64("sequence", ev.Sequence),
				zap.Error(err))
		}
	}
}

// Client adapts a go-redis client to Publisher.
type Client struct {
	rdb *redis.Client
}

// Dial parses a redis:// URL, connects and pings the server.
func Dial(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Publish(ctx context.Context, channel string, message []byte) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Ping reports whether the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close shuts down the underlying redis client.
func (c *Client) Close() error {
	return c.rdb.Close()
}
