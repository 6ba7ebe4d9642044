// Package redis implements notify.Channel over Redis Pub/Sub.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	ch := redisnotify.New(client, "tether:runs")
//	sub, err := ch.Subscribe(listener)
//
// Pub/Sub delivery is fire-and-forget: messages published while a
// subscriber is disconnected are lost, which matches the best-effort
// contract of notify.Channel. Receive errors while go-redis reconnects
// under the hood surface as disconnect events so listeners can fall back
// to polling.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tether/notify"
)

// Compile-time interface check.
var _ notify.Channel = (*Channel)(nil)

// Option configures the Channel.
type Option func(*Channel)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// Channel subscribes to run-completion messages on one Redis Pub/Sub
// channel. The caller owns the Redis client lifecycle.
type Channel struct {
	client  *goredis.Client
	channel string
	logger  *slog.Logger
}

// New creates a Redis-backed notification channel.
func New(client *goredis.Client, channel string, opts ...Option) *Channel {
	c := &Channel{client: client, channel: channel, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Subscribe implements notify.Channel. It opens a dedicated Pub/Sub
// connection and pumps messages to the listener on a background
// goroutine until Unsubscribe is called.
func (c *Channel) Subscribe(l notify.Listener) (notify.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := c.client.Subscribe(ctx, c.channel)

	// Force the SUBSCRIBE round trip so a dead server fails here, not
	// silently in the pump goroutine.
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, err
	}

	sub := &subscription{ps: ps, cancel: cancel}
	go c.pump(ctx, ps, l)

	return sub, nil
}

func (c *Channel) pump(ctx context.Context, ps *goredis.PubSub, l notify.Listener) {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, goredis.ErrClosed) {
				return
			}
			l.DeliverStatus(classify(err))
			continue
		}

		var m notify.Message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			c.logger.Warn("notify/redis: undecodable message",
				slog.String("channel", c.channel),
				slog.String("error", err.Error()),
			)
			continue
		}

		l.Deliver(m)
	}
}

// classify maps a receive error onto a notify.Status.
func classify(err error) notify.Status {
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout(), errors.Is(err, os.ErrDeadlineExceeded):
		return notify.StatusTimeout
	case errors.As(err, &nerr):
		return notify.StatusNetworkIssue
	default:
		return notify.StatusUnexpectedDisconnect
	}
}

type subscription struct {
	ps     *goredis.PubSub
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

// Unsubscribe implements notify.Subscription.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.ps.Close()
	})
	return s.err
}
