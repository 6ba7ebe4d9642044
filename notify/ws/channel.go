// Package ws implements notify.Channel over a WebSocket endpoint that
// streams run-completion messages as JSON text frames.
//
// The channel dials the endpoint lazily on Subscribe, reconnects with a
// fixed delay after transport failures, and reports every drop as a
// disconnect event so listeners can fall back to polling for anything
// missed during the outage.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

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

// WithReconnectDelay sets the wait between reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Channel) { c.reconnectDelay = d }
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) { c.dialTimeout = d }
}

// Channel streams notification messages from a WebSocket URL.
type Channel struct {
	url            string
	logger         *slog.Logger
	reconnectDelay time.Duration
	dialTimeout    time.Duration
}

// New creates a WebSocket-backed notification channel for the given URL
// (e.g. "wss://notify.example.com/runs").
func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:            url,
		logger:         slog.Default(),
		reconnectDelay: 5 * time.Second,
		dialTimeout:    10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Subscribe implements notify.Channel. The first dial happens
// synchronously so a bad URL fails fast; subsequent reconnects happen in
// the pump goroutine.
func (c *Channel) Subscribe(l notify.Listener) (notify.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &subscription{cancel: cancel}
	sub.track(conn)
	go c.pump(ctx, conn, l, sub)

	return sub, nil
}

func (c *Channel) dial(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, _, err := ws.Dial(dctx, c.url)
	return conn, err
}

func (c *Channel) pump(ctx context.Context, conn net.Conn, l notify.Listener, sub *subscription) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}

			l.DeliverStatus(classify(err))
			c.logger.Debug("notify/ws: connection lost, reconnecting",
				slog.String("url", c.url),
				slog.String("error", err.Error()),
			)

			conn = c.reconnect(ctx, l)
			if conn == nil {
				return
			}
			sub.track(conn)
			continue
		}

		var m notify.Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.logger.Warn("notify/ws: undecodable message",
				slog.String("url", c.url),
				slog.String("error", err.Error()),
			)
			continue
		}

		l.Deliver(m)
	}
}

// reconnect retries the dial until it succeeds or the subscription is
// closed. Returns nil once the context is cancelled.
func (c *Channel) reconnect(ctx context.Context, l notify.Listener) net.Conn {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		l.DeliverStatus(classify(err))
	}
}

// classify maps a transport error onto a notify.Status.
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
	cancel context.CancelFunc
	once   sync.Once

	mu   sync.Mutex
	conn net.Conn
}

// track records the live connection so Unsubscribe can unblock the
// pump's pending read.
func (s *subscription) track(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Unsubscribe implements notify.Subscription.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
	return nil
}
