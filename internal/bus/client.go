package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	connectTimeout = 5 * time.Second
	closeFlushWait = 3 * time.Second
)

// Publisher is what the router and the migration need from the bus.
type Publisher interface {
	Publish(subject string, data any) error
}

// Nop discards every event. Used when no NATS URL is configured.
type Nop struct{}

func (Nop) Publish(string, any) error { return nil }

// Options configures Dial.
type Options struct {
	URL   string
	Token string
	// Persistent keeps retrying a server that is down at startup and
	// reconnects without limit. Without it an unreachable server fails Dial.
	Persistent bool
}

// Client publishes JSON events to NATS and dispatches subscriptions.
type Client struct {
	nc     *nats.Conn
	logger *slog.Logger
}

func Dial(ctx context.Context, o Options, logger *slog.Logger) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := []nats.Option{
		nats.Name("nok"),
		nats.Timeout(connectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("event bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("event bus reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if o.Persistent {
		opts = append(opts,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
	} else {
		opts = append(opts, nats.MaxReconnects(3))
	}
	if o.Token != "" {
		opts = append(opts, nats.Token(o.Token))
	}

	nc, err := nats.Connect(o.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to event bus %s: %w", o.URL, err)
	}
	if !nc.IsConnected() {
		logger.Warn("event bus not reachable yet, retrying in the background", "url", o.URL)
	}
	return &Client{nc: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", subject, err)
	}
	if err := c.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe runs handler for each message on subject until Close.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	if _, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.logger.Debug("subscribed", "subject", subject)
	return nil
}

// Flush waits until everything published so far reached the server. ctx
// must carry a deadline.
func (c *Client) Flush(ctx context.Context) error {
	return c.nc.FlushWithContext(ctx)
}

// Close flushes pending events, bounded by a short wait, then closes the
// connection and its subscriptions.
func (c *Client) Close(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, closeFlushWait)
	defer cancel()
	if c.nc.IsConnected() {
		if err := c.Flush(fctx); err != nil {
			c.logger.Warn("pending events may be lost", "error", err)
		}
	}
	c.nc.Close()
}
