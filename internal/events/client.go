// Package events publishes batch lifecycle and debug events to NATS.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/MikeSquared-Agency/threadexport/internal/batch"
)

// DefaultPrefix is the subject root used when none is configured.
const DefaultPrefix = "threadexport"

// Subjects below the prefix.
const (
	SubjectDebug    = "debug"
	SubjectFinished = "batch.finished"
)

// DebugMessage is the body published for every recorded debug event.
type DebugMessage struct {
	RunID string           `json:"run_id"`
	Event batch.DebugEvent `json:"event"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	prefix string
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token, prefix string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("threadexport"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Client{conn: nc, prefix: prefix, logger: logger}, nil
}

// Subject joins parts below the client's prefix.
func (c *Client) Subject(parts ...string) string {
	return Subject(c.prefix, parts...)
}

// Subject joins prefix and parts into a NATS subject, replacing characters
// that NATS treats as separators or wildcards.
func Subject(prefix string, parts ...string) string {
	out := []string{prefix}
	for _, p := range parts {
		p = strings.Map(func(r rune) rune {
			switch r {
			case ' ', '*', '>':
				return '_'
			}
			return r
		}, p)
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// PublishDebug sends ev on <prefix>.debug.<code>.
func (c *Client) PublishDebug(runID string, ev batch.DebugEvent) error {
	return c.Publish(c.Subject(SubjectDebug, ev.Code), DebugMessage{RunID: runID, Event: ev})
}

// BatchFinished implements batch.Notifier.
func (c *Client) BatchFinished(_ context.Context, st batch.Status) {
	if err := c.Publish(c.Subject(SubjectFinished), st); err != nil {
		c.logger.Warn("publish batch finished failed", "error", err)
	}
}

// Subscribe delivers messages on subject, which may use wildcards.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}

var _ batch.Notifier = (*Client)(nil)
