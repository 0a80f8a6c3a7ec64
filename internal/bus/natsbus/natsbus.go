// Package natsbus implements bus.Transport on a NATS server.
// Destinations map one-to-one to NATS subjects.
package natsbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"bitrepo/internal/bus"
	"bitrepo/internal/logger"
)

// Transport publishes and subscribes through a NATS connection.
type Transport struct {
	conn *nats.Conn
	own  bool // own is true when Close must close conn
}

var _ bus.Transport = (*Transport)(nil)

// Connect dials the NATS server at url.
func Connect(url, name string) (*Transport, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s:\n%w", url, err)
	}

	return &Transport{conn: conn, own: true}, nil
}

// New wraps an existing connection. Close leaves conn open.
func New(conn *nats.Conn) *Transport {
	return &Transport{conn: conn}
}

// Publish sends data on the subject named destination.
func (t *Transport) Publish(ctx context.Context, destination string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := t.conn.Publish(destination, data); err != nil {
		return fmt.Errorf("nats publish %s:\n%w", destination, err)
	}

	return nil
}

// Subscribe registers h on the subject named destination.
func (t *Transport) Subscribe(destination string, h bus.Handler) (bus.Unsubscribe, error) {
	sub, err := t.conn.Subscribe(destination, func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s:\n%w", destination, err)
	}

	// Make the interest visible to the server before publishers rely on it.
	if err := t.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush:\n%w", err)
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				logger.Debug("nats unsubscribe failed", "subject", destination, "error", err)
			}
		})
	}, nil
}

// Close drains the connection if the transport owns it.
func (t *Transport) Close() error {
	if !t.own {
		return nil
	}

	return t.conn.Drain()
}
