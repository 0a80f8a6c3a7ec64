package quicbus

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"bitrepo/internal/bus"
	"bitrepo/internal/logger"
)

// Client is a bus.Transport connected to a Broker.
type Client struct {
	ep     *endpoint
	broker atomic.Pointer[peer] // broker is the live broker connection, nil while reconnecting

	subs map[string]map[*clientSub]struct{} // subs maps destination to local handlers
	mu   sync.RWMutex                       // mu protects subs
}

// clientSub is one local handler registration.
type clientSub struct {
	handler bus.Handler
}

var _ bus.Transport = (*Client)(nil)

// Dial connects to the broker at addr.
func Dial(ctx context.Context, cfg Config, addr string) (*Client, error) {
	cfg.ListenAddr = ""

	c := &Client{subs: make(map[string]map[*clientSub]struct{})}

	ep, err := newEndpoint(cfg, handlers{
		onConnect:    c.reconnected,
		onMessage:    c.handleDeliver,
		onDisconnect: c.lost,
	})
	if err != nil {
		return nil, err
	}

	c.ep = ep

	p, err := ep.dial(ctx, addr)
	if err != nil {
		ep.close()
		return nil, err
	}

	c.broker.Store(p)

	return c, nil
}

// Publish sends data to the broker for fan-out.
func (c *Client) Publish(ctx context.Context, destination string, data []byte) error {
	p := c.broker.Load()
	if p == nil {
		return fmt.Errorf("broker unavailable")
	}

	frame, err := encodeFrame(framePublish, destination, data)
	if err != nil {
		return err
	}

	return p.send(ctx, frame)
}

// Subscribe registers h and, for the first handler on destination,
// subscribes at the broker.
func (c *Client) Subscribe(destination string, h bus.Handler) (bus.Unsubscribe, error) {
	s := &clientSub{handler: h}

	c.mu.Lock()
	first := len(c.subs[destination]) == 0
	if first {
		c.subs[destination] = make(map[*clientSub]struct{})
	}
	c.subs[destination][s] = struct{}{}
	c.mu.Unlock()

	if first {
		if err := c.remote(context.Background(), frameSubscribe, destination); err != nil {
			c.removeSub(destination, s)
			return nil, fmt.Errorf("subscribe %s:\n%w", destination, err)
		}
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			if c.removeSub(destination, s) {
				if err := c.remote(context.Background(), frameUnsubscribe, destination); err != nil {
					logger.Debug("unsubscribe failed", "destination", destination, "error", err)
				}
			}
		})
	}, nil
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.ep.close()
	return nil
}

// removeSub drops s and reports whether destination has no handlers left.
func (c *Client) removeSub(destination string, s *clientSub) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subs[destination], s)
	if len(c.subs[destination]) == 0 {
		delete(c.subs, destination)
		return true
	}

	return false
}

// remote sends a subscription change and waits for the broker's ack.
func (c *Client) remote(ctx context.Context, t frameType, destination string) error {
	p := c.broker.Load()
	if p == nil {
		return fmt.Errorf("broker unavailable")
	}

	frame, err := encodeFrame(t, destination, nil)
	if err != nil {
		return err
	}

	resp, err := p.request(ctx, frame)
	if err != nil {
		return err
	}

	if !bytes.Equal(resp, ackOK) {
		return fmt.Errorf("broker refused 0x%02x for %s", byte(t), destination)
	}

	return nil
}

// handleDeliver passes a delivered payload to local handlers.
func (c *Client) handleDeliver(_ *peer, data []byte) {
	t, dest, payload, err := decodeFrame(data)
	if err != nil || t != frameDeliver {
		logger.Debug("invalid deliver frame", "error", err)
		return
	}

	c.mu.RLock()
	targets := make([]bus.Handler, 0, len(c.subs[dest]))
	for s := range c.subs[dest] {
		targets = append(targets, s.handler)
	}
	c.mu.RUnlock()

	for _, h := range targets {
		h(payload)
	}
}

// lost clears the broker connection until a redial succeeds.
func (c *Client) lost(p *peer) {
	c.broker.CompareAndSwap(p, nil)
	logger.Warn("broker connection lost", "broker", p.address)
}

// reconnected restores subscriptions on a new broker connection.
func (c *Client) reconnected(p *peer) {
	c.broker.Store(p)

	c.mu.RLock()
	dests := make([]string, 0, len(c.subs))
	for d := range c.subs {
		dests = append(dests, d)
	}
	c.mu.RUnlock()

	for _, d := range dests {
		if err := c.remote(context.Background(), frameSubscribe, d); err != nil {
			logger.Warn("resubscribe failed", "destination", d, "error", err)
		}
	}

	logger.Info("broker connection restored", "broker", p.address, "subscriptions", len(dests))
}
