package quicbus

import (
	"context"
	"fmt"
	"sync"

	"bitrepo/internal/logger"
)

// Broker routes published frames to the subscribers of each destination.
type Broker struct {
	ep *endpoint

	subs map[string]map[string]*peer // subs maps destination to subscribers by key
	mu   sync.RWMutex                // mu protects subs
}

// NewBroker creates a broker. Call Start to begin listening.
func NewBroker(cfg Config) (*Broker, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	b := &Broker{subs: make(map[string]map[string]*peer)}

	ep, err := newEndpoint(cfg, handlers{
		onMessage:    b.handlePublish,
		onRequest:    b.handleSubscription,
		onDisconnect: b.dropPeer,
	})
	if err != nil {
		return nil, err
	}

	b.ep = ep

	return b, nil
}

// Start begins accepting connections.
func (b *Broker) Start() error {
	return b.ep.listen()
}

// Addr returns the listening address.
func (b *Broker) Addr() string {
	return b.ep.addr()
}

// Subscribers returns the number of peers subscribed to destination.
func (b *Broker) Subscribers(destination string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[destination])
}

// Subscriptions returns the number of live subscriptions across destinations.
func (b *Broker) Subscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, set := range b.subs {
		n += len(set)
	}

	return n
}

// Close stops the broker and drops every connection.
func (b *Broker) Close() error {
	b.ep.close()
	return nil
}

// handleSubscription answers subscribe and unsubscribe requests.
func (b *Broker) handleSubscription(p *peer, data []byte) ([]byte, error) {
	t, dest, _, err := decodeFrame(data)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch t {
	case frameSubscribe:
		if b.subs[dest] == nil {
			b.subs[dest] = make(map[string]*peer)
		}
		b.subs[dest][p.keyHex] = p

	case frameUnsubscribe:
		delete(b.subs[dest], p.keyHex)
		if len(b.subs[dest]) == 0 {
			delete(b.subs, dest)
		}

	default:
		return nil, fmt.Errorf("unexpected request frame 0x%02x", byte(t))
	}

	logger.Debug("subscription changed", "peer", p.address, "destination", dest, "subscribe", t == frameSubscribe)

	return ackOK, nil
}

// handlePublish fans a published payload out to the destination's subscribers.
func (b *Broker) handlePublish(p *peer, data []byte) {
	t, dest, payload, err := decodeFrame(data)
	if err != nil || t != framePublish {
		logger.Debug("invalid publish frame", "peer", p.address, "error", err)
		return
	}

	out, err := encodeFrame(frameDeliver, dest, payload)
	if err != nil {
		return
	}

	b.mu.RLock()
	targets := make([]*peer, 0, len(b.subs[dest]))
	for _, s := range b.subs[dest] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.send(context.Background(), out); err != nil {
			logger.Debug("deliver failed", "peer", s.address, "destination", dest, "error", err)
		}
	}
}

// dropPeer removes every subscription held by a lost peer.
func (b *Broker) dropPeer(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for dest, set := range b.subs {
		if set[p.keyHex] == p {
			delete(set, p.keyHex)
		}

		if len(set) == 0 {
			delete(b.subs, dest)
		}
	}
}
