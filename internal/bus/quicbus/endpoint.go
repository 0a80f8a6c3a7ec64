// Package quicbus implements the message bus over QUIC.
//
// A Broker accepts connections from clients and pillars and fans published
// frames out to the subscribers of each destination. A Client connects to a
// broker, implements bus.Transport and restores its subscriptions after a
// reconnect. Both sides authenticate with self-signed ed25519 certificates.
package quicbus

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// defaultReconnectDelay is the initial delay between redial attempts.
	defaultReconnectDelay = time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 30 * time.Second

	// alpnProtocol is the ALPN identifier of the bus protocol.
	alpnProtocol = "bitrepo-bus/1"
)

// Config configures a Broker or a Client.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the component's identity key
	ListenAddr     string             // ListenAddr is the address to listen on, brokers only
	ReconnectDelay time.Duration      // ReconnectDelay is the initial redial delay, clients only
}

// handlers are the callbacks an endpoint invokes.
type handlers struct {
	onConnect    func(*peer)                          // onConnect runs after a redial succeeds
	onMessage    func(*peer, []byte)                  // onMessage receives uni-stream messages
	onDisconnect func(*peer)                          // onDisconnect runs when a connection is lost
	onRequest    func(*peer, []byte) ([]byte, error) // onRequest answers bidi-stream requests
}

// endpoint owns the QUIC listener and the set of live peers.
type endpoint struct {
	key        ed25519.PrivateKey // key is the component identity
	listenAddr string             // listenAddr is empty for dial-only endpoints
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	peers   map[string]*peer // peers maps public key hex to the live connection
	peersMu sync.RWMutex

	redial         bool              // redial enables reconnection to lost peers
	redialAddrs    map[string]string // redialAddrs maps public key hex to dial address
	redialMu       sync.RWMutex
	reconnectDelay time.Duration

	replay *replayFilter // replay drops duplicate uni-stream messages
	h      handlers

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once // closeOnce makes close idempotent
}

// newEndpoint creates an endpoint. Redial is enabled for dial-only endpoints.
func newEndpoint(cfg Config, h handlers) (*endpoint, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	cert, err := selfSignedCert(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &endpoint{
		key:        cfg.PrivateKey,
		listenAddr: cfg.ListenAddr,
		tlsConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // peers are identified by key, checked in setupPeer
			NextProtos:         []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		peers:          make(map[string]*peer),
		redial:         cfg.ListenAddr == "",
		redialAddrs:    make(map[string]string),
		reconnectDelay: delay,
		replay:         newReplayFilter(),
		h:              h,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// listen starts accepting connections.
func (e *endpoint) listen() error {
	l, err := quic.ListenAddr(e.listenAddr, e.tlsConfig, e.quicConfig)
	if err != nil {
		return fmt.Errorf("listen on %s:\n%w", e.listenAddr, err)
	}

	e.listener = l

	e.wg.Add(1)
	go e.acceptLoop()

	return nil
}

// addr returns the listener address, or "" when not listening.
func (e *endpoint) addr() string {
	if e.listener == nil {
		return ""
	}

	return e.listener.Addr().String()
}

// dial connects to addr.
func (e *endpoint) dial(ctx context.Context, addr string) (*peer, error) {
	conn, err := quic.DialAddr(ctx, addr, e.tlsConfig, e.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	p, err := e.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return p, nil
}

// close shuts down the listener and all peers. Later calls are no-ops.
func (e *endpoint) close() {
	e.closeOnce.Do(func() {
		e.cancel()

		if e.listener != nil {
			e.listener.Close()
		}

		e.peersMu.Lock()
		for _, p := range e.peers {
			p.close()
		}
		e.peers = make(map[string]*peer)
		e.peersMu.Unlock()

		e.replay.close()
		e.wg.Wait()
	})
}

// acceptLoop accepts incoming connections until the listener closes.
func (e *endpoint) acceptLoop() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept(e.ctx)
		if err != nil {
			return
		}

		go func() {
			if _, err := e.setupPeer(conn, conn.RemoteAddr().String()); err != nil {
				conn.CloseWithError(1, "setup failed")
			}
		}()
	}
}

// setupPeer registers a connection and starts its receive loop.
func (e *endpoint) setupPeer(conn *quic.Conn, addr string) (*peer, error) {
	pub, err := remoteKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("identify peer:\n%w", err)
	}

	p := &peer{
		key:     pub,
		keyHex:  hex.EncodeToString(pub),
		address: addr,
		conn:    conn,
		ep:      e,
	}

	e.peersMu.Lock()
	e.peers[p.keyHex] = p
	e.peersMu.Unlock()

	if e.redial {
		e.redialMu.Lock()
		e.redialAddrs[p.keyHex] = addr
		e.redialMu.Unlock()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		p.receiveLoop(e.ctx)
	}()

	return p, nil
}

// peerLost unregisters a dead connection and schedules a redial if enabled.
func (e *endpoint) peerLost(p *peer) {
	e.peersMu.Lock()
	if e.peers[p.keyHex] == p {
		delete(e.peers, p.keyHex)
	}
	e.peersMu.Unlock()

	if e.h.onDisconnect != nil {
		e.h.onDisconnect(p)
	}

	if !e.redial || e.ctx.Err() != nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.redialPeer(p.keyHex)
	}()
}

// redialPeer reconnects to a lost peer with exponential backoff.
func (e *endpoint) redialPeer(keyHex string) {
	delay := e.reconnectDelay

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(delay):
		}

		e.redialMu.RLock()
		addr, ok := e.redialAddrs[keyHex]
		e.redialMu.RUnlock()

		if !ok {
			return
		}

		e.peersMu.RLock()
		_, back := e.peers[keyHex]
		e.peersMu.RUnlock()

		if back {
			return
		}

		p, err := e.dial(e.ctx, addr)
		if err == nil {
			if e.h.onConnect != nil {
				e.h.onConnect(p)
			}
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
