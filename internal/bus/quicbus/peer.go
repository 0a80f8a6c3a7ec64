package quicbus

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"bitrepo/internal/logger"
)

// defaultRequestTimeout bounds a request without a context deadline.
const defaultRequestTimeout = 10 * time.Second

// peer is one live QUIC connection.
type peer struct {
	key     ed25519.PublicKey // key is the remote identity
	keyHex  string            // keyHex is the hex form of key
	address string            // address is the remote address
	conn    *quic.Conn
	ep      *endpoint
	closed  atomic.Bool
	mu      sync.Mutex // mu serializes stream opening for send
}

// send writes data on a new unidirectional stream.
func (p *peer) send(ctx context.Context, data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer %s is closed", p.address)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.CancelWrite(0)
		return err
	}

	return stream.Close()
}

// request writes data on a bidirectional stream and waits for the answer.
func (p *peer) request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer %s is closed", p.address)
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	resp, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return resp, nil
}

// close terminates the connection.
func (p *peer) close() {
	if p.closed.Swap(true) {
		return
	}

	p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts streams until the connection ends.
func (p *peer) receiveLoop(ctx context.Context) {
	go p.acceptRequests(ctx)

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("connection ended", "peer", p.address, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	if !p.closed.Swap(true) {
		p.ep.peerLost(p)
	}
}

// acceptRequests accepts bidirectional request streams.
func (p *peer) acceptRequests(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleRequest(stream)
	}
}

// handleRequest answers one request stream.
func (p *peer) handleRequest(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	if p.ep.h.onRequest == nil {
		return
	}

	resp, err := p.ep.h.onRequest(p, data)
	if err != nil {
		logger.Debug("request rejected", "peer", p.address, "error", err)
		return
	}

	if err := writeMessage(stream, resp); err != nil {
		logger.Debug("write response failed", "peer", p.address, "error", err)
	}
}

// handleUniStream reads one message and hands it to the endpoint.
func (p *peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	if !p.ep.replay.fresh(data) {
		logger.Debug("duplicate frame dropped", "peer", p.address, "bytes", len(data))
		return
	}

	if p.ep.h.onMessage != nil {
		p.ep.h.onMessage(p, data)
	}
}
