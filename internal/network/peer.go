package network

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Cortege/internal/logger"
)

// sendTimeout bounds opening a stream to a peer.
const sendTimeout = 5 * time.Second

// Peer represents a connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the dialed address, empty for inbound peers
	conn      *quic.Conn
	node      *Node
	closed    atomic.Bool
	retired   atomic.Bool // retired is set when a newer connection replaced this one
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// String returns the short hex form of the peer key.
func (p *Peer) String() string {
	return hex.EncodeToString(p.publicKey[:8])
}

// Address returns the dialed address, empty for inbound connections.
func (p *Peer) Address() string {
	return p.address
}

// Send sends one frame on a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	ctx, cancel := context.WithTimeout(p.node.ctx, sendTimeout)
	defer cancel()

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeFrame(stream, p.node.nextNonce(), data); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write frame:\n%w", err)
	}

	return stream.Close()
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// retire closes a connection replaced by a newer one without triggering
// reconnection.
func (p *Peer) retire() {
	p.retired.Store(true)
	p.Close()
}

// receiveLoop accepts incoming streams until the connection ends.
func (p *Peer) receiveLoop() {
	for {
		stream, err := p.conn.AcceptUniStream(p.node.ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// handleUniStream reads one frame and hands it to the node.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	nonce, data, err := readFrame(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p, "error", err)
		return
	}

	if !p.node.dedup.Check(p.publicKey, nonce) {
		logger.Debug("duplicate frame", "peer", p, "nonce", nonce)
		return
	}

	p.node.callOnMessage(p, data)
}

// handleDisconnect handles peer disconnection.
func (p *Peer) handleDisconnect() {
	p.closed.Store(true)

	if p.retired.Load() {
		return
	}

	p.node.handlePeerDisconnect(p)
}
