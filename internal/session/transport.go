package session

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"

	"Cortege/internal/consensus"
)

// outboxSize bounds the frames queued for one peer.
const outboxSize = 1024

// Sender delivers a frame to the node owning pubkey, dialing addr if needed.
// *network.Node implements it.
type Sender interface {
	SendTo(pubkey ed25519.PublicKey, addr string, data []byte) error
}

// transport encodes protocol messages and queues them per peer, so a slow
// or unreachable peer never blocks a process.
type transport struct {
	sender  Sender
	pool    consensus.Pool
	addrs   []string
	log     *slog.Logger
	outbox  []chan []byte
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// newTransport starts one sending goroutine per remote peer.
func newTransport(sender Sender, pool consensus.Pool, self int, addrs []string, log *slog.Logger) *transport {
	t := &transport{
		sender: sender,
		pool:   pool,
		addrs:  addrs,
		log:    log,
		outbox: make([]chan []byte, pool.Size()),
		stop:   make(chan struct{}),
	}

	for i := range t.outbox {
		if i == self {
			continue
		}

		t.outbox[i] = make(chan []byte, outboxSize)

		t.wg.Add(1)
		go t.sendLoop(i)
	}

	return t
}

// Deliver implements consensus.Transport.
func (t *transport) Deliver(peer int, msg *consensus.Message) error {
	if peer < 0 || peer >= len(t.outbox) || t.outbox[peer] == nil {
		return fmt.Errorf("no route to peer %d", peer)
	}

	data, err := consensus.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s:\n%w", msg.Kind, err)
	}

	select {
	case <-t.stop:
		return fmt.Errorf("transport closed")
	case t.outbox[peer] <- data:
		return nil
	default:
		return fmt.Errorf("outbox of peer %d full", peer)
	}
}

// close stops the sending goroutines. Queued frames are dropped.
func (t *transport) close() {
	t.stopped.Do(func() { close(t.stop) })
	t.wg.Wait()
}

// sendLoop drains the outbox of one peer.
func (t *transport) sendLoop(peer int) {
	defer t.wg.Done()

	pubkey := ed25519.PublicKey(t.pool.Peers[peer].ID[:])

	for {
		select {
		case <-t.stop:
			return
		case data := <-t.outbox[peer]:
			if err := t.sender.SendTo(pubkey, t.addrs[peer], data); err != nil {
				t.log.Debug("send failed", "to", peer, "error", err)
			}
		}
	}
}
