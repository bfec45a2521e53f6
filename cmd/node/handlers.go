package main

import (
	"bytes"
	"crypto/ed25519"
	"time"

	"Cortege/internal/logger"
	"Cortege/internal/network"
)

const (
	// connectRetries bounds the initial dial of each pool member.
	connectRetries = 5

	// connectRetryDelay is the pause between initial dials.
	connectRetryDelay = 2 * time.Second
)

// setupMessageHandlers routes protocol frames to the write manager.
func (n *Node) setupMessageHandlers() {
	n.network.OnMessage(func(peer *network.Peer, data []byte) {
		n.sessions.HandleFrame(peer.PublicKey(), data)
	})

	n.network.OnDisconnect(func(peer *network.Peer) {
		logger.Debug("peer disconnected", "peer", peer)
	})
}

// connectToPool dials every other pool member in the background.
// Frames to an unreachable member are dialed again on demand.
func (n *Node) connectToPool() {
	me := n.key.Public().(ed25519.PublicKey)

	for i, p := range n.pool.Peers {
		if bytes.Equal(p.ID[:], me) {
			continue
		}

		go n.connectToPeer(ed25519.PublicKey(p.ID[:]), n.cfg.Pool.Peers[i].Address)
	}
}

// connectToPeer establishes a connection to a pool member with retry logic.
// Retries are needed because the member's listener might not be up yet.
func (n *Node) connectToPeer(pubkey ed25519.PublicKey, addr string) {
	for attempt := 0; attempt < connectRetries; attempt++ {
		if n.network.GetPeer(pubkey) != nil {
			return
		}

		peer, err := n.network.Connect(addr)
		if err == nil {
			logger.Info("connected to pool member", "peer", peer, "addr", addr)
			return
		}

		if attempt < connectRetries-1 {
			logger.Debug("retrying pool member connection", "addr", addr, "attempt", attempt+1, "error", err)
			time.Sleep(connectRetryDelay)
		} else {
			logger.Warn("failed to connect to pool member after retries", "addr", addr, "attempts", connectRetries)
		}
	}
}
