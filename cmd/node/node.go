package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"

	"golang.org/x/sync/errgroup"

	"Cortege/internal/api"
	"Cortege/internal/certificate"
	"Cortege/internal/config"
	"Cortege/internal/consensus"
	"Cortege/internal/ledger"
	"Cortege/internal/logger"
	"Cortege/internal/metrics"
	"Cortege/internal/network"
	"Cortege/internal/scheduler"
	"Cortege/internal/session"
	"Cortege/internal/storage"
	"Cortege/internal/verifier"
)

// Node represents a running pool member.
type Node struct {
	cfg  *config.Config
	key  ed25519.PrivateKey
	pool consensus.Pool
	self int // self is the node's peer number in the pool

	storage       *storage.Storage
	ledger        *ledger.Ledger
	verifiers     *verifier.Pool // verifiers is nil when every result is accepted
	defaultModule consensus.Hash
	certifier     *certificate.PoolCertifier // certifier is nil when decisions are unsigned
	network       *network.Node
	scheduler     *scheduler.Scheduler
	metrics       *metrics.ConsensusMetrics
	sessions      *session.Manager
	api           *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *config.Config, key ed25519.PrivateKey) (*Node, error) {
	pool, err := cfg.Pool.Pool()
	if err != nil {
		return nil, fmt.Errorf("build pool:\n%w", err)
	}

	self := selfIndex(pool, key.Public().(ed25519.PublicKey))
	if self < 0 {
		return nil, fmt.Errorf("node key is not a member of pool %s", pool.ID)
	}

	n := &Node{cfg: cfg, key: key, pool: pool, self: self}

	steps := []func() error{
		n.initStorage,
		n.initVerifier,
		n.initCertifier,
		n.initNetwork,
		n.initSession,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			n.Close()
			return nil, err
		}
	}

	n.api = api.New(cfg.Node.HTTPAddress, n.sessions, n.ledger, api.PoolInfo{
		ID:     pool.ID,
		Self:   self,
		Size:   pool.Size(),
		Quorum: pool.Quorum,
	}, metrics.Handler())

	return n, nil
}

// selfIndex returns the peer number of pubkey, or -1.
func selfIndex(pool consensus.Pool, pubkey ed25519.PublicKey) int {
	for i, p := range pool.Peers {
		if bytes.Equal(p.ID[:], pubkey) {
			return i
		}
	}
	return -1
}

// Run starts the node and blocks until ctx is cancelled or a component fails.
func (n *Node) Run(ctx context.Context) error {
	n.setupMessageHandlers()

	if err := n.network.Start(); err != nil {
		n.Close()
		return fmt.Errorf("start network:\n%w", err)
	}

	n.connectToPool()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.api.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	})

	err := g.Wait()
	n.Close()

	return err
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.sessions != nil {
		n.sessions.Close()
	}

	if n.scheduler != nil {
		n.scheduler.Close()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.verifiers != nil {
		n.verifiers.Close()
	}

	if n.ledger != nil {
		n.ledger.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
