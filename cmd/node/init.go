package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"Cortege/internal/certificate"
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

// initStorage opens the Pebble storage and the slot ledger on top of it.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.Node.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.Node.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}
	n.storage = db

	l, err := ledger.New(db)
	if err != nil {
		return fmt.Errorf("init ledger:\n%w", err)
	}
	n.ledger = l

	return nil
}

// initVerifier loads the verifier module. Without one every result is accepted.
func (n *Node) initVerifier() error {
	if n.cfg.Verifier.WASMPath == "" {
		logger.Warn("no verifier module configured, accepting every result")
		return nil
	}

	wasmBytes, err := os.ReadFile(n.cfg.Verifier.WASMPath)
	if err != nil {
		return fmt.Errorf("read verifier module:\n%w", err)
	}

	pool, err := verifier.New(context.Background())
	if err != nil {
		return fmt.Errorf("init verifier runtime:\n%w", err)
	}

	id, err := pool.Load(wasmBytes, nil)
	if err != nil {
		pool.Close()
		return fmt.Errorf("load verifier module:\n%w", err)
	}

	n.verifiers = pool
	n.defaultModule = id

	logger.Info("verifier module loaded", "module", id, "gas_limit", n.cfg.Verifier.GasLimit)

	return nil
}

// verifierFor picks the module checking the results of a contract: its own
// when loaded, the default otherwise.
func (n *Node) verifierFor(contractID consensus.Hash) (consensus.Verifier, error) {
	if n.verifiers == nil {
		return verifier.AcceptAll, nil
	}

	module := n.defaultModule
	if n.verifiers.Has(contractID) {
		module = contractID
	}

	return n.verifiers.ForContract(module, n.cfg.Verifier.GasLimit, logger.With("contract", contractID)), nil
}

// initCertifier derives the BLS key when the pool signs its decisions.
func (n *Node) initCertifier() error {
	if !n.cfg.Pool.Certified() {
		return nil
	}

	key, err := certificate.DeriveFromED25519(n.key)
	if err != nil {
		return fmt.Errorf("derive bls key:\n%w", err)
	}

	c, err := certificate.NewPoolCertifier(n.pool, key)
	if err != nil {
		return fmt.Errorf("init certifier:\n%w", err)
	}

	if !c.Verify(n.self, []byte("cortege"), key.Sign([]byte("cortege"))) {
		return fmt.Errorf("configured bls_key of peer %d does not match the node key", n.self)
	}

	n.certifier = c

	return nil
}

// initNetwork initializes the P2P network node.
func (n *Node) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: n.key,
		ListenAddr: n.cfg.Node.QUICAddress,
		DedupTTL:   n.cfg.Pool.DedupTTL,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// initSession wires the write manager to the other components.
func (n *Node) initSession() error {
	n.scheduler = scheduler.New()
	n.metrics = metrics.NewConsensusMetrics()

	addresses := make([]string, len(n.cfg.Pool.Peers))
	for i, p := range n.cfg.Pool.Peers {
		addresses[i] = p.Address
	}

	sc := session.Config{
		Pool:         n.pool,
		Self:         n.self,
		Addresses:    addresses,
		PollInterval: n.cfg.Pool.PollInterval,
		Linger:       n.cfg.Pool.Linger,
		Sender:       n.network,
		Verifier:     n.verifierFor,
		Storage:      n.ledger,
		Scheduler:    n.scheduler,
		Metrics:      n.metrics,
		Logger:       logger.With("self", n.self),
	}
	if n.certifier != nil {
		sc.Certifier = n.certifier
	}

	m, err := session.New(sc)
	if err != nil {
		return fmt.Errorf("init session:\n%w", err)
	}

	n.sessions = m

	return nil
}
