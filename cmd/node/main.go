package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"Cortege/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	flags := parseFlags()

	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("load config:\n%w", err)
	}

	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return err
	}

	key, err := loadOrGenerateKey(cfg.Node.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	if flags.printKeys {
		return printKeys(key)
	}

	node, err := NewNode(cfg, key)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(node)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return node.Run(ctx)
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(n *Node) {
	logger.Info("starting cortege node",
		"pubkey", hex.EncodeToString(n.key.Public().(ed25519.PublicKey)),
		"self", n.self,
		"pool", n.pool.ID,
		"peers", n.pool.Size(),
		"quorum", n.pool.Quorum,
		"http", n.cfg.Node.HTTPAddress,
		"quic", n.cfg.Node.QUICAddress,
		"data", n.cfg.Node.DataPath,
		"certified", n.certifier != nil,
	)
}
