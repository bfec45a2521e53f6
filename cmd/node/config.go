package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"Cortege/internal/certificate"
	"Cortege/internal/config"
)

// flags holds command-line overrides of the config file.
type flags struct {
	configPath string
	dataPath   string
	httpAddr   string
	quicAddr   string
	keyPath    string
	logLevel   string
	printKeys  bool
}

// parseFlags parses command-line flags.
func parseFlags() *flags {
	f := &flags{}

	flag.StringVar(&f.configPath, "config", "", "YAML config file path")
	flag.StringVar(&f.dataPath, "data", "", "Data directory path")
	flag.StringVar(&f.httpAddr, "http", "", "HTTP API address")
	flag.StringVar(&f.quicAddr, "quic", "", "QUIC P2P address")
	flag.StringVar(&f.keyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&f.printKeys, "print-keys", false, "Print the public keys for the pool config and exit")
	flag.Parse()

	return f
}

// loadConfig loads the config file and applies flag overrides.
// With -print-keys the pool section is not needed.
func loadConfig(f *flags) (*config.Config, error) {
	if f.printKeys {
		return &config.Config{
			Node: config.NodeConfig{KeyPath: f.keyPath},
			Log:  config.LogConfig{Level: "info"},
		}, nil
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	if f.dataPath != "" {
		cfg.Node.DataPath = f.dataPath
	}
	if f.httpAddr != "" {
		cfg.Node.HTTPAddress = f.httpAddr
	}
	if f.quicAddr != "" {
		cfg.Node.QUICAddress = f.quicAddr
	}
	if f.keyPath != "" {
		cfg.Node.KeyPath = f.keyPath
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// printKeys writes the ed25519 and BLS public keys of the node.
func printKeys(key ed25519.PrivateKey) error {
	bls, err := certificate.DeriveFromED25519(key)
	if err != nil {
		return fmt.Errorf("derive bls key:\n%w", err)
	}

	fmt.Printf("pubkey:  %s\n", hex.EncodeToString(key.Public().(ed25519.PublicKey)))
	fmt.Printf("bls_key: %s\n", hex.EncodeToString(bls.PublicKey()))

	return nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
