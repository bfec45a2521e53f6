// Package config enables config file parsing.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/zeebo/blake3"

	"Cortege/internal/consensus"
	"Cortege/internal/logger"
)

// envPrefix marks environment overrides. `__` separates hierarchy levels,
// so CORTEGE_NODE__HTTP sets node.http.
const envPrefix = "CORTEGE_"

// Config contains the node configuration.
type Config struct {
	Node     NodeConfig     `koanf:"node"`
	Pool     PoolConfig     `koanf:"pool"`
	Verifier VerifierConfig `koanf:"verifier"`
	Log      LogConfig      `koanf:"log"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if err := cfg.Node.Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := cfg.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := cfg.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	return nil
}

// NodeConfig describes the local node.
type NodeConfig struct {
	// DataPath is the directory for persistent storage.
	DataPath string `koanf:"data"`

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string `koanf:"http"`

	// QUICAddress is the QUIC listen address.
	QUICAddress string `koanf:"quic"`

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string `koanf:"key"`
}

// Validate validates the node configuration.
func (cfg *NodeConfig) Validate() error {
	if cfg.DataPath == "" {
		return fmt.Errorf("data path is empty")
	}
	if cfg.HTTPAddress == "" || cfg.QUICAddress == "" {
		return fmt.Errorf("http and quic addresses are required")
	}
	return nil
}

// PoolConfig describes the pool the node writes with.
type PoolConfig struct {
	// ID is the hex pool id. Empty derives it from the peer keys.
	ID string `koanf:"id"`

	Quorum int `koanf:"quorum"`

	// PollInterval is the period between request retries.
	PollInterval time.Duration `koanf:"poll_interval"`

	// PeerTimeout is the default per-peer max wait.
	PeerTimeout time.Duration `koanf:"peer_timeout"`

	// Linger is how long a finished write keeps answering peers.
	Linger time.Duration `koanf:"linger"`

	// DedupTTL is how long a received frame id is remembered.
	DedupTTL time.Duration `koanf:"dedup_ttl"`

	Peers []PeerConfig `koanf:"peers"`
}

// PeerConfig describes one pool member. Its index in the list is its peer number.
type PeerConfig struct {
	PubKey  string        `koanf:"pubkey"`   // PubKey is the hex ed25519 public key
	Address string        `koanf:"address"`  // Address is the QUIC address
	BLSKey  string        `koanf:"bls_key"`  // BLSKey is the hex BLS public key, optional
	MaxWait time.Duration `koanf:"max_wait"` // MaxWait overrides the pool peer timeout
}

// Validate validates the pool configuration.
func (cfg *PoolConfig) Validate() error {
	if len(cfg.Peers) == 0 {
		return fmt.Errorf("no peers configured")
	}
	if cfg.PollInterval <= 0 || cfg.PeerTimeout <= 0 {
		return fmt.Errorf("poll_interval and peer_timeout must be positive")
	}
	if cfg.PeerTimeout < cfg.PollInterval {
		return fmt.Errorf("peer_timeout %s shorter than poll_interval %s", cfg.PeerTimeout, cfg.PollInterval)
	}

	withBLS := 0
	for i, p := range cfg.Peers {
		if p.Address == "" {
			return fmt.Errorf("peers[%d]: address is empty", i)
		}
		if _, err := decodeHex(p.PubKey, 32); err != nil {
			return fmt.Errorf("peers[%d].pubkey: %w", i, err)
		}
		if p.BLSKey != "" {
			if _, err := decodeHex(p.BLSKey, 48); err != nil {
				return fmt.Errorf("peers[%d].bls_key: %w", i, err)
			}
			withBLS++
		}
	}

	if withBLS != 0 && withBLS != len(cfg.Peers) {
		return fmt.Errorf("bls_key must be set for every peer or none")
	}

	if cfg.ID != "" {
		if _, err := decodeHex(cfg.ID, 32); err != nil {
			return fmt.Errorf("id: %w", err)
		}
	}

	pool, err := cfg.Pool()
	if err != nil {
		return err
	}

	return pool.Validate()
}

// Pool builds the consensus pool. Call after Validate.
func (cfg *PoolConfig) Pool() (consensus.Pool, error) {
	pool := consensus.Pool{Quorum: cfg.Quorum}

	h := blake3.New()
	for i, p := range cfg.Peers {
		pub, err := decodeHex(p.PubKey, 32)
		if err != nil {
			return consensus.Pool{}, fmt.Errorf("peers[%d].pubkey: %w", i, err)
		}

		peer := consensus.Peer{MaxWait: p.MaxWait}
		if peer.MaxWait == 0 {
			peer.MaxWait = cfg.PeerTimeout
		}
		copy(peer.ID[:], pub)

		if p.BLSKey != "" {
			if peer.BLSKey, err = decodeHex(p.BLSKey, 48); err != nil {
				return consensus.Pool{}, fmt.Errorf("peers[%d].bls_key: %w", i, err)
			}
		}

		h.Write(pub)
		pool.Peers = append(pool.Peers, peer)
	}

	if cfg.ID == "" {
		h.Sum(pool.ID[:0])
	} else {
		id, err := decodeHex(cfg.ID, 32)
		if err != nil {
			return consensus.Pool{}, fmt.Errorf("id: %w", err)
		}
		copy(pool.ID[:], id)
	}

	return pool, nil
}

// Certified reports whether approve votes are signed.
func (cfg *PoolConfig) Certified() bool {
	return len(cfg.Peers) > 0 && cfg.Peers[0].BLSKey != ""
}

// VerifierConfig selects how peer results are checked.
type VerifierConfig struct {
	// WASMPath is the verifier module. Empty accepts every result.
	WASMPath string `koanf:"wasm"`

	GasLimit uint64 `koanf:"gas_limit"`
}

// LogConfig is the logging configuration.
type LogConfig struct {
	Level string `koanf:"level"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	if _, err := logger.ParseLevel(cfg.Level); err != nil {
		return err
	}
	return nil
}

// defaults are loaded before the file and the environment.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"node.data":          "./data",
		"node.http":          ":8080",
		"node.quic":          ":9000",
		"pool.poll_interval": consensus.DefaultPollInterval.String(),
		"pool.peer_timeout":  consensus.DefaultMaxWait.String(),
		"pool.linger":        "30s",
		"pool.dedup_ttl":     "2m",
		"verifier.gas_limit": 1_000_000,
		"log.level":          "info",
	}
}

// Load reads defaults, the optional YAML file at path, then environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults:\n%w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s:\n%w", path, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment:\n%w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config:\n%w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// decodeHex decodes a hex string of exactly size bytes.
func decodeHex(s string, size int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("got %d bytes, want %d", len(b), size)
	}
	return b, nil
}
