package main

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"Cortege/internal/consensus"
)

// TestLoadOrGenerateKey tests that a generated key is saved and reloaded.
func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	second, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !first.Equal(second) {
		t.Fatal("reloaded key differs")
	}

	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := loadOrGenerateKey(path); err == nil {
		t.Fatal("expected error for truncated key")
	}
}

// TestSelfIndex tests finding the node in its pool.
func TestSelfIndex(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	other, _, _ := ed25519.GenerateKey(nil)

	pool := consensus.Pool{Quorum: 1}
	for _, k := range []ed25519.PublicKey{other, pub} {
		var id consensus.Hash
		copy(id[:], k)
		pool.Peers = append(pool.Peers, consensus.Peer{ID: id})
	}

	if got := selfIndex(pool, pub); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}

	stranger, _, _ := ed25519.GenerateKey(nil)
	if got := selfIndex(pool, stranger); got != -1 {
		t.Fatalf("got %d, want -1", got)
	}
}
