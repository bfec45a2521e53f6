package certificate

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"Cortege/internal/consensus"
)

// newPool creates a pool of size members with fresh BLS keys.
func newPool(t *testing.T, size, quorum int) (consensus.Pool, []*KeyPair) {
	t.Helper()

	pool := consensus.Pool{ID: consensus.Hash{0x42}, Quorum: quorum}
	keys := make([]*KeyPair, size)

	for i := range keys {
		key, err := GenerateKey()
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}
		keys[i] = key
		pool.Peers = append(pool.Peers, consensus.Peer{ID: consensus.Hash{byte(i + 1)}, BLSKey: key.PublicKey()})
	}

	return pool, keys
}

// TestSignVerify tests basic sign and verify.
func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	message := []byte("approve")
	signature := key.Sign(message)

	if len(signature) != SignatureSize {
		t.Errorf("signature size: got %d, want %d", len(signature), SignatureSize)
	}

	if !Verify(signature, message, key.PublicKey()) {
		t.Error("valid signature should verify")
	}

	if Verify(signature, []byte("decline"), key.PublicKey()) {
		t.Error("signature should not verify with another message")
	}

	other, _ := GenerateKey()
	if Verify(signature, message, other.PublicKey()) {
		t.Error("signature should not verify with another key")
	}
}

// TestDeriveFromED25519 tests that the identity key fixes the BLS key.
func TestDeriveFromED25519(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)

	a, err := DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, _ := DeriveFromED25519(priv)

	if !bytes.Equal(a.PublicKey(), b.PublicKey()) {
		t.Error("same identity should produce same key")
	}

	if _, err := KeyFromSeed([]byte("short")); err == nil {
		t.Error("expected error for short seed")
	}
}

// TestPoolCertifier_Certificate tests aggregation of a quorum of votes.
func TestPoolCertifier_Certificate(t *testing.T) {
	pool, keys := newPool(t, 5, 4)
	message := consensus.CertificateMessage(pool.ID, consensus.Hash{1}, "balance", consensus.Hash{2})

	certifier, err := NewPoolCertifier(pool, keys[0])
	if err != nil {
		t.Fatalf("new certifier: %v", err)
	}

	sigs := map[int][]byte{0: certifier.Sign(message)}
	for _, i := range []int{1, 3, 4} {
		sig := keys[i].Sign(message)
		if !certifier.Verify(i, message, sig) {
			t.Fatalf("vote of %d should verify", i)
		}
		sigs[i] = sig
	}

	if certifier.Verify(2, message, sigs[1]) {
		t.Fatal("vote checked against the wrong peer should fail")
	}

	raw, err := certifier.Aggregate(message, sigs)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	cert, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	got := cert.SignerIndices()
	want := []int{0, 1, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("signers: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("signers: got %v, want %v", got, want)
		}
	}

	if err := cert.Verify(pool, message); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if err := cert.Verify(pool, []byte("other")); err == nil {
		t.Fatal("certificate should not verify another message")
	}
}

// TestCertificate_BelowQuorum tests that too few signers are rejected.
func TestCertificate_BelowQuorum(t *testing.T) {
	pool, keys := newPool(t, 4, 3)
	message := []byte("cortege")

	certifier, _ := NewPoolCertifier(pool, keys[0])

	raw, err := certifier.Aggregate(message, map[int][]byte{
		0: keys[0].Sign(message),
		1: keys[1].Sign(message),
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	cert, _ := Decode(raw)
	if err := cert.Verify(pool, message); err == nil {
		t.Fatal("expected error below quorum")
	}
}

// TestDecode_Malformed tests rejection of truncated certificates.
func TestDecode_Malformed(t *testing.T) {
	if _, err := Decode([]byte{0}); err == nil {
		t.Error("expected error for short input")
	}

	if _, err := Decode([]byte{0, 1, 0xFF, 1, 2}); err == nil {
		t.Error("expected error for missing signature")
	}
}

// TestNewPoolCertifier_MissingKey tests that every peer needs a BLS key.
func TestNewPoolCertifier_MissingKey(t *testing.T) {
	pool, keys := newPool(t, 3, 2)
	pool.Peers[1].BLSKey = nil

	if _, err := NewPoolCertifier(pool, keys[0]); err == nil {
		t.Fatal("expected error for missing key")
	}
}
