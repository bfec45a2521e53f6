package certificate

import (
	"encoding/binary"
	"fmt"
	"sort"

	"Cortege/internal/consensus"
)

// Certificate proves that a quorum of the pool approved a cortege.
type Certificate struct {
	Signers   []byte // Signers is a bitmap of the peer numbers whose votes were aggregated
	Signature []byte // Signature is the aggregated BLS signature
}

// buildBitmap sets one bit per signer index below total.
func buildBitmap(indices []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// SignerIndices returns the peer numbers set in the bitmap.
func (c *Certificate) SignerIndices() []int {
	var indices []int

	for byteIdx, b := range c.Signers {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}

// Encode serializes the certificate as u16 bitmap length, bitmap, signature.
func (c *Certificate) Encode() []byte {
	buf := make([]byte, 2, 2+len(c.Signers)+len(c.Signature))
	binary.BigEndian.PutUint16(buf, uint16(len(c.Signers)))
	buf = append(buf, c.Signers...)
	return append(buf, c.Signature...)
}

// Decode parses a certificate produced by Encode.
func Decode(buf []byte) (*Certificate, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("certificate too short: %d bytes", len(buf))
	}

	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) != 2+n+SignatureSize {
		return nil, fmt.Errorf("certificate size mismatch: %d bytes for a %d byte bitmap", len(buf), n)
	}

	return &Certificate{
		Signers:   append([]byte(nil), buf[2:2+n]...),
		Signature: append([]byte(nil), buf[2+n:]...),
	}, nil
}

// Verify checks that at least quorum peers of pool signed message.
func (c *Certificate) Verify(pool consensus.Pool, message []byte) error {
	signers := c.SignerIndices()
	if len(signers) < pool.Quorum {
		return fmt.Errorf("certificate has %d signers, quorum is %d", len(signers), pool.Quorum)
	}

	keys := make([][]byte, 0, len(signers))
	for _, idx := range signers {
		if idx >= pool.Size() {
			return fmt.Errorf("signer %d outside pool of %d", idx, pool.Size())
		}
		keys = append(keys, pool.Peers[idx].BLSKey)
	}

	if !verifyAggregated(c.Signature, message, keys) {
		return fmt.Errorf("invalid aggregated signature")
	}

	return nil
}

// PoolCertifier signs decision votes for one pool member and checks the
// votes of the others against the pool's BLS keys.
type PoolCertifier struct {
	pool consensus.Pool
	key  *KeyPair
}

// NewPoolCertifier returns a certifier for the member owning key.
func NewPoolCertifier(pool consensus.Pool, key *KeyPair) (*PoolCertifier, error) {
	for i, peer := range pool.Peers {
		if len(peer.BLSKey) != PublicKeySize {
			return nil, fmt.Errorf("peer %d has no BLS key", i)
		}
	}

	return &PoolCertifier{pool: pool, key: key}, nil
}

// Sign signs message with the local key.
func (c *PoolCertifier) Sign(message []byte) []byte {
	return c.key.Sign(message)
}

// Verify checks a vote signature from peer.
func (c *PoolCertifier) Verify(peer int, message, signature []byte) bool {
	if peer < 0 || peer >= c.pool.Size() {
		return false
	}
	return Verify(signature, message, c.pool.Peers[peer].BLSKey)
}

// Aggregate combines the approve votes into an encoded certificate.
func (c *PoolCertifier) Aggregate(message []byte, signatures map[int][]byte) ([]byte, error) {
	indices := make([]int, 0, len(signatures))
	for idx := range signatures {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	sigs := make([][]byte, len(indices))
	for i, idx := range indices {
		sigs[i] = signatures[idx]
	}

	agg, err := aggregate(sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate votes:\n%w", err)
	}

	cert := &Certificate{
		Signers:   buildBitmap(indices, c.pool.Size()),
		Signature: agg,
	}

	return cert.Encode(), nil
}
