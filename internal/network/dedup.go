package network

import (
	"crypto/ed25519"
	"encoding/binary"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// DefaultDedupTTL is the default time a frame id is remembered.
	DefaultDedupTTL = 2 * time.Minute

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 1 * time.Second
)

// Dedup drops frames delivered twice. A frame is identified by its sender
// and nonce, so a request retried by the protocol is a new frame.
type Dedup struct {
	seen map[[32]byte]int64 // seen maps frame id to timestamp (unix nano)
	mu   sync.Mutex
	ttl  int64 // ttl in nanoseconds
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDedup creates a tracker remembering frame ids for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]int64),
		ttl:  int64(ttl),
		stop: make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// Check returns true if the frame is new and records it.
func (d *Dedup) Check(sender ed25519.PublicKey, nonce uint64) bool {
	id := frameID(sender, nonce)
	now := time.Now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, exists := d.seen[id]; exists && now-ts < d.ttl {
		return false
	}

	d.seen[id] = now

	return true
}

// Len returns the number of remembered frames.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the cleanup goroutine.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

// frameID hashes the sender key and nonce.
func frameID(sender ed25519.PublicKey, nonce uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)

	h := blake3.New()
	h.Write(sender)
	h.Write(buf[:])

	var id [32]byte
	h.Sum(id[:0])

	return id
}

// startCleanup starts the background cleanup goroutine.
func (d *Dedup) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries.
func (d *Dedup) cleanup() {
	now := time.Now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, id)
		}
	}
}
