package session

import (
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"Cortege/internal/certificate"
	"Cortege/internal/consensus"
	"Cortege/internal/ledger"
	"Cortege/internal/scheduler"
	"Cortege/internal/storage"
	"Cortege/internal/verifier"
)

var (
	testContract = consensus.Hash{0xC0}
	testPrevious = consensus.Hash{0xAA}
)

// memNetwork routes frames between managers in process.
type memNetwork struct {
	mu       sync.Mutex
	managers map[consensus.Hash]*Manager
}

// sender returns the Sender of the node owning id.
func (n *memNetwork) sender(id consensus.Hash) Sender {
	return memSender{net: n, from: id}
}

// memSender sends frames on a memNetwork.
type memSender struct {
	net  *memNetwork
	from consensus.Hash
}

func (s memSender) SendTo(pubkey ed25519.PublicKey, _ string, data []byte) error {
	var to consensus.Hash
	copy(to[:], pubkey)

	s.net.mu.Lock()
	m := s.net.managers[to]
	s.net.mu.Unlock()

	if m == nil {
		return errors.New("unreachable")
	}

	m.HandleFrame(s.from[:], data)
	return nil
}

// node is one pool member under test.
type node struct {
	manager *Manager
	ledger  *ledger.Ledger
}

// newPool creates size managers sharing a pool, with BLS certificates.
// Peers listed in silent get no manager.
func newPool(t *testing.T, size, quorum int, silent ...int) (consensus.Pool, []*node) {
	t.Helper()

	pool := consensus.Pool{ID: consensus.Hash{0x77}, Quorum: quorum}
	keys := make([]*certificate.KeyPair, size)
	addrs := make([]string, size)

	for i := 0; i < size; i++ {
		key, err := certificate.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		keys[i] = key
		addrs[i] = "mem"
		pool.Peers = append(pool.Peers, consensus.Peer{
			ID:      consensus.Hash{byte(i + 1)},
			BLSKey:  key.PublicKey(),
			MaxWait: 400 * time.Millisecond,
		})
	}

	net := &memNetwork{managers: make(map[consensus.Hash]*Manager)}
	nodes := make([]*node, size)

	isSilent := make(map[int]bool)
	for _, s := range silent {
		isSilent[s] = true
	}

	for i := 0; i < size; i++ {
		if isSilent[i] {
			continue
		}

		db, err := storage.New(filepath.Join(t.TempDir(), "db"))
		if err != nil {
			t.Fatalf("open storage: %v", err)
		}

		l, err := ledger.New(db)
		if err != nil {
			t.Fatalf("create ledger: %v", err)
		}

		certifier, err := certificate.NewPoolCertifier(pool, keys[i])
		if err != nil {
			t.Fatalf("create certifier: %v", err)
		}

		sched := scheduler.New()

		m, err := New(Config{
			Pool:         pool,
			Self:         i,
			Addresses:    addrs,
			PollInterval: 5 * time.Millisecond,
			Linger:       time.Hour,
			Sender:       net.sender(pool.Peers[i].ID),
			Verifier: func(consensus.Hash) (consensus.Verifier, error) {
				return verifier.AcceptAll, nil
			},
			Storage:   l,
			Scheduler: sched,
			Certifier: certifier,
		})
		if err != nil {
			t.Fatalf("create manager: %v", err)
		}

		t.Cleanup(func() {
			m.Close()
			sched.Close()
			l.Close()
			db.Close()
		})

		net.mu.Lock()
		net.managers[pool.Peers[i].ID] = m
		net.mu.Unlock()

		nodes[i] = &node{manager: m, ledger: l}
	}

	return pool, nodes
}

// startAll starts the same slot write on every live node.
func startAll(t *testing.T, nodes []*node) {
	t.Helper()

	for i, n := range nodes {
		if n == nil {
			continue
		}
		if _, err := n.manager.Start(testContract, "balance", testPrevious, []byte("balance=42")); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
}

// TestManager_CertifiedWrite tests a write committed with a verifiable certificate.
func TestManager_CertifiedWrite(t *testing.T) {
	pool, nodes := newPool(t, 4, 3)
	startAll(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var record consensus.Hash
	for i, n := range nodes {
		id, err := n.manager.Wait(ctx, testContract, "balance")
		if err != nil {
			t.Fatalf("node %d: %v", i, err)
		}
		if i > 0 && id != record {
			t.Fatalf("node %d committed %s, want %s", i, id, record)
		}
		record = id
	}

	ptr, entries, err := nodes[0].ledger.Read(testContract, "balance")
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if ptr.RecordID != record || len(entries) != 4 {
		t.Fatalf("pointer %s with %d entries", ptr.RecordID, len(entries))
	}

	cert, err := certificate.Decode(ptr.Certificate)
	if err != nil {
		t.Fatalf("decode certificate: %v", err)
	}

	msg := consensus.CertificateMessage(pool.ID, testContract, "balance", ptr.CortegeID)
	if err := cert.Verify(pool, msg); err != nil {
		t.Fatalf("verify certificate: %v", err)
	}

	status := nodes[1].manager.Status()
	if len(status) != 1 || status[0].State != StateReady || status[0].RecordID != record {
		t.Fatalf("status: %+v", status)
	}
}

// TestManager_FailedWrite tests that an unreachable quorum marks the write FAILED.
func TestManager_FailedWrite(t *testing.T) {
	_, nodes := newPool(t, 4, 4, 3)
	startAll(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := nodes[0].manager.Wait(ctx, testContract, "balance")
	if !consensus.IsFailure(err, consensus.ReasonHashes) {
		t.Fatalf("got %v, want %q", err, consensus.ReasonHashes)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s := nodes[0].manager.Status()
		if len(s) == 1 && s[0].State == StateFailed && s[0].Reason == consensus.ReasonHashes {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status: %+v", s)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestManager_DuplicateStart tests that a running slot cannot be started twice.
func TestManager_DuplicateStart(t *testing.T) {
	_, nodes := newPool(t, 4, 3, 1, 2, 3)

	m := nodes[0].manager
	if _, err := m.Start(testContract, "balance", testPrevious, []byte("a")); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := m.Start(testContract, "balance", testPrevious, []byte("b")); !errors.Is(err, ErrWriteRunning) {
		t.Fatalf("got %v, want %v", err, ErrWriteRunning)
	}

	if _, err := m.Start(testContract, "other", testPrevious, []byte("c")); err != nil {
		t.Fatalf("another slot: %v", err)
	}

	if _, err := m.Wait(context.Background(), testContract, "missing"); !errors.Is(err, ErrUnknownWrite) {
		t.Fatalf("got %v, want %v", err, ErrUnknownWrite)
	}
}

// TestManager_Linger tests that a finished write is released after the linger delay.
func TestManager_Linger(t *testing.T) {
	_, nodes := newPool(t, 4, 3)
	for _, n := range nodes {
		n.manager.cfg.Linger = 50 * time.Millisecond
	}
	startAll(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for i, n := range nodes {
		if _, err := n.manager.Wait(ctx, testContract, "balance"); err != nil {
			t.Fatalf("node %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(nodes[0].manager.Status()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("write was not released")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := nodes[0].manager.Start(testContract, "balance", testPrevious, []byte("next")); err != nil {
		t.Fatalf("restart after release: %v", err)
	}
}

// TestManager_HandleFrame_Rejects tests frames from unknown nodes and garbage.
func TestManager_HandleFrame_Rejects(t *testing.T) {
	_, nodes := newPool(t, 4, 3, 1, 2, 3)
	m := nodes[0].manager

	m.HandleFrame(make([]byte, 32), []byte{1, 2, 3})
	m.HandleFrame([]byte{1}, nil)
	known := consensus.Hash{2}
	m.HandleFrame(known[:], []byte("garbage frame"))

	if len(m.Status()) != 0 {
		t.Fatal("no write should be created by inbound frames")
	}
}
