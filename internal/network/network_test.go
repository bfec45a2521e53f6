package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startTestNode starts a node on a random local port, closed on cleanup.
func startTestNode(t *testing.T, key ed25519.PrivateKey) *Node {
	t.Helper()

	node, err := NewNode(Config{
		PrivateKey:     key,
		ListenAddr:     "127.0.0.1:0",
		ReconnectDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	return node
}

// collector records received frames with their sender.
type collector struct {
	mu      sync.Mutex
	frames  [][]byte
	senders []ed25519.PublicKey
	notify  chan struct{}
}

// newCollector registers a collector as the node's message handler.
func newCollector(n *Node) *collector {
	c := &collector{notify: make(chan struct{}, 64)}

	n.OnMessage(func(p *Peer, data []byte) {
		c.mu.Lock()
		c.frames = append(c.frames, data)
		c.senders = append(c.senders, p.PublicKey())
		c.mu.Unlock()
		c.notify <- struct{}{}
	})

	return c
}

// wait blocks until count frames were received.
func (c *collector) wait(t *testing.T, count int) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for i := 0; i < count; i++ {
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timeout waiting for frame %d", i+1)
		}
	}
}

// TestNodeStartStop tests starting and stopping a node.
func TestNodeStartStop(t *testing.T) {
	node, err := NewNode(Config{
		PrivateKey: generateTestKey(t),
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	if node.Addr() == "" {
		t.Fatal("started node should have an address")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

// TestNewNode_Invalid tests configuration errors.
func TestNewNode_Invalid(t *testing.T) {
	if _, err := NewNode(Config{ListenAddr: ":0"}); err == nil {
		t.Error("expected error without key")
	}

	if _, err := NewNode(Config{PrivateKey: generateTestKey(t)}); err == nil {
		t.Error("expected error without address")
	}
}

// TestNodeSendMessage tests that the receiver learns the sender's key.
func TestNodeSendMessage(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	received := newCollector(server)

	clientKey := generateTestKey(t)
	client := startTestNode(t, clientKey)

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !bytes.Equal(peer.PublicKey(), server.PublicKey()) {
		t.Error("peer public key mismatch")
	}

	if err := peer.Send([]byte("hello, pool!")); err != nil {
		t.Fatalf("send: %v", err)
	}

	received.wait(t, 1)

	received.mu.Lock()
	defer received.mu.Unlock()

	if !bytes.Equal(received.frames[0], []byte("hello, pool!")) {
		t.Errorf("message mismatch: got %q", received.frames[0])
	}

	if !bytes.Equal(received.senders[0], clientKey.Public().(ed25519.PublicKey)) {
		t.Error("sender key mismatch")
	}
}

// TestNodeRetriesAreDelivered tests that identical payloads sent twice both arrive.
func TestNodeRetriesAreDelivered(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	received := newCollector(server)

	client := startTestNode(t, generateTestKey(t))

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := peer.Send([]byte("same request")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	received.wait(t, 3)
}

// TestNodeSendTo tests dialing on demand and reusing the connection.
func TestNodeSendTo(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startTestNode(t, serverKey)
	received := newCollector(server)

	var connects atomic.Int32
	client := startTestNode(t, generateTestKey(t))
	client.OnConnect(func(*Peer) { connects.Add(1) })

	serverPub := serverKey.Public().(ed25519.PublicKey)

	for i := 0; i < 2; i++ {
		if err := client.SendTo(serverPub, server.Addr(), []byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	received.wait(t, 2)

	if got := connects.Load(); got != 1 {
		t.Errorf("connects: got %d, want 1", got)
	}

	if len(client.Peers()) != 1 || client.GetPeer(serverPub) == nil {
		t.Error("server should be a connected peer")
	}
}

// TestNodeSendTo_WrongKey tests that a node presenting another key is rejected.
func TestNodeSendTo_WrongKey(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	client := startTestNode(t, generateTestKey(t))

	other := generateTestKey(t).Public().(ed25519.PublicKey)

	if err := client.SendTo(other, server.Addr(), []byte("x")); err == nil {
		t.Fatal("expected error for key mismatch")
	}

	if client.GetPeer(server.PublicKey()) != nil {
		t.Error("mismatched peer should not stay registered")
	}
}

// TestNodeReconnect tests that a dialed peer is reconnected after a drop.
func TestNodeReconnect(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	client := startTestNode(t, generateTestKey(t))

	reconnected := make(chan struct{}, 1)
	var first atomic.Bool
	client.OnConnect(func(*Peer) {
		if first.Swap(true) {
			reconnected <- struct{}{}
		}
	})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	client.callOnConnect(peer)

	time.Sleep(100 * time.Millisecond)

	for _, p := range server.Peers() {
		p.conn.CloseWithError(0, "drop")
	}

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reconnection")
	}
}

// TestLargeMessage tests the frame size limit.
func TestLargeMessage(t *testing.T) {
	var buf bytes.Buffer

	if err := writeFrame(&buf, 1, make([]byte, maxMessageSize+1)); err == nil {
		t.Fatal("expected error for oversized frame")
	}

	payload := bytes.Repeat([]byte{0x5A}, 1<<20)
	if err := writeFrame(&buf, 42, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	nonce, got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if nonce != 42 || !bytes.Equal(got, payload) {
		t.Fatalf("frame mismatch: nonce %d, %d bytes", nonce, len(got))
	}
}

// TestDedupBasic tests that a frame id is accepted once.
func TestDedupBasic(t *testing.T) {
	d := NewDedup(0)
	defer d.Close()

	key := generateTestKey(t).Public().(ed25519.PublicKey)
	other := generateTestKey(t).Public().(ed25519.PublicKey)

	if !d.Check(key, 1) {
		t.Error("first check should return true")
	}

	if d.Check(key, 1) {
		t.Error("second check should return false")
	}

	if !d.Check(key, 2) {
		t.Error("new nonce should return true")
	}

	if !d.Check(other, 1) {
		t.Error("same nonce from another sender should return true")
	}
}

// TestDedupConcurrent tests concurrent deduplication.
func TestDedupConcurrent(t *testing.T) {
	d := NewDedup(0)
	defer d.Close()

	const numGoroutines = 100
	key := generateTestKey(t).Public().(ed25519.PublicKey)

	var successCount atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if d.Check(key, 7) {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("success count: got %d, want 1", successCount.Load())
	}
}

// TestDedupExpiry tests that entries expire after the TTL.
func TestDedupExpiry(t *testing.T) {
	d := NewDedup(100 * time.Millisecond)
	defer d.Close()

	key := generateTestKey(t).Public().(ed25519.PublicKey)

	if !d.Check(key, 1) {
		t.Error("first check should return true")
	}

	time.Sleep(1500 * time.Millisecond)

	if d.Len() != 0 {
		t.Errorf("expired entries should be cleaned, got %d", d.Len())
	}

	if !d.Check(key, 1) {
		t.Error("check after expiry should return true")
	}
}
