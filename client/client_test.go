package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"Cortege/internal/api"
	"Cortege/internal/consensus"
	"Cortege/internal/session"
)

// stubNode serves one slot and answers writes with a fixed outcome.
type stubNode struct {
	record  consensus.Hash
	waitErr error
	last    []byte
	ptr     *consensus.SlotPointer
}

func (n *stubNode) Start(contractID consensus.Hash, slot string, previous consensus.Hash, result []byte) (*consensus.Process, error) {
	n.last = result
	return nil, nil
}

func (n *stubNode) Wait(context.Context, consensus.Hash, string) (consensus.Hash, error) {
	return n.record, n.waitErr
}

func (n *stubNode) Status() []session.WriteStatus {
	return nil
}

func (n *stubNode) Read(contractID consensus.Hash, slot string) (*consensus.SlotPointer, []consensus.SlotEntry, error) {
	if n.ptr == nil || slot != n.ptr.Slot {
		return nil, nil, nil
	}
	return n.ptr, []consensus.SlotEntry{{Peer: 1, Result: []byte("42")}}, nil
}

// startNode serves the node API over HTTP and returns a client for it.
func startNode(t *testing.T, n *stubNode) *Client {
	t.Helper()

	info := api.PoolInfo{ID: consensus.Hash{0xAA}, Self: 2, Size: 4, Quorum: 3}
	srv := httptest.NewServer(api.New("", n, n, info, nil).Handler())
	t.Cleanup(srv.Close)

	return NewClient(strings.TrimPrefix(srv.URL, "http://"))
}

// TestClient_HealthAndStatus tests the read-only endpoints.
func TestClient_HealthAndStatus(t *testing.T) {
	c := startNode(t, &stubNode{})

	if err := c.Health(); err != nil {
		t.Fatalf("health: %v", err)
	}

	s, err := c.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if s.Self != 2 || s.Size != 4 || s.Quorum != 3 || !strings.HasPrefix(s.Pool, "aa") {
		t.Fatalf("status mismatch: %+v", s)
	}
}

// TestClient_Write tests a blocking write.
func TestClient_Write(t *testing.T) {
	n := &stubNode{record: consensus.Hash{0x11}}
	c := startNode(t, n)

	record, err := c.Write(WriteRequest{Contract: [32]byte{1}, Slot: "balance", Result: []byte("42")})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	if record != [32]byte(consensus.Hash{0x11}) {
		t.Fatalf("record mismatch: %x", record)
	}

	if string(n.last) != "42" {
		t.Fatalf("result not delivered: %q", n.last)
	}
}

// TestClient_WriteFailure tests that a failed write surfaces its reason.
func TestClient_WriteFailure(t *testing.T) {
	n := &stubNode{waitErr: &consensus.Failure{Reason: consensus.ReasonDecisions}}
	c := startNode(t, n)

	_, err := c.Write(WriteRequest{Contract: [32]byte{1}, Slot: "balance"})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}

	if se.Code != http.StatusConflict || se.Message != consensus.FailureKind || se.Reason != consensus.ReasonDecisions {
		t.Fatalf("error mismatch: %+v", se)
	}
}

// TestClient_ReadSlot tests reading committed and missing slots.
func TestClient_ReadSlot(t *testing.T) {
	n := &stubNode{ptr: &consensus.SlotPointer{Slot: "balance", RecordID: consensus.Hash{0x22}}}
	c := startNode(t, n)

	s, err := c.ReadSlot([32]byte{1}, "balance")
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if !strings.HasPrefix(s.Record, "22") || len(s.Entries) != 1 || string(s.Entries[0].Result) != "42" {
		t.Fatalf("slot mismatch: %+v", s)
	}

	if _, err := c.ReadSlot([32]byte{1}, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestClient_StartWrite tests the non-blocking write.
func TestClient_StartWrite(t *testing.T) {
	n := &stubNode{}
	c := startNode(t, n)

	prev := [32]byte{9}
	if err := c.StartWrite(WriteRequest{Contract: [32]byte{1}, Slot: "s", Previous: &prev, Result: []byte("x")}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if string(n.last) != "x" {
		t.Fatalf("result not delivered: %q", n.last)
	}
}
