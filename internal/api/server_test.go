package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Cortege/internal/consensus"
	"Cortege/internal/session"
)

// fakeWriter records started writes and returns a scripted outcome.
type fakeWriter struct {
	started  []parsedWrite
	startErr error
	record   consensus.Hash
	waitErr  error
	status   []session.WriteStatus
}

func (f *fakeWriter) Start(contractID consensus.Hash, slot string, previous consensus.Hash, result []byte) (*consensus.Process, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, parsedWrite{contract: contractID, slot: slot, previous: previous, result: result})
	return nil, nil
}

func (f *fakeWriter) Wait(context.Context, consensus.Hash, string) (consensus.Hash, error) {
	return f.record, f.waitErr
}

func (f *fakeWriter) Status() []session.WriteStatus {
	return f.status
}

// fakeSlots serves one committed slot.
type fakeSlots struct {
	ptr     *consensus.SlotPointer
	entries []consensus.SlotEntry
}

func (f *fakeSlots) Read(contractID consensus.Hash, slot string) (*consensus.SlotPointer, []consensus.SlotEntry, error) {
	if f.ptr == nil || f.ptr.ContractID != contractID || f.ptr.Slot != slot {
		return nil, nil, nil
	}
	return f.ptr, f.entries, nil
}

var testContract = consensus.Hash{0xC0}

// hexHash encodes h for requests.
func hexHash(h consensus.Hash) string {
	return hex.EncodeToString(h[:])
}

// do sends a request through the server routes.
func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, path, &buf))

	return w
}

// TestHealthEndpoint tests GET /health.
func TestHealthEndpoint(t *testing.T) {
	s := New(":0", &fakeWriter{}, &fakeSlots{}, PoolInfo{}, nil)

	w := do(t, s, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

// TestStartWrite_UsesCurrentRecord tests that an omitted previous record
// defaults to the slot's current record.
func TestStartWrite_UsesCurrentRecord(t *testing.T) {
	writer := &fakeWriter{}
	slots := &fakeSlots{ptr: &consensus.SlotPointer{ContractID: testContract, Slot: "balance", RecordID: consensus.Hash{0xEE}}}
	s := New(":0", writer, slots, PoolInfo{}, nil)

	w := do(t, s, "POST", "/writes", writeRequest{Contract: hexHash(testContract), Slot: "balance", Result: []byte("42")})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	if len(writer.started) != 1 {
		t.Fatalf("expected 1 write, got %d", len(writer.started))
	}

	got := writer.started[0]
	if got.previous != (consensus.Hash{0xEE}) || got.slot != "balance" || string(got.result) != "42" {
		t.Fatalf("write mismatch: %+v", got)
	}
}

// TestStartWrite_ExplicitPrevious tests that a given previous record is kept.
func TestStartWrite_ExplicitPrevious(t *testing.T) {
	writer := &fakeWriter{}
	s := New(":0", writer, &fakeSlots{}, PoolInfo{}, nil)

	w := do(t, s, "POST", "/writes", writeRequest{
		Contract: hexHash(testContract),
		Slot:     "balance",
		Previous: hexHash(consensus.DefaultRecordID),
		Result:   []byte("x"),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}

	if writer.started[0].previous != consensus.DefaultRecordID {
		t.Fatal("explicit previous record should be used")
	}
}

// TestStartWrite_Wait tests waiting for the outcome.
func TestStartWrite_Wait(t *testing.T) {
	req := writeRequest{Contract: hexHash(testContract), Slot: "balance", Result: []byte("x")}

	t.Run("approved", func(t *testing.T) {
		s := New(":0", &fakeWriter{record: consensus.Hash{0x01}}, &fakeSlots{}, PoolInfo{}, nil)

		w := do(t, s, "POST", "/writes?wait=true", req)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), hexHash(consensus.Hash{0x01})) {
			t.Fatalf("got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("failed", func(t *testing.T) {
		writer := &fakeWriter{waitErr: &consensus.Failure{Reason: consensus.ReasonHashes, Slot: "balance"}}
		s := New(":0", writer, &fakeSlots{}, PoolInfo{}, nil)

		w := do(t, s, "POST", "/writes?wait=true", req)
		if w.Code != http.StatusConflict {
			t.Fatalf("expected status 409, got %d", w.Code)
		}

		var resp map[string]string
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp["error"] != consensus.FailureKind || resp["reason"] != consensus.ReasonHashes {
			t.Fatalf("response: %v", resp)
		}
	})
}

// TestStartWrite_Rejects tests invalid requests.
func TestStartWrite_Rejects(t *testing.T) {
	tests := []struct {
		name string
		req  writeRequest
		err  error
		code int
	}{
		{"bad contract", writeRequest{Contract: "zz", Slot: "s"}, nil, http.StatusBadRequest},
		{"short contract", writeRequest{Contract: "abcd", Slot: "s"}, nil, http.StatusBadRequest},
		{"empty slot", writeRequest{Contract: hexHash(testContract)}, nil, http.StatusBadRequest},
		{"bad previous", writeRequest{Contract: hexHash(testContract), Slot: "s", Previous: "00"}, nil, http.StatusBadRequest},
		{"running", writeRequest{Contract: hexHash(testContract), Slot: "s"}, session.ErrWriteRunning, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(":0", &fakeWriter{startErr: tt.err}, &fakeSlots{}, PoolInfo{}, nil)

			if w := do(t, s, "POST", "/writes", tt.req); w.Code != tt.code {
				t.Fatalf("expected status %d, got %d", tt.code, w.Code)
			}
		})
	}
}

// TestReadSlot tests GET /slots/{contract}/{slot}.
func TestReadSlot(t *testing.T) {
	slots := &fakeSlots{
		ptr: &consensus.SlotPointer{ContractID: testContract, Slot: "balance", RecordID: consensus.Hash{0xEE}, Certificate: []byte{1, 2}},
		entries: []consensus.SlotEntry{
			{Peer: 0, Result: []byte("42")},
			{Peer: 2, Result: []byte("42")},
		},
	}
	s := New(":0", &fakeWriter{}, slots, PoolInfo{}, nil)

	w := do(t, s, "GET", "/slots/"+hexHash(testContract)+"/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		Record      string      `json:"record"`
		Certificate string      `json:"certificate"`
		Entries     []slotEntry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if resp.Record != hexHash(consensus.Hash{0xEE}) || resp.Certificate != "0102" || len(resp.Entries) != 2 {
		t.Fatalf("response: %+v", resp)
	}

	if resp.Entries[1].Peer != 2 || string(resp.Entries[1].Result) != "42" {
		t.Fatalf("entry: %+v", resp.Entries[1])
	}

	if w := do(t, s, "GET", "/slots/"+hexHash(testContract)+"/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

// TestStatus tests GET /status and GET /writes.
func TestStatus(t *testing.T) {
	writer := &fakeWriter{status: []session.WriteStatus{{
		ContractID: testContract,
		Slot:       "balance",
		State:      session.StateFailed,
		Phase:      consensus.StateAnalysis,
		Iteration:  2,
		Reason:     consensus.ReasonNoProgress,
		Started:    time.Now(),
	}}}
	s := New(":0", writer, &fakeSlots{}, PoolInfo{ID: consensus.Hash{7}, Self: 1, Size: 4, Quorum: 3}, nil)

	w := do(t, s, "GET", "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		Quorum int           `json:"quorum"`
		Writes []writeStatus `json:"writes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if resp.Quorum != 3 || len(resp.Writes) != 1 || resp.Writes[0].State != "FAILED" || resp.Writes[0].Reason != consensus.ReasonNoProgress {
		t.Fatalf("response: %+v", resp)
	}

	if w := do(t, s, "GET", "/metrics", nil); w.Code == http.StatusOK {
		t.Fatal("metrics route should not exist without a handler")
	}
}
