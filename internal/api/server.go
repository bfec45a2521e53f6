package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"Cortege/internal/consensus"
	"Cortege/internal/logger"
	"Cortege/internal/session"
)

const (
	// maxBodySize bounds a request body (base64 inflates the result).
	maxBodySize = maxResultSize*4/3 + 4096

	// waitTimeout bounds POST /writes?wait=true.
	waitTimeout = 60 * time.Second
)

// Writer starts slot writes and reports on them.
type Writer interface {
	Start(contractID consensus.Hash, slot string, previous consensus.Hash, result []byte) (*consensus.Process, error)
	Wait(ctx context.Context, contractID consensus.Hash, slot string) (consensus.Hash, error)
	Status() []session.WriteStatus
}

// SlotReader reads committed slots.
type SlotReader interface {
	Read(contractID consensus.Hash, slot string) (*consensus.SlotPointer, []consensus.SlotEntry, error)
}

// PoolInfo describes the local member for /status.
type PoolInfo struct {
	ID     consensus.Hash
	Self   int
	Size   int
	Quorum int
}

// Server is the HTTP API server.
type Server struct {
	addr    string
	writer  Writer
	slots   SlotReader
	pool    PoolInfo
	metrics http.Handler // metrics is optional
	server  *http.Server
}

// New creates a new HTTP API server.
func New(addr string, writer Writer, slots SlotReader, pool PoolInfo, metrics http.Handler) *Server {
	return &Server{
		addr:    addr,
		writer:  writer,
		slots:   slots,
		pool:    pool,
		metrics: metrics,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /writes", s.handleStartWrite)
	mux.HandleFunc("GET /writes", s.handleWrites)
	mux.HandleFunc("GET /slots/{contract}/{slot}", s.handleReadSlot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: waitTimeout + 10*time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("http api started", "addr", s.addr)
		errc <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdown)
}

// handleStartWrite handles POST /writes. With ?wait=true the response
// carries the outcome instead of the accepted write.
func (s *Server) handleStartWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var req writeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	write, err := validateWrite(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !write.hasPrevious {
		ptr, _, err := s.slots.Read(write.contract, write.slot)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ptr != nil {
			write.previous = ptr.RecordID
		}
	}

	_, err = s.writer.Start(write.contract, write.slot, write.previous, write.result)
	if errors.Is(err, session.ErrWriteRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Debug("write accepted", "contract", write.contract, "slot", write.slot)

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"contract": req.Contract,
			"slot":     write.slot,
			"previous": hex.EncodeToString(write.previous[:]),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()

	record, err := s.writer.Wait(ctx, write.contract, write.slot)
	if err != nil {
		var f *consensus.Failure
		if errors.As(err, &f) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": f.Kind(), "reason": f.Reason})
			return
		}
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"record": hex.EncodeToString(record[:]),
	})
}

// writeStatus is one entry of GET /writes.
type writeStatus struct {
	Contract  string `json:"contract"`
	Slot      string `json:"slot"`
	State     string `json:"state"`
	Phase     string `json:"phase"`
	Iteration int32  `json:"iteration"`
	Cortege   []int  `json:"cortege"`
	Record    string `json:"record,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Started   string `json:"started"`
}

// handleWrites handles GET /writes.
func (s *Server) handleWrites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.writes())
}

// writes converts the session status for JSON.
func (s *Server) writes() []writeStatus {
	list := s.writer.Status()
	out := make([]writeStatus, 0, len(list))

	for _, ws := range list {
		entry := writeStatus{
			Contract:  hex.EncodeToString(ws.ContractID[:]),
			Slot:      ws.Slot,
			State:     string(ws.State),
			Phase:     ws.Phase.String(),
			Iteration: ws.Iteration,
			Cortege:   ws.Cortege,
			Reason:    ws.Reason,
			Started:   ws.Started.UTC().Format(time.RFC3339Nano),
		}
		if !ws.RecordID.IsZero() {
			entry.Record = hex.EncodeToString(ws.RecordID[:])
		}
		out = append(out, entry)
	}

	return out
}

// slotEntry is one member's result in GET /slots.
type slotEntry struct {
	Peer   int    `json:"peer"`
	Hash   string `json:"hash"`
	Result []byte `json:"result"`
}

// handleReadSlot handles GET /slots/{contract}/{slot}.
func (s *Server) handleReadSlot(w http.ResponseWriter, r *http.Request) {
	contract, err := parseHash(r.PathValue("contract"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "contract: "+err.Error())
		return
	}

	slot := r.PathValue("slot")
	if err := validateSlot(slot); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ptr, entries, err := s.slots.Read(contract, slot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if ptr == nil {
		writeError(w, http.StatusNotFound, "slot not found")
		return
	}

	out := make([]slotEntry, len(entries))
	for i, e := range entries {
		out[i] = slotEntry{Peer: e.Peer, Hash: hex.EncodeToString(e.Hash[:]), Result: e.Result}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"record":      hex.EncodeToString(ptr.RecordID[:]),
		"cortege":     hex.EncodeToString(ptr.CortegeID[:]),
		"certificate": hex.EncodeToString(ptr.Certificate),
		"entries":     out,
	})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pool":   hex.EncodeToString(s.pool.ID[:]),
		"self":   s.pool.Self,
		"size":   s.pool.Size,
		"quorum": s.pool.Quorum,
		"writes": s.writes(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
