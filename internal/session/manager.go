// Package session owns the writes of one pool member. It starts a process
// per (contract, slot) write, routes peer frames to it, tracks the pool
// state and keeps finished writes answering late peers for a while.
package session

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"Cortege/internal/consensus"
	"Cortege/internal/scheduler"
)

// State is the pool state of one write.
type State string

const (
	StateRunning State = "RUNNING"
	StateReady   State = "READY"
	StateFailed  State = "FAILED"
)

var (
	// ErrWriteRunning is returned when a write of the same slot is in progress.
	ErrWriteRunning = errors.New("write already running for slot")

	// ErrUnknownWrite is returned for a slot without a write.
	ErrUnknownWrite = errors.New("unknown write")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("session manager closed")
)

// Key identifies a write.
type Key struct {
	ContractID consensus.Hash
	Slot       string
}

// Metrics observes the writes held by the manager.
type Metrics interface {
	consensus.Metrics
	ProcessAdded()
	ProcessRemoved()
}

// VerifierFunc returns the verifier checking results of a contract.
type VerifierFunc func(contractID consensus.Hash) (consensus.Verifier, error)

// Config configures a Manager.
type Config struct {
	Pool         consensus.Pool
	Self         int
	Addresses    []string // Addresses are the QUIC addresses, by peer number
	PollInterval time.Duration
	Linger       time.Duration // Linger is how long a finished write keeps answering peers

	Sender    Sender
	Verifier  VerifierFunc
	Storage   consensus.Storage
	Scheduler consensus.Scheduler
	Certifier consensus.Certifier // Certifier is optional
	Metrics   Metrics             // Metrics is optional
	Logger    *slog.Logger
}

// WriteStatus describes one write for the status endpoint.
type WriteStatus struct {
	ContractID consensus.Hash
	Slot       string
	State      State
	Phase      consensus.State
	Iteration  int32
	Cortege    []int
	RecordID   consensus.Hash
	Reason     string
	Started    time.Time
}

// write is one process and its pool state.
type write struct {
	key     Key
	proc    *consensus.Process
	state   State
	reason  string
	started time.Time
	linger  scheduler.Handle
}

// Manager routes frames between the network and the processes.
type Manager struct {
	cfg       Config
	log       *slog.Logger
	transport *transport
	peerIndex map[consensus.Hash]int

	mu     sync.Mutex
	writes map[Key]*write
	closed bool
}

// New creates a manager and starts its outbound queues.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Pool.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool:\n%w", err)
	}

	if cfg.Self < 0 || cfg.Self >= cfg.Pool.Size() {
		return nil, fmt.Errorf("self %d out of pool range", cfg.Self)
	}

	if len(cfg.Addresses) != cfg.Pool.Size() {
		return nil, fmt.Errorf("got %d addresses for %d peers", len(cfg.Addresses), cfg.Pool.Size())
	}

	if cfg.Sender == nil || cfg.Verifier == nil || cfg.Storage == nil || cfg.Scheduler == nil {
		return nil, fmt.Errorf("sender, verifier, storage and scheduler are required")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		cfg:       cfg,
		log:       log.With("pool", cfg.Pool.ID),
		peerIndex: make(map[consensus.Hash]int, cfg.Pool.Size()),
		writes:    make(map[Key]*write),
	}

	for i, p := range cfg.Pool.Peers {
		m.peerIndex[p.ID] = i
	}

	m.transport = newTransport(cfg.Sender, cfg.Pool, cfg.Self, cfg.Addresses, m.log)

	return m, nil
}

// Start launches the write of result into a slot. A lingering finished
// write of the same slot is closed first.
func (m *Manager) Start(contractID consensus.Hash, slot string, previous consensus.Hash, result []byte) (*consensus.Process, error) {
	key := Key{ContractID: contractID, Slot: slot}

	verifier, err := m.cfg.Verifier(contractID)
	if err != nil {
		return nil, fmt.Errorf("verifier for contract %s:\n%w", contractID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	if old := m.writes[key]; old != nil {
		if old.state == StateRunning {
			return nil, ErrWriteRunning
		}
		m.release(old)
	}

	w := &write{key: key, state: StateRunning, started: time.Now()}

	var metrics consensus.Metrics
	if m.cfg.Metrics != nil {
		metrics = m.cfg.Metrics
	}

	proc, err := consensus.New(consensus.Config{
		Pool:         m.cfg.Pool,
		Self:         m.cfg.Self,
		ContractID:   contractID,
		Slot:         slot,
		Previous:     previous,
		Result:       result,
		PollInterval: m.cfg.PollInterval,
		Transport:    m.transport,
		Verifier:     verifier,
		Storage:      m.cfg.Storage,
		Scheduler:    m.cfg.Scheduler,
		Certifier:    m.cfg.Certifier,
		Metrics:      metrics,
		Logger:       m.log,
		OnReady:      func(consensus.Hash) { m.finished(w, StateReady, "") },
		OnFailed:     func(f *consensus.Failure) { m.finished(w, StateFailed, f.Reason) },
	})
	if err != nil {
		return nil, fmt.Errorf("create process:\n%w", err)
	}

	w.proc = proc
	m.writes[key] = w

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ProcessAdded()
	}

	proc.Start()

	m.log.Info("write started", "contract", contractID, "slot", slot)

	return proc, nil
}

// HandleFrame decodes a frame from the node owning sender and hands it to
// the matching write. The sender number comes from the authenticated key.
func (m *Manager) HandleFrame(sender ed25519.PublicKey, data []byte) {
	var id consensus.Hash
	if len(sender) != len(id) {
		return
	}
	copy(id[:], sender)

	from, ok := m.peerIndex[id]
	if !ok {
		m.log.Debug("frame from unknown node dropped", "sender", id)
		return
	}

	msg, err := consensus.Decode(data)
	if err != nil {
		m.log.Debug("invalid frame dropped", "from", from, "error", err)
		return
	}
	msg.From = from

	if msg.PoolID != m.cfg.Pool.ID {
		return
	}

	m.mu.Lock()
	w := m.writes[Key{ContractID: msg.ContractID, Slot: msg.Slot}]
	m.mu.Unlock()

	if w == nil {
		m.log.Debug("frame for unknown write dropped", "from", from, "kind", msg.Kind, "slot", msg.Slot)
		return
	}

	w.proc.OnNotify(msg)
}

// Wait blocks until the write of a slot reached an outcome.
func (m *Manager) Wait(ctx context.Context, contractID consensus.Hash, slot string) (consensus.Hash, error) {
	m.mu.Lock()
	w := m.writes[Key{ContractID: contractID, Slot: slot}]
	m.mu.Unlock()

	if w == nil {
		return consensus.Hash{}, ErrUnknownWrite
	}

	return w.proc.Wait(ctx)
}

// Status lists the writes held by the manager, ordered by start time.
func (m *Manager) Status() []WriteStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WriteStatus, 0, len(m.writes))
	for _, w := range m.writes {
		s := w.proc.Status()
		out = append(out, WriteStatus{
			ContractID: w.key.ContractID,
			Slot:       w.key.Slot,
			State:      w.state,
			Phase:      s.State,
			Iteration:  s.Iteration,
			Cortege:    s.Cortege,
			RecordID:   s.RecordID,
			Reason:     w.reason,
			Started:    w.started,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })

	return out
}

// Close stops every write and the outbound queues.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	writes := make([]*write, 0, len(m.writes))
	for _, w := range m.writes {
		writes = append(writes, w)
	}
	for _, w := range writes {
		m.release(w)
	}
	m.mu.Unlock()

	for _, w := range writes {
		<-w.proc.Exited()
	}

	m.transport.close()
}

// finished records the outcome of w and schedules its release.
func (m *Manager) finished(w *write, state State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w.state = state
	w.reason = reason

	if m.closed || m.writes[w.key] != w {
		return
	}

	w.linger = m.cfg.Scheduler.RunOnce(m.cfg.Linger, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.writes[w.key] == w {
			m.release(w)
		}
	})
}

// release closes w and forgets it. Callers hold mu.
func (m *Manager) release(w *write) {
	if w.linger != nil {
		w.linger.Cancel()
	}

	w.proc.Close()

	if m.writes[w.key] == w {
		delete(m.writes, w.key)

		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ProcessRemoved()
		}
	}
}
