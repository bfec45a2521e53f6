package consensus

import (
	"fmt"
	"time"

	"Cortege/internal/scheduler"
)

const (
	// accuracy is the tolerance applied to removal coefficients.
	accuracy = 1e-6

	// eventBuffer is the capacity of a process event queue.
	eventBuffer = 4096

	// DefaultPollInterval is the delay between two rounds of requests to unanswered peers.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultMaxWait is the max-wait period of a peer that does not configure one.
	DefaultMaxWait = 5 * time.Second
)

// Hash is a 32-byte identifier (result hash, cortege id, record id).
type Hash [32]byte

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the first 8 bytes of h in hex.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:8])
}

// Peer is one member of a pool.
type Peer struct {
	ID      Hash          // ID is the peer's ed25519 public key
	BLSKey  []byte        // BLSKey is the compressed BLS public key, empty when certificates are disabled
	MaxWait time.Duration // MaxWait bounds how long the peer may stay silent, zero means DefaultMaxWait
}

// Pool is the fixed, ordered set of members taking part in a write.
// A peer's number is its index in Peers.
type Pool struct {
	ID     Hash
	Peers  []Peer
	Quorum int
}

// Size returns the number of members.
func (p Pool) Size() int {
	return len(p.Peers)
}

// Index returns the number of the peer with the given id, or -1.
func (p Pool) Index(id Hash) int {
	for i, peer := range p.Peers {
		if peer.ID == id {
			return i
		}
	}

	return -1
}

// maxWait returns the max-wait period of peer i.
func (p Pool) maxWait(i int) time.Duration {
	if w := p.Peers[i].MaxWait; w > 0 {
		return w
	}

	return DefaultMaxWait
}

// Validate checks the quorum bounds and peer uniqueness.
func (p Pool) Validate() error {
	if len(p.Peers) == 0 {
		return fmt.Errorf("pool has no peers")
	}

	if p.Quorum < 1 || p.Quorum > len(p.Peers) {
		return fmt.Errorf("quorum %d out of range [1, %d]", p.Quorum, len(p.Peers))
	}

	seen := make(map[Hash]bool, len(p.Peers))
	for i, peer := range p.Peers {
		if seen[peer.ID] {
			return fmt.Errorf("duplicate peer %d: %s", i, peer.ID)
		}
		seen[peer.ID] = true
	}

	return nil
}

// State is the state of a write process for its current iteration.
type State uint8

const (
	StateChecking     State = iota // StateChecking gathers hashes, no cortege decided yet
	StateSelfApproved              // StateSelfApproved accepts the current cortege and waits for the others
	StateVoteApproved              // StateVoteApproved means a quorum approved the cortege
	StateVoteDeclined              // StateVoteDeclined means the cortege was rejected
	StateApproved                  // StateApproved is terminal success, the commit ran
	StateAnalysis                  // StateAnalysis recomputes the cortege by cross-analysis
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateChecking:
		return "CHECKING"
	case StateSelfApproved:
		return "SELF_APPROVED"
	case StateVoteApproved:
		return "VOTE_APPROVED"
	case StateVoteDeclined:
		return "VOTE_DECLINED"
	case StateApproved:
		return "APPROVED"
	case StateAnalysis:
		return "ANALYSIS"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// accepting reports whether a member in state s accepts the cortege it settled on.
func (s State) accepting() bool {
	return s == StateSelfApproved || s == StateVoteApproved || s == StateApproved
}

// Record is what the local process knows about one peer's result.
type Record struct {
	Hash     Hash   // Hash is the claimed result hash
	Previous Hash   // Previous is the record id the result builds on
	Data     []byte // Data is the downloaded result
	Verified bool   // Verified is set once Data matched Hash and passed the verifier
}

// Transport delivers messages to pool members. Delivery is best effort.
type Transport interface {
	Deliver(peer int, msg *Message) error
}

// Verifier accepts or rejects a candidate result.
type Verifier interface {
	VerifyResult(result []byte, previous Hash, peer int) bool
}

// SlotEntry is one member's result written under a record.
type SlotEntry struct {
	ContractID Hash
	Slot       string
	Result     []byte
	Hash       Hash
	RecordID   Hash
	Peer       int
}

// SlotPointer links a slot to its current record.
type SlotPointer struct {
	ContractID  Hash
	Slot        string
	CortegeID   Hash
	RecordID    Hash
	Certificate []byte // Certificate is the encoded quorum certificate, nil when disabled
}

// Storage persists committed records.
type Storage interface {
	DeleteSlot(recordID Hash) error
	WriteSlot(entry SlotEntry) error
	UpdateSlotPointer(ptr SlotPointer) error
}

// StorageBatch groups storage operations applied atomically by Commit.
type StorageBatch interface {
	Storage
	Commit() error
}

// Batcher is implemented by storages able to apply a commit atomically.
type Batcher interface {
	Begin() StorageBatch
}

// Scheduler runs periodic and one-shot callbacks.
type Scheduler interface {
	RunPeriodic(interval time.Duration, fn func()) scheduler.Handle
	RunOnce(delay time.Duration, fn func()) scheduler.Handle
}
