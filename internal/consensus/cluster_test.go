package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"Cortege/internal/scheduler"
)

const (
	testMaxWait = 400 * time.Millisecond
	testPoll    = 5 * time.Millisecond
)

var (
	testResult   = []byte("balance=42")
	testPrevious = Hash{0xAA}
	testContract = Hash{0xC0}
	testSlot     = "balance"
)

// acceptAll is a verifier accepting every result.
type acceptAll struct{}

func (acceptAll) VerifyResult([]byte, Hash, int) bool { return true }

// rejectPeer rejects the results computed by one peer.
type rejectPeer int

func (r rejectPeer) VerifyResult(_ []byte, _ Hash, peer int) bool { return peer != int(r) }

// memStorage records slot writes in memory.
type memStorage struct {
	mu       sync.Mutex
	entries  map[Hash]map[int]SlotEntry
	pointers map[string]SlotPointer
	ops      []string
	failOn   string
}

func newMemStorage() *memStorage {
	return &memStorage{
		entries:  make(map[Hash]map[int]SlotEntry),
		pointers: make(map[string]SlotPointer),
	}
}

func (s *memStorage) DeleteSlot(recordID Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = append(s.ops, "delete")
	if s.failOn == "delete" {
		return errors.New("disk full")
	}

	delete(s.entries, recordID)
	return nil
}

func (s *memStorage) WriteSlot(e SlotEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = append(s.ops, "write")
	if s.failOn == "write" {
		return errors.New("disk full")
	}

	if s.entries[e.RecordID] == nil {
		s.entries[e.RecordID] = make(map[int]SlotEntry)
	}
	s.entries[e.RecordID][e.Peer] = e
	return nil
}

func (s *memStorage) UpdateSlotPointer(ptr SlotPointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = append(s.ops, "pointer")
	s.pointers[ptr.Slot] = ptr
	return nil
}

// count returns the number of entries stored under recordID.
func (s *memStorage) count(recordID Hash) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries[recordID])
}

// total returns the number of entries stored under any record.
func (s *memStorage) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		n += len(e)
	}
	return n
}

// outcome is what one process ended with.
type outcome struct {
	recordID Hash
	err      error
}

// cluster runs a pool of processes in memory. Silent peers have no process.
type cluster struct {
	t        *testing.T
	pool     Pool
	procs    []*Process
	stores   []*memStorage
	sched    *scheduler.Scheduler
	verifier Verifier

	// tamper may rewrite or drop (return nil) a message in flight
	tamper func(from, to int, msg *Message) *Message

	mu     sync.Mutex
	ready  map[int]Hash
	failed map[int]*Failure
}

// memTransport delivers messages of one peer directly to the other processes.
type memTransport struct {
	c    *cluster
	from int
}

func (tr *memTransport) Deliver(peer int, msg *Message) error {
	m := *msg
	m.From = tr.from

	if tr.c.tamper != nil {
		tampered := tr.c.tamper(tr.from, peer, &m)
		if tampered == nil {
			return nil
		}
		m = *tampered
	}

	target := tr.c.procs[peer]
	if target == nil {
		return errors.New("peer unreachable")
	}

	target.OnNotify(&m)
	return nil
}

// newCluster builds a pool of size peers; the silent ones never run.
func newCluster(t *testing.T, size, quorum int, silent ...int) *cluster {
	t.Helper()

	pool := Pool{ID: blake3.Sum256([]byte("test-pool")), Quorum: quorum}
	for i := 0; i < size; i++ {
		pool.Peers = append(pool.Peers, Peer{ID: Hash{byte(i + 1)}, MaxWait: testMaxWait})
	}

	c := &cluster{
		t:        t,
		pool:     pool,
		procs:    make([]*Process, size),
		stores:   make([]*memStorage, size),
		sched:    scheduler.New(),
		verifier: acceptAll{},
		ready:    make(map[int]Hash),
		failed:   make(map[int]*Failure),
	}

	skip := make(map[int]bool)
	for _, s := range silent {
		skip[s] = true
	}

	for i := 0; i < size; i++ {
		c.stores[i] = newMemStorage()
		if skip[i] {
			continue
		}

		i := i
		p, err := New(Config{
			Pool:         pool,
			Self:         i,
			ContractID:   testContract,
			Slot:         testSlot,
			Previous:     testPrevious,
			Result:       testResult,
			PollInterval: testPoll,
			Transport:    &memTransport{c: c, from: i},
			Verifier:     verifierOf(c),
			Storage:      c.stores[i],
			Scheduler:    c.sched,
			OnReady: func(id Hash) {
				c.mu.Lock()
				c.ready[i] = id
				c.mu.Unlock()
			},
			OnFailed: func(f *Failure) {
				c.mu.Lock()
				c.failed[i] = f
				c.mu.Unlock()
			},
		})
		if err != nil {
			t.Fatalf("create process %d: %v", i, err)
		}

		c.procs[i] = p
	}

	t.Cleanup(func() {
		for _, p := range c.procs {
			if p != nil {
				p.Close()
			}
		}
		c.sched.Close()
	})

	return c
}

// verifierOf defers to the cluster verifier, so tests may replace it before start.
func verifierOf(c *cluster) Verifier {
	return verifierFunc(func(result []byte, previous Hash, peer int) bool {
		return c.verifier.VerifyResult(result, previous, peer)
	})
}

type verifierFunc func([]byte, Hash, int) bool

func (f verifierFunc) VerifyResult(r []byte, p Hash, peer int) bool { return f(r, p, peer) }

// start launches every process.
func (c *cluster) start() {
	for _, p := range c.procs {
		if p != nil {
			p.Start()
		}
	}
}

// wait returns the outcome of every running process.
func (c *cluster) wait() map[int]outcome {
	c.t.Helper()

	var running []int
	for i, p := range c.procs {
		if p != nil {
			running = append(running, i)
		}
	}

	return c.waitFor(running...)
}

// waitFor returns the outcome of the given processes only.
func (c *cluster) waitFor(members ...int) map[int]outcome {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	out := make(map[int]outcome, len(members))
	for _, i := range members {
		p := c.procs[i]

		id, err := p.Wait(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			c.t.Fatalf("process %d did not finish: %+v", i, p.Status())
		}

		out[i] = outcome{recordID: id, err: err}
	}

	return out
}

// sameResultID is the cortege id of members all holding testResult.
func sameResultID(members ...int) Hash {
	return CortegeID(members, func(int) Hash { return hashData(testResult) })
}
