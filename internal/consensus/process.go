package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config holds everything a process needs for one slot write.
type Config struct {
	Pool         Pool
	Self         int           // Self is the local peer number
	ContractID   Hash          // ContractID owns the slot
	Slot         string        // Slot is the storage slot name
	Previous     Hash          // Previous is the record the result builds on
	Result       []byte        // Result is the local candidate result
	PollInterval time.Duration // PollInterval is the delay between requests to silent peers

	Transport Transport
	Verifier  Verifier
	Storage   Storage
	Scheduler Scheduler
	Certifier Certifier // Certifier is optional, nil disables quorum certificates
	Metrics   Metrics   // Metrics is optional
	Logger    *slog.Logger

	OnReady  func(recordID Hash)
	OnFailed func(f *Failure)
}

// Metrics observes protocol progress.
type Metrics interface {
	PeerExcluded(reason string)
	RoundStarted()
	Finished(outcome string, iterations int32, elapsed time.Duration)
}

// Status is a snapshot of a process, safe to read from any goroutine.
type Status struct {
	State       State
	Iteration   int32
	Cortege     []int
	NotAnswered []int
	Done        bool
	RecordID    Hash
	Err         error
}

// Process runs the write protocol for one slot on the local peer.
//
// All protocol state is owned by a single goroutine. Inbound messages and
// timer callbacks are queued as events and executed by that goroutine,
// which also runs the protocol phases and waits on their signals by
// draining the queue.
type Process struct {
	cfg          Config
	pool         Pool
	self         int
	sched        Scheduler
	metrics      Metrics
	log          *slog.Logger
	pollInterval time.Duration
	selfHash     Hash

	// owned by the process goroutine
	state       State
	iteration   int32
	records     []*Record
	poolHashes  map[int]map[int]Hash
	cortege     peerSet
	notAnswered peerSet
	rounds      map[int32]*round
	blame       *blameLedger
	gathers     map[gatherKey]*gather
	approvals   map[int][]byte // approvals are the signed approve votes of the final cortege
	failure     *Failure
	finished    bool

	events    chan func()
	closing   chan struct{}
	closeOnce sync.Once
	exited    chan struct{}
	outcome   chan struct{}
	started   time.Time

	mu       sync.Mutex
	snapshot Status
}

// round is what the process observed and decided during one iteration.
// Round -1 is the first pass, before any cross-analysis.
type round struct {
	entry      peerSet         // entry is the cortege entering the round
	entryID    Hash            // entryID is the id of entry
	views      map[int]peerSet // views are the members' corteges entering the round
	claims     map[int]Hash    // claims are the ids the members announced for their view
	viewsDone  bool            // viewsDone is set once views were gathered
	candidates peerSet         // candidates are the confirmed exclusion candidates
	blamed     bool            // blamed is set once candidates were computed
	combined   Hash            // combined hashes every view of the round
	analysed   bool            // analysed is set once combined is known
	settled    bool            // settled is set once cortege and id are final for the round
	cortege    peerSet         // cortege is the settled cortege
	id         Hash            // id is the settled cortege id
	state      State           // state is the latest state reached for the round
	voted      bool            // voted is set once the local decision vote was cast
	vote       VoteDecision    // vote is the local decision vote
}

// New validates cfg and creates a process. Start launches it.
func New(cfg Config) (*Process, error) {
	if err := cfg.Pool.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool:\n%w", err)
	}

	if cfg.Self < 0 || cfg.Self >= cfg.Pool.Size() {
		return nil, fmt.Errorf("self %d out of pool range", cfg.Self)
	}

	if cfg.Transport == nil || cfg.Verifier == nil || cfg.Storage == nil || cfg.Scheduler == nil {
		return nil, fmt.Errorf("transport, verifier, storage and scheduler are required")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	p := &Process{
		cfg:          cfg,
		pool:         cfg.Pool,
		self:         cfg.Self,
		sched:        cfg.Scheduler,
		metrics:      cfg.Metrics,
		log:          log.With("slot", cfg.Slot, "peer", cfg.Self),
		pollInterval: interval,
		selfHash:     hashData(cfg.Result),
		state:        StateChecking,
		iteration:    -1,
		records:      make([]*Record, cfg.Pool.Size()),
		poolHashes:   make(map[int]map[int]Hash),
		rounds:       make(map[int32]*round),
		blame:        newBlameLedger(),
		gathers:      make(map[gatherKey]*gather),
		events:       make(chan func(), eventBuffer),
		closing:      make(chan struct{}),
		exited:       make(chan struct{}),
		outcome:      make(chan struct{}),
	}

	all := make([]int, cfg.Pool.Size())
	for i := range all {
		all[i] = i
	}
	p.cortege = newPeerSet(all...)

	p.snapshot = Status{State: StateChecking, Iteration: -1}

	return p, nil
}

// Start validates the local result and runs the protocol in the background.
func (p *Process) Start() {
	p.started = time.Now()
	go p.loop()
}

// OnNotify queues an inbound message. From must be set by the caller.
// Messages for another write, or arriving while the queue is full, are dropped.
func (p *Process) OnNotify(msg *Message) {
	if msg == nil || msg.Body == nil || msg.Body.kind() != msg.Kind {
		p.log.Debug("malformed message dropped")
		return
	}

	if msg.PoolID != p.pool.ID || msg.ContractID != p.cfg.ContractID || msg.Slot != p.cfg.Slot {
		return
	}

	if msg.From < 0 || msg.From >= p.pool.Size() || msg.From == p.self {
		p.log.Debug("message from invalid peer dropped", "from", msg.From)
		return
	}

	select {
	case <-p.closing:
	case p.events <- func() { p.dispatch(msg) }:
	default:
		p.log.Debug("event queue full, message dropped", "kind", msg.Kind)
	}
}

// Wait blocks until the process succeeded, failed or was closed.
func (p *Process) Wait(ctx context.Context) (Hash, error) {
	select {
	case <-p.outcome:
		s := p.Status()
		return s.RecordID, s.Err
	case <-ctx.Done():
		return Hash{}, ctx.Err()
	}
}

// Done is closed once the process reached an outcome.
func (p *Process) Done() <-chan struct{} {
	return p.outcome
}

// Close stops the process. A finished process stops answering peers.
func (p *Process) Close() {
	p.closeOnce.Do(func() { close(p.closing) })
}

// Exited is closed once the process goroutine returned.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Status returns a snapshot of the process.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.snapshot
	s.Cortege = append([]int(nil), s.Cortege...)
	s.NotAnswered = append([]int(nil), s.NotAnswered...)

	return s
}

// loop runs the protocol, then keeps answering peers until closed.
func (p *Process) loop() {
	defer close(p.exited)

	recordID, err := p.run()
	p.finish(recordID, err)

	for {
		select {
		case fn := <-p.events:
			fn()
		case <-p.closing:
			return
		}
	}
}

// run executes every phase in order and returns the committed record id.
func (p *Process) run() (Hash, error) {
	p.log.Debug("write started", "pool", p.pool.Size(), "quorum", p.pool.Quorum)

	if !p.cfg.Verifier.VerifyResult(p.cfg.Result, p.cfg.Previous, p.self) {
		p.breakConsensus(ReasonSelfInvalid, nil)
		return Hash{}, p.failure
	}

	p.records[p.self] = &Record{
		Hash:     p.selfHash,
		Previous: p.cfg.Previous,
		Data:     p.cfg.Result,
		Verified: true,
	}

	if err := p.exchangeHashes(); err != nil {
		return Hash{}, err
	}

	if err := p.downloadResults(); err != nil {
		return Hash{}, err
	}

	iteration := int32(-1)
	p.settle(iteration)

	agreed, err := p.checkCortege(iteration)

	for {
		if err != nil {
			return Hash{}, err
		}

		if agreed {
			approved, err := p.decide(iteration)
			if err != nil {
				return Hash{}, err
			}

			if approved {
				return p.commit(iteration)
			}
		}

		iteration++

		if err := p.analyse(iteration); err != nil {
			return Hash{}, err
		}

		agreed, err = p.checkCortege(iteration)
	}
}

// finish reports the outcome once. On error it runs fail.
func (p *Process) finish(recordID Hash, err error) {
	for _, g := range p.activeGathers() {
		g.finish()
	}

	p.finished = true

	outcome := "approved"
	switch f := err.(type) {
	case nil:
		p.log.Info("write approved", "record", recordID, "iteration", p.iteration, "elapsed", time.Since(p.started))
	case *Failure:
		outcome = "failed"
		p.fail(f)
	default:
		outcome = "closed"
		p.log.Debug("write stopped", "error", err)
	}

	if p.metrics != nil {
		p.metrics.Finished(outcome, p.iteration, time.Since(p.started))
	}

	p.mu.Lock()
	p.snapshot.Done = true
	p.snapshot.RecordID = recordID
	p.snapshot.Err = err
	p.mu.Unlock()

	close(p.outcome)
}

// fail cancels every outstanding task, records the failure and reports it.
func (p *Process) fail(f *Failure) {
	for _, g := range p.activeGathers() {
		g.finish()
	}

	p.failure = f
	p.log.Warn("write failed", "reason", f.Reason, "state", p.state, "iteration", p.iteration)

	if p.cfg.OnFailed != nil {
		p.cfg.OnFailed(f)
	}
}

// breakConsensus marks the operation as failed. Waits return the failure.
func (p *Process) breakConsensus(reason string, cause error) {
	if p.failure != nil {
		return
	}

	p.failure = &Failure{Reason: reason, Slot: p.cfg.Slot, Err: cause}
}

// await processes events until s fired, the operation broke or the process closed.
func (p *Process) await(s *signal) error {
	for !s.fired && p.failure == nil {
		select {
		case fn := <-p.events:
			fn()
		case <-p.closing:
			return ErrClosed
		}
	}

	if p.failure != nil {
		return p.failure
	}

	return nil
}

// post queues fn from a timer goroutine.
func (p *Process) post(fn func()) {
	select {
	case p.events <- fn:
	case <-p.closing:
	}
}

// activeGathers returns the running gathers.
func (p *Process) activeGathers() []*gather {
	out := make([]*gather, 0, len(p.gathers))
	for _, g := range p.gathers {
		out = append(out, g)
	}

	return out
}

// setState moves the process to state s for iteration k.
func (p *Process) setState(s State, k int32) {
	if s != p.state || k != p.iteration {
		p.log.Debug("state", "from", p.state, "to", s, "iteration", k, "cortege", len(p.cortege))
	}

	p.state = s
	p.iteration = k
	p.publish()
}

// publish copies the protocol state into the snapshot read by Status.
func (p *Process) publish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.snapshot.State = p.state
	p.snapshot.Iteration = p.iteration
	p.snapshot.Cortege = p.cortege.sorted()
	p.snapshot.NotAnswered = p.notAnswered.sorted()
}

// round returns the record of iteration k, creating it if needed.
func (p *Process) round(k int32) *round {
	r, ok := p.rounds[k]
	if !ok {
		r = &round{
			views:  make(map[int]peerSet),
			claims: make(map[int]Hash),
			state:  StateChecking,
		}
		p.rounds[k] = r
	}

	return r
}

// cortegeID computes the id of members from the local records.
func (p *Process) cortegeID(members peerSet) Hash {
	return CortegeID(members.sorted(), func(m int) Hash {
		return p.records[m].Hash
	})
}

// settle fixes the current cortege as the local proposal for iteration k.
func (p *Process) settle(k int32) {
	r := p.round(k)
	r.cortege = p.cortege
	r.id = p.cortegeID(p.cortege)
	r.settled = true
	r.state = StateSelfApproved

	p.setState(StateSelfApproved, k)
	p.log.Debug("cortege settled", "iteration", k, "members", r.cortege.sorted(), "id", r.id)
}

// exclude marks a silent or invalid peer as not answered and drops it.
// The operation breaks once too many peers are excluded to reach a quorum.
func (p *Process) exclude(peer int, reason string) {
	if p.notAnswered.has(peer) {
		return
	}

	p.notAnswered = p.notAnswered.with(peer)
	p.drop(peer, reason)
	p.publish()

	if p.metrics != nil {
		p.metrics.PeerExcluded(reason)
	}

	if len(p.notAnswered) > p.pool.Size()-p.pool.Quorum || len(p.cortege) < p.pool.Quorum {
		p.breakConsensus(reason, nil)
	}
}

// drop removes a peer from the working cortege and retracts its accusations.
func (p *Process) drop(peer int, why string) {
	if !p.cortege.has(peer) {
		return
	}

	p.cortege = p.cortege.without(peer)
	p.blame.retract(peer)
	p.publish()

	p.log.Debug("peer dropped", "dropped", peer, "why", why, "cortege", len(p.cortege))
}

// request sends a request tagged with key to peer.
func (p *Process) request(peer int, key gatherKey, body Body) {
	p.deliver(peer, &Message{
		Kind:       key.kind,
		From:       p.self,
		PoolID:     p.pool.ID,
		ContractID: p.cfg.ContractID,
		Slot:       p.cfg.Slot,
		Iteration:  key.iteration,
		Body:       body,
	})
}

// reply answers req with body.
func (p *Process) reply(req *Message, body Body) {
	p.deliver(req.From, &Message{
		Kind:       req.Kind,
		IsAnswer:   true,
		From:       p.self,
		PoolID:     p.pool.ID,
		ContractID: p.cfg.ContractID,
		Slot:       p.cfg.Slot,
		Iteration:  req.Iteration,
		Body:       body,
	})
}

// deliver hands msg to the transport. Errors are not fatal: peers are polled again.
func (p *Process) deliver(peer int, msg *Message) {
	if err := p.cfg.Transport.Deliver(peer, msg); err != nil {
		p.log.Debug("deliver failed", "to", peer, "kind", msg.Kind, "error", err)
	}
}
