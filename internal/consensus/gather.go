package consensus

import "Cortege/internal/scheduler"

// signal is a single-fire completion flag. It is only touched by the
// process goroutine, which checks it between events.
type signal struct {
	fired bool
}

// fire resolves the signal. Later calls do nothing.
func (s *signal) fire() {
	s.fired = true
}

// gatherKey scopes answers to the wait that requested them.
type gatherKey struct {
	kind      Kind
	iteration int32
	suspect   int // suspect is -1 unless the kind is scoped to a suspect
}

// gather polls a set of peers until each one answered or exceeded its
// max-wait period. It owns its poll task and per-peer deadlines and
// cancels all of them when it finishes.
type gather struct {
	p       *Process
	key     gatherKey
	pending map[int]scheduler.Handle // pending maps unsettled peers to their deadline
	poll    scheduler.Handle
	done    signal

	request func(peer int) Body            // request builds the body sent to peer
	answer  func(from int, body Body) bool // answer records an answer, true settles the peer
	timeout func(peer int)                 // timeout handles a peer whose max-wait elapsed
	check   func(pending int) bool         // check, if set, finishes the gather early
}

// startGather registers g under key and starts polling peers.
// The local peer is never polled.
func (p *Process) startGather(key gatherKey, peers []int, g *gather) *gather {
	g.p = p
	g.key = key
	g.pending = make(map[int]scheduler.Handle, len(peers))

	if old := p.gathers[key]; old != nil {
		old.finish()
	}
	p.gathers[key] = g

	for _, peer := range peers {
		if peer == p.self {
			continue
		}

		peer := peer
		g.pending[peer] = p.sched.RunOnce(p.pool.maxWait(peer), func() {
			p.post(func() { g.expire(peer) })
		})
	}

	if len(g.pending) == 0 || (g.check != nil && g.check(len(g.pending))) {
		g.finish()
		return g
	}

	g.poll = p.sched.RunPeriodic(p.pollInterval, func() {
		p.post(g.send)
	})

	return g
}

// send requests every unsettled peer.
func (g *gather) send() {
	if g.done.fired {
		return
	}

	for peer := range g.pending {
		g.p.request(peer, g.key, g.request(peer))
	}
}

// receive handles an answer from a peer.
func (g *gather) receive(from int, body Body) {
	if _, ok := g.pending[from]; !ok || g.done.fired {
		return
	}

	if g.answer(from, body) {
		g.settle(from)
	}
}

// settle stops waiting for peer.
func (g *gather) settle(peer int) {
	if h, ok := g.pending[peer]; ok {
		h.Cancel()
		delete(g.pending, peer)
	}

	g.advance()
}

// expire handles the deadline of a peer.
func (g *gather) expire(peer int) {
	if _, ok := g.pending[peer]; !ok || g.done.fired {
		return
	}

	delete(g.pending, peer)
	g.timeout(peer)
	g.advance()
}

// advance finishes the gather once nothing is pending or check resolved it.
func (g *gather) advance() {
	if g.done.fired {
		return
	}

	if len(g.pending) == 0 || (g.check != nil && g.check(len(g.pending))) {
		g.finish()
	}
}

// finish cancels every task of the gather and fires its signal.
func (g *gather) finish() {
	if g.done.fired {
		return
	}

	if g.poll != nil {
		g.poll.Cancel()
	}

	for peer, h := range g.pending {
		h.Cancel()
		delete(g.pending, peer)
	}

	if g.p.gathers[g.key] == g {
		delete(g.p.gathers, g.key)
	}

	g.done.fire()
}
