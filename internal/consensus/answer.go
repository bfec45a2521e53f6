package consensus

// dispatch routes an inbound message. Answers feed the wait that asked for
// them; requests are answered from the current state or the round history.
func (p *Process) dispatch(msg *Message) {
	if msg.IsAnswer {
		key := gatherKey{kind: msg.Kind, iteration: msg.Iteration, suspect: suspectOf(msg)}
		if g := p.gathers[key]; g != nil {
			g.receive(msg.From, msg.Body)
		}
		return
	}

	switch msg.Kind {
	case KindGetDataHash:
		p.reply(msg, &DataHash{Hash: p.selfHash, Previous: p.cfg.Previous})
	case KindGetData:
		p.reply(msg, &Data{Data: p.cfg.Result})
	case KindGetPoolHashes:
		p.answerPoolHashes(msg)
	case KindGetCortegeID:
		p.answerCortegeID(msg)
	case KindGetCorteges:
		p.answerCorteges(msg)
	case KindGetSuspiciousCortegeID:
		p.answerSuspiciousCortegeID(msg, msg.Body.(*SuspiciousCortegeID))
	case KindGetDecisions:
		p.answerDecisions(msg)
	case KindVoteDecision:
		p.answerVoteDecision(msg, msg.Body.(*VoteDecision))
	case KindVoteExclusionSuspicious:
		p.answerVoteExclusion(msg, msg.Body.(*VoteExclusion))
	default:
		p.log.Debug("unknown message ignored", "kind", msg.Kind, "from", msg.From)
	}
}

// passed reports whether the process moved past iteration k without
// recording the information requested for it.
func (p *Process) passed(k int32) bool {
	return p.finished || p.iteration > k
}

// answerPoolHashes returns every hash received, once the exchange is over.
func (p *Process) answerPoolHashes(msg *Message) {
	if r := p.rounds[-1]; r == nil || !r.settled {
		return
	}

	entries := make([]Member, 0, len(p.records))
	for i, rec := range p.records {
		if rec != nil {
			entries = append(entries, Member{Index: i, Hash: rec.Hash})
		}
	}

	p.reply(msg, &PoolHashes{Entries: entries})
}

// answerCortegeID returns the settled cortege id of the requested iteration.
func (p *Process) answerCortegeID(msg *Message) {
	r := p.rounds[msg.Iteration]
	if r == nil || !r.settled {
		return
	}

	p.reply(msg, &CortegeIDBody{ID: r.id})
}

// answerCorteges returns the cortege that entered the requested round.
func (p *Process) answerCorteges(msg *Message) {
	r := p.rounds[msg.Iteration]
	if r == nil || r.entry == nil {
		return
	}

	p.reply(msg, &Corteges{Members: r.entry.sorted(), ID: r.entryID})
}

// answerSuspiciousCortegeID returns the id the suspect claimed to us.
// A suspect whose view we never received is answered with the zero id.
func (p *Process) answerSuspiciousCortegeID(msg *Message, b *SuspiciousCortegeID) {
	r := p.rounds[msg.Iteration]
	if r == nil || !r.viewsDone {
		return
	}

	p.reply(msg, &SuspiciousCortegeID{Suspect: b.Suspect, ID: r.claims[b.Suspect]})
}

// answerDecisions returns the state reached for the requested iteration.
func (p *Process) answerDecisions(msg *Message) {
	r := p.rounds[msg.Iteration]
	if r == nil || !r.settled {
		return
	}

	p.reply(msg, &Decisions{State: r.state, CortegeID: r.id})
}

// answerVoteDecision counts the vote carried by the request, then answers
// with the local vote. An iteration left without voting is answered with a decline.
func (p *Process) answerVoteDecision(msg *Message, b *VoteDecision) {
	key := gatherKey{kind: KindVoteDecision, iteration: msg.Iteration, suspect: -1}
	if g := p.gathers[key]; g != nil {
		g.receive(msg.From, b)
	}

	r := p.rounds[msg.Iteration]
	switch {
	case r != nil && r.voted:
		vote := r.vote
		p.reply(msg, &vote)
	case p.passed(msg.Iteration):
		p.reply(msg, &VoteDecision{Approve: false})
	}
}

// answerVoteExclusion votes on removing a suspect for the requested round.
func (p *Process) answerVoteExclusion(msg *Message, b *VoteExclusion) {
	r := p.rounds[msg.Iteration]

	switch {
	case r != nil && r.blamed:
		remove := r.candidates.has(b.Suspect) || !p.cortege.has(b.Suspect)
		p.reply(msg, &VoteExclusion{Suspect: b.Suspect, Remove: remove})
	case p.passed(msg.Iteration):
		p.reply(msg, &VoteExclusion{Suspect: b.Suspect, Remove: !p.cortege.has(b.Suspect)})
	}
}
