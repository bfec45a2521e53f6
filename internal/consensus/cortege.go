package consensus

// maxRounds bounds cross-analysis for a pool of n peers. Every useful round
// removes a member or changes a view, so a pool cannot need more.
func maxRounds(n int) int32 {
	return int32(2*n + 1)
}

// checkCortege compares the settled cortege id of iteration k with the one
// every member settled. It reports whether all of them agree.
func (p *Process) checkCortege(k int32) (bool, error) {
	r := p.rounds[k]
	agreed := true

	g := p.startGather(gatherKey{kind: KindGetCortegeID, iteration: k, suspect: -1}, r.cortege.sorted(), &gather{
		request: func(int) Body { return &CortegeIDBody{} },
		answer: func(from int, body Body) bool {
			if body.(*CortegeIDBody).ID != r.id {
				p.log.Debug("cortege id differs", "from", from, "iteration", k)
				agreed = false
			}
			return true
		},
		timeout: func(peer int) {
			agreed = false
			p.exclude(peer, ReasonCheck)
		},
		check: func(int) bool { return !agreed },
	})

	if err := p.await(&g.done); err != nil {
		return false, err
	}

	return agreed, nil
}

// analyse runs cross-analysis round k: it gathers the members' views,
// drops members that do not reciprocate, resolves suspects and settles a
// new cortege. It fails when the cortege falls below quorum or when the
// views did not change since the previous round.
func (p *Process) analyse(k int32) error {
	if k >= maxRounds(p.pool.Size()) {
		p.breakConsensus(ReasonNoProgress, nil)
		return p.failure
	}

	if prev := p.rounds[k-1]; prev != nil && prev.state == StateSelfApproved {
		prev.state = StateAnalysis
	}

	r := p.round(k)
	r.entry = p.cortege
	r.entryID = p.cortegeID(p.cortege)
	p.setState(StateAnalysis, k)

	if p.metrics != nil {
		p.metrics.RoundStarted()
	}

	if err := p.gatherViews(k, r); err != nil {
		return err
	}

	views := p.effectiveViews(r)

	_, dropped := reciprocate(p.self, p.cortege, views, p.pool.Quorum)
	for _, m := range dropped {
		p.drop(m, "view not reciprocal")
	}

	if len(p.cortege) < p.pool.Quorum {
		p.breakConsensus(ReasonAnalysis, nil)
		return p.failure
	}

	views[p.self] = p.cortege
	suspects, accused := suspicious(p.cortege, views)

	if err := p.resolveInnerIDs(k, r, suspects); err != nil {
		return err
	}

	views[p.self] = p.cortege
	suspects = suspects.intersect(p.cortege)
	candidates := mostSuspicious(p.cortege, views, suspects)

	for _, m := range p.cortege {
		targets := accused[m].intersect(candidates)
		switch {
		case len(targets) == 0:
		case candidates.has(m):
			p.blame.accuseTied(m, targets)
		default:
			p.blame.accuse(m, targets)
		}
	}

	r.candidates = p.blame.confirmed(p.cortege).without(p.self)
	r.blamed = true

	if len(r.candidates) > 0 {
		p.log.Debug("exclusion candidates", "iteration", k, "candidates", r.candidates.sorted())
	}

	if err := p.resolveExclusions(k, r); err != nil {
		return err
	}

	if len(p.cortege) < p.pool.Quorum {
		p.breakConsensus(ReasonAnalysis, nil)
		return p.failure
	}

	views[p.self] = p.cortege
	r.combined = combinedHash(p.cortege, views)
	r.analysed = true

	if prev := p.rounds[k-1]; prev != nil && prev.analysed && prev.combined == r.combined {
		p.breakConsensus(ReasonNoProgress, nil)
		return p.failure
	}

	p.settle(k)

	return nil
}

// gatherViews requests the hash table (once per peer) and the round view
// of every cortege member.
func (p *Process) gatherViews(k int32, r *round) error {
	var waits []*gather

	var missing []int
	for _, m := range p.cortege {
		if _, ok := p.poolHashes[m]; !ok && m != p.self {
			missing = append(missing, m)
		}
	}

	if len(missing) > 0 {
		waits = append(waits, p.startGather(gatherKey{kind: KindGetPoolHashes, iteration: firstPass, suspect: -1}, missing, &gather{
			request: func(int) Body { return &PoolHashes{} },
			answer: func(from int, body Body) bool {
				table := make(map[int]Hash)
				for _, e := range body.(*PoolHashes).Entries {
					table[e.Index] = e.Hash
				}
				p.poolHashes[from] = table
				return true
			},
			timeout: func(peer int) { p.exclude(peer, ReasonAnalysis) },
		}))
	}

	waits = append(waits, p.startGather(gatherKey{kind: KindGetCorteges, iteration: k, suspect: -1}, p.cortege.sorted(), &gather{
		request: func(int) Body { return &Corteges{} },
		answer: func(from int, body Body) bool {
			b := body.(*Corteges)

			members := make([]int, 0, len(b.Members))
			for _, m := range b.Members {
				if m >= 0 && m < p.pool.Size() {
					members = append(members, m)
				}
			}

			r.views[from] = newPeerSet(members...)
			r.claims[from] = b.ID
			return true
		},
		timeout: func(peer int) { p.exclude(peer, ReasonAnalysis) },
	}))

	for _, g := range waits {
		if err := p.await(&g.done); err != nil {
			return err
		}
	}

	r.viewsDone = true

	return nil
}

// effectiveViews keeps, for each member's view, the peers whose hash the
// member holds matches ours. The local view is the current cortege.
func (p *Process) effectiveViews(r *round) map[int]peerSet {
	views := map[int]peerSet{p.self: p.cortege}

	for _, m := range p.cortege {
		view, ok := r.views[m]
		if !ok || m == p.self {
			continue
		}

		table := p.poolHashes[m]

		kept := make([]int, 0, len(view))
		for _, x := range view {
			rec := p.records[x]
			if h, ok := table[x]; ok && rec != nil && h == rec.Hash {
				kept = append(kept, x)
			}
		}

		views[m] = newPeerSet(kept...)
	}

	return views
}
