package consensus

// firstPass is the iteration tag of messages sent before any cross-analysis.
const firstPass int32 = -1

// exchangeHashes gathers the result hash and previous record of every peer
// reachable within its max-wait period. A peer whose previous record differs
// from ours cannot join the cortege and is excluded.
func (p *Process) exchangeHashes() error {
	g := p.startGather(gatherKey{kind: KindGetDataHash, iteration: firstPass, suspect: -1}, p.cortege.sorted(), &gather{
		request: func(int) Body { return &DataHash{} },
		answer: func(from int, body Body) bool {
			b := body.(*DataHash)
			p.records[from] = &Record{Hash: b.Hash, Previous: b.Previous}

			if b.Previous != p.cfg.Previous {
				p.log.Debug("previous record mismatch", "from", from, "previous", b.Previous)
				p.exclude(from, ReasonHashes)
			}

			return true
		},
		timeout: func(peer int) {
			p.exclude(peer, ReasonHashes)
		},
	})

	if err := p.await(&g.done); err != nil {
		return err
	}

	answered := 0
	for _, rec := range p.records {
		if rec != nil {
			answered++
		}
	}

	if answered < p.pool.Quorum {
		p.breakConsensus(ReasonHashes, nil)
		return p.failure
	}

	p.log.Debug("hashes gathered", "answered", answered, "not_answered", len(p.notAnswered))

	return nil
}

// downloadResults fetches the result of every remaining peer. A result is
// accepted only if it hashes to the announced hash and passes the verifier.
// Rejected peers are excluded like silent ones.
func (p *Process) downloadResults() error {
	g := p.startGather(gatherKey{kind: KindGetData, iteration: firstPass, suspect: -1}, p.cortege.sorted(), &gather{
		request: func(int) Body { return &Data{} },
		answer: func(from int, body Body) bool {
			rec := p.records[from]
			if rec == nil {
				return false
			}

			data := body.(*Data).Data
			if hashData(data) != rec.Hash {
				p.log.Debug("downloaded result does not match its hash", "from", from)
				p.exclude(from, ReasonDownload)
				return true
			}

			if !p.cfg.Verifier.VerifyResult(data, rec.Previous, from) {
				p.log.Debug("result rejected by verifier", "from", from)
				p.exclude(from, ReasonDownload)
				return true
			}

			rec.Data = data
			rec.Verified = true

			return true
		},
		timeout: func(peer int) {
			p.exclude(peer, ReasonDownload)
		},
	})

	if err := p.await(&g.done); err != nil {
		return err
	}

	members := []int{p.self}
	for i, rec := range p.records {
		if rec != nil && rec.Verified && p.cortege.has(i) {
			members = append(members, i)
		}
	}

	p.cortege = newPeerSet(members...)

	if len(p.cortege) < p.pool.Quorum {
		p.breakConsensus(ReasonDownload, nil)
		return p.failure
	}

	return nil
}
