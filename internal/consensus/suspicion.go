package consensus

// binaryVote tallies a yes/no vote about one suspect among the cortege
// members other than the suspect. The local peer votes too.
type binaryVote struct {
	suspect   int
	eligible  int // eligible counts the voters, self included
	threshold int // threshold is the number of votes that wins
	yes       int
	no        int
	timedOut  int
	decided   bool
	result    bool
	wait      *gather
}

// resolve decides the vote once one side is certain to win.
func (v *binaryVote) resolve() bool {
	if v.decided {
		return true
	}

	switch {
	case v.yes >= v.threshold:
		v.decided, v.result = true, true
	case v.no > v.eligible-v.threshold:
		v.decided, v.result = true, false
	}

	return v.decided
}

// outcome returns the result, or fallback when neither side won.
func (v *binaryVote) outcome(fallback bool) bool {
	if v.resolve() {
		return v.result
	}

	return fallback
}

// startVote asks every other voter about suspect. judge reads an answer as
// a yes or a no. Voters that time out are not counted; if so many do that
// the threshold can no longer be checked, the operation breaks.
func (p *Process) startVote(kind Kind, k int32, suspect int, body Body, judge func(Body) bool) *binaryVote {
	voters := p.cortege.without(suspect)

	v := &binaryVote{
		suspect:   suspect,
		eligible:  len(voters),
		threshold: min(p.pool.Quorum-1, len(voters)),
		yes:       1,
	}

	v.wait = p.startGather(gatherKey{kind: kind, iteration: k, suspect: suspect}, voters.sorted(), &gather{
		request: func(int) Body { return body },
		answer: func(_ int, b Body) bool {
			if judge(b) {
				v.yes++
			} else {
				v.no++
			}
			return true
		},
		timeout: func(peer int) {
			v.timedOut++
			p.log.Debug("voter timed out", "voter", peer, "suspect", suspect, "kind", kind)

			if v.timedOut > v.eligible-v.threshold {
				p.breakConsensus(ReasonSuspicious, nil)
			}
		},
		check: func(int) bool { return v.resolve() },
	})

	return v
}

// resolveInnerIDs asks the cortege which id each suspect claimed for
// round k. Suspects whose claim is not confirmed by the threshold are dropped.
func (p *Process) resolveInnerIDs(k int32, r *round, suspects peerSet) error {
	votes := make([]*binaryVote, 0, len(suspects))

	for _, s := range suspects {
		if s == p.self {
			continue
		}

		claim := r.claims[s]
		votes = append(votes, p.startVote(KindGetSuspiciousCortegeID, k, s,
			&SuspiciousCortegeID{Suspect: s},
			func(b Body) bool { return b.(*SuspiciousCortegeID).ID == claim },
		))
	}

	for _, v := range votes {
		if err := p.await(&v.wait.done); err != nil {
			return err
		}
	}

	for _, v := range votes {
		if !v.outcome(false) {
			p.drop(v.suspect, "inner cortege id declined")
		}
	}

	return nil
}

// resolveExclusions votes on removing every confirmed candidate of round k.
func (p *Process) resolveExclusions(k int32, r *round) error {
	votes := make([]*binaryVote, 0, len(r.candidates))

	for _, s := range r.candidates {
		if !p.cortege.has(s) {
			continue
		}

		votes = append(votes, p.startVote(KindVoteExclusionSuspicious, k, s,
			&VoteExclusion{Suspect: s, Remove: true},
			func(b Body) bool { return b.(*VoteExclusion).Remove },
		))
	}

	for _, v := range votes {
		if err := p.await(&v.wait.done); err != nil {
			return err
		}
	}

	for _, v := range votes {
		if v.outcome(false) {
			p.drop(v.suspect, "excluded by vote")
		}
	}

	return nil
}
