package consensus

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Certifier signs approve votes and aggregates a quorum of them.
type Certifier interface {
	Sign(msg []byte) []byte
	Verify(peer int, msg, sig []byte) bool
	Aggregate(msg []byte, sigs map[int][]byte) ([]byte, error)
}

// CertificateMessage is the message approve votes sign for a cortege.
func CertificateMessage(poolID, contractID Hash, slot string, cortegeID Hash) []byte {
	h := blake3.New()
	h.Write(poolID[:])
	h.Write(contractID[:])

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(slot)))
	h.Write(n[:])
	h.Write([]byte(slot))
	h.Write(cortegeID[:])

	return h.Sum(nil)
}

// decide runs the decision gather and the decision vote for iteration k.
// It reports whether a quorum approved the settled cortege.
func (p *Process) decide(k int32) (bool, error) {
	r := p.rounds[k]

	approve, err := p.gatherDecisions(k, r)
	if err != nil {
		return false, err
	}

	approved, sigs, err := p.voteDecision(k, r, approve)
	if err != nil {
		return false, err
	}

	if !approved {
		r.state = StateVoteDeclined
		p.setState(StateVoteDeclined, k)
		return false, nil
	}

	r.state = StateVoteApproved
	p.setState(StateVoteApproved, k)
	p.approvals = sigs

	return true, nil
}

// gatherDecisions waits until every member settled iteration k and returns
// the local decision: approve only if all of them accept the same cortege.
func (p *Process) gatherDecisions(k int32, r *round) (bool, error) {
	approve := true

	g := p.startGather(gatherKey{kind: KindGetDecisions, iteration: k, suspect: -1}, r.cortege.sorted(), &gather{
		request: func(int) Body { return &Decisions{} },
		answer: func(from int, body Body) bool {
			d := body.(*Decisions)
			if !d.State.accepting() || d.CortegeID != r.id {
				p.log.Debug("member does not accept cortege", "from", from, "state", d.State, "iteration", k)
				approve = false
			}
			return true
		},
		timeout: func(peer int) {
			approve = false
			p.exclude(peer, ReasonDecisions)
		},
	})

	if err := p.await(&g.done); err != nil {
		return false, err
	}

	return approve, nil
}

// voteDecision exchanges approve/decline votes for iteration k. Approval
// needs a quorum of matching, correctly signed votes; decline wins as soon
// as approval is out of reach. Silent voters count as missing votes.
func (p *Process) voteDecision(k int32, r *round, approve bool) (bool, map[int][]byte, error) {
	msg := CertificateMessage(p.pool.ID, p.cfg.ContractID, p.cfg.Slot, r.id)

	r.vote = VoteDecision{Approve: approve, CortegeID: r.id}
	if approve && p.cfg.Certifier != nil {
		r.vote.Signature = p.cfg.Certifier.Sign(msg)
	}
	r.voted = true

	sigs := make(map[int][]byte)
	if approve {
		sigs[p.self] = r.vote.Signature
	}

	g := p.startGather(gatherKey{kind: KindVoteDecision, iteration: k, suspect: -1}, r.cortege.sorted(), &gather{
		request: func(int) Body {
			vote := r.vote
			return &vote
		},
		answer: func(from int, body Body) bool {
			v := body.(*VoteDecision)
			if !v.Approve || v.CortegeID != r.id {
				return true
			}

			if p.cfg.Certifier != nil && !p.cfg.Certifier.Verify(from, msg, v.Signature) {
				p.log.Debug("invalid vote signature", "from", from, "iteration", k)
				return true
			}

			sigs[from] = v.Signature
			return true
		},
		timeout: func(peer int) {
			p.log.Debug("decision voter timed out", "voter", peer, "iteration", k)
		},
		check: func(pending int) bool {
			return len(sigs) >= p.pool.Quorum || len(sigs)+pending < p.pool.Quorum
		},
	})

	if err := p.await(&g.done); err != nil {
		return false, nil, err
	}

	approved := len(sigs) >= p.pool.Quorum
	p.log.Debug("decision vote", "iteration", k, "approve", approve, "approvals", len(sigs), "approved", approved)

	return approved, sigs, nil
}
