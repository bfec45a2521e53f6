package consensus

import "sort"

// blameLedger accumulates fractional blame across rounds. Each round an
// accuser spreads one unit over the peers it accuses. When a peer leaves
// the cortege its accusations are withdrawn, so blame resting only on
// removed accusers disappears.
type blameLedger struct {
	weights map[int]map[int]float64 // weights maps accused -> accuser -> blame
}

// newBlameLedger creates an empty ledger.
func newBlameLedger() *blameLedger {
	return &blameLedger{weights: make(map[int]map[int]float64)}
}

// accuse adds one unit of blame from accuser, split equally over targets.
func (b *blameLedger) accuse(accuser int, targets peerSet) {
	if len(targets) == 0 {
		return
	}

	share := 1 / float64(len(targets))

	for _, t := range targets {
		b.add(t, accuser, share)
	}
}

// accuseTied spreads one unit over targets and the accuser itself, for an
// accuser tied with the peers it accuses. The accuser's share is charged
// to its targets as accusers.
func (b *blameLedger) accuseTied(accuser int, targets peerSet) {
	if len(targets) == 0 {
		return
	}

	share := 1 / float64(len(targets)+1)

	for _, t := range targets {
		b.add(t, accuser, share)
		b.add(accuser, t, share/float64(len(targets)))
	}
}

// add records w blame on accused from accuser.
func (b *blameLedger) add(accused, accuser int, w float64) {
	if b.weights[accused] == nil {
		b.weights[accused] = make(map[int]float64)
	}
	b.weights[accused][accuser] += w
}

// retract withdraws every accusation made by peer and forgets its own blame.
func (b *blameLedger) retract(peer int) {
	delete(b.weights, peer)

	for accused, from := range b.weights {
		delete(from, peer)
		if len(from) == 0 {
			delete(b.weights, accused)
		}
	}
}

// coefficient returns the blame accumulated by peer.
func (b *blameLedger) coefficient(peer int) float64 {
	var sum float64
	for _, w := range b.weights[peer] {
		sum += w
	}

	return sum
}

// accusers returns who blamed peer, in ascending order.
func (b *blameLedger) accusers(peer int) []int {
	out := make([]int, 0, len(b.weights[peer]))
	for a := range b.weights[peer] {
		out = append(out, a)
	}
	sort.Ints(out)

	return out
}

// confirmed returns the members to put to an exclusion vote. A member whose
// coefficient reaches 1 is a candidate. A member blamed beyond 1 also exposes
// its accusers, each confirmed only if another present member accuses it too.
func (b *blameLedger) confirmed(members peerSet) peerSet {
	var out []int

	for _, x := range members {
		c := b.coefficient(x)

		if c >= 1-accuracy {
			out = append(out, x)
		}

		if c <= 1+accuracy {
			continue
		}

		for _, a := range b.accusers(x) {
			if !members.has(a) {
				continue
			}

			for _, other := range b.accusers(a) {
				if other != x && other != a && members.has(other) {
					out = append(out, a)
					break
				}
			}
		}
	}

	return newPeerSet(out...)
}
