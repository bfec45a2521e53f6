package consensus

import "math/bits"

// maxSubsetSearch caps the number of suspects whose subsets are enumerated.
const maxSubsetSearch = 12

// reciprocate repeatedly drops members that do not list self in their view
// or whose membership is confirmed by fewer than quorum views of the
// remaining members. It stops at a fixed point or below quorum.
// views[self] is ignored: the local view is always the working cortege.
func reciprocate(self int, cortege peerSet, views map[int]peerSet, quorum int) (peerSet, []int) {
	var dropped []int

	for len(cortege) >= quorum {
		view := func(x int) peerSet {
			if x == self {
				return cortege
			}
			return views[x]
		}

		removed := -1
		for _, m := range cortege {
			if m == self {
				continue
			}

			if !view(m).has(self) {
				removed = m
				break
			}

			support := 0
			for _, x := range cortege {
				if view(x).has(m) {
					support++
				}
			}

			if support < quorum {
				removed = m
				break
			}
		}

		if removed < 0 {
			break
		}

		cortege = cortege.without(removed)
		dropped = append(dropped, removed)
	}

	return cortege, dropped
}

// suspicious finds members whose visibility is not reciprocal. When m
// leaves x out of its view, m accuses x and both are suspicious. Two
// members leaving each other out accuse each other.
// accused maps each accuser to the members it accuses.
func suspicious(cortege peerSet, views map[int]peerSet) (peerSet, map[int]peerSet) {
	var suspects []int
	accused := make(map[int]peerSet)

	for _, m := range cortege {
		var targets []int

		for _, x := range cortege {
			if x == m {
				continue
			}

			if !views[m].has(x) {
				targets = append(targets, x)
				suspects = append(suspects, m, x)
			}
		}

		if len(targets) > 0 {
			accused[m] = newPeerSet(targets...)
		}
	}

	return newPeerSet(suspects...), accused
}

// mutualSize counts the members of remaining that list every remaining
// member and are listed by every remaining member.
func mutualSize(remaining peerSet, views map[int]peerSet) int {
	n := 0

	for _, y := range remaining {
		ok := true
		for _, x := range remaining {
			if !views[x].has(y) || !views[y].has(x) {
				ok = false
				break
			}
		}

		if ok {
			n++
		}
	}

	return n
}

// mostSuspicious selects the suspects whose removal leaves the largest
// mutually consistent group. Among equally good removals the smallest ones
// win, and when several of the same size tie their union is returned.
// An empty result means no removal improves consistency.
func mostSuspicious(cortege peerSet, views map[int]peerSet, suspects peerSet) peerSet {
	candidates := suspects.sorted()
	if len(candidates) > maxSubsetSearch {
		candidates = candidates[:maxSubsetSearch]
	}

	best, bestSize := -1, 0
	var union []int

	for mask := 0; mask < 1<<len(candidates); mask++ {
		remaining := cortege
		var removed []int

		for i, s := range candidates {
			if mask&(1<<i) != 0 {
				remaining = remaining.without(s)
				removed = append(removed, s)
			}
		}

		score := mutualSize(remaining, views)
		size := bits.OnesCount(uint(mask))

		switch {
		case score > best || score == best && size < bestSize:
			best, bestSize = score, size
			union = removed
		case score == best && size == bestSize:
			union = append(union, removed...)
		}
	}

	return newPeerSet(union...)
}
