package consensus

import "sort"

// peerSet is an immutable sorted set of peer numbers.
// Every operation returns a new set, so snapshots can be kept per round.
type peerSet []int

// newPeerSet builds a set from arbitrary members, dropping duplicates.
func newPeerSet(members ...int) peerSet {
	s := append(peerSet(nil), members...)
	sort.Ints(s)

	out := s[:0]
	for i, m := range s {
		if i == 0 || m != s[i-1] {
			out = append(out, m)
		}
	}

	return out
}

// has reports whether m is a member.
func (s peerSet) has(m int) bool {
	i := sort.SearchInts(s, m)
	return i < len(s) && s[i] == m
}

// with returns the set plus m.
func (s peerSet) with(m int) peerSet {
	if s.has(m) {
		return s
	}

	return newPeerSet(append(append(peerSet(nil), s...), m)...)
}

// without returns the set minus m.
func (s peerSet) without(m int) peerSet {
	if !s.has(m) {
		return s
	}

	out := make(peerSet, 0, len(s)-1)
	for _, x := range s {
		if x != m {
			out = append(out, x)
		}
	}

	return out
}

// intersect returns the members present in both sets.
func (s peerSet) intersect(o peerSet) peerSet {
	out := make(peerSet, 0, len(s))
	for _, x := range s {
		if o.has(x) {
			out = append(out, x)
		}
	}

	return out
}

// sorted returns the members as a plain slice.
func (s peerSet) sorted() []int {
	return []int(s)
}
