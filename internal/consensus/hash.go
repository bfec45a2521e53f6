package consensus

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/blake3"
)

// DefaultRecordID is the record id of singleton slots. A write whose
// previous record is DefaultRecordID keeps writing to DefaultRecordID.
var DefaultRecordID = Hash(blake3.Sum256([]byte("cortege/default-record")))

// hashData computes the blake3 hash of a result.
func hashData(data []byte) Hash {
	return blake3.Sum256(data)
}

// CortegeID hashes the members of a cortege with their result hashes.
// Members are taken in ascending peer order, so any two processes holding
// the same members and hashes compute the same id.
func CortegeID(members []int, hashes func(peer int) Hash) Hash {
	sorted := append([]int(nil), members...)
	sort.Ints(sorted)

	h := blake3.New()
	var idx [4]byte

	for _, m := range sorted {
		binary.BigEndian.PutUint32(idx[:], uint32(m))
		h.Write(idx[:])

		hash := hashes(m)
		h.Write(hash[:])
	}

	var id Hash
	copy(id[:], h.Sum(nil))

	return id
}

// RecordID derives the record a cortege writes to.
func RecordID(poolID, cortegeID, previous Hash) Hash {
	if previous == DefaultRecordID {
		return DefaultRecordID
	}

	p := blake3.Sum256(poolID[:])
	c := blake3.Sum256(cortegeID[:])
	r := blake3.Sum256(previous[:])

	buf := make([]byte, 0, 96)
	buf = append(buf, p[:]...)
	buf = append(buf, c[:]...)
	buf = append(buf, r[:]...)

	return blake3.Sum256(buf)
}

// combinedHash hashes every member's view of the cortege, in peer order.
// Two rounds with the same combined hash observed the same views.
func combinedHash(members []int, views map[int]peerSet) Hash {
	sorted := append([]int(nil), members...)
	sort.Ints(sorted)

	h := blake3.New()
	var idx [4]byte

	for _, m := range sorted {
		binary.BigEndian.PutUint32(idx[:], uint32(m))
		h.Write(idx[:])

		view := views[m].sorted()
		binary.BigEndian.PutUint32(idx[:], uint32(len(view)))
		h.Write(idx[:])

		for _, v := range view {
			binary.BigEndian.PutUint32(idx[:], uint32(v))
			h.Write(idx[:])
		}
	}

	var out Hash
	copy(out[:], h.Sum(nil))

	return out
}
