package consensus

import "fmt"

// Kind identifies a message exchanged between pool members.
type Kind uint8

const (
	KindGetDataHash             Kind = iota + 1 // KindGetDataHash asks for a result hash and previous record
	KindGetData                                 // KindGetData downloads a result
	KindGetCortegeID                            // KindGetCortegeID asks for the settled cortege id of an iteration
	KindGetPoolHashes                           // KindGetPoolHashes asks for every hash a member received
	KindGetCorteges                             // KindGetCorteges asks for a member's view entering a round
	KindGetSuspiciousCortegeID                  // KindGetSuspiciousCortegeID asks what id a suspect claimed
	KindGetDecisions                            // KindGetDecisions asks for a member's state for an iteration
	KindVoteDecision                            // KindVoteDecision exchanges approve/decline votes
	KindVoteExclusionSuspicious                 // KindVoteExclusionSuspicious votes on removing a suspect
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindGetDataHash:
		return "GET_DATA_HASH"
	case KindGetData:
		return "GET_DATA"
	case KindGetCortegeID:
		return "GET_CORTEGE_ID"
	case KindGetPoolHashes:
		return "GET_POOL_HASHES"
	case KindGetCorteges:
		return "GET_CORTEGES"
	case KindGetSuspiciousCortegeID:
		return "GET_SUSPICIOUS_CORTEGE_ID"
	case KindGetDecisions:
		return "GET_DECISIONS"
	case KindVoteDecision:
		return "VOTE_DECISION"
	case KindVoteExclusionSuspicious:
		return "VOTE_EXCLUSION_SUSPICIOUS"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is a request or an answer between two members of a pool.
type Message struct {
	Kind       Kind
	IsAnswer   bool
	From       int // From is set by the receiver from the authenticated sender
	PoolID     Hash
	ContractID Hash
	Slot       string
	Iteration  int32
	Body       Body
}

// Body is the kind-specific payload of a message.
type Body interface {
	kind() Kind
}

// Member pairs a peer number with its result hash.
type Member struct {
	Index int
	Hash  Hash
}

// DataHash answers GET_DATA_HASH.
type DataHash struct {
	Hash     Hash
	Previous Hash
}

// Data answers GET_DATA.
type Data struct {
	Data []byte
}

// CortegeIDBody answers GET_CORTEGE_ID.
type CortegeIDBody struct {
	ID Hash
}

// PoolHashes answers GET_POOL_HASHES with every hash the member holds.
type PoolHashes struct {
	Entries []Member
}

// Corteges answers GET_CORTEGES with the member's cortege entering a round.
type Corteges struct {
	Members []int
	ID      Hash
}

// SuspiciousCortegeID asks, and answers, which id a suspect claimed for a round.
type SuspiciousCortegeID struct {
	Suspect int
	ID      Hash
}

// Decisions answers GET_DECISIONS.
type Decisions struct {
	State     State
	CortegeID Hash
}

// VoteDecision carries a decision vote, in requests and answers alike.
type VoteDecision struct {
	Approve   bool
	CortegeID Hash
	Signature []byte
}

// VoteExclusion asks, and answers, whether a suspect should be removed.
type VoteExclusion struct {
	Suspect int
	Remove  bool
}

func (*DataHash) kind() Kind            { return KindGetDataHash }
func (*Data) kind() Kind                { return KindGetData }
func (*CortegeIDBody) kind() Kind       { return KindGetCortegeID }
func (*PoolHashes) kind() Kind          { return KindGetPoolHashes }
func (*Corteges) kind() Kind            { return KindGetCorteges }
func (*SuspiciousCortegeID) kind() Kind { return KindGetSuspiciousCortegeID }
func (*Decisions) kind() Kind           { return KindGetDecisions }
func (*VoteDecision) kind() Kind        { return KindVoteDecision }
func (*VoteExclusion) kind() Kind       { return KindVoteExclusionSuspicious }

// emptyBody returns a zero body for kind k.
func emptyBody(k Kind) Body {
	switch k {
	case KindGetDataHash:
		return &DataHash{}
	case KindGetData:
		return &Data{}
	case KindGetCortegeID:
		return &CortegeIDBody{}
	case KindGetPoolHashes:
		return &PoolHashes{}
	case KindGetCorteges:
		return &Corteges{}
	case KindGetSuspiciousCortegeID:
		return &SuspiciousCortegeID{}
	case KindGetDecisions:
		return &Decisions{}
	case KindVoteDecision:
		return &VoteDecision{}
	case KindVoteExclusionSuspicious:
		return &VoteExclusion{}
	default:
		return nil
	}
}

// suspectOf returns the suspect a message is scoped to, or -1.
func suspectOf(m *Message) int {
	switch b := m.Body.(type) {
	case *SuspiciousCortegeID:
		return b.Suspect
	case *VoteExclusion:
		return b.Suspect
	default:
		return -1
	}
}
