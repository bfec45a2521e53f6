package consensus

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Cortege/internal/types"
)

// hashSize is the length of every hash field on the wire.
const hashSize = 32

// Encode serializes a message into a FlatBuffers envelope.
// The From field is not encoded: receivers take it from the transport.
func Encode(m *Message) ([]byte, error) {
	if m.Body == nil || m.Body.kind() != m.Kind {
		return nil, fmt.Errorf("body does not match kind %s", m.Kind)
	}

	builder := flatbuffers.NewBuilder(256)

	var (
		hash, previous, cortegeID, data, members, signature flatbuffers.UOffsetT
		suspect                                             int32
		flag                                                bool
		state                                               byte
	)

	switch b := m.Body.(type) {
	case *DataHash:
		hash = builder.CreateByteVector(b.Hash[:])
		previous = builder.CreateByteVector(b.Previous[:])
	case *Data:
		data = builder.CreateByteVector(b.Data)
	case *CortegeIDBody:
		cortegeID = builder.CreateByteVector(b.ID[:])
	case *PoolHashes:
		members = buildMembers(builder, b.Entries)
	case *Corteges:
		entries := make([]Member, len(b.Members))
		for i, idx := range b.Members {
			entries[i] = Member{Index: idx}
		}
		members = buildMembers(builder, entries)
		cortegeID = builder.CreateByteVector(b.ID[:])
	case *SuspiciousCortegeID:
		suspect = int32(b.Suspect)
		cortegeID = builder.CreateByteVector(b.ID[:])
	case *Decisions:
		state = byte(b.State)
		cortegeID = builder.CreateByteVector(b.CortegeID[:])
	case *VoteDecision:
		flag = b.Approve
		cortegeID = builder.CreateByteVector(b.CortegeID[:])
		if len(b.Signature) > 0 {
			signature = builder.CreateByteVector(b.Signature)
		}
	case *VoteExclusion:
		suspect = int32(b.Suspect)
		flag = b.Remove
	}

	poolID := builder.CreateByteVector(m.PoolID[:])
	contractID := builder.CreateByteVector(m.ContractID[:])
	slot := builder.CreateString(m.Slot)

	types.EnvelopeStart(builder)
	types.EnvelopeAddKind(builder, byte(m.Kind))
	types.EnvelopeAddIsAnswer(builder, m.IsAnswer)
	types.EnvelopeAddIteration(builder, m.Iteration)
	types.EnvelopeAddPoolId(builder, poolID)
	types.EnvelopeAddContractId(builder, contractID)
	types.EnvelopeAddSlot(builder, slot)
	types.EnvelopeAddSuspect(builder, suspect)
	types.EnvelopeAddFlag(builder, flag)
	types.EnvelopeAddState(builder, state)

	if hash != 0 {
		types.EnvelopeAddHash(builder, hash)
	}
	if previous != 0 {
		types.EnvelopeAddPrevious(builder, previous)
	}
	if cortegeID != 0 {
		types.EnvelopeAddCortegeId(builder, cortegeID)
	}
	if data != 0 {
		types.EnvelopeAddData(builder, data)
	}
	if members != 0 {
		types.EnvelopeAddMembers(builder, members)
	}
	if signature != 0 {
		types.EnvelopeAddSignature(builder, signature)
	}

	builder.Finish(types.EnvelopeEnd(builder))

	return builder.FinishedBytes(), nil
}

// buildMembers writes a vector of Member tables. Zero hashes are omitted.
func buildMembers(builder *flatbuffers.Builder, entries []Member) flatbuffers.UOffsetT {
	offsets := make([]flatbuffers.UOffsetT, len(entries))

	for i, e := range entries {
		var hashVec flatbuffers.UOffsetT
		if !e.Hash.IsZero() {
			hashVec = builder.CreateByteVector(e.Hash[:])
		}

		types.MemberStart(builder)
		types.MemberAddIndex(builder, uint32(e.Index))
		if hashVec != 0 {
			types.MemberAddHash(builder, hashVec)
		}
		offsets[i] = types.MemberEnd(builder)
	}

	types.EnvelopeStartMembersVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}

	return builder.EndVector(len(offsets))
}

// Decode parses an envelope. The returned message has From set to -1.
func Decode(buf []byte) (msg *Message, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			msg, retErr = nil, fmt.Errorf("malformed envelope")
		}
	}()

	if len(buf) < 8 {
		return nil, fmt.Errorf("envelope too short")
	}

	env := types.GetRootAsEnvelope(buf, 0)

	kind := Kind(env.Kind())
	body := emptyBody(kind)
	if body == nil {
		return nil, fmt.Errorf("unknown message kind %d", env.Kind())
	}

	m := &Message{
		Kind:      kind,
		IsAnswer:  env.IsAnswer(),
		From:      -1,
		Slot:      string(env.Slot()),
		Iteration: env.Iteration(),
		Body:      body,
	}

	if err := readHash(env.PoolIdBytes(), &m.PoolID, true); err != nil {
		return nil, fmt.Errorf("pool id:\n%w", err)
	}

	if err := readHash(env.ContractIdBytes(), &m.ContractID, true); err != nil {
		return nil, fmt.Errorf("contract id:\n%w", err)
	}

	if err := decodeBody(env, body); err != nil {
		return nil, fmt.Errorf("decode %s:\n%w", kind, err)
	}

	return m, nil
}

// decodeBody fills body from the envelope fields used by its kind.
func decodeBody(env *types.Envelope, body Body) error {
	switch b := body.(type) {
	case *DataHash:
		if err := readHash(env.HashBytes(), &b.Hash, false); err != nil {
			return err
		}
		return readHash(env.PreviousBytes(), &b.Previous, false)
	case *Data:
		if raw := env.DataBytes(); raw != nil {
			b.Data = append([]byte{}, raw...)
		}
		return nil
	case *CortegeIDBody:
		return readHash(env.CortegeIdBytes(), &b.ID, false)
	case *PoolHashes:
		entries, err := readMembers(env)
		b.Entries = entries
		return err
	case *Corteges:
		entries, err := readMembers(env)
		if err != nil {
			return err
		}
		for _, e := range entries {
			b.Members = append(b.Members, e.Index)
		}
		return readHash(env.CortegeIdBytes(), &b.ID, false)
	case *SuspiciousCortegeID:
		b.Suspect = int(env.Suspect())
		return readHash(env.CortegeIdBytes(), &b.ID, false)
	case *Decisions:
		b.State = State(env.State())
		return readHash(env.CortegeIdBytes(), &b.CortegeID, false)
	case *VoteDecision:
		b.Approve = env.Flag()
		if sig := env.SignatureBytes(); sig != nil {
			b.Signature = append([]byte{}, sig...)
		}
		return readHash(env.CortegeIdBytes(), &b.CortegeID, false)
	case *VoteExclusion:
		b.Suspect = int(env.Suspect())
		b.Remove = env.Flag()
		return nil
	}

	return nil
}

// readMembers reads the members vector.
func readMembers(env *types.Envelope) ([]Member, error) {
	n := env.MembersLength()
	out := make([]Member, 0, n)

	var fb types.Member
	for i := 0; i < n; i++ {
		if !env.Members(&fb, i) {
			return nil, fmt.Errorf("member %d unreadable", i)
		}

		e := Member{Index: int(fb.Index())}
		if err := readHash(fb.HashBytes(), &e.Hash, false); err != nil {
			return nil, fmt.Errorf("member %d:\n%w", i, err)
		}

		out = append(out, e)
	}

	return out, nil
}

// readHash copies a 32-byte field into dst. A missing optional field leaves dst zero.
func readHash(raw []byte, dst *Hash, required bool) error {
	if len(raw) == 0 && !required {
		return nil
	}

	if len(raw) != hashSize {
		return fmt.Errorf("invalid hash size: got %d, want %d", len(raw), hashSize)
	}

	copy(dst[:], raw)

	return nil
}
