package consensus

import (
	"bytes"
	"reflect"
	"testing"
)

// TestCodec_Corteges tests that a view keeps its members and claimed id.
func TestCodec_Corteges(t *testing.T) {
	in := &Message{
		Kind:       KindGetCorteges,
		IsAnswer:   true,
		From:       3,
		PoolID:     Hash{1},
		ContractID: Hash{2},
		Slot:       "balance",
		Iteration:  2,
		Body:       &Corteges{Members: []int{0, 2, 5}, ID: Hash{9}},
	}

	buf, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out.From != -1 {
		t.Fatalf("sender must come from the transport, got %d", out.From)
	}

	body := out.Body.(*Corteges)
	if !reflect.DeepEqual(body.Members, []int{0, 2, 5}) || body.ID != (Hash{9}) {
		t.Fatalf("body mismatch: %+v", body)
	}

	if out.Kind != KindGetCorteges || !out.IsAnswer || out.Iteration != 2 || out.Slot != "balance" {
		t.Fatalf("header mismatch: %+v", out)
	}
}

// TestCodec_FirstPassIteration tests that the negative first-pass tag survives.
func TestCodec_FirstPassIteration(t *testing.T) {
	buf, err := Encode(&Message{
		Kind:      KindGetDataHash,
		Iteration: firstPass,
		Body:      &DataHash{Hash: Hash{7}, Previous: DefaultRecordID},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	body := out.Body.(*DataHash)
	if out.Iteration != firstPass || body.Hash != (Hash{7}) || body.Previous != DefaultRecordID {
		t.Fatalf("got iteration %d body %+v", out.Iteration, body)
	}
}

// TestCodec_VoteSignature tests that approve votes keep their signature.
func TestCodec_VoteSignature(t *testing.T) {
	sig := bytes.Repeat([]byte{0xAB}, 96)

	buf, err := Encode(&Message{
		Kind: KindVoteDecision,
		Body: &VoteDecision{Approve: true, CortegeID: Hash{4}, Signature: sig},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	v := out.Body.(*VoteDecision)
	if !v.Approve || v.CortegeID != (Hash{4}) || !bytes.Equal(v.Signature, sig) {
		t.Fatalf("vote mismatch: %+v", v)
	}
}

// TestCodec_Rejects tests mismatched bodies and malformed input.
func TestCodec_Rejects(t *testing.T) {
	if _, err := Encode(&Message{Kind: KindGetData, Body: &DataHash{}}); err == nil {
		t.Fatal("expected error for body of another kind")
	}

	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short input")
	}

	if _, err := Decode(bytes.Repeat([]byte{0xFF}, 64)); err == nil {
		t.Fatal("expected error for garbage input")
	}
}
