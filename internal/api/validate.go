package api

import (
	"encoding/hex"
	"fmt"

	"Cortege/internal/consensus"
)

const (
	// maxSlotLen is the maximum slot name length in bytes.
	maxSlotLen = 256

	// maxResultSize is the maximum candidate result size in bytes.
	maxResultSize = 4 << 20
)

// writeRequest is the body of POST /writes.
type writeRequest struct {
	Contract string `json:"contract"`           // Contract is the hex contract id
	Slot     string `json:"slot"`               // Slot is the slot name
	Previous string `json:"previous,omitempty"` // Previous is the hex record the result builds on
	Result   []byte `json:"result"`             // Result is the base64 candidate result
}

// parsedWrite is a validated write request.
type parsedWrite struct {
	contract    consensus.Hash
	slot        string
	previous    consensus.Hash
	hasPrevious bool
	result      []byte
}

// validateWrite checks a write request and decodes its ids.
func validateWrite(req *writeRequest) (*parsedWrite, error) {
	contract, err := parseHash(req.Contract)
	if err != nil {
		return nil, fmt.Errorf("contract: %w", err)
	}

	if err := validateSlot(req.Slot); err != nil {
		return nil, err
	}

	if len(req.Result) > maxResultSize {
		return nil, fmt.Errorf("result too large: %d > %d", len(req.Result), maxResultSize)
	}

	w := &parsedWrite{contract: contract, slot: req.Slot, result: req.Result}

	if req.Previous != "" {
		if w.previous, err = parseHash(req.Previous); err != nil {
			return nil, fmt.Errorf("previous: %w", err)
		}
		w.hasPrevious = true
	}

	return w, nil
}

// validateSlot checks a slot name.
func validateSlot(slot string) error {
	if slot == "" {
		return fmt.Errorf("slot is empty")
	}
	if len(slot) > maxSlotLen {
		return fmt.Errorf("slot too long: %d > %d", len(slot), maxSlotLen)
	}
	return nil
}

// parseHash decodes a 32-byte hex id.
func parseHash(s string) (consensus.Hash, error) {
	var h consensus.Hash

	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hex: %w", err)
	}

	if len(b) != len(h) {
		return h, fmt.Errorf("invalid length: got %d bytes, want %d", len(b), len(h))
	}

	copy(h[:], b)

	return h, nil
}
