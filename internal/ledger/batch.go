package ledger

import (
	"bytes"
	"fmt"

	"Cortege/internal/consensus"
	"Cortege/internal/storage"
)

// batch queues ledger writes and applies them in a single storage batch.
type batch struct {
	ledger *Ledger
	ops    []storage.KeyValue
	done   bool
}

// DeleteSlot queues deletion of the stored entries of a record and of the
// entries queued earlier in this batch.
func (b *batch) DeleteSlot(recordID consensus.Hash) error {
	prefix := entryPrefix(recordID)

	keys, err := b.ledger.db.Keys(prefix)
	if err != nil {
		return fmt.Errorf("list record %s:\n%w", recordID, err)
	}

	for _, op := range b.ops {
		if op.Value != nil && bytes.HasPrefix(op.Key, prefix) {
			keys = append(keys, op.Key)
		}
	}

	for _, key := range keys {
		b.ops = append(b.ops, storage.KeyValue{Key: key})
	}

	return nil
}

// WriteSlot queues one entry.
func (b *batch) WriteSlot(entry consensus.SlotEntry) error {
	if entry.Peer < 0 {
		return fmt.Errorf("invalid peer %d", entry.Peer)
	}

	b.ops = append(b.ops, storage.KeyValue{
		Key:   entryKey(entry.RecordID, entry.Peer),
		Value: b.ledger.encodeEntry(entry),
	})

	return nil
}

// UpdateSlotPointer queues the pointer update.
func (b *batch) UpdateSlotPointer(ptr consensus.SlotPointer) error {
	value := make([]byte, 0, 64+len(ptr.Certificate))
	value = append(value, ptr.CortegeID[:]...)
	value = append(value, ptr.RecordID[:]...)
	value = append(value, ptr.Certificate...)

	b.ops = append(b.ops, storage.KeyValue{
		Key:   pointerKey(ptr.ContractID, ptr.Slot),
		Value: value,
	})

	return nil
}

// Commit applies the queued operations atomically.
func (b *batch) Commit() error {
	if b.done {
		return fmt.Errorf("batch already committed")
	}
	b.done = true

	if len(b.ops) == 0 {
		return nil
	}

	if err := b.ledger.db.Apply(b.ops); err != nil {
		return fmt.Errorf("apply %d operations:\n%w", len(b.ops), err)
	}

	return nil
}
