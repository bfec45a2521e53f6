// Package ledger persists committed records in the key-value store.
//
// Layout:
//
//	e:<record id><peer u32>  -> hash | u16 slot len | slot | contract | zstd(result)
//	p:<contract id><slot>    -> cortege id | record id | certificate
package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"Cortege/internal/consensus"
	"Cortege/internal/storage"
)

var (
	prefixEntry   = []byte("e:")
	prefixPointer = []byte("p:")
)

// Ledger implements consensus.Storage on top of a storage.Storage.
// Results are zstd-compressed before being written.
type Ledger struct {
	db      *storage.Storage
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New creates a ledger over db.
func New(db *storage.Storage) (*Ledger, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	return &Ledger{db: db, encoder: encoder, decoder: decoder}, nil
}

// Close releases the codecs. The underlying storage stays open.
func (l *Ledger) Close() {
	l.encoder.Close()
	l.decoder.Close()
}

// DeleteSlot removes every entry of a record.
func (l *Ledger) DeleteSlot(recordID consensus.Hash) error {
	b := l.Begin()
	if err := b.DeleteSlot(recordID); err != nil {
		return err
	}
	return b.Commit()
}

// WriteSlot stores one member's result under its record.
func (l *Ledger) WriteSlot(entry consensus.SlotEntry) error {
	b := l.Begin()
	if err := b.WriteSlot(entry); err != nil {
		return err
	}
	return b.Commit()
}

// UpdateSlotPointer points a slot at a record.
func (l *Ledger) UpdateSlotPointer(ptr consensus.SlotPointer) error {
	b := l.Begin()
	if err := b.UpdateSlotPointer(ptr); err != nil {
		return err
	}
	return b.Commit()
}

// Begin starts a batch applied atomically on Commit.
func (l *Ledger) Begin() consensus.StorageBatch {
	return &batch{ledger: l}
}

// Pointer returns the current pointer of a slot, or nil if it was never written.
func (l *Ledger) Pointer(contractID consensus.Hash, slot string) (*consensus.SlotPointer, error) {
	raw, err := l.db.Get(pointerKey(contractID, slot))
	if err != nil {
		return nil, fmt.Errorf("get pointer:\n%w", err)
	}
	if raw == nil {
		return nil, nil
	}

	if len(raw) < 64 {
		return nil, fmt.Errorf("pointer too short: %d bytes", len(raw))
	}

	ptr := &consensus.SlotPointer{ContractID: contractID, Slot: slot}
	copy(ptr.CortegeID[:], raw[:32])
	copy(ptr.RecordID[:], raw[32:64])
	if len(raw) > 64 {
		ptr.Certificate = raw[64:]
	}

	return ptr, nil
}

// Entries returns the entries of a record ordered by peer number.
func (l *Ledger) Entries(recordID consensus.Hash) ([]consensus.SlotEntry, error) {
	var entries []consensus.SlotEntry

	err := l.db.IteratePrefix(entryPrefix(recordID), func(key, value []byte) error {
		entry, err := l.decodeEntry(recordID, key, value)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate record %s:\n%w", recordID, err)
	}

	return entries, nil
}

// Read returns the current pointer and entries of a slot.
func (l *Ledger) Read(contractID consensus.Hash, slot string) (*consensus.SlotPointer, []consensus.SlotEntry, error) {
	ptr, err := l.Pointer(contractID, slot)
	if err != nil || ptr == nil {
		return nil, nil, err
	}

	entries, err := l.Entries(ptr.RecordID)
	if err != nil {
		return nil, nil, err
	}

	return ptr, entries, nil
}

// encodeEntry serializes an entry value with a compressed result.
func (l *Ledger) encodeEntry(e consensus.SlotEntry) []byte {
	var buf bytes.Buffer

	buf.Write(e.Hash[:])

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(e.Slot)))
	buf.Write(lenBuf[:])
	buf.WriteString(e.Slot)

	buf.Write(e.ContractID[:])
	buf.Write(l.encoder.EncodeAll(e.Result, nil))

	return buf.Bytes()
}

// decodeEntry parses an entry stored under key.
func (l *Ledger) decodeEntry(recordID consensus.Hash, key, value []byte) (consensus.SlotEntry, error) {
	e := consensus.SlotEntry{RecordID: recordID}

	if len(key) != len(prefixEntry)+32+4 {
		return e, fmt.Errorf("invalid entry key length: %d", len(key))
	}
	e.Peer = int(binary.BigEndian.Uint32(key[len(key)-4:]))

	if len(value) < 34 {
		return e, fmt.Errorf("entry of peer %d too short", e.Peer)
	}
	copy(e.Hash[:], value[:32])

	slotLen := int(binary.BigEndian.Uint16(value[32:34]))
	value = value[34:]
	if len(value) < slotLen+32 {
		return e, fmt.Errorf("entry of peer %d truncated", e.Peer)
	}
	e.Slot = string(value[:slotLen])
	copy(e.ContractID[:], value[slotLen:slotLen+32])

	result, err := l.decoder.DecodeAll(value[slotLen+32:], nil)
	if err != nil {
		return e, fmt.Errorf("decompress result of peer %d:\n%w", e.Peer, err)
	}
	e.Result = result

	return e, nil
}

// entryPrefix returns the key prefix of a record's entries.
func entryPrefix(recordID consensus.Hash) []byte {
	key := make([]byte, 0, len(prefixEntry)+32)
	key = append(key, prefixEntry...)
	return append(key, recordID[:]...)
}

// entryKey returns the key of one member's entry.
func entryKey(recordID consensus.Hash, peer int) []byte {
	key := entryPrefix(recordID)
	return binary.BigEndian.AppendUint32(key, uint32(peer))
}

// pointerKey returns the key of a slot pointer.
func pointerKey(contractID consensus.Hash, slot string) []byte {
	key := make([]byte, 0, len(prefixPointer)+32+len(slot))
	key = append(key, prefixPointer...)
	key = append(key, contractID[:]...)
	return append(key, slot...)
}
