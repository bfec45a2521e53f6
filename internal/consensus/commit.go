package consensus

import "fmt"

// commit writes the approved cortege of iteration k and reports success.
// The target record is cleared before the entries are written, then the
// slot pointer moves to the new record. Any storage error fails the write.
func (p *Process) commit(k int32) (Hash, error) {
	r := p.rounds[k]
	recordID := RecordID(p.pool.ID, r.id, p.cfg.Previous)

	cert, err := p.certificate(r)
	if err != nil {
		p.breakConsensus(ReasonCommit, err)
		return Hash{}, p.failure
	}

	if err := p.writeRecord(r, recordID, cert); err != nil {
		p.breakConsensus(ReasonCommit, err)
		return Hash{}, p.failure
	}

	r.state = StateApproved
	p.setState(StateApproved, k)

	if p.cfg.OnReady != nil {
		p.cfg.OnReady(recordID)
	}

	return recordID, nil
}

// writeRecord replaces the slot content with the results of the cortege.
// When the storage supports batches the whole replacement is atomic.
func (p *Process) writeRecord(r *round, recordID Hash, cert []byte) error {
	store := p.cfg.Storage

	var batch StorageBatch
	if b, ok := store.(Batcher); ok {
		batch = b.Begin()
		store = batch
	}

	previous := p.cfg.Previous
	if !previous.IsZero() && previous != recordID {
		if err := store.DeleteSlot(previous); err != nil {
			return fmt.Errorf("delete previous record %s:\n%w", previous, err)
		}
	}

	if err := store.DeleteSlot(recordID); err != nil {
		return fmt.Errorf("delete record %s:\n%w", recordID, err)
	}

	for _, m := range r.cortege {
		rec := p.records[m]

		err := store.WriteSlot(SlotEntry{
			ContractID: p.cfg.ContractID,
			Slot:       p.cfg.Slot,
			Result:     rec.Data,
			Hash:       rec.Hash,
			RecordID:   recordID,
			Peer:       m,
		})
		if err != nil {
			return fmt.Errorf("write entry of peer %d:\n%w", m, err)
		}
	}

	err := store.UpdateSlotPointer(SlotPointer{
		ContractID:  p.cfg.ContractID,
		Slot:        p.cfg.Slot,
		CortegeID:   r.id,
		RecordID:    recordID,
		Certificate: cert,
	})
	if err != nil {
		return fmt.Errorf("update slot pointer:\n%w", err)
	}

	if batch != nil {
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("commit batch:\n%w", err)
		}
	}

	p.log.Debug("record written", "record", recordID, "entries", len(r.cortege))

	return nil
}

// certificate aggregates the approve votes into a quorum certificate.
func (p *Process) certificate(r *round) ([]byte, error) {
	if p.cfg.Certifier == nil {
		return nil, nil
	}

	msg := CertificateMessage(p.pool.ID, p.cfg.ContractID, p.cfg.Slot, r.id)

	cert, err := p.cfg.Certifier.Aggregate(msg, p.approvals)
	if err != nil {
		return nil, fmt.Errorf("aggregate approvals:\n%w", err)
	}

	return cert, nil
}
