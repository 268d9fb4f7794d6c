//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package store

import (
	"github.com/pkg/errors"
)

// redoStats counts what replaying images and journals did.
type redoStats struct {
	frames  int
	ops     int
	skipped int
	orphans map[string]int
}

func newRedoStats() *redoStats {
	return &redoStats{orphans: map[string]int{}}
}

// redoGen returns the generation id, creating it as sealed when a journal
// references a generation whose image was never written.
func (s *Store) redoGen(id GenID) *generation {
	if id == MgmtGenID {
		return s.mgmt
	}

	s.gensMu.Lock()
	defer s.gensMu.Unlock()
	g := s.gens[id]
	if g == nil {
		g = newGeneration(id, genSealed, s.dataPoolFor(id))
		g.dirty = true
		s.gens[id] = g
		s.diskPool.used++
		delete(s.pendingFree, id)
	}
	return g
}

// redoChain returns the chain of owner if its incarnation matches.
func (s *Store) redoChain(owner Handle, ownerInc uint64) *ownerChain {
	c := s.chainOf(owner)
	if c == nil || c.inc != ownerInc {
		return nil
	}
	return c
}

// applyRedo applies one committed op on top of whatever state images and
// earlier frames produced. Ops that are already reflected are skipped, so
// replaying the same frame twice has no effect.
func (s *Store) applyRedo(op journalOp, rs *redoStats) error {
	s.observeInc(op.Inc)
	rs.ops++

	switch op.Kind {
	case opCreateRecord:
		s.redoCreateRecord(op, rs)

	case opUpdateRecord:
		g := s.redoGen(op.Handle.GenID())
		g.Lock()
		if e := g.records[op.Handle.slot()]; e != nil && e.inc == op.Inc {
			applyRecordUpdate(e, op)
			g.dirty = true
		} else {
			rs.skipped++
		}
		g.Unlock()

	case opDeleteRecord:
		g := s.redoGen(op.Handle.GenID())
		g.Lock()
		e := g.records[op.Handle.slot()]
		g.Unlock()
		if e != nil && e.inc == op.Inc {
			s.removeRecord(g, e)
		} else {
			rs.skipped++
		}

	case opCreateRef:
		c := s.redoChain(op.Owner, op.OwnerInc)
		if c == nil {
			rs.orphans["reference"]++
			return nil
		}
		g := s.redoGen(op.Handle.GenID())
		c.Lock()
		s.attachRefLocked(c, g, op.Handle.slot(), op.Inc, Reference{
			OrderID: op.OrderID,
			Target:  op.Target,
			Value:   uint32(op.Value),
			State:   op.RefState,
		}, rs)
		raiseMinActive(c, op.MinActive)
		c.Unlock()

	case opUpdateRef, opDeleteRef:
		c := s.redoChain(op.Owner, op.OwnerInc)
		if c == nil {
			rs.orphans["reference"]++
			return nil
		}
		g := s.redoGen(op.Handle.GenID())
		g.Lock()
		e := g.refs[op.Handle.slot()]
		g.Unlock()

		c.Lock()
		switch {
		case e == nil || e.inc != op.Inc || !chunkHolds(e):
			rs.skipped++
		case op.Kind == opUpdateRef:
			e.ref.State = op.RefState
			s.markDirty(g)
		default:
			s.removeRefLocked(c, e)
		}
		raiseMinActive(c, op.MinActive)
		c.Unlock()

	case opCreateState:
		c := s.redoChain(op.Owner, op.OwnerInc)
		if c == nil {
			rs.orphans["state"]++
			return nil
		}
		c.Lock()
		s.attachStateLocked(c, op.Handle.slot(), op.Inc, StateObject{Key: op.Key, Value: op.Value}, rs)
		c.Unlock()

	case opDeleteState:
		c := s.redoChain(op.Owner, op.OwnerInc)
		if c == nil {
			rs.orphans["state"]++
			return nil
		}
		c.Lock()
		if e := c.states[op.Handle]; e != nil && e.inc == op.Inc {
			s.removeStateLocked(c, e)
		} else {
			rs.skipped++
		}
		c.Unlock()

	case opPrune:
		c := s.redoChain(op.Owner, op.OwnerInc)
		if c == nil {
			rs.skipped++
			return nil
		}
		c.Lock()
		raiseMinActive(c, op.MinActive)
		s.pruneChainLocked(c)
		c.Unlock()

	default:
		return errors.Wrapf(ErrCorrupt, "unknown journal op %d", op.Kind)
	}
	return nil
}

func raiseMinActive(c *ownerChain, minActive uint64) {
	if minActive > c.minActive {
		c.minActive = minActive
	}
}

func (s *Store) redoCreateRecord(op journalOp, rs *redoStats) {
	g := s.redoGen(op.Handle.GenID())
	slot := op.Handle.slot()

	g.Lock()
	existing := g.records[slot]
	g.Unlock()
	if existing != nil {
		if existing.inc >= op.Inc {
			rs.skipped++
			return
		}
		// the slot was recycled, the delete of the old record is implied
		s.removeRecord(g, existing)
	}

	s.attachRecord(g, slot, &recordEntry{
		inc:      op.Inc,
		rtype:    op.Type,
		attr:     op.Attr,
		state:    op.State,
		data:     op.Data,
		fragLens: op.FragLens,
	})
}

// attachRecord inserts a loaded record, accounting its capacity without
// limits: whatever was committed before has to fit again.
func (s *Store) attachRecord(g *generation, slot uint64, e *recordEntry) {
	e.handle = makeHandle(g.id, kindRecord, slot)

	g.Lock()
	if g.isMgmt() {
		p := s.pool2
		if e.rtype.IsOwner() {
			p = s.pool1
			s.ownerCounts[e.rtype]++
		}
		e.cost = p.cost(recordOverhead + uint64(len(e.data)))
		p.used += e.cost
	} else {
		e.cost = s.dataCost(recordOverhead + uint64(len(e.data)))
		g.pool.used += e.cost
	}
	g.records[slot] = e
	g.observeSlot(kindRecord, slot)
	g.dirty = true
	g.Unlock()

	if e.rtype.IsOwner() {
		s.ownersMu.Lock()
		s.owners[e.handle] = newOwnerChain(e.handle, e.inc, e.rtype)
		s.ownersMu.Unlock()
	}
}

func (s *Store) attachRefLocked(c *ownerChain, g *generation, slot, inc uint64, ref Reference, rs *redoStats) {
	g.Lock()
	existing := g.refs[slot]
	g.Unlock()
	if existing != nil {
		if existing.inc >= inc {
			rs.skipped++
			return
		}
		if oc := s.chainOf(existing.owner); oc == c {
			s.removeRefLocked(c, existing)
		} else if oc != nil {
			oc.Lock()
			s.removeRefLocked(oc, existing)
			oc.Unlock()
		}
	}

	ch := c.chunkFor(g, slot, s.cfg.RefChunkSize)
	g.Lock()
	if ch.cost == 0 {
		ch.cost = s.chunkCost()
		g.pool.used += ch.cost
	}
	e := &refEntry{
		handle:   makeHandle(g.id, kindReference, slot),
		inc:      inc,
		owner:    c.owner,
		ownerInc: c.inc,
		ref:      ref,
		chunk:    ch,
	}
	g.refs[slot] = e
	g.observeSlot(kindReference, ch.base+uint64(len(ch.entries))-1)
	g.dirty = true
	g.Unlock()

	pos := int(slot - ch.base)
	ch.entries[pos] = e
	ch.live++
	if pos+1 > ch.used {
		ch.used = pos + 1
	}
	if ref.OrderID > c.highest {
		c.highest = ref.OrderID
	}
	c.used = true
}

func (s *Store) attachStateLocked(c *ownerChain, slot, inc uint64, obj StateObject, rs *redoStats) {
	h := makeHandle(MgmtGenID, kindState, slot)

	s.mgmt.Lock()
	existing := s.mgmt.states[slot]
	s.mgmt.Unlock()
	if existing != nil {
		if existing.inc >= inc {
			rs.skipped++
			return
		}
		if oc := s.chainOf(existing.owner); oc == c {
			s.removeStateLocked(c, existing)
		} else if oc != nil {
			oc.Lock()
			s.removeStateLocked(oc, existing)
			oc.Unlock()
		} else {
			s.mgmt.Lock()
			s.freeStateLocked(existing)
			s.mgmt.Unlock()
		}
	}

	e := &stateEntry{
		handle:   h,
		inc:      inc,
		owner:    c.owner,
		ownerInc: c.inc,
		obj:      obj,
	}
	s.mgmt.Lock()
	e.cost = s.pool2.cost(stateEntrySize)
	s.pool2.used += e.cost
	s.mgmt.states[slot] = e
	s.mgmt.observeSlot(kindState, slot)
	s.mgmt.dirty = true
	s.mgmt.Unlock()

	c.states[h] = e
}

// ApplyReplicated persists and applies a commit frame mirrored by the
// primary. Frames at or below the last applied sequence are ignored.
func (s *Store) ApplyReplicated(payload []byte) error {
	if err := s.writable(); err != nil {
		return err
	}
	frame, err := decodeFrame(payload)
	if err != nil {
		return errors.Wrap(err, "decode replicated frame")
	}

	s.quiesce.RLock()
	defer s.quiesce.RUnlock()
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if s.journal == nil {
		return errors.Wrap(ErrStateNotAvailable, "journal closed")
	}
	if frame.Seq <= s.frameSeq.Load() {
		// already part of the snapshot or received before
		return nil
	}
	n, err := s.journal.append(payload)
	if err != nil {
		return errors.Wrap(err, "append replicated frame")
	}
	s.metrics.journalWritten(n)
	s.observeSeq(frame.Seq)

	rs := newRedoStats()
	for _, op := range frame.Ops {
		if err := s.applyRedo(op, rs); err != nil {
			return err
		}
	}
	for kind, n := range rs.orphans {
		s.metrics.orphansDropped(kind, n)
	}
	return nil
}

func (s *Store) observeSeq(seq uint64) {
	for {
		cur := s.frameSeq.Load()
		if seq <= cur || s.frameSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}
