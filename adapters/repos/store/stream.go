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

type reservation struct {
	gen       *generation
	remaining uint64
}

type streamOp struct {
	op    journalOp
	gen   *generation
	chain *ownerChain
	rec   *recordEntry
	ref   *refEntry
	state *stateEntry
}

// Stream is a transaction context. It is not safe for concurrent use, each
// goroutine working with the store opens its own stream.
type Stream struct {
	s           *Store
	id          uint32
	highPerf    bool
	ops         []streamOp
	reservation *reservation
	closed      bool
	// fired when the current operation returns
	events []EventType
}

// OpenStream returns a new transaction context. highPerf streams never wait
// for the journal to reach the disk on commit.
func (s *Store) OpenStream(highPerf bool) (*Stream, error) {
	if err := s.writable(); err != nil {
		return nil, err
	}

	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()

	if len(s.streams) >= s.cfg.StreamsMax {
		return nil, errors.Wrapf(ErrCapacityExceeded, "%d streams open", len(s.streams))
	}
	s.nextStreamID++
	st := &Stream{s: s, id: s.nextStreamID, highPerf: highPerf}
	s.streams[st.id] = st
	return st, nil
}

// Close rolls back whatever is still uncommitted and releases the stream.
func (st *Stream) Close() error {
	if st.closed {
		return nil
	}
	err := st.Rollback()
	st.closed = true

	st.s.streamsMu.Lock()
	delete(st.s.streams, st.id)
	st.s.streamsMu.Unlock()
	return err
}

func (st *Stream) ID() uint32 {
	return st.id
}

// OpsCount returns the number of operations buffered in the current
// transaction.
func (st *Stream) OpsCount() int {
	return len(st.ops)
}

// enter guards an operation: the stream is open, the store writable and no
// checkpoint is snapshotting.
func (st *Stream) enter() (func(), error) {
	if st.closed {
		return nil, errors.Wrap(ErrStateNotAvailable, "stream closed")
	}
	if err := st.s.writable(); err != nil {
		return nil, err
	}
	st.s.quiesce.RLock()
	return func() {
		st.s.quiesce.RUnlock()
		if len(st.events) > 0 {
			events := st.events
			st.events = nil
			st.s.fireEvents(events...)
		}
	}, nil
}

// Reserve holds data capacity for the transaction. It has to be the first
// operation of a transaction and can only be issued once.
func (st *Stream) Reserve(r Reservation) error {
	release, err := st.enter()
	if err != nil {
		return err
	}
	defer release()

	if len(st.ops) > 0 || st.reservation != nil {
		return errors.Wrap(ErrTransactionConflict, "reservation must be the first operation of a transaction")
	}

	s := st.s
	cost := s.dataCost(r.DataLength) + uint64(r.RecordsCount)*s.dataCost(recordOverhead)
	if r.RefsCount > 0 {
		chunks := (uint64(r.RefsCount)+uint64(s.cfg.RefChunkSize)-1)/uint64(s.cfg.RefChunkSize) + 1
		cost += chunks * s.chunkCost()
	}
	return s.reserveData(st, cost)
}

// CancelReservation gives back reserved but unused capacity.
func (st *Stream) CancelReservation() {
	st.s.releaseReservation(st)
}

func (st *Stream) CreateRecord(rec Record) (Handle, error) {
	release, err := st.enter()
	if err != nil {
		return NullHandle, err
	}
	defer release()

	if !rec.Type.valid() {
		return NullHandle, errors.Wrapf(ErrInvalidValue, "record type %s", rec.Type)
	}

	s := st.s
	e := &recordEntry{
		inc:     s.nextInc(),
		rtype:   rec.Type,
		attr:    rec.Attribute,
		state:   rec.State,
		pending: true,
	}
	if len(rec.Frags) == 1 {
		e.data = append([]byte(nil), rec.Frags[0]...)
	} else {
		e.data = rec.Data()
		for _, f := range rec.Frags {
			e.fragLens = append(e.fragLens, uint32(len(f)))
		}
	}

	var gen *generation
	if rec.Type == RecordTypeMessage {
		cost := s.dataCost(recordOverhead + uint64(len(e.data)))
		err = s.allocData(st, cost, func(g *generation) {
			slot := g.takeSlot(kindRecord)
			e.handle = makeHandle(g.id, kindRecord, slot)
			e.cost = cost
			g.records[slot] = e
			gen = g
		})
	} else {
		gen = s.mgmt
		err = s.allocMgmt(e, recordOverhead+uint64(len(e.data)))
	}
	if err != nil {
		return NullHandle, errors.Wrapf(err, "create %s record", rec.Type)
	}

	sop := streamOp{
		op: journalOp{
			Kind:     opCreateRecord,
			Handle:   e.handle,
			Inc:      e.inc,
			Type:     e.rtype,
			Attr:     e.attr,
			State:    e.state,
			Data:     e.data,
			FragLens: e.fragLens,
		},
		gen: gen,
		rec: e,
	}
	if rec.Type.IsOwner() {
		chain := newOwnerChain(e.handle, e.inc, e.rtype)
		s.ownersMu.Lock()
		s.owners[e.handle] = chain
		s.ownersMu.Unlock()
		sop.chain = chain
	}
	st.ops = append(st.ops, sop)
	return e.handle, nil
}

// lookupRecord returns the committed record entry for h.
func (s *Store) lookupRecord(h Handle) (*generation, *recordEntry, error) {
	if h.kind() != kindRecord || h.IsNull() {
		return nil, nil, errors.Wrapf(ErrInvalidValue, "%s is not a record handle", h)
	}
	g := s.genOf(h)
	if g == nil {
		return nil, nil, errors.Wrapf(ErrNotFound, "record %s", h)
	}
	g.Lock()
	e := g.records[h.slot()]
	g.Unlock()
	if e == nil {
		return nil, nil, errors.Wrapf(ErrNotFound, "record %s", h)
	}
	return g, e, nil
}

// UpdateRecord replaces the attribute and/or state word of a record at
// commit.
func (st *Stream) UpdateRecord(h Handle, attr, state uint64, flags UpdateFlags) error {
	release, err := st.enter()
	if err != nil {
		return err
	}
	defer release()

	if flags&(UpdateAttribute|UpdateState) == 0 {
		return errors.Wrap(ErrInvalidValue, "no update flags")
	}

	g, e, err := st.s.lookupRecord(h)
	if err != nil {
		return err
	}
	g.Lock()
	gone := e.pending || e.deleting
	g.Unlock()
	if gone {
		return errors.Wrapf(ErrNotFound, "record %s", h)
	}

	st.ops = append(st.ops, streamOp{
		op: journalOp{
			Kind:   opUpdateRecord,
			Handle: h,
			Inc:    e.inc,
			Attr:   attr,
			State:  state,
			Flags:  flags,
		},
		gen: g,
		rec: e,
	})
	return nil
}

// DeleteRecord deletes a record at commit. Deleting an owner also deletes
// all of its references and states.
func (st *Stream) DeleteRecord(h Handle) error {
	release, err := st.enter()
	if err != nil {
		return err
	}
	defer release()

	g, e, err := st.s.lookupRecord(h)
	if err != nil {
		return err
	}
	g.Lock()
	if e.pending || e.deleting {
		g.Unlock()
		return errors.Wrapf(ErrNotFound, "record %s", h)
	}
	e.deleting = true
	g.Unlock()

	st.ops = append(st.ops, streamOp{
		op: journalOp{
			Kind:   opDeleteRecord,
			Handle: h,
			Inc:    e.inc,
			Type:   e.rtype,
		},
		gen: g,
		rec: e,
	})
	return nil
}

// Commit makes all buffered operations durable and visible as a unit.
func (st *Stream) Commit() error {
	return st.commit(nil)
}

// CommitAsync commits without waiting for the journal to reach the disk.
// cb is called once it did, or with the flush error.
func (st *Stream) CommitAsync(cb func(err error)) error {
	if cb == nil {
		cb = func(error) {}
	}
	return st.commit(cb)
}

func (st *Stream) commit(cb func(error)) error {
	if st.closed {
		return errors.Wrap(ErrStateNotAvailable, "stream closed")
	}
	s := st.s

	if len(st.ops) == 0 {
		s.releaseReservation(st)
		if cb != nil {
			cb(nil)
		}
		return nil
	}

	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	frame := journalFrame{Ops: make([]journalOp, len(st.ops))}
	for i := range st.ops {
		frame.Ops[i] = st.ops[i].op
	}

	s.commitMu.Lock()
	frame.Seq = s.frameSeq.Add(1)
	payload, err := encodeFrame(frame)
	if err == nil && s.journal == nil {
		err = errors.Wrap(ErrStateNotAvailable, "journal closed")
	}
	var written int
	if err == nil {
		written, err = s.journal.append(payload)
	}
	if err != nil {
		s.commitMu.Unlock()
		st.rollbackLocked()
		s.metrics.commit("failed")
		return errors.Wrap(err, "append commit to journal")
	}

	events := s.applyStreamOps(st.ops)
	s.mirrorFrame(payload)
	j := s.journal
	s.commitMu.Unlock()

	s.metrics.journalWritten(written)
	s.metrics.commit("committed")
	s.releaseReservation(st)
	st.ops = st.ops[:0]
	s.fireEvents(events...)

	switch {
	case cb != nil:
		j.onFlush(cb)
	case s.cfg.SyncPersist && !st.highPerf:
		if err := j.flush(); err != nil {
			return errors.Wrapf(ErrNotPersisted, "%v", err)
		}
	}
	return nil
}

func (s *Store) mirrorFrame(payload []byte) {
	s.mirrorMu.RLock()
	m := s.mirror
	s.mirrorMu.RUnlock()
	if m == nil {
		return
	}
	if err := m.Mirror(payload); err != nil {
		s.logger.WithField("action", "store_mirror_commit").
			WithError(err).
			Warn("mirroring commit to standby failed")
	}
}

// Rollback discards all buffered operations and frees what they allocated.
func (st *Stream) Rollback() error {
	if len(st.ops) == 0 && st.reservation == nil {
		return nil
	}
	st.s.quiesce.RLock()
	defer st.s.quiesce.RUnlock()

	st.rollbackLocked()
	st.s.metrics.commit("rolled_back")
	return nil
}

func (st *Stream) rollbackLocked() {
	s := st.s
	var events []EventType

	for i := len(st.ops) - 1; i >= 0; i-- {
		o := &st.ops[i]
		switch o.op.Kind {
		case opCreateRecord:
			events = append(events, s.removeRecord(o.gen, o.rec)...)
		case opUpdateRecord:
			// nothing was applied
		case opDeleteRecord:
			o.gen.Lock()
			o.rec.deleting = false
			o.gen.Unlock()
		case opCreateRef:
			o.chain.Lock()
			s.removeRefLocked(o.chain, o.ref)
			o.chain.Unlock()
		case opUpdateRef:
		case opDeleteRef:
			o.chain.Lock()
			o.ref.deleting = false
			o.chain.Unlock()
		case opCreateState:
			o.chain.Lock()
			events = append(events, s.removeStateLocked(o.chain, o.state))
			o.chain.Unlock()
		case opDeleteState:
			o.chain.Lock()
			o.state.deleting = false
			o.chain.Unlock()
		}
	}

	st.ops = st.ops[:0]
	s.releaseReservation(st)
	s.fireEvents(events...)
}

func (s *Store) applyStreamOps(ops []streamOp) []EventType {
	var events []EventType

	for i := range ops {
		o := &ops[i]
		switch o.op.Kind {
		case opCreateRecord:
			o.gen.Lock()
			o.rec.pending = false
			o.gen.dirty = true
			o.gen.Unlock()

		case opUpdateRecord:
			o.gen.Lock()
			if o.gen.records[o.rec.handle.slot()] == o.rec {
				applyRecordUpdate(o.rec, o.op)
				o.gen.dirty = true
			}
			o.gen.Unlock()

		case opDeleteRecord:
			events = append(events, s.removeRecord(o.gen, o.rec)...)

		case opCreateRef:
			o.chain.Lock()
			if !o.chain.deleted && chunkHolds(o.ref) {
				o.ref.pending = false
				o.ref.chunk.pending--
				o.ref.chunk.live++
				s.markDirty(o.ref.chunk.gen)
			}
			o.chain.Unlock()

		case opUpdateRef:
			o.chain.Lock()
			if !o.chain.deleted && chunkHolds(o.ref) {
				o.ref.ref.State = o.op.RefState
				s.markDirty(o.ref.chunk.gen)
			}
			o.chain.Unlock()

		case opDeleteRef:
			o.chain.Lock()
			s.removeRefLocked(o.chain, o.ref)
			o.chain.Unlock()

		case opCreateState:
			o.chain.Lock()
			if o.chain.states[o.state.handle] == o.state {
				o.state.pending = false
				s.markDirty(s.mgmt)
			}
			o.chain.Unlock()

		case opDeleteState:
			o.chain.Lock()
			events = append(events, s.removeStateLocked(o.chain, o.state))
			o.chain.Unlock()
		}
	}
	return events
}

func applyRecordUpdate(e *recordEntry, op journalOp) {
	if op.Flags&UpdateAttribute != 0 {
		e.attr = op.Attr
	}
	if op.Flags&UpdateState != 0 {
		e.state = op.State
	}
}

func (s *Store) markDirty(g *generation) {
	g.Lock()
	g.dirty = true
	g.Unlock()
}
