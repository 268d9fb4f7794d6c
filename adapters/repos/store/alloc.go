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
	"fmt"

	"github.com/pkg/errors"
)

func (s *Store) dataPoolFor(id GenID) *pool {
	return newPool(fmt.Sprintf("gen-%d", id), s.cfg.GenerationSizeBytes, s.cfg.GranuleSizeBytes,
		0, 0, EventNone, EventNone)
}

// dataCost is the capacity n bytes take in any data generation.
func (s *Store) dataCost(n uint64) uint64 {
	g := uint64(s.cfg.GranuleSizeBytes)
	if n == 0 {
		return g
	}
	return (n + g - 1) / g * g
}

func (s *Store) chunkCost() uint64 {
	return s.dataCost(uint64(s.cfg.RefChunkSize) * refEntrySize)
}

func (s *Store) activeGeneration() (*generation, []EventType, error) {
	s.gensMu.RLock()
	g := s.active
	s.gensMu.RUnlock()
	if g != nil {
		return g, nil, nil
	}
	events, err := s.rollover(nil)
	if err != nil {
		return nil, events, err
	}

	s.gensMu.RLock()
	defer s.gensMu.RUnlock()
	if s.active == nil {
		return nil, events, errors.Wrap(ErrCapacityExceeded, "no active generation")
	}
	return s.active, events, nil
}

// rollover seals current and opens a new active generation. The returned
// events are fired by the caller once it released its locks.
func (s *Store) rollover(current *generation) ([]EventType, error) {
	s.gensMu.Lock()

	if s.active != current {
		s.gensMu.Unlock()
		return nil, nil
	}

	id, ok := s.freeGenIDLocked()
	ev, err := s.diskPool.alloc(1)
	if !ok || err != nil {
		s.gensMu.Unlock()
		return []EventType{ev}, errors.Wrapf(ErrCapacityExceeded, "all %d generations in use", s.cfg.MaxGenerations)
	}

	if current != nil {
		current.Lock()
		current.state = genSealed
		current.dirty = true
		current.Unlock()
	}

	g := newGeneration(id, genActive, s.dataPoolFor(id))
	g.dirty = true
	s.gens[id] = g
	s.active = g
	s.gensMu.Unlock()

	s.requestCheckpoint("rollover")
	s.logger.WithField("action", "store_generation_rollover").
		WithField("generation", id).
		Debug("new active generation")
	return []EventType{ev}, nil
}

// freeGenIDLocked returns the lowest id neither in use nor waiting for the
// journal rotation that makes it reusable.
func (s *Store) freeGenIDLocked() (GenID, bool) {
	for id := GenID(1); id <= maxGenID; id++ {
		if _, used := s.gens[id]; used {
			continue
		}
		if _, pending := s.pendingFree[id]; pending {
			continue
		}
		return id, true
	}
	return 0, false
}

// allocData charges cost to a data generation and runs fn under that
// generation's lock. Capacity held by the stream's reservation is used
// first. If the active generation is full it is rolled over once.
func (s *Store) allocData(st *Stream, cost uint64, fn func(g *generation)) error {
	if r := st.reservation; r != nil && r.remaining >= cost {
		g := r.gen
		g.Lock()
		g.pool.consumeReserved(cost)
		fn(g)
		g.Unlock()
		r.remaining -= cost
		return nil
	}

	if cost > s.cfg.GenerationSizeBytes {
		return errors.Wrapf(ErrCapacityExceeded, "allocation of %d bytes exceeds generation size %d",
			cost, s.cfg.GenerationSizeBytes)
	}

	for attempt := 0; attempt < 2; attempt++ {
		g, events, err := s.activeGeneration()
		st.events = append(st.events, events...)
		if err != nil {
			return err
		}

		g.Lock()
		if g.state == genActive && g.pool.fits(cost) {
			g.pool.used += cost
			fn(g)
			full := g.pool.fillPercent() >= uint64(s.cfg.GenFillPercent)
			g.Unlock()

			if full {
				events, err := s.rollover(g)
				st.events = append(st.events, events...)
				if err != nil {
					s.logger.WithField("action", "store_generation_rollover").
						WithError(err).
						Warn("active generation full, rollover failed")
				}
			}
			return nil
		}
		g.Unlock()

		events, err = s.rollover(g)
		st.events = append(st.events, events...)
		if err != nil {
			return err
		}
	}

	return errors.Wrapf(ErrCapacityExceeded, "no generation can hold %d bytes", cost)
}

// reserveData holds cost in the active generation for st.
func (s *Store) reserveData(st *Stream, cost uint64) error {
	if cost > s.cfg.GenerationSizeBytes {
		return errors.Wrapf(ErrCapacityExceeded, "reservation of %d bytes exceeds generation size", cost)
	}

	for attempt := 0; attempt < 2; attempt++ {
		g, events, err := s.activeGeneration()
		st.events = append(st.events, events...)
		if err != nil {
			return err
		}

		g.Lock()
		if g.state == genActive && g.pool.fits(cost) {
			g.pool.reserved += cost
			g.Unlock()
			st.reservation = &reservation{gen: g, remaining: cost}
			return nil
		}
		g.Unlock()

		events, err = s.rollover(g)
		st.events = append(st.events, events...)
		if err != nil {
			return err
		}
	}
	return errors.Wrapf(ErrCapacityExceeded, "no generation can reserve %d bytes", cost)
}

func (s *Store) releaseReservation(st *Stream) {
	r := st.reservation
	st.reservation = nil
	if r == nil || r.remaining == 0 {
		return
	}
	r.gen.Lock()
	r.gen.pool.releaseReserved(r.remaining)
	r.gen.Unlock()
}

// allocMgmt places e in the management generation.
func (s *Store) allocMgmt(e *recordEntry, size uint64) error {
	g := s.mgmt
	var events []EventType
	defer func() { s.fireEvents(events...) }()

	g.Lock()
	defer g.Unlock()

	p := s.pool2
	if e.rtype.IsOwner() {
		p = s.pool1
		if s.ownerCounts[e.rtype] >= s.cfg.ownerLimit() {
			if !s.ownerLimitAlerted[e.rtype] {
				s.ownerLimitAlerted[e.rtype] = true
				events = append(events, EventOwnerLimitOn)
			}
			return errors.Wrapf(ErrOwnerLimit, "%d %s records", s.ownerCounts[e.rtype], e.rtype)
		}
	}

	cost := p.cost(size)
	ev, err := p.alloc(cost)
	events = append(events, ev)
	if err != nil {
		return err
	}

	slot := g.takeSlot(kindRecord)
	e.handle = makeHandle(MgmtGenID, kindRecord, slot)
	e.cost = cost
	g.records[slot] = e
	if e.rtype.IsOwner() {
		s.ownerCounts[e.rtype]++
	}
	return nil
}

// freeMgmtRecordLocked releases e, the management generation lock is held.
func (s *Store) freeMgmtRecordLocked(e *recordEntry) []EventType {
	slot := e.handle.slot()
	if s.mgmt.records[slot] != e {
		return nil
	}
	delete(s.mgmt.records, slot)
	s.mgmt.releaseSlot(kindRecord, slot)
	s.mgmt.dirty = true

	if !e.rtype.IsOwner() {
		return []EventType{s.pool2.free(e.cost)}
	}

	events := []EventType{s.pool1.free(e.cost)}
	s.ownerCounts[e.rtype]--
	limit := s.cfg.ownerLimit()
	if s.ownerLimitAlerted[e.rtype] && s.ownerCounts[e.rtype] < limit-limit/10 {
		s.ownerLimitAlerted[e.rtype] = false
		events = append(events, EventOwnerLimitOff)
	}
	return events
}
