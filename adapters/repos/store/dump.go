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
	"sort"

	"github.com/pkg/errors"
)

// ReadRecord returns a copy of a committed record.
func (s *Store) ReadRecord(h Handle) (Record, error) {
	g, e, err := s.lookupRecord(h)
	if err != nil {
		return Record{}, err
	}
	g.Lock()
	defer g.Unlock()
	if e.pending {
		return Record{}, errors.Wrapf(ErrNotFound, "record %s", h)
	}
	return e.record(), nil
}

type recordItem struct {
	h   Handle
	rec Record
}

func collectRecords(g *generation, rtype RecordType, all bool) []recordItem {
	g.Lock()
	defer g.Unlock()

	var items []recordItem
	for _, slot := range g.sortedRecordSlots() {
		e := g.records[slot]
		if e.pending || (!all && e.rtype != rtype) {
			continue
		}
		items = append(items, recordItem{e.handle, e.record()})
	}
	return items
}

func (s *Store) sortedGenerations() []*generation {
	s.gensMu.RLock()
	gens := make([]*generation, 0, len(s.gens))
	for _, g := range s.gens {
		gens = append(gens, g)
	}
	s.gensMu.RUnlock()
	sort.Slice(gens, func(i, j int) bool { return gens[i].id < gens[j].id })
	return gens
}

// ForEachRecord calls fn for every committed record of rtype in handle
// order. fn runs without store locks held.
func (s *Store) ForEachRecord(rtype RecordType, fn func(h Handle, rec Record) error) error {
	var items []recordItem
	if rtype == RecordTypeMessage {
		for _, g := range s.sortedGenerations() {
			items = append(items, collectRecords(g, rtype, false)...)
		}
	} else {
		items = collectRecords(s.mgmt, rtype, false)
	}

	for _, it := range items {
		if err := fn(it.h, it.rec); err != nil {
			return err
		}
	}
	return nil
}

// ForEachOwner calls fn for every owner record in handle order.
func (s *Store) ForEachOwner(fn func(h Handle, rtype RecordType) error) error {
	type owner struct {
		h     Handle
		rtype RecordType
	}
	s.ownersMu.RLock()
	owners := make([]owner, 0, len(s.owners))
	for h, c := range s.owners {
		owners = append(owners, owner{h, c.rtype})
	}
	s.ownersMu.RUnlock()
	sort.Slice(owners, func(i, j int) bool { return owners[i].h < owners[j].h })

	for _, o := range owners {
		if err := fn(o.h, o.rtype); err != nil {
			return err
		}
	}
	return nil
}

type DumpKind string

const (
	DumpGeneration DumpKind = "generation"
	DumpRecord     DumpKind = "record"
	DumpReference  DumpKind = "reference"
	DumpState      DumpKind = "state"
)

// DumpEntry is one item of a store dump. Exactly one of the payload fields
// is set, depending on Kind.
type DumpEntry struct {
	Kind       DumpKind     `msgpack:"kind" json:"kind"`
	Generation GenID        `msgpack:"gen" json:"gen"`
	Handle     Handle       `msgpack:"handle,omitempty" json:"handle,omitempty"`
	Owner      Handle       `msgpack:"owner,omitempty" json:"owner,omitempty"`
	GenState   string       `msgpack:"gen_state,omitempty" json:"gen_state,omitempty"`
	Record     *Record      `msgpack:"record,omitempty" json:"record,omitempty"`
	Reference  *Reference   `msgpack:"reference,omitempty" json:"reference,omitempty"`
	State      *StateObject `msgpack:"state,omitempty" json:"state,omitempty"`
}

// Dump walks generations, records, reference chains and state objects, in
// that order, for offline inspection.
func (s *Store) Dump(fn func(DumpEntry) error) error {
	gens := append([]*generation{s.mgmt}, s.sortedGenerations()...)
	for _, g := range gens {
		g.Lock()
		state := g.state
		g.Unlock()
		if err := fn(DumpEntry{Kind: DumpGeneration, Generation: g.id, GenState: state.String()}); err != nil {
			return err
		}
		for _, it := range collectRecords(g, 0, true) {
			rec := it.rec
			if err := fn(DumpEntry{Kind: DumpRecord, Generation: g.id, Handle: it.h, Record: &rec}); err != nil {
				return err
			}
		}
	}

	return s.ForEachOwner(func(owner Handle, _ RecordType) error {
		err := s.ForEachReference(owner, func(h Handle, ref Reference) error {
			return fn(DumpEntry{Kind: DumpReference, Generation: h.GenID(), Handle: h, Owner: owner, Reference: &ref})
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		err = s.ForEachState(owner, func(h Handle, obj StateObject) error {
			return fn(DumpEntry{Kind: DumpState, Generation: h.GenID(), Handle: h, Owner: owner, State: &obj})
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	})
}

// GetStatistics takes a snapshot of the store usage without a transaction.
func (s *Store) GetStatistics() Statistics {
	stats := Statistics{
		Status:                s.Status().String(),
		OwnerLimit:            s.cfg.ownerLimit(),
		OwnerCounts:           map[RecordType]int{},
		RecordsByType:         map[RecordType]int{},
		BytesByType:           map[RecordType]uint64{},
		RecoveryCompletionPct: uint8(s.recoveryPct.Load()),
	}

	genStates := map[genState]int{}
	for _, g := range s.sortedGenerations() {
		g.Lock()
		stats.GenerationsCount++
		genStates[g.state]++
		stats.DataBytesUsed += g.pool.inUse()
		stats.DataBytesTotal += g.pool.total
		for _, e := range g.records {
			if !e.pending {
				stats.RecordsByType[e.rtype]++
				stats.BytesByType[e.rtype] += uint64(len(e.data))
			}
		}
		for _, e := range g.refs {
			if !e.pending {
				stats.References++
			}
		}
		g.Unlock()
	}

	s.gensMu.RLock()
	if s.active != nil {
		stats.ActiveGenID = s.active.id
	}
	if s.diskPool != nil {
		stats.DiskUsagePct = uint8(s.diskPool.fillPercent())
	}
	s.gensMu.RUnlock()

	if s.mgmt != nil {
		s.mgmt.Lock()
		stats.Pool1Total, stats.Pool1Used = s.pool1.total, s.pool1.inUse()
		stats.Pool2Total, stats.Pool2Used = s.pool2.total, s.pool2.inUse()
		for t, n := range s.ownerCounts {
			stats.OwnerCounts[t] = n
		}
		for _, e := range s.mgmt.records {
			if !e.pending {
				stats.RecordsByType[e.rtype]++
				stats.BytesByType[e.rtype] += uint64(len(e.data))
			}
		}
		for _, e := range s.mgmt.states {
			if !e.pending {
				stats.States++
			}
		}
		s.mgmt.Unlock()
	}

	s.streamsMu.Lock()
	stats.StreamsCount = len(s.streams)
	s.streamsMu.Unlock()

	s.commitMu.Lock()
	if s.journal != nil {
		stats.JournalBytes = s.journal.currentSize()
	}
	s.commitMu.Unlock()

	s.metrics.updateUsage(stats, genStates)
	return stats
}
