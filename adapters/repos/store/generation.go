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
	"sort"
	"sync"
)

type genState uint8

const (
	genActive genState = iota
	genSealed
	genCompacting
	genReclaimed
)

func (s genState) String() string {
	switch s {
	case genActive:
		return "active"
	case genSealed:
		return "sealed"
	case genCompacting:
		return "compacting"
	case genReclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("genState(%d)", s)
	}
}

type recordEntry struct {
	handle   Handle
	inc      uint64
	rtype    RecordType
	attr     uint64
	state    uint64
	data     []byte
	fragLens []uint32
	cost     uint64

	pending  bool
	deleting bool
}

func (e *recordEntry) record() Record {
	rec := Record{Type: e.rtype, Attribute: e.attr, State: e.state}
	if len(e.fragLens) <= 1 {
		rec.Frags = [][]byte{e.data}
		return rec
	}
	off := uint32(0)
	for _, l := range e.fragLens {
		rec.Frags = append(rec.Frags, e.data[off:off+l])
		off += l
	}
	return rec
}

type refEntry struct {
	handle   Handle
	inc      uint64
	owner    Handle
	ownerInc uint64
	ref      Reference
	chunk    *refChunk

	pending  bool
	deleting bool
}

type stateEntry struct {
	handle   Handle
	inc      uint64
	owner    Handle
	ownerInc uint64
	obj      StateObject
	cost     uint64

	pending  bool
	deleting bool
}

// generation is an arena of entries addressed by slot. Data generations
// only ever append slots, the management generation recycles freed slots.
type generation struct {
	sync.Mutex

	id    GenID
	state genState
	// nil for the management generation which uses the store's two pools
	pool *pool

	records map[uint64]*recordEntry
	refs    map[uint64]*refEntry
	states  map[uint64]*stateEntry

	nextSlot  [3]uint64
	freeSlots [3][]uint64

	// committed changes since the last image was written
	dirty bool
	// bytes freed since the last image was written
	freedSinceImage uint64
}

func newGeneration(id GenID, state genState, p *pool) *generation {
	g := &generation{
		id:      id,
		state:   state,
		pool:    p,
		records: map[uint64]*recordEntry{},
		refs:    map[uint64]*refEntry{},
		states:  map[uint64]*stateEntry{},
	}
	for i := range g.nextSlot {
		g.nextSlot[i] = 1
	}
	return g
}

func (g *generation) isMgmt() bool {
	return g.id == MgmtGenID
}

func (g *generation) takeSlot(kind handleKind) uint64 {
	if g.isMgmt() {
		if free := g.freeSlots[kind]; len(free) > 0 {
			slot := free[len(free)-1]
			g.freeSlots[kind] = free[:len(free)-1]
			return slot
		}
	}
	slot := g.nextSlot[kind]
	g.nextSlot[kind]++
	return slot
}

// takeSlots reserves n consecutive slots, used for reference chunks.
func (g *generation) takeSlots(kind handleKind, n int) uint64 {
	base := g.nextSlot[kind]
	g.nextSlot[kind] += uint64(n)
	return base
}

func (g *generation) releaseSlot(kind handleKind, slot uint64) {
	if g.isMgmt() {
		g.freeSlots[kind] = append(g.freeSlots[kind], slot)
	}
}

// observeSlot keeps slot allocation ahead of slots loaded from disk.
func (g *generation) observeSlot(kind handleKind, slot uint64) {
	if slot >= g.nextSlot[kind] {
		g.nextSlot[kind] = slot + 1
	}
}

// rebuildFreeSlots recomputes the recycled slot lists of the management
// generation after loading.
func (g *generation) rebuildFreeSlots() {
	if !g.isMgmt() {
		return
	}
	for _, kind := range []handleKind{kindRecord, kindState} {
		var free []uint64
		for slot := g.nextSlot[kind] - 1; slot >= 1; slot-- {
			var used bool
			if kind == kindRecord {
				_, used = g.records[slot]
			} else {
				_, used = g.states[slot]
			}
			if !used {
				free = append(free, slot)
			}
		}
		g.freeSlots[kind] = free
	}
}

// live counts committed and pending entries. A generation without any
// entries and without reserved capacity can be reclaimed.
func (g *generation) empty() bool {
	if len(g.records) > 0 || len(g.refs) > 0 || len(g.states) > 0 {
		return false
	}
	return g.pool == nil || g.pool.inUse() == 0
}

func (g *generation) sortedRecordSlots() []uint64 {
	slots := make([]uint64, 0, len(g.records))
	for slot := range g.records {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}
