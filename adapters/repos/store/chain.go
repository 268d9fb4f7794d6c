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
	"sync"
)

// refChunk is a fixed size run of reference slots inside one data
// generation. A chunk belongs to exactly one owner chain and is filled in
// order id order.
type refChunk struct {
	gen     *generation
	base    uint64
	entries []*refEntry
	used    int
	live    int
	pending int
	cost    uint64
}

func (c *refChunk) minOrder() uint64 {
	for _, e := range c.entries {
		if e != nil {
			return e.ref.OrderID
		}
	}
	return 0
}

func (c *refChunk) maxOrder() uint64 {
	for i := len(c.entries) - 1; i >= 0; i-- {
		if e := c.entries[i]; e != nil {
			return e.ref.OrderID
		}
	}
	return 0
}

func (c *refChunk) full() bool {
	return c.used >= len(c.entries)
}

// ownerChain holds the references and states of one owner record.
type ownerChain struct {
	sync.Mutex

	owner Handle
	inc   uint64
	rtype RecordType

	chunks []*refChunk
	states map[Handle]*stateEntry

	minActive uint64
	highest   uint64
	// a reference was ever created, order id 0 is only valid before
	used bool

	deleted      bool
	refCtxOpen   bool
	stateCtxOpen bool
	prunePending bool
}

func newOwnerChain(owner Handle, inc uint64, rtype RecordType) *ownerChain {
	return &ownerChain{
		owner:  owner,
		inc:    inc,
		rtype:  rtype,
		states: map[Handle]*stateEntry{},
	}
}

// chunkFor returns the chunk covering slot in gen, creating and linking an
// empty one when missing. Only used when loading and replaying.
func (c *ownerChain) chunkFor(gen *generation, slot uint64, chunkSize int) *refChunk {
	base := (slot-1)/uint64(chunkSize)*uint64(chunkSize) + 1
	for _, ch := range c.chunks {
		if ch.gen == gen && ch.base == base {
			return ch
		}
	}
	ch := &refChunk{gen: gen, base: base, entries: make([]*refEntry, chunkSize)}
	c.chunks = append(c.chunks, ch)
	return ch
}

// sortChunks restores order id order after chunks were linked out of order.
func (c *ownerChain) sortChunks() {
	sort.SliceStable(c.chunks, func(i, j int) bool {
		return c.chunks[i].minOrder() < c.chunks[j].minOrder()
	})
}

func (c *ownerChain) stats() RefStats {
	st := RefStats{
		MinimumActiveOrderID: c.minActive,
		HighestOrderID:       c.highest,
	}
	first := true
	for _, ch := range c.chunks {
		if ch.live == 0 && ch.pending == 0 {
			continue
		}
		st.Count += ch.live
		if first || ch.gen.id < st.LowestGenID {
			st.LowestGenID = ch.gen.id
		}
		if first || ch.gen.id > st.HighestGenID {
			st.HighestGenID = ch.gen.id
		}
		first = false
		if max := ch.maxOrder(); max > st.HighestOrderID {
			st.HighestOrderID = max
		}
	}
	return st
}

func (c *ownerChain) orderedRefs() []*refEntry {
	var out []*refEntry
	for _, ch := range c.chunks {
		for _, e := range ch.entries {
			if e != nil && !e.pending {
				out = append(out, e)
			}
		}
	}
	return out
}
