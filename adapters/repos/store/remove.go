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

// removeRecord frees a record entry. An owner loses its chain before its
// slot is released, so a recycled slot never meets a stale chain.
func (s *Store) removeRecord(g *generation, e *recordEntry) []EventType {
	var events []EventType
	if e.rtype.IsOwner() {
		events = append(events, s.dropChain(e.handle, e.inc)...)
	}

	g.Lock()
	defer g.Unlock()

	if g.isMgmt() {
		return append(events, s.freeMgmtRecordLocked(e)...)
	}

	slot := e.handle.slot()
	if g.records[slot] != e {
		return events
	}
	delete(g.records, slot)
	g.pool.free(e.cost)
	g.freedSinceImage += e.cost
	g.dirty = true
	return events
}

// dropChain discards all references and states of an owner.
func (s *Store) dropChain(owner Handle, inc uint64) []EventType {
	s.ownersMu.Lock()
	c := s.owners[owner]
	if c == nil || c.inc != inc {
		s.ownersMu.Unlock()
		return nil
	}
	delete(s.owners, owner)
	s.ownersMu.Unlock()

	c.Lock()
	c.deleted = true
	chunks := c.chunks
	states := c.states
	c.chunks = nil
	c.states = map[Handle]*stateEntry{}
	c.Unlock()

	for _, ch := range chunks {
		g := ch.gen
		g.Lock()
		for _, e := range ch.entries {
			if e != nil && g.refs[e.handle.slot()] == e {
				delete(g.refs, e.handle.slot())
			}
		}
		g.pool.free(ch.cost)
		g.freedSinceImage += ch.cost
		g.dirty = true
		g.Unlock()
	}

	if len(states) == 0 {
		return nil
	}
	s.mgmt.Lock()
	defer s.mgmt.Unlock()
	var events []EventType
	for _, e := range states {
		events = append(events, s.freeStateLocked(e))
	}
	return events
}

// chunkHolds reports whether e is still linked into its chunk.
func chunkHolds(e *refEntry) bool {
	ch := e.chunk
	pos := e.handle.slot() - ch.base
	return pos < uint64(len(ch.entries)) && ch.entries[pos] == e
}

// removeRefLocked unlinks a reference, the chain lock is held.
func (s *Store) removeRefLocked(c *ownerChain, e *refEntry) {
	if c.deleted || !chunkHolds(e) {
		return
	}
	ch := e.chunk
	ch.entries[e.handle.slot()-ch.base] = nil
	if e.pending {
		ch.pending--
	} else {
		ch.live--
	}

	g := ch.gen
	g.Lock()
	if g.refs[e.handle.slot()] == e {
		delete(g.refs, e.handle.slot())
	}
	g.dirty = true
	g.Unlock()

	s.maybeDropChunkLocked(c, ch)
}

// maybeDropChunkLocked frees an empty chunk. The last chunk of a chain in
// the active generation is kept while it still has free slots.
func (s *Store) maybeDropChunkLocked(c *ownerChain, ch *refChunk) {
	if ch.live > 0 || ch.pending > 0 {
		return
	}
	last := len(c.chunks) > 0 && c.chunks[len(c.chunks)-1] == ch

	g := ch.gen
	g.Lock()
	if last && !ch.full() && g.state == genActive {
		g.Unlock()
		return
	}
	g.pool.free(ch.cost)
	g.freedSinceImage += ch.cost
	g.dirty = true
	g.Unlock()

	for i, other := range c.chunks {
		if other == ch {
			c.chunks = append(c.chunks[:i], c.chunks[i+1:]...)
			break
		}
	}
}

// removeStateLocked unlinks a state object, the chain lock is held.
func (s *Store) removeStateLocked(c *ownerChain, e *stateEntry) EventType {
	if c.states[e.handle] != e {
		return EventNone
	}
	delete(c.states, e.handle)

	s.mgmt.Lock()
	defer s.mgmt.Unlock()
	return s.freeStateLocked(e)
}

func (s *Store) freeStateLocked(e *stateEntry) EventType {
	slot := e.handle.slot()
	if s.mgmt.states[slot] != e {
		return EventNone
	}
	delete(s.mgmt.states, slot)
	s.mgmt.releaseSlot(kindState, slot)
	s.mgmt.dirty = true
	return s.pool2.free(e.cost)
}
