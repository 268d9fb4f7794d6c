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
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/weaviate/msgbroker/entities/cyclemanager"
)

// RefContext gives access to the reference chain of one owner. Only one
// context per owner can be open at a time.
type RefContext struct {
	s      *Store
	chain  *ownerChain
	closed atomic.Bool
}

func (ctx *RefContext) Owner() Handle {
	return ctx.chain.owner
}

// OpenReferenceContext opens the reference chain of owner and returns its
// summary, computed from the chunk list.
func (s *Store) OpenReferenceContext(owner Handle) (*RefContext, RefStats, error) {
	if err := s.writable(); err != nil {
		return nil, RefStats{}, err
	}
	c := s.chainOf(owner)
	if c == nil {
		return nil, RefStats{}, errors.Wrapf(ErrNotFound, "owner %s", owner)
	}

	c.Lock()
	defer c.Unlock()
	if c.deleted {
		return nil, RefStats{}, errors.Wrapf(ErrNotFound, "owner %s", owner)
	}
	if c.refCtxOpen {
		return nil, RefStats{}, errors.Wrapf(ErrTransactionConflict, "reference context of %s already open", owner)
	}
	c.refCtxOpen = true

	return &RefContext{s: s, chain: c}, c.stats(), nil
}

// CloseReferenceContext applies a pending prune and releases the context.
func (s *Store) CloseReferenceContext(ctx *RefContext) error {
	if ctx == nil || !ctx.closed.CompareAndSwap(false, true) {
		return nil
	}

	c := ctx.chain
	c.Lock()
	c.refCtxOpen = false
	pending := c.prunePending && !c.deleted
	c.Unlock()

	if pending && s.writable() == nil {
		if _, err := s.prune(c, 0, false); err != nil {
			return errors.Wrap(err, "prune on close")
		}
	}
	return nil
}

func (ctx *RefContext) check() error {
	if ctx == nil || ctx.closed.Load() {
		return errors.Wrap(ErrStateNotAvailable, "reference context closed")
	}
	return nil
}

// Stats returns the current chain summary.
func (ctx *RefContext) Stats() RefStats {
	ctx.chain.Lock()
	defer ctx.chain.Unlock()
	return ctx.chain.stats()
}

// raiseMinActiveLocked moves the minimum active order id forward and queues
// an async prune. Returns whether it moved.
func (s *Store) raiseMinActiveLocked(c *ownerChain, minActive uint64) bool {
	if minActive <= c.minActive {
		return false
	}
	c.minActive = minActive
	c.prunePending = true
	s.pruneMu.Lock()
	s.pruneQueue[c] = struct{}{}
	s.pruneMu.Unlock()
	return true
}

func (s *Store) schedulePrune(c *ownerChain) {
	c.Lock()
	c.prunePending = true
	c.Unlock()

	s.pruneMu.Lock()
	s.pruneQueue[c] = struct{}{}
	s.pruneMu.Unlock()
}

// CreateReference appends a reference to the context's chain. Raising
// minActive schedules pruning of everything below it.
func (st *Stream) CreateReference(ctx *RefContext, ref Reference, minActive uint64) (Handle, error) {
	if err := ctx.check(); err != nil {
		return NullHandle, err
	}
	release, err := st.enter()
	if err != nil {
		return NullHandle, err
	}
	defer release()

	s := st.s
	c := ctx.chain
	c.Lock()
	defer c.Unlock()

	if c.deleted {
		return NullHandle, errors.Wrapf(ErrNotFound, "owner %s", c.owner)
	}
	if c.used && ref.OrderID <= c.highest {
		return NullHandle, errors.Wrapf(ErrInvalidValue, "order id %d not above %d", ref.OrderID, c.highest)
	}
	if ref.OrderID < c.minActive || ref.OrderID < minActive {
		return NullHandle, errors.Wrapf(ErrInvalidValue, "order id %d below minimum active", ref.OrderID)
	}

	var chunk *refChunk
	if n := len(c.chunks); n > 0 && !c.chunks[n-1].full() {
		chunk = c.chunks[n-1]
	} else {
		cost := s.chunkCost()
		err := s.allocData(st, cost, func(g *generation) {
			chunk = &refChunk{
				gen:     g,
				base:    g.takeSlots(kindReference, s.cfg.RefChunkSize),
				entries: make([]*refEntry, s.cfg.RefChunkSize),
				cost:    cost,
			}
		})
		if err != nil {
			return NullHandle, errors.Wrap(err, "allocate reference chunk")
		}
		c.chunks = append(c.chunks, chunk)
	}

	pos := chunk.used
	slot := chunk.base + uint64(pos)
	e := &refEntry{
		handle:   makeHandle(chunk.gen.id, kindReference, slot),
		inc:      s.nextInc(),
		owner:    c.owner,
		ownerInc: c.inc,
		ref:      ref,
		chunk:    chunk,
		pending:  true,
	}
	chunk.entries[pos] = e
	chunk.used++
	chunk.pending++

	chunk.gen.Lock()
	chunk.gen.refs[slot] = e
	chunk.gen.Unlock()

	c.highest = ref.OrderID
	c.used = true

	op := journalOp{
		Kind:     opCreateRef,
		Handle:   e.handle,
		Inc:      e.inc,
		Owner:    c.owner,
		OwnerInc: c.inc,
		OrderID:  ref.OrderID,
		Target:   ref.Target,
		Value:    uint64(ref.Value),
		RefState: ref.State,
	}
	if s.raiseMinActiveLocked(c, minActive) {
		op.MinActive = minActive
	}
	st.ops = append(st.ops, streamOp{op: op, chain: c, ref: e, gen: chunk.gen})
	return e.handle, nil
}

// lookupRefLocked finds a committed reference of chain c.
func (s *Store) lookupRefLocked(c *ownerChain, h Handle) (*refEntry, error) {
	if h.kind() != kindReference || h.IsNull() {
		return nil, errors.Wrapf(ErrInvalidValue, "%s is not a reference handle", h)
	}
	g := s.genOf(h)
	if g == nil {
		return nil, errors.Wrapf(ErrNotFound, "reference %s", h)
	}
	g.Lock()
	e := g.refs[h.slot()]
	g.Unlock()
	if e == nil || e.owner != c.owner || e.ownerInc != c.inc || e.pending || e.deleting {
		return nil, errors.Wrapf(ErrNotFound, "reference %s", h)
	}
	return e, nil
}

// UpdateReference replaces the 8 bit state of a reference at commit.
func (st *Stream) UpdateReference(ctx *RefContext, h Handle, state uint8, minActive uint64) error {
	if err := ctx.check(); err != nil {
		return err
	}
	release, err := st.enter()
	if err != nil {
		return err
	}
	defer release()

	c := ctx.chain
	c.Lock()
	defer c.Unlock()

	e, err := st.s.lookupRefLocked(c, h)
	if err != nil {
		return err
	}
	op := journalOp{
		Kind:     opUpdateRef,
		Handle:   h,
		Inc:      e.inc,
		Owner:    c.owner,
		OwnerInc: c.inc,
		RefState: state,
	}
	if st.s.raiseMinActiveLocked(c, minActive) {
		op.MinActive = minActive
	}
	st.ops = append(st.ops, streamOp{op: op, chain: c, ref: e, gen: e.chunk.gen})
	return nil
}

// DeleteReference removes a reference at commit.
func (st *Stream) DeleteReference(ctx *RefContext, h Handle, minActive uint64) error {
	if err := ctx.check(); err != nil {
		return err
	}
	release, err := st.enter()
	if err != nil {
		return err
	}
	defer release()

	c := ctx.chain
	c.Lock()
	defer c.Unlock()

	e, err := st.s.lookupRefLocked(c, h)
	if err != nil {
		return err
	}
	e.deleting = true
	op := journalOp{
		Kind:     opDeleteRef,
		Handle:   h,
		Inc:      e.inc,
		Owner:    c.owner,
		OwnerInc: c.inc,
	}
	if st.s.raiseMinActiveLocked(c, minActive) {
		op.MinActive = minActive
	}
	st.ops = append(st.ops, streamOp{op: op, chain: c, ref: e, gen: e.chunk.gen})
	return nil
}

// PruneReferences discards all references below minActive (whole chunks
// where possible) and returns the refreshed chain summary. It is not part
// of any transaction.
func (s *Store) PruneReferences(ctx *RefContext, minActive uint64) (RefStats, error) {
	if err := ctx.check(); err != nil {
		return RefStats{}, err
	}
	if err := s.writable(); err != nil {
		return RefStats{}, err
	}
	return s.prune(ctx.chain, minActive, false)
}

// SetMinActiveOrderID raises the minimum active order id, pruning happens
// asynchronously.
func (s *Store) SetMinActiveOrderID(ctx *RefContext, minActive uint64) error {
	if err := ctx.check(); err != nil {
		return err
	}
	c := ctx.chain
	c.Lock()
	defer c.Unlock()
	s.raiseMinActiveLocked(c, minActive)
	return nil
}

var errPruneContended = errors.New("reference chain busy")

// prune removes references of c below max(minActive, c.minActive) and
// journals the new minimum. bestEffort gives up on a contended chain.
func (s *Store) prune(c *ownerChain, minActive uint64, bestEffort bool) (RefStats, error) {
	s.quiesce.RLock()
	defer s.quiesce.RUnlock()
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if bestEffort {
		if !c.TryLock() {
			return RefStats{}, errPruneContended
		}
	} else {
		c.Lock()
	}
	defer c.Unlock()

	if c.deleted {
		return RefStats{}, errors.Wrapf(ErrNotFound, "owner %s", c.owner)
	}
	if minActive > c.minActive {
		c.minActive = minActive
	}
	c.prunePending = false

	removed := s.pruneChainLocked(c)
	if err := s.journalLocked(journalOp{
		Kind:      opPrune,
		Owner:     c.owner,
		OwnerInc:  c.inc,
		MinActive: c.minActive,
	}); err != nil {
		return RefStats{}, err
	}
	s.metrics.pruned(removed)
	return c.stats(), nil
}

// pruneChainLocked drops committed references below c.minActive and returns
// how many went away.
func (s *Store) pruneChainLocked(c *ownerChain) int {
	removed := 0
	for i := 0; i < len(c.chunks); {
		ch := c.chunks[i]
		if ch.live+ch.pending > 0 && ch.minOrder() >= c.minActive {
			break
		}

		if ch.pending == 0 && ch.maxOrder() < c.minActive {
			// entire chunk is below the minimum
			removed += ch.live
			g := ch.gen
			g.Lock()
			for _, e := range ch.entries {
				if e != nil && g.refs[e.handle.slot()] == e {
					delete(g.refs, e.handle.slot())
				}
			}
			g.dirty = true
			g.Unlock()
			for j := range ch.entries {
				ch.entries[j] = nil
			}
			ch.live = 0
			before := len(c.chunks)
			s.maybeDropChunkLocked(c, ch)
			if len(c.chunks) == before {
				i++
			}
			continue
		}

		for _, e := range ch.entries {
			if e != nil && !e.pending && e.ref.OrderID < c.minActive {
				removed++
				s.removeRefLocked(c, e)
			}
		}
		// removeRefLocked may have dropped ch
		if i < len(c.chunks) && c.chunks[i] == ch {
			i++
		}
	}
	return removed
}

// journalLocked appends an autocommitted frame, commitMu is held.
func (s *Store) journalLocked(ops ...journalOp) error {
	if s.journal == nil {
		return errors.Wrap(ErrStateNotAvailable, "journal closed")
	}
	payload, err := encodeFrame(journalFrame{Seq: s.frameSeq.Add(1), Ops: ops})
	if err != nil {
		return err
	}
	n, err := s.journal.append(payload)
	if err != nil {
		return err
	}
	s.metrics.journalWritten(n)
	s.mirrorFrame(payload)
	return nil
}

// processPrunes works through the queue of chains whose minimum moved.
func (s *Store) processPrunes(shouldAbort cyclemanager.ShouldAbortCallback, bestEffort bool) bool {
	s.pruneMu.Lock()
	queued := make([]*ownerChain, 0, len(s.pruneQueue))
	for c := range s.pruneQueue {
		queued = append(queued, c)
	}
	s.pruneQueue = map[*ownerChain]struct{}{}
	s.pruneMu.Unlock()

	if len(queued) == 0 {
		return false
	}

	var retry []*ownerChain
	for i, c := range queued {
		if shouldAbort() {
			retry = append(retry, queued[i:]...)
			break
		}
		_, err := s.prune(c, 0, bestEffort)
		switch {
		case err == nil, errors.Is(err, ErrNotFound):
		case errors.Is(err, errPruneContended):
			retry = append(retry, c)
		default:
			s.logger.WithField("action", "store_prune_references").
				WithField("owner", c.owner.String()).
				WithError(err).
				Warn("pruning references failed, retrying")
			retry = append(retry, c)
		}
	}

	if len(retry) > 0 {
		s.pruneMu.Lock()
		for _, c := range retry {
			s.pruneQueue[c] = struct{}{}
		}
		s.pruneMu.Unlock()
	}
	return true
}

// ReadReference returns a committed reference and its owner.
func (s *Store) ReadReference(h Handle) (Reference, Handle, error) {
	if h.kind() != kindReference || h.IsNull() {
		return Reference{}, NullHandle, errors.Wrapf(ErrInvalidValue, "%s is not a reference handle", h)
	}
	g := s.genOf(h)
	if g == nil {
		return Reference{}, NullHandle, errors.Wrapf(ErrNotFound, "reference %s", h)
	}
	g.Lock()
	defer g.Unlock()
	e := g.refs[h.slot()]
	if e == nil || e.pending {
		return Reference{}, NullHandle, errors.Wrapf(ErrNotFound, "reference %s", h)
	}
	return e.ref, e.owner, nil
}

// ReferenceOwner returns the owner of a reference.
func (s *Store) ReferenceOwner(h Handle) (Handle, error) {
	_, owner, err := s.ReadReference(h)
	return owner, err
}

// ForEachReference calls fn for every committed reference of owner in order
// id order. fn runs without store locks held.
func (s *Store) ForEachReference(owner Handle, fn func(h Handle, ref Reference) error) error {
	c := s.chainOf(owner)
	if c == nil {
		return errors.Wrapf(ErrNotFound, "owner %s", owner)
	}

	c.Lock()
	entries := c.orderedRefs()
	type item struct {
		h   Handle
		ref Reference
	}
	items := make([]item, len(entries))
	for i, e := range entries {
		items[i] = item{e.handle, e.ref}
	}
	c.Unlock()

	for _, it := range items {
		if err := fn(it.h, it.ref); err != nil {
			return err
		}
	}
	return nil
}
