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
	"sync/atomic"

	"github.com/pkg/errors"
)

// StateContext gives access to the unordered state objects of one owner.
type StateContext struct {
	s      *Store
	chain  *ownerChain
	closed atomic.Bool
}

func (ctx *StateContext) Owner() Handle {
	return ctx.chain.owner
}

func (s *Store) OpenStateContext(owner Handle) (*StateContext, error) {
	if err := s.writable(); err != nil {
		return nil, err
	}
	c := s.chainOf(owner)
	if c == nil {
		return nil, errors.Wrapf(ErrNotFound, "owner %s", owner)
	}

	c.Lock()
	defer c.Unlock()
	if c.deleted {
		return nil, errors.Wrapf(ErrNotFound, "owner %s", owner)
	}
	if c.stateCtxOpen {
		return nil, errors.Wrapf(ErrTransactionConflict, "state context of %s already open", owner)
	}
	c.stateCtxOpen = true
	return &StateContext{s: s, chain: c}, nil
}

func (s *Store) CloseStateContext(ctx *StateContext) {
	if ctx == nil || !ctx.closed.CompareAndSwap(false, true) {
		return
	}
	ctx.chain.Lock()
	ctx.chain.stateCtxOpen = false
	ctx.chain.Unlock()
}

func (ctx *StateContext) check() error {
	if ctx == nil || ctx.closed.Load() {
		return errors.Wrap(ErrStateNotAvailable, "state context closed")
	}
	return nil
}

// CreateState adds a state object to the context's owner at commit.
func (st *Stream) CreateState(ctx *StateContext, obj StateObject) (Handle, error) {
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

	e := &stateEntry{
		inc:      s.nextInc(),
		owner:    c.owner,
		ownerInc: c.inc,
		obj:      obj,
		pending:  true,
	}

	var ev EventType
	s.mgmt.Lock()
	e.cost = s.pool2.cost(stateEntrySize)
	ev, err = s.pool2.alloc(e.cost)
	if err == nil {
		slot := s.mgmt.takeSlot(kindState)
		e.handle = makeHandle(MgmtGenID, kindState, slot)
		s.mgmt.states[slot] = e
	}
	s.mgmt.Unlock()
	st.events = append(st.events, ev)
	if err != nil {
		return NullHandle, errors.Wrap(err, "create state object")
	}

	c.states[e.handle] = e
	st.ops = append(st.ops, streamOp{
		op: journalOp{
			Kind:     opCreateState,
			Handle:   e.handle,
			Inc:      e.inc,
			Owner:    c.owner,
			OwnerInc: c.inc,
			Key:      obj.Key,
			Value:    obj.Value,
		},
		chain: c,
		state: e,
	})
	return e.handle, nil
}

// DeleteState removes a state object at commit.
func (st *Stream) DeleteState(ctx *StateContext, h Handle) error {
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

	e := c.states[h]
	if e == nil || e.pending || e.deleting {
		return errors.Wrapf(ErrNotFound, "state %s", h)
	}
	e.deleting = true
	st.ops = append(st.ops, streamOp{
		op: journalOp{
			Kind:     opDeleteState,
			Handle:   h,
			Inc:      e.inc,
			Owner:    c.owner,
			OwnerInc: c.inc,
		},
		chain: c,
		state: e,
	})
	return nil
}

// ForEachState calls fn for every committed state object of owner, ordered
// by handle.
func (s *Store) ForEachState(owner Handle, fn func(h Handle, obj StateObject) error) error {
	c := s.chainOf(owner)
	if c == nil {
		return errors.Wrapf(ErrNotFound, "owner %s", owner)
	}

	type item struct {
		h   Handle
		obj StateObject
	}
	c.Lock()
	items := make([]item, 0, len(c.states))
	for h, e := range c.states {
		if !e.pending {
			items = append(items, item{h, e.obj})
		}
	}
	c.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].h < items[j].h })

	for _, it := range items {
		if err := fn(it.h, it.obj); err != nil {
			return err
		}
	}
	return nil
}
