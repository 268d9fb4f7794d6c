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

package engine

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// QueueID is the stable index of a queue in the arena.
type QueueID uint32

type arenaSlot struct {
	q Queue
	// the name binding holds one use, waiters and transactions one each
	uses atomic.Int32
}

// queueArena owns all queues. A queue is swept once it is marked deleted
// and its use count drops to zero.
type queueArena struct {
	mu     sync.RWMutex
	slots  map[QueueID]*arenaSlot
	byName map[string]QueueID
	nextID QueueID

	sweep func(q Queue)
}

func newQueueArena(sweep func(q Queue)) *queueArena {
	return &queueArena{
		slots:  map[QueueID]*arenaSlot{},
		byName: map[string]QueueID{},
		sweep:  sweep,
	}
}

// add registers q, with bind also under its name.
func (a *queueArena) add(q Queue, bind bool) (QueueID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	name := q.Name()
	if bind {
		if _, ok := a.byName[name]; ok {
			return 0, errors.Wrapf(ErrQueueExists, "queue %s", name)
		}
	}
	a.nextID++
	id := a.nextID
	slot := &arenaSlot{q: q}
	slot.uses.Store(1)
	a.slots[id] = slot
	if bind {
		a.byName[name] = id
	}
	q.core().id = id
	return id, nil
}

// lookup returns the named queue with a use taken, the caller releases it.
func (a *queueArena) lookup(name string) (Queue, error) {
	a.mu.RLock()
	id, ok := a.byName[name]
	a.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrQueueDeleted, "queue %s not found", name)
	}
	if err := a.acquire(id); err != nil {
		return nil, err
	}
	return a.get(id), nil
}

func (a *queueArena) get(id QueueID) Queue {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if slot, ok := a.slots[id]; ok {
		return slot.q
	}
	return nil
}

func (a *queueArena) acquire(id QueueID) error {
	a.mu.RLock()
	slot, ok := a.slots[id]
	a.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrQueueDeleted, "queue %d", id)
	}
	for {
		n := slot.uses.Load()
		if n <= 0 {
			return errors.Wrapf(ErrQueueDeleted, "queue %d", id)
		}
		if slot.uses.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// release drops a use. The last release of a marked deleted queue sweeps
// it. Callers must not hold the queue lock.
func (a *queueArena) release(id QueueID) {
	a.mu.RLock()
	slot, ok := a.slots[id]
	a.mu.RUnlock()
	if !ok {
		return
	}
	if slot.uses.Add(-1) > 0 {
		return
	}
	a.mu.Lock()
	delete(a.slots, id)
	if cur, ok := a.byName[slot.q.Name()]; ok && cur == id {
		delete(a.byName, slot.q.Name())
	}
	a.mu.Unlock()
	a.sweep(slot.q)
}

// unbind removes the name so the queue can no longer be looked up. It
// returns the queue; its name use is released with release.
func (a *queueArena) unbind(name string) (Queue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byName[name]
	if !ok {
		return nil, errors.Wrapf(ErrQueueDeleted, "queue %s not found", name)
	}
	delete(a.byName, name)
	return a.slots[id].q, nil
}

func (a *queueArena) uses(id QueueID) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if slot, ok := a.slots[id]; ok {
		return int(slot.uses.Load())
	}
	return 0
}

func (a *queueArena) names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.byName))
	for name := range a.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (a *queueArena) all() []Queue {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]QueueID, 0, len(a.slots))
	for id := range a.slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Queue, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.slots[id].q)
	}
	return out
}
