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
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weaviate/msgbroker/entities/cyclemanager"
)

// expiryReaper visits the queues holding messages with an expiry.
type expiryReaper struct {
	e        *Engine
	interval time.Duration

	mu     sync.Mutex
	queues map[QueueID]struct{}
	cycle  cyclemanager.CycleManager
}

func newExpiryReaper(e *Engine, interval time.Duration) *expiryReaper {
	return &expiryReaper{
		e:        e,
		interval: interval,
		queues:   map[QueueID]struct{}{},
		cycle:    cyclemanager.NewNoop(),
	}
}

func (r *expiryReaper) track(id QueueID) {
	r.mu.Lock()
	r.queues[id] = struct{}{}
	r.mu.Unlock()
}

func (r *expiryReaper) tracked() []QueueID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]QueueID, 0, len(r.queues))
	for id := range r.queues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *expiryReaper) untrack(id QueueID) {
	r.mu.Lock()
	delete(r.queues, id)
	r.mu.Unlock()
}

func (r *expiryReaper) start() {
	if r.interval <= 0 {
		return
	}
	r.cycle = cyclemanager.New(cyclemanager.NewFixedTicker(r.interval),
		func(shouldAbort cyclemanager.ShouldAbortCallback) bool {
			return r.reap(time.Now(), shouldAbort) > 0
		})
	r.cycle.Start()
}

func (r *expiryReaper) stop(ctx context.Context) error {
	return r.cycle.StopAndWait(ctx)
}

// reap runs one pass and returns the number of queues visited.
func (r *expiryReaper) reap(now time.Time, shouldAbort cyclemanager.ShouldAbortCallback) int {
	visited := 0
	for _, id := range r.tracked() {
		if shouldAbort != nil && shouldAbort() {
			break
		}
		if err := r.e.arena.acquire(id); err != nil {
			r.untrack(id)
			continue
		}
		q := r.e.arena.get(id)
		res := q.ReapExpiredMsgs(now, false)
		visited++

		if res == ReapRemoveQ {
			r.untrack(id)
			// a put may have raced the removal
			c := q.core()
			c.mu.Lock()
			if c.expiring > 0 && c.state != queueDeleted {
				r.track(id)
			}
			c.mu.Unlock()
		}
		r.e.arena.release(id)
	}
	return visited
}
