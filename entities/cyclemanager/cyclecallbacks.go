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

package cyclemanager

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type UnregisterFunc func()

// CycleCallbackGroup combines several callbacks into one CycleCallback that
// can be handed to a single CycleManager. Callbacks run concurrently, limited
// to routinesLimit. A panicking callback is logged and counted as idle.
type CycleCallbackGroup interface {
	Register(id string, cycleCallback CycleCallback) UnregisterFunc
	CycleCallback(shouldAbort ShouldAbortCallback) bool
}

type cycleCallbackGroup struct {
	sync.Mutex

	logger        logrus.FieldLogger
	groupID       string
	routinesLimit int
	nextID        uint32
	callbackIDs   []uint32
	callbacks     map[uint32]namedCallback
}

type namedCallback struct {
	id string
	cb CycleCallback
}

func NewCycleCallbackGroup(id string, logger logrus.FieldLogger, routinesLimit int) CycleCallbackGroup {
	if routinesLimit < 1 {
		routinesLimit = 1
	}
	return &cycleCallbackGroup{
		logger:        logger,
		groupID:       id,
		routinesLimit: routinesLimit,
		callbacks:     map[uint32]namedCallback{},
	}
}

func (g *cycleCallbackGroup) Register(id string, cycleCallback CycleCallback) UnregisterFunc {
	g.Lock()
	defer g.Unlock()

	callbackID := g.nextID
	g.nextID++
	g.callbackIDs = append(g.callbackIDs, callbackID)
	g.callbacks[callbackID] = namedCallback{id: id, cb: cycleCallback}

	return func() {
		g.Lock()
		defer g.Unlock()

		delete(g.callbacks, callbackID)
		for i, cid := range g.callbackIDs {
			if cid == callbackID {
				g.callbackIDs = append(g.callbackIDs[:i], g.callbackIDs[i+1:]...)
				break
			}
		}
	}
}

func (g *cycleCallbackGroup) CycleCallback(shouldAbort ShouldAbortCallback) bool {
	g.Lock()
	callbacks := make([]namedCallback, 0, len(g.callbackIDs))
	for _, cid := range g.callbackIDs {
		callbacks = append(callbacks, g.callbacks[cid])
	}
	g.Unlock()

	eg := &errgroup.Group{}
	eg.SetLimit(g.routinesLimit)
	lock := new(sync.Mutex)
	executed := false

	for _, c := range callbacks {
		if shouldAbort() {
			break
		}
		c := c
		eg.Go(func() error {
			if shouldAbort() {
				return nil
			}
			defer g.recover(c.id)

			ex := c.cb(shouldAbort)
			lock.Lock()
			executed = executed || ex
			lock.Unlock()
			return nil
		})
	}

	eg.Wait()
	return executed
}

func (g *cycleCallbackGroup) recover(callbackID string) {
	if r := recover(); r != nil {
		g.logger.WithFields(logrus.Fields{
			"action":      "cyclemanager",
			"callback_id": callbackID,
			"group_id":    g.groupID,
		}).Errorf("callback panic: %v", r)
	}
}
