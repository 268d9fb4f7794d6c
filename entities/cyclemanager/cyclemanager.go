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
	"context"
	"fmt"
	"sync"
)

type (
	// indicates whether stop of the cyclemanager was requested, allowing
	// long scans to break early and pick up again in the next cycle
	ShouldAbortCallback func() bool
	// return value indicates whether actual work was done in the cycle
	CycleCallback func(shouldAbort ShouldAbortCallback) bool
)

// CycleManager periodically runs a callback on its own goroutine. The store
// uses one for journal flushing and checkpointing, the engine one for
// message expiry and the async reference pruner.
type CycleManager interface {
	Start()
	Stop(ctx context.Context) chan bool
	StopAndWait(ctx context.Context) error
	Running() bool
}

type cycleManager struct {
	sync.RWMutex

	cycleCallback CycleCallback
	cycleTicker   CycleTicker
	running       bool
	stopSignal    chan struct{}

	stopContexts []context.Context
	stopResults  []chan bool
}

func New(cycleTicker CycleTicker, cycleCallback CycleCallback) CycleManager {
	return &cycleManager{
		cycleCallback: cycleCallback,
		cycleTicker:   cycleTicker,
		stopSignal:    make(chan struct{}, 1),
	}
}

// Start runs the cycle loop in the background. Does nothing if already
// running.
func (c *cycleManager) Start() {
	c.Lock()
	defer c.Unlock()

	if c.running {
		return
	}

	go func() {
		c.cycleTicker.Start()
		defer c.cycleTicker.Stop()

		for {
			if c.isStopRequested() {
				c.Lock()
				if c.shouldStop() {
					c.handleStopRequest(true)
					c.Unlock()
					return
				}
				c.handleStopRequest(false)
				c.Unlock()
				continue
			}
			c.cycleTicker.CycleExecuted(c.cycleCallback(c.shouldAbortCycle))
		}
	}()

	c.running = true
}

// Stop requests the loop to stop and does not block. The returned channel
// yields true once stopped, false if every stop context expired before the
// request was handled.
func (c *cycleManager) Stop(ctx context.Context) chan bool {
	c.Lock()
	defer c.Unlock()

	stopResult := make(chan bool, 1)
	if !c.running {
		stopResult <- true
		close(stopResult)
		return stopResult
	}

	if len(c.stopContexts) == 0 {
		defer func() {
			c.stopSignal <- struct{}{}
		}()
	}
	c.stopContexts = append(c.stopContexts, ctx)
	c.stopResults = append(c.stopResults, stopResult)

	return stopResult
}

// StopAndWait stops the loop and waits for the stop to happen or ctx to
// expire, whichever comes first.
func (c *cycleManager) StopAndWait(ctx context.Context) error {
	stop := c.Stop(ctx)

	select {
	case <-ctx.Done():
		// both may be ready at once, stop result wins
		select {
		case stopped := <-stop:
			if stopped {
				return nil
			}
		default:
		}
		return ctx.Err()
	case stopped := <-stop:
		if !stopped {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to stop cycle")
		}
	}
	return nil
}

func (c *cycleManager) Running() bool {
	c.RLock()
	defer c.RUnlock()

	return c.running
}

func (c *cycleManager) shouldStop() bool {
	for _, ctx := range c.stopContexts {
		if ctx.Err() == nil {
			return true
		}
	}
	return false
}

func (c *cycleManager) shouldAbortCycle() bool {
	c.RLock()
	defer c.RUnlock()

	return c.shouldStop()
}

func (c *cycleManager) isStopRequested() bool {
	select {
	case <-c.stopSignal:
	case <-c.cycleTicker.C():
		// stop has priority if both were ready
		select {
		case <-c.stopSignal:
		default:
			return false
		}
	}
	return true
}

func (c *cycleManager) handleStopRequest(stopped bool) {
	for _, stopResult := range c.stopResults {
		stopResult <- stopped
		close(stopResult)
	}
	c.running = !stopped
	c.stopContexts = nil
	c.stopResults = nil
}

// NewNoop returns a manager that never runs its callback. Used when a
// background task is disabled by configuration.
func NewNoop() CycleManager {
	return &noopCycleManager{}
}

type noopCycleManager struct {
	sync.Mutex
	running bool
}

func (c *noopCycleManager) Start() {
	c.Lock()
	defer c.Unlock()
	c.running = true
}

func (c *noopCycleManager) Stop(ctx context.Context) chan bool {
	c.Lock()
	defer c.Unlock()

	ch := make(chan bool, 1)
	if c.running && ctx.Err() != nil {
		ch <- false
	} else {
		c.running = false
		ch <- true
	}
	close(ch)
	return ch
}

func (c *noopCycleManager) StopAndWait(ctx context.Context) error {
	if <-c.Stop(ctx) {
		return nil
	}
	return ctx.Err()
}

func (c *noopCycleManager) Running() bool {
	c.Lock()
	defer c.Unlock()
	return c.running
}
