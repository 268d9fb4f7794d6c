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
	"time"
)

// CycleTicker drives a CycleManager. After every cycle the manager reports
// whether any callback did actual work, which lets idle tickers slow down.
type CycleTicker interface {
	Start()
	Stop()
	C() <-chan time.Time
	CycleExecuted(executed bool)
}

type fixedTicker struct {
	interval time.Duration
	ticker   *time.Ticker
	ch       chan time.Time
}

// NewFixedTicker ticks every interval regardless of cycle results.
// Non-positive interval gives a ticker that never fires.
func NewFixedTicker(interval time.Duration) CycleTicker {
	return &fixedTicker{interval: interval, ch: make(chan time.Time)}
}

func (t *fixedTicker) Start() {
	if t.interval <= 0 || t.ticker != nil {
		return
	}
	t.ticker = time.NewTicker(t.interval)
}

func (t *fixedTicker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
}

func (t *fixedTicker) C() <-chan time.Time {
	if t.ticker == nil {
		return t.ch
	}
	return t.ticker.C
}

func (t *fixedTicker) CycleExecuted(executed bool) {}

// backoffTicker starts at minInterval and grows linearly towards maxInterval
// in the given number of steps for every consecutive idle cycle. A cycle
// with work resets it to minInterval.
type backoffTicker struct {
	intervals []time.Duration
	idle      int
	timer     *time.Timer
	ch        chan time.Time
}

func NewLinearTicker(minInterval, maxInterval time.Duration, steps uint) CycleTicker {
	return &backoffTicker{
		intervals: linearToIntervals(minInterval, maxInterval, steps),
		ch:        make(chan time.Time),
	}
}

func (t *backoffTicker) Start() {
	if t.timer != nil || len(t.intervals) == 0 {
		return
	}
	t.timer = time.NewTimer(t.intervals[0])
}

func (t *backoffTicker) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *backoffTicker) C() <-chan time.Time {
	if t.timer == nil {
		return t.ch
	}
	return t.timer.C
}

func (t *backoffTicker) CycleExecuted(executed bool) {
	if t.timer == nil {
		return
	}
	if executed {
		t.idle = 0
	} else if t.idle < len(t.intervals)-1 {
		t.idle++
	}
	t.timer.Reset(t.intervals[t.idle])
}

func linearToIntervals(minInterval, maxInterval time.Duration, steps uint) []time.Duration {
	if minInterval <= 0 || maxInterval < minInterval {
		return nil
	}
	if steps == 0 || minInterval == maxInterval {
		return []time.Duration{minInterval}
	}

	delta := (maxInterval - minInterval) / time.Duration(steps)
	intervals := make([]time.Duration, 0, steps+1)
	for i := uint(0); i < steps; i++ {
		intervals = append(intervals, minInterval+time.Duration(i)*delta)
	}
	return append(intervals, maxInterval)
}
