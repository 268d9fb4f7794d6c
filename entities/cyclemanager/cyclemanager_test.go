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
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleManagerRunsCallbackUntilStopped(t *testing.T) {
	var calls atomic.Int32
	cm := New(NewFixedTicker(5*time.Millisecond), func(shouldAbort ShouldAbortCallback) bool {
		calls.Add(1)
		return true
	})

	assert.False(t, cm.Running())
	cm.Start()
	assert.True(t, cm.Running())

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cm.StopAndWait(ctx))
	assert.False(t, cm.Running())

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestCycleManagerStopNotRunning(t *testing.T) {
	cm := New(NewFixedTicker(time.Millisecond), func(ShouldAbortCallback) bool { return false })
	stopped := <-cm.Stop(context.Background())
	assert.True(t, stopped)
}

func TestCycleManagerStopWithExpiredContext(t *testing.T) {
	cm := New(NewFixedTicker(time.Hour), func(ShouldAbortCallback) bool { return false })
	cm.Start()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cm.StopAndWait(ctx)
	require.Error(t, err)
	assert.True(t, cm.Running())

	require.NoError(t, cm.StopAndWait(context.Background()))
	assert.False(t, cm.Running())
}

func TestNoopCycleManager(t *testing.T) {
	cm := NewNoop()
	cm.Start()
	assert.True(t, cm.Running())
	require.NoError(t, cm.StopAndWait(context.Background()))
	assert.False(t, cm.Running())
}

func TestLinearToIntervals(t *testing.T) {
	tests := []struct {
		name     string
		min, max time.Duration
		steps    uint
		expected []time.Duration
	}{
		{"invalid", 0, time.Second, 3, nil},
		{"no steps", time.Second, 2 * time.Second, 0, []time.Duration{time.Second}},
		{"equal bounds", time.Second, time.Second, 4, []time.Duration{time.Second}},
		{
			"four steps", 100 * time.Millisecond, 500 * time.Millisecond, 4,
			[]time.Duration{
				100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond,
				400 * time.Millisecond, 500 * time.Millisecond,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, linearToIntervals(tt.min, tt.max, tt.steps))
		})
	}
}

func TestLinearTickerBacksOffWhenIdle(t *testing.T) {
	ticker := NewLinearTicker(time.Millisecond, 3*time.Millisecond, 2).(*backoffTicker)
	ticker.Start()
	defer ticker.Stop()

	<-ticker.C()
	ticker.CycleExecuted(false)
	assert.Equal(t, 1, ticker.idle)
	<-ticker.C()
	ticker.CycleExecuted(false)
	<-ticker.C()
	ticker.CycleExecuted(false)
	assert.Equal(t, 2, ticker.idle)
	<-ticker.C()
	ticker.CycleExecuted(true)
	assert.Equal(t, 0, ticker.idle)
}

func TestCycleCallbackGroup(t *testing.T) {
	logger, hook := test.NewNullLogger()
	group := NewCycleCallbackGroup("store", logger, 2)

	var a, b atomic.Int32
	group.Register("flush", func(ShouldAbortCallback) bool {
		a.Add(1)
		return false
	})
	unregister := group.Register("checkpoint", func(ShouldAbortCallback) bool {
		b.Add(1)
		return true
	})
	group.Register("broken", func(ShouldAbortCallback) bool {
		panic("boom")
	})

	never := func() bool { return false }
	assert.True(t, group.CycleCallback(never))
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), b.Load())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "broken", hook.LastEntry().Data["callback_id"])

	unregister()
	assert.False(t, group.CycleCallback(never))
	assert.Equal(t, int32(2), a.Load())
	assert.Equal(t, int32(1), b.Load())

	always := func() bool { return true }
	assert.False(t, group.CycleCallback(always))
	assert.Equal(t, int32(2), a.Load())
}
