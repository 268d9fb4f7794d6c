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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

func TestSimpleQueueConsumesOnDelivery(t *testing.T) {
	e := startEngine(t, t.TempDir())

	q, err := e.CreateQueue("orders", Simple, 0, Policy{})
	require.NoError(t, err)
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(nil, persistentMsg(p), InputInherit))
	}
	assert.Equal(t, 3, countRecords(t, e, store.RecordTypeMessage))

	r := &recorder{}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))

	assert.Equal(t, []string{"a", "b", "c"}, r.payloads())
	stats := q.Stats()
	assert.Equal(t, 0, stats.Depth)
	assert.Equal(t, uint64(3), stats.Enqueued)
	assert.Equal(t, uint64(3), stats.Dequeued)
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeMessage))

	_, err = q.PrepareAck(r.got()[0])
	assert.ErrorIs(t, err, store.ErrInvalidValue)

	require.NoError(t, q.TermWaiter(r))
	e = restart(t, e)
	defer stopEngine(t, e)
	assert.Equal(t, 0, mustQueue(t, e, "orders").Stats().Depth)
}

func TestWaiterLimits(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	tests := []struct {
		name    string
		qtype   QueueType
		options QueueOptions
		second  error
	}{
		{"simple", Simple, 0, ErrWaiterInUse},
		{"intermediate", Intermediate, 0, ErrWaiterInUse},
		{"multi consumer", MultiConsumer, 0, nil},
		{"multi consumer single only", MultiConsumer, OptionSingleConsumerOnly, ErrWaiterInUse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := e.CreateQueue(tt.name, tt.qtype, tt.options, Policy{})
			require.NoError(t, err)

			first, second := &recorder{}, &recorder{}
			require.NoError(t, q.InitWaiter(first))
			assert.ErrorIs(t, q.InitWaiter(first), ErrWaiterInUse)

			err = q.InitWaiter(second)
			if tt.second == nil {
				assert.NoError(t, err)
				assert.Equal(t, 2, q.Stats().Waiters)
			} else {
				assert.ErrorIs(t, err, tt.second)
			}
		})
	}
}

func TestMultiConsumerRoundRobin(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("work", MultiConsumer, 0, Policy{})
	require.NoError(t, err)

	a, b := &recorder{}, &recorder{}
	for _, r := range []*recorder{a, b} {
		require.NoError(t, q.InitWaiter(r))
		require.NoError(t, q.EnableWaiter(r))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Put(nil, persistentMsg("m"), InputInherit))
	}

	assert.Len(t, a.got(), 2)
	assert.Len(t, b.got(), 2)
	assert.Equal(t, 4, q.Stats().Inflight)
}

func TestAcknowledgeRemovesMessage(t *testing.T) {
	e := startEngine(t, t.TempDir())

	q, err := e.CreateQueue("acks", Intermediate, 0, Policy{})
	require.NoError(t, err)
	require.NoError(t, q.Put(nil, persistentMsg("first"), InputInherit))
	require.NoError(t, q.Put(nil, persistentMsg("second"), InputInherit))

	r := &recorder{}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))
	require.Len(t, r.got(), 2)

	ack(t, r.got()[0], false)
	stats := q.Stats()
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, 1, stats.Inflight)
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeMessage))

	// acknowledging twice finds nothing
	_, err = q.PrepareAck(r.got()[0])
	assert.ErrorIs(t, err, store.ErrNotFound)

	e = restart(t, e)
	defer stopEngine(t, e)

	q = mustQueue(t, e, "acks")
	assert.Equal(t, 1, q.Stats().Depth)
	again := &recorder{}
	require.NoError(t, q.InitWaiter(again))
	require.NoError(t, q.EnableWaiter(again))
	assert.Equal(t, []string{"second"}, again.payloads())
}

func TestLazyAcknowledgementsAreBatched(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("lazy", Intermediate, 0, Policy{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Put(nil, persistentMsg("m"), InputInherit))
	}
	r := &recorder{}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))

	for _, d := range r.got() {
		ack(t, d, true)
	}
	assert.Equal(t, 0, q.Stats().Depth)
	// below the batch size of 4 the records are still there
	assert.Equal(t, 3, countRecords(t, e, store.RecordTypeMessage))

	require.NoError(t, q.CompleteAckBatch())
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeMessage))
}

func TestMaxMessageCountRejects(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("small", Intermediate, 0, Policy{MaxMessageCount: 2})
	require.NoError(t, err)
	require.NoError(t, q.Put(nil, persistentMsg("1"), InputInherit))
	require.NoError(t, q.Put(nil, persistentMsg("2"), InputInherit))

	err = q.Put(nil, persistentMsg("3"), InputInherit)
	assert.ErrorIs(t, err, ErrDestinationFull)
	assert.Equal(t, uint64(1), q.Stats().Rejected)
	assert.Equal(t, 2, q.Stats().Depth)
}

func TestDiscardOldestMakesRoom(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("ring", Intermediate, 0, Policy{MaxMessageCount: 10, DiscardOldest: true})
	require.NoError(t, err)
	for i := 0; i < 11; i++ {
		require.NoError(t, q.Put(nil, persistentMsg(string(rune('a'+i))), InputInherit))
	}

	stats := q.Stats()
	assert.Equal(t, 10, stats.Depth)
	assert.Equal(t, uint64(1), stats.Discarded)
	assert.Equal(t, 10, countRecords(t, e, store.RecordTypeMessage))

	r := &recorder{limit: 1}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))
	assert.Equal(t, []string{"b"}, r.payloads())
}

func TestReclaimSpace(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("reclaim", Intermediate, 0, Policy{MaxMessageCount: 100})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Put(nil, NewMessage(MessageHeader{}, nil, []byte("m")), InputInherit))
	}

	// down to 1 + 95% of the maximum
	assert.Equal(t, 4, q.ReclaimSpace(true))
	assert.Equal(t, 96, q.Stats().Depth)
	assert.Equal(t, 0, q.ReclaimSpace(true))
}

func TestReapExpiredMessages(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("expiring", Intermediate, 0, Policy{})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, q.Put(nil, expiringMsg("old", now.Add(-time.Second)), InputInherit))
	require.NoError(t, q.Put(nil, persistentMsg("keep"), InputInherit))

	// expired messages are never delivered
	r := &recorder{}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))
	assert.Equal(t, []string{"keep"}, r.payloads())
	require.NoError(t, q.DisableWaiter(r))

	q.core().expiryMu.Lock()
	assert.Equal(t, ReapNoExpiryLock, q.ReapExpiredMsgs(now, false))
	q.core().expiryMu.Unlock()

	assert.Equal(t, ReapRemoveQ, q.ReapExpiredMsgs(now, false))
	assert.Equal(t, uint64(1), q.Stats().Expired)
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeMessage))

	// through the engine wide reaper
	require.NoError(t, q.Put(nil, expiringMsg("soon", now.Add(time.Hour)), InputInherit))
	assert.Equal(t, 1, e.ReapExpired(now))
	assert.Equal(t, uint64(1), q.Stats().Expired)
	assert.Equal(t, 1, e.ReapExpired(now.Add(2*time.Hour)))
	assert.Equal(t, uint64(2), q.Stats().Expired)
	assert.Equal(t, 0, e.ReapExpired(now.Add(3*time.Hour)))
}

func TestExpiryIsTheSameAfterRestart(t *testing.T) {
	e := startEngine(t, t.TempDir())

	due := time.Unix(1_900_000_011, 900_000_000)
	m := expiringMsg("due", due)
	assert.True(t, m.Header.Expiry.Equal(time.Unix(1_900_000_012, 0)))

	q, err := e.CreateQueue("expiring", Intermediate, 0, Policy{})
	require.NoError(t, err)
	require.NoError(t, q.Put(nil, m, InputInherit))

	justAfterDue := time.Unix(1_900_000_011, 950_000_000)
	q.ReapExpiredMsgs(justAfterDue, true)
	assert.Equal(t, uint64(0), q.Stats().Expired)

	e = restart(t, e)
	defer stopEngine(t, e)
	q = mustQueue(t, e, "expiring")

	q.ReapExpiredMsgs(justAfterDue, true)
	assert.Equal(t, uint64(0), q.Stats().Expired)
	assert.Equal(t, 1, q.Stats().Depth)

	q.ReapExpiredMsgs(time.Unix(1_900_000_012, 0), true)
	assert.Equal(t, uint64(1), q.Stats().Expired)
	assert.Equal(t, 0, q.Stats().Depth)
}

func TestRelinquishRedelivers(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("nack", Intermediate, 0, Policy{})
	require.NoError(t, err)
	require.NoError(t, q.Put(nil, persistentMsg("m"), InputInherit))
	require.NoError(t, q.Put(nil, persistentMsg("n"), InputInherit))

	r := &recorder{limit: 1}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))
	require.Len(t, r.got(), 1)
	first := r.got()[0]
	assert.False(t, first.Redelivered())

	require.NoError(t, q.Relinquish(first, true))
	r.limit = 3
	require.NoError(t, q.EnableWaiter(r))

	got := r.got()
	require.Len(t, got, 3)
	assert.Equal(t, "m", string(got[1].Message.Payload))
	assert.True(t, got[1].Redelivered())
	assert.Equal(t, uint32(2), got[1].DeliveryCount)

	// without redelivery the message is gone
	require.NoError(t, q.Relinquish(got[2], false))
	assert.Equal(t, uint64(1), q.Stats().Discarded)
	assert.Equal(t, 1, q.Stats().Depth)
}

func TestDrainKeepsInflight(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("drain", Intermediate, 0, Policy{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Put(nil, persistentMsg("m"), InputInherit))
	}
	r := &recorder{limit: 1}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))

	require.NoError(t, q.Drain())
	stats := q.Stats()
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, 1, stats.Inflight)
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeMessage))
}

func TestMessageSharedBetweenQueues(t *testing.T) {
	e := startEngine(t, t.TempDir())

	q1, err := e.CreateQueue("one", Simple, 0, Policy{})
	require.NoError(t, err)
	q2, err := e.CreateQueue("two", Simple, 0, Policy{})
	require.NoError(t, err)

	m := persistentMsg("shared")
	require.NoError(t, q1.Put(nil, m, InputRefCount))
	require.NoError(t, q2.Put(nil, m, InputRefCount))
	assert.Equal(t, 3, m.UsageCount())
	m.Release()
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeMessage))

	e = restart(t, e)
	defer stopEngine(t, e)
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeMessage))

	r1, r2 := &recorder{}, &recorder{}
	q1, q2 = mustQueue(t, e, "one"), mustQueue(t, e, "two")
	require.NoError(t, q1.InitWaiter(r1))
	require.NoError(t, q1.EnableWaiter(r1))
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeMessage))
	require.NoError(t, q2.InitWaiter(r2))
	require.NoError(t, q2.EnableWaiter(r2))

	require.Len(t, r1.got(), 1)
	require.Len(t, r2.got(), 1)
	assert.Same(t, r1.got()[0].Message, r2.got()[0].Message)
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeMessage))
}

func TestInputTreatment(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("usage", Intermediate, OptionTemporary, Policy{})
	require.NoError(t, err)

	inherited := persistentMsg("a")
	require.NoError(t, q.Put(nil, inherited, InputInherit))
	assert.Equal(t, 1, inherited.UsageCount())

	counted := persistentMsg("b")
	require.NoError(t, q.Put(nil, counted, InputRefCount))
	assert.Equal(t, 2, counted.UsageCount())

	// temporary queues store nothing
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeMessage))
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeQueue))
}

func TestRecoveringQueueOnlyRehydrates(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := createQ(e, "rec", Intermediate, OptionInRecovery, Policy{}, store.NullHandle, store.NullHandle)
	require.NoError(t, err)

	assert.ErrorIs(t, q.Put(nil, persistentMsg("m"), InputInherit), store.ErrStateNotAvailable)
	assert.ErrorIs(t, q.InitWaiter(&recorder{}), store.ErrStateNotAvailable)

	q.core().completeRehydrate()
	assert.NoError(t, q.Put(nil, persistentMsg("m"), InputInherit))
	assert.False(t, q.Options().Has(OptionInRecovery))
}
