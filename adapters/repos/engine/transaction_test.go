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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

func TestTransactionalPutCommit(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("txn", Intermediate, 0, Policy{})
	require.NoError(t, err)
	r := &recorder{}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))

	txn, err := e.BeginTransaction([]byte("xid-1"), false)
	require.NoError(t, err)
	require.NoError(t, q.Put(txn, persistentMsg("t1"), InputInherit))
	require.NoError(t, q.Put(txn, persistentMsg("t2"), InputInherit))

	// invisible until committed
	assert.Empty(t, r.got())
	assert.Equal(t, 0, q.Stats().Depth)
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeTransaction))
	assert.Equal(t, 2, countRecords(t, e, store.RecordTypeMessage))

	require.NoError(t, txn.Commit())
	assert.Equal(t, []string{"t1", "t2"}, r.payloads())
	assert.Equal(t, uint64(2), q.Stats().Enqueued)
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeTransaction))

	assert.ErrorIs(t, txn.Commit(), ErrTranFinished)
	assert.ErrorIs(t, txn.Rollback(), ErrTranFinished)
	assert.ErrorIs(t, q.Put(txn, persistentMsg("late"), InputInherit), ErrTranFinished)
}

func TestTransactionalPutRollback(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("txn", Intermediate, 0, Policy{})
	require.NoError(t, err)

	txn, err := e.BeginTransaction(nil, false)
	require.NoError(t, err)
	m := persistentMsg("gone")
	require.NoError(t, q.Put(txn, m, InputRefCount))
	require.NoError(t, q.Put(txn, NewMessage(MessageHeader{}, nil, []byte("volatile")), InputInherit))
	assert.Equal(t, 2, m.UsageCount())

	require.NoError(t, txn.Rollback())
	assert.Equal(t, 1, m.UsageCount())
	assert.Equal(t, 0, q.Stats().Depth)
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeMessage))
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeTransaction))

	r := &recorder{}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))
	assert.Empty(t, r.got())
}

func TestTransactionalPutsCountTowardMaxMessages(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("small", Intermediate, 0, Policy{MaxMessageCount: 2})
	require.NoError(t, err)

	txn, err := e.BeginTransaction(nil, false)
	require.NoError(t, err)
	var errs []error
	for i := 0; i < 5; i++ {
		errs = append(errs, q.Put(txn, persistentMsg(string(rune('a'+i))), InputInherit))
	}
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	for _, err := range errs[2:] {
		assert.ErrorIs(t, err, ErrDestinationFull)
	}
	assert.Equal(t, 2, q.Stats().Uncommitted)
	assert.ErrorIs(t, q.Put(nil, persistentMsg("outside"), InputInherit), ErrDestinationFull)

	require.NoError(t, txn.Commit())
	stats := q.Stats()
	assert.Equal(t, 2, stats.Depth)
	assert.Equal(t, 0, stats.Uncommitted)
	assert.Equal(t, uint64(4), stats.Rejected)
	assert.Equal(t, 2, countRecords(t, e, store.RecordTypeMessage))

	// a rolled back put gives its room back
	single, err := e.CreateQueue("single", Intermediate, 0, Policy{MaxMessageCount: 1})
	require.NoError(t, err)
	txn, err = e.BeginTransaction(nil, false)
	require.NoError(t, err)
	require.NoError(t, single.Put(txn, persistentMsg("undone"), InputInherit))
	assert.ErrorIs(t, single.Put(nil, persistentMsg("waits"), InputInherit), ErrDestinationFull)
	require.NoError(t, txn.Rollback())
	assert.Equal(t, 0, single.Stats().Uncommitted)
	require.NoError(t, single.Put(nil, persistentMsg("fits"), InputInherit))
	assert.Equal(t, 1, single.Stats().Depth)
}

func TestTransactionalAcknowledge(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("txn", MultiConsumer, 0, Policy{})
	require.NoError(t, err)
	require.NoError(t, q.Put(nil, persistentMsg("a"), InputInherit))
	require.NoError(t, q.Put(nil, persistentMsg("b"), InputInherit))
	r := &recorder{}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))
	require.Len(t, r.got(), 2)
	first, second := r.got()[0], r.got()[1]

	t.Run("commit", func(t *testing.T) {
		txn, err := e.BeginTransaction(nil, false)
		require.NoError(t, err)
		tok, err := q.PrepareAck(first)
		require.NoError(t, err)
		require.NoError(t, q.ProcessAck(txn, tok, false))

		// received but not gone yet
		assert.Equal(t, 2, q.Stats().Depth)
		assert.Equal(t, 2, q.Stats().Inflight)
		_, err = q.PrepareAck(first)
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, txn.Commit())
		assert.Equal(t, 1, q.Stats().Depth)
		assert.Equal(t, 1, countRecords(t, e, store.RecordTypeMessage))
	})

	t.Run("rollback", func(t *testing.T) {
		txn, err := e.BeginTransaction(nil, false)
		require.NoError(t, err)
		tok, err := q.PrepareAck(second)
		require.NoError(t, err)
		require.NoError(t, q.ProcessAck(txn, tok, false))
		require.NoError(t, txn.Rollback())

		// the consumer still holds the message
		assert.Equal(t, 1, q.Stats().Inflight)
		assert.Len(t, r.got(), 2)
		ack(t, second, false)
		assert.Equal(t, 0, q.Stats().Depth)
		assert.Equal(t, 0, countRecords(t, e, store.RecordTypeMessage))
	})
}

func TestTransactionKeepsDeletedQueue(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("txn", Intermediate, 0, Policy{})
	require.NoError(t, err)
	txn, err := e.BeginTransaction(nil, false)
	require.NoError(t, err)
	require.NoError(t, q.Put(txn, persistentMsg("m"), InputInherit))

	require.NoError(t, e.DeleteQueue("txn"))
	assert.True(t, q.IsDeleted())
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeQueue))

	require.NoError(t, txn.Rollback())
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeQueue))
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeQueueProps))
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeMessage))
}

func TestUncommittedTransactionRolledBackAtRestart(t *testing.T) {
	e := startEngine(t, t.TempDir())

	q, err := e.CreateQueue("txn", Intermediate, 0, Policy{})
	require.NoError(t, err)
	require.NoError(t, q.Put(nil, persistentMsg("kept"), InputInherit))
	require.NoError(t, q.Put(nil, persistentMsg("acked"), InputInherit))
	r := &recorder{}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))
	require.Len(t, r.got(), 2)

	txn, err := e.BeginTransaction(nil, false)
	require.NoError(t, err)
	require.NoError(t, q.Put(txn, persistentMsg("lost"), InputInherit))
	tok, err := q.PrepareAck(r.got()[1])
	require.NoError(t, err)
	require.NoError(t, q.ProcessAck(txn, tok, false))

	e = restart(t, e)
	defer stopEngine(t, e)

	report := e.RecoveryReport()
	assert.Equal(t, 1, report.TransactionsRolledBack)
	assert.Equal(t, 0, report.TransactionsCommitted)
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeTransaction))
	assert.Equal(t, 2, countRecords(t, e, store.RecordTypeMessage))

	q = mustQueue(t, e, "txn")
	again := &recorder{}
	require.NoError(t, q.InitWaiter(again))
	require.NoError(t, q.EnableWaiter(again))
	assert.Equal(t, []string{"kept", "acked"}, again.payloads())
}

func TestCommittedTransactionCompletedAtRestart(t *testing.T) {
	e := startEngine(t, t.TempDir())

	q, err := e.CreateQueue("txn", Intermediate, 0, Policy{})
	require.NoError(t, err)
	require.NoError(t, q.Put(nil, persistentMsg("acked"), InputInherit))
	r := &recorder{}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))
	require.Len(t, r.got(), 1)

	txn, err := e.BeginTransaction(nil, false)
	require.NoError(t, err)
	require.NoError(t, q.Put(txn, persistentMsg("put"), InputInherit))
	tok, err := q.PrepareAck(r.got()[0])
	require.NoError(t, err)
	require.NoError(t, q.ProcessAck(txn, tok, false))

	// stopped after the committed state was stored, before it was applied
	st, err := e.store.OpenStream(false)
	require.NoError(t, err)
	require.NoError(t, st.UpdateRecord(txn.handle, 0, tranStateCommitted, store.UpdateState))
	require.NoError(t, st.Commit())
	require.NoError(t, st.Close())

	e = restart(t, e)
	defer stopEngine(t, e)

	assert.Equal(t, 1, e.RecoveryReport().TransactionsCommitted)
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeTransaction))
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeMessage))

	q = mustQueue(t, e, "txn")
	again := &recorder{}
	require.NoError(t, q.InitWaiter(again))
	require.NoError(t, q.EnableWaiter(again))
	assert.Equal(t, []string{"put"}, again.payloads())
}
