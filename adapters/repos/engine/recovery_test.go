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
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

// writeRecords commits recs in one stream, bypassing the engine.
func writeRecords(t *testing.T, e *Engine, recs ...store.Record) []store.Handle {
	st, err := e.store.OpenStream(false)
	require.NoError(t, err)
	defer st.Close()

	var out []store.Handle
	for _, rec := range recs {
		h, err := st.CreateRecord(rec)
		require.NoError(t, err)
		out = append(out, h)
	}
	require.NoError(t, st.Commit())
	return out
}

func mustEncode(t *testing.T, f recordFormat, fields interface{}) []byte {
	out, err := encodeFields(f, fields)
	require.NoError(t, err)
	return out
}

func TestRecoveryRestoresQueues(t *testing.T) {
	e := startEngine(t, t.TempDir())
	uid := e.ServerUID()
	require.NotEmpty(t, uid)

	_, err := e.CreateQueue("plain", Intermediate, 0, Policy{MaxMessageCount: 50, DiscardOldest: true})
	require.NoError(t, err)
	_, err = e.CreateQueue("plain", Intermediate, 0, Policy{})
	assert.ErrorIs(t, err, ErrQueueExists)
	_, err = e.CreateSubscription("sport/scores", "fans", MultiConsumer, 0, Policy{})
	require.NoError(t, err)
	_, err = e.CreateQueue("scratch", Simple, OptionTemporary, Policy{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fans", "plain", "scratch"}, e.QueueNames())

	e = restart(t, e)
	defer stopEngine(t, e)

	assert.Equal(t, uid, e.ServerUID())
	assert.Equal(t, 2, e.RecoveryReport().Queues)
	assert.Equal(t, []string{"fans", "plain"}, e.QueueNames())

	plain := mustQueue(t, e, "plain")
	assert.Equal(t, Intermediate, plain.Type())
	assert.Equal(t, Policy{MaxMessageCount: 50, DiscardOldest: true}, plain.Policy())
	assert.False(t, plain.Options().Has(OptionInRecovery))

	fans := mustQueue(t, e, "fans")
	assert.Equal(t, MultiConsumer, fans.Type())
	assert.True(t, fans.Options().Has(OptionSubscriptionQueue))
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeSubscription))

	_, _, err = e.Queue("scratch")
	assert.ErrorIs(t, err, ErrQueueDeleted)
}

func TestDeletedQueueStaysWhileInUse(t *testing.T) {
	e := startEngine(t, t.TempDir())
	defer stopEngine(t, e)

	q, err := e.CreateQueue("gone", MultiConsumer, 0, Policy{})
	require.NoError(t, err)
	require.NoError(t, q.Put(nil, persistentMsg("a"), InputInherit))
	require.NoError(t, q.Put(nil, persistentMsg("b"), InputInherit))
	r := &recorder{limit: 1}
	require.NoError(t, q.InitWaiter(r))
	require.NoError(t, q.EnableWaiter(r))

	require.NoError(t, e.DeleteQueue("gone"))
	assert.True(t, q.IsDeleted())
	_, _, err = e.Queue("gone")
	assert.ErrorIs(t, err, ErrQueueDeleted)
	assert.ErrorIs(t, q.Put(nil, persistentMsg("c"), InputInherit), ErrQueueDeleted)

	// still stored, marked deleted, while the consumer holds it
	rec, err := e.store.ReadRecord(q.core().defnHandle)
	require.NoError(t, err)
	assert.NotZero(t, rec.State&queueStateDeleted)
	assert.Equal(t, 2, countRecords(t, e, store.RecordTypeMessage))

	// the consumer can still finish its delivery
	ack(t, r.got()[0], false)
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeMessage))

	// the name is free again
	_, err = e.CreateQueue("gone", Intermediate, 0, Policy{})
	require.NoError(t, err)
	assert.Equal(t, 2, countRecords(t, e, store.RecordTypeQueue))

	require.NoError(t, q.TermWaiter(r))
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeQueue))
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeQueueProps))
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeMessage))
	assert.Equal(t, []string{"gone"}, e.QueueNames())
}

func TestDeletedQueueRemovedAtRestart(t *testing.T) {
	e := startEngine(t, t.TempDir())

	q, err := e.CreateQueue("gone", Intermediate, 0, Policy{})
	require.NoError(t, err)
	require.NoError(t, q.Put(nil, persistentMsg("a"), InputInherit))
	require.NoError(t, q.InitWaiter(&recorder{}))
	require.NoError(t, e.DeleteQueue("gone"))
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeQueue))

	e = restart(t, e)
	defer stopEngine(t, e)

	assert.Equal(t, 0, e.RecoveryReport().Queues)
	assert.Empty(t, e.QueueNames())
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeQueue))
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeQueueProps))
	assert.Equal(t, 0, countRecords(t, e, store.RecordTypeMessage))
}

func TestRecoveryDiscardsHalfCreatedRecords(t *testing.T) {
	e := startEngine(t, t.TempDir())

	writeRecords(t, e,
		store.Record{
			Type:  store.RecordTypeQueue,
			Frags: [][]byte{mustEncode(t, fmtQueueDefn, queueDefnFields{Type: Simple})},
		},
		store.Record{
			Type:      store.RecordTypeQueueProps,
			Attribute: 0xdead,
			Frags:     [][]byte{mustEncode(t, fmtQueueProps, queuePropsFields{Name: "lost"})},
		},
		store.Record{
			Type:  store.RecordTypeMessage,
			Frags: [][]byte{mustEncode(t, fmtMessage, messageFields{Persistence: 1}), []byte("orphan")},
		},
		store.Record{Type: store.RecordTypeTopic, Frags: [][]byte{[]byte("sport/#")}},
	)
	remote := writeRecords(t, e, store.Record{
		Type:  store.RecordTypeRemoteServer,
		State: remoteServerStateCreating,
		Frags: [][]byte{mustEncode(t, fmtRemoteServerDefn, remoteServerDefnFields{})},
	})
	writeRecords(t, e, store.Record{
		Type:      store.RecordTypeRemoteServerProps,
		Attribute: uint64(remote[0]),
		Frags:     [][]byte{mustEncode(t, fmtRemoteServerProps, remoteServerPropsFields{Name: "half"})},
	})

	e = restart(t, e)
	defer stopEngine(t, e)

	report := e.RecoveryReport()
	assert.Equal(t, 4, report.Discarded)
	assert.Equal(t, 1, report.OrphanMessages)
	assert.Equal(t, 1, report.Unmanaged)
	assert.Zero(t, report.BadRecordCount())
	assert.NoError(t, report.Err())

	for _, rt := range []store.RecordType{
		store.RecordTypeQueue, store.RecordTypeQueueProps, store.RecordTypeMessage,
		store.RecordTypeRemoteServer, store.RecordTypeRemoteServerProps,
	} {
		assert.Equal(t, 0, countRecords(t, e, rt), rt.String())
	}
	assert.Equal(t, 1, countRecords(t, e, store.RecordTypeTopic))
	assert.Empty(t, e.RemoteServers())
}

func TestRecoveryReportsCorruptRecords(t *testing.T) {
	e := startEngine(t, t.TempDir())

	_, err := e.CreateQueue("good", Intermediate, 0, Policy{})
	require.NoError(t, err)
	bad := writeRecords(t, e, store.Record{
		Type:  store.RecordTypeQueue,
		Frags: [][]byte{[]byte("junk")},
	})
	writeRecords(t, e, store.Record{
		Type:      store.RecordTypeQueueProps,
		Attribute: uint64(bad[0]),
		Frags:     [][]byte{mustEncode(t, fmtQueueProps, queuePropsFields{Name: "bad"})},
	})

	e = restart(t, e)
	defer stopEngine(t, e)

	report := e.RecoveryReport()
	assert.Equal(t, 1, report.Queues)
	require.Len(t, report.BadRecords[store.RecordTypeQueue], 1)
	assert.Equal(t, bad[0], report.BadRecords[store.RecordTypeQueue][0].Handle)
	assert.ErrorIs(t, report.BadRecords[store.RecordTypeQueue][0].Err, store.ErrCorrupt)
	assert.Error(t, report.Err())
	assert.Zero(t, report.Discarded)

	// kept for inspection
	assert.Equal(t, 2, countRecords(t, e, store.RecordTypeQueue))
	assert.Equal(t, 2, countRecords(t, e, store.RecordTypeQueueProps))
	assert.Equal(t, []string{"good"}, e.QueueNames())
}

func TestRecoveryFailsOnUnreadableServerRecord(t *testing.T) {
	root := t.TempDir()
	e := startEngine(t, root)

	st, err := e.store.OpenStream(false)
	require.NoError(t, err)
	require.NoError(t, st.DeleteRecord(e.serverHandle))
	_, err = st.CreateRecord(store.Record{Type: store.RecordTypeServer, Frags: [][]byte{[]byte("junk")}})
	require.NoError(t, err)
	require.NoError(t, st.Commit())
	require.NoError(t, st.Close())
	stopEngine(t, e)

	s := openStartedStore(t, root)
	logger, _ := test.NewNullLogger()
	cfg := DefaultConfig()
	cfg.ExpiryReapInterval = 0
	e, err = New(s, cfg, logger, nil)
	require.NoError(t, err)

	err = e.Start(context.Background())
	assert.ErrorIs(t, err, store.ErrCorrupt)
	require.NoError(t, s.Term(context.Background()))
}

func TestEngineRejectsWorkAfterTerm(t *testing.T) {
	e := startEngine(t, t.TempDir())
	stopEngine(t, e)

	_, err := e.CreateQueue("late", Simple, 0, Policy{})
	assert.ErrorIs(t, err, store.ErrStateNotAvailable)
	_, err = e.BeginTransaction(nil, false)
	assert.ErrorIs(t, err, store.ErrStateNotAvailable)
	_, err = e.CreateClient("late", false, "")
	assert.ErrorIs(t, err, store.ErrStateNotAvailable)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.AckBatchSize = 0
	assert.ErrorIs(t, cfg.Validate(), store.ErrInvalidValue)

	cfg = DefaultConfig()
	cfg.ExpiryReapInterval = -1
	assert.ErrorIs(t, cfg.Validate(), store.ErrInvalidValue)
}
