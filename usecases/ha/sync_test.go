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

package ha

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

// loopback hands everything sent by the primary side straight to the
// handlers registered by the standby side.
type loopback struct {
	Standalone
	fileFn   func(string, io.Reader) error
	frameFn  func([]byte) error
	syncedFn func()

	holdSync bool
	held     bool
	frames   int
}

func (l *loopback) OnFile(fn func(string, io.Reader) error) { l.fileFn = fn }
func (l *loopback) OnMirroredFrame(fn func([]byte) error)   { l.frameFn = fn }
func (l *loopback) OnSynced(fn func())                      { l.syncedFn = fn }

func (l *loopback) TransferFile(_ context.Context, name string, r io.Reader) error {
	// the receiver may only see the data once it arrived in full
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	return l.fileFn(name, &buf)
}

func (l *loopback) CompleteSync(context.Context) error {
	if l.holdSync {
		l.held = true
		return nil
	}
	l.syncedFn()
	return nil
}

func (l *loopback) Mirror(frame []byte) error {
	l.frames++
	return l.frameFn(frame)
}

func storeConfig(t *testing.T) store.Config {
	cfg := store.DefaultConfig(t.TempDir())
	cfg.TotalMemSizeBytes = 4 * 1024 * 1024
	cfg.GenerationSizeBytes = 64 * 1024
	cfg.GranuleSizeBytes = 64
	cfg.RefChunkSize = 4
	cfg.SyncPersist = true
	cfg.CheckpointInterval = 0
	cfg.JournalMaxBytes = 0
	return cfg
}

func startedStore(t *testing.T) *store.Store {
	logger, _ := test.NewNullLogger()
	s, err := store.New(storeConfig(t), logger, nil)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.RecoveryCompleted())
	return s
}

func initializedStore(t *testing.T) *store.Store {
	logger, _ := test.NewNullLogger()
	s, err := store.New(storeConfig(t), logger, nil)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	return s
}

func put(t *testing.T, s *store.Store, payload string) store.Handle {
	st, err := s.OpenStream(false)
	require.NoError(t, err)
	defer st.Close()

	h, err := st.CreateRecord(store.Record{
		Type:  store.RecordTypeMessage,
		Frags: [][]byte{[]byte(payload)},
	})
	require.NoError(t, err)
	require.NoError(t, st.Commit())
	return h
}

func TestSyncStandby(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	primary := startedStore(t)
	defer primary.Term(ctx)
	before := put(t, primary, "before sync")

	standby := initializedStore(t)
	defer standby.Term(ctx)
	follower := NewFollower(standby, logger)
	link := &loopback{}
	follower.Attach(link)

	require.NoError(t, SyncStandby(ctx, link, primary, logger))

	select {
	case <-follower.Synced():
	case <-time.After(time.Second):
		t.Fatal("follower did not activate")
	}
	assert.Equal(t, primary.StoreID(), standby.StoreID())

	rec, err := standby.ReadRecord(before)
	require.NoError(t, err)
	assert.Equal(t, "before sync", string(rec.Frags[0]))

	after := put(t, primary, "mirrored")
	assert.Greater(t, link.frames, 0)
	rec, err = standby.ReadRecord(after)
	require.NoError(t, err)
	assert.Equal(t, "mirrored", string(rec.Frags[0]))
}

func TestFollowerBuffersFramesUntilActive(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	primary := startedStore(t)
	defer primary.Term(ctx)
	put(t, primary, "copied")

	standby := initializedStore(t)
	defer standby.Term(ctx)
	follower := NewFollower(standby, logger)
	link := &loopback{holdSync: true}
	follower.Attach(link)

	require.NoError(t, SyncStandby(ctx, link, primary, logger))
	require.True(t, link.held)

	// committed after the copy, the standby store is not running yet
	late := put(t, primary, "late")
	select {
	case <-follower.Synced():
		t.Fatal("follower must wait for the end of the sync")
	default:
	}

	link.syncedFn()
	<-follower.Synced()

	rec, err := standby.ReadRecord(late)
	require.NoError(t, err)
	assert.Equal(t, "late", string(rec.Frags[0]))
}

func TestFollowerRejectsFilesOnceActive(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	primary := startedStore(t)
	defer primary.Term(ctx)
	standby := initializedStore(t)
	defer standby.Term(ctx)

	follower := NewFollower(standby, logger)
	link := &loopback{}
	follower.Attach(link)
	require.NoError(t, SyncStandby(ctx, link, primary, logger))
	<-follower.Synced()

	err := link.fileFn("manifest", bytes.NewReader(nil))
	assert.Error(t, err)
	// a second activation is a no-op
	assert.NoError(t, follower.Activate(ctx))
}
