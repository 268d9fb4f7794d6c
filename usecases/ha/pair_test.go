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
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPair(t *testing.T, network *memberlist.MockNetwork, name, join string) *Pair {
	logger, _ := test.NewNullLogger()
	cfg := DefaultConfig()
	cfg.Hostname = name
	cfg.Localhost = true
	cfg.Join = join
	cfg.ChunkSizeBytes = 4
	cfg.SendTimeout = 5 * time.Second

	transport := network.NewTransport(name)
	p, err := newPair(cfg, logger, nil, func(c *memberlist.Config) {
		c.Transport = transport
	})
	require.NoError(t, err)
	return p
}

func TestPairReplicates(t *testing.T) {
	ctx := context.Background()
	network := &memberlist.MockNetwork{}

	a := newMockPair(t, network, "broker-a", "")
	defer a.Close()
	assert.Equal(t, RolePrimary, a.View().Role)

	b := newMockPair(t, network, "broker-b", "127.0.0.1:1")
	defer b.Close()

	assert.Eventually(t, func() bool {
		return a.View().ActiveNodes == 2 && b.View().ActiveNodes == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, RolePrimary, a.View().Role)
	assert.Equal(t, RoleUnsynced, b.View().Role)
	assert.Equal(t, "broker-a", b.View().PrimaryName)

	var (
		mu     sync.Mutex
		admin  [][]byte
		files  = map[string][]byte{}
		frames [][]byte
	)
	synced := make(chan struct{})
	b.OnAdminMessage(func(msg []byte) {
		mu.Lock()
		defer mu.Unlock()
		admin = append(admin, msg)
	})
	b.OnFile(func(name string, r io.Reader) error {
		data, err := io.ReadAll(r)
		mu.Lock()
		defer mu.Unlock()
		files[name] = data
		return err
	})
	b.OnSynced(func() { close(synced) })
	b.OnMirroredFrame(func(frame []byte) error {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, frame)
		return nil
	})

	require.NoError(t, a.SendAdminMessage(ctx, []byte("ping")))
	// larger than one chunk
	require.NoError(t, a.TransferFile(ctx, "journal-1.log", bytes.NewReader([]byte("generation data"))))
	require.NoError(t, a.TransferFile(ctx, "empty", bytes.NewReader(nil)))
	require.NoError(t, a.CompleteSync(ctx))

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("standby did not complete the sync")
	}

	mu.Lock()
	assert.Equal(t, [][]byte{[]byte("ping")}, admin)
	assert.Equal(t, "generation data", string(files["journal-1.log"]))
	assert.Contains(t, files, "empty")
	mu.Unlock()

	assert.Equal(t, RoleStandby, b.View().Role)
	assert.Eventually(t, func() bool {
		return a.View().SyncNodes == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Mirror([]byte("frame-1")))
	require.NoError(t, a.Mirror([]byte("frame-2")))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 2
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "frame-1", string(frames[0]))
	assert.Equal(t, "frame-2", string(frames[1]))
	mu.Unlock()
}

func TestPairWithoutPeer(t *testing.T) {
	network := &memberlist.MockNetwork{}
	a := newMockPair(t, network, "broker-a", "")
	defer a.Close()

	views := make(chan View, 4)
	a.OnViewChange(func(v View) { views <- v })
	select {
	case v := <-views:
		assert.Equal(t, RolePrimary, v.Role)
		assert.Equal(t, 1, v.ActiveNodes)
	case <-time.After(time.Second):
		t.Fatal("no view reported")
	}

	// commits are not held up without a standby
	assert.NoError(t, a.Mirror([]byte("frame")))
	assert.ErrorIs(t, a.SendAdminMessage(context.Background(), []byte("x")), ErrNoPeer)

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
