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
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

// SyncStandby copies the store of the primary to the peer. The mirror is
// installed first so that no commit falls between the copy and the
// mirrored frames; the standby ignores frames the copy already contains.
func SyncStandby(ctx context.Context, r Replicator, st *store.Store, logger logrus.FieldLogger) error {
	st.SetMirror(r)

	files := 0
	err := st.SnapshotFiles(func(name string, rd io.Reader) error {
		files++
		return r.TransferFile(ctx, name, rd)
	})
	if err != nil {
		return errors.Wrap(err, "transfer store snapshot")
	}
	if err := r.CompleteSync(ctx); err != nil {
		return errors.Wrap(err, "complete sync")
	}

	logger.WithField("action", "ha_sync").
		WithField("files", files).
		Info("standby received a full copy of the store")
	return nil
}

// Follower keeps the store of a standby in step with the primary. The
// store must be initialized but not started, it is started once the bulk
// copy is complete and then applies the mirrored frames.
type Follower struct {
	st     *store.Store
	logger logrus.FieldLogger

	mu      sync.Mutex
	reset   bool
	active  bool
	pending [][]byte

	synced chan struct{}
	once   sync.Once
}

func NewFollower(st *store.Store, logger logrus.FieldLogger) *Follower {
	return &Follower{
		st:     st,
		logger: logger.WithField("component", "ha_follower"),
		synced: make(chan struct{}),
	}
}

func (f *Follower) Attach(r Replicator) {
	r.OnFile(f.receiveFile)
	r.OnMirroredFrame(f.frame)
	r.OnSynced(func() {
		if err := f.Activate(context.Background()); err != nil {
			f.logger.WithField("action", "ha_follower_activate").
				WithError(err).
				Error("could not start store after sync")
		}
	})
}

func (f *Follower) receiveFile(name string, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active {
		return errors.Errorf("store is already running, cannot receive %s", name)
	}
	if !f.reset {
		if err := f.st.ResetForSnapshot(); err != nil {
			return err
		}
		f.reset = true
	}
	return f.st.ReceiveSnapshotFile(name, r)
}

func (f *Follower) frame(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.active {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		f.pending = append(f.pending, cp)
		return nil
	}
	return f.st.ApplyReplicated(payload)
}

// Synced is closed once the store runs on the received copy.
func (f *Follower) Synced() <-chan struct{} {
	return f.synced
}

// Activate starts the store on the received copy and applies the frames
// that arrived meanwhile.
func (f *Follower) Activate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active {
		return nil
	}
	if err := f.st.Start(ctx); err != nil {
		return errors.Wrap(err, "start store on received copy")
	}
	for _, payload := range f.pending {
		if err := f.st.ApplyReplicated(payload); err != nil {
			return errors.Wrap(err, "apply buffered frame")
		}
	}
	f.logger.WithField("action", "ha_follower_activate").
		WithField("buffered_frames", len(f.pending)).
		Info("standby store started on the copy of the primary")
	f.pending = nil
	f.active = true
	f.once.Do(func() { close(f.synced) })
	return nil
}
