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
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

// storeStream is what a batch writes through, implemented by
// *store.Stream.
type storeStream interface {
	CreateRecord(rec store.Record) (store.Handle, error)
	UpdateRecord(h store.Handle, attr, state uint64, flags store.UpdateFlags) error
	DeleteRecord(h store.Handle) error
	CreateReference(ctx *store.RefContext, ref store.Reference, minActive uint64) (store.Handle, error)
	UpdateReference(ctx *store.RefContext, h store.Handle, state uint8, minActive uint64) error
	DeleteReference(ctx *store.RefContext, h store.Handle, minActive uint64) error
	CreateState(ctx *store.StateContext, obj store.StateObject) (store.Handle, error)
	DeleteState(ctx *store.StateContext, h store.Handle) error
	OpsCount() int
	Commit() error
	Rollback() error
	Close() error
}

func openStoreStream(s *store.Store) func(highPerf bool) (storeStream, error) {
	return func(highPerf bool) (storeStream, error) {
		st, err := s.OpenStream(highPerf)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

// storeBatch is one store transaction together with the in-memory changes
// that have to be undone if it does not commit.
type storeBatch struct {
	st      storeStream
	logger  logrus.FieldLogger
	owned   bool
	undo    []func()
	commits []func()
}

func (e *Engine) newBatch() (*storeBatch, error) {
	st, err := e.openStream(false)
	if err != nil {
		return nil, errors.Wrap(err, "open stream")
	}
	return &storeBatch{st: st, logger: e.logger, owned: true}, nil
}

// batchOn wraps a stream owned by someone else, e.g. a transaction.
func batchOn(st storeStream, logger logrus.FieldLogger) *storeBatch {
	return &storeBatch{st: st, logger: logger}
}

func (b *storeBatch) onUndo(fn func()) {
	b.undo = append(b.undo, fn)
}

func (b *storeBatch) onCommit(fn func()) {
	b.commits = append(b.commits, fn)
}

func (b *storeBatch) commit() error {
	if b.st.OpsCount() == 0 {
		b.finish(true)
		return nil
	}
	if err := b.st.Commit(); err != nil {
		if !errors.Is(err, store.ErrNotPersisted) {
			b.abort()
			return errors.Wrap(err, "commit")
		}
		// applied in the store, only its durability is in doubt
		b.logger.WithField("action", "engine_commit").
			WithError(err).
			Warn("commit applied but not flushed")
	}
	b.finish(true)
	return nil
}

func (b *storeBatch) abort() {
	_ = b.st.Rollback()
	b.finish(false)
}

func (b *storeBatch) finish(committed bool) {
	if committed {
		for _, fn := range b.commits {
			fn()
		}
	} else {
		for i := len(b.undo) - 1; i >= 0; i-- {
			b.undo[i]()
		}
	}
	b.undo, b.commits = nil, nil
	if b.owned {
		_ = b.st.Close()
	}
}
