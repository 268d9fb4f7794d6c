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
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

func storeConfig(root string) store.Config {
	cfg := store.DefaultConfig(root)
	cfg.TotalMemSizeBytes = 8 * 1024 * 1024
	cfg.GenerationSizeBytes = 256 * 1024
	cfg.GranuleSizeBytes = 64
	cfg.RefChunkSize = 8
	cfg.SyncPersist = true
	cfg.CheckpointInterval = 0
	cfg.JournalMaxBytes = 0
	return cfg
}

func openStartedStore(t *testing.T, root string) *store.Store {
	logger, _ := test.NewNullLogger()
	s, err := store.New(storeConfig(root), logger, nil)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	require.NoError(t, s.Start(context.Background()))
	return s
}

func startEngine(t *testing.T, root string) *Engine {
	logger, _ := test.NewNullLogger()
	cfg := DefaultConfig()
	cfg.ExpiryReapInterval = 0
	cfg.AckBatchSize = 4

	e, err := New(openStartedStore(t, root), cfg, logger, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	return e
}

func stopEngine(t *testing.T, e *Engine) {
	require.NoError(t, e.Term(context.Background()))
}

func restart(t *testing.T, e *Engine) *Engine {
	root := e.store.Config().RootPath
	stopEngine(t, e)
	return startEngine(t, root)
}

func persistentMsg(payload string) *Message {
	return NewMessage(MessageHeader{Persistence: Persistent}, nil, []byte(payload))
}

func expiringMsg(payload string, expiry time.Time) *Message {
	return NewMessage(MessageHeader{Persistence: Persistent, Expiry: expiry}, nil, []byte(payload))
}

func countRecords(t *testing.T, e *Engine, rt store.RecordType) int {
	n := 0
	require.NoError(t, e.store.ForEachRecord(rt, func(store.Handle, store.Record) error {
		n++
		return nil
	}))
	return n
}

func mustQueue(t *testing.T, e *Engine, name string) Queue {
	q, release, err := e.Queue(name)
	require.NoError(t, err)
	release()
	return q
}

// recorder collects deliveries. With limit > 0 it asks to be disabled
// once it holds limit deliveries.
type recorder struct {
	mu         sync.Mutex
	deliveries []*Delivery
	limit      int
}

func (r *recorder) Deliver(d *Delivery) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return r.limit == 0 || len(r.deliveries) < r.limit
}

func (r *recorder) got() []*Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Delivery(nil), r.deliveries...)
}

func (r *recorder) payloads() []string {
	var out []string
	for _, d := range r.got() {
		out = append(out, string(d.Message.Payload))
	}
	return out
}

type clientRecorder struct {
	recorder
	client *Client
}

func (r *clientRecorder) Client() *Client {
	return r.client
}

func ack(t *testing.T, d *Delivery, lazy bool) {
	tok, err := d.Queue().PrepareAck(d)
	require.NoError(t, err)
	require.NoError(t, d.Queue().ProcessAck(nil, tok, lazy))
}
