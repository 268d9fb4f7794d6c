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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandalone(t *testing.T) {
	s := NewStandalone("broker-a")
	v := s.View()
	assert.Equal(t, RolePrimary, v.Role)
	assert.Equal(t, 1, v.ActiveNodes)
	assert.Equal(t, 1, v.SyncNodes)
	assert.Equal(t, "broker-a", v.PrimaryName)

	ctx := context.Background()
	assert.ErrorIs(t, s.SendAdminMessage(ctx, []byte("x")), ErrNoPeer)
	assert.ErrorIs(t, s.TransferFile(ctx, "f", bytes.NewReader(nil)), ErrNoPeer)
	assert.NoError(t, s.Mirror([]byte("frame")))

	var seen []View
	s.OnViewChange(func(v View) { seen = append(seen, v) })
	assert.Equal(t, []View{v}, seen)
}

func TestEnvelopeCompressesFileChunks(t *testing.T) {
	data := bytes.Repeat([]byte("generation image "), 256)
	raw, err := encodeEnvelope(envelope{Kind: kindFileChunk, Name: "gen-1.img", Seq: 3, Final: true, Data: data})
	require.NoError(t, err)
	assert.Less(t, len(raw), len(data))

	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, data, env.Data)
	assert.Equal(t, "gen-1.img", env.Name)
	assert.True(t, env.Final)
	assert.Equal(t, uint64(3), env.Seq)

	_, err = decodeEnvelope([]byte{0xc1})
	assert.Error(t, err)
}

func TestNodeMeta(t *testing.T) {
	raw, err := nodeMeta{Started: 42}.marshal()
	require.NoError(t, err)
	m, ok := parseNodeMeta(raw)
	require.True(t, ok)
	assert.Equal(t, int64(42), m.Started)

	_, ok = parseNodeMeta(nil)
	assert.False(t, ok)
}

func TestSequencer(t *testing.T) {
	var got []uint64
	resets := 0
	s := newSequencer(func(env envelope) { got = append(got, env.Seq) }, func() { resets++ })

	msg := func(origin string, epoch, seq uint64) envelope {
		return envelope{Kind: kindFrame, Origin: origin, Epoch: epoch, Seq: seq}
	}

	t.Run("reorders", func(t *testing.T) {
		s.push(msg("a", 0, 2))
		s.push(msg("a", 0, 3))
		assert.Empty(t, got)
		assert.Equal(t, 2, s.waiting())
		s.push(msg("a", 0, 1))
		assert.Equal(t, []uint64{1, 2, 3}, got)
		assert.Equal(t, 0, s.waiting())
		assert.Equal(t, 0, resets)
	})

	t.Run("drops duplicates", func(t *testing.T) {
		got = nil
		s.push(msg("a", 0, 2))
		s.push(msg("a", 0, 4))
		assert.Equal(t, []uint64{4}, got)
	})

	t.Run("new epoch starts over", func(t *testing.T) {
		got = nil
		s.push(msg("a", 0, 6))
		s.push(msg("a", 1, 1))
		assert.Equal(t, []uint64{1}, got)
		assert.Equal(t, 1, resets)
		assert.Equal(t, 0, s.waiting())

		// stale epoch
		s.push(msg("a", 0, 5))
		assert.Equal(t, []uint64{1}, got)
	})

	t.Run("restarted peer", func(t *testing.T) {
		got = nil
		s.push(msg("a-restarted", 0, 1))
		assert.Equal(t, []uint64{1}, got)
		assert.Equal(t, 2, resets)
	})
}
