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
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

type msgKind uint8

const (
	kindAdmin msgKind = iota + 1
	kindFrame
	kindFileChunk
	kindSyncDone
	kindSyncAck
)

func (k msgKind) String() string {
	switch k {
	case kindAdmin:
		return "admin"
	case kindFrame:
		return "frame"
	case kindFileChunk:
		return "file_chunk"
	case kindSyncDone:
		return "sync_done"
	case kindSyncAck:
		return "sync_ack"
	default:
		return "unknown"
	}
}

// envelope is what travels between the nodes. Origin and Epoch identify
// the sender's sequence, Seq orders messages within it.
type envelope struct {
	Kind   msgKind `msgpack:"k"`
	Origin string  `msgpack:"o"`
	Epoch  uint64  `msgpack:"e"`
	Seq    uint64  `msgpack:"s"`
	Name   string  `msgpack:"n,omitempty"`
	Final  bool    `msgpack:"f,omitempty"`
	Data   []byte  `msgpack:"d,omitempty"`
}

func encodeEnvelope(env envelope) ([]byte, error) {
	if env.Kind == kindFileChunk {
		env.Data = snappy.Encode(nil, env.Data)
	}
	out, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return out, nil
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return envelope{}, errors.Wrap(err, "decode envelope")
	}
	if env.Kind == kindFileChunk && len(env.Data) > 0 {
		data, err := snappy.Decode(nil, env.Data)
		if err != nil {
			return envelope{}, errors.Wrapf(err, "decompress chunk of %s", env.Name)
		}
		env.Data = data
	}
	return env, nil
}

// nodeMeta is gossiped as memberlist node metadata.
type nodeMeta struct {
	Started int64 `msgpack:"started"`
}

func (m nodeMeta) marshal() ([]byte, error) {
	return msgpack.Marshal(&m)
}

func parseNodeMeta(raw []byte) (nodeMeta, bool) {
	var m nodeMeta
	if len(raw) == 0 || msgpack.Unmarshal(raw, &m) != nil {
		return nodeMeta{}, false
	}
	return m, true
}
