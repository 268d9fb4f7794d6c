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
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

// Fragment 0 of every engine record starts with a fixed header: a 4 byte
// struct id, the version of the layout and the length of the encoded
// fields. Bytes following the fields are ignored so newer writers can
// append data older readers skip.
const recordHeaderSize = 12

type recordFormat struct {
	id      [4]byte
	version uint32
}

var (
	fmtServer            = recordFormat{[4]byte{'E', 'S', 'C', 'R'}, 2}
	fmtClientState       = recordFormat{[4]byte{'E', 'C', 'S', 'R'}, 2}
	fmtClientProps       = recordFormat{[4]byte{'E', 'C', 'P', 'R'}, 5}
	fmtQueueDefn         = recordFormat{[4]byte{'E', 'Q', 'D', 'R'}, 1}
	fmtQueueProps        = recordFormat{[4]byte{'E', 'Q', 'P', 'R'}, 1}
	fmtSubscriptionDefn  = recordFormat{[4]byte{'E', 'S', 'D', 'R'}, 1}
	fmtSubscriptionProps = recordFormat{[4]byte{'E', 'S', 'P', 'R'}, 1}
	fmtTransaction       = recordFormat{[4]byte{'E', 'T', 'R', ' '}, 1}
	fmtMessage           = recordFormat{[4]byte{'E', 'M', 'R', ' '}, 1}
	fmtRemoteServerDefn  = recordFormat{[4]byte{'E', 'R', 'D', 'R'}, 1}
	fmtRemoteServerProps = recordFormat{[4]byte{'E', 'R', 'P', 'R'}, 1}
)

// record state words
const (
	queueStateDeleted         uint64 = 0x100
	clientStateDeleted        uint64 = 0x1
	remoteServerStateCreating uint64 = 0x100
	remoteServerStateDeleted  uint64 = 0x200

	tranStateInFlight  uint64 = 1
	tranStateCommitted uint64 = 2
)

// values of transaction operation references
const (
	torPutMessage uint32 = 1
	torConsumeMsg uint32 = 6
)

func encodeFields(f recordFormat, fields interface{}) ([]byte, error) {
	body, err := msgpack.Marshal(fields)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s fields", f.id[:])
	}
	out := make([]byte, recordHeaderSize, recordHeaderSize+len(body))
	copy(out, f.id[:])
	binary.LittleEndian.PutUint32(out[4:8], f.version)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(body)))
	return append(out, body...), nil
}

func decodeFields(frag []byte, f recordFormat, out interface{}) error {
	if len(frag) < recordHeaderSize {
		return errors.Wrapf(store.ErrCorrupt, "record of %d bytes has no header", len(frag))
	}
	if !bytes.Equal(frag[:4], f.id[:]) {
		return errors.Wrapf(store.ErrCorrupt, "struct id %q, expected %q", frag[:4], f.id[:])
	}
	if v := binary.LittleEndian.Uint32(frag[4:8]); v == 0 || v > f.version {
		return errors.Wrapf(store.ErrInvalidValue, "%s version %d not supported", f.id[:], v)
	}
	n := int(binary.LittleEndian.Uint32(frag[8:12]))
	if recordHeaderSize+n > len(frag) {
		return errors.Wrapf(store.ErrCorrupt, "%s fields of %d bytes exceed record", f.id[:], n)
	}
	if err := msgpack.Unmarshal(frag[recordHeaderSize:recordHeaderSize+n], out); err != nil {
		return errors.Wrapf(store.ErrCorrupt, "decode %s fields: %v", f.id[:], err)
	}
	return nil
}

func firstFrag(rec store.Record) []byte {
	if len(rec.Frags) == 0 {
		return nil
	}
	return rec.Frags[0]
}

type serverFields struct {
	UID       string `msgpack:"uid"`
	CreatedAt int64  `msgpack:"created"`
}

type queueDefnFields struct {
	Type QueueType `msgpack:"type"`
}

type queuePropsFields struct {
	Name          string       `msgpack:"name"`
	Options       QueueOptions `msgpack:"options"`
	MaxMessages   uint64       `msgpack:"max_messages"`
	DiscardOldest bool         `msgpack:"discard_oldest"`
	Topic         string       `msgpack:"topic,omitempty"`
}

type clientStateFields struct {
	ClientID string `msgpack:"client_id"`
}

type clientPropsFields struct {
	ClientID       string `msgpack:"client_id"`
	Protocol       string `msgpack:"protocol,omitempty"`
	ExpiryInterval uint32 `msgpack:"expiry_interval,omitempty"`
}

type transactionFields struct {
	XID    []byte `msgpack:"xid,omitempty"`
	Global bool   `msgpack:"global"`
}

type messageFields struct {
	Persistence uint8             `msgpack:"persistence"`
	Reliability uint8             `msgpack:"reliability"`
	Priority    uint8             `msgpack:"priority"`
	Flags       uint8             `msgpack:"flags"`
	MessageType uint8             `msgpack:"type"`
	Expiry      uint32            `msgpack:"expiry"`
	Properties  map[string]string `msgpack:"props,omitempty"`
}

type remoteServerDefnFields struct{}

type remoteServerPropsFields struct {
	Name string `msgpack:"name"`
	UID  string `msgpack:"uid"`
}
