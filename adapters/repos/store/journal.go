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

package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

type opKind uint8

const (
	opCreateRecord opKind = iota + 1
	opUpdateRecord
	opDeleteRecord
	opCreateRef
	opUpdateRef
	opDeleteRef
	opCreateState
	opDeleteState
	opPrune
)

func (k opKind) String() string {
	switch k {
	case opCreateRecord:
		return "create_record"
	case opUpdateRecord:
		return "update_record"
	case opDeleteRecord:
		return "delete_record"
	case opCreateRef:
		return "create_reference"
	case opUpdateRef:
		return "update_reference"
	case opDeleteRef:
		return "delete_reference"
	case opCreateState:
		return "create_state"
	case opDeleteState:
		return "delete_state"
	case opPrune:
		return "prune"
	default:
		return fmt.Sprintf("op(%d)", k)
	}
}

// journalOp is one committed change. Ops carry explicit handles and
// incarnations so that redoing them on top of newer images is idempotent.
type journalOp struct {
	Kind      opKind      `msgpack:"k"`
	Handle    Handle      `msgpack:"h,omitempty"`
	Inc       uint64      `msgpack:"i,omitempty"`
	Type      RecordType  `msgpack:"t,omitempty"`
	Attr      uint64      `msgpack:"a,omitempty"`
	State     uint64      `msgpack:"s,omitempty"`
	Flags     UpdateFlags `msgpack:"f,omitempty"`
	Data      []byte      `msgpack:"d,omitempty"`
	FragLens  []uint32    `msgpack:"fl,omitempty"`
	Owner     Handle      `msgpack:"o,omitempty"`
	OwnerInc  uint64      `msgpack:"oi,omitempty"`
	OrderID   uint64      `msgpack:"oid,omitempty"`
	Target    Handle      `msgpack:"tg,omitempty"`
	Value     uint64      `msgpack:"v,omitempty"`
	RefState  uint8       `msgpack:"rs,omitempty"`
	Key       uint32      `msgpack:"key,omitempty"`
	MinActive uint64      `msgpack:"m,omitempty"`
}

// journalFrame is the unit of atomicity: a frame is either fully present
// and checksummed or it is dropped at recovery.
type journalFrame struct {
	Seq uint64      `msgpack:"q"`
	Ops []journalOp `msgpack:"o"`
}

// frame header: payload length + xxhash64 of the payload
const frameHeaderSize = 4 + 8

func encodeFrame(f journalFrame) ([]byte, error) {
	return msgpack.Marshal(&f)
}

func decodeFrame(payload []byte) (journalFrame, error) {
	var f journalFrame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return f, errors.Wrap(ErrCorrupt, err.Error())
	}
	return f, nil
}

func journalFileName(seq uint64) string {
	return fmt.Sprintf("journal-%08d.log", seq)
}

type journal struct {
	sync.Mutex

	seq    uint64
	path   string
	file   *os.File
	writer *bufio.Writer
	size   int64

	unflushed bool
	waiters   []func(error)
}

// openJournal opens (or creates) the journal file for appending. size is
// the offset at which valid data ends; anything behind it is truncated.
func openJournal(dir string, seq uint64, size int64) (*journal, error) {
	path := filepath.Join(dir, journalFileName(seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %q", path)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "truncate journal %q", path)
	}
	if _, err := f.Seek(size, 0); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "seek journal %q", path)
	}

	return &journal{
		seq:    seq,
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 256*1024),
		size:   size,
	}, nil
}

// append writes one frame. It is durable only after the next flush.
func (j *journal) append(payload []byte) (int, error) {
	j.Lock()
	defer j.Unlock()

	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[4:12], xxhash.Sum64(payload))

	if _, err := j.writer.Write(header[:]); err != nil {
		return 0, errors.Wrap(err, "write frame header")
	}
	if _, err := j.writer.Write(payload); err != nil {
		return 0, errors.Wrap(err, "write frame payload")
	}

	n := frameHeaderSize + len(payload)
	j.size += int64(n)
	j.unflushed = true
	return n, nil
}

// onFlush registers cb to be called once everything appended so far is on
// disk.
func (j *journal) onFlush(cb func(error)) {
	j.Lock()
	defer j.Unlock()

	if !j.unflushed {
		cb(nil)
		return
	}
	j.waiters = append(j.waiters, cb)
}

func (j *journal) flush() error {
	j.Lock()
	if !j.unflushed {
		j.Unlock()
		return nil
	}

	err := j.writer.Flush()
	if err == nil {
		err = j.file.Sync()
	}
	if err != nil {
		err = errors.Wrapf(err, "flush journal %q", j.path)
	} else {
		j.unflushed = false
	}
	waiters := j.waiters
	j.waiters = nil
	j.Unlock()

	for _, cb := range waiters {
		cb(err)
	}
	return err
}

func (j *journal) currentSize() int64 {
	j.Lock()
	defer j.Unlock()
	return j.size
}

func (j *journal) close() error {
	if err := j.flush(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}
