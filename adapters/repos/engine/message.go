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
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

type Persistence uint8

const (
	NonPersistent Persistence = 0
	Persistent    Persistence = 1
)

// MessageHeader carries the delivery attributes of a message.
type MessageHeader struct {
	Persistence Persistence
	Reliability uint8
	Priority    uint8
	Flags       uint8
	MessageType uint8
	// zero means the message never expires, otherwise whole seconds
	Expiry time.Time
}

// Message is shared by every queue it was put to. The usage count tracks
// holders (queues and callers), the store reference count the persisted
// queue references to its record.
type Message struct {
	Header     MessageHeader
	Properties map[string]string
	Payload    []byte

	usage atomic.Int32

	mu        sync.Mutex
	handle    store.Handle
	storeRefs int
}

// NewMessage returns a message whose single usage belongs to the caller.
func NewMessage(header MessageHeader, props map[string]string, payload []byte) *Message {
	header.Expiry = wholeSecondExpiry(header.Expiry)
	m := &Message{Header: header, Properties: props, Payload: payload}
	m.usage.Store(1)
	return m
}

// wholeSecondExpiry rounds t up to the second, the precision expiry is
// stored with.
func wholeSecondExpiry(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	if s := t.Truncate(time.Second); !s.Equal(t) {
		return s.Add(time.Second)
	}
	return t
}

func (m *Message) Persistent() bool {
	return m.Header.Persistence == Persistent
}

func (m *Message) AddRef() {
	m.usage.Add(1)
}

// Release drops one usage of the message.
func (m *Message) Release() {
	if m.usage.Add(-1) < 0 {
		m.usage.Store(0)
	}
}

func (m *Message) UsageCount() int {
	return int(m.usage.Load())
}

// Handle returns the message record, NullHandle if not stored.
func (m *Message) Handle() store.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

func (m *Message) expired(now time.Time) bool {
	return !m.Header.Expiry.IsZero() && !now.Before(m.Header.Expiry)
}

func (m *Message) record() (store.Record, error) {
	f := messageFields{
		Persistence: uint8(m.Header.Persistence),
		Reliability: m.Header.Reliability,
		Priority:    m.Header.Priority,
		Flags:       m.Header.Flags,
		MessageType: m.Header.MessageType,
		Properties:  m.Properties,
	}
	if !m.Header.Expiry.IsZero() {
		f.Expiry = uint32(m.Header.Expiry.Unix())
	}
	hdr, err := encodeFields(fmtMessage, f)
	if err != nil {
		return store.Record{}, err
	}
	return store.Record{
		Type:      store.RecordTypeMessage,
		Attribute: uint64(f.Expiry),
		Frags:     [][]byte{hdr, m.Payload},
	}, nil
}

// messageFromRecord rebuilds a stored message. The caller owns no usage,
// queues add theirs while rehydrating.
func messageFromRecord(h store.Handle, rec store.Record) (*Message, error) {
	if rec.Type != store.RecordTypeMessage {
		return nil, errors.Wrapf(store.ErrCorrupt, "%s is a %s record", h, rec.Type)
	}
	var f messageFields
	if err := decodeFields(firstFrag(rec), fmtMessage, &f); err != nil {
		return nil, err
	}
	m := &Message{
		Header: MessageHeader{
			Persistence: Persistence(f.Persistence),
			Reliability: f.Reliability,
			Priority:    f.Priority,
			Flags:       f.Flags,
			MessageType: f.MessageType,
		},
		Properties: f.Properties,
		handle:     h,
	}
	if f.Expiry != 0 {
		m.Header.Expiry = time.Unix(int64(f.Expiry), 0)
	}
	if len(rec.Frags) > 1 {
		m.Payload = append([]byte(nil), rec.Frags[1]...)
	}
	return m, nil
}

// addStoreRef stores the message record on its first persisted reference.
func (m *Message) addStoreRef(b *storeBatch) (store.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := false
	if m.handle.IsNull() {
		rec, err := m.record()
		if err != nil {
			return store.NullHandle, err
		}
		h, err := b.st.CreateRecord(rec)
		if err != nil {
			return store.NullHandle, errors.Wrap(err, "store message")
		}
		m.handle = h
		created = true
	}
	m.storeRefs++
	h := m.handle
	b.onUndo(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.storeRefs--
		if created {
			m.handle = store.NullHandle
		}
	})
	return h, nil
}

// dropStoreRef gives up one persisted reference. The record is deleted in
// the batch with the last one, or handed to lazy when set.
func (m *Message) dropStoreRef(b *storeBatch, lazy func(h store.Handle)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.storeRefs == 0 || m.handle.IsNull() {
		return nil
	}
	m.storeRefs--
	if m.storeRefs > 0 {
		b.onUndo(func() {
			m.mu.Lock()
			m.storeRefs++
			m.mu.Unlock()
		})
		return nil
	}

	h := m.handle
	if lazy != nil {
		b.onCommit(func() { lazy(h) })
	} else if err := b.st.DeleteRecord(h); err != nil {
		m.storeRefs++
		return errors.Wrap(err, "delete message")
	}
	m.handle = store.NullHandle
	b.onUndo(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.storeRefs++
		m.handle = h
	})
	return nil
}
