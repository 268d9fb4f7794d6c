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
	"bytes"
	"fmt"
)

// GenID identifies a generation. Generation 0 is the management generation
// holding owner and definition records, all others hold message data.
type GenID uint16

const (
	MgmtGenID GenID = 0
	// highest usable data generation id
	maxGenID GenID = 0xfffe
)

type RecordType uint16

const (
	RecordTypeServer RecordType = 0x0001

	// owner records anchor reference and state chains
	RecordTypeClient       RecordType = 0x0080
	RecordTypeQueue        RecordType = 0x0081
	RecordTypeTopic        RecordType = 0x0082
	RecordTypeSubscription RecordType = 0x0083
	RecordTypeTransaction  RecordType = 0x0084
	RecordTypeBridgeQMgr   RecordType = 0x0085
	RecordTypeRemoteServer RecordType = 0x0086

	RecordTypeMessage           RecordType = 0x0100
	RecordTypeProperty          RecordType = 0x0101
	RecordTypeClientProps       RecordType = 0x0102
	RecordTypeQueueProps        RecordType = 0x0103
	RecordTypeTopicProps        RecordType = 0x0104
	RecordTypeSubscriptionProps RecordType = 0x0105
	RecordTypeBridgeXID         RecordType = 0x0106
	RecordTypeRemoteServerProps RecordType = 0x0107
)

var ownerRecordTypes = []RecordType{
	RecordTypeClient, RecordTypeQueue, RecordTypeTopic, RecordTypeSubscription,
	RecordTypeTransaction, RecordTypeBridgeQMgr, RecordTypeRemoteServer,
}

// OwnerRecordTypes lists all record types that can own references and
// states, in recovery order.
func OwnerRecordTypes() []RecordType {
	return append([]RecordType(nil), ownerRecordTypes...)
}

func (t RecordType) IsOwner() bool {
	return t >= RecordTypeClient && t <= RecordTypeRemoteServer
}

func (t RecordType) valid() bool {
	return t == RecordTypeServer || t.IsOwner() ||
		(t >= RecordTypeMessage && t <= RecordTypeRemoteServerProps)
}

func (t RecordType) String() string {
	switch t {
	case RecordTypeServer:
		return "Server"
	case RecordTypeClient:
		return "Client"
	case RecordTypeQueue:
		return "Queue"
	case RecordTypeTopic:
		return "Topic"
	case RecordTypeSubscription:
		return "Subscription"
	case RecordTypeTransaction:
		return "Transaction"
	case RecordTypeBridgeQMgr:
		return "BridgeQMgr"
	case RecordTypeRemoteServer:
		return "RemoteServer"
	case RecordTypeMessage:
		return "Message"
	case RecordTypeProperty:
		return "Property"
	case RecordTypeClientProps:
		return "ClientProps"
	case RecordTypeQueueProps:
		return "QueueProps"
	case RecordTypeTopicProps:
		return "TopicProps"
	case RecordTypeSubscriptionProps:
		return "SubscriptionProps"
	case RecordTypeBridgeXID:
		return "BridgeXID"
	case RecordTypeRemoteServerProps:
		return "RemoteServerProps"
	default:
		return fmt.Sprintf("RecordType(0x%04x)", uint16(t))
	}
}

// Record is the unit of data stored by the store. The payload may be passed
// in several fragments, which are stored back to back. Attribute and State
// are opaque to the store.
type Record struct {
	Type      RecordType
	Attribute uint64
	State     uint64
	Frags     [][]byte
}

func (r Record) DataLength() int {
	n := 0
	for _, f := range r.Frags {
		n += len(f)
	}
	return n
}

// Data returns the fragments joined into a single slice.
func (r Record) Data() []byte {
	if len(r.Frags) == 1 {
		return r.Frags[0]
	}
	return bytes.Join(r.Frags, nil)
}

// Reference points from an owner to a target (usually a message record).
// OrderID increases strictly within one owner.
type Reference struct {
	OrderID uint64
	Target  Handle
	Value   uint32
	State   uint8
}

// StateObject is an unordered keyed value attached to an owner.
type StateObject struct {
	Key   uint32
	Value uint64
}

// RefStats summarizes the reference chain of an owner.
type RefStats struct {
	MinimumActiveOrderID uint64
	HighestOrderID       uint64
	LowestGenID          GenID
	HighestGenID         GenID
	Count                int
}

// Reservation describes the capacity a transaction is going to need.
type Reservation struct {
	DataLength   uint64
	RecordsCount uint32
	RefsCount    uint32
}

// UpdateFlags select which fields UpdateRecord replaces.
type UpdateFlags uint8

const (
	UpdateAttribute UpdateFlags = 1 << iota
	UpdateState
)
