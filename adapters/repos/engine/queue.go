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
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

type QueueType uint8

const (
	// Simple queues consume on delivery, there is no acknowledgement.
	Simple QueueType = iota + 1
	// Intermediate queues serve one consumer that acknowledges.
	Intermediate
	// MultiConsumer queues share messages between consumers.
	MultiConsumer
)

func (t QueueType) String() string {
	switch t {
	case Simple:
		return "simple"
	case Intermediate:
		return "intermediate"
	case MultiConsumer:
		return "multi_consumer"
	default:
		return fmt.Sprintf("QueueType(%d)", uint8(t))
	}
}

type QueueOptions uint32

const (
	OptionSingleConsumerOnly QueueOptions = 0x00000001
	OptionInRecovery         QueueOptions = 0x01000000
	OptionSubscriptionQueue  QueueOptions = 0x02000000
	OptionTemporary          QueueOptions = 0x04000000
	OptionRemoteServerQueue  QueueOptions = 0x08000000
)

func (o QueueOptions) Has(flag QueueOptions) bool {
	return o&flag == flag
}

type Policy struct {
	// 0 means unlimited
	MaxMessageCount uint64
	DiscardOldest   bool
}

// reclaimTarget is the depth ReclaimSpace discards down to.
func (p Policy) reclaimTarget() uint64 {
	target := 1 + p.MaxMessageCount*95/100
	if target >= p.MaxMessageCount {
		target = p.MaxMessageCount - 1
	}
	return target
}

type InputTreatment uint8

const (
	// InputRefCount makes the queue take its own usage of the message.
	InputRefCount InputTreatment = iota
	// InputInherit hands the caller's usage over to the queue.
	InputInherit
)

type ReapResult uint8

const (
	ReapOK ReapResult = iota
	// ReapRemoveQ tells the reaper the queue has no expiring messages left.
	ReapRemoveQ
	ReapNoExpiryLock
)

type MsgState uint8

const (
	MsgAvailable MsgState = 0
	MsgDelivered MsgState = 1
	MsgReceived  MsgState = 2
	MsgConsumed  MsgState = 3
)

const (
	refStateMask          uint8 = 0x0f
	refStateInTransaction uint8 = 0x80
)

type queueState uint8

const (
	queueCreated queueState = iota
	queueRecovering
	queueLive
	queueMarkedDeleted
	queueDeleted
)

type QueueStats struct {
	Depth       int
	Uncommitted int
	Inflight    int
	Waiters     int
	MaxMessages uint64
	Enqueued    uint64
	Dequeued    uint64
	Expired     uint64
	Discarded   uint64
	Rejected    uint64
}

// Consumer receives messages from a queue.
type Consumer interface {
	// Deliver hands over a message. Returning false disables the waiter
	// until it is enabled again.
	Deliver(d *Delivery) bool
}

// ClientConsumer is a consumer acting for a client. Its deliveries get
// delivery ids which durable clients persist.
type ClientConsumer interface {
	Consumer
	Client() *Client
}

// Delivery is a message handed to a consumer.
type Delivery struct {
	Message       *Message
	OrderID       uint64
	DeliveryCount uint32
	DeliveryID    uint32

	queue Queue
	qm    *queuedMsg
}

func (d *Delivery) Queue() Queue {
	return d.queue
}

func (d *Delivery) Redelivered() bool {
	return d.DeliveryCount > 1
}

// AckToken is the result of PrepareAck, consumed by ProcessAck.
type AckToken struct {
	d     *Delivery
	batch *storeBatch
}

// Queue is implemented by the three queue variants.
type Queue interface {
	ID() QueueID
	Name() string
	Type() QueueType
	Options() QueueOptions
	Policy() Policy
	SetPolicy(p Policy)

	Put(txn *Transaction, msg *Message, in InputTreatment) error

	InitWaiter(c Consumer) error
	TermWaiter(c Consumer) error
	EnableWaiter(c Consumer) error
	DisableWaiter(c Consumer) error
	CheckWaiters()

	PrepareAck(d *Delivery) (*AckToken, error)
	ProcessAck(txn *Transaction, tok *AckToken, lazy bool) error
	CompleteAckBatch() error
	Relinquish(d *Delivery, redeliver bool) error

	ReapExpiredMsgs(now time.Time, forceFullScan bool) ReapResult
	ReclaimSpace(takeLock bool) int
	Drain() error
	Stats() QueueStats
	MarkDeleted() error
	IsDeleted() bool

	core() *queueCore
}

type simpleQueue struct{ *queueCore }

type intermediateQueue struct{ *queueCore }

type multiConsumerQueue struct{ *queueCore }

func (q *simpleQueue) InitWaiter(c Consumer) error {
	return q.initWaiter(c, 1)
}

func (q *simpleQueue) PrepareAck(d *Delivery) (*AckToken, error) {
	return nil, errors.Wrapf(store.ErrInvalidValue, "simple queue %s takes no acknowledgements", q.name)
}

func (q *simpleQueue) Relinquish(d *Delivery, redeliver bool) error {
	return errors.Wrapf(store.ErrInvalidValue, "simple queue %s takes no acknowledgements", q.name)
}

func (q *intermediateQueue) InitWaiter(c Consumer) error {
	return q.initWaiter(c, 1)
}

func (q *multiConsumerQueue) InitWaiter(c Consumer) error {
	if q.options.Has(OptionSingleConsumerOnly) {
		return q.initWaiter(c, 1)
	}
	return q.initWaiter(c, 0)
}

// createQ builds the in-memory queue of the requested variant. The store
// records, if any, already exist.
func createQ(e *Engine, name string, qtype QueueType, options QueueOptions, policy Policy,
	defnHandle, propsHandle store.Handle,
) (Queue, error) {
	c := &queueCore{
		e:           e,
		name:        name,
		qtype:       qtype,
		options:     options,
		policy:      policy,
		defnHandle:  defnHandle,
		propsHandle: propsHandle,
		nextOrder:   1,
		ackRequired: qtype != Simple,
		state:       queueLive,
	}
	if options.Has(OptionInRecovery) {
		c.state = queueRecovering
	}

	var q Queue
	switch qtype {
	case Simple:
		q = &simpleQueue{c}
	case Intermediate:
		q = &intermediateQueue{c}
	case MultiConsumer:
		q = &multiConsumerQueue{c}
	default:
		return nil, errors.Wrapf(store.ErrInvalidValue, "queue type %d", qtype)
	}
	c.self = q
	return q, nil
}
