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
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

type queuedMsg struct {
	orderID       uint64
	msg           *Message
	ref           store.Handle
	state         MsgState
	deliveryCount uint32
	deliveryID    uint32
	waiter        *waiter
	client        *Client
	clientRef     store.Handle

	// invisible until the putting transaction commits
	putTxn *Transaction
	// consumed by a transaction that has not completed yet
	ackTxn *Transaction
	// put by a transaction that recovery has not resolved yet
	recoveryTxn bool
	removed     bool
}

func (qm *queuedMsg) hidden() bool {
	return qm.putTxn != nil || qm.recoveryTxn
}

func (qm *queuedMsg) deliverable(now time.Time) bool {
	return !qm.removed && !qm.hidden() && qm.ackTxn == nil &&
		qm.state == MsgAvailable && !qm.msg.expired(now)
}

type waiter struct {
	c       Consumer
	client  *Client
	enabled bool
}

type queueCounters struct {
	enqueued  uint64
	dequeued  uint64
	expired   uint64
	discarded uint64
	rejected  uint64
}

// queueCore holds what all variants share. Variants differ in how many
// waiters they accept and whether deliveries need acknowledging.
type queueCore struct {
	e           *Engine
	self        Queue
	id          QueueID
	name        string
	qtype       QueueType
	options     QueueOptions
	defnHandle  store.Handle
	propsHandle store.Handle
	ackRequired bool

	mu          sync.Mutex
	state       queueState
	policy      Policy
	refCtx      *store.RefContext
	msgs        []*queuedMsg
	head        int
	depth       int
	uncommitted int
	nextOrder   uint64
	waiters     []*waiter
	rr          int
	lazy        []store.Handle
	expiring    int
	nextExpiry  time.Time
	counters    queueCounters

	expiryMu sync.Mutex
}

func (q *queueCore) core() *queueCore { return q }

func (q *queueCore) ID() QueueID { return q.id }

func (q *queueCore) Name() string { return q.name }

func (q *queueCore) Type() QueueType { return q.qtype }

func (q *queueCore) Options() QueueOptions {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.options
}

func (q *queueCore) Policy() Policy {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.policy
}

// SetPolicy changes the policy in memory, the stored properties keep the
// policy the queue was created with.
func (q *queueCore) SetPolicy(p Policy) {
	q.mu.Lock()
	q.policy = p
	q.mu.Unlock()
}

func (q *queueCore) persistent() bool {
	return !q.options.Has(OptionTemporary) && !q.defnHandle.IsNull()
}

func (q *queueCore) acceptingLocked() error {
	switch q.state {
	case queueLive:
		return nil
	case queueMarkedDeleted, queueDeleted:
		return errors.Wrapf(ErrQueueDeleted, "queue %s", q.name)
	default:
		return errors.Wrapf(store.ErrStateNotAvailable, "queue %s is recovering", q.name)
	}
}

// minActiveLocked is the lowest order id the queue still needs.
func (q *queueCore) minActiveLocked() uint64 {
	for i := q.head; i < len(q.msgs); i++ {
		if !q.msgs[i].removed {
			return q.msgs[i].orderID
		}
	}
	return q.nextOrder
}

func (q *queueCore) advanceLocked() {
	for q.head < len(q.msgs) && q.msgs[q.head].removed {
		q.msgs[q.head] = nil
		q.head++
	}
	if q.head > 1024 && q.head > len(q.msgs)/2 {
		n := copy(q.msgs, q.msgs[q.head:])
		for i := n; i < len(q.msgs); i++ {
			q.msgs[i] = nil
		}
		q.msgs = q.msgs[:n]
		q.head = 0
	}
}

func (q *queueCore) trackExpiryLocked(qm *queuedMsg) {
	exp := qm.msg.Header.Expiry
	if exp.IsZero() {
		return
	}
	q.expiring++
	if q.nextExpiry.IsZero() || exp.Before(q.nextExpiry) {
		q.nextExpiry = exp
	}
	q.e.reaper.track(q.id)
}

func (q *queueCore) Put(txn *Transaction, msg *Message, in InputTreatment) error {
	q.mu.Lock()
	if err := q.acceptingLocked(); err != nil {
		q.mu.Unlock()
		return err
	}
	// puts of open transactions count toward the limit
	if max := q.policy.MaxMessageCount; max > 0 && uint64(q.depth+q.uncommitted) >= max {
		if q.policy.DiscardOldest {
			q.reclaimLocked()
		}
		if uint64(q.depth+q.uncommitted) >= max {
			q.counters.rejected++
			q.mu.Unlock()
			q.e.metrics.QueueEvent(q.name, "rejected", 1)
			return errors.Wrapf(ErrDestinationFull, "queue %s holds %d messages", q.name, max)
		}
	}
	if txn != nil {
		if err := txn.join(q); err != nil {
			q.mu.Unlock()
			return err
		}
	}

	// a failed put uses up its order id, the store does not take it twice
	qm := &queuedMsg{orderID: q.nextOrder, msg: msg}
	q.nextOrder++
	if q.persistent() && msg.Persistent() {
		if err := q.persistPutLocked(txn, qm); err != nil {
			q.mu.Unlock()
			return errors.Wrapf(err, "put to queue %s", q.name)
		}
	}
	if in == InputRefCount {
		msg.AddRef()
	}
	q.msgs = append(q.msgs, qm)
	q.trackExpiryLocked(qm)

	if txn != nil {
		qm.putTxn = txn
		q.uncommitted++
		txn.addOp(tranOp{kind: tranOpPut, q: q, qm: qm})
		q.mu.Unlock()
		return nil
	}
	q.depth++
	q.counters.enqueued++
	depth := q.depth
	q.mu.Unlock()

	q.e.metrics.QueueEvent(q.name, "enqueued", 1)
	q.e.metrics.SetQueueDepth(q.name, depth)
	q.CheckWaiters()
	return nil
}

func (q *queueCore) persistPutLocked(txn *Transaction, qm *queuedMsg) error {
	var b *storeBatch
	var err error
	if txn != nil {
		b, err = txn.batch()
	} else {
		b, err = q.e.newBatch()
	}
	if err != nil {
		return err
	}

	target, err := qm.msg.addStoreRef(b)
	if err != nil {
		b.abort()
		return err
	}
	state := uint8(MsgAvailable)
	if txn != nil {
		state |= refStateInTransaction
	}
	ref, err := b.st.CreateReference(q.refCtx, store.Reference{
		OrderID: qm.orderID,
		Target:  target,
		State:   state,
	}, q.minActiveLocked())
	if err != nil {
		b.abort()
		return errors.Wrap(err, "reference message")
	}
	if txn != nil {
		if err := txn.recordOp(b, torPutMessage, ref); err != nil {
			b.abort()
			return err
		}
	}
	if err := b.commit(); err != nil {
		return err
	}
	qm.ref = ref
	return nil
}

func (q *queueCore) initWaiter(c Consumer, max int) error {
	q.mu.Lock()
	if err := q.acceptingLocked(); err != nil {
		q.mu.Unlock()
		return err
	}
	for _, w := range q.waiters {
		if w.c == c {
			q.mu.Unlock()
			return errors.Wrapf(ErrWaiterInUse, "consumer already attached to %s", q.name)
		}
	}
	if max > 0 && len(q.waiters) >= max {
		q.mu.Unlock()
		return errors.Wrapf(ErrWaiterInUse, "queue %s", q.name)
	}
	if err := q.e.arena.acquire(q.id); err != nil {
		q.mu.Unlock()
		return err
	}
	w := &waiter{c: c}
	if cc, ok := c.(ClientConsumer); ok {
		w.client = cc.Client()
	}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
	return nil
}

func (q *queueCore) findWaiterLocked(c Consumer) (int, *waiter) {
	for i, w := range q.waiters {
		if w.c == c {
			return i, w
		}
	}
	return -1, nil
}

// TermWaiter detaches the consumer. Its unacknowledged deliveries become
// available again unless a durable client still owns them.
func (q *queueCore) TermWaiter(c Consumer) error {
	q.mu.Lock()
	i, w := q.findWaiterLocked(c)
	if w == nil {
		q.mu.Unlock()
		return errors.Wrapf(store.ErrNotFound, "consumer of %s", q.name)
	}
	q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)

	redeliver := false
	if w.client == nil || !w.client.Durable {
		for _, qm := range q.msgs[q.head:] {
			if qm.removed || qm.waiter != w || qm.state != MsgDelivered || qm.ackTxn != nil {
				continue
			}
			if err := q.makeAvailableLocked(qm); err != nil {
				q.e.logger.WithField("action", "queue_term_waiter").
					WithField("queue", q.name).
					WithError(err).
					Warn("could not return delivered message")
				continue
			}
			redeliver = true
		}
	}
	q.mu.Unlock()

	q.e.arena.release(q.id)
	if redeliver {
		q.CheckWaiters()
	}
	return nil
}

func (q *queueCore) EnableWaiter(c Consumer) error {
	q.mu.Lock()
	_, w := q.findWaiterLocked(c)
	if w == nil {
		q.mu.Unlock()
		return errors.Wrapf(store.ErrNotFound, "consumer of %s", q.name)
	}
	w.enabled = true
	q.mu.Unlock()

	q.CheckWaiters()
	return nil
}

func (q *queueCore) DisableWaiter(c Consumer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, w := q.findWaiterLocked(c)
	if w == nil {
		return errors.Wrapf(store.ErrNotFound, "consumer of %s", q.name)
	}
	w.enabled = false
	return nil
}

// CheckWaiters delivers available messages to enabled waiters until either
// runs out.
func (q *queueCore) CheckWaiters() {
	for {
		d, w := q.nextDelivery()
		if d == nil {
			return
		}
		if !w.c.Deliver(d) {
			q.mu.Lock()
			w.enabled = false
			q.mu.Unlock()
		}
	}
}

func (q *queueCore) pickWaiterLocked() *waiter {
	n := len(q.waiters)
	for i := 0; i < n; i++ {
		w := q.waiters[(q.rr+i)%n]
		if w.enabled && (w.client == nil || !w.client.isDestroyed()) {
			q.rr = (q.rr + i + 1) % n
			return w
		}
	}
	return nil
}

func (q *queueCore) nextDelivery() (*Delivery, *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != queueLive && q.state != queueMarkedDeleted {
		return nil, nil
	}
	w := q.pickWaiterLocked()
	if w == nil {
		return nil, nil
	}
	now := time.Now()
	var qm *queuedMsg
	for _, m := range q.msgs[q.head:] {
		if m.deliverable(now) {
			qm = m
			break
		}
	}
	if qm == nil {
		return nil, nil
	}

	d := &Delivery{Message: qm.msg, OrderID: qm.orderID, queue: q.self, qm: qm}
	if !q.ackRequired {
		b, err := q.e.newBatch()
		if err == nil {
			if err = q.removeStoreLocked(b, qm, false); err != nil {
				b.abort()
			} else {
				err = b.commit()
			}
		}
		if err != nil {
			q.logDeliveryError(err)
			return nil, nil
		}
		qm.deliveryCount++
		d.DeliveryCount = qm.deliveryCount
		q.forgetLocked(qm)
		q.counters.dequeued++
		q.e.metrics.QueueEvent(q.name, "dequeued", 1)
		q.e.metrics.SetQueueDepth(q.name, q.depth)
		return d, w
	}

	if err := q.markDeliveredLocked(qm, w); err != nil {
		q.logDeliveryError(err)
		return nil, nil
	}
	d.DeliveryCount = qm.deliveryCount
	d.DeliveryID = qm.deliveryID
	return d, w
}

func (q *queueCore) logDeliveryError(err error) {
	q.e.logger.WithField("action", "queue_deliver").
		WithField("queue", q.name).
		WithError(err).
		Error("could not deliver message")
}

// markDeliveredLocked assigns the message to w. For a durable client the
// delivered state and the delivery id are stored.
func (q *queueCore) markDeliveredLocked(qm *queuedMsg, w *waiter) error {
	if w.client != nil {
		id := w.client.nextDeliveryID()
		if w.client.Durable && !qm.ref.IsNull() {
			b, err := q.e.newBatch()
			if err != nil {
				return err
			}
			if err := b.st.UpdateReference(q.refCtx, qm.ref, uint8(MsgDelivered), q.minActiveLocked()); err != nil {
				b.abort()
				return errors.Wrap(err, "mark delivered")
			}
			clientRef, err := w.client.addDeliveryRef(b, qm.ref, id)
			if err != nil {
				b.abort()
				return err
			}
			if err := b.commit(); err != nil {
				return err
			}
			qm.clientRef = clientRef
		}
		qm.deliveryID = id
		qm.client = w.client
		w.client.trackDelivery(id, q, qm, qm.clientRef)
	}
	qm.state = MsgDelivered
	qm.waiter = w
	qm.deliveryCount++
	return nil
}

// makeAvailableLocked undoes a delivery.
func (q *queueCore) makeAvailableLocked(qm *queuedMsg) error {
	if !qm.clientRef.IsNull() {
		b, err := q.e.newBatch()
		if err != nil {
			return err
		}
		if err := b.st.UpdateReference(q.refCtx, qm.ref, uint8(MsgAvailable), q.minActiveLocked()); err != nil {
			b.abort()
			return errors.Wrap(err, "mark available")
		}
		if err := qm.client.dropDeliveryRef(b, qm.deliveryID, qm.clientRef); err != nil {
			b.abort()
			return err
		}
		if err := b.commit(); err != nil {
			return err
		}
	}
	if qm.client != nil {
		qm.client.forgetDelivery(qm.deliveryID)
	}
	qm.state = MsgAvailable
	qm.waiter = nil
	qm.client = nil
	qm.clientRef = store.NullHandle
	qm.deliveryID = 0
	return nil
}

// removeStoreLocked adds the store side of removing qm to b. With lazy set
// the message record delete is left to the next ack batch.
func (q *queueCore) removeStoreLocked(b *storeBatch, qm *queuedMsg, lazy bool) error {
	if qm.ref.IsNull() {
		return nil
	}
	if err := b.st.DeleteReference(q.refCtx, qm.ref, q.minActiveLocked()); err != nil {
		return errors.Wrap(err, "delete message reference")
	}
	if qm.client != nil && !qm.clientRef.IsNull() {
		if err := qm.client.dropDeliveryRef(b, qm.deliveryID, qm.clientRef); err != nil {
			return err
		}
	}
	var toLazy func(store.Handle)
	if lazy {
		toLazy = func(h store.Handle) { q.lazy = append(q.lazy, h) }
	}
	return qm.msg.dropStoreRef(b, toLazy)
}

// forgetLocked drops qm from memory once its store side is gone.
func (q *queueCore) forgetLocked(qm *queuedMsg) {
	if qm.removed {
		return
	}
	qm.removed = true
	if qm.putTxn != nil {
		q.uncommitted--
	}
	if !qm.hidden() {
		q.depth--
	}
	if !qm.msg.Header.Expiry.IsZero() {
		q.expiring--
	}
	if qm.client != nil {
		qm.client.forgetDelivery(qm.deliveryID)
	}
	qm.msg.Release()
	q.advanceLocked()
}

func (q *queueCore) validDeliveryLocked(d *Delivery) (*queuedMsg, error) {
	if d == nil || d.qm == nil || d.queue == nil || d.queue.core() != q {
		return nil, errors.Wrap(store.ErrInvalidValue, "delivery of another queue")
	}
	qm := d.qm
	if qm.removed || qm.state != MsgDelivered || qm.ackTxn != nil {
		return nil, errors.Wrapf(store.ErrNotFound, "delivery %d on %s", d.OrderID, q.name)
	}
	return qm, nil
}

// PrepareAck takes the store capacity the acknowledgement needs, so
// ProcessAck cannot fail for lack of a stream.
func (q *queueCore) PrepareAck(d *Delivery) (*AckToken, error) {
	q.mu.Lock()
	qm, err := q.validDeliveryLocked(d)
	persisted := qm != nil && !qm.ref.IsNull()
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	tok := &AckToken{d: d}
	if persisted {
		b, err := q.e.newBatch()
		if err != nil {
			return nil, err
		}
		tok.batch = b
	}
	return tok, nil
}

func (q *queueCore) ProcessAck(txn *Transaction, tok *AckToken, lazy bool) error {
	if tok == nil {
		return errors.Wrap(store.ErrInvalidValue, "no ack token")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	qm, err := q.validDeliveryLocked(tok.d)
	if err != nil {
		if tok.batch != nil {
			tok.batch.abort()
		}
		return err
	}

	if txn != nil {
		if tok.batch != nil {
			tok.batch.abort()
		}
		return q.ackInTransactionLocked(txn, qm)
	}

	if tok.batch != nil {
		b := tok.batch
		if qm.ref.IsNull() {
			b.abort()
		} else {
			if err := q.removeStoreLocked(b, qm, lazy); err != nil {
				b.abort()
				return errors.Wrapf(err, "acknowledge on %s", q.name)
			}
			if err := b.commit(); err != nil {
				return errors.Wrapf(err, "acknowledge on %s", q.name)
			}
		}
	}
	q.forgetLocked(qm)
	q.counters.dequeued++
	q.e.metrics.QueueEvent(q.name, "dequeued", 1)
	q.e.metrics.SetQueueDepth(q.name, q.depth)

	if len(q.lazy) >= q.e.cfg.AckBatchSize {
		return q.completeAckBatchLocked()
	}
	return nil
}

func (q *queueCore) ackInTransactionLocked(txn *Transaction, qm *queuedMsg) error {
	if err := txn.join(q); err != nil {
		return err
	}
	if !qm.ref.IsNull() {
		b, err := txn.batch()
		if err != nil {
			return err
		}
		if err := txn.recordOp(b, torConsumeMsg, qm.ref); err != nil {
			b.abort()
			return err
		}
		if err := b.commit(); err != nil {
			return err
		}
	}
	qm.ackTxn = txn
	qm.state = MsgReceived
	txn.addOp(tranOp{kind: tranOpConsume, q: q, qm: qm})
	return nil
}

// CompleteAckBatch deletes the message records lazy acknowledgements left
// behind.
func (q *queueCore) CompleteAckBatch() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completeAckBatchLocked()
}

func (q *queueCore) completeAckBatchLocked() error {
	if len(q.lazy) == 0 {
		return nil
	}
	b, err := q.e.newBatch()
	if err != nil {
		return err
	}
	for _, h := range q.lazy {
		if err := b.st.DeleteRecord(h); err != nil && !errors.Is(err, store.ErrNotFound) {
			b.abort()
			return errors.Wrap(err, "delete acknowledged message")
		}
	}
	if err := b.commit(); err != nil {
		return err
	}
	q.lazy = q.lazy[:0]
	return nil
}

// Relinquish gives a delivery back. With redeliver the message becomes
// available again, otherwise it is discarded.
func (q *queueCore) Relinquish(d *Delivery, redeliver bool) error {
	q.mu.Lock()
	qm, err := q.validDeliveryLocked(d)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	if redeliver {
		err = q.makeAvailableLocked(qm)
		q.mu.Unlock()
		if err != nil {
			return errors.Wrapf(err, "relinquish on %s", q.name)
		}
		q.CheckWaiters()
		return nil
	}
	defer q.mu.Unlock()

	if _, err := q.discardLocked([]*queuedMsg{qm}); err != nil {
		return errors.Wrapf(err, "relinquish on %s", q.name)
	}
	q.counters.discarded++
	q.e.metrics.QueueEvent(q.name, "discarded", 1)
	return nil
}

// discardLocked removes the given messages in a single commit.
func (q *queueCore) discardLocked(victims []*queuedMsg) (int, error) {
	if len(victims) == 0 {
		return 0, nil
	}
	b, err := q.e.newBatch()
	if err != nil {
		return 0, err
	}
	for _, qm := range victims {
		if err := q.removeStoreLocked(b, qm, false); err != nil {
			b.abort()
			return 0, err
		}
	}
	if err := b.commit(); err != nil {
		return 0, err
	}
	for _, qm := range victims {
		q.forgetLocked(qm)
	}
	q.e.metrics.SetQueueDepth(q.name, q.depth)
	return len(victims), nil
}

func (q *queueCore) ReapExpiredMsgs(now time.Time, forceFullScan bool) ReapResult {
	if !q.expiryMu.TryLock() {
		return ReapNoExpiryLock
	}
	defer q.expiryMu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == queueDeleted || q.expiring <= 0 {
		return ReapRemoveQ
	}
	if q.state == queueRecovering {
		return ReapOK
	}
	if !forceFullScan && (q.nextExpiry.IsZero() || now.Before(q.nextExpiry)) {
		return ReapOK
	}

	var victims []*queuedMsg
	next := time.Time{}
	for _, qm := range q.msgs[q.head:] {
		if qm.removed || qm.msg.Header.Expiry.IsZero() {
			continue
		}
		if qm.state == MsgAvailable && !qm.hidden() && qm.ackTxn == nil && qm.msg.expired(now) {
			victims = append(victims, qm)
			continue
		}
		if exp := qm.msg.Header.Expiry; next.IsZero() || exp.Before(next) {
			next = exp
		}
	}

	n, err := q.discardLocked(victims)
	if err != nil {
		q.e.logger.WithField("action", "queue_reap_expired").
			WithField("queue", q.name).
			WithError(err).
			Warn("could not remove expired messages")
		return ReapOK
	}
	q.nextExpiry = next
	q.counters.expired += uint64(n)
	q.e.metrics.QueueEvent(q.name, "expired", n)

	if q.expiring <= 0 {
		return ReapRemoveQ
	}
	return ReapOK
}

// ReclaimSpace discards the oldest available messages until the depth is
// back under the reclaim target of the policy. It returns how many went.
func (q *queueCore) ReclaimSpace(takeLock bool) int {
	if takeLock {
		q.mu.Lock()
		defer q.mu.Unlock()
	}
	return q.reclaimLocked()
}

func (q *queueCore) reclaimLocked() int {
	max := q.policy.MaxMessageCount
	if max == 0 || uint64(q.depth) <= q.policy.reclaimTarget() {
		return 0
	}
	excess := uint64(q.depth) - q.policy.reclaimTarget()

	var victims []*queuedMsg
	for _, qm := range q.msgs[q.head:] {
		if uint64(len(victims)) == excess {
			break
		}
		if !qm.removed && !qm.hidden() && qm.ackTxn == nil && qm.state == MsgAvailable {
			victims = append(victims, qm)
		}
	}
	n, err := q.discardLocked(victims)
	if err != nil {
		q.e.logger.WithField("action", "queue_reclaim_space").
			WithField("queue", q.name).
			WithError(err).
			Warn("could not discard messages")
		return 0
	}
	q.counters.discarded += uint64(n)
	q.e.metrics.QueueEvent(q.name, "discarded", n)
	return n
}

// Drain discards every available message. Deliveries in flight stay until
// they are acknowledged.
func (q *queueCore) Drain() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var victims []*queuedMsg
	for _, qm := range q.msgs[q.head:] {
		if !qm.removed && !qm.hidden() && qm.ackTxn == nil && qm.state == MsgAvailable {
			victims = append(victims, qm)
		}
	}
	n, err := q.discardLocked(victims)
	if err != nil {
		return errors.Wrapf(err, "drain %s", q.name)
	}
	q.counters.discarded += uint64(n)
	q.e.metrics.QueueEvent(q.name, "discarded", n)
	return nil
}

func (q *queueCore) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := QueueStats{
		Depth:       q.depth,
		Uncommitted: q.uncommitted,
		Waiters:     len(q.waiters),
		MaxMessages: q.policy.MaxMessageCount,
		Enqueued:    q.counters.enqueued,
		Dequeued:    q.counters.dequeued,
		Expired:     q.counters.expired,
		Discarded:   q.counters.discarded,
		Rejected:    q.counters.rejected,
	}
	for _, qm := range q.msgs[q.head:] {
		if !qm.removed && (qm.state == MsgDelivered || qm.state == MsgReceived) {
			s.Inflight++
		}
	}
	return s
}

// MarkDeleted stops the queue from taking new messages. The queue lives on
// until the last user releases it.
func (q *queueCore) MarkDeleted() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == queueMarkedDeleted || q.state == queueDeleted {
		return nil
	}
	wasRecovering := q.state == queueRecovering
	if q.persistent() {
		b, err := q.e.newBatch()
		if err != nil {
			return err
		}
		if err := b.st.UpdateRecord(q.defnHandle, 0, queueStateDeleted, store.UpdateState); err != nil {
			b.abort()
			return errors.Wrapf(err, "mark %s deleted", q.name)
		}
		if err := b.commit(); err != nil {
			return errors.Wrapf(err, "mark %s deleted", q.name)
		}
	}
	q.state = queueMarkedDeleted
	q.e.metrics.MarkQueueDeleted(q.qtype.String(), wasRecovering)
	return nil
}

func (q *queueCore) IsDeleted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == queueMarkedDeleted || q.state == queueDeleted
}

// sweep physically deletes the queue. Deleting the definition record drops
// its reference chain with it.
func (q *queueCore) sweep() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == queueDeleted {
		return nil
	}
	if err := q.completeAckBatchLocked(); err != nil {
		return err
	}
	if q.persistent() {
		if q.refCtx != nil {
			if err := q.e.store.CloseReferenceContext(q.refCtx); err != nil {
				return errors.Wrapf(err, "close references of %s", q.name)
			}
			q.refCtx = nil
		}
		b, err := q.e.newBatch()
		if err != nil {
			return err
		}
		for _, qm := range q.msgs[q.head:] {
			if qm.removed || qm.ref.IsNull() {
				continue
			}
			if qm.client != nil && !qm.clientRef.IsNull() {
				if err := qm.client.dropDeliveryRef(b, qm.deliveryID, qm.clientRef); err != nil {
					b.abort()
					return err
				}
			}
			if err := qm.msg.dropStoreRef(b, nil); err != nil {
				b.abort()
				return err
			}
		}
		if !q.propsHandle.IsNull() {
			if err := b.st.DeleteRecord(q.propsHandle); err != nil {
				b.abort()
				return errors.Wrapf(err, "delete properties of %s", q.name)
			}
		}
		if err := b.st.DeleteRecord(q.defnHandle); err != nil {
			b.abort()
			return errors.Wrapf(err, "delete definition of %s", q.name)
		}
		if err := b.commit(); err != nil {
			return err
		}
	}
	for _, qm := range q.msgs[q.head:] {
		if !qm.removed {
			qm.ref = store.NullHandle
			q.forgetLocked(qm)
		}
	}
	q.msgs, q.head = nil, 0
	q.state = queueDeleted
	q.e.metrics.SweepQueue(q.qtype.String(), q.name)
	return nil
}

// rehydrateRef restores one stored reference of the queue.
func (q *queueCore) rehydrateRef(h store.Handle, ref store.Reference, msg *Message) *queuedMsg {
	msg.mu.Lock()
	msg.storeRefs++
	msg.mu.Unlock()
	msg.AddRef()

	qm := &queuedMsg{
		orderID:     ref.OrderID,
		msg:         msg,
		ref:         h,
		state:       MsgState(ref.State & refStateMask),
		recoveryTxn: ref.State&refStateInTransaction != 0,
	}
	if qm.state != MsgAvailable {
		qm.deliveryCount = 1
	}
	q.msgs = append(q.msgs, qm)
	if ref.OrderID >= q.nextOrder {
		q.nextOrder = ref.OrderID + 1
	}
	return qm
}

// completeRehydrate makes a recovered queue live. Deliveries no client
// claimed are given back.
func (q *queueCore) completeRehydrate() {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(q.msgs, func(i, j int) bool { return q.msgs[i].orderID < q.msgs[j].orderID })
	q.depth = 0
	q.uncommitted = 0
	q.expiring = 0
	q.nextExpiry = time.Time{}
	for _, qm := range q.msgs {
		if qm.removed {
			continue
		}
		if qm.state != MsgAvailable && qm.client == nil {
			qm.state = MsgAvailable
		}
		switch {
		case qm.putTxn != nil:
			q.uncommitted++
		case !qm.hidden():
			q.depth++
		}
		q.trackExpiryLocked(qm)
	}
	q.advanceLocked()

	q.options &^= OptionInRecovery
	if q.state == queueRecovering {
		q.state = queueLive
		q.e.metrics.FinishRecoveringQueue(q.qtype.String())
	}
	q.e.metrics.SetQueueDepth(q.name, q.depth)
}
