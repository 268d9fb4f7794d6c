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

	"github.com/pkg/errors"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

type tranOpKind uint8

const (
	tranOpPut tranOpKind = iota + 1
	tranOpConsume
)

type tranOp struct {
	kind tranOpKind
	q    *queueCore
	qm   *queuedMsg
}

type tranState uint8

const (
	tranActive tranState = iota
	tranCommitting
	tranCommitted
	tranRolledBack
)

// Transaction groups puts and acknowledgements. Each persistent operation
// is stored right away, marked as part of the transaction, so recovery can
// roll back or finish what a crash interrupted. A Transaction must not be
// used from several goroutines at once.
type Transaction struct {
	e      *Engine
	XID    []byte
	Global bool

	mu        sync.Mutex
	state     tranState
	handle    store.Handle
	refCtx    *store.RefContext
	stream    storeStream
	nextOrder uint64
	ops       []tranOp
	queues    map[*queueCore]struct{}
}

// BeginTransaction starts a transaction. Nothing is stored until the first
// persistent operation.
func (e *Engine) BeginTransaction(xid []byte, global bool) (*Transaction, error) {
	if err := e.accepting(); err != nil {
		return nil, err
	}
	t := &Transaction{
		e:         e,
		XID:       xid,
		Global:    global,
		nextOrder: 1,
		queues:    map[*queueCore]struct{}{},
	}
	e.txnsMu.Lock()
	e.txns[t] = struct{}{}
	e.txnsMu.Unlock()
	return t, nil
}

func (t *Transaction) checkActive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != tranActive {
		return errors.Wrap(ErrTranFinished, "transaction")
	}
	return nil
}

// join keeps q alive until the transaction completes.
func (t *Transaction) join(q *queueCore) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[q]; ok {
		return nil
	}
	if err := t.e.arena.acquire(q.id); err != nil {
		return err
	}
	t.queues[q] = struct{}{}
	return nil
}

func (t *Transaction) addOp(op tranOp) {
	t.mu.Lock()
	t.ops = append(t.ops, op)
	t.mu.Unlock()
}

// batch returns the transaction's store batch, storing the transaction
// record first if this is its first persistent operation.
func (t *Transaction) batch() (*storeBatch, error) {
	if t.stream == nil {
		st, err := t.e.openStream(false)
		if err != nil {
			return nil, errors.Wrap(err, "open transaction stream")
		}
		t.stream = st
	}
	if t.handle.IsNull() {
		hdr, err := encodeFields(fmtTransaction, transactionFields{XID: t.XID, Global: t.Global})
		if err != nil {
			return nil, err
		}
		h, err := t.stream.CreateRecord(store.Record{
			Type:  store.RecordTypeTransaction,
			State: tranStateInFlight,
			Frags: [][]byte{hdr},
		})
		if err != nil {
			_ = t.stream.Rollback()
			return nil, errors.Wrap(err, "store transaction")
		}
		if err := t.stream.Commit(); err != nil {
			if !errors.Is(err, store.ErrNotPersisted) {
				_ = t.stream.Rollback()
				return nil, errors.Wrap(err, "store transaction")
			}
			t.e.logger.WithField("action", "engine_transaction_begin").
				WithError(err).Warn("transaction record not flushed")
		}
		ctx, _, err := t.e.store.OpenReferenceContext(h)
		if err != nil {
			return nil, err
		}
		t.handle = h
		t.refCtx = ctx
	}
	return batchOn(t.stream, t.e.logger), nil
}

// recordOp stores a transaction operation reference pointing at the queue
// reference it concerns.
func (t *Transaction) recordOp(b *storeBatch, value uint32, queueRef store.Handle) error {
	order := t.nextOrder
	if _, err := b.st.CreateReference(t.refCtx, store.Reference{
		OrderID: order,
		Target:  queueRef,
		Value:   value,
	}, 0); err != nil {
		return errors.Wrap(err, "store transaction operation")
	}
	t.nextOrder++
	return nil
}

func (t *Transaction) finishing() ([]tranOp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != tranActive {
		return nil, errors.Wrap(ErrTranFinished, "transaction")
	}
	t.state = tranCommitting
	return t.ops, nil
}

// Commit makes the transaction's puts visible and its acknowledgements
// final. The committed state is stored before anything is applied.
func (t *Transaction) Commit() error {
	ops, err := t.finishing()
	if err != nil {
		return err
	}

	if !t.handle.IsNull() {
		b := batchOn(t.stream, t.e.logger)
		if err := b.st.UpdateRecord(t.handle, 0, tranStateCommitted, store.UpdateState); err != nil {
			b.abort()
			return t.failed(errors.Wrap(err, "mark transaction committed"))
		}
		if err := b.commit(); err != nil {
			return t.failed(errors.Wrap(err, "mark transaction committed"))
		}
	}

	if err := t.apply(ops, true); err != nil {
		return t.failed(err)
	}
	return t.done(tranCommitted)
}

// Rollback undoes the transaction's puts and gives its acknowledged
// messages back to their queues.
func (t *Transaction) Rollback() error {
	ops, err := t.finishing()
	if err != nil {
		return err
	}
	if err := t.apply(ops, false); err != nil {
		return t.failed(err)
	}
	return t.done(tranRolledBack)
}

// apply resolves all operations, store side and memory, and deletes the
// transaction record, in a single commit.
func (t *Transaction) apply(ops []tranOp, commit bool) error {
	byQueue := map[*queueCore][]tranOp{}
	var order []*queueCore
	for _, op := range ops {
		if _, ok := byQueue[op.q]; !ok {
			order = append(order, op.q)
		}
		byQueue[op.q] = append(byQueue[op.q], op)
	}

	var b *storeBatch
	if t.stream != nil {
		b = batchOn(t.stream, t.e.logger)
	} else {
		nb, err := t.e.newBatch()
		if err != nil {
			return err
		}
		b = nb
	}

	// queue locks are held until the batch is resolved, always taken in id
	// order
	sort.Slice(order, func(i, j int) bool { return order[i].id < order[j].id })
	for _, q := range order {
		q.mu.Lock()
	}
	defer func() {
		for _, q := range order {
			q.mu.Unlock()
		}
	}()

	for _, q := range order {
		for _, op := range byQueue[q] {
			if err := resolveOpStore(b, op, commit); err != nil {
				b.abort()
				return err
			}
		}
	}
	if !t.handle.IsNull() {
		if err := b.st.DeleteRecord(t.handle); err != nil {
			b.abort()
			return errors.Wrap(err, "delete transaction")
		}
	}
	if err := b.commit(); err != nil {
		return err
	}
	if t.refCtx != nil {
		_ = t.e.store.CloseReferenceContext(t.refCtx)
		t.refCtx = nil
	}
	t.handle = store.NullHandle

	for _, q := range order {
		for _, op := range byQueue[q] {
			resolveOpMemory(op, commit)
		}
		q.e.metrics.SetQueueDepth(q.name, q.depth)
	}
	return nil
}

func resolveOpStore(b *storeBatch, op tranOp, commit bool) error {
	q, qm := op.q, op.qm
	if qm.ref.IsNull() {
		return nil
	}
	switch {
	case op.kind == tranOpPut && commit:
		if err := b.st.UpdateReference(q.refCtx, qm.ref, uint8(MsgAvailable), q.minActiveLocked()); err != nil {
			return errors.Wrapf(err, "publish transactional put on %s", q.name)
		}
	case op.kind == tranOpPut:
		return q.removeStoreLocked(b, qm, false)
	case op.kind == tranOpConsume && commit:
		return q.removeStoreLocked(b, qm, false)
	}
	return nil
}

func resolveOpMemory(op tranOp, commit bool) {
	q, qm := op.q, op.qm
	switch {
	case op.kind == tranOpPut && commit:
		qm.putTxn = nil
		q.uncommitted--
		q.depth++
		q.counters.enqueued++
		q.e.metrics.QueueEvent(q.name, "enqueued", 1)
	case op.kind == tranOpPut:
		q.forgetLocked(qm)
	case op.kind == tranOpConsume && commit:
		qm.ackTxn = nil
		q.forgetLocked(qm)
		q.counters.dequeued++
		q.e.metrics.QueueEvent(q.name, "dequeued", 1)
	default:
		qm.ackTxn = nil
		qm.state = MsgDelivered
	}
}

// failed leaves the transaction active so the caller may retry or roll
// back.
func (t *Transaction) failed(err error) error {
	t.mu.Lock()
	t.state = tranActive
	t.mu.Unlock()
	return err
}

func (t *Transaction) done(state tranState) error {
	t.mu.Lock()
	t.state = state
	t.ops = nil
	queues := t.queues
	t.queues = map[*queueCore]struct{}{}
	t.mu.Unlock()

	if t.stream != nil {
		_ = t.stream.Close()
		t.stream = nil
	}
	t.e.txnsMu.Lock()
	delete(t.e.txns, t)
	t.e.txnsMu.Unlock()

	for q := range queues {
		q.e.arena.release(q.id)
	}
	// rolled back acknowledgements stay with their consumer, committed
	// puts may be deliverable now
	if state == tranCommitted {
		for q := range queues {
			q.CheckWaiters()
		}
	}
	return nil
}
