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

	"github.com/pkg/errors"

	"github.com/weaviate/msgbroker/adapters/repos/store"
)

type ownerHalf struct {
	h        store.Handle
	rtype    store.RecordType
	state    uint64
	qtype    QueueType
	clientID string
}

type propsHalf struct {
	h      store.Handle
	rtype  store.RecordType
	queue  queuePropsFields
	client clientPropsFields
	remote remoteServerPropsFields
}

type recoveredRef struct {
	q  *queueCore
	qm *queuedMsg
}

type clientRef struct {
	c  *Client
	h  store.Handle
	id uint32
}

var propsOf = map[store.RecordType]store.RecordType{
	store.RecordTypeClient:       store.RecordTypeClientProps,
	store.RecordTypeQueue:        store.RecordTypeQueueProps,
	store.RecordTypeSubscription: store.RecordTypeSubscriptionProps,
	store.RecordTypeRemoteServer: store.RecordTypeRemoteServerProps,
}

// recovery rebuilds the engine from the store in a single pass before
// anything is delivered.
type recovery struct {
	e      *Engine
	st     *store.Store
	report *RecoveryReport

	owners     *pairTracker[store.Handle, ownerHalf, propsHalf]
	deliveries *pairTracker[store.Handle, *recoveredRef, clientRef]
	badOwners  map[store.Handle]struct{}

	queues        []*queueCore
	deletedQueues []*queueCore
	clients       []*Client
	remotes       []*RemoteServer

	messages    map[store.Handle]*Message
	badMessages map[store.Handle]struct{}
	refs        map[store.Handle]*recoveredRef

	discard   []store.Handle
	staleRefs []clientRef
}

func newRecovery(e *Engine) *recovery {
	r := &recovery{
		e:           e,
		st:          e.store,
		report:      newRecoveryReport(),
		badOwners:   map[store.Handle]struct{}{},
		messages:    map[store.Handle]*Message{},
		badMessages: map[store.Handle]struct{}{},
		refs:        map[store.Handle]*recoveredRef{},
	}
	r.owners = newPairTracker[store.Handle, ownerHalf, propsHalf](r.pairOwner)
	r.deliveries = newPairTracker[store.Handle, *recoveredRef, clientRef](r.pairDelivery)
	return r
}

func (r *recovery) run() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"server", r.server},
		{"owners", r.readOwners},
		{"properties", r.readProperties},
		{"queue references", r.readQueueRefs},
		{"client references", r.readClientRefs},
		{"transactions", r.resolveTransactions},
		{"stray transactional puts", r.rollbackStray},
		{"orphan messages", r.findOrphanMessages},
		{"discard", r.discardRecords},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return errors.Wrapf(err, "recover %s", step.name)
		}
	}
	r.reconcile()
	return nil
}

func (r *recovery) bad(t store.RecordType, h store.Handle, err error) {
	r.report.addBad(t, h, err)
	r.e.metrics.RecoveredRecord(t.String(), "bad")
	r.e.logger.WithField("action", "engine_recovery_bad_record").
		WithField("record_type", t.String()).
		WithField("handle", h.String()).
		WithError(err).
		Warn("unreadable record left in the store")
}

func (r *recovery) drop(t store.RecordType, h store.Handle, reason string) {
	r.discard = append(r.discard, h)
	r.report.Discarded++
	r.e.metrics.RecoveredRecord(t.String(), "discarded")
	r.e.logger.WithField("action", "engine_recovery_discard").
		WithField("record_type", t.String()).
		WithField("handle", h.String()).
		Info(reason)
}

// server reads the mandatory server record, a new store gets one.
func (r *recovery) server() error {
	var found []store.Handle
	var fields serverFields
	var decodeErr error
	err := r.st.ForEachRecord(store.RecordTypeServer, func(h store.Handle, rec store.Record) error {
		found = append(found, h)
		if len(found) == 1 {
			decodeErr = decodeFields(firstFrag(rec), fmtServer, &fields)
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case len(found) == 0:
		return r.e.createServerRecord()
	case len(found) > 1:
		return errors.Wrapf(store.ErrCorrupt, "%d server records", len(found))
	case decodeErr != nil:
		return errors.Wrap(decodeErr, "server record unreadable")
	}
	r.e.serverHandle, r.e.serverUID = found[0], fields.UID
	r.e.metrics.RecoveredRecord(store.RecordTypeServer.String(), "recovered")
	return nil
}

func (r *recovery) readOwners() error {
	for _, rt := range []store.RecordType{
		store.RecordTypeClient, store.RecordTypeQueue,
		store.RecordTypeSubscription, store.RecordTypeRemoteServer,
	} {
		err := r.st.ForEachRecord(rt, func(h store.Handle, rec store.Record) error {
			o := ownerHalf{h: h, rtype: rt, state: rec.State}
			var err error
			switch rt {
			case store.RecordTypeClient:
				var f clientStateFields
				err = decodeFields(firstFrag(rec), fmtClientState, &f)
				o.clientID = f.ClientID
			case store.RecordTypeQueue:
				var f queueDefnFields
				err = decodeFields(firstFrag(rec), fmtQueueDefn, &f)
				o.qtype = f.Type
			case store.RecordTypeSubscription:
				var f queueDefnFields
				err = decodeFields(firstFrag(rec), fmtSubscriptionDefn, &f)
				o.qtype = f.Type
			case store.RecordTypeRemoteServer:
				var f remoteServerDefnFields
				err = decodeFields(firstFrag(rec), fmtRemoteServerDefn, &f)
			}
			if err != nil {
				r.bad(rt, h, err)
				r.badOwners[h] = struct{}{}
				r.owners.drop(h)
				return nil
			}
			r.owners.left(h, o)
			return nil
		})
		if err != nil {
			return err
		}
	}

	for _, rt := range []store.RecordType{store.RecordTypeTopic, store.RecordTypeBridgeQMgr} {
		err := r.st.ForEachRecord(rt, func(h store.Handle, rec store.Record) error {
			r.report.Unmanaged++
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *recovery) readProperties() error {
	formats := map[store.RecordType]recordFormat{
		store.RecordTypeClientProps:       fmtClientProps,
		store.RecordTypeQueueProps:        fmtQueueProps,
		store.RecordTypeSubscriptionProps: fmtSubscriptionProps,
		store.RecordTypeRemoteServerProps: fmtRemoteServerProps,
	}
	for _, rt := range []store.RecordType{
		store.RecordTypeClientProps, store.RecordTypeQueueProps,
		store.RecordTypeSubscriptionProps, store.RecordTypeRemoteServerProps,
	} {
		err := r.st.ForEachRecord(rt, func(h store.Handle, rec store.Record) error {
			owner := store.Handle(rec.Attribute)
			if _, bad := r.badOwners[owner]; bad {
				return nil
			}
			p := propsHalf{h: h, rtype: rt}
			var out interface{}
			switch rt {
			case store.RecordTypeClientProps:
				out = &p.client
			case store.RecordTypeRemoteServerProps:
				out = &p.remote
			default:
				out = &p.queue
			}
			if err := decodeFields(firstFrag(rec), formats[rt], out); err != nil {
				r.bad(rt, h, err)
				// the definition stays too, neither is usable without the other
				r.badOwners[owner] = struct{}{}
				r.owners.drop(owner)
				return nil
			}
			r.owners.right(owner, p)
			return nil
		})
		if err != nil {
			return err
		}
	}

	r.owners.unmatched(
		func(_ store.Handle, o ownerHalf) {
			r.drop(o.rtype, o.h, "definition without properties removed")
		},
		func(_ store.Handle, p propsHalf) {
			r.drop(p.rtype, p.h, "properties without definition removed")
		})
	return nil
}

func (r *recovery) pairOwner(_ store.Handle, o ownerHalf, p propsHalf) {
	if propsOf[o.rtype] != p.rtype {
		r.bad(p.rtype, p.h, errors.Wrapf(store.ErrCorrupt, "properties of a %s record", o.rtype))
		return
	}

	switch o.rtype {
	case store.RecordTypeQueue, store.RecordTypeSubscription:
		r.addQueue(o, p)
	case store.RecordTypeClient:
		if o.state&clientStateDeleted != 0 {
			r.drop(o.rtype, o.h, "deleted client removed")
			r.drop(p.rtype, p.h, "deleted client removed")
			return
		}
		c := newClient(r.e, o.clientID, true, p.client.Protocol)
		c.handle, c.propsHandle = o.h, p.h
		r.clients = append(r.clients, c)
		r.e.metrics.RecoveredRecord(o.rtype.String(), "recovered")
	case store.RecordTypeRemoteServer:
		if o.state&(remoteServerStateCreating|remoteServerStateDeleted) != 0 {
			r.drop(o.rtype, o.h, "incomplete remote server removed")
			r.drop(p.rtype, p.h, "incomplete remote server removed")
			return
		}
		r.remotes = append(r.remotes, &RemoteServer{
			Name:        p.remote.Name,
			UID:         p.remote.UID,
			handle:      o.h,
			propsHandle: p.h,
		})
		r.e.metrics.RecoveredRecord(o.rtype.String(), "recovered")
	}
}

func (r *recovery) addQueue(o ownerHalf, p propsHalf) {
	policy := Policy{MaxMessageCount: p.queue.MaxMessages, DiscardOldest: p.queue.DiscardOldest}
	q, err := createQ(r.e, p.queue.Name, o.qtype, p.queue.Options|OptionInRecovery, policy, o.h, p.h)
	if err != nil {
		r.bad(o.rtype, o.h, err)
		return
	}
	deleted := o.state&queueStateDeleted != 0
	if _, err := r.e.arena.add(q, !deleted); err != nil {
		r.bad(o.rtype, o.h, err)
		return
	}
	c := q.core()
	r.e.metrics.NewRecoveringQueue(o.qtype.String())
	r.e.metrics.RecoveredRecord(o.rtype.String(), "recovered")
	if deleted {
		r.deletedQueues = append(r.deletedQueues, c)
		return
	}
	r.queues = append(r.queues, c)
}

// message reads a message record once, queues share the result.
func (r *recovery) message(h store.Handle) (*Message, bool) {
	if m, ok := r.messages[h]; ok {
		return m, true
	}
	if _, bad := r.badMessages[h]; bad {
		return nil, false
	}
	rec, err := r.st.ReadRecord(h)
	if err == nil {
		var m *Message
		if m, err = messageFromRecord(h, rec); err == nil {
			r.messages[h] = m
			return m, true
		}
	}
	r.badMessages[h] = struct{}{}
	r.bad(store.RecordTypeMessage, h, err)
	return nil, false
}

func (r *recovery) readQueueRefs() error {
	all := append(append([]*queueCore(nil), r.queues...), r.deletedQueues...)
	sort.Slice(all, func(i, j int) bool { return all[i].defnHandle < all[j].defnHandle })

	for _, q := range all {
		ctx, stats, err := r.st.OpenReferenceContext(q.defnHandle)
		if err != nil {
			return errors.Wrapf(err, "queue %s", q.name)
		}
		q.refCtx = ctx
		if stats.HighestOrderID >= q.nextOrder {
			q.nextOrder = stats.HighestOrderID + 1
		}

		err = r.st.ForEachReference(q.defnHandle, func(h store.Handle, ref store.Reference) error {
			msg, ok := r.message(ref.Target)
			if !ok {
				return nil
			}
			rr := &recoveredRef{q: q, qm: q.rehydrateRef(h, ref, msg)}
			r.refs[h] = rr
			r.deliveries.left(h, rr)
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "references of queue %s", q.name)
		}
	}
	r.report.Messages = len(r.messages)
	return nil
}

func (r *recovery) readClientRefs() error {
	sort.Slice(r.clients, func(i, j int) bool { return r.clients[i].handle < r.clients[j].handle })
	for _, c := range r.clients {
		if err := c.openContexts(); err != nil {
			return errors.Wrapf(err, "client %s", c.ID)
		}
		err := r.st.ForEachReference(c.handle, func(h store.Handle, ref store.Reference) error {
			if ref.OrderID >= c.nextOrder {
				c.nextOrder = ref.OrderID + 1
			}
			r.deliveries.right(ref.Target, clientRef{c: c, h: h, id: ref.Value})
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "references of client %s", c.ID)
		}
		err = r.st.ForEachState(c.handle, func(h store.Handle, obj store.StateObject) error {
			c.unreleased[obj.Key] = h
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "states of client %s", c.ID)
		}
	}

	r.deliveries.unmatched(nil, func(_ store.Handle, cr clientRef) {
		r.staleRefs = append(r.staleRefs, cr)
	})
	return nil
}

// pairDelivery gives a stored delivery back to its client.
func (r *recovery) pairDelivery(_ store.Handle, rr *recoveredRef, cr clientRef) {
	qm := rr.qm
	if qm.state == MsgAvailable {
		qm.state = MsgDelivered
	}
	qm.client = cr.c
	qm.clientRef = cr.h
	qm.deliveryID = cr.id
	cr.c.deliveries[cr.id] = &clientDelivery{q: rr.q, qm: qm, ref: cr.h}
	if cr.id > cr.c.lastID {
		cr.c.lastID = cr.id
	}
	r.report.Deliveries++
}

type storedTxn struct {
	h     store.Handle
	state uint64
}

// resolveTransactions finishes committed transactions and rolls back the
// others.
func (r *recovery) resolveTransactions() error {
	var txns []storedTxn
	err := r.st.ForEachRecord(store.RecordTypeTransaction, func(h store.Handle, rec store.Record) error {
		var f transactionFields
		if err := decodeFields(firstFrag(rec), fmtTransaction, &f); err != nil {
			r.bad(store.RecordTypeTransaction, h, err)
			return nil
		}
		txns = append(txns, storedTxn{h: h, state: rec.State})
		return nil
	})
	if err != nil {
		return err
	}

	for _, t := range txns {
		if err := r.resolveTransaction(t); err != nil {
			return err
		}
	}
	return nil
}

func (r *recovery) resolveTransaction(t storedTxn) error {
	var ops []store.Reference
	err := r.st.ForEachReference(t.h, func(_ store.Handle, ref store.Reference) error {
		ops = append(ops, ref)
		return nil
	})
	if err != nil {
		return err
	}

	commit := t.state == tranStateCommitted
	b, err := r.e.newBatch()
	if err != nil {
		return err
	}
	for _, op := range ops {
		rr, ok := r.refs[op.Target]
		if !ok || rr.qm.removed {
			continue
		}
		if err := r.resolveOp(b, rr, op.Value, commit); err != nil {
			b.abort()
			return err
		}
	}
	if err := b.st.DeleteRecord(t.h); err != nil {
		b.abort()
		return errors.Wrapf(err, "delete transaction %s", t.h)
	}
	if err := b.commit(); err != nil {
		return err
	}

	if commit {
		r.report.TransactionsCommitted++
		r.e.metrics.RecoveredRecord(store.RecordTypeTransaction.String(), "committed")
	} else {
		r.report.TransactionsRolledBack++
		r.e.metrics.RecoveredRecord(store.RecordTypeTransaction.String(), "rolled_back")
	}
	return nil
}

func (r *recovery) resolveOp(b *storeBatch, rr *recoveredRef, value uint32, commit bool) error {
	q, qm := rr.q, rr.qm
	q.mu.Lock()
	defer q.mu.Unlock()

	forget := func() {
		q.mu.Lock()
		q.forgetLocked(qm)
		q.mu.Unlock()
	}
	switch {
	case value == torPutMessage && commit:
		if err := b.st.UpdateReference(q.refCtx, qm.ref, uint8(MsgAvailable), 0); err != nil {
			return errors.Wrapf(err, "publish recovered put on %s", q.name)
		}
		b.onCommit(func() { qm.recoveryTxn = false })
	case value == torPutMessage:
		if err := q.removeStoreLocked(b, qm, false); err != nil {
			return err
		}
		b.onCommit(forget)
	case value == torConsumeMsg && commit:
		if err := q.removeStoreLocked(b, qm, false); err != nil {
			return err
		}
		b.onCommit(forget)
	}
	return nil
}

// rollbackStray removes transactional puts whose transaction record is
// gone.
func (r *recovery) rollbackStray() error {
	handles := make([]store.Handle, 0)
	for h, rr := range r.refs {
		if rr.qm.recoveryTxn && !rr.qm.removed {
			handles = append(handles, h)
		}
	}
	if len(handles) == 0 {
		return nil
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	b, err := r.e.newBatch()
	if err != nil {
		return err
	}
	for _, h := range handles {
		rr := r.refs[h]
		if err := r.resolveOp(b, rr, torPutMessage, false); err != nil {
			b.abort()
			return err
		}
	}
	return b.commit()
}

func (r *recovery) findOrphanMessages() error {
	return r.st.ForEachRecord(store.RecordTypeMessage, func(h store.Handle, rec store.Record) error {
		if _, ok := r.messages[h]; ok {
			return nil
		}
		if _, bad := r.badMessages[h]; bad {
			return nil
		}
		r.discard = append(r.discard, h)
		r.report.OrphanMessages++
		return nil
	})
}

func (r *recovery) discardRecords() error {
	if len(r.discard) == 0 && len(r.staleRefs) == 0 {
		return nil
	}
	b, err := r.e.newBatch()
	if err != nil {
		return err
	}
	for _, cr := range r.staleRefs {
		if err := cr.c.dropDeliveryRef(b, cr.id, cr.h); err != nil {
			b.abort()
			return err
		}
	}
	for _, h := range r.discard {
		if err := b.st.DeleteRecord(h); err != nil && !errors.Is(err, store.ErrNotFound) {
			b.abort()
			return errors.Wrapf(err, "discard %s", h)
		}
	}
	return b.commit()
}

// reconcile removes deleted queues and makes the others live.
func (r *recovery) reconcile() {
	for _, q := range r.deletedQueues {
		q.mu.Lock()
		q.state = queueMarkedDeleted
		var victims []*queuedMsg
		for _, qm := range q.msgs[q.head:] {
			if !qm.removed {
				victims = append(victims, qm)
			}
		}
		if _, err := q.discardLocked(victims); err != nil {
			r.e.logger.WithField("action", "engine_recovery_deleted_queue").
				WithField("queue", q.name).
				WithError(err).
				Warn("could not discard messages of deleted queue")
		}
		q.mu.Unlock()
		r.e.metrics.MarkQueueDeleted(q.qtype.String(), true)
		r.e.arena.release(q.id)
	}

	for _, q := range r.queues {
		q.completeRehydrate()
	}

	r.e.clientsMu.Lock()
	for _, c := range r.clients {
		r.e.clients[c.ID] = c
	}
	r.e.clientsMu.Unlock()
	r.e.remotesMu.Lock()
	for _, rs := range r.remotes {
		r.e.remotes[rs.Name] = rs
	}
	r.e.remotesMu.Unlock()

	r.report.Queues = len(r.queues)
	r.report.Clients = len(r.clients)
	r.report.RemoteServers = len(r.remotes)
}
