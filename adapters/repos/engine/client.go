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

type clientDelivery struct {
	q   *queueCore
	qm  *queuedMsg
	ref store.Handle
}

// Client is a connected or durable client. Durable clients persist the
// delivery ids of their outstanding deliveries and the ids of messages
// they received but not yet released.
type Client struct {
	e        *Engine
	ID       string
	Durable  bool
	Protocol string

	mu          sync.Mutex
	handle      store.Handle
	propsHandle store.Handle
	refCtx      *store.RefContext
	stateCtx    *store.StateContext
	lastID      uint32
	nextOrder   uint64
	deliveries  map[uint32]*clientDelivery
	unreleased  map[uint32]store.Handle
	destroyed   bool
}

func newClient(e *Engine, id string, durable bool, protocol string) *Client {
	return &Client{
		e:          e,
		ID:         id,
		Durable:    durable,
		Protocol:   protocol,
		nextOrder:  1,
		deliveries: map[uint32]*clientDelivery{},
		unreleased: map[uint32]store.Handle{},
	}
}

// CreateClient registers a client. Durable clients are stored.
func (e *Engine) CreateClient(id string, durable bool, protocol string) (*Client, error) {
	if err := e.accepting(); err != nil {
		return nil, err
	}
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()
	if _, ok := e.clients[id]; ok {
		return nil, errors.Wrapf(ErrClientExists, "client %s", id)
	}

	c := newClient(e, id, durable, protocol)
	if durable {
		if err := c.store(); err != nil {
			return nil, err
		}
	}
	e.clients[id] = c
	return c, nil
}

func (c *Client) store() error {
	b, err := c.e.newBatch()
	if err != nil {
		return err
	}
	defn, err := encodeFields(fmtClientState, clientStateFields{ClientID: c.ID})
	if err != nil {
		b.abort()
		return err
	}
	h, err := b.st.CreateRecord(store.Record{Type: store.RecordTypeClient, Frags: [][]byte{defn}})
	if err != nil {
		b.abort()
		return errors.Wrapf(err, "store client %s", c.ID)
	}
	props, err := encodeFields(fmtClientProps, clientPropsFields{ClientID: c.ID, Protocol: c.Protocol})
	if err != nil {
		b.abort()
		return err
	}
	ph, err := b.st.CreateRecord(store.Record{
		Type:      store.RecordTypeClientProps,
		Attribute: uint64(h),
		Frags:     [][]byte{props},
	})
	if err != nil {
		b.abort()
		return errors.Wrapf(err, "store client %s properties", c.ID)
	}
	if err := b.commit(); err != nil {
		return err
	}
	c.handle, c.propsHandle = h, ph
	return c.openContexts()
}

func (c *Client) openContexts() error {
	refCtx, _, err := c.e.store.OpenReferenceContext(c.handle)
	if err != nil {
		return err
	}
	stateCtx, err := c.e.store.OpenStateContext(c.handle)
	if err != nil {
		_ = c.e.store.CloseReferenceContext(refCtx)
		return err
	}
	c.refCtx, c.stateCtx = refCtx, stateCtx
	return nil
}

func (e *Engine) Client(id string) (*Client, bool) {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()
	c, ok := e.clients[id]
	return c, ok
}

// DestroyClient forgets the client. Its outstanding deliveries become
// available to other consumers.
func (e *Engine) DestroyClient(id string) error {
	e.clientsMu.Lock()
	c, ok := e.clients[id]
	if ok {
		delete(e.clients, id)
	}
	e.clientsMu.Unlock()
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "client %s", id)
	}

	c.mu.Lock()
	if !c.handle.IsNull() {
		_ = e.store.CloseReferenceContext(c.refCtx)
		e.store.CloseStateContext(c.stateCtx)
		b, err := e.newBatch()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if err := b.st.DeleteRecord(c.propsHandle); err != nil && !errors.Is(err, store.ErrNotFound) {
			b.abort()
			c.mu.Unlock()
			return errors.Wrapf(err, "delete client %s", id)
		}
		if err := b.st.DeleteRecord(c.handle); err != nil {
			b.abort()
			c.mu.Unlock()
			return errors.Wrapf(err, "delete client %s", id)
		}
		if err := b.commit(); err != nil {
			c.mu.Unlock()
			return err
		}
		c.handle, c.propsHandle = store.NullHandle, store.NullHandle
	}
	c.destroyed = true
	pending := make([]*clientDelivery, 0, len(c.deliveries))
	for _, d := range c.deliveries {
		pending = append(pending, d)
	}
	c.mu.Unlock()

	touched := map[*queueCore]struct{}{}
	for _, d := range pending {
		d.q.mu.Lock()
		if !d.qm.removed && d.qm.client == c && d.qm.ackTxn == nil {
			if err := d.q.makeAvailableLocked(d.qm); err != nil {
				e.logger.WithField("action", "client_destroy").
					WithField("client", id).
					WithError(err).
					Warn("could not return delivery")
			}
			touched[d.q] = struct{}{}
		}
		d.q.mu.Unlock()
	}
	for q := range touched {
		q.CheckWaiters()
	}
	return nil
}

func (c *Client) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// nextDeliveryID returns the next free delivery id, skipping 0.
func (c *Client) nextDeliveryID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.lastID++
		if c.lastID == 0 {
			continue
		}
		if _, used := c.deliveries[c.lastID]; !used {
			return c.lastID
		}
	}
}

func (c *Client) trackDelivery(id uint32, q *queueCore, qm *queuedMsg, ref store.Handle) {
	c.mu.Lock()
	c.deliveries[id] = &clientDelivery{q: q, qm: qm, ref: ref}
	c.mu.Unlock()
}

func (c *Client) forgetDelivery(id uint32) {
	c.mu.Lock()
	delete(c.deliveries, id)
	c.mu.Unlock()
}

// addDeliveryRef stores the delivery id pointing at the queue reference.
func (c *Client) addDeliveryRef(b *storeBatch, queueRef store.Handle, id uint32) (store.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.refCtx == nil {
		return store.NullHandle, nil
	}
	h, err := b.st.CreateReference(c.refCtx, store.Reference{
		OrderID: c.nextOrder,
		Target:  queueRef,
		Value:   id,
	}, 0)
	if err != nil {
		return store.NullHandle, errors.Wrapf(err, "store delivery id %d of %s", id, c.ID)
	}
	c.nextOrder++
	return h, nil
}

func (c *Client) dropDeliveryRef(b *storeBatch, id uint32, ref store.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.refCtx == nil || ref.IsNull() {
		return nil
	}
	if err := b.st.DeleteReference(c.refCtx, ref, 0); err != nil && !errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(err, "delete delivery id %d of %s", id, c.ID)
	}
	return nil
}

// PendingDeliveries lists the deliveries still waiting for an
// acknowledgement, e.g. those restored for a durable client at startup.
func (c *Client) PendingDeliveries() []*Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Delivery, 0, len(c.deliveries))
	for id, d := range c.deliveries {
		out = append(out, &Delivery{
			Message:       d.qm.msg,
			OrderID:       d.qm.orderID,
			DeliveryCount: d.qm.deliveryCount,
			DeliveryID:    id,
			queue:         d.q.self,
			qm:            d.qm,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliveryID < out[j].DeliveryID })
	return out
}

// AddUnreleasedDeliveryID remembers a received message id until the
// client releases it.
func (c *Client) AddUnreleasedDeliveryID(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.unreleased[id]; ok {
		return nil
	}
	if !c.Durable || c.stateCtx == nil {
		c.unreleased[id] = store.NullHandle
		return nil
	}
	b, err := c.e.newBatch()
	if err != nil {
		return err
	}
	h, err := b.st.CreateState(c.stateCtx, store.StateObject{Key: id})
	if err != nil {
		b.abort()
		return errors.Wrapf(err, "store unreleased id %d of %s", id, c.ID)
	}
	if err := b.commit(); err != nil {
		return err
	}
	c.unreleased[id] = h
	return nil
}

func (c *Client) RemoveUnreleasedDeliveryID(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.unreleased[id]
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "unreleased id %d of %s", id, c.ID)
	}
	if !h.IsNull() {
		b, err := c.e.newBatch()
		if err != nil {
			return err
		}
		if err := b.st.DeleteState(c.stateCtx, h); err != nil {
			b.abort()
			return errors.Wrapf(err, "delete unreleased id %d of %s", id, c.ID)
		}
		if err := b.commit(); err != nil {
			return err
		}
	}
	delete(c.unreleased, id)
	return nil
}

func (c *Client) UnreleasedDeliveryIDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, 0, len(c.unreleased))
	for id := range c.unreleased {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RemoteServer is a peer server messages are forwarded to.
type RemoteServer struct {
	Name string
	UID  string

	handle      store.Handle
	propsHandle store.Handle
}

// CreateRemoteServer stores a remote server. The definition is written in
// creating state and completed by a second commit, so a crash in between
// leaves a record recovery discards.
func (e *Engine) CreateRemoteServer(name, uid string) (*RemoteServer, error) {
	if err := e.accepting(); err != nil {
		return nil, err
	}
	e.remotesMu.Lock()
	defer e.remotesMu.Unlock()
	if _, ok := e.remotes[name]; ok {
		return nil, errors.Wrapf(store.ErrInvalidValue, "remote server %s exists", name)
	}

	b, err := e.newBatch()
	if err != nil {
		return nil, err
	}
	defn, err := encodeFields(fmtRemoteServerDefn, remoteServerDefnFields{})
	if err != nil {
		b.abort()
		return nil, err
	}
	h, err := b.st.CreateRecord(store.Record{
		Type:  store.RecordTypeRemoteServer,
		State: remoteServerStateCreating,
		Frags: [][]byte{defn},
	})
	if err != nil {
		b.abort()
		return nil, errors.Wrapf(err, "store remote server %s", name)
	}
	props, err := encodeFields(fmtRemoteServerProps, remoteServerPropsFields{Name: name, UID: uid})
	if err != nil {
		b.abort()
		return nil, err
	}
	ph, err := b.st.CreateRecord(store.Record{
		Type:      store.RecordTypeRemoteServerProps,
		Attribute: uint64(h),
		Frags:     [][]byte{props},
	})
	if err != nil {
		b.abort()
		return nil, errors.Wrapf(err, "store remote server %s properties", name)
	}
	if err := b.commit(); err != nil {
		return nil, err
	}

	b, err = e.newBatch()
	if err != nil {
		return nil, err
	}
	if err := b.st.UpdateRecord(h, 0, 0, store.UpdateState); err != nil {
		b.abort()
		return nil, errors.Wrapf(err, "complete remote server %s", name)
	}
	if err := b.commit(); err != nil {
		return nil, err
	}

	rs := &RemoteServer{Name: name, UID: uid, handle: h, propsHandle: ph}
	e.remotes[name] = rs
	return rs, nil
}

func (e *Engine) DeleteRemoteServer(name string) error {
	e.remotesMu.Lock()
	defer e.remotesMu.Unlock()
	rs, ok := e.remotes[name]
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "remote server %s", name)
	}

	b, err := e.newBatch()
	if err != nil {
		return err
	}
	if err := b.st.UpdateRecord(rs.handle, 0, remoteServerStateDeleted, store.UpdateState); err != nil {
		b.abort()
		return errors.Wrapf(err, "mark remote server %s deleted", name)
	}
	if err := b.commit(); err != nil {
		return err
	}
	delete(e.remotes, name)

	b, err = e.newBatch()
	if err != nil {
		return err
	}
	if err := b.st.DeleteRecord(rs.propsHandle); err != nil {
		b.abort()
		return errors.Wrapf(err, "delete remote server %s", name)
	}
	if err := b.st.DeleteRecord(rs.handle); err != nil {
		b.abort()
		return errors.Wrapf(err, "delete remote server %s", name)
	}
	return b.commit()
}

func (e *Engine) RemoteServers() []*RemoteServer {
	e.remotesMu.Lock()
	defer e.remotesMu.Unlock()
	out := make([]*RemoteServer, 0, len(e.remotes))
	for _, rs := range e.remotes {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
