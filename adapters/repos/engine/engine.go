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
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/msgbroker/adapters/repos/store"
	"github.com/weaviate/msgbroker/entities/storagestate"
	"github.com/weaviate/msgbroker/usecases/monitoring"
)

type Config struct {
	ExpiryReapInterval time.Duration
	// lazy acknowledgements delete message records in batches of this size
	AckBatchSize int
}

func DefaultConfig() Config {
	return Config{
		ExpiryReapInterval: 5 * time.Second,
		AckBatchSize:       64,
	}
}

func (c Config) Validate() error {
	if c.AckBatchSize < 1 {
		return errors.Wrap(store.ErrInvalidValue, "ack batch size must be > 0")
	}
	if c.ExpiryReapInterval < 0 {
		return errors.Wrap(store.ErrInvalidValue, "expiry reap interval must not be negative")
	}
	return nil
}

// Engine owns queues, clients and transactions on top of a store and
// rebuilds them from it at startup.
type Engine struct {
	cfg     Config
	store   *store.Store
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics

	openStream func(highPerf bool) (storeStream, error)

	statusMu sync.RWMutex
	status   storagestate.Status

	serverHandle store.Handle
	serverUID    string
	report       *RecoveryReport

	createMu sync.Mutex
	arena    *queueArena
	reaper   *expiryReaper

	clientsMu sync.Mutex
	clients   map[string]*Client

	remotesMu sync.Mutex
	remotes   map[string]*RemoteServer

	txnsMu sync.Mutex
	txns   map[*Transaction]struct{}
}

// New creates an engine on st, which has to be started but not yet
// told that recovery completed.
func New(st *store.Store, cfg Config, logger logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		store:   st,
		logger:  logger,
		metrics: metrics,
		status:  storagestate.StatusInitialized,
		clients: map[string]*Client{},
		remotes: map[string]*RemoteServer{},
		txns:    map[*Transaction]struct{}{},
	}
	e.openStream = openStoreStream(st)
	e.arena = newQueueArena(e.sweepQueue)
	e.reaper = newExpiryReaper(e, cfg.ExpiryReapInterval)
	return e, nil
}

func (e *Engine) Status() storagestate.Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

func (e *Engine) transition(next storagestate.Status) error {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if !e.status.CanTransition(next) {
		return errors.Wrapf(store.ErrStateNotAvailable, "engine %s cannot move to %s", e.status, next)
	}
	e.status = next
	return nil
}

func (e *Engine) accepting() error {
	if s := e.Status(); !s.Accepting() {
		return errors.Wrapf(store.ErrStateNotAvailable, "engine is %s", s)
	}
	return nil
}

// Start rebuilds queues, clients and transactions from the store and
// then opens the engine for delivery. A recovery that could not read the
// server record fails; unreadable records of other types end up in the
// recovery report.
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "start engine")
	}
	if err := e.transition(storagestate.StatusRecovering); err != nil {
		return err
	}

	began := time.Now()
	r := newRecovery(e)
	if err := r.run(); err != nil {
		return errors.Wrap(err, "recover engine")
	}
	e.report = r.report

	if err := e.store.RecoveryCompleted(); err != nil {
		return errors.Wrap(err, "complete store recovery")
	}
	if err := e.transition(storagestate.StatusReady); err != nil {
		return err
	}
	e.reaper.start()

	l := e.logger.WithField("action", "engine_recovery").
		WithField("took", time.Since(began)).
		WithField("queues", r.report.Queues).
		WithField("messages", r.report.Messages).
		WithField("clients", r.report.Clients)
	if bad := r.report.BadRecordCount(); bad > 0 {
		l.WithField("bad_records", bad).Warn("recovery completed with unreadable records")
	} else {
		l.Info("recovery completed")
	}
	return nil
}

// Term stops background work, flushes pending lazy removals and
// terminates the store.
func (e *Engine) Term(ctx context.Context) error {
	prev := e.Status()
	if err := e.transition(storagestate.StatusTerminated); err != nil {
		return err
	}

	var result *multierror.Error
	if err := e.reaper.stop(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "stop expiry reaper"))
	}
	if prev == storagestate.StatusReady {
		for _, q := range e.arena.all() {
			if err := q.CompleteAckBatch(); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "complete ack batch of %s", q.Name()))
			}
		}
	}
	if err := e.store.Term(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "terminate store"))
	}
	return result.ErrorOrNil()
}

func (e *Engine) ServerUID() string {
	return e.serverUID
}

// RecoveryReport returns what the last Start found, nil before.
func (e *Engine) RecoveryReport() *RecoveryReport {
	return e.report
}

// createServerRecord stores the server record of a new store.
func (e *Engine) createServerRecord() error {
	uid := uuid.New().String()
	fields, err := encodeFields(fmtServer, serverFields{UID: uid, CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	b, err := e.newBatch()
	if err != nil {
		return err
	}
	h, err := b.st.CreateRecord(store.Record{Type: store.RecordTypeServer, Frags: [][]byte{fields}})
	if err != nil {
		b.abort()
		return errors.Wrap(err, "store server record")
	}
	if err := b.commit(); err != nil {
		return err
	}
	e.serverHandle, e.serverUID = h, uid
	return nil
}

// CreateQueue creates and stores a queue. Temporary queues are never
// stored.
func (e *Engine) CreateQueue(name string, qtype QueueType, options QueueOptions, policy Policy) (Queue, error) {
	return e.createQueue(name, "", qtype, options&^OptionSubscriptionQueue, policy)
}

// CreateSubscription creates the queue of a durable subscription on topic.
func (e *Engine) CreateSubscription(topic, name string, qtype QueueType, options QueueOptions, policy Policy) (Queue, error) {
	return e.createQueue(name, topic, qtype, options|OptionSubscriptionQueue, policy)
}

func (e *Engine) createQueue(name, topic string, qtype QueueType, options QueueOptions, policy Policy) (Queue, error) {
	if err := e.accepting(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.Wrap(store.ErrInvalidValue, "queue name must be set")
	}
	options &^= OptionInRecovery

	e.createMu.Lock()
	defer e.createMu.Unlock()
	if q, err := e.arena.lookup(name); err == nil {
		e.arena.release(q.ID())
		return nil, errors.Wrapf(ErrQueueExists, "queue %s", name)
	}

	var defn, props store.Handle
	if !options.Has(OptionTemporary) {
		var err error
		defn, props, err = e.storeQueue(name, topic, qtype, options, policy)
		if err != nil {
			return nil, err
		}
	}

	q, err := createQ(e, name, qtype, options, policy, defn, props)
	if err != nil {
		return nil, err
	}
	c := q.core()
	if !defn.IsNull() {
		refCtx, _, err := e.store.OpenReferenceContext(defn)
		if err != nil {
			return nil, err
		}
		c.refCtx = refCtx
	}
	if _, err := e.arena.add(q, true); err != nil {
		return nil, err
	}
	e.metrics.NewLiveQueue(qtype.String())

	e.logger.WithField("action", "queue_create").
		WithField("queue", name).
		WithField("type", qtype.String()).
		WithField("persistent", c.persistent()).
		Debug("queue created")
	return q, nil
}

func (e *Engine) storeQueue(name, topic string, qtype QueueType, options QueueOptions, policy Policy,
) (store.Handle, store.Handle, error) {
	defnType, propsType := store.RecordTypeQueue, store.RecordTypeQueueProps
	defnFmt, propsFmt := fmtQueueDefn, fmtQueueProps
	if options.Has(OptionSubscriptionQueue) {
		defnType, propsType = store.RecordTypeSubscription, store.RecordTypeSubscriptionProps
		defnFmt, propsFmt = fmtSubscriptionDefn, fmtSubscriptionProps
	}

	defnData, err := encodeFields(defnFmt, queueDefnFields{Type: qtype})
	if err != nil {
		return 0, 0, err
	}
	propsData, err := encodeFields(propsFmt, queuePropsFields{
		Name:          name,
		Options:       options,
		MaxMessages:   policy.MaxMessageCount,
		DiscardOldest: policy.DiscardOldest,
		Topic:         topic,
	})
	if err != nil {
		return 0, 0, err
	}

	b, err := e.newBatch()
	if err != nil {
		return 0, 0, err
	}
	defn, err := b.st.CreateRecord(store.Record{Type: defnType, Frags: [][]byte{defnData}})
	if err != nil {
		b.abort()
		return 0, 0, errors.Wrapf(err, "store queue %s", name)
	}
	props, err := b.st.CreateRecord(store.Record{
		Type:      propsType,
		Attribute: uint64(defn),
		Frags:     [][]byte{propsData},
	})
	if err != nil {
		b.abort()
		return 0, 0, errors.Wrapf(err, "store queue %s properties", name)
	}
	if err := b.commit(); err != nil {
		return 0, 0, errors.Wrapf(err, "store queue %s", name)
	}
	return defn, props, nil
}

// Queue looks up a queue by name. The returned release func has to be
// called once the caller is done with the queue.
func (e *Engine) Queue(name string) (Queue, func(), error) {
	q, err := e.arena.lookup(name)
	if err != nil {
		return nil, nil, err
	}
	id := q.ID()
	return q, func() { e.arena.release(id) }, nil
}

// DeleteQueue marks the queue deleted and unbinds its name. It is removed
// from the store once consumers and transactions using it let go.
func (e *Engine) DeleteQueue(name string) error {
	if err := e.accepting(); err != nil {
		return err
	}
	e.createMu.Lock()
	defer e.createMu.Unlock()

	q, err := e.arena.lookup(name)
	if err != nil {
		return err
	}
	id := q.ID()
	defer e.arena.release(id)

	if err := q.MarkDeleted(); err != nil {
		return err
	}
	if _, err := e.arena.unbind(name); err != nil {
		return err
	}
	// the name's use
	e.arena.release(id)
	return nil
}

func (e *Engine) QueueNames() []string {
	return e.arena.names()
}

func (e *Engine) sweepQueue(q Queue) {
	if err := q.core().sweep(); err != nil {
		e.logger.WithField("action", "queue_sweep").
			WithField("queue", q.Name()).
			WithError(err).
			Error("could not remove deleted queue")
		return
	}
	e.reaper.untrack(q.ID())
	e.logger.WithField("action", "queue_sweep").
		WithField("queue", q.Name()).
		Debug("deleted queue removed")
}

// ReapExpired runs one expiry pass over all queues with expiring messages.
func (e *Engine) ReapExpired(now time.Time) int {
	return e.reaper.reap(now, nil)
}
