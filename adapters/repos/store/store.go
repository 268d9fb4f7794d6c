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
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/msgbroker/entities/cyclemanager"
	"github.com/weaviate/msgbroker/entities/storagestate"
)

const (
	// accounted per record on top of its payload
	recordOverhead = 48
	// accounted per reference slot of a chunk
	refEntrySize = 32
	// accounted per state object
	stateEntrySize = 40
)

// Mirror receives every committed frame on the primary. It is the hook the
// HA replicator uses beneath the store API.
type Mirror interface {
	Mirror(frame []byte) error
}

// Store is the generation structured persistent store. All mutations go
// through a Stream and become visible and durable as a unit on commit.
type Store struct {
	cfg     Config
	logger  logrus.FieldLogger
	metrics *Metrics

	statusMu sync.RWMutex
	status   storagestate.Status

	// held shared by every operation, exclusively while a checkpoint
	// snapshots generations and rotates the journal
	quiesce sync.RWMutex
	// serializes journal appends with applying them
	commitMu sync.Mutex

	// mgmt has its own lock, it also guards pool1, pool2 and the owner counts
	mgmt              *generation
	pool1             *pool
	pool2             *pool
	ownerCounts       map[RecordType]int
	ownerLimitAlerted map[RecordType]bool

	gensMu      sync.RWMutex
	gens        map[GenID]*generation
	active      *generation
	pendingFree map[GenID]struct{}
	diskPool    *pool

	ownersMu sync.RWMutex
	owners   map[Handle]*ownerChain

	incarnation atomic.Uint64
	frameSeq    atomic.Uint64

	streamsMu    sync.Mutex
	streams      map[uint32]*Stream
	nextStreamID uint32

	storeID  string
	manifest *manifest
	// guarded by commitMu
	journal  *journal
	journals []uint64

	checkpointMu        sync.Mutex
	checkpointRequested atomic.Value
	lastCheckpoint      atomic.Int64

	pruneMu    sync.Mutex
	pruneQueue map[*ownerChain]struct{}

	flushCycle       cyclemanager.CycleManager
	maintenanceCycle cyclemanager.CycleManager
	maintenance      cyclemanager.CycleCallbackGroup

	mirrorMu sync.RWMutex
	mirror   Mirror

	eventsMu       sync.RWMutex
	eventCallbacks []EventCallback

	recoveryPct atomic.Uint32
}

func New(cfg Config, logger logrus.FieldLogger, metrics *Metrics) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid store config")
	}

	s := &Store{
		cfg:               cfg,
		logger:            logger.WithField("component", "store"),
		metrics:           metrics,
		status:            storagestate.StatusUninitialized,
		ownerCounts:       map[RecordType]int{},
		ownerLimitAlerted: map[RecordType]bool{},
		gens:              map[GenID]*generation{},
		pendingFree:       map[GenID]struct{}{},
		owners:            map[Handle]*ownerChain{},
		streams:           map[uint32]*Stream{},
		pruneQueue:        map[*ownerChain]struct{}{},
		flushCycle:        cyclemanager.NewNoop(),
		maintenanceCycle:  cyclemanager.NewNoop(),
	}
	s.checkpointRequested.Store("")
	return s, nil
}

func (s *Store) Status() storagestate.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Store) transition(next storagestate.Status) error {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if !s.status.CanTransition(next) {
		return errors.Wrapf(ErrStateNotAvailable, "store is %s, cannot become %s", s.status, next)
	}
	s.status = next
	return nil
}

// writable reports whether streams may change data. Recovery of the layers
// above writes to the store too, so Recovering is writable.
func (s *Store) writable() error {
	switch st := s.Status(); st {
	case storagestate.StatusRecovering, storagestate.StatusReady:
		return nil
	default:
		return errors.Wrapf(ErrStateNotAvailable, "store is %s", st)
	}
}

func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) StoreID() string {
	return s.storeID
}

// SetMirror installs the commit mirror, nil removes it.
func (s *Store) SetMirror(m Mirror) {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	s.mirror = m
}

// Init prepares the in-memory structures. No file is touched yet.
func (s *Store) Init() error {
	if err := s.transition(storagestate.StatusInitialized); err != nil {
		return err
	}

	s.pool1 = newPool("mgmt_small", s.cfg.pool1Bytes(), s.cfg.MgmtSmallGranuleSizeBytes,
		s.cfg.MgmtAlertOnPercent, s.cfg.MgmtAlertOffPercent,
		EventMgmtSmallAlertOn, EventMgmtSmallAlertOff)
	s.pool2 = newPool("mgmt_large", s.cfg.pool2Bytes(), s.cfg.MgmtGranuleSizeBytes,
		s.cfg.MgmtAlertOnPercent, s.cfg.MgmtAlertOffPercent,
		EventMgmtLargeAlertOn, EventMgmtLargeAlertOff)
	s.diskPool = newPool("generations", uint64(s.cfg.MaxGenerations), 1,
		s.cfg.DiskAlertOnPercent, s.cfg.DiskAlertOffPercent,
		EventDiskAlertOn, EventDiskAlertOff)
	s.mgmt = newGeneration(MgmtGenID, genActive, nil)

	s.logger.WithField("action", "store_init").
		WithField("path", s.cfg.RootPath).
		WithField("owner_limit", s.cfg.ownerLimit()).
		Debug("store initialized")
	return nil
}

// Start opens (or with ColdStart recreates) the store directory, loads the
// generation images and replays the journal. The store is then writable for
// the recovery of the layers above, which ends with RecoveryCompleted.
func (s *Store) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "start store")
	}
	if err := s.transition(storagestate.StatusRecovering); err != nil {
		return err
	}

	beforeAll := time.Now()
	defer s.metrics.trackStartup("store_start", beforeAll)

	if s.cfg.ColdStart {
		if err := os.RemoveAll(s.cfg.RootPath); err != nil {
			return errors.Wrap(err, "cold start: remove store directory")
		}
		s.logger.WithField("action", "store_cold_start").
			WithField("path", s.cfg.RootPath).
			Info("cold start requested, existing store content discarded")
	}
	if err := os.MkdirAll(s.cfg.RootPath, 0o777); err != nil {
		return errors.Wrap(err, "create store directory")
	}

	m, err := openManifest(filepath.Join(s.cfg.RootPath, manifestFileName))
	if err != nil {
		return err
	}
	s.manifest = m

	if err := s.load(); err != nil {
		return errors.Wrap(err, "load store")
	}

	s.startCycles()
	return nil
}

// RecoveryCompleted is called once the layers above finished rebuilding
// their state. Outstanding prunes are applied and a checkpoint is taken.
func (s *Store) RecoveryCompleted() error {
	if err := s.transition(storagestate.StatusReady); err != nil {
		return err
	}
	s.recoveryPct.Store(100)

	s.ownersMu.RLock()
	chains := make([]*ownerChain, 0, len(s.owners))
	for _, c := range s.owners {
		chains = append(chains, c)
	}
	s.ownersMu.RUnlock()
	for _, c := range chains {
		s.schedulePrune(c)
	}

	return s.checkpoint("recovery")
}

// Term stops background work, writes a final checkpoint and closes all
// files. A store that was never started is just marked terminated.
func (s *Store) Term(ctx context.Context) error {
	prev := s.Status()
	if err := s.transition(storagestate.StatusTerminated); err != nil {
		return err
	}
	if prev == storagestate.StatusInitialized {
		return nil
	}

	var result *multierror.Error
	if err := s.flushCycle.StopAndWait(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "stop journal flusher"))
	}
	if err := s.maintenanceCycle.StopAndWait(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "stop store maintenance"))
	}

	s.processPrunes(func() bool { return false }, false)

	clean := false
	if err := s.checkpoint("term"); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "final checkpoint"))
	} else {
		clean = true
	}

	if s.manifest != nil {
		if clean {
			if err := s.manifest.setClean(true); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "mark clean shutdown"))
			}
		}
		s.commitMu.Lock()
		if s.journal != nil {
			if err := s.journal.close(); err != nil {
				result = multierror.Append(result, err)
			}
			s.journal = nil
		}
		s.commitMu.Unlock()
		if err := s.manifest.close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close manifest"))
		}
	}

	s.logger.WithField("action", "store_term").
		WithField("clean", clean).
		Info("store terminated")
	return result.ErrorOrNil()
}

// Drop removes all files of a terminated store.
func (s *Store) Drop() error {
	if st := s.Status(); st != storagestate.StatusTerminated {
		return errors.Wrapf(ErrStateNotAvailable, "drop store in status %s", st)
	}
	return os.RemoveAll(s.cfg.RootPath)
}

func (s *Store) startCycles() {
	flushInterval := s.cfg.PersistFlushInterval
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}
	s.flushCycle = cyclemanager.New(cyclemanager.NewFixedTicker(flushInterval),
		func(shouldAbort cyclemanager.ShouldAbortCallback) bool {
			return s.flushJournal()
		})

	minInterval := s.cfg.PruneRetryInterval
	if minInterval <= 0 {
		minInterval = 500 * time.Millisecond
	}
	s.maintenance = cyclemanager.NewCycleCallbackGroup("store_maintenance", s.logger, 1)
	s.maintenance.Register("prune", func(shouldAbort cyclemanager.ShouldAbortCallback) bool {
		return s.processPrunes(shouldAbort, true)
	})
	s.maintenance.Register("checkpoint", s.checkpointCycle)
	s.maintenanceCycle = cyclemanager.New(
		cyclemanager.NewLinearTicker(minInterval, 4*minInterval, 4),
		s.maintenance.CycleCallback)

	s.flushCycle.Start()
	s.maintenanceCycle.Start()
}

func (s *Store) flushJournal() bool {
	s.commitMu.Lock()
	j := s.journal
	s.commitMu.Unlock()
	if j == nil {
		return false
	}
	if err := j.flush(); err != nil {
		s.logger.WithField("action", "store_journal_flush").
			WithError(err).
			Error("flushing journal failed")
		return false
	}
	return true
}

func (s *Store) nextInc() uint64 {
	return s.incarnation.Add(1)
}

func (s *Store) observeInc(inc uint64) {
	for {
		cur := s.incarnation.Load()
		if inc <= cur || s.incarnation.CompareAndSwap(cur, inc) {
			return
		}
	}
}

// genOf returns the generation addressed by h or nil.
func (s *Store) genOf(h Handle) *generation {
	if h.GenID() == MgmtGenID {
		return s.mgmt
	}
	s.gensMu.RLock()
	defer s.gensMu.RUnlock()
	return s.gens[h.GenID()]
}

func (s *Store) chainOf(owner Handle) *ownerChain {
	s.ownersMu.RLock()
	defer s.ownersMu.RUnlock()
	return s.owners[owner]
}

// GenIDOfHandle returns the generation a handle lives in.
func (s *Store) GenIDOfHandle(h Handle) GenID {
	return h.GenID()
}
