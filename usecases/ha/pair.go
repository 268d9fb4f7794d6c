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

package ha

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	enterrors "github.com/weaviate/msgbroker/entities/errors"
	"github.com/weaviate/msgbroker/usecases/monitoring"
)

type member struct {
	node memberlist.Node
	meta nodeMeta
}

// Pair replicates between two brokers that find each other over memberlist.
// The member that started first is the primary, the other one receives a
// copy of the store and then the mirrored commits.
type Pair struct {
	cfg     Config
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics
	name    string
	meta    nodeMeta
	origin  string

	listMu sync.RWMutex
	list   *memberlist.Memberlist

	seqMu sync.Mutex
	epoch uint64
	seq   uint64

	mu         sync.Mutex
	members    map[string]member
	synced     bool
	peerSynced bool
	syncFailed bool
	closed     bool
	files      map[string]*bytes.Buffer
	lastView   View

	adminFn  func([]byte)
	fileFn   func(string, io.Reader) error
	syncedFn func()
	frameFn  func([]byte) error
	viewFn   func(View)

	viewSignal chan struct{}
	done       chan struct{}

	rx *sequencer
}

func NewPair(cfg Config, logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics) (*Pair, error) {
	return newPair(cfg, logger, metrics, nil)
}

func newPair(cfg Config, logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
	tweak func(*memberlist.Config),
) (*Pair, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid HA config")
	}

	started := time.Now().UnixNano()
	p := &Pair{
		cfg:        cfg,
		logger:     logger.WithField("component", "ha"),
		metrics:    metrics,
		name:       cfg.Hostname,
		meta:       nodeMeta{Started: started},
		origin:     fmt.Sprintf("%s/%d", cfg.Hostname, started),
		members:    map[string]member{},
		files:      map[string]*bytes.Buffer{},
		viewSignal: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	p.members[p.name] = member{node: memberlist.Node{Name: p.name}, meta: p.meta}
	p.rx = newSequencer(p.deliver, p.resetIncoming)

	mcfg := selectMemberlistConfig(cfg)
	mcfg.Name = cfg.Hostname
	configureMemberlistPorts(mcfg, cfg)
	if err := configureMemberlistAddresses(mcfg, cfg); err != nil {
		return nil, err
	}
	configureMemberlistSettings(mcfg, cfg)
	mcfg.Delegate = (*pairDelegate)(p)
	mcfg.Events = (*pairEvents)(p)
	mcfg.Logger = log.New(newLogWriter(p.logger), "", 0)
	if tweak != nil {
		tweak(mcfg)
	}

	list, err := memberlist.Create(mcfg)
	if err != nil {
		return nil, errors.Wrap(err, "create memberlist")
	}
	p.listMu.Lock()
	p.list = list
	p.listMu.Unlock()

	enterrors.GoWrapper(p.notifyViews, p.logger)
	p.updateView()

	if cfg.Join != "" {
		joinAddr := strings.Split(cfg.Join, ",")
		if _, err := list.Join(joinAddr); err != nil {
			p.logger.WithField("action", "ha_join").
				WithField("join", cfg.Join).
				WithError(err).
				Warn("could not reach HA peer, running alone until it joins")
		}
	}

	p.logger.WithField("action", "ha_startup").
		WithField("name", p.name).
		WithField("role", p.View().Role).
		Info("HA pair started")
	return p, nil
}

func (p *Pair) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked()
}

// the member that started first (ties broken by name) is the primary
func (p *Pair) primaryLocked() string {
	var best member
	first := true
	for _, m := range p.members {
		if first || m.meta.Started < best.meta.Started ||
			(m.meta.Started == best.meta.Started && m.node.Name < best.node.Name) {
			best, first = m, false
		}
	}
	return best.node.Name
}

func (p *Pair) viewLocked() View {
	v := View{ActiveNodes: len(p.members), PrimaryName: p.primaryLocked()}
	switch {
	case v.PrimaryName == p.name:
		v.Role = RolePrimary
		v.SyncNodes = 1
		if p.peerSynced && v.ActiveNodes > 1 {
			v.SyncNodes++
		}
	case p.synced:
		v.Role = RoleStandby
		v.SyncNodes = 2
	default:
		v.Role = RoleUnsynced
		v.SyncNodes = 1
	}
	return v
}

func (p *Pair) peerLocked() (memberlist.Node, bool) {
	for name, m := range p.members {
		if name != p.name {
			return m.node, true
		}
	}
	return memberlist.Node{}, false
}

func (p *Pair) OnAdminMessage(fn func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adminFn = fn
}

func (p *Pair) OnFile(fn func(string, io.Reader) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fileFn = fn
}

func (p *Pair) OnSynced(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncedFn = fn
}

func (p *Pair) OnMirroredFrame(fn func([]byte) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameFn = fn
}

// OnViewChange registers fn for role and membership changes. Calls are
// serialized and may skip intermediate views.
func (p *Pair) OnViewChange(fn func(View)) {
	p.mu.Lock()
	p.viewFn = fn
	p.mu.Unlock()
	p.signalView()
}

func (p *Pair) SendAdminMessage(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()
	return p.send(ctx, envelope{Kind: kindAdmin, Data: msg})
}

func (p *Pair) TransferFile(ctx context.Context, name string, r io.Reader) error {
	buf := make([]byte, p.cfg.ChunkSizeBytes)
	for {
		n, err := io.ReadFull(r, buf)
		final := false
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			final = true
		case err != nil:
			return errors.Wrapf(err, "read %s", name)
		}

		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		err = p.send(sendCtx, envelope{
			Kind:  kindFileChunk,
			Name:  name,
			Final: final,
			Data:  buf[:n],
		})
		cancel()
		if err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

func (p *Pair) CompleteSync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()
	return p.send(ctx, envelope{Kind: kindSyncDone})
}

// Mirror forwards a committed frame. Without a peer there is nothing to
// mirror to and the frame only lives on this node.
func (p *Pair) Mirror(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.MirrorTimeout)
	defer cancel()
	err := p.send(ctx, envelope{Kind: kindFrame, Data: frame})
	if errors.Is(err, ErrNoPeer) {
		return nil
	}
	return err
}

func (p *Pair) send(ctx context.Context, env envelope) error {
	p.mu.Lock()
	peer, ok := p.peerLocked()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("HA replicator closed")
	}
	if !ok {
		return ErrNoPeer
	}

	p.listMu.RLock()
	list := p.list
	p.listMu.RUnlock()
	if list == nil {
		return ErrNoPeer
	}

	p.seqMu.Lock()
	p.seq++
	env.Origin, env.Epoch, env.Seq = p.origin, p.epoch, p.seq
	p.seqMu.Unlock()

	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	op := func() error {
		select {
		case <-p.done:
			return backoff.Permanent(errors.New("HA replicator closed"))
		default:
		}
		return list.SendReliable(&peer, raw)
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		// the peer misses this message, all following ones start a new
		// sequence so that it notices
		p.newEpoch()
		return errors.Wrapf(err, "send %s to %s", env.Kind, peer.Name)
	}
	p.metrics.HAMessage("out", env.Kind.String())
	return nil
}

func (p *Pair) newEpoch() {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.epoch++
	p.seq = 0

	p.mu.Lock()
	p.peerSynced = false
	p.mu.Unlock()
	p.updateView()
}

func (p *Pair) receive(raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		p.logger.WithField("action", "ha_receive").WithError(err).
			Warn("dropping undecodable message from peer")
		return
	}
	p.metrics.HAMessage("in", env.Kind.String())
	p.rx.push(env)
}

func (p *Pair) deliver(env envelope) {
	l := p.logger.WithField("action", "ha_receive").WithField("kind", env.Kind.String())

	switch env.Kind {
	case kindAdmin:
		p.mu.Lock()
		fn := p.adminFn
		p.mu.Unlock()
		if fn != nil {
			fn(env.Data)
		}

	case kindFrame:
		p.mu.Lock()
		fn := p.frameFn
		p.mu.Unlock()
		if fn == nil {
			l.Debug("no frame handler, dropping mirrored frame")
			return
		}
		if err := fn(env.Data); err != nil {
			l.WithError(err).Error("apply mirrored frame")
		}

	case kindFileChunk:
		p.mu.Lock()
		buf, ok := p.files[env.Name]
		if !ok {
			buf = &bytes.Buffer{}
			p.files[env.Name] = buf
		}
		buf.Write(env.Data)
		if !env.Final {
			p.mu.Unlock()
			return
		}
		delete(p.files, env.Name)
		fn := p.fileFn
		p.mu.Unlock()

		if fn == nil {
			l.WithField("file", env.Name).Warn("no file handler, dropping file")
			return
		}
		if err := fn(env.Name, bytes.NewReader(buf.Bytes())); err != nil {
			l.WithField("file", env.Name).WithError(err).Error("receive sync file")
			p.mu.Lock()
			p.syncFailed = true
			p.mu.Unlock()
		}

	case kindSyncDone:
		p.mu.Lock()
		if p.syncFailed {
			p.mu.Unlock()
			l.Error("bulk sync finished but files were lost, staying unsynced")
			return
		}
		p.synced = true
		fn := p.syncedFn
		p.mu.Unlock()
		l.Info("bulk sync from primary completed")
		if fn != nil {
			fn()
		}
		p.updateView()
		enterrors.GoWrapper(func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
			defer cancel()
			if err := p.send(ctx, envelope{Kind: kindSyncAck}); err != nil {
				l.WithError(err).Warn("acknowledge bulk sync")
			}
		}, p.logger)

	case kindSyncAck:
		p.mu.Lock()
		p.peerSynced = true
		p.mu.Unlock()
		p.updateView()

	default:
		l.Warn("unknown message kind from peer")
	}
}

// resetIncoming runs when the peer starts a new sequence. Messages of the
// old one may be lost, so whatever was received is no longer complete.
func (p *Pair) resetIncoming() {
	p.mu.Lock()
	wasSynced := p.synced
	p.synced = false
	p.syncFailed = false
	p.files = map[string]*bytes.Buffer{}
	p.mu.Unlock()
	if wasSynced {
		p.logger.WithField("action", "ha_receive").
			Warn("peer restarted its message sequence, copy is no longer in sync")
	}
	p.updateView()
}

func (p *Pair) updateView() {
	p.mu.Lock()
	v := p.viewLocked()
	changed := v != p.lastView
	p.lastView = v
	p.mu.Unlock()

	p.metrics.SetHARole(string(v.Role), knownRoles)
	if changed {
		p.signalView()
	}
}

func (p *Pair) signalView() {
	select {
	case p.viewSignal <- struct{}{}:
	default:
	}
}

func (p *Pair) notifyViews() {
	for {
		select {
		case <-p.done:
			return
		case <-p.viewSignal:
			p.mu.Lock()
			fn := p.viewFn
			v := p.viewLocked()
			p.mu.Unlock()
			if fn != nil {
				fn(v)
			}
		}
	}
}

func (p *Pair) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)

	p.listMu.RLock()
	list := p.list
	p.listMu.RUnlock()
	if list == nil {
		return nil
	}

	var result *multierror.Error
	if err := list.Leave(time.Second); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "leave HA pair"))
	}
	if err := list.Shutdown(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "shutdown memberlist"))
	}
	return result.ErrorOrNil()
}

// pairDelegate and pairEvents are called by memberlist with its own locks
// held and must not call back into it.
type pairDelegate Pair

func (d *pairDelegate) NodeMeta(limit int) []byte {
	raw, err := d.meta.marshal()
	if err != nil || len(raw) > limit {
		return nil
	}
	return raw
}

func (d *pairDelegate) NotifyMsg(msg []byte) {
	if len(msg) == 0 {
		return
	}
	// memberlist reuses the buffer
	raw := make([]byte, len(msg))
	copy(raw, msg)
	(*Pair)(d).receive(raw)
}

func (d *pairDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (d *pairDelegate) LocalState(join bool) []byte { return nil }

func (d *pairDelegate) MergeRemoteState(buf []byte, join bool) {}

type pairEvents Pair

func (e *pairEvents) NotifyJoin(n *memberlist.Node) {
	p := (*Pair)(e)
	meta, ok := parseNodeMeta(n.Meta)
	if !ok {
		p.logger.WithField("action", "ha_membership").
			WithField("node", n.Name).
			Warn("member without broker metadata ignored")
		return
	}

	p.mu.Lock()
	_, known := p.members[n.Name]
	p.mu.Unlock()

	if n.Name != p.name && !known {
		// a new peer gets a fresh sequence before anything is sent to it
		p.newEpoch()
		p.logger.WithField("action", "ha_membership").
			WithField("node", n.Name).
			WithField("address", n.Address()).
			Info("HA peer joined")
	}

	p.mu.Lock()
	p.members[n.Name] = member{node: *n, meta: meta}
	p.mu.Unlock()
	p.updateView()
}

func (e *pairEvents) NotifyLeave(n *memberlist.Node) {
	p := (*Pair)(e)
	if n.Name == p.name {
		return
	}
	p.mu.Lock()
	delete(p.members, n.Name)
	p.peerSynced = false
	p.mu.Unlock()

	p.logger.WithField("action", "ha_membership").
		WithField("node", n.Name).
		Warn("HA peer left")
	p.updateView()
}

func (e *pairEvents) NotifyUpdate(n *memberlist.Node) {
	p := (*Pair)(e)
	meta, ok := parseNodeMeta(n.Meta)
	if !ok {
		return
	}
	p.mu.Lock()
	p.members[n.Name] = member{node: *n, meta: meta}
	p.mu.Unlock()
	p.updateView()
}
