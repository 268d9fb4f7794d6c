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
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/weaviate/msgbroker/entities/cyclemanager"
	enterrors "github.com/weaviate/msgbroker/entities/errors"
	"github.com/weaviate/msgbroker/entities/storagestate"
)

func (s *Store) requestCheckpoint(reason string) {
	s.checkpointRequested.Store(reason)
}

func (s *Store) checkpointCycle(shouldAbort cyclemanager.ShouldAbortCallback) bool {
	if st := s.Status(); st != storagestate.StatusReady && st != storagestate.StatusRecovering {
		return false
	}

	reason, _ := s.checkpointRequested.Swap("").(string)
	if reason == "" {
		reason = s.checkpointDue()
	}
	if reason == "" || shouldAbort() {
		if reason != "" {
			s.requestCheckpoint(reason)
		}
		return false
	}

	if err := s.checkpoint(reason); err != nil {
		s.logger.WithField("action", "store_checkpoint").
			WithField("reason", reason).
			WithError(err).
			Error("checkpoint failed, journal keeps growing until the next one succeeds")
		return false
	}
	return true
}

func (s *Store) checkpointDue() string {
	s.commitMu.Lock()
	j := s.journal
	s.commitMu.Unlock()
	if j == nil {
		return ""
	}

	if s.cfg.JournalMaxBytes > 0 && j.currentSize() >= s.cfg.JournalMaxBytes {
		return "journal_size"
	}
	if s.compactionDue() {
		return "compaction"
	}
	last := time.Unix(0, s.lastCheckpoint.Load())
	if s.cfg.CheckpointInterval > 0 && time.Since(last) >= s.cfg.CheckpointInterval && j.currentSize() > 0 {
		return "interval"
	}
	return ""
}

// compactionDue reports sealed generations whose image carries mostly
// deleted content.
func (s *Store) compactionDue() bool {
	s.gensMu.RLock()
	defer s.gensMu.RUnlock()

	for _, g := range s.gens {
		g.Lock()
		due := s.needsCompaction(g)
		g.Unlock()
		if due {
			return true
		}
	}
	return false
}

// needsCompaction is called with g locked.
func (s *Store) needsCompaction(g *generation) bool {
	if g.state != genSealed || g.freedSinceImage == 0 {
		return false
	}
	return g.pool.fillPercent() < uint64(s.cfg.CompactLivePercent) || g.empty()
}

type pendingImage struct {
	gen *generation
	img *genImage
}

// checkpoint writes images of changed generations and starts a new journal.
//
// Phase one runs with all writers quiesced: it snapshots the generations,
// opens the next journal and records both journals in the manifest. Phase
// two writes the images concurrently with new commits and finally drops
// the old journal from the manifest. A crash in between replays both.
func (s *Store) checkpoint(reason string) error {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	start := time.Now()
	if s.manifest == nil {
		return errors.Wrap(ErrStateNotAvailable, "store not started")
	}

	// phase one
	s.quiesce.Lock()
	s.commitMu.Lock()

	oldJournal := s.journal
	if oldJournal == nil {
		s.commitMu.Unlock()
		s.quiesce.Unlock()
		return errors.Wrap(ErrStateNotAvailable, "journal closed")
	}
	if err := oldJournal.flush(); err != nil {
		s.commitMu.Unlock()
		s.quiesce.Unlock()
		return err
	}

	chains := s.chainImages()
	reclaimed, events := s.reclaimGenerations()
	images := s.snapshotDirty(chains)

	newSeq := s.journals[len(s.journals)-1] + 1
	newJournal, err := openJournal(s.cfg.RootPath, newSeq, 0)
	if err == nil {
		journals := append(append([]uint64(nil), s.journals...), newSeq)
		err = s.manifest.save(s.manifestStateLocked(journals))
		if err != nil {
			newJournal.close()
			os.Remove(newJournal.path)
		} else {
			s.journal = newJournal
			s.journals = journals
		}
	}
	s.commitMu.Unlock()
	s.quiesce.Unlock()
	s.fireEvents(events...)

	if err != nil {
		s.redirty(images)
		return errors.Wrap(err, "rotate journal")
	}

	// phase two
	eg := enterrors.NewErrorGroupWrapper(s.logger, "checkpoint", reason)
	for _, pi := range images {
		pi := pi
		eg.Go(func() error {
			encoded, err := encodeImage(pi.img)
			if err != nil {
				return err
			}
			return writeImage(filepath.Join(s.cfg.RootPath, imageFileName(pi.gen.id)), encoded)
		}, pi.gen.id)
	}
	if err := eg.Wait(); err != nil {
		s.redirty(images)
		return errors.Wrap(err, "write generation images")
	}

	s.commitMu.Lock()
	oldSeqs := s.journals[:len(s.journals)-1]
	s.journals = []uint64{newSeq}
	err = s.manifest.save(s.manifestStateLocked(s.journals))
	s.commitMu.Unlock()
	if err != nil {
		return errors.Wrap(err, "commit checkpoint to manifest")
	}

	var cleanup *multierror.Error
	if err := oldJournal.close(); err != nil {
		cleanup = multierror.Append(cleanup, err)
	}
	for _, seq := range oldSeqs {
		if err := os.Remove(filepath.Join(s.cfg.RootPath, journalFileName(seq))); err != nil && !os.IsNotExist(err) {
			cleanup = multierror.Append(cleanup, err)
		}
	}
	for _, id := range reclaimed {
		if err := os.Remove(filepath.Join(s.cfg.RootPath, imageFileName(id))); err != nil && !os.IsNotExist(err) {
			cleanup = multierror.Append(cleanup, err)
		}
	}

	s.gensMu.Lock()
	for _, id := range reclaimed {
		delete(s.pendingFree, id)
	}
	for _, pi := range images {
		pi.gen.Lock()
		if pi.gen.state == genCompacting {
			pi.gen.state = genSealed
		}
		pi.gen.Unlock()
	}
	s.gensMu.Unlock()

	s.lastCheckpoint.Store(time.Now().UnixNano())
	s.metrics.checkpoint(reason, start)
	s.logger.WithField("action", "store_checkpoint").
		WithField("reason", reason).
		WithField("images", len(images)).
		WithField("reclaimed", len(reclaimed)).
		WithField("journal", newSeq).
		WithField("took", time.Since(start).String()).
		Debug("checkpoint complete")

	if err := cleanup.ErrorOrNil(); err != nil {
		s.logger.WithField("action", "store_checkpoint").
			WithError(err).
			Warn("removing obsolete files failed")
	}
	return nil
}

// chainImages captures the chain metadata stored with the management image
// and releases empty chunks left behind in sealed generations.
func (s *Store) chainImages() []imageChain {
	s.ownersMu.RLock()
	chains := make([]*ownerChain, 0, len(s.owners))
	for _, c := range s.owners {
		chains = append(chains, c)
	}
	s.ownersMu.RUnlock()

	out := make([]imageChain, 0, len(chains))
	for _, c := range chains {
		c.Lock()
		for _, ch := range append([]*refChunk(nil), c.chunks...) {
			if ch.live == 0 && ch.pending == 0 {
				s.maybeDropChunkLocked(c, ch)
			}
		}
		if !c.deleted && (c.used || c.minActive > 0) {
			out = append(out, imageChain{
				Owner: c.owner, Inc: c.inc, MinActive: c.minActive, Highest: c.highest, Used: c.used,
			})
		}
		c.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// reclaimGenerations retires empty sealed generations. Their ids become
// reusable once the checkpoint is complete. Called in phase one.
func (s *Store) reclaimGenerations() ([]GenID, []EventType) {
	s.gensMu.Lock()
	defer s.gensMu.Unlock()

	var ids []GenID
	var events []EventType
	for id, g := range s.gens {
		g.Lock()
		if g != s.active && g.state == genSealed && g.empty() {
			g.state = genReclaimed
			delete(s.gens, id)
			s.pendingFree[id] = struct{}{}
			events = append(events, s.diskPool.free(1))
			ids = append(ids, id)
		}
		g.Unlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, events
}

// snapshotDirty captures every changed generation and the management
// generation. Called in phase one.
func (s *Store) snapshotDirty(chains []imageChain) []pendingImage {
	s.gensMu.RLock()
	gens := make([]*generation, 0, len(s.gens)+1)
	gens = append(gens, s.mgmt)
	for _, g := range s.gens {
		gens = append(gens, g)
	}
	s.gensMu.RUnlock()

	var images []pendingImage
	for _, g := range gens {
		g.Lock()
		if g.dirty || g.isMgmt() {
			var c []imageChain
			if g.isMgmt() {
				c = chains
			}
			if s.needsCompaction(g) {
				g.state = genCompacting
			}
			images = append(images, pendingImage{gen: g, img: snapshotImage(g, c)})
			g.dirty = false
			g.freedSinceImage = 0
		}
		g.Unlock()
	}
	return images
}

func (s *Store) redirty(images []pendingImage) {
	for _, pi := range images {
		pi.gen.Lock()
		pi.gen.dirty = true
		if pi.gen.state == genCompacting {
			pi.gen.state = genSealed
		}
		pi.gen.Unlock()
	}
}

// manifestStateLocked describes the current generation table. commitMu is
// held.
func (s *Store) manifestStateLocked(journals []uint64) manifestState {
	st := manifestState{
		StoreID:     s.storeID,
		Format:      formatVersion,
		Journals:    journals,
		NextInc:     s.incarnation.Load() + 1,
		FrameSeq:    s.frameSeq.Load(),
		Generations: map[GenID]genState{MgmtGenID: genActive},
	}

	s.gensMu.RLock()
	defer s.gensMu.RUnlock()
	for id, g := range s.gens {
		g.Lock()
		st.Generations[id] = g.state
		g.Unlock()
	}
	if s.active != nil {
		st.ActiveGen = s.active.id
	}
	return st
}
