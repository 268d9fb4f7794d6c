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

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/weaviate/msgbroker/entities/diskio"
	enterrors "github.com/weaviate/msgbroker/entities/errors"
)

// load restores the in-memory store from the manifest, the generation
// images and the journals listed in the manifest.
func (s *Store) load() error {
	st, exists, err := s.manifest.load()
	if err != nil {
		return errors.Wrap(err, "read manifest")
	}
	if !exists {
		return s.initEmpty()
	}
	if st.Format != formatVersion {
		return errors.Wrapf(ErrInvalidValue, "store format %d, expected %d", st.Format, formatVersion)
	}
	s.storeID = st.StoreID

	logger := s.logger.WithField("action", "store_load").
		WithField("store_id", st.StoreID).
		WithField("clean_shutdown", st.Clean)

	beforeImages := time.Now()
	rs := newRedoStats()
	if err := s.loadImages(st, rs); err != nil {
		return err
	}
	s.metrics.trackStartup("store_load_images", beforeImages)
	s.recoveryPct.Store(25)

	beforeJournals := time.Now()
	if err := s.replayJournals(st.Journals, rs); err != nil {
		return err
	}
	s.metrics.trackStartup("store_replay_journals", beforeJournals)

	s.finishLoad(st, rs)
	s.observeInc(st.NextInc)
	s.observeSeq(st.FrameSeq)
	if err := s.manifest.setClean(false); err != nil {
		return errors.Wrap(err, "mark store open")
	}
	s.recoveryPct.Store(50)

	logger.WithField("generations", len(s.gens)).
		WithField("owners", len(s.owners)).
		WithField("frames_replayed", rs.frames).
		WithField("ops_skipped", rs.skipped).
		WithField("took", time.Since(beforeImages).String()).
		Info("store loaded")
	return nil
}

func (s *Store) initEmpty() error {
	s.storeID = uuid.New().String()

	j, err := openJournal(s.cfg.RootPath, 1, 0)
	if err != nil {
		return err
	}
	s.journal = j
	s.journals = []uint64{1}

	err = s.manifest.save(manifestState{
		StoreID:     s.storeID,
		Format:      formatVersion,
		Journals:    s.journals,
		Generations: map[GenID]genState{MgmtGenID: genActive},
	})
	if err != nil {
		return errors.Wrap(err, "initialize manifest")
	}
	s.recoveryPct.Store(50)

	s.logger.WithField("action", "store_load").
		WithField("store_id", s.storeID).
		Info("created new store")
	return nil
}

// loadImages reads all generation images in parallel and applies them, the
// management image first so that chains exist when references attach.
func (s *Store) loadImages(st manifestState, rs *redoStats) error {
	ids := make([]GenID, 0, len(st.Generations))
	for id, state := range st.Generations {
		if state != genReclaimed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	images := make([]*genImage, len(ids))
	observe := s.metrics.startupReadObserver("read_generation_image")
	eg := enterrors.NewErrorGroupWrapper(s.logger, "load_images")
	for i, id := range ids {
		i, id := i, id
		eg.Go(func() error {
			img, err := readImage(filepath.Join(s.cfg.RootPath, imageFileName(id)), observe)
			if err != nil {
				if os.IsNotExist(err) {
					// created after the last image was written, the
					// journal holds its content
					return nil
				}
				return errors.Wrapf(err, "load generation %d", id)
			}
			if img.Header.GenID != id {
				return errors.Wrapf(ErrCorrupt, "image of generation %d claims id %d", id, img.Header.GenID)
			}
			images[i] = img
			return nil
		}, id)
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, id := range ids {
		img := images[i]
		if id != MgmtGenID {
			state := st.Generations[id]
			if img != nil {
				state = img.Header.State
			}
			if state == genCompacting || state == genActive {
				state = genSealed
			}
			g := s.redoGen(id)
			g.Lock()
			g.state = state
			g.Unlock()
		}
		if img == nil {
			continue
		}
		s.applyImage(img, rs)
	}
	return nil
}

func (s *Store) applyImage(img *genImage, rs *redoStats) {
	g := s.redoGen(img.Header.GenID)
	s.observeInc(img.Header.MaxInc)

	for _, r := range img.Records {
		s.attachRecord(g, r.Slot, &recordEntry{
			inc:      r.Inc,
			rtype:    r.Type,
			attr:     r.Attr,
			state:    r.State,
			data:     r.Data,
			fragLens: r.FragLens,
		})
	}
	for _, c := range img.Chains {
		if chain := s.redoChain(c.Owner, c.Inc); chain != nil {
			chain.minActive = c.MinActive
			chain.highest = c.Highest
			chain.used = c.Used
		}
	}
	for _, st := range img.States {
		c := s.redoChain(st.Owner, st.OwnerInc)
		if c == nil {
			rs.orphans["state"]++
			continue
		}
		c.Lock()
		s.attachStateLocked(c, st.Slot, st.Inc, StateObject{Key: st.Key, Value: st.Value}, rs)
		c.Unlock()
	}
	for _, r := range img.Refs {
		c := s.redoChain(r.Owner, r.OwnerInc)
		if c == nil {
			rs.orphans["reference"]++
			continue
		}
		c.Lock()
		s.attachRefLocked(c, g, r.Slot, r.Inc, Reference{
			OrderID: r.OrderID,
			Target:  r.Target,
			Value:   r.Value,
			State:   r.State,
		}, rs)
		c.Unlock()
	}

	g.Lock()
	for kind, next := range img.NextSlot {
		if kind < len(g.nextSlot) && next > 0 {
			g.observeSlot(handleKind(kind), next-1)
		}
	}
	// an image is exactly what is on disk
	g.dirty = false
	g.Unlock()
}

// replayJournals redoes the journals in order. Only the tail of the last
// journal may be torn, it is cut off and the journal reopened for appending.
func (s *Store) replayJournals(seqs []uint64, rs *redoStats) error {
	if len(seqs) == 0 {
		seqs = []uint64{1}
	}

	observe := s.metrics.startupReadObserver("read_journal")
	var validBytes int64
	for i, seq := range seqs {
		path := filepath.Join(s.cfg.RootPath, journalFileName(seq))
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			validBytes = 0
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "open journal %q", path)
		}

		parser := newJournalParser(diskio.NewMeteredReader(f, observe), func(frame journalFrame) error {
			rs.frames++
			s.observeSeq(frame.Seq)
			for _, op := range frame.Ops {
				if err := s.applyRedo(op, rs); err != nil {
					return err
				}
			}
			return nil
		})
		err = parser.Do()
		f.Close()
		switch {
		case err == nil:
		case errors.Is(err, errTornFrame):
			s.logger.WithField("action", "store_replay_journal").
				WithField("journal", journalFileName(seq)).
				WithField("valid_bytes", parser.validBytes).
				WithField("last", i == len(seqs)-1).
				WithError(err).
				Warn("discarding incomplete transaction at end of journal")
		default:
			return errors.Wrapf(err, "replay journal %q", path)
		}
		validBytes = parser.validBytes
	}

	last := seqs[len(seqs)-1]
	j, err := openJournal(s.cfg.RootPath, last, validBytes)
	if err != nil {
		return err
	}
	s.journal = j
	s.journals = append([]uint64(nil), seqs...)
	return nil
}

// finishLoad drops what lost its owner, restores chain order and picks the
// active generation.
func (s *Store) finishLoad(st manifestState, rs *redoStats) {
	s.ownersMu.RLock()
	chains := make([]*ownerChain, 0, len(s.owners))
	for _, c := range s.owners {
		chains = append(chains, c)
	}
	s.ownersMu.RUnlock()

	for _, c := range chains {
		c.Lock()
		c.sortChunks()
		for _, ch := range c.chunks {
			if ch.live == 0 {
				s.maybeDropChunkLocked(c, ch)
			}
		}
		c.Unlock()
	}

	// references kept alive by a generation image but whose owner is gone
	s.gensMu.RLock()
	gens := make([]*generation, 0, len(s.gens))
	for _, g := range s.gens {
		gens = append(gens, g)
	}
	s.gensMu.RUnlock()
	for _, g := range gens {
		g.Lock()
		for slot, e := range g.refs {
			if c := s.chainOf(e.owner); c == nil || c.inc != e.ownerInc {
				delete(g.refs, slot)
				g.dirty = true
				rs.orphans["reference"]++
			}
		}
		g.Unlock()
	}

	s.mgmt.Lock()
	s.mgmt.rebuildFreeSlots()
	s.mgmt.Unlock()

	s.gensMu.Lock()
	if g := s.gens[st.ActiveGen]; g != nil && st.ActiveGen != MgmtGenID {
		g.Lock()
		g.state = genActive
		g.Unlock()
		s.active = g
	}
	s.gensMu.Unlock()

	for kind, n := range rs.orphans {
		s.metrics.orphansDropped(kind, n)
		if n > 0 {
			s.logger.WithField("action", "store_load").
				WithField("kind", kind).
				WithField("count", n).
				Warn("dropped entries without owner")
		}
	}
}
