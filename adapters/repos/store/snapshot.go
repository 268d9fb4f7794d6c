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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/weaviate/msgbroker/entities/diskio"
	"github.com/weaviate/msgbroker/entities/storagestate"
)

// SnapshotFiles takes a checkpoint and hands every file a standby needs to
// fn: generation images, the journal as far as it is flushed and a copy of
// the manifest. Commits continue meanwhile, the standby catches up on them
// through mirrored frames.
func (s *Store) SnapshotFiles(fn func(name string, r io.Reader) error) error {
	if err := s.writable(); err != nil {
		return err
	}
	if err := s.checkpoint("snapshot"); err != nil {
		return errors.Wrap(err, "checkpoint for snapshot")
	}

	// no checkpoint may replace files while they are being sent
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	s.commitMu.Lock()
	j := s.journal
	s.commitMu.Unlock()
	if j == nil {
		return errors.Wrap(ErrStateNotAvailable, "journal closed")
	}
	if err := j.flush(); err != nil {
		return err
	}
	journalSize := j.currentSize()

	ids := []GenID{MgmtGenID}
	for _, g := range s.sortedGenerations() {
		ids = append(ids, g.id)
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })

	for _, id := range ids {
		name := imageFileName(id)
		if err := s.sendFile(name, -1, fn); err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}
			return err
		}
	}
	if err := s.sendFile(journalFileName(j.seq), journalSize, fn); err != nil {
		return err
	}

	var manifest bytes.Buffer
	if err := s.manifest.copyTo(&manifest); err != nil {
		return errors.Wrap(err, "copy manifest")
	}
	return fn(manifestFileName, &manifest)
}

// sendFile passes the first limit bytes of a store file to fn, all of it
// when limit is negative.
func (s *Store) sendFile(name string, limit int64, fn func(string, io.Reader) error) error {
	f, err := os.Open(filepath.Join(s.cfg.RootPath, name))
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit >= 0 {
		r = io.LimitReader(f, limit)
	}
	return fn(name, r)
}

// ResetForSnapshot empties the store directory of a store that has not been
// started yet, so that a snapshot can be received into it.
func (s *Store) ResetForSnapshot() error {
	if st := s.Status(); st != storagestate.StatusInitialized {
		return errors.Wrapf(ErrStateNotAvailable, "receive snapshot in status %s", st)
	}
	if err := os.RemoveAll(s.cfg.RootPath); err != nil {
		return errors.Wrap(err, "clear store directory")
	}
	return os.MkdirAll(s.cfg.RootPath, 0o777)
}

// ReceiveSnapshotFile stores one file sent by SnapshotFiles of the primary.
func (s *Store) ReceiveSnapshotFile(name string, r io.Reader) error {
	if st := s.Status(); st != storagestate.StatusInitialized {
		return errors.Wrapf(ErrStateNotAvailable, "receive snapshot in status %s", st)
	}
	path, err := diskio.SanitizeFilePathJoin(s.cfg.RootPath, name)
	if err != nil {
		return errors.Wrapf(ErrInvalidValue, "snapshot file %q: %v", name, err)
	}
	var written int64
	err = diskio.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := io.Copy(diskio.NewMeteredWriter(w, func(n int64) { written += n }), r)
		return err
	})
	if err != nil {
		return err
	}
	s.logger.WithField("action", "store_receive_snapshot").
		WithField("file", name).
		WithField("size", humanize.IBytes(uint64(written))).
		Debug("snapshot file received")
	return nil
}
