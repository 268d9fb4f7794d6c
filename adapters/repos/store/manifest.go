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
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	manifestFileName = "manifest.db"
	formatVersion    = 1
)

var (
	bucketStore       = []byte("store")
	bucketGenerations = []byte("generations")

	keyStoreID  = []byte("id")
	keyFormat   = []byte("format")
	keyJournals = []byte("journals")
	keyClean    = []byte("clean")
	keyActive   = []byte("active")
	keyNextInc  = []byte("next_inc")
	keyFrameSeq = []byte("frame_seq")
)

// manifestState is the small amount of metadata that ties images and
// journals together.
type manifestState struct {
	StoreID  string
	Format   uint16
	Journals []uint64
	Clean    bool
	// zero when there is no active data generation
	ActiveGen   GenID
	NextInc     uint64
	FrameSeq    uint64
	Generations map[GenID]genState
}

type manifest struct {
	db *bolt.DB
}

func openManifest(path string) (*manifest, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open manifest %q", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketStore); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketGenerations)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create manifest buckets")
	}

	return &manifest{db: db}, nil
}

// load returns the persisted state, exists is false for a new store.
func (m *manifest) load() (st manifestState, exists bool, err error) {
	st.Generations = map[GenID]genState{}

	err = m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStore)
		id := b.Get(keyStoreID)
		if id == nil {
			return nil
		}
		exists = true
		st.StoreID = string(id)

		if v := b.Get(keyFormat); len(v) == 2 {
			st.Format = binary.BigEndian.Uint16(v)
		}
		if v := b.Get(keyJournals); v != nil {
			if err := msgpack.Unmarshal(v, &st.Journals); err != nil {
				return errors.Wrap(ErrCorrupt, "decode journal list")
			}
		}
		if v := b.Get(keyClean); len(v) == 1 {
			st.Clean = v[0] == 1
		}
		if v := b.Get(keyActive); len(v) == 2 {
			st.ActiveGen = GenID(binary.BigEndian.Uint16(v))
		}
		if v := b.Get(keyNextInc); len(v) == 8 {
			st.NextInc = binary.BigEndian.Uint64(v)
		}
		if v := b.Get(keyFrameSeq); len(v) == 8 {
			st.FrameSeq = binary.BigEndian.Uint64(v)
		}

		return tx.Bucket(bucketGenerations).ForEach(func(k, v []byte) error {
			if len(k) != 2 || len(v) != 1 {
				return errors.Wrap(ErrCorrupt, "generation table entry")
			}
			st.Generations[GenID(binary.BigEndian.Uint16(k))] = genState(v[0])
			return nil
		})
	})
	return st, exists, err
}

// save replaces the persisted state in a single transaction.
func (m *manifest) save(st manifestState) error {
	journals, err := msgpack.Marshal(st.Journals)
	if err != nil {
		return errors.Wrap(err, "encode journal list")
	}

	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStore)
		if err := b.Put(keyStoreID, []byte(st.StoreID)); err != nil {
			return err
		}
		if err := b.Put(keyFormat, uint16Bytes(st.Format)); err != nil {
			return err
		}
		if err := b.Put(keyJournals, journals); err != nil {
			return err
		}
		if err := b.Put(keyClean, boolBytes(st.Clean)); err != nil {
			return err
		}
		if err := b.Put(keyActive, uint16Bytes(uint16(st.ActiveGen))); err != nil {
			return err
		}
		if err := b.Put(keyNextInc, uint64Bytes(st.NextInc)); err != nil {
			return err
		}
		if err := b.Put(keyFrameSeq, uint64Bytes(st.FrameSeq)); err != nil {
			return err
		}

		if err := tx.DeleteBucket(bucketGenerations); err != nil {
			return err
		}
		gens, err := tx.CreateBucket(bucketGenerations)
		if err != nil {
			return err
		}
		for id, state := range st.Generations {
			if err := gens.Put(uint16Bytes(uint16(id)), []byte{byte(state)}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *manifest) setClean(clean bool) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStore).Put(keyClean, boolBytes(clean))
	})
}

// copyTo writes a consistent copy of the manifest database.
func (m *manifest) copyTo(w io.Writer) error {
	return m.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

func (m *manifest) close() error {
	return m.db.Close()
}

func uint16Bytes(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func boolBytes(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}
