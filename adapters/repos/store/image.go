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
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/weaviate/msgbroker/entities/diskio"
)

const (
	imageMagic   = "MBGI"
	imageVersion = 1
)

func imageFileName(id GenID) string {
	return fmt.Sprintf("gen-%05d.img", id)
}

type imageHeader struct {
	Magic   string   `msgpack:"magic"`
	Version uint16   `msgpack:"version"`
	GenID   GenID    `msgpack:"gen"`
	State   genState `msgpack:"state"`
	MaxInc  uint64   `msgpack:"max_inc"`
}

type imageRecord struct {
	Slot     uint64     `msgpack:"s"`
	Inc      uint64     `msgpack:"i"`
	Type     RecordType `msgpack:"t"`
	Attr     uint64     `msgpack:"a,omitempty"`
	State    uint64     `msgpack:"st,omitempty"`
	Data     []byte     `msgpack:"d"`
	FragLens []uint32   `msgpack:"fl,omitempty"`
}

type imageRef struct {
	Slot     uint64 `msgpack:"s"`
	Inc      uint64 `msgpack:"i"`
	Owner    Handle `msgpack:"o"`
	OwnerInc uint64 `msgpack:"oi"`
	OrderID  uint64 `msgpack:"oid"`
	Target   Handle `msgpack:"tg"`
	Value    uint32 `msgpack:"v,omitempty"`
	State    uint8  `msgpack:"st,omitempty"`
}

type imageState struct {
	Slot     uint64 `msgpack:"s"`
	Inc      uint64 `msgpack:"i"`
	Owner    Handle `msgpack:"o"`
	OwnerInc uint64 `msgpack:"oi"`
	Key      uint32 `msgpack:"k"`
	Value    uint64 `msgpack:"v"`
}

// imageChain persists chain metadata that is not derivable from the
// references themselves. Only present in the management image.
type imageChain struct {
	Owner     Handle `msgpack:"o"`
	Inc       uint64 `msgpack:"i"`
	MinActive uint64 `msgpack:"m"`
	Highest   uint64 `msgpack:"h"`
	Used      bool   `msgpack:"u"`
}

// genImage holds the live content of one generation.
type genImage struct {
	Header   imageHeader   `msgpack:"header"`
	NextSlot []uint64      `msgpack:"next_slot"`
	Records  []imageRecord `msgpack:"records"`
	Refs     []imageRef    `msgpack:"refs"`
	States   []imageState  `msgpack:"states"`
	Chains   []imageChain  `msgpack:"chains,omitempty"`
}

// snapshotImage captures the committed content of g. The caller holds g's
// lock; chain metadata is passed in for the management generation.
func snapshotImage(g *generation, chains []imageChain) *genImage {
	img := &genImage{
		Header: imageHeader{
			Magic:   imageMagic,
			Version: imageVersion,
			GenID:   g.id,
			State:   g.state,
		},
		NextSlot: append([]uint64(nil), g.nextSlot[:]...),
		Chains:   chains,
	}
	if img.Header.State == genCompacting {
		img.Header.State = genSealed
	}

	maxInc := func(inc uint64) {
		if inc > img.Header.MaxInc {
			img.Header.MaxInc = inc
		}
	}

	for _, slot := range g.sortedRecordSlots() {
		e := g.records[slot]
		if e.pending {
			continue
		}
		img.Records = append(img.Records, imageRecord{
			Slot: slot, Inc: e.inc, Type: e.rtype, Attr: e.attr, State: e.state,
			Data: e.data, FragLens: e.fragLens,
		})
		maxInc(e.inc)
	}
	for slot, e := range g.refs {
		if e.pending {
			continue
		}
		img.Refs = append(img.Refs, imageRef{
			Slot: slot, Inc: e.inc, Owner: e.owner, OwnerInc: e.ownerInc,
			OrderID: e.ref.OrderID, Target: e.ref.Target, Value: e.ref.Value, State: e.ref.State,
		})
		maxInc(e.inc)
	}
	sort.Slice(img.Refs, func(i, j int) bool { return img.Refs[i].Slot < img.Refs[j].Slot })
	for slot, e := range g.states {
		if e.pending {
			continue
		}
		img.States = append(img.States, imageState{
			Slot: slot, Inc: e.inc, Owner: e.owner, OwnerInc: e.ownerInc,
			Key: e.obj.Key, Value: e.obj.Value,
		})
		maxInc(e.inc)
	}
	sort.Slice(img.States, func(i, j int) bool { return img.States[i].Slot < img.States[j].Slot })

	return img
}

func encodeImage(img *genImage) ([]byte, error) {
	body, err := msgpack.Marshal(img)
	if err != nil {
		return nil, errors.Wrapf(err, "encode image of generation %d", img.Header.GenID)
	}
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], xxhash.Sum64(body))
	return append(body, trailer[:]...), nil
}

func writeImage(path string, encoded []byte) error {
	return diskio.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(encoded)
		return err
	})
}

func readImage(path string, observe diskio.MeteredReaderCallback) (*genImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := io.ReadAll(diskio.NewMeteredReader(f, observe))
	if err != nil {
		return nil, errors.Wrapf(err, "read image %q", path)
	}
	return decodeImage(raw)
}

func decodeImage(raw []byte) (*genImage, error) {
	if len(raw) < 8 {
		return nil, errors.Wrap(ErrCorrupt, "image too short")
	}
	body, trailer := raw[:len(raw)-8], raw[len(raw)-8:]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(trailer) {
		return nil, errors.Wrap(ErrCorrupt, "image checksum mismatch")
	}

	img := &genImage{}
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(img); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	if img.Header.Magic != imageMagic {
		return nil, errors.Wrapf(ErrCorrupt, "unexpected image magic %q", img.Header.Magic)
	}
	if img.Header.Version != imageVersion {
		return nil, errors.Wrapf(ErrInvalidValue, "unsupported image version %d", img.Header.Version)
	}
	return img, nil
}
