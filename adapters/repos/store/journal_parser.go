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

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

var errTornFrame = errors.New("journal ended with an incomplete frame")

// maximum accepted frame payload, anything larger is treated as garbage
const maxFramePayload = 1 << 30

type journalParser struct {
	reader  io.Reader
	onFrame func(f journalFrame) error
	// offset of the end of the last complete frame
	validBytes int64
	frames     int
}

func newJournalParser(r io.Reader, onFrame func(f journalFrame) error) *journalParser {
	return &journalParser{reader: r, onFrame: onFrame}
}

// Do reads frames until EOF. A torn or checksum-failing frame stops parsing
// with errTornFrame, everything before it has been handed to onFrame.
func (p *journalParser) Do() error {
	var header [frameHeaderSize]byte
	for {
		_, err := io.ReadFull(p.reader, header[:])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(errTornFrame, err.Error())
		}

		length := binary.LittleEndian.Uint32(header[0:4])
		checksum := binary.LittleEndian.Uint64(header[4:12])
		if length > maxFramePayload {
			return errors.Wrapf(errTornFrame, "frame length %d", length)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(p.reader, payload); err != nil {
			return errors.Wrap(errTornFrame, err.Error())
		}
		if xxhash.Sum64(payload) != checksum {
			return errors.Wrap(errTornFrame, "checksum mismatch")
		}

		frame, err := decodeFrame(payload)
		if err != nil {
			return errors.Wrap(errTornFrame, err.Error())
		}
		if err := p.onFrame(frame); err != nil {
			return errors.Wrapf(err, "apply frame %d", frame.Seq)
		}

		p.validBytes += int64(frameHeaderSize) + int64(length)
		p.frames++
	}
}
