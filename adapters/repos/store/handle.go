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

import "fmt"

// Handle is the stable address of a record, reference or state object:
//
//	| 16 bit generation | 2 bit kind | 46 bit slot |
//
// Slots start at 1 so no valid handle equals NullHandle.
type Handle uint64

const NullHandle Handle = 0

type handleKind uint8

const (
	kindRecord handleKind = iota
	kindReference
	kindState
)

const (
	genShift  = 48
	kindShift = 46
	slotMask  = (uint64(1) << kindShift) - 1
)

func makeHandle(gen GenID, kind handleKind, slot uint64) Handle {
	return Handle(uint64(gen)<<genShift | uint64(kind&0x3)<<kindShift | slot&slotMask)
}

func (h Handle) GenID() GenID {
	return GenID(uint64(h) >> genShift)
}

func (h Handle) kind() handleKind {
	return handleKind((uint64(h) >> kindShift) & 0x3)
}

func (h Handle) slot() uint64 {
	return uint64(h) & slotMask
}

func (h Handle) IsNull() bool {
	return h == NullHandle
}

func (h Handle) String() string {
	if h == NullHandle {
		return "null"
	}
	kinds := [...]string{"rec", "ref", "state", "?"}
	return fmt.Sprintf("%d:%s:%d", h.GenID(), kinds[h.kind()], h.slot())
}
