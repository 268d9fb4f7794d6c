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
	"github.com/pkg/errors"
)

// pool accounts the capacity of a memory area in granules. It is not
// synchronized, callers hold the lock of the generation owning the pool.
type pool struct {
	name     string
	granule  uint64
	total    uint64
	used     uint64
	reserved uint64

	alertOn  uint64
	alertOff uint64
	alerted  bool
	onEvent  EventType
	offEvent EventType
}

func newPool(name string, total uint64, granule uint32, onPct, offPct uint8,
	onEvent, offEvent EventType,
) *pool {
	return &pool{
		name:     name,
		granule:  uint64(granule),
		total:    total,
		alertOn:  total * uint64(onPct) / 100,
		alertOff: total * uint64(offPct) / 100,
		onEvent:  onEvent,
		offEvent: offEvent,
	}
}

// cost rounds n bytes up to whole granules, at least one
func (p *pool) cost(n uint64) uint64 {
	if n == 0 {
		return p.granule
	}
	return (n + p.granule - 1) / p.granule * p.granule
}

func (p *pool) inUse() uint64 {
	return p.used + p.reserved
}

func (p *pool) fits(c uint64) bool {
	return p.inUse()+c <= p.total
}

func (p *pool) fillPercent() uint64 {
	if p.total == 0 {
		return 100
	}
	return p.inUse() * 100 / p.total
}

func (p *pool) alloc(c uint64) (EventType, error) {
	if !p.fits(c) {
		ev := p.raise()
		return ev, errors.Wrapf(ErrCapacityExceeded, "pool %s: need %d, in use %d of %d",
			p.name, c, p.inUse(), p.total)
	}
	p.used += c
	return p.checkAlert(), nil
}

func (p *pool) reserve(c uint64) (EventType, error) {
	if !p.fits(c) {
		ev := p.raise()
		return ev, errors.Wrapf(ErrCapacityExceeded, "pool %s: reserve %d, in use %d of %d",
			p.name, c, p.inUse(), p.total)
	}
	p.reserved += c
	return p.checkAlert(), nil
}

// consumeReserved turns reserved capacity into used capacity.
func (p *pool) consumeReserved(c uint64) {
	if c > p.reserved {
		c = p.reserved
	}
	p.reserved -= c
	p.used += c
}

func (p *pool) releaseReserved(c uint64) EventType {
	if c > p.reserved {
		c = p.reserved
	}
	p.reserved -= c
	return p.checkAlert()
}

func (p *pool) free(c uint64) EventType {
	if c > p.used {
		c = p.used
	}
	p.used -= c
	return p.checkAlert()
}

func (p *pool) raise() EventType {
	if p.alerted {
		return EventNone
	}
	p.alerted = true
	return p.onEvent
}

func (p *pool) checkAlert() EventType {
	switch {
	case !p.alerted && p.alertOn > 0 && p.inUse() >= p.alertOn:
		p.alerted = true
		return p.onEvent
	case p.alerted && p.inUse() <= p.alertOff:
		p.alerted = false
		return p.offEvent
	default:
		return EventNone
	}
}
