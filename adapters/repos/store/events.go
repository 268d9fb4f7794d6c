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
	"github.com/dustin/go-humanize"
)

type EventType uint8

const (
	EventNone EventType = iota
	EventMgmtSmallAlertOn
	EventMgmtSmallAlertOff
	EventMgmtLargeAlertOn
	EventMgmtLargeAlertOff
	EventDiskAlertOn
	EventDiskAlertOff
	EventOwnerLimitOn
	EventOwnerLimitOff
)

func (e EventType) String() string {
	switch e {
	case EventMgmtSmallAlertOn:
		return "mgmt_small_alert_on"
	case EventMgmtSmallAlertOff:
		return "mgmt_small_alert_off"
	case EventMgmtLargeAlertOn:
		return "mgmt_large_alert_on"
	case EventMgmtLargeAlertOff:
		return "mgmt_large_alert_off"
	case EventDiskAlertOn:
		return "disk_alert_on"
	case EventDiskAlertOff:
		return "disk_alert_off"
	case EventOwnerLimitOn:
		return "owner_limit_on"
	case EventOwnerLimitOff:
		return "owner_limit_off"
	default:
		return "none"
	}
}

// alert is the name of the alert an event toggles and whether it raises it.
func (e EventType) alert() (string, bool) {
	switch e {
	case EventMgmtSmallAlertOn, EventMgmtSmallAlertOff:
		return "mgmt_small", e == EventMgmtSmallAlertOn
	case EventMgmtLargeAlertOn, EventMgmtLargeAlertOff:
		return "mgmt_large", e == EventMgmtLargeAlertOn
	case EventDiskAlertOn, EventDiskAlertOff:
		return "disk", e == EventDiskAlertOn
	case EventOwnerLimitOn, EventOwnerLimitOff:
		return "owner_limit", e == EventOwnerLimitOn
	default:
		return "", false
	}
}

// EventCallback is invoked outside of store locks. It may call back into
// the store.
type EventCallback func(event EventType, stats Statistics)

func (s *Store) RegisterEventCallback(cb EventCallback) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	s.eventCallbacks = append(s.eventCallbacks, cb)
}

func (s *Store) fireEvents(events ...EventType) {
	var fired []EventType
	for _, e := range events {
		if e != EventNone {
			fired = append(fired, e)
		}
	}
	if len(fired) == 0 {
		return
	}

	stats := s.GetStatistics()
	s.eventsMu.RLock()
	callbacks := append([]EventCallback(nil), s.eventCallbacks...)
	s.eventsMu.RUnlock()

	for _, e := range fired {
		name, on := e.alert()
		s.metrics.alert(name, on)

		logger := s.logger.WithField("action", "store_alert").
			WithField("event", e.String()).
			WithField("pool1_used", humanize.IBytes(stats.Pool1Used)).
			WithField("pool2_used", humanize.IBytes(stats.Pool2Used)).
			WithField("generations", stats.GenerationsCount)
		if on {
			logger.Warn("store alert raised")
		} else {
			logger.Info("store alert cleared")
		}

		for _, cb := range callbacks {
			cb(e, stats)
		}
	}
}

// Statistics is a point in time snapshot, taken without a transaction.
type Statistics struct {
	Status           string
	GenerationsCount int
	ActiveGenID      GenID
	StreamsCount     int

	Pool1Total uint64
	Pool1Used  uint64
	Pool2Total uint64
	Pool2Used  uint64

	DataBytesUsed  uint64
	DataBytesTotal uint64
	DiskUsagePct   uint8

	OwnerLimit    int
	OwnerCounts   map[RecordType]int
	RecordsByType map[RecordType]int
	BytesByType   map[RecordType]uint64
	References    int
	States        int

	JournalBytes          int64
	RecoveryCompletionPct uint8
}
