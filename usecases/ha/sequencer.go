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

import "sync"

// sequencer delivers the envelopes of the peer in send order. Reliable
// messages travel over separate connections and may arrive out of order.
// A new origin or epoch starts a new sequence; messages of the old one
// still pending are dropped.
type sequencer struct {
	mu      sync.Mutex
	origin  string
	epoch   uint64
	next    uint64
	pending map[uint64]envelope

	deliver func(env envelope)
	// called when a sequence replaces another, messages may have been lost
	onReset func()
}

func newSequencer(deliver func(envelope), onReset func()) *sequencer {
	return &sequencer{
		pending: map[uint64]envelope{},
		deliver: deliver,
		onReset: onReset,
	}
}

func (s *sequencer) push(env envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if env.Origin != s.origin || env.Epoch != s.epoch {
		if env.Origin == s.origin && env.Epoch < s.epoch {
			return
		}
		replaced := s.origin != ""
		s.origin, s.epoch, s.next = env.Origin, env.Epoch, 1
		s.pending = map[uint64]envelope{}
		if replaced && s.onReset != nil {
			s.onReset()
		}
	}
	if env.Seq < s.next {
		return
	}
	s.pending[env.Seq] = env
	for {
		next, ok := s.pending[s.next]
		if !ok {
			return
		}
		delete(s.pending, s.next)
		s.next++
		s.deliver(next)
	}
}

// waiting is the number of envelopes held back for a gap.
func (s *sequencer) waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
