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

package engine

// pairTracker joins two halves that recovery finds in any order, e.g. a
// definition record and its properties. Adding a half twice is a no-op,
// so the result does not depend on order or repetition.
type pairTracker[K comparable, A, B any] struct {
	pending map[K]*halfPair[A, B]
	done    map[K]struct{}
	onPair  func(k K, a A, b B)
}

type halfPair[A, B any] struct {
	a    A
	b    B
	hasA bool
	hasB bool
}

func newPairTracker[K comparable, A, B any](onPair func(k K, a A, b B)) *pairTracker[K, A, B] {
	return &pairTracker[K, A, B]{
		pending: map[K]*halfPair[A, B]{},
		done:    map[K]struct{}{},
		onPair:  onPair,
	}
}

func (p *pairTracker[K, A, B]) slot(k K) *halfPair[A, B] {
	if _, ok := p.done[k]; ok {
		return nil
	}
	hp, ok := p.pending[k]
	if !ok {
		hp = &halfPair[A, B]{}
		p.pending[k] = hp
	}
	return hp
}

func (p *pairTracker[K, A, B]) left(k K, a A) {
	hp := p.slot(k)
	if hp == nil || hp.hasA {
		return
	}
	hp.a, hp.hasA = a, true
	p.complete(k, hp)
}

func (p *pairTracker[K, A, B]) right(k K, b B) {
	hp := p.slot(k)
	if hp == nil || hp.hasB {
		return
	}
	hp.b, hp.hasB = b, true
	p.complete(k, hp)
}

func (p *pairTracker[K, A, B]) complete(k K, hp *halfPair[A, B]) {
	if !hp.hasA || !hp.hasB {
		return
	}
	delete(p.pending, k)
	p.done[k] = struct{}{}
	p.onPair(k, hp.a, hp.b)
}

// drop gives up on k, later halves for it are ignored.
func (p *pairTracker[K, A, B]) drop(k K) {
	delete(p.pending, k)
	p.done[k] = struct{}{}
}

// unmatched calls onlyA and onlyB for the halves that never found their
// partner.
func (p *pairTracker[K, A, B]) unmatched(onlyA func(k K, a A), onlyB func(k K, b B)) {
	for k, hp := range p.pending {
		switch {
		case hp.hasA && onlyA != nil:
			onlyA(k, hp.a)
		case hp.hasB && onlyB != nil:
			onlyB(k, hp.b)
		}
	}
}
