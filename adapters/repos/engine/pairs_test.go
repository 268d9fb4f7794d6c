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

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPairTracker(t *testing.T) {
	type pair struct {
		k    int
		a, b string
	}
	run := func(steps func(p *pairTracker[int, string, string])) ([]pair, []int, []int) {
		var paired []pair
		p := newPairTracker(func(k int, a, b string) {
			paired = append(paired, pair{k, a, b})
		})
		steps(p)
		var onlyA, onlyB []int
		p.unmatched(func(k int, _ string) { onlyA = append(onlyA, k) },
			func(k int, _ string) { onlyB = append(onlyB, k) })
		sort.Ints(onlyA)
		sort.Ints(onlyB)
		return paired, onlyA, onlyB
	}

	t.Run("order does not matter", func(t *testing.T) {
		forward, _, _ := run(func(p *pairTracker[int, string, string]) {
			p.left(1, "defn")
			p.right(1, "props")
		})
		backward, _, _ := run(func(p *pairTracker[int, string, string]) {
			p.right(1, "props")
			p.left(1, "defn")
		})
		assert.Equal(t, []pair{{1, "defn", "props"}}, forward)
		assert.Equal(t, forward, backward)
	})

	t.Run("repeated halves pair once", func(t *testing.T) {
		paired, onlyA, onlyB := run(func(p *pairTracker[int, string, string]) {
			p.left(1, "defn")
			p.left(1, "other")
			p.right(1, "props")
			p.right(1, "props")
			p.left(1, "late")
		})
		assert.Equal(t, []pair{{1, "defn", "props"}}, paired)
		assert.Empty(t, onlyA)
		assert.Empty(t, onlyB)
	})

	t.Run("unmatched halves", func(t *testing.T) {
		paired, onlyA, onlyB := run(func(p *pairTracker[int, string, string]) {
			p.left(1, "defn")
			p.right(2, "props")
			p.left(3, "defn")
			p.right(3, "props")
			p.left(4, "defn")
		})
		assert.Len(t, paired, 1)
		assert.Equal(t, []int{1, 4}, onlyA)
		assert.Equal(t, []int{2}, onlyB)
	})

	t.Run("dropped keys stay dropped", func(t *testing.T) {
		paired, onlyA, onlyB := run(func(p *pairTracker[int, string, string]) {
			p.left(1, "defn")
			p.drop(1)
			p.right(1, "props")
		})
		assert.Empty(t, paired)
		assert.Empty(t, onlyA)
		assert.Empty(t, onlyB)
	})
}
