// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package space

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/sync/once"
	"github.com/spaolacci/murmur3"

	"github.com/loomrt/loom/event"
)

// A SparsityMap is the materialized description of a sparse index
// space: a sorted list of disjoint rectangles plus an ordered index
// over them. A sparsity map reaches its valid state exactly once and
// is immutable thereafter. Until its validity event triggers, a
// sparsity map is observed as empty; observers that need the payload
// must call MakeValid first.
type SparsityMap struct {
	dim int

	mu          sync.Mutex
	rects       []Rect
	tree        *btree.BTree
	valid       bool
	fingerprint uint64

	fill     func() ([]Rect, error)
	fillOnce once.Task
	validity *event.Trigger
}

// rectItem orders rectangles in a btree by their lower bound.
type rectItem struct{ r Rect }

func (a rectItem) Less(b btree.Item) bool {
	return a.r.Lo.Less(b.(rectItem).r.Lo)
}

// NewSparsityMap returns an invalid sparsity map of the given
// dimensionality whose payload will be provided by a later call to
// SetRects.
func NewSparsityMap(dim int) *SparsityMap {
	return &SparsityMap{dim: dim, validity: event.NewTrigger()}
}

// Deferred returns an invalid sparsity map whose payload is computed
// by fill on the first call to MakeValid.
func Deferred(dim int, fill func() ([]Rect, error)) *SparsityMap {
	s := NewSparsityMap(dim)
	s.fill = fill
	return s
}

// ValidEvent returns the event that triggers when the map becomes
// valid. If the payload computation fails, the event fails with the
// cause.
func (s *SparsityMap) ValidEvent() event.Event {
	return s.validity.Event()
}

// Valid reports whether the map has reached its valid state.
func (s *SparsityMap) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// SetRects publishes the map's payload, normalizing the provided
// rectangles, and triggers the validity event. A map's payload may be
// published exactly once.
func (s *SparsityMap) SetRects(rects []Rect) {
	s.publish(rects)
	s.validity.Trigger()
}

// MakeValid forces the payload computation of a deferred map and
// waits for validity. It is idempotent: subsequent calls return the
// original outcome. MakeValid on a map with no deferred computation
// returns an error unless the payload has already been published.
func (s *SparsityMap) MakeValid() error {
	s.mu.Lock()
	if s.valid {
		s.mu.Unlock()
		return nil
	}
	fill := s.fill
	s.mu.Unlock()
	if fill == nil {
		return errors.E(errors.Invalid, "sparsity map has no deferred payload")
	}
	return s.fillOnce.Do(func() error {
		rects, err := fill()
		if err != nil {
			s.validity.Fail(err)
			return err
		}
		s.publish(rects)
		s.validity.Trigger()
		return nil
	})
}

func (s *SparsityMap) publish(rects []Rect) {
	normalized := normalizeRects(rects)
	s.mu.Lock()
	defer s.mu.Unlock()
	must.True(!s.valid, "sparsity map published twice")
	s.rects = normalized
	s.tree = btree.New(8)
	for _, r := range normalized {
		s.tree.ReplaceOrInsert(rectItem{r})
	}
	s.fingerprint = fingerprintRects(normalized)
	s.valid = true
}

// Rects returns the map's rectangles. An invalid map is observed as
// empty.
func (s *SparsityMap) Rects() []Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return nil
	}
	return s.rects
}

// Contains reports whether the map contains point p. An invalid map
// contains nothing.
func (s *SparsityMap) Contains(p Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return false
	}
	found := false
	// Rects are ordered by Lo; any rect containing p has Lo <= p.
	s.tree.DescendLessOrEqual(rectItem{Rect{Lo: p, Hi: p}}, func(i btree.Item) bool {
		if i.(rectItem).r.Contains(p) {
			found = true
			return false
		}
		return true
	})
	return found
}

// Volume returns the number of points in the map, or 0 if the map is
// not yet valid.
func (s *SparsityMap) Volume() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return 0
	}
	var v int64
	for _, r := range s.rects {
		v += r.Volume()
	}
	return v
}

// Fingerprint returns a stable hash of the map's payload, or 0 if the
// map is not yet valid. Because the payload is immutable once valid,
// the fingerprint is identical on every future observation.
func (s *SparsityMap) Fingerprint() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return 0
	}
	return s.fingerprint
}

// normalizeRects drops empty rects, makes the set disjoint, sorts it,
// and coalesces rects that are contiguous along the last dimension and
// identical in all others. The result is sorted and disjoint but not
// canonical: rects are merged only along the last dimension, so one
// point set split differently in other dimensions can normalize to
// different lists.
func normalizeRects(rects []Rect) []Rect {
	var disjoint []Rect
	for _, r := range rects {
		if r.Empty() {
			continue
		}
		frags := []Rect{r}
		for _, prev := range disjoint {
			var next []Rect
			for _, f := range frags {
				next = append(next, f.Subtract(prev)...)
			}
			frags = next
			if len(frags) == 0 {
				break
			}
		}
		disjoint = append(disjoint, frags...)
	}
	sort.Slice(disjoint, func(i, j int) bool {
		return disjoint[i].Lo.Less(disjoint[j].Lo)
	})
	out := disjoint[:0]
	for _, r := range disjoint {
		if n := len(out); n > 0 && collinear(out[n-1], r) {
			out[n-1].Hi = r.Hi
			continue
		}
		out = append(out, r)
	}
	return out
}

// collinear reports whether b directly extends a along the last
// dimension.
func collinear(a, b Rect) bool {
	if a.Dim() != b.Dim() {
		return false
	}
	last := a.Dim() - 1
	for i := 0; i < last; i++ {
		if a.Lo.Coord(i) != b.Lo.Coord(i) || a.Hi.Coord(i) != b.Hi.Coord(i) {
			return false
		}
	}
	return b.Lo.Coord(last) == a.Hi.Coord(last)+1
}

func fingerprintRects(rects []Rect) uint64 {
	h := murmur3.New64()
	var buf [8]byte
	word := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	for _, r := range rects {
		word(int64(r.Dim()))
		for i := 0; i < r.Dim(); i++ {
			word(r.Lo.Coord(i))
			word(r.Hi.Coord(i))
		}
	}
	return h.Sum64()
}
