// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package space

import (
	"fmt"

	"github.com/loomrt/loom/event"
)

// An IndexSpace is a bounded rectangle of integer coordinates plus an
// optional sparsity map restricting it to a subset of the rectangle.
// Index spaces are values; copying one aliases its sparsity map.
type IndexSpace struct {
	bounds   Rect
	sparsity *SparsityMap
}

// Dense returns the dense index space covering bounds.
func Dense(bounds Rect) IndexSpace {
	return IndexSpace{bounds: bounds}
}

// Sparse returns the index space restricted to the points of sparsity
// that lie within bounds.
func Sparse(bounds Rect, sparsity *SparsityMap) IndexSpace {
	return IndexSpace{bounds: bounds, sparsity: sparsity}
}

// Dim returns the space's dimensionality.
func (is IndexSpace) Dim() int { return is.bounds.Dim() }

// Bounds returns the space's bounding rectangle.
func (is IndexSpace) Bounds() Rect { return is.bounds }

// Dense reports whether the space has no sparsity map.
func (is IndexSpace) Dense() bool { return is.sparsity == nil }

// Sparsity returns the space's sparsity map, or nil for a dense space.
func (is IndexSpace) Sparsity() *SparsityMap { return is.sparsity }

// MakeValid forces any deferred sparsity payload. It is a no-op for
// dense spaces.
func (is IndexSpace) MakeValid() error {
	if is.sparsity == nil {
		return nil
	}
	return is.sparsity.MakeValid()
}

// ValidEvent returns the event gating observation of the space's
// points. Dense spaces are always valid.
func (is IndexSpace) ValidEvent() event.Event {
	if is.sparsity == nil {
		return event.NoEvent
	}
	return is.sparsity.ValidEvent()
}

// Empty reports whether the space contains no points. A sparse space
// whose map is not yet valid is observed as empty.
func (is IndexSpace) Empty() bool {
	return is.Volume() == 0
}

// Volume returns the number of points in the space.
func (is IndexSpace) Volume() int64 {
	if is.sparsity == nil {
		return is.bounds.Volume()
	}
	var v int64
	for _, r := range is.sparsity.Rects() {
		v += r.Intersect(is.bounds).Volume()
	}
	return v
}

// Contains reports whether the space contains point p.
func (is IndexSpace) Contains(p Point) bool {
	if !is.bounds.Contains(p) {
		return false
	}
	if is.sparsity == nil {
		return true
	}
	return is.sparsity.Contains(p)
}

// Rects returns the disjoint rectangles covering the space's points.
func (is IndexSpace) Rects() []Rect {
	if is.sparsity == nil {
		if is.bounds.Empty() {
			return nil
		}
		return []Rect{is.bounds}
	}
	var out []Rect
	for _, r := range is.sparsity.Rects() {
		if clipped := r.Intersect(is.bounds); !clipped.Empty() {
			out = append(out, clipped)
		}
	}
	return out
}

// Each calls fn for every point in the space in rect-then-lexicographic
// order, stopping early if fn returns false.
func (is IndexSpace) Each(fn func(Point) bool) bool {
	for _, r := range is.Rects() {
		if !r.Each(fn) {
			return false
		}
	}
	return true
}

// Fingerprint returns a stable hash of the space's rects. A dense
// space hashes its bounds; a sparse space returns its sparsity map's
// fingerprint, which does not account for the space's bounds.
func (is IndexSpace) Fingerprint() uint64 {
	if is.sparsity == nil {
		return fingerprintRects(is.Rects())
	}
	return is.sparsity.Fingerprint()
}

// String renders the space for debugging.
func (is IndexSpace) String() string {
	if is.sparsity == nil {
		return is.bounds.String()
	}
	return fmt.Sprintf("%s/sparse(%d)", is.bounds, is.Volume())
}

// UnionRects returns the normalized union of the operand spaces'
// rectangles. Operands must be valid.
func UnionRects(spaces ...IndexSpace) []Rect {
	var all []Rect
	for _, is := range spaces {
		all = append(all, is.Rects()...)
	}
	return normalizeRects(all)
}

// IntersectRects returns the normalized intersection of two valid
// spaces.
func IntersectRects(a, b IndexSpace) []Rect {
	var out []Rect
	for _, ra := range a.Rects() {
		for _, rb := range b.Rects() {
			if is := ra.Intersect(rb); !is.Empty() {
				out = append(out, is)
			}
		}
	}
	return normalizeRects(out)
}

// DifferenceRects returns the normalized difference a minus b of two
// valid spaces.
func DifferenceRects(a, b IndexSpace) []Rect {
	out := a.Rects()
	for _, rb := range b.Rects() {
		var next []Rect
		for _, ra := range out {
			next = append(next, ra.Subtract(rb)...)
		}
		out = next
		if len(out) == 0 {
			break
		}
	}
	return normalizeRects(out)
}

// BoundingBox returns the bounding rectangle of the provided rects.
func BoundingBox(rects []Rect) Rect {
	var out Rect
	for _, r := range rects {
		out = out.Union(r)
	}
	return out
}
