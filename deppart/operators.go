// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deppart

import (
	"github.com/loomrt/loom/event"
	"github.com/loomrt/loom/space"
)

// ByField groups the parent's points by the scalar value of a field:
// subspace i holds the points whose field value equals colors[i].
func (e *Engine) ByField(parent space.IndexSpace, field IntField, colors []int64, pred event.Event) *Partition {
	if len(colors) == 0 {
		return gateFailure(parent, invalid("by_field with no colors"))
	}
	subspaces, done := e.deferred(parent, len(colors), pred, func(i int) ([]space.Rect, error) {
		var points []space.Point
		parent.Each(func(p space.Point) bool {
			if field(p) == colors[i] {
				points = append(points, p)
			}
			return true
		})
		return pointRects(points), nil
	})
	return &Partition{Parent: parent, Subspaces: subspaces, Done: done}
}

// ByImage computes the forward map: subspace i is the union of field
// values over the points of sources[i], within the target parent.
func (e *Engine) ByImage(target space.IndexSpace, sources []space.IndexSpace, field PointField, pred event.Event) *Partition {
	if len(sources) == 0 {
		return gateFailure(target, invalid("by_image with no sources"))
	}
	// The sources must themselves be valid before the image can be
	// computed.
	gates := make([]event.Event, 0, len(sources)+1)
	gates = append(gates, pred)
	for _, src := range sources {
		gates = append(gates, src.ValidEvent())
	}
	subspaces, done := e.deferred(target, len(sources), event.Merge(gates...), func(i int) ([]space.Rect, error) {
		seen := make(map[space.Point]bool)
		var points []space.Point
		sources[i].Each(func(p space.Point) bool {
			q := field(p)
			if !seen[q] {
				seen[q] = true
				points = append(points, q)
			}
			return true
		})
		return pointRects(points), nil
	})
	return &Partition{Parent: target, Subspaces: subspaces, Done: done}
}

// ByPreimage computes the inverse map: subspace i is the set of parent
// points whose field value lands in targets[i].
func (e *Engine) ByPreimage(parent space.IndexSpace, targets []space.IndexSpace, field PointField, pred event.Event) *Partition {
	if len(targets) == 0 {
		return gateFailure(parent, invalid("by_preimage with no targets"))
	}
	gates := make([]event.Event, 0, len(targets)+1)
	gates = append(gates, pred)
	for _, tgt := range targets {
		gates = append(gates, tgt.ValidEvent())
	}
	subspaces, done := e.deferred(parent, len(targets), event.Merge(gates...), func(i int) ([]space.Rect, error) {
		var points []space.Point
		parent.Each(func(p space.Point) bool {
			if targets[i].Contains(field(p)) {
				points = append(points, p)
			}
			return true
		})
		return pointRects(points), nil
	})
	return &Partition{Parent: parent, Subspaces: subspaces, Done: done}
}

// ByWeights splits the parent into len(weights) pieces whose point
// counts are proportional to the weights, in iteration order. The
// pieces are exhaustive and pairwise disjoint.
func (e *Engine) ByWeights(parent space.IndexSpace, weights []int64, pred event.Event) *Partition {
	if len(weights) == 0 {
		return gateFailure(parent, invalid("by_weights with no weights"))
	}
	var total int64
	for _, w := range weights {
		if w < 0 {
			return gateFailure(parent, invalid("negative weight"))
		}
		total += w
	}
	if total == 0 {
		return gateFailure(parent, invalid("by_weights with all-zero weights"))
	}
	subspaces, done := e.deferred(parent, len(weights), pred, func(i int) ([]space.Rect, error) {
		volume := parent.Volume()
		// Piece boundaries: cumulative shares rounded up, with the
		// remainder going to the earliest pieces.
		starts := make([]int64, len(weights)+1)
		var acc int64
		for j, w := range weights {
			acc += w
			starts[j+1] = (volume*acc + total - 1) / total
		}
		var (
			points []space.Point
			idx    int64
		)
		parent.Each(func(p space.Point) bool {
			if idx >= starts[i] && idx < starts[i+1] {
				points = append(points, p)
			}
			idx++
			return idx < starts[i+1] || len(points) == 0
		})
		return pointRects(points), nil
	})
	return &Partition{Parent: parent, Subspaces: subspaces, Done: done}
}

// ByEqual splits the parent into count pieces of equal size, the
// remainder distributed to the earliest pieces. The pieces are
// exhaustive and pairwise disjoint.
func (e *Engine) ByEqual(parent space.IndexSpace, count int, pred event.Event) *Partition {
	if count <= 0 {
		return gateFailure(parent, invalid("by_equal with non-positive count"))
	}
	weights := make([]int64, count)
	for i := range weights {
		weights[i] = 1
	}
	return e.ByWeights(parent, weights, pred)
}

// Filter restricts the parent to the points where the field is true.
func (e *Engine) Filter(parent space.IndexSpace, field BoolField, pred event.Event) (space.IndexSpace, event.Event) {
	out, done := e.deferred(parent, 1, pred, func(int) ([]space.Rect, error) {
		var points []space.Point
		parent.Each(func(p space.Point) bool {
			if field(p) {
				points = append(points, p)
			}
			return true
		})
		return pointRects(points), nil
	})
	return out[0], done
}

// Union returns the deferred union of the operands.
func (e *Engine) Union(a, b space.IndexSpace, pred event.Event) (space.IndexSpace, event.Event) {
	parent := space.Dense(a.Bounds().Union(b.Bounds()))
	gate := event.Merge(pred, a.ValidEvent(), b.ValidEvent())
	out, done := e.deferred(parent, 1, gate, func(int) ([]space.Rect, error) {
		return space.UnionRects(a, b), nil
	})
	return out[0], done
}

// Intersection returns the deferred intersection of the operands.
func (e *Engine) Intersection(a, b space.IndexSpace, pred event.Event) (space.IndexSpace, event.Event) {
	parent := space.Dense(a.Bounds().Union(b.Bounds()))
	gate := event.Merge(pred, a.ValidEvent(), b.ValidEvent())
	out, done := e.deferred(parent, 1, gate, func(int) ([]space.Rect, error) {
		return space.IntersectRects(a, b), nil
	})
	return out[0], done
}

// Difference returns the deferred difference a minus b.
func (e *Engine) Difference(a, b space.IndexSpace, pred event.Event) (space.IndexSpace, event.Event) {
	parent := space.Dense(a.Bounds().Union(b.Bounds()))
	gate := event.Merge(pred, a.ValidEvent(), b.ValidEvent())
	out, done := e.deferred(parent, 1, gate, func(int) ([]space.Rect, error) {
		return space.DifferenceRects(a, b), nil
	})
	return out[0], done
}

// UnionAll returns the deferred union of all subspaces of a
// partition.
func (e *Engine) UnionAll(p *Partition, pred event.Event) (space.IndexSpace, event.Event) {
	gates := make([]event.Event, 0, len(p.Subspaces)+2)
	gates = append(gates, pred, p.Done)
	out, done := e.deferred(p.Parent, 1, event.Merge(gates...), func(int) ([]space.Rect, error) {
		return space.UnionRects(p.Subspaces...), nil
	})
	return out[0], done
}
