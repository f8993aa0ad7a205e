// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package deppart implements dependent partitioning: computing derived
// index spaces from field data through the by-field, by-image,
// by-preimage, by-weights, and by-equal operators, plus index-space
// set algebra. All operators are deferred: they return subspaces whose
// sparsity maps are filled in exactly once, after the operator's
// predecessor event has triggered, and an event gating observation of
// the results.
package deppart

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"golang.org/x/sync/errgroup"

	"github.com/loomrt/loom/event"
	"github.com/loomrt/loom/space"
)

// IntField reads a scalar field value at a point.
type IntField func(space.Point) int64

// PointField reads a pointer-valued field: the point the field maps
// its argument to.
type PointField func(space.Point) space.Point

// BoolField reads a boolean field value at a point.
type BoolField func(space.Point) bool

// A Partition is the result of a partitioning operator: subspaces of
// a common parent plus the event that gates their observation. The
// subspaces are valid only after Done triggers; observers that cannot
// wait must call MakeValid on a subspace first.
type Partition struct {
	Parent    space.IndexSpace
	Subspaces []space.IndexSpace
	Done      event.Event
}

// An Engine computes dependent partitions. Operator computation runs
// on a bounded worker pool; long-running partitioning never blocks a
// runtime thread.
type Engine struct {
	limiter *limiter.Limiter
}

// NewEngine returns an engine with the given worker bound.
func NewEngine(workers int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	e := &Engine{limiter: limiter.New()}
	e.limiter.Release(workers)
	return e
}

// failedEvent returns a pre-failed event carrying err.
func failedEvent(err error) event.Event {
	t := event.NewTrigger()
	t.Fail(err)
	return t.Event()
}

// deferred builds n deferred subspaces of parent whose rects are
// produced by compute(i), scheduling the computation once pred and the
// parent's own validity have triggered. It returns the subspaces and
// the merged completion event. An empty parent short-circuits: every
// output is empty and the event has already triggered.
func (e *Engine) deferred(parent space.IndexSpace, n int, pred event.Event, compute func(i int) ([]space.Rect, error)) ([]space.IndexSpace, event.Event) {
	gate := event.Merge(pred, parent.ValidEvent())
	if gate.HasTriggered() && parent.Empty() {
		out := make([]space.IndexSpace, n)
		for i := range out {
			sm := space.NewSparsityMap(parent.Dim())
			sm.SetRects(nil)
			out[i] = space.Sparse(parent.Bounds(), sm)
		}
		return out, event.NoEvent
	}
	var (
		out    = make([]space.IndexSpace, n)
		events = make([]event.Event, n)
	)
	for i := range out {
		i := i
		sm := space.Deferred(parent.Dim(), func() ([]space.Rect, error) {
			if err := gate.Err(); err != nil {
				return nil, err
			}
			rects, err := compute(i)
			if err != nil {
				return nil, err
			}
			// Every operator's outputs are subsets of the stated
			// parent.
			return clip(rects, parent), nil
		})
		out[i] = space.Sparse(parent.Bounds(), sm)
		events[i] = sm.ValidEvent()
	}
	gate.AddWaiter(func(state event.State) {
		if state == event.Failed {
			// Propagate the predecessor's failure through every
			// output without computing.
			e.run(func() {
				_ = traverse.Each(len(out), func(i int) error {
					_ = out[i].Sparsity().MakeValid()
					return nil
				})
			})
			return
		}
		e.run(func() {
			g := new(errgroup.Group)
			for i := range out {
				i := i
				g.Go(func() error {
					return out[i].MakeValid()
				})
			}
			if err := g.Wait(); err != nil {
				log.Debug.Printf("deppart: operator failed: %v", err)
			}
		})
	})
	return out, event.Merge(events...)
}

// run executes fn on the engine's bounded worker pool.
func (e *Engine) run(fn func()) {
	go func() {
		if err := e.limiter.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer e.limiter.Release(1)
		fn()
	}()
}

// clip intersects rects with the parent's point set.
func clip(rects []space.Rect, parent space.IndexSpace) []space.Rect {
	var out []space.Rect
	for _, pr := range parent.Rects() {
		for _, r := range rects {
			if is := r.Intersect(pr); !is.Empty() {
				out = append(out, is)
			}
		}
	}
	return out
}

// pointRects converts a set of points into unit rects; the sparsity
// map normalization coalesces runs.
func pointRects(points []space.Point) []space.Rect {
	rects := make([]space.Rect, len(points))
	for i, p := range points {
		rects[i] = space.R(p, p)
	}
	return rects
}

// gateFailure wraps an operator-level validation error as a failed
// partition.
func gateFailure(parent space.IndexSpace, err error) *Partition {
	return &Partition{Parent: parent, Done: failedEvent(err)}
}

// invalid returns a partitioning failure error.
func invalid(msg string) error {
	return errors.E(errors.Invalid, "deppart: "+msg)
}
