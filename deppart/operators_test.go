// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deppart

import (
	"context"
	"testing"
	"time"

	"github.com/loomrt/loom/event"
	"github.com/loomrt/loom/space"
)

func wait(t *testing.T, ev event.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ev.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func line(lo, hi int64) space.IndexSpace {
	return space.Dense(space.R(space.Pt1(lo), space.Pt1(hi)))
}

func TestByEqualExhaustiveDisjoint(t *testing.T) {
	e := NewEngine(4)
	parent := line(0, 99)
	part := e.ByEqual(parent, 4, event.NoEvent)
	wait(t, part.Done)
	var total int64
	for i, sub := range part.Subspaces {
		if got, want := sub.Volume(), int64(25); got != want {
			t.Errorf("piece %d: got %d points, want %d", i, got, want)
		}
		total += sub.Volume()
		for j := i + 1; j < len(part.Subspaces); j++ {
			other := part.Subspaces[j]
			sub.Each(func(p space.Point) bool {
				if other.Contains(p) {
					t.Errorf("pieces %d and %d share %v", i, j, p)
					return false
				}
				return true
			})
		}
	}
	if total != parent.Volume() {
		t.Errorf("pieces cover %d points, want %d", total, parent.Volume())
	}
	// union(by_equal(n, S)) = S.
	union, done := e.UnionAll(part, event.NoEvent)
	wait(t, done)
	if union.Fingerprint() != parent.Fingerprint() {
		t.Error("union of pieces differs from parent")
	}
}

func TestByEqualSinglePoint(t *testing.T) {
	e := NewEngine(1)
	parent := line(7, 7)
	part := e.ByEqual(parent, 1, event.NoEvent)
	wait(t, part.Done)
	if got, want := len(part.Subspaces), 1; got != want {
		t.Fatalf("got %d subspaces, want %d", got, want)
	}
	if part.Subspaces[0].Volume() != 1 || !part.Subspaces[0].Contains(space.Pt1(7)) {
		t.Error("by_equal(1) on a single point must return the input")
	}
}

func TestByWeights(t *testing.T) {
	e := NewEngine(4)
	parent := line(0, 9)
	part := e.ByWeights(parent, []int64{1, 4, 5}, event.NoEvent)
	wait(t, part.Done)
	want := []int64{1, 4, 5}
	for i, sub := range part.Subspaces {
		if got := sub.Volume(); got != want[i] {
			t.Errorf("piece %d: got %d points, want %d", i, got, want[i])
		}
	}
}

func TestByFieldGroups(t *testing.T) {
	e := NewEngine(4)
	parent := line(0, 9)
	part := e.ByField(parent, func(p space.Point) int64 {
		return p.Coord(0) % 2
	}, []int64{0, 1}, event.NoEvent)
	wait(t, part.Done)
	if got, want := part.Subspaces[0].Volume(), int64(5); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	if !part.Subspaces[0].Contains(space.Pt1(4)) || part.Subspaces[0].Contains(space.Pt1(5)) {
		t.Error("by_field grouped wrong points")
	}
}

// TestImagePreimageLaws checks by_image(by_preimage(X)) ⊆ X and
// by_preimage(by_image(X)) ⊇ X for a point-valued field.
func TestImagePreimageLaws(t *testing.T) {
	e := NewEngine(4)
	src := line(0, 19)
	dst := line(0, 9)
	// field maps source point s to destination s/2.
	field := func(p space.Point) space.Point { return space.Pt1(p.Coord(0) / 2) }

	x := []space.IndexSpace{line(2, 5)}
	pre := e.ByPreimage(src, x, field, event.NoEvent)
	wait(t, pre.Done)
	img := e.ByImage(dst, pre.Subspaces, field, event.NoEvent)
	wait(t, img.Done)
	// image(preimage(X)) ⊆ X.
	img.Subspaces[0].Each(func(p space.Point) bool {
		if !x[0].Contains(p) {
			t.Errorf("image(preimage) contains %v outside X", p)
		}
		return true
	})

	y := []space.IndexSpace{line(4, 9)}
	img2 := e.ByImage(dst, y, func(p space.Point) space.Point {
		return space.Pt1(p.Coord(0) / 2)
	}, event.NoEvent)
	wait(t, img2.Done)
	pre2 := e.ByPreimage(src, img2.Subspaces, func(p space.Point) space.Point {
		return space.Pt1(p.Coord(0) / 2)
	}, event.NoEvent)
	wait(t, pre2.Done)
	// preimage(image(Y)) ⊇ Y.
	y[0].Each(func(p space.Point) bool {
		if !pre2.Subspaces[0].Contains(p) {
			t.Errorf("preimage(image) misses %v of Y", p)
		}
		return true
	})
}

func TestSetAlgebraLaw(t *testing.T) {
	e := NewEngine(4)
	a := line(0, 9)
	b := line(5, 14)
	union, du := e.Union(a, b, event.NoEvent)
	wait(t, du)
	// difference(union(A,B), A) = B \ A.
	left, dl := e.Difference(union, a, event.NoEvent)
	wait(t, dl)
	right, dr := e.Difference(b, a, event.NoEvent)
	wait(t, dr)
	if left.Fingerprint() != right.Fingerprint() {
		t.Errorf("difference(union(A,B),A) != B\\A: %d vs %d points", left.Volume(), right.Volume())
	}
	inter, di := e.Intersection(a, b, event.NoEvent)
	wait(t, di)
	if got, want := inter.Volume(), int64(5); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestEmptyDomainShortCircuits(t *testing.T) {
	e := NewEngine(4)
	empty := line(5, 4)
	part := e.ByEqual(empty, 3, event.NoEvent)
	// Pre-triggered event, empty outputs.
	if !part.Done.HasTriggered() {
		t.Error("empty domain must return a pre-triggered event")
	}
	for i, sub := range part.Subspaces {
		if !sub.Empty() {
			t.Errorf("piece %d not empty", i)
		}
	}
}

func TestOperatorFailure(t *testing.T) {
	e := NewEngine(4)
	part := e.ByEqual(line(0, 9), 0, event.NoEvent)
	if got, want := part.Done.PollState(), event.Failed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	part = e.ByField(line(0, 9), func(space.Point) int64 { return 0 }, nil, event.NoEvent)
	if got, want := part.Done.PollState(), event.Failed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestDeferredGating verifies that operator results are observed as
// empty until the predecessor event triggers, and that sparsity maps
// are immutable once valid.
func TestDeferredGating(t *testing.T) {
	e := NewEngine(4)
	gate := event.NewTrigger()
	parent := line(0, 9)
	part := e.ByEqual(parent, 2, gate.Event())
	if part.Done.HasTriggered() {
		t.Fatal("operator completed before predecessor")
	}
	for _, sub := range part.Subspaces {
		if !sub.Empty() {
			t.Error("subspace observable before validity")
		}
	}
	gate.Trigger()
	wait(t, part.Done)
	if got, want := part.Subspaces[0].Volume(), int64(5); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	// Byte-identical on every future observation.
	fp := part.Subspaces[0].Fingerprint()
	for i := 0; i < 3; i++ {
		if part.Subspaces[0].Fingerprint() != fp {
			t.Fatal("sparsity map changed after validity")
		}
	}
}

func TestFailurePropagatesThroughOperator(t *testing.T) {
	e := NewEngine(4)
	gate := event.NewTrigger()
	part := e.ByEqual(line(0, 9), 2, gate.Event())
	gate.Fail(context.DeadlineExceeded)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := part.Done.Wait(ctx); err == nil {
		t.Error("operator event must fail when its predecessor failed")
	}
}
