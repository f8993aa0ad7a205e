// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package space

import (
	"math/rand"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestRectBasics(t *testing.T) {
	r := R(Pt2(0, 0), Pt2(9, 9))
	if r.Empty() {
		t.Fatal("rect should not be empty")
	}
	if got, want := r.Volume(), int64(100); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	if !r.Contains(Pt2(5, 5)) || r.Contains(Pt2(10, 0)) {
		t.Error("containment")
	}
	empty := R(Pt2(3, 3), Pt2(2, 3))
	if !empty.Empty() || empty.Volume() != 0 {
		t.Error("inverted bounds must be empty")
	}
}

func TestRectIntersect(t *testing.T) {
	a := R(Pt2(0, 0), Pt2(9, 9))
	b := R(Pt2(5, 5), Pt2(14, 14))
	is := a.Intersect(b)
	if got, want := is, R(Pt2(5, 5), Pt2(9, 9)); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !a.Overlaps(b) {
		t.Error("overlap")
	}
	c := R(Pt2(20, 20), Pt2(30, 30))
	if a.Overlaps(c) {
		t.Error("no overlap expected")
	}
}

func TestRectSubtract(t *testing.T) {
	a := R(Pt2(0, 0), Pt2(9, 9))
	b := R(Pt2(3, 3), Pt2(6, 6))
	pieces := a.Subtract(b)
	var vol int64
	for i, p := range pieces {
		vol += p.Volume()
		if p.Overlaps(b) {
			t.Errorf("piece %d overlaps subtrahend", i)
		}
		for j := i + 1; j < len(pieces); j++ {
			if p.Overlaps(pieces[j]) {
				t.Errorf("pieces %d and %d overlap", i, j)
			}
		}
	}
	if got, want := vol, a.Volume()-b.Volume(); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	// Disjoint subtrahend leaves the rect intact.
	whole := a.Subtract(R(Pt2(100, 100), Pt2(110, 110)))
	if len(whole) != 1 || whole[0] != a {
		t.Errorf("got %v, want [%v]", whole, a)
	}
}

func TestRectEachOrder(t *testing.T) {
	r := R(Pt2(0, 0), Pt2(1, 2))
	var got []Point
	r.Each(func(p Point) bool {
		got = append(got, p)
		return true
	})
	want := []Point{Pt2(0, 0), Pt2(0, 1), Pt2(0, 2), Pt2(1, 0), Pt2(1, 1), Pt2(1, 2)}
	if len(got) != len(want) {
		t.Fatalf("got %d points, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("point %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

// TestRectSubtractFuzz checks the volume identity
// vol(r) = vol(r∩s) + vol(r\s) on random rectangle pairs.
func TestRectSubtractFuzz(t *testing.T) {
	rng := rand.New(rand.NewSource(12345))
	fz := fuzz.New().RandSource(rng).NilChance(0)
	randRect := func() Rect {
		var lo, hi [2]int8
		fz.Fuzz(&lo)
		fz.Fuzz(&hi)
		return R(
			Pt2(int64(lo[0]), int64(lo[1])),
			Pt2(int64(lo[0])+int64(hi[0]%16), int64(lo[1])+int64(hi[1]%16)),
		)
	}
	for i := 0; i < 1000; i++ {
		a, b := randRect(), randRect()
		var diff int64
		for _, p := range a.Subtract(b) {
			diff += p.Volume()
		}
		if got, want := a.Intersect(b).Volume()+diff, a.Volume(); got != want {
			t.Fatalf("a=%v b=%v: got %d, want %d", a, b, got, want)
		}
	}
}

func TestSparsityValidOnce(t *testing.T) {
	s := NewSparsityMap(1)
	if s.Valid() {
		t.Fatal("fresh map must be invalid")
	}
	// Observed as empty until valid.
	if s.Contains(Pt1(3)) || s.Volume() != 0 || s.Rects() != nil {
		t.Error("invalid map must be observed as empty")
	}
	if s.ValidEvent().HasTriggered() {
		t.Error("validity event fired early")
	}
	s.SetRects([]Rect{R(Pt1(0), Pt1(4)), R(Pt1(8), Pt1(9))})
	if !s.Valid() || !s.ValidEvent().HasTriggered() {
		t.Error("map must be valid after SetRects")
	}
	if got, want := s.Volume(), int64(7); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	if !s.Contains(Pt1(4)) || s.Contains(Pt1(5)) {
		t.Error("containment")
	}
	defer func() {
		if recover() == nil {
			t.Error("second publication must panic")
		}
	}()
	s.SetRects([]Rect{R(Pt1(0), Pt1(1))})
}

func TestSparsityFingerprintStable(t *testing.T) {
	mk := func() *SparsityMap {
		s := NewSparsityMap(2)
		// Same point set, different rect decompositions.
		return s
	}
	a := mk()
	a.SetRects([]Rect{R(Pt2(0, 0), Pt2(1, 4)), R(Pt2(0, 5), Pt2(1, 9))})
	b := mk()
	b.SetRects([]Rect{R(Pt2(0, 0), Pt2(1, 9)), R(Pt2(0, 3), Pt2(1, 6))})
	if a.Fingerprint() == 0 {
		t.Fatal("valid map must have a fingerprint")
	}
	if got, want := b.Fingerprint(), a.Fingerprint(); got != want {
		t.Errorf("equal point sets must fingerprint equally: got %x, want %x", got, want)
	}
	// Byte-identical on every future observation.
	for i := 0; i < 3; i++ {
		if a.Fingerprint() != b.Fingerprint() {
			t.Fatal("fingerprint changed between observations")
		}
	}
}

func TestSparsityDeferred(t *testing.T) {
	computed := 0
	s := Deferred(1, func() ([]Rect, error) {
		computed++
		return []Rect{R(Pt1(0), Pt1(9))}, nil
	})
	if s.Volume() != 0 {
		t.Error("deferred map must be empty before MakeValid")
	}
	for i := 0; i < 3; i++ {
		if err := s.MakeValid(); err != nil {
			t.Fatal(err)
		}
	}
	if computed != 1 {
		t.Errorf("payload computed %d times, want 1", computed)
	}
	if got, want := s.Volume(), int64(10); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestIndexSpaceDense(t *testing.T) {
	is := Dense(R(Pt2(0, 0), Pt2(3, 3)))
	if !is.Dense() || is.Empty() {
		t.Fatal("dense space")
	}
	if got, want := is.Volume(), int64(16); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	if !is.ValidEvent().HasTriggered() {
		t.Error("dense space is always valid")
	}
}

func TestIndexSpaceSetAlgebra(t *testing.T) {
	a := Dense(R(Pt1(0), Pt1(9)))
	b := Dense(R(Pt1(5), Pt1(14)))

	union := UnionRects(a, b)
	if got, want := rectsVolume(union), int64(15); got != want {
		t.Errorf("union: got %d, want %d", got, want)
	}
	inter := IntersectRects(a, b)
	if got, want := rectsVolume(inter), int64(5); got != want {
		t.Errorf("intersection: got %d, want %d", got, want)
	}
	diff := DifferenceRects(a, b)
	if got, want := rectsVolume(diff), int64(5); got != want {
		t.Errorf("difference: got %d, want %d", got, want)
	}

	// difference(union(A,B), A) = B \ A.
	um := NewSparsityMap(1)
	um.SetRects(union)
	uspace := Sparse(BoundingBox(union), um)
	left := DifferenceRects(uspace, a)
	want := DifferenceRects(b, a)
	if len(left) != len(want) {
		t.Fatalf("got %v, want %v", left, want)
	}
	for i := range want {
		if left[i] != want[i] {
			t.Errorf("rect %d: got %v, want %v", i, left[i], want[i])
		}
	}
}

func rectsVolume(rects []Rect) int64 {
	var v int64
	for _, r := range rects {
		v += r.Volume()
	}
	return v
}
