// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package space

import "fmt"

// A Rect is an axis-aligned rectangle with inclusive bounds Lo and Hi.
// A rect is empty if any coordinate of Hi is less than the
// corresponding coordinate of Lo.
type Rect struct {
	Lo, Hi Point
}

// R returns the rectangle with the provided inclusive bounds. R panics
// if the bounds disagree on dimensionality.
func R(lo, hi Point) Rect {
	if lo.Dim() != hi.Dim() {
		panic(fmt.Sprintf("space: rect bounds of dimension %d and %d", lo.Dim(), hi.Dim()))
	}
	return Rect{Lo: lo, Hi: hi}
}

// Dim returns the rectangle's dimensionality.
func (r Rect) Dim() int { return r.Lo.Dim() }

// Empty reports whether the rectangle contains no points.
func (r Rect) Empty() bool {
	for i := 0; i < r.Dim(); i++ {
		if r.Hi.Coord(i) < r.Lo.Coord(i) {
			return true
		}
	}
	return r.Dim() == 0
}

// Volume returns the number of points in the rectangle.
func (r Rect) Volume() int64 {
	if r.Empty() {
		return 0
	}
	v := int64(1)
	for i := 0; i < r.Dim(); i++ {
		v *= r.Hi.Coord(i) - r.Lo.Coord(i) + 1
	}
	return v
}

// Contains reports whether the rectangle contains point p.
func (r Rect) Contains(p Point) bool {
	if p.Dim() != r.Dim() || r.Empty() {
		return false
	}
	for i := 0; i < r.Dim(); i++ {
		if p.Coord(i) < r.Lo.Coord(i) || p.Coord(i) > r.Hi.Coord(i) {
			return false
		}
	}
	return true
}

// ContainsRect reports whether the rectangle contains all of s. Every
// rectangle contains the empty rectangle.
func (r Rect) ContainsRect(s Rect) bool {
	if s.Empty() {
		return true
	}
	return r.Contains(s.Lo) && r.Contains(s.Hi)
}

// Overlaps reports whether the rectangles share at least one point.
func (r Rect) Overlaps(s Rect) bool {
	return !r.Intersect(s).Empty()
}

// Intersect returns the intersection of the two rectangles, which may
// be empty.
func (r Rect) Intersect(s Rect) Rect {
	if r.Dim() != s.Dim() {
		return Rect{}
	}
	out := r
	for i := 0; i < r.Dim(); i++ {
		if s.Lo.Coord(i) > out.Lo.Coord(i) {
			out.Lo = out.Lo.WithCoord(i, s.Lo.Coord(i))
		}
		if s.Hi.Coord(i) < out.Hi.Coord(i) {
			out.Hi = out.Hi.WithCoord(i, s.Hi.Coord(i))
		}
	}
	return out
}

// Union returns the bounding box of the two rectangles.
func (r Rect) Union(s Rect) Rect {
	if r.Empty() {
		return s
	}
	if s.Empty() {
		return r
	}
	out := r
	for i := 0; i < r.Dim(); i++ {
		if s.Lo.Coord(i) < out.Lo.Coord(i) {
			out.Lo = out.Lo.WithCoord(i, s.Lo.Coord(i))
		}
		if s.Hi.Coord(i) > out.Hi.Coord(i) {
			out.Hi = out.Hi.WithCoord(i, s.Hi.Coord(i))
		}
	}
	return out
}

// Subtract returns the set of disjoint rectangles that cover r minus
// s. The result has at most 2*Dim rectangles.
func (r Rect) Subtract(s Rect) []Rect {
	is := r.Intersect(s)
	if is.Empty() {
		if r.Empty() {
			return nil
		}
		return []Rect{r}
	}
	var out []Rect
	rem := r
	for i := 0; i < r.Dim(); i++ {
		if rem.Lo.Coord(i) < is.Lo.Coord(i) {
			below := rem
			below.Hi = below.Hi.WithCoord(i, is.Lo.Coord(i)-1)
			out = append(out, below)
			rem.Lo = rem.Lo.WithCoord(i, is.Lo.Coord(i))
		}
		if rem.Hi.Coord(i) > is.Hi.Coord(i) {
			above := rem
			above.Lo = above.Lo.WithCoord(i, is.Hi.Coord(i)+1)
			out = append(out, above)
			rem.Hi = rem.Hi.WithCoord(i, is.Hi.Coord(i))
		}
	}
	return out
}

// Each calls fn for every point in the rectangle in lexicographic
// order, stopping early if fn returns false. Each reports whether the
// full rectangle was visited.
func (r Rect) Each(fn func(Point) bool) bool {
	if r.Empty() {
		return true
	}
	p := r.Lo
	for {
		if !fn(p) {
			return false
		}
		// Advance odometer-style, last dimension fastest.
		i := r.Dim() - 1
		for ; i >= 0; i-- {
			if p.Coord(i) < r.Hi.Coord(i) {
				p = p.WithCoord(i, p.Coord(i)+1)
				break
			}
			p = p.WithCoord(i, r.Lo.Coord(i))
		}
		if i < 0 {
			return true
		}
	}
}

// String returns the rectangle formatted as "[lo..hi]".
func (r Rect) String() string {
	return fmt.Sprintf("[%s..%s]", r.Lo, r.Hi)
}
