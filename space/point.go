// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package space implements bounded N-dimensional integer index spaces:
// points, rectangles, and the sparsity maps that describe sparse
// spaces. Index spaces are the domains over which operations, copies,
// and dependent partitioning are expressed.
package space

import (
	"fmt"
	"strings"
)

// MaxDim is the maximum supported dimensionality.
const MaxDim = 3

// A Point is a coordinate in an N-dimensional integer space. Points
// are value types and are comparable, so they may key maps.
type Point struct {
	dim int
	c   [MaxDim]int64
}

// Pt1 returns a 1-dimensional point.
func Pt1(x int64) Point { return Point{dim: 1, c: [MaxDim]int64{x}} }

// Pt2 returns a 2-dimensional point.
func Pt2(x, y int64) Point { return Point{dim: 2, c: [MaxDim]int64{x, y}} }

// Pt3 returns a 3-dimensional point.
func Pt3(x, y, z int64) Point { return Point{dim: 3, c: [MaxDim]int64{x, y, z}} }

// Pt returns a point with the given coordinates. Pt panics if more
// than MaxDim coordinates are provided.
func Pt(coords ...int64) Point {
	if len(coords) > MaxDim {
		panic(fmt.Sprintf("space: %d coordinates exceeds MaxDim=%d", len(coords), MaxDim))
	}
	p := Point{dim: len(coords)}
	copy(p.c[:], coords)
	return p
}

// Dim returns the point's dimensionality.
func (p Point) Dim() int { return p.dim }

// Coord returns the i'th coordinate.
func (p Point) Coord(i int) int64 { return p.c[i] }

// WithCoord returns a copy of p with the i'th coordinate set to v.
func (p Point) WithCoord(i int, v int64) Point {
	p.c[i] = v
	return p
}

// Less reports whether p precedes q in lexicographic order. Points of
// lower dimensionality precede points of higher dimensionality.
func (p Point) Less(q Point) bool {
	if p.dim != q.dim {
		return p.dim < q.dim
	}
	for i := 0; i < p.dim; i++ {
		if p.c[i] != q.c[i] {
			return p.c[i] < q.c[i]
		}
	}
	return false
}

// String returns the point formatted as "(x,y,z)".
func (p Point) String() string {
	coords := make([]string, p.dim)
	for i := range coords {
		coords[i] = fmt.Sprint(p.c[i])
	}
	return "(" + strings.Join(coords, ",") + ")"
}
