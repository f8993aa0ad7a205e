// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deppart

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomrt/loom/event"
	"github.com/loomrt/loom/space"
)

// TestCircuitPartitioning mirrors the circuit-simulation partitioning
// pattern: nodes split by subcircuit id, edges partitioned by the
// preimage of their input node, and ghost node sets derived through
// the image of the output node.
func TestCircuitPartitioning(t *testing.T) {
	const (
		numNodes  = 100
		numEdges  = 10
		numPieces = 2
		seed      = 12345
	)
	e := NewEngine(4)
	nodes := space.Dense(space.R(space.Pt1(0), space.Pt1(numNodes-1)))
	edges := space.Dense(space.R(space.Pt1(0), space.Pt1(numEdges-1)))

	rng := rand.New(rand.NewSource(seed))
	inNode := make([]int64, numEdges)
	outNode := make([]int64, numEdges)
	for i := range inNode {
		inNode[i] = int64(rng.Intn(numNodes))
		outNode[i] = int64(rng.Intn(numNodes))
	}

	// Node pieces by subcircuit id.
	subckt := func(p space.Point) int64 { return p.Coord(0) / (numNodes / numPieces) }
	nodeParts := e.ByField(nodes, subckt, []int64{0, 1}, event.NoEvent)
	wait(t, nodeParts.Done)
	require.Len(t, nodeParts.Subspaces, numPieces)
	for _, sub := range nodeParts.Subspaces {
		require.EqualValues(t, numNodes/numPieces, sub.Volume())
	}

	// Edge pieces: preimage of node pieces through edge.in_node.
	inField := func(p space.Point) space.Point { return space.Pt1(inNode[p.Coord(0)]) }
	edgeParts := e.ByPreimage(edges, nodeParts.Subspaces, inField, event.NoEvent)
	wait(t, edgeParts.Done)
	var edgeTotal int64
	for _, sub := range edgeParts.Subspaces {
		edgeTotal += sub.Volume()
	}
	require.EqualValues(t, numEdges, edgeTotal, "edge pieces must partition the edges")

	// Nodes each piece reads through edge.out_node.
	outField := func(p space.Point) space.Point { return space.Pt1(outNode[p.Coord(0)]) }
	touched := e.ByImage(nodes, edgeParts.Subspaces, outField, event.NoEvent)
	wait(t, touched.Done)

	// ghost_i = touched_i \ nodes_i; shared = ∪ ghost_i;
	// private = all \ shared.
	ghosts := make([]space.IndexSpace, numPieces)
	for i := 0; i < numPieces; i++ {
		ghost, done := e.Difference(touched.Subspaces[i], nodeParts.Subspaces[i], event.NoEvent)
		wait(t, done)
		ghosts[i] = ghost
	}
	shared := ghosts[0]
	for _, g := range ghosts[1:] {
		var done event.Event
		shared, done = e.Union(shared, g, event.NoEvent)
		wait(t, done)
	}
	private, done := e.Difference(nodes, shared, event.NoEvent)
	wait(t, done)

	// private ∪ shared = all_nodes.
	all, done := e.Union(private, shared, event.NoEvent)
	wait(t, done)
	require.EqualValues(t, numNodes, all.Volume())
	// private ∩ shared = ∅.
	inter, done := e.Intersection(private, shared, event.NoEvent)
	wait(t, done)
	require.EqualValues(t, 0, inter.Volume())
	// Each piece's ghost ⊆ shared.
	for i, g := range ghosts {
		g.Each(func(p space.Point) bool {
			require.True(t, shared.Contains(p), "piece %d ghost %v outside shared", i, p)
			return true
		})
	}
}

// TestPennantMesh mirrors the pennant mesh partitioning: 10x10 zones
// in 2x2 pieces, sides filtered by their ok field and partitioned by
// preimage of their zone, and points derived through the image of the
// side's first endpoint.
func TestPennantMesh(t *testing.T) {
	const zonesPerSide = 10
	e := NewEngine(4)
	zones := space.Dense(space.R(space.Pt2(0, 0), space.Pt2(zonesPerSide-1, zonesPerSide-1)))
	// Each zone carries four sides, numbered zone-major.
	sides := space.Dense(space.R(space.Pt1(0), space.Pt1(zonesPerSide*zonesPerSide*4-1)))
	points := space.Dense(space.R(space.Pt2(0, 0), space.Pt2(zonesPerSide, zonesPerSide)))

	sideZone := func(s int64) (zx, zy int64) {
		z := s / 4
		return z / zonesPerSide, z % zonesPerSide
	}

	// Filter on the ok field; the mesh is fully intact, so nothing is
	// dropped, but the filtered space is what downstream operators
	// consume.
	okSides, done := e.Filter(sides, func(space.Point) bool { return true }, event.NoEvent)
	wait(t, done)
	require.EqualValues(t, zonesPerSide*zonesPerSide*4, okSides.Volume())

	// Zone pieces by color: 2x2 blocks of 5x5 zones.
	color := func(p space.Point) int64 {
		return (p.Coord(0)/5)*2 + p.Coord(1)/5
	}
	zoneParts := e.ByField(zones, color, []int64{0, 1, 2, 3}, event.NoEvent)
	wait(t, zoneParts.Done)
	require.Len(t, zoneParts.Subspaces, 4)
	for _, sub := range zoneParts.Subspaces {
		require.EqualValues(t, 25, sub.Volume())
	}

	// Side pieces: preimage through side.mapsz.
	mapsz := func(p space.Point) space.Point {
		zx, zy := sideZone(p.Coord(0))
		return space.Pt2(zx, zy)
	}
	sideParts := e.ByPreimage(okSides, zoneParts.Subspaces, mapsz, event.NoEvent)
	wait(t, sideParts.Done)
	for _, sub := range sideParts.Subspaces {
		require.EqualValues(t, 100, sub.Volume())
	}

	// Point pieces: image through side.mapsp1 (the side's first
	// mesh point, one of the zone's corners).
	mapsp1 := func(p space.Point) space.Point {
		zx, zy := sideZone(p.Coord(0))
		switch p.Coord(0) % 4 {
		case 0:
			return space.Pt2(zx, zy)
		case 1:
			return space.Pt2(zx+1, zy)
		case 2:
			return space.Pt2(zx+1, zy+1)
		default:
			return space.Pt2(zx, zy+1)
		}
	}
	pointParts := e.ByImage(points, sideParts.Subspaces, mapsp1, event.NoEvent)
	wait(t, pointParts.Done)
	// Each piece owns the corner points of its 5x5 zones: a 6x6 grid.
	for _, sub := range pointParts.Subspaces {
		require.EqualValues(t, 36, sub.Volume())
	}
	// Pieces overlap on shared edges; the unique point count is the
	// full 11x11 mesh.
	union := pointParts.Subspaces[0]
	for _, sub := range pointParts.Subspaces[1:] {
		var du event.Event
		union, du = e.Union(union, sub, event.NoEvent)
		wait(t, du)
	}
	require.EqualValues(t, 121, union.Volume())
}

// TestMiniAeroFaces mirrors the miniaero block decomposition: face
// classification by field over a 4x4x4 cell grid in 2x2x2 blocks, and
// ghost cells derived through per-direction images.
func TestMiniAeroFaces(t *testing.T) {
	const (
		cells       = 4
		blockSize   = 2
		bcInterior  = 0
		bcBlockBrdr = 1
		bcDomain    = 2
	)
	e := NewEngine(4)
	cellSpace := space.Dense(space.R(space.Pt3(0, 0, 0), space.Pt3(cells-1, cells-1, cells-1)))

	// Faces are enumerated per axis: 5 planes of 4x4 faces each.
	const facesPerAxis = (cells + 1) * cells * cells
	faces := space.Dense(space.R(space.Pt1(0), space.Pt1(3*facesPerAxis-1)))
	decode := func(id int64) (axis, plane, u, v int64) {
		axis = id / facesPerAxis
		rest := id % facesPerAxis
		plane = rest / (cells * cells)
		rest %= cells * cells
		return axis, plane, rest / cells, rest % cells
	}
	block := func(x, y, z int64) space.Point {
		return space.Pt3(x/blockSize, y/blockSize, z/blockSize)
	}
	cellAt := func(axis, plane, u, v int64) space.Point {
		switch axis {
		case 0:
			return space.Pt3(plane, u, v)
		case 1:
			return space.Pt3(u, plane, v)
		default:
			return space.Pt3(u, v, plane)
		}
	}
	classify := func(p space.Point) int64 {
		axis, plane, u, v := decode(p.Coord(0))
		if plane == 0 || plane == cells {
			return bcDomain
		}
		lo := cellAt(axis, plane-1, u, v)
		hi := cellAt(axis, plane, u, v)
		if block(lo.Coord(0), lo.Coord(1), lo.Coord(2)) != block(hi.Coord(0), hi.Coord(1), hi.Coord(2)) {
			return bcBlockBrdr
		}
		return bcInterior
	}

	faceParts := e.ByField(faces, classify, []int64{bcInterior, bcBlockBrdr, bcDomain}, event.NoEvent)
	wait(t, faceParts.Done)
	// Between 2x2x2 blocks of a 4x4x4 grid: one border plane of 16
	// faces per axis; 2 outer planes of 16 per axis; the rest
	// interior.
	require.EqualValues(t, 96, faceParts.Subspaces[bcInterior].Volume())
	require.EqualValues(t, 48, faceParts.Subspaces[bcBlockBrdr].Volume())
	require.EqualValues(t, 96, faceParts.Subspaces[bcDomain].Volume())

	// Ghost cells of block (0,0,0): the image of the block's cells
	// under the six face-neighbor maps, minus the block itself.
	blockCells := space.Dense(space.R(space.Pt3(0, 0, 0), space.Pt3(blockSize-1, blockSize-1, blockSize-1)))
	shifts := [][3]int64{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}
	neighbors := make([]space.IndexSpace, 0, len(shifts))
	for _, d := range shifts {
		d := d
		img := e.ByImage(cellSpace, []space.IndexSpace{blockCells}, func(p space.Point) space.Point {
			return space.Pt3(p.Coord(0)+d[0], p.Coord(1)+d[1], p.Coord(2)+d[2])
		}, event.NoEvent)
		wait(t, img.Done)
		neighbors = append(neighbors, img.Subspaces[0])
	}
	halo := neighbors[0]
	for _, n := range neighbors[1:] {
		var du event.Event
		halo, du = e.Union(halo, n, event.NoEvent)
		wait(t, du)
	}
	ghost, done := e.Difference(halo, blockCells, event.NoEvent)
	wait(t, done)
	// One 2x2 plate of foreign cells across each of the three
	// positive block borders.
	require.EqualValues(t, 12, ghost.Volume())
	ghost.Each(func(p space.Point) bool {
		require.NotEqual(t, space.Pt3(0, 0, 0), block(p.Coord(0), p.Coord(1), p.Coord(2)),
			"ghost cell %v lies in the home block", p)
		return true
	})
}
