// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfer

import (
	"github.com/grailbio/base/must"

	"github.com/loomrt/loom/space"
)

// AddressInfo describes one strided chunk of instance memory: Planes
// planes of Lines lines of BytesPerChunk contiguous bytes. A fully
// contiguous range has Lines == Planes == 1.
type AddressInfo struct {
	BaseOffset    int64
	BytesPerChunk int64
	Lines         int64
	LineStride    int64
	Planes        int64
	PlaneStride   int64
}

// TotalBytes returns the number of bytes the chunk addresses,
// padding included.
func (a AddressInfo) TotalBytes() int64 {
	return a.BytesPerChunk * a.Lines * a.Planes
}

// iterState is the iterator's cursor: the current field, the current
// rectangle of the domain, and the next point within it.
type iterState struct {
	fieldIdx int
	rectIdx  int
	pos      space.Point
}

// An Iterator is a lazy cursor over (domain, instance, fields): it
// yields AddressInfo chunks bounded by a caller-specified byte budget,
// covering the domain × fields product exactly. Steps may be taken
// tentatively and then confirmed or cancelled, for atomic multi-step
// planning. The iterator is finite and restartable via Reset.
type Iterator struct {
	inst   *Instance
	rects  []space.Rect
	fields []Field
	order  []int

	// extraElems is the padding allowance for sparse span merging:
	// two spans separated by a gap of at most this many elements may
	// be transferred as one padded chunk.
	extraElems int64

	st    iterState
	saved *iterState
}

// NewIterator returns an iterator over the instance's layout of the
// given fields restricted to domain. The domain must be valid (dense,
// or with a valid sparsity map). extraElems is the sparse merge
// padding allowance, in elements; zero disables merging.
func NewIterator(domain space.IndexSpace, inst *Instance, fields []Field, extraElems int64) *Iterator {
	it := &Iterator{
		inst:       inst,
		rects:      domain.Rects(),
		fields:     fields,
		order:      inst.dimOrder(),
		extraElems: extraElems,
	}
	it.Reset()
	return it
}

// Reset restarts the iterator from the beginning.
func (it *Iterator) Reset() {
	it.saved = nil
	it.st = iterState{}
	if len(it.rects) > 0 {
		it.st.pos = it.rects[0].Lo
	}
	if len(it.rects) == 0 {
		it.st.fieldIdx = len(it.fields)
	}
}

// Done reports whether the iterator is exhausted.
func (it *Iterator) Done() bool {
	return it.st.fieldIdx >= len(it.fields)
}

// Step returns the next chunk of at most maxBytes bytes and advances
// the cursor. It returns false, without advancing, when the iterator
// is exhausted or when maxBytes cannot hold a single element. With
// tentative set, the pre-step position is retained until the caller
// invokes Confirm or Cancel.
func (it *Iterator) Step(maxBytes int64, tentative bool) (AddressInfo, bool) {
	must.True(it.saved == nil, "transfer: step with tentative step outstanding")
	if it.Done() {
		return AddressInfo{}, false
	}
	f := it.fields[it.st.fieldIdx]
	budget := maxBytes / f.Size
	if budget == 0 {
		return AddressInfo{}, false
	}
	prev := it.st
	info := it.step(f, budget)
	if tentative {
		saved := prev
		it.saved = &saved
	}
	return info, true
}

// Confirm commits an outstanding tentative step.
func (it *Iterator) Confirm() {
	must.True(it.saved != nil, "transfer: confirm without tentative step")
	it.saved = nil
}

// Cancel undoes an outstanding tentative step, restoring the pre-step
// position exactly.
func (it *Iterator) Cancel() {
	must.True(it.saved != nil, "transfer: cancel without tentative step")
	it.st = *it.saved
	it.saved = nil
}

// step computes the largest chunk at the cursor within a budget of
// budget elements and advances past it. Growth proceeds dimension by
// dimension in layout order; once a dimension is only partially
// handled, higher dimensions are not grown.
func (it *Iterator) step(f Field, budget int64) AddressInfo {
	r := it.rects[it.st.rectIdx]
	p := it.st.pos
	dim := r.Dim()
	strides := it.inst.strides(f)
	d0 := it.order[0]

	rem0 := r.Hi.Coord(d0) - p.Coord(d0) + 1
	count0 := rem0
	if count0 > budget {
		count0 = budget
	}
	lines, planes := int64(1), int64(1)
	var d1, d2 int
	if dim > 1 {
		d1 = it.order[1]
	}
	if dim > 2 {
		d2 = it.order[2]
	}
	extent0 := r.Hi.Coord(d0) - r.Lo.Coord(d0) + 1
	full0 := p.Coord(d0) == r.Lo.Coord(d0) && count0 == extent0
	if dim > 1 && full0 {
		maxLines := budget / extent0
		rem1 := r.Hi.Coord(d1) - p.Coord(d1) + 1
		lines = rem1
		if lines > maxLines {
			lines = maxLines
		}
		extent1 := r.Hi.Coord(d1) - r.Lo.Coord(d1) + 1
		full1 := p.Coord(d1) == r.Lo.Coord(d1) && lines == extent1
		if dim > 2 && full1 {
			maxPlanes := budget / (extent0 * extent1)
			rem2 := r.Hi.Coord(d2) - p.Coord(d2) + 1
			planes = rem2
			if planes > maxPlanes {
				planes = maxPlanes
			}
		}
	}

	info := AddressInfo{
		BaseOffset:    it.inst.OffsetOf(p, f),
		BytesPerChunk: count0 * f.Size,
		Lines:         lines,
		Planes:        planes,
	}
	if lines > 1 {
		info.LineStride = strides[d1]
	}
	if planes > 1 {
		info.PlaneStride = strides[d2]
	}
	// Collapse line-contiguous chunks: when consecutive lines abut in
	// the instance linearization, they form one larger contiguous
	// range. A fully dense box may collapse twice, down to a single
	// contiguous run.
	for info.Lines > 1 && info.LineStride == info.BytesPerChunk {
		info.BytesPerChunk *= info.Lines
		info.Lines, info.LineStride = info.Planes, info.PlaneStride
		info.Planes, info.PlaneStride = 1, 0
	}

	// Sparse span merging (1-d domains): a completed span may absorb
	// following spans across small gaps, padding the transfer, while
	// the merged chunk still fits the budget.
	if dim == 1 && it.extraElems > 0 && count0 == rem0 {
		last := p.Coord(d0) + count0 - 1 // last covered coordinate
		used := count0
		for it.st.rectIdx+1 < len(it.rects) {
			next := it.rects[it.st.rectIdx+1]
			gap := next.Lo.Coord(d0) - last - 1
			span := next.Hi.Coord(d0) - next.Lo.Coord(d0) + 1
			if gap > it.extraElems || used+gap+span > budget {
				break
			}
			used += gap + span
			last = next.Hi.Coord(d0)
			it.st.rectIdx++
		}
		if used > count0 {
			info.BytesPerChunk = used * f.Size
			// The cursor now sits on the last merged rect, fully
			// covered; restate the chunk relative to it so the
			// advancement below carries past it.
			r = it.rects[it.st.rectIdx]
			p = r.Lo
			count0 = r.Hi.Coord(d0) - r.Lo.Coord(d0) + 1
			rem0 = count0
		}
	}

	it.advance(r, p, d0, d1, d2, count0, rem0, lines, planes)
	return info
}

// advance moves the cursor past the chunk just produced.
func (it *Iterator) advance(r space.Rect, p space.Point, d0, d1, d2 int, count0, rem0, lines, planes int64) {
	dim := r.Dim()
	if count0 < rem0 {
		it.st.pos = p.WithCoord(d0, p.Coord(d0)+count0)
		return
	}
	// The d0 run is exhausted; carry into higher dimensions in layout
	// order.
	p = p.WithCoord(d0, r.Lo.Coord(d0))
	if dim > 1 {
		if p.Coord(d1)+lines <= r.Hi.Coord(d1) {
			it.st.pos = p.WithCoord(d1, p.Coord(d1)+lines)
			return
		}
		p = p.WithCoord(d1, r.Lo.Coord(d1))
		if dim > 2 {
			if p.Coord(d2)+planes <= r.Hi.Coord(d2) {
				it.st.pos = p.WithCoord(d2, p.Coord(d2)+planes)
				return
			}
		}
	}
	// Rect exhausted: move to the next rect, or the next field.
	it.st.rectIdx++
	if it.st.rectIdx < len(it.rects) {
		it.st.pos = it.rects[it.st.rectIdx].Lo
		return
	}
	it.st.fieldIdx++
	it.st.rectIdx = 0
	it.st.pos = it.rects[0].Lo
}
