// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transfer lowers logical copy, fill, and reduce requests into
// concrete per-memory-pair plans, and breaks each plan's field data
// into contiguous address ranges through a lazy, restartable iterator.
package transfer

import (
	"fmt"

	"github.com/grailbio/base/errors"

	"github.com/loomrt/loom/space"
)

// MemoryKind classifies a memory for transfer planning.
type MemoryKind int

const (
	// SysMem is ordinary host memory local to one node.
	SysMem MemoryKind = iota
	// Framebuffer is device-private memory.
	Framebuffer
	// ZeroCopy is host-pinned, device-visible memory.
	ZeroCopy
	// RDMAGlobal is globally addressable memory reachable from every
	// node.
	RDMAGlobal
)

var memoryKindStrings = [...]string{
	SysMem:      "sysmem",
	Framebuffer: "fb",
	ZeroCopy:    "zc",
	RDMAGlobal:  "global",
}

// String returns the kind's conventional abbreviation.
func (k MemoryKind) String() string { return memoryKindStrings[k] }

// global reports whether the memory is reachable from every node.
func (k MemoryKind) global() bool { return k == RDMAGlobal }

// A Memory names one memory in the machine.
type Memory struct {
	Node int
	Kind MemoryKind
	ID   int
}

// String formats the memory as "kind<node>.<id>".
func (m Memory) String() string {
	return fmt.Sprintf("%s%d.%d", m.Kind, m.Node, m.ID)
}

// FieldID names a field within a field space.
type FieldID int

// A Field describes one field of an instance: its identity, its
// element size in bytes, and an optional serdez identifier selecting
// a custom serializer. Serdez-tagged fields are planned alone.
type Field struct {
	ID     FieldID
	Size   int64
	Serdez int
}

// An Instance is a concrete allocation of a region in a memory, with
// a declared field layout: fields are laid out one after another
// (struct-of-arrays), and within a field, elements follow DimOrder,
// the first listed dimension innermost and unit-stride.
type Instance struct {
	Memory Memory
	Domain space.IndexSpace
	Fields []Field
	// DimOrder lists the dimensions innermost first. A nil DimOrder
	// means natural order (dimension 0 innermost).
	DimOrder []int
	// Base is the instance's starting offset within its memory.
	Base int64
}

// dimOrder returns the effective dimension order.
func (in *Instance) dimOrder() []int {
	if in.DimOrder != nil {
		return in.DimOrder
	}
	order := make([]int, in.Domain.Dim())
	for i := range order {
		order[i] = i
	}
	return order
}

// Field returns the instance's field with the given id.
func (in *Instance) Field(id FieldID) (Field, error) {
	for _, f := range in.Fields {
		if f.ID == id {
			return f, nil
		}
	}
	return Field{}, errors.E(errors.NotExist, fmt.Sprintf("instance has no field %d", id))
}

// fieldBase returns the offset of the field's array within the
// instance.
func (in *Instance) fieldBase(id FieldID) int64 {
	vol := in.Domain.Bounds().Volume()
	base := in.Base
	for _, f := range in.Fields {
		if f.ID == id {
			return base
		}
		base += f.Size * vol
	}
	return base
}

// strides returns, indexed by dimension, the per-element stride of the
// field's array, derived from the bounding rectangle's extents in
// layout order.
func (in *Instance) strides(f Field) []int64 {
	bounds := in.Domain.Bounds()
	order := in.dimOrder()
	strides := make([]int64, bounds.Dim())
	stride := f.Size
	for _, d := range order {
		strides[d] = stride
		stride *= bounds.Hi.Coord(d) - bounds.Lo.Coord(d) + 1
	}
	return strides
}

// OffsetOf returns the byte offset of point p in field f's array.
func (in *Instance) OffsetOf(p space.Point, f Field) int64 {
	bounds := in.Domain.Bounds()
	strides := in.strides(f)
	off := in.fieldBase(f.ID)
	for d := 0; d < bounds.Dim(); d++ {
		off += (p.Coord(d) - bounds.Lo.Coord(d)) * strides[d]
	}
	return off
}
