// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfer

import (
	"fmt"
	"strings"
)

// A CopySrcDst pairs an instance with one of its fields, naming one
// side of a transfer.
type CopySrcDst struct {
	Inst  *Instance
	Field Field
}

// A FieldPair is one source/destination field pairing within a copy
// plan.
type FieldPair struct {
	Src, Dst CopySrcDst
}

// A Plan is one executable piece of a lowered transfer request.
type Plan interface {
	// ExecNode is the node the plan executes on.
	ExecNode() int
	// Describe renders the plan for logs and tests.
	Describe() string
}

// A CopyPlan moves a group of fields between one memory pair. Fields
// with a serdez identifier are split into their own single-field
// plans.
type CopyPlan struct {
	SrcMem, DstMem Memory
	Pairs          []FieldPair
	Serdez         int
	Node           int
}

// ExecNode implements Plan.
func (p *CopyPlan) ExecNode() int { return p.Node }

// Describe implements Plan.
func (p *CopyPlan) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "copy %s -> %s on node %d:", p.SrcMem, p.DstMem, p.Node)
	for _, pair := range p.Pairs {
		fmt.Fprintf(&b, " %d->%d(%dB)", pair.Src.Field.ID, pair.Dst.Field.ID, pair.Dst.Field.Size)
	}
	if p.Serdez != 0 {
		fmt.Fprintf(&b, " serdez=%d", p.Serdez)
	}
	return b.String()
}

// A ReducePlan applies a reduction operator from a set of sources,
// which must all live on one node, into a single destination field.
type ReducePlan struct {
	Srcs []CopySrcDst
	Dst  CopySrcDst
	Op   int
	Fold bool
	Node int
}

// ExecNode implements Plan.
func (p *ReducePlan) ExecNode() int { return p.Node }

// Describe implements Plan.
func (p *ReducePlan) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reduce op=%d fold=%v -> %s field %d on node %d:",
		p.Op, p.Fold, p.Dst.Inst.Memory, p.Dst.Field.ID, p.Node)
	for _, src := range p.Srcs {
		fmt.Fprintf(&b, " %s.%d", src.Inst.Memory, src.Field.ID)
	}
	return b.String()
}

// A FillPlan writes a byte pattern into one destination field. The
// fill bytes are copied into the plan so the caller's buffer may be
// reused.
type FillPlan struct {
	Dst   CopySrcDst
	Value []byte
	Node  int
}

// ExecNode implements Plan.
func (p *FillPlan) ExecNode() int { return p.Node }

// Describe implements Plan.
func (p *FillPlan) Describe() string {
	return fmt.Sprintf("fill %s field %d with %d bytes on node %d",
		p.Dst.Inst.Memory, p.Dst.Field.ID, len(p.Value), p.Node)
}
