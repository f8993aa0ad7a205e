// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfer

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/loomrt/loom/space"
)

// A Reduction names a reduction operator and whether the transfer
// folds into existing reduction state rather than applying to normal
// data.
type Reduction struct {
	Op   int
	Fold bool
}

// A Planner lowers logical transfer requests issued on one node.
type Planner struct {
	// LocalNode is the node the planner runs on; it executes
	// transfers neither endpoint can claim.
	LocalNode int
}

// memPair keys copy grouping.
type memPair struct {
	src, dst Memory
}

// PlanCopy lowers a copy request into plans: fields grouped by
// (source memory, destination memory) pair, serdez-tagged fields split
// into their own plans, and, when a reduction is present, a single
// reduce plan. An empty domain plans to nothing.
func (p *Planner) PlanCopy(srcs, dsts []CopySrcDst, red *Reduction, domain space.IndexSpace) ([]Plan, error) {
	if domain.Empty() {
		return nil, nil
	}
	if red != nil {
		return p.planReduce(srcs, dsts, red)
	}
	if len(srcs) != len(dsts) {
		return nil, errors.E(errors.Invalid, "transfer: source and destination field counts differ")
	}
	for i := range srcs {
		if srcs[i].Field.Size != dsts[i].Field.Size {
			return nil, errors.E(errors.Invalid, "transfer: field size mismatch")
		}
		if srcs[i].Field.Serdez != dsts[i].Field.Serdez {
			return nil, errors.E(errors.Invalid, "transfer: serdez mismatch between source and destination")
		}
	}
	var (
		plans  []Plan
		groups = make(map[memPair]*CopyPlan)
		order  []*CopyPlan
	)
	for i := range srcs {
		src, dst := srcs[i], dsts[i]
		pair := FieldPair{Src: src, Dst: dst}
		if src.Field.Serdez != 0 {
			// Custom-serialized fields cannot be concatenated with
			// others; each takes its own plan.
			plans = append(plans, &CopyPlan{
				SrcMem: src.Inst.Memory,
				DstMem: dst.Inst.Memory,
				Pairs:  []FieldPair{pair},
				Serdez: src.Field.Serdez,
				Node:   p.execNode(src.Inst.Memory, dst.Inst.Memory),
			})
			continue
		}
		key := memPair{src.Inst.Memory, dst.Inst.Memory}
		group := groups[key]
		if group == nil {
			group = &CopyPlan{
				SrcMem: key.src,
				DstMem: key.dst,
				Node:   p.execNode(key.src, key.dst),
			}
			groups[key] = group
			order = append(order, group)
		}
		group.Pairs = append(group.Pairs, pair)
	}
	for _, group := range order {
		plans = append(plans, group)
	}
	return plans, nil
}

// planReduce validates and lowers a reduction. All sources must live
// on one node; reductions always execute there.
func (p *Planner) planReduce(srcs, dsts []CopySrcDst, red *Reduction) ([]Plan, error) {
	if len(dsts) != 1 {
		return nil, errors.E(errors.Invalid, "transfer: reduction requires a single destination field")
	}
	node := srcs[0].Inst.Memory.Node
	for _, src := range srcs[1:] {
		if src.Inst.Memory.Node != node {
			return nil, errors.E(errors.Invalid, "transfer: reduction sources span nodes")
		}
	}
	return []Plan{&ReducePlan{
		Srcs: srcs,
		Dst:  dsts[0],
		Op:   red.Op,
		Fold: red.Fold,
		Node: node,
	}}, nil
}

// PlanFill lowers a fill request: one plan per destination field, each
// carrying its own copy of the fill bytes. Fills execute where the
// target instance lives.
func (p *Planner) PlanFill(dsts []CopySrcDst, value []byte, domain space.IndexSpace) ([]Plan, error) {
	if domain.Empty() {
		return nil, nil
	}
	plans := make([]Plan, 0, len(dsts))
	for _, dst := range dsts {
		if dst.Field.Size != int64(len(value)) {
			return nil, errors.E(errors.Invalid, "transfer: fill value size differs from field size")
		}
		owned := make([]byte, len(value))
		copy(owned, value)
		plans = append(plans, &FillPlan{
			Dst:   dst,
			Value: owned,
			Node:  dst.Inst.Memory.Node,
		})
	}
	return plans, nil
}

// execNode selects the node a copy executes on. Local memories bind
// the transfer to their node; globally addressable memory leaves the
// choice to the other endpoint. When both endpoints are global,
// neither side is better placed, so the planner's own node executes
// with a warning.
func (p *Planner) execNode(src, dst Memory) int {
	switch {
	case src.Kind.global() && dst.Kind.global():
		log.Printf("transfer: both %s and %s are globally addressable; executing on local node %d", src, dst, p.LocalNode)
		return p.LocalNode
	case src.Kind.global():
		return dst.Node
	default:
		return src.Node
	}
}
