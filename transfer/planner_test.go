// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfer

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/loomrt/loom/space"
)

func testInstance(mem Memory, fields ...Field) *Instance {
	return &Instance{
		Memory: mem,
		Domain: space.Dense(space.R(space.Pt1(0), space.Pt1(99))),
		Fields: fields,
	}
}

func TestPlanCopyGrouping(t *testing.T) {
	var (
		f1  = Field{ID: 1, Size: 8}
		f2  = Field{ID: 2, Size: 8}
		f3  = Field{ID: 3, Size: 8, Serdez: 9}
		src = testInstance(Memory{Node: 0, Kind: SysMem, ID: 1}, f1, f2, f3)
		dst = testInstance(Memory{Node: 1, Kind: Framebuffer, ID: 2}, f1, f2, f3)
	)
	p := &Planner{LocalNode: 0}
	plans, err := p.PlanCopy(
		[]CopySrcDst{{src, f1}, {src, f2}, {src, f3}},
		[]CopySrcDst{{dst, f1}, {dst, f2}, {dst, f3}},
		nil, src.Domain)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(plans), 2; got != want {
		t.Fatalf("got %d plans, want %d", got, want)
	}
	var serdez, grouped *CopyPlan
	for _, plan := range plans {
		cp := plan.(*CopyPlan)
		if cp.Serdez != 0 {
			serdez = cp
		} else {
			grouped = cp
		}
	}
	if serdez == nil || len(serdez.Pairs) != 1 {
		t.Error("serdez field must take its own plan")
	}
	if grouped == nil || len(grouped.Pairs) != 2 {
		t.Error("plain fields for one memory pair must group into one plan")
	}
	// Local source: the sender executes.
	if got, want := grouped.ExecNode(), 0; got != want {
		t.Errorf("got node %d, want %d", got, want)
	}
}

func TestPlanCopyEmptyDomain(t *testing.T) {
	f := Field{ID: 1, Size: 4}
	src := testInstance(Memory{Node: 0, Kind: SysMem, ID: 1}, f)
	dst := testInstance(Memory{Node: 1, Kind: SysMem, ID: 2}, f)
	p := &Planner{}
	plans, err := p.PlanCopy(
		[]CopySrcDst{{src, f}}, []CopySrcDst{{dst, f}},
		nil, space.Dense(space.R(space.Pt1(5), space.Pt1(4))))
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 0 {
		t.Errorf("empty domain planned %d transfers", len(plans))
	}
}

// TestNodeSelection exercises the (src kind, dst kind) executor table:
// local memories bind to sender, a global source defers to the
// receiver, and two global endpoints fall back to the local node.
func TestNodeSelection(t *testing.T) {
	f := Field{ID: 1, Size: 8}
	p := &Planner{LocalNode: 2}
	for _, tc := range []struct {
		src, dst Memory
		want     int
	}{
		{Memory{Node: 0, Kind: SysMem}, Memory{Node: 1, Kind: SysMem}, 0},
		{Memory{Node: 0, Kind: SysMem}, Memory{Node: 1, Kind: RDMAGlobal}, 0},
		{Memory{Node: 0, Kind: RDMAGlobal}, Memory{Node: 1, Kind: SysMem}, 1},
		{Memory{Node: 0, Kind: RDMAGlobal}, Memory{Node: 1, Kind: RDMAGlobal}, 2},
	} {
		src := testInstance(tc.src, f)
		dst := testInstance(tc.dst, f)
		plans, err := p.PlanCopy([]CopySrcDst{{src, f}}, []CopySrcDst{{dst, f}}, nil, src.Domain)
		if err != nil {
			t.Fatal(err)
		}
		if got := plans[0].ExecNode(); got != tc.want {
			t.Errorf("%s -> %s: got node %d, want %d", tc.src, tc.dst, got, tc.want)
		}
	}
}

func TestPlanReduce(t *testing.T) {
	f := Field{ID: 1, Size: 8}
	srcA := testInstance(Memory{Node: 3, Kind: SysMem, ID: 1}, f)
	srcB := testInstance(Memory{Node: 3, Kind: Framebuffer, ID: 2}, f)
	dst := testInstance(Memory{Node: 0, Kind: SysMem, ID: 3}, f)
	p := &Planner{}
	plans, err := p.PlanCopy(
		[]CopySrcDst{{srcA, f}, {srcB, f}},
		[]CopySrcDst{{dst, f}, {dst, f}},
		&Reduction{Op: 5, Fold: true}, srcA.Domain)
	if err == nil {
		t.Fatal("reduction with two destination fields must fail")
	}
	plans, err = p.PlanCopy(
		[]CopySrcDst{{srcA, f}, {srcB, f}},
		[]CopySrcDst{{dst, f}},
		&Reduction{Op: 5, Fold: true}, srcA.Domain)
	if err != nil {
		t.Fatal(err)
	}
	rp := plans[0].(*ReducePlan)
	// Reductions always execute on the source node.
	if got, want := rp.ExecNode(), 3; got != want {
		t.Errorf("got node %d, want %d", got, want)
	}
	if !rp.Fold || rp.Op != 5 {
		t.Error("reduction parameters not carried")
	}
	// Sources on different nodes are rejected.
	srcC := testInstance(Memory{Node: 4, Kind: SysMem, ID: 4}, f)
	_, err = p.PlanCopy(
		[]CopySrcDst{{srcA, f}, {srcC, f}},
		[]CopySrcDst{{dst, f}},
		&Reduction{Op: 5}, srcA.Domain)
	if err == nil {
		t.Error("cross-node reduction sources must be rejected")
	}
}

func TestPlanFill(t *testing.T) {
	f := Field{ID: 1, Size: 4}
	dst := testInstance(Memory{Node: 2, Kind: Framebuffer, ID: 1}, f)
	p := &Planner{}
	value := []byte{1, 2, 3, 4}
	plans, err := p.PlanFill([]CopySrcDst{{dst, f}}, value, dst.Domain)
	if err != nil {
		t.Fatal(err)
	}
	fp := plans[0].(*FillPlan)
	// Fills execute where the target instance lives.
	if got, want := fp.ExecNode(), 2; got != want {
		t.Errorf("got node %d, want %d", got, want)
	}
	// The fill bytes are copied, not aliased.
	value[0] = 99
	if fp.Value[0] != 1 {
		t.Error("fill plan aliases the caller's buffer")
	}
}

// TestPlanDescriptions locks plan rendering with a golden file,
// covering the grouped, serdez, global-fallback, reduce, and fill
// cases.
func TestPlanDescriptions(t *testing.T) {
	var (
		f1 = Field{ID: 1, Size: 8}
		f2 = Field{ID: 2, Size: 8}
		f3 = Field{ID: 3, Size: 8, Serdez: 9}
	)
	p := &Planner{LocalNode: 2}
	src := testInstance(Memory{Node: 0, Kind: SysMem, ID: 1}, f1, f2, f3)
	dst := testInstance(Memory{Node: 1, Kind: Framebuffer, ID: 2}, f1, f2, f3)
	plans, err := p.PlanCopy(
		[]CopySrcDst{{src, f1}, {src, f2}, {src, f3}},
		[]CopySrcDst{{dst, f1}, {dst, f2}, {dst, f3}},
		nil, src.Domain)
	if err != nil {
		t.Fatal(err)
	}
	gsrc := testInstance(Memory{Node: 0, Kind: RDMAGlobal, ID: 3}, f1)
	gdst := testInstance(Memory{Node: 1, Kind: RDMAGlobal, ID: 4}, f1)
	fallback, err := p.PlanCopy([]CopySrcDst{{gsrc, f1}}, []CopySrcDst{{gdst, f1}}, nil, gsrc.Domain)
	if err != nil {
		t.Fatal(err)
	}
	plans = append(plans, fallback...)
	reduce, err := p.PlanCopy(
		[]CopySrcDst{{src, f1}, {src, f2}},
		[]CopySrcDst{{dst, f1}},
		&Reduction{Op: 5, Fold: true}, src.Domain)
	if err != nil {
		t.Fatal(err)
	}
	plans = append(plans, reduce...)
	fill, err := p.PlanFill([]CopySrcDst{{dst, f1}}, make([]byte, 8), dst.Domain)
	if err != nil {
		t.Fatal(err)
	}
	plans = append(plans, fill...)

	var b strings.Builder
	for _, plan := range plans {
		b.WriteString(plan.Describe())
		b.WriteByte('\n')
	}
	g := goldie.New(t)
	g.Assert(t, "plans", []byte(b.String()))
}
