// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"github.com/grailbio/base/errors"

	"github.com/loomrt/loom/event"
	"github.com/loomrt/loom/space"
	"github.com/loomrt/loom/stream"
	"github.com/loomrt/loom/transfer"
)

// executePlans runs each lowered plan, routing device-touching
// transfers to the owning stream scheduler as chunked DMA submissions.
// Host-to-host movement and reductions are the data-plane
// collaborator's concern: the runtime's contribution is the ordering,
// so such plans complete immediately.
func (s *Session) executePlans(plans []transfer.Plan, domain space.IndexSpace) (event.Event, error) {
	var events []event.Event
	for _, plan := range plans {
		switch p := plan.(type) {
		case *transfer.CopyPlan:
			for _, pair := range p.Pairs {
				ev, err := s.executeCopyPair(pair, domain)
				if err != nil {
					return event.NoEvent, err
				}
				events = append(events, ev)
			}
		case *transfer.FillPlan:
			ev, err := s.executeFill(p, domain)
			if err != nil {
				return event.NoEvent, err
			}
			events = append(events, ev)
		case *transfer.ReducePlan:
			// Reduction application is host-side; ordering alone is
			// the pipeline's job here.
		default:
			return event.NoEvent, errors.E(errors.Invalid, "loom: unknown plan kind")
		}
	}
	return event.Merge(events...), nil
}

// deviceFor returns the scheduler owning a device memory, or nil for
// host memories.
func (s *Session) deviceFor(mem transfer.Memory) *stream.Scheduler {
	switch mem.Kind {
	case transfer.Framebuffer, transfer.ZeroCopy:
		if mem.ID >= 0 && mem.ID < len(s.devices) {
			return s.devices[mem.ID]
		}
	}
	return nil
}

// copyKind classifies a transfer for DMA stream routing.
func copyKind(src, dst transfer.Memory) stream.CopyKind {
	srcFB := src.Kind == transfer.Framebuffer
	dstFB := dst.Kind == transfer.Framebuffer
	switch {
	case srcFB && dstFB && src.ID == dst.ID:
		return stream.DeviceToDevice
	case srcFB && dstFB:
		return stream.PeerToPeer
	case dstFB:
		return stream.HostToDevice
	case srcFB:
		return stream.DeviceToHost
	default:
		return stream.HostToDevice
	}
}

// run is one contiguous byte range of an instance.
type run struct {
	off int64
	n   int64
}

// fieldRuns expands the iterator's chunks into contiguous runs.
func fieldRuns(domain space.IndexSpace, inst *transfer.Instance, f transfer.Field) []run {
	it := transfer.NewIterator(domain, inst, []transfer.Field{f}, 0)
	var runs []run
	for !it.Done() {
		info, ok := it.Step(copyChunkBytes, false)
		if !ok {
			break
		}
		for plane := int64(0); plane < info.Planes; plane++ {
			for line := int64(0); line < info.Lines; line++ {
				runs = append(runs, run{
					off: info.BaseOffset + plane*info.PlaneStride + line*info.LineStride,
					n:   info.BytesPerChunk,
				})
			}
		}
	}
	return runs
}

// zipRuns pairs source and destination runs, splitting at boundaries,
// and calls emit for each common-length piece. The two run lists cover
// the same number of bytes: both expand the same domain and field
// size.
func zipRuns(srcs, dsts []run, emit func(srcOff, dstOff, n int64) error) error {
	var i, j int
	for i < len(srcs) && j < len(dsts) {
		src, dst := srcs[i], dsts[j]
		n := src.n
		if dst.n < n {
			n = dst.n
		}
		if err := emit(src.off, dst.off, n); err != nil {
			return err
		}
		srcs[i].off += n
		srcs[i].n -= n
		dsts[j].off += n
		dsts[j].n -= n
		if srcs[i].n == 0 {
			i++
		}
		if dsts[j].n == 0 {
			j++
		}
	}
	return nil
}

// executeCopyPair lowers one field pair into chunked DMA submissions
// on the destination's (or else the source's) device.
func (s *Session) executeCopyPair(pair transfer.FieldPair, domain space.IndexSpace) (event.Event, error) {
	dev := s.deviceFor(pair.Dst.Inst.Memory)
	if dev == nil {
		dev = s.deviceFor(pair.Src.Inst.Memory)
	}
	if dev == nil {
		// Host-to-host: no device in the path.
		return event.NoEvent, nil
	}
	kind := copyKind(pair.Src.Inst.Memory, pair.Dst.Inst.Memory)
	srcRuns := fieldRuns(domain, pair.Src.Inst, pair.Src.Field)
	dstRuns := fieldRuns(domain, pair.Dst.Inst, pair.Dst.Field)
	var events []event.Event
	err := zipRuns(srcRuns, dstRuns, func(srcOff, dstOff, n int64) error {
		ev, err := dev.SubmitCopy(stream.Copy{
			Src:   uint64(srcOff),
			Dst:   uint64(dstOff),
			Bytes: n,
			Kind:  kind,
		})
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return event.NoEvent, err
	}
	return event.Merge(events...), nil
}

// executeFill lowers a fill plan into chunked device fills.
func (s *Session) executeFill(p *transfer.FillPlan, domain space.IndexSpace) (event.Event, error) {
	dev := s.deviceFor(p.Dst.Inst.Memory)
	if dev == nil {
		return event.NoEvent, nil
	}
	var events []event.Event
	for _, r := range fieldRuns(domain, p.Dst.Inst, p.Dst.Field) {
		ev, err := dev.SubmitFill(stream.Fill{
			Dst:     uint64(r.off),
			Bytes:   r.n,
			Pattern: p.Value,
		})
		if err != nil {
			return event.NoEvent, err
		}
		events = append(events, ev)
	}
	return event.Merge(events...), nil
}
