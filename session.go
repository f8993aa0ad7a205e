// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"

	"github.com/loomrt/loom/deppart"
	"github.com/loomrt/loom/event"
	"github.com/loomrt/loom/harden"
	"github.com/loomrt/loom/ops"
	"github.com/loomrt/loom/space"
	"github.com/loomrt/loom/stats"
	"github.com/loomrt/loom/stream"
	"github.com/loomrt/loom/transfer"
)

// copyChunkBytes bounds the size of individual DMA submissions when a
// copy plan is broken into chunks.
const copyChunkBytes = 1 << 20

// A Session is one process's view of the runtime: the parent context
// for submitted operations, one stream scheduler per accelerator, the
// transfer planner, and the partitioning engine.
type Session struct {
	// Config is the session's effective configuration.
	Config Config
	// ID identifies this runtime instance on the wire.
	ID uuid.UUID

	ctx      *ops.Context
	engine   *deppart.Engine
	planner  *transfer.Planner
	devices  []*stream.Scheduler
	memories []*stream.DeviceMemory
}

// Start initializes a session over the provided device backends. At
// most Config.DeviceCount backends are used; zero means all of them.
// The session must be shut down to release the devices.
func Start(config Config, backends ...stream.DeviceBackend) (*Session, error) {
	config.fill()
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.DeviceCount == 0 || config.DeviceCount > len(backends) {
		config.DeviceCount = len(backends)
	}
	s := &Session{
		Config:  config,
		ID:      uuid.New(),
		engine:  deppart.NewEngine(config.Procs),
		planner: &transfer.Planner{},
	}
	s.ctx = ops.NewContext(ops.Options{
		Procs:    config.Procs,
		Hardener: s.hardener(config.Harden),
	})
	for i := 0; i < config.DeviceCount; i++ {
		sched, err := stream.NewScheduler(backends[i], stream.Config{
			TaskStreams:    config.TaskStreamsPerDevice,
			KernelArgBytes: config.KernelArgInitialBytes,
		})
		if err != nil {
			return nil, err
		}
		s.devices = append(s.devices, sched)
		base := uint64(i+1) << 36
		mem, err := stream.NewDeviceMemory(base, config.FramebufferReserveBytes, config.ZerocopyReserveBytes)
		if err != nil {
			return nil, err
		}
		s.memories = append(s.memories, mem)
	}
	log.Debug.Printf("loom: session %s started: %s", s.ID, config)
	return s, nil
}

// hardener adapts a harden.Store to the pipeline's hardening hook.
func (s *Session) hardener(store harden.Store) func(string, []byte) error {
	if store == nil {
		return nil
	}
	retrying := harden.Retrying(store)
	return func(key string, data []byte) error {
		return retrying.Put(context.Background(), key, data)
	}
}

// Shutdown drains the parent context and releases the devices,
// synchronizing them on a bounded pool.
func (s *Session) Shutdown(ctx context.Context) error {
	if err := s.ctx.Drain(ctx); err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(s.Config.ContextSyncThreads)
	for _, dev := range s.devices {
		dev := dev
		g.Go(dev.Close)
	}
	err := g.Wait()
	if s.Config.ShowGraph {
		log.Printf("loom: session %s: %s", s.ID, s.Stats())
	}
	return err
}

// Stats aggregates the pipeline's and every device's counters.
func (s *Session) Stats() stats.Values {
	vals := s.ctx.Stats.Snapshot()
	for _, dev := range s.devices {
		vals.Merge(dev.Stats.Snapshot())
	}
	return vals
}

// Context returns the session's parent operation context.
func (s *Session) Context() *ops.Context { return s.ctx }

// Device returns the scheduler for device i.
func (s *Session) Device(i int) *stream.Scheduler { return s.devices[i] }

// DeviceMemory returns the memory carve-outs for device i.
func (s *Session) DeviceMemory(i int) *stream.DeviceMemory { return s.memories[i] }

// TaskLaunch describes a task spawn.
type TaskLaunch struct {
	// FuncID selects a registered device kernel; it is ignored for
	// CPU tasks. FuncID zero is reserved.
	FuncID int
	// Args is the kernel's argument blob, staged in pinned memory on
	// submission.
	Args []byte
	// Device selects the accelerator the task runs on; -1 runs the
	// task on the CPU pool via Fn.
	Device int
	// Fn is the body of a CPU task.
	Fn func(ctx context.Context) ([]byte, error)
	// Requirements drive dependence analysis.
	Requirements []ops.Requirement
	// Pred predicates the task; nil is the constant true.
	Pred *ops.Predicate
	// SpeculateFalse guesses the false branch when Pred is
	// unresolved.
	SpeculateFalse bool
	// HardenKey, when set, stores the task's result in the session's
	// hardening store under this key.
	HardenKey string
}

// SpawnTask submits a task and returns its future. The call returns
// synchronously; the future's event fires on completion.
func (s *Session) SpawnTask(launch TaskLaunch) (*Future, error) {
	fut := new(Future)
	var launchFn ops.LaunchFunc
	switch {
	case launch.Device >= 0:
		if launch.Device >= len(s.devices) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("loom: no device %d", launch.Device))
		}
		if launch.FuncID == 0 {
			return nil, errors.E(errors.Invalid, "loom: kernel func id zero is reserved")
		}
		dev := s.devices[launch.Device]
		launchFn = func() (event.Event, error) {
			return dev.SubmitKernel(stream.Kernel{FuncID: launch.FuncID, Args: launch.Args})
		}
	case launch.Fn != nil:
		fn := launch.Fn
		launchFn = func() (event.Event, error) {
			t := event.NewTrigger()
			go func() {
				value, err := fn(context.Background())
				if err != nil {
					t.Fail(err)
					return
				}
				fut.set(value)
				t.Trigger()
			}()
			return t.Event(), nil
		}
	default:
		return nil, errors.E(errors.Invalid, "loom: task has neither device nor function")
	}
	args := ops.OpArgs{
		Kind:           ops.KindTask,
		Requirements:   launch.Requirements,
		Launch:         launchFn,
		Pred:           launch.Pred,
		SpeculateFalse: launch.SpeculateFalse,
		HardenKey:      launch.HardenKey,
	}
	if launch.HardenKey != "" {
		// The durable payload is the task's result; it is read after
		// execution has completed.
		args.HardenPayload = func() []byte {
			fut.mu.Lock()
			defer fut.mu.Unlock()
			if fut.value == nil {
				return []byte{}
			}
			return fut.value
		}
	}
	r, err := s.ctx.Issue(args)
	if err != nil {
		return nil, err
	}
	fut.ev = r.CompletionEvent()
	return fut, nil
}

// CopyArgs describes an explicit copy.
type CopyArgs struct {
	Srcs, Dsts   []transfer.CopySrcDst
	Domain       space.IndexSpace
	Redop        *transfer.Reduction
	Requirements []ops.Requirement
	Pred         *ops.Predicate
}

// IssueCopy submits a copy operation. The returned event triggers
// when every lowered plan has completed.
func (s *Session) IssueCopy(args CopyArgs) (event.Event, error) {
	r, err := s.ctx.Issue(ops.OpArgs{
		Kind:         ops.KindCopy,
		Requirements: args.Requirements,
		Pred:         args.Pred,
		Launch: func() (event.Event, error) {
			plans, err := s.planner.PlanCopy(args.Srcs, args.Dsts, args.Redop, args.Domain)
			if err != nil {
				return event.NoEvent, err
			}
			return s.executePlans(plans, args.Domain)
		},
	})
	if err != nil {
		return event.NoEvent, err
	}
	return r.CompletionEvent(), nil
}

// FillArgs describes a fill.
type FillArgs struct {
	Dsts         []transfer.CopySrcDst
	Value        []byte
	Domain       space.IndexSpace
	Requirements []ops.Requirement
	Pred         *ops.Predicate
}

// IssueFill submits a fill operation.
func (s *Session) IssueFill(args FillArgs) (event.Event, error) {
	r, err := s.ctx.Issue(ops.OpArgs{
		Kind:         ops.KindFill,
		Requirements: args.Requirements,
		Pred:         args.Pred,
		Launch: func() (event.Event, error) {
			plans, err := s.planner.PlanFill(args.Dsts, args.Value, args.Domain)
			if err != nil {
				return event.NoEvent, err
			}
			return s.executePlans(plans, args.Domain)
		},
	})
	if err != nil {
		return event.NoEvent, err
	}
	return r.CompletionEvent(), nil
}

// IssueMappingFence orders mapping: no later operation maps before
// every earlier one has. Only operations with region requirements are
// ordered by a fence (see ops.Context.IssueFence).
func (s *Session) IssueMappingFence() (event.Event, error) {
	r, err := s.ctx.IssueFence(ops.MappingFence)
	if err != nil {
		return event.NoEvent, err
	}
	return r.CompletionEvent(), nil
}

// IssueExecutionFence orders execution: the returned event triggers
// only after every earlier operation has completed. Only operations
// with region requirements are ordered by a fence (see
// ops.Context.IssueFence).
func (s *Session) IssueExecutionFence() (event.Event, error) {
	r, err := s.ctx.IssueFence(ops.ExecutionFence)
	if err != nil {
		return event.NoEvent, err
	}
	return r.CompletionEvent(), nil
}

// A PhysicalRegion is the result of an inline mapping: the named
// requirement is accessible once Ready triggers.
type PhysicalRegion struct {
	Requirement ops.Requirement
	Ready       event.Event
}

// MapRegion issues an inline mapping of the requirement.
func (s *Session) MapRegion(req ops.Requirement) (*PhysicalRegion, error) {
	r, err := s.ctx.Issue(ops.OpArgs{
		Kind:         ops.KindMap,
		Requirements: []ops.Requirement{req},
	})
	if err != nil {
		return nil, err
	}
	return &PhysicalRegion{Requirement: req, Ready: r.CompletionEvent()}, nil
}

// Acquire acquires user-level coherence on the requirement.
func (s *Session) Acquire(req ops.Requirement) (event.Event, error) {
	r, err := s.ctx.Issue(ops.OpArgs{
		Kind:         ops.KindAcquire,
		Requirements: []ops.Requirement{req},
	})
	if err != nil {
		return event.NoEvent, err
	}
	return r.CompletionEvent(), nil
}

// Release releases user-level coherence on the requirement.
func (s *Session) Release(req ops.Requirement) (event.Event, error) {
	r, err := s.ctx.Issue(ops.OpArgs{
		Kind:         ops.KindRelease,
		Requirements: []ops.Requirement{req},
	})
	if err != nil {
		return event.NoEvent, err
	}
	return r.CompletionEvent(), nil
}

// Delete schedules destruction of a region after all of its current
// users have drained.
func (s *Session) Delete(region ops.RegionID) (event.Event, error) {
	r, err := s.ctx.Issue(ops.OpArgs{
		Kind:         ops.KindDeletion,
		Requirements: []ops.Requirement{{Region: region, Privilege: ops.ReadWrite}},
	})
	if err != nil {
		return event.NoEvent, err
	}
	return r.CompletionEvent(), nil
}

// issuePartition runs build once the partition operation reaches its
// execution stage, honoring the operation's dependences, and completes
// when the partition's own event triggers.
func (s *Session) issuePartition(reqs []ops.Requirement, build func(pred event.Event) event.Event) (event.Event, error) {
	gate := event.NewTrigger()
	done := build(gate.Event())
	r, err := s.ctx.Issue(ops.OpArgs{
		Kind:         ops.KindPartition,
		Requirements: reqs,
		Launch: func() (event.Event, error) {
			gate.Trigger()
			return done, nil
		},
	})
	if err != nil {
		return event.NoEvent, err
	}
	return r.CompletionEvent(), nil
}

// CreatePartitionByField partitions parent by the scalar value of a
// field, one subspace per color.
func (s *Session) CreatePartitionByField(parent space.IndexSpace, field deppart.IntField, colors []int64, reqs ...ops.Requirement) (*deppart.Partition, event.Event, error) {
	var part *deppart.Partition
	ev, err := s.issuePartition(reqs, func(pred event.Event) event.Event {
		part = s.engine.ByField(parent, field, colors, pred)
		return part.Done
	})
	return part, ev, err
}

// CreatePartitionByImage partitions target by the forward image of
// the sources through a pointer field.
func (s *Session) CreatePartitionByImage(target space.IndexSpace, sources []space.IndexSpace, field deppart.PointField, reqs ...ops.Requirement) (*deppart.Partition, event.Event, error) {
	var part *deppart.Partition
	ev, err := s.issuePartition(reqs, func(pred event.Event) event.Event {
		part = s.engine.ByImage(target, sources, field, pred)
		return part.Done
	})
	return part, ev, err
}

// CreatePartitionByPreimage partitions parent by the inverse image of
// the targets through a pointer field.
func (s *Session) CreatePartitionByPreimage(parent space.IndexSpace, targets []space.IndexSpace, field deppart.PointField, reqs ...ops.Requirement) (*deppart.Partition, event.Event, error) {
	var part *deppart.Partition
	ev, err := s.issuePartition(reqs, func(pred event.Event) event.Event {
		part = s.engine.ByPreimage(parent, targets, field, pred)
		return part.Done
	})
	return part, ev, err
}

// CreatePartitionByWeights splits parent into pieces with point
// counts proportional to the weights.
func (s *Session) CreatePartitionByWeights(parent space.IndexSpace, weights []int64, reqs ...ops.Requirement) (*deppart.Partition, event.Event, error) {
	var part *deppart.Partition
	ev, err := s.issuePartition(reqs, func(pred event.Event) event.Event {
		part = s.engine.ByWeights(parent, weights, pred)
		return part.Done
	})
	return part, ev, err
}

// CreatePartitionByEqual splits parent into count equal pieces.
func (s *Session) CreatePartitionByEqual(parent space.IndexSpace, count int, reqs ...ops.Requirement) (*deppart.Partition, event.Event, error) {
	var part *deppart.Partition
	ev, err := s.issuePartition(reqs, func(pred event.Event) event.Event {
		part = s.engine.ByEqual(parent, count, pred)
		return part.Done
	})
	return part, ev, err
}

// ComputeUnion returns the deferred union of the operands.
func (s *Session) ComputeUnion(a, b space.IndexSpace) (space.IndexSpace, event.Event, error) {
	var out space.IndexSpace
	ev, err := s.issuePartition(nil, func(pred event.Event) event.Event {
		var done event.Event
		out, done = s.engine.Union(a, b, pred)
		return done
	})
	return out, ev, err
}

// ComputeIntersection returns the deferred intersection of the
// operands.
func (s *Session) ComputeIntersection(a, b space.IndexSpace) (space.IndexSpace, event.Event, error) {
	var out space.IndexSpace
	ev, err := s.issuePartition(nil, func(pred event.Event) event.Event {
		var done event.Event
		out, done = s.engine.Intersection(a, b, pred)
		return done
	})
	return out, ev, err
}

// ComputeDifference returns the deferred difference a minus b.
func (s *Session) ComputeDifference(a, b space.IndexSpace) (space.IndexSpace, event.Event, error) {
	var out space.IndexSpace
	ev, err := s.issuePartition(nil, func(pred event.Event) event.Event {
		var done event.Event
		out, done = s.engine.Difference(a, b, pred)
		return done
	})
	return out, ev, err
}
