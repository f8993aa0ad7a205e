// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stream

import (
	"sync"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"

	"github.com/loomrt/loom/event"
	"github.com/loomrt/loom/stats"
)

// completionBatch is the number of completion records allocated at a
// time when the pool runs dry.
const completionBatch = 16

// Config parameterizes a Scheduler.
type Config struct {
	// TaskStreams is the number of compute streams multiplexed
	// round-robin. The default is 4.
	TaskStreams int
	// KernelArgBytes is the initial size of the pinned staging buffer
	// for kernel arguments; it grows by doubling on overflow. The
	// default is 8192.
	KernelArgBytes int
}

func (c *Config) defaults() {
	if c.TaskStreams <= 0 {
		c.TaskStreams = 4
	}
	if c.KernelArgBytes <= 0 {
		c.KernelArgBytes = 8192
	}
}

// A stream owns one device queue and the FIFO of completion records
// submitted to it and awaiting their callbacks.
type stream struct {
	handle  StreamHandle
	pending []*completionRecord
}

// A completionRecord binds a posted marker to the work-fence it
// triggers. Records are pooled and recycled once drained.
type completionRecord struct {
	marker    MarkerID
	stream    *stream
	fence     *event.Trigger
	kill      bool
	completed bool
	err       error
}

// A Scheduler multiplexes asynchronous work onto one device: N task
// streams for kernels plus four dedicated DMA streams, one per copy
// kind. Work submitted to the same stream executes in submission
// order; work on different streams is unordered unless the caller has
// chained it through completion events.
type Scheduler struct {
	backend DeviceBackend

	mu   sync.Mutex
	cond *ctxsync.Cond

	taskStreams []*stream
	dmaStreams  [numCopyKinds]*stream
	nextTask    int

	// completed is the list device callbacks append to; the worker
	// drains it.
	completed []Completion
	records   map[MarkerID]*completionRecord
	free      []*completionRecord
	nextMark  MarkerID

	// argBuf stages kernel arguments in pinned memory; it grows by
	// doubling when a kernel's arguments do not fit.
	argBuf  []byte
	argUsed int

	pinned map[uint64]int64
	peers  map[DeviceID]bool

	// Stats is the scheduler's counter set.
	Stats *stats.Device

	dead  error
	stopd bool
	donec chan struct{}
}

// NewScheduler returns a scheduler driving the provided backend and
// starts its worker. The caller must Close the scheduler to release
// the device.
func NewScheduler(backend DeviceBackend, config Config) (*Scheduler, error) {
	config.defaults()
	s := &Scheduler{
		backend: backend,
		records: make(map[MarkerID]*completionRecord),
		argBuf:  make([]byte, config.KernelArgBytes),
		pinned:  make(map[uint64]int64),
		peers:   make(map[DeviceID]bool),
		Stats:   new(stats.Device),
		donec:   make(chan struct{}),
	}
	s.cond = ctxsync.NewCond(&s.mu)
	backend.SetCallback(s.onCompletion)
	err := AutoContext(backend, func() error {
		for i := 0; i < config.TaskStreams; i++ {
			h, err := backend.CreateStream()
			if err != nil {
				return err
			}
			s.taskStreams = append(s.taskStreams, &stream{handle: h})
		}
		for kind := range s.dmaStreams {
			h, err := backend.CreateStream()
			if err != nil {
				return err
			}
			s.dmaStreams[kind] = &stream{handle: h}
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(errors.Fatal, "stream: create streams", err)
	}
	go s.worker()
	return s, nil
}

// Device returns the scheduler's device identity.
func (s *Scheduler) Device() DeviceID { return s.backend.Device() }

// usableLocked reports whether the scheduler accepts work.
func (s *Scheduler) usableLocked() error {
	if s.dead != nil {
		return s.dead
	}
	if s.stopd {
		return errors.E(errors.Invalid, "stream: scheduler closed")
	}
	return nil
}

// onCompletion is the device callback. It runs on an undefined thread
// and must not call back into the device: it only records the
// completion and wakes the worker.
func (s *Scheduler) onCompletion(c Completion) {
	s.mu.Lock()
	s.completed = append(s.completed, c)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// SubmitKernel enqueues a kernel on the next task stream round-robin
// and returns the event that triggers when the kernel has finished on
// the device.
func (s *Scheduler) SubmitKernel(k Kernel) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return event.NoEvent, err
	}
	st := s.taskStreams[s.nextTask]
	s.nextTask = (s.nextTask + 1) % len(s.taskStreams)
	k.Args = s.stageArgsLocked(k.Args)
	s.Stats.Kernels.Add(1)
	return s.submitLocked(st, k, false)
}

// SubmitCopy enqueues a DMA transfer on the copy kind's dedicated
// stream.
func (s *Scheduler) SubmitCopy(c Copy) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return event.NoEvent, err
	}
	if c.Kind == PeerToPeer && len(s.peers) == 0 {
		return event.NoEvent, errors.E(errors.Invalid, "stream: peer copy without enabled peer")
	}
	s.Stats.Copies.Add(1)
	return s.submitLocked(s.dmaStreams[c.Kind], c, false)
}

// SubmitFill enqueues a device-side fill on the device-to-device DMA
// stream.
func (s *Scheduler) SubmitFill(f Fill) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return event.NoEvent, err
	}
	s.Stats.Fills.Add(1)
	return s.submitLocked(s.dmaStreams[DeviceToDevice], f, false)
}

// submitLocked pushes work and its marker to a stream under the
// device context. Device errors on the submit path are fatal to the
// scheduler: the device context is unsafe to reuse.
func (s *Scheduler) submitLocked(st *stream, w Work, kill bool) (event.Event, error) {
	rec := s.newRecordLocked(st, kill)
	err := AutoContext(s.backend, func() error {
		if err := s.backend.Submit(st.handle, w); err != nil {
			return err
		}
		return s.backend.PostMarker(st.handle, rec.marker)
	})
	if err != nil {
		s.releaseRecordLocked(rec)
		s.dead = errors.E(errors.Fatal, "stream: device submit", err)
		log.Error.Printf("device %d dead: %v", s.backend.Device(), s.dead)
		return event.NoEvent, s.dead
	}
	st.pending = append(st.pending, rec)
	return rec.fence.Event(), nil
}

// newRecordLocked allocates a completion record, batching pool
// refills.
func (s *Scheduler) newRecordLocked(st *stream, kill bool) *completionRecord {
	if len(s.free) == 0 {
		batch := make([]completionRecord, completionBatch)
		for i := range batch {
			s.free = append(s.free, &batch[i])
		}
	}
	rec := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.nextMark++
	*rec = completionRecord{
		marker: s.nextMark,
		stream: st,
		fence:  event.NewTrigger(),
		kill:   kill,
	}
	s.records[rec.marker] = rec
	return rec
}

func (s *Scheduler) releaseRecordLocked(rec *completionRecord) {
	delete(s.records, rec.marker)
	s.free = append(s.free, rec)
}

// stageArgsLocked copies kernel arguments into the pinned staging
// buffer, growing it by doubling on overflow, and returns the staged
// slice.
func (s *Scheduler) stageArgsLocked(args []byte) []byte {
	if len(args) == 0 {
		return nil
	}
	for s.argUsed+len(args) > len(s.argBuf) {
		grown := make([]byte, len(s.argBuf)*2)
		copy(grown, s.argBuf[:s.argUsed])
		s.argBuf = grown
		s.Stats.ArgBufGrows.Add(1)
	}
	staged := s.argBuf[s.argUsed : s.argUsed+len(args)]
	copy(staged, args)
	s.argUsed += len(args)
	return staged
}

// RegisterHostMemory pins a host memory range for fast transfers. It
// is idempotent per region.
func (s *Scheduler) RegisterHostMemory(base uint64, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead != nil {
		return s.dead
	}
	if have, ok := s.pinned[base]; ok && have >= size {
		return nil
	}
	err := AutoContext(s.backend, func() error {
		return s.backend.RegisterHostMemory(base, size)
	})
	if err != nil {
		return err
	}
	s.pinned[base] = size
	return nil
}

// EnablePeer enables peer-to-peer transfers between the two
// schedulers' devices, recording the peering on both.
func (s *Scheduler) EnablePeer(other *Scheduler) error {
	if err := s.enablePeer(other.Device()); err != nil {
		return err
	}
	return other.enablePeer(s.Device())
}

func (s *Scheduler) enablePeer(dev DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[dev] {
		return nil
	}
	err := AutoContext(s.backend, func() error {
		return s.backend.EnablePeer(dev)
	})
	if err != nil {
		return err
	}
	s.peers[dev] = true
	return nil
}

// MemoryFence posts a sentinel to every live stream and returns an
// event that triggers only after all sentinels have fired.
func (s *Scheduler) MemoryFence() (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return event.NoEvent, err
	}
	s.Stats.Fences.Add(1)
	var sentinels []event.Event
	all := append(append([]*stream{}, s.taskStreams...), s.dmaStreams[:]...)
	for _, st := range all {
		rec := s.newRecordLocked(st, false)
		err := AutoContext(s.backend, func() error {
			return s.backend.PostMarker(st.handle, rec.marker)
		})
		if err != nil {
			s.releaseRecordLocked(rec)
			s.dead = errors.E(errors.Fatal, "stream: post fence marker", err)
			return event.NoEvent, s.dead
		}
		st.pending = append(st.pending, rec)
		sentinels = append(sentinels, rec.fence.Event())
	}
	return event.Merge(sentinels...), nil
}

// Close submits the kill sentinel (func id zero). The worker
// synchronizes the device and exits; Close returns when it has.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if !s.stopd {
		s.stopd = true
		if s.dead != nil {
			// The device is unusable; release the worker directly.
			s.cond.Broadcast()
		} else if _, err := s.submitLocked(s.taskStreams[0], Kernel{FuncID: 0}, true); err != nil {
			s.cond.Broadcast()
			s.mu.Unlock()
			<-s.donec
			return err
		}
	}
	s.mu.Unlock()
	<-s.donec
	return nil
}

// worker drains completions, posts host-side triggers in stream FIFO
// order, and recycles records. It yields on its condition variable
// when no completions are pending rather than spin-waiting. On the
// kill sentinel it synchronizes the device and exits.
func (s *Scheduler) worker() {
	defer close(s.donec)
	ctx := backgroundcontext.Get()
	for {
		s.mu.Lock()
		for len(s.completed) == 0 {
			if s.stopd && s.dead != nil {
				s.mu.Unlock()
				return
			}
			if err := s.cond.Wait(ctx); err != nil {
				s.mu.Unlock()
				return
			}
		}
		completed := s.completed
		s.completed = nil
		// Fence contents are captured before the records return to
		// the pool: a recycled record may be overwritten by a
		// concurrent submit as soon as the lock drops.
		type firing struct {
			fence *event.Trigger
			err   error
		}
		var (
			fire []firing
			kill bool
		)
		for _, c := range completed {
			rec := s.records[c.Marker]
			if rec == nil {
				log.Error.Printf("device %d: completion for unknown marker %d", s.backend.Device(), c.Marker)
				continue
			}
			rec.completed = true
			rec.err = c.Err
			// Drain the stream's FIFO head-first so that fences fire
			// in submission order.
			st := rec.stream
			for len(st.pending) > 0 && st.pending[0].completed {
				head := st.pending[0]
				st.pending = st.pending[1:]
				fire = append(fire, firing{fence: head.fence, err: head.err})
				kill = kill || head.kill
				s.releaseRecordLocked(head)
			}
		}
		// Reclaim the staging buffer when the device has fully
		// drained.
		if s.idleLocked() {
			s.argUsed = 0
		}
		s.Stats.Callbacks.Add(int64(len(fire)))
		s.mu.Unlock()
		for _, f := range fire {
			if f.err != nil {
				f.fence.Fail(errors.E("stream: work failed on device", f.err))
			} else {
				f.fence.Trigger()
			}
		}
		if kill {
			if err := AutoContext(s.backend, s.backend.Sync); err != nil {
				log.Error.Printf("device %d: sync on shutdown: %v", s.backend.Device(), err)
			}
			return
		}
	}
}

func (s *Scheduler) idleLocked() bool {
	for _, st := range s.taskStreams {
		if len(st.pending) > 0 {
			return false
		}
	}
	for _, st := range s.dmaStreams {
		if len(st.pending) > 0 {
			return false
		}
	}
	return true
}
