// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ops

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"

	"github.com/loomrt/loom/event"
	"github.com/loomrt/loom/stats"
)

// RegionID names a logical region.
type RegionID uint64

// Privilege describes the access an operation requires on a region.
type Privilege int

const (
	// ReadOnly grants read access.
	ReadOnly Privilege = iota
	// ReadWrite grants read and write access.
	ReadWrite
	// WriteDiscard grants write access with no obligation to preserve
	// prior contents.
	WriteDiscard
	// Reduce grants application of a named reduction operator.
	Reduce
)

var privilegeStrings = [...]string{
	ReadOnly:     "ro",
	ReadWrite:    "rw",
	WriteDiscard: "wd",
	Reduce:       "red",
}

func (p Privilege) String() string { return privilegeStrings[p] }

// writes reports whether the privilege mutates the region.
func (p Privilege) writes() bool { return p != ReadOnly }

// A Requirement names a region and the privilege an operation needs
// on it. Requirements drive dependence analysis.
type Requirement struct {
	Region    RegionID
	Privilege Privilege
	// Redop names the reduction operator for Reduce privileges.
	// Reductions with the same operator commute and need not be
	// ordered against each other.
	Redop int
}

// stateRef is an occupant of the region-tree state: a record edge plus
// the index of the requirement that put it there.
type stateRef struct {
	key    edgeKey
	reqIdx int
}

// regionState is the open state of one region in the parent's region
// tree: the most recent writer, the readers (and same-operator
// reducers) admitted since, and the active reduction operator if the
// current epoch is a reduction epoch.
type regionState struct {
	writer    stateRef
	hasWriter bool
	redop     int
	readers   []stateRef
}

// OpArgs describes an operation to be issued into a context.
type OpArgs struct {
	Kind         Kind
	Requirements []Requirement
	// Launch, if set, starts the operation's execution-stage work.
	Launch LaunchFunc
	// Pred predicates the operation; a nil Pred is the constant true.
	Pred *Predicate
	// SpeculateFalse directs an unresolved predicate sample to guess
	// the false branch rather than the default true.
	SpeculateFalse bool
	// HardenKey names a durable payload for the hardening store, if
	// the parent carries one; HardenPayload produces the payload and
	// runs after execution has completed.
	HardenKey     string
	HardenPayload func() []byte
}

// A Context owns an ordered list of in-flight operations. It dispenses
// unique IDs, routes dependence analysis in program order, and pools
// operation records per kind.
type Context struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	queue  *workQueue
	nextID uint64

	arena    []*Record
	free     [numKinds][]*Record
	inflight int

	regions    map[RegionID]*regionState
	privileges map[RegionID]Privilege

	hardener func(key string, data []byte) error

	// Stats is the pipeline's counter set.
	Stats *stats.Pipeline

	failed error
}

// Options configures a Context.
type Options struct {
	// Procs bounds the number of operations running pipeline stages
	// concurrently on the CPU work queue.
	Procs int
	// Privileges restricts the regions the context may access. A nil
	// map grants everything.
	Privileges map[RegionID]Privilege
	// Hardener, if set, receives durable payloads during the
	// hardening phase.
	Hardener func(key string, data []byte) error
}

// NewContext returns a fresh parent context.
func NewContext(opts Options) *Context {
	procs := opts.Procs
	if procs <= 0 {
		procs = 4
	}
	c := &Context{
		queue:      newWorkQueue(procs),
		regions:    make(map[RegionID]*regionState),
		privileges: opts.Privileges,
		hardener:   opts.Hardener,
		Stats:      new(stats.Pipeline),
	}
	c.cond = ctxsync.NewCond(&c.mu)
	return c
}

// enqueue schedules a pipeline stage on the CPU work queue.
func (c *Context) enqueue(fn func()) {
	c.queue.Run(fn)
}

// lookup resolves an edge key to its record. Callers pass the key's
// generation into the notification they deliver; a recycled record
// drops it there.
func (c *Context) lookup(key edgeKey) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key.index < 0 || key.index >= len(c.arena) {
		return nil
	}
	return c.arena[key.index]
}

// newRecord allocates a record of the given kind from its pool,
// growing the arena if the pool is empty.
func (c *Context) newRecord(kind Kind, needCompletion bool) *Record {
	c.mu.Lock()
	var r *Record
	if n := len(c.free[kind]); n > 0 {
		r = c.free[kind][n-1]
		c.free[kind] = c.free[kind][:n-1]
	} else {
		r = &Record{index: len(c.arena), gen: 1}
		c.arena = append(c.arena, r)
	}
	id := c.nextID
	c.nextID++
	c.inflight++
	c.mu.Unlock()
	r.initialize(c, kind, id, needCompletion)
	c.Stats.Issued.Add(1)
	return r
}

// retire deactivates a record: its generation is bumped so stale
// references dangle safely, its edges are dropped, and it returns to
// its kind's pool.
func (c *Context) retire(r *Record) {
	r.Lock()
	r.gen++
	r.incoming = nil
	r.outgoing = nil
	r.unverified = nil
	r.verifiable = nil
	r.launch = nil
	r.pred = nil
	r.hardenPayload = nil
	committed := r.committed
	kind := r.kind
	r.Unlock()
	if committed {
		c.Stats.Committed.Add(1)
	}
	c.mu.Lock()
	c.free[kind] = append(c.free[kind], r)
	c.inflight--
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Issue creates an operation record, runs its dependence analysis
// against the context's open region-tree state in program order, and
// starts it through the pipeline. Issue returns synchronously with the
// record; completion is observed via the record's completion event.
func (c *Context) Issue(args OpArgs) (*Record, error) {
	c.mu.Lock()
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()
	if err := c.checkPrivileges(args.Requirements); err != nil {
		c.abort(err)
		return nil, err
	}
	r := c.newRecord(args.Kind, true)
	r.Lock()
	r.launch = args.Launch
	r.requirements = args.Requirements
	r.pred = args.Pred
	r.specGuess = !args.SpeculateFalse
	r.hardenKey = args.HardenKey
	r.hardenPayload = args.HardenPayload
	for i := range args.Requirements {
		r.unverified[i] = struct{}{}
	}
	r.Unlock()
	if args.Pred != nil {
		args.Pred.AddRef()
	}
	c.submit(r)
	return r, nil
}

// checkPrivileges validates the requirements against the context's
// own privileges. A violation is detected at dependence analysis and
// aborts the parent context.
func (c *Context) checkPrivileges(reqs []Requirement) error {
	if c.privileges == nil {
		return nil
	}
	for _, req := range reqs {
		held, ok := c.privileges[req.Region]
		if !ok {
			return errors.E(errors.Invalid, errors.Fatal,
				"privilege violation: region not held by parent context")
		}
		if req.Privilege.writes() && !held.writes() {
			return errors.E(errors.Invalid, errors.Fatal,
				"privilege violation: write requirement on read-only region")
		}
	}
	return nil
}

// abort fails the context. Subsequent Issue calls return the failure.
func (c *Context) abort(err error) {
	c.mu.Lock()
	if c.failed == nil {
		c.failed = err
		log.Error.Printf("context aborted: %v", err)
	}
	c.mu.Unlock()
}

// submit runs dependence analysis for r and releases it toward
// mapping. Analysis holds the context lock, serializing it in program
// order.
func (c *Context) submit(r *Record) {
	r.beginDependenceAnalysis()
	c.mu.Lock()
	for i, req := range r.requirements {
		c.analyzeRequirement(r, i, req)
	}
	c.mu.Unlock()
	r.endDependenceAnalysis()
}

// analyzeRequirement walks the open state for one region requirement,
// inserting edges to prior operations and updating the state for
// future ones. The context lock must be held.
func (c *Context) analyzeRequirement(r *Record, reqIdx int, req Requirement) {
	st := c.regions[req.Region]
	if st == nil {
		st = new(regionState)
		c.regions[req.Region] = st
	}
	self := stateRef{key: edgeKey{r.index, r.genSnapshot()}, reqIdx: reqIdx}
	switch {
	case req.Privilege == ReadOnly:
		if st.hasWriter {
			c.depend(r, reqIdx, st.writer)
		}
		st.readers = append(st.readers, self)
		r.AddMappingReference()
	case req.Privilege == Reduce && st.redop == req.Redop && st.redop != 0:
		// Same reduction epoch: reducers commute with each other and
		// depend only on the epoch's base writer.
		if st.hasWriter {
			c.depend(r, reqIdx, st.writer)
		}
		st.readers = append(st.readers, self)
		r.AddMappingReference()
	default:
		// Writers (and reducers opening a new epoch) depend on the
		// previous writer and on every reader admitted since, then
		// take over as the region's writer.
		if st.hasWriter {
			c.depend(r, reqIdx, st.writer)
			c.evict(st.writer.key)
		}
		for _, reader := range st.readers {
			c.depend(r, reqIdx, reader)
			c.evict(reader.key)
		}
		st.readers = st.readers[:0]
		st.writer = self
		st.hasWriter = true
		if req.Privilege == Reduce {
			st.redop = req.Redop
		} else {
			st.redop = 0
		}
		r.AddMappingReference()
	}
}

// depend registers a dependence from r (the newly analyzed op) on the
// prior state occupant. An added edge also gates r's execution on the
// predecessor's completion.
func (c *Context) depend(r *Record, reqIdx int, prior stateRef) {
	pred := c.arena[prior.key.index]
	if added := r.registerDependence(pred, prior.key.gen); added {
		r.markVerifiable(prior.key, []int{prior.reqIdx})
		done := pred.CompletionEvent()
		r.Lock()
		r.precond = append(r.precond, done)
		r.Unlock()
	} else {
		c.Stats.PrunedEdges.Add(1)
	}
}

// evict drops a state occupant's mapping reference.
func (c *Context) evict(key edgeKey) {
	r := c.arena[key.index]
	r.Lock()
	stale := r.gen != key.gen
	r.Unlock()
	if !stale {
		r.RemoveMappingReference()
	}
}

// genSnapshot returns the record's generation.
func (r *Record) genSnapshot() uint64 {
	r.Lock()
	defer r.Unlock()
	return r.gen
}

// FenceKind selects what a fence orders.
type FenceKind int

const (
	// MappingFence orders mapping: no later operation it orders (see
	// IssueFence) maps before every earlier one it orders has mapped.
	MappingFence FenceKind = iota
	// ExecutionFence additionally orders execution: the fence
	// completes only after every earlier operation it orders has
	// completed.
	ExecutionFence
)

// IssueFence issues a fence operation. The fence registers a
// dependence on every operation occupying an open region state
// (writers and readers) and then becomes the sole occupant of every
// open region state, so later operations on those regions order
// through it. Operations with no region requirements are not ordered
// by a fence, and later operations on regions not yet open do not
// order through it.
func (c *Context) IssueFence(kind FenceKind) (*Record, error) {
	c.mu.Lock()
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()
	r := c.newRecord(KindFence, true)
	r.beginDependenceAnalysis()
	c.mu.Lock()
	var completionEvents []event.Event
	seen := make(map[edgeKey]bool)
	for _, st := range c.regions {
		if st.hasWriter {
			c.fenceDep(r, st.writer.key, seen, &completionEvents, kind)
			c.evict(st.writer.key)
			st.hasWriter = false
			st.redop = 0
		}
		for _, reader := range st.readers {
			c.fenceDep(r, reader.key, seen, &completionEvents, kind)
			c.evict(reader.key)
		}
		st.readers = nil
	}
	// The fence takes over as the writer of every open region.
	self := edgeKey{r.index, r.genSnapshot()}
	for _, st := range c.regions {
		st.writer = stateRef{key: self}
		st.hasWriter = true
		r.AddMappingReference()
	}
	c.mu.Unlock()
	if kind == ExecutionFence && len(completionEvents) > 0 {
		// The fence orders execution; it completes once every prior
		// operation has finished, failed ones included.
		merged := event.AfterAll(completionEvents...)
		r.Lock()
		r.launch = func() (event.Event, error) { return merged, nil }
		r.Unlock()
	}
	r.endDependenceAnalysis()
	return r, nil
}

func (c *Context) fenceDep(r *Record, key edgeKey, seen map[edgeKey]bool, events *[]event.Event, kind FenceKind) {
	if seen[key] {
		return
	}
	seen[key] = true
	pred := c.arena[key.index]
	if added := r.registerDependence(pred, key.gen); added && kind == ExecutionFence {
		*events = append(*events, pred.CompletionEvent())
	}
}

// Drain issues an execution fence, waits for it to complete, and then
// waits for every in-flight record to retire. It is the teardown path:
// the region-tree state is released so frontier operations can commit.
func (c *Context) Drain(ctx context.Context) error {
	fence, err := c.IssueFence(ExecutionFence)
	if err != nil {
		return err
	}
	done := fence.CompletionEvent()
	if err := done.Wait(ctx); err != nil {
		return err
	}
	// Release the fence itself from the region states it occupies.
	c.mu.Lock()
	for _, st := range c.regions {
		if st.hasWriter {
			c.evict(st.writer.key)
			st.hasWriter = false
		}
		for _, reader := range st.readers {
			c.evict(reader.key)
		}
		st.readers = nil
	}
	c.mu.Unlock()
	return c.WaitIdle(ctx)
}

// WaitIdle blocks until no operations are in flight.
func (c *Context) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inflight > 0 {
		if err := c.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Inflight returns the number of operations that have not yet retired.
func (c *Context) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}
