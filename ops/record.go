// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ops implements the operation pipeline and dependence graph
// at the heart of the runtime. Every submitted operation, whatever its
// kind, is tracked as a Record that flows through the stages
// initialize, dependence analysis, mapping, execution, resolution,
// completion, and commit. Records form a DAG through dependence edges;
// because records are pooled and reused, edges are held as
// (arena index, generation) pairs and a stale generation is read as
// "already committed".
package ops

import (
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	"github.com/loomrt/loom/event"
)

// ErrQuashed is the failure cause observed on the completion event of
// a speculative operation whose predicate resolved false.
var ErrQuashed = fmt.Errorf("operation quashed by false predicate")

// A LaunchFunc starts an operation's execution-stage work, returning
// an event that triggers when the work has finished. Launch functions
// must not block: long-running work is posted elsewhere (a device
// stream, the partitioning engine) and observed via the event.
type LaunchFunc func() (event.Event, error)

// edgeKey names a record slot at a particular generation. Dereferences
// through the parent context check the generation and treat mismatches
// as already-committed.
type edgeKey struct {
	index int
	gen   uint64
}

// Trigger-stage indices for the at-most-once invocation guards.
const (
	trigMapping = iota
	trigExecution
	trigResolution
	trigCompletion
	trigCommit
	numTriggers
)

// SpecState tracks an operation's position in the speculation state
// machine.
type SpecState int

const (
	// SpecNone: the operation is not predicated, or has not yet
	// sampled its predicate.
	SpecNone SpecState = iota
	// SpecTrue: the predicate was unresolved at mapping; the operation
	// proceeds under a guess of true and may be quashed.
	SpecTrue
	// SpecFalse: the predicate was unresolved at mapping; the
	// operation guessed false, skipped mapping, and waits.
	SpecFalse
	// ResolveTrue: the predicate is known true.
	ResolveTrue
	// ResolveFalse: the predicate is known false; the operation
	// completes trivially.
	ResolveFalse
)

var specStrings = [...]string{
	SpecNone:     "PENDING_PRED",
	SpecTrue:     "SPECULATE_TRUE",
	SpecFalse:    "SPECULATE_FALSE",
	ResolveTrue:  "RESOLVE_TRUE",
	ResolveFalse: "RESOLVE_FALSE",
}

func (s SpecState) String() string { return specStrings[s] }

// A Record is one node of the dependence graph. It owns its own lock,
// its generation, and its stage bits. Records are allocated from
// per-kind pools owned by the parent context and are not reused until
// they commit; deactivation bumps the generation so that outstanding
// references become dangling-but-safe lookups.
type Record struct {
	// Reservation guards all mutable state below. Stage transitions
	// within one operation are serialized by this lock. When two
	// record locks must be held, they are taken in ascending id order.
	event.Reservation

	ctx   *Context
	kind  Kind
	vtab  *callbacks
	index int

	id  uint64
	gen uint64

	// Stage flags. They advance monotonically; no flag is ever
	// cleared.
	mapped    bool
	executed  bool
	resolved  bool
	hardened  bool
	completed bool
	committed bool

	// invoked guards each trigger stage against double invocation.
	invoked [numTriggers]bool

	outstandingMappingDeps int
	outstandingSpecDeps    int
	outstandingCommitDeps  int
	mappingRefs            int

	analysisDone    bool
	commitScheduled bool
	earlyCommit     bool
	restarted       bool

	incoming map[edgeKey]struct{}
	outgoing map[edgeKey]struct{}

	// precond collects the completion events of predecessors found by
	// dependence analysis; execution waits on all of them, so that
	// data dependences order execution and predecessor failures
	// propagate.
	precond []event.Event

	// unverified holds the indices of this operation's region
	// requirements that no downstream operation has yet confirmed
	// observing. verifiable maps each predecessor edge to the region
	// indices this operation can verify for it on completion.
	unverified map[int]struct{}
	verifiable map[edgeKey]map[int]struct{}

	completion     *event.Trigger
	needCompletion bool
	err            error

	spec      SpecState
	pred      *Predicate
	selfPred  *Predicate
	specGuess bool

	launch       LaunchFunc
	requirements []Requirement

	// Hardening payload, if the operation has durable outputs. The
	// payload function runs after execution has completed.
	hardenKey     string
	hardenPayload func() []byte
}

// initialize prepares a pooled record for a new activation.
func (r *Record) initialize(ctx *Context, kind Kind, id uint64, needCompletion bool) {
	r.ctx = ctx
	r.kind = kind
	r.vtab = kindCallbacks[kind]
	r.id = id
	r.mapped = false
	r.executed = false
	r.resolved = false
	r.hardened = false
	r.completed = false
	r.committed = false
	for i := range r.invoked {
		r.invoked[i] = false
	}
	r.outstandingMappingDeps = 0
	r.outstandingSpecDeps = 0
	r.outstandingCommitDeps = 0
	r.mappingRefs = 0
	r.analysisDone = false
	r.commitScheduled = false
	r.earlyCommit = false
	r.restarted = false
	r.incoming = make(map[edgeKey]struct{})
	r.outgoing = make(map[edgeKey]struct{})
	r.precond = nil
	r.unverified = make(map[int]struct{})
	r.verifiable = make(map[edgeKey]map[int]struct{})
	r.needCompletion = needCompletion
	// A fresh trigger per activation: handles on a previous
	// activation's completion keep observing that (fired) trigger.
	r.completion = event.NewTrigger()
	r.err = nil
	r.spec = SpecNone
	r.pred = nil
	r.selfPred = nil
	r.specGuess = true
	r.launch = nil
	r.requirements = nil
	r.hardenKey = ""
	r.hardenPayload = nil
}

// ID returns the operation's unique id for this activation.
func (r *Record) ID() uint64 { return r.id }

// Generation returns the record's current generation.
func (r *Record) Generation() uint64 {
	r.Lock()
	defer r.Unlock()
	return r.gen
}

// Kind returns the operation's kind tag.
func (r *Record) Kind() Kind { return r.kind }

// CompletionEvent returns the event that fires exactly once when the
// operation completes, in the failed state if the operation failed.
func (r *Record) CompletionEvent() event.Event {
	r.Lock()
	defer r.Unlock()
	return r.completion.Event()
}

// Committed reports whether the operation has committed.
func (r *Record) Committed() bool {
	r.Lock()
	defer r.Unlock()
	return r.committed
}

// Stages returns the operation's stage flags, in pipeline order, for
// introspection.
func (r *Record) Stages() (mapped, executed, resolved, completed, committed bool) {
	r.Lock()
	defer r.Unlock()
	return r.mapped, r.executed, r.resolved, r.completed, r.committed
}

// String returns a short description of the operation.
func (r *Record) String() string {
	return fmt.Sprintf("%s op %d (gen %d)", r.kind, r.id, r.gen)
}

// Restarted reports whether a quashed predecessor instructed this
// operation to restart.
func (r *Record) Restarted() bool {
	r.Lock()
	defer r.Unlock()
	return r.restarted
}

// AddMappingReference records an external holder that may still add
// dependences on this operation.
func (r *Record) AddMappingReference() {
	r.Lock()
	defer r.Unlock()
	must.True(!r.committed, "mapping reference added to committed op")
	r.mappingRefs++
}

// RemoveMappingReference drops an external holder. Once the count
// reaches zero no new outgoing edge may be added, and the operation
// becomes eligible to commit.
func (r *Record) RemoveMappingReference() {
	r.Lock()
	r.mappingRefs--
	must.True(r.mappingRefs >= 0, "mapping reference underflow")
	r.tryCommitLocked()
	r.Unlock()
}

// beginDependenceAnalysis installs a temporary self-dependence so that
// analysis cannot race mapping readiness.
func (r *Record) beginDependenceAnalysis() {
	r.Lock()
	r.outstandingMappingDeps++
	r.Unlock()
}

// endDependenceAnalysis releases the self-dependence. If no mapping
// dependences remain, mapping is scheduled.
func (r *Record) endDependenceAnalysis() {
	r.Lock()
	r.analysisDone = true
	r.decMappingDepsLocked()
	r.Unlock()
}

// registerDependence adds an edge from predecessor pred at generation
// predGen to r. It reports whether the edge was added; a false return
// means the predecessor is already committed (or its reference count
// has drained) and the edge was pruned. Locks are taken in ascending
// id order to avoid deadlock.
func (r *Record) registerDependence(pred *Record, predGen uint64) bool {
	if pred == r {
		return false
	}
	lo, hi := r, pred
	if hi.id < lo.id {
		lo, hi = hi, lo
	}
	lo.Lock()
	hi.Lock()
	defer hi.Unlock()
	defer lo.Unlock()

	if pred.gen != predGen || pred.committed {
		return false // treated as already committed; edge pruned
	}
	if pred.mappingRefs == 0 {
		// No holder may add outgoing edges; the predecessor is
		// draining toward commit.
		return false
	}
	must.True(!r.mapped, "dependence registered on mapped op")
	r.incoming[edgeKey{pred.index, predGen}] = struct{}{}
	if !pred.mapped {
		// A predecessor that has already mapped sends no further
		// mapping notification, so only an unmapped one is waited on.
		r.outstandingMappingDeps++
	}
	pred.outgoing[edgeKey{r.index, r.gen}] = struct{}{}
	pred.outstandingCommitDeps++
	return true
}

// markVerifiable records that r, on completion, can verify the given
// region indices for predecessor pred.
func (r *Record) markVerifiable(pred edgeKey, regions []int) {
	r.Lock()
	defer r.Unlock()
	set := r.verifiable[pred]
	if set == nil {
		set = make(map[int]struct{})
		r.verifiable[pred] = set
	}
	for _, idx := range regions {
		set[idx] = struct{}{}
	}
}

// notifyMappingDependence records the satisfaction of one mapping
// dependence for the activation named by gen; notifications against a
// stale generation are dropped. When the count reaches zero and
// analysis is complete, the mapping stage is scheduled. With restart
// set, the notification comes from a quashed predecessor: dependents
// that have not yet mapped restart cleanly; speculative dependents are
// quashed in turn; anything already mapped propagates the failure.
func (r *Record) notifyMappingDependence(gen uint64, restart bool) {
	if restart {
		r.notifyRestart(gen)
		return
	}
	r.Lock()
	if r.gen != gen {
		r.Unlock()
		return
	}
	r.decMappingDepsLocked()
	r.Unlock()
}

// decMappingDepsLocked decrements the mapping dependence count and
// schedules mapping when it drains. The record's lock must be held.
func (r *Record) decMappingDepsLocked() {
	r.outstandingMappingDeps--
	must.True(r.outstandingMappingDeps >= 0, "mapping dependence underflow")
	if r.outstandingMappingDeps == 0 && r.analysisDone && !r.invoked[trigMapping] {
		r.ctx.enqueue(r.TriggerMapping)
	}
}

func (r *Record) notifyRestart(gen uint64) {
	r.Lock()
	if r.gen != gen {
		r.Unlock()
		return
	}
	switch {
	case r.completed || r.committed:
		// In-flight results are discarded by the quashed upstream;
		// nothing to unwind here.
		r.Unlock()
	case r.spec == SpecTrue || r.spec == SpecFalse:
		r.Unlock()
		r.quash()
	case !r.mapped:
		r.restarted = true
		r.Unlock()
	default:
		r.failLocked(ErrQuashed)
		r.Unlock()
		r.CompleteExecution()
	}
}

// notifySpeculationDependence records the resolution of a speculation
// gate; when none remain and execution has finished, resolution is
// scheduled.
func (r *Record) notifySpeculationDependence() {
	r.Lock()
	r.outstandingSpecDeps--
	must.True(r.outstandingSpecDeps >= 0, "speculation dependence underflow")
	ready := r.outstandingSpecDeps == 0 && r.executed && !r.invoked[trigResolution]
	r.Unlock()
	if ready {
		r.ctx.enqueue(r.TriggerResolution)
	}
}

// notifyCommitDependence records the commit of a successor of the
// activation named by gen. Commit flows upward: once every successor
// has committed (or verified our regions), a completed operation with
// no mapping references commits.
func (r *Record) notifyCommitDependence(gen uint64) {
	r.Lock()
	if r.gen != gen {
		r.Unlock()
		return
	}
	r.outstandingCommitDeps--
	must.True(r.outstandingCommitDeps >= 0, "commit dependence underflow")
	r.tryCommitLocked()
	r.Unlock()
}

// notifyRegionsVerified records that a downstream operation has
// observed this operation's writes for the named region requirement
// indices, allowing commit before the downstream itself commits.
func (r *Record) notifyRegionsVerified(regions map[int]struct{}, gen uint64) {
	r.Lock()
	if r.gen != gen {
		r.Unlock()
		return
	}
	for idx := range regions {
		delete(r.unverified, idx)
	}
	r.tryCommitLocked()
	r.Unlock()
}

// TriggerMapping runs the mapping stage. If the operation is
// predicated, the predicate is sampled first: a resolved predicate
// sends the operation directly down the resolved branch, while an
// unresolved one begins speculation.
func (r *Record) TriggerMapping() {
	r.Lock()
	if r.invoked[trigMapping] {
		r.Unlock()
		return
	}
	r.invoked[trigMapping] = true
	if r.pred != nil && r.spec == SpecNone {
		pred := r.pred
		r.Unlock()
		value, valid := pred.Sample(r)
		r.Lock()
		switch {
		case valid && value:
			r.spec = ResolveTrue
		case valid && !value:
			r.spec = ResolveFalse
		case r.specGuess:
			r.spec = SpecTrue
			r.outstandingSpecDeps++
		default:
			// Guessed false: skip mapping and wait for the predicate.
			r.spec = SpecFalse
			r.outstandingSpecDeps++
			r.Unlock()
			return
		}
	}
	mapping := r.vtab.mapping
	r.Unlock()
	if mapping != nil {
		mapping(r)
		return
	}
	r.CompleteMapping()
}

// CompleteMapping marks the operation mapped and notifies successors.
// Once mapped, no new incoming edge may be added.
func (r *Record) CompleteMapping() {
	r.Lock()
	must.True(!r.mapped, "operation mapped twice")
	r.mapped = true
	r.ctx.Stats.Mapped.Add(1)
	succs := make([]edgeKey, 0, len(r.outgoing))
	for key := range r.outgoing {
		succs = append(succs, key)
	}
	r.Unlock()
	for _, key := range succs {
		if succ := r.ctx.lookup(key); succ != nil {
			succ.notifyMappingDependence(key.gen, false)
		}
	}
	r.ctx.enqueue(r.TriggerExecution)
}

// FailMapping reports a mapping failure. The operation still advances
// through its remaining stages so that the graph unwinds, but its
// completion event fires in the failed state.
func (r *Record) FailMapping(err error) {
	r.Lock()
	r.failLocked(err)
	r.Unlock()
	r.CompleteMapping()
}

// TriggerExecution runs the execution stage. Operations on the false
// branch of their predicate skip execution entirely. Execution waits
// for every predecessor's completion: only the explicit dependence
// edges order execution, and a failed predecessor fails its
// dependents — unless the failure is a quash that instructed this
// operation to restart, in which case the edge is treated as never
// having existed.
func (r *Record) TriggerExecution() {
	r.Lock()
	if r.invoked[trigExecution] {
		r.Unlock()
		return
	}
	r.invoked[trigExecution] = true
	if r.spec == ResolveFalse || r.err != nil {
		r.Unlock()
		r.CompleteExecution()
		return
	}
	pre := event.Merge(r.precond...)
	r.Unlock()
	pre.AddWaiter(func(state event.State) {
		if state == event.Failed {
			err := pre.Err()
			r.Lock()
			restarted := r.restarted
			r.Unlock()
			if err != ErrQuashed || !restarted {
				r.Lock()
				r.failLocked(err)
				r.Unlock()
				r.CompleteExecution()
				return
			}
		}
		r.executeBody()
	})
}

// executeBody dispatches the execution-stage work once the
// preconditions have cleared.
func (r *Record) executeBody() {
	r.Lock()
	if r.completed {
		// Quashed while waiting on preconditions.
		r.Unlock()
		return
	}
	execute := r.vtab.execute
	launch := r.launch
	r.Unlock()
	switch {
	case execute != nil:
		execute(r)
	case launch != nil:
		ev, err := launch()
		if err != nil {
			r.Lock()
			r.failLocked(err)
			r.Unlock()
			r.CompleteExecution()
			return
		}
		ev.AddWaiter(func(state event.State) {
			if state == event.Failed {
				r.Lock()
				r.failLocked(ev.Err())
				r.Unlock()
			}
			r.CompleteExecution()
		})
	default:
		r.CompleteExecution()
	}
}

// CompleteExecution marks the operation executed. Resolution runs once
// any speculation gate has also cleared.
func (r *Record) CompleteExecution() {
	r.Lock()
	if r.executed {
		r.Unlock()
		return
	}
	r.executed = true
	ready := r.outstandingSpecDeps == 0 && !r.invoked[trigResolution]
	r.Unlock()
	if ready {
		r.ctx.enqueue(r.TriggerResolution)
	}
}

// TriggerResolution runs the resolution stage. Only predicate
// operations override it; the default advances immediately.
func (r *Record) TriggerResolution() {
	r.Lock()
	if r.invoked[trigResolution] {
		r.Unlock()
		return
	}
	r.invoked[trigResolution] = true
	resolve := r.vtab.resolve
	r.Unlock()
	if resolve != nil {
		resolve(r)
		return
	}
	r.CompleteResolution()
}

// CompleteResolution marks the operation resolved and schedules
// completion.
func (r *Record) CompleteResolution() {
	r.Lock()
	if r.resolved {
		r.Unlock()
		return
	}
	r.resolved = true
	r.Unlock()
	r.ctx.enqueue(r.TriggerCompletion)
}

// TriggerCompletion runs the completion stage, hardening outputs
// first when the parent context carries a hardening store.
func (r *Record) TriggerCompletion() {
	r.Lock()
	if r.invoked[trigCompletion] {
		r.Unlock()
		return
	}
	r.invoked[trigCompletion] = true
	complete := r.vtab.complete
	r.Unlock()
	r.hardenOutputs()
	if complete != nil {
		complete(r)
		return
	}
	r.CompleteOperation()
}

// hardenOutputs copies the operation's durable payload, if any, to the
// parent's resilient store. Hardening is advisory: failure is logged
// and does not block completion or commit, but only committed
// operations may be considered durable.
func (r *Record) hardenOutputs() {
	r.Lock()
	key, payloadFn := r.hardenKey, r.hardenPayload
	failed := r.err != nil
	r.Unlock()
	if key == "" || payloadFn == nil || failed || r.ctx.hardener == nil {
		return
	}
	if err := r.ctx.hardener(key, payloadFn()); err != nil {
		log.Error.Printf("%s: harden %s: %v", r, key, err)
		return
	}
	r.Lock()
	r.hardened = true
	r.Unlock()
}

// CompleteOperation marks the operation complete, fires its completion
// event exactly once, verifies regions for its predecessors, and
// attempts commit.
func (r *Record) CompleteOperation() {
	r.Lock()
	must.True(!r.completed, "operation completed twice")
	r.completed = true
	err := r.err
	fire := r.needCompletion
	// Capture the trigger: once commit runs, the record may be
	// recycled under a fresh trigger.
	completion := r.completion
	preds := make(map[edgeKey]map[int]struct{}, len(r.verifiable))
	for key, set := range r.verifiable {
		preds[key] = set
	}
	r.tryCommitLocked()
	r.Unlock()
	if fire {
		if err != nil {
			completion.Fail(err)
		} else {
			completion.Trigger()
		}
	}
	// A completed operation has observed its predecessors' writes for
	// every region it analyzed against them.
	for key, set := range preds {
		if pred := r.ctx.lookup(key); pred != nil {
			pred.notifyRegionsVerified(set, key.gen)
		}
	}
}

// RequestEarlyCommit is the only way to schedule the commit stage
// outside the usual invariant (completed, no mapping references, no
// commit dependences). It reports whether the caller won the race to
// schedule commit. Long-lived operations that manage commit externally
// (predicates, most notably) use it once their references drain.
func (r *Record) RequestEarlyCommit() bool {
	r.Lock()
	defer r.Unlock()
	if r.commitScheduled {
		return false
	}
	r.commitScheduled = true
	r.earlyCommit = true
	if r.completed {
		r.ctx.enqueue(r.TriggerCommit)
	}
	// Not yet complete: CompleteOperation observes earlyCommit and
	// schedules commit via tryCommitLocked.
	return true
}

// tryCommitLocked schedules commit if the operation is eligible:
// completed, reference count drained, and either every successor has
// committed or every region has been verified downstream. The record's
// lock must be held.
func (r *Record) tryCommitLocked() {
	if r.commitScheduled && !r.earlyCommit {
		return
	}
	if !r.completed {
		return
	}
	if r.earlyCommit {
		if r.commitScheduled && !r.invoked[trigCommit] {
			r.ctx.enqueue(r.TriggerCommit)
		}
		return
	}
	if r.mappingRefs != 0 {
		return
	}
	if r.outstandingCommitDeps != 0 && len(r.unverified) != 0 {
		return
	}
	r.commitScheduled = true
	r.ctx.enqueue(r.TriggerCommit)
}

// TriggerCommit runs the commit stage.
func (r *Record) TriggerCommit() {
	r.Lock()
	if r.invoked[trigCommit] {
		r.Unlock()
		return
	}
	r.invoked[trigCommit] = true
	commit := r.vtab.commit
	r.Unlock()
	if commit != nil {
		commit(r)
		return
	}
	r.CommitOperation()
}

// CommitOperation commits the operation, notifies its predecessors,
// and retires the record to its pool. A failed operation passes
// through here too but is not marked committed: it is retired without
// the committed flag.
func (r *Record) CommitOperation() {
	r.Lock()
	must.True(r.completed, "commit of incomplete operation")
	if !r.earlyCommit {
		must.True(r.mappingRefs == 0, "commit with outstanding mapping references")
	}
	if r.err == nil {
		r.committed = true
	}
	preds := make([]edgeKey, 0, len(r.incoming))
	for key := range r.incoming {
		preds = append(preds, key)
	}
	r.Unlock()
	for _, key := range preds {
		if pred := r.ctx.lookup(key); pred != nil {
			pred.notifyCommitDependence(key.gen)
		}
	}
	r.ctx.retire(r)
}

// quash undoes a speculative operation whose predicate resolved false:
// its completion event fires in the failed state, its dependents are
// re-notified with the restart flag, its generation is bumped, and the
// record returns to the pool. In-flight device work is permitted to
// finish; its results are discarded.
func (r *Record) quash() {
	r.Lock()
	if r.completed {
		r.Unlock()
		return
	}
	r.failLocked(ErrQuashed)
	// If mapping already completed, successors were notified without
	// the restart flag and must be re-notified with it.
	mappedBefore := r.mapped
	// Bump flags monotonically so the record retires cleanly.
	r.mapped = true
	r.executed = true
	r.resolved = true
	r.completed = true
	for i := range r.invoked {
		r.invoked[i] = true
	}
	fire := r.needCompletion
	completion := r.completion
	succs := make([]edgeKey, 0, len(r.outgoing))
	for key := range r.outgoing {
		succs = append(succs, key)
	}
	preds := make([]edgeKey, 0, len(r.incoming))
	for key := range r.incoming {
		preds = append(preds, key)
	}
	r.Unlock()
	log.Debug.Printf("quash %s", r)
	r.ctx.Stats.Quashed.Add(1)
	if fire {
		completion.Fail(ErrQuashed)
	}
	for _, key := range succs {
		if succ := r.ctx.lookup(key); succ != nil {
			succ.notifyMappingDependence(key.gen, mappedBefore)
		}
	}
	for _, key := range preds {
		if pred := r.ctx.lookup(key); pred != nil {
			pred.notifyCommitDependence(key.gen)
		}
	}
	r.ctx.retire(r)
}

// resolveSpeculation delivers the predicate's resolved value to the
// speculative activation named by gen.
func (r *Record) resolveSpeculation(gen uint64, value bool) {
	r.Lock()
	if r.gen != gen {
		r.Unlock()
		return
	}
	switch r.spec {
	case SpecTrue:
		if value {
			r.spec = ResolveTrue
			r.Unlock()
			r.notifySpeculationDependence()
			return
		}
		r.Unlock()
		r.quash()
	case SpecFalse:
		if !value {
			r.spec = ResolveFalse
			r.Unlock()
			r.notifySpeculationDependence()
			r.CompleteMapping()
			return
		}
		// Mis-speculated the false branch: restart mapping for real.
		// This is the one sanctioned re-arm of a trigger guard.
		r.spec = ResolveTrue
		r.invoked[trigMapping] = false
		r.Unlock()
		r.notifySpeculationDependence()
		r.ctx.enqueue(r.TriggerMapping)
	default:
		r.Unlock()
	}
}

// failLocked records the operation's first failure cause. The record's
// lock must be held.
func (r *Record) failLocked(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Err returns the operation's failure cause, if any.
func (r *Record) Err() error {
	r.Lock()
	defer r.Unlock()
	return r.err
}
