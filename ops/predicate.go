// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ops

import (
	"sync"

	"github.com/grailbio/base/must"

	"github.com/loomrt/loom/event"
)

// A Predicate is a specialized operation whose boolean value other
// operations sample to decide whether to execute, speculate, or
// quash. Users of a predicate hold references until they have sampled
// it; the predicate's record defers commit until the reference count
// drains, using the early-commit protocol.
type Predicate struct {
	r *Record

	mu             sync.Mutex
	refs           int
	valid          bool
	value          bool
	pendingResolve bool
	waiters        []predWaiter

	resolve *event.Trigger
}

type predWaiter struct {
	op  *Record
	gen uint64
}

// predicateCallbacks overrides the resolution stage: a predicate
// resolves when its value is set, not when its execution finishes.
var predicateCallbacks = callbacks{
	resolve: func(r *Record) {
		p := r.selfPred
		p.mu.Lock()
		if p.valid {
			p.mu.Unlock()
			r.CompleteResolution()
			return
		}
		p.pendingResolve = true
		p.mu.Unlock()
	},
}

// newPredicate issues a predicate record into c. mkLaunch builds the
// launch function that computes the predicate's value during the
// execution stage; it receives the predicate so the launch can resolve
// it. The predicate is fully wired before the record is submitted:
// the pipeline may run the launch before this function returns.
func newPredicate(c *Context, mkLaunch func(p *Predicate) LaunchFunc) (*Predicate, error) {
	p := &Predicate{refs: 1, resolve: event.NewTrigger()}
	r := c.newRecord(KindPredicate, true)
	p.r = r
	r.Lock()
	r.selfPred = p
	r.launch = mkLaunch(p)
	r.Unlock()
	// The predicate occupies the graph for as long as users may still
	// sample it; the reference is dropped when the refcount drains.
	r.AddMappingReference()
	c.submit(r)
	return p, nil
}

// NewFuturePredicate returns a predicate whose value is computed by
// eval once the ready event triggers. If ready fails, the predicate
// resolves false.
func NewFuturePredicate(c *Context, ready event.Event, eval func() bool) (*Predicate, error) {
	return newPredicate(c, func(p *Predicate) LaunchFunc {
		return func() (event.Event, error) {
			t := event.NewTrigger()
			ready.AddWaiter(func(state event.State) {
				if state == event.Failed {
					p.SetValue(false)
				} else {
					p.SetValue(eval())
				}
				t.Trigger()
			})
			return t.Event(), nil
		}
	})
}

// NewNotPredicate returns the negation of child.
func NewNotPredicate(c *Context, child *Predicate) (*Predicate, error) {
	child.AddRef()
	return newPredicate(c, func(p *Predicate) LaunchFunc {
		return func() (event.Event, error) {
			t := event.NewTrigger()
			child.ResolveEvent().AddWaiter(func(event.State) {
				value, _ := child.Value()
				p.SetValue(!value)
				child.RemoveRef()
				t.Trigger()
			})
			return t.Event(), nil
		}
	})
}

// NewAndPredicate returns the conjunction of the children, resolving
// false as soon as any child resolves false.
func NewAndPredicate(c *Context, children ...*Predicate) (*Predicate, error) {
	return newCompositePredicate(c, children, false)
}

// NewOrPredicate returns the disjunction of the children, resolving
// true as soon as any child resolves true.
func NewOrPredicate(c *Context, children ...*Predicate) (*Predicate, error) {
	return newCompositePredicate(c, children, true)
}

// newCompositePredicate builds a short-circuiting conjunction or
// disjunction: shortcircuit is the child value that decides the result
// immediately (true for Or, false for And).
func newCompositePredicate(c *Context, children []*Predicate, shortcircuit bool) (*Predicate, error) {
	for _, child := range children {
		child.AddRef()
	}
	return newPredicate(c, func(p *Predicate) LaunchFunc {
		return func() (event.Event, error) {
			t := event.NewTrigger()
			var (
				mu      sync.Mutex
				left    = len(children)
				decided bool
			)
			if left == 0 {
				p.SetValue(!shortcircuit)
				t.Trigger()
				return t.Event(), nil
			}
			for _, child := range children {
				child := child
				child.ResolveEvent().AddWaiter(func(event.State) {
					value, _ := child.Value()
					child.RemoveRef()
					mu.Lock()
					left--
					fire := false
					if !decided && (value == shortcircuit || left == 0) {
						decided = true
						fire = true
					}
					done := left == 0
					mu.Unlock()
					if fire {
						if value == shortcircuit {
							p.SetValue(shortcircuit)
						} else {
							p.SetValue(!shortcircuit)
						}
					}
					if done {
						t.Trigger()
					}
				})
			}
			return t.Event(), nil
		}
	})
}

// Record returns the predicate's operation record.
func (p *Predicate) Record() *Record { return p.r }

// ResolveEvent returns the event that triggers when the predicate's
// value becomes known.
func (p *Predicate) ResolveEvent() event.Event { return p.resolve.Event() }

// Value returns the predicate's value and whether it has resolved.
func (p *Predicate) Value() (value, valid bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.valid
}

// Sample reads the predicate on behalf of op. If the predicate has
// resolved, its value is returned with valid set and op's reference is
// released. Otherwise op is registered for resolution, keeps its
// reference until the resolved value is delivered, and the caller must
// speculate.
func (p *Predicate) Sample(op *Record) (value, valid bool) {
	p.mu.Lock()
	if p.valid {
		value = p.value
		p.mu.Unlock()
		p.RemoveRef()
		return value, true
	}
	p.waiters = append(p.waiters, predWaiter{op: op, gen: op.genSnapshot()})
	p.mu.Unlock()
	return false, false
}

// SetValue resolves the predicate. Waiting speculative operations
// learn the value; mis-speculated ones are quashed. SetValue may be
// called once.
func (p *Predicate) SetValue(value bool) {
	p.mu.Lock()
	must.True(!p.valid, "predicate resolved twice")
	p.valid = true
	p.value = value
	waiters := p.waiters
	p.waiters = nil
	resolveNow := p.pendingResolve
	p.mu.Unlock()
	p.resolve.Trigger()
	if resolveNow {
		p.r.CompleteResolution()
	}
	for _, w := range waiters {
		w.op.resolveSpeculation(w.gen, value)
		p.RemoveRef()
	}
}

// AddRef records a user that will sample the predicate.
func (p *Predicate) AddRef() {
	p.mu.Lock()
	defer p.mu.Unlock()
	must.True(p.refs > 0, "predicate revived after refs drained")
	p.refs++
}

// RemoveRef drops a user reference. When the count drains, the
// predicate's record becomes eligible for commit via the early-commit
// protocol.
func (p *Predicate) RemoveRef() {
	p.mu.Lock()
	p.refs--
	must.True(p.refs >= 0, "predicate reference underflow")
	drained := p.refs == 0
	p.mu.Unlock()
	if drained {
		p.r.RemoveMappingReference()
		p.r.RequestEarlyCommit()
	}
}

// Release drops the creator's reference.
func (p *Predicate) Release() { p.RemoveRef() }
