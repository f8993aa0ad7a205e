// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package event implements the runtime's distributed-future primitive.
// An Event is an immutable, generational handle on a one-shot trigger;
// it is the only thing any subsystem waits on, and the only thing any
// subsystem fires. Events are cheap to copy, safe to hold after the
// underlying trigger has been recycled, and never untrigger.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/must"
)

// State describes the observable state of an event.
type State int

const (
	// Pending indicates that the event has not yet fired.
	Pending State = iota
	// Triggered indicates that the event fired successfully.
	Triggered
	// Failed indicates that the event fired with an error. Waiters
	// observe the failure cause.
	Failed
)

var stateStrings = [...]string{
	Pending:   "PENDING",
	Triggered: "TRIGGERED",
	Failed:    "FAILED",
}

// String returns the state as an upper-case string.
func (s State) String() string { return stateStrings[s] }

// nextTriggerID dispenses process-unique trigger IDs.
var nextTriggerID uint64

// A Trigger is the producer side of an Event. Triggers fire exactly
// once per generation; recycling a trigger with Reset bumps its
// generation so that stale Event handles observe the old generation as
// already triggered.
type Trigger struct {
	sync.Mutex

	id  uint64
	gen uint64

	state   State
	err     error
	waitc   chan struct{}
	waiters []func(State)
}

// NewTrigger returns a fresh, untriggered Trigger at generation 1.
func NewTrigger() *Trigger {
	return &Trigger{
		id:  atomic.AddUint64(&nextTriggerID, 1),
		gen: 1,
	}
}

// Event returns a handle on the trigger's current generation.
func (t *Trigger) Event() Event {
	t.Lock()
	defer t.Unlock()
	return Event{t: t, gen: t.gen}
}

// Trigger fires the trigger's current generation successfully. It is
// an error to fire a generation more than once.
func (t *Trigger) Trigger() {
	t.fire(Triggered, nil)
}

// Fail fires the trigger's current generation with the provided error,
// which must be non-nil. Waiters observe err as the failure cause.
func (t *Trigger) Fail(err error) {
	must.True(err != nil, "event: Fail with nil error")
	t.fire(Failed, err)
}

func (t *Trigger) fire(state State, err error) {
	t.Lock()
	must.True(t.state == Pending, "event: trigger fired twice")
	t.state = state
	t.err = err
	if t.waitc != nil {
		close(t.waitc)
		t.waitc = nil
	}
	waiters := t.waiters
	t.waiters = nil
	t.Unlock()
	// Waiters run outside the trigger's lock so that they may inspect
	// the event freely. They run on the firing goroutine.
	for _, w := range waiters {
		w(state)
	}
}

// Reset recycles the trigger for a new generation. The current
// generation must have fired; outstanding handles on it remain valid
// and observe it as fired.
func (t *Trigger) Reset() {
	t.Lock()
	defer t.Unlock()
	must.True(t.state != Pending, "event: reset of pending trigger")
	t.gen++
	t.state = Pending
	t.err = nil
}

// An Event is an immutable handle (id, generation) on a trigger. The
// zero Event, NoEvent, represents an event that has always already
// triggered.
type Event struct {
	t   *Trigger
	gen uint64
}

// NoEvent is the zero event. It has always triggered.
var NoEvent Event

// Exists tells whether the event names a real trigger. NoEvent does
// not exist.
func (e Event) Exists() bool { return e.t != nil }

// ID returns the identity of the underlying trigger, or 0 for NoEvent.
func (e Event) ID() uint64 {
	if e.t == nil {
		return 0
	}
	return e.t.id
}

// Generation returns the trigger generation this handle observes.
func (e Event) Generation() uint64 { return e.gen }

// PollState returns the event's state. A handle on a generation older
// than the trigger's current one observes Triggered: the generation it
// names has necessarily fired.
func (e Event) PollState() State {
	if e.t == nil {
		return Triggered
	}
	e.t.Lock()
	defer e.t.Unlock()
	if e.gen < e.t.gen {
		return Triggered
	}
	return e.t.state
}

// HasTriggered tells whether the event has fired, successfully or not.
// A triggered event never untriggers.
func (e Event) HasTriggered() bool {
	return e.PollState() != Pending
}

// Err returns the failure cause of a failed event, or nil.
func (e Event) Err() error {
	if e.t == nil {
		return nil
	}
	e.t.Lock()
	defer e.t.Unlock()
	if e.gen < e.t.gen {
		return nil
	}
	return e.t.err
}

// Wait blocks until the event fires or the context is done. If the
// event failed, Wait returns the failure cause.
func (e Event) Wait(ctx context.Context) error {
	if e.t == nil {
		return nil
	}
	e.t.Lock()
	for {
		if e.gen < e.t.gen {
			e.t.Unlock()
			return nil
		}
		switch e.t.state {
		case Triggered:
			e.t.Unlock()
			return nil
		case Failed:
			err := e.t.err
			e.t.Unlock()
			return err
		}
		if e.t.waitc == nil {
			e.t.waitc = make(chan struct{})
		}
		waitc := e.t.waitc
		e.t.Unlock()
		select {
		case <-waitc:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.t.Lock()
	}
}

// AddWaiter arranges for fn to be called with the event's final state
// once it fires. If the event has already fired, fn is called
// immediately on the calling goroutine. Waiters must not block: they
// run on whichever goroutine fires the trigger.
func (e Event) AddWaiter(fn func(State)) {
	if e.t == nil {
		fn(Triggered)
		return
	}
	e.t.Lock()
	if e.gen < e.t.gen {
		e.t.Unlock()
		fn(Triggered)
		return
	}
	if e.t.state != Pending {
		state := e.t.state
		e.t.Unlock()
		fn(state)
		return
	}
	e.t.waiters = append(e.t.waiters, fn)
	e.t.Unlock()
}

// AfterAll returns an event that triggers once every input has fired,
// whether successfully or not. Unlike Merge, input failures do not
// fail the result: AfterAll expresses ordering, not data flow.
func AfterAll(events ...Event) Event {
	pending := make([]Event, 0, len(events))
	for _, e := range events {
		if !e.HasTriggered() {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return NoEvent
	}
	t := NewTrigger()
	var (
		mu   sync.Mutex
		left = len(pending)
	)
	for _, e := range pending {
		e.AddWaiter(func(State) {
			mu.Lock()
			left--
			fire := left == 0
			mu.Unlock()
			if fire {
				t.Trigger()
			}
		})
	}
	return t.Event()
}

// Merge returns an event that triggers once every input has fired. If
// any input failed, the merged event fails with the first failure
// cause observed. Merging no events, or only successfully fired
// events, returns NoEvent without allocating a trigger; if every input
// has fired and one failed, an already-failed event is returned.
func Merge(events ...Event) Event {
	pending := make([]Event, 0, len(events))
	var firstErr error
	for _, e := range events {
		switch e.PollState() {
		case Pending:
			pending = append(pending, e)
		case Failed:
			if firstErr == nil {
				firstErr = e.Err()
			}
		}
	}
	if len(pending) == 0 {
		if firstErr != nil {
			t := NewTrigger()
			t.Fail(firstErr)
			return t.Event()
		}
		return NoEvent
	}
	t := NewTrigger()
	var (
		mu   sync.Mutex
		left = len(pending)
		err  = firstErr
	)
	for _, e := range pending {
		e := e
		e.AddWaiter(func(state State) {
			mu.Lock()
			if state == Failed && err == nil {
				err = e.Err()
			}
			left--
			fire := left == 0
			ferr := err
			mu.Unlock()
			if !fire {
				return
			}
			if ferr != nil {
				t.Fail(ferr)
			} else {
				t.Trigger()
			}
		})
	}
	return t.Event()
}
