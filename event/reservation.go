// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package event

import (
	"context"
	"sync"
)

// A Reservation is a non-blocking, event-returning mutex. Acquire
// never blocks: it either grants the reservation immediately,
// returning NoEvent, or returns an event that triggers when the caller
// holds the reservation. Grants are first-come, first-served.
//
// Reservation also implements sync.Locker by waiting on the acquire
// event, so that it can guard state the way an ordinary mutex would
// and back a context-aware condition variable.
type Reservation struct {
	mu    sync.Mutex
	held  bool
	queue []*Trigger
}

// Acquire requests the reservation. The returned event has triggered
// once the caller holds the reservation; if the reservation was free,
// Acquire returns NoEvent and the caller holds it immediately.
func (r *Reservation) Acquire() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.held {
		r.held = true
		return NoEvent
	}
	t := NewTrigger()
	r.queue = append(r.queue, t)
	return t.Event()
}

// TryAcquire acquires the reservation only if it is free, reporting
// whether it did.
func (r *Reservation) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held {
		return false
	}
	r.held = true
	return true
}

// Release releases the reservation, granting it to the oldest waiter
// if one exists. Release by a non-holder panics.
func (r *Reservation) Release() {
	r.mu.Lock()
	if !r.held {
		r.mu.Unlock()
		panic("event: release of unheld reservation")
	}
	if len(r.queue) == 0 {
		r.held = false
		r.mu.Unlock()
		return
	}
	next := r.queue[0]
	r.queue = r.queue[1:]
	r.mu.Unlock()
	// The reservation stays held; ownership passes to the waiter when
	// its grant event fires.
	next.Trigger()
}

// Lock acquires the reservation, blocking until it is held.
func (r *Reservation) Lock() {
	ev := r.Acquire()
	// The grant event only fails if the process is tearing down
	// triggers underneath us, which cannot happen for grants.
	_ = ev.Wait(context.Background())
}

// Unlock releases the reservation.
func (r *Reservation) Unlock() { r.Release() }
