// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats defines the runtime's counters. The counter sets are
// typed to the two components that produce them: Pipeline counts the
// operation pipeline's events (operations issued, mapped, committed,
// quashed, and dependence edges pruned against stale generations) and
// Device counts one stream scheduler's traffic (kernels, copies,
// fills, fences, drained callbacks, staging-buffer growth). Snapshots
// from several components merge into a single view of the runtime.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// A Counter is an atomically updated event count.
type Counter struct {
	val int64
}

// Add increments the counter by delta.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.val, delta)
}

// Get returns the counter's current value.
func (c *Counter) Get() int64 {
	return atomic.LoadInt64(&c.val)
}

// Pipeline is the operation pipeline's counter set, owned by a parent
// context.
type Pipeline struct {
	// Issued counts operations activated from the record pools.
	Issued Counter
	// Mapped counts operations that completed their mapping stage.
	Mapped Counter
	// Committed counts operations that reached commit.
	Committed Counter
	// Quashed counts speculative operations undone by a false
	// predicate.
	Quashed Counter
	// PrunedEdges counts dependence registrations dropped because the
	// target was already committed or its generation was stale.
	PrunedEdges Counter
}

// Snapshot returns the pipeline counters as values.
func (p *Pipeline) Snapshot() Values {
	return Values{
		"ops.issued":    p.Issued.Get(),
		"ops.mapped":    p.Mapped.Get(),
		"ops.committed": p.Committed.Get(),
		"ops.quashed":   p.Quashed.Get(),
		"deps.pruned":   p.PrunedEdges.Get(),
	}
}

// Device is one stream scheduler's counter set.
type Device struct {
	// Kernels, Copies, and Fills count work submitted to the device's
	// streams.
	Kernels Counter
	Copies  Counter
	Fills   Counter
	// Fences counts memory fences posted across the device's streams.
	Fences Counter
	// Callbacks counts completion records drained by the worker.
	Callbacks Counter
	// ArgBufGrows counts doublings of the pinned argument staging
	// buffer.
	ArgBufGrows Counter
}

// Snapshot returns the device counters as values.
func (d *Device) Snapshot() Values {
	return Values{
		"kernels":     d.Kernels.Get(),
		"copies":      d.Copies.Get(),
		"fills":       d.Fills.Get(),
		"fences":      d.Fences.Get(),
		"callbacks":   d.Callbacks.Get(),
		"argbuf.grow": d.ArgBufGrows.Get(),
	}
}

// Values is a snapshot of counter values keyed by name.
type Values map[string]int64

// Merge adds the values in w into v, summing counters that appear in
// both, so that several components' snapshots aggregate into one
// view.
func (v Values) Merge(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String returns the snapshot's values sorted by key.
func (v Values) String() string {
	var keys []string
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}
