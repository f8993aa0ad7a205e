// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ops

// Kind discriminates the variants of an operation. The common trigger
// pipeline lives on Record; per-variant stage behavior is dispatched
// through a table of function pointers kept alongside the kind tag.
type Kind int

const (
	// KindTask is a user task launch.
	KindTask Kind = iota
	// KindCopy is an explicit region-to-region copy.
	KindCopy
	// KindFill fills a region with a byte pattern.
	KindFill
	// KindFence orders operations by mapping or by execution.
	KindFence
	// KindDeletion destroys an index space, field space, region, or
	// partition once all prior users have drained.
	KindDeletion
	// KindClose flushes open region-tree state back to the parent.
	KindClose
	// KindMap is an inline mapping: the caller obtains a physical
	// region once the operation maps.
	KindMap
	// KindAcquire acquires user-level coherence on a region.
	KindAcquire
	// KindRelease releases user-level coherence on a region.
	KindRelease
	// KindPredicate is a predicate whose value other operations sample
	// to execute, speculate, or quash.
	KindPredicate
	// KindPartition computes a dependent partition or an index-space
	// set-algebra result.
	KindPartition

	numKinds
)

var kindStrings = [...]string{
	KindTask:      "task",
	KindCopy:      "copy",
	KindFill:      "fill",
	KindFence:     "fence",
	KindDeletion:  "deletion",
	KindClose:     "close",
	KindMap:       "map",
	KindAcquire:   "acquire",
	KindRelease:   "release",
	KindPredicate: "predicate",
	KindPartition: "partition",
}

// String returns the kind's lower-case name.
func (k Kind) String() string { return kindStrings[k] }

// callbacks is the per-kind dispatch table for pipeline stages. A nil
// entry selects the default behavior, which advances the record to the
// next stage immediately.
type callbacks struct {
	mapping  func(*Record)
	execute  func(*Record)
	resolve  func(*Record)
	complete func(*Record)
	commit   func(*Record)
}

var defaultCallbacks = callbacks{}

// kindCallbacks maps each kind to its stage overrides. Only predicates
// override stages; every other kind runs the default pipeline, with
// its work supplied by the operation's launch function.
var kindCallbacks = [numKinds]*callbacks{
	KindTask:      &defaultCallbacks,
	KindCopy:      &defaultCallbacks,
	KindFill:      &defaultCallbacks,
	KindFence:     &defaultCallbacks,
	KindDeletion:  &defaultCallbacks,
	KindClose:     &defaultCallbacks,
	KindMap:       &defaultCallbacks,
	KindAcquire:   &defaultCallbacks,
	KindRelease:   &defaultCallbacks,
	KindPredicate: &predicateCallbacks,
	KindPartition: &defaultCallbacks,
}
