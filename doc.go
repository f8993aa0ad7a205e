// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package loom is a runtime for a task-based parallel programming
// model: a program is expressed as a stream of operations (tasks,
// copies, fills, fences, inline mappings, acquires and releases,
// deletions, dependent-partitioning calls) that the runtime schedules
// across CPUs, accelerator devices, and distributed memory while
// preserving the sequential order the user wrote.
//
// A Session owns the machine's view of the runtime. Its verbs return
// synchronously with a handle; completion is observed through events:
//
//	sess, _ := loom.Start(loom.DefaultConfig(), backend)
//	future, _ := sess.SpawnTask(loom.TaskLaunch{...})
//	ev, _ := sess.IssueCopy(loom.CopyArgs{...})
//
// The pieces live in their own packages: event (the distributed
// future every subsystem waits on and triggers), ops (the operation
// pipeline and dependence graph), stream (the per-device stream
// scheduler), transfer (copy planning and iteration), space and
// deppart (index spaces and dependent partitioning), wire (the remote
// operation envelope), and harden (resilient storage for the
// hardening phase).
package loom
