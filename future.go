// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"context"
	"sync"

	"github.com/loomrt/loom/event"
)

// A Future is the handle returned by SpawnTask: a value (or failure)
// observed through the task's completion event.
type Future struct {
	ev event.Event

	mu    sync.Mutex
	value []byte
}

// Event returns the event that triggers when the future's value is
// available, in the failed state if the task failed.
func (f *Future) Event() event.Event { return f.ev }

// Wait blocks for the task's completion and returns its result. A
// failed task returns its failure cause.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	if err := f.ev.Wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, nil
}

// set stores the task's result. It runs before the completion event
// triggers.
func (f *Future) set(value []byte) {
	f.mu.Lock()
	f.value = value
	f.mu.Unlock()
}
