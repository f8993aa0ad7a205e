// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ops

import (
	"context"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
)

// workQueue runs pipeline stages on a bounded pool of goroutines, one
// slot per CPU core reservation. Stages run to completion without
// cooperative yield; suspension is expressed by registering an event
// waiter and returning.
type workQueue struct {
	limiter *limiter.Limiter
}

func newWorkQueue(procs int) *workQueue {
	q := &workQueue{limiter: limiter.New()}
	q.limiter.Release(procs)
	return q
}

// Run schedules fn. The call returns immediately; fn runs once a
// queue slot frees up.
func (q *workQueue) Run(fn func()) {
	go func() {
		ctx := backgroundcontext.Get()
		if err := q.limiter.Acquire(ctx, 1); err != nil {
			// The only errors here are context errors, in which case
			// the process is shutting down and there is no more work
			// to do.
			if err != context.Canceled && err != context.DeadlineExceeded {
				log.Panicf("ops: work queue: unexpected error: %v", err)
			}
			return
		}
		defer q.limiter.Release(1)
		fn()
	}()
}
