// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "sync"

// workers runs the concurrent phase tasks on a fixed number of
// parallel workers. The thread-management mechanics of a real worker
// pool (boosting, time slicing) belong to the worker-thread
// collaborator; this only provides the parallel fan-out the phases
// need.
type workers struct {
	n int
}

func newWorkers(n int) *workers {
	if n < 1 {
		throw("worker count must be positive")
	}
	return &workers{n: n}
}

func (w *workers) nworkers() int { return w.n }

// run executes task on every worker in parallel and waits for all of
// them.
func (w *workers) run(task func(worker int)) {
	var wg sync.WaitGroup
	wg.Add(w.n)
	for i := 0; i < w.n; i++ {
		go func(worker int) {
			defer wg.Done()
			task(worker)
		}(i)
	}
	wg.Wait()
}
