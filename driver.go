// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "sync"

// Driver runs collection cycles on a dedicated goroutine, sequencing
// the Heap's phase operations: mark start pause, concurrent mark, the
// mark end retry loop, reference processing with optional class
// unloading, relocation set turnover, verification and relocation.
//
// Requests from explicit causes run synchronously: Collect returns
// only after the requested cycle completed. Other causes are
// asynchronous and coalesce while a cycle is in progress.
type Driver struct {
	h *Heap

	requests chan gcRequest
	stop     chan struct{}
	wg       sync.WaitGroup
}

type gcRequest struct {
	cause GCCause
	done  chan struct{}
}

func NewDriver(h *Heap) *Driver {
	return &Driver{
		h:        h,
		requests: make(chan gcRequest, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the driver goroutine.
func (d *Driver) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop shuts the driver down after any in-flight cycle completes.
func (d *Driver) Stop() {
	close(d.stop)
	d.wg.Wait()
}

// Collect requests a collection cycle. Explicit causes block until
// their cycle completes; other causes return immediately, dropping
// the request if one is already queued.
func (d *Driver) Collect(cause GCCause) {
	req := gcRequest{cause: cause}
	if cause.isExplicit() {
		req.done = make(chan struct{})
		select {
		case d.requests <- req:
		case <-d.stop:
			return
		}
		select {
		case <-req.done:
		case <-d.stop:
		}
		return
	}
	select {
	case d.requests <- req:
	default:
		// A cycle is queued already; this request coalesces.
	}
}

func (d *Driver) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case req := <-d.requests:
			d.gc(req.cause)
			if req.done != nil {
				close(req.done)
			}
		}
	}
}

// gc runs one complete collection cycle.
func (d *Driver) gc(cause GCCause) {
	h := d.h
	h.SetGCCause(cause)

	// Phase 1: Pause Mark Start
	h.safepoint.Execute("Mark Start", h.MarkStart)

	// Phase 2: Concurrent Mark
	h.Mark()

	// Phase 3: Pause Mark End, re-entering concurrent mark until
	// the termination attempt succeeds.
	for {
		var complete bool
		h.safepoint.Execute("Mark End", func() {
			complete = h.MarkEnd()
		})
		if complete {
			break
		}
		h.Mark()
	}

	// Phase 4: Concurrent Process Non-Strong References, with the
	// class unloading pause spliced into the resurrection block
	// window when due.
	cont := h.ProcessNonStrongReferences()
	if cont.Pending() {
		h.safepoint.Execute("Class Unloading", h.UnloadClass)
		cont.Finish()
	}

	// Phase 5: Concurrent Reset Relocation Set. The previous
	// cycle's forwardings stayed installed until now so stale
	// references could keep self-healing between cycles.
	h.ResetRelocationSet()

	// Phase 6: Pause Verify
	h.safepoint.Execute("Verify", h.Verify)

	// Phase 7: Concurrent Select Relocation Set
	h.SelectRelocationSet()

	// Phase 8: Pause Relocate Start
	h.safepoint.Execute("Relocate Start", h.RelocateStart)

	// Phase 9: Concurrent Relocate. A stall leaves the remainder
	// of the relocation set to on-demand relocation through the
	// load barrier; the next cycle's reset picks up the pieces.
	h.Relocate()
}
