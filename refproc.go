// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import (
	"sync"
	"sync/atomic"
)

// referenceProcessor applies soft/weak/final/phantom reference policy
// after marking.
//
// References are discovered during marking by the object model: when
// the model scans a reference object it offers it to discover, and a
// discovered referent is not traced through. Final referents must
// still survive the cycle for their finalizer, so discovery queues
// them for finalizable marking; the queue is turned into mark work at
// the next mark end attempt, which then fails and reschedules
// concurrent marking to trace them transitively.
//
// Processing runs after mark completion: dead referents are cleared
// (or downgraded to finalizable for FinalReferences) and the
// references queued for enqueueing. Enqueueing must wait until
// resurrection is unblocked, because a finalizer thread calling
// Reference.get on a just-enqueued reference during the block window
// would observe null for a referent that is merely finalizable
// marked.
type referenceProcessor struct {
	h *Heap

	softClearAll atomic.Bool

	lock            sync.Mutex
	discovered      [4][]*Reference
	finalizableMark []uint64
	toEnqueue       []*Reference
	pending         []*Reference

	encountered [4]atomic.Uint64
	discarded   [4]atomic.Uint64
	enqueued    [4]atomic.Uint64
}

func newReferenceProcessor(h *Heap) *referenceProcessor {
	return &referenceProcessor{h: h}
}

// setSoftReferencePolicy selects whether this cycle clears soft
// references (true) or keeps their referents strongly reachable.
func (rp *referenceProcessor) setSoftReferencePolicy(clear bool) {
	rp.softClearAll.Store(clear)
}

// resetStatistics resets the per-cycle counters and discovery state.
// Called at mark start while the world is stopped.
func (rp *referenceProcessor) resetStatistics() {
	for k := range rp.encountered {
		rp.encountered[k].Store(0)
		rp.discarded[k].Store(0)
		rp.enqueued[k].Store(0)
	}
	rp.lock.Lock()
	rp.discovered = [4][]*Reference{}
	rp.finalizableMark = nil
	rp.toEnqueue = nil
	rp.lock.Unlock()
}

// discover offers a reference object encountered during marking. A
// true return means the reference was discovered and the caller must
// not trace through the referent; false means the referent is to be
// treated as strongly reachable this cycle.
func (rp *referenceProcessor) discover(ref *Reference) bool {
	k := ref.Kind
	rp.encountered[k].Add(1)
	if ref.Referent == nil || *ref.Referent == 0 {
		return false
	}
	if k == KindSoft && !rp.softClearAll.Load() {
		// Policy says soft referents stay alive; mark through.
		return false
	}
	rp.lock.Lock()
	rp.discovered[k] = append(rp.discovered[k], ref)
	if k == KindFinal {
		offset := rp.h.remapOffset(rp.h.as.canonical(*ref.Referent))
		rp.finalizableMark = append(rp.finalizableMark, offset)
	}
	rp.lock.Unlock()
	return true
}

// flushFinalizableMarkWork converts queued finalizable marking into
// global mark work. Returns whether any work was produced; if so the
// current mark end attempt must fail so the work gets traced.
func (rp *referenceProcessor) flushFinalizableMarkWork(m *mark) bool {
	rp.lock.Lock()
	queued := rp.finalizableMark
	rp.finalizableMark = nil
	rp.lock.Unlock()
	if len(queued) == 0 {
		return false
	}
	ws := markStack{m: m}
	for _, offset := range queued {
		m.markObject(offset, true, &ws)
	}
	ws.dispose()
	return ws.flushedWork
}

// process applies reference policy against the final mark state. Runs
// concurrently after mark completion, while resurrection is blocked.
func (rp *referenceProcessor) process() {
	h := rp.h
	rp.lock.Lock()
	discovered := rp.discovered
	rp.discovered = [4][]*Reference{}
	rp.lock.Unlock()

	for k := KindSoft; k <= KindPhantom; k++ {
		for _, ref := range discovered[k] {
			addr := *ref.Referent
			if addr == 0 {
				rp.discarded[k].Add(1)
				continue
			}
			offset := h.remapOffset(h.as.canonical(addr))
			if h.isStronglyLiveOffset(offset) {
				// Referent survived on its own; keep the
				// reference out of the pending list and heal
				// the slot in passing.
				*ref.Referent = h.as.good(offset)
				rp.discarded[k].Add(1)
				continue
			}
			if k == KindFinal {
				// Referent is finalizable marked: it survives
				// for its finalizer but is invisible to
				// everything else.
				*ref.Referent = h.as.finalizableGood(offset)
			} else {
				*ref.Referent = 0
			}
			rp.lock.Lock()
			rp.toEnqueue = append(rp.toEnqueue, ref)
			rp.lock.Unlock()
		}
	}
}

// enqueue moves the processed references onto the pending list for
// the runtime's reference-handling thread. Resurrection must already
// be unblocked.
func (rp *referenceProcessor) enqueue() {
	if rp.h.resurrectionBlocked.Load() {
		throw("reference enqueue during resurrection block")
	}
	rp.lock.Lock()
	for _, ref := range rp.toEnqueue {
		rp.enqueued[ref.Kind].Add(1)
	}
	rp.pending = append(rp.pending, rp.toEnqueue...)
	rp.toEnqueue = nil
	rp.lock.Unlock()
}

// drainPending hands the enqueued references to the caller, emptying
// the pending list.
func (rp *referenceProcessor) drainPending() []*Reference {
	rp.lock.Lock()
	pending := rp.pending
	rp.pending = nil
	rp.lock.Unlock()
	return pending
}
