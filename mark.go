// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Concurrent marking.
//
// Marking implements a producer/consumer model for grey objects. A
// grey object is marked and on a work list; a black object is marked
// and off every work list. Root jobs and object scanning produce grey
// entries; draining consumes them, blackening the object and scanning
// it, potentially producing new grey entries.
//
// Each worker and each contributing mutator owns a markStack of two
// buffers. The two buffers act as a combined stack with one buffer of
// hysteresis: refilling or spilling to the global lists is amortized
// over at least a buffer's worth of work, which keeps contention on
// the global lists low.
//
// Termination is a consensus: end() flushes every stack and succeeds
// only if no stack held work and the global list is empty. A failed
// end() is an expected condition; the driver re-enters concurrent
// marking and retries.

package zgc

import (
	"runtime"
	"sync"
	"sync/atomic"
)

const markBufEntries = 254

// A mark stack entry is a heap offset, with the finalizable bit in
// the top bit selecting the finalizable scan strength.
const markEntryFinalizable = uint64(1) << 63

type markBuf struct {
	nobj int
	obj  [markBufEntries]uint64
}

type markBufList struct {
	lock sync.Mutex
	bufs []*markBuf
}

func (l *markBufList) push(b *markBuf) {
	l.lock.Lock()
	l.bufs = append(l.bufs, b)
	l.lock.Unlock()
}

func (l *markBufList) pop() *markBuf {
	l.lock.Lock()
	defer l.lock.Unlock()
	n := len(l.bufs)
	if n == 0 {
		return nil
	}
	b := l.bufs[n-1]
	l.bufs = l.bufs[:n-1]
	return b
}

func (l *markBufList) empty() bool {
	l.lock.Lock()
	n := len(l.bufs)
	l.lock.Unlock()
	return n == 0
}

// markStack is the per-thread two-buffer work stack. wbuf1 is the
// buffer being pushed to and popped from; wbuf2 is the next buffer to
// spill or refill. Not safe for concurrent use; each worker and each
// mutator thread owns its own.
type markStack struct {
	m            *mark
	wbuf1, wbuf2 *markBuf

	// flushedWork records that a dispose pushed a non-empty buffer
	// to the global list, i.e. this stack vetoes termination.
	flushedWork bool
}

func (s *markStack) init() {
	s.wbuf1 = s.m.getEmpty()
	if full := s.m.full.pop(); full != nil {
		s.wbuf2 = full
	} else {
		s.wbuf2 = s.m.getEmpty()
	}
}

func (s *markStack) put(entry uint64) {
	wbuf := s.wbuf1
	if wbuf == nil {
		s.init()
		wbuf = s.wbuf1
	} else if wbuf.nobj == len(wbuf.obj) {
		s.wbuf1, s.wbuf2 = s.wbuf2, s.wbuf1
		wbuf = s.wbuf1
		if wbuf.nobj == len(wbuf.obj) {
			s.m.full.push(wbuf)
			s.flushedWork = true
			wbuf = s.m.getEmpty()
			s.wbuf1 = wbuf
		}
	}
	wbuf.obj[wbuf.nobj] = entry
	wbuf.nobj++
}

func (s *markStack) tryGet() (uint64, bool) {
	wbuf := s.wbuf1
	if wbuf == nil {
		s.init()
		wbuf = s.wbuf1
	}
	if wbuf.nobj == 0 {
		s.wbuf1, s.wbuf2 = s.wbuf2, s.wbuf1
		wbuf = s.wbuf1
		if wbuf.nobj == 0 {
			full := s.m.full.pop()
			if full == nil {
				return 0, false
			}
			s.m.empty.push(wbuf)
			s.wbuf1 = full
			wbuf = full
		}
	}
	wbuf.nobj--
	return wbuf.obj[wbuf.nobj], true
}

// dispose returns both buffers to the global lists. Partially
// accumulated work becomes globally visible, so a thread exiting
// mid-cycle loses nothing.
func (s *markStack) dispose() {
	for _, pb := range []**markBuf{&s.wbuf1, &s.wbuf2} {
		b := *pb
		if b == nil {
			continue
		}
		if b.nobj == 0 {
			s.m.empty.push(b)
		} else {
			s.m.full.push(b)
			s.flushedWork = true
		}
		*pb = nil
	}
}

// mark is the concurrent tracing engine.
type mark struct {
	h *Heap

	full  markBufList // buffers with work
	empty markBufList // recycled buffers

	workerStacks []markStack

	mutators struct {
		lock   sync.Mutex
		stacks map[int]*markStack
	}

	// roots is the strong root snapshot; rootsNext is the next
	// unclaimed root marking job.
	roots     []*Address
	rootsNext atomic.Uint32

	nidle     atomic.Int32
	completed atomic.Bool
}

func newMark(h *Heap) *mark {
	m := &mark{h: h}
	m.mutators.stacks = make(map[int]*markStack)
	return m
}

func (m *mark) getEmpty() *markBuf {
	if b := m.empty.pop(); b != nil {
		return b
	}
	return new(markBuf)
}

// start resets the marking state and snapshots the strong roots.
// Called from markStart, inside the safepoint.
func (m *mark) start() {
	m.roots = m.h.roots.StrongRoots()
	m.rootsNext.Store(0)
	m.completed.Store(false)
	nw := m.h.workers.nworkers()
	m.workerStacks = make([]markStack, nw)
	for i := range m.workerStacks {
		m.workerStacks[i].m = m
	}
	m.mutators.lock.Lock()
	m.mutators.stacks = make(map[int]*markStack)
	m.mutators.lock.Unlock()
}

// mark performs one concurrent marking pass on all workers. It is
// idempotent: once roots are claimed and the work lists drained,
// further passes find nothing to do.
func (m *mark) mark() {
	m.nidle.Store(0)
	m.h.workers.run(m.work)
}

func (m *mark) work(worker int) {
	ws := &m.workerStacks[worker]
	for {
		m.markRoots(ws)
		m.drain(ws)

		// Neither local nor claimable work. Idle until every
		// worker agrees, in case an active worker still produces
		// grey entries.
		if m.hasWork() {
			continue
		}
		m.nidle.Add(1)
		for {
			if m.hasWork() {
				m.nidle.Add(-1)
				break
			}
			if int(m.nidle.Load()) == len(m.workerStacks) {
				return
			}
			runtime.Gosched()
		}
	}
}

// markRoots claims and executes root marking jobs.
func (m *mark) markRoots(ws *markStack) {
	if m.rootsNext.Load() >= uint32(len(m.roots)) {
		return
	}
	for {
		i := m.rootsNext.Add(1) - 1
		if i >= uint32(len(m.roots)) {
			return
		}
		slot := m.roots[i]
		ref := *slot
		if ref == 0 {
			continue
		}
		*slot = m.markAndHeal(ref, false, ws)
	}
}

func (m *mark) drain(ws *markStack) {
	for {
		entry, ok := ws.tryGet()
		if !ok {
			return
		}
		m.scanObject(entry, ws)
	}
}

func (m *mark) hasWork() bool {
	return m.rootsNext.Load() < uint32(len(m.roots)) || !m.full.empty()
}

// markAndHeal is the marking barrier: remap the reference through any
// forwarding left from the previous cycle, mark the object, and
// return the reference recolored good. A reference that already
// carries the good color was handled earlier this cycle.
func (m *mark) markAndHeal(ref Address, finalizable bool, ws *markStack) Address {
	as := m.h.as
	if as.isGood(ref) && (finalizable || !as.isFinalizable(ref)) {
		return ref
	}
	offset := m.h.remapOffset(as.canonical(ref))
	m.markObject(offset, finalizable, ws)
	if finalizable {
		return as.finalizableGood(offset)
	}
	return as.good(offset)
}

func (m *mark) markObject(offset uint64, finalizable bool, ws *markStack) {
	page := m.h.pagetable.get(offset)
	if page == nil || !page.isIn(offset) {
		throw("mark: reference outside heap")
	}
	if !page.BlockIsObj(offset) {
		throw("mark: reference does not address an object start")
	}
	cycle := m.h.seqnum.Load()
	first, upgrade := page.live.set(cycle, page.index(offset), finalizable)
	if first {
		page.live.accountLive(page.BlockSize(offset))
	}
	if first || upgrade {
		entry := offset
		if finalizable {
			entry |= markEntryFinalizable
		}
		ws.put(entry)
	}
}

func (m *mark) scanObject(entry uint64, ws *markStack) {
	offset := entry &^ markEntryFinalizable
	finalizable := entry&markEntryFinalizable != 0
	as := m.h.as
	var addr Address
	if finalizable {
		addr = as.finalizableGood(offset)
	} else {
		addr = as.good(offset)
	}
	m.h.model.Scan(addr, func(ref Address) Address {
		if ref == 0 {
			return 0
		}
		return m.markAndHeal(ref, finalizable, ws)
	})
}

// mutatorStack returns the mark stack for a mutator thread, creating
// it on first use. Each mutator must use its own thread id.
func (m *mark) mutatorStack(tid int) *markStack {
	m.mutators.lock.Lock()
	defer m.mutators.lock.Unlock()
	ws := m.mutators.stacks[tid]
	if ws == nil {
		ws = &markStack{m: m}
		m.mutators.stacks[tid] = ws
	}
	return ws
}

// flushAndFree publishes a mutator thread's partially accumulated
// work and frees its stack. Called when a thread exits mid-cycle.
func (m *mark) flushAndFree(tid int) {
	m.mutators.lock.Lock()
	ws := m.mutators.stacks[tid]
	delete(m.mutators.stacks, tid)
	m.mutators.lock.Unlock()
	if ws != nil {
		ws.dispose()
	}
}

// end attempts to terminate marking. The world is stopped. Every
// stack is flushed; if any held work, or root jobs or global work
// remain, termination fails and the caller must re-enter concurrent
// marking. This is a retry, not an error.
func (m *mark) end() bool {
	flushed := false
	for i := range m.workerStacks {
		ws := &m.workerStacks[i]
		ws.dispose()
		if ws.flushedWork {
			flushed = true
			ws.flushedWork = false
		}
	}
	m.mutators.lock.Lock()
	for tid, ws := range m.mutators.stacks {
		ws.dispose()
		if ws.flushedWork {
			flushed = true
		}
		delete(m.mutators.stacks, tid)
	}
	m.mutators.lock.Unlock()

	if flushed || m.hasWork() {
		return false
	}
	m.completed.Store(true)
	return true
}
