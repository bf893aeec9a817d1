// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import (
	"sync"
	"sync/atomic"
)

// relocate executes the relocation set: it copies every live object
// out of each selected page into a destination page and publishes the
// old→new mapping in the page's forwarding.
//
// A copy is made into private destination space first and published
// with a single compare and swap of the forwarding entry. Losing the
// publication race means another thread (a worker, or a mutator
// self-healing through the load barrier) copied the object first; the
// loser retracts its copy and adopts the winner's address.
type relocate struct {
	h *Heap

	targets struct {
		lock  sync.Mutex
		pages [2]*Page // small, medium destination pages
	}

	next    atomic.Uint32
	stalled atomic.Bool
}

func newRelocate(h *Heap) *relocate {
	return &relocate{h: h}
}

// start remaps the roots. Runs synchronously inside the relocate
// start pause: every root slot is healed to the remapped color,
// relocating its target on demand if it lives in the relocation set.
func (r *relocate) start() {
	h := r.h
	for _, slot := range h.roots.StrongRoots() {
		ref := *slot
		if ref == 0 {
			continue
		}
		*slot = h.as.good(h.remapOffset(h.as.canonical(ref)))
	}
	for _, slot := range h.roots.WeakRoots() {
		ref := *slot
		if ref == 0 {
			continue
		}
		*slot = h.as.good(h.remapOffset(h.as.canonical(ref)))
	}
}

// relocateAll copies the relocation set concurrently with mutators.
// Returns false if a destination allocation stalled; the partially
// relocated state is left for the external cycle policy, not retried
// here.
func (r *relocate) relocateAll(rs *relocationSet) bool {
	r.next.Store(0)
	r.stalled.Store(false)
	r.h.workers.run(func(int) {
		for {
			i := r.next.Add(1) - 1
			if i >= uint32(len(rs.forwardings)) {
				return
			}
			r.relocatePage(rs.forwardings[i])
		}
	})
	r.targets.lock.Lock()
	r.targets.pages = [2]*Page{}
	r.targets.lock.Unlock()
	return !r.stalled.Load()
}

func (r *relocate) relocatePage(fwd *forwarding) {
	cycle := r.h.seqnum.Load()
	done := true
	fwd.page.forEachLiveObject(cycle, func(offset, size uint64) {
		if _, ok := r.relocateObject(fwd, offset); !ok {
			done = false
		}
	})
	if done {
		// Every live object has been evacuated: detach the page
		// and account its space reclaimed. The range itself stays
		// out of the allocator while the forwarding is installed;
		// a fresh page in the same range would let a stale
		// reference heal through the old record into the wrong
		// object. The reset of the relocation set recycles it.
		fwd.evacuated.Store(true)
		r.h.detachPage(fwd.page)
	}
}

// relocateObject ensures the object at offset has been copied out of
// its page and returns its new offset. Safe to call concurrently from
// workers and from healing mutators. On allocation stall it reports
// failure, returns the old offset and the old copy stays
// authoritative.
func (r *relocate) relocateObject(fwd *forwarding, offset uint64) (uint64, bool) {
	from := uint32((offset - fwd.start) / fwd.page.alignment)
	if to, ok := fwd.find(from); ok {
		return to, true
	}

	size := fwd.page.BlockSize(offset)
	dest, destOffset, ok := r.allocTarget(fwd.page.pagetype, size)
	if !ok {
		r.stalled.Store(true)
		return offset, false
	}

	// Copy into the private destination, then publish. Until the
	// forwarding entry is visible the old copy is authoritative;
	// after, the new one. No thread can observe a half-forwarded
	// state.
	copy(dest.mem[destOffset-dest.start:destOffset-dest.start+size],
		fwd.page.mem[offset-fwd.start:offset-fwd.start+size])
	to := fwd.insert(from, destOffset)
	if to != destOffset {
		// Lost the publication race. Retract the copy; if the
		// bump pointer moved on, the space is left as dead
		// wordage for the next cycle.
		dest.undoAllocObject(destOffset, size)
	}
	return to, true
}

// allocTarget bump-allocates destination space of the given page
// type, starting a fresh destination page when the current one is
// exhausted. A nil page from the allocator is the relocation stall
// condition.
func (r *relocate) allocTarget(pagetype PageType, size uint64) (*Page, uint64, bool) {
	slot := int(pagetype)
	r.targets.lock.Lock()
	defer r.targets.lock.Unlock()
	for {
		page := r.targets.pages[slot]
		if page != nil {
			if offset, ok := page.allocObject(size); ok {
				return page, offset, true
			}
		}
		fresh := r.h.allocPage(pagetype, size, allocFlagWorker|allocFlagNonBlocking)
		if fresh == nil {
			return nil, 0, false
		}
		r.targets.pages[slot] = fresh
	}
}
