// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "sync/atomic"

// minTLABSize is the smallest useful thread-local allocation buffer;
// unsafeMaxTLABAlloc reports the full limit when less than this
// remains, since the next TLAB allocation will force a fresh backing
// page anyway.
const minTLABSize = 2 << 10

// objectAllocator allocates objects over pages. Small and medium
// objects share per-size-class allocation pages that stand in for the
// thread-local allocation buffers of the real runtime; a large object
// gets a page of its own.
type objectAllocator struct {
	h *Heap

	sharedSmall  atomic.Pointer[Page]
	sharedMedium atomic.Pointer[Page]

	usedBytes atomic.Uint64
}

func (oa *objectAllocator) smallObjectLimit() uint64 {
	return oa.h.cfg.PageSizeSmall / 8
}

func (oa *objectAllocator) mediumObjectLimit() uint64 {
	return oa.h.cfg.PageSizeMedium / 8
}

// alloc allocates an object and returns its good-colored address, or
// zero on allocation failure after out-of-memory bookkeeping.
func (oa *objectAllocator) alloc(size uint64) Address {
	if size == 0 {
		throw("zero-size object allocation")
	}
	size = alignUp(size, oa.h.cfg.ObjectAlignment)
	switch {
	case size <= oa.smallObjectLimit():
		return oa.allocShared(&oa.sharedSmall, PageTypeSmall, size)
	case size <= oa.mediumObjectLimit():
		return oa.allocShared(&oa.sharedMedium, PageTypeMedium, size)
	}
	return oa.allocLarge(size)
}

func (oa *objectAllocator) allocShared(slot *atomic.Pointer[Page], pagetype PageType, size uint64) Address {
	h := oa.h
	for {
		page := slot.Load()
		if page != nil {
			if offset, ok := page.allocObject(size); ok {
				oa.usedBytes.Add(size)
				return h.as.good(offset)
			}
		}
		fresh := h.allocPage(pagetype, size, 0)
		if fresh == nil {
			h.outOfMemory()
			return 0
		}
		if !slot.CompareAndSwap(page, fresh) {
			// Lost the race to install the fresh allocation
			// page; undo and retry against the winner's page.
			h.undoAllocPage(fresh)
			continue
		}
	}
}

func (oa *objectAllocator) allocLarge(size uint64) Address {
	h := oa.h
	page := h.allocPage(PageTypeLarge, size, 0)
	if page == nil {
		h.outOfMemory()
		return 0
	}
	offset, ok := page.allocObject(size)
	if !ok {
		throw("large page cannot fit its object")
	}
	oa.usedBytes.Add(size)
	return h.as.good(offset)
}

// retireTLABs detaches the shared allocation pages so the next
// allocation starts fresh ones. Called at mark start while the world
// is stopped.
func (oa *objectAllocator) retireTLABs() {
	oa.sharedSmall.Store(nil)
	oa.sharedMedium.Store(nil)
}

// remapTLABs is the relocate-start counterpart of retireTLABs. The
// shared allocation pages record plain offsets and every allocation
// colors its return address on the way out, so nothing stored here
// needs recoloring under the flipped view; a thread-local buffer
// implementation holding colored start/top/end addresses would remap
// them in this pause.
func (oa *objectAllocator) remapTLABs() {}

func (oa *objectAllocator) used() uint64 {
	return oa.usedBytes.Load()
}

// remaining reports the space left in the current small allocation
// page.
func (oa *objectAllocator) remaining() uint64 {
	page := oa.sharedSmall.Load()
	if page == nil {
		return 0
	}
	return page.size - page.top.Load()
}
