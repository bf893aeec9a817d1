// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Page allocator.
//
// The allocator owns a reserved virtual address range and carves
// pages out of it with an address-ordered bump, recycling freed small
// and medium pages through per-type caches and freed large ranges
// through a first-fit free list. Capacity counts bytes ever
// committed; used/allocated/reclaimed and the high/low watermarks are
// the per-cycle statistics the relocation-set selector and the pacing
// policy read.
//
// Deletion of freed pages can be deferred: while any deferred-delete
// guard is held, freed pages are queued instead of recycled, so a
// concurrent page-table iteration never observes a destroyed page.
// The queue drains when the last guard is released.

package zgc

import (
	"sync"
	"sync/atomic"
)

// allocFlags qualifies a page allocation request.
type allocFlags uint8

const (
	// allocFlagWorker marks an allocation made by a GC worker for
	// relocation destinations.
	allocFlagWorker allocFlags = 1 << iota

	// allocFlagNonBlocking requests a fast failure instead of any
	// reclaim effort when the heap is full.
	allocFlagNonBlocking
)

type addrRange struct {
	start, size uint64
}

type pageAllocator struct {
	maxCapacity      uint64
	addressSpaceSize uint64
	pageSizeSmall    uint64
	pageSizeMedium   uint64
	alignment        uint64

	// seq is the collection cycle counter, owned by Heap; pages
	// record it at allocation to derive allocating/relocatable
	// state.
	seq *atomic.Uint32

	lock        sync.Mutex
	next        uint64 // bump carve position in the virtual range
	cacheSmall  []*Page
	cacheMedium []*Page
	freeRanges  []addrRange

	capacity  atomic.Uint64
	used      atomic.Uint64
	usedHigh  atomic.Uint64
	usedLow   atomic.Uint64
	allocated atomic.Uint64
	reclaimed atomic.Uint64

	dd struct {
		lock   sync.Mutex
		guards int
		queue  []*Page
	}
}

func newPageAllocator(cfg HeapConfig, seq *atomic.Uint32) *pageAllocator {
	return &pageAllocator{
		maxCapacity:      cfg.MaxCapacity,
		addressSpaceSize: cfg.AddressSpaceSize,
		pageSizeSmall:    cfg.PageSizeSmall,
		pageSizeMedium:   cfg.PageSizeMedium,
		alignment:        cfg.ObjectAlignment,
		seq:              seq,
	}
}

// pageSize returns the backing size for an allocation request.
func (a *pageAllocator) pageSize(pagetype PageType, size uint64) uint64 {
	switch pagetype {
	case PageTypeSmall:
		return a.pageSizeSmall
	case PageTypeMedium:
		return a.pageSizeMedium
	case PageTypeLarge:
		return alignUp(size, a.pageSizeSmall)
	}
	throw("invalid page type")
	return 0
}

// allocPage allocates a page of the given type. A nil return signals
// allocation failure: the heap is at max capacity and the address
// space holds no reusable range. This is an expected condition that
// the object-allocation collaborator turns into the runtime's
// out-of-memory path, not an error.
func (a *pageAllocator) allocPage(pagetype PageType, size uint64, flags allocFlags) *Page {
	psize := a.pageSize(pagetype, size)
	seq := a.seq.Load()

	a.lock.Lock()
	page := a.reusePage(pagetype, psize, seq)
	if page == nil {
		page = a.carvePage(pagetype, psize, seq)
	}
	a.lock.Unlock()

	if page == nil {
		return nil
	}

	a.used.Add(psize)
	a.allocated.Add(psize)
	a.updateUsedHigh()
	return page
}

// reusePage satisfies the request from the type caches or the free
// ranges. Caller holds a.lock.
func (a *pageAllocator) reusePage(pagetype PageType, psize uint64, seq uint32) *Page {
	switch pagetype {
	case PageTypeSmall:
		if n := len(a.cacheSmall); n > 0 {
			page := a.cacheSmall[n-1]
			a.cacheSmall = a.cacheSmall[:n-1]
			page.resetForReuse(seq)
			return page
		}
	case PageTypeMedium:
		if n := len(a.cacheMedium); n > 0 {
			page := a.cacheMedium[n-1]
			a.cacheMedium = a.cacheMedium[:n-1]
			page.resetForReuse(seq)
			return page
		}
	}
	// First fit over freed ranges; any remainder stays on the list.
	for i, r := range a.freeRanges {
		if r.size < psize {
			continue
		}
		if r.size == psize {
			a.freeRanges = append(a.freeRanges[:i], a.freeRanges[i+1:]...)
		} else {
			a.freeRanges[i] = addrRange{r.start + psize, r.size - psize}
		}
		return newPage(pagetype, r.start, psize, a.alignment, seq)
	}
	return nil
}

// carvePage commits a fresh range from the reserved space. Caller
// holds a.lock.
func (a *pageAllocator) carvePage(pagetype PageType, psize uint64, seq uint32) *Page {
	if a.capacity.Load()+psize > a.maxCapacity {
		return nil
	}
	if a.next+psize > a.addressSpaceSize {
		return nil
	}
	start := a.next
	a.next += psize
	a.capacity.Add(psize)
	return newPage(pagetype, start, psize, a.alignment, seq)
}

// freePage returns a page to the allocator. reclaimed distinguishes
// garbage reclamation from an allocation undo for the statistics.
func (a *pageAllocator) freePage(page *Page, reclaimed bool) {
	a.accountFree(page.size, reclaimed)
	a.recyclePage(page)
}

// accountFree updates the usage statistics for a page leaving the
// heap. Split from recyclePage so an evacuated page can be accounted
// reclaimed while its range is withheld from reuse.
func (a *pageAllocator) accountFree(size uint64, reclaimed bool) {
	if reclaimed {
		a.reclaimed.Add(size)
	}
	a.used.Add(^(size - 1)) // used -= size
	a.updateUsedLow()
}

// recyclePage makes the page's range available for allocation again.
// While deferred deletion is in effect the page is queued and remains
// intact until the last guard is released.
func (a *pageAllocator) recyclePage(page *Page) {
	a.dd.lock.Lock()
	if a.dd.guards > 0 {
		a.dd.queue = append(a.dd.queue, page)
		a.dd.lock.Unlock()
		return
	}
	a.dd.lock.Unlock()
	a.destroyPage(page)
}

// destroyPage recycles the page's range. Must not be called while a
// deferred-delete guard could still observe the page.
func (a *pageAllocator) destroyPage(page *Page) {
	a.lock.Lock()
	switch page.pagetype {
	case PageTypeSmall:
		a.cacheSmall = append(a.cacheSmall, page)
	case PageTypeMedium:
		a.cacheMedium = append(a.cacheMedium, page)
	case PageTypeLarge:
		a.freeRanges = append(a.freeRanges, addrRange{page.start, page.size})
	}
	a.lock.Unlock()
}

// deferredDeleteGuard keeps freed pages from being destroyed for as
// long as it is held. Guards nest; the queued pages drain when the
// last one is released. Release is idempotent so the guard is safe on
// early-return paths.
type deferredDeleteGuard struct {
	a        *pageAllocator
	released bool
}

// deferDeletes enters deferred-delete mode and returns the guard
// scoping it.
func (a *pageAllocator) deferDeletes() *deferredDeleteGuard {
	a.dd.lock.Lock()
	a.dd.guards++
	a.dd.lock.Unlock()
	return &deferredDeleteGuard{a: a}
}

func (g *deferredDeleteGuard) Release() {
	if g.released {
		return
	}
	g.released = true

	a := g.a
	a.dd.lock.Lock()
	a.dd.guards--
	if a.dd.guards < 0 {
		throw("unbalanced deferred-delete guard release")
	}
	var drained []*Page
	if a.dd.guards == 0 {
		drained = a.dd.queue
		a.dd.queue = nil
	}
	a.dd.lock.Unlock()

	for _, page := range drained {
		a.destroyPage(page)
	}
}

func (a *pageAllocator) updateUsedHigh() {
	used := a.used.Load()
	for {
		high := a.usedHigh.Load()
		if used <= high || a.usedHigh.CompareAndSwap(high, used) {
			return
		}
	}
}

func (a *pageAllocator) updateUsedLow() {
	used := a.used.Load()
	for {
		low := a.usedLow.Load()
		if used >= low || a.usedLow.CompareAndSwap(low, used) {
			return
		}
	}
}

// resetStatistics resets the per-cycle counters. Called at mark start
// while the world is stopped.
func (a *pageAllocator) resetStatistics() {
	a.allocated.Store(0)
	a.reclaimed.Store(0)
	used := a.used.Load()
	a.usedHigh.Store(used)
	a.usedLow.Store(used)
}
