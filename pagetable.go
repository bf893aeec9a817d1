// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "sync/atomic"

// pageTable maps any heap offset to its owning page. It is a dense
// array of atomic page slots, one per address-space granule, so a
// barrier lookup is a shift and a load.
//
// Entries are inserted immediately after a page is allocated and
// removed immediately before it is freed, only by Heap. Readers that
// iterate concurrently with frees must hold a deferred-delete guard
// on the page allocator, which keeps any page they can still observe
// from being destroyed.
type pageTable struct {
	granuleShift uint
	slots        []atomic.Pointer[Page]
}

func newPageTable(addressSpaceSize, granuleSize uint64) *pageTable {
	shift := uint(0)
	for uint64(1)<<shift < granuleSize {
		shift++
	}
	if uint64(1)<<shift != granuleSize {
		throw("page table granule must be a power of two")
	}
	return &pageTable{
		granuleShift: shift,
		slots:        make([]atomic.Pointer[Page], addressSpaceSize>>shift),
	}
}

// get returns the page owning offset, or nil.
func (pt *pageTable) get(offset uint64) *Page {
	i := offset >> pt.granuleShift
	if i >= uint64(len(pt.slots)) {
		return nil
	}
	return pt.slots[i].Load()
}

func (pt *pageTable) insert(page *Page) {
	for i := page.start >> pt.granuleShift; i < page.end()>>pt.granuleShift; i++ {
		if pt.slots[i].Load() != nil {
			throw("page table slot already occupied")
		}
		pt.slots[i].Store(page)
	}
}

func (pt *pageTable) remove(page *Page) {
	for i := page.start >> pt.granuleShift; i < page.end()>>pt.granuleShift; i++ {
		if pt.slots[i].Load() != page {
			throw("page table slot does not hold expected page")
		}
		pt.slots[i].Store(nil)
	}
}

// forEach visits every distinct page in the table in address order.
// The caller must hold a deferred-delete guard if frees can run
// concurrently.
func (pt *pageTable) forEach(fn func(page *Page) bool) {
	var last *Page
	for i := range pt.slots {
		page := pt.slots[i].Load()
		if page == nil || page == last {
			continue
		}
		last = page
		if !fn(page) {
			return
		}
	}
}

// count returns the number of distinct pages in the table.
func (pt *pageTable) count() int {
	n := 0
	pt.forEach(func(*Page) bool {
		n++
		return true
	})
	return n
}
