// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import (
	"math/bits"
	"sync/atomic"
)

// A forwarding records the old→new address mapping for one page in
// the relocation set. Entries are published with a single compare and
// swap of one word, so a concurrent self-healing access observes
// either no entry (the old copy is authoritative) or a complete entry
// (the new copy is authoritative), never a torn state.
//
// The record outlives its page's page-table entry: once fully
// relocated the page is detached and accounted reclaimed, but both
// the forwarding and the page's address range are retained until the
// next cycle resets the relocation set. Stale references loaded
// before relocation can still be redirected in that window, and a
// heal of an object without an entry still copies out of the old
// page, so the range must not be handed back to the allocator before
// the forwarding is removed.
type forwarding struct {
	page    *Page
	start   uint64
	size    uint64
	entries []atomic.Uint64
	mask    uint32

	// evacuated is set when every live object has been copied out
	// and the page detached; the reset path recycles the range of
	// exactly those pages.
	evacuated atomic.Bool
}

// A forwarding entry packs (populated, fromIndex, toOffset) into one
// word. fromIndex is the object's granule index within its page,
// toOffset the new heap offset.
const (
	fwdPopulatedBit = uint64(1) << 63
	fwdFromShift    = 41
	fwdFromBits     = 22
	fwdToMask       = uint64(1)<<fwdFromShift - 1
	fwdFromMask     = uint64(1)<<fwdFromBits - 1
)

func fwdEncode(from uint32, to uint64) uint64 {
	if uint64(from) > fwdFromMask || to > fwdToMask {
		throw("forwarding entry field overflow")
	}
	return fwdPopulatedBit | uint64(from)<<fwdFromShift | to
}

func fwdFrom(entry uint64) uint32 { return uint32(entry >> fwdFromShift & fwdFromMask) }
func fwdTo(entry uint64) uint64   { return entry & fwdToMask }

func newForwarding(page *Page, cycle uint32) *forwarding {
	nobjects := uint64(page.live.liveObjects.Load())
	if !page.live.isCurrent(cycle) {
		nobjects = 0
	}
	n := uint64(8)
	for n < nobjects*2 {
		n *= 2
	}
	return &forwarding{
		page:    page,
		start:   page.start,
		size:    page.size,
		entries: make([]atomic.Uint64, n),
		mask:    uint32(n - 1),
	}
}

func (f *forwarding) hash(from uint32) uint32 {
	return uint32(bits.Reverse32(from*0x9e3779b9)) & f.mask
}

// insert publishes the mapping from→to. If another thread already
// published a mapping for the same object, the race is lost and the
// winner's target offset is returned instead; the caller must discard
// its copy.
func (f *forwarding) insert(from uint32, to uint64) uint64 {
	encoded := fwdEncode(from, to)
	for i := f.hash(from); ; i = (i + 1) & f.mask {
		slot := &f.entries[i]
		for {
			entry := slot.Load()
			if entry == 0 {
				if slot.CompareAndSwap(0, encoded) {
					return to
				}
				continue
			}
			if fwdFrom(entry) == from {
				return fwdTo(entry)
			}
			break // occupied by another object, keep probing
		}
	}
}

// find returns the new offset of the object at granule index from, if
// one has been published.
func (f *forwarding) find(from uint32) (uint64, bool) {
	for i := f.hash(from); ; i = (i + 1) & f.mask {
		entry := f.entries[i].Load()
		if entry == 0 {
			return 0, false
		}
		if fwdFrom(entry) == from {
			return fwdTo(entry), true
		}
	}
}

// forwardingTable maps a heap offset to the forwarding of its page,
// using the same granule indexing as the page table. Mutated only by
// Heap when the relocation set is installed and reset.
type forwardingTable struct {
	granuleShift uint
	slots        []atomic.Pointer[forwarding]
}

func newForwardingTable(addressSpaceSize, granuleSize uint64) *forwardingTable {
	shift := uint(0)
	for uint64(1)<<shift < granuleSize {
		shift++
	}
	return &forwardingTable{
		granuleShift: shift,
		slots:        make([]atomic.Pointer[forwarding], addressSpaceSize>>shift),
	}
}

func (ft *forwardingTable) get(offset uint64) *forwarding {
	i := offset >> ft.granuleShift
	if i >= uint64(len(ft.slots)) {
		return nil
	}
	return ft.slots[i].Load()
}

func (ft *forwardingTable) insert(f *forwarding) {
	for i := f.start >> ft.granuleShift; i < (f.start+f.size)>>ft.granuleShift; i++ {
		if ft.slots[i].Load() != nil {
			throw("forwarding table slot already occupied")
		}
		ft.slots[i].Store(f)
	}
}

func (ft *forwardingTable) remove(f *forwarding) {
	for i := f.start >> ft.granuleShift; i < (f.start+f.size)>>ft.granuleShift; i++ {
		if ft.slots[i].Load() != f {
			throw("forwarding table slot does not hold expected forwarding")
		}
		ft.slots[i].Store(nil)
	}
}
