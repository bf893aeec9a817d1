// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "sync/atomic"

// Address is a colored reference. The low OffsetBits bits carry the
// heap offset; the bits immediately above them carry the color
// metadata. At most one of the marked0/marked1/remapped bits is the
// "good" color at any instant, and a load barrier detects a stale
// reference by testing the bad mask in a single and+branch.
type Address uint64

// View identifies which address view is currently good. The marked
// views alternate between consecutive mark phases so that references
// colored in the previous cycle test bad in the next one.
type View uint8

const (
	ViewMarked0 View = iota
	ViewMarked1
	ViewRemapped
)

// addressSpace holds the colored address-space state: the metadata
// bit layout and the current good/bad masks. The masks are mutated
// only by flipToMarked/flipToRemapped, which Heap calls exclusively
// inside safepoint operations, and are read concurrently by every
// barrier; they therefore need sequentially consistent loads and
// stores but no lock.
type addressSpace struct {
	offsetMask   uint64
	marked0      uint64
	marked1      uint64
	remapped     uint64
	finalizable  uint64
	metadataMask uint64

	goodMask atomic.Uint64
	badMask  atomic.Uint64
	view     atomic.Uint32
}

func newAddressSpace(offsetBits uint) *addressSpace {
	a := &addressSpace{
		offsetMask:  1<<offsetBits - 1,
		marked0:     1 << offsetBits,
		marked1:     1 << (offsetBits + 1),
		remapped:    1 << (offsetBits + 2),
		finalizable: 1 << (offsetBits + 3),
	}
	a.metadataMask = a.marked0 | a.marked1 | a.remapped
	// The collector starts out as if a relocate phase had just
	// completed, so the remapped view is initially good.
	a.setView(ViewRemapped)
	return a
}

func (a *addressSpace) setView(v View) {
	var good uint64
	switch v {
	case ViewMarked0:
		good = a.marked0
	case ViewMarked1:
		good = a.marked1
	case ViewRemapped:
		good = a.remapped
	default:
		throw("invalid address view")
	}
	a.view.Store(uint32(v))
	a.goodMask.Store(good)
	a.badMask.Store(a.metadataMask ^ good)
}

// currentView returns the good view.
func (a *addressSpace) currentView() View {
	return View(a.view.Load())
}

// flipToMarked makes the next marked view good. The marked views
// alternate, so every reference colored during the previous cycle
// now tests bad. Must only be called while the world is stopped.
func (a *addressSpace) flipToMarked() {
	if a.currentView() == ViewMarked0 {
		a.setView(ViewMarked1)
	} else {
		a.setView(ViewMarked0)
	}
}

// flipToRemapped makes the remapped view good. Must only be called
// while the world is stopped.
func (a *addressSpace) flipToRemapped() {
	a.setView(ViewRemapped)
}

// canonical maps a raw colored address to its canonical heap offset.
// This is a pure function of the address alone: all views alias the
// same physical pages, so the offset is the view-independent name of
// the object.
func (a *addressSpace) canonical(addr Address) uint64 {
	return uint64(addr) & a.offsetMask
}

// good recolors a heap offset with the current good color.
func (a *addressSpace) good(offset uint64) Address {
	return Address(offset | a.goodMask.Load())
}

// finalizableGood recolors a heap offset with the current good color
// and the finalizable bit. Such a reference is reachable only through
// a FinalReference and is not considered "in the heap" by isIn.
func (a *addressSpace) finalizableGood(offset uint64) Address {
	return Address(offset | a.goodMask.Load() | a.finalizable)
}

// isGood reports whether addr carries the current good color. A null
// reference is neither good nor bad.
func (a *addressSpace) isGood(addr Address) bool {
	return addr != 0 && uint64(addr)&a.goodMask.Load() != 0
}

// isBad reports whether addr carries a stale color and must be healed
// before use.
func (a *addressSpace) isBad(addr Address) bool {
	return addr != 0 && uint64(addr)&a.badMask.Load() != 0
}

// isFinalizable reports whether addr carries the finalizable bit.
func (a *addressSpace) isFinalizable(addr Address) bool {
	return uint64(addr)&a.finalizable != 0
}
