// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "sync/atomic"

// PageType classifies a page by size. Small and medium pages have
// fixed sizes and hold many objects; a large page holds exactly one
// object and is sized for it. Large pages are never relocated.
type PageType uint8

const (
	PageTypeSmall PageType = iota
	PageTypeMedium
	PageTypeLarge
)

func (t PageType) String() string {
	switch t {
	case PageTypeSmall:
		return "Small"
	case PageTypeMedium:
		return "Medium"
	case PageTypeLarge:
		return "Large"
	}
	return "Unknown"
}

// A Page is a contiguous, typed region of the heap: the unit of
// allocation, marking and relocation. It is owned exclusively by the
// page allocator once allocated, referenced (never owned) by the page
// table, and by the relocation set while selected.
//
// Objects are bump-allocated from the start of the page. A bitmap of
// object starts, maintained at allocation time, backs the
// BlockStart/BlockSize/BlockIsObj queries the object-model
// collaborator uses to parse the page.
type Page struct {
	pagetype  PageType
	start     uint64
	size      uint64
	alignment uint64

	// seqnum is the collection cycle the page was allocated in. A
	// page is "allocating" during that cycle and becomes
	// relocatable in the next one.
	seqnum uint32

	// top is the bump pointer, as an offset from start.
	top atomic.Uint64

	// objectStarts has one bit per alignment granule, set when an
	// object is allocated at that granule.
	objectStarts []atomic.Uint64

	live *livemap

	// mem backs the page's payload. It stands in for the physical
	// memory the real collector maps under its address views.
	mem []byte
}

func newPage(pagetype PageType, start, size, alignment uint64, seqnum uint32) *Page {
	granules := size / alignment
	return &Page{
		pagetype:     pagetype,
		start:        start,
		size:         size,
		alignment:    alignment,
		seqnum:       seqnum,
		objectStarts: make([]atomic.Uint64, (granules+63)/64),
		live:         newLivemap(granules),
		mem:          make([]byte, size),
	}
}

func (p *Page) Type() PageType { return p.pagetype }
func (p *Page) Start() uint64  { return p.start }
func (p *Page) Size() uint64   { return p.size }

func (p *Page) end() uint64 { return p.start + p.size }

// isIn reports whether offset points into the allocated part of the
// page.
func (p *Page) isIn(offset uint64) bool {
	return offset >= p.start && offset < p.start+p.top.Load()
}

func (p *Page) index(offset uint64) uint64 {
	return (offset - p.start) / p.alignment
}

func (p *Page) isAllocating(cycle uint32) bool {
	return p.seqnum == cycle
}

// isRelocatable reports whether the page was allocated before the
// current cycle and therefore holds objects the current mark phase
// has classified.
func (p *Page) isRelocatable(cycle uint32) bool {
	return p.seqnum < cycle
}

// isMarked reports whether any object on the page was marked live in
// the given cycle.
func (p *Page) isMarked(cycle uint32) bool {
	return p.live.isCurrent(cycle) && p.live.liveObjects.Load() > 0
}

func (p *Page) liveBytes(cycle uint32) uint64 {
	if !p.live.isCurrent(cycle) {
		return 0
	}
	return p.live.liveBytes.Load()
}

// allocObject bump-allocates size bytes. It returns the heap offset
// of the new object, or false if the page is exhausted. Safe for
// concurrent use by multiple mutators sharing the page.
func (p *Page) allocObject(size uint64) (uint64, bool) {
	size = alignUp(size, p.alignment)
	for {
		top := p.top.Load()
		if top+size > p.size {
			return 0, false
		}
		if p.top.CompareAndSwap(top, top+size) {
			offset := p.start + top
			p.setObjectStart(p.index(offset))
			return offset, true
		}
	}
}

// undoAllocObject retracts the most recent allocation if no other
// allocation has happened since. If the race is lost the space is
// left as dead wordage for the next cycle to reclaim.
func (p *Page) undoAllocObject(offset, size uint64) bool {
	size = alignUp(size, p.alignment)
	index := p.index(offset)
	if p.top.CompareAndSwap(offset-p.start+size, offset-p.start) {
		p.clearObjectStart(index)
		return true
	}
	return false
}

func (p *Page) setObjectStart(index uint64) {
	word := &p.objectStarts[index/64]
	bit := uint64(1) << (index % 64)
	for {
		old := word.Load()
		if old&bit != 0 || word.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func (p *Page) clearObjectStart(index uint64) {
	word := &p.objectStarts[index/64]
	bit := uint64(1) << (index % 64)
	for {
		old := word.Load()
		if old&bit == 0 || word.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

func (p *Page) isObjectStart(index uint64) bool {
	return p.objectStarts[index/64].Load()>>(index%64)&1 != 0
}

// BlockStart returns the heap offset of the object containing offset.
// The offset must point into the allocated part of the page.
func (p *Page) BlockStart(offset uint64) uint64 {
	if !p.isIn(offset) {
		throw("BlockStart: offset outside allocated page range")
	}
	for i := p.index(offset); ; i-- {
		if p.isObjectStart(i) {
			return p.start + i*p.alignment
		}
		if i == 0 {
			throw("BlockStart: no object start found")
		}
	}
}

// BlockSize returns the size of the object containing offset: the
// distance from its start to the next object start, or to the bump
// pointer for the last object on the page.
func (p *Page) BlockSize(offset uint64) uint64 {
	begin := p.index(p.BlockStart(offset))
	top := p.top.Load() / p.alignment
	for i := begin + 1; i < top; i++ {
		if p.isObjectStart(i) {
			return (i - begin) * p.alignment
		}
	}
	return (top - begin) * p.alignment
}

// BlockIsObj reports whether offset is the start of an allocated
// object.
func (p *Page) BlockIsObj(offset uint64) bool {
	return isAligned(offset-p.start, p.alignment) &&
		offset-p.start < p.top.Load() &&
		p.isObjectStart(p.index(offset))
}

// forEachLiveObject calls fn with the offset and size of every object
// marked live in the given cycle, in address order.
func (p *Page) forEachLiveObject(cycle uint32, fn func(offset, size uint64)) {
	if !p.live.isCurrent(cycle) {
		return
	}
	top := p.top.Load() / p.alignment
	for i := uint64(0); i < top; i++ {
		if p.isObjectStart(i) && p.live.isLive(cycle, i) {
			offset := p.start + i*p.alignment
			fn(offset, p.BlockSize(offset))
		}
	}
}

// resetForReuse prepares a recycled page for a fresh allocation life.
func (p *Page) resetForReuse(seqnum uint32) {
	p.seqnum = seqnum
	p.top.Store(0)
	for i := range p.objectStarts {
		p.objectStarts[i].Store(0)
	}
	p.live.seqnum.Store(0)
	p.live.liveObjects.Store(0)
	p.live.liveBytes.Store(0)
	for i := range p.mem {
		p.mem[i] = 0
	}
}
