// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "sync/atomic"

// Heap is the collector's orchestrator and the single source of truth
// for the global phase. It owns the page allocator, page table,
// marking engine, relocation machinery and reference processing, and
// exposes the ordered set of phase-transition operations the external
// cycle driver invokes.
//
// Operations documented as pause operations must run inside a
// safepoint (via the Safepointer collaborator) and assert so; all
// other operations run concurrently with mutators.
//
// A Heap is constructed by NewHeap and passed explicitly to every
// collaborator that needs it; there is no process-wide instance.
type Heap struct {
	cfg HeapConfig

	as        *addressSpace
	workers   *workers
	model     ObjectModel
	roots     RootSet
	safepoint Safepointer

	// seqnum is the collection cycle counter. phase is the global
	// collector phase, sequentially consistent because every
	// mutator barrier consults it.
	seqnum atomic.Uint32
	phase  atomic.Uint32
	cause  atomic.Uint32

	allocator *pageAllocator
	pagetable *pageTable
	fwdtable  *forwardingTable
	mark      *mark
	refproc   *referenceProcessor
	weakroots *weakRootsProcessor
	unloader  *unloader
	reloc     *relocate
	rset      relocationSet
	objalloc  *objectAllocator
	sampler   *objectSampler
	stats     heapStats

	resurrectionBlocked atomic.Bool
}

// Collaborators bundles the external collaborators a Heap is wired
// to. Model, Roots and Safepoint are required; Metadata is optional
// (class unloading becomes a no-op without it).
type Collaborators struct {
	Model     ObjectModel
	Roots     RootSet
	Safepoint Safepointer
	Metadata  MetadataRegistry
}

// NewHeap constructs the collector. The configuration is validated up
// front; a malformed configuration is a fatal error, not a runtime
// condition.
func NewHeap(cfg HeapConfig, c Collaborators) *Heap {
	cfg = cfg.withDefaults()
	if c.Model == nil || c.Roots == nil || c.Safepoint == nil {
		throw("missing required collaborator")
	}
	if cfg.PageSizeSmall&(cfg.PageSizeSmall-1) != 0 {
		throw("small page size must be a power of two")
	}
	if !isAligned(cfg.PageSizeMedium, cfg.PageSizeSmall) {
		throw("medium page size must be a multiple of the small page size")
	}
	if !isAligned(cfg.AddressSpaceSize, cfg.PageSizeSmall) {
		throw("address space size must be a multiple of the small page size")
	}
	if cfg.AddressSpaceSize > 1<<cfg.OffsetBits {
		throw("address space does not fit in the configured offset bits")
	}
	if cfg.AddressSpaceSize > fwdToMask+1 {
		throw("address space too large for forwarding entries")
	}
	if cfg.PageSizeMedium/cfg.ObjectAlignment > fwdFromMask+1 {
		throw("page granule count too large for forwarding entries")
	}

	h := &Heap{
		cfg:       cfg,
		as:        newAddressSpace(cfg.OffsetBits),
		workers:   newWorkers(cfg.Workers),
		model:     c.Model,
		roots:     c.Roots,
		safepoint: c.Safepoint,
	}
	h.seqnum.Store(1)
	h.phase.Store(uint32(PhaseIdle))
	h.allocator = newPageAllocator(cfg, &h.seqnum)
	h.pagetable = newPageTable(cfg.AddressSpaceSize, cfg.PageSizeSmall)
	h.fwdtable = newForwardingTable(cfg.AddressSpaceSize, cfg.PageSizeSmall)
	h.mark = newMark(h)
	h.refproc = newReferenceProcessor(h)
	h.weakroots = &weakRootsProcessor{h: h}
	h.unloader = &unloader{h: h, registry: c.Metadata}
	h.reloc = newRelocate(h)
	h.objalloc = &objectAllocator{h: h}
	h.sampler = newObjectSampler()
	return h
}

// Phase returns the current global phase.
func (h *Heap) Phase() Phase { return Phase(h.phase.Load()) }

func (h *Heap) setPhase(p Phase) { h.phase.Store(uint32(p)) }

// CurrentCycle returns the collection cycle sequence number.
func (h *Heap) CurrentCycle() uint32 { return h.seqnum.Load() }

// SetGCCause records what triggered the cycle about to run; the
// unload gating consults it.
func (h *Heap) SetGCCause(c GCCause) { h.cause.Store(uint32(c)) }

func (h *Heap) gcCause() GCCause { return GCCause(h.cause.Load()) }

func (h *Heap) assertAtSafepoint() {
	if !h.safepoint.IsAtSafepoint() {
		throw("operation requires a safepoint")
	}
}

// Capacity and friends are the serviceability accessors; reading them
// has no effect on collector state.
func (h *Heap) Capacity() uint64    { return h.allocator.capacity.Load() }
func (h *Heap) MaxCapacity() uint64 { return h.cfg.MaxCapacity }
func (h *Heap) Used() uint64        { return h.allocator.used.Load() }
func (h *Heap) UsedHigh() uint64    { return h.allocator.usedHigh.Load() }
func (h *Heap) UsedLow() uint64     { return h.allocator.usedLow.Load() }
func (h *Heap) Allocated() uint64   { return h.allocator.allocated.Load() }
func (h *Heap) Reclaimed() uint64   { return h.allocator.reclaimed.Load() }

// Stats returns the last cycle snapshot.
func (h *Heap) Stats() CycleStats { return h.stats.snapshot() }

func (h *Heap) UndoPageAllocations() uint64 { return h.stats.undoPageAlloc.Value() }
func (h *Heap) OutOfMemoryCount() uint64    { return h.stats.outOfMemory.Value() }
func (h *Heap) RelocationStalls() uint64    { return h.stats.relocationStall.Value() }

// TLAB sizing accessors for the thread-local buffer collaborator.
func (h *Heap) TLABCapacity() uint64 { return h.Capacity() }
func (h *Heap) TLABUsed() uint64     { return h.objalloc.used() }
func (h *Heap) MaxTLABSize() uint64  { return h.objalloc.smallObjectLimit() }

// UnsafeMaxTLABAlloc reports the largest TLAB that can be allocated
// without a fresh backing page, except that when less than the
// minimum useful TLAB remains the full limit is reported, since the
// next TLAB allocation forces a fresh page either way.
func (h *Heap) UnsafeMaxTLABAlloc() uint64 {
	size := h.objalloc.remaining()
	if size < minTLABSize {
		size = h.MaxTLABSize()
	}
	if size > h.MaxTLABSize() {
		size = h.MaxTLABSize()
	}
	return size
}

// IsIn reports whether addr points into the allocated part of a
// page, under any view. An address carrying the finalizable bit is
// not considered to be in the heap.
func (h *Heap) IsIn(addr Address) bool {
	if addr == 0 || h.as.isFinalizable(addr) {
		return false
	}
	offset := h.as.canonical(addr)
	page := h.pagetable.get(offset)
	return page != nil && page.isIn(offset)
}

func (h *Heap) pageOf(addr Address) *Page {
	page := h.pagetable.get(h.as.canonical(addr))
	if page == nil {
		throw("address not backed by a page")
	}
	return page
}

// BlockStart, BlockSize and BlockIsObj delegate the object-parsing
// queries to the owning page.
func (h *Heap) BlockStart(addr Address) uint64 {
	return h.pageOf(addr).BlockStart(h.as.canonical(addr))
}

func (h *Heap) BlockSize(addr Address) uint64 {
	return h.pageOf(addr).BlockSize(h.as.canonical(addr))
}

func (h *Heap) BlockIsObj(addr Address) bool {
	return h.pageOf(addr).BlockIsObj(h.as.canonical(addr))
}

// allocPage allocates a page and indexes it in the page table. A nil
// return is an allocation failure for the caller to handle.
func (h *Heap) allocPage(pagetype PageType, size uint64, flags allocFlags) *Page {
	page := h.allocator.allocPage(pagetype, size, flags)
	if page != nil {
		h.pagetable.insert(page)
	}
	return page
}

// undoAllocPage returns a page that was obtained but never used, such
// as one losing the race to install a fresh allocation page.
func (h *Heap) undoAllocPage(page *Page) {
	if !page.isAllocating(h.seqnum.Load()) {
		throw("undo of a page that is not in allocating state")
	}
	h.stats.undoPageAlloc.inc()
	h.freePage(page, false)
}

// freePage removes the page table entry and frees the page.
func (h *Heap) freePage(page *Page, reclaimed bool) {
	h.pagetable.remove(page)
	h.allocator.freePage(page, reclaimed)
}

// detachPage removes an evacuated page from the page table and
// accounts its space reclaimed without returning its range to the
// allocator: the page's forwarding is still installed and healing
// threads may yet read old copies out of it. ResetRelocationSet
// completes the free.
func (h *Heap) detachPage(page *Page) {
	h.pagetable.remove(page)
	h.allocator.accountFree(page.size, true)
}

// AllocObject allocates an object and returns its good-colored
// address, or zero after the out-of-memory bookkeeping ran. The zero
// return is the allocation-failure signal the object-allocation
// collaborator turns into the runtime's OutOfMemoryError path.
func (h *Heap) AllocObject(size uint64) Address {
	addr := h.objalloc.alloc(size)
	if addr != 0 {
		h.sampler.sampleAlloc(addr, size, h.seqnum.Load())
	}
	return addr
}

func (h *Heap) outOfMemory() {
	h.stats.outOfMemory.inc()
}

// remapOffset follows the forwarding of offset, if any. An object
// without an entry is relocated on demand; an installed forwarding
// means its relocation set has not been reset yet, so the source
// page's range is withheld from the allocator and the old copy is
// still readable.
func (h *Heap) remapOffset(offset uint64) uint64 {
	fwd := h.fwdtable.get(offset)
	if fwd == nil {
		return offset
	}
	from := uint32((offset - fwd.start) / fwd.page.alignment)
	if to, ok := fwd.find(from); ok {
		return to
	}
	to, _ := h.reloc.relocateObject(fwd, offset)
	return to
}

// LoadBarrier is the slow path of the mutator load barrier: heal a
// stale reference to the current good color, contributing mark work
// during the mark phase and relocating on demand during the relocate
// phase. tid identifies the mutator thread for mark-work buffering.
func (h *Heap) LoadBarrier(tid int, ref Address) Address {
	if ref == 0 || h.as.isGood(ref) {
		return ref
	}
	if h.Phase() == PhaseMark {
		return h.mark.markAndHeal(ref, false, h.mark.mutatorStack(tid))
	}
	return h.as.good(h.remapOffset(h.as.canonical(ref)))
}

// MarkFlushAndFree publishes and frees the mark-work buffers of a
// mutator thread that is exiting mid-cycle.
func (h *Heap) MarkFlushAndFree(tid int) {
	h.mark.flushAndFree(tid)
}

// KeepAlive keeps the object at addr and everything reachable from it
// alive, for Reference.get during the resurrection block window.
func (h *Heap) KeepAlive(addr Address) {
	if addr == 0 {
		return
	}
	offset := h.remapOffset(h.as.canonical(addr))
	ws := markStack{m: h.mark}
	h.mark.markObject(offset, false, &ws)
	h.mark.drain(&ws)
	ws.dispose()
}

// isStronglyLiveOffset reports whether the object at offset was
// strongly marked this cycle. Objects on pages allocated during the
// cycle are implicitly live.
func (h *Heap) isStronglyLiveOffset(offset uint64) bool {
	page := h.pagetable.get(offset)
	if page == nil || !page.isIn(offset) {
		return false
	}
	cycle := h.seqnum.Load()
	if page.isAllocating(cycle) {
		return true
	}
	return page.live.isStronglyLive(cycle, page.index(offset))
}

func (h *Heap) isLiveOffset(offset uint64) bool {
	page := h.pagetable.get(offset)
	if page == nil || !page.isIn(offset) {
		return false
	}
	cycle := h.seqnum.Load()
	if page.isAllocating(cycle) {
		return true
	}
	return page.live.isLive(cycle, page.index(offset))
}

// MarkStart begins a collection cycle. Pause operation: retires
// TLABs, flips the address view to the next marked color, resets the
// per-cycle statistics and enqueues the root marking jobs.
func (h *Heap) MarkStart() {
	h.assertAtSafepoint()
	switch h.Phase() {
	case PhaseIdle, PhaseRelocate:
	default:
		throw("mark start in wrong phase")
	}

	h.stats.usedBeforeMark.sample(h.Used())

	h.objalloc.retireTLABs()
	h.as.flipToMarked()
	h.allocator.resetStatistics()
	h.refproc.resetStatistics()

	cycle := h.seqnum.Add(1)
	h.setPhase(PhaseMark)
	h.mark.start()

	h.stats.setAtMarkStart(cycle, h.Capacity(), h.Used())
}

// Mark performs one concurrent marking pass. May be called any number
// of times between MarkStart and a successful MarkEnd; extra passes
// find no work.
func (h *Heap) Mark() {
	if h.Phase() != PhaseMark {
		throw("mark outside mark phase")
	}
	h.mark.mark()
}

// MarkEnd tries to terminate marking. Pause operation. A false return
// means work remains and the caller must re-enter concurrent marking;
// this is a retry, not an error. On success the collector enters
// MarkCompleted, blocks resurrection, processes weak roots and
// prepares unloading.
func (h *Heap) MarkEnd() bool {
	h.assertAtSafepoint()
	if h.Phase() != PhaseMark {
		throw("mark end outside mark phase")
	}

	// Discovered FinalReferences queue finalizable marking; turning
	// it into work here makes this attempt fail and reschedules
	// concurrent marking to trace it.
	h.refproc.flushFinalizableMarkWork(h.mark)

	if !h.mark.end() {
		return false
	}

	h.setPhase(PhaseMarkCompleted)
	h.stats.usedAfterMark.sample(h.Used())
	h.stats.setAtMarkEnd(h.Used())

	h.resurrectionBlocked.Store(true)
	h.weakroots.processWeakRoots()
	h.unloader.prepare()

	h.sampler.pruneDead(h.sampleLiveness)
	return true
}

// sampleLiveness resolves a sampled address against the mark state:
// dead samples are dropped, surviving ones healed.
func (h *Heap) sampleLiveness(addr Address) (Address, bool) {
	offset := h.as.canonical(addr)
	if fwd := h.fwdtable.get(offset); fwd != nil {
		from := uint32((offset - fwd.start) / fwd.page.alignment)
		to, ok := fwd.find(from)
		if !ok {
			return 0, false
		}
		offset = to
	}
	if !h.isLiveOffset(offset) {
		return 0, false
	}
	return h.as.good(offset), true
}

// RefsContinuation is the tagged continuation returned by
// ProcessNonStrongReferences. When Pending, class unloading is due
// and resurrection stays blocked until Finish is called; calling
// Finish on a completed continuation is a protocol violation.
type RefsContinuation struct {
	h       *Heap
	pending bool
	done    bool
}

func (c *RefsContinuation) Pending() bool { return c.pending && !c.done }

func (c *RefsContinuation) Finish() {
	if !c.pending {
		throw("finish of reference processing that already completed")
	}
	if c.done {
		throw("reference processing continuation finished twice")
	}
	c.done = true
	c.h.unblockResurrectionAndEnqueue()
}

// ProcessNonStrongReferences applies soft/weak/final/phantom policy
// and processes concurrent weak roots. If class unloading is due this
// cycle the returned continuation is pending: resurrection remains
// blocked, because unloading must happen strictly before any
// finalizer can observe the affected classes, and the caller must
// invoke UnloadClass and then Finish. Otherwise resurrection is
// unblocked and the references enqueued before returning.
func (h *Heap) ProcessNonStrongReferences() *RefsContinuation {
	if h.Phase() != PhaseMarkCompleted {
		throw("reference processing outside mark completed phase")
	}
	if !h.resurrectionBlocked.Load() {
		throw("reference processing without blocked resurrection")
	}

	h.refproc.process()
	h.weakroots.processConcurrentWeakRoots()

	if h.ShouldUnloadClass() {
		return &RefsContinuation{h: h, pending: true}
	}
	h.unblockResurrectionAndEnqueue()
	return &RefsContinuation{h: h}
}

// unblockResurrectionAndEnqueue unblocks resurrection and then
// enqueues the processed references. The order matters: enqueueing
// first would let a finalizer thread call Reference.get on a
// just-enqueued reference during the block window and incorrectly
// observe null for a merely finalizable-marked referent.
func (h *Heap) unblockResurrectionAndEnqueue() {
	h.resurrectionBlocked.Store(false)
	h.refproc.enqueue()
}

// ResurrectionBlocked reports whether weak/phantom resurrection is
// currently blocked.
func (h *Heap) ResurrectionBlocked() bool { return h.resurrectionBlocked.Load() }

// ShouldUnloadClass reports whether this cycle unloads classes:
// unconditionally for explicit and administrative causes, otherwise
// on the configured frequency (zero disables).
func (h *Heap) ShouldUnloadClass() bool {
	if h.gcCause().isExplicit() {
		return true
	}
	freq := h.cfg.UnloadClassesFrequency
	return freq != 0 && (h.seqnum.Load()-1)%freq == 0
}

// UnloadClass unloads unused classes and code. Pause operation; must
// run strictly between blocking and unblocking resurrection.
func (h *Heap) UnloadClass() {
	h.assertAtSafepoint()
	if !h.resurrectionBlocked.Load() {
		throw("class unloading requires blocked resurrection")
	}
	h.unloader.unload()
}

// SetSoftReferencePolicy selects whether the next cycle clears soft
// references.
func (h *Heap) SetSoftReferencePolicy(clear bool) {
	h.refproc.setSoftReferencePolicy(clear)
}

// DiscoverReference offers a reference object encountered during
// marking. A true return means the collector took ownership of the
// referent's fate and the model must not trace through it.
func (h *Heap) DiscoverReference(ref *Reference) bool {
	return h.refproc.discover(ref)
}

// PendingReferences drains the enqueued references for the runtime's
// reference-handling thread.
func (h *Heap) PendingReferences() []*Reference {
	return h.refproc.drainPending()
}

// ObjectSamples returns the current leak-diagnostic samples.
func (h *Heap) ObjectSamples() []ObjectSample {
	return h.sampler.Samples()
}

// SelectRelocationSet classifies every relocatable page, reclaims the
// garbage pages immediately (nothing live needs preserving), selects
// the live pages worth compacting and installs their forwardings.
// Runs concurrently; page deletion is deferred for the duration of
// the classification pass so the page table iteration is safe against
// concurrent frees.
func (h *Heap) SelectRelocationSet() {
	if h.Phase() != PhaseMarkCompleted {
		throw("relocation set selection outside mark completed phase")
	}

	cycle := h.seqnum.Load()
	selector := newRelocationSetSelector(cycle, h.cfg.Policy)

	guard := h.allocator.deferDeletes()
	defer guard.Release()
	h.pagetable.forEach(func(page *Page) bool {
		if !page.isRelocatable(cycle) {
			return true
		}
		if page.isMarked(cycle) {
			selector.registerLivePage(page)
		} else {
			selector.registerGarbagePage(page)
			h.freePage(page, true)
		}
		return true
	})
	guard.Release()

	pages := selector.selectPages()
	h.rset.install(pages, cycle)
	for _, fwd := range h.rset.forwardings {
		h.fwdtable.insert(fwd)
	}

	h.stats.setAtSelectRelocationSet(selector.stats)
}

// ResetRelocationSet removes the forwardings of the previous
// relocation set, recycles the withheld ranges of the evacuated pages
// and empties the set. The driver runs this concurrently early in the
// next cycle, keeping the forwardings available for self-healing in
// between.
func (h *Heap) ResetRelocationSet() {
	for _, fwd := range h.rset.forwardings {
		h.fwdtable.remove(fwd)
		if fwd.evacuated.Load() {
			h.allocator.recyclePage(fwd.page)
		}
	}
	h.rset.reset()
	if h.Phase() == PhaseRelocate {
		h.setPhase(PhaseIdle)
	}
}

// RelocateStart enters the relocate phase. Pause operation: flips the
// address view to the remapped color, remaps TLABs and relocates the
// roots.
func (h *Heap) RelocateStart() {
	h.assertAtSafepoint()
	if h.Phase() != PhaseMarkCompleted {
		throw("relocate start outside mark completed phase")
	}
	if h.resurrectionBlocked.Load() {
		throw("relocate start with resurrection still blocked")
	}

	h.stats.usedBeforeRelocation.sample(h.Used())

	h.as.flipToRemapped()
	h.objalloc.remapTLABs()
	h.setPhase(PhaseRelocate)

	h.stats.setAtRelocateStart(h.Used())

	h.reloc.start()
}

// Relocate copies the relocation set concurrently with mutators. A
// false return is an allocation stall: the copy could not complete
// and the partially relocated state is surfaced to the external cycle
// policy rather than retried here.
func (h *Heap) Relocate() bool {
	if h.Phase() != PhaseRelocate {
		throw("relocate outside relocate phase")
	}

	success := h.reloc.relocateAll(&h.rset)

	h.stats.usedAfterRelocation.sample(h.Used())
	if !success {
		h.stats.relocationStall.inc()
	}
	h.stats.setAtRelocateEnd(h.Used(), h.Reclaimed(), success)
	return success
}

// Verify walks all roots and all live objects through the read-only
// iteration interface. Only valid in the MarkCompleted phase: the
// unique window where every reference is either fully marked or
// already reclaimed and no relocation has begun.
func (h *Heap) Verify() {
	h.assertAtSafepoint()
	if h.Phase() != PhaseMarkCompleted {
		throw("verification outside mark completed phase")
	}

	verifyRef := func(ref Address) Address {
		if ref == 0 {
			return 0
		}
		if !h.as.isGood(ref) {
			throw("verify: reference carries a stale color")
		}
		offset := h.as.canonical(ref)
		page := h.pagetable.get(offset)
		if page == nil || !page.BlockIsObj(offset) {
			throw("verify: reference does not address an object")
		}
		if !h.isLiveOffset(offset) {
			throw("verify: reference to an unmarked object")
		}
		return ref
	}

	for _, slot := range h.roots.StrongRoots() {
		verifyRef(*slot)
	}
	for _, slot := range h.roots.WeakRoots() {
		verifyRef(*slot)
	}

	guard := h.allocator.deferDeletes()
	defer guard.Release()
	cycle := h.seqnum.Load()
	h.pagetable.forEach(func(page *Page) bool {
		page.forEachLiveObject(cycle, func(offset, size uint64) {
			h.model.Scan(h.as.good(offset), verifyRef)
		})
		return true
	})
}
