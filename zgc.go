// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zgc implements the orchestration core of a concurrent,
// region-based, relocating garbage collector for a managed-memory
// runtime.
//
// The collector runs concurrently with mutator threads, is region
// based (pages are the unit of allocation, marking and relocation),
// and compacts the heap by relocating live objects out of sparsely
// populated pages while mutators continue to run. Staleness of
// references is detected by colored pointers: metadata bits embedded
// in the unused high bits of every reference, combined with a global
// "good color" that is flipped at the two short safepoint operations
// that bound each cycle.
//
// A collection cycle decomposes into the following steps.
//
//  1. Pause Mark Start. Retire thread-local allocation buffers, flip
//     the address view to the next marked color, reset per-cycle
//     statistics and enqueue root marking jobs.
//
//  2. Concurrent Mark. Worker threads drain root jobs and the grey
//     object work lists, marking live objects in page live maps.
//     Mutator barriers may contribute work; a thread exiting
//     mid-cycle flushes its buffers so no work is lost.
//
//  3. Pause Mark End. Try to terminate marking. Termination succeeds
//     only when every mark stack is empty and flushing produces no
//     new work; otherwise the driver re-enters concurrent marking and
//     retries. On success the collector enters the MarkCompleted
//     phase, blocks resurrection of weak/phantom references,
//     processes weak roots and prepares class/code unloading.
//
//  4. Concurrent Process Non-Strong References. Soft, weak, final and
//     phantom references are processed against the mark state. If
//     class unloading is due this cycle the operation returns a
//     pending continuation: resurrection stays blocked until the
//     driver has unloaded classes and finished the continuation.
//
//  5. Concurrent Select Relocation Set. Every relocatable page is
//     classified live or garbage. Garbage pages are reclaimed
//     immediately; a subset of sparse live pages is selected for
//     compaction and forwarding records are installed for them.
//
//  6. Pause Relocate Start. Flip the address view to the remapped
//     color, remap thread-local buffers and relocate the roots.
//
//  7. Concurrent Relocate. Copy live objects out of the selected
//     pages. Mutators racing a copy self-heal through the forwarding
//     records and may relocate an object on demand.
//
// Forwarding records are kept until the next cycle resets the
// relocation set, guaranteeing that any stale reference loaded before
// it was healed can still be redirected.
package zgc

// Phase is the authoritative state of the collector. It is mutated
// only by Heap inside safepoint operations and read concurrently by
// every mutator load barrier.
type Phase uint32

const (
	PhaseIdle Phase = iota
	PhaseMark
	PhaseMarkCompleted
	PhaseRelocate
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseMark:
		return "Mark"
	case PhaseMarkCompleted:
		return "MarkCompleted"
	case PhaseRelocate:
		return "Relocate"
	}
	return "Unknown"
}

// GCCause identifies what triggered a collection cycle. Explicit and
// administrative causes unconditionally imply class unloading; the
// remaining causes unload on the configured frequency.
type GCCause uint8

const (
	CauseNone GCCause = iota
	CauseTimer
	CauseWarmup
	CauseAllocationRate
	CauseAllocationStall
	CauseProactive
	CauseHighUsage
	CauseSystemGC
	CauseDiagnosticCommand
	CauseJVMTIForceGC
	CauseMetadataClearSoftRefs
	CauseFullGCAlot
)

func (c GCCause) String() string {
	switch c {
	case CauseNone:
		return "None"
	case CauseTimer:
		return "Timer"
	case CauseWarmup:
		return "Warmup"
	case CauseAllocationRate:
		return "Allocation Rate"
	case CauseAllocationStall:
		return "Allocation Stall"
	case CauseProactive:
		return "Proactive"
	case CauseHighUsage:
		return "High Usage"
	case CauseSystemGC:
		return "System.gc()"
	case CauseDiagnosticCommand:
		return "Diagnostic Command"
	case CauseJVMTIForceGC:
		return "JVMTI Force GC"
	case CauseMetadataClearSoftRefs:
		return "Metadata GC Clear Soft References"
	case CauseFullGCAlot:
		return "Full GC Alot"
	}
	return "Unknown"
}

// isExplicit reports whether the cause unconditionally implies class
// unloading, independent of the unload frequency.
func (c GCCause) isExplicit() bool {
	switch c {
	case CauseSystemGC, CauseDiagnosticCommand, CauseJVMTIForceGC,
		CauseMetadataClearSoftRefs, CauseFullGCAlot:
		return true
	}
	return false
}

// HeapConfig carries the collector tunables. The zero value of any
// field is replaced by its default.
type HeapConfig struct {
	// MaxCapacity bounds the committed heap size in bytes.
	MaxCapacity uint64

	// AddressSpaceSize is the size of the reserved virtual address
	// range pages are carved from. Must be generously larger than
	// MaxCapacity so relocation always finds fresh ranges.
	AddressSpaceSize uint64

	// PageSizeSmall and PageSizeMedium are the fixed page sizes for
	// the small and medium page types. Large pages are sized per
	// allocation, rounded up to the small page size.
	PageSizeSmall  uint64
	PageSizeMedium uint64

	// ObjectAlignment is the allocation granule within a page.
	ObjectAlignment uint64

	// OffsetBits is the number of address bits that carry the heap
	// offset; the metadata color bits live immediately above them.
	OffsetBits uint

	// Workers is the number of worker threads used for the
	// concurrent phases.
	Workers int

	// UnloadClassesFrequency gates class/code unloading to once
	// every N cycles. Zero disables unloading entirely, except for
	// explicit causes which always unload.
	UnloadClassesFrequency uint32

	// Policy decides which live pages are worth compacting. Nil
	// selects the default fragmentation-limit policy.
	Policy SelectorPolicy

	// FragmentationLimit is the garbage percentage a page must
	// exceed to be worth relocating under the default policy.
	FragmentationLimit float64
}

const (
	defaultPageSizeSmall      = 2 << 20
	defaultPageSizeMedium     = 32 << 20
	defaultObjectAlignment    = 8
	defaultOffsetBits         = 42
	defaultWorkers            = 4
	defaultFragmentationLimit = 25.0
)

func (c HeapConfig) withDefaults() HeapConfig {
	if c.PageSizeSmall == 0 {
		c.PageSizeSmall = defaultPageSizeSmall
	}
	if c.PageSizeMedium == 0 {
		c.PageSizeMedium = defaultPageSizeMedium
	}
	if c.MaxCapacity == 0 {
		c.MaxCapacity = 64 * c.PageSizeSmall
	}
	if c.AddressSpaceSize == 0 {
		c.AddressSpaceSize = 16 * c.MaxCapacity
	}
	if c.ObjectAlignment == 0 {
		c.ObjectAlignment = defaultObjectAlignment
	}
	if c.OffsetBits == 0 {
		c.OffsetBits = defaultOffsetBits
	}
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.FragmentationLimit == 0 {
		c.FragmentationLimit = defaultFragmentationLimit
	}
	if c.Policy == nil {
		c.Policy = FragmentationPolicy{Limit: c.FragmentationLimit}
	}
	return c
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

func isAligned(v, align uint64) bool {
	return v&(align-1) == 0
}
