// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
)

// testRuntime implements the collaborator interfaces over the page
// memory. A test object is an array of little-endian words: word 0
// holds the reference field count, words 1..n the reference fields,
// and any words beyond are opaque payload the collector must carry
// through relocation untouched.
type testRuntime struct {
	h *Heap

	strong []*Address
	weak   []*Address
	cweak  []*Address

	inSafepoint atomic.Bool

	prepared int
	classes  []*testClass
}

type testClass struct {
	name     string
	anchor   Address
	unloaded bool
}

func newTestHeap(t *testing.T, cfg HeapConfig) (*Heap, *testRuntime) {
	t.Helper()
	if cfg.PageSizeSmall == 0 {
		cfg.PageSizeSmall = 1 << 12
	}
	if cfg.PageSizeMedium == 0 {
		cfg.PageSizeMedium = 1 << 14
	}
	if cfg.MaxCapacity == 0 {
		cfg.MaxCapacity = 1 << 20
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	rt := &testRuntime{}
	h := NewHeap(cfg, Collaborators{Model: rt, Roots: rt, Safepoint: rt, Metadata: rt})
	rt.h = h
	return h, rt
}

func (rt *testRuntime) Scan(addr Address, visit func(ref Address) Address) {
	page, base := rt.locate(addr)
	n := binary.LittleEndian.Uint64(page.mem[base:])
	for i := uint64(0); i < n; i++ {
		fo := base + 8*(1+i)
		ref := Address(binary.LittleEndian.Uint64(page.mem[fo:]))
		healed := visit(ref)
		if healed != ref {
			binary.LittleEndian.PutUint64(page.mem[fo:], uint64(healed))
		}
	}
}

func (rt *testRuntime) StrongRoots() []*Address         { return rt.strong }
func (rt *testRuntime) WeakRoots() []*Address           { return rt.weak }
func (rt *testRuntime) ConcurrentWeakRoots() []*Address { return rt.cweak }

func (rt *testRuntime) Execute(name string, op func()) {
	rt.inSafepoint.Store(true)
	defer rt.inSafepoint.Store(false)
	op()
}

func (rt *testRuntime) IsAtSafepoint() bool { return rt.inSafepoint.Load() }

func (rt *testRuntime) Prepare() { rt.prepared++ }

func (rt *testRuntime) UnloadDead(isStrongLive func(Address) bool) {
	for _, c := range rt.classes {
		if !c.unloaded && !isStrongLive(c.anchor) {
			c.unloaded = true
		}
	}
}

func (rt *testRuntime) locate(addr Address) (*Page, uint64) {
	offset := rt.h.as.canonical(addr)
	page := rt.h.pagetable.get(offset)
	if page == nil {
		panic("test object not backed by a page")
	}
	return page, offset - page.start
}

// newObject allocates an object with nfields reference fields and
// extra opaque payload words, all zeroed.
func (rt *testRuntime) newObject(t *testing.T, nfields, payload int) Address {
	t.Helper()
	addr := rt.h.AllocObject(uint64(8 * (1 + nfields + payload)))
	if addr == 0 {
		t.Fatal("object allocation failed")
	}
	rt.pokeWord(addr, 0, uint64(nfields))
	return addr
}

func (rt *testRuntime) pokeWord(addr Address, word int, v uint64) {
	page, base := rt.locate(addr)
	binary.LittleEndian.PutUint64(page.mem[base+8*uint64(word):], v)
}

func (rt *testRuntime) peekWord(addr Address, word int) uint64 {
	page, base := rt.locate(addr)
	return binary.LittleEndian.Uint64(page.mem[base+8*uint64(word):])
}

func (rt *testRuntime) setField(addr Address, i int, val Address) {
	rt.pokeWord(addr, 1+i, uint64(val))
}

func (rt *testRuntime) field(addr Address, i int) Address {
	return Address(rt.peekWord(addr, 1+i))
}

func (rt *testRuntime) addStrongRoot(addr Address) *Address {
	slot := new(Address)
	*slot = addr
	rt.strong = append(rt.strong, slot)
	return slot
}

func (rt *testRuntime) addWeakRoot(addr Address) *Address {
	slot := new(Address)
	*slot = addr
	rt.weak = append(rt.weak, slot)
	return slot
}

func (rt *testRuntime) addConcurrentWeakRoot(addr Address) *Address {
	slot := new(Address)
	*slot = addr
	rt.cweak = append(rt.cweak, slot)
	return slot
}

// runCycle drives one complete collection cycle through the heap's
// phase operations, the way the driver sequences them.
func runCycle(t *testing.T, h *Heap, rt *testRuntime) {
	t.Helper()
	rt.Execute("Mark Start", h.MarkStart)
	h.Mark()
	for {
		var complete bool
		rt.Execute("Mark End", func() { complete = h.MarkEnd() })
		if complete {
			break
		}
		h.Mark()
	}
	cont := h.ProcessNonStrongReferences()
	if cont.Pending() {
		rt.Execute("Class Unloading", h.UnloadClass)
		cont.Finish()
	}
	h.ResetRelocationSet()
	rt.Execute("Verify", h.Verify)
	h.SelectRelocationSet()
	rt.Execute("Relocate Start", h.RelocateStart)
	h.Relocate()
}

// mustThrow asserts that fn panics with a collector fatal error.
func mustThrow(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected fatal error, got none")
		}
	}()
	fn()
}
