// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "testing"

func TestPageAllocObject(t *testing.T) {
	page := newPage(PageTypeSmall, 0x10000, 4096, 8, 1)

	a, ok := page.allocObject(24)
	if !ok || a != 0x10000 {
		t.Fatalf("first alloc = %#x, %v", a, ok)
	}
	b, ok := page.allocObject(13) // rounds up to 16
	if !ok || b != 0x10018 {
		t.Fatalf("second alloc = %#x, %v", b, ok)
	}

	if !page.BlockIsObj(a) || !page.BlockIsObj(b) {
		t.Errorf("allocated offsets not object starts")
	}
	if page.BlockIsObj(a + 8) {
		t.Errorf("object interior classified as object start")
	}
	if got := page.BlockStart(a + 16); got != a {
		t.Errorf("BlockStart(interior) = %#x, want %#x", got, a)
	}
	if got := page.BlockSize(a); got != 24 {
		t.Errorf("BlockSize(a) = %d, want 24", got)
	}
	if got := page.BlockSize(b); got != 16 {
		t.Errorf("BlockSize(b) = %d, want 16", got)
	}
}

func TestPageAllocObjectExhaustion(t *testing.T) {
	page := newPage(PageTypeSmall, 0, 64, 8, 1)
	if _, ok := page.allocObject(48); !ok {
		t.Fatal("alloc within capacity failed")
	}
	if _, ok := page.allocObject(32); ok {
		t.Fatal("alloc beyond capacity succeeded")
	}
	// The remaining 16 bytes are still allocatable.
	if _, ok := page.allocObject(16); !ok {
		t.Fatal("alloc of exact remainder failed")
	}
}

func TestPageUndoAllocObject(t *testing.T) {
	page := newPage(PageTypeSmall, 0, 4096, 8, 1)
	a, _ := page.allocObject(32)
	if !page.undoAllocObject(a, 32) {
		t.Fatal("undo of most recent allocation failed")
	}
	if page.top.Load() != 0 {
		t.Fatalf("top = %d after undo, want 0", page.top.Load())
	}

	a, _ = page.allocObject(32)
	page.allocObject(16)
	if page.undoAllocObject(a, 32) {
		t.Fatal("undo succeeded although a later allocation intervened")
	}
	if !page.BlockIsObj(a) {
		t.Errorf("failed undo cleared the object start")
	}
}

func TestPageForEachLiveObject(t *testing.T) {
	const cycle = 2
	page := newPage(PageTypeSmall, 0x1000, 4096, 8, 1)
	a, _ := page.allocObject(16)
	b, _ := page.allocObject(32)
	c, _ := page.allocObject(16)

	for _, offset := range []uint64{a, c} {
		if first, _ := page.live.set(cycle, page.index(offset), false); first {
			page.live.accountLive(page.BlockSize(offset))
		}
	}

	var got [][2]uint64
	page.forEachLiveObject(cycle, func(offset, size uint64) {
		got = append(got, [2]uint64{offset, size})
	})
	want := [][2]uint64{{a, 16}, {c, 16}}
	if len(got) != len(want) {
		t.Fatalf("live objects = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("live object %d = %v, want %v", i, got[i], want[i])
		}
	}
	_ = b

	// A stale cycle sees no live objects at all.
	var stale int
	page.forEachLiveObject(cycle+1, func(uint64, uint64) { stale++ })
	if stale != 0 {
		t.Errorf("stale cycle enumerated %d objects", stale)
	}
}

func TestPageLifecycleStates(t *testing.T) {
	page := newPage(PageTypeSmall, 0, 4096, 8, 3)
	if !page.isAllocating(3) {
		t.Errorf("page not allocating in its birth cycle")
	}
	if page.isRelocatable(3) {
		t.Errorf("page relocatable in its birth cycle")
	}
	if !page.isRelocatable(4) {
		t.Errorf("page not relocatable in the next cycle")
	}
}

func TestLivemapVersioningAndUpgrade(t *testing.T) {
	lm := newLivemap(512)

	first, upgrade := lm.set(2, 7, true)
	if !first || upgrade {
		t.Fatalf("first finalizable set = (%v, %v), want (true, false)", first, upgrade)
	}
	if !lm.isLive(2, 7) || lm.isStronglyLive(2, 7) {
		t.Fatalf("finalizable-marked object live=%v strong=%v, want live only",
			lm.isLive(2, 7), lm.isStronglyLive(2, 7))
	}

	first, upgrade = lm.set(2, 7, false)
	if first || !upgrade {
		t.Fatalf("strong upgrade = (%v, %v), want (false, true)", first, upgrade)
	}
	if !lm.isStronglyLive(2, 7) {
		t.Fatal("upgraded object not strongly live")
	}

	if first, upgrade = lm.set(2, 7, false); first || upgrade {
		t.Fatalf("repeated set = (%v, %v), want (false, false)", first, upgrade)
	}

	// Advancing the cycle makes the whole map stale without clearing.
	if lm.isLive(3, 7) {
		t.Fatal("stale map reported live in a later cycle")
	}
	if first, _ = lm.set(3, 7, false); !first {
		t.Fatal("set in a later cycle did not reset the map")
	}
	if lm.isLive(2, 7) {
		t.Fatal("reset map still current for the previous cycle")
	}
}

func TestPageTableInsertGetRemove(t *testing.T) {
	pt := newPageTable(1<<20, 4096)

	small := newPage(PageTypeSmall, 4096, 4096, 8, 1)
	medium := newPage(PageTypeMedium, 8192, 16384, 8, 1)
	pt.insert(small)
	pt.insert(medium)

	if got := pt.get(4096); got != small {
		t.Errorf("get(small start) = %p, want %p", got, small)
	}
	// A medium page spans several granules; every one resolves to it.
	for _, offset := range []uint64{8192, 8192 + 4096, 8192 + 16384 - 1} {
		if got := pt.get(offset); got != medium {
			t.Errorf("get(%#x) = %p, want medium page", offset, got)
		}
	}
	if got := pt.count(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	var seen int
	pt.forEach(func(p *Page) bool {
		seen++
		return true
	})
	if seen != 2 {
		t.Errorf("forEach visited %d pages, want 2", seen)
	}

	pt.remove(medium)
	if pt.get(8192) != nil {
		t.Errorf("removed page still resolvable")
	}
	if got := pt.count(); got != 1 {
		t.Errorf("count after remove = %d, want 1", got)
	}
}
