// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "testing"

// markedPage builds a page with the given number of live bytes marked
// in the given cycle.
func markedPage(t *testing.T, start uint64, cycle uint32, liveBytes uint64) *Page {
	t.Helper()
	page := newPage(PageTypeSmall, start, 4096, 8, cycle-1)
	for b := uint64(0); b < liveBytes; b += 64 {
		offset, ok := page.allocObject(64)
		if !ok {
			t.Fatalf("marked page overflow at %d live bytes", liveBytes)
		}
		if first, _ := page.live.set(cycle, page.index(offset), false); first {
			page.live.accountLive(64)
		}
	}
	return page
}

func TestFragmentationPolicy(t *testing.T) {
	const cycle = 2
	policy := FragmentationPolicy{Limit: 25}

	sparse := markedPage(t, 0x0000, cycle, 512)  // 87.5% garbage
	dense := markedPage(t, 0x1000, cycle, 3584)  // 12.5% garbage
	border := markedPage(t, 0x2000, cycle, 3072) // exactly 25% garbage

	candidates := []PageCandidate{
		{Page: sparse, LiveBytes: 512},
		{Page: border, LiveBytes: 3072},
		{Page: dense, LiveBytes: 3584},
	}
	if got := policy.Select(PageTypeSmall, candidates); got != 1 {
		t.Errorf("Select = %d, want 1 (only the sparse page exceeds the limit)", got)
	}
}

func TestSelectorOrdersSparsestFirst(t *testing.T) {
	const cycle = 2
	s := newRelocationSetSelector(cycle, FragmentationPolicy{Limit: 25})

	dense := markedPage(t, 0x0000, cycle, 1024)
	sparser := markedPage(t, 0x1000, cycle, 256)
	sparsest := markedPage(t, 0x2000, cycle, 64)

	s.registerLivePage(dense)
	s.registerLivePage(sparser)
	s.registerLivePage(sparsest)

	selected := s.selectPages()
	if len(selected) != 3 {
		t.Fatalf("selected %d pages, want 3", len(selected))
	}
	if selected[0] != sparsest || selected[1] != sparser || selected[2] != dense {
		t.Errorf("selection not ordered sparsest first: %#x, %#x, %#x",
			selected[0].start, selected[1].start, selected[2].start)
	}

	if s.stats.LivePages != 3 || s.stats.SelectedPages != 3 {
		t.Errorf("stats = %+v", s.stats)
	}
	if want := uint64(1024 + 256 + 64); s.stats.RelocateBytes != want {
		t.Errorf("RelocateBytes = %d, want %d", s.stats.RelocateBytes, want)
	}
}

func TestSelectorTieBreaksByAddress(t *testing.T) {
	const cycle = 2
	s := newRelocationSetSelector(cycle, FragmentationPolicy{Limit: 25})

	high := markedPage(t, 0x2000, cycle, 128)
	low := markedPage(t, 0x1000, cycle, 128)
	s.registerLivePage(high)
	s.registerLivePage(low)

	selected := s.selectPages()
	if len(selected) != 2 || selected[0] != low || selected[1] != high {
		t.Errorf("equal-liveness pages not ordered by address")
	}
}

func TestSelectorNeverSelectsLargePages(t *testing.T) {
	const cycle = 2
	s := newRelocationSetSelector(cycle, FragmentationPolicy{Limit: 0})

	large := newPage(PageTypeLarge, 0x10000, 8192, 8, cycle-1)
	offset, _ := large.allocObject(64)
	if first, _ := large.live.set(cycle, large.index(offset), false); first {
		large.live.accountLive(64)
	}
	s.registerLivePage(large)
	s.registerLivePage(markedPage(t, 0x0000, cycle, 64))

	selected := s.selectPages()
	for _, page := range selected {
		if page.pagetype == PageTypeLarge {
			t.Fatal("large page selected for relocation")
		}
	}
	if len(selected) != 1 {
		t.Errorf("selected %d pages, want 1", len(selected))
	}
}

func TestSelectorGarbageAccounting(t *testing.T) {
	const cycle = 2
	s := newRelocationSetSelector(cycle, FragmentationPolicy{Limit: 25})

	s.registerLivePage(markedPage(t, 0x0000, cycle, 1024))
	garbage := newPage(PageTypeSmall, 0x1000, 4096, 8, cycle-1)
	s.registerGarbagePage(garbage)

	if s.stats.GarbagePages != 1 {
		t.Errorf("GarbagePages = %d, want 1", s.stats.GarbagePages)
	}
	if want := uint64(4096 + 4096 - 1024); s.stats.GarbageBytes != want {
		t.Errorf("GarbageBytes = %d, want %d", s.stats.GarbageBytes, want)
	}
}

func TestRelocationSetInstallReset(t *testing.T) {
	var rs relocationSet
	const cycle = 2

	pages := []*Page{markedPage(t, 0x0000, cycle, 64), markedPage(t, 0x1000, cycle, 64)}
	rs.install(pages, cycle)
	if len(rs.forwardings) != 2 {
		t.Fatalf("forwardings = %d, want 2", len(rs.forwardings))
	}
	for i, f := range rs.forwardings {
		if f.page != pages[i] {
			t.Errorf("forwarding %d bound to wrong page", i)
		}
	}

	mustThrow(t, func() { rs.install(pages, cycle) })

	rs.reset()
	if rs.forwardings != nil {
		t.Fatal("reset left forwardings installed")
	}
	rs.install(pages[:1], cycle)
}
