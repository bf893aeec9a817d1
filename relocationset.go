// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "sort"

// PageCandidate is a live relocatable page offered to the selection
// policy, with its marked live bytes for this cycle.
type PageCandidate struct {
	Page      *Page
	LiveBytes uint64
}

// SelectorPolicy decides which live pages are worth compacting. The
// candidates are sorted by ascending live bytes (ties broken by
// address), and the policy returns how many pages from the front of
// the list to relocate. The policy is a heuristic, not a correctness
// constraint, but it must be deterministic given identical inputs.
type SelectorPolicy interface {
	Select(pagetype PageType, candidates []PageCandidate) int
}

// FragmentationPolicy selects every page whose garbage percentage
// exceeds Limit: the space reclaimed by evacuating such a page is
// deemed worth the copying cost.
type FragmentationPolicy struct {
	Limit float64
}

func (p FragmentationPolicy) Select(pagetype PageType, candidates []PageCandidate) int {
	n := 0
	for _, c := range candidates {
		garbage := float64(c.Page.size-c.LiveBytes) / float64(c.Page.size) * 100
		if garbage <= p.Limit {
			// Candidates are sorted by live bytes, so the rest
			// are at least as dense.
			break
		}
		n++
	}
	return n
}

// SelectorStats summarizes one cycle's classification and selection.
type SelectorStats struct {
	LivePages     int
	GarbagePages  int
	SelectedPages int
	LiveBytes     uint64
	GarbageBytes  uint64
	RelocateBytes uint64
}

// relocationSetSelector classifies every relocatable page as live or
// garbage and picks the subset of live pages to compact.
type relocationSetSelector struct {
	cycle  uint32
	policy SelectorPolicy

	candidates [3][]PageCandidate
	stats      SelectorStats
}

func newRelocationSetSelector(cycle uint32, policy SelectorPolicy) *relocationSetSelector {
	return &relocationSetSelector{cycle: cycle, policy: policy}
}

func (s *relocationSetSelector) registerLivePage(page *Page) {
	live := page.liveBytes(s.cycle)
	s.candidates[page.pagetype] = append(s.candidates[page.pagetype],
		PageCandidate{Page: page, LiveBytes: live})
	s.stats.LivePages++
	s.stats.LiveBytes += live
	s.stats.GarbageBytes += page.size - live
}

func (s *relocationSetSelector) registerGarbagePage(page *Page) {
	s.stats.GarbagePages++
	s.stats.GarbageBytes += page.size
}

// selectPages returns the pages to relocate, sparsest first. Large
// pages are never selected: they hold a single object, so evacuating
// one cannot reclaim anything.
func (s *relocationSetSelector) selectPages() []*Page {
	var selected []*Page
	for pagetype := PageTypeSmall; pagetype <= PageTypeMedium; pagetype++ {
		candidates := s.candidates[pagetype]
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].LiveBytes != candidates[j].LiveBytes {
				return candidates[i].LiveBytes < candidates[j].LiveBytes
			}
			return candidates[i].Page.start < candidates[j].Page.start
		})
		n := s.policy.Select(pagetype, candidates)
		if n < 0 || n > len(candidates) {
			throw("selector policy returned selection out of range")
		}
		for _, c := range candidates[:n] {
			selected = append(selected, c.Page)
			s.stats.RelocateBytes += c.LiveBytes
		}
	}
	s.stats.SelectedPages = len(selected)
	return selected
}

// relocationSet is the ordered collection of forwardings for the
// pages chosen this cycle. Populated at selection, drained at reset.
type relocationSet struct {
	forwardings []*forwarding
}

func (rs *relocationSet) install(pages []*Page, cycle uint32) {
	if rs.forwardings != nil {
		throw("relocation set not reset before reuse")
	}
	rs.forwardings = make([]*forwarding, 0, len(pages))
	for _, page := range pages {
		rs.forwardings = append(rs.forwardings, newForwarding(page, cycle))
	}
}

func (rs *relocationSet) reset() {
	rs.forwardings = nil
}
