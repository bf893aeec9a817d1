// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "testing"

// markWithDiscovery runs marking to completion with refs discovered
// mid-mark, the way the object model offers references while tracing,
// and returns how many mark end attempts failed.
func markWithDiscovery(t *testing.T, h *Heap, rt *testRuntime, refs ...*Reference) (retries int) {
	t.Helper()
	rt.Execute("Mark Start", h.MarkStart)
	h.Mark()
	for _, ref := range refs {
		if !h.DiscoverReference(ref) {
			t.Fatalf("reference %v not discovered", ref.Kind)
		}
	}
	for {
		var complete bool
		rt.Execute("Mark End", func() { complete = h.MarkEnd() })
		if complete {
			return retries
		}
		retries++
		h.Mark()
	}
}

func newReference(rt *testRuntime, kind ReferenceKind, referent Address) *Reference {
	slot := new(Address)
	*slot = referent
	return &Reference{Kind: kind, Referent: slot}
}

func TestWeakReferenceCleared(t *testing.T) {
	h, rt := newTestHeap(t, HeapConfig{})

	referent := rt.newObject(t, 0, 0)
	ref := newReference(rt, KindWeak, referent)

	markWithDiscovery(t, h, rt, ref)
	cont := h.ProcessNonStrongReferences()
	if cont.Pending() {
		t.Fatal("unexpected pending unload")
	}

	if *ref.Referent != 0 {
		t.Errorf("dead weak referent not cleared: %#x", *ref.Referent)
	}
	pending := h.PendingReferences()
	if len(pending) != 1 || pending[0] != ref {
		t.Errorf("pending = %v, want the cleared reference", pending)
	}
}

func TestWeakReferenceSurvivesWhenStronglyReachable(t *testing.T) {
	h, rt := newTestHeap(t, HeapConfig{})

	referent := rt.newObject(t, 0, 0)
	rt.addStrongRoot(referent)
	ref := newReference(rt, KindWeak, referent)

	markWithDiscovery(t, h, rt, ref)
	h.ProcessNonStrongReferences()

	if *ref.Referent == 0 {
		t.Fatal("strongly reachable referent was cleared")
	}
	if !h.as.isGood(*ref.Referent) {
		t.Errorf("surviving referent slot not healed: %#x", *ref.Referent)
	}
	if len(h.PendingReferences()) != 0 {
		t.Errorf("surviving reference was enqueued")
	}
}

func TestSoftReferencePolicy(t *testing.T) {
	h, rt := newTestHeap(t, HeapConfig{})

	referent := rt.newObject(t, 0, 0)
	ref := newReference(rt, KindSoft, referent)

	// Default policy keeps soft referents: discovery declines and
	// the model must mark through.
	rt.Execute("Mark Start", h.MarkStart)
	h.Mark()
	if h.DiscoverReference(ref) {
		t.Fatal("soft reference discovered while policy keeps referents")
	}
	var complete bool
	rt.Execute("Mark End", func() { complete = h.MarkEnd() })
	if !complete {
		t.Fatal("mark end failed")
	}
	h.ProcessNonStrongReferences()
	h.ResetRelocationSet()
	h.SelectRelocationSet()
	rt.Execute("Relocate Start", h.RelocateStart)
	h.Relocate()

	// Under clear-all the same reference is discovered and cleared.
	h.SetSoftReferencePolicy(true)
	markWithDiscovery(t, h, rt, ref)
	h.ProcessNonStrongReferences()
	if *ref.Referent != 0 {
		t.Errorf("soft referent not cleared under clear-all policy")
	}
}

func TestFinalReferenceForcesMarkRetry(t *testing.T) {
	h, rt := newTestHeap(t, HeapConfig{})

	// The referent holds a field only reachable through it; the
	// finalizable closure must trace it too.
	held := rt.newObject(t, 0, 0)
	referent := rt.newObject(t, 1, 0)
	rt.setField(referent, 0, held)
	ref := newReference(rt, KindFinal, referent)

	retries := markWithDiscovery(t, h, rt, ref)
	if retries == 0 {
		t.Fatal("queued finalizable marking did not force a mark end retry")
	}

	offset := h.as.canonical(referent)
	if h.isStronglyLiveOffset(offset) {
		t.Fatal("finalizable-only referent marked strongly live")
	}
	if !h.isLiveOffset(offset) {
		t.Fatal("finalizable referent not marked live")
	}
	if !h.isLiveOffset(h.as.canonical(held)) {
		t.Fatal("object held by finalizable referent not traced")
	}

	h.ProcessNonStrongReferences()

	// The referent survives, downgraded to a finalizable-colored
	// reference visible only through the pending list.
	got := *ref.Referent
	if got == 0 {
		t.Fatal("final referent was cleared")
	}
	if !h.as.isFinalizable(got) || !h.as.isGood(got) {
		t.Errorf("final referent not finalizable-good colored: %#x", got)
	}
	pending := h.PendingReferences()
	if len(pending) != 1 || pending[0] != ref {
		t.Errorf("final reference not enqueued")
	}
}

func TestPhantomReferenceCleared(t *testing.T) {
	h, rt := newTestHeap(t, HeapConfig{})

	referent := rt.newObject(t, 0, 0)
	ref := newReference(rt, KindPhantom, referent)

	markWithDiscovery(t, h, rt, ref)
	h.ProcessNonStrongReferences()

	if *ref.Referent != 0 {
		t.Errorf("dead phantom referent not cleared")
	}
	if len(h.PendingReferences()) != 1 {
		t.Errorf("phantom reference not enqueued")
	}
}

func TestEnqueueBlockedDuringResurrectionWindow(t *testing.T) {
	h, rt := newTestHeap(t, HeapConfig{})

	referent := rt.newObject(t, 0, 0)
	ref := newReference(rt, KindWeak, referent)

	markWithDiscovery(t, h, rt, ref)
	if !h.ResurrectionBlocked() {
		t.Fatal("resurrection not blocked after mark end")
	}
	// Enqueueing inside the block window is a protocol violation.
	mustThrow(t, func() { h.refproc.enqueue() })
}
