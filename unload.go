// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "sync/atomic"

// weakRootsProcessor clears or heals weak root slots against the
// final mark state. A slot whose referent is not strongly live is
// cleared; a surviving referent is healed to the good color in
// passing.
type weakRootsProcessor struct {
	h *Heap
}

func (w *weakRootsProcessor) processWeakRoots() {
	w.processSlots(w.h.roots.WeakRoots())
}

func (w *weakRootsProcessor) processConcurrentWeakRoots() {
	w.processSlots(w.h.roots.ConcurrentWeakRoots())
}

func (w *weakRootsProcessor) processSlots(slots []*Address) {
	h := w.h
	var next atomic.Uint32
	h.workers.run(func(int) {
		for {
			i := next.Add(1) - 1
			if i >= uint32(len(slots)) {
				return
			}
			slot := slots[i]
			ref := *slot
			if ref == 0 {
				continue
			}
			offset := h.remapOffset(h.as.canonical(ref))
			if h.isStronglyLiveOffset(offset) {
				*slot = h.as.good(offset)
			} else {
				*slot = 0
			}
		}
	})
}

// unloader drives class/code unloading against the runtime's
// metadata registry. prepare runs at mark end; unload runs in its own
// pause, strictly between blocking and unblocking resurrection, so a
// finalizer can never observe a half-collected class.
type unloader struct {
	h        *Heap
	registry MetadataRegistry
}

func (u *unloader) prepare() {
	if u.registry != nil {
		u.registry.Prepare()
	}
}

func (u *unloader) unload() {
	if u.registry == nil {
		return
	}
	h := u.h
	u.registry.UnloadDead(func(anchor Address) bool {
		if anchor == 0 {
			return false
		}
		return h.isStronglyLiveOffset(h.remapOffset(h.as.canonical(anchor)))
	})
}
