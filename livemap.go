// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import (
	"sync"
	"sync/atomic"
)

// livemap records the liveness marking state of one page. Each object
// granule has two bits: a live bit and a strong bit. An object that
// is reachable only through a FinalReference has its live bit set but
// not its strong bit; such objects survive relocation but are invisible
// to weak root processing and verification.
//
// The map is versioned by the marking cycle that last reset it, so
// pages never need their bits cleared eagerly between cycles: a map
// whose seqnum is stale is entirely dead.
type livemap struct {
	lock    sync.Mutex
	seqnum  atomic.Uint32
	bits    []atomic.Uint64

	liveObjects atomic.Uint32
	liveBytes   atomic.Uint64
}

const liveBitsPerGranule = 2

func newLivemap(granules uint64) *livemap {
	nwords := (granules*liveBitsPerGranule + 63) / 64
	return &livemap{bits: make([]atomic.Uint64, nwords)}
}

// resetIfStale prepares the map for the given marking cycle. The
// first marker to touch the page in a cycle zeroes the bits; later
// markers see a current seqnum and take the fast path.
func (lm *livemap) resetIfStale(cycle uint32) {
	if lm.seqnum.Load() == cycle {
		return
	}
	lm.lock.Lock()
	if lm.seqnum.Load() != cycle {
		for i := range lm.bits {
			lm.bits[i].Store(0)
		}
		lm.liveObjects.Store(0)
		lm.liveBytes.Store(0)
		// The seqnum store publishes the zeroed bits.
		lm.seqnum.Store(cycle)
	}
	lm.lock.Unlock()
}

// set marks the object at granule index live. It returns whether this
// was the first marking of the object this cycle, and whether an
// object previously marked only finalizable was upgraded to strongly
// live. Either condition obliges the caller to scan the object.
func (lm *livemap) set(cycle uint32, index uint64, finalizable bool) (first, upgrade bool) {
	lm.resetIfStale(cycle)
	word := &lm.bits[index*liveBitsPerGranule/64]
	shift := index * liveBitsPerGranule % 64
	liveBit := uint64(1) << shift
	strongBit := uint64(2) << shift
	for {
		old := word.Load()
		new := old | liveBit
		if !finalizable {
			new |= strongBit
		}
		if new == old {
			return false, false
		}
		if word.CompareAndSwap(old, new) {
			first = old&liveBit == 0
			upgrade = !first && !finalizable && old&strongBit == 0
			return first, upgrade
		}
	}
}

// accountLive is called once per newly marked object.
func (lm *livemap) accountLive(bytes uint64) {
	lm.liveObjects.Add(1)
	lm.liveBytes.Add(bytes)
}

func (lm *livemap) isCurrent(cycle uint32) bool {
	return lm.seqnum.Load() == cycle
}

func (lm *livemap) isLive(cycle uint32, index uint64) bool {
	if !lm.isCurrent(cycle) {
		return false
	}
	word := lm.bits[index*liveBitsPerGranule/64].Load()
	return word>>(index*liveBitsPerGranule%64)&1 != 0
}

func (lm *livemap) isStronglyLive(cycle uint32, index uint64) bool {
	if !lm.isCurrent(cycle) {
		return false
	}
	word := lm.bits[index*liveBitsPerGranule/64].Load()
	return word>>(index*liveBitsPerGranule%64)&2 != 0
}
