// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import (
	"sync"
	"sync/atomic"
)

// statCounter is a monotonically increasing event counter.
type statCounter struct {
	value atomic.Uint64
}

func (c *statCounter) inc()          { c.value.Add(1) }
func (c *statCounter) Value() uint64 { return c.value.Load() }

// statSampler records the last and maximum sampled value.
type statSampler struct {
	last atomic.Uint64
	max  atomic.Uint64
	n    atomic.Uint64
}

func (s *statSampler) sample(v uint64) {
	s.last.Store(v)
	s.n.Add(1)
	for {
		max := s.max.Load()
		if v <= max || s.max.CompareAndSwap(max, v) {
			return
		}
	}
}

func (s *statSampler) Last() uint64    { return s.last.Load() }
func (s *statSampler) Max() uint64     { return s.max.Load() }
func (s *statSampler) Samples() uint64 { return s.n.Load() }

// CycleStats is the per-cycle snapshot taken at the phase transition
// points, for the serviceability collaborator. Read-only externally;
// reading it has no effect on collector state.
type CycleStats struct {
	Cycle uint32

	CapacityAtMarkStart uint64
	UsedAtMarkStart     uint64
	UsedAtMarkEnd       uint64

	Selector SelectorStats

	UsedAtRelocateStart uint64
	UsedAtRelocateEnd   uint64
	ReclaimedAtEnd      uint64
	RelocationSucceeded bool
}

// heapStats aggregates the collector's samplers, counters and cycle
// snapshots.
type heapStats struct {
	usedBeforeMark       statSampler
	usedAfterMark        statSampler
	usedBeforeRelocation statSampler
	usedAfterRelocation  statSampler

	undoPageAlloc   statCounter
	outOfMemory     statCounter
	relocationStall statCounter

	lock  sync.Mutex
	cycle CycleStats
}

func (st *heapStats) setAtMarkStart(cycle uint32, capacity, used uint64) {
	st.lock.Lock()
	st.cycle = CycleStats{Cycle: cycle, CapacityAtMarkStart: capacity, UsedAtMarkStart: used}
	st.lock.Unlock()
}

func (st *heapStats) setAtMarkEnd(used uint64) {
	st.lock.Lock()
	st.cycle.UsedAtMarkEnd = used
	st.lock.Unlock()
}

func (st *heapStats) setAtSelectRelocationSet(selector SelectorStats) {
	st.lock.Lock()
	st.cycle.Selector = selector
	st.lock.Unlock()
}

func (st *heapStats) setAtRelocateStart(used uint64) {
	st.lock.Lock()
	st.cycle.UsedAtRelocateStart = used
	st.lock.Unlock()
}

func (st *heapStats) setAtRelocateEnd(used, reclaimed uint64, success bool) {
	st.lock.Lock()
	st.cycle.UsedAtRelocateEnd = used
	st.cycle.ReclaimedAtEnd = reclaimed
	st.cycle.RelocationSucceeded = success
	st.lock.Unlock()
}

func (st *heapStats) snapshot() CycleStats {
	st.lock.Lock()
	s := st.cycle
	st.lock.Unlock()
	return s
}
