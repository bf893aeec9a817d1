// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

import "sync"

// objectSampler keeps a fixed-capacity, span-weighted sample of
// allocated objects for leak diagnostics. Each recorded sample
// represents the span of allocation that elapsed since the previous
// one; when the sampler is full, a new sample displaces the current
// lowest-span sample only if it represents a larger span. Dead
// samples are pruned after each mark end under the sampler lock.
//
// The sampler is serviceability-only: it never influences collector
// state.
type objectSampler struct {
	lock     sync.Mutex
	capacity int
	interval uint64

	since   uint64
	samples []*ObjectSample // min-heap on Span
}

// ObjectSample describes one sampled allocation.
type ObjectSample struct {
	Addr  Address
	Size  uint64
	Span  uint64
	Cycle uint32
}

const (
	defaultSamplerCapacity = 256
	defaultSamplerInterval = 512 << 10
)

func newObjectSampler() *objectSampler {
	return &objectSampler{
		capacity: defaultSamplerCapacity,
		interval: defaultSamplerInterval,
	}
}

// sampleAlloc accounts an allocation and records a sample once enough
// allocation span has accumulated.
func (s *objectSampler) sampleAlloc(addr Address, size uint64, cycle uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.since += size
	if s.since < s.interval {
		return
	}
	sample := &ObjectSample{Addr: addr, Size: size, Span: s.since, Cycle: cycle}
	s.since = 0
	if len(s.samples) < s.capacity {
		s.samples = append(s.samples, sample)
		s.siftUp(len(s.samples) - 1)
		return
	}
	if sample.Span <= s.samples[0].Span {
		return
	}
	s.samples[0] = sample
	s.siftDown(0)
}

// pruneDead drops samples whose object did not survive marking and
// heals the survivors' addresses.
func (s *objectSampler) pruneDead(isLive func(Address) (Address, bool)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	kept := s.samples[:0]
	for _, sample := range s.samples {
		if healed, ok := isLive(sample.Addr); ok {
			sample.Addr = healed
			kept = append(kept, sample)
		}
	}
	s.samples = kept
	for i := len(s.samples)/2 - 1; i >= 0; i-- {
		s.siftDown(i)
	}
}

// Samples returns a snapshot of the current samples.
func (s *objectSampler) Samples() []ObjectSample {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]ObjectSample, len(s.samples))
	for i, sample := range s.samples {
		out[i] = *sample
	}
	return out
}

func (s *objectSampler) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if s.samples[parent].Span <= s.samples[i].Span {
			return
		}
		s.samples[parent], s.samples[i] = s.samples[i], s.samples[parent]
		i = parent
	}
}

func (s *objectSampler) siftDown(i int) {
	n := len(s.samples)
	for {
		min := i
		for _, c := range []int{2*i + 1, 2*i + 2} {
			if c < n && s.samples[c].Span < s.samples[min].Span {
				min = c
			}
		}
		if min == i {
			return
		}
		s.samples[i], s.samples[min] = s.samples[min], s.samples[i]
		i = min
	}
}
