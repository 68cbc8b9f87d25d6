// Copyright 2026 The Kestrel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package freelist provides a first-fit allocator of virtual address
// ranges. It hands out addresses only; the memory behind them is mapped by
// the caller.
package freelist

import (
	"fmt"

	"github.com/google/btree"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// Granule is the smallest unit of allocation. Sizes are rounded up to it
// and every returned address is aligned to it.
const Granule = 16

// Stats describes the state of an Allocator.
type Stats struct {
	// Managed is the number of bytes claimed.
	Managed uintptr

	// Allocated is the number of bytes handed out.
	Allocated uintptr

	// FreeSpans is the number of disjoint free ranges.
	FreeSpans int
}

// Free returns the number of bytes available.
func (s Stats) Free() uintptr {
	return s.Managed - s.Allocated
}

// Allocator allocates ranges out of the spans it was given. It is not
// safe for concurrent use.
type Allocator struct {
	// free holds disjoint, non-adjacent free ranges keyed by start.
	free *btree.BTreeG[addr.VirtualRange]

	// managed holds the claimed spans.
	managed []addr.VirtualRange

	stats Stats
}

func lessStart(a, b addr.VirtualRange) bool {
	return a.Start < b.Start
}

// New returns an allocator managing nothing.
func New() *Allocator {
	return &Allocator{free: btree.NewG(4, lessStart)}
}

// roundSize returns size rounded up to Granule.
func roundSize(size uintptr) (uintptr, bool) {
	return addr.AlignUp(max(size, 1), Granule)
}

// Claim adds r to the memory managed. r must not overlap a span already
// claimed.
func (a *Allocator) Claim(r addr.VirtualRange) error {
	r, ok := a.granular(r)
	if !ok || r.IsEmpty() {
		return fmt.Errorf("claiming %v: %w", r, vmerr.ErrSizeMismatch)
	}
	for _, m := range a.managed {
		if m.Overlaps(r) {
			return fmt.Errorf("claiming %v over %v: %w", r, m, vmerr.ErrAlreadyMapped)
		}
	}
	a.managed = append(a.managed, r)
	a.stats.Managed += r.Size()
	a.release(r)
	return nil
}

// Extend grows the claimed span old to newSpan, which must contain it.
// The added memory on either side becomes free.
func (a *Allocator) Extend(old, newSpan addr.VirtualRange) error {
	if !newSpan.IsSupersetOf(old) {
		return fmt.Errorf("extending %v to %v: %w", old, newSpan, vmerr.ErrRangeMismatch)
	}
	idx := -1
	for i, m := range a.managed {
		if m == old {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("extending unclaimed span %v: %w", old, vmerr.ErrRangeMismatch)
	}
	for i, m := range a.managed {
		if i != idx && m.Overlaps(newSpan) {
			return fmt.Errorf("extending %v to %v over %v: %w", old, newSpan, m, vmerr.ErrAlreadyMapped)
		}
	}
	a.managed[idx] = newSpan
	a.stats.Managed += newSpan.Size() - old.Size()
	if below := (addr.VirtualRange{Start: newSpan.Start, End: old.Start}); !below.IsEmpty() {
		a.release(below)
	}
	if above := (addr.VirtualRange{Start: old.End, End: newSpan.End}); !above.IsEmpty() {
		a.release(above)
	}
	return nil
}

// granular shrinks r to Granule boundaries.
func (a *Allocator) granular(r addr.VirtualRange) (addr.VirtualRange, bool) {
	start, ok := r.Start.AlignUp(Granule)
	if !ok {
		return r, false
	}
	end := r.End.AlignDown(Granule)
	if end < start {
		return addr.VirtualRange{Start: start, End: start}, true
	}
	return addr.VirtualRange{Start: start, End: end}, true
}

// Alloc returns the lowest address of size bytes aligned to align. It
// returns vmerr.ErrOutOfMemory if no free range fits.
func (a *Allocator) Alloc(size, align uintptr) (addr.Virtual, error) {
	size, ok := roundSize(size)
	if !ok {
		return 0, fmt.Errorf("allocating %#x bytes: %w", size, vmerr.ErrSizeMismatch)
	}
	align = max(align, Granule)
	if !addr.IsPowerOfTwo(align) {
		return 0, fmt.Errorf("alignment %#x: %w", align, vmerr.ErrMisaligned)
	}

	var (
		span  addr.VirtualRange
		start addr.Virtual
		found bool
	)
	a.free.Ascend(func(r addr.VirtualRange) bool {
		s, ok := r.Start.AlignUp(align)
		if !ok {
			return false
		}
		if end, ok := s.CheckedAdd(size); ok && end <= r.End {
			span, start, found = r, s, true
			return false
		}
		return true
	})
	if !found {
		return 0, fmt.Errorf("allocating %#x bytes aligned to %#x: %w", size, align, vmerr.ErrOutOfMemory)
	}

	a.free.Delete(span)
	if head := (addr.VirtualRange{Start: span.Start, End: start}); !head.IsEmpty() {
		a.free.ReplaceOrInsert(head)
	}
	if tail := (addr.VirtualRange{Start: start.Add(size), End: span.End}); !tail.IsEmpty() {
		a.free.ReplaceOrInsert(tail)
	}
	a.stats.Allocated += size
	return start, nil
}

// Free returns the size bytes at p, which must have been returned by Alloc
// with the same size.
func (a *Allocator) Free(p addr.Virtual, size uintptr) {
	size, ok := roundSize(size)
	if !ok {
		panic(fmt.Sprintf("freeing %#x bytes at %v", size, p))
	}
	r := addr.VirtualRange{Start: p, End: p.Add(size)}
	if !p.IsAligned(Granule) || !a.isManaged(r) {
		panic(fmt.Sprintf("freeing %v which was never allocated", r))
	}
	a.release(r)
	a.stats.Allocated -= size
}

func (a *Allocator) isManaged(r addr.VirtualRange) bool {
	for _, m := range a.managed {
		if m.IsSupersetOf(r) {
			return true
		}
	}
	return false
}

// release inserts r into the free set, merging it with its neighbours.
func (a *Allocator) release(r addr.VirtualRange) {
	var prev addr.VirtualRange
	a.free.DescendLessOrEqual(r, func(f addr.VirtualRange) bool {
		prev = f
		return false
	})
	if !prev.IsEmpty() && prev.End > r.Start {
		panic(fmt.Sprintf("freeing %v which overlaps free range %v", r, prev))
	}
	var next addr.VirtualRange
	a.free.AscendGreaterOrEqual(r, func(f addr.VirtualRange) bool {
		next = f
		return false
	})
	if !next.IsEmpty() && next.Start < r.End {
		panic(fmt.Sprintf("freeing %v which overlaps free range %v", r, next))
	}

	if !prev.IsEmpty() && prev.End == r.Start {
		a.free.Delete(prev)
		r.Start = prev.Start
	}
	if !next.IsEmpty() && next.Start == r.End {
		a.free.Delete(next)
		r.End = next.End
	}
	a.free.ReplaceOrInsert(r)
}

// Stats returns the current usage.
func (a *Allocator) Stats() Stats {
	s := a.stats
	s.FreeSpans = a.free.Len()
	return s
}

// FreeRanges returns the free ranges in ascending order.
func (a *Allocator) FreeRanges() []addr.VirtualRange {
	rs := make([]addr.VirtualRange, 0, a.free.Len())
	a.free.Ascend(func(r addr.VirtualRange) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}
