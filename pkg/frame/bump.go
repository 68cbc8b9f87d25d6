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

package frame

import (
	"fmt"
	"sort"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// BumpAllocator hands out frames by advancing a cursor through the boot
// memory regions in ascending order. It never frees.
//
// BumpAllocator is not safe for concurrent use; it only runs before other
// harts are started.
type BumpAllocator struct {
	regions []addr.PhysicalRange

	// consumed is the number of bytes consumed from the start of each
	// region. Regions before cur whose tails were too short for a request
	// keep their unconsumed tail for the bitmap allocator.
	consumed []uintptr

	// cur is the index of the region the cursor is in.
	cur int

	// used is the number of frames handed out.
	used uintptr
}

// NewBumpAllocator returns an allocator over the page-aligned parts of
// regions.
func NewBumpAllocator(regions []addr.PhysicalRange) *BumpAllocator {
	b := &BumpAllocator{}
	for _, r := range regions {
		start, ok := r.Start.AlignUp(addr.PageSize)
		if !ok {
			continue
		}
		r = addr.PhysicalRange{Start: start, End: r.End.AlignDown(addr.PageSize)}
		if r.IsEmpty() {
			continue
		}
		b.regions = append(b.regions, r)
	}
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].Start < b.regions[j].Start })
	b.consumed = make([]uintptr, len(b.regions))
	return b
}

// AllocateFrames implements Allocator.AllocateFrames.
func (b *BumpAllocator) AllocateFrames(n uintptr) (addr.Physical, error) {
	if n == 0 {
		return 0, fmt.Errorf("allocate 0 frames: %w", vmerr.ErrSizeMismatch)
	}
	size := n * addr.PageSize
	for ; b.cur < len(b.regions); b.cur++ {
		r := b.regions[b.cur]
		if r.Size()-b.consumed[b.cur] < size {
			// The next region is tried; the rest of this one is left
			// for the bitmap allocator.
			continue
		}
		base := r.Start.Add(b.consumed[b.cur])
		b.consumed[b.cur] += size
		b.used += n
		return base, nil
	}
	return 0, vmerr.ErrOutOfMemory
}

// DeallocateFrames implements Allocator.DeallocateFrames. It always fails.
func (b *BumpAllocator) DeallocateFrames(base addr.Physical, n uintptr) error {
	return fmt.Errorf("bump allocator cannot free %d frames at %v: %w", n, base, vmerr.ErrUnsupported)
}

// Usage implements Allocator.Usage.
func (b *BumpAllocator) Usage() Usage {
	var total uintptr
	for _, r := range b.regions {
		total += r.Frames()
	}
	return Usage{Used: b.used, Total: total}
}

// Offset returns the number of bytes consumed so far.
func (b *BumpAllocator) Offset() uintptr {
	return b.used * addr.PageSize
}

// Regions returns the page-aligned regions the allocator manages.
func (b *BumpAllocator) Regions() []addr.PhysicalRange {
	return append([]addr.PhysicalRange(nil), b.regions...)
}

// UsedRanges returns, for each region with consumed frames, the consumed
// prefix.
func (b *BumpAllocator) UsedRanges() []addr.PhysicalRange {
	var rs []addr.PhysicalRange
	for i, r := range b.regions {
		if b.consumed[i] == 0 {
			continue
		}
		rs = append(rs, addr.PhysicalRange{Start: r.Start, End: r.Start.Add(b.consumed[i])})
	}
	return rs
}
