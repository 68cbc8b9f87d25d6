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
	"kestrel.dev/kestrel/pkg/bitmap"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/vmerr"
)

type bitmapRegion struct {
	r    addr.PhysicalRange
	used bitmap.Bitmap
}

// BitmapAllocator tracks one bit per frame. Allocation is first-fit across
// regions in ascending address order; a run never spans two regions.
//
// BitmapAllocator is not safe for concurrent use; wrap it in Locked.
type BitmapAllocator struct {
	regions []bitmapRegion
	used    uintptr
	total   uintptr
}

// NewBitmapAllocator returns an allocator with every frame of the
// page-aligned parts of regions free.
func NewBitmapAllocator(regions []addr.PhysicalRange) *BitmapAllocator {
	a := &BitmapAllocator{}
	for _, r := range regions {
		start, ok := r.Start.AlignUp(addr.PageSize)
		if !ok {
			continue
		}
		r = addr.PhysicalRange{Start: start, End: r.End.AlignDown(addr.PageSize)}
		if r.IsEmpty() {
			continue
		}
		frames := r.Frames()
		if frames > uintptr(bitmap.MaxBitEntryLimit) {
			panic(fmt.Sprintf("memory region %v has too many frames (%d)", r, frames))
		}
		a.regions = append(a.regions, bitmapRegion{r: r, used: bitmap.New(uint32(frames))})
		a.total += frames
	}
	sort.Slice(a.regions, func(i, j int) bool { return a.regions[i].r.Start < a.regions[j].r.Start })
	return a
}

// NewBitmapAllocatorFromBump returns a BitmapAllocator over the same
// regions as b, with every frame b handed out marked as allocated. b must
// not be used afterwards.
func NewBitmapAllocatorFromBump(b *BumpAllocator) *BitmapAllocator {
	a := NewBitmapAllocator(b.Regions())
	for _, r := range b.UsedRanges() {
		a.markUsed(r)
	}
	log.Infof("Frame allocator handoff: %d bytes consumed during boot, %v", b.Offset(), a.Usage())
	return a
}

func (a *BitmapAllocator) markUsed(r addr.PhysicalRange) {
	i, ok := a.find(r.Start)
	if !ok || r.End > a.regions[i].r.End {
		panic(fmt.Sprintf("range %v is not inside a managed region", r))
	}
	reg := &a.regions[i]
	begin := uint32((r.Start - reg.r.Start) >> addr.PageShift)
	end := begin + uint32(r.Frames())
	before := reg.used.GetNumOnes()
	reg.used.SetRange(begin, end)
	a.used += uintptr(reg.used.GetNumOnes() - before)
}

// find returns the index of the region containing pa.
func (a *BitmapAllocator) find(pa addr.Physical) (int, bool) {
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].r.End > pa })
	if i == len(a.regions) || !a.regions[i].r.Contains(pa) {
		return 0, false
	}
	return i, true
}

// AllocateFrames implements Allocator.AllocateFrames.
func (a *BitmapAllocator) AllocateFrames(n uintptr) (addr.Physical, error) {
	if n == 0 {
		return 0, fmt.Errorf("allocate 0 frames: %w", vmerr.ErrSizeMismatch)
	}
	if n > uintptr(bitmap.MaxBitEntryLimit) {
		return 0, vmerr.ErrOutOfMemory
	}
	for i := range a.regions {
		reg := &a.regions[i]
		if uintptr(reg.used.Size()-reg.used.GetNumOnes()) < n {
			continue
		}
		bit, ok := reg.used.FirstZeroRun(uint32(n))
		if !ok {
			continue
		}
		reg.used.SetRange(bit, bit+uint32(n))
		a.used += n
		return reg.r.Start.Add(uintptr(bit) * addr.PageSize), nil
	}
	return 0, vmerr.ErrOutOfMemory
}

// DeallocateFrames implements Allocator.DeallocateFrames.
//
// Freeing frames that are not currently allocated is a contract violation
// and panics.
func (a *BitmapAllocator) DeallocateFrames(base addr.Physical, n uintptr) error {
	if !base.IsAligned(addr.PageSize) {
		panic(fmt.Sprintf("DeallocateFrames(%v, %d): misaligned base", base, n))
	}
	i, ok := a.find(base)
	r := addr.PhysicalRangeOf(base, n)
	if !ok || r.End > a.regions[i].r.End || n == 0 {
		panic(fmt.Sprintf("DeallocateFrames(%v, %d): frames not managed by this allocator", base, n))
	}
	reg := &a.regions[i]
	begin := uint32((base - reg.r.Start) >> addr.PageShift)
	end := begin + uint32(n)
	if !reg.used.AllSet(begin, end) {
		panic(fmt.Sprintf("DeallocateFrames(%v, %d): frames not allocated", base, n))
	}
	reg.used.ClearRange(begin, end)
	a.used -= n
	return nil
}

// Usage implements Allocator.Usage.
func (a *BitmapAllocator) Usage() Usage {
	return Usage{Used: a.used, Total: a.total}
}

// IsAllocated reports whether the frame at pa is allocated.
func (a *BitmapAllocator) IsAllocated(pa addr.Physical) bool {
	i, ok := a.find(pa)
	if !ok {
		return false
	}
	reg := &a.regions[i]
	return reg.used.Test(uint32((pa - reg.r.Start) >> addr.PageShift))
}
