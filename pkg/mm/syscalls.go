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

package mm

import (
	"fmt"
	"math"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/frame"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/tlb"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// checkSize rounds size up to whole pages.
func checkSize(size uintptr) (uintptr, error) {
	rsize, ok := addr.AlignUp(size, addr.PageSize)
	if !ok || rsize == 0 || rsize>>addr.PageShift > math.MaxUint32 {
		return 0, fmt.Errorf("region size %#x: %w", size, vmerr.ErrSizeMismatch)
	}
	return rsize, nil
}

// Map places a new region of layout.Size bytes, rounded up to whole pages,
// in the lowest gap that satisfies layout.Align. ctor decides its backing.
//
// Writable and executable regions are rejected with vmerr.ErrWriteExecute.
// If no gap is large enough, vmerr.ErrOutOfMemory is returned.
func (as *AddressSpace) Map(layout Layout, perms Permissions, ctor Constructor) (RegionInfo, error) {
	if err := checkWX(perms); err != nil {
		return RegionInfo{}, err
	}
	size, err := checkSize(layout.Size)
	if err != nil {
		return RegionInfo{}, err
	}
	align := max(layout.Align, addr.PageSize)
	if !addr.IsPowerOfTwo(align) {
		return RegionInfo{}, fmt.Errorf("alignment %#x: %w", layout.Align, vmerr.ErrMisaligned)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	vr, ok := as.findGapLocked(size, align)
	if !ok {
		return RegionInfo{}, fmt.Errorf("no gap of %#x bytes aligned to %#x: %w", size, align, vmerr.ErrOutOfMemory)
	}
	return as.mapLocked(vr, perms, ctor)
}

// MapFixed places a new region exactly at vr, which must be page aligned,
// inside the usable range and clear of existing regions.
func (as *AddressSpace) MapFixed(vr addr.VirtualRange, perms Permissions, ctor Constructor) (RegionInfo, error) {
	if err := checkWX(perms); err != nil {
		return RegionInfo{}, err
	}
	if !vr.IsPageAligned() {
		return RegionInfo{}, fmt.Errorf("range %v: %w", vr, vmerr.ErrMisaligned)
	}
	if _, err := checkSize(vr.Size()); err != nil || !vr.WellFormed() {
		return RegionInfo{}, fmt.Errorf("range %v: %w", vr, vmerr.ErrSizeMismatch)
	}
	if !as.usable.IsSupersetOf(vr) {
		return RegionInfo{}, fmt.Errorf("range %v outside %v: %w", vr, as.usable, vmerr.ErrOutOfBounds)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if o := as.overlappingLocked(vr); o != nil {
		return RegionInfo{}, fmt.Errorf("range %v overlaps region %v: %w", vr, o.rng, vmerr.ErrAlreadyMapped)
	}
	return as.mapLocked(vr, perms, ctor)
}

// overlappingLocked returns a region overlapping vr, or nil.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) overlappingLocked(vr addr.VirtualRange) *Region {
	if r := as.findLocked(vr.Start); r != nil {
		return r
	}
	var found *Region
	as.regions.AscendGreaterOrEqual(&Region{rng: addr.VirtualRange{Start: vr.Start}}, func(r *Region) bool {
		if r.rng.Start < vr.End {
			found = r
		}
		return false
	})
	return found
}

// findGapLocked returns the lowest range of size bytes aligned to align
// that overlaps no region.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) findGapLocked(size, align uintptr) (addr.VirtualRange, bool) {
	cursor := as.usable.Start
	var (
		found addr.VirtualRange
		done  bool
	)
	try := func(limit addr.Virtual) {
		start, ok := cursor.AlignUp(align)
		if !ok {
			done = true
			return
		}
		end, ok := start.CheckedAdd(size)
		if !ok {
			done = true
			return
		}
		if end <= limit {
			found = addr.VirtualRange{Start: start, End: end}
			done = true
		}
	}
	as.regions.Ascend(func(r *Region) bool {
		try(r.rng.Start)
		if done {
			return false
		}
		cursor = r.rng.End
		return true
	})
	if !done {
		try(as.usable.End)
	}
	return found, !found.IsEmpty()
}

// mapLocked constructs and inserts a region at vr.
//
// Preconditions: as.mu must be locked. vr is free.
func (as *AddressSpace) mapLocked(vr addr.VirtualRange, perms Permissions, ctor Constructor) (RegionInfo, error) {
	flush := tlb.Empty(as.mapper.ASID())
	r, err := ctor.construct(as, vr, perms, &flush)
	if err != nil {
		// Pages installed before the failure were removed again but may
		// have been observed.
		if ferr := as.flushLocked(&flush); ferr != nil {
			log.Warningf("Flushing failed map of %v: %v", vr, ferr)
		}
		return RegionInfo{}, err
	}
	as.regions.ReplaceOrInsert(r)
	as.used += vr.Size()
	if err := as.flushLocked(&flush); err != nil {
		return RegionInfo{}, err
	}
	log.Debugf("%v: mapped %v %v as %v", as, vr, perms, ctor)
	return r.info(), nil
}

// PageFault handles a fault at va. It returns nil if the faulting access
// may be retried: either the page was committed now, or it already was by
// an earlier fault.
//
// A fault outside every region returns vmerr.ErrVirtualAddressNotMapped
// and an access the region does not permit returns
// vmerr.ErrPermissionViolation. Faults on uncommitted pages of Static and
// Reserved regions are not correctable.
func (as *AddressSpace) PageFault(va addr.Virtual, flags PageFaultFlags) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	r := as.findLocked(va)
	if r == nil {
		return fmt.Errorf("%v fault at %v: %w", flags, va, vmerr.ErrVirtualAddressNotMapped)
	}
	if !r.perms.Has(flags.required()) {
		return fmt.Errorf("%v fault at %v in %v region %v: %w", flags, va, r.perms, r.rng, vmerr.ErrPermissionViolation)
	}
	page := va.PageRoundDown()
	if r.committed.Test(r.pageIndex(page)) {
		// Another hart corrected it first.
		return nil
	}

	flush := tlb.Empty(as.mapper.ASID())
	err := as.commitLocked(r, addr.VirtualRange{Start: page, End: page + addr.PageSize}, &flush)
	if ferr := as.flushLocked(&flush); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// Commit maps every page of vr, which must lie inside one region, so that
// no access to it faults. willWrite requires the region to be writable.
func (as *AddressSpace) Commit(vr addr.VirtualRange, willWrite bool) error {
	if vr.IsEmpty() {
		return nil
	}
	vr, ok := vr.PageAlign()
	if !ok {
		return vmerr.VirtualAddressTooLargeError{Addr: uintptr(vr.Start)}
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	r := as.findLocked(vr.Start)
	if r == nil {
		return fmt.Errorf("committing %v: %w", vr, vmerr.ErrVirtualAddressNotMapped)
	}
	if !r.rng.IsSupersetOf(vr) {
		return fmt.Errorf("committing %v across region %v: %w", vr, r.rng, vmerr.ErrRangeMismatch)
	}
	if willWrite && !r.perms.Has(Write) {
		return fmt.Errorf("committing %v for write in %v region: %w", vr, r.perms, vmerr.ErrPermissionViolation)
	}

	flush := tlb.Empty(as.mapper.ASID())
	err := as.commitLocked(r, vr, &flush)
	if ferr := as.flushLocked(&flush); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// Populate backs vr, which must lie inside one Reserved region and not be
// populated yet, with zeroed frames mapped with the region's permissions.
// Populated pages count as committed.
func (as *AddressSpace) Populate(vr addr.VirtualRange) error {
	if vr.IsEmpty() {
		return nil
	}
	if !vr.IsPageAligned() {
		return fmt.Errorf("populating %v: %w", vr, vmerr.ErrMisaligned)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	r := as.findLocked(vr.Start)
	if r == nil || !r.rng.IsSupersetOf(vr) {
		return fmt.Errorf("populating %v: %w", vr, vmerr.ErrVirtualAddressNotMapped)
	}
	if r.backing != Reserved {
		return fmt.Errorf("populating %v in %v region %v: %w", vr, r.backing, r.rng, vmerr.ErrUnsupported)
	}
	begin, end := r.pageIndex(vr.Start), r.pageIndex(vr.End-1)+1
	if !r.committed.AllClear(begin, end) {
		return fmt.Errorf("populating %v: %w", vr, vmerr.ErrAlreadyMapped)
	}

	n := vr.Pages()
	pa, err := frame.AllocateZeroed(as.frames, as.mem, n)
	if err != nil {
		return fmt.Errorf("populating %v: %w", vr, err)
	}
	flush := tlb.Empty(as.mapper.ASID())
	if err := as.mapper.MapRange(vr, addr.PhysicalRangeOf(pa, n), r.perms.EntryFlags(), &flush); err != nil {
		if ferr := as.frames.DeallocateFrames(pa, n); ferr != nil {
			panic(fmt.Sprintf("freeing frames %v: %v", pa, ferr))
		}
		return err
	}
	r.committed.SetRange(begin, end)
	log.Debugf("%v: populated %v => %v", as, vr, addr.PhysicalRangeOf(pa, n))
	return as.flushLocked(&flush)
}

// Protect changes the permissions of the region spanning exactly vr.
// Committed pages, including those added by Populate, are rewritten and
// flushed.
func (as *AddressSpace) Protect(vr addr.VirtualRange, perms Permissions) error {
	if err := checkWX(perms); err != nil {
		return err
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	r, err := as.exactLocked(vr)
	if err != nil {
		return err
	}

	flush := tlb.Empty(as.mapper.ASID())
	r.committed.ForEachRun(func(begin, end uint32) {
		if err != nil {
			return
		}
		err = as.mapper.UpdateFlags(r.pageAt(begin), uintptr(end-begin)<<addr.PageShift, perms.EntryFlags(), &flush)
	})
	if ferr := as.flushLocked(&flush); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		return err
	}
	log.Debugf("%v: protected %v from %v to %v", as, vr, r.perms, perms)
	r.perms = perms
	return nil
}

// Unmap removes the region spanning exactly vr, frees the frames it owns
// and flushes its translations.
func (as *AddressSpace) Unmap(vr addr.VirtualRange) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	r, err := as.exactLocked(vr)
	if err != nil {
		return err
	}
	flush := tlb.Empty(as.mapper.ASID())
	err = as.removeLocked(r, &flush)
	if ferr := as.flushLocked(&flush); ferr != nil && err == nil {
		err = ferr
	}
	log.Debugf("%v: unmapped %v", as, vr)
	return err
}
