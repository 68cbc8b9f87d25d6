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
	"sync/atomic"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/bitmap"
	"kestrel.dev/kestrel/pkg/cleanup"
	"kestrel.dev/kestrel/pkg/frame"
	"kestrel.dev/kestrel/pkg/physmem"
	"kestrel.dev/kestrel/pkg/tlb"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// BackingKind is where the pages of a region come from.
type BackingKind int

// Backing kinds.
const (
	// ZeroFill pages are allocated and zeroed on first touch, or at map
	// time when committed eagerly. The region owns them.
	ZeroFill BackingKind = iota

	// Static pages map frames the caller owns.
	Static

	// Shared pages map a reference-counted SharedFrames.
	Shared

	// Reserved regions only claim virtual space. Their faults are never
	// corrected; the owner maps pages into them directly.
	Reserved
)

// String implements fmt.Stringer.
func (k BackingKind) String() string {
	switch k {
	case ZeroFill:
		return "zero-fill"
	case Static:
		return "static"
	case Shared:
		return "shared"
	case Reserved:
		return "reserved"
	default:
		return fmt.Sprintf("BackingKind(%d)", int(k))
	}
}

// State is derived from which pages of a region are committed.
type State int

// Region states.
const (
	// StateReserved means no page is committed.
	StateReserved State = iota

	// StatePartial means some pages are committed.
	StatePartial

	// StateCommitted means every page is committed.
	StateCommitted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StatePartial:
		return "partial"
	case StateCommitted:
		return "committed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Region is a contiguous, page-aligned range of an address space with
// uniform permissions and backing.
type Region struct {
	rng     addr.VirtualRange
	perms   Permissions
	backing BackingKind

	// shared is set for Shared regions.
	shared *SharedFrames

	// committed has one bit per page, set once the page is mapped.
	committed bitmap.Bitmap
}

func newRegion(vr addr.VirtualRange, perms Permissions, backing BackingKind) *Region {
	return &Region{
		rng:       vr,
		perms:     perms,
		backing:   backing,
		committed: bitmap.New(uint32(vr.Pages())),
	}
}

// pageIndex returns the index of the page containing va.
func (r *Region) pageIndex(va addr.Virtual) uint32 {
	return uint32((va - r.rng.Start) >> addr.PageShift)
}

// pageAt returns the page with index i.
func (r *Region) pageAt(i uint32) addr.Virtual {
	return r.rng.Start.Add(uintptr(i) << addr.PageShift)
}

func (r *Region) state() State {
	switch {
	case r.committed.IsEmpty():
		return StateReserved
	case r.committed.IsFull():
		return StateCommitted
	default:
		return StatePartial
	}
}

func (r *Region) info() RegionInfo {
	return RegionInfo{
		Range:       r.rng,
		Permissions: r.perms,
		Backing:     r.backing,
		State:       r.state(),
		Committed:   uintptr(r.committed.GetNumOnes()),
	}
}

// RegionInfo describes a region at one point in time.
type RegionInfo struct {
	Range       addr.VirtualRange
	Permissions Permissions
	Backing     BackingKind
	State       State

	// Committed is the number of committed pages.
	Committed uintptr
}

// String implements fmt.Stringer.
func (ri RegionInfo) String() string {
	return fmt.Sprintf("%v %v %v (%v, %d pages committed)", ri.Range, ri.Permissions, ri.Backing, ri.State, ri.Committed)
}

// Constructor decides the backing of a new region and which of its pages
// are committed when it is mapped.
type Constructor struct {
	backing BackingKind
	eager   bool
	adopt   bool
	phys    addr.PhysicalRange
	shared  *SharedFrames
}

// NewZeroed returns a constructor for zero-filled pages committed on first
// touch.
func NewZeroed() Constructor {
	return Constructor{backing: ZeroFill}
}

// NewZeroedCommitted returns a constructor for zero-filled pages that are
// all committed at map time.
func NewZeroedCommitted() Constructor {
	return Constructor{backing: ZeroFill, eager: true}
}

// NewStatic returns a constructor mapping phys. The frames stay owned by
// the caller and are not freed on unmap.
func NewStatic(phys addr.PhysicalRange) Constructor {
	return Constructor{backing: Static, eager: true, phys: phys}
}

// NewAdopted returns a constructor recording pages that are already mapped,
// such as those set up before the kernel address space was adopted. Their
// frames are not freed on unmap.
func NewAdopted() Constructor {
	return Constructor{backing: Static, adopt: true}
}

// NewShared returns a constructor mapping s. The region holds a reference
// on s until it is unmapped.
func NewShared(s *SharedFrames) Constructor {
	return Constructor{backing: Shared, eager: true, shared: s}
}

// NewReserved returns a constructor that only reserves virtual space.
func NewReserved() Constructor {
	return Constructor{backing: Reserved}
}

// String implements fmt.Stringer.
func (c Constructor) String() string {
	switch {
	case c.adopt:
		return "adopted"
	case c.eager && c.backing == ZeroFill:
		return "zeroed-committed"
	default:
		return c.backing.String()
	}
}

// construct builds the region for vr and maps its eagerly committed pages
// into flush. On failure nothing stays mapped or allocated.
//
// Preconditions: as.mu must be locked.
func (c Constructor) construct(as *AddressSpace, vr addr.VirtualRange, perms Permissions, flush *tlb.Flush) (*Region, error) {
	r := newRegion(vr, perms, c.backing)
	pages := uint32(vr.Pages())
	switch {
	case c.adopt:
		r.committed.SetRange(0, pages)
	case !c.eager:
	case c.backing == ZeroFill:
		base, err := frame.AllocateZeroed(as.frames, as.mem, vr.Pages())
		if err != nil {
			return nil, err
		}
		cu := cleanup.Make(func() {
			if err := as.frames.DeallocateFrames(base, vr.Pages()); err != nil {
				panic(fmt.Sprintf("freeing frames of failed region %v: %v", vr, err))
			}
		})
		defer cu.Clean()
		if err := as.mapper.MapRange(vr, addr.PhysicalRangeOf(base, vr.Pages()), perms.EntryFlags(), flush); err != nil {
			return nil, err
		}
		cu.Release()
		r.committed.SetRange(0, pages)
	case c.backing == Static:
		if c.phys.Size() != vr.Size() {
			return nil, fmt.Errorf("static region %v over %v: %w", vr, c.phys, vmerr.ErrSizeMismatch)
		}
		if err := as.mapper.MapRange(vr, c.phys, perms.EntryFlags(), flush); err != nil {
			return nil, err
		}
		r.committed.SetRange(0, pages)
	case c.backing == Shared:
		if c.shared.Range().Size() != vr.Size() {
			return nil, fmt.Errorf("shared region %v over %v: %w", vr, c.shared.Range(), vmerr.ErrSizeMismatch)
		}
		if err := as.mapper.MapRange(vr, c.shared.Range(), perms.EntryFlags(), flush); err != nil {
			return nil, err
		}
		c.shared.IncRef()
		r.shared = c.shared
		r.committed.SetRange(0, pages)
	}
	return r, nil
}

// SharedFrames is a run of zeroed frames that several regions, possibly in
// different address spaces, map at once. The frames are freed when the
// last reference is dropped.
type SharedFrames struct {
	frames frame.Allocator
	rng    addr.PhysicalRange
	refs   atomic.Int64
}

// NewSharedFrames allocates n zeroed frames. The caller holds the initial
// reference.
func NewSharedFrames(frames frame.Allocator, mem *physmem.Memory, n uintptr) (*SharedFrames, error) {
	base, err := frame.AllocateZeroed(frames, mem, n)
	if err != nil {
		return nil, err
	}
	s := &SharedFrames{frames: frames, rng: addr.PhysicalRangeOf(base, n)}
	s.refs.Store(1)
	return s, nil
}

// Range returns the frames.
func (s *SharedFrames) Range() addr.PhysicalRange {
	return s.rng
}

// ReadRefs returns the current number of references.
func (s *SharedFrames) ReadRefs() int64 {
	return s.refs.Load()
}

// IncRef takes a reference.
func (s *SharedFrames) IncRef() {
	if v := s.refs.Add(1); v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %d on shared frames %v", v-1, s.rng))
	}
}

// DecRef drops a reference, freeing the frames when it was the last one.
func (s *SharedFrames) DecRef() error {
	switch v := s.refs.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %d on shared frames %v", v, s.rng))
	case v == 0:
		return s.frames.DeallocateFrames(s.rng.Start, s.rng.Frames())
	}
	return nil
}

// commitLocked maps every uncommitted page of r inside vr.
//
// Preconditions: as.mu must be locked. vr must lie inside r.
func (as *AddressSpace) commitLocked(r *Region, vr addr.VirtualRange, flush *tlb.Flush) error {
	end := r.pageIndex(vr.End-1) + 1
	for i := r.pageIndex(vr.Start); i < end; i++ {
		if r.committed.Test(i) {
			continue
		}
		page := r.pageAt(i)
		if r.backing != ZeroFill {
			return fmt.Errorf("page %v of %v region %v cannot be committed: %w", page, r.backing, r.rng, vmerr.ErrVirtualAddressNotMapped)
		}
		pa, err := frame.AllocateZeroed(as.frames, as.mem, 1)
		if err != nil {
			return err
		}
		if err := as.mapper.MapRange(addr.VirtualRange{Start: page, End: page + addr.PageSize}, addr.PhysicalRangeOf(pa, 1), r.perms.EntryFlags(), flush); err != nil {
			if ferr := frame.DeallocateFrame(as.frames, pa); ferr != nil {
				panic(fmt.Sprintf("freeing frame %v: %v", pa, ferr))
			}
			return err
		}
		r.committed.Add(i)
	}
	return nil
}

// removeLocked unmaps r, releases what it owns and drops it from the set.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) removeLocked(r *Region, flush *tlb.Flush) error {
	var err error
	switch r.backing {
	case ZeroFill, Reserved:
		// Reserved regions may hold pages their owner mapped directly.
		err = as.mapper.UnmapRange(r.rng, flush)
	case Static:
		err = as.mapper.UnmapRangeRetain(r.rng, flush)
	case Shared:
		err = as.mapper.UnmapRangeRetain(r.rng, flush)
		if derr := r.shared.DecRef(); derr != nil && err == nil {
			err = derr
		}
	}
	as.regions.Delete(r)
	as.used -= r.rng.Size()
	return err
}
