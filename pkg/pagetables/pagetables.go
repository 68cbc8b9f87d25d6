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

// Package pagetables builds and mutates RISC-V page tables.
//
// Tables live in simulated physical memory and use the exact Sv39, Sv48
// and Sv57 entry layouts, so a hart's table walk (see Lookup) sees the same
// bits real hardware would. The walk algorithm is written once against the
// Mode interface; the modes only differ in level count and constants.
//
// A Mapper never installs super pages: every leaf maps one base page.
//
// A Mapper is not safe for concurrent mutation. Its owner (an address
// space) serializes all calls.
package pagetables

import (
	"fmt"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/frame"
	"kestrel.dev/kestrel/pkg/physmem"
	"kestrel.dev/kestrel/pkg/tlb"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// Mapper manages the tables of one address space.
type Mapper struct {
	mode  Mode
	asid  uint16
	root  addr.Physical
	mem   *physmem.Memory
	alloc frame.Allocator
}

// New allocates a fresh, empty root table.
func New(mode Mode, asid uint16, mem *physmem.Memory, alloc frame.Allocator) (*Mapper, error) {
	root, err := frame.AllocateZeroed(alloc, mem, 1)
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	return FromAddress(mode, asid, root, mem, alloc), nil
}

// FromAddress returns a Mapper for existing tables rooted at root.
func FromAddress(mode Mode, asid uint16, root addr.Physical, mem *physmem.Memory, alloc frame.Allocator) *Mapper {
	return &Mapper{
		mode:  mode,
		asid:  asid,
		root:  root,
		mem:   mem,
		alloc: alloc,
	}
}

// FromActive returns a Mapper for the tables reg currently selects. The
// register must select mode and asid.
func FromActive(mode Mode, asid uint16, reg TableRegister, mem *physmem.Memory, alloc frame.Allocator) (*Mapper, error) {
	satpMode, active, root := DecodeSATP(reg.SATP())
	if satpMode != mode.SATPMode() {
		active, err := ModeBySATP(satpMode)
		if err != nil {
			return nil, fmt.Errorf("active table: %w", err)
		}
		return nil, fmt.Errorf("active table is %s, want %s", active.Name(), mode.Name())
	}
	if active != asid {
		return nil, vmerr.AddressSpaceMismatchError{Expected: asid, Found: active}
	}
	return FromAddress(mode, asid, root, mem, alloc), nil
}

// Mode returns the addressing mode.
func (m *Mapper) Mode() Mode {
	return m.mode
}

// ASID returns the address space identifier.
func (m *Mapper) ASID() uint16 {
	return m.asid
}

// Root returns the physical address of the root table.
func (m *Mapper) Root() addr.Physical {
	return m.root
}

// Allocator returns the frame allocator tables are taken from.
func (m *Mapper) Allocator() frame.Allocator {
	return m.alloc
}

// Memory returns the physical memory the tables live in.
func (m *Mapper) Memory() *physmem.Memory {
	return m.mem
}

// Activate makes this table live on the hart owning reg. It is the only
// place the table base register is written.
func (m *Mapper) Activate(reg TableRegister) {
	reg.SetSATP(MakeSATP(m.mode, m.asid, m.root))
}

// checkRange validates a page-aligned, non-empty range that must lie in
// one canonical half.
func (m *Mapper) checkRange(r addr.VirtualRange) error {
	if r.IsEmpty() {
		return fmt.Errorf("empty range %v: %w", r, vmerr.ErrSizeMismatch)
	}
	if !r.IsPageAligned() {
		return fmt.Errorf("range %v: %w", r, vmerr.ErrMisaligned)
	}
	if !m.mode.IsCanonical(r.Start) {
		return vmerr.VirtualAddressTooLargeError{Addr: uintptr(r.Start)}
	}
	last := r.End - 1
	if !m.mode.IsCanonical(last) || (int64(r.Start) < 0) != (int64(last) < 0) {
		return vmerr.VirtualAddressTooLargeError{Addr: uintptr(last)}
	}
	return nil
}

func (m *Mapper) checkFlush(flush *tlb.Flush) error {
	if flush.ASID() != m.asid {
		return vmerr.AddressSpaceMismatchError{Expected: flush.ASID(), Found: m.asid}
	}
	return nil
}

// mapVisitor installs leaves for consecutive physical frames.
type mapVisitor struct {
	virt  addr.Virtual
	phys  addr.Physical
	flags EntryFlags
	mem   *physmem.Memory

	// done is the end of the prefix installed so far.
	done addr.Virtual
}

func (v *mapVisitor) visit(va addr.Virtual, slot addr.Physical, pte PTE) error {
	if pte.Valid() {
		return fmt.Errorf("page %v: %w", va, vmerr.ErrAlreadyMapped)
	}
	v.mem.StoreUint64(slot, uint64(MakePTE(v.phys.Add(uintptr(va-v.virt)), v.flags)))
	v.done = va + addr.PageSize
	return nil
}

func (*mapVisitor) requiresAlloc() bool { return true }
func (*mapVisitor) mayClear() bool      { return false }

// MapRange maps virt to phys with flags. Missing tables are allocated and
// zeroed. Mapping over a valid leaf fails with vmerr.ErrAlreadyMapped and
// leaves the tables unchanged. The mapped range is recorded in flush.
//
// If the walk fails part way (for example when no frame is left for a
// table), the pages installed so far are removed again.
func (m *Mapper) MapRange(virt addr.VirtualRange, phys addr.PhysicalRange, flags EntryFlags, flush *tlb.Flush) error {
	if err := m.checkFlush(flush); err != nil {
		return err
	}
	if virt.Size() != phys.Size() {
		return fmt.Errorf("mapping %v to %v: %w", virt, phys, vmerr.ErrSizeMismatch)
	}
	if !phys.IsPageAligned() {
		return fmt.Errorf("physical range %v: %w", phys, vmerr.ErrMisaligned)
	}
	if err := m.checkRange(virt); err != nil {
		return err
	}
	leaf := flags | m.mode.DefaultLeafFlags()
	if err := checkLeafFlags(leaf); err != nil {
		return err
	}
	if va, ok := m.firstMapped(virt); ok {
		return fmt.Errorf("page %v: %w", va, vmerr.ErrAlreadyMapped)
	}

	v := &mapVisitor{virt: virt.Start, phys: phys.Start, flags: leaf, mem: m.mem, done: virt.Start}
	w := walker{m: m, visitor: v}
	err := w.iterateRange(virt.Start, virt.End)
	installed := addr.VirtualRange{Start: virt.Start, End: v.done}
	if !installed.IsEmpty() {
		if ferr := flush.ExtendRange(m.asid, installed); ferr != nil {
			return ferr
		}
	}
	if err != nil {
		if !installed.IsEmpty() {
			rw := walker{m: m, visitor: &unmapVisitor{m: m, retain: true}}
			if rerr := rw.iterateRange(installed.Start, installed.End); rerr != nil {
				return fmt.Errorf("%w (rollback failed: %v)", err, rerr)
			}
		}
		return err
	}
	return nil
}

// IdentityMapRange maps phys at the equal virtual addresses.
func (m *Mapper) IdentityMapRange(phys addr.PhysicalRange, flags EntryFlags, flush *tlb.Flush) error {
	virt := addr.VirtualRange{Start: addr.Virtual(phys.Start), End: addr.Virtual(phys.End)}
	return m.MapRange(virt, phys, flags, flush)
}

// countVisitor counts valid leaves, optionally stopping at the first.
type countVisitor struct {
	n     uintptr
	first addr.Virtual
	stop  bool
}

func (v *countVisitor) visit(va addr.Virtual, _ addr.Physical, _ PTE) error {
	if v.n == 0 {
		v.first = va
	}
	v.n++
	if v.stop {
		return errStopWalk
	}
	return nil
}

func (*countVisitor) requiresAlloc() bool { return false }
func (*countVisitor) mayClear() bool      { return false }

// firstMapped returns the first page of r with a valid leaf.
func (m *Mapper) firstMapped(r addr.VirtualRange) (addr.Virtual, bool) {
	v := &countVisitor{stop: true}
	w := walker{m: m, visitor: v}
	if err := w.iterateRange(r.Start, r.End); err != nil {
		// A super page is mapped.
		return r.Start, true
	}
	return v.first, v.n > 0
}

// updateVisitor rewrites leaf flags in place.
type updateVisitor struct {
	flags EntryFlags
	mem   *physmem.Memory
}

func (v *updateVisitor) visit(_ addr.Virtual, slot addr.Physical, pte PTE) error {
	v.mem.StoreUint64(slot, uint64(MakePTE(pte.Address(), v.flags)))
	return nil
}

func (*updateVisitor) requiresAlloc() bool { return false }
func (*updateVisitor) mayClear() bool      { return false }

// UpdateFlags replaces the flags of the leaves for [virt, virt+length).
// Every page must be mapped, otherwise vmerr.ErrVirtualAddressNotMapped is
// returned before any entry is changed.
func (m *Mapper) UpdateFlags(virt addr.Virtual, length uintptr, flags EntryFlags, flush *tlb.Flush) error {
	if err := m.checkFlush(flush); err != nil {
		return err
	}
	r, ok := virt.ToRange(length)
	if !ok {
		return vmerr.VirtualAddressTooLargeError{Addr: uintptr(virt)}
	}
	if err := m.checkRange(r); err != nil {
		return err
	}
	leaf := flags | m.mode.DefaultLeafFlags()
	if err := checkLeafFlags(leaf); err != nil {
		return err
	}

	cv := &countVisitor{}
	if err := (&walker{m: m, visitor: cv}).iterateRange(r.Start, r.End); err != nil {
		return err
	}
	if cv.n != r.Pages() {
		return fmt.Errorf("updating %v: %d of %d pages mapped: %w", r, cv.n, r.Pages(), vmerr.ErrVirtualAddressNotMapped)
	}

	w := walker{m: m, visitor: &updateVisitor{flags: leaf, mem: m.mem}}
	if err := w.iterateRange(r.Start, r.End); err != nil {
		return err
	}
	return flush.ExtendRange(m.asid, r)
}

// unmapVisitor clears leaves and, unless retain is set, frees the frames
// they point at. Physically contiguous frames are freed as one run.
type unmapVisitor struct {
	m      *Mapper
	retain bool

	runStart addr.Physical
	runLen   uintptr
	err      error
}

func (v *unmapVisitor) visit(_ addr.Virtual, slot addr.Physical, pte PTE) error {
	v.m.mem.StoreUint64(slot, 0)
	if v.retain {
		return nil
	}
	pa := pte.Address()
	if v.runLen > 0 && v.runStart.Add(v.runLen*addr.PageSize) == pa {
		v.runLen++
		return nil
	}
	v.release()
	v.runStart, v.runLen = pa, 1
	return nil
}

func (v *unmapVisitor) release() {
	if v.runLen == 0 {
		return
	}
	if err := v.m.alloc.DeallocateFrames(v.runStart, v.runLen); err != nil && v.err == nil {
		v.err = err
	}
	v.runLen = 0
}

func (*unmapVisitor) requiresAlloc() bool { return false }
func (*unmapVisitor) mayClear() bool      { return true }

// UnmapRange clears every leaf in virt and returns the frames they mapped
// to the allocator. Holes are skipped. Tables left empty are freed. The
// whole range is recorded in flush.
func (m *Mapper) UnmapRange(virt addr.VirtualRange, flush *tlb.Flush) error {
	return m.unmap(virt, false, flush)
}

// UnmapRangeRetain is UnmapRange for pages whose frames the caller still
// owns; only the entries and empty tables are released.
func (m *Mapper) UnmapRangeRetain(virt addr.VirtualRange, flush *tlb.Flush) error {
	return m.unmap(virt, true, flush)
}

func (m *Mapper) unmap(virt addr.VirtualRange, retain bool, flush *tlb.Flush) error {
	if err := m.checkFlush(flush); err != nil {
		return err
	}
	if err := m.checkRange(virt); err != nil {
		return err
	}
	v := &unmapVisitor{m: m, retain: retain}
	w := walker{m: m, visitor: v}
	err := w.iterateRange(virt.Start, virt.End)
	v.release()
	if ferr := flush.ExtendRange(m.asid, virt); ferr != nil {
		return ferr
	}
	if err != nil {
		return err
	}
	return v.err
}

// Translate returns the physical address and flags va is mapped to.
func (m *Mapper) Translate(va addr.Virtual) (addr.Physical, EntryFlags, error) {
	if !m.mode.IsCanonical(va) {
		return 0, 0, vmerr.VirtualAddressTooLargeError{Addr: uintptr(va)}
	}
	pa, flags, ok := Lookup(m.mem, m.mode, m.root, va)
	if !ok {
		return 0, 0, fmt.Errorf("translating %v: %w", va, vmerr.ErrVirtualAddressNotMapped)
	}
	return pa, flags, nil
}

// Mapping is a run of pages mapped to contiguous frames with equal flags.
type Mapping struct {
	Virt  addr.VirtualRange
	Phys  addr.Physical
	Flags EntryFlags
}

// collectVisitor coalesces leaves into Mappings.
type collectVisitor struct {
	mappings []Mapping
}

func (v *collectVisitor) visit(va addr.Virtual, _ addr.Physical, pte PTE) error {
	if n := len(v.mappings); n > 0 {
		last := &v.mappings[n-1]
		if last.Virt.End == va && last.Flags == pte.Flags() && last.Phys.Add(last.Virt.Size()) == pte.Address() {
			last.Virt.End += addr.PageSize
			return nil
		}
	}
	v.mappings = append(v.mappings, Mapping{
		Virt:  addr.VirtualRange{Start: va, End: va + addr.PageSize},
		Phys:  pte.Address(),
		Flags: pte.Flags(),
	})
	return nil
}

func (*collectVisitor) requiresAlloc() bool { return false }
func (*collectVisitor) mayClear() bool      { return false }

// Mappings returns the mappings inside r in ascending order.
func (m *Mapper) Mappings(r addr.VirtualRange) ([]Mapping, error) {
	if err := m.checkRange(r); err != nil {
		return nil, err
	}
	v := &collectVisitor{}
	w := walker{m: m, visitor: v}
	if err := w.iterateRange(r.Start, r.End); err != nil {
		return nil, err
	}
	return v.mappings, nil
}

// Release frees every frame referenced by the tables, leaves included, and
// the tables themselves. The Mapper must not be used afterwards.
//
// Frames the caller still owns must be unmapped with UnmapRangeRetain
// first.
func (m *Mapper) Release() error {
	if m.root == 0 {
		return nil
	}
	err := m.releaseTable(m.root, m.mode.Levels()-1)
	if ferr := frame.DeallocateFrame(m.alloc, m.root); ferr != nil && err == nil {
		err = ferr
	}
	m.root = 0
	return err
}

func (m *Mapper) releaseTable(table addr.Physical, level int) error {
	var firstErr error
	for i := uintptr(0); i < entriesPerTable; i++ {
		pte := PTE(m.mem.LoadUint64(table.Add(i * pteSize)))
		if !pte.Valid() {
			continue
		}
		var err error
		switch {
		case m.mode.IsLeaf(pte):
			err = m.alloc.DeallocateFrames(pte.Address(), levelSpan(level)/addr.PageSize)
		case level > 0:
			if err = m.releaseTable(pte.Address(), level-1); err == nil {
				err = frame.DeallocateFrame(m.alloc, pte.Address())
			}
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
