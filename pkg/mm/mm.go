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

// Package mm implements address spaces: the set of regions mapped into one
// page table and the lazy commit of their pages on fault.
//
// Lock order:
//
// kheap.Heap.mu
//
//	AddressSpace.mu
//	  frame.Locked.mu
package mm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/frame"
	"kestrel.dev/kestrel/pkg/hart"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/mmu"
	"kestrel.dev/kestrel/pkg/pagetables"
	"kestrel.dev/kestrel/pkg/physmem"
	"kestrel.dev/kestrel/pkg/tlb"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// Permissions are the access rights of a region.
type Permissions uint8

// Permission bits.
const (
	Read Permissions = 1 << iota
	Write
	Execute
	User
)

// Has returns true if all bits of o are set in p.
func (p Permissions) Has(o Permissions) bool {
	return p&o == o
}

// EntryFlags returns the leaf flags granting p.
func (p Permissions) EntryFlags() pagetables.EntryFlags {
	var f pagetables.EntryFlags
	if p.Has(Read) {
		f |= pagetables.Read
	}
	if p.Has(Write) {
		f |= pagetables.Write
	}
	if p.Has(Execute) {
		f |= pagetables.Execute
	}
	if p.Has(User) {
		f |= pagetables.User
	}
	return f
}

// String implements fmt.Stringer.
func (p Permissions) String() string {
	var b strings.Builder
	for _, c := range []struct {
		bit Permissions
		ch  byte
	}{{Read, 'r'}, {Write, 'w'}, {Execute, 'x'}, {User, 'u'}} {
		if p.Has(c.bit) {
			b.WriteByte(c.ch)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// checkWX rejects writable and executable permissions.
func checkWX(p Permissions) error {
	if p.Has(Write | Execute) {
		return fmt.Errorf("permissions %v: %w", p, vmerr.ErrWriteExecute)
	}
	return nil
}

// PageFaultFlags describe the access that faulted.
type PageFaultFlags uint8

// Page fault causes.
const (
	FaultLoad PageFaultFlags = 1 << iota
	FaultStore
	FaultInstruction
)

// required returns the permissions the faulting access needs.
func (f PageFaultFlags) required() Permissions {
	var p Permissions
	if f&FaultLoad != 0 {
		p |= Read
	}
	if f&FaultStore != 0 {
		p |= Write
	}
	if f&FaultInstruction != 0 {
		p |= Execute
	}
	return p
}

// String implements fmt.Stringer.
func (f PageFaultFlags) String() string {
	var parts []string
	if f&FaultLoad != 0 {
		parts = append(parts, "load")
	}
	if f&FaultStore != 0 {
		parts = append(parts, "store")
	}
	if f&FaultInstruction != 0 {
		parts = append(parts, "instruction")
	}
	return strings.Join(parts, "|")
}

// Kind distinguishes the kernel address space from user ones.
type Kind int

// Address space kinds.
const (
	KindUser Kind = iota
	KindKernel
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k == KindKernel {
		return "kernel"
	}
	return "user"
}

// Layout is the size and alignment of a requested region.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// Opts configures a new address space.
type Opts struct {
	// Mode is the paging mode of the table.
	Mode pagetables.Mode

	// Memory holds the tables and the frames mapped.
	Memory *physmem.Memory

	// Frames allocates frames for tables and committed pages. It must be
	// safe for concurrent use.
	Frames frame.Allocator

	// Fencer invalidates stale translations on all harts.
	Fencer tlb.Fencer

	// ASIDs assigns the asid of a user address space.
	ASIDs *pagetables.ASIDs
}

// AddressSpace is a page table plus the ordered set of regions mapped in
// it.
type AddressSpace struct {
	kind   Kind
	mem    *physmem.Memory
	frames frame.Allocator
	fencer tlb.Fencer
	asids  *pagetables.ASIDs
	mmu    *mmu.MMU

	// usable is the part of the virtual address space regions may occupy.
	usable addr.VirtualRange

	// mu protects the fields below.
	mu sync.Mutex

	mapper *pagetables.Mapper

	// regions is keyed by start address. Regions never overlap.
	regions *btree.BTreeG[*Region]

	// used is the sum of region sizes.
	used uintptr

	released bool
}

func regionLess(a, b *Region) bool {
	return a.rng.Start < b.rng.Start
}

func newAddressSpace(kind Kind, opts Opts, mapper *pagetables.Mapper, usable addr.VirtualRange) *AddressSpace {
	return &AddressSpace{
		kind:    kind,
		mem:     opts.Memory,
		frames:  opts.Frames,
		fencer:  opts.Fencer,
		asids:   opts.ASIDs,
		mmu:     mmu.New(opts.Memory, opts.Mode),
		usable:  usable,
		mapper:  mapper,
		regions: btree.NewG[*Region](8, regionLess),
	}
}

// NewAddressSpace returns an empty user address space with a fresh root
// table and an asid taken from opts.ASIDs.
//
// Regions are placed in [PageSize, 1<<(VirtualBits-1)); the zero page is
// never mapped.
func NewAddressSpace(opts Opts) (*AddressSpace, error) {
	asid, ok := opts.ASIDs.Assign()
	if !ok {
		return nil, fmt.Errorf("no asid available: %w", vmerr.ErrOutOfMemory)
	}
	mapper, err := pagetables.New(opts.Mode, asid, opts.Memory, opts.Frames)
	if err != nil {
		opts.ASIDs.Drop(asid)
		return nil, err
	}
	usable := opts.Mode.LowerHalf()
	usable.Start = addr.PageSize
	log.Debugf("New %v address space: asid %d, root %v", opts.Mode, asid, mapper.Root())
	return newAddressSpace(KindUser, opts, mapper, usable), nil
}

// NewKernelAddressSpace adopts the table active on reg, as left by the
// boot loader, as the kernel address space. Regions are placed in the
// upper canonical half.
func NewKernelAddressSpace(opts Opts, reg pagetables.TableRegister) (*AddressSpace, error) {
	mapper, err := pagetables.FromActive(opts.Mode, pagetables.KernelASID, reg, opts.Memory, opts.Frames)
	if err != nil {
		return nil, err
	}
	log.Debugf("Kernel %v address space: root %v", opts.Mode, mapper.Root())
	return newAddressSpace(KindKernel, opts, mapper, opts.Mode.UpperHalf()), nil
}

// Kind returns whether as is the kernel or a user address space.
func (as *AddressSpace) Kind() Kind {
	return as.kind
}

// Mode returns the paging mode.
func (as *AddressSpace) Mode() pagetables.Mode {
	return as.mapper.Mode()
}

// ASID returns the address space identifier.
func (as *AddressSpace) ASID() uint16 {
	return as.mapper.ASID()
}

// Root returns the physical address of the root table.
func (as *AddressSpace) Root() addr.Physical {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.mapper.Root()
}

// Usable returns the range regions may be placed in.
func (as *AddressSpace) Usable() addr.VirtualRange {
	return as.usable
}

// MMU returns the translation unit for this address space's memory.
func (as *AddressSpace) MMU() *mmu.MMU {
	return as.mmu
}

// Activate switches h to this address space.
func (as *AddressSpace) Activate(h *hart.Hart) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.mapper.Activate(h)
}

// IsActive returns true if h currently runs on this address space.
func (as *AddressSpace) IsActive(h *hart.Hart) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return h.SATP() == pagetables.MakeSATP(as.mapper.Mode(), as.mapper.ASID(), as.mapper.Root())
}

// WithMapper calls fn with the page table locked and a batch for the
// changes fn makes. The batch is flushed after fn returns, even if fn
// fails, so that no installed translation goes unflushed.
//
// fn must not call back into as.
func (as *AddressSpace) WithMapper(fn func(m *pagetables.Mapper, flush *tlb.Flush) error) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	flush := tlb.Empty(as.mapper.ASID())
	err := fn(as.mapper, &flush)
	if ferr := as.flushLocked(&flush); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// flushLocked flushes a non-empty batch.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) flushLocked(flush *tlb.Flush) error {
	if flush.IsEmpty() {
		return nil
	}
	return flush.Flush(as.fencer)
}

// UsedBytes returns the total size of all regions.
func (as *AddressSpace) UsedBytes() uintptr {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.used
}

// Regions returns a snapshot of the regions in ascending order.
func (as *AddressSpace) Regions() []RegionInfo {
	as.mu.Lock()
	defer as.mu.Unlock()
	infos := make([]RegionInfo, 0, as.regions.Len())
	as.regions.Ascend(func(r *Region) bool {
		infos = append(infos, r.info())
		return true
	})
	return infos
}

// Find returns the region containing va.
func (as *AddressSpace) Find(va addr.Virtual) (RegionInfo, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	r := as.findLocked(va)
	if r == nil {
		return RegionInfo{}, false
	}
	return r.info(), true
}

// findLocked returns the region containing va, or nil.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) findLocked(va addr.Virtual) *Region {
	var found *Region
	as.regions.DescendLessOrEqual(&Region{rng: addr.VirtualRange{Start: va}}, func(r *Region) bool {
		if r.rng.Contains(va) {
			found = r
		}
		return false
	})
	return found
}

// exactLocked returns the region spanning exactly vr.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) exactLocked(vr addr.VirtualRange) (*Region, error) {
	r, ok := as.regions.Get(&Region{rng: addr.VirtualRange{Start: vr.Start}})
	if !ok {
		return nil, fmt.Errorf("no region at %v: %w", vr.Start, vmerr.ErrVirtualAddressNotMapped)
	}
	if r.rng != vr {
		return nil, fmt.Errorf("range %v does not match region %v: %w", vr, r.rng, vmerr.ErrRangeMismatch)
	}
	return r, nil
}

// Release unmaps every region, frees the page tables and returns the asid.
// The address space must not be used afterwards. Releasing the kernel
// address space only removes its regions.
func (as *AddressSpace) Release() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.released {
		return nil
	}
	flush := tlb.Empty(as.mapper.ASID())
	var firstErr error
	var all []*Region
	as.regions.Ascend(func(r *Region) bool {
		all = append(all, r)
		return true
	})
	for _, r := range all {
		if err := as.removeLocked(r, &flush); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := as.flushLocked(&flush); err != nil && firstErr == nil {
		firstErr = err
	}
	if as.kind == KindUser {
		if err := as.mapper.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		as.asids.Drop(as.mapper.ASID())
	}
	as.released = true
	return firstErr
}

// String implements fmt.Stringer.
func (as *AddressSpace) String() string {
	return fmt.Sprintf("%v address space (asid %d)", as.kind, as.mapper.ASID())
}
