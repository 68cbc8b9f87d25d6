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

// Package kernel boots the simulated machine: it builds physical memory
// and the harts, sets up the boot page table, hands the frames over to the
// runtime allocator and brings up the kernel address space and heap.
package kernel

import (
	"fmt"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/cleanup"
	"kestrel.dev/kestrel/pkg/config"
	"kestrel.dev/kestrel/pkg/frame"
	"kestrel.dev/kestrel/pkg/hart"
	"kestrel.dev/kestrel/pkg/kheap"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/mm"
	"kestrel.dev/kestrel/pkg/pagetables"
	"kestrel.dev/kestrel/pkg/physmem"
	"kestrel.dev/kestrel/pkg/tlb"
)

// Kernel is a booted machine.
type Kernel struct {
	Config  *config.Config
	Mode    pagetables.Mode
	Memory  *physmem.Memory
	Machine *hart.Machine

	// Frames is the runtime frame allocator.
	Frames *frame.Locked

	// ASIDs assigns identifiers to user address spaces.
	ASIDs *pagetables.ASIDs

	// AddressSpace is the kernel address space.
	AddressSpace *mm.AddressSpace

	Heap *kheap.Heap

	// Image is where the kernel image is mapped.
	Image addr.VirtualRange

	// Stacks holds one kernel stack per hart.
	Stacks []addr.VirtualRange

	// Tasks tracks the address space each hart runs.
	Tasks *Tasks

	// source is what HandleTrap asks for the current address space. It is
	// Tasks unless replaced with SetTaskSource.
	source TaskSource

	// faultLog reports uncorrectable faults.
	faultLog log.Logger
}

// bootMapping is a range mapped by the boot page table.
type bootMapping struct {
	virt  addr.VirtualRange
	phys  addr.PhysicalRange
	perms mm.Permissions
}

// bootLayout is everything the boot page table maps.
type bootLayout struct {
	direct []bootMapping
	image  bootMapping
	stacks []bootMapping
}

func (l *bootLayout) all() []bootMapping {
	ms := append([]bootMapping(nil), l.direct...)
	ms = append(ms, l.image)
	return append(ms, l.stacks...)
}

// Boot builds a machine as described by conf.
func Boot(conf *config.Config) (*Kernel, error) {
	mode, err := conf.Mode()
	if err != nil {
		return nil, err
	}
	window, err := conf.HeapWindow(mode)
	if err != nil {
		return nil, err
	}

	mem, err := physmem.New(conf.RAM)
	if err != nil {
		return nil, fmt.Errorf("creating physical memory: %w", err)
	}
	cu := cleanup.Make(func() { mem.Close() })
	defer cu.Clean()

	machine, err := hart.NewMachine(hart.Opts{Harts: conf.Harts, MailboxSize: conf.MailboxSize})
	if err != nil {
		return nil, err
	}
	cu.Add(machine.Stop)

	// Until the bitmap allocator takes over, frames are handed out by
	// bumping through RAM.
	bump := frame.NewBumpAllocator(conf.RAM)
	layout, err := newBootLayout(conf, mode, mem, bump)
	if err != nil {
		return nil, err
	}
	boot, err := pagetables.New(mode, pagetables.KernelASID, mem, bump)
	if err != nil {
		return nil, fmt.Errorf("allocating boot table: %w", err)
	}
	flush := tlb.Empty(pagetables.KernelASID)
	for _, m := range layout.all() {
		if err := boot.MapRange(m.virt, m.phys, m.perms.EntryFlags(), &flush); err != nil {
			return nil, fmt.Errorf("boot mapping %v => %v: %w", m.virt, m.phys, err)
		}
	}
	// No hart has run on the table yet.
	flush.Ignore()
	for _, h := range machine.Harts() {
		boot.Activate(h)
	}
	log.Infof("Boot table at %v, %d bytes consumed before handoff", boot.Root(), bump.Offset())

	frames := frame.NewLocked(frame.NewBitmapAllocatorFromBump(bump))
	asids, err := pagetables.NewASIDs(conf.ASIDs)
	if err != nil {
		return nil, err
	}
	kas, err := mm.NewKernelAddressSpace(mm.Opts{
		Mode:   mode,
		Memory: mem,
		Frames: frames,
		Fencer: machine,
		ASIDs:  asids,
	}, machine.Hart(0))
	if err != nil {
		return nil, err
	}
	for _, m := range layout.all() {
		if _, err := kas.MapFixed(m.virt, m.perms, mm.NewAdopted()); err != nil {
			return nil, fmt.Errorf("adopting boot mapping %v: %w", m.virt, err)
		}
	}

	heap := kheap.New(kas)
	if err := heap.Init(window); err != nil {
		return nil, fmt.Errorf("initializing heap: %w", err)
	}

	k := &Kernel{
		Config:       conf,
		Mode:         mode,
		Memory:       mem,
		Machine:      machine,
		Frames:       frames,
		ASIDs:        asids,
		AddressSpace: kas,
		Heap:         heap,
		Image:        layout.image.virt,
		Tasks:        NewTasks(kas),
		faultLog:     log.BasicRateLimitedLogger(conf.FaultLogInterval),
	}
	k.source = k.Tasks
	for _, m := range layout.stacks {
		k.Stacks = append(k.Stacks, m.virt)
	}
	cu.Release()
	log.Infof("Booted %d harts, %v", conf.Harts, frames.Usage())
	return k, nil
}

// newBootLayout lays out the direct map of RAM, the kernel image at the
// top of the address space and one stack per hart below it. Each stack is
// separated from the next by an unmapped guard page.
func newBootLayout(conf *config.Config, mode pagetables.Mode, mem *physmem.Memory, alloc frame.Allocator) (*bootLayout, error) {
	l := &bootLayout{}
	for _, r := range conf.RAM {
		start := mode.PhysToVirt(r.Start)
		l.direct = append(l.direct, bootMapping{
			virt:  addr.VirtualRange{Start: start, End: start.Add(r.Size())},
			phys:  r,
			perms: mm.Read | mm.Write,
		})
	}

	// The image is not loaded from anywhere; its frames are zeroed.
	imagePages := uintptr(conf.KernelImagePages)
	image, err := frame.AllocateZeroed(alloc, mem, imagePages)
	if err != nil {
		return nil, fmt.Errorf("allocating kernel image: %w", err)
	}
	top := mode.UpperHalf().End
	l.image = bootMapping{
		virt:  addr.VirtualRange{Start: top.Sub(imagePages * addr.PageSize), End: top},
		phys:  addr.PhysicalRangeOf(image, imagePages),
		perms: mm.Read | mm.Execute,
	}

	stackPages := uintptr(conf.StackPages)
	end := l.image.virt.Start.Sub(addr.PageSize)
	for i := 0; i < conf.Harts; i++ {
		pa, err := frame.AllocateZeroed(alloc, mem, stackPages)
		if err != nil {
			return nil, fmt.Errorf("allocating stack for hart %d: %w", i, err)
		}
		start := end.Sub(stackPages * addr.PageSize)
		l.stacks = append(l.stacks, bootMapping{
			virt:  addr.VirtualRange{Start: start, End: end},
			phys:  addr.PhysicalRangeOf(pa, stackPages),
			perms: mm.Read | mm.Write,
		})
		end = start.Sub(addr.PageSize)
	}
	return l, nil
}

// NewAddressSpace returns a fresh user address space.
func (k *Kernel) NewAddressSpace() (*mm.AddressSpace, error) {
	return mm.NewAddressSpace(mm.Opts{
		Mode:   k.Mode,
		Memory: k.Memory,
		Frames: k.Frames,
		Fencer: k.Machine,
		ASIDs:  k.ASIDs,
	})
}

// SetTaskSource makes HandleTrap resolve faults in the address spaces
// reported by ts instead of Tasks. It must be called before any hart
// takes a trap.
func (k *Kernel) SetTaskSource(ts TaskSource) {
	k.source = ts
}

// Shutdown stops the harts and releases physical memory.
func (k *Kernel) Shutdown() {
	k.Machine.Stop()
	if err := k.Memory.Close(); err != nil {
		log.Warningf("Closing physical memory: %v", err)
	}
}
