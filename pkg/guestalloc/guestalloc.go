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

// Package guestalloc allocates memory for guest programs inside an
// address space: code images, stacks and execution contexts. Memory is
// taken from committed zero-filled regions and more regions are mapped
// when the free list runs dry.
package guestalloc

import (
	"errors"
	"fmt"
	"sync"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/freelist"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/mm"
	"kestrel.dev/kestrel/pkg/pagetables"
	"kestrel.dev/kestrel/pkg/tlb"
	"kestrel.dev/kestrel/pkg/vmerr"
)

const (
	// DefaultChunkPages is the number of pages mapped per growth unless a
	// request needs more.
	DefaultChunkPages = 32

	stackAlign     = 16
	vmContextAlign = 8
)

// Allocator hands out memory from regions of one address space.
type Allocator struct {
	as         *mm.AddressSpace
	perms      mm.Permissions
	chunkPages uintptr

	// mu protects the fields below.
	mu   sync.Mutex
	list *freelist.Allocator

	// chunks are the spans claimed by the free list. Adjacent regions
	// share a chunk.
	chunks []addr.VirtualRange

	// regions are the regions mapped, in mapping order.
	regions []addr.VirtualRange
}

// New returns an allocator for as with chunkPages pages mapped up front.
// Memory in a user address space is user accessible.
func New(as *mm.AddressSpace, chunkPages uintptr) (*Allocator, error) {
	if chunkPages == 0 {
		chunkPages = DefaultChunkPages
	}
	perms := mm.Read | mm.Write
	if as.Kind() == mm.KindUser {
		perms |= mm.User
	}
	a := &Allocator{
		as:         as,
		perms:      perms,
		chunkPages: chunkPages,
		list:       freelist.New(),
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.growLocked(0); err != nil {
		return nil, err
	}
	return a, nil
}

// Chunks returns the spans memory is allocated from.
func (a *Allocator) Chunks() []addr.VirtualRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]addr.VirtualRange(nil), a.chunks...)
}

// Regions returns the regions mapped so far.
func (a *Allocator) Regions() []addr.VirtualRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]addr.VirtualRange(nil), a.regions...)
}

// Stats returns the free list usage.
func (a *Allocator) Stats() freelist.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.list.Stats()
}

// growLocked maps a new chunk large enough for need bytes.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) growLocked(need uintptr) error {
	pages := max(a.chunkPages, addr.PagesIn(need))
	ri, err := a.as.Map(mm.Layout{Size: pages * addr.PageSize}, a.perms, mm.NewZeroedCommitted())
	if err != nil {
		return err
	}
	chunk := ri.Range
	a.regions = append(a.regions, chunk)
	if n := len(a.chunks); n > 0 && a.chunks[n-1].End == chunk.Start {
		merged := addr.VirtualRange{Start: a.chunks[n-1].Start, End: chunk.End}
		if err := a.list.Extend(a.chunks[n-1], merged); err != nil {
			return err
		}
		a.chunks[n-1] = merged
	} else {
		if err := a.list.Claim(chunk); err != nil {
			return err
		}
		a.chunks = append(a.chunks, chunk)
	}
	log.Debugf("Guest allocator in %v grew by %v", a.as, chunk)
	return nil
}

// Allocate returns layout.Size bytes aligned to layout.Align.
func (a *Allocator) Allocate(layout mm.Layout) (addr.Virtual, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, err := a.list.Alloc(layout.Size, layout.Align)
	if err == nil || !errors.Is(err, vmerr.ErrOutOfMemory) {
		log.Debugf("Allocation request %v %+v", p, layout)
		return p, err
	}
	if err := a.growLocked(layout.Size + layout.Align); err != nil {
		return 0, fmt.Errorf("growing guest memory for %+v: %w", layout, err)
	}
	p, err = a.list.Alloc(layout.Size, layout.Align)
	log.Debugf("Allocation request %v %+v", p, layout)
	return p, err
}

// AllocateZeroed is Allocate for memory that reads as zero.
func (a *Allocator) AllocateZeroed(layout mm.Layout) (addr.Virtual, error) {
	p, err := a.Allocate(layout)
	if err != nil {
		return 0, err
	}
	if err := a.zero(addr.VirtualRange{Start: p, End: p.Add(layout.Size)}); err != nil {
		a.Deallocate(p, layout)
		return 0, err
	}
	return p, nil
}

// zero clears r through the page tables. Chunks are committed, so every
// page is mapped.
func (a *Allocator) zero(r addr.VirtualRange) error {
	if r.IsEmpty() {
		return nil
	}
	return a.as.WithMapper(func(m *pagetables.Mapper, _ *tlb.Flush) error {
		for va := r.Start; va < r.End; {
			next := min(va.PageRoundDown().Add(addr.PageSize), r.End)
			pa, _, err := m.Translate(va)
			if err != nil {
				return err
			}
			m.Memory().Zero(pa, uintptr(next-va))
			va = next
		}
		return nil
	})
}

// Deallocate returns memory obtained with layout.
func (a *Allocator) Deallocate(p addr.Virtual, layout mm.Layout) {
	log.Debugf("Deallocation request %v %+v", p, layout)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.list.Free(p, layout.Size)
}

// AllocateStack returns a zeroed stack of size bytes. The stack grows
// down from the returned range's End.
func (a *Allocator) AllocateStack(size uintptr) (addr.VirtualRange, error) {
	p, err := a.AllocateZeroed(mm.Layout{Size: size, Align: stackAlign})
	if err != nil {
		return addr.VirtualRange{}, err
	}
	return addr.VirtualRange{Start: p, End: p.Add(size)}, nil
}

// AllocateVMContext returns a zeroed execution context of size bytes.
func (a *Allocator) AllocateVMContext(size uintptr) (addr.Virtual, error) {
	return a.AllocateZeroed(mm.Layout{Size: size, Align: vmContextAlign})
}

// DeallocateVMContext frees a context from AllocateVMContext.
func (a *Allocator) DeallocateVMContext(p addr.Virtual, size uintptr) {
	a.Deallocate(p, mm.Layout{Size: size, Align: vmContextAlign})
}

// Release unmaps every chunk. The allocator must not be used afterwards.
func (a *Allocator) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, r := range a.regions {
		if err := a.as.Unmap(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.chunks = nil
	a.regions = nil
	a.list = freelist.New()
	return firstErr
}
