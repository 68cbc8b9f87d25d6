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

// Package kheap implements the kernel heap: a free list over a window of
// the kernel address space that is mapped on demand.
//
// The heap starts with one mapped page at the bottom of its window and
// grows upward. Each growth at least doubles the mapped span, clamped to
// the top of the window.
package kheap

import (
	"errors"
	"fmt"
	"sync"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/freelist"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/mm"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// State describes the heap.
type State struct {
	// Span is the mapped part of the window.
	Span addr.VirtualRange

	// Ceiling is the top of the window.
	Ceiling addr.Virtual

	// Grows counts successful growths.
	Grows int

	freelist.Stats
}

// Heap is the kernel heap.
type Heap struct {
	as *mm.AddressSpace

	// mu protects the fields below. It is taken before the address space
	// lock.
	mu      sync.Mutex
	list    *freelist.Allocator
	span    addr.VirtualRange
	ceiling addr.Virtual
	grows   int
}

// New returns an uninitialized heap living in as.
func New(as *mm.AddressSpace) *Heap {
	return &Heap{as: as}
}

// Init reserves window in the address space and maps its first page.
func (h *Heap) Init(window addr.VirtualRange) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.list != nil {
		return fmt.Errorf("heap already initialized at %v", h.span)
	}
	if !window.IsPageAligned() {
		return fmt.Errorf("heap window %v: %w", window, vmerr.ErrMisaligned)
	}
	if window.IsEmpty() {
		return fmt.Errorf("heap window %v: %w", window, vmerr.ErrSizeMismatch)
	}
	if _, err := h.as.MapFixed(window, mm.Read|mm.Write, mm.NewReserved()); err != nil {
		return fmt.Errorf("reserving heap window: %w", err)
	}

	first := addr.VirtualRange{Start: window.Start, End: window.Start.Add(addr.PageSize)}
	if err := h.mapSpan(first); err != nil {
		if uerr := h.as.Unmap(window); uerr != nil {
			log.Warningf("Releasing heap window %v: %v", window, uerr)
		}
		return err
	}
	list := freelist.New()
	if err := list.Claim(first); err != nil {
		return err
	}
	h.list = list
	h.span = first
	h.ceiling = window.End
	log.Infof("Kernel heap at %v, ceiling %v", first, h.ceiling)
	return nil
}

// Alloc returns size bytes aligned to align, growing the heap once if the
// free list cannot satisfy the request.
func (h *Heap) Alloc(size, align uintptr) (addr.Virtual, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.list == nil {
		return 0, fmt.Errorf("heap not initialized: %w", vmerr.ErrOutOfMemory)
	}
	p, err := h.list.Alloc(size, align)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, vmerr.ErrOutOfMemory) {
		return 0, err
	}
	if gerr := h.growLocked(size + align); gerr != nil {
		return 0, gerr
	}
	return h.list.Alloc(size, align)
}

// Free returns memory obtained from Alloc.
func (h *Heap) Free(p addr.Virtual, size uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.list.Free(p, size)
}

// State returns the current state.
func (h *Heap) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := State{Span: h.span, Ceiling: h.ceiling, Grows: h.grows}
	if h.list != nil {
		s.Stats = h.list.Stats()
	}
	return s
}

// growLocked maps enough new pages above the span for a request of
// request bytes.
//
// Preconditions: h.mu must be locked.
func (h *Heap) growLocked(request uintptr) error {
	old := h.span
	grow, ok := addr.AlignUp(max(old.Size(), request), addr.PageSize)
	if !ok {
		return fmt.Errorf("growing heap by %#x: %w", request, vmerr.ErrOutOfMemory)
	}
	end, ok := old.End.CheckedAdd(grow)
	if !ok || end > h.ceiling {
		end = h.ceiling
	}
	next := addr.VirtualRange{Start: old.Start, End: end}
	log.Debugf("Extending heap. Old %v => %v", old, next)
	if next == old {
		return fmt.Errorf("heap at ceiling %v: %w", h.ceiling, vmerr.ErrOutOfMemory)
	}

	if err := h.mapSpan(addr.VirtualRange{Start: old.End, End: end}); err != nil {
		return err
	}
	if err := h.list.Extend(old, next); err != nil {
		return err
	}
	h.span = next
	h.grows++
	return nil
}

// mapSpan backs vr with fresh frames.
func (h *Heap) mapSpan(vr addr.VirtualRange) error {
	log.Debugf("Mapping kernel heap region %v", vr)
	if err := h.as.Populate(vr); err != nil {
		return fmt.Errorf("mapping heap %v: %w", vr, err)
	}
	return nil
}
