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

// Package physmem simulates the physical RAM of a machine.
//
// Each configured region is backed by an anonymous private mapping so that
// frames are page aligned in the host as well as in the simulated physical
// address space. Page tables, heap pages and user pages all live in this
// memory and are addressed by addr.Physical.
package physmem

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/vmerr"
)

type bank struct {
	r   addr.PhysicalRange
	mem []byte
}

// Memory is a set of disjoint physical memory banks.
//
// Memory is safe for concurrent use; callers are responsible for not racing
// on the same bytes, as with real RAM. Page-table entries are accessed with
// LoadUint64 and StoreUint64 which are atomic.
type Memory struct {
	mu     sync.Mutex
	banks  []bank
	closed bool
}

// New maps one bank per range. Ranges must be page aligned, non-empty and
// non-overlapping.
func New(ranges []addr.PhysicalRange) (*Memory, error) {
	sorted := append([]addr.PhysicalRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	m := &Memory{}
	for i, r := range sorted {
		if r.IsEmpty() || !r.IsPageAligned() {
			m.Close()
			return nil, fmt.Errorf("memory region %v: %w", r, vmerr.ErrMisaligned)
		}
		if i > 0 && sorted[i-1].Overlaps(r) {
			m.Close()
			return nil, fmt.Errorf("memory regions %v and %v overlap", sorted[i-1], r)
		}
		mem, err := unix.Mmap(-1, 0, int(r.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to mmap memory region %v: %v", r, err)
		}
		m.banks = append(m.banks, bank{r: r, mem: mem})
		log.Debugf("Physical memory bank %v mapped (%d frames)", r, r.Frames())
	}
	return m, nil
}

// Close releases all banks. Memory must not be used afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var firstErr error
	for _, b := range m.banks {
		if err := unix.Munmap(b.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.banks = nil
	return firstErr
}

// Regions returns the physical ranges of all banks in ascending order.
func (m *Memory) Regions() []addr.PhysicalRange {
	rs := make([]addr.PhysicalRange, 0, len(m.banks))
	for _, b := range m.banks {
		rs = append(rs, b.r)
	}
	return rs
}

// Size returns the total number of bytes of RAM.
func (m *Memory) Size() uintptr {
	var n uintptr
	for _, b := range m.banks {
		n += b.r.Size()
	}
	return n
}

// Contains reports whether [pa, pa+n) lies entirely within one bank.
func (m *Memory) Contains(pa addr.Physical, n uintptr) bool {
	_, err := m.Slice(pa, n)
	return err == nil
}

// Slice returns the bytes backing [pa, pa+n). The range must not cross a
// bank boundary.
func (m *Memory) Slice(pa addr.Physical, n uintptr) ([]byte, error) {
	i := sort.Search(len(m.banks), func(i int) bool { return m.banks[i].r.End > pa })
	if i == len(m.banks) || !m.banks[i].r.Contains(pa) {
		return nil, fmt.Errorf("physical address %v: %w", pa, vmerr.ErrOutOfBounds)
	}
	b := m.banks[i]
	off := uintptr(pa - b.r.Start)
	if n > b.r.Size()-off {
		return nil, fmt.Errorf("physical range [%v, +%#x): %w", pa, n, vmerr.ErrOutOfBounds)
	}
	return b.mem[off : off+n : off+n], nil
}

// mustSlice is Slice for addresses the caller has already validated, such
// as frames handed out by a frame allocator over this memory.
func (m *Memory) mustSlice(pa addr.Physical, n uintptr) []byte {
	s, err := m.Slice(pa, n)
	if err != nil {
		panic(fmt.Sprintf("physmem: %v", err))
	}
	return s
}

// Read copies len(dst) bytes starting at pa into dst.
func (m *Memory) Read(pa addr.Physical, dst []byte) error {
	src, err := m.Slice(pa, uintptr(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Write copies src into memory starting at pa.
func (m *Memory) Write(pa addr.Physical, src []byte) error {
	dst, err := m.Slice(pa, uintptr(len(src)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Zero clears n bytes starting at pa.
func (m *Memory) Zero(pa addr.Physical, n uintptr) {
	clear(m.mustSlice(pa, n))
}

// ZeroFrames clears n frames starting at pa.
func (m *Memory) ZeroFrames(pa addr.Physical, n uintptr) {
	m.Zero(pa, n*addr.PageSize)
}
