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

// Package mmu performs simulated memory accesses on behalf of a hart.
//
// Every access is translated through the hart's translation cache and, on
// a miss, through the page tables selected by its satp register. Failed
// translations and permission violations raise the matching trap.
//
// Accessed and dirty bits are not maintained by the simulated walker.
package mmu

import (
	"fmt"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/hart"
	"kestrel.dev/kestrel/pkg/pagetables"
	"kestrel.dev/kestrel/pkg/physmem"
	"kestrel.dev/kestrel/pkg/trap"
)

// Access is the kind of a memory access.
type Access int

// Access kinds.
const (
	Load Access = iota
	Store
	Fetch
)

// String implements fmt.Stringer.String.
func (a Access) String() string {
	switch a {
	case Load:
		return "load"
	case Store:
		return "store"
	case Fetch:
		return "fetch"
	default:
		return fmt.Sprintf("Access(%d)", int(a))
	}
}

func (a Access) pageFault() trap.Cause {
	switch a {
	case Store:
		return trap.StorePageFault
	case Fetch:
		return trap.InstructionPageFault
	default:
		return trap.LoadPageFault
	}
}

func (a Access) accessFault() trap.Cause {
	switch a {
	case Store:
		return trap.StoreAccessFault
	case Fetch:
		return trap.InstructionAccessFault
	default:
		return trap.LoadAccessFault
	}
}

// Privilege is the privilege level an access is made at.
type Privilege int

// Privilege levels.
const (
	Supervisor Privilege = iota
	User
)

// MMU translates accesses for all harts of a machine.
type MMU struct {
	mem  *physmem.Memory
	mode pagetables.Mode
}

// New returns an MMU over mem using mode.
func New(mem *physmem.Memory, mode pagetables.Mode) *MMU {
	return &MMU{mem: mem, mode: mode}
}

// permitted checks flags against an access.
func permitted(h *hart.Hart, flags pagetables.EntryFlags, at Access, priv Privilege) bool {
	switch at {
	case Load:
		if !flags.Has(pagetables.Read) {
			return false
		}
	case Store:
		if !flags.Has(pagetables.Read | pagetables.Write) {
			return false
		}
	case Fetch:
		if !flags.Has(pagetables.Execute) {
			return false
		}
	}
	user := flags.Has(pagetables.User)
	if priv == User {
		return user
	}
	// Supervisor mode never executes user pages and only touches their
	// data with SUM set.
	return !user || (at != Fetch && h.SUM())
}

// Translate returns the physical address va maps to for the given access,
// or the trap the access raises.
func (m *MMU) Translate(h *hart.Hart, va addr.Virtual, at Access, priv Privilege) (addr.Physical, *trap.Trap) {
	e, ok := h.LookupTLB(va)
	if !ok {
		pa, flags, found := pagetables.Lookup(m.mem, m.mode, h.Root(), va)
		if !found {
			return 0, &trap.Trap{Cause: at.pageFault(), Tval: va, Hart: h.ID()}
		}
		e = hart.Entry{Frame: pa.AlignDown(addr.PageSize), Flags: flags}
		h.FillTLB(va, e)
	}
	if !permitted(h, e.Flags, at, priv) {
		return 0, &trap.Trap{Cause: at.pageFault(), Tval: va, Hart: h.ID()}
	}
	return e.Frame.Add(va.PageOffset()), nil
}

// access performs fn for each page-sized chunk of [va, va+n).
func (m *MMU) access(h *hart.Hart, va addr.Virtual, n int, at Access, priv Privilege, fn func(pa addr.Physical, off, length int) error) {
	for off := 0; off < n; {
		cur := va.Add(uintptr(off))
		length := int(addr.PageSize - cur.PageOffset())
		if length > n-off {
			length = n - off
		}
		pa, t := m.Translate(h, cur, at, priv)
		if t != nil {
			trap.Raise(*t)
		}
		if err := fn(pa, off, length); err != nil {
			trap.Raise(trap.Trap{Cause: at.accessFault(), Tval: cur, Hart: h.ID()})
		}
		off += length
	}
}

// Load reads len(dst) bytes at va into dst. It raises a trap on failure.
func (m *MMU) Load(h *hart.Hart, va addr.Virtual, dst []byte, priv Privilege) {
	m.access(h, va, len(dst), Load, priv, func(pa addr.Physical, off, length int) error {
		return m.mem.Read(pa, dst[off:off+length])
	})
}

// Store writes src at va. It raises a trap on failure.
func (m *MMU) Store(h *hart.Hart, va addr.Virtual, src []byte, priv Privilege) {
	m.access(h, va, len(src), Store, priv, func(pa addr.Physical, off, length int) error {
		return m.mem.Write(pa, src[off:off+length])
	})
}

// Fetch reads instruction bytes at va into dst. It raises a trap on
// failure.
func (m *MMU) Fetch(h *hart.Hart, va addr.Virtual, dst []byte, priv Privilege) {
	m.access(h, va, len(dst), Fetch, priv, func(pa addr.Physical, off, length int) error {
		return m.mem.Read(pa, dst[off:off+length])
	})
}

// Zero clears n bytes at va. It raises a trap on failure.
func (m *MMU) Zero(h *hart.Hart, va addr.Virtual, n int, priv Privilege) {
	m.access(h, va, n, Store, priv, func(pa addr.Physical, _, length int) error {
		s, err := m.mem.Slice(pa, uintptr(length))
		if err != nil {
			return err
		}
		clear(s)
		return nil
	})
}
