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

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/hart"
	"kestrel.dev/kestrel/pkg/mmu"
	"kestrel.dev/kestrel/pkg/trap"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// userFaults are the traps a user copy turns into errors.
var userFaults = trap.MaskOf(trap.LoadPageFault, trap.StorePageFault)

// UserMmap is a zero-filled user region the kernel copies to and from.
// Offsets passed to its methods are relative to the start of the mapping.
//
// The zero value is an empty mapping.
type UserMmap struct {
	rng addr.VirtualRange
}

// NewEmptyUserMmap returns a mapping of no pages.
func NewEmptyUserMmap() UserMmap {
	return UserMmap{}
}

// NewUserMmap maps length bytes of lazily committed, user readable and
// writable memory into as.
func NewUserMmap(as *AddressSpace, length, align uintptr) (UserMmap, error) {
	if as.Kind() != KindUser {
		return UserMmap{}, fmt.Errorf("user mapping in %v: %w", as, vmerr.ErrUnsupported)
	}
	if length == 0 {
		return NewEmptyUserMmap(), nil
	}
	ri, err := as.Map(Layout{Size: length, Align: align}, Read|Write|User, NewZeroed())
	if err != nil {
		return UserMmap{}, err
	}
	return UserMmap{rng: ri.Range}, nil
}

// Range returns the mapped range.
func (m UserMmap) Range() addr.VirtualRange {
	return m.rng
}

// Len returns the size of the mapping in bytes.
func (m UserMmap) Len() uintptr {
	return m.rng.Size()
}

// IsEmpty returns true if no pages are mapped.
func (m UserMmap) IsEmpty() bool {
	return m.rng.IsEmpty()
}

// span converts the offsets [off, off+n) into addresses.
func (m UserMmap) span(off, n uintptr) (addr.VirtualRange, error) {
	end := off + n
	if end < off || end > m.Len() {
		return addr.VirtualRange{}, fmt.Errorf("offsets [%#x, %#x) of %#x byte mapping: %w", off, end, m.Len(), vmerr.ErrOutOfBounds)
	}
	return addr.VirtualRange{Start: m.rng.Start.Add(off), End: m.rng.Start.Add(end)}, nil
}

// access commits vr and runs fn on h with as active and user access
// enabled. If h was running another table it is switched back before
// access returns. A page fault raised by fn is returned as a *trap.Error.
func (m UserMmap) access(as *AddressSpace, h *hart.Hart, vr addr.VirtualRange, willWrite bool, fn func()) error {
	if err := as.Commit(vr, willWrite); err != nil {
		return err
	}
	if !as.IsActive(h) {
		prev := h.SATP()
		as.Activate(h)
		defer h.SetSATP(prev)
	}
	return trap.CatchTraps(userFaults, func() {
		h.WithUserAccess(fn)
	})
}

// CopyFromUserspace copies len(dst) bytes at off into dst.
func (m UserMmap) CopyFromUserspace(as *AddressSpace, h *hart.Hart, off uintptr, dst []byte) error {
	vr, err := m.span(off, uintptr(len(dst)))
	if err != nil || vr.IsEmpty() {
		return err
	}
	return m.access(as, h, vr, false, func() {
		as.mmu.Load(h, vr.Start, dst, mmu.Supervisor)
	})
}

// CopyToUserspace copies src to off.
func (m UserMmap) CopyToUserspace(as *AddressSpace, h *hart.Hart, src []byte, off uintptr) error {
	vr, err := m.span(off, uintptr(len(src)))
	if err != nil || vr.IsEmpty() {
		return err
	}
	return m.access(as, h, vr, true, func() {
		as.mmu.Store(h, vr.Start, src, mmu.Supervisor)
	})
}

// WithUserSlice calls fn with a copy of the n bytes at off.
func (m UserMmap) WithUserSlice(as *AddressSpace, h *hart.Hart, off, n uintptr, fn func(b []byte)) error {
	buf := make([]byte, n)
	if err := m.CopyFromUserspace(as, h, off, buf); err != nil {
		return err
	}
	fn(buf)
	return nil
}

// WithUserSliceMut calls fn with the n bytes at off and writes back what
// fn leaves in the slice.
func (m UserMmap) WithUserSliceMut(as *AddressSpace, h *hart.Hart, off, n uintptr, fn func(b []byte)) error {
	vr, err := m.span(off, n)
	if err != nil {
		return err
	}
	// Commit for write up front so that the write back cannot fault on a
	// page the read only committed.
	if !vr.IsEmpty() {
		if err := as.Commit(vr, true); err != nil {
			return err
		}
	}
	buf := make([]byte, n)
	if err := m.CopyFromUserspace(as, h, off, buf); err != nil {
		return err
	}
	fn(buf)
	return m.CopyToUserspace(as, h, buf, off)
}

// MakeExecutable remaps the pages read and execute only.
func (m UserMmap) MakeExecutable(as *AddressSpace) error {
	if m.IsEmpty() {
		return nil
	}
	return as.Protect(m.rng, Read|Execute|User)
}

// MakeReadonly remaps the pages read only.
func (m UserMmap) MakeReadonly(as *AddressSpace) error {
	if m.IsEmpty() {
		return nil
	}
	return as.Protect(m.rng, Read|User)
}

// Unmap removes the mapping from as.
func (m UserMmap) Unmap(as *AddressSpace) error {
	if m.IsEmpty() {
		return nil
	}
	return as.Unmap(m.rng)
}
