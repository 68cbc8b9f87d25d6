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

package pagetables

import (
	"fmt"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// EntryFlags are the low bits of a page table entry.
type EntryFlags uint64

// Entry flags.
const (
	Valid EntryFlags = 1 << iota
	Read
	Write
	Execute
	User
	Global
	Accessed
	Dirty

	flagMask EntryFlags = 0xff
)

// Has returns true if all of o is set in f.
func (f EntryFlags) Has(o EntryFlags) bool {
	return f&o == o
}

// String implements fmt.Stringer.String.
func (f EntryFlags) String() string {
	const names = "VRWXUGAD"
	b := []byte("--------")
	for i := range names {
		if f&(1<<i) != 0 {
			b[i] = names[i]
		}
	}
	return string(b)
}

// checkLeafFlags validates the flags of a leaf entry. A valid leaf must be
// readable or executable, and writable pages must be readable.
func checkLeafFlags(f EntryFlags) error {
	if f&^flagMask != 0 || f&(Read|Execute) == 0 || (f&Write != 0 && f&Read == 0) {
		return fmt.Errorf("leaf flags %v: %w", f, vmerr.ErrInvalidFlags)
	}
	return nil
}

const (
	ppnShift = 10
	ppnMask  = (1 << 44) - 1
)

// PTE is a page table entry.
type PTE uint64

// MakePTE returns an entry pointing at pa with flags f.
func MakePTE(pa addr.Physical, f EntryFlags) PTE {
	return PTE((uint64(pa)>>addr.PageShift)&ppnMask<<ppnShift | uint64(f&flagMask))
}

// Valid returns true if the entry is valid.
func (p PTE) Valid() bool {
	return EntryFlags(p)&Valid != 0
}

// Flags returns the entry's flags.
func (p PTE) Flags() EntryFlags {
	return EntryFlags(p) & flagMask
}

// Address returns the physical address the entry points at.
func (p PTE) Address() addr.Physical {
	return addr.Physical((uint64(p) >> ppnShift & ppnMask) << addr.PageShift)
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	return fmt.Sprintf("%v %v", p.Address(), p.Flags())
}
