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
	"strings"

	"kestrel.dev/kestrel/pkg/addr"
)

const (
	// entriesPerTable is the fan-out of every table level.
	entriesPerTable = 512

	// indexBits is the number of virtual address bits consumed per level.
	indexBits = 9

	// pteSize is the size of one entry in bytes.
	pteSize = 8
)

// Mode describes one RISC-V virtual addressing scheme.
type Mode interface {
	// Name returns the lowercase name of the mode, e.g. "sv39".
	Name() string

	// PageSize returns the size of a base page.
	PageSize() uintptr

	// Levels returns the number of table levels.
	Levels() int

	// EntriesPerTable returns the number of entries in one table.
	EntriesPerTable() int

	// PhysOffset returns the base of the direct map of physical memory.
	PhysOffset() addr.Virtual

	// VirtualBits returns the number of implemented virtual address bits.
	VirtualBits() uint

	// SATPMode returns the value of the satp MODE field.
	SATPMode() uint64

	// DefaultLeafFlags returns the flags set on every leaf entry.
	DefaultLeafFlags() EntryFlags

	// DefaultTableFlags returns the flags set on every table pointer.
	DefaultTableFlags() EntryFlags

	// IsLeaf returns true if pte maps a page rather than a table.
	IsLeaf(pte PTE) bool

	// IsCanonical returns true if v is representable, i.e. all bits above
	// the top implemented bit are copies of it.
	IsCanonical(v addr.Virtual) bool

	// PhysToVirt returns the direct-map address of pa.
	PhysToVirt(pa addr.Physical) addr.Virtual

	// VirtToPhys inverts PhysToVirt. ok is false for addresses below the
	// direct map.
	VirtToPhys(v addr.Virtual) (pa addr.Physical, ok bool)

	// LowerHalf returns the canonical lower half, used for user memory.
	LowerHalf() addr.VirtualRange

	// UpperHalf returns the canonical upper half, used for the kernel. The
	// last page is excluded so that the range end does not wrap.
	UpperHalf() addr.VirtualRange
}

// riscvMode implements Mode. The modes differ only in level count, direct
// map base and satp encoding.
type riscvMode struct {
	name       string
	levels     int
	physOffset addr.Virtual
	satpMode   uint64
}

var (
	// Sv39 is the three level, 39-bit addressing mode.
	Sv39 Mode = riscvMode{name: "sv39", levels: 3, physOffset: 0xffff_ffd8_0000_0000, satpMode: 8}

	// Sv48 is the four level, 48-bit addressing mode.
	Sv48 Mode = riscvMode{name: "sv48", levels: 4, physOffset: 0xffff_bfff_8000_0000, satpMode: 9}

	// Sv57 is the five level, 57-bit addressing mode.
	Sv57 Mode = riscvMode{name: "sv57", levels: 5, physOffset: 0xff7f_ffff_8000_0000, satpMode: 10}

	modes = []Mode{Sv39, Sv48, Sv57}
)

// ModeByName returns the mode with the given name (case insensitive).
func ModeByName(name string) (Mode, error) {
	for _, m := range modes {
		if strings.EqualFold(m.Name(), name) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown addressing mode %q", name)
}

// ModeBySATP returns the mode whose satp MODE field is v.
func ModeBySATP(v uint64) (Mode, error) {
	for _, m := range modes {
		if m.SATPMode() == v {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unsupported satp mode %d", v)
}

func (m riscvMode) Name() string                  { return m.name }
func (m riscvMode) PageSize() uintptr             { return addr.PageSize }
func (m riscvMode) Levels() int                   { return m.levels }
func (m riscvMode) EntriesPerTable() int          { return entriesPerTable }
func (m riscvMode) PhysOffset() addr.Virtual      { return m.physOffset }
func (m riscvMode) SATPMode() uint64              { return m.satpMode }
func (m riscvMode) DefaultLeafFlags() EntryFlags  { return Valid }
func (m riscvMode) DefaultTableFlags() EntryFlags { return Valid }
func (m riscvMode) String() string                { return m.name }

func (m riscvMode) VirtualBits() uint {
	return addr.PageShift + indexBits*uint(m.levels)
}

func (m riscvMode) IsLeaf(pte PTE) bool {
	return pte.Flags()&(Read|Execute) != 0
}

func (m riscvMode) IsCanonical(v addr.Virtual) bool {
	top := int64(v) >> (m.VirtualBits() - 1)
	return top == 0 || top == -1
}

func (m riscvMode) PhysToVirt(pa addr.Physical) addr.Virtual {
	return m.physOffset + addr.Virtual(pa)
}

func (m riscvMode) VirtToPhys(v addr.Virtual) (addr.Physical, bool) {
	if v < m.physOffset {
		return 0, false
	}
	return addr.Physical(v - m.physOffset), true
}

func (m riscvMode) LowerHalf() addr.VirtualRange {
	return addr.VirtualRange{Start: 0, End: addr.Virtual(1) << (m.VirtualBits() - 1)}
}

func (m riscvMode) UpperHalf() addr.VirtualRange {
	return addr.VirtualRange{
		Start: addr.Virtual(^uintptr(0) << (m.VirtualBits() - 1)),
		End:   addr.Virtual(^uintptr(0) &^ (addr.PageSize - 1)),
	}
}

// levelSpan returns the number of bytes mapped by one entry at level,
// where level 0 holds the page leaves.
func levelSpan(level int) uintptr {
	return uintptr(1) << (addr.PageShift + indexBits*level)
}

// levelIndex returns the index of v's entry in its level table.
func levelIndex(v addr.Virtual, level int) uintptr {
	return (uintptr(v) >> (addr.PageShift + indexBits*level)) & (entriesPerTable - 1)
}

// satp register layout.
const (
	satpModeShift = 60
	satpASIDShift = 44
	satpASIDMask  = 0xffff
	satpPPNMask   = (1 << 44) - 1
)

// MakeSATP encodes a satp value selecting root as the table for asid.
func MakeSATP(mode Mode, asid uint16, root addr.Physical) uint64 {
	return mode.SATPMode()<<satpModeShift | uint64(asid)<<satpASIDShift | uint64(root>>addr.PageShift)&satpPPNMask
}

// DecodeSATP splits a satp value into its fields.
func DecodeSATP(satp uint64) (mode uint64, asid uint16, root addr.Physical) {
	mode = satp >> satpModeShift
	asid = uint16((satp >> satpASIDShift) & satpASIDMask)
	root = addr.Physical((satp & satpPPNMask) << addr.PageShift)
	return mode, asid, root
}

// TableRegister is the per-hart register selecting the active root table.
type TableRegister interface {
	// SATP returns the current register value.
	SATP() uint64

	// SetSATP replaces the register value.
	SetSATP(v uint64)
}
