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
	"errors"
	"fmt"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/frame"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/physmem"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// visitor is called by a walker for leaf-level entries.
type visitor interface {
	// visit is called for the page at va whose entry lives at slot. It may
	// rewrite the entry. Returning an error stops the walk.
	visit(va addr.Virtual, slot addr.Physical, pte PTE) error

	// requiresAlloc returns true if missing tables should be allocated,
	// in which case visit is also called for invalid entries.
	requiresAlloc() bool

	// mayClear returns true if visit may invalidate entries. Tables left
	// empty by such a walk are freed.
	mayClear() bool
}

// errStopWalk stops a walk early without reporting an error.
var errStopWalk = errors.New("stop walk")

// walker walks the tables of a Mapper over a range, top-down.
type walker struct {
	m       *Mapper
	visitor visitor
}

// addrEnd returns the next boundary of size after addr, or end if that
// comes earlier.
func addrEnd(a, end addr.Virtual, size uintptr) addr.Virtual {
	next := (a + addr.Virtual(size)) &^ addr.Virtual(size-1)
	if next < a || next > end {
		return end
	}
	return next
}

// iterateRange walks [start, end).
//
// Precondition: start and end are page aligned and lie in one canonical
// half.
func (w *walker) iterateRange(start, end addr.Virtual) error {
	err := w.walkTable(w.m.root, w.m.mode.Levels()-1, start, end)
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return err
}

func (w *walker) walkTable(table addr.Physical, level int, start, end addr.Virtual) error {
	mem := w.m.mem
	for start < end {
		next := addrEnd(start, end, levelSpan(level))
		slot := table.Add(levelIndex(start, level) * pteSize)
		pte := PTE(mem.LoadUint64(slot))

		if level == 0 {
			if pte.Valid() || w.visitor.requiresAlloc() {
				if err := w.visitor.visit(start, slot, pte); err != nil {
					return err
				}
			}
			start = next
			continue
		}

		created := false
		if !pte.Valid() {
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				start = next
				continue
			}
			child, err := frame.AllocateZeroed(w.m.alloc, mem, 1)
			if err != nil {
				return err
			}
			pte = MakePTE(child, w.m.mode.DefaultTableFlags())
			mem.StoreUint64(slot, uint64(pte))
			created = true
		} else if w.m.mode.IsLeaf(pte) {
			// Super pages are never installed by a Mapper.
			return fmt.Errorf("super page at %v (level %d): %w", start, level, vmerr.ErrUnsupported)
		}

		err := w.walkTable(pte.Address(), level-1, start, next)

		// Check if we no longer need this table.
		if (created || w.visitor.mayClear()) && w.m.tableEmpty(pte.Address()) {
			mem.StoreUint64(slot, 0)
			w.m.freeTable(pte.Address())
		}
		if err != nil {
			return err
		}
		start = next
	}
	return nil
}

// tableEmpty returns true if no entry of table is valid.
func (m *Mapper) tableEmpty(table addr.Physical) bool {
	for i := uintptr(0); i < entriesPerTable; i++ {
		if PTE(m.mem.LoadUint64(table.Add(i*pteSize))).Valid() {
			return false
		}
	}
	return true
}

func (m *Mapper) freeTable(table addr.Physical) {
	if err := frame.DeallocateFrame(m.alloc, table); err != nil {
		log.Warningf("Failed to free page table frame %v: %v", table, err)
	}
}

// Lookup translates va by walking the tables rooted at root the way the
// hardware does. It returns the physical address and the flags of the
// leaf entry, or ok == false if va is not mapped.
func Lookup(mem *physmem.Memory, mode Mode, root addr.Physical, va addr.Virtual) (pa addr.Physical, flags EntryFlags, ok bool) {
	if !mode.IsCanonical(va) {
		return 0, 0, false
	}
	table := root
	for level := mode.Levels() - 1; level >= 0; level-- {
		if !mem.Contains(table, addr.PageSize) {
			return 0, 0, false
		}
		pte := PTE(mem.LoadUint64(table.Add(levelIndex(va, level) * pteSize)))
		if !pte.Valid() {
			return 0, 0, false
		}
		if mode.IsLeaf(pte) {
			off := uintptr(va) & (levelSpan(level) - 1)
			return pte.Address().Add(off), pte.Flags(), true
		}
		if level == 0 {
			// A pointer at the last level is malformed.
			return 0, 0, false
		}
		table = pte.Address()
	}
	return 0, 0, false
}
