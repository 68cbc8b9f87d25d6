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
	"sync"
)

// MaxASIDBits is the widest asid field satp can hold.
const MaxASIDBits = 16

// KernelASID is reserved for the kernel address space.
const KernelASID = 0

// ASIDs is a database of address space identifiers.
//
// Identifiers are handed out lowest first and recycled on Drop. KernelASID
// is never handed out.
type ASIDs struct {
	mu sync.Mutex

	// avail holds free identifiers, used as a stack.
	avail []uint16

	// assigned tracks identifiers currently in use.
	assigned map[uint16]struct{}
}

// NewASIDs returns a database of the identifiers [1, size).
func NewASIDs(size int) (*ASIDs, error) {
	if size < 2 || size > 1<<MaxASIDBits {
		return nil, fmt.Errorf("asid count %d must be in [2, %d]", size, 1<<MaxASIDBits)
	}
	a := &ASIDs{
		avail:    make([]uint16, 0, size-1),
		assigned: make(map[uint16]struct{}),
	}
	for asid := size - 1; asid > KernelASID; asid-- {
		a.avail = append(a.avail, uint16(asid))
	}
	return a, nil
}

// Assign returns a free identifier. ok is false if none are left.
func (a *ASIDs) Assign() (asid uint16, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.avail) == 0 {
		return 0, false
	}
	asid = a.avail[len(a.avail)-1]
	a.avail = a.avail[:len(a.avail)-1]
	a.assigned[asid] = struct{}{}
	return asid, true
}

// Drop returns asid to the database. Dropping an identifier that is not
// assigned panics.
func (a *ASIDs) Drop(asid uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.assigned[asid]; !ok {
		panic(fmt.Sprintf("asid %d dropped but not assigned", asid))
	}
	delete(a.assigned, asid)
	a.avail = append(a.avail, asid)
}

// Available returns the number of free identifiers.
func (a *ASIDs) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.avail)
}
