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

package kernel

import (
	"sync"

	"kestrel.dev/kestrel/pkg/hart"
	"kestrel.dev/kestrel/pkg/mm"
)

// TaskSource tells the trap handler which address space a hart is running.
type TaskSource interface {
	// CurrentAddressSpace returns the address space active on the hart, or
	// nil if the hart runs kernel code only.
	CurrentAddressSpace(hartID int) *mm.AddressSpace
}

// Tasks is a TaskSource recording the address space switched to on each
// hart.
type Tasks struct {
	kernel *mm.AddressSpace

	mu      sync.Mutex
	current map[int]*mm.AddressSpace
}

// NewTasks returns a TaskSource with every hart in the kernel address
// space.
func NewTasks(kernel *mm.AddressSpace) *Tasks {
	return &Tasks{kernel: kernel, current: make(map[int]*mm.AddressSpace)}
}

// Switch activates as on h.
func (t *Tasks) Switch(h *hart.Hart, as *mm.AddressSpace) {
	t.mu.Lock()
	defer t.mu.Unlock()
	as.Activate(h)
	t.current[h.ID()] = as
}

// SwitchToKernel returns h to the kernel address space.
func (t *Tasks) SwitchToKernel(h *hart.Hart) {
	t.Switch(h, t.kernel)
}

// CurrentAddressSpace implements TaskSource.CurrentAddressSpace.
func (t *Tasks) CurrentAddressSpace(hartID int) *mm.AddressSpace {
	t.mu.Lock()
	defer t.mu.Unlock()
	if as, ok := t.current[hartID]; ok {
		return as
	}
	return t.kernel
}
