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

// Package frame provides physical frame allocators.
//
// Two strategies share the Allocator contract: a BumpAllocator used while
// the machine boots, and a BitmapAllocator used once the kernel runs. The
// BitmapAllocator is built from the bump allocator's state so that frames
// consumed during boot are never handed out twice.
//
// Frames are not zeroed by the allocators. Callers that need zeroed frames
// use AllocateZeroed or clear them through physmem.
package frame

import (
	"fmt"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/physmem"
)

// Usage is a snapshot of allocator usage, in frames.
type Usage struct {
	// Used is the number of frames currently allocated.
	Used uintptr

	// Total is the number of frames the allocator manages.
	Total uintptr
}

// Free returns the number of frames not allocated.
func (u Usage) Free() uintptr {
	return u.Total - u.Used
}

// String implements fmt.Stringer.String.
func (u Usage) String() string {
	return fmt.Sprintf("%d/%d frames used", u.Used, u.Total)
}

// Allocator allocates runs of contiguous physical frames.
type Allocator interface {
	// AllocateFrames allocates n contiguous frames and returns the address
	// of the first one. It returns vmerr.ErrOutOfMemory if no run of n
	// frames is available.
	AllocateFrames(n uintptr) (addr.Physical, error)

	// DeallocateFrames returns n frames starting at base. The frames must
	// have been allocated by this allocator.
	DeallocateFrames(base addr.Physical, n uintptr) error

	// Usage returns current usage.
	Usage() Usage
}

// AllocateFrame allocates a single frame.
func AllocateFrame(a Allocator) (addr.Physical, error) {
	return a.AllocateFrames(1)
}

// DeallocateFrame frees a single frame.
func DeallocateFrame(a Allocator, base addr.Physical) error {
	return a.DeallocateFrames(base, 1)
}

// AllocateZeroed allocates n frames and clears them.
func AllocateZeroed(a Allocator, mem *physmem.Memory, n uintptr) (addr.Physical, error) {
	base, err := a.AllocateFrames(n)
	if err != nil {
		return 0, err
	}
	mem.ZeroFrames(base, n)
	return base, nil
}
