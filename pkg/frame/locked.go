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

package frame

import (
	"sync"

	"kestrel.dev/kestrel/pkg/addr"
)

// Locked serializes access to an Allocator. The kernel's global frame
// allocator is a *Locked.
//
// Lock order: Locked.mu is always acquired last; it is taken while an
// address space lock (and possibly the heap lock) is held.
type Locked struct {
	mu sync.Mutex
	a  Allocator
}

// NewLocked wraps a.
func NewLocked(a Allocator) *Locked {
	return &Locked{a: a}
}

// AllocateFrames implements Allocator.AllocateFrames.
func (l *Locked) AllocateFrames(n uintptr) (addr.Physical, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.a.AllocateFrames(n)
}

// DeallocateFrames implements Allocator.DeallocateFrames.
func (l *Locked) DeallocateFrames(base addr.Physical, n uintptr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.a.DeallocateFrames(base, n)
}

// Usage implements Allocator.Usage.
func (l *Locked) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.a.Usage()
}
