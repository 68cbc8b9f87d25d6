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

// Package addr provides physical and virtual address types.
//
// The two address types are deliberately distinct: converting between them
// always requires an explicit translation (a direct-map offset or a page
// table walk).
package addr

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page (and of a physical frame).
	PageSize = 1 << PageShift
)

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
// ok is false if the result overflows.
func AlignUp[T constraints.Unsigned](v, align T) (T, bool) {
	r := (v + align - 1) &^ (align - 1)
	return r, r >= v
}

// IsPowerOfTwo returns true iff v is a power of two.
func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// PagesIn returns the number of whole pages needed to hold n bytes.
func PagesIn(n uintptr) uintptr {
	return (n + PageSize - 1) >> PageShift
}

// Physical is a physical memory address.
type Physical uintptr

// Add returns p+n.
func (p Physical) Add(n uintptr) Physical {
	return p + Physical(n)
}

// Sub returns p-n.
func (p Physical) Sub(n uintptr) Physical {
	return p - Physical(n)
}

// AlignDown returns p rounded down to align.
func (p Physical) AlignDown(align uintptr) Physical {
	return Physical(AlignDown(uintptr(p), align))
}

// AlignUp returns p rounded up to align.
func (p Physical) AlignUp(align uintptr) (Physical, bool) {
	r, ok := AlignUp(uintptr(p), align)
	return Physical(r), ok
}

// IsAligned returns true if p is a multiple of align.
func (p Physical) IsAligned(align uintptr) bool {
	return uintptr(p)&(align-1) == 0
}

// PageOffset returns the offset of p into its page.
func (p Physical) PageOffset() uintptr {
	return uintptr(p) & (PageSize - 1)
}

// String implements fmt.Stringer.String.
func (p Physical) String() string {
	return fmt.Sprintf("%#x", uintptr(p))
}

// Virtual is a virtual memory address.
type Virtual uintptr

// Add returns v+n.
func (v Virtual) Add(n uintptr) Virtual {
	return v + Virtual(n)
}

// CheckedAdd returns v+n and whether the sum did not overflow.
func (v Virtual) CheckedAdd(n uintptr) (Virtual, bool) {
	r := v + Virtual(n)
	return r, r >= v
}

// Sub returns v-n.
func (v Virtual) Sub(n uintptr) Virtual {
	return v - Virtual(n)
}

// AlignDown returns v rounded down to align.
func (v Virtual) AlignDown(align uintptr) Virtual {
	return Virtual(AlignDown(uintptr(v), align))
}

// AlignUp returns v rounded up to align.
func (v Virtual) AlignUp(align uintptr) (Virtual, bool) {
	r, ok := AlignUp(uintptr(v), align)
	return Virtual(r), ok
}

// IsAligned returns true if v is a multiple of align.
func (v Virtual) IsAligned(align uintptr) bool {
	return uintptr(v)&(align-1) == 0
}

// PageRoundDown returns v rounded down to the nearest page boundary.
func (v Virtual) PageRoundDown() Virtual {
	return v.AlignDown(PageSize)
}

// PageOffset returns the offset of v into its page.
func (v Virtual) PageOffset() uintptr {
	return uintptr(v) & (PageSize - 1)
}

// ToRange returns [v, v+length) and whether it did not overflow.
func (v Virtual) ToRange(length uintptr) (VirtualRange, bool) {
	end, ok := v.CheckedAdd(length)
	return VirtualRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Virtual) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}
