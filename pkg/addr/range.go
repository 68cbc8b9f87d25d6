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

package addr

import "fmt"

// VirtualRange is a half-open range of virtual addresses [Start, End).
type VirtualRange struct {
	Start Virtual
	End   Virtual
}

// Size returns the length of the range in bytes.
func (r VirtualRange) Size() uintptr {
	return uintptr(r.End - r.Start)
}

// IsEmpty returns true if the range contains no addresses.
func (r VirtualRange) IsEmpty() bool {
	return r.End <= r.Start
}

// WellFormed returns true if r.Start <= r.End.
func (r VirtualRange) WellFormed() bool {
	return r.Start <= r.End
}

// Contains returns true if v is in r.
func (r VirtualRange) Contains(v Virtual) bool {
	return r.Start <= v && v < r.End
}

// IsSupersetOf returns true if o is entirely contained in r.
func (r VirtualRange) IsSupersetOf(o VirtualRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Overlaps returns true if r and o share at least one address.
func (r VirtualRange) Overlaps(o VirtualRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Intersect returns the overlapping part of r and o, which is empty if they
// do not overlap.
func (r VirtualRange) Intersect(o VirtualRange) VirtualRange {
	if r.Start < o.Start {
		r.Start = o.Start
	}
	if r.End > o.End {
		r.End = o.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// Union returns the smallest range containing both r and o. An empty range
// contributes nothing.
func (r VirtualRange) Union(o VirtualRange) VirtualRange {
	if r.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return r
	}
	if o.Start < r.Start {
		r.Start = o.Start
	}
	if o.End > r.End {
		r.End = o.End
	}
	return r
}

// IsPageAligned returns true if both ends of r are page aligned.
func (r VirtualRange) IsPageAligned() bool {
	return r.Start.IsAligned(PageSize) && r.End.IsAligned(PageSize)
}

// PageAlign returns r expanded outward to page boundaries.
func (r VirtualRange) PageAlign() (VirtualRange, bool) {
	end, ok := r.End.AlignUp(PageSize)
	return VirtualRange{r.Start.PageRoundDown(), end}, ok
}

// Pages returns the number of pages spanned by a page-aligned r.
func (r VirtualRange) Pages() uintptr {
	return r.Size() >> PageShift
}

// String implements fmt.Stringer.String.
func (r VirtualRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uintptr(r.Start), uintptr(r.End))
}

// PhysicalRange is a half-open range of physical addresses [Start, End).
type PhysicalRange struct {
	Start Physical
	End   Physical
}

// PhysicalRangeOf returns [base, base+frames*PageSize).
func PhysicalRangeOf(base Physical, frames uintptr) PhysicalRange {
	return PhysicalRange{base, base.Add(frames * PageSize)}
}

// Size returns the length of the range in bytes.
func (r PhysicalRange) Size() uintptr {
	return uintptr(r.End - r.Start)
}

// IsEmpty returns true if the range contains no addresses.
func (r PhysicalRange) IsEmpty() bool {
	return r.End <= r.Start
}

// Contains returns true if p is in r.
func (r PhysicalRange) Contains(p Physical) bool {
	return r.Start <= p && p < r.End
}

// Overlaps returns true if r and o share at least one address.
func (r PhysicalRange) Overlaps(o PhysicalRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// IsPageAligned returns true if both ends of r are page aligned.
func (r PhysicalRange) IsPageAligned() bool {
	return r.Start.IsAligned(PageSize) && r.End.IsAligned(PageSize)
}

// PageAlign returns r expanded outward to page boundaries.
func (r PhysicalRange) PageAlign() (PhysicalRange, bool) {
	end, ok := r.End.AlignUp(PageSize)
	return PhysicalRange{r.Start.AlignDown(PageSize), end}, ok
}

// Frames returns the number of frames spanned by a page-aligned r.
func (r PhysicalRange) Frames() uintptr {
	return r.Size() >> PageShift
}

// String implements fmt.Stringer.String.
func (r PhysicalRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uintptr(r.Start), uintptr(r.End))
}
