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

// Package tlb batches translation cache invalidations.
//
// Page table mutations record the virtual ranges they touched into a
// Flush. Once the mutation is complete, Flush.Flush issues a single remote
// fence for the union of those ranges and waits until every hart has
// acknowledged it. No hart may rely on a mapping change before that
// returns.
package tlb

import (
	"fmt"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// Fencer delivers fence requests to all harts.
type Fencer interface {
	// RemoteFence invalidates cached translations for r in address space
	// asid on every hart. It returns once every hart has acknowledged.
	RemoteFence(asid uint16, r addr.VirtualRange) error

	// FenceAll invalidates every cached translation on every hart.
	FenceAll() error
}

// Flush is a pending invalidation for one address space.
//
// The zero value is an empty batch for asid 0.
type Flush struct {
	asid    uint16
	pending addr.VirtualRange
}

// Empty returns an empty batch for asid.
func Empty(asid uint16) Flush {
	return Flush{asid: asid}
}

// New returns a batch for asid that covers r.
func New(asid uint16, r addr.VirtualRange) Flush {
	return Flush{asid: asid, pending: r}
}

// ASID returns the address space the batch belongs to.
func (f *Flush) ASID() uint16 {
	return f.asid
}

// IsEmpty returns true if no range is pending.
func (f *Flush) IsEmpty() bool {
	return f.pending.IsEmpty()
}

// Range returns the pending range, if any.
func (f *Flush) Range() (addr.VirtualRange, bool) {
	return f.pending, !f.pending.IsEmpty()
}

// ExtendRange adds r to the batch. The result covers the smallest range
// containing both the pending range and r.
func (f *Flush) ExtendRange(asid uint16, r addr.VirtualRange) error {
	if asid != f.asid {
		return vmerr.AddressSpaceMismatchError{Expected: f.asid, Found: asid}
	}
	f.pending = f.pending.Union(r)
	return nil
}

// Merge moves all pending ranges of o into f. o is left empty.
func (f *Flush) Merge(o *Flush) error {
	if err := f.ExtendRange(o.asid, o.pending); err != nil {
		return err
	}
	o.pending = addr.VirtualRange{}
	return nil
}

// Flush issues the pending invalidation through fencer and resets the
// batch. Flushing an empty batch does nothing.
func (f *Flush) Flush(fencer Fencer) error {
	if f.IsEmpty() {
		log.Warningf("Attempted to flush an empty range for asid %d, ignoring", f.asid)
		return nil
	}
	log.Debugf("Flushing %v for asid %d", f.pending, f.asid)
	if err := fencer.RemoteFence(f.asid, f.pending); err != nil {
		return fmt.Errorf("flushing %v for asid %d: %w", f.pending, f.asid, err)
	}
	f.pending = addr.VirtualRange{}
	return nil
}

// Ignore discards the batch without invalidating anything.
//
// Precondition: no hart can hold a translation for the pending range, for
// example because the address space has never been activated.
func (f *Flush) Ignore() {
	f.pending = addr.VirtualRange{}
}

// String implements fmt.Stringer.String.
func (f *Flush) String() string {
	if f.IsEmpty() {
		return fmt.Sprintf("flush{asid: %d, empty}", f.asid)
	}
	return fmt.Sprintf("flush{asid: %d, %v}", f.asid, f.pending)
}
