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

// Package vmerr holds the error kinds shared by the virtual memory
// packages.
package vmerr

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory is returned when no physical frames or no virtual gap
	// of the requested size is available.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrVirtualAddressNotMapped is returned when an operation expected an
	// existing leaf entry or region and found none.
	ErrVirtualAddressNotMapped = errors.New("virtual address not mapped")

	// ErrAlreadyMapped is returned when mapping over a valid leaf entry or
	// an existing region.
	ErrAlreadyMapped = errors.New("virtual address already mapped")

	// ErrMisaligned is returned when an address or length is not page
	// aligned.
	ErrMisaligned = errors.New("address not page aligned")

	// ErrSizeMismatch is returned when a virtual and physical range differ
	// in length, or a range is empty.
	ErrSizeMismatch = errors.New("range size mismatch")

	// ErrPermissionViolation is returned when a fault requests an access
	// the region does not permit.
	ErrPermissionViolation = errors.New("access not permitted")

	// ErrWriteExecute is returned when a region would become both
	// writable and executable.
	ErrWriteExecute = errors.New("write and execute requested together")

	// ErrInvalidFlags is returned for a valid leaf entry that is neither
	// readable nor executable.
	ErrInvalidFlags = errors.New("invalid page table entry flags")

	// ErrUnsupported is returned by allocators for operations they do not
	// implement.
	ErrUnsupported = errors.New("operation not supported")

	// ErrOutOfBounds is returned when an offset range falls outside a
	// mapping.
	ErrOutOfBounds = errors.New("range out of bounds")

	// ErrRangeMismatch is returned when a range does not exactly cover one
	// region.
	ErrRangeMismatch = errors.New("range does not match a region")
)

// VirtualAddressTooLargeError is returned for an address that cannot be
// represented in the configured addressing mode.
type VirtualAddressTooLargeError struct {
	// Addr is the offending address.
	Addr uintptr
}

// Error implements error.Error.
func (e VirtualAddressTooLargeError) Error() string {
	return fmt.Sprintf("virtual address %#x is not canonical for this addressing mode", e.Addr)
}

// AddressSpaceMismatchError is returned when a flush batch is used with an
// address space it does not belong to.
type AddressSpaceMismatchError struct {
	// Expected is the asid the batch was created for.
	Expected uint16

	// Found is the asid it was used with.
	Found uint16
}

// Error implements error.Error.
func (e AddressSpaceMismatchError) Error() string {
	return fmt.Sprintf("address space mismatch: expected asid %d, found %d", e.Expected, e.Found)
}
