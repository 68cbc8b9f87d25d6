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

// Package trap models synchronous hardware exceptions.
//
// A faulting access raises a trap with Raise, which unwinds the faulting
// goroutine like a hardware exception unwinds to the trap vector. Code that
// expects specific traps runs inside CatchTraps, which converts a trap whose
// cause is in the mask into an *Error. Any other trap, and every trap
// raised outside a CatchTraps scope, keeps unwinding and is fatal.
package trap

import (
	"fmt"
	"strings"

	"kestrel.dev/kestrel/pkg/addr"
)

// Cause is an scause exception code.
type Cause uint8

// Exception causes.
const (
	InstructionMisaligned  Cause = 0
	InstructionAccessFault Cause = 1
	IllegalInstruction     Cause = 2
	Breakpoint             Cause = 3
	LoadMisaligned         Cause = 4
	LoadAccessFault        Cause = 5
	StoreMisaligned        Cause = 6
	StoreAccessFault       Cause = 7
	UserEnvCall            Cause = 8
	SupervisorEnvCall      Cause = 9
	InstructionPageFault   Cause = 12
	LoadPageFault          Cause = 13
	StorePageFault         Cause = 15
)

var causeNames = map[Cause]string{
	InstructionMisaligned:  "instruction address misaligned",
	InstructionAccessFault: "instruction access fault",
	IllegalInstruction:     "illegal instruction",
	Breakpoint:             "breakpoint",
	LoadMisaligned:         "load address misaligned",
	LoadAccessFault:        "load access fault",
	StoreMisaligned:        "store address misaligned",
	StoreAccessFault:       "store access fault",
	UserEnvCall:            "environment call from U-mode",
	SupervisorEnvCall:      "environment call from S-mode",
	InstructionPageFault:   "instruction page fault",
	LoadPageFault:          "load page fault",
	StorePageFault:         "store page fault",
}

// String implements fmt.Stringer.String.
func (c Cause) String() string {
	if s, ok := causeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("exception %d", uint8(c))
}

// IsPageFault returns true for the three page fault causes.
func (c Cause) IsPageFault() bool {
	return c == InstructionPageFault || c == LoadPageFault || c == StorePageFault
}

// Mask is a set of causes.
type Mask uint64

// MaskOf returns the mask containing causes.
func MaskOf(causes ...Cause) Mask {
	var m Mask
	for _, c := range causes {
		m |= 1 << c
	}
	return m
}

// PageFaults contains all page fault causes.
var PageFaults = MaskOf(InstructionPageFault, LoadPageFault, StorePageFault)

// Has returns true if c is in m.
func (m Mask) Has(c Cause) bool {
	return m&(1<<c) != 0
}

// String implements fmt.Stringer.String.
func (m Mask) String() string {
	var names []string
	for c := Cause(0); c < 64; c++ {
		if m.Has(c) {
			names = append(names, c.String())
		}
	}
	return "{" + strings.Join(names, ", ") + "}"
}

// Trap describes one exception.
type Trap struct {
	// Cause is the exception code.
	Cause Cause

	// Tval is the faulting address.
	Tval addr.Virtual

	// Hart is the hart the exception was taken on.
	Hart int
}

// String implements fmt.Stringer.String.
func (t Trap) String() string {
	return fmt.Sprintf("%v at %v on hart %d", t.Cause, t.Tval, t.Hart)
}

// Error is returned by CatchTraps for a caught trap.
type Error struct {
	Trap
}

// Error implements error.Error.
func (e *Error) Error() string {
	return "trap: " + e.Trap.String()
}

// raised is the panic value carrying a trap.
type raised struct {
	t Trap
}

func (r *raised) String() string {
	return "unhandled trap: " + r.t.String()
}

// Raise takes trap t. It does not return.
func Raise(t Trap) {
	panic(&raised{t: t})
}

// Recover returns the trap carried by a recovered panic value.
func Recover(v any) (Trap, bool) {
	r, ok := v.(*raised)
	if !ok {
		return Trap{}, false
	}
	return r.t, true
}

// CatchTraps runs fn. A trap raised by fn whose cause is in mask is
// returned as an *Error; fn's remaining work is abandoned. Any other trap
// or panic propagates.
func CatchTraps(mask Mask, fn func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			if t, ok := Recover(v); ok && mask.Has(t.Cause) {
				err = &Error{Trap: t}
				return
			}
			panic(v)
		}
	}()
	fn()
	return nil
}
