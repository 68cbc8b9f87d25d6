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
	"errors"
	"fmt"

	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/hart"
	"kestrel.dev/kestrel/pkg/mm"
	"kestrel.dev/kestrel/pkg/trap"
)

// maxFaultRetries bounds how often Execute retries after corrected faults.
// Each retry commits at least one page, so a well-behaved access needs one
// retry per page it touches.
const maxFaultRetries = 64

// faultFlags maps a page fault cause to the access that faulted.
func faultFlags(cause trap.Cause) (mm.PageFaultFlags, bool) {
	switch cause {
	case trap.LoadPageFault:
		return mm.FaultLoad, true
	case trap.StorePageFault:
		return mm.FaultStore, true
	case trap.InstructionPageFault:
		return mm.FaultInstruction, true
	default:
		return 0, false
	}
}

// HandleTrap handles an exception taken on h. It returns true if the
// faulting access can be retried.
func (k *Kernel) HandleTrap(h *hart.Hart, cause trap.Cause, tval addr.Virtual) bool {
	flags, ok := faultFlags(cause)
	if !ok {
		k.faultLog.Warningf("Unexpected %v at %v on hart %d", cause, tval, h.ID())
		return false
	}
	as := k.source.CurrentAddressSpace(h.ID())
	if as == nil {
		k.faultLog.Warningf("%v at %v on hart %d with no address space", cause, tval, h.ID())
		return false
	}
	if err := as.PageFault(tval, flags); err != nil {
		k.faultLog.Warningf("Unhandled %v at %v on hart %d in %v: %v", cause, tval, h.ID(), as, err)
		return false
	}
	return true
}

// Execute runs fn on h, handling the page faults it raises and running it
// again after each corrected fault. fn must therefore be safe to repeat.
// A fault that cannot be corrected is returned as a *trap.Error.
func (k *Kernel) Execute(h *hart.Hart, fn func()) error {
	for i := 0; i < maxFaultRetries; i++ {
		err := trap.CatchTraps(trap.PageFaults, fn)
		var te *trap.Error
		if !errors.As(err, &te) {
			return err
		}
		if !k.HandleTrap(h, te.Cause, te.Tval) {
			return err
		}
	}
	return fmt.Errorf("access on hart %d still faulting after %d retries", h.ID(), maxFaultRetries)
}
