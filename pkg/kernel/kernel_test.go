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
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/config"
	"kestrel.dev/kestrel/pkg/mm"
	"kestrel.dev/kestrel/pkg/mmu"
	"kestrel.dev/kestrel/pkg/pagetables"
	"kestrel.dev/kestrel/pkg/tlb"
	"kestrel.dev/kestrel/pkg/trap"
)

func testConfig() *config.Config {
	c := config.Default()
	c.RAM = config.Regions{{Start: 0x8000_0000, End: 0x8040_0000}}
	c.Harts = 2
	c.ASIDs = 8
	c.HeapCeiling = 0x10_0000
	c.StackPages = 2
	c.KernelImagePages = 4
	return c
}

func boot(t *testing.T) *Kernel {
	t.Helper()
	k, err := Boot(testConfig())
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	t.Cleanup(k.Shutdown)
	return k
}

func TestBoot(t *testing.T) {
	k := boot(t)
	mode := pagetables.Sv39
	top := mode.UpperHalf().End

	wantImage := addr.VirtualRange{Start: top.Sub(4 * addr.PageSize), End: top}
	if k.Image != wantImage {
		t.Errorf("Image = %v, want %v", k.Image, wantImage)
	}
	stack0End := wantImage.Start.Sub(addr.PageSize)
	stack0 := addr.VirtualRange{Start: stack0End.Sub(2 * addr.PageSize), End: stack0End}
	stack1End := stack0.Start.Sub(addr.PageSize)
	stack1 := addr.VirtualRange{Start: stack1End.Sub(2 * addr.PageSize), End: stack1End}
	if diff := cmp.Diff([]addr.VirtualRange{stack0, stack1}, k.Stacks); diff != "" {
		t.Errorf("stacks mismatch (-want +got):\n%s", diff)
	}

	window, err := k.Config.HeapWindow(mode)
	if err != nil {
		t.Fatalf("HeapWindow failed: %v", err)
	}
	direct := addr.VirtualRange{Start: mode.PhysToVirt(0x8000_0000), End: mode.PhysToVirt(0x8040_0000)}
	var got []mm.RegionInfo
	for _, r := range k.AddressSpace.Regions() {
		r.Committed = 0
		got = append(got, r)
	}
	want := []mm.RegionInfo{
		{Range: window, Permissions: mm.Read | mm.Write, Backing: mm.Reserved, State: mm.StatePartial},
		{Range: direct, Permissions: mm.Read | mm.Write, Backing: mm.Static, State: mm.StateCommitted},
		{Range: stack1, Permissions: mm.Read | mm.Write, Backing: mm.Static, State: mm.StateCommitted},
		{Range: stack0, Permissions: mm.Read | mm.Write, Backing: mm.Static, State: mm.StateCommitted},
		{Range: wantImage, Permissions: mm.Read | mm.Execute, Backing: mm.Static, State: mm.StateCommitted},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("kernel regions mismatch (-want +got):\n%s", diff)
	}

	for _, h := range k.Machine.Harts() {
		if !k.AddressSpace.IsActive(h) {
			t.Errorf("hart %d does not run the kernel address space", h.ID())
		}
	}

	// The direct map aliases the image frames.
	err = k.AddressSpace.WithMapper(func(m *pagetables.Mapper, _ *tlb.Flush) error {
		pa, flags, err := m.Translate(wantImage.Start)
		if err != nil {
			return err
		}
		if !flags.Has(pagetables.Read | pagetables.Execute) {
			t.Errorf("image mapped with %v", flags)
		}
		alias, _, err := m.Translate(mode.PhysToVirt(pa))
		if err != nil {
			return err
		}
		if alias != pa {
			t.Errorf("direct map of %v translates to %v", pa, alias)
		}
		return nil
	})
	if err != nil {
		t.Errorf("Translate failed: %v", err)
	}

	usage := k.Frames.Usage()
	if usage.Total != 1024 || usage.Used == 0 {
		t.Errorf("got %v after boot", usage)
	}
}

func TestHeapAfterBoot(t *testing.T) {
	k := boot(t)
	h := k.Machine.Hart(0)
	p, err := k.Heap.Alloc(3*addr.PageSize, 8)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	k.AddressSpace.MMU().Store(h, p.Add(2*addr.PageSize), []byte("grown"), mmu.Supervisor)
	if st := k.Heap.State(); st.Grows == 0 {
		t.Errorf("heap did not grow: %+v", st)
	}
}

func TestFaultRetry(t *testing.T) {
	k := boot(t)
	h := k.Machine.Hart(1)
	as, err := k.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	k.Tasks.Switch(h, as)
	if got := k.Tasks.CurrentAddressSpace(h.ID()); got != as {
		t.Fatalf("CurrentAddressSpace = %v, want %v", got, as)
	}

	ri, err := as.Map(mm.Layout{Size: 4096}, mm.Read|mm.Write, mm.NewZeroed())
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	va := ri.Range.Start
	fences := k.Machine.Fences()
	attempts := 0
	err = k.Execute(h, func() {
		attempts++
		as.MMU().Store(h, va, []byte{0x5a}, mmu.Supervisor)
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("store ran %d times, want 2", attempts)
	}
	if got := k.Machine.Fences() - fences; got != 1 {
		t.Errorf("fault correction issued %d fences, want 1", got)
	}

	buf := make([]byte, 4096)
	as.MMU().Load(h, va, buf, mmu.Supervisor)
	want := make([]byte, 4096)
	want[0] = 0x5a
	if !bytes.Equal(buf, want) {
		t.Errorf("page does not hold the retried store over zeros")
	}

	k.Tasks.SwitchToKernel(h)
	if !k.AddressSpace.IsActive(h) {
		t.Errorf("hart not back in the kernel address space")
	}
}

func TestUncorrectableFault(t *testing.T) {
	k := boot(t)
	h := k.Machine.Hart(0)
	as, err := k.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	k.Tasks.Switch(h, as)
	ro, err := as.Map(mm.Layout{Size: addr.PageSize}, mm.Read, mm.NewZeroed())
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	for _, tc := range []struct {
		name  string
		va    addr.Virtual
		cause trap.Cause
	}{
		{"unmapped", 0x7000_0000, trap.LoadPageFault},
		{"read only", ro.Range.Start, trap.StorePageFault},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := k.Execute(h, func() {
				if tc.cause == trap.StorePageFault {
					as.MMU().Store(h, tc.va, []byte{1}, mmu.Supervisor)
				} else {
					as.MMU().Load(h, tc.va, make([]byte, 1), mmu.Supervisor)
				}
			})
			var te *trap.Error
			if !errors.As(err, &te) || te.Cause != tc.cause || te.Tval != tc.va {
				t.Errorf("got err %v, want %v at %v", err, tc.cause, tc.va)
			}
		})
	}

	if k.HandleTrap(h, trap.IllegalInstruction, 0) {
		t.Errorf("HandleTrap corrected an illegal instruction")
	}
}

func TestConcurrentAddressSpaces(t *testing.T) {
	k := boot(t)
	before := k.Frames.Usage()
	var g errgroup.Group
	for _, h := range k.Machine.Harts() {
		g.Go(func() error {
			for i := 0; i < 4; i++ {
				as, err := k.NewAddressSpace()
				if err != nil {
					return err
				}
				k.Tasks.Switch(h, as)
				m, err := mm.NewUserMmap(as, 4*addr.PageSize, 0)
				if err != nil {
					return err
				}
				msg := []byte(fmt.Sprintf("hart %d round %d", h.ID(), i))
				if err := m.CopyToUserspace(as, h, msg, addr.PageSize+10); err != nil {
					return err
				}
				got := make([]byte, len(msg))
				if err := m.CopyFromUserspace(as, h, addr.PageSize+10, got); err != nil {
					return err
				}
				if !bytes.Equal(got, msg) {
					return fmt.Errorf("read %q, want %q", got, msg)
				}
				k.Tasks.SwitchToKernel(h)
				if err := as.Release(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	if diff := cmp.Diff(before, k.Frames.Usage()); diff != "" {
		t.Errorf("frames leaked (-before +after):\n%s", diff)
	}
}

func TestKernelAccessAfterUserCopy(t *testing.T) {
	k := boot(t)
	h := k.Machine.Hart(0)
	stack := k.Stacks[0].Start
	store := func() {
		k.AddressSpace.MMU().Store(h, stack, []byte{0xaa}, mmu.Supervisor)
	}
	if err := k.Execute(h, store); err != nil {
		t.Fatalf("kernel store before copy failed: %v", err)
	}

	uas, err := k.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	m, err := mm.NewUserMmap(uas, addr.PageSize, 0)
	if err != nil {
		t.Fatalf("NewUserMmap failed: %v", err)
	}
	if err := m.CopyToUserspace(uas, h, []byte("user"), 0); err != nil {
		t.Fatalf("CopyToUserspace failed: %v", err)
	}
	if !k.AddressSpace.IsActive(h) || uas.IsActive(h) {
		t.Errorf("hart does not run the kernel address space after the copy")
	}
	if err := k.Execute(h, store); err != nil {
		t.Errorf("kernel store after copy failed: %v", err)
	}
}

// idleHarts reports no address space on any hart.
type idleHarts struct{}

func (idleHarts) CurrentAddressSpace(int) *mm.AddressSpace { return nil }

func TestNoCurrentAddressSpace(t *testing.T) {
	k := boot(t)
	h := k.Machine.Hart(1)
	as, err := k.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	k.Tasks.Switch(h, as)
	ri, err := as.Map(mm.Layout{Size: addr.PageSize}, mm.Read|mm.Write, mm.NewZeroed())
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	k.SetTaskSource(idleHarts{})

	if k.HandleTrap(h, trap.StorePageFault, ri.Range.Start) {
		t.Errorf("HandleTrap corrected a fault with no current address space")
	}
	if info, _ := as.Find(ri.Range.Start); info.Committed != 0 {
		t.Errorf("fault committed %d pages", info.Committed)
	}
	err = k.Execute(h, func() {
		as.MMU().Store(h, ri.Range.Start, []byte{1}, mmu.Supervisor)
	})
	var te *trap.Error
	if !errors.As(err, &te) || te.Cause != trap.StorePageFault {
		t.Errorf("got err %v, want a store page fault", err)
	}
}
