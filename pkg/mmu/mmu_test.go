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

package mmu

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/frame"
	"kestrel.dev/kestrel/pkg/hart"
	"kestrel.dev/kestrel/pkg/pagetables"
	"kestrel.dev/kestrel/pkg/physmem"
	"kestrel.dev/kestrel/pkg/tlb"
	"kestrel.dev/kestrel/pkg/trap"
)

type testEnv struct {
	mem     *physmem.Memory
	alloc   frame.Allocator
	machine *hart.Machine
	mapper  *pagetables.Mapper
	mmu     *MMU
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ram := []addr.PhysicalRange{addr.PhysicalRangeOf(0x8000_0000, 64)}
	mem, err := physmem.New(ram)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	alloc := frame.NewLocked(frame.NewBitmapAllocator(ram))
	machine, err := hart.NewMachine(hart.Opts{Harts: 2})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	t.Cleanup(machine.Stop)
	mapper, err := pagetables.New(pagetables.Sv39, 1, mem, alloc)
	if err != nil {
		t.Fatalf("pagetables.New failed: %v", err)
	}
	for _, h := range machine.Harts() {
		mapper.Activate(h)
	}
	return &testEnv{mem: mem, alloc: alloc, machine: machine, mapper: mapper, mmu: New(mem, pagetables.Sv39)}
}

// mapPages maps n fresh zeroed pages at va.
func (e *testEnv) mapPages(t *testing.T, va addr.Virtual, n uintptr, flags pagetables.EntryFlags) {
	t.Helper()
	pa, err := frame.AllocateZeroed(e.alloc, e.mem, n)
	if err != nil {
		t.Fatalf("AllocateZeroed failed: %v", err)
	}
	flush := tlb.Empty(1)
	if err := e.mapper.MapRange(addr.VirtualRange{Start: va, End: va.Add(n * addr.PageSize)}, addr.PhysicalRangeOf(pa, n), flags, &flush); err != nil {
		t.Fatalf("MapRange failed: %v", err)
	}
	if err := flush.Flush(e.machine); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func catch(fn func()) *trap.Error {
	var te *trap.Error
	if err := trap.CatchTraps(^trap.Mask(0), fn); err != nil {
		errors.As(err, &te)
	}
	return te
}

func TestLoadStoreAcrossPages(t *testing.T) {
	e := newTestEnv(t)
	e.mapPages(t, 0x1000, 2, pagetables.Read|pagetables.Write|pagetables.User)
	h := e.machine.Hart(0)
	want := []byte("spans two pages")
	va := addr.Virtual(0x2000 - 5)
	if te := catch(func() { e.mmu.Store(h, va, want, User) }); te != nil {
		t.Fatalf("Store trapped: %v", te)
	}
	got := make([]byte, len(want))
	// The other hart sees the same memory.
	if te := catch(func() { e.mmu.Load(e.machine.Hart(1), va, got, User) }); te != nil {
		t.Fatalf("Load trapped: %v", te)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
}

func TestFaults(t *testing.T) {
	e := newTestEnv(t)
	e.mapPages(t, 0x1000, 1, pagetables.Read|pagetables.User)
	e.mapPages(t, 0x2000, 1, pagetables.Read|pagetables.Write)
	h := e.machine.Hart(0)
	buf := make([]byte, 8)
	for _, tc := range []struct {
		name string
		fn   func()
		want trap.Trap
	}{
		{
			name: "unmapped load",
			fn:   func() { e.mmu.Load(h, 0x5000, buf, User) },
			want: trap.Trap{Cause: trap.LoadPageFault, Tval: 0x5000},
		},
		{
			name: "store to read-only",
			fn:   func() { e.mmu.Store(h, 0x1008, buf, User) },
			want: trap.Trap{Cause: trap.StorePageFault, Tval: 0x1008},
		},
		{
			name: "fetch without execute",
			fn:   func() { e.mmu.Fetch(h, 0x1000, buf, User) },
			want: trap.Trap{Cause: trap.InstructionPageFault, Tval: 0x1000},
		},
		{
			name: "user access to supervisor page",
			fn:   func() { e.mmu.Load(h, 0x2000, buf, User) },
			want: trap.Trap{Cause: trap.LoadPageFault, Tval: 0x2000},
		},
		{
			name: "supervisor access to user page without SUM",
			fn:   func() { e.mmu.Load(h, 0x1000, buf, Supervisor) },
			want: trap.Trap{Cause: trap.LoadPageFault, Tval: 0x1000},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			te := catch(tc.fn)
			if te == nil {
				t.Fatalf("access did not trap")
			}
			if diff := cmp.Diff(tc.want, te.Trap); diff != "" {
				t.Errorf("trap mismatch (-want +got):\n%s", diff)
			}
		})
	}

	var te *trap.Error
	h.WithUserAccess(func() {
		te = catch(func() { e.mmu.Load(h, 0x1000, buf, Supervisor) })
	})
	if te != nil {
		t.Errorf("supervisor load with SUM trapped: %v", te)
	}
}

func TestStaleTranslationUntilFlush(t *testing.T) {
	e := newTestEnv(t)
	e.mapPages(t, 0x1000, 1, pagetables.Read|pagetables.User)
	h := e.machine.Hart(0)
	buf := make([]byte, 1)
	if te := catch(func() { e.mmu.Load(h, 0x1000, buf, User) }); te != nil {
		t.Fatalf("Load trapped: %v", te)
	}

	flush := tlb.Empty(1)
	if err := e.mapper.UnmapRange(addr.VirtualRange{Start: 0x1000, End: 0x2000}, &flush); err != nil {
		t.Fatalf("UnmapRange failed: %v", err)
	}
	// The cached translation survives until the fence.
	if _, t2 := e.mmu.Translate(h, 0x1000, Load, User); t2 != nil {
		t.Errorf("translation dropped before the fence: %v", t2)
	}
	if err := flush.Flush(e.machine); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, t2 := e.mmu.Translate(h, 0x1000, Load, User); t2 == nil || t2.Cause != trap.LoadPageFault {
		t.Errorf("Translate after fence = %v, want load page fault", t2)
	}
}

func TestUnhandledTrapPanics(t *testing.T) {
	e := newTestEnv(t)
	defer func() {
		if _, ok := trap.Recover(recover()); !ok {
			t.Errorf("unmapped access outside CatchTraps did not raise a trap")
		}
	}()
	e.mmu.Store(e.machine.Hart(0), 0x7000, []byte{1}, Supervisor)
}

func TestZero(t *testing.T) {
	e := newTestEnv(t)
	e.mapPages(t, 0x1000, 1, pagetables.Read|pagetables.Write)
	h := e.machine.Hart(0)
	if te := catch(func() {
		e.mmu.Store(h, 0x1100, []byte{1, 2, 3}, Supervisor)
		e.mmu.Zero(h, 0x1100, 3, Supervisor)
	}); te != nil {
		t.Fatalf("access trapped: %v", te)
	}
	got := make([]byte, 3)
	catch(func() { e.mmu.Load(h, 0x1100, got, Supervisor) })
	if diff := cmp.Diff([]byte{0, 0, 0}, got); diff != "" {
		t.Errorf("Zero mismatch (-want +got):\n%s", diff)
	}
}
