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

package guestalloc

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/frame"
	"kestrel.dev/kestrel/pkg/hart"
	"kestrel.dev/kestrel/pkg/mm"
	"kestrel.dev/kestrel/pkg/mmu"
	"kestrel.dev/kestrel/pkg/pagetables"
	"kestrel.dev/kestrel/pkg/physmem"
)

type testEnv struct {
	frames frame.Allocator
	hart   *hart.Hart
	as     *mm.AddressSpace
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ram := []addr.PhysicalRange{addr.PhysicalRangeOf(0x8000_0000, 128)}
	mem, err := physmem.New(ram)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	machine, err := hart.NewMachine(hart.Opts{Harts: 1})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	t.Cleanup(machine.Stop)
	asids, err := pagetables.NewASIDs(4)
	if err != nil {
		t.Fatalf("NewASIDs failed: %v", err)
	}
	frames := frame.NewLocked(frame.NewBitmapAllocator(ram))
	as, err := mm.NewAddressSpace(mm.Opts{
		Mode:   pagetables.Sv39,
		Memory: mem,
		Frames: frames,
		Fencer: machine,
		ASIDs:  asids,
	})
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	h := machine.Hart(0)
	as.Activate(h)
	return &testEnv{frames: frames, hart: h, as: as}
}

func TestGrowOnDemand(t *testing.T) {
	env := newTestEnv(t)
	a, err := New(env.as, 2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	first := addr.VirtualRange{Start: 0x1000, End: 0x3000}
	if diff := cmp.Diff([]addr.VirtualRange{first}, a.Regions()); diff != "" {
		t.Fatalf("regions mismatch (-want +got):\n%s", diff)
	}

	p, err := a.Allocate(mm.Layout{Size: 3 * addr.PageSize, Align: addr.PageSize})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	// The new region is adjacent, so the request fits across both. It is
	// sized for the request plus its alignment.
	if p != first.Start {
		t.Errorf("Allocate = %v, want %v", p, first.Start)
	}
	wantRegions := []addr.VirtualRange{first, {Start: 0x3000, End: 0x7000}}
	if diff := cmp.Diff(wantRegions, a.Regions()); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]addr.VirtualRange{{Start: 0x1000, End: 0x7000}}, a.Chunks()); diff != "" {
		t.Errorf("chunks mismatch (-want +got):\n%s", diff)
	}
	for _, r := range env.as.Regions() {
		if want := mm.Read | mm.Write | mm.User; r.Permissions != want || r.State != mm.StateCommitted {
			t.Errorf("region %v, want committed %v", r, want)
		}
	}
}

func TestAllocateZeroed(t *testing.T) {
	env := newTestEnv(t)
	a, err := New(env.as, 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	layout := mm.Layout{Size: 100, Align: 8}
	p, err := a.Allocate(layout)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	env.hart.WithUserAccess(func() {
		env.as.MMU().Store(env.hart, p, bytes.Repeat([]byte{0xff}, 100), mmu.Supervisor)
	})
	a.Deallocate(p, layout)

	q, err := a.AllocateZeroed(layout)
	if err != nil {
		t.Fatalf("AllocateZeroed failed: %v", err)
	}
	if q != p {
		t.Fatalf("AllocateZeroed = %v, want reuse of %v", q, p)
	}
	got := make([]byte, 100)
	env.hart.WithUserAccess(func() {
		env.as.MMU().Load(env.hart, q, got, mmu.Supervisor)
	})
	if !bytes.Equal(got, make([]byte, 100)) {
		t.Errorf("AllocateZeroed returned dirty memory: %x", got)
	}
}

func TestStackAndContext(t *testing.T) {
	env := newTestEnv(t)
	a, err := New(env.as, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	stack, err := a.AllocateStack(8 * addr.PageSize)
	if err != nil {
		t.Fatalf("AllocateStack failed: %v", err)
	}
	if stack.Size() != 8*addr.PageSize || !stack.Start.IsAligned(stackAlign) {
		t.Errorf("got stack %v", stack)
	}
	ctx, err := a.AllocateVMContext(200)
	if err != nil {
		t.Fatalf("AllocateVMContext failed: %v", err)
	}
	if !ctx.IsAligned(vmContextAlign) || stack.Contains(ctx) {
		t.Errorf("got context %v overlapping stack %v", ctx, stack)
	}
	a.DeallocateVMContext(ctx, 200)
	if got := len(a.Regions()); got != 1 {
		t.Errorf("got %d regions, want the single default chunk", got)
	}
	if got := a.Stats().Managed; got != DefaultChunkPages*addr.PageSize {
		t.Errorf("Managed = %#x, want %#x", got, DefaultChunkPages*addr.PageSize)
	}
}

func TestRelease(t *testing.T) {
	env := newTestEnv(t)
	before := env.frames.Usage()
	a, err := New(env.as, 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := a.Allocate(mm.Layout{Size: 5 * addr.PageSize}); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := a.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := env.as.Regions(); len(got) != 0 {
		t.Errorf("regions left after Release: %v", got)
	}
	if diff := cmp.Diff(before, env.frames.Usage()); diff != "" {
		t.Errorf("usage mismatch (-before +after):\n%s", diff)
	}
}
