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

package kheap

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/frame"
	"kestrel.dev/kestrel/pkg/hart"
	"kestrel.dev/kestrel/pkg/mm"
	"kestrel.dev/kestrel/pkg/mmu"
	"kestrel.dev/kestrel/pkg/pagetables"
	"kestrel.dev/kestrel/pkg/physmem"
	"kestrel.dev/kestrel/pkg/tlb"
	"kestrel.dev/kestrel/pkg/vmerr"
)

type testEnv struct {
	frames frame.Allocator
	hart   *hart.Hart
	as     *mm.AddressSpace
}

func newTestEnv(t *testing.T, nframes uintptr) *testEnv {
	t.Helper()
	ram := []addr.PhysicalRange{addr.PhysicalRangeOf(0x8000_0000, nframes)}
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
	frames := frame.NewLocked(frame.NewBitmapAllocator(ram))
	boot, err := pagetables.New(pagetables.Sv39, pagetables.KernelASID, mem, frames)
	if err != nil {
		t.Fatalf("pagetables.New failed: %v", err)
	}
	h := machine.Hart(0)
	boot.Activate(h)
	as, err := mm.NewKernelAddressSpace(mm.Opts{
		Mode:   pagetables.Sv39,
		Memory: mem,
		Frames: frames,
		Fencer: machine,
	}, h)
	if err != nil {
		t.Fatalf("NewKernelAddressSpace failed: %v", err)
	}
	return &testEnv{frames: frames, hart: h, as: as}
}

func window(pages uintptr) addr.VirtualRange {
	start := pagetables.Sv39.UpperHalf().Start.Add(0x4000_0000)
	return addr.VirtualRange{Start: start, End: start.Add(pages * addr.PageSize)}
}

func newHeap(t *testing.T, env *testEnv, pages uintptr) *Heap {
	t.Helper()
	h := New(env.as)
	if err := h.Init(window(pages)); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return h
}

// checkMapped verifies that every page of r is mapped read and write.
func checkMapped(t *testing.T, as *mm.AddressSpace, r addr.VirtualRange) {
	t.Helper()
	err := as.WithMapper(func(m *pagetables.Mapper, _ *tlb.Flush) error {
		for va := r.Start; va < r.End; va += addr.PageSize {
			_, flags, err := m.Translate(va)
			if err != nil {
				return err
			}
			if !flags.Has(pagetables.Read | pagetables.Write) {
				t.Errorf("heap page %v has flags %v", va, flags)
			}
		}
		return nil
	})
	if err != nil {
		t.Errorf("heap span %v not mapped: %v", r, err)
	}
}

func TestInit(t *testing.T) {
	env := newTestEnv(t, 64)
	before := env.frames.Usage()
	h := newHeap(t, env, 16)

	st := h.State()
	w := window(16)
	want := addr.VirtualRange{Start: w.Start, End: w.Start.Add(addr.PageSize)}
	if st.Span != want || st.Ceiling != w.End {
		t.Errorf("got span %v ceiling %v, want %v ceiling %v", st.Span, st.Ceiling, want, w.End)
	}
	checkMapped(t, env.as, st.Span)
	// One heap page plus a level 1 and a level 0 table.
	if got, want := env.frames.Usage().Used, before.Used+3; got != want {
		t.Errorf("frames used = %d, want %d", got, want)
	}

	ri, ok := env.as.Find(w.Start)
	if !ok || ri.Range != w || ri.Backing != mm.Reserved {
		t.Errorf("heap window region = %v, %t", ri, ok)
	}
	if err := env.as.PageFault(w.End.Sub(addr.PageSize), mm.FaultStore); !errors.Is(err, vmerr.ErrVirtualAddressNotMapped) {
		t.Errorf("fault above heap span: got err %v, want %v", err, vmerr.ErrVirtualAddressNotMapped)
	}
	if err := h.Init(w); err == nil {
		t.Errorf("second Init succeeded")
	}
}

func TestGrowthMonotonic(t *testing.T) {
	env := newTestEnv(t, 128)
	h := newHeap(t, env, 16)

	var ends []addr.Virtual
	last := h.State().Span.End
	for {
		p, err := h.Alloc(0x200, 0)
		if errors.Is(err, vmerr.ErrOutOfMemory) {
			break
		}
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		st := h.State()
		if !st.Span.IsSupersetOf(addr.VirtualRange{Start: p, End: p.Add(0x200)}) {
			t.Fatalf("allocation %v outside span %v", p, st.Span)
		}
		if st.Span.End < last {
			t.Fatalf("heap shrank from %v to %v", last, st.Span.End)
		}
		if st.Span.End != last {
			ends = append(ends, st.Span.End)
			last = st.Span.End
		}
	}

	w := window(16)
	want := []addr.Virtual{
		w.Start.Add(2 * addr.PageSize),
		w.Start.Add(4 * addr.PageSize),
		w.Start.Add(8 * addr.PageSize),
		w.Start.Add(16 * addr.PageSize),
	}
	if diff := cmp.Diff(want, ends); diff != "" {
		t.Errorf("span ends mismatch (-want +got):\n%s", diff)
	}
	st := h.State()
	if st.Grows != 4 || st.Span.End != st.Ceiling {
		t.Errorf("got %d grows to %v, want 4 grows to the ceiling %v", st.Grows, st.Span.End, st.Ceiling)
	}
	if st.Allocated != st.Managed {
		t.Errorf("heap not exhausted: %+v", st.Stats)
	}
	checkMapped(t, env.as, st.Span)
}

func TestCeilingClamp(t *testing.T) {
	env := newTestEnv(t, 64)
	h := newHeap(t, env, 3)

	p, err := h.Alloc(2*addr.PageSize, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	st := h.State()
	if st.Span != window(3) {
		t.Errorf("span = %v, want the whole window %v", st.Span, window(3))
	}
	if p != st.Span.Start {
		t.Errorf("Alloc = %v, want %v", p, st.Span.Start)
	}
	if _, err := h.Alloc(2*addr.PageSize, 0); !errors.Is(err, vmerr.ErrOutOfMemory) {
		t.Errorf("Alloc at ceiling: got err %v, want %v", err, vmerr.ErrOutOfMemory)
	}
	if got := h.State(); got.Span != st.Span || got.Grows != 1 {
		t.Errorf("failed growth changed the heap: %+v", got)
	}
	// The remaining page is still usable.
	if _, err := h.Alloc(addr.PageSize, 0); err != nil {
		t.Errorf("Alloc of the last page failed: %v", err)
	}
}

func TestGrowthOutOfFrames(t *testing.T) {
	env := newTestEnv(t, 8)
	h := newHeap(t, env, 64)
	before := env.frames.Usage()

	if _, err := h.Alloc(16*addr.PageSize, 0); !errors.Is(err, vmerr.ErrOutOfMemory) {
		t.Fatalf("got err %v, want %v", err, vmerr.ErrOutOfMemory)
	}
	if diff := cmp.Diff(before, env.frames.Usage()); diff != "" {
		t.Errorf("failed growth leaked frames (-before +after):\n%s", diff)
	}
	if got := h.State(); got.Grows != 0 || got.Span.Size() != addr.PageSize {
		t.Errorf("failed growth changed the heap: %+v", got)
	}
}

func TestFreeReuse(t *testing.T) {
	env := newTestEnv(t, 64)
	h := newHeap(t, env, 4)
	env.as.Activate(env.hart)

	p, err := h.Alloc(64, 64)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	env.as.MMU().Store(env.hart, p, []byte("heap"), mmu.Supervisor)
	buf := make([]byte, 4)
	env.as.MMU().Load(env.hart, p, buf, mmu.Supervisor)
	if string(buf) != "heap" {
		t.Errorf("read back %q", buf)
	}

	h.Free(p, 64)
	q, err := h.Alloc(32, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if q != p {
		t.Errorf("Alloc after Free = %v, want %v", q, p)
	}
}

func TestProtectHeapPages(t *testing.T) {
	env := newTestEnv(t, 64)
	h := newHeap(t, env, 16)
	if _, err := h.Alloc(2*addr.PageSize, 0); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	span := h.State().Span

	w := window(16)
	ri, ok := env.as.Find(w.Start)
	if !ok {
		t.Fatalf("heap window not found")
	}
	if ri.State != mm.StatePartial || ri.Committed != span.Pages() {
		t.Errorf("window state %v with %d pages committed, want %v with %d", ri.State, ri.Committed, mm.StatePartial, span.Pages())
	}

	if err := env.as.Protect(w, mm.Read); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	err := env.as.WithMapper(func(m *pagetables.Mapper, _ *tlb.Flush) error {
		for va := span.Start; va < span.End; va += addr.PageSize {
			_, flags, err := m.Translate(va)
			if err != nil {
				return err
			}
			if flags.Has(pagetables.Write) || !flags.Has(pagetables.Read) {
				t.Errorf("heap page %v has flags %v after Protect", va, flags)
			}
		}
		return nil
	})
	if err != nil {
		t.Errorf("Translate failed: %v", err)
	}
}
