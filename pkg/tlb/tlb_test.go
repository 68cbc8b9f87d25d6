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

package tlb

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/vmerr"
)

type fence struct {
	asid uint16
	r    addr.VirtualRange
}

type recordingFencer struct {
	fences []fence
	all    int
	err    error
}

func (r *recordingFencer) RemoteFence(asid uint16, vr addr.VirtualRange) error {
	if r.err != nil {
		return r.err
	}
	r.fences = append(r.fences, fence{asid, vr})
	return nil
}

func (r *recordingFencer) FenceAll() error {
	r.all++
	return nil
}

func vr(start, end addr.Virtual) addr.VirtualRange {
	return addr.VirtualRange{Start: start, End: end}
}

func TestExtendRange(t *testing.T) {
	for _, tc := range []struct {
		name   string
		ranges []addr.VirtualRange
		want   addr.VirtualRange
	}{
		{
			name:   "single",
			ranges: []addr.VirtualRange{vr(0x1000, 0x2000)},
			want:   vr(0x1000, 0x2000),
		},
		{
			name:   "disjoint ascending",
			ranges: []addr.VirtualRange{vr(0x1000, 0x2000), vr(0x5000, 0x6000)},
			want:   vr(0x1000, 0x6000),
		},
		{
			name:   "later range below",
			ranges: []addr.VirtualRange{vr(0x5000, 0x8000), vr(0x1000, 0x2000)},
			want:   vr(0x1000, 0x8000),
		},
		{
			name:   "contained",
			ranges: []addr.VirtualRange{vr(0x1000, 0x9000), vr(0x3000, 0x4000)},
			want:   vr(0x1000, 0x9000),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := Empty(3)
			for _, r := range tc.ranges {
				if err := f.ExtendRange(3, r); err != nil {
					t.Fatalf("ExtendRange(%v) failed: %v", r, err)
				}
			}
			got, ok := f.Range()
			if !ok {
				t.Fatalf("Range() reported empty batch")
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Range() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtendRangeMismatch(t *testing.T) {
	f := New(1, vr(0x1000, 0x2000))
	err := f.ExtendRange(2, vr(0x3000, 0x4000))
	var mismatch vmerr.AddressSpaceMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("ExtendRange with other asid = %v, want AddressSpaceMismatchError", err)
	}
	if diff := cmp.Diff(vmerr.AddressSpaceMismatchError{Expected: 1, Found: 2}, mismatch); diff != "" {
		t.Errorf("error mismatch (-want +got):\n%s", diff)
	}
	if got, _ := f.Range(); got != vr(0x1000, 0x2000) {
		t.Errorf("Range() = %v after failed extend, want unchanged", got)
	}
}

func TestFlush(t *testing.T) {
	var fencer recordingFencer
	f := Empty(7)
	f.ExtendRange(7, vr(0x4000, 0x5000))
	f.ExtendRange(7, vr(0x1000, 0x2000))
	if err := f.Flush(&fencer); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	want := []fence{{7, vr(0x1000, 0x5000)}}
	if diff := cmp.Diff(want, fencer.fences, cmp.AllowUnexported(fence{})); diff != "" {
		t.Errorf("fences mismatch (-want +got):\n%s", diff)
	}
	if !f.IsEmpty() {
		t.Errorf("batch not empty after Flush")
	}
}

func TestFlushEmpty(t *testing.T) {
	var fencer recordingFencer
	f := Empty(1)
	if err := f.Flush(&fencer); err != nil {
		t.Fatalf("Flush of empty batch = %v, want nil", err)
	}
	if len(fencer.fences) != 0 {
		t.Errorf("empty batch issued fences: %v", fencer.fences)
	}
}

func TestFlushError(t *testing.T) {
	fencer := recordingFencer{err: errors.New("hart offline")}
	f := New(1, vr(0x1000, 0x2000))
	if err := f.Flush(&fencer); !errors.Is(err, fencer.err) {
		t.Fatalf("Flush() = %v, want %v", err, fencer.err)
	}
	if f.IsEmpty() {
		t.Errorf("failed Flush dropped the pending range")
	}
}

func TestMergeAndIgnore(t *testing.T) {
	a := New(4, vr(0x1000, 0x2000))
	b := New(4, vr(0x8000, 0x9000))
	if err := a.Merge(&b); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !b.IsEmpty() {
		t.Errorf("merged batch not emptied")
	}
	if got, _ := a.Range(); got != vr(0x1000, 0x9000) {
		t.Errorf("Range() = %v, want [0x1000, 0x9000)", got)
	}
	c := New(5, vr(0x1000, 0x2000))
	if err := a.Merge(&c); err == nil {
		t.Errorf("Merge across asids succeeded")
	}
	a.Ignore()
	if !a.IsEmpty() {
		t.Errorf("Ignore did not discard the batch")
	}
}
