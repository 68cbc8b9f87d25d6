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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/pagetables"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("Default() mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	for name, val := range map[string]string{
		"memory-mode": "sv48",
		"ram":         "0x80000000:0x100000,0x90000000:0x200000",
		"harts":       "8",
		"debug":       "true",
		"heap-offset": "0x200000",
	} {
		if err := testFlags.Lookup(name).Value.Set(val); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.MemoryMode = "sv48"
	want.RAM = Regions{
		{Start: 0x8000_0000, End: 0x8010_0000},
		{Start: 0x9000_0000, End: 0x9020_0000},
	}
	want.Harts = 8
	want.Debug = true
	want.HeapOffset = 0x200000
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlags(t *testing.T) {
	c := Default()
	c.MemoryMode = "sv57"
	c.Harts = 2
	c.FaultLogInterval = 5 * time.Second
	c.RAM = Regions{{Start: 0x8000_0000, End: 0x8100_0000}}

	got := c.ToFlags()
	want := []string{
		"--memory-mode=sv57",
		"--ram=0x80000000:0x1000000",
		"--harts=2",
		"--fault-log-interval=5s",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flags mismatch (-want +got):\n%s", diff)
	}

	// Parsing the flags gives the config back.
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(got); err != nil {
		t.Fatalf("Parse(%v) failed: %v", got, err)
	}
	back, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		val  string
	}{
		{"memory-mode", "sv32"},
		{"harts", "0"},
		{"asids", "1"},
		{"heap-ceiling", "100"},
		{"log-format", "xml"},
		{"ram", "0x80000000:0x800"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			if err := testFlags.Lookup(tc.name).Value.Set(tc.val); err != nil {
				t.Fatalf("Flag set: %v", err)
			}
			if _, err := NewFromFlags(testFlags); err == nil {
				t.Errorf("NewFromFlags accepted --%s=%s", tc.name, tc.val)
			}
		})
	}
}

func TestRegionsSet(t *testing.T) {
	var r Regions
	for _, bad := range []string{"0x1000", "x:1", "1:y", "0xffffffffffffffff:0x2"} {
		if err := r.Set(bad); err == nil {
			t.Errorf("Set(%q) succeeded", bad)
		}
	}
	if err := r.Set(" 4096:8192 , "); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if diff := cmp.Diff(Regions{{Start: 0x1000, End: 0x3000}}, r); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	want := Default()
	want.MemoryMode = "sv48"
	want.RAM = Regions{{Start: 0x8000_0000, End: 0x8800_0000}}
	want.Harts = 2
	want.HeapCeiling = 0x20_0000
	want.FaultLogInterval = 250 * time.Millisecond

	for _, tc := range []struct {
		name    string
		content string
	}{
		{
			name: "kestrel.toml",
			content: `
memory_mode = "sv48"
ram = "0x80000000:0x8000000"
harts = 2
heap_ceiling = 0x200000
fault_log_interval = "250ms"
`,
		},
		{
			name: "kestrel.yaml",
			content: `
memory_mode: sv48
ram: "0x80000000:0x8000000"
harts: 2
heap_ceiling: 0x200000
fault_log_interval: 250ms
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			if err := c.LoadFile(writeFile(t, tc.name, tc.content)); err != nil {
				t.Fatalf("LoadFile failed: %v", err)
			}
			if diff := cmp.Diff(want, c); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}

	c := Default()
	if err := c.LoadFile(writeFile(t, "kestrel.ini", "harts=2")); err == nil {
		t.Errorf("LoadFile accepted an unknown format")
	}
	if err := c.LoadFile(writeFile(t, "bad.toml", "harts = 0")); err == nil {
		t.Errorf("LoadFile accepted an invalid config")
	}
}

func TestHeapWindow(t *testing.T) {
	c := Default()
	mode, err := c.Mode()
	if err != nil {
		t.Fatalf("Mode failed: %v", err)
	}
	if mode != pagetables.Sv39 {
		t.Errorf("Mode() = %v, want %v", mode, pagetables.Sv39)
	}
	w, err := c.HeapWindow(mode)
	if err != nil {
		t.Fatalf("HeapWindow failed: %v", err)
	}
	start := pagetables.Sv39.UpperHalf().Start.Add(0x4000_0000)
	if want := (addr.VirtualRange{Start: start, End: start.Add(0x100_0000)}); w != want {
		t.Errorf("HeapWindow() = %v, want %v", w, want)
	}

	c.HeapOffset = 1 << 40
	if _, err := c.HeapWindow(mode); err == nil {
		t.Errorf("HeapWindow accepted a window past the end of the address space")
	}
}
