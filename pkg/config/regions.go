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
	"fmt"
	"strconv"
	"strings"

	"kestrel.dev/kestrel/pkg/addr"
)

// Regions is a list of physical memory banks, written as comma-separated
// base:size pairs. It is a flag.Value and decodes from TOML and YAML
// strings.
type Regions []addr.PhysicalRange

func defaultRAM() *Regions {
	r := Regions{{Start: 0x8000_0000, End: 0x8000_0000 + 0x400_0000}}
	return &r
}

// String implements flag.Value.String.
func (r *Regions) String() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(*r))
	for _, pr := range *r {
		parts = append(parts, fmt.Sprintf("%#x:%#x", uintptr(pr.Start), pr.Size()))
	}
	return strings.Join(parts, ",")
}

// Set implements flag.Value.Set.
func (r *Regions) Set(v string) error {
	var out Regions
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		baseStr, sizeStr, ok := strings.Cut(part, ":")
		if !ok {
			return fmt.Errorf("invalid memory bank %q, want base:size", part)
		}
		base, err := strconv.ParseUint(baseStr, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid base in %q: %w", part, err)
		}
		size, err := strconv.ParseUint(sizeStr, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid size in %q: %w", part, err)
		}
		if base+size < base {
			return fmt.Errorf("memory bank %q overflows", part)
		}
		out = append(out, addr.PhysicalRange{Start: addr.Physical(base), End: addr.Physical(base + size)})
	}
	*r = out
	return nil
}

// Get implements flag.Getter.Get.
func (r *Regions) Get() any {
	return *r
}

// MarshalText implements encoding.TextMarshaler.
func (r Regions) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Regions) UnmarshalText(text []byte) error {
	return r.Set(string(text))
}
