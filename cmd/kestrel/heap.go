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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"
	"kestrel.dev/kestrel/pkg/config"
	"kestrel.dev/kestrel/pkg/kernel"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// Heap implements subcommands.Command for the "heap" command.
type Heap struct {
	size  uint64
	align uint64
}

// Name implements subcommands.Command.Name.
func (*Heap) Name() string {
	return "heap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Heap) Synopsis() string {
	return "allocate from the kernel heap until it reaches its ceiling"
}

// Usage implements subcommands.Command.Usage.
func (*Heap) Usage() string {
	return `heap [flags] - allocate fixed size blocks from the kernel heap, printing
each time it grows, until the heap is out of memory.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Heap) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.size, "size", 1024, "size of each allocation in bytes.")
	f.Uint64Var(&c.align, "align", 16, "alignment of each allocation.")
}

// Execute implements subcommands.Command.Execute.
func (c *Heap) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	return execute(c, f, args...)
}

func (c *Heap) run(conf *config.Config, out io.Writer) error {
	if c.size == 0 {
		return fmt.Errorf("size must not be zero")
	}
	k, err := kernel.Boot(conf)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	st := k.Heap.State()
	fmt.Fprintf(out, "heap %v, ceiling %v\n", st.Span, st.Ceiling)
	allocs := 0
	for {
		_, err := k.Heap.Alloc(uintptr(c.size), uintptr(c.align))
		if errors.Is(err, vmerr.ErrOutOfMemory) {
			break
		}
		if err != nil {
			return err
		}
		allocs++
		if next := k.Heap.State(); next.Grows != st.Grows {
			fmt.Fprintf(out, "grew to %v after %d allocations\n", next.Span, allocs)
			st = next
		}
	}
	st = k.Heap.State()
	fmt.Fprintf(out, "out of memory after %d allocations: %d grows, %d of %d bytes allocated, frames %v\n",
		allocs, st.Grows, st.Allocated, st.Managed, k.Frames.Usage())
	return nil
}
