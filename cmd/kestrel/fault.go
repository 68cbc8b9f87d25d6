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
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/config"
	"kestrel.dev/kestrel/pkg/kernel"
	"kestrel.dev/kestrel/pkg/mm"
	"kestrel.dev/kestrel/pkg/mmu"
)

// Fault implements subcommands.Command for the "fault" command.
type Fault struct {
	pages int
	hart  int
}

// Name implements subcommands.Command.Name.
func (*Fault) Name() string {
	return "fault"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Fault) Synopsis() string {
	return "store to a lazily committed region and show the faults it takes"
}

// Usage implements subcommands.Command.Usage.
func (*Fault) Usage() string {
	return `fault [flags] - map a zero-filled region in a fresh user address space and
write one byte to each page, committing the pages on demand.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Fault) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.pages, "pages", 1, "size of the region in pages.")
	f.IntVar(&c.hart, "hart", 0, "hart to run the stores on.")
}

// Execute implements subcommands.Command.Execute.
func (c *Fault) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	return execute(c, f, args...)
}

func (c *Fault) run(conf *config.Config, out io.Writer) error {
	if c.pages < 1 {
		return fmt.Errorf("pages must be at least 1, got %d", c.pages)
	}
	if c.hart < 0 || c.hart >= conf.Harts {
		return fmt.Errorf("hart %d out of range [0, %d)", c.hart, conf.Harts)
	}
	k, err := kernel.Boot(conf)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	h := k.Machine.Hart(c.hart)
	as, err := k.NewAddressSpace()
	if err != nil {
		return err
	}
	defer as.Release()
	k.Tasks.Switch(h, as)
	defer k.Tasks.SwitchToKernel(h)

	ri, err := as.Map(mm.Layout{Size: uintptr(c.pages) * addr.PageSize}, mm.Read|mm.Write, mm.NewZeroed())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "mapped %v %v, %v\n", ri.Range, ri.Permissions, ri.State)

	for i := 0; i < c.pages; i++ {
		va := ri.Range.Start.Add(uintptr(i) * addr.PageSize)
		fences, attempts := k.Machine.Fences(), 0
		err := k.Execute(h, func() {
			attempts++
			as.MMU().Store(h, va, []byte{byte(i + 1)}, mmu.Supervisor)
		})
		if err != nil {
			return fmt.Errorf("store to %v: %w", va, err)
		}
		after, _ := as.Find(va)
		fmt.Fprintf(out, "store to %v: %d attempts, %d fences, region %v (%d/%d pages)\n",
			va, attempts, k.Machine.Fences()-fences, after.State, after.Committed, c.pages)
	}

	b := make([]byte, 1)
	as.MMU().Load(h, ri.Range.Start, b, mmu.Supervisor)
	fmt.Fprintf(out, "read back %#x from %v\n", b[0], ri.Range.Start)
	return nil
}
