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
	"kestrel.dev/kestrel/pkg/guestalloc"
	"kestrel.dev/kestrel/pkg/kernel"
)

// Guest implements subcommands.Command for the "guest" command.
type Guest struct {
	vms        int
	stackPages int
	chunkPages int
}

// Name implements subcommands.Command.Name.
func (*Guest) Name() string {
	return "guest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Guest) Synopsis() string {
	return "allocate guest stacks and VM contexts in a user address space"
}

// Usage implements subcommands.Command.Usage.
func (*Guest) Usage() string {
	return `guest [flags] - carve a stack and a context per virtual machine out of a
guest allocator, then print the chunks it grew.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Guest) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.vms, "vms", 4, "number of virtual machines to allocate for.")
	f.IntVar(&c.stackPages, "guest-stack-pages", 8, "size of each guest stack in pages.")
	f.IntVar(&c.chunkPages, "chunk-pages", guestalloc.DefaultChunkPages, "minimum size the allocator grows by, in pages.")
}

// Execute implements subcommands.Command.Execute.
func (c *Guest) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	return execute(c, f, args...)
}

// vmContextSize is the size of a saved guest register file.
const vmContextSize = 512

func (c *Guest) run(conf *config.Config, out io.Writer) error {
	if c.vms < 0 || c.stackPages < 1 || c.chunkPages < 1 {
		return fmt.Errorf("vms, guest-stack-pages and chunk-pages must be positive")
	}
	k, err := kernel.Boot(conf)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	as, err := k.NewAddressSpace()
	if err != nil {
		return err
	}
	defer as.Release()
	a, err := guestalloc.New(as, uintptr(c.chunkPages))
	if err != nil {
		return err
	}
	defer a.Release()

	for i := 0; i < c.vms; i++ {
		stack, err := a.AllocateStack(uintptr(c.stackPages) * addr.PageSize)
		if err != nil {
			return fmt.Errorf("stack for vm %d: %w", i, err)
		}
		ctx, err := a.AllocateVMContext(vmContextSize)
		if err != nil {
			return fmt.Errorf("context for vm %d: %w", i, err)
		}
		fmt.Fprintf(out, "vm %d: stack %v, context %v\n", i, stack, ctx)
	}
	for _, ch := range a.Chunks() {
		fmt.Fprintf(out, "chunk %v\n", ch)
	}
	st := a.Stats()
	fmt.Fprintf(out, "%d regions, %d of %d bytes allocated, %d free spans\n",
		len(a.Regions()), st.Allocated, st.Managed, st.FreeSpans)
	return nil
}
