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
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/config"
	"kestrel.dev/kestrel/pkg/hart"
	"kestrel.dev/kestrel/pkg/kernel"
	"kestrel.dev/kestrel/pkg/mm"
	"kestrel.dev/kestrel/pkg/vmerr"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	rounds int
	pages  int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run user address spaces on every hart at once"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - on every hart, repeatedly create an address space, copy
through a user mapping, protect it and tear it down. Fails if frames leak.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.rounds, "rounds", 16, "address spaces created per hart.")
	f.IntVar(&c.pages, "pages", 4, "size of each user mapping in pages.")
}

// Execute implements subcommands.Command.Execute.
func (c *Stress) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	return execute(c, f, args...)
}

func (c *Stress) run(conf *config.Config, out io.Writer) error {
	if c.rounds < 1 || c.pages < 1 {
		return fmt.Errorf("rounds and pages must be positive")
	}
	k, err := kernel.Boot(conf)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	before := k.Frames.Usage()
	fences := k.Machine.Fences()
	var copied atomic.Uint64
	var g errgroup.Group
	for _, h := range k.Machine.Harts() {
		g.Go(func() error {
			for i := 0; i < c.rounds; i++ {
				n, err := c.round(k, h, i)
				if err != nil {
					return fmt.Errorf("hart %d round %d: %w", h.ID(), i, err)
				}
				copied.Add(uint64(n))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	after := k.Frames.Usage()
	fmt.Fprintf(out, "%d harts x %d rounds: %d bytes copied, %d fences\n",
		conf.Harts, c.rounds, copied.Load(), k.Machine.Fences()-fences)
	if after != before {
		return fmt.Errorf("frames leaked: %v before, %v after", before, after)
	}
	return nil
}

// round runs one address space on h and returns the bytes it copied.
func (c *Stress) round(k *kernel.Kernel, h *hart.Hart, i int) (int, error) {
	as, err := k.NewAddressSpace()
	if err != nil {
		return 0, err
	}
	k.Tasks.Switch(h, as)
	defer func() {
		k.Tasks.SwitchToKernel(h)
		as.Release()
	}()

	m, err := mm.NewUserMmap(as, uintptr(c.pages)*addr.PageSize, 0)
	if err != nil {
		return 0, err
	}
	msg := []byte(fmt.Sprintf("hart %d round %d", h.ID(), i))
	copied := 0
	for p := 0; p < c.pages; p++ {
		off := uintptr(p)*addr.PageSize + uintptr(i%64)
		if err := m.CopyToUserspace(as, h, msg, off); err != nil {
			return copied, err
		}
		got := make([]byte, len(msg))
		if err := m.CopyFromUserspace(as, h, off, got); err != nil {
			return copied, err
		}
		if !bytes.Equal(got, msg) {
			return copied, fmt.Errorf("read %q at offset %#x, wrote %q", got, off, msg)
		}
		copied += len(msg)
	}

	if err := m.MakeReadonly(as); err != nil {
		return copied, err
	}
	if err := m.CopyToUserspace(as, h, msg, 0); !errors.Is(err, vmerr.ErrPermissionViolation) {
		return copied, fmt.Errorf("write to read-only mapping: got %v, want %v", err, vmerr.ErrPermissionViolation)
	}
	return copied, m.Unmap(as)
}
