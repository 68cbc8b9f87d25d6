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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/subcommands"
	"kestrel.dev/kestrel/pkg/config"
	"kestrel.dev/kestrel/pkg/kernel"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	json bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the machine and print the kernel address space"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot the machine, print the kernel regions and frame usage, and shut down.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.json, "json", false, "print the report as JSON.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	return execute(b, f, args...)
}

type bootRegion struct {
	Range       string  `json:"range"`
	Permissions string  `json:"permissions"`
	Backing     string  `json:"backing"`
	Committed   uintptr `json:"committed"`
}

type bootReport struct {
	Mode       string       `json:"mode"`
	Root       string       `json:"root"`
	Regions    []bootRegion `json:"regions"`
	FramesUsed uintptr      `json:"framesUsed"`
	FramesFree uintptr      `json:"framesFree"`
}

func (b *Boot) run(conf *config.Config, out io.Writer) error {
	k, err := kernel.Boot(conf)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	usage := k.Frames.Usage()
	rep := bootReport{
		Mode:       k.Mode.Name(),
		Root:       k.AddressSpace.Root().String(),
		FramesUsed: usage.Used,
		FramesFree: usage.Free(),
	}
	for _, r := range k.AddressSpace.Regions() {
		rep.Regions = append(rep.Regions, bootRegion{
			Range:       r.Range.String(),
			Permissions: r.Permissions.String(),
			Backing:     r.Backing.String(),
			Committed:   r.Committed,
		})
	}

	if b.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	fmt.Fprintf(out, "mode %s, root table at %s\n", rep.Mode, rep.Root)
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	fmt.Fprint(w, "RANGE\tPERMS\tBACKING\tCOMMITTED\n")
	for _, r := range rep.Regions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.Range, r.Permissions, r.Backing, r.Committed)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "frames: %d used, %d free\n", rep.FramesUsed, rep.FramesFree)
	return nil
}
