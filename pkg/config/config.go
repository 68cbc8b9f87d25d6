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

// Package config holds the machine and kernel configuration. Values come
// from command line flags and, optionally, a TOML or YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/pagetables"
)

// Config holds configuration that is not part of the boot image.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and file keys.
//  3. Register a new flag in flags.go, with name and description.
type Config struct {
	// MemoryMode is the paging mode: sv39, sv48 or sv57.
	MemoryMode string `flag:"memory-mode" toml:"memory_mode" yaml:"memory_mode"`

	// RAM lists the physical memory banks.
	RAM Regions `flag:"ram" toml:"ram" yaml:"ram"`

	// Harts is the number of simulated harts.
	Harts int `flag:"harts" toml:"harts" yaml:"harts"`

	// MailboxSize is the number of fence requests queued per hart.
	MailboxSize int `flag:"mailbox-size" toml:"mailbox_size" yaml:"mailbox_size"`

	// ASIDs is the number of address space identifiers, the kernel's
	// included.
	ASIDs int `flag:"asids" toml:"asids" yaml:"asids"`

	// HeapOffset is the offset of the heap window from the start of the
	// kernel half.
	HeapOffset uint64 `flag:"heap-offset" toml:"heap_offset" yaml:"heap_offset"`

	// HeapCeiling is the size of the heap window, the most the heap can
	// grow to.
	HeapCeiling uint64 `flag:"heap-ceiling" toml:"heap_ceiling" yaml:"heap_ceiling"`

	// StackPages is the size of each per-hart kernel stack.
	StackPages int `flag:"stack-pages" toml:"stack_pages" yaml:"stack_pages"`

	// KernelImagePages is the size of the kernel image mapped at boot.
	KernelImagePages int `flag:"kernel-image-pages" toml:"kernel_image_pages" yaml:"kernel_image_pages"`

	// LogFormat is the format of log messages: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// FaultLogInterval rate limits page fault warnings.
	FaultLogInterval time.Duration `flag:"fault-log-interval" toml:"fault_log_interval" yaml:"fault_log_interval"`
}

// Mode returns the paging mode named by MemoryMode.
func (c *Config) Mode() (pagetables.Mode, error) {
	return pagetables.ModeByName(c.MemoryMode)
}

// HeapWindow returns the virtual range reserved for the kernel heap.
func (c *Config) HeapWindow(mode pagetables.Mode) (addr.VirtualRange, error) {
	start, ok := mode.UpperHalf().Start.CheckedAdd(uintptr(c.HeapOffset))
	if !ok {
		return addr.VirtualRange{}, fmt.Errorf("heap offset %#x out of range", c.HeapOffset)
	}
	r, ok := start.ToRange(uintptr(c.HeapCeiling))
	if !ok || !mode.UpperHalf().IsSupersetOf(r) {
		return addr.VirtualRange{}, fmt.Errorf("heap window at offset %#x of %#x bytes does not fit the %v kernel half", c.HeapOffset, c.HeapCeiling, mode)
	}
	return r, nil
}

func (c *Config) validate() error {
	if _, err := c.Mode(); err != nil {
		return err
	}
	if len(c.RAM) == 0 {
		return fmt.Errorf("no RAM configured")
	}
	for _, r := range c.RAM {
		if !r.IsPageAligned() || r.IsEmpty() {
			return fmt.Errorf("RAM bank %v must be page aligned and not empty", r)
		}
	}
	if c.Harts < 1 {
		return fmt.Errorf("harts must be at least 1, got %d", c.Harts)
	}
	if c.MailboxSize < 1 {
		return fmt.Errorf("mailbox-size must be at least 1, got %d", c.MailboxSize)
	}
	if c.ASIDs < 2 || c.ASIDs > 1<<pagetables.MaxASIDBits {
		return fmt.Errorf("asids must be in [2, %d], got %d", 1<<pagetables.MaxASIDBits, c.ASIDs)
	}
	if c.HeapOffset%uint64(addr.PageSize) != 0 || c.HeapCeiling%uint64(addr.PageSize) != 0 || c.HeapCeiling == 0 {
		return fmt.Errorf("heap offset %#x and ceiling %#x must be non-zero multiples of the page size", c.HeapOffset, c.HeapCeiling)
	}
	if c.StackPages < 1 {
		return fmt.Errorf("stack-pages must be at least 1, got %d", c.StackPages)
	}
	if c.KernelImagePages < 1 {
		return fmt.Errorf("kernel-image-pages must be at least 1, got %d", c.KernelImagePages)
	}
	if _, err := log.EmitterFor(c.LogFormat, os.Stderr); err != nil {
		return err
	}
	return nil
}

// LoadFile overrides c with the values set in the file at path. The format
// is picked by extension: .toml, .yaml or .yml.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parsing %q: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %q: %w", path, err)
		}
	default:
		return fmt.Errorf("unknown config file format %q", ext)
	}
	return c.validate()
}

// Log logs the configuration at info level.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tMemoryMode: %s", c.MemoryMode)
	log.Infof("\t\tRAM: %v", c.RAM)
	log.Infof("\t\tHarts: %d (mailbox %d)", c.Harts, c.MailboxSize)
	log.Infof("\t\tASIDs: %d", c.ASIDs)
	log.Infof("\t\tHeap: offset %#x, ceiling %#x", c.HeapOffset, c.HeapCeiling)
	log.Infof("\t\tStackPages: %d", c.StackPages)
	log.Infof("\t\tKernelImagePages: %d", c.KernelImagePages)
	log.Infof("\t\tLogFormat: %s, Debug: %t", c.LogFormat, c.Debug)
}
