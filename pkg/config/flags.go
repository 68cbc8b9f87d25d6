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
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Machine flags.
	flagSet.String("memory-mode", "sv39", "paging mode: sv39 (default), sv48 or sv57.")
	flagSet.Var(defaultRAM(), "ram", "comma-separated physical memory banks as base:size, e.g. 0x80000000:0x4000000.")
	flagSet.Int("harts", 4, "number of simulated harts.")
	flagSet.Int("mailbox-size", 4, "number of remote fence requests queued per hart before senders back off.")
	flagSet.Int("asids", 256, "number of address space identifiers, including the kernel's.")

	// Kernel memory flags.
	flagSet.Uint64("heap-offset", 0x4000_0000, "offset of the kernel heap window from the start of the kernel half.")
	flagSet.Uint64("heap-ceiling", 0x100_0000, "size of the kernel heap window; the heap never grows past it.")
	flagSet.Int("stack-pages", 4, "pages per kernel stack.")
	flagSet.Int("kernel-image-pages", 16, "pages of the kernel image mapped at boot.")

	// Debugging flags.
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Duration("fault-log-interval", time.Second, "minimum interval between page fault warnings.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("Flag %q cannot be read back", name))
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Default returns the configuration used when no flag is set.
func Default() *Config {
	flagSet := flag.NewFlagSet("default", flag.ContinueOnError)
	RegisterFlags(flagSet)
	conf, err := NewFromFlags(flagSet)
	if err != nil {
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	return conf
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags at their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
