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

// Binary kestrel boots the simulated machine and drives its memory
// subsystem from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"kestrel.dev/kestrel/pkg/config"
	"kestrel.dev/kestrel/pkg/log"
)

var (
	configFile = flag.String("config", "", "TOML or YAML file whose values override the flags.")
	logFile    = flag.String("log", "", "file to write logs to in addition to stderr.")
)

func main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fatalf("%v", err)
	}
	if *configFile != "" {
		if err := conf.LoadFile(*configFile); err != nil {
			fatalf("loading %q: %v", *configFile, err)
		}
	}

	var emitters log.MultiEmitter
	stderr, err := log.EmitterFor(conf.LogFormat, os.Stderr)
	if err != nil {
		fatalf("%v", err)
	}
	emitters = append(emitters, stderr)
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			fatalf("error opening log file %q: %v", *logFile, err)
		}
		e, err := log.EmitterFor(conf.LogFormat, f)
		if err != nil {
			fatalf("%v", err)
		}
		emitters = append(emitters, e)
	}
	log.SetTarget(&emitters)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	if err := log.CopyStandardLogTo(log.Info); err != nil {
		fatalf("%v", err)
	}

	const delimString = "**************** kestrel ****************"
	log.Infof(delimString)
	log.Infof("Args: %s", os.Args)
	conf.Log()
	log.Infof(delimString)

	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(Boot), "")
	cb(new(Fault), "")
	cb(new(Heap), "")
	cb(new(Guest), "")
	cb(new(Stress), "")
}

// fatalf logs to stderr and exits with a failure status code.
func fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// runner is the part of a command that does the work, split out so that
// it can run without a process around it.
type runner interface {
	run(conf *config.Config, out io.Writer) error
}

// execute runs r with the configuration passed to subcommands.Execute.
func execute(r runner, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := r.run(conf, os.Stdout); err != nil {
		log.Warningf("%s: %v", f.Name(), err)
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
