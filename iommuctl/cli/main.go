// Copyright 2026 The gVisor Authors.
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

// Package cli is the main entrypoint for iommuctl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/iommu/iommuctl/cmd"
	"gvisor.dev/iommu/iommuctl/config"
	"gvisor.dev/iommu/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file. Defaults are used if unset.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
	logPath    = flag.String("log", "", "file to log to, in addition to stderr.")
	logFormat  = flag.String("log-format", "text", "log format: text (default) or json.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	var emitters log.MultiEmitter
	emitters = append(emitters, newEmitter(*logFormat, os.Stderr))
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", *logPath, err)
		}
		emitters = append(emitters, newEmitter(*logFormat, f))
	}
	if len(emitters) == 1 {
		log.SetTarget(emitters[0])
	} else {
		log.SetTarget(&emitters)
	}
	if *debug {
		log.SetLevel(log.Debug)
	}

	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			cmd.Fatalf("%v", err)
		}
	}

	// Stop long-running commands on SIGINT and SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	status := subcommands.Execute(ctx, conf)
	stop()
	os.Exit(int(status))
}

// forEachCmd invokes the passed callback for each command supported by
// iommuctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Decode), "")
	cb(new(cmd.Info), "")
	cb(new(cmd.Simulate), "")
	cb(new(cmd.Stress), "")
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
