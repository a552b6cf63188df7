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

// Package cmd holds implementations of the iommuctl commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/iommu/iommuctl/config"
	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/iommu/hw"
	"gvisor.dev/iommu/pkg/iommu/pgalloc"
	"gvisor.dev/iommu/pkg/iommu/sim"
	"gvisor.dev/iommu/pkg/log"
)

// Errorf logs an error and returns subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs an error and exits with code 128.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// configFrom extracts the configuration passed to subcommands.Execute.
func configFrom(args []any) *config.Config {
	if len(args) > 0 {
		if c, ok := args[0].(*config.Config); ok {
			return c
		}
	}
	return config.Default()
}

// simulated is a domain driving simulated hardware.
type simulated struct {
	*iommu.Domain
	sim   *sim.IOMMU
	arena *pgalloc.Arena
}

// newSimulated builds simulated hardware and its domain as configured by c.
func newSimulated(c *config.Config) (*simulated, error) {
	arena, err := pgalloc.NewArena(pgalloc.ArenaOpts{
		PageSize: c.Hardware.TablePageSize,
		Limit:    c.Hardware.MaxTablePages,
	})
	if err != nil {
		return nil, fmt.Errorf("creating table page arena: %w", err)
	}
	caps := sim.DefaultCapabilities
	caps.Bypass4M = !c.Hardware.Bypass256M
	s := sim.New(sim.Opts{
		Capabilities: caps,
		Memory:       arena,
		ClearLatency: c.Hardware.ClearLatency,
		ShootLatency: c.Hardware.ShootLatency,
	})
	var regs hw.Registers = s
	if c.Hardware.Trace {
		regs = hw.Traced(s, nil)
	}
	d, err := iommu.New(iommu.Opts{
		Config:    c.Domain,
		Registers: regs,
		Allocator: arena,
		MaxPolls:  c.Hardware.MaxPolls,
	})
	if err != nil {
		return nil, err
	}
	return &simulated{Domain: d, sim: s, arena: arena}, nil
}
