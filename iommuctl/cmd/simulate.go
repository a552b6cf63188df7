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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/iommu/iommuctl/config"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/iommu/sim"
	"gvisor.dev/iommu/pkg/log"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	keepGoing bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "Run the configured operation script against simulated hardware."
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [-k] - Run the [[op]] script of the configuration file.

Every operation is printed with its result. The command fails on the first
operation that returns an error or does not meet its expectation, unless -k is
given.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.keepGoing, "k", false, "keep going after a failed operation.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	c := configFrom(args)
	c.Log()
	if len(c.Ops) == 0 {
		return Errorf("configuration has no [[op]] script")
	}
	failed, err := runScript(os.Stdout, c, s.keepGoing)
	if err != nil {
		return Errorf("%v", err)
	}
	if failed > 0 {
		return Errorf("%d of %d operations failed", failed, len(c.Ops))
	}
	return subcommands.ExitSuccess
}

// runScript runs c.Ops against a fresh simulated domain, writing one line per
// operation to w. It returns the number of failed operations. A failure stops
// the script and is returned as an error unless keepGoing is set.
func runScript(w io.Writer, c *config.Config, keepGoing bool) (int, error) {
	s, err := newSimulated(c)
	if err != nil {
		return 0, fmt.Errorf("initializing domain: %w", err)
	}
	defer s.Release()

	var (
		g      iommu.Gather
		failed int
	)
	for i, op := range c.Ops {
		res, err := s.run(op, &g)
		if err != nil {
			fmt.Fprintf(w, "%3d %v: FAIL: %v\n", i, op, err)
			if !keepGoing {
				return failed + 1, fmt.Errorf("op %d (%v): %w", i, op, err)
			}
			failed++
			continue
		}
		fmt.Fprintf(w, "%3d %v: %s\n", i, op, res)
	}
	log.Infof("Script done: %d operations, %d failed", len(c.Ops), failed)
	return failed, nil
}

// run performs one operation. Unmapped ranges accumulate in g until a sync.
func (s *simulated) run(op config.Op, g *iommu.Gather) (string, error) {
	iova := hostarch.Addr(op.IOVA)
	switch op.Kind {
	case config.OpMap:
		n, err := s.Map(iova, op.PA, op.Size, op.Count, op.AccessType())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("mapped %#x", n), nil

	case config.OpUnmap:
		n := s.Unmap(iova, op.Size, op.Count, g)
		return fmt.Sprintf("unmapped %#x, pending %v", n, g.AddrRange), nil

	case config.OpSync:
		pending := g.AddrRange
		if err := s.IOTLBSync(g); err != nil {
			return "", err
		}
		return fmt.Sprintf("synced %v", pending), nil

	case config.OpFlush:
		if err := s.FlushAll(); err != nil {
			return "", err
		}
		return "flushed", nil

	case config.OpResolve:
		pa, ok := s.IOVAToPhys(iova)
		if err := check(op, pa, ok); err != nil {
			return "", err
		}
		if !ok {
			return "unmapped", nil
		}
		return fmt.Sprintf("pa %#x", pa), nil

	case config.OpAccess:
		hwAddr := iova - hostarch.Addr(s.Config().DMAOffset)
		pa, err := s.sim.Translate(hwAddr, op.Write)
		var fault *sim.Fault
		if err != nil && !errors.As(err, &fault) {
			return "", err
		}
		if err := check(op, pa, fault == nil); err != nil {
			return "", err
		}
		if fault != nil {
			return fmt.Sprintf("fault: %v", fault), nil
		}
		return fmt.Sprintf("pa %#x", pa), nil

	case config.OpFault:
		return s.CheckFault().String(), nil

	case config.OpStats:
		return fmt.Sprintf("%+v", s.Stats()), nil
	}
	return "", fmt.Errorf("unknown kind %q", op.Kind)
}

// check verifies the expectations of a resolve or access.
func check(op config.Op, pa uint64, ok bool) error {
	switch {
	case op.Unmapped && ok:
		return fmt.Errorf("got pa %#x, want no translation", pa)
	case op.Expect != nil && !ok:
		return fmt.Errorf("got no translation, want pa %#x", *op.Expect)
	case op.Expect != nil && pa != *op.Expect:
		return fmt.Errorf("got pa %#x, want %#x", pa, *op.Expect)
	}
	return nil
}
