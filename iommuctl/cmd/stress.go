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
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/iommu/iommuctl/config"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/log"
)

// stressPhysBase is the first physical address mapped by stress workers.
const stressPhysBase = 0x1_0000_0000

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts stressOpts
}

type stressOpts struct {
	// workers is the number of concurrent mappers.
	workers int

	// iterations is the number of map/unmap/sync rounds per worker.
	iterations int

	// pages is the number of 4K pages mapped per round.
	pages uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "Run concurrent mappers against one simulated domain."
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [options] - Map, verify, unmap and sync disjoint ranges concurrently.

Each worker owns a disjoint slice of the aperture. When all workers finish,
nothing may remain mapped.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.workers, "workers", 8, "number of concurrent mappers.")
	f.IntVar(&s.opts.iterations, "iterations", 100, "rounds per mapper.")
	f.Uint64Var(&s.opts.pages, "pages", 64, "4K pages mapped per round.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	c := configFrom(args)
	start := time.Now()
	stats, err := runStress(ctx, c, s.opts)
	if err != nil {
		return Errorf("stress: %v", err)
	}
	log.Infof("Stress done in %v", time.Since(start))
	printStats(os.Stdout, stats)
	return subcommands.ExitSuccess
}

// runStress runs opts.workers concurrent mappers against a simulated domain
// built from c, and returns the domain statistics once all are done.
func runStress(ctx context.Context, c *config.Config, opts stressOpts) (iommu.Stats, error) {
	if opts.workers <= 0 || opts.iterations < 0 || opts.pages == 0 {
		return iommu.Stats{}, fmt.Errorf("invalid options %+v", opts)
	}
	region := c.Domain.ApertureSize / uint64(opts.workers) &^ (hostarch.PageSize - 1)
	if length := opts.pages * hostarch.PageSize; length > region {
		return iommu.Stats{}, fmt.Errorf("%d workers of %#x bytes do not fit in aperture %v", opts.workers, length, c.Domain.Aperture())
	}

	s, err := newSimulated(c)
	if err != nil {
		return iommu.Stats{}, fmt.Errorf("initializing domain: %w", err)
	}
	defer s.Release()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.workers; i++ {
		off := uint64(i) * region
		iova := c.Domain.Aperture().Start + hostarch.Addr(off)
		pa := stressPhysBase + off
		g.Go(func() error {
			return s.stress(ctx, iova, pa, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return s.Stats(), err
	}
	if n := s.Mapped(); n != 0 {
		return s.Stats(), fmt.Errorf("%d translations left mapped", n)
	}
	return s.Stats(), nil
}

// stress is one worker: it repeatedly maps opts.pages pages at iova, checks
// every translation, and unmaps them again.
func (s *simulated) stress(ctx context.Context, iova hostarch.Addr, pa uint64, opts stressOpts) error {
	length := opts.pages * hostarch.PageSize
	for i := 0; i < opts.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.Map(iova, pa, hostarch.PageSize, opts.pages, hostarch.ReadWrite)
		if err != nil {
			return fmt.Errorf("map %v: %w", iova, err)
		}
		if n != length {
			return fmt.Errorf("map %v: mapped %#x, want %#x", iova, n, length)
		}
		for off := uint64(0); off < length; off += hostarch.PageSize {
			addr := iova + hostarch.Addr(off)
			if got, ok := s.IOVAToPhys(addr); !ok || got != pa+off {
				return fmt.Errorf("IOVAToPhys(%v) = (%#x, %t), want %#x", addr, got, ok, pa+off)
			}
		}
		var gather iommu.Gather
		if n := s.Unmap(iova, hostarch.PageSize, opts.pages, &gather); n != length {
			return fmt.Errorf("unmap %v: unmapped %#x, want %#x", iova, n, length)
		}
		if err := s.IOTLBSync(&gather); err != nil {
			return fmt.Errorf("sync %v: %w", iova, err)
		}
	}
	return nil
}

func printStats(w io.Writer, s iommu.Stats) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "hits\t%d\n", s.Hits)
	fmt.Fprintf(tw, "misses\t%d\n", s.Misses)
	fmt.Fprintf(tw, "stalls\t%d\n", s.Stalls)
	fmt.Fprintf(tw, "mapped\t%d\n", s.Mapped)
	fmt.Fprintf(tw, "tables\t%d\n", s.Tables)
	fmt.Fprintf(tw, "clears\t%d\n", s.Clears)
	fmt.Fprintf(tw, "shootdown lines\t%d\n", s.ShootdownLines)
	fmt.Fprintf(tw, "poll timeouts\t%d\n", s.PollTimeouts)
	tw.Flush()
}
