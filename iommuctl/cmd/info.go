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

	"github.com/google/subcommands"
	"gvisor.dev/iommu/pkg/iommu/hw"
)

// Info implements subcommands.Command for the "info" command.
type Info struct {
	simulated bool
}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "Print the registers and capabilities of an IOMMU."
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info [-sim] - Print the registers and capabilities of an IOMMU.

The register window is located by the device and mmio_base keys of the
[hardware] configuration. Registers are only read.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Info) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&i.simulated, "sim", false, "print an initialized simulated IOMMU instead.")
}

// Execute implements subcommands.Command.Execute.
func (i *Info) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	c := configFrom(args)
	if i.simulated {
		s, err := newSimulated(c)
		if err != nil {
			return Errorf("initializing domain: %v", err)
		}
		defer s.Release()
		printRegisters(os.Stdout, s.sim)
		return subcommands.ExitSuccess
	}

	if c.Hardware.MMIOBase == 0 {
		return Errorf("no register window: set mmio_base in [hardware]")
	}
	regs, closer, err := openRegisters(c.Hardware.Device, c.Hardware.MMIOBase, c.Hardware.LockDir)
	if err != nil {
		return Errorf("opening register window: %v", err)
	}
	defer closer.Close()
	printRegisters(os.Stdout, regs)
	return subcommands.ExitSuccess
}

// infoRegisters are the registers printed by info, in window order. The
// shootdown register is left out since reading it has no use without a
// pending shootdown.
var infoRegisters = []hw.Offset{
	hw.Ctrl,
	hw.PTBase,
	hw.Hit,
	hw.Miss,
	hw.Stall,
	hw.AddrCap,
	hw.BypassStart,
	hw.BypassEnd,
	hw.Misc,
	hw.IllegalAddr,
	hw.ViolationAddr,
	hw.DebugInfo,
}

// printRegisters prints every register of regs and the decoded capabilities.
func printRegisters(w io.Writer, regs hw.Registers) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	var debug, ctrl uint32
	for _, off := range infoRegisters {
		v := regs.Read32(off)
		switch off {
		case hw.Ctrl:
			ctrl = v
		case hw.DebugInfo:
			debug = v
		}
		fmt.Fprintf(tw, "%#02x\t%v\t%#08x\n", uint32(off), off, v)
	}
	tw.Flush()
	fmt.Fprintf(w, "control: %s\n", decodeCtrl(ctrl))
	fmt.Fprintf(w, "capabilities: %s\n", decodeDebugInfo(debug))
}
