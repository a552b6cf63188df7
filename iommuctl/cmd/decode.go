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
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/iommu/pkg/iommu/hw"
	"gvisor.dev/iommu/pkg/iommu/pagetables"
)

// Decode implements subcommands.Command for the "decode" command.
type Decode struct {
	as string
}

type decodeFunc func(uint32) string

var decoders = map[string]decodeFunc{
	"pte":   decodePTE,
	"debug": decodeDebugInfo,
	"ctrl":  decodeCtrl,
}

// Name implements subcommands.Command.Name.
func (*Decode) Name() string {
	return "decode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decode) Synopsis() string {
	return "Decode table descriptors and register values."
}

// Usage implements subcommands.Command.Usage.
func (*Decode) Usage() string {
	return `decode [-as pte|debug|ctrl] <word>... - Decode 32-bit words.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Decode) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.as, "as", "pte", "what the words are: pte, debug (debug info register) or ctrl (control register).")
}

// Execute implements subcommands.Command.Execute.
func (d *Decode) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := decodeWords(os.Stdout, d.as, f.Args()); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func decodeWords(w io.Writer, as string, words []string) error {
	decode, ok := decoders[as]
	if !ok {
		return fmt.Errorf("unknown word kind %q", as)
	}
	for _, s := range words {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid word %q: %w", s, err)
		}
		fmt.Fprintf(w, "%#08x: %s\n", v, decode(uint32(v)))
	}
	return nil
}

func decodePTE(v uint32) string {
	return pagetables.PTE(v).String()
}

func decodeDebugInfo(v uint32) string {
	caps := hw.DecodeCapabilities(v)
	if err := caps.Check(); err != nil {
		return fmt.Sprintf("%v (%v)", caps, err)
	}
	return caps.String()
}

var ctrlBits = []struct {
	bit  uint32
	name string
}{
	{hw.CtrlEnable, "enable"},
	{hw.CtrlStatsEnable, "stats-enable"},
	{hw.CtrlTLBClear, "tlb-clear"},
	{hw.CtrlStatsClear, "stats-clear"},
	{hw.CtrlTLBClearing, "tlb-clearing"},
	{hw.CtrlBypass, "bypass"},
	{hw.CtrlWriteViolationExceptionEn, "wv-exception-en"},
	{hw.CtrlWriteViolationIntEn, "wv-int-en"},
	{hw.CtrlWriteViolationAbortEn, "wv-abort-en"},
	{hw.CtrlWriteViolation, "write-violation"},
	{hw.CtrlPTInvalidEn, "pt-invalid-en"},
	{hw.CtrlPTInvalidExceptionEn, "pt-invalid-exception-en"},
	{hw.CtrlPTInvalidIntEn, "pt-invalid-int-en"},
	{hw.CtrlPTInvalidAbortEn, "pt-invalid-abort-en"},
	{hw.CtrlPTInvalid, "pt-invalid"},
	{hw.CtrlCapExceededExceptionEn, "cap-exceeded-exception-en"},
	{hw.CtrlCapExceededIntEn, "cap-exceeded-int-en"},
	{hw.CtrlCapExceededAbortEn, "cap-exceeded-abort-en"},
	{hw.CtrlCapExceeded, "cap-exceeded"},
}

func decodeCtrl(v uint32) string {
	var names []string
	for _, b := range ctrlBits {
		if v&b.bit != 0 {
			names = append(names, b.name)
			v &^= b.bit
		}
	}
	if v != 0 {
		names = append(names, fmt.Sprintf("unknown(%#x)", v))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
