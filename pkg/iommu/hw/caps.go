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

package hw

import (
	"fmt"
	"strings"

	"gvisor.dev/iommu/pkg/bits"
	"gvisor.dev/iommu/pkg/hostarch"
)

// Debug info register fields.
const (
	debugVersionMask        uint32 = 0x0000000F
	debugVAWidthMask        uint32 = 0x000000F0
	debugPAWidthMask        uint32 = 0x00000F00
	debugBigPageWidthMask   uint32 = 0x000FF000
	debugSuperPageWidthMask uint32 = 0x0FF00000
	debugBypass4M           uint32 = 1 << 28
	debugBypass             uint32 = 1 << 29
)

// Minimum capabilities the engine is written against. Address widths are
// encoded as the number of bits above 30.
const (
	MinVersion = 4
	MinVAWidth = 6
	MinPAWidth = 6
)

// Capabilities is the decoded debug info register, the read-only capability
// descriptor of the hardware.
type Capabilities struct {
	// Version is the table format version.
	Version uint32

	// VAWidth and PAWidth are the virtual and physical address widths,
	// encoded as bits above 30.
	VAWidth uint32
	PAWidth uint32

	// BigPageWidth and SuperPageWidth are the binary logs of the
	// intermediate large-page sizes in units of 4K pages. Zero means the
	// tier is not implemented.
	BigPageWidth   uint32
	SuperPageWidth uint32

	// Bypass is set if the bypass window is implemented.
	Bypass bool

	// Bypass4M is set if the bypass window boundaries are in 4M units
	// rather than 256M units.
	Bypass4M bool
}

// DecodeCapabilities decodes a debug info register value.
func DecodeCapabilities(v uint32) Capabilities {
	return Capabilities{
		Version:        bits.Field(v, debugVersionMask),
		VAWidth:        bits.Field(v, debugVAWidthMask),
		PAWidth:        bits.Field(v, debugPAWidthMask),
		BigPageWidth:   bits.Field(v, debugBigPageWidthMask),
		SuperPageWidth: bits.Field(v, debugSuperPageWidthMask),
		Bypass:         bits.IsOn(v, debugBypass),
		Bypass4M:       bits.IsOn(v, debugBypass4M),
	}
}

// Encode encodes c as a debug info register value.
func (c Capabilities) Encode() uint32 {
	v := bits.FieldPrep(debugVersionMask, c.Version) |
		bits.FieldPrep(debugVAWidthMask, c.VAWidth) |
		bits.FieldPrep(debugPAWidthMask, c.PAWidth) |
		bits.FieldPrep(debugBigPageWidthMask, c.BigPageWidth) |
		bits.FieldPrep(debugSuperPageWidthMask, c.SuperPageWidth)
	if c.Bypass {
		v |= debugBypass
	}
	if c.Bypass4M {
		v |= debugBypass4M
	}
	return v
}

// Check returns an error describing every minimum assumption c fails.
func (c Capabilities) Check() error {
	var unmet []string
	if c.Version < MinVersion {
		unmet = append(unmet, fmt.Sprintf("version %d < %d", c.Version, MinVersion))
	}
	if c.VAWidth < MinVAWidth {
		unmet = append(unmet, fmt.Sprintf("VA width %d < %d", c.VAWidth, MinVAWidth))
	}
	if c.PAWidth < MinPAWidth {
		unmet = append(unmet, fmt.Sprintf("PA width %d < %d", c.PAWidth, MinPAWidth))
	}
	if !c.Bypass {
		unmet = append(unmet, "no bypass support")
	}
	if len(unmet) == 0 {
		return nil
	}
	return fmt.Errorf("hardware assumptions not met: %s", strings.Join(unmet, ", "))
}

// BigPageMask returns the alignment mask of the big page tier, or zero if the
// tier is not implemented.
func (c Capabilities) BigPageMask() uint64 {
	return tierMask(c.BigPageWidth)
}

// SuperPageMask returns the alignment mask of the super page tier, or zero if
// the tier is not implemented.
func (c Capabilities) SuperPageMask() uint64 {
	return tierMask(c.SuperPageWidth)
}

func tierMask(width uint32) uint64 {
	if width == 0 {
		return 0
	}
	return bits.LowMask[uint64](hostarch.PageShift + int(width))
}

// BypassShift returns the binary log of the bypass window granularity.
func (c Capabilities) BypassShift() uint {
	if c.Bypass4M {
		return 22
	}
	return AddrCapShift
}

// String implements fmt.Stringer.
func (c Capabilities) String() string {
	return fmt.Sprintf("version=%d va=%d pa=%d bigpage=%d superpage=%d bypass=%t bypass4m=%t",
		c.Version, c.VAWidth, c.PAWidth, c.BigPageWidth, c.SuperPageWidth, c.Bypass, c.Bypass4M)
}
