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

// Package hw describes the register window of the IOMMU and provides ways to
// reach it.
//
// All registers are 32 bits wide and little-endian. Offsets are relative to
// the start of the window.
package hw

import "fmt"

// Offset is a register offset within the window.
type Offset uint32

// Register offsets.
const (
	Ctrl          Offset = 0x00
	PTBase        Offset = 0x04
	Hit           Offset = 0x08
	Miss          Offset = 0x0C
	Stall         Offset = 0x10
	AddrCap       Offset = 0x14
	ShootDown     Offset = 0x18
	BypassStart   Offset = 0x1C
	BypassEnd     Offset = 0x20
	Misc          Offset = 0x24
	IllegalAddr   Offset = 0x30
	ViolationAddr Offset = 0x34
	DebugInfo     Offset = 0x38

	// WindowSize is the size in bytes of the register window.
	WindowSize = 0x40
)

var offsetNames = map[Offset]string{
	Ctrl:          "CTRL",
	PTBase:        "PT_PA_BASE",
	Hit:           "HIT",
	Miss:          "MISS",
	Stall:         "STALL",
	AddrCap:       "ADDR_CAP",
	ShootDown:     "SHOOT_DOWN",
	BypassStart:   "BYPASS_START",
	BypassEnd:     "BYPASS_END",
	Misc:          "MISC",
	IllegalAddr:   "ILLEGAL_ADR",
	ViolationAddr: "VIO_ADDR",
	DebugInfo:     "DEBUG_INFO",
}

// String implements fmt.Stringer.
func (o Offset) String() string {
	if name, ok := offsetNames[o]; ok {
		return name
	}
	return fmt.Sprintf("reg(%#x)", uint32(o))
}

// Control register bits.
const (
	CtrlEnable                    = 1 << 0
	CtrlStatsEnable               = 1 << 1
	CtrlTLBClear                  = 1 << 2
	CtrlStatsClear                = 1 << 3
	CtrlTLBClearing               = 1 << 7
	CtrlBypass                    = 1 << 8
	CtrlWriteViolationExceptionEn = 1 << 9
	CtrlWriteViolationIntEn       = 1 << 10
	CtrlWriteViolationAbortEn     = 1 << 11
	CtrlWriteViolation            = 1 << 12
	CtrlPTInvalidEn               = 1 << 16
	CtrlPTInvalidExceptionEn      = 1 << 17
	CtrlPTInvalidIntEn            = 1 << 18
	CtrlPTInvalidAbortEn          = 1 << 19
	CtrlPTInvalid                 = 1 << 20
	CtrlCapExceededExceptionEn    = 1 << 24
	CtrlCapExceededIntEn          = 1 << 25
	CtrlCapExceededAbortEn        = 1 << 26
	CtrlCapExceeded               = 1 << 27

	// CtrlStickyFaults are the write-one-to-clear fault status flags.
	CtrlStickyFaults = CtrlCapExceeded | CtrlPTInvalid | CtrlWriteViolation

	// CtrlCommands are the self-clearing command bits.
	CtrlCommands = CtrlTLBClear | CtrlStatsClear
)

// Address cap register.
const (
	AddrCapEnable = 1 << 31

	// AddrCapShift is the binary log of the address cap unit (256M).
	AddrCapShift = 28
)

// Shootdown register.
const (
	ShootDownShooting = 1 << 31
	ShootDownShoot    = 1 << 30

	// ShootDownAddrMask selects the page index of the line to invalidate.
	ShootDownAddrMask = ShootDownShoot - 1
)

// Bypass window registers.
const (
	BypassStartEnable = 1 << 31
	BypassStartInvert = 1 << 30
	BypassEndEnable   = 1 << 31

	// BypassAddrMask selects the boundary of a bypass register.
	BypassAddrMask = BypassStartInvert - 1
)

// Misc register.
const (
	MiscSingleTable = 1 << 31
)

// Illegal address register.
const (
	IllegalAddrEnable = 1 << 31

	// IllegalAddrPFNMask selects the page index of the default page.
	IllegalAddrPFNMask = IllegalAddrEnable - 1
)

// Registers is the register interface of one IOMMU instance.
//
// Implementations need not be safe for concurrent use; callers serialize
// accesses.
type Registers interface {
	// Read32 reads the register at off.
	Read32(off Offset) uint32

	// Write32 writes v to the register at off.
	Write32(off Offset, v uint32)
}
