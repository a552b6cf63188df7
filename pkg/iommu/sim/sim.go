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

// Package sim provides a software model of the IOMMU register interface and
// translation path.
//
// The model walks the translation tables through pgalloc.Memory and caches
// translations in a TLB of four-descriptor lines. Cached lines stay stale
// until they are shot down or the TLB is cleared, which makes missing
// invalidations observable.
package sim

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iommu/hw"
	"gvisor.dev/iommu/pkg/iommu/pgalloc"
	"gvisor.dev/iommu/pkg/sync"
)

const (
	// LineShift is the binary log of the range covered by one TLB line.
	LineShift = hostarch.PageShift + 2

	lineEntries = 1 << (LineShift - hostarch.PageShift)

	descriptorValid    = 1 << 28
	descriptorWritable = 1 << 29
	descriptorPFNMask  = 1<<28 - 1
	slotShift          = 22
	slotsPerTablePage  = 1 << 10
)

// DefaultCapabilities describes the hardware the engine is written against.
var DefaultCapabilities = hw.Capabilities{
	Version:        4,
	VAWidth:        6,
	PAWidth:        6,
	BigPageWidth:   4,
	SuperPageWidth: 8,
	Bypass:         true,
	Bypass4M:       true,
}

// Opts configures an IOMMU.
type Opts struct {
	// Capabilities is reported through the debug info register. The zero
	// value means DefaultCapabilities.
	Capabilities hw.Capabilities

	// Memory is physical memory as seen by the device. Translate requires
	// it.
	Memory pgalloc.Memory

	// ClearLatency is the number of control register reads that report a
	// TLB clear in progress. Negative values mean the clear never
	// completes.
	ClearLatency int

	// ShootLatency is the number of shootdown register reads that report a
	// shootdown in progress. Negative values mean it never completes.
	ShootLatency int
}

// line is one TLB line: the descriptors of four consecutive pages.
type line struct {
	index uint64
	ptes  [lineEntries]uint32
}

func lineLess(a, b line) bool {
	return a.index < b.index
}

// Access is a recorded register write.
type Access struct {
	Offset hw.Offset
	Value  uint32
}

// String implements fmt.Stringer.
func (a Access) String() string {
	return fmt.Sprintf("%v<-%#08x", a.Offset, a.Value)
}

// IOMMU is a simulated IOMMU instance. It implements hw.Registers and is safe
// for concurrent use.
type IOMMU struct {
	opts Opts

	mu sync.Mutex

	// regs holds the plain register values.
	//
	// +checklocks:mu
	regs [hw.WindowSize / 4]uint32

	// sticky holds the control register fault flags.
	//
	// +checklocks:mu
	sticky uint32

	// clearing and shooting count the remaining busy reads.
	//
	// +checklocks:mu
	clearing int
	// +checklocks:mu
	shooting int

	// +checklocks:mu
	hits, misses, stalls uint32

	// +checklocks:mu
	tlb *btree.BTreeG[line]

	// +checklocks:mu
	writes []Access

	// shot holds the page index of each shootdown request.
	//
	// +checklocks:mu
	shot []uint32

	// +checklocks:mu
	clears int
}

var _ hw.Registers = (*IOMMU)(nil)

// New returns a new simulated IOMMU in its reset state.
func New(opts Opts) *IOMMU {
	if opts.Capabilities == (hw.Capabilities{}) {
		opts.Capabilities = DefaultCapabilities
	}
	return &IOMMU{
		opts: opts,
		tlb:  btree.NewG[line](2, lineLess),
	}
}

// Read32 implements hw.Registers.Read32.
func (s *IOMMU) Read32(off hw.Offset) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch off {
	case hw.Ctrl:
		v := s.regs[off/4] | s.sticky
		if s.clearing != 0 {
			v |= hw.CtrlTLBClearing
			if s.clearing > 0 {
				s.clearing--
			}
		}
		return v
	case hw.ShootDown:
		v := s.regs[off/4]
		if s.shooting != 0 {
			v |= hw.ShootDownShooting
			if s.shooting > 0 {
				s.shooting--
			}
		}
		return v
	case hw.Hit:
		return s.hits
	case hw.Miss:
		return s.misses
	case hw.Stall:
		return s.stalls
	case hw.DebugInfo:
		return s.opts.Capabilities.Encode()
	}
	checkOffset(off)
	return s.regs[off/4]
}

// Write32 implements hw.Registers.Write32.
func (s *IOMMU) Write32(off hw.Offset, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkOffset(off)
	s.writes = append(s.writes, Access{off, v})
	switch off {
	case hw.Ctrl:
		s.sticky &^= v & hw.CtrlStickyFaults
		if v&hw.CtrlTLBClear != 0 {
			s.tlb.Clear(false)
			s.clears++
			s.clearing = s.opts.ClearLatency
		}
		if v&hw.CtrlStatsClear != 0 {
			s.hits, s.misses, s.stalls = 0, 0, 0
		}
		s.regs[off/4] = v &^ (hw.CtrlStickyFaults | hw.CtrlCommands | hw.CtrlTLBClearing)
	case hw.ShootDown:
		if v&hw.ShootDownShoot != 0 {
			page := v & hw.ShootDownAddrMask
			s.tlb.Delete(line{index: uint64(page) / lineEntries})
			s.shot = append(s.shot, page)
			s.shooting = s.opts.ShootLatency
		}
		s.regs[off/4] = v &^ (hw.ShootDownShoot | hw.ShootDownShooting)
	case hw.Hit, hw.Miss, hw.Stall, hw.ViolationAddr, hw.DebugInfo:
		// Read-only.
	default:
		s.regs[off/4] = v
	}
}

func checkOffset(off hw.Offset) {
	if off >= hw.WindowSize || off%4 != 0 {
		panic(fmt.Sprintf("register offset %v out of window", off))
	}
}

// Writes returns the values written to the register at off, in order.
func (s *IOMMU) Writes(off hw.Offset) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var vs []uint32
	for _, a := range s.writes {
		if a.Offset == off {
			vs = append(vs, a.Value)
		}
	}
	return vs
}

// Log returns all recorded register writes.
func (s *IOMMU) Log() []Access {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Access(nil), s.writes...)
}

// ResetLog discards recorded register writes and shootdowns.
func (s *IOMMU) ResetLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
	s.shot = nil
	s.clears = 0
}

// Shootdowns returns the page index of each shootdown request since the last
// ResetLog.
func (s *IOMMU) Shootdowns() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.shot...)
}

// Clears returns the number of TLB clears since the last ResetLog.
func (s *IOMMU) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// CachedLines returns the hardware addresses of the cached TLB lines in
// ascending order.
func (s *IOMMU) CachedLines() []hostarch.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var addrs []hostarch.Addr
	s.tlb.Ascend(func(l line) bool {
		addrs = append(addrs, hostarch.Addr(l.index<<LineShift))
		return true
	})
	return addrs
}

// SetStalls sets the stall counter, which the model never advances itself.
func (s *IOMMU) SetStalls(v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalls = v
}
