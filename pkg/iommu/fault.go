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

package iommu

import (
	"fmt"
	"strings"

	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iommu/hw"
)

// Fault is a hardware fault report.
type Fault struct {
	CapExceeded    bool
	PTInvalid      bool
	WriteViolation bool

	// Addr is the page-aligned IOVA of the last faulting access. It is
	// only meaningful if one of the flags is set.
	Addr hostarch.Addr
}

// Any returns true iff a fault was reported.
func (f Fault) Any() bool {
	return f.CapExceeded || f.PTInvalid || f.WriteViolation
}

// String implements fmt.Stringer.
func (f Fault) String() string {
	if !f.Any() {
		return "none"
	}
	var kinds []string
	if f.CapExceeded {
		kinds = append(kinds, "cap-exceeded")
	}
	if f.PTInvalid {
		kinds = append(kinds, "pt-invalid")
	}
	if f.WriteViolation {
		kinds = append(kinds, "write-violation")
	}
	return fmt.Sprintf("%s at %v", strings.Join(kinds, "|"), f.Addr)
}

// CheckFault returns and clears the sticky fault flags. Faults are logged at
// a limited rate; recovering from them is left to the caller.
func (d *Domain) CheckFault() Fault {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Enabled {
		return Fault{}
	}
	ctrl := d.regs.Read32(hw.Ctrl)
	f := Fault{
		CapExceeded:    ctrl&hw.CtrlCapExceeded != 0,
		PTInvalid:      ctrl&hw.CtrlPTInvalid != 0,
		WriteViolation: ctrl&hw.CtrlWriteViolation != 0,
	}
	if !f.Any() {
		return f
	}
	page := uint64(d.regs.Read32(hw.ViolationAddr))
	f.Addr = hostarch.Addr(page<<hostarch.PageShift + d.cfg.DMAOffset)
	d.regs.Write32(hw.Ctrl, enabledCtrl|ctrl&hw.CtrlStickyFaults)
	d.faultLog.Warningf("iommu: fault %v", f)
	return f
}

// Stats are domain statistics.
type Stats struct {
	// Hits, Misses and Stalls are the hardware access counters.
	Hits   uint32
	Misses uint32
	Stalls uint32

	// Mapped is the number of valid 4K translations.
	Mapped uint64

	// Tables is the number of allocated second-level table pages.
	Tables int

	// Clears is the number of whole-TLB clears, and ShootdownLines the
	// number of individually invalidated TLB lines.
	Clears         uint64
	ShootdownLines uint64

	// PollTimeouts is the number of invalidations that did not complete
	// in time.
	PollTimeouts uint64
}

// Stats returns a snapshot of the domain statistics.
func (d *Domain) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{
		Clears:         d.counters.clears,
		ShootdownLines: d.counters.shootdownLines,
		PollTimeouts:   d.counters.pollTimeouts,
	}
	if d.state != Enabled {
		return s
	}
	s.Hits = d.regs.Read32(hw.Hit)
	s.Misses = d.regs.Read32(hw.Miss)
	s.Stalls = d.regs.Read32(hw.Stall)
	s.Mapped = d.pt.Mapped()
	s.Tables = d.pt.Allocated()
	return s
}
