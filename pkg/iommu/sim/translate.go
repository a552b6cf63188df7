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

package sim

import (
	"fmt"

	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iommu/hw"
)

// Fault is a translation fault.
type Fault struct {
	// Flag is the control register flag the fault sets.
	Flag uint32

	// Addr is the faulting hardware address.
	Addr hostarch.Addr

	// Aborted is set if the transaction was aborted rather than redirected
	// to the default page.
	Aborted bool
}

// Error implements error.Error.
func (f *Fault) Error() string {
	var kind string
	switch f.Flag {
	case hw.CtrlCapExceeded:
		kind = "address cap exceeded"
	case hw.CtrlPTInvalid:
		kind = "invalid descriptor"
	case hw.CtrlWriteViolation:
		kind = "write violation"
	default:
		kind = fmt.Sprintf("fault %#x", f.Flag)
	}
	return fmt.Sprintf("%s at %v", kind, f.Addr)
}

// Translate performs a device access to hardware address addr and returns the
// physical address it reaches. Faults set the sticky control flags and the
// violation address register; unless the fault is aborted, the returned
// address is in the default page.
func (s *IOMMU) Translate(addr hostarch.Addr, write bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctrl := s.regs[hw.Ctrl/4]
	if ctrl&hw.CtrlEnable == 0 {
		return uint64(addr), nil
	}

	// Addresses inside the bypass window are not translated. The window
	// ends where the translated range begins.
	var apertureStart uint64
	if end := s.regs[hw.BypassEnd/4]; end&hw.BypassEndEnable != 0 {
		shift := s.opts.Capabilities.BypassShift()
		var start uint64
		if bs := s.regs[hw.BypassStart/4]; bs&hw.BypassStartEnable != 0 {
			start = uint64(bs&hw.BypassAddrMask) << shift
		}
		apertureStart = uint64(end&hw.BypassAddrMask) << shift
		if uint64(addr) >= start && uint64(addr) < apertureStart {
			return uint64(addr), nil
		}
	}
	if limit := s.regs[hw.AddrCap/4]; limit&hw.AddrCapEnable != 0 {
		size := (uint64(limit&^hw.AddrCapEnable) + 1) << hw.AddrCapShift
		if uint64(addr) < apertureStart || uint64(addr)-apertureStart >= size {
			return s.fault(ctrl, hw.CtrlCapExceeded, hw.CtrlCapExceededAbortEn, addr)
		}
	}

	pte, ok := s.lookup(ctrl, addr)
	if !ok || pte&descriptorValid == 0 {
		if ctrl&hw.CtrlPTInvalidEn == 0 {
			return uint64(addr), nil
		}
		return s.fault(ctrl, hw.CtrlPTInvalid, hw.CtrlPTInvalidAbortEn, addr)
	}
	if write && pte&descriptorWritable == 0 {
		return s.fault(ctrl, hw.CtrlWriteViolation, hw.CtrlWriteViolationAbortEn, addr)
	}
	return uint64(pte&descriptorPFNMask)<<hostarch.PageShift + addr.PageOffset(), nil
}

// fault records a fault of the given kind.
//
// +checklocks:s.mu
func (s *IOMMU) fault(ctrl, flag, abortEn uint32, addr hostarch.Addr) (uint64, error) {
	s.sticky |= flag
	s.regs[hw.ViolationAddr/4] = uint32(addr >> hostarch.PageShift)
	f := &Fault{Flag: flag, Addr: addr, Aborted: ctrl&abortEn != 0}
	illegal := s.regs[hw.IllegalAddr/4]
	if f.Aborted || illegal&hw.IllegalAddrEnable == 0 {
		return 0, f
	}
	return uint64(illegal&hw.IllegalAddrPFNMask)<<hostarch.PageShift + addr.PageOffset(), f
}

// lookup returns the leaf descriptor for addr, through the TLB. ok is false if
// the top-level descriptor is invalid.
//
// +checklocks:s.mu
func (s *IOMMU) lookup(ctrl uint32, addr hostarch.Addr) (uint32, bool) {
	index := uint64(addr) >> LineShift
	entry := uint64(addr>>hostarch.PageShift) % lineEntries
	if l, ok := s.tlb.Get(line{index: index}); ok {
		if ctrl&hw.CtrlStatsEnable != 0 {
			s.hits++
		}
		return l.ptes[entry], true
	}
	if ctrl&hw.CtrlStatsEnable != 0 {
		s.misses++
	}

	// The table base register holds the page index of the top-level table,
	// less the 4G-aligned base of the address space, modulo 2^32 pages.
	slot := uint64(addr) >> slotShift
	topPage := uint64(uint32(uint64(s.regs[hw.PTBase/4]) + slot/slotsPerTablePage))
	top, _ := s.load(topPage<<hostarch.PageShift + (slot%slotsPerTablePage)*4)
	if top&descriptorValid == 0 {
		return 0, false
	}
	l := line{index: index}
	leafTable := uint64(top&descriptorPFNMask) << hostarch.PageShift
	first := (index * lineEntries) % slotsPerTablePage
	for i := range l.ptes {
		l.ptes[i], _ = s.load(leafTable + (first+uint64(i))*4)
	}
	s.tlb.ReplaceOrInsert(l)
	return l.ptes[entry], true
}

// load reads physical memory. Unbacked addresses read as zero.
//
// +checklocks:s.mu
func (s *IOMMU) load(pa uint64) (uint32, bool) {
	if s.opts.Memory == nil {
		return 0, false
	}
	return s.opts.Memory.Load32(pa)
}
