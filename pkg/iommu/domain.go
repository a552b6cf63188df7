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
	"time"

	"gvisor.dev/iommu/pkg/cleanup"
	"gvisor.dev/iommu/pkg/errors/linuxerr"
	"gvisor.dev/iommu/pkg/iommu/hw"
	"gvisor.dev/iommu/pkg/iommu/pagetables"
	"gvisor.dev/iommu/pkg/iommu/pgalloc"
	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/sync"
)

// enabledCtrl is the control register value of an enabled domain: faults
// abort the transaction, and access statistics are collected.
const enabledCtrl = hw.CtrlCapExceededAbortEn |
	hw.CtrlPTInvalidAbortEn |
	hw.CtrlPTInvalidEn |
	hw.CtrlWriteViolationAbortEn |
	hw.CtrlStatsEnable |
	hw.CtrlEnable

// faultLogInterval rate limits fault reports.
const faultLogInterval = time.Second

// Domain is the translation domain of one IOMMU instance.
//
// All methods are safe for concurrent use and never sleep.
type Domain struct {
	regs     hw.Registers
	alloc    pgalloc.Allocator
	cache    Cache
	cfg      Config
	caps     hw.Capabilities
	maxPolls uint64
	faultLog log.Logger

	mu sync.SpinMutex

	// +checklocks:mu
	state State

	// pt is the translation table. It is nil once released.
	//
	// +checklocks:mu
	pt *pagetables.PageTables

	// defaultPage receives accesses without a valid translation.
	//
	// +checklocks:mu
	defaultPage *pgalloc.Page

	// +checklocks:mu
	counters counters
}

// counters are software statistics.
type counters struct {
	clears         uint64
	shootdownLines uint64
	pollTimeouts   uint64
}

// New initializes the IOMMU behind opts.Registers and returns its enabled
// domain.
//
// A capability descriptor that fails the minimum assumptions is logged, but
// does not prevent initialization.
func New(opts Opts) (*Domain, error) {
	if opts.Registers == nil || opts.Allocator == nil {
		return nil, fmt.Errorf("registers and allocator are required: %w", linuxerr.EINVAL)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if limit := MaxApertureSize(opts.Allocator.PageSize()); opts.ApertureSize > limit {
		return nil, fmt.Errorf("aperture size %#x exceeds %#x for %#x table pages: %w", opts.ApertureSize, limit, opts.Allocator.PageSize(), linuxerr.EINVAL)
	}
	if opts.MaxPolls == 0 {
		opts.MaxPolls = DefaultMaxPolls
	}
	d := &Domain{
		regs:     opts.Registers,
		alloc:    opts.Allocator,
		cache:    opts.Cache,
		cfg:      opts.Config,
		maxPolls: opts.MaxPolls,
		faultLog: log.BasicRateLimitedLogger(faultLogInterval),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

// +checklocks:d.mu
func (d *Domain) setState(s State) {
	log.Debugf("iommu: %v -> %v", d.state, s)
	d.state = s
}

// init runs the initialization sequence.
//
// +checklocks:d.mu
func (d *Domain) init() error {
	raw := d.regs.Read32(hw.DebugInfo)
	d.caps = hw.DecodeCapabilities(raw)
	if err := d.caps.Check(); err != nil {
		log.Warningf("iommu: %v (debug info %#08x), continuing", err, raw)
	}

	// Disable, clear sticky faults and statistics, and flush the TLB.
	d.regs.Write32(hw.Ctrl, hw.CtrlStickyFaults|hw.CtrlStatsClear|hw.CtrlTLBClear)
	d.setState(HardwareQuiesced)

	d.regs.Write32(hw.Misc, d.regs.Read32(hw.Misc)&^hw.MiscSingleTable)
	// The cap counts from the aperture base. Drivers that count from the
	// DMA offset instead program a larger cap when the base is non-zero.
	d.regs.Write32(hw.AddrCap, hw.AddrCapEnable|(uint32(d.cfg.ApertureSize>>hw.AddrCapShift)-1))
	d.regs.Write32(hw.BypassStart, 0)
	var bypassEnd uint32
	if d.cfg.ApertureBase != 0 {
		bypassEnd = hw.BypassEndEnable | uint32(d.cfg.ApertureBase>>d.caps.BypassShift())&hw.BypassAddrMask
	}
	d.regs.Write32(hw.BypassEnd, bypassEnd)
	d.setState(Configured)

	pt, err := pagetables.New(d.alloc, pagetables.Opts{
		Size:          d.cfg.ApertureSize,
		Base:          uint64(d.cfg.Aperture().Start),
		BigPageMask:   d.caps.BigPageMask(),
		SuperPageMask: d.caps.SuperPageMask(),
	})
	if err != nil {
		log.Warningf("iommu: allocating top-level table: %v", err)
		return err
	}
	cu := cleanup.Make(pt.Release)
	defer cu.Clean()
	defaultPage, err := d.alloc.Alloc()
	if err != nil {
		log.Warningf("iommu: allocating default page: %v", err)
		return err
	}
	cu.Release()
	d.pt = pt
	d.defaultPage = defaultPage

	// Indexing the top-level table starts at the aperture base, so the
	// programmed base is offset by the slots before it, modulo 2^32 pages.
	d.regs.Write32(hw.PTBase, pt.TopPFN()-uint32(d.cfg.ApertureBase>>pagetables.TopLevelShift))
	d.regs.Write32(hw.IllegalAddr, hw.IllegalAddrEnable|defaultPage.PFN()&hw.IllegalAddrPFNMask)

	if d.cache != nil {
		d.cache.Flush()
	}
	d.regs.Write32(hw.Ctrl, enabledCtrl)
	d.setState(Enabled)
	log.Infof("iommu: enabled, aperture %v, %v", d.cfg.Aperture(), d.caps)
	return nil
}

// Release disables the IOMMU and frees all table memory. Afterwards Map fails
// with ENODEV, Unmap unmaps nothing and IOVAToPhys finds no translation.
// Release is idempotent.
func (d *Domain) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Released {
		return
	}
	d.regs.Write32(hw.Ctrl, 0)
	d.pt.Release()
	d.alloc.Free(d.defaultPage)
	d.pt = nil
	d.defaultPage = nil
	d.setState(Released)
}

// State returns the lifecycle state of the domain.
func (d *Domain) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Config returns the domain configuration.
func (d *Domain) Config() Config {
	return d.cfg
}

// Capabilities returns the decoded capability descriptor read at
// initialization.
func (d *Domain) Capabilities() hw.Capabilities {
	return d.caps
}

// Geometry returns the translated range and advertised page sizes.
func (d *Domain) Geometry() Geometry {
	return Geometry{
		Aperture:  d.cfg.Aperture(),
		PageSizes: PageSizes,
	}
}
