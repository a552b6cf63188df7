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

	"github.com/cenkalti/backoff"
	"gvisor.dev/iommu/pkg/errors/linuxerr"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iommu/hw"
	"gvisor.dev/iommu/pkg/log"
	"gvisor.dev/iommu/pkg/sync"
)

// lineShift is the binary log of the range covered by one shootdown: four
// descriptors.
const lineShift = hostarch.PageShift + 2

// ErrPollTimeout is returned when the hardware does not complete a TLB
// invalidation within the poll bound. The TLB may still hold stale
// translations.
var ErrPollTimeout = fmt.Errorf("iommu: TLB invalidation did not complete: %w", linuxerr.ETIMEDOUT)

// IOTLBSync invalidates the TLB for the range accumulated in g, and empties g.
func (d *Domain) IOTLBSync(g *Gather) error {
	if g == nil || !g.Pending() {
		return nil
	}
	ar := g.AddrRange
	g.Reset()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Enabled {
		return linuxerr.ENODEV
	}
	return d.invalidate(ar)
}

// FlushAll invalidates the TLB for the whole aperture.
func (d *Domain) FlushAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Enabled {
		return linuxerr.ENODEV
	}
	return d.invalidate(d.cfg.Aperture())
}

// invalidate invalidates the TLB for the part of ar within the aperture. The
// whole TLB is cleared when nothing is mapped or that part spans at least
// ClearThreshold; otherwise each line covering it is shot down.
//
// +checklocks:d.mu
func (d *Domain) invalidate(ar hostarch.AddrRange) error {
	ar = ar.Intersect(d.cfg.Aperture())
	if ar.Empty() {
		return nil
	}
	if d.cache != nil {
		d.cache.Flush()
	}
	if d.pt.Mapped() == 0 || ar.Length() >= ClearThreshold {
		return d.clearTLB()
	}
	return d.shootdown(ar)
}

// +checklocks:d.mu
func (d *Domain) clearTLB() error {
	d.counters.clears++
	d.regs.Write32(hw.Ctrl, enabledCtrl|hw.CtrlTLBClear)
	err := d.poll(func() bool {
		return d.regs.Read32(hw.Ctrl)&hw.CtrlTLBClearing == 0
	})
	d.regs.Write32(hw.Ctrl, enabledCtrl)
	if err != nil {
		d.counters.pollTimeouts++
		log.Warningf("iommu: TLB clear still running after %d polls", d.maxPolls)
	}
	return err
}

// shootdown invalidates each line covering ar, one at a time. ar must be
// within the aperture.
//
// +checklocks:d.mu
func (d *Domain) shootdown(ar hostarch.AddrRange) error {
	start := uint64(ar.Start) - d.cfg.DMAOffset
	end := uint64(ar.End) - d.cfg.DMAOffset
	for line := start >> lineShift; line < (end+1<<lineShift-1)>>lineShift; line++ {
		d.counters.shootdownLines++
		page := uint32(line<<(lineShift-hostarch.PageShift)) & hw.ShootDownAddrMask
		d.regs.Write32(hw.ShootDown, hw.ShootDownShoot|page)
		if err := d.poll(func() bool {
			return d.regs.Read32(hw.ShootDown)&hw.ShootDownShooting == 0
		}); err != nil {
			d.counters.pollTimeouts++
			log.Warningf("iommu: shootdown of %#x still running after %d polls", line<<lineShift, d.maxPolls)
			return err
		}
	}
	return nil
}

// poll spins until done returns true, at most maxPolls times after the first
// check. It never sleeps.
//
// +checklocks:d.mu
func (d *Domain) poll(done func() bool) error {
	b := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, d.maxPolls)
	for i := 0; ; i++ {
		if done() {
			return nil
		}
		if b.NextBackOff() == backoff.Stop {
			return ErrPollTimeout
		}
		sync.Spin(i)
	}
}
