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
	"math/bits"

	"gvisor.dev/iommu/pkg/errors/linuxerr"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/log"
)

// Gather accumulates the IOVA ranges of unmaps whose TLB invalidation is
// deferred to IOTLBSync. The zero value is empty.
type Gather struct {
	hostarch.AddrRange
}

// Add adds ar to the pending range.
func (g *Gather) Add(ar hostarch.AddrRange) {
	g.AddrRange = g.AddrRange.Union(ar)
}

// Pending returns true iff there is a range to invalidate.
func (g *Gather) Pending() bool {
	return !g.Empty()
}

// Reset empties the pending range.
func (g *Gather) Reset() {
	g.AddrRange = hostarch.AddrRange{}
}

// requestRange returns the IOVA range of a request for count pages of pgsize
// bytes at iova. ok is false if the range is empty or overflows.
func requestRange(iova hostarch.Addr, pgsize, count uint64) (hostarch.AddrRange, bool) {
	hi, length := bits.Mul64(pgsize, count)
	if hi != 0 || length == 0 {
		return hostarch.AddrRange{}, false
	}
	return iova.ToRange(length)
}

// Map maps count pages of pgsize bytes at iova to the physical range starting
// at pa. It returns the number of bytes mapped.
//
// The range must lie within the aperture, and iova and pa must share the same
// offset within a page; otherwise Map returns EINVAL without changing any
// state. If a table page cannot be allocated, Map returns ENOMEM; tables
// allocated before the failure stay installed, but no translation is added.
// Translations are always readable; at only decides whether they are writable.
//
// Map does not invalidate the TLB, since only previously invalid
// translations may be cached.
func (d *Domain) Map(iova hostarch.Addr, pa, pgsize, count uint64, at hostarch.AccessType) (uint64, error) {
	ar, ok := requestRange(iova, pgsize, count)
	if !ok {
		return 0, linuxerr.EINVAL
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Enabled {
		return 0, linuxerr.ENODEV
	}
	aperture := d.cfg.Aperture()
	if !aperture.IsSupersetOf(ar) {
		log.Warningf("iommu: map %v -> %#x outside aperture %v", ar, pa, aperture)
		return 0, linuxerr.EINVAL
	}
	n, err := d.pt.Map(uint64(ar.Start-aperture.Start), ar.Length(), pa, at)
	if err != nil {
		if linuxerr.Equals(linuxerr.ENOMEM, err) {
			log.Warningf("iommu: map %v -> %#x: out of table pages", ar, pa)
		}
		return 0, err
	}
	return n, nil
}

// Unmap removes the translations for count pages of pgsize bytes at iova, and
// adds the range to g for a later IOTLBSync. It returns the number of bytes
// unmapped, which is zero if the range is not within the aperture. Unmapping
// addresses without a translation is not an error.
func (d *Domain) Unmap(iova hostarch.Addr, pgsize, count uint64, g *Gather) uint64 {
	ar, ok := requestRange(iova, pgsize, count)
	if !ok {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Enabled {
		return 0
	}
	aperture := d.cfg.Aperture()
	if !aperture.IsSupersetOf(ar) {
		log.Warningf("iommu: unmap %v outside aperture %v", ar, aperture)
		return 0
	}
	n := d.pt.Unmap(uint64(ar.Start-aperture.Start), ar.Length())
	if g != nil {
		g.Add(ar)
	}
	return n
}

// IOVAToPhys returns the physical address iova translates to. ok is false if
// iova is outside the aperture or has no valid translation.
func (d *Domain) IOVAToPhys(iova hostarch.Addr) (pa uint64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Enabled {
		return 0, false
	}
	aperture := d.cfg.Aperture()
	if !aperture.Contains(iova) {
		return 0, false
	}
	pa, _, ok = d.pt.Lookup(uint64(iova - aperture.Start))
	return pa, ok
}

// Mapped returns the number of valid 4K translations.
func (d *Domain) Mapped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pt == nil {
		return 0
	}
	return d.pt.Mapped()
}
