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

// Package pagetables provides a generic implementation of the two-level IOMMU
// translation tables.
//
// The top-level table is one table page of descriptors, each covering 4M of
// device address space, so a 4K table page translates up to 4G. A second-level
// table is one 4K page of 1024 leaf descriptors, each covering one 4K page.
// When the allocator hands out pages larger than 4K, one allocation backs
// several consecutive top-level slots.
//
// Addresses passed to this package are relative to the start of the
// translated range, except where Opts.Base is involved. PageTables is not
// synchronized; callers serialize access.
package pagetables

import (
	"fmt"

	"gvisor.dev/iommu/pkg/bits"
	"gvisor.dev/iommu/pkg/errors/linuxerr"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iommu/pgalloc"
)

// Table geometry.
const (
	// HugePageShift is the binary log of the range covered by one top-level
	// slot, which is also the largest page-size class.
	HugePageShift = hostarch.PageShift + pteWordsShift
	HugePageSize  = 1 << HugePageShift
	HugePageMask  = HugePageSize - 1

	// TopLevelShift is the binary log of the range covered by a 4K top-level
	// table.
	TopLevelShift = HugePageShift + pteWordsShift
	TopLevelSize  = 1 << TopLevelShift
)

// MaxSize returns the largest range translated by a top-level table of the
// given page size.
func MaxSize(pageSize uint64) uint64 {
	return pageSize << (HugePageShift - pteSizeShift)
}

// Opts configures PageTables.
type Opts struct {
	// Size is the size of the translated range. It must be a non-zero
	// multiple of the range covered by one table page, and no larger than
	// MaxSize of the allocator page size.
	Size uint64

	// Base is the device address of the start of the translated range. Page
	// size classes are chosen by the alignment of device addresses.
	Base uint64

	// BigPageMask and SuperPageMask are the alignment masks of the
	// intermediate page-size classes. Zero disables a class.
	BigPageMask   uint64
	SuperPageMask uint64
}

// PageTables is a two-level translation table.
type PageTables struct {
	allocator pgalloc.Allocator
	opts      Opts

	// wordsShift is the binary log of the number of leaf descriptors in one
	// table page.
	wordsShift int

	// slotsPerTable is the number of top-level slots backed by one table
	// page.
	slotsPerTable int

	// top is the top-level table. Only the slots covering Size are used.
	top *pgalloc.Page

	// tables holds the second-level table pages, indexed by address >>
	// (wordsShift + hostarch.PageShift). A nil entry has not been allocated
	// and its top-level slots are invalid.
	tables []*pgalloc.Page

	// allocated is the number of non-nil entries in tables.
	allocated int

	// mapped is the number of valid leaf descriptors.
	mapped uint64
}

// New returns new PageTables, with the top-level table allocated.
func New(a pgalloc.Allocator, opts Opts) (*PageTables, error) {
	pageSize := a.PageSize()
	if pageSize < hostarch.PageSize || !bits.IsPowerOfTwo(pageSize) {
		return nil, fmt.Errorf("table page size %#x: %w", pageSize, linuxerr.EINVAL)
	}
	wordsShift := bits.Log2(pageSize) - pteSizeShift
	coverage := uint64(1) << (wordsShift + hostarch.PageShift)
	if limit := MaxSize(pageSize); opts.Size == 0 || opts.Size > limit || opts.Size%coverage != 0 {
		return nil, fmt.Errorf("translated size %#x is not a multiple of %#x up to %#x: %w", opts.Size, coverage, limit, linuxerr.EINVAL)
	}
	top, err := a.Alloc()
	if err != nil {
		return nil, err
	}
	return &PageTables{
		allocator:     a,
		opts:          opts,
		wordsShift:    wordsShift,
		slotsPerTable: int(pageSize / hostarch.PageSize),
		top:           top,
		tables:        make([]*pgalloc.Page, opts.Size/coverage),
	}, nil
}

// tableShift returns the binary log of the range covered by one table page.
func (p *PageTables) tableShift() int {
	return p.wordsShift + hostarch.PageShift
}

// Size returns the size of the translated range.
func (p *PageTables) Size() uint64 {
	return p.opts.Size
}

// TableCoverage returns the range covered by one table page.
func (p *PageTables) TableCoverage() uint64 {
	return 1 << p.tableShift()
}

// TopPFN returns the page index of the top-level table.
func (p *PageTables) TopPFN() uint32 {
	return p.top.PFN()
}

// Mapped returns the number of valid leaf descriptors.
func (p *PageTables) Mapped() uint64 {
	return p.mapped
}

// Allocated returns the number of allocated second-level table pages.
func (p *PageTables) Allocated() int {
	return p.allocated
}

// inRange returns true iff [addr, addr+length) is a non-empty subrange of the
// translated range.
func (p *PageTables) inRange(addr, length uint64) bool {
	return length != 0 && addr < p.opts.Size && length <= p.opts.Size-addr
}

// ensureTables allocates the second-level tables covering [start, end). On
// allocation failure, tables allocated so far remain installed and the
// top-level table is still synchronized for the device.
func (p *PageTables) ensureTables(start, end uint64) error {
	var err error
	dirty := false
	shift := p.tableShift()
	for t := start >> shift; t <= (end-1)>>shift; t++ {
		if p.tables[t] != nil {
			continue
		}
		table, aerr := p.allocator.Alloc()
		if aerr != nil {
			err = aerr
			break
		}
		if !dirty {
			p.allocator.SyncForCPU(p.top)
			dirty = true
		}
		p.tables[t] = table
		p.allocated++
		pfn := table.PFN()
		slot := int(t) * p.slotsPerTable
		for k := 0; k < p.slotsPerTable; k++ {
			p.top.Words[slot+k] = uint32(tablePTE(pfn + uint32(k)))
		}
	}
	if dirty {
		p.allocator.SyncForDevice(p.top)
	}
	return err
}

// classFor returns the largest page-size class that the device address of
// addr, physical and length are all aligned to.
func (p *PageTables) classFor(addr, physical, length uint64) PageSizeClass {
	align := (p.opts.Base + addr) | physical | length
	switch {
	case align&HugePageMask == 0:
		return HugePage
	case p.opts.SuperPageMask != 0 && align&p.opts.SuperPageMask == 0:
		return SuperPage
	case p.opts.BigPageMask != 0 && align&p.opts.BigPageMask == 0:
		return BigPage
	default:
		return BasePage
	}
}

// pageRange returns the first page index and the page index past the end of
// [addr, addr+length), rounding outwards.
func pageRange(addr, length uint64) (first, last uint64) {
	return addr >> hostarch.PageShift, (addr + length + hostarch.PageMask) >> hostarch.PageShift
}

// visitLeaves calls fn for each leaf descriptor covering page indexes [first,
// last) whose table is allocated. Each table page is synchronized for the CPU
// before its first visit and for the device after its last.
func (p *PageTables) visitLeaves(first, last uint64, fn func(pn uint64, pte *uint32)) {
	wordsMask := bits.LowMask[uint64](p.wordsShift)
	for pn := first; pn < last; {
		next := (pn | wordsMask) + 1
		if next > last {
			next = last
		}
		table := p.tables[pn>>p.wordsShift]
		if table == nil {
			pn = next
			continue
		}
		p.allocator.SyncForCPU(table)
		for ; pn < next; pn++ {
			fn(pn, &table.Words[pn&wordsMask])
		}
		p.allocator.SyncForDevice(table)
	}
}

// Map installs translations for [addr, addr+length) to physical, allocating
// second-level tables as needed. addr and physical must have the same offset
// within a page. It returns the number of bytes mapped, which is either
// length or zero.
//
// If a table cannot be allocated, Map returns ENOMEM. Tables allocated before
// the failure stay installed and no leaf descriptor is changed.
func (p *PageTables) Map(addr, length, physical uint64, at hostarch.AccessType) (uint64, error) {
	if !p.inRange(addr, length) {
		return 0, linuxerr.EINVAL
	}
	if (addr^physical)&hostarch.PageMask != 0 || physical >= MaxPhysical || length > MaxPhysical-physical {
		return 0, linuxerr.EINVAL
	}
	if err := p.ensureTables(addr, addr+length); err != nil {
		return 0, err
	}

	first, last := pageRange(addr, length)
	pte := MakePTE(uint32(physical>>hostarch.PageShift), at.Write, p.classFor(addr, physical, length))
	p.visitLeaves(first, last, func(_ uint64, e *uint32) {
		if !PTE(*e).Valid() {
			p.mapped++
		}
		*e = uint32(pte)
		pte++
	})
	return length, nil
}

// Unmap clears translations for [addr, addr+length). Absent tables are
// skipped. It returns length, or zero if the range is outside the translated
// range.
func (p *PageTables) Unmap(addr, length uint64) uint64 {
	if !p.inRange(addr, length) {
		return 0
	}
	first, last := pageRange(addr, length)
	p.visitLeaves(first, last, func(_ uint64, e *uint32) {
		if PTE(*e).Valid() {
			p.mapped--
		}
		*e = 0
	})
	return length
}

// PTE returns the leaf descriptor for addr. ok is false if addr is outside
// the translated range or its table is absent.
func (p *PageTables) PTE(addr uint64) (pte PTE, ok bool) {
	if addr >= p.opts.Size {
		return 0, false
	}
	pn := addr >> hostarch.PageShift
	table := p.tables[pn>>p.wordsShift]
	if table == nil {
		return 0, false
	}
	return PTE(table.Words[pn&bits.LowMask[uint64](p.wordsShift)]), true
}

// Lookup returns the physical address and permissions addr translates to. ok
// is false if there is no valid translation.
func (p *PageTables) Lookup(addr uint64) (physical uint64, at hostarch.AccessType, ok bool) {
	pte, ok := p.PTE(addr)
	if !ok || !pte.Valid() {
		return 0, hostarch.NoAccess, false
	}
	at = hostarch.Read
	at.Write = pte.Writable()
	return pte.Address() + addr&hostarch.PageMask, at, true
}

// TopEntry returns the top-level descriptor for addr.
func (p *PageTables) TopEntry(addr uint64) PTE {
	return PTE(p.top.Words[(addr>>HugePageShift)%uint64(len(p.top.Words))])
}

// VisitMapped calls fn for each valid leaf descriptor in address order, until
// fn returns false.
func (p *PageTables) VisitMapped(fn func(addr uint64, pte PTE) bool) {
	for t, table := range p.tables {
		if table == nil {
			continue
		}
		base := uint64(t) << p.tableShift()
		for i, w := range table.Words {
			if pte := PTE(w); pte.Valid() {
				if !fn(base+uint64(i)<<hostarch.PageShift, pte) {
					return
				}
			}
		}
	}
}

// Release frees all table pages. The PageTables must not be used afterwards.
func (p *PageTables) Release() {
	for t, table := range p.tables {
		if table != nil {
			p.allocator.Free(table)
			p.tables[t] = nil
		}
	}
	p.allocator.Free(p.top)
	p.top = nil
	p.allocated = 0
	p.mapped = 0
}
