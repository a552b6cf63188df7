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

package pagetables

import (
	"fmt"

	"gvisor.dev/iommu/pkg/hostarch"
)

// Descriptor bits.
const (
	pfnMask       = 0x0FFFFFFF
	validBit      = 1 << 28
	writableBit   = 1 << 29
	classShift    = 30
	classMask     = 0xC0000000
	maxPhysShift  = 28 + hostarch.PageShift
	pteSize       = 4
	pteSizeShift  = 2
	pteWordsShift = hostarch.PageShift - pteSizeShift
)

// MaxPhysical is the first physical address a descriptor cannot encode.
const MaxPhysical = 1 << maxPhysShift

// PageSizeClass is the page-size tag carried by a leaf descriptor. Software
// always installs one descriptor per 4K page; the tag tells the hardware that
// an aligned run of descriptors may be cached as one larger page.
type PageSizeClass uint32

// Page-size classes, in increasing size.
const (
	BasePage PageSizeClass = iota
	BigPage
	SuperPage
	HugePage
)

// String implements fmt.Stringer.
func (c PageSizeClass) String() string {
	switch c {
	case BasePage:
		return "4K"
	case BigPage:
		return "big"
	case SuperPage:
		return "super"
	case HugePage:
		return "huge"
	default:
		return fmt.Sprintf("class(%d)", uint32(c))
	}
}

// PTE is a 32-bit table descriptor.
//
// Leaf descriptors carry the page-size class in bits 31:30, the writable flag
// in bit 29, the valid flag in bit 28 and the physical page number in bits
// 27:0. Top-level descriptors use only the valid flag and the page number of
// a second-level table page.
type PTE uint32

// MakePTE returns a valid leaf descriptor.
func MakePTE(pfn uint32, writable bool, class PageSizeClass) PTE {
	p := PTE(validBit|pfn&pfnMask) | PTE(class)<<classShift
	if writable {
		p |= writableBit
	}
	return p
}

// tablePTE returns a valid top-level descriptor for a table page.
func tablePTE(pfn uint32) PTE {
	return PTE(validBit | pfn&pfnMask)
}

// Valid returns true iff this entry is valid.
func (p PTE) Valid() bool {
	return p&validBit != 0
}

// Writable returns true iff the device may write through this entry.
func (p PTE) Writable() bool {
	return p&writableBit != 0
}

// Class returns the page-size class of this entry.
func (p PTE) Class() PageSizeClass {
	return PageSizeClass((p & classMask) >> classShift)
}

// PFN returns the physical page number of this entry.
func (p PTE) PFN() uint32 {
	return uint32(p & pfnMask)
}

// Address returns the physical address of this entry.
func (p PTE) Address() uint64 {
	return uint64(p.PFN()) << hostarch.PageShift
}

// String implements fmt.Stringer.
func (p PTE) String() string {
	if !p.Valid() {
		return fmt.Sprintf("invalid(%#08x)", uint32(p))
	}
	perm := hostarch.Read
	perm.Write = p.Writable()
	return fmt.Sprintf("pa=%#x %v %v", p.Address(), perm, p.Class())
}
