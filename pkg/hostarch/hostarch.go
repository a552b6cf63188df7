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

// Package hostarch describes the addressing model shared by the IOMMU
// packages: device-visible addresses, ranges of them, and access types.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the IOMMU page size. The hardware
	// always translates in 4K units, regardless of the host page size.
	PageShift = 12

	// PageSize is the IOMMU page size.
	PageSize = 1 << PageShift

	// PageMask masks the in-page offset of an address.
	PageMask = PageSize - 1
)

// Addr is a device-visible address, either an IOVA or a hardware-side bus
// address. It is 64 bits wide on all platforms since apertures commonly sit
// above 4G.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// AddrRange is a half-open range of addresses, [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// WellFormed returns true if ar.Start <= ar.End.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Length returns the length of the range.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// Empty returns true if the range is empty.
func (ar AddrRange) Empty() bool {
	return ar.Start == ar.End
}

// Contains returns true if ar contains x.
func (ar AddrRange) Contains(x Addr) bool {
	return ar.Start <= x && x < ar.End
}

// IsSupersetOf returns true if ar is a superset of other. An empty range is a
// subset of any range that encloses its start.
func (ar AddrRange) IsSupersetOf(other AddrRange) bool {
	return ar.Start <= other.Start && other.End <= ar.End
}

// Intersect returns the intersection of ar and other.
func (ar AddrRange) Intersect(other AddrRange) AddrRange {
	if ar.Start < other.Start {
		ar.Start = other.Start
	}
	if ar.End > other.End {
		ar.End = other.End
	}
	if ar.End < ar.Start {
		ar.End = ar.Start
	}
	return ar
}

// Union returns the smallest range containing both ar and other. An empty
// operand is ignored.
func (ar AddrRange) Union(other AddrRange) AddrRange {
	switch {
	case other.Empty():
		return ar
	case ar.Empty():
		return other
	}
	if other.Start < ar.Start {
		ar.Start = other.Start
	}
	if other.End > ar.End {
		ar.End = other.End
	}
	return ar
}

// String implements fmt.Stringer.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(ar.Start), uint64(ar.End))
}

// AccessType specifies memory access types. Devices always have read access
// to a valid mapping; Write is the only permission the hardware can withhold.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool
}

var (
	// NoAccess is an AccessType that grants no permissions.
	NoAccess = AccessType{}

	// Read is an AccessType granting read access only.
	Read = AccessType{Read: true}

	// ReadWrite is an AccessType granting read and write access.
	ReadWrite = AccessType{Read: true, Write: true}
)

// Any returns true if at least one of the access types is set.
func (a AccessType) Any() bool {
	return a.Read || a.Write
}

// String implements fmt.Stringer.
func (a AccessType) String() string {
	bits := [2]byte{'-', '-'}
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	return string(bits[:])
}
