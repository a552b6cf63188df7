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

// Package pgalloc allocates the physical pages that hold translation tables.
//
// A page handed out by an Allocator is zero-filled and device-visible: its
// physical address may be programmed into the IOMMU, and the IOMMU may read it
// at any time until the page is freed. Writes by the CPU become visible to
// the device only after SyncForDevice.
package pgalloc

import (
	"fmt"

	"gvisor.dev/iommu/pkg/bits"
	"gvisor.dev/iommu/pkg/hostarch"
)

// Page is one table page.
type Page struct {
	// Words is the content of the page as 32-bit words.
	Words []uint32

	physical uint64
}

// Physical returns the physical address of the page.
func (p *Page) Physical() uint64 {
	return p.physical
}

// PFN returns the page index of the page in 4K units, as used in
// descriptors and registers.
func (p *Page) PFN() uint32 {
	return uint32(p.physical >> hostarch.PageShift)
}

// String implements fmt.Stringer.
func (p *Page) String() string {
	return fmt.Sprintf("page@%#x", p.physical)
}

// Allocator allocates and frees table pages.
type Allocator interface {
	// PageSize returns the size in bytes of the pages returned by Alloc. It
	// is a power-of-two multiple of hostarch.PageSize.
	PageSize() uint64

	// Alloc returns a zero-filled, device-visible page, or ENOMEM.
	Alloc() (*Page, error)

	// Free releases a page returned by Alloc. Free(nil) is a no-op.
	Free(p *Page)

	// SyncForCPU makes device-side changes to p visible to the CPU before
	// it is written.
	SyncForCPU(p *Page)

	// SyncForDevice makes CPU writes to p visible to the device.
	SyncForDevice(p *Page)
}

// Memory is physical memory as seen by the device.
type Memory interface {
	// Load32 returns the 32-bit word at physical address pa. ok is false if
	// pa is not backed by a live page.
	Load32(pa uint64) (v uint32, ok bool)
}

// Stats are allocator counters.
type Stats struct {
	// Live is the number of allocated pages not yet freed.
	Live int

	// Allocs and Frees count successful Alloc and non-nil Free calls.
	Allocs uint64
	Frees  uint64

	// CPUSyncs and DeviceSyncs count synchronization calls.
	CPUSyncs    uint64
	DeviceSyncs uint64
}

// checkPageSize validates a table page size.
func checkPageSize(size uint64) error {
	if size < hostarch.PageSize || !bits.IsPowerOfTwo(size) {
		return fmt.Errorf("table page size %#x is not a power-of-two multiple of %#x", size, hostarch.PageSize)
	}
	return nil
}
