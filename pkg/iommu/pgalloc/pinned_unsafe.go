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

//go:build linux

package pgalloc

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/iommu/pkg/cleanup"
	"gvisor.dev/iommu/pkg/errors/linuxerr"
	"gvisor.dev/iommu/pkg/sync"
)

// pagemap entry bits, see Documentation/admin-guide/mm/pagemap.rst.
const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// Pinned is an Allocator backed by anonymous host memory that is locked in
// RAM, with physical addresses resolved through /proc/self/pagemap. Resolving
// physical addresses requires CAP_SYS_ADMIN; without it Alloc fails with
// EPERM.
//
// Table pages are exactly one host page, so physical contiguity within a page
// is guaranteed.
type Pinned struct {
	pageSize uint64
	pagemap  *os.File

	mu sync.SpinMutex

	// +checklocks:mu
	pages map[uint64]pinnedPage

	// +checklocks:mu
	stats Stats
}

type pinnedPage struct {
	page *Page
	mem  []byte
}

var _ Allocator = (*Pinned)(nil)
var _ Memory = (*Pinned)(nil)

// NewPinned returns a new Pinned allocator.
func NewPinned() (*Pinned, error) {
	pageSize := uint64(unix.Getpagesize())
	if err := checkPageSize(pageSize); err != nil {
		return nil, err
	}
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, err
	}
	return &Pinned{
		pageSize: pageSize,
		pagemap:  f,
		pages:    make(map[uint64]pinnedPage),
	}, nil
}

// PageSize implements Allocator.PageSize.
func (a *Pinned) PageSize() uint64 {
	return a.pageSize
}

// Alloc implements Allocator.Alloc.
func (a *Pinned) Alloc() (*Page, error) {
	mem, err := unix.Mmap(-1, 0, int(a.pageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		if err == unix.ENOMEM {
			return nil, linuxerr.ENOMEM
		}
		return nil, err
	}
	cu := cleanup.Make(func() { unix.Munmap(mem) })
	defer cu.Clean()
	if err := unix.Mlock(mem); err != nil {
		return nil, linuxerr.ENOMEM
	}
	pa, err := a.physical(mem)
	if err != nil {
		return nil, err
	}
	cu.Release()

	p := &Page{
		Words:    unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), len(mem)/4),
		physical: pa,
	}
	a.mu.Lock()
	a.pages[pa] = pinnedPage{page: p, mem: mem}
	a.stats.Allocs++
	a.mu.Unlock()
	return p, nil
}

// physical returns the physical address backing mem.
func (a *Pinned) physical(mem []byte) (uint64, error) {
	vpn := uint64(uintptr(unsafe.Pointer(&mem[0]))) / a.pageSize
	var entry [8]byte
	if _, err := a.pagemap.ReadAt(entry[:], int64(vpn*8)); err != nil {
		return 0, fmt.Errorf("reading pagemap: %w", err)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	pfn := v & pagemapPFNMask
	if v&pagemapPresent == 0 || pfn == 0 {
		// The kernel hides PFNs from unprivileged readers.
		return 0, linuxerr.EPERM
	}
	return pfn * a.pageSize, nil
}

// Free implements Allocator.Free.
func (a *Pinned) Free(p *Page) {
	if p == nil {
		return
	}
	a.mu.Lock()
	pp, ok := a.pages[p.physical]
	if ok {
		delete(a.pages, p.physical)
		a.stats.Frees++
	}
	a.mu.Unlock()
	if !ok || pp.page != p {
		panic(fmt.Sprintf("free of unknown %v", p))
	}
	p.Words = nil
	unix.Munmap(pp.mem)
}

// SyncForCPU implements Allocator.SyncForCPU.
func (a *Pinned) SyncForCPU(*Page) {
	a.mu.Lock()
	a.stats.CPUSyncs++
	a.mu.Unlock()
}

// SyncForDevice implements Allocator.SyncForDevice. Ordinary stores are not
// guaranteed to have left the CPU before the device is told to look, so
// callers on non-coherent platforms must follow this with a register write,
// which is ordered after all prior stores.
func (a *Pinned) SyncForDevice(*Page) {
	a.mu.Lock()
	a.stats.DeviceSyncs++
	a.mu.Unlock()
}

// Load32 implements Memory.Load32.
func (a *Pinned) Load32(pa uint64) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	base := pa &^ (a.pageSize - 1)
	pp, ok := a.pages[base]
	if !ok || pa&3 != 0 {
		return 0, false
	}
	return pp.page.Words[(pa-base)/4], true
}

// Stats returns a snapshot of the allocator counters.
func (a *Pinned) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Live = len(a.pages)
	return s
}

// Close releases the pagemap handle. All pages must have been freed.
func (a *Pinned) Close() error {
	return a.pagemap.Close()
}

