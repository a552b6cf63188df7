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

package pgalloc

import (
	"fmt"

	"gvisor.dev/iommu/pkg/errors/linuxerr"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/sync"
)

// DefaultPhysBase is the first physical address handed out by an Arena.
const DefaultPhysBase = 0x4000_0000

// ArenaOpts configures an Arena.
type ArenaOpts struct {
	// PageSize is the table page size. Defaults to hostarch.PageSize.
	PageSize uint64

	// PhysBase is the physical address of the first page. It must be
	// aligned to PageSize. Defaults to DefaultPhysBase.
	PhysBase uint64

	// Limit is the maximum number of live pages. Zero means unlimited.
	Limit int
}

// Arena is an Allocator backed by Go memory, with physical addresses assigned
// from a private range. It stands in for the platform DMA allocator wherever
// real physical memory is not available, and implements Memory so that a
// simulated device can walk the tables.
//
// Arena is safe for concurrent use, and never sleeps.
type Arena struct {
	opts ArenaOpts

	mu sync.SpinMutex

	// next is the next never-used physical address.
	//
	// +checklocks:mu
	next uint64

	// free holds physical addresses of freed pages, reused LIFO.
	//
	// +checklocks:mu
	free []uint64

	// pages maps the physical address of each live page to the page.
	//
	// +checklocks:mu
	pages map[uint64]*Page

	// +checklocks:mu
	stats Stats
}

var _ Allocator = (*Arena)(nil)
var _ Memory = (*Arena)(nil)

// NewArena returns a new Arena.
func NewArena(opts ArenaOpts) (*Arena, error) {
	if opts.PageSize == 0 {
		opts.PageSize = hostarch.PageSize
	}
	if opts.PhysBase == 0 {
		opts.PhysBase = DefaultPhysBase
	}
	if err := checkPageSize(opts.PageSize); err != nil {
		return nil, err
	}
	if opts.PhysBase%opts.PageSize != 0 {
		return nil, fmt.Errorf("physical base %#x not aligned to page size %#x", opts.PhysBase, opts.PageSize)
	}
	return &Arena{
		opts:  opts,
		next:  opts.PhysBase,
		pages: make(map[uint64]*Page),
	}, nil
}

// PageSize implements Allocator.PageSize.
func (a *Arena) PageSize() uint64 {
	return a.opts.PageSize
}

// Alloc implements Allocator.Alloc.
func (a *Arena) Alloc() (*Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opts.Limit > 0 && len(a.pages) >= a.opts.Limit {
		return nil, linuxerr.ENOMEM
	}
	var pa uint64
	if n := len(a.free); n > 0 {
		pa = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		pa = a.next
		a.next += a.opts.PageSize
	}
	p := &Page{
		Words:    make([]uint32, a.opts.PageSize/4),
		physical: pa,
	}
	a.pages[pa] = p
	a.stats.Allocs++
	return p, nil
}

// Free implements Allocator.Free.
func (a *Arena) Free(p *Page) {
	if p == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pages[p.physical] != p {
		panic(fmt.Sprintf("free of unknown %v", p))
	}
	delete(a.pages, p.physical)
	a.free = append(a.free, p.physical)
	a.stats.Frees++
	p.Words = nil
}

// SyncForCPU implements Allocator.SyncForCPU. Arena memory is coherent; only
// the call is counted.
func (a *Arena) SyncForCPU(*Page) {
	a.mu.Lock()
	a.stats.CPUSyncs++
	a.mu.Unlock()
}

// SyncForDevice implements Allocator.SyncForDevice.
func (a *Arena) SyncForDevice(*Page) {
	a.mu.Lock()
	a.stats.DeviceSyncs++
	a.mu.Unlock()
}

// Load32 implements Memory.Load32.
func (a *Arena) Load32(pa uint64) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	base := pa &^ (a.opts.PageSize - 1)
	p, ok := a.pages[base]
	if !ok || pa&3 != 0 {
		return 0, false
	}
	return p.Words[(pa-base)/4], true
}

// Stats returns a snapshot of the allocator counters.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Live = len(a.pages)
	return s
}
