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

// Package iommu implements the translation domain of a two-level IOMMU.
//
// A Domain owns the translation tables of one IOMMU instance and programs its
// registers. It translates device addresses inside a fixed aperture; device
// addresses below the aperture bypass translation.
//
// Addresses in this package are IOVAs, as seen by the device. The hardware
// sees IOVA - DMAOffset, compensating for a fixed translation upstream of the
// IOMMU.
//
// Lock order:
//
//	Domain.mu
//	  pgalloc allocator locks
package iommu

import (
	"fmt"

	"gvisor.dev/iommu/pkg/errors/linuxerr"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iommu/hw"
	"gvisor.dev/iommu/pkg/iommu/pagetables"
	"gvisor.dev/iommu/pkg/iommu/pgalloc"
)

const (
	// ApertureAlign is the required alignment of the aperture base, the
	// range covered by the whole top-level table.
	ApertureAlign = pagetables.TopLevelSize

	// ApertureUnit is the granularity of the aperture size.
	ApertureUnit = 1 << hw.AddrCapShift

	// DefaultApertureBase and DefaultApertureSize describe the aperture
	// used when none is configured.
	DefaultApertureBase = 40 << 30
	DefaultApertureSize = 2 << 30

	// DefaultMaxPolls bounds each hardware completion poll.
	DefaultMaxPolls = 1024

	// ClearThreshold is the invalidation span at or above which the whole
	// TLB is cleared instead of shooting down individual lines.
	ClearThreshold = 16 << 20
)

// MaxApertureSize returns the largest aperture translated by a top-level
// table of the given page size.
func MaxApertureSize(tablePageSize uint64) uint64 {
	return pagetables.MaxSize(tablePageSize)
}

// PageSizes is the bitmap of page sizes the domain advertises.
const PageSizes = 4<<10 | 16<<10 | 64<<10 | 1<<20 | 2<<20 | 4<<20

// Config is the domain configuration.
type Config struct {
	// ApertureBase is the hardware address of the start of the translated
	// range. It must be a multiple of ApertureAlign.
	ApertureBase uint64 `toml:"aperture_base"`

	// ApertureSize is the size of the translated range. It must be a
	// non-zero multiple of ApertureUnit, no larger than MaxApertureSize of
	// the table page size.
	ApertureSize uint64 `toml:"aperture_size"`

	// DMAOffset is added to hardware addresses to form IOVAs.
	DMAOffset uint64 `toml:"dma_offset"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ApertureBase: DefaultApertureBase,
		ApertureSize: DefaultApertureSize,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ApertureBase%ApertureAlign != 0 {
		return fmt.Errorf("aperture base %#x is not a multiple of %#x: %w", c.ApertureBase, uint64(ApertureAlign), linuxerr.EINVAL)
	}
	if c.ApertureSize == 0 || c.ApertureSize%ApertureUnit != 0 {
		return fmt.Errorf("aperture size %#x is not a non-zero multiple of %#x: %w", c.ApertureSize, ApertureUnit, linuxerr.EINVAL)
	}
	if c.DMAOffset%hostarch.PageSize != 0 {
		return fmt.Errorf("DMA offset %#x is not page aligned: %w", c.DMAOffset, linuxerr.EINVAL)
	}
	if _, ok := hostarch.Addr(c.ApertureBase).AddLength(c.ApertureSize); !ok {
		return fmt.Errorf("aperture [%#x, +%#x) overflows: %w", c.ApertureBase, c.ApertureSize, linuxerr.EINVAL)
	}
	if _, ok := hostarch.Addr(c.ApertureBase + c.ApertureSize).AddLength(c.DMAOffset); !ok {
		return fmt.Errorf("DMA offset %#x overflows the aperture: %w", c.DMAOffset, linuxerr.EINVAL)
	}
	return nil
}

// Aperture returns the translated IOVA range.
func (c Config) Aperture() hostarch.AddrRange {
	start := hostarch.Addr(c.ApertureBase + c.DMAOffset)
	return hostarch.AddrRange{Start: start, End: start + hostarch.Addr(c.ApertureSize)}
}

// Cache is a cache shared between several IOMMUs, which must be flushed
// before their TLBs are invalidated.
type Cache interface {
	// Flush writes back and invalidates the cache. It must not sleep.
	Flush()
}

// Opts configures a new Domain.
type Opts struct {
	Config

	// Registers is the register window of the IOMMU. Required.
	Registers hw.Registers

	// Allocator provides table pages. Required.
	Allocator pgalloc.Allocator

	// Cache is flushed before every TLB invalidation, if set.
	Cache Cache

	// MaxPolls bounds each hardware completion poll. Zero means
	// DefaultMaxPolls.
	MaxPolls uint64
}

// Geometry describes the translated range.
type Geometry struct {
	// Aperture is the translated IOVA range.
	Aperture hostarch.AddrRange

	// PageSizes is a bitmap of the advertised page sizes.
	PageSizes uint64
}

// State is the lifecycle state of a Domain.
type State int

// Domain states, in lifecycle order.
const (
	Uninitialized State = iota
	HardwareQuiesced
	Configured
	Enabled
	Released
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case HardwareQuiesced:
		return "quiesced"
	case Configured:
		return "configured"
	case Enabled:
		return "enabled"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
