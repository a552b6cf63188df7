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

// Package config holds the iommuctl configuration file format.
//
// A configuration file is TOML:
//
//	[domain]
//	aperture_base = 0x1000000000
//	aperture_size = 0x80000000
//
//	[hardware]
//	table_page_size = 4096
//	clear_latency = 2
//
//	[[op]]
//	kind = "map"
//	iova = 0x1000000000
//	pa = 0x200000000
//	size = 0x1000
//
// Unknown keys are rejected.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iommu"
	"gvisor.dev/iommu/pkg/log"
)

// Config is an iommuctl configuration.
type Config struct {
	// Domain configures the translation domain.
	Domain iommu.Config `toml:"domain"`

	// Hardware configures the device, simulated or real.
	Hardware Hardware `toml:"hardware"`

	// Ops is a script of operations for the simulate command.
	Ops []Op `toml:"op"`
}

// Hardware configures the device.
type Hardware struct {
	// TablePageSize is the size of table page allocations. It defaults to
	// 4K.
	TablePageSize uint64 `toml:"table_page_size"`

	// MaxTablePages limits table page allocations. Zero means unlimited.
	MaxTablePages int `toml:"max_table_pages"`

	// ClearLatency and ShootLatency are the number of polls a simulated
	// TLB clear or shootdown stays busy. Negative values never complete.
	ClearLatency int `toml:"clear_latency"`
	ShootLatency int `toml:"shoot_latency"`

	// MaxPolls bounds each completion poll. Zero uses the engine default.
	MaxPolls uint64 `toml:"max_polls"`

	// Bypass256M makes the simulated device report 256M bypass
	// granularity instead of 4M.
	Bypass256M bool `toml:"bypass_256m"`

	// Trace logs every register access at debug level.
	Trace bool `toml:"trace"`

	// Device, MMIOBase and LockDir locate a real register window.
	Device   string `toml:"device"`
	MMIOBase uint64 `toml:"mmio_base"`
	LockDir  string `toml:"lock_dir"`
}

// OpKind is the kind of a scripted operation.
type OpKind string

// Operation kinds.
const (
	OpMap     OpKind = "map"
	OpUnmap   OpKind = "unmap"
	OpSync    OpKind = "sync"
	OpFlush   OpKind = "flush"
	OpResolve OpKind = "resolve"
	OpAccess  OpKind = "access"
	OpFault   OpKind = "fault"
	OpStats   OpKind = "stats"
)

var opKinds = map[OpKind]struct{}{
	OpMap:     {},
	OpUnmap:   {},
	OpSync:    {},
	OpFlush:   {},
	OpResolve: {},
	OpAccess:  {},
	OpFault:   {},
	OpStats:   {},
}

// Op is one scripted operation.
type Op struct {
	Kind OpKind `toml:"kind"`

	// IOVA is the device address of map, unmap, resolve and access.
	IOVA uint64 `toml:"iova"`

	// PA is the physical address of map.
	PA uint64 `toml:"pa"`

	// Size and Count give the length of map and unmap as Count pages of
	// Size bytes. Size defaults to 4K, and Count to 1.
	Size  uint64 `toml:"size"`
	Count uint64 `toml:"count"`

	// Write requests write permission for map, and a write for access.
	Write bool `toml:"write"`

	// Expect, if set, is the physical address resolve or access must
	// reach.
	Expect *uint64 `toml:"expect"`

	// Unmapped requires resolve to find no translation, or access to
	// fault.
	Unmapped bool `toml:"unmapped"`
}

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o.Kind {
	case OpMap:
		return fmt.Sprintf("map %v -> %#x (%d x %#x, %v)", hostarch.Addr(o.IOVA), o.PA, o.Count, o.Size, o.AccessType())
	case OpUnmap:
		return fmt.Sprintf("unmap %v (%d x %#x)", hostarch.Addr(o.IOVA), o.Count, o.Size)
	case OpResolve, OpAccess:
		return fmt.Sprintf("%s %v", o.Kind, hostarch.Addr(o.IOVA))
	default:
		return string(o.Kind)
	}
}

// AccessType returns the permissions requested by a map.
func (o Op) AccessType() hostarch.AccessType {
	at := hostarch.Read
	at.Write = o.Write
	return at
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Domain: iommu.DefaultConfig(),
		Hardware: Hardware{
			TablePageSize: hostarch.PageSize,
			Device:        "/dev/mem",
		},
	}
}

// Load reads the configuration file at path over the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}
	return c, c.finish(md)
}

// Parse parses a configuration over the defaults.
func Parse(data string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(data, c)
	if err != nil {
		return nil, err
	}
	return c, c.finish(md)
}

func (c *Config) finish(md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}
	for i := range c.Ops {
		op := &c.Ops[i]
		if op.Size == 0 {
			op.Size = hostarch.PageSize
		}
		if op.Count == 0 {
			op.Count = 1
		}
	}
	return c.Validate()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Domain.Validate(); err != nil {
		return fmt.Errorf("domain: %w", err)
	}
	for i, op := range c.Ops {
		if _, ok := opKinds[op.Kind]; !ok {
			return fmt.Errorf("op %d: unknown kind %q", i, op.Kind)
		}
		if op.Expect != nil && op.Unmapped {
			return fmt.Errorf("op %d: expect and unmapped are exclusive", i)
		}
	}
	return nil
}

// Log logs the configuration at info level.
func (c *Config) Log() {
	log.Infof("Domain: aperture %v, DMA offset %#x", c.Domain.Aperture(), c.Domain.DMAOffset)
	log.Infof("Hardware: %+v", c.Hardware)
	log.Infof("Script: %d ops", len(c.Ops))
}
