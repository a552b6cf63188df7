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
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/iommu/pkg/errors/linuxerr"
	"gvisor.dev/iommu/pkg/hostarch"
	"gvisor.dev/iommu/pkg/iommu/hw"
	"gvisor.dev/iommu/pkg/iommu/pagetables"
	"gvisor.dev/iommu/pkg/iommu/pgalloc"
	"gvisor.dev/iommu/pkg/iommu/sim"
	"gvisor.dev/iommu/pkg/log"
)

const (
	testBase = 0x1000000000
	testSize = 0x80000000

	// hugePage is the range covered by one top-level slot.
	hugePage = 4 << 20
)

type countingCache struct {
	flushes int
}

func (c *countingCache) Flush() {
	c.flushes++
}

type testDomain struct {
	*Domain
	sim   *sim.IOMMU
	arena *pgalloc.Arena
}

type testOpts struct {
	sim    sim.Opts
	arena  pgalloc.ArenaOpts
	config Config
	polls  uint64
	cache  Cache
}

func newTestDomain(t *testing.T, o testOpts) *testDomain {
	t.Helper()
	a, err := pgalloc.NewArena(o.arena)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	o.sim.Memory = a
	s := sim.New(o.sim)
	if o.config == (Config{}) {
		o.config = Config{ApertureBase: testBase, ApertureSize: testSize}
	}
	d, err := New(Opts{
		Config:    o.config,
		Registers: s,
		Allocator: a,
		Cache:     o.cache,
		MaxPolls:  o.polls,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.ResetLog()
	return &testDomain{Domain: d, sim: s, arena: a}
}

func (d *testDomain) mustMap(t *testing.T, iova hostarch.Addr, pa, length uint64, at hostarch.AccessType) {
	t.Helper()
	if n, err := d.Map(iova, pa, hostarch.PageSize, length/hostarch.PageSize, at); err != nil || n != length {
		t.Fatalf("Map(%v, %#x, %#x) = (%#x, %v), want (%#x, nil)", iova, pa, length, n, err, length)
	}
}

// pte returns the leaf descriptor for iova.
func (d *testDomain) pte(iova hostarch.Addr) pagetables.PTE {
	d.mu.Lock()
	defer d.mu.Unlock()
	pte, _ := d.pt.PTE(uint64(iova - d.cfg.Aperture().Start))
	return pte
}

func TestInitSequence(t *testing.T) {
	a, err := pgalloc.NewArena(pgalloc.ArenaOpts{})
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	s := sim.New(sim.Opts{Memory: a})
	c := &countingCache{}
	d, err := New(Opts{
		Config:    Config{ApertureBase: testBase, ApertureSize: testSize},
		Registers: s,
		Allocator: a,
		Cache:     c,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	topPFN := uint32(pgalloc.DefaultPhysBase >> hostarch.PageShift)
	want := []sim.Access{
		{Offset: hw.Ctrl, Value: hw.CtrlStickyFaults | hw.CtrlStatsClear | hw.CtrlTLBClear},
		{Offset: hw.Misc, Value: 0},
		{Offset: hw.AddrCap, Value: hw.AddrCapEnable | 7},
		{Offset: hw.BypassStart, Value: 0},
		{Offset: hw.BypassEnd, Value: hw.BypassEndEnable | testBase>>22},
		{Offset: hw.PTBase, Value: topPFN - testBase>>32},
		{Offset: hw.IllegalAddr, Value: hw.IllegalAddrEnable | (topPFN + 1)},
		{Offset: hw.Ctrl, Value: enabledCtrl},
	}
	if diff := cmp.Diff(want, s.Log()); diff != "" {
		t.Errorf("register writes mismatch (-want +got):\n%s", diff)
	}
	if c.flushes != 1 {
		t.Errorf("cache flushed %d times, want 1", c.flushes)
	}
	if got := d.State(); got != Enabled {
		t.Errorf("State() = %v, want %v", got, Enabled)
	}
	if got := a.Stats().Live; got != 2 {
		t.Errorf("%d live pages, want 2 (top-level table and default page)", got)
	}
}

func TestInitClearsSingleTableMode(t *testing.T) {
	a, _ := pgalloc.NewArena(pgalloc.ArenaOpts{})
	s := sim.New(sim.Opts{Memory: a})
	s.Write32(hw.Misc, hw.MiscSingleTable|0x5)
	if _, err := New(Opts{Config: DefaultConfig(), Registers: s, Allocator: a}); err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Read32(hw.Misc); got != 0x5 {
		t.Errorf("Misc = %#x, want 0x5", got)
	}
}

func TestBypassGranularity(t *testing.T) {
	caps := sim.DefaultCapabilities
	caps.Bypass4M = false
	a, _ := pgalloc.NewArena(pgalloc.ArenaOpts{})
	s := sim.New(sim.Opts{Capabilities: caps, Memory: a})
	if _, err := New(Opts{Config: Config{ApertureBase: testBase, ApertureSize: testSize}, Registers: s, Allocator: a}); err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := s.Writes(hw.BypassEnd), []uint32{hw.BypassEndEnable | testBase>>28}; !cmp.Equal(got, want) {
		t.Errorf("BypassEnd writes = %#x, want %#x", got, want)
	}
}

func TestNoBypassAtZeroBase(t *testing.T) {
	d := newTestDomain(t, testOpts{config: Config{ApertureSize: 1 << 30}})
	if pa, err := d.sim.Translate(0x1000, false); err == nil {
		t.Errorf("Translate(0x1000) = %#x, want fault without bypass window", pa)
	}
}

func TestCapabilityMismatchContinues(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Log().Emitter
	log.SetTarget(&log.Writer{Next: &buf})
	t.Cleanup(func() { log.SetTarget(prev) })

	caps := sim.DefaultCapabilities
	caps.Version = 3
	caps.Bypass = false
	d := newTestDomain(t, testOpts{sim: sim.Opts{Capabilities: caps}})
	if got := d.State(); got != Enabled {
		t.Errorf("State() = %v, want %v", got, Enabled)
	}
	if !strings.Contains(buf.String(), "hardware assumptions not met") {
		t.Errorf("capability mismatch not logged; log:\n%s", buf.String())
	}
}

func TestInitAllocationFailure(t *testing.T) {
	// Room for the top-level table only.
	a, _ := pgalloc.NewArena(pgalloc.ArenaOpts{Limit: 1})
	s := sim.New(sim.Opts{Memory: a})
	_, err := New(Opts{Config: DefaultConfig(), Registers: s, Allocator: a})
	if !errors.Is(err, linuxerr.ENOMEM) {
		t.Errorf("New = %v, want ENOMEM", err)
	}
	if got := a.Stats().Live; got != 0 {
		t.Errorf("%d pages leaked", got)
	}
	if s.Read32(hw.Ctrl)&hw.CtrlEnable != 0 {
		t.Errorf("engine enabled after failed initialization")
	}
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default", DefaultConfig(), true},
		{"zero base", Config{ApertureSize: 256 << 20}, true},
		{"full table", Config{ApertureBase: 4 << 30, ApertureSize: 4 << 30}, true},
		{"offset", Config{ApertureBase: 4 << 30, ApertureSize: 256 << 20, DMAOffset: 0x10000}, true},
		{"misaligned base", Config{ApertureBase: 1 << 30, ApertureSize: 256 << 20}, false},
		{"zero size", Config{ApertureBase: 4 << 30}, false},
		{"size unit", Config{ApertureBase: 4 << 30, ApertureSize: 128 << 20}, false},
		{"beyond a 4K table", Config{ApertureBase: 4 << 30, ApertureSize: 8 << 30}, true},
		{"misaligned offset", Config{ApertureSize: 256 << 20, DMAOffset: 0x800}, false},
		{"overflow", Config{ApertureBase: ^uint64(0) &^ (4<<30 - 1), ApertureSize: 4 << 30}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tc.ok && !errors.Is(err, linuxerr.EINVAL) {
				t.Errorf("Validate() = %v, want EINVAL", err)
			}
		})
	}
}

func TestApertureLimitFollowsTablePageSize(t *testing.T) {
	cfg := Config{ApertureBase: testBase, ApertureSize: 8 << 30}

	a, _ := pgalloc.NewArena(pgalloc.ArenaOpts{})
	s := sim.New(sim.Opts{Memory: a})
	if _, err := New(Opts{Config: cfg, Registers: s, Allocator: a}); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("New with 4K table pages = %v, want EINVAL", err)
	}
	if got := s.Log(); len(got) != 0 {
		t.Errorf("rejected New wrote registers: %v", got)
	}

	d := newTestDomain(t, testOpts{config: cfg, arena: pgalloc.ArenaOpts{PageSize: 16 << 10}})
	if got := d.sim.Read32(hw.AddrCap); got != hw.AddrCapEnable|31 {
		t.Errorf("AddrCap = %#x, want %#x", got, hw.AddrCapEnable|31)
	}
	const off = 6<<30 | 0x5000
	d.mustMap(t, testBase+off, 0x500000000, 0x1000, hostarch.ReadWrite)
	if pa, err := d.sim.Translate(testBase+off+0x10, true); err != nil || pa != 0x500000010 {
		t.Errorf("Translate(+%#x) = (%#x, %v), want (0x500000010, nil)", off+0x10, pa, err)
	}
	if _, err := d.sim.Translate(testBase+off-4<<30, false); err == nil {
		t.Errorf("Translate(+%#x) reached the mapping 4G above", off-4<<30)
	}
}

func TestGeometry(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	want := Geometry{
		Aperture:  hostarch.AddrRange{Start: testBase, End: testBase + testSize},
		PageSizes: 0x1000 | 0x4000 | 0x10000 | 0x100000 | 0x200000 | 0x400000,
	}
	if diff := cmp.Diff(want, d.Geometry()); diff != "" {
		t.Errorf("Geometry mismatch (-want +got):\n%s", diff)
	}
}

func TestMapResolveUnmap(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	n, err := d.Map(0x1000000000, 0x200000000, 0x1000, 1, hostarch.ReadWrite)
	if err != nil || n != 0x1000 {
		t.Fatalf("Map = (%#x, %v), want (0x1000, nil)", n, err)
	}
	if pa, ok := d.IOVAToPhys(0x1000000000); !ok || pa != 0x200000000 {
		t.Errorf("IOVAToPhys(0x1000000000) = (%#x, %t), want (0x200000000, true)", pa, ok)
	}
	if pa, ok := d.IOVAToPhys(0x1000000800); !ok || pa != 0x200000800 {
		t.Errorf("IOVAToPhys(0x1000000800) = (%#x, %t), want (0x200000800, true)", pa, ok)
	}
	if got := d.Mapped(); got != 1 {
		t.Errorf("Mapped() = %d, want 1", got)
	}

	var g Gather
	if n := d.Unmap(0x1000000000, 0x1000, 1, &g); n != 0x1000 {
		t.Errorf("Unmap = %#x, want 0x1000", n)
	}
	if _, ok := d.IOVAToPhys(0x1000000000); ok {
		t.Errorf("IOVAToPhys found a translation after Unmap")
	}
	if got := d.Mapped(); got != 0 {
		t.Errorf("Mapped() = %d after Unmap, want 0", got)
	}
	if got, want := g.AddrRange, (hostarch.AddrRange{Start: 0x1000000000, End: 0x1000001000}); got != want {
		t.Errorf("gathered %v, want %v", got, want)
	}

	// Unmapping again changes nothing but reports the full length.
	if n := d.Unmap(0x1000000000, 0x1000, 1, &g); n != 0x1000 {
		t.Errorf("second Unmap = %#x, want 0x1000", n)
	}
	if got := d.Mapped(); got != 0 {
		t.Errorf("Mapped() = %d after second Unmap, want 0", got)
	}
}

func TestMapRange(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	const length = 3<<20 + 0x5000
	d.mustMap(t, testBase+0x7000, 0x80007000, length, hostarch.Read)
	for _, off := range []uint64{0, 0x1234, length - 1} {
		if pa, ok := d.IOVAToPhys(hostarch.Addr(testBase + 0x7000 + off)); !ok || pa != 0x80007000+off {
			t.Errorf("IOVAToPhys(+%#x) = (%#x, %t), want (%#x, true)", off, pa, ok, 0x80007000+off)
		}
	}
	if got, want := d.Mapped(), uint64(length/hostarch.PageSize); got != want {
		t.Errorf("Mapped() = %d, want %d", got, want)
	}

	// Overlapping a mapped range only counts new pages.
	d.mustMap(t, testBase, 0x80000000, 0x10000, hostarch.Read)
	if got, want := d.Mapped(), uint64(length/hostarch.PageSize+7); got != want {
		t.Errorf("Mapped() = %d after overlapping Map, want %d", got, want)
	}
}

func TestMapRejected(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	for _, tc := range []struct {
		name          string
		iova          hostarch.Addr
		pa            uint64
		pgsize, count uint64
		at            hostarch.AccessType
	}{
		{"below", testBase - 0x1000, 0, 0x1000, 1, hostarch.Read},
		{"above", testBase + testSize, 0, 0x1000, 1, hostarch.Read},
		{"straddles start", testBase - 0x1000, 0, 0x1000, 2, hostarch.Read},
		{"straddles end", testBase + testSize - 0x1000, 0, 0x1000, 2, hostarch.Read},
		{"empty", testBase, 0, 0x1000, 0, hostarch.Read},
		{"length overflow", testBase, 0, 1 << 40, 1 << 40, hostarch.Read},
		{"offset mismatch", testBase + 0x800, 0x1000, 0x1000, 1, hostarch.Read},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n, err := d.Map(tc.iova, tc.pa, tc.pgsize, tc.count, tc.at)
			if n != 0 || !errors.Is(err, linuxerr.EINVAL) {
				t.Errorf("Map = (%#x, %v), want (0, EINVAL)", n, err)
			}
		})
	}
	if got := d.Stats(); got.Mapped != 0 || got.Tables != 0 {
		t.Errorf("rejected maps changed state: %+v", got)
	}
}

func TestMapNoAccessIsReadOnly(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	d.mustMap(t, testBase, 0x20000, 0x1000, hostarch.NoAccess)
	if pa, ok := d.IOVAToPhys(testBase + 0x10); !ok || pa != 0x20010 {
		t.Errorf("IOVAToPhys = (%#x, %t), want (0x20010, true)", pa, ok)
	}
	if pa, err := d.sim.Translate(testBase+0x10, false); err != nil || pa != 0x20010 {
		t.Errorf("read Translate = (%#x, %v), want (0x20010, nil)", pa, err)
	}
	var fault *sim.Fault
	if _, err := d.sim.Translate(testBase+0x10, true); !errors.As(err, &fault) || fault.Flag != hw.CtrlWriteViolation {
		t.Errorf("write Translate = %v, want write violation", err)
	}
}

func TestUnmapOutOfRange(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	d.mustMap(t, testBase, 0, 0x1000, hostarch.Read)
	var g Gather
	if n := d.Unmap(testBase-0x1000, 0x1000, 2, &g); n != 0 {
		t.Errorf("Unmap = %#x, want 0", n)
	}
	if g.Pending() {
		t.Errorf("rejected Unmap gathered %v", g.AddrRange)
	}
	if got := d.Mapped(); got != 1 {
		t.Errorf("Mapped() = %d, want 1", got)
	}
}

func TestResolveOutsideAperture(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	for _, iova := range []hostarch.Addr{0, testBase - 1, testBase + testSize} {
		if _, ok := d.IOVAToPhys(iova); ok {
			t.Errorf("IOVAToPhys(%v) found a translation", iova)
		}
	}
}

func TestDeviceTranslation(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	d.mustMap(t, testBase+hugePage, 0x400000000, hugePage, hostarch.ReadWrite)
	pa, err := d.sim.Translate(testBase+hugePage+0x1234, true)
	if err != nil || pa != 0x400001234 {
		t.Errorf("Translate = (%#x, %v), want (0x400001234, nil)", pa, err)
	}
	if pa, err := d.sim.Translate(0x1234, true); err != nil || pa != 0x1234 {
		t.Errorf("Translate below aperture = (%#x, %v), want bypass", pa, err)
	}
	if _, err := d.sim.Translate(testBase+testSize, false); err == nil {
		t.Errorf("Translate above aperture succeeded")
	}
}

func TestLargeTablePages(t *testing.T) {
	d := newTestDomain(t, testOpts{arena: pgalloc.ArenaOpts{PageSize: 16 << 10}})
	for _, off := range []uint64{0, hugePage, 3 * hugePage, 4 * hugePage} {
		d.mustMap(t, hostarch.Addr(testBase+off+0x3000), 0x700003000+off, 0x1000, hostarch.Read)
		pa, err := d.sim.Translate(hostarch.Addr(testBase+off+0x3008), false)
		if err != nil || pa != 0x700003008+off {
			t.Errorf("Translate(+%#x) = (%#x, %v), want %#x", off, pa, err, 0x700003008+off)
		}
	}
	if got := d.Stats().Tables; got != 2 {
		t.Errorf("Tables = %d, want 2", got)
	}
}

func TestShootdown(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	d.mustMap(t, testBase, 0x300000000, 0x10000, hostarch.Read)
	for off := hostarch.Addr(0); off < 0x10000; off += 0x4000 {
		if _, err := d.sim.Translate(testBase+off, false); err != nil {
			t.Fatalf("Translate: %v", err)
		}
	}

	var g Gather
	d.Unmap(testBase+0x4000, hostarch.PageSize, 8, &g)
	if err := d.IOTLBSync(&g); err != nil {
		t.Fatalf("IOTLBSync: %v", err)
	}
	if g.Pending() {
		t.Errorf("IOTLBSync left %v pending", g.AddrRange)
	}
	wantShot := []uint32{(testBase + 0x4000) >> 12, (testBase + 0x8000) >> 12}
	if diff := cmp.Diff(wantShot, d.sim.Shootdowns()); diff != "" {
		t.Errorf("shootdowns mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]hostarch.Addr{testBase, testBase + 0xC000}, d.sim.CachedLines()); diff != "" {
		t.Errorf("cached lines mismatch (-want +got):\n%s", diff)
	}
	if got := d.sim.Clears(); got != 0 {
		t.Errorf("%d TLB clears, want 0", got)
	}

	// The device no longer reaches the unmapped pages.
	if _, err := d.sim.Translate(testBase+0x4000, false); err == nil {
		t.Errorf("stale translation survived IOTLBSync")
	}
}

func TestShootdownLineCount(t *testing.T) {
	for _, tc := range []struct {
		name   string
		off    uint64
		length uint64
		lines  uint64
	}{
		{"one page", 0x6000, 0x1000, 1},
		{"one line", 0x4000, 0x4000, 1},
		{"crosses line", 0x3000, 0x2000, 2},
		{"many lines", 0x10000, 0x100000, 64},
		{"below threshold", 0, ClearThreshold - 0x4000, ClearThreshold/0x4000 - 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDomain(t, testOpts{})
			// Keep something mapped so the range decides the path.
			d.mustMap(t, testBase+testSize-0x1000, 0, 0x1000, hostarch.Read)
			var g Gather
			d.Unmap(hostarch.Addr(testBase+tc.off), tc.length, 1, &g)
			if err := d.IOTLBSync(&g); err != nil {
				t.Fatalf("IOTLBSync: %v", err)
			}
			s := d.Stats()
			if s.ShootdownLines != tc.lines || s.Clears != 0 {
				t.Errorf("shootdown lines, clears = %d, %d, want %d, 0", s.ShootdownLines, s.Clears, tc.lines)
			}
		})
	}
}

func TestGlobalClear(t *testing.T) {
	t.Run("large span", func(t *testing.T) {
		d := newTestDomain(t, testOpts{})
		d.mustMap(t, testBase, 0, 0x1000, hostarch.Read)
		d.mustMap(t, testBase+64<<20, 0, 0x1000, hostarch.Read)
		var g Gather
		d.Unmap(testBase+32<<20, ClearThreshold, 1, &g)
		if err := d.IOTLBSync(&g); err != nil {
			t.Fatalf("IOTLBSync: %v", err)
		}
		if got := d.sim.Clears(); got != 1 {
			t.Errorf("%d TLB clears, want 1", got)
		}
		if got := d.sim.Shootdowns(); len(got) != 0 {
			t.Errorf("shootdowns %#x, want none", got)
		}
	})
	t.Run("nothing mapped", func(t *testing.T) {
		d := newTestDomain(t, testOpts{})
		d.mustMap(t, testBase, 0, 0x1000, hostarch.Read)
		var g Gather
		d.Unmap(testBase, 0x1000, 1, &g)
		if err := d.IOTLBSync(&g); err != nil {
			t.Fatalf("IOTLBSync: %v", err)
		}
		if got := d.sim.Clears(); got != 1 {
			t.Errorf("%d TLB clears, want 1", got)
		}
	})
	t.Run("flush all", func(t *testing.T) {
		c := &countingCache{}
		d := newTestDomain(t, testOpts{cache: c, sim: sim.Opts{ClearLatency: 3}})
		d.mustMap(t, testBase, 0, 0x1000, hostarch.Read)
		d.sim.Translate(testBase, false)
		if err := d.FlushAll(); err != nil {
			t.Fatalf("FlushAll: %v", err)
		}
		if got := d.sim.CachedLines(); len(got) != 0 {
			t.Errorf("cached lines %v after FlushAll", got)
		}
		if c.flushes != 2 {
			t.Errorf("cache flushed %d times, want 2", c.flushes)
		}
		writes := d.sim.Writes(hw.Ctrl)
		if diff := cmp.Diff([]uint32{enabledCtrl | hw.CtrlTLBClear, enabledCtrl}, writes); diff != "" {
			t.Errorf("control writes mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestInvalidateClipsToAperture(t *testing.T) {
	t.Run("partly outside", func(t *testing.T) {
		c := &countingCache{}
		d := newTestDomain(t, testOpts{cache: c})
		d.mustMap(t, testBase, 0, 0x1000, hostarch.Read)
		var g Gather
		g.Add(hostarch.AddrRange{Start: testBase - 32<<20, End: testBase + 0x1000})
		if err := d.IOTLBSync(&g); err != nil {
			t.Fatalf("IOTLBSync: %v", err)
		}
		if got := d.sim.Clears(); got != 0 {
			t.Errorf("%d TLB clears, want 0", got)
		}
		if diff := cmp.Diff([]uint32{testBase >> 12}, d.sim.Shootdowns()); diff != "" {
			t.Errorf("shootdowns mismatch (-want +got):\n%s", diff)
		}
		if c.flushes != 2 {
			t.Errorf("cache flushed %d times, want 2", c.flushes)
		}
	})
	t.Run("wholly outside", func(t *testing.T) {
		c := &countingCache{}
		d := newTestDomain(t, testOpts{cache: c})
		var g Gather
		g.Add(hostarch.AddrRange{Start: testBase + testSize, End: testBase + testSize + 32<<20})
		if err := d.IOTLBSync(&g); err != nil {
			t.Fatalf("IOTLBSync: %v", err)
		}
		if got := d.sim.Clears(); got != 0 {
			t.Errorf("%d TLB clears, want 0", got)
		}
		if got := d.sim.Shootdowns(); len(got) != 0 {
			t.Errorf("shootdowns %#x, want none", got)
		}
		if c.flushes != 1 {
			t.Errorf("cache flushed %d times, want 1 (at initialization)", c.flushes)
		}
		if g.Pending() {
			t.Errorf("IOTLBSync left %v pending", g.AddrRange)
		}
	})
}

func TestSyncEmptyGather(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	if err := d.IOTLBSync(&Gather{}); err != nil {
		t.Errorf("IOTLBSync: %v", err)
	}
	if err := d.IOTLBSync(nil); err != nil {
		t.Errorf("IOTLBSync(nil): %v", err)
	}
	if got := len(d.sim.Log()); got != 0 {
		t.Errorf("%d register writes for an empty sync", got)
	}
}

func TestPollTimeout(t *testing.T) {
	t.Run("clear", func(t *testing.T) {
		d := newTestDomain(t, testOpts{sim: sim.Opts{ClearLatency: -1}, polls: 8})
		err := d.FlushAll()
		if !errors.Is(err, ErrPollTimeout) || !errors.Is(err, linuxerr.ETIMEDOUT) {
			t.Errorf("FlushAll = %v, want ErrPollTimeout", err)
		}
		writes := d.sim.Writes(hw.Ctrl)
		if len(writes) == 0 || writes[len(writes)-1] != enabledCtrl {
			t.Errorf("control register not restored: writes %#x", writes)
		}
		if got := d.Stats().PollTimeouts; got != 1 {
			t.Errorf("PollTimeouts = %d, want 1", got)
		}
	})
	t.Run("shootdown", func(t *testing.T) {
		d := newTestDomain(t, testOpts{sim: sim.Opts{ShootLatency: -1}, polls: 8})
		d.mustMap(t, testBase, 0, 0x2000, hostarch.Read)
		var g Gather
		d.Unmap(testBase, 0x1000, 1, &g)
		if err := d.IOTLBSync(&g); !errors.Is(err, ErrPollTimeout) {
			t.Errorf("IOTLBSync = %v, want ErrPollTimeout", err)
		}
		if got := len(d.sim.Shootdowns()); got != 1 {
			t.Errorf("%d shootdowns issued, want 1", got)
		}
	})
	t.Run("slow but bounded", func(t *testing.T) {
		d := newTestDomain(t, testOpts{sim: sim.Opts{ClearLatency: 8}, polls: 8})
		if err := d.FlushAll(); err != nil {
			t.Errorf("FlushAll = %v, want nil", err)
		}
	})
}

func TestCheckFault(t *testing.T) {
	d := newTestDomain(t, testOpts{config: Config{ApertureBase: testBase, ApertureSize: testSize, DMAOffset: 0x100000}})
	if f := d.CheckFault(); f.Any() {
		t.Errorf("CheckFault() = %v before any access", f)
	}
	if _, err := d.sim.Translate(testBase+0x5010, false); err == nil {
		t.Fatalf("Translate of unmapped address succeeded")
	}
	want := Fault{PTInvalid: true, Addr: testBase + 0x5000 + 0x100000}
	if diff := cmp.Diff(want, d.CheckFault()); diff != "" {
		t.Errorf("CheckFault mismatch (-want +got):\n%s", diff)
	}
	if d.sim.Read32(hw.Ctrl)&hw.CtrlStickyFaults != 0 {
		t.Errorf("sticky flags not cleared")
	}
	if d.sim.Read32(hw.Ctrl)&hw.CtrlEnable == 0 {
		t.Errorf("CheckFault disabled the engine")
	}
	if f := d.CheckFault(); f.Any() {
		t.Errorf("CheckFault() = %v after clearing", f)
	}
}

func TestDMAOffset(t *testing.T) {
	const offset = 0x40000000
	d := newTestDomain(t, testOpts{config: Config{ApertureBase: testBase, ApertureSize: testSize, DMAOffset: offset}})
	// The cap counts from the aperture base whatever the offset.
	if got := d.sim.Read32(hw.AddrCap); got != hw.AddrCapEnable|7 {
		t.Errorf("AddrCap = %#x, want %#x", got, hw.AddrCapEnable|7)
	}
	d.mustMap(t, testBase+offset+0x8000, 0x9000000, 0x4000, hostarch.Read)
	if pa, ok := d.IOVAToPhys(testBase + offset + 0x8000); !ok || pa != 0x9000000 {
		t.Errorf("IOVAToPhys = (%#x, %t), want (0x9000000, true)", pa, ok)
	}
	if pa, err := d.sim.Translate(testBase+0x8000, false); err != nil || pa != 0x9000000 {
		t.Errorf("Translate = (%#x, %v), want (0x9000000, nil)", pa, err)
	}
	if _, err := d.Map(testBase, 0, 0x1000, 1, hostarch.Read); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("Map below offset aperture = %v, want EINVAL", err)
	}

	d.mustMap(t, testBase+offset, 0, 0x1000, hostarch.Read)
	var g Gather
	d.Unmap(testBase+offset+0x8000, 0x4000, 1, &g)
	if err := d.IOTLBSync(&g); err != nil {
		t.Fatalf("IOTLBSync: %v", err)
	}
	if diff := cmp.Diff([]uint32{(testBase + 0x8000) >> 12}, d.sim.Shootdowns()); diff != "" {
		t.Errorf("shootdowns mismatch (-want +got):\n%s", diff)
	}
}

func TestDMAOffsetPageSizeClass(t *testing.T) {
	// With a DMA offset that is not huge page aligned, the class follows the
	// alignment of the IOVA, not of the offset into the aperture.
	const offset = 0x1000
	d := newTestDomain(t, testOpts{config: Config{ApertureBase: testBase, ApertureSize: testSize, DMAOffset: offset}})
	for _, tc := range []struct {
		iova hostarch.Addr
		want pagetables.PageSizeClass
	}{
		{testBase + offset, pagetables.BasePage},
		{testBase + 2*hugePage, pagetables.HugePage},
	} {
		d.mustMap(t, tc.iova, 0x400000, hugePage, hostarch.Read)
		if got := d.pte(tc.iova).Class(); got != tc.want {
			t.Errorf("class at %v = %v, want %v", tc.iova, got, tc.want)
		}
	}
}

func TestStats(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	d.mustMap(t, testBase, 0x10000, 0x1000, hostarch.Read)
	d.sim.Translate(testBase, false)
	d.sim.Translate(testBase+0x10, false)
	d.sim.SetStalls(5)
	want := Stats{Hits: 1, Misses: 1, Stalls: 5, Mapped: 1, Tables: 1}
	if diff := cmp.Diff(want, d.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	d.mustMap(t, testBase, 0, 8<<20, hostarch.ReadWrite)
	d.Release()
	d.Release()

	if got := d.arena.Stats().Live; got != 0 {
		t.Errorf("%d pages live after Release", got)
	}
	if got := d.sim.Writes(hw.Ctrl); !cmp.Equal(got, []uint32{0}) {
		t.Errorf("control writes = %#x, want [0]", got)
	}
	if got := d.State(); got != Released {
		t.Errorf("State() = %v, want %v", got, Released)
	}
	if _, err := d.Map(testBase, 0, 0x1000, 1, hostarch.Read); !errors.Is(err, linuxerr.ENODEV) {
		t.Errorf("Map after Release = %v, want ENODEV", err)
	}
	if n := d.Unmap(testBase, 0x1000, 1, nil); n != 0 {
		t.Errorf("Unmap after Release = %#x, want 0", n)
	}
	if _, ok := d.IOVAToPhys(testBase); ok {
		t.Errorf("IOVAToPhys after Release found a translation")
	}
	if err := d.FlushAll(); !errors.Is(err, linuxerr.ENODEV) {
		t.Errorf("FlushAll after Release = %v, want ENODEV", err)
	}
	if got := d.Mapped(); got != 0 {
		t.Errorf("Mapped() = %d after Release", got)
	}
}

func TestMapAllocationFailure(t *testing.T) {
	// Room for the top-level table, the default page and one table.
	d := newTestDomain(t, testOpts{arena: pgalloc.ArenaOpts{Limit: 3}})
	n, err := d.Map(testBase, 0, hugePage, 2, hostarch.Read)
	if n != 0 || !errors.Is(err, linuxerr.ENOMEM) {
		t.Fatalf("Map = (%#x, %v), want (0, ENOMEM)", n, err)
	}
	s := d.Stats()
	if s.Mapped != 0 || s.Tables != 1 {
		t.Errorf("after failed Map: Mapped %d, Tables %d, want 0, 1", s.Mapped, s.Tables)
	}
	d.mustMap(t, testBase, 0, hugePage, hostarch.Read)
}

func TestConcurrentMappers(t *testing.T) {
	d := newTestDomain(t, testOpts{})
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		base := hostarch.Addr(testBase + uint64(i)*hugePage)
		eg.Go(func() error {
			var g Gather
			for j := 0; j < 32; j++ {
				if _, err := d.Map(base, 0x100000000, hostarch.PageSize, 16, hostarch.ReadWrite); err != nil {
					return err
				}
				d.Unmap(base, hostarch.PageSize, 16, &g)
				if err := d.IOTLBSync(&g); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("mapper failed: %v", err)
	}
	if got := d.Mapped(); got != 0 {
		t.Errorf("Mapped() = %d, want 0", got)
	}
}
