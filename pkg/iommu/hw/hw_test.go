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

package hw

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/iommu/pkg/log"
)

func TestDecodeCapabilities(t *testing.T) {
	// version 4, VA 6, PA 7, bigpage 4 (64K), superpage 8 (1M), bypass.
	const v = 0x20804764
	want := Capabilities{
		Version:        4,
		VAWidth:        6,
		PAWidth:        7,
		BigPageWidth:   4,
		SuperPageWidth: 8,
		Bypass:         true,
	}
	got := DecodeCapabilities(v)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeCapabilities(%#x) mismatch (-want +got):\n%s", v, diff)
	}
	if enc := got.Encode(); enc != v {
		t.Errorf("Encode() = %#x, want %#x", enc, v)
	}
}

func TestCheck(t *testing.T) {
	good := Capabilities{Version: 4, VAWidth: 6, PAWidth: 6, Bypass: true}
	if err := good.Check(); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
	bad := Capabilities{Version: 3, VAWidth: 6, PAWidth: 5}
	err := bad.Check()
	if err == nil {
		t.Fatalf("Check() = nil, want error")
	}
	for _, s := range []string{"version 3 < 4", "PA width 5 < 6", "no bypass support"} {
		if !strings.Contains(err.Error(), s) {
			t.Errorf("Check() = %q, missing %q", err, s)
		}
	}
}

func TestTierMasks(t *testing.T) {
	c := Capabilities{BigPageWidth: 4, SuperPageWidth: 8}
	if got, want := c.BigPageMask(), uint64(64<<10-1); got != want {
		t.Errorf("BigPageMask() = %#x, want %#x", got, want)
	}
	if got, want := c.SuperPageMask(), uint64(1<<20-1); got != want {
		t.Errorf("SuperPageMask() = %#x, want %#x", got, want)
	}
	if got := (Capabilities{}).BigPageMask(); got != 0 {
		t.Errorf("BigPageMask() of unimplemented tier = %#x, want 0", got)
	}
	if got := (Capabilities{Bypass4M: true}).BypassShift(); got != 22 {
		t.Errorf("BypassShift() = %d, want 22", got)
	}
	if got := (Capabilities{}).BypassShift(); got != AddrCapShift {
		t.Errorf("BypassShift() = %d, want %d", got, AddrCapShift)
	}
}

type regFile map[Offset]uint32

func (r regFile) Read32(off Offset) uint32     { return r[off] }
func (r regFile) Write32(off Offset, v uint32) { r[off] = v }

func TestTraced(t *testing.T) {
	var buf bytes.Buffer
	logger := &log.BasicLogger{Level: log.Debug, Emitter: &log.Writer{Next: &buf}}
	regs := regFile{}
	tr := Traced(regs, logger)
	tr.Write32(AddrCap, AddrCapEnable|7)
	if got := tr.Read32(AddrCap); got != AddrCapEnable|7 {
		t.Errorf("Read32(AddrCap) = %#x", got)
	}
	out := buf.String()
	for _, s := range []string{"wr ADDR_CAP", "rd ADDR_CAP", "0x80000007"} {
		if !strings.Contains(out, s) {
			t.Errorf("trace %q missing %q", out, s)
		}
	}
}

func TestOffsetString(t *testing.T) {
	if got := ShootDown.String(); got != "SHOOT_DOWN" {
		t.Errorf("ShootDown.String() = %q", got)
	}
	if got := Offset(0x2c).String(); got != "reg(0x2c)" {
		t.Errorf("Offset(0x2c).String() = %q", got)
	}
}
