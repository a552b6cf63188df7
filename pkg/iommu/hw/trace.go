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

import "gvisor.dev/iommu/pkg/log"

// traced logs every access to the wrapped registers.
type traced struct {
	regs   Registers
	logger log.Logger
}

// Traced returns Registers that log every access to regs at Debug level on
// logger. If logger is nil, the global logger is used.
func Traced(regs Registers, logger log.Logger) Registers {
	if logger == nil {
		logger = log.Log()
	}
	return &traced{regs: regs, logger: logger}
}

// Read32 implements Registers.Read32.
func (t *traced) Read32(off Offset) uint32 {
	v := t.regs.Read32(off)
	if t.logger.IsLogging(log.Debug) {
		t.logger.Debugf("iommu: rd %-12v -> %#08x", off, v)
	}
	return v
}

// Write32 implements Registers.Write32.
func (t *traced) Write32(off Offset, v uint32) {
	if t.logger.IsLogging(log.Debug) {
		t.logger.Debugf("iommu: wr %-12v <- %#08x", off, v)
	}
	t.regs.Write32(off, v)
}
