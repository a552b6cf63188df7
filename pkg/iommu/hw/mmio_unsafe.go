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

package hw

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"gvisor.dev/iommu/pkg/cleanup"
	"gvisor.dev/iommu/pkg/errors/linuxerr"
	"gvisor.dev/iommu/pkg/log"
)

// MMIOOpts configures OpenMMIO.
type MMIOOpts struct {
	// Device is the memory device to map. Defaults to /dev/mem.
	Device string

	// Base is the physical address of the register window.
	Base uint64

	// LockDir holds the lock files that keep two engines from driving the
	// same window. Defaults to os.TempDir().
	LockDir string
}

// MMIO is a register window mapped from a memory device.
type MMIO struct {
	mem  []byte
	off  uintptr
	lock *flock.Flock
}

// OpenMMIO maps the register window at opts.Base. Only one MMIO may be open
// per window across all processes sharing opts.LockDir; a second attempt fails
// with EBUSY.
func OpenMMIO(opts MMIOOpts) (*MMIO, error) {
	if opts.Device == "" {
		opts.Device = "/dev/mem"
	}
	if opts.LockDir == "" {
		opts.LockDir = os.TempDir()
	}

	lock := flock.New(filepath.Join(opts.LockDir, fmt.Sprintf("iommu-%x.lock", opts.Base)))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking register window %#x: %w", opts.Base, err)
	}
	if !locked {
		return nil, fmt.Errorf("register window %#x: %w", opts.Base, linuxerr.EBUSY)
	}
	cu := cleanup.Make(func() { lock.Unlock() })
	defer cu.Clean()

	f, err := os.OpenFile(opts.Device, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pageSize := uint64(unix.Getpagesize())
	pageOff := opts.Base & (pageSize - 1)
	length := (pageOff + WindowSize + pageSize - 1) &^ (pageSize - 1)
	mem, err := unix.Mmap(int(f.Fd()), int64(opts.Base-pageOff), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping %s at %#x: %w", opts.Device, opts.Base, err)
	}

	cu.Release()
	log.Infof("iommu: mapped register window %#x from %s", opts.Base, opts.Device)
	return &MMIO{mem: mem, off: uintptr(pageOff), lock: lock}, nil
}

func (m *MMIO) reg(off Offset) *uint32 {
	if off >= WindowSize || off&3 != 0 {
		panic(fmt.Sprintf("bad register offset %v", off))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[m.off+uintptr(off)]))
}

// Read32 implements Registers.Read32.
func (m *MMIO) Read32(off Offset) uint32 {
	return atomic.LoadUint32(m.reg(off))
}

// Write32 implements Registers.Write32.
func (m *MMIO) Write32(off Offset, v uint32) {
	atomic.StoreUint32(m.reg(off), v)
}

// Close unmaps the window and releases the lock.
func (m *MMIO) Close() error {
	err := unix.Munmap(m.mem)
	m.mem = nil
	if uerr := m.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
