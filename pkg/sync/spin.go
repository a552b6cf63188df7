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

package sync

import (
	"runtime"
	"sync/atomic"
)

// spinYieldInterval is the number of failed spins after which Spin yields the
// processor.
const spinYieldInterval = 64

// Spin performs one iteration of a relaxed busy wait. iter is the number of
// preceding iterations. Spin never parks the calling goroutine; it only
// occasionally yields the processor so that a lock holder descheduled on the
// same P can make progress.
func Spin(iter int) {
	if iter%spinYieldInterval == spinYieldInterval-1 {
		runtime.Gosched()
	}
}

// SpinMutex is an exclusive lock whose Lock never sleeps. It is meant for
// short critical sections that touch hardware and must be callable from
// contexts that cannot block.
//
// The zero value is an unlocked SpinMutex. A SpinMutex must not be copied
// after first use.
type SpinMutex struct {
	_     noCopy
	state atomic.Int32
}

// TryLock tries to acquire the lock and reports whether it succeeded.
func (m *SpinMutex) TryLock() bool {
	return m.state.CompareAndSwap(0, 1)
}

// Lock acquires the lock, spinning until it is available.
func (m *SpinMutex) Lock() {
	for i := 0; !m.TryLock(); i++ {
		Spin(i)
	}
}

// Unlock releases the lock.
//
// Preconditions: m is locked.
func (m *SpinMutex) Unlock() {
	if m.state.Swap(0) == 0 {
		panic("unlock of unlocked SpinMutex")
	}
}

// noCopy may be embedded into structs which must not be copied after first
// use. It is recognized by go vet's copylocks checker.
type noCopy struct{}

// Lock is a no-op used by the copylocks checker.
func (*noCopy) Lock() {}

// Unlock is a no-op used by the copylocks checker.
func (*noCopy) Unlock() {}
