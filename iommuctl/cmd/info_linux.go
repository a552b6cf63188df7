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

package cmd

import (
	"io"

	"gvisor.dev/iommu/pkg/iommu/hw"
)

func openRegisters(device string, base uint64, lockDir string) (hw.Registers, io.Closer, error) {
	m, err := hw.OpenMMIO(hw.MMIOOpts{
		Device:  device,
		Base:    base,
		LockDir: lockDir,
	})
	if err != nil {
		return nil, nil, err
	}
	return m, m, nil
}
