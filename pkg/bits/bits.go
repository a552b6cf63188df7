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

// Package bits includes all bit related types and operations.
package bits

import (
	mathbits "math/bits"

	"golang.org/x/exp/constraints"
)

// IsOn returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn[T constraints.Integer](mask, bits T) bool {
	return mask&bits == bits
}

// IsAnyOn returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn[T constraints.Integer](mask, bits T) bool {
	return mask&bits != 0
}

// Mask returns a T with all of the given bits set.
func Mask[T constraints.Integer](is ...int) T {
	ret := T(0)
	for _, i := range is {
		ret |= MaskOf[T](i)
	}
	return ret
}

// MaskOf is like Mask, but sets only a single bit (more efficiently).
func MaskOf[T constraints.Integer](i int) T {
	return T(1) << T(i)
}

// LowMask returns a mask of the n least significant bits. LowMask(0) is 0.
func LowMask[T constraints.Unsigned](n int) T {
	if n <= 0 {
		return 0
	}
	return (T(1) << T(n)) - 1
}

// IsPowerOfTwo returns true if v is power of 2.
func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	if v == 0 {
		return false
	}
	return v&(v-1) == 0
}

// Log2 returns the binary log of v, which must be a power of two.
func Log2[T constraints.Unsigned](v T) int {
	return mathbits.TrailingZeros64(uint64(v))
}

// AlignDown returns v rounded down to a multiple of align, which must be a
// power of two.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// AlignUp returns v rounded up to a multiple of align, which must be a power
// of two.
func AlignUp[T constraints.Unsigned](v, align T) T {
	return AlignDown(v+align-1, align)
}

// IsAligned returns true if v is a multiple of align, which must be a power of
// two.
func IsAligned[T constraints.Unsigned](v, align T) bool {
	return v&(align-1) == 0
}

// Field extracts the bits of v selected by the contiguous mask, shifted down
// to bit zero.
func Field[T constraints.Unsigned](v, mask T) T {
	if mask == 0 {
		return 0
	}
	return (v & mask) >> T(mathbits.TrailingZeros64(uint64(mask)))
}

// FieldPrep shifts v into the position selected by the contiguous mask.
// Bits of v that do not fit are discarded.
func FieldPrep[T constraints.Unsigned](mask, v T) T {
	if mask == 0 {
		return 0
	}
	return (v << T(mathbits.TrailingZeros64(uint64(mask)))) & mask
}
