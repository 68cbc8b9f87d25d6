// Copyright 2026 The Kestrel Authors.
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

// Package bitmap provides a fixed-size bitmap used for frame and page
// accounting.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are
// supported by this Bitmap implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap implements an efficient fixed-size bitmap.
type Bitmap struct {
	// size is the number of valid bits.
	size uint32

	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. Each uint64 in bitBlock holds 64 entries;
	// bits past size in the last block are always zero.
	bitBlock []uint64
}

// New creates a new empty Bitmap with room for size bits.
func New(size uint32) Bitmap {
	if size > MaxBitEntryLimit {
		panic(fmt.Sprintf("bitmap size %d exceeds limit %d", size, MaxBitEntryLimit))
	}
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// IsFull returns true if every bit is set.
func (b *Bitmap) IsFull() bool {
	return b.numOnes == b.size
}

// GetNumOnes returns the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Test reports whether bit i is set.
func (b *Bitmap) Test(i uint32) bool {
	b.check(i, i+1)
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	b.check(i, i+1)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		b.bitBlock[blockNum] |= mask
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	b.check(i, i+1)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask != 0 {
		b.bitBlock[blockNum] &^= mask
		b.numOnes--
	}
}

// FirstZero returns the first unset bit in [start, size).
func (b *Bitmap) FirstZero(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i := int(start / 64)
	w := b.bitBlock[i] | ((uint64(1) << (start % 64)) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w)) + uint32(i)*64
			return r, r < b.size
		}
		i++
		if i == len(b.bitBlock) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FirstOne returns the first set bit in [start, size).
func (b *Bitmap) FirstOne(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i := int(start / 64)
	w := b.bitBlock[i] & (math.MaxUint64 << (start % 64))
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w)) + uint32(i)*64, true
		}
		i++
		if i == len(b.bitBlock) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FirstZeroRun returns the start of the first run of n consecutive unset
// bits, searching first-fit from bit 0.
func (b *Bitmap) FirstZeroRun(n uint32) (uint32, bool) {
	if n == 0 || n > b.size {
		return 0, false
	}
	start := uint32(0)
	for {
		zero, ok := b.FirstZero(start)
		if !ok || b.size-zero < n {
			return 0, false
		}
		one, ok := b.FirstOne(zero)
		if !ok || one-zero >= n {
			return zero, true
		}
		start = one + 1
	}
}

// CountOnes returns the number of set bits in [begin, end).
func (b *Bitmap) CountOnes(begin, end uint32) uint32 {
	b.check(begin, end)
	var ones uint32
	b.forBlocks(begin, end, func(i uint32, mask uint64) {
		ones += uint32(bits.OnesCount64(b.bitBlock[i] & mask))
	})
	return ones
}

// AllSet reports whether every bit in [begin, end) is set.
func (b *Bitmap) AllSet(begin, end uint32) bool {
	return b.CountOnes(begin, end) == end-begin
}

// AllClear reports whether every bit in [begin, end) is unset.
func (b *Bitmap) AllClear(begin, end uint32) bool {
	return b.CountOnes(begin, end) == 0
}

// SetRange sets bits in [begin, end).
func (b *Bitmap) SetRange(begin, end uint32) {
	b.check(begin, end)
	b.forBlocks(begin, end, func(i uint32, mask uint64) {
		b.numOnes += uint32(bits.OnesCount64(mask &^ b.bitBlock[i]))
		b.bitBlock[i] |= mask
	})
}

// ClearRange clears bits in [begin, end).
func (b *Bitmap) ClearRange(begin, end uint32) {
	b.check(begin, end)
	b.forBlocks(begin, end, func(i uint32, mask uint64) {
		b.numOnes -= uint32(bits.OnesCount64(mask & b.bitBlock[i]))
		b.bitBlock[i] &^= mask
	})
}

// ForEachRun calls fn for each maximal run [begin, end) of set bits, in
// ascending order.
func (b *Bitmap) ForEachRun(fn func(begin, end uint32)) {
	start := uint32(0)
	for {
		one, ok := b.FirstOne(start)
		if !ok {
			return
		}
		zero, ok := b.FirstZero(one)
		if !ok {
			zero = b.size
		}
		fn(one, zero)
		start = zero
	}
}

// ToSlice transforms the Bitmap into a slice. For example, a bitmap of
// [0, 1, 0, 1] will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.numOnes)
	for i, block := range b.bitBlock {
		for block != 0 {
			j := bits.TrailingZeros64(block)
			out = append(out, uint32(i*64+j))
			block &= block - 1
		}
	}
	return out
}

// Clone returns a copy of the Bitmap.
func (b *Bitmap) Clone() Bitmap {
	c := Bitmap{size: b.size, numOnes: b.numOnes, bitBlock: make([]uint64, len(b.bitBlock))}
	copy(c.bitBlock, b.bitBlock)
	return c
}

// forBlocks calls fn with the index and in-range mask of every block
// overlapping [begin, end).
func (b *Bitmap) forBlocks(begin, end uint32, fn func(i uint32, mask uint64)) {
	for begin < end {
		i := begin / 64
		lo := begin % 64
		hi := uint32(64)
		if end < (i+1)*64 {
			hi = end % 64
		}
		mask := ^uint64(0) << lo
		if hi < 64 {
			mask &= (uint64(1) << hi) - 1
		}
		fn(i, mask)
		begin = (i + 1) * 64
	}
}

func (b *Bitmap) check(begin, end uint32) {
	if begin > end || end > b.size {
		panic(fmt.Sprintf("bitmap range [%d, %d) out of bounds (size %d)", begin, end, b.size))
	}
}
