// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides the implementation of bitmap.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are supported by this Bitmap
// implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap implements an efficient fixed-size bitmap.
//
// Bitmap is not safe for concurrent use; callers serialize access.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of addressable bits. Bits at or past size are
	// always zero.
	size uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	if size > MaxBitEntryLimit {
		panic(fmt.Sprintf("requested bitmap size %d too large", size))
	}
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the number of addressable bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

func (b *Bitmap) checkIndex(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range for bitmap of size %d", i, b.size))
	}
}

// Test returns true if bit i is set.
func (b *Bitmap) Test(i uint32) bool {
	b.checkIndex(i)
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	b.checkIndex(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	b.checkIndex(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// Set sets bit i to v.
func (b *Bitmap) Set(i uint32, v bool) {
	if v {
		b.Add(i)
	} else {
		b.Remove(i)
	}
}

// FirstOne returns the first set bit from the range [start, ).
func (b *Bitmap) FirstOne(start uint32) (bit uint32, err error) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if i >= n {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	w := b.bitBlock[i] & (math.MaxUint64 << nbit)
	for {
		if w != uint64(0) {
			r := bits.TrailingZeros64(w)
			return uint32(r + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no set bits")
}

// Clone the Bitmap.
func (b *Bitmap) Clone() Bitmap {
	bitmap := Bitmap{b.numOnes, b.size, make([]uint64, len(b.bitBlock))}
	copy(bitmap.bitBlock, b.bitBlock[:])
	return bitmap
}

// countOnesForBlocks count all 1 bits within b.bitBlock of begin and that of end.
// The begin block and end block are inclusive.
func (b *Bitmap) countOnesForBlocks(begin, end uint32) uint64 {
	ones := uint64(0)
	beginBlock := begin / 64
	endBlock := end / 64
	for i := beginBlock; i <= endBlock; i++ {
		ones += uint64(bits.OnesCount64(b.bitBlock[i]))
	}
	return ones
}

// rangeMask returns the mask of bits in block blk that fall within
// [begin, end).
func rangeMask(blk, begin, end uint32) uint64 {
	lo, hi := blk*64, blk*64+64
	if begin > lo {
		lo = begin
	}
	if end < hi {
		hi = end
	}
	if lo >= hi {
		return 0
	}
	n := hi - lo
	if n == 64 {
		return math.MaxUint64
	}
	return ((uint64(1) << n) - 1) << (lo % 64)
}

// SetRange sets bits within range (begin and end) for the Bitmap. begin is
// inclusive and end is exclusive.
func (b *Bitmap) SetRange(begin, end uint32) {
	if begin >= end {
		return
	}
	b.checkIndex(end - 1)
	oldRangeOnes := b.countOnesForBlocks(begin, end-1)
	for blk := begin / 64; blk <= (end-1)/64; blk++ {
		b.bitBlock[blk] |= rangeMask(blk, begin, end)
	}
	newRangeOnes := b.countOnesForBlocks(begin, end-1)
	b.numOnes += uint32(newRangeOnes - oldRangeOnes)
}

// ClearRange clear bits within range (begin and end) for the Bitmap. begin is
// inclusive and end is exclusive.
func (b *Bitmap) ClearRange(begin, end uint32) {
	if begin >= end {
		return
	}
	b.checkIndex(end - 1)
	oldRangeOnes := b.countOnesForBlocks(begin, end-1)
	for blk := begin / 64; blk <= (end-1)/64; blk++ {
		b.bitBlock[blk] &^= rangeMask(blk, begin, end)
	}
	newRangeOnes := b.countOnesForBlocks(begin, end-1)
	b.numOnes -= uint32(oldRangeOnes - newRangeOnes)
}

// CountRange returns the number of set bits within [begin, end).
func (b *Bitmap) CountRange(begin, end uint32) uint32 {
	if begin >= end {
		return 0
	}
	b.checkIndex(end - 1)
	n := 0
	for blk := begin / 64; blk <= (end-1)/64; blk++ {
		n += bits.OnesCount64(b.bitBlock[blk] & rangeMask(blk, begin, end))
	}
	return uint32(n)
}

// ToSlice transform the Bitmap into slice. For example, a bitmap of [0, 1, 0, 1]
// will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	// base is the start number of a bitBlock
	base := 0
	for i := 0; i < len(b.bitBlock); i++ {
		bitBlock := b.bitBlock[i]
		// Iterate through all the numbers held by this bit block.
		for bitBlock != 0 {
			// Extract the lowest set 1 bit.
			j := bitBlock & -bitBlock
			// Interpret the bit as the in32 number it represents and add it to result.
			bitmapSlice = append(bitmapSlice, uint32((base + int(bits.OnesCount64(j-1)))))
			bitBlock ^= j
		}
		base += 64
	}
	return bitmapSlice
}

// GetNumOnes return the the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}
