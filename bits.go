// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tlsf

import "github.com/cznic/mathutil"

// This file implements the fixed-width bitmap primitives the TLSF core uses
// to find a non-empty free list in O(1): one first-level bitmap word and one
// second-level bitmap word per first-level row. Both kinds of row are
// uint32, which bounds FLLEN and SLLEN to 32 each (see New in tlsf.go).

const bitmapWordBits = 32

// bitLen32 returns the number of bits required to represent x, or 0 for
// x == 0. Built on the teacher's own bit-length primitive
// (mathutil.BitLen, used in cznic-memory/memory.go to turn a rounded
// allocation size into a size-class shift) rather than math/bits.
func bitLen32(x uint32) int {
	return mathutil.BitLen(int(x))
}

// clz32 returns the number of leading zero bits of x in a 32-bit word.
func clz32(x uint32) int {
	if x == 0 {
		return bitmapWordBits
	}
	return bitmapWordBits - bitLen32(x)
}

// setBit sets bit i (0-based, from the LSB) of *word.
func setBit(word *uint32, i int) {
	*word |= uint32(1) << uint(i)
}

// clearBit clears bit i of *word.
func clearBit(word *uint32, i int) {
	*word &^= uint32(1) << uint(i)
}

// testBit reports whether bit i of word is set.
func testBit(word uint32, i int) bool {
	return word&(uint32(1)<<uint(i)) != 0
}

// fls returns the index of the highest set bit of word, or -1 if word == 0.
// ("find last set", mirrors the msb() helper of the tlsf-go reference.)
func fls(word uint32) int {
	if word == 0 {
		return -1
	}
	return bitLen32(word) - 1
}

// ffs returns the index of the lowest set bit of word, or -1 if word == 0.
// ("find first set", mirrors the lsb() helper of the tlsf-go reference.)
func ffs(word uint32) int {
	if word == 0 {
		return -1
	}
	return bitLen32(word & -word) - 1
}

// ffsFrom returns the index of the lowest set bit of word at or above bit
// index from, or -1 if there is none. This is the core primitive behind
// the free-list bitmap scan in Allocate: start scanning a second-level row
// at the slot a search size maps to, not at bit 0.
func ffsFrom(word uint32, from int) int {
	if from <= 0 {
		return ffs(word)
	}
	if from >= bitmapWordBits {
		return -1
	}
	masked := word &^ (uint32(1)<<uint(from) - 1)
	return ffs(masked)
}

// fmsAbove returns the index of the lowest set bit of word strictly above
// bit index at, or -1 if there is none. Used to find the next non-empty
// first-level row once the current row's second-level scan comes up empty.
func fmsAbove(word uint32, at int) int {
	return ffsFrom(word, at+1)
}
