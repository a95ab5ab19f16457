// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tlsf

import "github.com/cznic/mathutil"

// This file implements C2, the size-class mapper: pure functions mapping a
// byte size to/from a (fl, sl) first-level/second-level index pair. These
// are shared, side-effect-free functions per spec.md 4.1 — everything here
// operates on a geometry value, never on a *TLSF, so the mapping can be
// tested in isolation from the free-list bookkeeping in tlsf.go.

// Layout describes a requested allocation: a byte size and a power-of-two
// alignment, mirroring the (size, align) pairs passed to Allocate and
// Reallocate in spec.md 6.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// geometry holds the two runtime parameters (FLLEN, SLLEN) of a TLSF
// instance. Go has no const-generic array lengths that would let every
// instance pick its own FLLEN/SLLEN at compile time without monomorphizing
// the whole package per size, so per spec.md 9 these are validated once at
// construction and carried as plain fields (see New in tlsf.go).
type geometry struct {
	flLen  int
	slLen  int
	slLog2 int
}

func newGeometry(flLen, slLen int) (geometry, error) {
	if slLen < 1 || slLen > bitmapWordBits || slLen&(slLen-1) != 0 {
		return geometry{}, &ConfigError{Msg: "SLLEN must be a power of two no greater than 32"}
	}
	if flLen < 1 || flLen > bitmapWordBits {
		return geometry{}, &ConfigError{Msg: "FLLEN must be in [1, 32]"}
	}
	return geometry{flLen: flLen, slLen: slLen, slLog2: bitLen32(uint32(slLen)) - 1}, nil
}

// ConfigError reports an invalid (FLLEN, SLLEN) pair passed to New.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return "tlsf: " + e.Msg }

// bitLenUintptr and clzUintptr operate on the native word width (the size
// of a machine size_t-equivalent, uintptr), as opposed to bitLen32/clz32 in
// bits.go which operate on the fixed uint32 bitmap words. The spec's W in
// "fl = W − g − 1 − clz(size)" is this native width.
func bitLenUintptr(x uintptr) int {
	return mathutil.BitLen(int(x))
}

func clzUintptr(x uintptr) int {
	if x == 0 {
		return sizeBits
	}
	return sizeBits - bitLenUintptr(x)
}

// mapFloor implements spec.md 4.1's map_floor. Precondition: size >= G and
// size is a multiple of G. Returns ok == false if size exceeds what this
// geometry's FLLEN can represent.
func (g geometry) mapFloor(size uintptr) (fl, sl int, ok bool) {
	gLog := granularityLog2
	s := g.slLog2

	fl = sizeBits - gLog - 1 - clzUintptr(size)
	if fl < 0 {
		fl = 0
	}
	if fl >= g.flLen {
		return 0, 0, false
	}

	var slv uintptr
	if gLog < s && fl < s-gLog {
		slv = (size << uint(s-gLog-fl)) & uintptr(g.slLen-1)
	} else {
		slv = (size >> uint(fl+gLog-s)) & uintptr(g.slLen-1)
	}
	return fl, int(slv), true
}

// mapCeil implements spec.md 4.1's map_ceil: same as mapFloor, but rounds
// up to the next (fl, sl) boundary at or above size, carrying into fl when
// sl would overflow. Implemented by rounding size up to the next
// representable boundary before flooring, the standard TLSF "search"
// mapping.
func (g geometry) mapCeil(size uintptr) (fl, sl int, ok bool) {
	tfl, _, tok := g.mapFloor(size)
	if !tok {
		return 0, 0, false
	}

	gLog := granularityLog2
	s := g.slLog2
	shift := tfl + gLog - s
	if shift > 0 {
		round := uintptr(1)<<uint(shift) - 1
		if size&round != 0 {
			sum := size + round
			if sum < size {
				return 0, 0, false // overflow
			}
			size = sum
		}
	}
	return g.mapFloor(size)
}

// unmap computes L, the lower bound in bytes of the (fl, sl) bucket, per
// spec.md 4.1: L = G·(1 + sl/SLLEN)·2^fl.
func (g geometry) unmap(fl, sl int) uintptr {
	base := granularity << uint(fl)
	frac := (granularity * uintptr(sl) << uint(fl)) / uintptr(g.slLen)
	return base + frac
}

// mapCeilAndUnmap implements spec.md 4.1's map_ceil_and_unmap: the smallest
// representable size boundary >= size, or ok == false if size exceeds what
// this geometry can represent in a single block.
func (g geometry) mapCeilAndUnmap(size uintptr) (uintptr, bool) {
	fl, sl, ok := g.mapCeil(size)
	if !ok {
		return 0, false
	}
	return g.unmap(fl, sl), true
}

// maxPoolChunk is the largest single block size this geometry can
// represent: (G << FLLEN) - G, per spec.md invariant 6.
func (g geometry) maxPoolChunk() uintptr {
	return (granularity << uint(g.flLen)) - granularity
}
