// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tlsf

import "unsafe"

// This file implements C3, the in-band block header layer: on-pool headers
// for free and used blocks, addressed by raw unsafe.Pointer/uintptr
// arithmetic over caller-owned memory the same way cznic-memory's page/node
// structs are addressed — there is no arena index here, the pool is
// whatever bytes the caller handed us, so pointer math is unavoidable.

const (
	wordSize = unsafe.Sizeof(uintptr(0))
	// sizeBits is int, not uintptr: it feeds the size-class shift/clz
	// arithmetic in sizeclass.go, which is all done in int.
	sizeBits = int(8 * wordSize)

	flagUsed       uintptr = 1
	flagLastInPool uintptr = 2
	flagMask               = flagUsed | flagLastInPool
)

// blockHeader is the used-block header: a size+flags word (bit 0 = USED,
// bit 1 = LAST_IN_POOL, remaining bits = block size including this header)
// plus an explicit back-pointer to the physically previous block. It is
// exactly GRANULARITY/2 bytes on both 32- and 64-bit builds, since
// granularity is defined in terms of it below.
type blockHeader struct {
	sizeAndFlags uintptr
	prevPhys     *blockHeader
}

// freeBlockHeader extends blockHeader with the two free-list sibling
// pointers used while a block sits on a segregated free list. It occupies
// exactly GRANULARITY bytes, the allocator's minimum block size. These
// pointers live in the block's own payload area, abandoned the instant the
// block is handed out by Allocate.
type freeBlockHeader struct {
	blockHeader
	nextFree *freeBlockHeader
	prevFree *freeBlockHeader
}

const (
	usedHeaderSize  = unsafe.Sizeof(blockHeader{})
	granularity     = 2 * usedHeaderSize
	granularityMask = granularity - 1
)

var granularityLog2 = bitLen32(uint32(granularity)) - 1

func roundUpGranularity(n uintptr) uintptr {
	return (n + granularityMask) &^ granularityMask
}

func roundDownGranularity(n uintptr) uintptr {
	return n &^ granularityMask
}

func (b *blockHeader) addr() uintptr { return uintptr(unsafe.Pointer(b)) }

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

func (b *blockHeader) size() uintptr {
	return b.sizeAndFlags &^ granularityMask
}

func (b *blockHeader) used() bool {
	return b.sizeAndFlags&flagUsed != 0
}

func (b *blockHeader) lastInPool() bool {
	return b.sizeAndFlags&flagLastInPool != 0
}

// setSize overwrites the size portion of the header, leaving flag bits
// untouched. size must already be a multiple of granularity.
func (b *blockHeader) setSize(size uintptr) {
	b.sizeAndFlags = size | (b.sizeAndFlags & flagMask)
}

func (b *blockHeader) setUsed(v bool) {
	if v {
		b.sizeAndFlags |= flagUsed
	} else {
		b.sizeAndFlags &^= flagUsed
	}
}

func (b *blockHeader) setLastInPool(v bool) {
	if v {
		b.sizeAndFlags |= flagLastInPool
	} else {
		b.sizeAndFlags &^= flagLastInPool
	}
}

// nextPhys returns the physically following block, or nil if b is the
// last block of its pool (the LAST_IN_POOL sentinel per spec.md's
// GLOSSARY, replacing a separate terminator block).
func (b *blockHeader) nextPhys() *blockHeader {
	if b.lastInPool() {
		return nil
	}
	return headerAt(b.addr() + b.size())
}

// fixupNextPrevPhys updates the prevPhys back-pointer of b's physical
// successor, if any, to point at b. Call this whenever a block's identity
// (address or LAST_IN_POOL status) changes but its successor's back-link
// must still resolve to it.
func (b *blockHeader) fixupNextPrevPhys() {
	if n := b.nextPhys(); n != nil {
		n.prevPhys = b
	}
}

// payload returns the address immediately following a used block's header,
// i.e. the unaligned payload pointer before any over-alignment is applied.
func (b *blockHeader) payload() unsafe.Pointer {
	return unsafe.Pointer(b.addr() + usedHeaderSize)
}

// writeAlignmentBreadcrumb records, in the word immediately preceding an
// over-aligned payload pointer, the address of the used block header that
// owns it. Deallocate and Reallocate read this breadcrumb back to recover
// the header in O(1) regardless of how far align pushed the payload past
// the natural header+G/2 offset (spec.md 4.2 and design note in 9).
func writeAlignmentBreadcrumb(payload unsafe.Pointer, hdr *blockHeader) {
	slot := (*uintptr)(unsafe.Pointer(uintptr(payload) - wordSize))
	*slot = hdr.addr()
}

// headerFromPayload recovers a used block's header from its payload
// pointer and the alignment it was allocated with, per spec.md 4.2: for
// align < G the header sits exactly G/2 bytes before the payload; for
// align >= G the breadcrumb word holds the header's address directly.
func headerFromPayload(payload unsafe.Pointer, align uintptr) *blockHeader {
	if align < granularity {
		return (*blockHeader)(unsafe.Pointer(uintptr(payload) - usedHeaderSize))
	}
	slot := (*uintptr)(unsafe.Pointer(uintptr(payload) - wordSize))
	return headerAt(*slot)
}

func asFree(b *blockHeader) *freeBlockHeader {
	return (*freeBlockHeader)(unsafe.Pointer(b))
}

func (f *freeBlockHeader) hdr() *blockHeader { return &f.blockHeader }
