// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tlsf implements a Two-Level Segregated Fit dynamic memory
// allocator suitable for real-time and bare-metal use: bounded, O(1)
// allocate/deallocate and linear-in-old-size reallocate over one or more
// caller-supplied memory regions ("pools").
//
// IMPORTANT: a *TLSF is NOT goroutine-safe. Every public method mutates
// shared bitmap/free-list state; callers that need concurrent access must
// serialize it themselves (a sync.Mutex around a single instance is the
// supported pattern — see the flex subpackage's doc comment for the
// pool-growing layer built on top of this core).
package tlsf

import (
	"fmt"
	"os"
	"unsafe"
)

// debugTrace gates verbose operation tracing to stderr, the same shape as
// cznic-memory's own package-level trace bool (memory.go's Calloc/Malloc/
// Free/Realloc each defer a trace print when it's set). It defaults to
// false and is not exposed as a constructor option: flipping it is a
// recompile, same as the teacher's.
const debugTrace = false

// TLSF is a two-level segregated free-list allocator core. Its zero value
// is not ready for use; construct one with New.
type TLSF struct {
	geom geometry

	flBitmap  uint32
	slBitmap  []uint32             // len == geom.flLen
	firstFree [][]*freeBlockHeader // firstFree[fl][sl], len == geom.flLen x geom.slLen

	blocks int // number of currently allocated (used) blocks, for diagnostics
}

// New constructs a TLSF instance with flLen first-level rows and slLen
// second-level columns per row (slLen must be a power of two). Both are
// runtime parameters, not compile-time constants — see DESIGN.md's note on
// why Go's generics don't let FLLEN/SLLEN be type parameters here.
func New(flLen, slLen int) (*TLSF, error) {
	g, err := newGeometry(flLen, slLen)
	if err != nil {
		return nil, err
	}

	t := &TLSF{geom: g}
	t.slBitmap = make([]uint32, flLen)
	t.firstFree = make([][]*freeBlockHeader, flLen)
	for i := range t.firstFree {
		t.firstFree[i] = make([]*freeBlockHeader, slLen)
	}
	return t, nil
}

// maxOverhead is spec.md 4.3.2 step 1, simplified: the two equivalent forms
// given there, max(align, G/2) − G/2 + sizeof(used_hdr) and
// max(align − G/2, 0) + G/2, both reduce to max(align, G/2) since
// sizeof(used_hdr) == G/2 exactly.
func maxOverhead(align uintptr) uintptr {
	if align < usedHeaderSize {
		return usedHeaderSize
	}
	return align
}

// searchSizeFor computes spec.md 4.3.2 step 2's search_size, shared
// between Allocate and PoolSizeToContainAllocation so the two stay
// consistent (spec.md 8's contract requires it). ok is false on
// arithmetic overflow.
func searchSizeFor(reqSize, align uintptr) (uintptr, bool) {
	if align == 0 {
		align = 1
	}
	sum := reqSize + maxOverhead(align)
	if sum < reqSize {
		return 0, false
	}
	size := roundUpGranularity(sum)
	if size < sum {
		return 0, false
	}
	if size < granularity {
		size = granularity
	}
	return size, true
}

// Granularity returns G, this package's minimum block size and the
// required pool-start alignment, per spec.md 3 — it is
// 4*sizeof(uintptr) on every build, derived from the in-band header
// layout rather than hardcoded (see block.go). The flex subpackage uses
// it to round pool boundaries and size pool-source requests.
func Granularity() uintptr { return granularity }

// InsertPool registers the memory backing pool with t, per spec.md 4.3.1.
// t takes ownership of pool's bytes for as long as they remain registered;
// the caller must not reuse or release them except through t.
func (t *TLSF) InsertPool(pool []byte) {
	if len(pool) == 0 {
		return
	}
	start := uintptr(unsafe.Pointer(&pool[0]))
	t.InsertPoolRange(start, uintptr(len(pool)))
}

// InsertPoolRange is the pointer-oriented form of InsertPool, registering
// the n bytes starting at the raw address start. Per spec.md 9's noted
// anomaly, a range that rounds down to less than one granularity (for
// example start near the top of the address space with n == 0) is
// silently ignored rather than saturated; this is preserved deliberately,
// not a bug, since scenario 5 of spec.md 8 depends on it.
func (t *TLSF) InsertPoolRange(start, n uintptr) {
	if debugTrace {
		defer func() { fmt.Fprintf(os.Stderr, "InsertPoolRange(%#x, %#x)\n", start, n) }()
	}

	p := roundUpGranularity(start)
	if p < start {
		return // overflow rounding up; no usable space
	}

	shrink := p - start
	if shrink >= n {
		return
	}
	n -= shrink
	n = roundDownGranularity(n)
	if n < granularity {
		return
	}

	maxChunk := t.geom.maxPoolChunk()
	for n >= granularity {
		chunk := n
		if chunk > maxChunk {
			chunk = maxChunk
		}
		t.insertChunk(p, chunk)
		p += chunk
		n -= chunk
	}
}

// insertChunk writes a single free block header spanning chunk bytes
// starting at p and links it into the appropriate free list. chunk must
// already be a multiple of granularity and at most geom.maxPoolChunk().
func (t *TLSF) insertChunk(p, chunk uintptr) {
	fb := (*freeBlockHeader)(unsafe.Pointer(p))
	fb.prevPhys = nil
	fb.sizeAndFlags = chunk
	fb.setLastInPool(true)
	fb.nextFree = nil
	fb.prevFree = nil
	t.linkFree(fb)
}

// linkFree inserts fb at the head of the free list its own size maps to,
// updating the bitmaps after the list head per spec.md 5's ordering rule.
func (t *TLSF) linkFree(fb *freeBlockHeader) {
	fl, sl, ok := t.geom.mapFloor(fb.size())
	if !ok {
		panic("tlsf: block too large for this instance's geometry")
	}

	fb.prevFree = nil
	fb.nextFree = t.firstFree[fl][sl]
	if fb.nextFree != nil {
		fb.nextFree.prevFree = fb
	}
	t.firstFree[fl][sl] = fb

	setBit(&t.slBitmap[fl], sl)
	setBit(&t.flBitmap, fl)
}

// unlinkFree removes fb, known to live at (fl, sl), from its free list.
func (t *TLSF) unlinkFree(fb *freeBlockHeader, fl, sl int) {
	if fb.prevFree != nil {
		fb.prevFree.nextFree = fb.nextFree
	} else {
		t.firstFree[fl][sl] = fb.nextFree
	}
	if fb.nextFree != nil {
		fb.nextFree.prevFree = fb.prevFree
	}
	fb.nextFree = nil
	fb.prevFree = nil

	if t.firstFree[fl][sl] == nil {
		clearBit(&t.slBitmap[fl], sl)
		if t.slBitmap[fl] == 0 {
			clearBit(&t.flBitmap, fl)
		}
	}
}

// findFit implements spec.md 4.3.2 step 3: locate the lowest-addressed
// non-empty free list whose bucket lower bound is >= searchSize.
func (t *TLSF) findFit(searchSize uintptr) (fl, sl int, ok bool) {
	fl, sl, ok = t.geom.mapCeil(searchSize)
	if !ok {
		return 0, 0, false
	}

	if i := ffsFrom(t.slBitmap[fl], sl); i >= 0 {
		return fl, i, true
	}

	if nfl := fmsAbove(t.flBitmap, fl); nfl >= 0 {
		if nsl := ffs(t.slBitmap[nfl]); nsl >= 0 {
			return nfl, nsl, true
		}
	}
	return 0, 0, false
}

// Allocate services a request for layout.Size bytes aligned to
// layout.Align (a power of two; 0 is treated as 1), per spec.md 4.3.2.
// It returns (nil, false) when no free block is large enough or the
// requested size overflows — never panics on this path.
func (t *TLSF) Allocate(layout Layout) (p unsafe.Pointer, ok bool) {
	if debugTrace {
		defer func() { fmt.Fprintf(os.Stderr, "Allocate(%+v) %p, %v\n", layout, p, ok) }()
	}

	align := layout.Align
	if align == 0 {
		align = 1
	}

	searchSize, ok := searchSizeFor(layout.Size, align)
	if !ok {
		return nil, false
	}

	fl, sl, ok := t.findFit(searchSize)
	if !ok {
		return nil, false
	}

	fb := t.firstFree[fl][sl]
	t.unlinkFree(fb, fl, sl)
	block := fb.hdr()

	payload := unsafe.Pointer(roundUpGranularity2(block.addr()+usedHeaderSize, align))
	if align >= granularity {
		writeAlignmentBreadcrumb(payload, block)
	}

	gap := uintptr(payload) - block.addr()
	newSize := roundUpGranularity(gap + layout.Size)
	if newSize < granularity {
		newSize = granularity
	}

	oldSize := block.size()
	wasLast := block.lastInPool()
	remainder := oldSize - newSize

	if remainder >= granularity {
		nfb := (*freeBlockHeader)(unsafe.Pointer(block.addr() + newSize))
		nfb.prevPhys = block
		nfb.sizeAndFlags = remainder
		nfb.setLastInPool(wasLast)
		nfb.nextFree = nil
		nfb.prevFree = nil
		nfb.hdr().fixupNextPrevPhys()

		block.setSize(newSize)
		block.setLastInPool(false)

		t.linkFree(nfb)
	} else {
		block.setSize(oldSize)
		block.setLastInPool(wasLast)
	}

	block.setUsed(true)
	t.blocks++
	return payload, true
}

// roundUpGranularity2 rounds addr up to the next multiple of align
// (align a power of two), used to compute the aligned payload pointer in
// Allocate. Unlike roundUpGranularity it is parameterized, since align
// can exceed or fall below the block granularity.
func roundUpGranularity2(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// Deallocate returns the block at ptr (allocated with the given align) to
// its pool, merging with free physical neighbors per spec.md 4.3.3.
func (t *TLSF) Deallocate(ptr unsafe.Pointer, align uintptr) {
	if debugTrace {
		defer func() { fmt.Fprintf(os.Stderr, "Deallocate(%p, %#x)\n", ptr, align) }()
	}
	if ptr == nil {
		return
	}
	if align == 0 {
		align = 1
	}

	hdr := headerFromPayload(ptr, align)
	hdr.setUsed(false)
	t.blocks--
	size := hdr.size()

	if next := hdr.nextPhys(); next != nil && !next.used() {
		if nfl, nsl, ok := t.geom.mapFloor(next.size()); ok {
			t.unlinkFree(asFree(next), nfl, nsl)
		}
		size += next.size()
		hdr.setLastInPool(next.lastInPool())
	}

	if prev := hdr.prevPhys; prev != nil && !prev.used() {
		if pfl, psl, ok := t.geom.mapFloor(prev.size()); ok {
			t.unlinkFree(asFree(prev), pfl, psl)
		}
		size += prev.size()
		lastFlag := hdr.lastInPool()
		hdr = prev
		hdr.setLastInPool(lastFlag)
	}

	hdr.setSize(size)
	hdr.fixupNextPrevPhys()

	fb := asFree(hdr)
	fb.nextFree = nil
	fb.prevFree = nil
	t.linkFree(fb)
}

// SizeOfAllocation returns the usable payload size of the block at ptr,
// per spec.md 6. align must match the value originally passed to
// Allocate/Reallocate.
func (t *TLSF) SizeOfAllocation(ptr unsafe.Pointer, align uintptr) uintptr {
	if align == 0 {
		align = 1
	}
	hdr := headerFromPayload(ptr, align)
	return hdr.size() - (uintptr(ptr) - hdr.addr())
}

// PoolSizeToContainAllocation returns the exact pool byte length that,
// once inserted via InsertPool, guarantees Allocate(layout) succeeds
// (spec.md 6 and the contract test in spec.md 8). It returns false when
// layout cannot be satisfied by any pool this instance's geometry can
// represent as a single chunk.
//
// The returned size is deliberately the smallest *bucket boundary* at or
// above the raw search size (map_ceil_and_unmap), not just the raw search
// size rounded to granularity: a single free block whose size sits
// exactly on a bucket boundary floor-maps to the same (fl, sl) pair that
// Allocate's own ceiling search starts scanning from, so the block is
// guaranteed to be found. A block whose size merely satisfies the search
// size, without landing on a boundary, floor-maps to a lower bucket that a
// ceiling search beginning above it would never visit.
func (t *TLSF) PoolSizeToContainAllocation(layout Layout) (uintptr, bool) {
	align := layout.Align
	if align == 0 {
		align = 1
	}

	searchSize, ok := searchSizeFor(layout.Size, align)
	if !ok {
		return 0, false
	}

	boundary, ok := t.geom.mapCeilAndUnmap(searchSize)
	if !ok {
		return 0, false
	}
	if boundary > t.geom.maxPoolChunk() {
		return 0, false
	}
	return boundary, true
}

// ExtendPool grows the pool whose InsertPool/InsertPoolRange-registered
// bytes started at poolStart so that it now ends at newEnd, per spec.md
// 4.4.2 step 2's "append_free_block variant that merges with the pool's
// trailing free block". poolStart must be the address of the pool's first
// block, i.e. the start passed to InsertPool/InsertPoolRange rounded up to
// Granularity(), and newEnd must lie beyond the pool's current
// physical end. It reports whether the extension was applied; it is a
// caller bug to call this with a pool whose true end was not already
// confirmed extendable (the flex wrapper only calls it after its
// PoolSource has already grown the backing bytes in place).
func (t *TLSF) ExtendPool(poolStart, newEnd uintptr) bool {
	hdr := headerAt(poolStart)
	for !hdr.lastInPool() {
		hdr = hdr.nextPhys()
	}
	oldEnd := hdr.addr() + hdr.size()
	if newEnd <= oldEnd {
		return false
	}
	grow := newEnd - oldEnd

	if !hdr.used() {
		if fl, sl, ok := t.geom.mapFloor(hdr.size()); ok {
			t.unlinkFree(asFree(hdr), fl, sl)
		}
		hdr.setSize(hdr.size() + grow)
		t.linkFree(asFree(hdr))
		return true
	}

	if grow < granularity {
		return false
	}
	nb := (*freeBlockHeader)(unsafe.Pointer(oldEnd))
	nb.prevPhys = hdr
	nb.sizeAndFlags = grow
	nb.setLastInPool(true)
	nb.nextFree = nil
	nb.prevFree = nil
	hdr.setLastInPool(false)
	t.linkFree(nb)
	return true
}

// Reallocate resizes the block at ptr (allocated with newLayout.Align) to
// newLayout.Size, per spec.md 4.3.4. On success the caller must not use ptr
// again. On failure the original block has already been freed — this is
// the destructive reallocate-on-failure behavior spec.md 7 documents.
func (t *TLSF) Reallocate(ptr unsafe.Pointer, newLayout Layout) (p unsafe.Pointer, ok bool) {
	if debugTrace {
		defer func() { fmt.Fprintf(os.Stderr, "Reallocate(%p, %+v) %p, %v\n", ptr, newLayout, p, ok) }()
	}

	if ptr == nil {
		return t.Allocate(newLayout)
	}

	align := newLayout.Align
	if align == 0 {
		align = 1
	}

	hdr := headerFromPayload(ptr, align)
	gap := uintptr(ptr) - hdr.addr()
	newSize := roundUpGranularity(gap + newLayout.Size)
	if newSize < granularity {
		newSize = granularity
	}
	oldSize := hdr.size()

	if newSize <= oldSize {
		t.shrinkInPlace(hdr, oldSize, newSize)
		return ptr, true
	}

	if t.growInPlace(hdr, oldSize, newSize) {
		return ptr, true
	}

	return t.relocate(ptr, newLayout, hdr, align)
}

// shrinkInPlace implements the shrink half of spec.md 4.3.4 step 1:
// carve a new free block off the tail of hdr and merge it with a
// following free neighbor, if any.
//
// Per the spec.md 9 anomaly note, shrinkBy is computed as oldSize minus
// newSize (already established newSize <= oldSize above), not the
// unsigned-wraparound-dependent reverse.
func (t *TLSF) shrinkInPlace(hdr *blockHeader, oldSize, newSize uintptr) {
	shrinkBy := oldSize - newSize
	if shrinkBy < granularity {
		return // too small a remainder to carve off; keep as internal fragmentation
	}

	wasLast := hdr.lastInPool()
	tail := (*freeBlockHeader)(unsafe.Pointer(hdr.addr() + newSize))
	tail.prevPhys = hdr
	tail.sizeAndFlags = shrinkBy
	tail.setLastInPool(wasLast)
	tail.nextFree = nil
	tail.prevFree = nil

	hdr.setSize(newSize)
	hdr.setLastInPool(false)

	if nxt := tail.hdr().nextPhys(); nxt != nil && !nxt.used() {
		if nfl, nsl, ok := t.geom.mapFloor(nxt.size()); ok {
			t.unlinkFree(asFree(nxt), nfl, nsl)
		}
		tail.setSize(tail.size() + nxt.size())
		tail.setLastInPool(nxt.lastInPool())
	}
	tail.hdr().fixupNextPrevPhys()
	t.linkFree(tail)
}

// growInPlace implements the grow half of spec.md 4.3.4 step 1: absorb a
// following free block if it is large enough, splitting off any leftover.
// Reports whether the in-place grow succeeded.
func (t *TLSF) growInPlace(hdr *blockHeader, oldSize, newSize uintptr) bool {
	nxt := hdr.nextPhys()
	if nxt == nil || nxt.used() {
		return false
	}

	needed := newSize - oldSize
	avail := nxt.size()
	if avail < needed {
		return false
	}

	if nfl, nsl, ok := t.geom.mapFloor(avail); ok {
		t.unlinkFree(asFree(nxt), nfl, nsl)
	}
	wasNextLast := nxt.lastInPool()
	total := oldSize + avail
	remainder := total - newSize

	if remainder >= granularity {
		hdr.setSize(newSize)
		hdr.setLastInPool(false)

		leftover := (*freeBlockHeader)(unsafe.Pointer(hdr.addr() + newSize))
		leftover.prevPhys = hdr
		leftover.sizeAndFlags = remainder
		leftover.setLastInPool(wasNextLast)
		leftover.nextFree = nil
		leftover.prevFree = nil
		leftover.hdr().fixupNextPrevPhys()
		t.linkFree(leftover)
	} else {
		hdr.setSize(total)
		hdr.setLastInPool(wasNextLast)
		hdr.fixupNextPrevPhys()
	}
	return true
}

// relocate implements spec.md 4.3.4 step 2 and the "Reallocate fallback
// copy" design note: because a free block header is larger than a used
// block header by G/2 bytes, the first G/2 bytes of a freed payload are
// clobbered the instant the block returns to a free list, so those bytes
// must be snapshotted before Deallocate runs.
func (t *TLSF) relocate(ptr unsafe.Pointer, newLayout Layout, hdr *blockHeader, align uintptr) (unsafe.Pointer, bool) {
	oldUsable := hdr.size() - (uintptr(ptr) - hdr.addr())

	var savedHead [usedHeaderSize]byte
	copy(savedHead[:], (*[usedHeaderSize]byte)(ptr)[:])

	t.Deallocate(ptr, align)

	newPtr, ok := t.Allocate(newLayout)
	if !ok {
		return nil, false
	}

	copyLen := oldUsable
	if newLayout.Size < copyLen {
		copyLen = newLayout.Size
	}

	headLen := copyLen
	if headLen > usedHeaderSize {
		headLen = usedHeaderSize
	}
	dstHead := unsafe.Slice((*byte)(newPtr), headLen)
	copy(dstHead, savedHead[:headLen])

	if copyLen > usedHeaderSize {
		tailLen := copyLen - usedHeaderSize
		src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr)+usedHeaderSize)), tailLen)
		dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(newPtr)+usedHeaderSize)), tailLen)
		copy(dst, src)
	}
	return newPtr, true
}
