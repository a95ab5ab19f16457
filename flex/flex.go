// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flex wraps a tlsf.TLSF core with a pluggable PoolSource: on
// allocation shortfall it acquires a new pool or grows the latest one in
// place, the way cznic-memory's Allocator wraps its own mmap/unmap pair
// with lazy newPage/newSharedPage acquisition over a bare size-class free
// list. Flex generalizes that same "wrap the core, add a capability"
// shape to TLSF and to a source the caller supplies rather than a single
// hardcoded mmap call.
//
// A *Flex is not goroutine-safe, for the same reason as a *tlsf.TLSF: wrap
// it in a mutex if shared across goroutines.
package flex

import (
	"errors"
	"unsafe"

	"modernc.org/tlsf"
)

// PoolSource is the capability Flex uses to acquire, optionally extend,
// and release backing memory for pools, per spec.md 4.4.1. Only Alloc and
// MinAlign are required; a source may additionally implement
// InplaceGrower and/or Deallocator, detected by type assertion rather
// than a boolean "supports" method, the idiomatic Go analogue of
// spec.md's supports_dealloc().
type PoolSource interface {
	// Alloc obtains a new region of at least minSize bytes. It reports
	// ok == false on failure. The returned [start, end) is exactly what a
	// later Dealloc/ReallocInplaceGrow call must be given back.
	Alloc(minSize uintptr) (start, end uintptr, ok bool)

	// MinAlign reports the alignment guaranteed of any start address
	// returned by Alloc.
	MinAlign() uintptr
}

// InplaceGrower is implemented by a PoolSource that can extend a region it
// previously returned from Alloc without relocating it.
type InplaceGrower interface {
	// ReallocInplaceGrow extends the region spanning [start, oldEnd) so
	// that it instead spans [start, newEnd) with newEnd >= minNewEnd,
	// returning the new end on success.
	ReallocInplaceGrow(start, oldEnd, minNewEnd uintptr) (newEnd uintptr, ok bool)
}

// Deallocator is implemented by a PoolSource that can release a region it
// previously returned from Alloc.
type Deallocator interface {
	Dealloc(start, end uintptr)
}

// footer is the two-word record spec.md 4.4.3 writes into the pool's end
// padding, forming a backward singly-linked list of the raw [start, end)
// regions Flex has obtained from its source, so Close can walk it without
// keeping a separate slice. It always sits at rawEnd-footerSize of the
// pool it terminates.
type footer struct {
	prevStart uintptr
	prevEnd   uintptr
}

var footerSize = unsafe.Sizeof(footer{})

func writeFooter(rawEnd uintptr, prevStart, prevEnd uintptr) {
	f := (*footer)(unsafe.Pointer(rawEnd - footerSize))
	f.prevStart = prevStart
	f.prevEnd = prevEnd
}

func readFooter(rawEnd uintptr) footer {
	return *(*footer)(unsafe.Pointer(rawEnd - footerSize))
}

// ErrNoSource is returned by New when source is nil.
var ErrNoSource = errors.New("flex: nil PoolSource")

// Flex wraps a tlsf.TLSF core, growing its pool set on demand from source.
type Flex struct {
	core   *tlsf.TLSF
	source PoolSource

	// growStart/growEnd are the bounds of the growable pool as registered
	// with core (growStart rounded up to tlsf.Granularity(), growEnd
	// excluding the footer slot). rawStart/rawEnd are the untouched
	// [start, end) the source actually returned for that same pool; they
	// differ from growStart/growEnd by rounding and the footer reservation
	// and are what must be handed back to ReallocInplaceGrow/Dealloc.
	// All four are zero when no pool has been acquired yet.
	growStart, growEnd uintptr
	rawStart, rawEnd   uintptr
}

// New constructs a Flex wrapping a freshly created tlsf.TLSF(flLen, slLen)
// core over source. It mirrors tlsf.New's constructor signature rather
// than accepting a pre-built core, since every Flex-managed pool must be
// registered with a core Flex itself owns end to end.
func New(flLen, slLen int, source PoolSource) (*Flex, error) {
	if source == nil {
		return nil, ErrNoSource
	}
	core, err := tlsf.New(flLen, slLen)
	if err != nil {
		return nil, err
	}
	return &Flex{core: core, source: source}, nil
}

// SourceRef returns the PoolSource this Flex was constructed with.
func (f *Flex) SourceRef() PoolSource { return f.source }

// Allocate services layout, acquiring or growing a pool via the source on
// shortfall, per spec.md 4.4.2.
func (f *Flex) Allocate(layout tlsf.Layout) (unsafe.Pointer, bool) {
	if p, ok := f.core.Allocate(layout); ok {
		return p, ok
	}
	if !f.ensurePool(layout) {
		return nil, false
	}
	return f.core.Allocate(layout)
}

// Deallocate returns ptr (allocated with align) to its pool.
func (f *Flex) Deallocate(ptr unsafe.Pointer, align uintptr) {
	f.core.Deallocate(ptr, align)
}

// Reallocate resizes the block at ptr to newLayout, per spec.md 4.4.4:
// it first tries the core's Reallocate; if that fails for lack of space,
// it falls back to Flex's own pool-growing Allocate and copies the old
// contents into the new block.
func (f *Flex) Reallocate(ptr unsafe.Pointer, newLayout tlsf.Layout) (unsafe.Pointer, bool) {
	if ptr == nil {
		return f.Allocate(newLayout)
	}
	align := newLayout.Align
	if align == 0 {
		align = 1
	}
	n := min(f.core.SizeOfAllocation(ptr, align), newLayout.Size)
	var head [2 * unsafe.Sizeof(uintptr(0))]byte // the G/2 bytes a free header overwrites
	copy(head[:], unsafe.Slice((*byte)(ptr), min(n, uintptr(len(head)))))
	if p, ok := f.core.Reallocate(ptr, newLayout); ok {
		return p, ok
	}
	// The core's Reallocate already freed ptr on failure (spec.md 7),
	// overwriting only its first G/2 bytes; save the contents before
	// Allocate can reuse that memory.
	saved := make([]byte, n)
	copy(saved, unsafe.Slice((*byte)(ptr), n))
	copy(saved, head[:])
	p, ok := f.Allocate(newLayout)
	if !ok {
		return nil, false
	}
	copy(unsafe.Slice((*byte)(p), n), saved)
	return p, true
}

// ensurePool implements spec.md 4.4.2's ensure_pool(layout).
func (f *Flex) ensurePool(layout tlsf.Layout) bool {
	extra, ok := f.core.PoolSizeToContainAllocation(layout)
	if !ok {
		return false
	}

	if f.rawStart != 0 {
		if f.tryGrowInPlace(extra) {
			return true
		}
	}
	return f.acquirePool(extra)
}

// tryGrowInPlace attempts spec.md 4.4.2 step 2: extend the existing
// growable pool by extra bytes via the source's InplaceGrower, relocating
// the pool footer to the new end and extending the core's registration to
// match.
func (f *Flex) tryGrowInPlace(extra uintptr) bool {
	grower, ok := f.source.(InplaceGrower)
	if !ok {
		return false
	}

	newRawEnd, ok := grower.ReallocInplaceGrow(f.rawStart, f.rawEnd, f.rawEnd+extra+footerSize)
	if !ok {
		return false
	}

	newPoolEnd := newRawEnd - footerSize
	if !f.core.ExtendPool(f.growStart, newPoolEnd) {
		return false
	}

	prev := readFooter(f.rawEnd)
	writeFooter(newRawEnd, prev.prevStart, prev.prevEnd)
	f.growEnd = newPoolEnd
	f.rawEnd = newRawEnd
	return true
}

// acquirePool implements spec.md 4.4.2 step 3: get a fresh region from the
// source, round its start up to G, register the part before the footer
// slot with the core, and record it as the new growable pool.
func (f *Flex) acquirePool(extra uintptr) bool {
	g := tlsf.Granularity()

	need := extra + footerSize
	if f.source.MinAlign() < g {
		need += g
	}

	start, end, ok := f.source.Alloc(need)
	if !ok {
		return false
	}

	poolStart := roundUp(start, g)
	poolEnd := end - footerSize
	if poolEnd <= poolStart {
		// Source handed back fewer usable bytes than requested; refuse
		// rather than register a corrupt or empty pool.
		if d, ok := f.source.(Deallocator); ok {
			d.Dealloc(start, end)
		}
		return false
	}

	writeFooter(end, f.rawStart, f.rawEnd)
	f.core.InsertPoolRange(poolStart, poolEnd-poolStart)
	f.growStart, f.growEnd = poolStart, poolEnd
	f.rawStart, f.rawEnd = start, end
	return true
}

func roundUp(n, m uintptr) uintptr { return (n + m - 1) &^ (m - 1) }

// Close tears down every pool Flex has acquired from its source, walking
// the footer-linked list backward from the current growable pool, per
// spec.md 4.4.3. If the source cannot deallocate, no pool is released and
// Close only forgets the growable pool. Close must
// not be called while any allocation from this Flex is still outstanding.
func (f *Flex) Close() error {
	d, ok := f.source.(Deallocator)
	if !ok {
		f.growStart, f.growEnd, f.rawStart, f.rawEnd = 0, 0, 0, 0
		return nil
	}

	start, end := f.rawStart, f.rawEnd
	for start != 0 {
		ft := readFooter(end)
		d.Dealloc(start, end)
		start, end = ft.prevStart, ft.prevEnd
	}

	f.growStart, f.growEnd, f.rawStart, f.rawEnd = 0, 0, 0, 0
	return nil
}
