// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tlsf

import (
	"testing"
	"unsafe"
)

func TestHeaderSizesMatchGranularity(t *testing.T) {
	if g, w := usedHeaderSize, 2*wordSize; g != w {
		t.Fatalf("usedHeaderSize = %d, want %d (2 words)", g, w)
	}
	if g, w := unsafe.Sizeof(freeBlockHeader{}), granularity; g != w {
		t.Fatalf("sizeof(freeBlockHeader) = %d, want %d (granularity)", g, w)
	}
	if granularity != 2*usedHeaderSize {
		t.Fatalf("granularity = %d, want 2*usedHeaderSize = %d", granularity, 2*usedHeaderSize)
	}
}

func TestRoundGranularity(t *testing.T) {
	cases := []uintptr{0, 1, granularity - 1, granularity, granularity + 1, 10 * granularity}
	for _, n := range cases {
		up := roundUpGranularity(n)
		if up < n {
			t.Fatalf("roundUpGranularity(%d) = %d < n", n, up)
		}
		if up%granularity != 0 {
			t.Fatalf("roundUpGranularity(%d) = %d not a multiple of granularity", n, up)
		}
		down := roundDownGranularity(n)
		if down > n {
			t.Fatalf("roundDownGranularity(%d) = %d > n", n, down)
		}
		if down%granularity != 0 {
			t.Fatalf("roundDownGranularity(%d) = %d not a multiple of granularity", n, down)
		}
	}
}

func TestSizeFlagsRoundTrip(t *testing.T) {
	buf := make([]byte, 4*granularity)
	addr := roundUpGranularity(uintptr(unsafe.Pointer(&buf[0])))
	hdr := headerAt(addr)

	hdr.sizeAndFlags = 0
	hdr.setSize(2 * granularity)
	if hdr.size() != 2*granularity {
		t.Fatalf("size() = %d, want %d", hdr.size(), 2*granularity)
	}
	if hdr.used() || hdr.lastInPool() {
		t.Fatal("flags should start clear")
	}

	hdr.setUsed(true)
	if !hdr.used() {
		t.Fatal("setUsed(true) did not stick")
	}
	if hdr.size() != 2*granularity {
		t.Fatal("setUsed corrupted the size field")
	}

	hdr.setLastInPool(true)
	if !hdr.lastInPool() || !hdr.used() {
		t.Fatal("setLastInPool should not clear the used flag")
	}

	hdr.setUsed(false)
	if hdr.used() || !hdr.lastInPool() {
		t.Fatal("setUsed(false) should not clear lastInPool")
	}
}

func TestPayloadAndHeaderFromPayloadUnaligned(t *testing.T) {
	buf := make([]byte, 4*granularity)
	addr := roundUpGranularity(uintptr(unsafe.Pointer(&buf[0])))
	hdr := headerAt(addr)
	hdr.sizeAndFlags = 2 * granularity

	p := hdr.payload()
	if uintptr(p) != addr+usedHeaderSize {
		t.Fatalf("payload() = %#x, want %#x", p, addr+usedHeaderSize)
	}

	back := headerFromPayload(p, 1)
	if back != hdr {
		t.Fatalf("headerFromPayload round trip failed: got %p, want %p", back, hdr)
	}
}

func TestAlignmentBreadcrumb(t *testing.T) {
	buf := make([]byte, 8*granularity)
	addr := roundUpGranularity(uintptr(unsafe.Pointer(&buf[0])))
	hdr := headerAt(addr)
	hdr.sizeAndFlags = 4 * granularity

	align := 2 * granularity
	payloadAddr := (addr + usedHeaderSize + uintptr(align) - 1) &^ (uintptr(align) - 1)
	payload := unsafe.Pointer(payloadAddr)

	writeAlignmentBreadcrumb(payload, hdr)
	back := headerFromPayload(payload, uintptr(align))
	if back != hdr {
		t.Fatalf("headerFromPayload via breadcrumb failed: got %p, want %p", back, hdr)
	}
}

func TestNextPhysAndLastInPool(t *testing.T) {
	buf := make([]byte, 4*granularity)
	addr := roundUpGranularity(uintptr(unsafe.Pointer(&buf[0])))
	first := headerAt(addr)
	first.sizeAndFlags = granularity
	first.setLastInPool(false)

	second := headerAt(addr + granularity)
	second.sizeAndFlags = granularity
	second.setLastInPool(true)
	second.prevPhys = nil
	first.fixupNextPrevPhys()

	if n := first.nextPhys(); n != second {
		t.Fatalf("nextPhys() = %p, want %p", n, second)
	}
	if second.prevPhys != first {
		t.Fatal("fixupNextPrevPhys did not update the successor's back-pointer")
	}
	if n := second.nextPhys(); n != nil {
		t.Fatalf("nextPhys() of a LAST_IN_POOL block = %p, want nil", n)
	}
}
