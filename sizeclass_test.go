// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tlsf

import (
	"math"
	"testing"

	"github.com/cznic/mathutil"
)

func TestNewGeometryValidation(t *testing.T) {
	if _, err := newGeometry(12, 16); err != nil {
		t.Fatalf("flLen=12, slLen=16 should be valid: %v", err)
	}
	if _, err := newGeometry(12, 0); err == nil {
		t.Fatal("slLen=0 should be rejected")
	}
	if _, err := newGeometry(12, 3); err == nil {
		t.Fatal("slLen=3 (not a power of two) should be rejected")
	}
	if _, err := newGeometry(12, 64); err == nil {
		t.Fatal("slLen=64 exceeds the 32-bit bitmap word width")
	}
	if _, err := newGeometry(0, 16); err == nil {
		t.Fatal("flLen=0 should be rejected")
	}
	if _, err := newGeometry(33, 16); err == nil {
		t.Fatal("flLen=33 exceeds the 32-bit bitmap word width")
	}
}

func TestMapFloorCeilOrdering(t *testing.T) {
	g, err := newGeometry(12, 16)
	if err != nil {
		t.Fatal(err)
	}

	rng, err := mathutil.NewFC32(int(granularity), 1<<24, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(1)

	for i := 0; i < 2000; i++ {
		size := roundUpGranularity(uintptr(rng.Next()))
		ffl, fsl, fok := g.mapFloor(size)
		cfl, csl, cok := g.mapCeil(size)
		if !fok || !cok {
			continue
		}
		if cfl < ffl || (cfl == ffl && csl < fsl) {
			t.Fatalf("size %d: map_ceil (%d,%d) < map_floor (%d,%d)", size, cfl, csl, ffl, fsl)
		}
	}
}

func TestMapCeilAndUnmapRoundTrip(t *testing.T) {
	g, err := newGeometry(12, 16)
	if err != nil {
		t.Fatal(err)
	}

	rng, err := mathutil.NewFC32(int(granularity), 1<<24, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(2)

	for i := 0; i < 2000; i++ {
		size := roundUpGranularity(uintptr(rng.Next()))
		boundary, ok := g.mapCeilAndUnmap(size)
		if !ok {
			continue
		}
		if boundary < size {
			t.Fatalf("map_ceil_and_unmap(%d) = %d < size", size, boundary)
		}

		wantFl, wantSl, ok := g.mapCeil(size)
		if !ok {
			t.Fatal("mapCeil suddenly failed after mapCeilAndUnmap succeeded")
		}
		if fl, sl, ok := g.mapFloor(boundary); !ok || fl != wantFl || sl != wantSl {
			t.Fatalf("map_floor(map_ceil_and_unmap(%d)) = (%d,%d,%v), want (%d,%d,true)", size, fl, sl, ok, wantFl, wantSl)
		}
		if fl, sl, ok := g.mapCeil(boundary); !ok || fl != wantFl || sl != wantSl {
			t.Fatalf("map_ceil(map_ceil_and_unmap(%d)) = (%d,%d,%v), want (%d,%d,true)", size, fl, sl, ok, wantFl, wantSl)
		}
	}
}

func TestUnmapIsNonDecreasing(t *testing.T) {
	g, err := newGeometry(8, 16)
	if err != nil {
		t.Fatal(err)
	}

	var prev uintptr
	first := true
	for fl := 0; fl < g.flLen; fl++ {
		for sl := 0; sl < g.slLen; sl++ {
			v := g.unmap(fl, sl)
			if !first && v < prev {
				t.Fatalf("unmap(%d,%d)=%d went backwards from %d", fl, sl, v, prev)
			}
			prev = v
			first = false
		}
	}
}

func TestMaxPoolChunk(t *testing.T) {
	g, err := newGeometry(12, 16)
	if err != nil {
		t.Fatal(err)
	}
	if g.maxPoolChunk() >= uintptr(math.MaxUint32) {
		t.Fatalf("maxPoolChunk() = %d looks unreasonably large for flLen=12", g.maxPoolChunk())
	}
	if fl, _, ok := g.mapFloor(g.maxPoolChunk()); !ok || fl != g.flLen-1 {
		t.Fatalf("maxPoolChunk should floor-map into the top first-level row, got fl=%d ok=%v", fl, ok)
	}
}
