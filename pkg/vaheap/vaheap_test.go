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

package vaheap

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAllocWithinBounds(t *testing.T) {
	const start, size = 0x100000000, 0x100000
	h := New(start, size)
	var live []Range
	for {
		addr := h.Alloc(0x3000)
		if addr == 0 {
			break
		}
		r := Range{Start: addr, Length: 0x3000}
		if r.Start < start || r.End() > start+size {
			t.Fatalf("Alloc returned %v outside [%#x, %#x)", r, start, start+size)
		}
		if addr%Alignment != 0 {
			t.Fatalf("Alloc returned unaligned %#x", addr)
		}
		for _, o := range live {
			if o.Overlaps(r) {
				t.Fatalf("Alloc returned %v overlapping live %v", r, o)
			}
		}
		live = append(live, r)
	}
	if got, want := len(live), size/0x3000; got != want {
		t.Errorf("got %d allocations, want %d", got, want)
	}
}

func TestZeroSize(t *testing.T) {
	h := New(0x1000, 0)
	if addr := h.Alloc(0x1000); addr != 0 {
		t.Errorf("Alloc on empty heap = %#x, want 0", addr)
	}
	h = New(0x1000, 0x10000)
	if addr := h.Alloc(0); addr != 0 {
		t.Errorf("Alloc(0) = %#x, want 0", addr)
	}
}

func TestNeverReturnsZero(t *testing.T) {
	h := New(0, 0x4000)
	if got, want := h.Bounds(), (Range{Start: 0x1000, Length: 0x3000}); got != want {
		t.Errorf("Bounds() = %v, want %v", got, want)
	}
	for i := 0; i < 3; i++ {
		if addr := h.Alloc(1); addr == 0 {
			t.Fatalf("Alloc #%d failed", i)
		}
	}
}

func TestBoundsRounding(t *testing.T) {
	h := New(0x10800, 0x10000)
	if got, want := h.Bounds(), (Range{Start: 0x11000, Length: 0xf000}); got != want {
		t.Errorf("Bounds() = %v, want %v", got, want)
	}
}

func TestBestFit(t *testing.T) {
	h := New(0x10000, 0x10000)
	a := h.Alloc(0x1000)
	b := h.Alloc(0x4000)
	c := h.Alloc(0x1000)
	d := h.Alloc(0x2000)
	_ = h.Alloc(0x1000)
	h.Free(b, 0x4000)
	h.Free(d, 0x2000)
	// Free: [b, b+0x4000), [d, d+0x2000) and the tail. A 0x2000 request must
	// land in the 0x2000 hole.
	if got := h.Alloc(0x2000); got != d {
		t.Errorf("Alloc(0x2000) = %#x, want %#x", got, d)
	}
	if got := h.Alloc(0x3000); got != b {
		t.Errorf("Alloc(0x3000) = %#x, want %#x", got, b)
	}
	_, _ = a, c
}

func TestCoalesce(t *testing.T) {
	h := New(0x10000, 0x4000)
	addrs := make([]uint64, 4)
	for i := range addrs {
		addrs[i] = h.Alloc(0x1000)
	}
	if h.Alloc(0x1000) != 0 {
		t.Fatalf("heap not exhausted")
	}
	for _, i := range []int{1, 3, 0, 2} {
		h.Free(addrs[i], 0x1000)
	}
	want := []Range{{Start: 0x10000, Length: 0x4000}}
	if diff := cmp.Diff(want, h.FreeRanges()); diff != "" {
		t.Errorf("FreeRanges() mismatch (-want +got):\n%s", diff)
	}
	if h.InUse() != 0 {
		t.Errorf("InUse() = %d, want 0", h.InUse())
	}
	if got := h.Alloc(0x4000); got != 0x10000 {
		t.Errorf("Alloc(0x4000) = %#x, want 0x10000", got)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	h := New(0x10000, 0x4000)
	addr := h.Alloc(0x1000)
	h.Free(addr, 0x1000)
	defer func() {
		if recover() == nil {
			t.Errorf("double Free did not panic")
		}
	}()
	h.Free(addr, 0x1000)
}

func TestRandomized(t *testing.T) {
	const start, size = 0x40000000, 0x400000
	h := New(start, size)
	rng := rand.New(rand.NewSource(1))
	live := map[uint64]uint64{}
	for i := 0; i < 5000; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			for addr, sz := range live {
				h.Free(addr, sz)
				delete(live, addr)
				break
			}
			continue
		}
		sz := uint64(rng.Intn(8)+1) * Alignment
		addr := h.Alloc(sz)
		if addr == 0 {
			continue
		}
		r := Range{Start: addr, Length: sz}
		for oa, os := range live {
			if r.Overlaps(Range{Start: oa, Length: os}) {
				t.Fatalf("iteration %d: %v overlaps live [%#x, %#x)", i, r, oa, oa+os)
			}
		}
		live[addr] = sz
	}
	var total uint64
	for _, sz := range live {
		total += sz
	}
	if h.InUse() != total {
		t.Errorf("InUse() = %d, want %d", h.InUse(), total)
	}
}
