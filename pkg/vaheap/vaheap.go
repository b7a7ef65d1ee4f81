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

// Package vaheap provides a best-fit allocator of GPU virtual address ranges.
//
// Free ranges are indexed twice: by (size, address) to find the best fit and
// by address to coalesce neighbours on free. A Heap is not safe for
// concurrent use; callers serialize access.
package vaheap

import (
	"fmt"

	"github.com/google/btree"
)

// Alignment is the granularity of every range handed out by a Heap.
const Alignment = 0x1000

const degree = 8

// Range is a half-open address range [Start, Start+Length).
type Range struct {
	Start  uint64
	Length uint64
}

// End returns the exclusive end of r.
func (r Range) End() uint64 {
	return r.Start + r.Length
}

// Overlaps returns true if r and o share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End())
}

func lessBySize(a, b Range) bool {
	if a.Length != b.Length {
		return a.Length < b.Length
	}
	return a.Start < b.Start
}

func lessByAddr(a, b Range) bool {
	return a.Start < b.Start
}

// Heap is a best-fit virtual address allocator.
type Heap struct {
	bounds Range
	bySize *btree.BTreeG[Range]
	byAddr *btree.BTreeG[Range]
	inUse  uint64
}

// New returns a Heap managing [start, start+size). start is rounded up and
// the end rounded down to Alignment. Address 0 is never handed out.
func New(start, size uint64) *Heap {
	end := (start + size) &^ (Alignment - 1)
	start = roundUp(start)
	if start == 0 {
		start = Alignment
	}
	h := &Heap{
		bySize: btree.NewG(degree, lessBySize),
		byAddr: btree.NewG(degree, lessByAddr),
	}
	if end > start {
		h.bounds = Range{Start: start, Length: end - start}
		h.insert(h.bounds)
	}
	return h
}

func roundUp(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

func (h *Heap) insert(r Range) {
	h.bySize.ReplaceOrInsert(r)
	h.byAddr.ReplaceOrInsert(r)
}

func (h *Heap) remove(r Range) {
	h.bySize.Delete(r)
	h.byAddr.Delete(r)
}

// Bounds returns the range managed by h.
func (h *Heap) Bounds() Range {
	return h.bounds
}

// InUse returns the number of allocated bytes.
func (h *Heap) InUse() uint64 {
	return h.inUse
}

// Alloc returns the start of a free range of at least size bytes, rounded up
// to Alignment. It returns 0 if size is 0 or no free range is large enough.
//
// Among the free ranges that fit, the smallest is chosen, lowest address
// first.
func (h *Heap) Alloc(size uint64) uint64 {
	if size == 0 || size > h.bounds.Length {
		return 0
	}
	size = roundUp(size)
	var fit Range
	found := false
	h.bySize.AscendGreaterOrEqual(Range{Length: size}, func(r Range) bool {
		fit = r
		found = true
		return false
	})
	if !found {
		return 0
	}
	h.remove(fit)
	if fit.Length > size {
		h.insert(Range{Start: fit.Start + size, Length: fit.Length - size})
	}
	h.inUse += size
	return fit.Start
}

// Free returns [addr, addr+size) to the heap, merging it with adjacent free
// ranges. It panics if the range is outside the heap or overlaps a free
// range, both of which indicate a double free.
func (h *Heap) Free(addr, size uint64) {
	if addr == 0 || size == 0 {
		return
	}
	r := Range{Start: addr, Length: roundUp(size)}
	if r.Start < h.bounds.Start || r.End() > h.bounds.End() {
		panic(fmt.Sprintf("vaheap: freeing %v outside of %v", r, h.bounds))
	}

	var prev, next Range
	hasPrev, hasNext := false, false
	h.byAddr.DescendLessOrEqual(r, func(p Range) bool {
		prev, hasPrev = p, true
		return false
	})
	h.byAddr.AscendGreaterOrEqual(r, func(n Range) bool {
		next, hasNext = n, true
		return false
	})
	if hasPrev && prev.Overlaps(r) || hasNext && next.Overlaps(r) {
		panic(fmt.Sprintf("vaheap: freeing %v which is already free", r))
	}

	h.inUse -= r.Length
	if hasPrev && prev.End() == r.Start {
		h.remove(prev)
		r = Range{Start: prev.Start, Length: prev.Length + r.Length}
	}
	if hasNext && r.End() == next.Start {
		h.remove(next)
		r.Length += next.Length
	}
	h.insert(r)
}

// FreeRanges returns the free ranges in address order.
func (h *Heap) FreeRanges() []Range {
	rs := make([]Range, 0, h.byAddr.Len())
	h.byAddr.Ascend(func(r Range) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// String implements fmt.Stringer.
func (h *Heap) String() string {
	return fmt.Sprintf("vaheap %v: %d bytes in use, free %v", h.bounds, h.inUse, h.FreeRanges())
}
