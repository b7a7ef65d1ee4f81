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

package ccmd

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Shmem is an in-place view of the shared memory header. Every accessor is
// atomic, since the host updates the header concurrently with the guest.
type Shmem struct {
	b []byte
}

// ShmemOf returns a view of the header at the start of b. b must be at
// least SizeofShmem bytes and 4-byte aligned.
func ShmemOf(b []byte) Shmem {
	if len(b) < SizeofShmem {
		panic(fmt.Sprintf("shared memory of %d bytes is smaller than its header", len(b)))
	}
	if uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		panic(fmt.Sprintf("shared memory at %p is not 4-byte aligned", &b[0]))
	}
	return Shmem{b: b}
}

func (s Shmem) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.b[off]))
}

// Seqno returns the seqno of the last command processed by the host.
func (s Shmem) Seqno() uint32 {
	return atomic.LoadUint32(s.word(ShmemSeqnoOffset))
}

// SetSeqno publishes the seqno of the last command processed by the host.
// Writes to the response ring made before SetSeqno are visible to a guest
// that observes the new value.
func (s Shmem) SetSeqno(v uint32) {
	atomic.StoreUint32(s.word(ShmemSeqnoOffset), v)
}

// RspMemOffset returns the offset of the response ring.
func (s Shmem) RspMemOffset() uint32 {
	return atomic.LoadUint32(s.word(ShmemRspMemOffsetOffset))
}

// SetRspMemOffset sets the offset of the response ring.
func (s Shmem) SetRspMemOffset(v uint32) {
	atomic.StoreUint32(s.word(ShmemRspMemOffsetOffset), v)
}

// AsyncError returns the number of batched commands that failed on the host.
func (s Shmem) AsyncError() uint32 {
	return atomic.LoadUint32(s.word(ShmemAsyncErrorOffset))
}

// IncAsyncError records a failed batched command.
func (s Shmem) IncAsyncError() {
	atomic.AddUint32(s.word(ShmemAsyncErrorOffset), 1)
}

// GlobalFaults returns the GPU fault counter.
func (s Shmem) GlobalFaults() uint32 {
	return atomic.LoadUint32(s.word(ShmemGlobalFaultsOffset))
}

// SetGlobalFaults sets the GPU fault counter.
func (s Shmem) SetGlobalFaults(v uint32) {
	atomic.StoreUint32(s.word(ShmemGlobalFaultsOffset), v)
}

// Bytes returns the whole shared memory region.
func (s Shmem) Bytes() []byte {
	return s.b
}

// SeqnoBefore returns true if seqno a precedes b, allowing for wraparound.
func SeqnoBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
