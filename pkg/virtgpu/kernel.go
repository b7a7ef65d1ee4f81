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

// Package virtgpu provides access to the Linux virtio-gpu DRM driver from a
// guest.
//
// Kernel is the set of driver operations used by the native context
// transport. File implements it over a render node; the virtgputest package
// provides an in-process fake.
package virtgpu

import (
	"time"
)

// ExecbufArgs are the arguments of Kernel.Execbuffer.
type ExecbufArgs struct {
	// Command is the opaque command stream, passed to the host unmodified.
	Command []byte

	// Handles are the GEM handles referenced by Command. The kernel keeps
	// them alive until the submission retires.
	Handles []uint32

	// InFence is a sync file the submission waits for, or -1.
	InFence int32

	// OutFence requests a sync file that signals when the host transport
	// has consumed the submission.
	OutFence bool

	// Ring selects a timeline. It is only passed to the kernel if HasRing
	// is set.
	Ring    uint32
	HasRing bool
}

// BlobArgs are the arguments of Kernel.ResourceCreateBlob.
type BlobArgs struct {
	BlobMem   uint32
	BlobFlags uint32
	Size      uint64
	BlobID    uint64

	// Command is delivered to the host along with the resource creation.
	Command []byte
}

// Blob is a resource created by Kernel.ResourceCreateBlob.
type Blob struct {
	// Handle is the GEM handle, local to the file.
	Handle uint32

	// ResID is the host resource id.
	ResID uint32
}

// Kernel is the virtio-gpu driver interface.
//
// All errors returned by Kernel implementations are unix.Errno values,
// possibly wrapped.
type Kernel interface {
	// GetParam returns the value of a VIRTGPU_PARAM_* parameter.
	GetParam(param uint64) (uint64, error)

	// GetCaps copies capset capsetID at the given version into dst.
	GetCaps(capsetID, version uint32, dst []byte) error

	// ContextInit initializes the GPU context of this file. It may only be
	// called once.
	ContextInit(params map[uint64]uint64) error

	// Execbuffer submits a command stream. If args.OutFence is set, it
	// returns the out-fence sync file, which the caller must pass to
	// FenceWait.
	Execbuffer(args *ExecbufArgs) (int32, error)

	// ResourceCreateBlob creates a blob resource.
	ResourceCreateBlob(args *BlobArgs) (Blob, error)

	// ResourceInfo returns the host resource id and size of handle.
	ResourceInfo(handle uint32) (resID uint32, size uint32, err error)

	// Map returns the offset at which handle can be mmapped.
	Map(handle uint32) (uint64, error)

	// Mmap maps length bytes at a Map offset.
	Mmap(offset uint64, length int) ([]byte, error)

	// Munmap unmaps memory returned by Mmap.
	Munmap(b []byte) error

	// Wait waits for the GPU to be done with handle. With
	// VIRTGPU_WAIT_NOWAIT in flags, it returns EBUSY instead of blocking.
	Wait(handle uint32, flags uint32) error

	// GemClose releases handle.
	GemClose(handle uint32) error

	// FenceWait waits up to timeout for the sync file fd to signal and
	// closes it. A negative timeout waits forever.
	FenceWait(fd int32, timeout time.Duration) error

	// Close releases the file and every resource created through it.
	Close() error
}
