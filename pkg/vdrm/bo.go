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

package vdrm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"gvisor.dev/vdrm/pkg/abi/ccmd"
	abi "gvisor.dev/vdrm/pkg/abi/virtgpu"
	"gvisor.dev/vdrm/pkg/cleanup"
	"gvisor.dev/vdrm/pkg/refs"
	"gvisor.dev/vdrm/pkg/sync"
	"gvisor.dev/vdrm/pkg/virtgpu"
	"gvisor.dev/vdrm/pkg/winsys"
)

// pageSize is the granularity of buffer object sizes.
const pageSize = 0x1000

// maxNameLen is the longest debug label sent to the host.
const maxNameLen = 32

// cpuPrepTimeout is the timeout, in nanoseconds, of a host CPU_PREP.
const cpuPrepTimeout = 5 * uint64(time.Second)

// BO is a buffer object of a Device. It is reference counted; the initial
// reference belongs to the caller that created it.
type BO struct {
	refs.Refs

	dev     *Device
	size    uint64
	handle  uint32
	resID   uint32
	iova    uint64
	shared  bool
	created time.Time

	// mu protects the fields below.
	mu sync.Mutex

	// offset is the mmap offset, valid if hasOffset.
	offset    uint64
	hasOffset bool

	// mapping is the CPU mapping, established by Map.
	mapping []byte

	// mapped is set once Offset has succeeded. It is never cleared.
	mapped bool

	// uploadPending is set when an Upload has not been waited for;
	// uploadSeqno is the seqno of its last chunk.
	uploadPending bool
	uploadSeqno   uint32
}

var _ winsys.BO = (*BO)(nil)

func (d *Device) newBO(size uint64, blob virtgpu.Blob, iova uint64, shared bool) *BO {
	bo := &BO{
		dev:     d,
		size:    size,
		handle:  blob.Handle,
		resID:   blob.ResID,
		iova:    iova,
		shared:  shared,
		created: d.opts.Now(),
	}
	bo.InitRefs("vdrm.BO")
	d.stats.liveBOs.Add(1)
	return bo
}

func roundUpPage(size uint64) uint64 {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// hostFlags translates usage flags to the host's resource flags.
func hostFlags(flags winsys.BOFlags) uint32 {
	var f uint32
	if flags&winsys.BOScanout != 0 {
		f |= ccmd.BOScanout
	}
	if flags&winsys.BOGPUReadOnly != 0 {
		f |= ccmd.BOGPUReadOnly
	}
	if flags&winsys.BOCachedCoherent != 0 {
		f |= ccmd.BOCachedCoherent
	} else {
		f |= ccmd.BOWC
	}
	return f
}

// blobFlags translates usage flags to kernel blob flags.
func blobFlags(flags winsys.BOFlags) uint32 {
	var f uint32
	if flags&winsys.BONoMap == 0 {
		f |= abi.VIRTGPU_BLOB_FLAG_USE_MAPPABLE
	}
	if flags&(winsys.BOShared|winsys.BOScanout) != 0 {
		f |= abi.VIRTGPU_BLOB_FLAG_USE_SHAREABLE | abi.VIRTGPU_BLOB_FLAG_USE_CROSS_DEVICE
	}
	return f
}

// NewBO allocates a buffer object of size bytes, rounded up to a page, and
// binds it at a fresh GPU address.
//
// The address is allocated before the kernel resource, so that the
// GEM_NEW command tunnelled with the creation can carry it. The host
// matches the two through the blob id.
func (d *Device) NewBO(size uint64, flags winsys.BOFlags) (*BO, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero sized buffer object: %w", unix.EINVAL)
	}
	size = roundUpPage(size)
	iova := d.AllocIOVA(size)
	if iova == 0 {
		return nil, fmt.Errorf("allocating %d bytes of GPU address space: %w", size, ErrNoSpace)
	}
	cu := cleanup.Make(func() { d.FreeIOVA(iova, size) })
	defer cu.Clean()

	blobID := d.nextBlobID.Add(1)
	req := ccmd.GemNewReq{
		IOVA:   iova,
		Size:   size,
		Flags:  hostFlags(flags),
		BlobID: blobID,
	}
	blob, err := d.createBlob(size, blobFlags(flags), blobID, &req)
	if err != nil {
		return nil, fmt.Errorf("creating %d byte buffer object (%v): %w", size, flags, err)
	}
	bo := d.newBO(size, blob, iova, flags&(winsys.BOShared|winsys.BOScanout) != 0)
	cu.Release()
	return bo, nil
}

// BOFromHandle wraps a buffer object imported into this file, for instance
// from a dma-buf, and binds it at a fresh GPU address. Imported buffers are
// shared, so CPUPrep synchronizes with the host.
func (d *Device) BOFromHandle(size uint64, handle uint32) (*BO, error) {
	resID, _, err := d.kernel.ResourceInfo(handle)
	if err != nil {
		return nil, fmt.Errorf("querying imported handle %d: %w", handle, err)
	}
	size = roundUpPage(size)
	iova := d.AllocIOVA(size)
	if iova == 0 {
		return nil, fmt.Errorf("allocating %d bytes of GPU address space: %w", size, ErrNoSpace)
	}
	cu := cleanup.Make(func() { d.FreeIOVA(iova, size) })
	defer cu.Clean()

	if _, err := d.Enqueue(&ccmd.GemSetIOVAReq{IOVA: iova, ResID: resID}); err != nil {
		return nil, fmt.Errorf("binding imported handle %d: %w", handle, err)
	}
	bo := d.newBO(size, virtgpu.Blob{Handle: handle, ResID: resID}, iova, true)
	cu.Release()
	return bo, nil
}

// Size returns the size of bo in bytes.
func (bo *BO) Size() uint64 {
	return bo.size
}

// Handle returns the GEM handle of bo.
func (bo *BO) Handle() uint32 {
	return bo.handle
}

// ResID returns the host resource id of bo.
func (bo *BO) ResID() uint32 {
	return bo.resID
}

// IOVA returns the GPU address of bo. It is 0 only for the control buffer.
func (bo *BO) IOVA() uint64 {
	return bo.iova
}

// Shared returns true if bo may be accessed by other contexts.
func (bo *BO) Shared() bool {
	return bo.shared
}

// Offset returns the mmap offset of bo. If an upload is pending, it first
// waits until the host has written it, so that a mapping never observes
// stale contents.
func (bo *BO) Offset() (uint64, error) {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	return bo.offsetLocked()
}

// Preconditions: bo.mu is locked.
func (bo *BO) offsetLocked() (uint64, error) {
	if bo.uploadPending {
		if err := bo.dev.Flush(); err != nil {
			return 0, err
		}
		if err := bo.dev.HostSync(context.Background(), bo.uploadSeqno); err != nil {
			return 0, err
		}
		bo.uploadPending = false
	}
	if !bo.hasOffset {
		off, err := bo.dev.kernel.Map(bo.handle)
		if err != nil {
			return 0, err
		}
		bo.offset = off
		bo.hasOffset = true
	}
	bo.mapped = true
	return bo.offset, nil
}

// Map returns a CPU mapping of the whole buffer object. The mapping is
// established on first use and lives as long as bo.
func (bo *BO) Map() ([]byte, error) {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	if bo.mapping != nil {
		return bo.mapping, nil
	}
	off, err := bo.offsetLocked()
	if err != nil {
		return nil, err
	}
	m, err := bo.dev.kernel.Mmap(off, int(bo.size))
	if err != nil {
		return nil, err
	}
	bo.mapping = m
	return m, nil
}

// CPUPrep waits until the CPU may access bo for op.
//
// It always waits for the guest kernel's view of GPU activity. For shared
// buffers without explicit synchronization, it then asks the host, which
// answers busy instead of blocking, and polls until the host reports the
// buffer idle. With winsys.PrepNoSync it returns ErrBusy rather than wait.
func (bo *BO) CPUPrep(ctx context.Context, op winsys.PrepOp, explicitSync bool) error {
	var flags uint32
	if op&winsys.PrepNoSync != 0 {
		flags |= abi.VIRTGPU_WAIT_NOWAIT
	}
	if err := bo.dev.kernel.Wait(bo.handle, flags); err != nil {
		if errors.Is(err, unix.EBUSY) || errors.Is(err, unix.ETIME) {
			return ErrBusy
		}
		return err
	}
	if !bo.shared || explicitSync {
		return nil
	}

	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if n := bo.dev.opts.CPUPrepRetries; n > 0 {
		b = backoff.WithMaxRetries(b, n)
	}
	return backoff.Retry(func() error {
		err := bo.hostCPUPrep(ctx, op)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrBusy) && op&winsys.PrepNoSync == 0:
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(b, ctx))
}

// hostCPUPrep issues one CPU_PREP to the host.
func (bo *BO) hostCPUPrep(ctx context.Context, op winsys.PrepOp) error {
	off, slot := bo.dev.AllocRspSlot(ccmd.SizeofRspHdr)
	req := ccmd.GemCPUPrepReq{
		Hdr:     ccmd.ReqHdr{RspOff: off},
		ResID:   bo.resID,
		Op:      uint32(op &^ winsys.PrepNoSync),
		Timeout: cpuPrepTimeout,
	}
	if _, err := bo.dev.EnqueueSync(ctx, &req); err != nil {
		return err
	}
	var rsp ccmd.RspHdr
	rsp.UnmarshalBytes(slot)
	if rsp.Ret < 0 {
		return unix.Errno(-rsp.Ret)
	}
	return nil
}

// CPUFini ends a CPU access. Nothing needs to be done.
func (bo *BO) CPUFini() {}

// Upload writes src into bo at off through the host, without mapping bo.
// The write is split into commands of at most Options.UploadChunkSize
// bytes, which are batched; a later Offset or Map waits for them.
func (bo *BO) Upload(src []byte, off uint64) error {
	if off+uint64(len(src)) > bo.size {
		return fmt.Errorf("upload of [%d, %d) outside of %d byte buffer object: %w", off, off+uint64(len(src)), bo.size, unix.EINVAL)
	}
	if off+uint64(len(src)) > math.MaxUint32 {
		return fmt.Errorf("upload of [%d, %d) beyond the 32-bit upload offset: %w", off, off+uint64(len(src)), unix.EINVAL)
	}
	if len(src) == 0 {
		return nil
	}
	chunk := bo.dev.opts.UploadChunkSize
	var seqno uint32
	for len(src) > 0 {
		n := min(len(src), chunk)
		var err error
		seqno, err = bo.dev.Enqueue(&ccmd.GemUploadReq{
			ResID:   bo.resID,
			Off:     uint32(off),
			Payload: src[:n],
		})
		if err != nil {
			return err
		}
		src = src[n:]
		off += uint64(n)
	}

	// Concurrent uploads may get here out of order; keep the newest seqno.
	bo.mu.Lock()
	if !bo.uploadPending || ccmd.SeqnoBefore(bo.uploadSeqno, seqno) {
		bo.uploadSeqno = seqno
	}
	bo.uploadPending = true
	bo.mu.Unlock()
	return nil
}

// PendingUpload returns the seqno of the last chunk of an upload that has
// not been waited for yet.
func (bo *BO) PendingUpload() (uint32, bool) {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	return bo.uploadSeqno, bo.uploadPending
}

// PreferUpload returns true if writing n bytes is better done with Upload
// than through a mapping: bo has never been mapped, n is small and bo is
// young.
func (bo *BO) PreferUpload(n int) bool {
	bo.mu.Lock()
	mapped := bo.mapped
	bo.mu.Unlock()
	if mapped || n > bo.dev.opts.UploadMaxSize {
		return false
	}
	return bo.dev.opts.Now().Sub(bo.created) < bo.dev.opts.UploadMaxAge
}

// SetName attaches a debug label to bo on the host. Buffers without a GPU
// address are not named.
func (bo *BO) SetName(name string) {
	if bo.iova == 0 {
		return
	}
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	if _, err := bo.dev.Enqueue(&ccmd.GemSetNameReq{ResID: bo.resID, Name: name}); err != nil {
		bo.dev.log.Warningf("vdrm: naming buffer object %d: %v", bo.handle, err)
	}
}

// DecRef releases a reference, destroying bo with the last one.
func (bo *BO) DecRef() {
	bo.Refs.DecRef(bo.destroy)
}

// destroy unbinds bo at the host, returns its address space and closes its
// handle.
//
// The unbind is flushed before the handle is closed, and is queued before
// the address can be handed out again.
func (bo *BO) destroy() {
	d := bo.dev
	if bo.mapping != nil {
		if err := d.kernel.Munmap(bo.mapping); err != nil {
			d.log.Warningf("vdrm: unmapping buffer object %d: %v", bo.handle, err)
		}
		bo.mapping = nil
	}
	if bo.iova != 0 {
		if _, err := d.Enqueue(&ccmd.GemSetIOVAReq{ResID: bo.resID}); err != nil {
			// The host may still have the range bound, so it is leaked.
			d.log.Warningf("vdrm: unbinding buffer object %d, leaking [%#x, %#x): %v", bo.handle, bo.iova, bo.iova+bo.size, err)
		} else {
			d.FreeIOVA(bo.iova, bo.size)
		}
		if err := d.Flush(); err != nil {
			d.log.Warningf("vdrm: flushing unbind of buffer object %d: %v", bo.handle, err)
		}
	}
	if err := d.kernel.GemClose(bo.handle); err != nil {
		d.log.Warningf("vdrm: closing buffer object %d: %v", bo.handle, err)
	}
	d.stats.liveBOs.Add(-1)
}

// String implements fmt.Stringer.
func (bo *BO) String() string {
	return fmt.Sprintf("BO{handle: %d, res: %d, iova: %#x, size: %d}", bo.handle, bo.resID, bo.iova, bo.size)
}
