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

// Package vdrm implements the guest side of a virtio-gpu DRM native context.
//
// A native context lets a GPU driver in the guest talk to the host's kernel
// driver almost directly: driver ioctls are encoded as context commands
// ("ccmds") and tunnelled through DRM_IOCTL_VIRTGPU_EXECBUFFER to a host
// renderer, which replays them. Commands are batched, and each carries a
// seqno. The host publishes the seqno of the last command it processed in a
// shared memory page, and writes command results into a response ring in
// the same page.
//
// Lock ordering:
//
//	BO.mu
//	  Device.submitMu
//	    Device.rspMu
//	    Device.vaMu
package vdrm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/vdrm/pkg/abi/ccmd"
	abi "gvisor.dev/vdrm/pkg/abi/virtgpu"
	"gvisor.dev/vdrm/pkg/cleanup"
	"gvisor.dev/vdrm/pkg/log"
	"gvisor.dev/vdrm/pkg/sync"
	"gvisor.dev/vdrm/pkg/vaheap"
	"gvisor.dev/vdrm/pkg/virtgpu"
)

// Device is a native context on a virtio-gpu device.
type Device struct {
	kernel virtgpu.Kernel
	opts   Options
	caps   ccmd.Capset

	// log is rate limited, for failures that may repeat on every command.
	log log.Logger

	// ctrl is the control buffer. shmem and rsp point into its mapping.
	ctrl  *BO
	shmem ccmd.Shmem
	rsp   []byte

	// nextBlobID is the last blob id handed out.
	nextBlobID atomic.Uint32

	// submitMu serializes seqno assignment with batch appends and kernel
	// submissions, so that the host sees commands in seqno order.
	submitMu sync.Mutex

	// nextSeqno is the last seqno assigned. Protected by submitMu.
	nextSeqno uint32

	// batch holds encoded commands not yet submitted and handles the
	// handles they reference. Protected by submitMu.
	batch   []byte
	handles []uint32
	pending int

	// rspMu protects rspOff.
	rspMu sync.Mutex

	// rspOff is the next free offset in the response ring.
	rspOff uint32

	// vaMu protects va.
	vaMu sync.Mutex
	va   *vaheap.Heap

	stats stats
}

// capsetVersion is the version of the DRM capset requested from the kernel.
const capsetVersion = 0

// numRings is the number of timelines requested at context creation.
const numRings = 64

// Open creates a native context on k. It fails with an error wrapping
// ErrUnsupported if the kernel or the host cannot provide one, in which case
// the caller should use another transport. On success the Device owns k.
//
// opts may be nil.
func Open(k virtgpu.Kernel, opts *Options) (*Device, error) {
	d := &Device{
		kernel: k,
		opts:   opts.withDefaults(),
	}
	d.log = log.RateLimitedLogger(d.opts.Logger, time.Second)

	for _, p := range []struct {
		param uint64
		name  string
	}{
		{abi.VIRTGPU_PARAM_CONTEXT_INIT, "CONTEXT_INIT"},
		{abi.VIRTGPU_PARAM_RESOURCE_BLOB, "RESOURCE_BLOB"},
	} {
		v, err := k.GetParam(p.param)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %v: %w", p.name, err, ErrUnsupported)
		}
		if v == 0 {
			return nil, fmt.Errorf("kernel lacks %s: %w", p.name, ErrUnsupported)
		}
	}

	var buf [ccmd.SizeofCapset]byte
	if err := k.GetCaps(abi.VIRTGPU_CAPSET_DRM, capsetVersion, buf[:]); err != nil {
		return nil, fmt.Errorf("querying DRM capset: %v: %w", err, ErrUnsupported)
	}
	d.caps.UnmarshalBytes(buf[:])
	if err := d.checkCaps(); err != nil {
		return nil, err
	}
	d.opts.Logger.Infof("vdrm: host capset %v", &d.caps)

	if err := k.ContextInit(map[uint64]uint64{
		abi.VIRTGPU_CONTEXT_PARAM_CAPSET_ID:       abi.VIRTGPU_CAPSET_DRM,
		abi.VIRTGPU_CONTEXT_PARAM_NUM_RINGS:       numRings,
		abi.VIRTGPU_CONTEXT_PARAM_POLL_RINGS_MASK: 0,
	}); err != nil {
		return nil, fmt.Errorf("initializing context: %w", err)
	}

	d.batch = make([]byte, 0, d.opts.BatchCapacity)
	d.va = vaheap.New(d.caps.VAStart, d.caps.VASize)

	if err := d.initControlBuffer(); err != nil {
		return nil, err
	}
	if d.opts.DebugInfo {
		d.sendDebugInfo()
	}
	return d, nil
}

func (d *Device) checkCaps() error {
	c := &d.caps
	switch {
	case c.WireFormatVersion != ccmd.WireFormatVersion:
		return fmt.Errorf("wire format version %d, want %d: %w", c.WireFormatVersion, ccmd.WireFormatVersion, ErrUnsupported)
	case c.VersionMajor != 1:
		return fmt.Errorf("protocol version %d.%d, want 1.x: %w", c.VersionMajor, c.VersionMinor, ErrUnsupported)
	case c.VersionMinor < d.opts.MinVersionMinor:
		return fmt.Errorf("protocol version %d.%d older than 1.%d: %w", c.VersionMajor, c.VersionMinor, d.opts.MinVersionMinor, ErrUnsupported)
	case c.VASize == 0:
		return fmt.Errorf("host reports no GPU address space: %w", ErrUnsupported)
	}
	return nil
}

// initControlBuffer allocates and maps the control buffer, which has no GPU
// address.
func (d *Device) initControlBuffer() error {
	blob, err := d.createBlob(d.opts.ShmemSize, abi.VIRTGPU_BLOB_FLAG_USE_MAPPABLE, 0, nil)
	if err != nil {
		return fmt.Errorf("allocating control buffer: %w", err)
	}
	ctrl := d.newBO(d.opts.ShmemSize, blob, 0, false)
	cu := cleanup.Make(ctrl.DecRef)
	defer cu.Clean()

	mem, err := ctrl.Map()
	if err != nil {
		return fmt.Errorf("mapping control buffer: %w", err)
	}
	d.shmem = ccmd.ShmemOf(mem)
	off := d.shmem.RspMemOffset()
	if off < ccmd.SizeofShmem || uint64(off) >= d.opts.ShmemSize {
		return fmt.Errorf("response ring at %d in %d byte control buffer: %w", off, d.opts.ShmemSize, ErrUnsupported)
	}
	d.rsp = mem[off:]
	d.ctrl = ctrl
	cu.Release()
	return nil
}

func (d *Device) sendDebugInfo() {
	req := ccmd.SetDebuginfoReq{
		Comm:    filepath.Base(os.Args[0]),
		Cmdline: strings.Join(os.Args, " "),
	}
	room := d.opts.BatchCapacity - ccmd.SizeofSetDebuginfoReq - len(req.Comm)
	if room < 0 {
		return
	}
	if len(req.Cmdline) > room {
		req.Cmdline = req.Cmdline[:room]
	}
	if _, err := d.Enqueue(&req); err != nil {
		d.log.Warningf("vdrm: sending debug info: %v", err)
	}
}

// Caps returns the capset negotiated with the host.
func (d *Device) Caps() ccmd.Capset {
	return d.caps
}

// Kernel returns the kernel driver interface of d.
func (d *Device) Kernel() virtgpu.Kernel {
	return d.kernel
}

// AllocIOVA allocates size bytes of GPU virtual address space. It returns 0
// if the address space is exhausted.
func (d *Device) AllocIOVA(size uint64) uint64 {
	d.vaMu.Lock()
	defer d.vaMu.Unlock()
	return d.va.Alloc(size)
}

// FreeIOVA releases address space returned by AllocIOVA.
func (d *Device) FreeIOVA(iova, size uint64) {
	d.vaMu.Lock()
	defer d.vaMu.Unlock()
	d.va.Free(iova, size)
}

// encode marshals req into dst, which has room for it, and stamps seqno.
func encode(dst []byte, req ccmd.Request, seqno uint32) {
	req.MarshalBytes(dst)
	ccmd.ByteOrder.PutUint32(dst[ccmd.ReqHdrSeqnoOffset:], seqno)
}

// checkSize returns the encoded size of req, or an error if it cannot be
// submitted.
func (d *Device) checkSize(req ccmd.Request) (int, error) {
	size := req.SizeBytes()
	if size < ccmd.SizeofReqHdr || size%4 != 0 {
		return 0, fmt.Errorf("malformed %d byte command: %w", size, unix.EINVAL)
	}
	if size > d.opts.BatchCapacity {
		return 0, fmt.Errorf("%d byte command larger than %d byte batch: %w", size, d.opts.BatchCapacity, ErrNoSpace)
	}
	return size, nil
}

// assignSeqnoLocked returns the next seqno.
//
// Preconditions: d.submitMu is locked.
func (d *Device) assignSeqnoLocked() uint32 {
	d.nextSeqno++
	d.stats.enqueued.Add(1)
	return d.nextSeqno
}

// Enqueue appends req to the pending batch and returns its seqno. handles
// are the GEM handles the command references. The batch is flushed first if
// req does not fit.
func (d *Device) Enqueue(req ccmd.Request, handles ...uint32) (uint32, error) {
	size, err := d.checkSize(req)
	if err != nil {
		return 0, err
	}
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	if len(d.batch)+size > cap(d.batch) {
		if err := d.flushLocked(); err != nil {
			return 0, err
		}
	}
	seqno := d.assignSeqnoLocked()
	off := len(d.batch)
	d.batch = d.batch[:off+size]
	encode(d.batch[off:], req, seqno)
	d.handles = append(d.handles, handles...)
	d.pending++
	return seqno, nil
}

// EnqueueSync submits req on its own, after any pending batch, and waits
// until the host has processed it. Its response, if any, is then available
// in the response slot it names.
func (d *Device) EnqueueSync(ctx context.Context, req ccmd.Request, handles ...uint32) (uint32, error) {
	size, err := d.checkSize(req)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, size)

	d.submitMu.Lock()
	if err := d.flushLocked(); err != nil {
		d.submitMu.Unlock()
		return 0, err
	}
	seqno := d.assignSeqnoLocked()
	d.stats.syncRequests.Add(1)
	encode(buf, req, seqno)
	fence, err := d.execbufLocked(&virtgpu.ExecbufArgs{
		Command:  buf,
		Handles:  handles,
		InFence:  -1,
		OutFence: true,
	})
	d.submitMu.Unlock()
	if err != nil {
		return 0, err
	}

	// The fence only says that the host transport has the command.
	if err := d.kernel.FenceWait(fence, -1); err != nil {
		return 0, fmt.Errorf("waiting for submission of seqno %d: %w", seqno, err)
	}
	return seqno, d.HostSync(ctx, seqno)
}

// Flush submits the pending batch. It does nothing if the batch is empty.
func (d *Device) Flush() error {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	return d.flushLocked()
}

// Preconditions: d.submitMu is locked.
func (d *Device) flushLocked() error {
	if d.pending == 0 {
		return nil
	}
	n := d.pending
	_, err := d.execbufLocked(&virtgpu.ExecbufArgs{
		Command: d.batch,
		Handles: d.handles,
		InFence: -1,
	})
	d.batch = d.batch[:0]
	d.handles = d.handles[:0]
	d.pending = 0
	d.stats.flushes.Add(1)
	if err != nil {
		return fmt.Errorf("flushing %d commands: %w", n, err)
	}
	return nil
}

// Preconditions: d.submitMu is locked.
func (d *Device) execbufLocked(args *virtgpu.ExecbufArgs) (int32, error) {
	d.stats.execbuffers.Add(1)
	d.stats.bytesSubmitted.Add(uint64(len(args.Command)))
	fence, err := d.kernel.Execbuffer(args)
	if err != nil {
		d.log.Warningf("vdrm: execbuffer of %d bytes failed: %v", len(args.Command), err)
		return -1, err
	}
	return fence, nil
}

// HostSync waits until the host has processed the command with the given
// seqno, and so every command before it.
//
// HostSync has no timeout unless ctx has a deadline or
// Options.HostSyncTimeout is set, in which case it may fail with
// ErrTimedOut.
func (d *Device) HostSync(ctx context.Context, seqno uint32) error {
	if d.opts.HostSyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.HostSyncTimeout)
		defer cancel()
	}
	spins, err := sync.SpinUntil(ctx, func() bool {
		return !ccmd.SeqnoBefore(d.shmem.Seqno(), seqno)
	})
	d.stats.hostSyncSpins.Add(spins)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimedOut
		}
		return fmt.Errorf("waiting for host seqno %d, at %d: %w", seqno, d.shmem.Seqno(), err)
	}
	return nil
}

// rspAlign is the alignment of response slots.
const rspAlign = 8

// AllocRspSlot claims a zeroed slot of size bytes in the response ring, and
// returns its offset for ccmd.ReqHdr.RspOff along with the slot itself. The
// ring wraps to its start when it is full.
//
// The slot is only valid until the ring wraps around to it again, so the
// response must be consumed before further synchronous commands are issued.
func (d *Device) AllocRspSlot(size int) (uint32, []byte) {
	sz := (size + rspAlign - 1) &^ (rspAlign - 1)
	if sz > len(d.rsp) {
		panic(fmt.Sprintf("response of %d bytes does not fit in %d byte ring", size, len(d.rsp)))
	}
	d.rspMu.Lock()
	if int(d.rspOff)+sz >= len(d.rsp) {
		d.rspOff = 0
	}
	off := d.rspOff
	d.rspOff += uint32(sz)
	d.rspMu.Unlock()

	slot := d.rsp[off : int(off)+size]
	clear(slot)
	return off, slot
}

// IoctlPassthrough executes a driver ioctl on the host and waits for it.
// arg must be exactly as large as the ioctl's argument; for ioctls that read
// it is updated with the host's copy. A negative result from the host is
// returned as a unix.Errno.
func (d *Device) IoctlPassthrough(ctx context.Context, cmd uint32, arg []byte) error {
	if size := int(abi.IOC_SIZE(cmd)); len(arg) != size {
		return fmt.Errorf("ioctl %#x takes %d bytes, got %d: %w", cmd, size, len(arg), unix.EINVAL)
	}
	read := abi.IOC_DIR(cmd)&abi.IOC_READ != 0
	rspLen := ccmd.SizeofRspHdr
	if read {
		rspLen += len(arg)
	}
	off, slot := d.AllocRspSlot(rspLen)
	req := ccmd.IoctlSimpleReq{
		Hdr:     ccmd.ReqHdr{RspOff: off},
		Cmd:     cmd,
		Payload: arg,
	}
	if _, err := d.EnqueueSync(ctx, &req); err != nil {
		return err
	}
	var rsp ccmd.RspHdr
	rsp.UnmarshalBytes(slot)
	if read {
		copy(arg, slot[ccmd.SizeofRspHdr:])
	}
	if rsp.Ret < 0 {
		return unix.Errno(-rsp.Ret)
	}
	return nil
}

// ExecbufArgs are the arguments of Device.Execbuf.
type ExecbufArgs struct {
	// Req is the submission, typically a ccmd.GemSubmitReq.
	Req ccmd.Request

	// Handles are the GEM handles referenced by the submission.
	Handles []uint32

	// Ring is the timeline the submission is ordered on.
	Ring uint32

	// InFence is a sync file to wait for before execution, or -1.
	InFence int32

	// OutFence requests a sync file signalled when the submission retires.
	OutFence bool
}

// Execbuf submits a GPU job on its own ring, after the pending batch. It
// returns the out-fence if one was requested, and the job's seqno.
func (d *Device) Execbuf(args *ExecbufArgs) (int32, uint32, error) {
	size, err := d.checkSize(args.Req)
	if err != nil {
		return -1, 0, err
	}
	buf := make([]byte, size)

	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	if err := d.flushLocked(); err != nil {
		return -1, 0, err
	}
	seqno := d.assignSeqnoLocked()
	encode(buf, args.Req, seqno)
	fence, err := d.execbufLocked(&virtgpu.ExecbufArgs{
		Command:  buf,
		Handles:  args.Handles,
		InFence:  args.InFence,
		OutFence: args.OutFence,
		Ring:     args.Ring,
		HasRing:  true,
	})
	if err != nil {
		return -1, 0, err
	}
	return fence, seqno, nil
}

// createBlob creates a blob resource. If req is not nil, it is tunnelled
// with the creation and assigned a seqno; it is ordered after any pending
// batch.
func (d *Device) createBlob(size uint64, blobFlags uint32, blobID uint32, req ccmd.Request) (virtgpu.Blob, error) {
	args := virtgpu.BlobArgs{
		BlobMem:   abi.VIRTGPU_BLOB_MEM_HOST3D,
		BlobFlags: blobFlags,
		Size:      size,
		BlobID:    uint64(blobID),
	}
	var buf []byte
	if req != nil {
		n, err := d.checkSize(req)
		if err != nil {
			return virtgpu.Blob{}, err
		}
		buf = make([]byte, n)
	}

	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	if req != nil {
		if err := d.flushLocked(); err != nil {
			return virtgpu.Blob{}, err
		}
		encode(buf, req, d.assignSeqnoLocked())
		args.Command = buf
	}
	blob, err := d.kernel.ResourceCreateBlob(&args)
	if err != nil {
		d.log.Warningf("vdrm: creating %d byte blob %d failed: %v", size, blobID, err)
		return virtgpu.Blob{}, err
	}
	return blob, nil
}

// AsyncErrors returns the number of batched commands that failed on the
// host. Batched commands have no response, so this is the only way their
// failures are reported.
func (d *Device) AsyncErrors() uint32 {
	return d.shmem.AsyncError()
}

// GlobalFaults returns the host's GPU fault counter.
func (d *Device) GlobalFaults() uint32 {
	return d.shmem.GlobalFaults()
}

// HostSeqno returns the seqno of the last command processed by the host.
func (d *Device) HostSeqno() uint32 {
	return d.shmem.Seqno()
}

// Close flushes pending commands and releases the device and its kernel
// file. Buffer objects must all have been released.
func (d *Device) Close() error {
	err := d.Flush()
	if d.ctrl != nil {
		d.ctrl.DecRef()
		d.ctrl = nil
	}
	if n := d.stats.liveBOs.Load(); n != 0 {
		d.opts.Logger.Warningf("vdrm: closing device with %d live buffer objects", n)
	}
	if cerr := d.kernel.Close(); err == nil {
		err = cerr
	}
	return err
}
