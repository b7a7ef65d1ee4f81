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

// Package virtgputest provides an in-process virtio-gpu kernel driver and
// native context host renderer, for tests and for running without a GPU.
//
// The fake executes the context command stream the way a host renderer
// would: it tracks resources, applies GEM_NEW, GEM_SET_IOVA, GEM_UPLOAD and
// friends, writes responses into the response ring and publishes the last
// processed seqno in shared memory.
package virtgputest

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/vdrm/pkg/abi/ccmd"
	abi "gvisor.dev/vdrm/pkg/abi/virtgpu"
	"gvisor.dev/vdrm/pkg/log"
	"gvisor.dev/vdrm/pkg/sync"
	"gvisor.dev/vdrm/pkg/virtgpu"
)

// DefaultCapset returns the capset reported by a Kernel unless configured
// otherwise.
func DefaultCapset() ccmd.Capset {
	return ccmd.Capset{
		WireFormatVersion: ccmd.WireFormatVersion,
		VersionMajor:      1,
		VersionMinor:      12,
		ContextType:       ccmd.ContextTypeMSM,
		HasCachedCoherent: 1,
		Priorities:        3,
		VAStart:           0x100000000,
		VASize:            0x10000000,
		GPUID:             630,
		GMEMSize:          0x100000,
		ChipID:            0x06030001,
		MaxFreq:           710000000,
	}
}

// DefaultParams returns the GETPARAM values reported by a Kernel unless
// configured otherwise.
func DefaultParams() map[uint64]uint64 {
	return map[uint64]uint64{
		abi.VIRTGPU_PARAM_3D_FEATURES:          1,
		abi.VIRTGPU_PARAM_CAPSET_QUERY_FIX:     1,
		abi.VIRTGPU_PARAM_RESOURCE_BLOB:        1,
		abi.VIRTGPU_PARAM_HOST_VISIBLE:         1,
		abi.VIRTGPU_PARAM_CROSS_DEVICE:         0,
		abi.VIRTGPU_PARAM_CONTEXT_INIT:         1,
		abi.VIRTGPU_PARAM_SUPPORTED_CAPSET_IDs: 1 << abi.VIRTGPU_CAPSET_DRM,
	}
}

// Config configures a Kernel.
type Config struct {
	// Capset is returned by GetCaps for the DRM capset.
	Capset ccmd.Capset

	// Params are returned by GetParam. Missing parameters fail with
	// EINVAL.
	Params map[uint64]uint64

	// Async makes the host process submitted commands on its own goroutine,
	// after Execbuffer and FenceWait have returned. Otherwise commands are
	// processed before Execbuffer returns.
	Async bool
}

// EventKind identifies a recorded Event.
type EventKind int

const (
	// EventCommand is a context command processed by the host.
	EventCommand EventKind = iota

	// EventGemClose is a GEM handle released by the guest.
	EventGemClose
)

// Event is an entry of the host's log.
type Event struct {
	Kind EventKind

	// Hdr and Cmd are set for EventCommand. Cmd is a copy of the encoded
	// command.
	Hdr ccmd.ReqHdr
	Cmd []byte

	// Handle is set for EventGemClose.
	Handle uint32
}

type resource struct {
	handle uint32
	resID  uint32
	blobID uint64
	flags  uint32
	iova   uint64
	name   string
	mem    []byte

	// guestBusy makes a VIRTGPU_WAIT_NOWAIT kernel wait fail with EBUSY.
	guestBusy bool

	// hostBusy is the number of CPU_PREP commands that will still answer
	// -EBUSY.
	hostBusy int
}

// Resource is a snapshot of a host resource.
type Resource struct {
	Handle uint32
	ResID  uint32
	BlobID uint64
	Flags  uint32
	IOVA   uint64
	Name   string
	Data   []byte
}

// mapOffsetShift places the fake mmap offset of each handle.
const mapOffsetShift = 32

// Kernel is a fake virtgpu.Kernel with a fake host renderer behind it.
//
// Kernel is safe for concurrent use.
type Kernel struct {
	cfg Config

	mu sync.Mutex

	// cond is signalled when queue, paused or closed change.
	cond sync.Cond

	// The fields below are protected by mu.
	contextInit bool
	closed      bool
	paused      bool
	queue       [][]byte
	nextHandle  uint32
	nextResID   uint32
	nextFence   int32
	resources   map[uint32]*resource
	fences      map[int32]struct{}
	shmem       *resource
	lastSeqno   uint32
	outOfOrder  int
	events      []Event
	execbuffers int
	failNext    map[string]error
	ioctl       func(cmd uint32, arg []byte) int32

	done chan struct{}
}

var _ virtgpu.Kernel = (*Kernel)(nil)

// New returns a new Kernel. A zero Capset or nil Params select the
// defaults.
func New(cfg Config) *Kernel {
	if cfg.Capset == (ccmd.Capset{}) {
		cfg.Capset = DefaultCapset()
	}
	if cfg.Params == nil {
		cfg.Params = DefaultParams()
	}
	k := &Kernel{
		cfg:        cfg,
		nextHandle: 1,
		nextResID:  1,
		nextFence:  1000,
		resources:  make(map[uint32]*resource),
		fences:     make(map[int32]struct{}),
		failNext:   make(map[string]error),
		done:       make(chan struct{}),
	}
	k.cond.L = &k.mu
	if cfg.Async {
		go k.hostLoop()
	} else {
		close(k.done)
	}
	return k
}

// FailNext makes the next call of the named operation fail with err. Names
// are "get_caps", "context_init", "execbuffer", "create_blob", "map",
// "mmap" and "wait".
func (k *Kernel) FailNext(op string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failNext[op] = err
}

func (k *Kernel) injected(op string) error {
	err, ok := k.failNext[op]
	if !ok {
		return nil
	}
	delete(k.failNext, op)
	return err
}

// SetIoctlHandler sets the host's handler for IOCTL_SIMPLE commands. It
// returns the ioctl's return value and may modify arg, which is copied back
// to the guest for ioctls that read.
func (k *Kernel) SetIoctlHandler(fn func(cmd uint32, arg []byte) int32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ioctl = fn
}

// SetGuestBusy marks handle as busy on the GPU: non-blocking kernel waits
// fail with EBUSY until a blocking wait completes.
func (k *Kernel) SetGuestBusy(handle uint32, busy bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if r, ok := k.resources[handle]; ok {
		r.guestBusy = busy
	}
}

// SetHostBusy makes the next n CPU_PREP commands for handle's resource
// answer -EBUSY.
func (k *Kernel) SetHostBusy(handle uint32, n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if r, ok := k.resources[handle]; ok {
		r.hostBusy = n
	}
}

// SetGlobalFaults sets the GPU fault counter in shared memory.
func (k *Kernel) SetGlobalFaults(v uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.shmem != nil {
		ccmd.ShmemOf(k.shmem.mem).SetGlobalFaults(v)
	}
}

// Pause stops the host from processing submitted commands until Resume.
// Only meaningful with Config.Async. Commands tunnelled through
// RESOURCE_CREATE_BLOB are still processed, along with everything queued
// before them, and so is everything queued before a GemClose.
func (k *Kernel) Pause() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.paused = true
	k.cond.Broadcast()
}

// Resume undoes Pause.
func (k *Kernel) Resume() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.paused = false
	k.cond.Broadcast()
}

// Import creates a resource outside of the context, as if it had been
// imported from another process, and returns its handle.
func (k *Kernel) Import(size uint64) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.newResourceLocked(size, 0).handle
}

// Events returns a copy of the host's log.
func (k *Kernel) Events() []Event {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Event(nil), k.events...)
}

// Commands returns the processed commands, in order.
func (k *Kernel) Commands() []Event {
	var cmds []Event
	for _, e := range k.Events() {
		if e.Kind == EventCommand {
			cmds = append(cmds, e)
		}
	}
	return cmds
}

// Execbuffers returns the number of Execbuffer calls.
func (k *Kernel) Execbuffers() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.execbuffers
}

// OutOfOrder returns the number of commands whose seqno did not follow the
// previous one.
func (k *Kernel) OutOfOrder() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.outOfOrder
}

// Resource returns a snapshot of the resource behind handle.
func (k *Kernel) Resource(handle uint32) (Resource, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, ok := k.resources[handle]
	if !ok {
		return Resource{}, false
	}
	return Resource{
		Handle: r.handle,
		ResID:  r.resID,
		BlobID: r.blobID,
		Flags:  r.flags,
		IOVA:   r.iova,
		Name:   r.name,
		Data:   append([]byte(nil), r.mem...),
	}, true
}

// Live returns the number of open handles.
func (k *Kernel) Live() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.resources)
}

// GetParam implements virtgpu.Kernel.GetParam.
func (k *Kernel) GetParam(param uint64) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.cfg.Params[param]
	if !ok {
		return 0, fmt.Errorf("GETPARAM(%d): %w", param, unix.EINVAL)
	}
	return v, nil
}

// GetCaps implements virtgpu.Kernel.GetCaps.
func (k *Kernel) GetCaps(capsetID, version uint32, dst []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.injected("get_caps"); err != nil {
		return err
	}
	if capsetID != abi.VIRTGPU_CAPSET_DRM {
		return fmt.Errorf("GET_CAPS(%d): %w", capsetID, unix.EINVAL)
	}
	var buf [ccmd.SizeofCapset]byte
	k.cfg.Capset.MarshalBytes(buf[:])
	copy(dst, buf[:])
	return nil
}

// ContextInit implements virtgpu.Kernel.ContextInit.
func (k *Kernel) ContextInit(params map[uint64]uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.injected("context_init"); err != nil {
		return err
	}
	if k.contextInit {
		return unix.EEXIST
	}
	if params[abi.VIRTGPU_CONTEXT_PARAM_CAPSET_ID] != abi.VIRTGPU_CAPSET_DRM {
		return fmt.Errorf("CONTEXT_INIT: capset %d: %w", params[abi.VIRTGPU_CONTEXT_PARAM_CAPSET_ID], unix.EINVAL)
	}
	k.contextInit = true
	return nil
}

func (k *Kernel) newResourceLocked(size uint64, blobID uint64) *resource {
	r := &resource{
		handle: k.nextHandle,
		resID:  k.nextResID,
		blobID: blobID,
		mem:    make([]byte, size),
	}
	k.nextHandle++
	k.nextResID++
	k.resources[r.handle] = r
	return r
}

// ResourceCreateBlob implements virtgpu.Kernel.ResourceCreateBlob.
func (k *Kernel) ResourceCreateBlob(args *virtgpu.BlobArgs) (virtgpu.Blob, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.injected("create_blob"); err != nil {
		return virtgpu.Blob{}, err
	}
	if !k.contextInit {
		return virtgpu.Blob{}, fmt.Errorf("RESOURCE_CREATE_BLOB before CONTEXT_INIT: %w", unix.EINVAL)
	}
	if args.Size == 0 || args.BlobMem != abi.VIRTGPU_BLOB_MEM_HOST3D {
		return virtgpu.Blob{}, fmt.Errorf("RESOURCE_CREATE_BLOB(size %d, mem %d): %w", args.Size, args.BlobMem, unix.EINVAL)
	}
	r := k.newResourceLocked(args.Size, args.BlobID)
	if args.BlobID == 0 && k.shmem == nil {
		k.shmem = r
		ccmd.ShmemOf(r.mem).SetRspMemOffset(ccmd.SizeofShmem)
	}
	if len(args.Command) > 0 {
		// The host sees the tunnelled command after everything submitted
		// before it.
		k.drainLocked()
		k.processLocked(args.Command, r)
	}
	return virtgpu.Blob{Handle: r.handle, ResID: r.resID}, nil
}

// ResourceInfo implements virtgpu.Kernel.ResourceInfo.
func (k *Kernel) ResourceInfo(handle uint32) (uint32, uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	r, ok := k.resources[handle]
	if !ok {
		return 0, 0, unix.ENOENT
	}
	return r.resID, uint32(len(r.mem)), nil
}

// Map implements virtgpu.Kernel.Map.
func (k *Kernel) Map(handle uint32) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.injected("map"); err != nil {
		return 0, err
	}
	if _, ok := k.resources[handle]; !ok {
		return 0, unix.ENOENT
	}
	return uint64(handle) << mapOffsetShift, nil
}

// Mmap implements virtgpu.Kernel.Mmap.
//
// The returned slice aliases the host's copy of the resource.
func (k *Kernel) Mmap(offset uint64, length int) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.injected("mmap"); err != nil {
		return nil, err
	}
	r, ok := k.resources[uint32(offset>>mapOffsetShift)]
	if !ok || offset&(1<<mapOffsetShift-1) != 0 || length > len(r.mem) {
		return nil, unix.EINVAL
	}
	return r.mem[:length:length], nil
}

// Munmap implements virtgpu.Kernel.Munmap.
func (k *Kernel) Munmap(b []byte) error {
	return nil
}

// Wait implements virtgpu.Kernel.Wait.
func (k *Kernel) Wait(handle uint32, flags uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.injected("wait"); err != nil {
		return err
	}
	r, ok := k.resources[handle]
	if !ok {
		return unix.ENOENT
	}
	if r.guestBusy {
		if flags&abi.VIRTGPU_WAIT_NOWAIT != 0 {
			return unix.EBUSY
		}
		r.guestBusy = false
	}
	return nil
}

// GemClose implements virtgpu.Kernel.GemClose.
func (k *Kernel) GemClose(handle uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.resources[handle]; !ok {
		return unix.EINVAL
	}
	// The release follows earlier submissions on the control queue.
	k.drainLocked()
	delete(k.resources, handle)
	k.events = append(k.events, Event{Kind: EventGemClose, Handle: handle})
	return nil
}

// Execbuffer implements virtgpu.Kernel.Execbuffer.
func (k *Kernel) Execbuffer(args *virtgpu.ExecbufArgs) (int32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.injected("execbuffer"); err != nil {
		return -1, err
	}
	if !k.contextInit {
		return -1, unix.EINVAL
	}
	if len(args.Command) == 0 || len(args.Command)%4 != 0 {
		return -1, fmt.Errorf("EXECBUFFER of %d bytes: %w", len(args.Command), unix.EINVAL)
	}
	for _, h := range args.Handles {
		if _, ok := k.resources[h]; !ok {
			return -1, fmt.Errorf("EXECBUFFER references handle %d: %w", h, unix.ENOENT)
		}
	}
	if args.InFence >= 0 {
		if _, ok := k.fences[args.InFence]; !ok {
			return -1, fmt.Errorf("EXECBUFFER in-fence %d: %w", args.InFence, unix.EINVAL)
		}
	}
	k.execbuffers++
	cmd := append([]byte(nil), args.Command...)
	if k.cfg.Async {
		k.queue = append(k.queue, cmd)
		k.cond.Broadcast()
	} else {
		k.processLocked(cmd, nil)
	}
	if !args.OutFence {
		return -1, nil
	}
	fd := k.nextFence
	k.nextFence++
	k.fences[fd] = struct{}{}
	return fd, nil
}

// FenceWait implements virtgpu.Kernel.FenceWait.
//
// Fences signal as soon as the submission is queued to the host.
func (k *Kernel) FenceWait(fd int32, timeout time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.fences[fd]; !ok {
		return unix.EBADF
	}
	delete(k.fences, fd)
	return nil
}

// Close implements virtgpu.Kernel.Close.
func (k *Kernel) Close() error {
	k.mu.Lock()
	k.closed = true
	k.cond.Broadcast()
	k.mu.Unlock()
	<-k.done
	return nil
}

func (k *Kernel) drainLocked() {
	for _, cmd := range k.queue {
		k.processLocked(cmd, nil)
	}
	k.queue = nil
}

func (k *Kernel) hostLoop() {
	defer close(k.done)
	k.mu.Lock()
	defer k.mu.Unlock()
	for {
		for !k.closed && (k.paused || len(k.queue) == 0) {
			k.cond.Wait()
		}
		if k.closed {
			return
		}
		cmd := k.queue[0]
		k.queue = k.queue[1:]
		k.processLocked(cmd, nil)
	}
}

// processLocked executes a batch of commands. blob is the resource being
// created if the batch was tunnelled through RESOURCE_CREATE_BLOB.
//
// Preconditions: k.mu is locked.
func (k *Kernel) processLocked(batch []byte, blob *resource) {
	err := ccmd.Split(batch, func(hdr ccmd.ReqHdr, cmd []byte) error {
		if hdr.Seqno != k.lastSeqno+1 {
			log.Warningf("virtgputest: %v seqno %d after %d", hdr.Cmd, hdr.Seqno, k.lastSeqno)
			k.outOfOrder++
		}
		k.lastSeqno = hdr.Seqno
		k.events = append(k.events, Event{Kind: EventCommand, Hdr: hdr, Cmd: append([]byte(nil), cmd...)})
		if err := k.execLocked(hdr, cmd, blob); err != nil {
			log.Warningf("virtgputest: %v seqno %d failed: %v", hdr.Cmd, hdr.Seqno, err)
			if k.shmem != nil {
				ccmd.ShmemOf(k.shmem.mem).IncAsyncError()
			}
		}
		if k.shmem != nil {
			ccmd.ShmemOf(k.shmem.mem).SetSeqno(hdr.Seqno)
		}
		return nil
	})
	if err != nil {
		log.Warningf("virtgputest: malformed batch: %v", err)
		if k.shmem != nil {
			ccmd.ShmemOf(k.shmem.mem).IncAsyncError()
		}
	}
}

func (k *Kernel) byResIDLocked(resID uint32) (*resource, error) {
	for _, r := range k.resources {
		if r.resID == resID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no resource %d", resID)
}

// rspLocked returns the response slot of hdr, of size bytes.
func (k *Kernel) rspLocked(hdr ccmd.ReqHdr, size int) ([]byte, error) {
	if k.shmem == nil {
		return nil, fmt.Errorf("no shared memory")
	}
	sh := ccmd.ShmemOf(k.shmem.mem)
	ring := k.shmem.mem[sh.RspMemOffset():]
	if int(hdr.RspOff)+size > len(ring) {
		return nil, fmt.Errorf("response [%d, %d) outside of %d byte ring", hdr.RspOff, int(hdr.RspOff)+size, len(ring))
	}
	return ring[hdr.RspOff : int(hdr.RspOff)+size], nil
}

func (k *Kernel) respondLocked(hdr ccmd.ReqHdr, ret int32, payload []byte) error {
	rsp, err := k.rspLocked(hdr, ccmd.SizeofRspHdr+len(payload))
	if err != nil {
		return err
	}
	copy(rsp[ccmd.SizeofRspHdr:], payload)
	h := ccmd.RspHdr{Len: uint32(len(rsp)), Ret: ret}
	h.MarshalBytes(rsp)
	return nil
}

func (k *Kernel) execLocked(hdr ccmd.ReqHdr, cmd []byte, blob *resource) error {
	switch hdr.Cmd {
	case ccmd.CmdNop, ccmd.CmdGemSubmit, ccmd.CmdSetDebuginfo:
		return nil

	case ccmd.CmdGemNew:
		var req ccmd.GemNewReq
		req.UnmarshalBytes(cmd)
		if blob == nil || blob.blobID != uint64(req.BlobID) {
			return fmt.Errorf("GEM_NEW for blob %d outside of its RESOURCE_CREATE_BLOB", req.BlobID)
		}
		if req.Size > uint64(len(blob.mem)) {
			return fmt.Errorf("GEM_NEW size %d larger than blob of %d", req.Size, len(blob.mem))
		}
		blob.iova = req.IOVA
		blob.flags = req.Flags
		return nil

	case ccmd.CmdGemSetIOVA:
		var req ccmd.GemSetIOVAReq
		req.UnmarshalBytes(cmd)
		r, err := k.byResIDLocked(req.ResID)
		if err != nil {
			return err
		}
		r.iova = req.IOVA
		return nil

	case ccmd.CmdGemSetName:
		var req ccmd.GemSetNameReq
		req.UnmarshalBytes(cmd)
		r, err := k.byResIDLocked(req.ResID)
		if err != nil {
			return err
		}
		r.name = req.Name
		return nil

	case ccmd.CmdGemUpload:
		var req ccmd.GemUploadReq
		req.UnmarshalBytes(cmd)
		r, err := k.byResIDLocked(req.ResID)
		if err != nil {
			return err
		}
		if int(req.Off)+len(req.Payload) > len(r.mem) {
			return fmt.Errorf("GEM_UPLOAD [%d, %d) outside of %d byte resource", req.Off, int(req.Off)+len(req.Payload), len(r.mem))
		}
		copy(r.mem[req.Off:], req.Payload)
		return nil

	case ccmd.CmdGemCPUPrep:
		var req ccmd.GemCPUPrepReq
		req.UnmarshalBytes(cmd)
		r, err := k.byResIDLocked(req.ResID)
		if err != nil {
			return k.respondLocked(hdr, -int32(unix.ENOENT), nil)
		}
		if r.hostBusy > 0 {
			r.hostBusy--
			return k.respondLocked(hdr, -int32(unix.EBUSY), nil)
		}
		return k.respondLocked(hdr, 0, nil)

	case ccmd.CmdIoctlSimple:
		var req ccmd.IoctlSimpleReq
		req.UnmarshalBytes(cmd)
		size := int(abi.IOC_SIZE(req.Cmd))
		if size > len(req.Payload) {
			return k.respondLocked(hdr, -int32(unix.EINVAL), nil)
		}
		arg := append([]byte(nil), req.Payload[:size]...)
		var ret int32
		if k.ioctl != nil {
			ret = k.ioctl(req.Cmd, arg)
		}
		if abi.IOC_DIR(req.Cmd)&abi.IOC_READ == 0 {
			arg = nil
		}
		return k.respondLocked(hdr, ret, arg)

	case ccmd.CmdSubmitqueueQuery:
		var req ccmd.SubmitqueueQueryReq
		req.UnmarshalBytes(cmd)
		return k.respondLocked(hdr, 0, make([]byte, ccmd.Align4(int(req.Len))))

	case ccmd.CmdWaitFence:
		return k.respondLocked(hdr, 0, nil)

	default:
		return fmt.Errorf("unknown command %v", hdr.Cmd)
	}
}
