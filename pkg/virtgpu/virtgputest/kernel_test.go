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

package virtgputest

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/vdrm/pkg/abi/ccmd"
	abi "gvisor.dev/vdrm/pkg/abi/virtgpu"
	"gvisor.dev/vdrm/pkg/virtgpu"
)

// setup initializes a context and its shared memory blob.
func setup(t *testing.T, cfg Config) (*Kernel, ccmd.Shmem) {
	t.Helper()
	k := New(cfg)
	t.Cleanup(func() { k.Close() })
	if err := k.ContextInit(map[uint64]uint64{abi.VIRTGPU_CONTEXT_PARAM_CAPSET_ID: abi.VIRTGPU_CAPSET_DRM}); err != nil {
		t.Fatalf("ContextInit: %v", err)
	}
	blob, err := k.ResourceCreateBlob(&virtgpu.BlobArgs{BlobMem: abi.VIRTGPU_BLOB_MEM_HOST3D, Size: 0x1000})
	if err != nil {
		t.Fatalf("ResourceCreateBlob: %v", err)
	}
	off, err := k.Map(blob.Handle)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	mem, err := k.Mmap(off, 0x1000)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	return k, ccmd.ShmemOf(mem)
}

func batch(reqs ...ccmd.Request) []byte {
	var b []byte
	for _, r := range reqs {
		b = append(b, ccmd.Marshal(r)...)
	}
	return b
}

func TestGetCaps(t *testing.T) {
	k := New(Config{})
	defer k.Close()
	buf := make([]byte, ccmd.SizeofCapset)
	if err := k.GetCaps(abi.VIRTGPU_CAPSET_DRM, 0, buf); err != nil {
		t.Fatalf("GetCaps: %v", err)
	}
	var c ccmd.Capset
	c.UnmarshalBytes(buf)
	if c != DefaultCapset() {
		t.Errorf("GetCaps() = %v, want %v", &c, DefaultCapset())
	}
	if err := k.GetCaps(abi.VIRTGPU_CAPSET_VENUS, 0, buf); !errors.Is(err, unix.EINVAL) {
		t.Errorf("GetCaps(venus) error = %v, want EINVAL", err)
	}
	k.FailNext("get_caps", unix.EIO)
	if err := k.GetCaps(abi.VIRTGPU_CAPSET_DRM, 0, buf); !errors.Is(err, unix.EIO) {
		t.Errorf("GetCaps() after FailNext: error = %v, want EIO", err)
	}
	if err := k.GetCaps(abi.VIRTGPU_CAPSET_DRM, 0, buf); err != nil {
		t.Errorf("GetCaps() fails more than once: %v", err)
	}
}

func TestExecbufferBeforeContextInit(t *testing.T) {
	k := New(Config{})
	defer k.Close()
	if _, err := k.Execbuffer(&virtgpu.ExecbufArgs{Command: batch(&ccmd.NopReq{}), InFence: -1}); !errors.Is(err, unix.EINVAL) {
		t.Errorf("Execbuffer() error = %v, want EINVAL", err)
	}
}

func TestShmemLayout(t *testing.T) {
	_, shm := setup(t, Config{})
	if got := shm.RspMemOffset(); got != ccmd.SizeofShmem {
		t.Errorf("RspMemOffset() = %d, want %d", got, ccmd.SizeofShmem)
	}
}

func TestSeqnoTracking(t *testing.T) {
	k, shm := setup(t, Config{})
	cmds := batch(&ccmd.NopReq{}, &ccmd.NopReq{})
	ccmd.ByteOrder.PutUint32(cmds[ccmd.ReqHdrSeqnoOffset:], 1)
	ccmd.ByteOrder.PutUint32(cmds[ccmd.SizeofReqHdr+ccmd.ReqHdrSeqnoOffset:], 3)
	if _, err := k.Execbuffer(&virtgpu.ExecbufArgs{Command: cmds, InFence: -1}); err != nil {
		t.Fatalf("Execbuffer: %v", err)
	}
	if got := shm.Seqno(); got != 3 {
		t.Errorf("Seqno() = %d, want 3", got)
	}
	if got := k.OutOfOrder(); got != 1 {
		t.Errorf("OutOfOrder() = %d, want 1", got)
	}
}

func TestFailedCommandCountsAsyncError(t *testing.T) {
	k, shm := setup(t, Config{})
	req := ccmd.GemSetIOVAReq{Hdr: ccmd.ReqHdr{Seqno: 1}, ResID: 1234, IOVA: 0x1000}
	if _, err := k.Execbuffer(&virtgpu.ExecbufArgs{Command: batch(&req), InFence: -1}); err != nil {
		t.Fatalf("Execbuffer: %v", err)
	}
	if got := shm.AsyncError(); got != 1 {
		t.Errorf("AsyncError() = %d, want 1", got)
	}
	if got := shm.Seqno(); got != 1 {
		t.Errorf("Seqno() = %d, want 1", got)
	}
}

func TestGemNewOutsideOfBlob(t *testing.T) {
	k, shm := setup(t, Config{})
	req := ccmd.GemNewReq{Hdr: ccmd.ReqHdr{Seqno: 1}, IOVA: 0x100000000, Size: 0x1000, BlobID: 1}
	if _, err := k.Execbuffer(&virtgpu.ExecbufArgs{Command: batch(&req), InFence: -1}); err != nil {
		t.Fatalf("Execbuffer: %v", err)
	}
	if got := shm.AsyncError(); got != 1 {
		t.Errorf("AsyncError() = %d, want 1", got)
	}

	req.Hdr.Seqno = 2
	blob, err := k.ResourceCreateBlob(&virtgpu.BlobArgs{
		BlobMem: abi.VIRTGPU_BLOB_MEM_HOST3D,
		Size:    0x1000,
		BlobID:  1,
		Command: batch(&req),
	})
	if err != nil {
		t.Fatalf("ResourceCreateBlob: %v", err)
	}
	r, _ := k.Resource(blob.Handle)
	if r.IOVA != req.IOVA || r.BlobID != 1 {
		t.Errorf("Resource() = %+v, want bound at %#x", r, req.IOVA)
	}
	if got := shm.AsyncError(); got != 1 {
		t.Errorf("AsyncError() = %d, want 1", got)
	}
}

func TestResponses(t *testing.T) {
	k, shm := setup(t, Config{})
	k.SetIoctlHandler(func(cmd uint32, arg []byte) int32 {
		arg[0] = 7
		return 1
	})
	rsp := shm.Bytes()[shm.RspMemOffset():]
	cmd := abi.IOC(abi.IOC_READ|abi.IOC_WRITE, abi.DRM_IOCTL_BASE, abi.DRM_COMMAND_BASE, 4)
	req := ccmd.IoctlSimpleReq{Hdr: ccmd.ReqHdr{Seqno: 1, RspOff: 64}, Cmd: cmd, Payload: make([]byte, 4)}
	if _, err := k.Execbuffer(&virtgpu.ExecbufArgs{Command: batch(&req), InFence: -1}); err != nil {
		t.Fatalf("Execbuffer: %v", err)
	}
	var hdr ccmd.RspHdr
	hdr.UnmarshalBytes(rsp[64:])
	if hdr.Ret != 1 || hdr.Len != ccmd.SizeofRspHdr+4 {
		t.Errorf("response header = %+v", hdr)
	}
	if rsp[64+ccmd.SizeofRspHdr] != 7 {
		t.Errorf("response payload = %v", rsp[64+ccmd.SizeofRspHdr:64+ccmd.SizeofRspHdr+4])
	}
}

func TestFences(t *testing.T) {
	k, _ := setup(t, Config{})
	fence, err := k.Execbuffer(&virtgpu.ExecbufArgs{Command: batch(&ccmd.NopReq{Hdr: ccmd.ReqHdr{Seqno: 1}}), InFence: -1, OutFence: true})
	if err != nil {
		t.Fatalf("Execbuffer: %v", err)
	}
	if fence < 0 {
		t.Fatalf("no out fence")
	}
	if _, err := k.Execbuffer(&virtgpu.ExecbufArgs{Command: batch(&ccmd.NopReq{Hdr: ccmd.ReqHdr{Seqno: 2}}), InFence: fence}); err != nil {
		t.Errorf("Execbuffer waiting on fence %d: %v", fence, err)
	}
	if err := k.FenceWait(fence, time.Second); err != nil {
		t.Errorf("FenceWait: %v", err)
	}
	if err := k.FenceWait(fence, time.Second); !errors.Is(err, unix.EBADF) {
		t.Errorf("FenceWait of closed fence: error = %v, want EBADF", err)
	}
	if _, err := k.Execbuffer(&virtgpu.ExecbufArgs{Command: batch(&ccmd.NopReq{}), InFence: fence}); !errors.Is(err, unix.EINVAL) {
		t.Errorf("Execbuffer with closed in fence: error = %v, want EINVAL", err)
	}
}

func TestAsyncPause(t *testing.T) {
	k, shm := setup(t, Config{Async: true})
	k.Pause()
	if _, err := k.Execbuffer(&virtgpu.ExecbufArgs{Command: batch(&ccmd.NopReq{Hdr: ccmd.ReqHdr{Seqno: 1}}), InFence: -1}); err != nil {
		t.Fatalf("Execbuffer: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if got := shm.Seqno(); got != 0 {
		t.Fatalf("paused host processed seqno %d", got)
	}
	k.Resume()
	deadline := time.Now().Add(10 * time.Second)
	for shm.Seqno() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("host did not process the command after Resume")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGemClose(t *testing.T) {
	k, _ := setup(t, Config{})
	h := k.Import(0x2000)
	if got := k.Live(); got != 2 {
		t.Fatalf("Live() = %d, want 2", got)
	}
	if err := k.GemClose(h); err != nil {
		t.Fatalf("GemClose: %v", err)
	}
	if err := k.GemClose(h); !errors.Is(err, unix.EINVAL) {
		t.Errorf("second GemClose: error = %v, want EINVAL", err)
	}
	events := k.Events()
	if last := events[len(events)-1]; last.Kind != EventGemClose || last.Handle != h {
		t.Errorf("last event = %+v, want close of %d", last, h)
	}
}

func TestGemCloseAfterQueuedCommands(t *testing.T) {
	k, shm := setup(t, Config{Async: true})
	h := k.Import(0x2000)
	r, _ := k.Resource(h)
	k.Pause()
	unbind := &ccmd.GemSetIOVAReq{Hdr: ccmd.ReqHdr{Seqno: 1}, ResID: r.ResID}
	if _, err := k.Execbuffer(&virtgpu.ExecbufArgs{Command: batch(unbind), InFence: -1}); err != nil {
		t.Fatalf("Execbuffer: %v", err)
	}
	if err := k.GemClose(h); err != nil {
		t.Fatalf("GemClose: %v", err)
	}
	if got := shm.Seqno(); got != 1 {
		t.Errorf("host seqno after GemClose = %d, want 1", got)
	}
	if got := shm.AsyncError(); got != 0 {
		t.Errorf("AsyncError() = %d, want 0", got)
	}
	events := k.Events()
	if len(events) < 2 {
		t.Fatalf("events = %+v", events)
	}
	cmd, closed := events[len(events)-2], events[len(events)-1]
	if cmd.Kind != EventCommand || cmd.Hdr.Cmd != ccmd.CmdGemSetIOVA || closed.Kind != EventGemClose || closed.Handle != h {
		t.Errorf("last events = %+v, %+v; want GEM_SET_IOVA then close of %d", cmd, closed, h)
	}
}
