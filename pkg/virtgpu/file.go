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

package virtgpu

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	abi "gvisor.dev/vdrm/pkg/abi/virtgpu"
	"gvisor.dev/vdrm/pkg/log"
)

// File is a virtio-gpu render node.
type File struct {
	fd int32
}

var _ Kernel = (*File)(nil)

// Open opens the render node at path.
func Open(path string) (*File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	return &File{fd: int32(fd)}, nil
}

// NewFile returns a File for an already open render node. The File takes
// ownership of fd.
func NewFile(fd int) *File {
	return &File{fd: int32(fd)}
}

// Dup returns a File for a duplicate of fd. The caller keeps ownership of
// fd.
func Dup(fd int) (*File, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup(%d): %w", fd, err)
	}
	return &File{fd: int32(nfd)}, nil
}

// FD returns the file descriptor.
func (f *File) FD() int {
	return int(f.fd)
}

// driverName is the kernel driver bound to virtio-gpu devices.
const driverName = "virtio_gpu"

// FindRenderNode returns the path of the first render node driven by the
// virtio-gpu driver. sysfs is normally "/sys".
func FindRenderNode(sysfs string) (string, error) {
	nodes, err := filepath.Glob(filepath.Join(sysfs, "class", "drm", "renderD*"))
	if err != nil {
		return "", err
	}
	for _, node := range nodes {
		driver, err := os.Readlink(filepath.Join(node, "device", "driver"))
		if err != nil {
			log.Debugf("Skipping %s: %v", node, err)
			continue
		}
		if filepath.Base(driver) != driverName {
			log.Debugf("Skipping %s: driver %s", node, filepath.Base(driver))
			continue
		}
		return filepath.Join("/dev/dri", filepath.Base(node)), nil
	}
	return "", fmt.Errorf("no %s render node in %s: %w", driverName, sysfs, os.ErrNotExist)
}

// GetParam implements Kernel.GetParam.
func (f *File) GetParam(param uint64) (uint64, error) {
	var value int32
	if err := f.getParam(param, &value); err != nil {
		return 0, fmt.Errorf("DRM_IOCTL_VIRTGPU_GETPARAM(%d): %w", param, err)
	}
	return uint64(value), nil
}

// GetCaps implements Kernel.GetCaps.
func (f *File) GetCaps(capsetID, version uint32, dst []byte) error {
	if err := f.getCaps(capsetID, version, dst); err != nil {
		return fmt.Errorf("DRM_IOCTL_VIRTGPU_GET_CAPS(capset %d): %w", capsetID, err)
	}
	return nil
}

// ContextInit implements Kernel.ContextInit.
func (f *File) ContextInit(params map[uint64]uint64) error {
	ps := make([]abi.DrmVirtgpuContextSetParam, 0, len(params))
	for p, v := range params {
		ps = append(ps, abi.DrmVirtgpuContextSetParam{Param: p, Value: v})
	}
	if err := f.contextInit(ps); err != nil {
		return fmt.Errorf("DRM_IOCTL_VIRTGPU_CONTEXT_INIT: %w", err)
	}
	return nil
}

// Execbuffer implements Kernel.Execbuffer.
func (f *File) Execbuffer(args *ExecbufArgs) (int32, error) {
	eb := abi.DrmVirtgpuExecbuffer{
		Size:         uint32(len(args.Command)),
		NumBOHandles: uint32(len(args.Handles)),
		FenceFD:      -1,
	}
	if args.InFence >= 0 {
		eb.Flags |= abi.VIRTGPU_EXECBUF_FENCE_FD_IN
		eb.FenceFD = args.InFence
	}
	if args.OutFence {
		eb.Flags |= abi.VIRTGPU_EXECBUF_FENCE_FD_OUT
	}
	if args.HasRing {
		eb.Flags |= abi.VIRTGPU_EXECBUF_RING_IDX
		eb.RingIdx = args.Ring
	}
	if err := f.execbuffer(&eb, args.Command, args.Handles); err != nil {
		return -1, fmt.Errorf("DRM_IOCTL_VIRTGPU_EXECBUFFER(%d bytes): %w", len(args.Command), err)
	}
	if !args.OutFence {
		return -1, nil
	}
	return eb.FenceFD, nil
}

// ResourceCreateBlob implements Kernel.ResourceCreateBlob.
func (f *File) ResourceCreateBlob(args *BlobArgs) (Blob, error) {
	req := abi.DrmVirtgpuResourceCreateBlob{
		BlobMem:   args.BlobMem,
		BlobFlags: args.BlobFlags,
		Size:      args.Size,
		CmdSize:   uint32(len(args.Command)),
		BlobID:    args.BlobID,
	}
	if err := f.resourceCreateBlob(&req, args.Command); err != nil {
		return Blob{}, fmt.Errorf("DRM_IOCTL_VIRTGPU_RESOURCE_CREATE_BLOB(size %d, blob %d): %w", args.Size, args.BlobID, err)
	}
	return Blob{Handle: req.BOHandle, ResID: req.ResHandle}, nil
}

// ResourceInfo implements Kernel.ResourceInfo.
func (f *File) ResourceInfo(handle uint32) (uint32, uint32, error) {
	info := abi.DrmVirtgpuResourceInfo{BOHandle: handle}
	if _, err := IOCTLInvokePtrArg(f.fd, abi.DRM_IOCTL_VIRTGPU_RESOURCE_INFO, &info); err != nil {
		return 0, 0, fmt.Errorf("DRM_IOCTL_VIRTGPU_RESOURCE_INFO(%d): %w", handle, err)
	}
	return info.ResHandle, info.Size, nil
}

// Map implements Kernel.Map.
func (f *File) Map(handle uint32) (uint64, error) {
	m := abi.DrmVirtgpuMap{Handle: handle}
	if _, err := IOCTLInvokePtrArg(f.fd, abi.DRM_IOCTL_VIRTGPU_MAP, &m); err != nil {
		return 0, fmt.Errorf("DRM_IOCTL_VIRTGPU_MAP(%d): %w", handle, err)
	}
	return m.Offset, nil
}

// Mmap implements Kernel.Mmap.
func (f *File) Mmap(offset uint64, length int) ([]byte, error) {
	b, err := unix.Mmap(int(f.fd), int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap(offset %#x, length %d): %w", offset, length, err)
	}
	return b, nil
}

// Munmap implements Kernel.Munmap.
func (f *File) Munmap(b []byte) error {
	return unix.Munmap(b)
}

// Wait implements Kernel.Wait.
func (f *File) Wait(handle uint32, flags uint32) error {
	w := abi.DrmVirtgpuWait{Handle: handle, Flags: flags}
	if _, err := IOCTLInvokePtrArg(f.fd, abi.DRM_IOCTL_VIRTGPU_WAIT, &w); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return unix.EBUSY
		}
		return fmt.Errorf("DRM_IOCTL_VIRTGPU_WAIT(%d): %w", handle, err)
	}
	return nil
}

// GemClose implements Kernel.GemClose.
func (f *File) GemClose(handle uint32) error {
	c := abi.DrmGemClose{Handle: handle}
	if _, err := IOCTLInvokePtrArg(f.fd, abi.DRM_IOCTL_GEM_CLOSE, &c); err != nil {
		return fmt.Errorf("DRM_IOCTL_GEM_CLOSE(%d): %w", handle, err)
	}
	return nil
}

// FenceWait implements Kernel.FenceWait.
func (f *File) FenceWait(fd int32, timeout time.Duration) error {
	defer unix.Close(int(fd))
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	deadline := time.Now().Add(timeout)
	for {
		fds := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		switch {
		case err == unix.EINTR || err == unix.EAGAIN:
			if ms >= 0 {
				ms = max(0, int(time.Until(deadline).Milliseconds()))
			}
			continue
		case err != nil:
			return fmt.Errorf("poll(fence %d): %w", fd, err)
		case n == 0:
			return unix.ETIME
		case fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0:
			return fmt.Errorf("poll(fence %d): revents %#x: %w", fd, fds[0].Revents, unix.EINVAL)
		default:
			return nil
		}
	}
}

// Close implements Kernel.Close.
func (f *File) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(int(f.fd))
	f.fd = -1
	return err
}

// String implements fmt.Stringer.
func (f *File) String() string {
	return fmt.Sprintf("virtgpu:%d", f.fd)
}
