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
	"runtime"
	"unsafe"

	"golang.org/x/exp/constraints"
	"golang.org/x/sys/unix"
	abi "gvisor.dev/vdrm/pkg/abi/virtgpu"
)

// IOCTLInvokePtrArg makes ioctl syscalls with the command of the integer type
// and the pointer to any given params.
func IOCTLInvokePtrArg[Cmd constraints.Integer, Params any](fd int32, cmd Cmd, params *Params) (uintptr, error) {
	n, err := IOCTLInvoke[Cmd, uintptr](fd, cmd, uintptr(unsafe.Pointer(params)))
	runtime.KeepAlive(params)
	return n, err
}

// IOCTLInvoke makes ioctl syscalls with the arg of the integer type. It
// retries on EINTR, as drmIoctl does.
func IOCTLInvoke[Cmd, Arg constraints.Integer](fd int32, cmd Cmd, arg Arg) (uintptr, error) {
	for {
		n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(cmd), uintptr(arg))
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		if errno != 0 {
			return n, errno
		}
		return n, nil
	}
}

func bytesAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func (f *File) getParam(param uint64, value *int32) error {
	p := abi.DrmVirtgpuGetParam{
		Param: param,
		Value: uint64(uintptr(unsafe.Pointer(value))),
	}
	_, err := IOCTLInvokePtrArg(f.fd, abi.DRM_IOCTL_VIRTGPU_GETPARAM, &p)
	runtime.KeepAlive(value)
	return err
}

func (f *File) getCaps(capsetID, version uint32, dst []byte) error {
	c := abi.DrmVirtgpuGetCaps{
		CapSetID:  capsetID,
		CapSetVer: version,
		Addr:      bytesAddr(dst),
		Size:      uint32(len(dst)),
	}
	_, err := IOCTLInvokePtrArg(f.fd, abi.DRM_IOCTL_VIRTGPU_GET_CAPS, &c)
	runtime.KeepAlive(dst)
	return err
}

func (f *File) contextInit(params []abi.DrmVirtgpuContextSetParam) error {
	ci := abi.DrmVirtgpuContextInit{NumParams: uint32(len(params))}
	if len(params) > 0 {
		ci.CtxSetParams = uint64(uintptr(unsafe.Pointer(&params[0])))
	}
	_, err := IOCTLInvokePtrArg(f.fd, abi.DRM_IOCTL_VIRTGPU_CONTEXT_INIT, &ci)
	runtime.KeepAlive(params)
	return err
}

func (f *File) execbuffer(eb *abi.DrmVirtgpuExecbuffer, cmd []byte, handles []uint32) error {
	eb.Command = bytesAddr(cmd)
	if len(handles) > 0 {
		eb.BOHandles = uint64(uintptr(unsafe.Pointer(&handles[0])))
	}
	_, err := IOCTLInvokePtrArg(f.fd, abi.DRM_IOCTL_VIRTGPU_EXECBUFFER, eb)
	runtime.KeepAlive(cmd)
	runtime.KeepAlive(handles)
	return err
}

func (f *File) resourceCreateBlob(req *abi.DrmVirtgpuResourceCreateBlob, cmd []byte) error {
	req.Cmd = bytesAddr(cmd)
	_, err := IOCTLInvokePtrArg(f.fd, abi.DRM_IOCTL_VIRTGPU_RESOURCE_CREATE_BLOB, req)
	runtime.KeepAlive(cmd)
	return err
}
