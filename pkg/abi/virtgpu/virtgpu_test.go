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
	"testing"
	"unsafe"
)

func TestStructSizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"DrmGemClose", unsafe.Sizeof(DrmGemClose{}), SizeofGemClose},
		{"DrmVirtgpuMap", unsafe.Sizeof(DrmVirtgpuMap{}), SizeofMap},
		{"DrmVirtgpuExecbuffer", unsafe.Sizeof(DrmVirtgpuExecbuffer{}), SizeofExecbuffer},
		{"DrmVirtgpuGetParam", unsafe.Sizeof(DrmVirtgpuGetParam{}), SizeofGetParam},
		{"DrmVirtgpuResourceInfo", unsafe.Sizeof(DrmVirtgpuResourceInfo{}), SizeofResourceInfo},
		{"DrmVirtgpuWait", unsafe.Sizeof(DrmVirtgpuWait{}), SizeofWait},
		{"DrmVirtgpuGetCaps", unsafe.Sizeof(DrmVirtgpuGetCaps{}), SizeofGetCaps},
		{"DrmVirtgpuResourceCreateBlob", unsafe.Sizeof(DrmVirtgpuResourceCreateBlob{}), SizeofResourceCreateBlob},
		{"DrmVirtgpuContextSetParam", unsafe.Sizeof(DrmVirtgpuContextSetParam{}), SizeofContextSetParam},
		{"DrmVirtgpuContextInit", unsafe.Sizeof(DrmVirtgpuContextInit{}), SizeofContextInit},
	} {
		if tc.got != tc.want {
			t.Errorf("sizeof(%s) = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
}

// Request numbers as computed by the kernel headers.
func TestIoctlNumbers(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  uint32
		want uint32
	}{
		{"DRM_IOCTL_GEM_CLOSE", DRM_IOCTL_GEM_CLOSE, 0x40086409},
		{"DRM_IOCTL_VIRTGPU_MAP", DRM_IOCTL_VIRTGPU_MAP, 0xc0106441},
		{"DRM_IOCTL_VIRTGPU_EXECBUFFER", DRM_IOCTL_VIRTGPU_EXECBUFFER, 0xc0286442},
		{"DRM_IOCTL_VIRTGPU_GETPARAM", DRM_IOCTL_VIRTGPU_GETPARAM, 0xc0106443},
		{"DRM_IOCTL_VIRTGPU_RESOURCE_INFO", DRM_IOCTL_VIRTGPU_RESOURCE_INFO, 0xc0106445},
		{"DRM_IOCTL_VIRTGPU_WAIT", DRM_IOCTL_VIRTGPU_WAIT, 0xc0086448},
		{"DRM_IOCTL_VIRTGPU_GET_CAPS", DRM_IOCTL_VIRTGPU_GET_CAPS, 0xc0186449},
		{"DRM_IOCTL_VIRTGPU_RESOURCE_CREATE_BLOB", DRM_IOCTL_VIRTGPU_RESOURCE_CREATE_BLOB, 0xc030644a},
		{"DRM_IOCTL_VIRTGPU_CONTEXT_INIT", DRM_IOCTL_VIRTGPU_CONTEXT_INIT, 0xc010644b},
	} {
		if tc.got != tc.want {
			t.Errorf("%s = %#x, want %#x", tc.name, tc.got, tc.want)
		}
	}
	if got := IOC_NR(DRM_IOCTL_VIRTGPU_WAIT); got != DRM_COMMAND_BASE+DRM_VIRTGPU_WAIT {
		t.Errorf("IOC_NR(DRM_IOCTL_VIRTGPU_WAIT) = %#x", got)
	}
	if got := IOC_SIZE(DRM_IOCTL_VIRTGPU_EXECBUFFER); got != SizeofExecbuffer {
		t.Errorf("IOC_SIZE(DRM_IOCTL_VIRTGPU_EXECBUFFER) = %d", got)
	}
	if got := IOC(IOC_READ|IOC_WRITE, DRM_IOCTL_BASE, DRM_COMMAND_BASE+DRM_VIRTGPU_MAP, SizeofMap); got != DRM_IOCTL_VIRTGPU_MAP {
		t.Errorf("IOC(...) = %#x, want %#x", got, DRM_IOCTL_VIRTGPU_MAP)
	}
}
