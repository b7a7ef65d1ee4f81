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

// Package virtgpu contains the Linux virtio-gpu DRM ABI, from
// include/uapi/drm/virtgpu_drm.h and include/uapi/drm/drm.h.
package virtgpu

// ioctl(2) request encoding, from include/uapi/asm-generic/ioctl.h.
const (
	IOC_NRBITS   = 8
	IOC_TYPEBITS = 8
	IOC_SIZEBITS = 14

	IOC_NRSHIFT   = 0
	IOC_TYPESHIFT = IOC_NRSHIFT + IOC_NRBITS
	IOC_SIZESHIFT = IOC_TYPESHIFT + IOC_TYPEBITS
	IOC_DIRSHIFT  = IOC_SIZESHIFT + IOC_SIZEBITS

	IOC_NONE  = 0
	IOC_WRITE = 1
	IOC_READ  = 2
)

// IOC returns an ioctl request number.
func IOC(dir, typ, nr, size uint32) uint32 {
	return dir<<IOC_DIRSHIFT | size<<IOC_SIZESHIFT | typ<<IOC_TYPESHIFT | nr<<IOC_NRSHIFT
}

// IOC_NR extracts the number from an ioctl request.
func IOC_NR(cmd uint32) uint32 {
	return (cmd >> IOC_NRSHIFT) & ((1 << IOC_NRBITS) - 1)
}

// IOC_SIZE extracts the argument size from an ioctl request.
func IOC_SIZE(cmd uint32) uint32 {
	return (cmd >> IOC_SIZESHIFT) & ((1 << IOC_SIZEBITS) - 1)
}

// IOC_DIR extracts the direction from an ioctl request.
func IOC_DIR(cmd uint32) uint32 {
	return cmd >> IOC_DIRSHIFT
}

// From include/uapi/drm/drm.h.
const (
	DRM_IOCTL_BASE   = uint32('d')
	DRM_COMMAND_BASE = 0x40

	DRM_GEM_CLOSE = 0x09
)

// Driver-private command numbers, relative to DRM_COMMAND_BASE.
const (
	DRM_VIRTGPU_MAP                  = 0x01
	DRM_VIRTGPU_EXECBUFFER           = 0x02
	DRM_VIRTGPU_GETPARAM             = 0x03
	DRM_VIRTGPU_RESOURCE_CREATE      = 0x04
	DRM_VIRTGPU_RESOURCE_INFO        = 0x05
	DRM_VIRTGPU_TRANSFER_FROM_HOST   = 0x06
	DRM_VIRTGPU_TRANSFER_TO_HOST     = 0x07
	DRM_VIRTGPU_WAIT                 = 0x08
	DRM_VIRTGPU_GET_CAPS             = 0x09
	DRM_VIRTGPU_RESOURCE_CREATE_BLOB = 0x0a
	DRM_VIRTGPU_CONTEXT_INIT         = 0x0b
)

// Sizes of the ioctl argument structs below.
const (
	SizeofGemClose           = 8
	SizeofMap                = 16
	SizeofExecbuffer         = 40
	SizeofGetParam           = 16
	SizeofResourceInfo       = 16
	SizeofWait               = 8
	SizeofGetCaps            = 24
	SizeofResourceCreateBlob = 48
	SizeofContextInit        = 16
	SizeofContextSetParam    = 16
)

// ioctl(2) requests.
const (
	DRM_IOCTL_GEM_CLOSE = IOC_WRITE<<IOC_DIRSHIFT | SizeofGemClose<<IOC_SIZESHIFT | DRM_IOCTL_BASE<<IOC_TYPESHIFT | DRM_GEM_CLOSE

	DRM_IOCTL_VIRTGPU_MAP                  = drmIOWR | SizeofMap<<IOC_SIZESHIFT | (DRM_COMMAND_BASE + DRM_VIRTGPU_MAP)
	DRM_IOCTL_VIRTGPU_EXECBUFFER           = drmIOWR | SizeofExecbuffer<<IOC_SIZESHIFT | (DRM_COMMAND_BASE + DRM_VIRTGPU_EXECBUFFER)
	DRM_IOCTL_VIRTGPU_GETPARAM             = drmIOWR | SizeofGetParam<<IOC_SIZESHIFT | (DRM_COMMAND_BASE + DRM_VIRTGPU_GETPARAM)
	DRM_IOCTL_VIRTGPU_RESOURCE_INFO        = drmIOWR | SizeofResourceInfo<<IOC_SIZESHIFT | (DRM_COMMAND_BASE + DRM_VIRTGPU_RESOURCE_INFO)
	DRM_IOCTL_VIRTGPU_WAIT                 = drmIOWR | SizeofWait<<IOC_SIZESHIFT | (DRM_COMMAND_BASE + DRM_VIRTGPU_WAIT)
	DRM_IOCTL_VIRTGPU_GET_CAPS             = drmIOWR | SizeofGetCaps<<IOC_SIZESHIFT | (DRM_COMMAND_BASE + DRM_VIRTGPU_GET_CAPS)
	DRM_IOCTL_VIRTGPU_RESOURCE_CREATE_BLOB = drmIOWR | SizeofResourceCreateBlob<<IOC_SIZESHIFT | (DRM_COMMAND_BASE + DRM_VIRTGPU_RESOURCE_CREATE_BLOB)
	DRM_IOCTL_VIRTGPU_CONTEXT_INIT         = drmIOWR | SizeofContextInit<<IOC_SIZESHIFT | (DRM_COMMAND_BASE + DRM_VIRTGPU_CONTEXT_INIT)

	drmIOWR = (IOC_READ|IOC_WRITE)<<IOC_DIRSHIFT | DRM_IOCTL_BASE<<IOC_TYPESHIFT
)

// Parameters for DRM_IOCTL_VIRTGPU_GETPARAM.
const (
	VIRTGPU_PARAM_3D_FEATURES          = 1
	VIRTGPU_PARAM_CAPSET_QUERY_FIX     = 2
	VIRTGPU_PARAM_RESOURCE_BLOB        = 3
	VIRTGPU_PARAM_HOST_VISIBLE         = 4
	VIRTGPU_PARAM_CROSS_DEVICE         = 5
	VIRTGPU_PARAM_CONTEXT_INIT         = 6
	VIRTGPU_PARAM_SUPPORTED_CAPSET_IDs = 7
	VIRTGPU_PARAM_EXPLICIT_DEBUG_NAME  = 8
)

// Flags for DrmVirtgpuExecbuffer.Flags.
const (
	VIRTGPU_EXECBUF_FENCE_FD_IN  = 0x01
	VIRTGPU_EXECBUF_FENCE_FD_OUT = 0x02
	VIRTGPU_EXECBUF_RING_IDX     = 0x04
)

// Flags for DrmVirtgpuWait.Flags.
const (
	VIRTGPU_WAIT_NOWAIT = 1
)

// Values for DrmVirtgpuResourceCreateBlob.BlobMem.
const (
	VIRTGPU_BLOB_MEM_GUEST        = 0x0001
	VIRTGPU_BLOB_MEM_HOST3D       = 0x0002
	VIRTGPU_BLOB_MEM_HOST3D_GUEST = 0x0003
)

// Flags for DrmVirtgpuResourceCreateBlob.BlobFlags.
const (
	VIRTGPU_BLOB_FLAG_USE_MAPPABLE     = 0x0001
	VIRTGPU_BLOB_FLAG_USE_SHAREABLE    = 0x0002
	VIRTGPU_BLOB_FLAG_USE_CROSS_DEVICE = 0x0004
)

// Parameters for DrmVirtgpuContextSetParam.Param.
const (
	VIRTGPU_CONTEXT_PARAM_CAPSET_ID       = 0x0001
	VIRTGPU_CONTEXT_PARAM_NUM_RINGS       = 0x0002
	VIRTGPU_CONTEXT_PARAM_POLL_RINGS_MASK = 0x0003
	VIRTGPU_CONTEXT_PARAM_DEBUG_NAME      = 0x0004
)

// Capability set ids, from virglrenderer's virgl_hw.h.
const (
	VIRTGPU_CAPSET_VIRGL  = 1
	VIRTGPU_CAPSET_VIRGL2 = 2
	VIRTGPU_CAPSET_VENUS  = 4
	VIRTGPU_CAPSET_DRM    = 6
)

// DrmGemClose is struct drm_gem_close.
type DrmGemClose struct {
	Handle uint32
	Pad    uint32
}

// DrmVirtgpuMap is struct drm_virtgpu_map.
type DrmVirtgpuMap struct {
	Offset uint64
	Handle uint32
	Pad    uint32
}

// DrmVirtgpuExecbuffer is struct drm_virtgpu_execbuffer, without the syncobj
// extension.
type DrmVirtgpuExecbuffer struct {
	Flags        uint32
	Size         uint32
	Command      uint64
	BOHandles    uint64
	NumBOHandles uint32
	FenceFD      int32
	RingIdx      uint32
	Pad          uint32
}

// DrmVirtgpuGetParam is struct drm_virtgpu_getparam. Value is a user pointer
// to an int.
type DrmVirtgpuGetParam struct {
	Param uint64
	Value uint64
}

// DrmVirtgpuResourceInfo is struct drm_virtgpu_resource_info.
type DrmVirtgpuResourceInfo struct {
	BOHandle  uint32
	ResHandle uint32
	Size      uint32
	BlobMem   uint32
}

// DrmVirtgpuWait is struct drm_virtgpu_3d_wait.
type DrmVirtgpuWait struct {
	Handle uint32
	Flags  uint32
}

// DrmVirtgpuGetCaps is struct drm_virtgpu_get_caps.
type DrmVirtgpuGetCaps struct {
	CapSetID  uint32
	CapSetVer uint32
	Addr      uint64
	Size      uint32
	Pad       uint32
}

// DrmVirtgpuResourceCreateBlob is struct drm_virtgpu_resource_create_blob.
type DrmVirtgpuResourceCreateBlob struct {
	BlobMem   uint32
	BlobFlags uint32
	BOHandle  uint32
	ResHandle uint32
	Size      uint64
	Pad       uint32
	CmdSize   uint32
	Cmd       uint64
	BlobID    uint64
}

// DrmVirtgpuContextSetParam is struct drm_virtgpu_context_set_param.
type DrmVirtgpuContextSetParam struct {
	Param uint64
	Value uint64
}

// DrmVirtgpuContextInit is struct drm_virtgpu_context_init.
type DrmVirtgpuContextInit struct {
	NumParams    uint32
	Pad          uint32
	CtxSetParams uint64
}
