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

// Package ccmd contains the wire protocol spoken between the guest and the
// host renderer of a DRM native context: the capset, the shared memory
// layout and the context commands ("ccmds") tunnelled through
// DRM_IOCTL_VIRTGPU_EXECBUFFER.
//
// All fields are little-endian regardless of host byte order.
package ccmd

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder is the byte order of every field on the wire.
var ByteOrder = binary.LittleEndian

// WireFormatVersion is the only supported Capset.WireFormatVersion.
const WireFormatVersion = 2

// Context types, reported in Capset.ContextType.
const (
	ContextTypeMSM = 1
	ContextTypeAMD = 2
)

// Capset is struct virgl_renderer_capset_drm with the msm union member.
type Capset struct {
	WireFormatVersion uint32
	VersionMajor      uint32
	VersionMinor      uint32
	VersionPatchlevel uint32
	ContextType       uint32
	_                 uint32

	HasCachedCoherent uint32
	Priorities        uint32
	VAStart           uint64
	VASize            uint64
	GPUID             uint32
	GMEMSize          uint32
	GMEMBase          uint64
	ChipID            uint64
	MaxFreq           uint32
}

// SizeofCapset is the size of Capset on the wire.
const SizeofCapset = 80

// SizeBytes returns the encoded size of c.
func (c *Capset) SizeBytes() int {
	return SizeofCapset
}

// MarshalBytes serializes c into dst.
func (c *Capset) MarshalBytes(dst []byte) {
	_ = dst[SizeofCapset-1]
	ByteOrder.PutUint32(dst[0:], c.WireFormatVersion)
	ByteOrder.PutUint32(dst[4:], c.VersionMajor)
	ByteOrder.PutUint32(dst[8:], c.VersionMinor)
	ByteOrder.PutUint32(dst[12:], c.VersionPatchlevel)
	ByteOrder.PutUint32(dst[16:], c.ContextType)
	ByteOrder.PutUint32(dst[20:], 0)
	ByteOrder.PutUint32(dst[24:], c.HasCachedCoherent)
	ByteOrder.PutUint32(dst[28:], c.Priorities)
	ByteOrder.PutUint64(dst[32:], c.VAStart)
	ByteOrder.PutUint64(dst[40:], c.VASize)
	ByteOrder.PutUint32(dst[48:], c.GPUID)
	ByteOrder.PutUint32(dst[52:], c.GMEMSize)
	ByteOrder.PutUint64(dst[56:], c.GMEMBase)
	ByteOrder.PutUint64(dst[64:], c.ChipID)
	ByteOrder.PutUint32(dst[72:], c.MaxFreq)
	ByteOrder.PutUint32(dst[76:], 0)
}

// UnmarshalBytes deserializes c from src.
func (c *Capset) UnmarshalBytes(src []byte) {
	_ = src[SizeofCapset-1]
	c.WireFormatVersion = ByteOrder.Uint32(src[0:])
	c.VersionMajor = ByteOrder.Uint32(src[4:])
	c.VersionMinor = ByteOrder.Uint32(src[8:])
	c.VersionPatchlevel = ByteOrder.Uint32(src[12:])
	c.ContextType = ByteOrder.Uint32(src[16:])
	c.HasCachedCoherent = ByteOrder.Uint32(src[24:])
	c.Priorities = ByteOrder.Uint32(src[28:])
	c.VAStart = ByteOrder.Uint64(src[32:])
	c.VASize = ByteOrder.Uint64(src[40:])
	c.GPUID = ByteOrder.Uint32(src[48:])
	c.GMEMSize = ByteOrder.Uint32(src[52:])
	c.GMEMBase = ByteOrder.Uint64(src[56:])
	c.ChipID = ByteOrder.Uint64(src[64:])
	c.MaxFreq = ByteOrder.Uint32(src[72:])
}

// String implements fmt.Stringer.
func (c *Capset) String() string {
	return fmt.Sprintf("wire_format_version=%d version=%d.%d.%d context_type=%d va=[%#x, %#x) chip_id=%#x", c.WireFormatVersion, c.VersionMajor, c.VersionMinor, c.VersionPatchlevel, c.ContextType, c.VAStart, c.VAStart+c.VASize, c.ChipID)
}

// Offsets of the fields of the shared memory header at the start of the
// control buffer. The host writes every field; the guest only reads them.
const (
	ShmemSeqnoOffset        = 0
	ShmemRspMemOffsetOffset = 4
	ShmemAsyncErrorOffset   = 8
	ShmemGlobalFaultsOffset = 12

	// SizeofShmem is the size of the shared memory header. The host places
	// the response ring at or after it.
	SizeofShmem = 16
)
