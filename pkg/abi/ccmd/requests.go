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

package ccmd

// Request is a context command that can be encoded onto the wire.
//
// MarshalBytes fills in the command and length fields of the header itself;
// the sequence number is assigned by the device when the command is
// enqueued.
type Request interface {
	// SizeBytes returns the encoded size, a multiple of 4.
	SizeBytes() int

	// MarshalBytes serializes the request into dst, which is at least
	// SizeBytes() long.
	MarshalBytes(dst []byte)
}

// Raw is an already encoded command, as produced by a command encoder. It
// must start with a ReqHdr.
type Raw []byte

// SizeBytes implements Request.SizeBytes.
func (r Raw) SizeBytes() int {
	return len(r)
}

// MarshalBytes implements Request.MarshalBytes.
func (r Raw) MarshalBytes(dst []byte) {
	copy(dst, r)
}

func marshalHdr(dst []byte, h *ReqHdr, cmd Cmd, size int) {
	h.Cmd = cmd
	h.Len = uint32(size)
	h.MarshalBytes(dst)
}

// Marshal encodes req into a newly allocated buffer.
func Marshal(req Request) []byte {
	buf := make([]byte, req.SizeBytes())
	req.MarshalBytes(buf)
	return buf
}

// NopReq does nothing; it is used to obtain a seqno to sync against.
type NopReq struct {
	Hdr ReqHdr
}

// SizeBytes implements Request.SizeBytes.
func (r *NopReq) SizeBytes() int { return SizeofReqHdr }

// MarshalBytes implements Request.MarshalBytes.
func (r *NopReq) MarshalBytes(dst []byte) {
	marshalHdr(dst, &r.Hdr, CmdNop, r.SizeBytes())
}

// IoctlSimpleReq tunnels a legacy driver ioctl whose argument is Payload.
type IoctlSimpleReq struct {
	Hdr     ReqHdr
	Cmd     uint32
	Payload []byte
}

// SizeofIoctlSimpleReq is the fixed part of IoctlSimpleReq.
const SizeofIoctlSimpleReq = SizeofReqHdr + 4

// SizeBytes implements Request.SizeBytes.
func (r *IoctlSimpleReq) SizeBytes() int {
	return SizeofIoctlSimpleReq + Align4(len(r.Payload))
}

// MarshalBytes implements Request.MarshalBytes.
func (r *IoctlSimpleReq) MarshalBytes(dst []byte) {
	marshalHdr(dst, &r.Hdr, CmdIoctlSimple, r.SizeBytes())
	ByteOrder.PutUint32(dst[16:], r.Cmd)
	clear(dst[SizeofIoctlSimpleReq:r.SizeBytes()])
	copy(dst[SizeofIoctlSimpleReq:], r.Payload)
}

// UnmarshalBytes deserializes r from an encoded command. Payload aliases src.
func (r *IoctlSimpleReq) UnmarshalBytes(src []byte) {
	r.Hdr.UnmarshalBytes(src)
	r.Cmd = ByteOrder.Uint32(src[16:])
	r.Payload = src[SizeofIoctlSimpleReq:r.Hdr.Len]
}

// GemNewReq creates the host side of a blob resource. The host correlates it
// with the kernel's RESOURCE_CREATE_BLOB through BlobID.
type GemNewReq struct {
	Hdr    ReqHdr
	IOVA   uint64
	Size   uint64
	Flags  uint32
	BlobID uint32
}

// SizeofGemNewReq is the size of GemNewReq on the wire.
const SizeofGemNewReq = 40

// SizeBytes implements Request.SizeBytes.
func (r *GemNewReq) SizeBytes() int { return SizeofGemNewReq }

// MarshalBytes implements Request.MarshalBytes.
func (r *GemNewReq) MarshalBytes(dst []byte) {
	marshalHdr(dst, &r.Hdr, CmdGemNew, SizeofGemNewReq)
	ByteOrder.PutUint64(dst[16:], r.IOVA)
	ByteOrder.PutUint64(dst[24:], r.Size)
	ByteOrder.PutUint32(dst[32:], r.Flags)
	ByteOrder.PutUint32(dst[36:], r.BlobID)
}

// UnmarshalBytes deserializes r from src.
func (r *GemNewReq) UnmarshalBytes(src []byte) {
	_ = src[SizeofGemNewReq-1]
	r.Hdr.UnmarshalBytes(src)
	r.IOVA = ByteOrder.Uint64(src[16:])
	r.Size = ByteOrder.Uint64(src[24:])
	r.Flags = ByteOrder.Uint32(src[32:])
	r.BlobID = ByteOrder.Uint32(src[36:])
}

// GemSetIOVAReq binds a resource at IOVA, or unbinds it if IOVA is 0.
type GemSetIOVAReq struct {
	Hdr   ReqHdr
	IOVA  uint64
	ResID uint32
}

// SizeofGemSetIOVAReq is the size of GemSetIOVAReq on the wire.
const SizeofGemSetIOVAReq = 32

// SizeBytes implements Request.SizeBytes.
func (r *GemSetIOVAReq) SizeBytes() int { return SizeofGemSetIOVAReq }

// MarshalBytes implements Request.MarshalBytes.
func (r *GemSetIOVAReq) MarshalBytes(dst []byte) {
	marshalHdr(dst, &r.Hdr, CmdGemSetIOVA, SizeofGemSetIOVAReq)
	ByteOrder.PutUint64(dst[16:], r.IOVA)
	ByteOrder.PutUint32(dst[24:], r.ResID)
	ByteOrder.PutUint32(dst[28:], 0)
}

// UnmarshalBytes deserializes r from src.
func (r *GemSetIOVAReq) UnmarshalBytes(src []byte) {
	_ = src[SizeofGemSetIOVAReq-1]
	r.Hdr.UnmarshalBytes(src)
	r.IOVA = ByteOrder.Uint64(src[16:])
	r.ResID = ByteOrder.Uint32(src[24:])
}

// Operations for GemCPUPrepReq.Op.
const (
	PrepRead   = 0x01
	PrepWrite  = 0x02
	PrepNoSync = 0x04
	PrepFlush  = 0x08
)

// GemCPUPrepReq asks the host whether the resource is idle for the given
// access. The host answers -EBUSY rather than blocking.
type GemCPUPrepReq struct {
	Hdr     ReqHdr
	ResID   uint32
	Op      uint32
	Timeout uint64
}

// SizeofGemCPUPrepReq is the size of GemCPUPrepReq on the wire.
const SizeofGemCPUPrepReq = 32

// SizeBytes implements Request.SizeBytes.
func (r *GemCPUPrepReq) SizeBytes() int { return SizeofGemCPUPrepReq }

// MarshalBytes implements Request.MarshalBytes.
func (r *GemCPUPrepReq) MarshalBytes(dst []byte) {
	marshalHdr(dst, &r.Hdr, CmdGemCPUPrep, SizeofGemCPUPrepReq)
	ByteOrder.PutUint32(dst[16:], r.ResID)
	ByteOrder.PutUint32(dst[20:], r.Op)
	ByteOrder.PutUint64(dst[24:], r.Timeout)
}

// UnmarshalBytes deserializes r from src.
func (r *GemCPUPrepReq) UnmarshalBytes(src []byte) {
	_ = src[SizeofGemCPUPrepReq-1]
	r.Hdr.UnmarshalBytes(src)
	r.ResID = ByteOrder.Uint32(src[16:])
	r.Op = ByteOrder.Uint32(src[20:])
	r.Timeout = ByteOrder.Uint64(src[24:])
}

// GemSetNameReq attaches a debug label to a resource.
type GemSetNameReq struct {
	Hdr   ReqHdr
	ResID uint32
	Name  string
}

// SizeofGemSetNameReq is the fixed part of GemSetNameReq.
const SizeofGemSetNameReq = SizeofReqHdr + 8

// SizeBytes implements Request.SizeBytes.
func (r *GemSetNameReq) SizeBytes() int {
	return SizeofGemSetNameReq + Align4(len(r.Name))
}

// MarshalBytes implements Request.MarshalBytes.
func (r *GemSetNameReq) MarshalBytes(dst []byte) {
	marshalHdr(dst, &r.Hdr, CmdGemSetName, r.SizeBytes())
	ByteOrder.PutUint32(dst[16:], r.ResID)
	ByteOrder.PutUint32(dst[20:], uint32(len(r.Name)))
	clear(dst[SizeofGemSetNameReq:r.SizeBytes()])
	copy(dst[SizeofGemSetNameReq:], r.Name)
}

// UnmarshalBytes deserializes r from src.
func (r *GemSetNameReq) UnmarshalBytes(src []byte) {
	r.Hdr.UnmarshalBytes(src)
	r.ResID = ByteOrder.Uint32(src[16:])
	n := ByteOrder.Uint32(src[20:])
	r.Name = string(src[SizeofGemSetNameReq : SizeofGemSetNameReq+n])
}

// GemUploadReq writes Payload into the resource at Off on the host.
type GemUploadReq struct {
	Hdr     ReqHdr
	ResID   uint32
	Off     uint32
	Payload []byte
}

// SizeofGemUploadReq is the fixed part of GemUploadReq.
const SizeofGemUploadReq = SizeofReqHdr + 16

// SizeBytes implements Request.SizeBytes.
func (r *GemUploadReq) SizeBytes() int {
	return SizeofGemUploadReq + Align4(len(r.Payload))
}

// MarshalBytes implements Request.MarshalBytes.
func (r *GemUploadReq) MarshalBytes(dst []byte) {
	marshalHdr(dst, &r.Hdr, CmdGemUpload, r.SizeBytes())
	ByteOrder.PutUint32(dst[16:], r.ResID)
	ByteOrder.PutUint32(dst[20:], 0)
	ByteOrder.PutUint32(dst[24:], r.Off)
	ByteOrder.PutUint32(dst[28:], uint32(len(r.Payload)))
	clear(dst[SizeofGemUploadReq:r.SizeBytes()])
	copy(dst[SizeofGemUploadReq:], r.Payload)
}

// UnmarshalBytes deserializes r from src. Payload aliases src.
func (r *GemUploadReq) UnmarshalBytes(src []byte) {
	r.Hdr.UnmarshalBytes(src)
	r.ResID = ByteOrder.Uint32(src[16:])
	r.Off = ByteOrder.Uint32(src[24:])
	n := ByteOrder.Uint32(src[28:])
	r.Payload = src[SizeofGemUploadReq : SizeofGemUploadReq+n]
}

// GemSubmitReq is the envelope of a GPU submission. Payload holds the
// encoder's BO and command tables, which are opaque to this package.
type GemSubmitReq struct {
	Hdr     ReqHdr
	Flags   uint32
	QueueID uint32
	NrBOs   uint32
	NrCmds  uint32
	Payload []byte
}

// SizeofGemSubmitReq is the fixed part of GemSubmitReq.
const SizeofGemSubmitReq = SizeofReqHdr + 16

// SizeBytes implements Request.SizeBytes.
func (r *GemSubmitReq) SizeBytes() int {
	return SizeofGemSubmitReq + Align4(len(r.Payload))
}

// MarshalBytes implements Request.MarshalBytes.
func (r *GemSubmitReq) MarshalBytes(dst []byte) {
	marshalHdr(dst, &r.Hdr, CmdGemSubmit, r.SizeBytes())
	ByteOrder.PutUint32(dst[16:], r.Flags)
	ByteOrder.PutUint32(dst[20:], r.QueueID)
	ByteOrder.PutUint32(dst[24:], r.NrBOs)
	ByteOrder.PutUint32(dst[28:], r.NrCmds)
	clear(dst[SizeofGemSubmitReq:r.SizeBytes()])
	copy(dst[SizeofGemSubmitReq:], r.Payload)
}

// SubmitqueueQueryReq queries a submit queue parameter. The host writes Len
// bytes of result after the response header.
type SubmitqueueQueryReq struct {
	Hdr     ReqHdr
	QueueID uint32
	Param   uint32
	Len     uint32
}

// SizeofSubmitqueueQueryReq is the size of SubmitqueueQueryReq on the wire.
const SizeofSubmitqueueQueryReq = SizeofReqHdr + 12

// SizeBytes implements Request.SizeBytes.
func (r *SubmitqueueQueryReq) SizeBytes() int { return SizeofSubmitqueueQueryReq }

// MarshalBytes implements Request.MarshalBytes.
func (r *SubmitqueueQueryReq) MarshalBytes(dst []byte) {
	marshalHdr(dst, &r.Hdr, CmdSubmitqueueQuery, SizeofSubmitqueueQueryReq)
	ByteOrder.PutUint32(dst[16:], r.QueueID)
	ByteOrder.PutUint32(dst[20:], r.Param)
	ByteOrder.PutUint32(dst[24:], r.Len)
}

// UnmarshalBytes deserializes r from src.
func (r *SubmitqueueQueryReq) UnmarshalBytes(src []byte) {
	_ = src[SizeofSubmitqueueQueryReq-1]
	r.Hdr.UnmarshalBytes(src)
	r.QueueID = ByteOrder.Uint32(src[16:])
	r.Param = ByteOrder.Uint32(src[20:])
	r.Len = ByteOrder.Uint32(src[24:])
}

// WaitFenceReq asks the host whether Fence on QueueID has signalled.
type WaitFenceReq struct {
	Hdr     ReqHdr
	QueueID uint32
	Fence   uint32
}

// SizeofWaitFenceReq is the size of WaitFenceReq on the wire.
const SizeofWaitFenceReq = SizeofReqHdr + 8

// SizeBytes implements Request.SizeBytes.
func (r *WaitFenceReq) SizeBytes() int { return SizeofWaitFenceReq }

// MarshalBytes implements Request.MarshalBytes.
func (r *WaitFenceReq) MarshalBytes(dst []byte) {
	marshalHdr(dst, &r.Hdr, CmdWaitFence, SizeofWaitFenceReq)
	ByteOrder.PutUint32(dst[16:], r.QueueID)
	ByteOrder.PutUint32(dst[20:], r.Fence)
}

// SetDebuginfoReq tells the host the name and command line of the guest
// process, for the host's logs.
type SetDebuginfoReq struct {
	Hdr     ReqHdr
	Comm    string
	Cmdline string
}

// SizeofSetDebuginfoReq is the fixed part of SetDebuginfoReq.
const SizeofSetDebuginfoReq = SizeofReqHdr + 8

// SizeBytes implements Request.SizeBytes.
func (r *SetDebuginfoReq) SizeBytes() int {
	return SizeofSetDebuginfoReq + Align4(len(r.Comm)+len(r.Cmdline))
}

// MarshalBytes implements Request.MarshalBytes.
func (r *SetDebuginfoReq) MarshalBytes(dst []byte) {
	marshalHdr(dst, &r.Hdr, CmdSetDebuginfo, r.SizeBytes())
	ByteOrder.PutUint32(dst[16:], uint32(len(r.Comm)))
	ByteOrder.PutUint32(dst[20:], uint32(len(r.Cmdline)))
	clear(dst[SizeofSetDebuginfoReq:r.SizeBytes()])
	n := copy(dst[SizeofSetDebuginfoReq:], r.Comm)
	copy(dst[SizeofSetDebuginfoReq+n:], r.Cmdline)
}
