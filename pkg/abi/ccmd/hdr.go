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

import (
	"fmt"
)

// Cmd identifies a context command.
type Cmd uint32

// Context commands.
const (
	CmdNop              Cmd = 1
	CmdIoctlSimple      Cmd = 2
	CmdGemNew           Cmd = 3
	CmdGemSetIOVA       Cmd = 4
	CmdGemCPUPrep       Cmd = 5
	CmdGemSetName       Cmd = 6
	CmdGemSubmit        Cmd = 7
	CmdGemUpload        Cmd = 8
	CmdSubmitqueueQuery Cmd = 9
	CmdWaitFence        Cmd = 10
	CmdSetDebuginfo     Cmd = 11
)

var cmdNames = map[Cmd]string{
	CmdNop:              "NOP",
	CmdIoctlSimple:      "IOCTL_SIMPLE",
	CmdGemNew:           "GEM_NEW",
	CmdGemSetIOVA:       "GEM_SET_IOVA",
	CmdGemCPUPrep:       "GEM_CPU_PREP",
	CmdGemSetName:       "GEM_SET_NAME",
	CmdGemSubmit:        "GEM_SUBMIT",
	CmdGemUpload:        "GEM_UPLOAD",
	CmdSubmitqueueQuery: "SUBMITQUEUE_QUERY",
	CmdWaitFence:        "WAIT_FENCE",
	CmdSetDebuginfo:     "SET_DEBUGINFO",
}

// String implements fmt.Stringer.
func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Cmd(%d)", uint32(c))
}

// ReqHdr is the header that starts every context command.
type ReqHdr struct {
	Cmd Cmd

	// Len is the total length of the command, header and payload included.
	// It is always a multiple of 4.
	Len uint32

	// Seqno is assigned by the guest when the command is enqueued.
	Seqno uint32

	// RspOff is the offset into the response ring at which the host writes
	// the response, for commands that have one.
	RspOff uint32
}

// SizeofReqHdr is the size of ReqHdr on the wire.
const SizeofReqHdr = 16

// Byte offsets of ReqHdr fields, for in-place patching of encoded commands.
const (
	ReqHdrLenOffset    = 4
	ReqHdrSeqnoOffset  = 8
	ReqHdrRspOffOffset = 12
)

// MarshalBytes serializes h into dst.
func (h *ReqHdr) MarshalBytes(dst []byte) {
	_ = dst[SizeofReqHdr-1]
	ByteOrder.PutUint32(dst[0:], uint32(h.Cmd))
	ByteOrder.PutUint32(dst[4:], h.Len)
	ByteOrder.PutUint32(dst[8:], h.Seqno)
	ByteOrder.PutUint32(dst[12:], h.RspOff)
}

// UnmarshalBytes deserializes h from src.
func (h *ReqHdr) UnmarshalBytes(src []byte) {
	_ = src[SizeofReqHdr-1]
	h.Cmd = Cmd(ByteOrder.Uint32(src[0:]))
	h.Len = ByteOrder.Uint32(src[4:])
	h.Seqno = ByteOrder.Uint32(src[8:])
	h.RspOff = ByteOrder.Uint32(src[12:])
}

// RspHdr starts every response written by the host into the response ring.
type RspHdr struct {
	// Len is the length of the response written by the host, header
	// included.
	Len uint32

	// Ret is the result of the command, 0 or a negated errno.
	Ret int32
}

// SizeofRspHdr is the size of RspHdr on the wire.
const SizeofRspHdr = 8

// MarshalBytes serializes h into dst.
func (h *RspHdr) MarshalBytes(dst []byte) {
	_ = dst[SizeofRspHdr-1]
	ByteOrder.PutUint32(dst[0:], h.Len)
	ByteOrder.PutUint32(dst[4:], uint32(h.Ret))
}

// UnmarshalBytes deserializes h from src.
func (h *RspHdr) UnmarshalBytes(src []byte) {
	_ = src[SizeofRspHdr-1]
	h.Len = ByteOrder.Uint32(src[0:])
	h.Ret = int32(ByteOrder.Uint32(src[4:]))
}

// Align4 rounds n up to a multiple of 4.
func Align4(n int) int {
	return (n + 3) &^ 3
}

// PeekHdr decodes the header at the start of buf. It fails if buf is too
// short for the header or for the length the header claims.
func PeekHdr(buf []byte) (ReqHdr, error) {
	var h ReqHdr
	if len(buf) < SizeofReqHdr {
		return h, fmt.Errorf("short command: %d bytes", len(buf))
	}
	h.UnmarshalBytes(buf)
	if h.Len < SizeofReqHdr || int(h.Len) > len(buf) || h.Len%4 != 0 {
		return h, fmt.Errorf("invalid length %d for %v in %d byte buffer", h.Len, h.Cmd, len(buf))
	}
	return h, nil
}

// Split calls fn for every command in a batch of concatenated commands, in
// order. It stops at the first malformed command or the first error returned
// by fn.
func Split(batch []byte, fn func(hdr ReqHdr, cmd []byte) error) error {
	for len(batch) > 0 {
		hdr, err := PeekHdr(batch)
		if err != nil {
			return err
		}
		if err := fn(hdr, batch[:hdr.Len]); err != nil {
			return err
		}
		batch = batch[hdr.Len:]
	}
	return nil
}
