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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFixedSizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		req  Request
		want int
	}{
		{"nop", &NopReq{}, 16},
		{"gem_new", &GemNewReq{}, 40},
		{"gem_set_iova", &GemSetIOVAReq{}, 32},
		{"gem_cpu_prep", &GemCPUPrepReq{}, 32},
		{"submitqueue_query", &SubmitqueueQueryReq{}, 28},
		{"wait_fence", &WaitFenceReq{}, 24},
		{"ioctl_simple", &IoctlSimpleReq{Payload: make([]byte, 5)}, 28},
		{"gem_set_name", &GemSetNameReq{Name: "abc"}, 28},
		{"gem_upload", &GemUploadReq{Payload: make([]byte, 4096)}, 32 + 4096},
		{"set_debuginfo", &SetDebuginfoReq{Comm: "a", Cmdline: "bc"}, 28},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.req.SizeBytes(); got != tc.want {
				t.Errorf("SizeBytes() = %d, want %d", got, tc.want)
			}
			buf := Marshal(tc.req)
			hdr, err := PeekHdr(buf)
			if err != nil {
				t.Fatalf("PeekHdr: %v", err)
			}
			if int(hdr.Len) != tc.want {
				t.Errorf("hdr.Len = %d, want %d", hdr.Len, tc.want)
			}
		})
	}
}

func TestGemNewWireFormat(t *testing.T) {
	req := GemNewReq{
		Hdr:    ReqHdr{Seqno: 7},
		IOVA:   0x1000000,
		Size:   0x2000,
		Flags:  BOWC,
		BlobID: 3,
	}
	want := []byte{
		3, 0, 0, 0, 40, 0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 1, 0, 0, 0, 0,
		0, 0x20, 0, 0, 0, 0, 0, 0,
		0, 0, 2, 0,
		3, 0, 0, 0,
	}
	got := Marshal(&req)
	if !bytes.Equal(got, want) {
		t.Fatalf("Marshal() = %x, want %x", got, want)
	}
	var back GemNewReq
	back.UnmarshalBytes(got)
	if diff := cmp.Diff(req, back); diff != "" {
		t.Errorf("UnmarshalBytes mismatch (-want +got):\n%s", diff)
	}
}

func TestUploadPayloadPadding(t *testing.T) {
	req := GemUploadReq{ResID: 9, Off: 0x100, Payload: []byte{1, 2, 3}}
	buf := make([]byte, req.SizeBytes())
	for i := range buf {
		buf[i] = 0xff
	}
	req.MarshalBytes(buf)
	if got, want := buf[SizeofGemUploadReq:], []byte{1, 2, 3, 0}; !bytes.Equal(got, want) {
		t.Errorf("payload = %v, want %v", got, want)
	}
	var back GemUploadReq
	back.UnmarshalBytes(buf)
	if back.ResID != 9 || back.Off != 0x100 || !bytes.Equal(back.Payload, []byte{1, 2, 3}) {
		t.Errorf("UnmarshalBytes = %+v", back)
	}
}

func TestSplit(t *testing.T) {
	var batch []byte
	batch = append(batch, Marshal(&NopReq{Hdr: ReqHdr{Seqno: 1}})...)
	batch = append(batch, Marshal(&GemSetIOVAReq{Hdr: ReqHdr{Seqno: 2}, ResID: 4})...)
	batch = append(batch, Marshal(&GemSetNameReq{Hdr: ReqHdr{Seqno: 3}, ResID: 4, Name: "vbo"})...)

	var cmds []Cmd
	var seqnos []uint32
	if err := Split(batch, func(hdr ReqHdr, cmd []byte) error {
		cmds = append(cmds, hdr.Cmd)
		seqnos = append(seqnos, hdr.Seqno)
		return nil
	}); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if diff := cmp.Diff([]Cmd{CmdNop, CmdGemSetIOVA, CmdGemSetName}, cmds); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{1, 2, 3}, seqnos); diff != "" {
		t.Errorf("seqnos mismatch (-want +got):\n%s", diff)
	}

	if err := Split(batch[:len(batch)-4], func(ReqHdr, []byte) error { return nil }); err == nil {
		t.Errorf("Split of truncated batch succeeded")
	}
}

func TestCapset(t *testing.T) {
	c := Capset{
		WireFormatVersion: WireFormatVersion,
		VersionMajor:      1,
		VersionMinor:      12,
		ContextType:       ContextTypeMSM,
		VAStart:           0x100000000,
		VASize:            0x100000,
		ChipID:            0x6030001,
		MaxFreq:           710000000,
	}
	buf := make([]byte, SizeofCapset)
	c.MarshalBytes(buf)
	if got := ByteOrder.Uint64(buf[32:]); got != c.VAStart {
		t.Errorf("va_start at offset 32 = %#x, want %#x", got, c.VAStart)
	}
	var back Capset
	back.UnmarshalBytes(buf)
	if back != c {
		t.Errorf("UnmarshalBytes = %v, want %v", &back, &c)
	}
}

func TestRspHdrNegativeRet(t *testing.T) {
	h := RspHdr{Len: SizeofRspHdr, Ret: -16}
	buf := make([]byte, SizeofRspHdr)
	h.MarshalBytes(buf)
	var back RspHdr
	back.UnmarshalBytes(buf)
	if back != h {
		t.Errorf("UnmarshalBytes = %+v, want %+v", back, h)
	}
}

func TestSeqnoBefore(t *testing.T) {
	for _, tc := range []struct {
		a, b uint32
		want bool
	}{
		{1, 2, true},
		{2, 2, false},
		{3, 2, false},
		{0xffffffff, 0, true},
		{0, 0xffffffff, false},
		{0xfffffff0, 5, true},
	} {
		if got := SeqnoBefore(tc.a, tc.b); got != tc.want {
			t.Errorf("SeqnoBefore(%#x, %#x) = %t, want %t", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestShmem(t *testing.T) {
	buf := make([]byte, 0x4000)
	s := ShmemOf(buf)
	s.SetSeqno(42)
	s.SetRspMemOffset(SizeofShmem)
	s.IncAsyncError()
	s.IncAsyncError()
	if got := ByteOrder.Uint32(buf[ShmemSeqnoOffset:]); got != 42 {
		t.Errorf("seqno bytes = %d, want 42", got)
	}
	if s.Seqno() != 42 || s.RspMemOffset() != SizeofShmem || s.AsyncError() != 2 || s.GlobalFaults() != 0 {
		t.Errorf("Shmem = {%d %d %d %d}", s.Seqno(), s.RspMemOffset(), s.AsyncError(), s.GlobalFaults())
	}
}
