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

// Resource flags carried by GemNewReq.Flags.
const (
	BOScanout        = 0x00000001
	BOGPUReadOnly    = 0x00000002
	BOCached         = 0x00010000
	BOWC             = 0x00020000
	BOUncached       = 0x00040000
	BOCachedCoherent = 0x00080000
)
