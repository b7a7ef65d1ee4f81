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

package sync

import (
	"context"
	"runtime"
)

// Yield yields the processor to other goroutines.
func Yield() {
	runtime.Gosched()
}

// ctxCheckInterval is the number of spins between context checks in
// SpinUntil.
const ctxCheckInterval = 64

// SpinUntil calls cond until it returns true, yielding the processor after
// each unsuccessful call. It returns the number of unsuccessful calls.
//
// SpinUntil has no timeout of its own: it returns early only if ctx is
// cancelled or its deadline expires, in which case it returns ctx.Err().
func SpinUntil(ctx context.Context, cond func() bool) (uint64, error) {
	var spins uint64
	for !cond() {
		if spins%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return spins, err
			}
		}
		spins++
		Yield()
	}
	return spins, nil
}
