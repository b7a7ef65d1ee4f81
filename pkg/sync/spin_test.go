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
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpinUntilImmediate(t *testing.T) {
	spins, err := SpinUntil(context.Background(), func() bool { return true })
	if err != nil || spins != 0 {
		t.Fatalf("SpinUntil(true) = %d, %v; want 0, nil", spins, err)
	}
}

func TestSpinUntilObservesWriter(t *testing.T) {
	var counter atomic.Uint32
	go func() {
		for i := 0; i < 100; i++ {
			counter.Add(1)
			Yield()
		}
	}()
	if _, err := SpinUntil(context.Background(), func() bool { return counter.Load() >= 100 }); err != nil {
		t.Fatalf("SpinUntil failed: %v", err)
	}
}

func TestSpinUntilDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	spins, err := SpinUntil(ctx, func() bool { return false })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SpinUntil(false) error = %v, want %v", err, context.DeadlineExceeded)
	}
	if spins == 0 {
		t.Errorf("SpinUntil returned before spinning")
	}
}
