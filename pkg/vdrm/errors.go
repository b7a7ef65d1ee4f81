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

package vdrm

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	// ErrUnsupported is returned by Open when the kernel or the host does
	// not support the native context protocol. Callers fall back to
	// another backend.
	ErrUnsupported = errors.New("native context not supported")

	// ErrBusy is returned by non-blocking operations that would block. It
	// is a retry signal rather than a failure.
	ErrBusy error = unix.EBUSY

	// ErrNoSpace is returned when GPU virtual address space is exhausted
	// or a request is larger than the device allows.
	ErrNoSpace error = unix.ENOMEM

	// ErrTimedOut is returned when the host does not catch up within
	// Options.HostSyncTimeout or the caller's deadline.
	ErrTimedOut error = unix.ETIMEDOUT
)
