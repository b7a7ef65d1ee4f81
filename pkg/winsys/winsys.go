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

// Package winsys defines the device and buffer object interfaces that GPU
// drivers program against, independently of the kernel transport behind
// them.
//
// A Backend turns an open DRM file into a Device. Open tries backends in
// order, so drivers can prefer a native context transport and fall back to
// another one.
package winsys

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gvisor.dev/vdrm/pkg/log"
)

// BOFlags describe how a buffer object will be used.
type BOFlags uint32

// Buffer object flags.
const (
	// BOShared marks a buffer that may be exported to other contexts.
	BOShared BOFlags = 1 << iota

	// BOScanout marks a buffer that may be displayed.
	BOScanout

	// BOGPUReadOnly marks a buffer that the GPU never writes.
	BOGPUReadOnly

	// BOCachedCoherent requests a CPU cached, IO coherent mapping rather
	// than a write-combined one.
	BOCachedCoherent

	// BONoMap marks a buffer that is never mapped by the CPU.
	BONoMap
)

var boFlagNames = []string{"shared", "scanout", "gpu-readonly", "cached-coherent", "nomap"}

// String implements fmt.Stringer.
func (f BOFlags) String() string {
	var names []string
	for i, name := range boFlagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
			f &^= 1 << i
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(f)))
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// ParseBOFlags parses flags in the format returned by BOFlags.String. Commas
// are accepted as separators too.
func ParseBOFlags(s string) (BOFlags, error) {
	var f BOFlags
	if s == "" || s == "0" {
		return 0, nil
	}
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		i := slices.Index(boFlagNames, strings.TrimSpace(name))
		if i < 0 {
			return 0, fmt.Errorf("unknown buffer object flag %q", name)
		}
		f |= 1 << i
	}
	return f, nil
}

// PrepOp is the access prepared for by BO.CPUPrep.
type PrepOp uint32

// CPU access operations.
const (
	PrepRead   PrepOp = 0x1
	PrepWrite  PrepOp = 0x2
	PrepNoSync PrepOp = 0x4
)

// BO is a GPU buffer object.
type BO interface {
	// Size returns the size of the buffer in bytes.
	Size() uint64

	// Handle returns the kernel handle of the buffer.
	Handle() uint32

	// IOVA returns the GPU virtual address of the buffer.
	IOVA() uint64

	// Map returns a CPU mapping of the buffer.
	Map() ([]byte, error)

	// CPUPrep waits until the CPU may access the buffer for op. With
	// PrepNoSync it returns an error satisfying errors.Is(err, unix.EBUSY)
	// instead of blocking.
	CPUPrep(ctx context.Context, op PrepOp, explicitSync bool) error

	// CPUFini ends a CPU access started by CPUPrep.
	CPUFini()

	// Upload writes src into the buffer at off without mapping it.
	Upload(src []byte, off uint64) error

	// PreferUpload returns true if writing n bytes should go through
	// Upload rather than Map.
	PreferUpload(n int) bool

	// SetName attaches a debug label to the buffer.
	SetName(name string)

	// IncRef acquires a reference.
	IncRef()

	// DecRef releases a reference. The buffer is destroyed when the last
	// reference is released.
	DecRef()
}

// Device is an open GPU device.
type Device interface {
	// Backend returns the name of the backend that opened the device.
	Backend() string

	// NewBO allocates a buffer object of at least size bytes.
	NewBO(size uint64, flags BOFlags) (BO, error)

	// BOFromHandle wraps a buffer imported from another context.
	BOFromHandle(size uint64, handle uint32) (BO, error)

	// Flush submits any batched commands.
	Flush() error

	// Close releases the device.
	Close() error
}

// Backend opens Devices.
type Backend interface {
	// Name returns the name of the backend.
	Name() string

	// Open opens a device on the DRM file fd. The caller keeps ownership
	// of fd.
	Open(fd int) (Device, error)
}

// ErrNoBackend is returned by Open when no backend could open the device.
var ErrNoBackend = errors.New("no backend could open the device")

// Open returns a Device from the first backend that can open fd. Failures
// of earlier backends are logged and are not fatal.
func Open(fd int, backends ...Backend) (Device, error) {
	var errs []error
	for _, b := range backends {
		dev, err := b.Open(fd)
		if err == nil {
			log.Infof("Opened fd %d with backend %s", fd, b.Name())
			return dev, nil
		}
		log.Infof("Backend %s cannot open fd %d, trying next: %v", b.Name(), fd, err)
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}
	return nil, fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(errs...))
}
