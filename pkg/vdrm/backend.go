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
	"gvisor.dev/vdrm/pkg/virtgpu"
	"gvisor.dev/vdrm/pkg/winsys"
)

// BackendName is the name of the native context winsys backend.
const BackendName = "virtgpu-native-context"

// Backend is the winsys.Backend of native contexts.
type Backend struct {
	// Options configure opened devices. Nil means defaults.
	Options *Options

	// Kernel returns the kernel driver for a DRM file. Nil means
	// virtgpu.Dup, which leaves fd open for the caller.
	Kernel func(fd int) (virtgpu.Kernel, error)
}

var _ winsys.Backend = (*Backend)(nil)

// Name implements winsys.Backend.Name.
func (b *Backend) Name() string {
	return BackendName
}

// Open implements winsys.Backend.Open.
func (b *Backend) Open(fd int) (winsys.Device, error) {
	kernelOf := b.Kernel
	if kernelOf == nil {
		kernelOf = func(fd int) (virtgpu.Kernel, error) { return virtgpu.Dup(fd) }
	}
	k, err := kernelOf(fd)
	if err != nil {
		return nil, err
	}
	d, err := Open(k, b.Options)
	if err != nil {
		k.Close()
		return nil, err
	}
	return WinsysDevice{d}, nil
}

// WinsysDevice adapts a Device to winsys.Device.
type WinsysDevice struct {
	*Device
}

var _ winsys.Device = WinsysDevice{}

// Backend implements winsys.Device.Backend.
func (w WinsysDevice) Backend() string {
	return BackendName
}

// NewBO implements winsys.Device.NewBO.
func (w WinsysDevice) NewBO(size uint64, flags winsys.BOFlags) (winsys.BO, error) {
	bo, err := w.Device.NewBO(size, flags)
	if err != nil {
		return nil, err
	}
	return bo, nil
}

// BOFromHandle implements winsys.Device.BOFromHandle.
func (w WinsysDevice) BOFromHandle(size uint64, handle uint32) (winsys.BO, error) {
	bo, err := w.Device.BOFromHandle(size, handle)
	if err != nil {
		return nil, err
	}
	return bo, nil
}
