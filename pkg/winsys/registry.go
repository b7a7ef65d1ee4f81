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

package winsys

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vdrm/pkg/log"
	"gvisor.dev/vdrm/pkg/sync"
)

// Key identifies an open file description by the file it refers to.
type Key struct {
	Dev uint64
	Ino uint64
}

// KeyOf returns the Key of fd.
func KeyOf(fd int) (Key, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Key{}, fmt.Errorf("fstat(%d): %w", fd, err)
	}
	return Key{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}

type registryEntry struct {
	dev  Device
	refs int
}

// Registry shares one Device between all users of the same DRM file.
//
// A process constructs a single Registry and passes it to the code that
// opens devices.
type Registry struct {
	// mu protects devices and the reference counts of its entries. Open
	// and Close of devices happen with mu held.
	mu sync.Locker

	backends []Backend
	keyOf    func(fd int) (Key, error)
	devices  map[Key]*registryEntry
	byDevice map[Device]Key
}

// NewRegistry returns a Registry that opens devices with backends, in
// order. mu may be nil, in which case the Registry allocates its own lock.
func NewRegistry(mu sync.Locker, backends ...Backend) *Registry {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Registry{
		mu:       mu,
		backends: backends,
		keyOf:    KeyOf,
		devices:  make(map[Key]*registryEntry),
		byDevice: make(map[Device]Key),
	}
}

// Acquire returns the Device for fd, opening it if it is not open yet. Each
// successful Acquire must be paired with a Release.
func (r *Registry) Acquire(fd int) (Device, error) {
	key, err := r.keyOf(fd)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.devices[key]; ok {
		e.refs++
		log.Debugf("Reusing %s device for %+v, %d users", e.dev.Backend(), key, e.refs)
		return e.dev, nil
	}
	dev, err := Open(fd, r.backends...)
	if err != nil {
		return nil, err
	}
	r.devices[key] = &registryEntry{dev: dev, refs: 1}
	r.byDevice[dev] = key
	return dev, nil
}

// Release drops a reference acquired by Acquire, closing the Device with the
// last one.
func (r *Registry) Release(dev Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byDevice[dev]
	if !ok {
		panic(fmt.Sprintf("releasing unregistered device %v", dev))
	}
	e := r.devices[key]
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(r.devices, key)
	delete(r.byDevice, dev)
	return dev.Close()
}

// Len returns the number of open devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
