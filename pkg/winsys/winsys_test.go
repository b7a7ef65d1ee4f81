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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/vdrm/pkg/sync"
)

type testDevice struct {
	backend string
	closed  int
}

func (d *testDevice) Backend() string                         { return d.backend }
func (d *testDevice) NewBO(uint64, BOFlags) (BO, error)       { return nil, unix.ENOSYS }
func (d *testDevice) BOFromHandle(uint64, uint32) (BO, error) { return nil, unix.ENOSYS }
func (d *testDevice) Flush() error                            { return nil }
func (d *testDevice) Close() error                            { d.closed++; return nil }

type testBackend struct {
	name   string
	err    error
	opened []*testDevice
}

func (b *testBackend) Name() string { return b.name }

func (b *testBackend) Open(fd int) (Device, error) {
	if b.err != nil {
		return nil, b.err
	}
	d := &testDevice{backend: b.name}
	b.opened = append(b.opened, d)
	return d, nil
}

func TestOpenFallback(t *testing.T) {
	first := &testBackend{name: "first", err: unix.ENODEV}
	second := &testBackend{name: "second"}
	dev, err := Open(3, first, second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := dev.Backend(); got != "second" {
		t.Errorf("Backend() = %q, want %q", got, "second")
	}
}

func TestOpenNoBackend(t *testing.T) {
	_, err := Open(3, &testBackend{name: "a", err: unix.ENODEV}, &testBackend{name: "b", err: unix.EINVAL})
	if !errors.Is(err, ErrNoBackend) {
		t.Errorf("Open error %v is not ErrNoBackend", err)
	}
	if !errors.Is(err, unix.ENODEV) || !errors.Is(err, unix.EINVAL) {
		t.Errorf("Open error %v does not wrap the backend errors", err)
	}
}

func TestBOFlagsString(t *testing.T) {
	for _, tc := range []struct {
		flags BOFlags
		want  string
	}{
		{0, "0"},
		{BOShared, "shared"},
		{BOScanout | BONoMap, "scanout|nomap"},
		{BOGPUReadOnly | 0x100, "gpu-readonly|0x100"},
	} {
		if got := tc.flags.String(); got != tc.want {
			t.Errorf("BOFlags(%#x).String() = %q, want %q", uint32(tc.flags), got, tc.want)
		}
	}
}

func TestParseBOFlags(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want BOFlags
	}{
		{"", 0},
		{"0", 0},
		{"shared", BOShared},
		{"scanout|nomap", BOScanout | BONoMap},
		{"cached-coherent, gpu-readonly", BOCachedCoherent | BOGPUReadOnly},
	} {
		got, err := ParseBOFlags(tc.in)
		if err != nil {
			t.Errorf("ParseBOFlags(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseBOFlags(%q) = %v, want %v", tc.in, got, tc.want)
		}
		if back, err := ParseBOFlags(got.String()); err != nil || back != got {
			t.Errorf("ParseBOFlags(%q) = %v, %v; want %v", got.String(), back, err, got)
		}
	}
	if _, err := ParseBOFlags("shared|huge"); err == nil {
		t.Errorf("ParseBOFlags accepted an unknown flag")
	}
}

type countingLocker struct {
	sync.Mutex
	locks int
}

func (l *countingLocker) Lock() {
	l.Mutex.Lock()
	l.locks++
}

func openFile(t *testing.T, path string) int {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return int(f.Fd())
}

func TestRegistryDedup(t *testing.T) {
	dir := t.TempDir()
	fd1 := openFile(t, filepath.Join(dir, "renderD128"))
	fd2 := openFile(t, filepath.Join(dir, "renderD128"))
	fd3 := openFile(t, filepath.Join(dir, "renderD129"))

	b := &testBackend{name: "test"}
	mu := &countingLocker{}
	r := NewRegistry(mu, b)

	d1, err := r.Acquire(fd1)
	if err != nil {
		t.Fatalf("Acquire(fd1): %v", err)
	}
	d2, err := r.Acquire(fd2)
	if err != nil {
		t.Fatalf("Acquire(fd2): %v", err)
	}
	if d1 != d2 {
		t.Errorf("fds of the same file got different devices")
	}
	d3, err := r.Acquire(fd3)
	if err != nil {
		t.Fatalf("Acquire(fd3): %v", err)
	}
	if d3 == d1 {
		t.Errorf("fds of different files got the same device")
	}
	if got := len(b.opened); got != 2 {
		t.Errorf("backend opened %d devices, want 2", got)
	}
	if mu.locks != 3 {
		t.Errorf("injected lock taken %d times, want 3", mu.locks)
	}

	if err := r.Release(d1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if b.opened[0].closed != 0 {
		t.Errorf("device closed while still referenced")
	}
	if err := r.Release(d2); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if b.opened[0].closed != 1 {
		t.Errorf("device closed %d times after last Release, want 1", b.opened[0].closed)
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestRegistryOpenFailure(t *testing.T) {
	fd := openFile(t, filepath.Join(t.TempDir(), "renderD128"))
	r := NewRegistry(nil, &testBackend{name: "broken", err: unix.ENODEV})
	if _, err := r.Acquire(fd); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("Acquire error = %v, want ErrNoBackend", err)
	}
	if got := r.Len(); got != 0 {
		t.Errorf("Len() = %d after failed Acquire, want 0", got)
	}
}

func TestReleaseUnknownPanics(t *testing.T) {
	r := NewRegistry(nil)
	defer func() {
		if recover() == nil {
			t.Errorf("Release of unknown device did not panic")
		}
	}()
	r.Release(&testDevice{})
}
