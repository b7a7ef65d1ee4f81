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

package virtgpu

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
	abi "gvisor.dev/vdrm/pkg/abi/virtgpu"
)

// fakeSysfs creates class/drm entries under a temporary directory, one per
// node, bound to the given drivers.
func fakeSysfs(t *testing.T, drivers map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for node, driver := range drivers {
		dev := filepath.Join(root, "class", "drm", node, "device")
		if err := os.MkdirAll(dev, 0o755); err != nil {
			t.Fatal(err)
		}
		if driver == "" {
			continue
		}
		target := filepath.Join(root, "bus", "virtio", "drivers", driver)
		if err := os.MkdirAll(target, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink(target, filepath.Join(dev, "driver")); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestFindRenderNode(t *testing.T) {
	for _, tc := range []struct {
		name    string
		drivers map[string]string
		want    string
	}{
		{
			name:    "virtio",
			drivers: map[string]string{"renderD128": "virtio_gpu"},
			want:    "/dev/dri/renderD128",
		},
		{
			name: "second node",
			drivers: map[string]string{
				"renderD128": "i915",
				"renderD129": "virtio_gpu",
			},
			want: "/dev/dri/renderD129",
		},
		{
			name: "primary node ignored",
			drivers: map[string]string{
				"card0":      "virtio_gpu",
				"renderD128": "",
			},
		},
		{
			name:    "other driver",
			drivers: map[string]string{"renderD128": "amdgpu"},
		},
		{
			name: "empty",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FindRenderNode(fakeSysfs(t, tc.drivers))
			if tc.want == "" {
				if !errors.Is(err, os.ErrNotExist) {
					t.Errorf("FindRenderNode() = %q, %v; want ErrNotExist", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FindRenderNode: %v", err)
			}
			if got != tc.want {
				t.Errorf("FindRenderNode() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "renderD128")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Open of missing node: error = %v, want ErrNotExist", err)
	}
}

func TestDup(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "node")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	d, err := Dup(int(f.Fd()))
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if d.FD() == int(f.Fd()) {
		t.Errorf("Dup returned the same descriptor %d", d.FD())
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	// The original descriptor stays usable.
	if _, err := f.Write([]byte("x")); err != nil {
		t.Errorf("Write after closing the duplicate: %v", err)
	}
}

// Each wrapper reaches the kernel, which rejects DRM requests on /dev/null
// with ENOTTY.
func TestIoctlsOnNonDRMFile(t *testing.T) {
	f, err := Open(os.DevNull)
	if err != nil {
		t.Fatalf("Open(%q): %v", os.DevNull, err)
	}
	defer f.Close()

	for _, tc := range []struct {
		name string
		fn   func() error
	}{
		{"GetParam", func() error { _, err := f.GetParam(abi.VIRTGPU_PARAM_3D_FEATURES); return err }},
		{"GetCaps", func() error { return f.GetCaps(1, 0, make([]byte, 16)) }},
		{"ContextInit", func() error { return f.ContextInit(nil) }},
		{"ResourceInfo", func() error { _, _, err := f.ResourceInfo(1); return err }},
		{"Map", func() error { _, err := f.Map(1); return err }},
		{"Wait", func() error { return f.Wait(1, 0) }},
		{"GemClose", func() error { return f.GemClose(1) }},
	} {
		if err := tc.fn(); !errors.Is(err, unix.ENOTTY) {
			t.Errorf("%s on %s: error = %v, want ENOTTY", tc.name, os.DevNull, err)
		}
	}
	if _, err := IOCTLInvokePtrArg(f.fd, abi.DRM_IOCTL_VIRTGPU_EXECBUFFER, &abi.DrmVirtgpuExecbuffer{}); !errors.Is(err, unix.ENOTTY) {
		t.Errorf("DRM_IOCTL_VIRTGPU_EXECBUFFER on %s: error = %v, want ENOTTY", os.DevNull, err)
	}
}
