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

package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"gvisor.dev/vdrm/pkg/log"
	"gvisor.dev/vdrm/pkg/vdrm"
	"gvisor.dev/vdrm/pkg/virtgpu"
	"gvisor.dev/vdrm/pkg/virtgpu/virtgputest"
	"gvisor.dev/vdrm/pkg/winsys"
)

// Config is the vdrmctl configuration. It is read from the file named by
// -config, and overridden by flags.
//
// Example:
//
//	device = "/dev/dri/renderD128"
//	log_level = "debug"
//
//	[options]
//	batch_capacity = 32768
//	host_sync_timeout = "2s"
type Config struct {
	// Device is the render node to open. If empty, one is found in Sysfs.
	Device string `toml:"device"`

	// Sysfs is where sysfs is mounted.
	Sysfs string `toml:"sysfs"`

	// Fake replaces the kernel and host with virtgputest.
	Fake bool `toml:"fake"`

	// LogLevel is the level of the global logger. It is a level name or
	// number.
	LogLevel log.Level `toml:"log_level"`

	// Options configure the device.
	Options vdrm.Options `toml:"options"`
}

func defaultConfig() *Config {
	return &Config{
		Sysfs:    "/sys",
		LogLevel: log.Info,
		Options:  *vdrm.DefaultOptions(),
	}
}

// loadConfig reads path over the default configuration. An empty path
// yields the defaults.
func loadConfig(path string) (*Config, error) {
	conf := defaultConfig()
	if path == "" {
		return conf, nil
	}
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %q: unknown keys %v", path, undecoded)
	}
	return conf, nil
}

// backend returns the backend devices are opened with.
func (c *Config) backend() *vdrm.Backend {
	b := &vdrm.Backend{Options: &c.Options}
	if c.Fake {
		b.Kernel = func(int) (virtgpu.Kernel, error) {
			return virtgputest.New(virtgputest.Config{Async: true}), nil
		}
	}
	return b
}

// path returns the file to open.
func (c *Config) path() (string, error) {
	switch {
	case c.Fake:
		// Only the file's identity is used.
		return os.DevNull, nil
	case c.Device != "":
		return c.Device, nil
	default:
		return virtgpu.FindRenderNode(c.Sysfs)
	}
}

// openDevice opens the configured device through a winsys.Registry. The
// returned function releases it.
func (c *Config) openDevice() (*vdrm.Device, func(), error) {
	path, err := c.path()
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}
	reg := winsys.NewRegistry(nil, c.backend())
	dev, err := reg.Acquire(int(f.Fd()))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	log.Infof("Opened %s with the %s backend", path, dev.Backend())
	release := func() {
		if err := reg.Release(dev); err != nil {
			log.Warningf("Closing %s: %v", path, err)
		}
		f.Close()
	}
	return dev.(vdrm.WinsysDevice).Device, release, nil
}
