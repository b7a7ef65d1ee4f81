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
	"time"

	"gvisor.dev/vdrm/pkg/log"
)

// Options configure a Device.
type Options struct {
	// ShmemSize is the size of the control buffer holding the shared
	// memory header and the response ring.
	ShmemSize uint64 `toml:"shmem_size"`

	// BatchCapacity is the size of the pending command batch. A single
	// command may not be larger.
	BatchCapacity int `toml:"batch_capacity"`

	// UploadChunkSize is the maximum payload of one GEM_UPLOAD command.
	UploadChunkSize int `toml:"upload_chunk_size"`

	// UploadMaxSize and UploadMaxAge bound the writes for which
	// BO.PreferUpload returns true.
	UploadMaxSize int           `toml:"upload_max_size"`
	UploadMaxAge  time.Duration `toml:"upload_max_age"`

	// HostSyncTimeout bounds HostSync. Zero means wait forever, which is
	// correct as long as the host makes progress.
	HostSyncTimeout time.Duration `toml:"host_sync_timeout"`

	// CPUPrepRetries bounds the number of times a host CPU_PREP is retried
	// while the host reports the buffer busy. Zero means no bound.
	CPUPrepRetries uint64 `toml:"cpu_prep_retries"`

	// MinVersionMinor is the oldest host protocol minor version accepted.
	MinVersionMinor uint32 `toml:"min_version_minor"`

	// DebugInfo sends the process name and command line to the host when
	// the device is opened.
	DebugInfo bool `toml:"debug_info"`

	// Logger receives the device's logs. Nil means log.Log().
	Logger log.Logger `toml:"-"`

	// Now returns the current time. Nil means time.Now.
	Now func() time.Time `toml:"-"`
}

// Defaults.
const (
	DefaultShmemSize       = 0x4000
	DefaultBatchCapacity   = 0x4000
	DefaultUploadChunkSize = 0x1000
	DefaultUploadMaxSize   = 0x4000
	DefaultUploadMaxAge    = 5 * time.Millisecond
	DefaultMinVersionMinor = 9
)

// DefaultOptions returns the default Options.
func DefaultOptions() *Options {
	return &Options{
		ShmemSize:       DefaultShmemSize,
		BatchCapacity:   DefaultBatchCapacity,
		UploadChunkSize: DefaultUploadChunkSize,
		UploadMaxSize:   DefaultUploadMaxSize,
		UploadMaxAge:    DefaultUploadMaxAge,
		MinVersionMinor: DefaultMinVersionMinor,
	}
}

// withDefaults returns a copy of o with zero fields set to their defaults.
func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	def := DefaultOptions()
	if opts.ShmemSize == 0 {
		opts.ShmemSize = def.ShmemSize
	}
	if opts.BatchCapacity == 0 {
		opts.BatchCapacity = def.BatchCapacity
	}
	if opts.UploadChunkSize == 0 {
		opts.UploadChunkSize = def.UploadChunkSize
	}
	if opts.UploadMaxSize == 0 {
		opts.UploadMaxSize = def.UploadMaxSize
	}
	if opts.UploadMaxAge == 0 {
		opts.UploadMaxAge = def.UploadMaxAge
	}
	if opts.MinVersionMinor == 0 {
		opts.MinVersionMinor = def.MinVersionMinor
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}
