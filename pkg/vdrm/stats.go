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
	"sync/atomic"

	"gvisor.dev/vdrm/pkg/prometheus"
)

// Stats are counters of a Device's activity.
type Stats struct {
	// Enqueued is the number of commands enqueued, synchronous ones
	// included.
	Enqueued uint64

	// SyncRequests is the number of synchronous commands.
	SyncRequests uint64

	// Flushes is the number of non-empty batch flushes.
	Flushes uint64

	// Execbuffers is the number of EXECBUFFER calls.
	Execbuffers uint64

	// BytesSubmitted is the number of command bytes passed to the kernel.
	BytesSubmitted uint64

	// HostSyncSpins is the number of times HostSync yielded waiting for
	// the host.
	HostSyncSpins uint64

	// VABytesInUse is the amount of GPU virtual address space allocated.
	VABytesInUse uint64

	// LiveBOs is the number of buffer objects not yet destroyed, the
	// control buffer included.
	LiveBOs uint64
}

type stats struct {
	enqueued       atomic.Uint64
	syncRequests   atomic.Uint64
	flushes        atomic.Uint64
	execbuffers    atomic.Uint64
	bytesSubmitted atomic.Uint64
	hostSyncSpins  atomic.Uint64
	liveBOs        atomic.Int64
}

// Stats returns a snapshot of d's counters.
func (d *Device) Stats() Stats {
	d.vaMu.Lock()
	va := d.va.InUse()
	d.vaMu.Unlock()
	return Stats{
		Enqueued:       d.stats.enqueued.Load(),
		SyncRequests:   d.stats.syncRequests.Load(),
		Flushes:        d.stats.flushes.Load(),
		Execbuffers:    d.stats.execbuffers.Load(),
		BytesSubmitted: d.stats.bytesSubmitted.Load(),
		HostSyncSpins:  d.stats.hostSyncSpins.Load(),
		VABytesInUse:   va,
		LiveBOs:        uint64(d.stats.liveBOs.Load()),
	}
}

// Exported metric metadata, named without the exporter prefix.
var (
	enqueuedMetric       = &prometheus.Metric{Name: "commands_enqueued_total", Type: prometheus.TypeCounter, Help: "Commands assigned a seqno."}
	syncRequestsMetric   = &prometheus.Metric{Name: "sync_requests_total", Type: prometheus.TypeCounter, Help: "Commands submitted synchronously."}
	flushesMetric        = &prometheus.Metric{Name: "flushes_total", Type: prometheus.TypeCounter, Help: "Non-empty batch flushes."}
	execbuffersMetric    = &prometheus.Metric{Name: "execbuffers_total", Type: prometheus.TypeCounter, Help: "EXECBUFFER calls."}
	bytesSubmittedMetric = &prometheus.Metric{Name: "submitted_bytes_total", Type: prometheus.TypeCounter, Help: "Command bytes passed to the kernel."}
	hostSyncSpinsMetric  = &prometheus.Metric{Name: "host_sync_spins_total", Type: prometheus.TypeCounter, Help: "Yields while waiting for the host seqno."}
	vaBytesMetric        = &prometheus.Metric{Name: "va_bytes_in_use", Type: prometheus.TypeGauge, Help: "GPU virtual address space allocated."}
	liveBOsMetric        = &prometheus.Metric{Name: "live_buffer_objects", Type: prometheus.TypeGauge, Help: "Buffer objects not yet destroyed."}
)

// Snapshot returns s as a metric snapshot taken at the current time.
func (s Stats) Snapshot() *prometheus.Snapshot {
	return prometheus.NewSnapshot().Add(
		prometheus.NewIntData(enqueuedMetric, int64(s.Enqueued)),
		prometheus.NewIntData(syncRequestsMetric, int64(s.SyncRequests)),
		prometheus.NewIntData(flushesMetric, int64(s.Flushes)),
		prometheus.NewIntData(execbuffersMetric, int64(s.Execbuffers)),
		prometheus.NewIntData(bytesSubmittedMetric, int64(s.BytesSubmitted)),
		prometheus.NewIntData(hostSyncSpinsMetric, int64(s.HostSyncSpins)),
		prometheus.NewIntData(vaBytesMetric, int64(s.VABytesInUse)),
		prometheus.NewIntData(liveBOsMetric, int64(s.LiveBOs)),
	)
}
