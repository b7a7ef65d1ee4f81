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
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vdrm/pkg/prometheus"
	"gvisor.dev/vdrm/pkg/winsys"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	exporterPrefix string
	allocs         int
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print device counters in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-exporter-prefix=<vdrm_>] [-allocs=<n>] - prints device counters in Prometheus metric format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.exporterPrefix, "exporter-prefix", "vdrm_", "Prefix for all metric names, following Prometheus exporter convention")
	f.IntVar(&m.allocs, "allocs", 0, "number of page sized buffer objects to allocate and keep alive while exporting.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*Config)
	dev, release, err := conf.openDevice()
	if err != nil {
		return failure("%v", err)
	}
	defer release()

	for i := 0; i < m.allocs; i++ {
		bo, err := dev.NewBO(0x1000, winsys.BONoMap)
		if err != nil {
			return failure("%v", err)
		}
		defer bo.DecRef()
	}
	if err := dev.Flush(); err != nil {
		return failure("%v", err)
	}

	path, err := conf.path()
	if err != nil {
		return failure("%v", err)
	}
	c := dev.Caps()
	_, err = prometheus.Write(os.Stdout, prometheus.ExportOptions{
		CommentHeader:  fmt.Sprintf("Command-line export for %s", path),
		ExporterPrefix: m.exporterPrefix,
		ExtraLabels: map[string]string{
			"device":   path,
			"protocol": fmt.Sprintf("%d.%d", c.VersionMajor, c.VersionMinor),
		},
	}, dev.Stats().Snapshot())
	if err != nil {
		return failure("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
