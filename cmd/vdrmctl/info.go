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
	"text/tabwriter"

	"github.com/google/subcommands"
)

// Info implements subcommands.Command for the "info" command.
type Info struct{}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "print the host capabilities and device state"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info - opens the device and prints the capset reported by the host.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Info) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Info) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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

	c := dev.Caps()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "protocol:\t%d.%d.%d (wire format %d)\n", c.VersionMajor, c.VersionMinor, c.VersionPatchlevel, c.WireFormatVersion)
	fmt.Fprintf(w, "context type:\t%d\n", c.ContextType)
	fmt.Fprintf(w, "address space:\t[%#x, %#x)\n", c.VAStart, c.VAStart+c.VASize)
	fmt.Fprintf(w, "cached coherent:\t%t\n", c.HasCachedCoherent != 0)
	fmt.Fprintf(w, "priorities:\t%d\n", c.Priorities)
	fmt.Fprintf(w, "gpu id:\t%d\n", c.GPUID)
	fmt.Fprintf(w, "chip id:\t%#x\n", c.ChipID)
	fmt.Fprintf(w, "gmem:\t%d bytes\n", c.GMEMSize)
	fmt.Fprintf(w, "max freq:\t%d Hz\n", c.MaxFreq)
	fmt.Fprintf(w, "host seqno:\t%d\n", dev.HostSeqno())
	fmt.Fprintf(w, "async errors:\t%d\n", dev.AsyncErrors())
	fmt.Fprintf(w, "global faults:\t%d\n", dev.GlobalFaults())
	if err := w.Flush(); err != nil {
		return failure("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}
