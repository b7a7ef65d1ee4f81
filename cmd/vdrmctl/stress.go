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
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vdrm/pkg/abi/ccmd"
	"gvisor.dev/vdrm/pkg/log"
	"gvisor.dev/vdrm/pkg/vdrm"
	"gvisor.dev/vdrm/pkg/winsys"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	goroutines int
	iterations int
	size       uint64
	timeout    time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "allocate, upload, map and free buffer objects from many goroutines"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-goroutines=<n>] [-iterations=<n>] [-size=<bytes>] - exercises the command channel concurrently.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.goroutines, "goroutines", 8, "number of concurrent goroutines.")
	f.IntVar(&s.iterations, "iterations", 100, "buffer objects allocated by each goroutine.")
	f.Uint64Var(&s.size, "size", 0x2000, "size of each buffer object in bytes.")
	f.DurationVar(&s.timeout, "timeout", time.Minute, "time limit for the whole run.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.goroutines <= 0 || s.iterations <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*Config)
	dev, release, err := conf.openDevice()
	if err != nil {
		return failure("%v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.goroutines; i++ {
		g.Go(func() error {
			for j := 0; j < s.iterations; j++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := s.iteration(gctx, dev, byte(i*s.iterations+j)); err != nil {
					return fmt.Errorf("goroutine %d, iteration %d: %w", i, j, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failure("%v", err)
	}
	seqno, err := dev.EnqueueSync(ctx, &ccmd.NopReq{})
	if err != nil {
		return failure("final sync: %v", err)
	}
	elapsed := time.Since(start)

	st := dev.Stats()
	n := s.goroutines * s.iterations
	fmt.Printf("%d buffer objects in %v (%.0f/s)\n", n, elapsed, float64(n)/elapsed.Seconds())
	fmt.Printf("%d commands in %d flushes, last seqno %d, %d host sync spins\n", st.Enqueued, st.Flushes, seqno, st.HostSyncSpins)
	if e := dev.AsyncErrors(); e != 0 {
		return failure("host reported %d asynchronous errors", e)
	}
	return subcommands.ExitSuccess
}

// iteration runs one buffer object through its lifecycle.
func (s *Stress) iteration(ctx context.Context, dev *vdrm.Device, seed byte) error {
	flags := winsys.BOFlags(0)
	if seed%4 == 0 {
		flags |= winsys.BOShared
	}
	bo, err := dev.NewBO(s.size, flags)
	if err != nil {
		return err
	}
	defer bo.DecRef()
	bo.SetName(fmt.Sprintf("stress-%d", seed))

	if bo.PreferUpload(int(bo.Size())) {
		if err := verifyBO(bo, seed); err != nil {
			return err
		}
	} else {
		log.Debugf("%v: writing through the mapping", bo)
		m, err := bo.Map()
		if err != nil {
			return err
		}
		m[0] = seed
	}
	if err := bo.CPUPrep(ctx, winsys.PrepRead|winsys.PrepWrite, false); err != nil {
		return fmt.Errorf("cpu prep: %w", err)
	}
	bo.CPUFini()
	return nil
}
