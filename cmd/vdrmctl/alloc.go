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
	"bytes"
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"gvisor.dev/vdrm/pkg/vdrm"
	"gvisor.dev/vdrm/pkg/winsys"
)

// Alloc implements subcommands.Command for the "alloc" command.
type Alloc struct {
	size   uint64
	count  int
	flags  string
	name   string
	verify bool
}

// Name implements subcommands.Command.Name.
func (*Alloc) Name() string {
	return "alloc"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Alloc) Synopsis() string {
	return "allocate buffer objects and print their placement"
}

// Usage implements subcommands.Command.Usage.
func (*Alloc) Usage() string {
	return `alloc [-size=<bytes>] [-count=<n>] [-flags=shared|scanout|...] [-verify] - allocates buffer objects.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Alloc) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&a.size, "size", 0x10000, "size of each buffer object in bytes.")
	f.IntVar(&a.count, "count", 1, "number of buffer objects to allocate.")
	f.StringVar(&a.flags, "flags", "", "buffer object flags, separated by '|' or ','.")
	f.StringVar(&a.name, "name", "vdrmctl", "debug name given to the buffer objects.")
	f.BoolVar(&a.verify, "verify", false, "upload a pattern to each buffer object and read it back through a mapping.")
}

// Execute implements subcommands.Command.Execute.
func (a *Alloc) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || a.count <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	flags, err := winsys.ParseBOFlags(a.flags)
	if err != nil {
		return failure("%v", err)
	}
	conf := args[0].(*Config)
	dev, release, err := conf.openDevice()
	if err != nil {
		return failure("%v", err)
	}
	defer release()

	var bos []*vdrm.BO
	defer func() {
		for _, bo := range bos {
			bo.DecRef()
		}
	}()
	for i := 0; i < a.count; i++ {
		bo, err := dev.NewBO(a.size, flags)
		if err != nil {
			return failure("allocating buffer object %d: %v", i, err)
		}
		bos = append(bos, bo)
		bo.SetName(fmt.Sprintf("%s-%d", a.name, i))
		if a.verify {
			if err := verifyBO(bo, byte(i)); err != nil {
				return failure("%v: %v", bo, err)
			}
		}
		fmt.Printf("%d\thandle %d\tres %d\tiova [%#x, %#x)\n", i, bo.Handle(), bo.ResID(), bo.IOVA(), bo.IOVA()+bo.Size())
	}
	if err := dev.Flush(); err != nil {
		return failure("%v", err)
	}
	st := dev.Stats()
	fmt.Printf("%d buffer objects, %d bytes of address space in use\n", len(bos), st.VABytesInUse)
	return subcommands.ExitSuccess
}

// verifyBO uploads a pattern seeded by seed to bo and checks that a mapping
// of bo observes it.
func verifyBO(bo *vdrm.BO, seed byte) error {
	pattern := make([]byte, bo.Size())
	for i := range pattern {
		pattern[i] = seed + byte(i)
	}
	if err := bo.Upload(pattern, 0); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	m, err := bo.Map()
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}
	if !bytes.Equal(m, pattern) {
		return fmt.Errorf("mapping does not match the uploaded data")
	}
	return nil
}
