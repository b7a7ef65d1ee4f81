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

// Binary vdrmctl opens a virtio-gpu native context and exercises it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/vdrm/pkg/log"
	"gvisor.dev/vdrm/pkg/refs"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file.")
	devicePath = flag.String("device", "", "render node to open. If empty, the first virtio-gpu render node in sysfs is used.")
	fake       = flag.Bool("fake", false, "use an in-process fake kernel and host instead of a render node.")
	debug      = flag.Bool("debug", false, "enable debug logging. Overrides -log-level.")
	logLevel   = flag.String("log-level", "", "log level: warning, info or debug. Overrides the configuration file.")
	logFormat  = flag.String("log-format", "text", "log format: text, json or logrus.")
	leakMode   = refs.NoLeakChecking
)

func main() {
	// Help and flags commands are generated automatically.
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	subcommands.Register(new(Info), "")
	subcommands.Register(new(Alloc), "")
	subcommands.Register(new(Stress), "")
	subcommands.Register(new(Metrics), "")

	flag.Var(&leakMode, "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")
	flag.Parse()

	emitter, err := newEmitter(*logFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	log.SetTarget(emitter)
	refs.SetLeakMode(leakMode)

	conf, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	if *logLevel != "" {
		if err := conf.LogLevel.UnmarshalText([]byte(*logLevel)); err != nil {
			fmt.Fprintf(os.Stderr, "-log-level: %v\n", err)
			os.Exit(int(subcommands.ExitUsageError))
		}
	}
	if *debug {
		conf.LogLevel = log.Debug
	}
	log.SetLevel(conf.LogLevel)
	if *devicePath != "" {
		conf.Device = *devicePath
	}
	if *fake {
		conf.Fake = true
	}
	log.Debugf("vdrmctl %s/%s, %d CPUs, config %+v", runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), conf)

	status := subcommands.Execute(context.Background(), conf)
	if n := refs.DoRepeatedLeakCheck(); n != 0 {
		log.Warningf("%d reference counted objects leaked", n)
	}
	os.Exit(int(status))
}

func newEmitter(format string, w io.Writer) (log.Emitter, error) {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: w}}, nil
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}, nil
	case "logrus":
		e := log.NewLogrusEmitter(nil)
		e.Logger.SetOutput(w)
		return e, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", format)
}

// failure logs a command failure and returns subcommands.ExitFailure.
func failure(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
	return subcommands.ExitFailure
}
