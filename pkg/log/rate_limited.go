// Copyright 2022 The gVisor Authors.
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

package log

import (
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages over its limit. The next message let
// through carries the number dropped since the previous one.
type rateLimitedLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

// admit returns whether a message at level is emitted, and how many were
// suppressed before it. Messages the logger would not emit anyway do not
// consume the limit.
func (rl *rateLimitedLogger) admit(level Level) (uint64, bool) {
	if !rl.logger.IsLogging(level) {
		return 0, false
	}
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return 0, false
	}
	return rl.suppressed.Swap(0), true
}

// withSuppressed appends the count of suppressed messages to format.
func withSuppressed(format string, v []any, n uint64) (string, []any) {
	if n == 0 {
		return format, v
	}
	nl := ""
	if strings.HasSuffix(format, "\n") {
		format, nl = format[:len(format)-1], "\n"
	}
	return format + " (%d similar messages suppressed)" + nl, append(v[:len(v):len(v)], n)
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if n, ok := rl.admit(Debug); ok {
		format, v = withSuppressed(format, v, n)
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if n, ok := rl.admit(Info); ok {
		format, v = withSuppressed(format, v, n)
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if n, ok := rl.admit(Warning); ok {
		format, v = withSuppressed(format, v, n)
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
