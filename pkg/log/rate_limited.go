// Copyright 2026 The Kestrel Authors.
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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops statements above the configured rate, and reports
// how many were dropped with the next statement that gets through.
type rateLimitedLogger struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

func (rl *rateLimitedLogger) allow(logf func(string, ...any)) bool {
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return false
	}
	if n := rl.dropped.Swap(0); n > 0 {
		logf("(%d similar messages suppressed)", n)
	}
	return true
}

// Debugf implements Logger.Debugf.
func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.allow(rl.logger.Debugf) {
		rl.logger.Debugf(format, v...)
	}
}

// Infof implements Logger.Infof.
func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.allow(rl.logger.Infof) {
		rl.logger.Infof(format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.allow(rl.logger.Warningf) {
		rl.logger.Warningf(format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
