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
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// buffer is a simple inline buffer to avoid churn. The data slice is generally
// kept to the local byte array, and we avoid having to allocate it on the heap.
type buffer struct {
	local [256]byte
	data  []byte
}

func (b *buffer) start() {
	b.data = b.local[:0]
}

func (b *buffer) write(c byte) {
	b.data = append(b.data, c)
}

func (b *buffer) writeAll(d []byte) {
	b.data = append(b.data, d...)
}

func (b *buffer) writeString(s string) {
	b.data = append(b.data, s...)
}

// writeDigits writes v zero padded to width digits.
func (b *buffer) writeDigits(v, width int) {
	var tmp [8]byte
	for i := width - 1; i >= 0; i-- {
		tmp[i] = '0' + byte(v%10)
		v /= 10
	}
	b.writeAll(tmp[:width])
}

// pid is used for the threadid component of the header. The glog package
// logger pads it to 7 columns.
var pid = []byte(fmt.Sprintf("%7d", os.Getpid()))

// levelChar maps a level to the glog severity character.
func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b buffer
	b.start()

	b.write(levelChar(level))

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b.writeDigits(int(month), 2)
	b.writeDigits(day, 2)
	b.write(' ')
	b.writeDigits(hour, 2)
	b.write(':')
	b.writeDigits(minute, 2)
	b.write(':')
	b.writeDigits(second, 2)
	b.write('.')
	b.writeDigits(timestamp.Nanosecond()/1000, 6)
	b.write(' ')

	b.writeAll(pid)
	b.write(' ')

	file, line := "x", 0
	if _, f, l, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(f, '/'); slash >= 0 {
			f = f[slash+1:]
		}
		file, line = f, l
	}
	b.writeString(file)
	b.write(':')
	b.writeString(fmt.Sprint(line))
	b.writeString("] ")

	b.writeString(fmt.Sprintf(format, args...))
	b.write('\n')

	g.Writer.Write(b.data)
}
