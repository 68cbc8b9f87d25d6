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
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// MarshalJSON implements json.Marshaler.MarashalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	switch l {
	case Warning:
		return []byte(`"warning"`), nil
	case Info:
		return []byte(`"info"`), nil
	case Debug:
		return []byte(`"debug"`), nil
	default:
		return nil, fmt.Errorf("unknown level %v", l)
	}
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It can unmarshal
// from both string names and integers.
func (l *Level) UnmarshalJSON(b []byte) error {
	switch s := string(b); s {
	case "0", `"warning"`:
		*l = Warning
	case "1", `"info"`:
		*l = Info
	case "2", `"debug"`:
		*l = Debug
	default:
		return fmt.Errorf("unknown level %q", s)
	}
	return nil
}

// callerOf returns "file:line" for the frame depth+1 above the caller.
func callerOf(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return ""
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

type jsonLog struct {
	Msg    string    `json:"msg"`
	Caller string    `json:"caller,omitempty"`
	Level  Level     `json:"level"`
	Time   time.Time `json:"time"`
}

// JSONEmitter logs messages in json format, one object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	b, err := json.Marshal(jsonLog{
		Msg:    fmt.Sprintf(format, v...),
		Caller: callerOf(depth + 1),
		Level:  level,
		Time:   timestamp,
	})
	if err != nil {
		panic(err)
	}
	e.Writer.Write(b)
}

// LogrusEmitter forwards log statements to a logrus logger, for embedders
// that already route their output through logrus hooks.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// NewLogrusEmitter returns a LogrusEmitter writing text records to w.
func NewLogrusEmitter(w io.Writer) LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	return LogrusEmitter{Logger: l}
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp)
	if c := callerOf(depth + 1); c != "" {
		entry = entry.WithField("caller", c)
	}
	msg := fmt.Sprintf(format, v...)
	switch level {
	case Debug:
		entry.Debug(msg)
	case Info:
		entry.Info(msg)
	default:
		entry.Warn(msg)
	}
}

// EmitterFor returns an Emitter for the named format: "text" (glog style),
// "json" or "logrus".
func EmitterFor(format string, w io.Writer) (Emitter, error) {
	switch format {
	case "text", "":
		return GoogleEmitter{&Writer{Next: w}}, nil
	case "json":
		return JSONEmitter{&Writer{Next: w}}, nil
	case "logrus":
		return NewLogrusEmitter(w), nil
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", format)
	}
}
