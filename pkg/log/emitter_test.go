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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// Tests that Level can marshal/unmarshal properly.
func TestLevelMarshal(t *testing.T) {
	for _, lv := range []Level{Warning, Info, Debug} {
		bs, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("error marshaling %v: %v", lv, err)
		}
		var lv2 Level
		if err := lv2.UnmarshalJSON(bs); err != nil {
			t.Errorf("error unmarshaling %v: %v", bs, err)
		}
		if lv != lv2 {
			t.Errorf("marshal/unmarshal level got %v wanted %v", lv2, lv)
		}
	}
}

// Test that integers can be properly unmarshaled.
func TestUnmarshalFromInt(t *testing.T) {
	for i, want := range []Level{Warning, Info, Debug} {
		j, err := json.Marshal(i)
		if err != nil {
			t.Fatalf("error marshaling %v: %v", i, err)
		}
		var lv Level
		if err := lv.UnmarshalJSON(j); err != nil {
			t.Errorf("error unmarshaling %v: %v", j, err)
		}
		if lv != want {
			t.Errorf("unmarshal %v got %v want %v", i, lv, want)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	e.Emit(0, Info, time.Unix(0, 0).UTC(), "asid %d", 7)

	var got jsonLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output %q is not json: %v", buf.String(), err)
	}
	if got.Msg != "asid 7" || got.Level != Info {
		t.Errorf("got %+v", got)
	}
	if !strings.HasPrefix(got.Caller, "emitter_test.go:") {
		t.Errorf("caller = %q, want emitter_test.go:<line>", got.Caller)
	}
}

func TestEmitterFor(t *testing.T) {
	var buf bytes.Buffer
	for _, format := range []string{"", "text", "json", "logrus"} {
		if _, err := EmitterFor(format, &buf); err != nil {
			t.Errorf("EmitterFor(%q) failed: %v", format, err)
		}
	}
	if _, err := EmitterFor("xml", &buf); err == nil {
		t.Errorf("EmitterFor(xml) succeeded, want error")
	}

	e := NewLogrusEmitter(&buf)
	e.Emit(0, Warning, time.Now(), "fence on hart %d", 2)
	if !strings.Contains(buf.String(), "fence on hart 2") || !strings.Contains(buf.String(), "level=warning") {
		t.Errorf("unexpected logrus output %q", buf.String())
	}
}
