// Copyright 2018 The gVisor Authors.
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
	"strings"
	"testing"
	"time"
)

func TestLevelMarshal(t *testing.T) {
	for _, lv := range []Level{Warning, Info, Debug} {
		bs, err := json.Marshal(lv)
		if err != nil {
			t.Fatalf("json.Marshal(%v): %v", lv, err)
		}
		var got Level
		if err := json.Unmarshal(bs, &got); err != nil {
			t.Fatalf("json.Unmarshal(%s): %v", bs, err)
		}
		if got != lv {
			t.Errorf("level %v round tripped through %s as %v", lv, bs, got)
		}
	}
	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("json.Marshal(Level(7)) succeeded")
	}
}

func TestLevelUnmarshal(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
		ok   bool
	}{
		{in: `0`, want: Warning, ok: true},
		{in: `1`, want: Info, ok: true},
		{in: `2`, want: Debug, ok: true},
		{in: `"warning"`, want: Warning, ok: true},
		{in: `"Debug"`, want: Debug, ok: true},
		{in: `"2"`, want: Debug, ok: true},
		{in: `3`},
		{in: `"verbose"`},
	} {
		var got Level
		err := json.Unmarshal([]byte(tc.in), &got)
		if !tc.ok {
			if err == nil {
				t.Errorf("json.Unmarshal(%s) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("json.Unmarshal(%s) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestLevelUnmarshalText(t *testing.T) {
	var lv Level
	if err := lv.UnmarshalText([]byte("INFO")); err != nil || lv != Info {
		t.Errorf("UnmarshalText(INFO) = %v, %v; want Info", lv, err)
	}
	if err := lv.UnmarshalText([]byte("trace")); err == nil {
		t.Errorf("UnmarshalText(trace) succeeded")
	}
	if lv != Info {
		t.Errorf("failed UnmarshalText changed the level to %v", lv)
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Debug, Emitter: JSONEmitter{&Writer{Next: tw}}}
	l.Warningf("host reported %d faults", 3)
	if len(tw.lines) == 0 {
		t.Fatalf("nothing written")
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", tw.lines[0], err)
	}
	if got.Msg != "host reported 3 faults" || got.Level != Warning {
		t.Errorf("got %+v", got)
	}
	if !strings.HasPrefix(got.Source, "json_test.go:") {
		t.Errorf("source %q does not name the calling file", got.Source)
	}
	if time.Since(got.Time) > time.Minute {
		t.Errorf("timestamp %v is stale", got.Time)
	}
}
