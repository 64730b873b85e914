// Copyright 2023 The gVisor Authors.
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
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

// recordingLogger records formatted messages.
type recordingLogger struct {
	msgs []string
}

func (r *recordingLogger) Debugf(format string, v ...any) {
	r.msgs = append(r.msgs, "D "+fmt.Sprintf(format, v...))
}

func (r *recordingLogger) Infof(format string, v ...any) {
	r.msgs = append(r.msgs, "I "+fmt.Sprintf(format, v...))
}

func (r *recordingLogger) Warningf(format string, v ...any) {
	r.msgs = append(r.msgs, "W "+fmt.Sprintf(format, v...))
}

func (r *recordingLogger) IsLogging(level Level) bool {
	return true
}

func TestRateLimitedLogger(t *testing.T) {
	rec := &recordingLogger{}
	rl := RateLimitedLogger(rec, time.Hour).(*rateLimitedLogger)
	rl.Warningf("cannot commit %d pages", 1)
	rl.Warningf("cannot commit %d pages", 2)
	rl.Infof("cannot commit %d pages", 3)
	if want := []string{"W cannot commit 1 pages"}; !cmp.Equal(rec.msgs, want) {
		t.Fatalf("messages got %q want %q", rec.msgs, want)
	}
	if got := rl.dropped.Load(); got != 2 {
		t.Errorf("dropped got %d want 2", got)
	}

	// Lift the limit to let the next message through.
	rl.limit.SetLimit(rate.Inf)
	rl.Debugf("cannot commit %d pages", 4)
	want := []string{
		"W cannot commit 1 pages",
		"D cannot commit 4 pages (2 similar messages suppressed)",
	}
	if !cmp.Equal(rec.msgs, want) {
		t.Errorf("messages got %q want %q", rec.msgs, want)
	}
	if got := rl.dropped.Load(); got != 0 {
		t.Errorf("dropped after report got %d want 0", got)
	}
}

func TestRateLimitedLoggerCaller(t *testing.T) {
	for _, level := range []Level{Debug, Info, Warning} {
		tw := &testWriter{}
		l := &BasicLogger{Level: Debug, Emitter: JSONEmitter{&Writer{Next: tw}}}
		rl := RateLimitedLogger(l, time.Hour)
		switch level {
		case Debug:
			rl.Debugf("cow fault")
		case Info:
			rl.Infof("cow fault")
		case Warning:
			rl.Warningf("cow fault")
		}
		if len(tw.lines) != 1 {
			t.Fatalf("level %v: got %d lines want 1", level, len(tw.lines))
		}
		var got jsonLog
		if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
			t.Fatalf("json.Unmarshal(%q) failed: %v", tw.lines[0], err)
		}
		if want := "rate_limited_test.go:"; !strings.HasPrefix(got.Caller, want) {
			t.Errorf("level %v: caller got %q want prefix %q", level, got.Caller, want)
		}
		if got.Level != level {
			t.Errorf("level got %v want %v", got.Level, level)
		}
	}
}
