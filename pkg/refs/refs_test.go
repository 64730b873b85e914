// Copyright 2020 The gVisor Authors.
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


package refs

import (
	"fmt"
	"strings"
	"testing"
)

type testObject struct {
	name string
	skip bool
}

func (o *testObject) RefType() string         { return "testObject" }
func (o *testObject) LeakMessage() string     { return fmt.Sprintf("[testObject %s] leaked", o.name) }
func (o *testObject) LogRefs() bool           { return false }
func (o *testObject) LeakCheckDisabled() bool { return o.skip }

func withLeakMode(t *testing.T, mode LeakMode) {
	old := GetLeakMode()
	SetLeakMode(mode)
	t.Cleanup(func() { SetLeakMode(old) })
}

func TestLeakModeFlag(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want LeakMode
	}{
		{"disabled", NoLeakChecking},
		{"log-names", LeaksLogWarning},
		{"panic", LeaksPanic},
	} {
		var m LeakMode
		if err := m.Set(tc.in); err != nil {
			t.Fatalf("Set(%q) failed: %v", tc.in, err)
		}
		if m != tc.want || m.String() != tc.in {
			t.Errorf("Set(%q) got %v want %v", tc.in, m, tc.want)
		}
	}
	var m LeakMode
	if err := m.Set("sometimes"); err == nil {
		t.Errorf("Set(%q) succeeded, want error", "sometimes")
	}
}

func TestRegisterDisabled(t *testing.T) {
	withLeakMode(t, NoLeakChecking)
	o := &testObject{name: "a"}
	// Neither call tracks anything while checking is off.
	Register(o)
	Register(o)
	Unregister(o)
}

func TestDoRepeatedLeakCheckPanics(t *testing.T) {
	withLeakMode(t, LeaksPanic)
	o := &testObject{name: "pool"}
	Register(o)
	defer Unregister(o)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("DoRepeatedLeakCheck did not panic with a live object")
		}
		if msg := fmt.Sprint(r); !strings.Contains(msg, "[testObject pool] leaked") {
			t.Errorf("panic message got %q want it to name the leaked object", msg)
		}
	}()
	DoRepeatedLeakCheck()
}

func TestLeakCheckSkipsDisabledObjects(t *testing.T) {
	withLeakMode(t, LeaksPanic)
	o := &testObject{name: "skipped", skip: true}
	Register(o)
	defer Unregister(o)

	before := LeaksFound()
	DoRepeatedLeakCheck()
	if got := LeaksFound(); got != before {
		t.Errorf("LeaksFound() got %d want %d", got, before)
	}
}

func TestDoubleRegisterPanics(t *testing.T) {
	withLeakMode(t, LeaksLogWarning)
	o := &testObject{name: "twice"}
	Register(o)
	defer Unregister(o)
	defer func() {
		if recover() == nil {
			t.Errorf("second Register did not panic")
		}
	}()
	Register(o)
}

func TestFormatStack(t *testing.T) {
	s := FormatStack(RecordStack())
	if !strings.Contains(s, "refs_test.go") {
		t.Errorf("FormatStack(RecordStack()) got %q want it to include refs_test.go", s)
	}
}
