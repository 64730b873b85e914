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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"anonvm.dev/anonvm/pkg/refs"
	"github.com/google/go-cmp/cmp"
)

func newTestFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return testFlags
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmsim.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		LogFormat:     "text",
		TotalPages:    4096,
		ReferenceLeak: refs.NoLeakChecking,
		Stress:        defaultStress,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newTestFlags(t,
		"--debug",
		"--total-pages=123",
		"--log-format=json",
		"--ref-leak-mode=log-names",
	))
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := uint64(123); c.TotalPages != want {
		t.Errorf("TotalPages=%v, want: %v", c.TotalPages, want)
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}
	if want := refs.LeaksLogWarning; c.ReferenceLeak != want {
		t.Errorf("ReferenceLeak=%v, want: %v", c.ReferenceLeak, want)
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		args  []string
		error string
	}{
		{
			name:  "log-format",
			args:  []string{"--log-format=xml"},
			error: "invalid log format",
		},
		{
			name:  "total-pages",
			args:  []string{"--total-pages=0"},
			error: "total-pages must be positive",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewFromFlags(newTestFlags(t, tc.args...))
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() got error %v want error containing %q", err, tc.error)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
debug = true
total_pages = 256

[stress]
workers = 2
region_pages = 8
strategy = "reserve"
reclaim_interval = "20ms"
`)
	c, err := NewFromFlags(newTestFlags(t, "--config="+path))
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		ConfigFile:    path,
		Debug:         true,
		LogFormat:     "text",
		TotalPages:    256,
		ReferenceLeak: refs.NoLeakChecking,
		Stress: Stress{
			Workers:         2,
			Iterations:      defaultStress.Iterations,
			RegionPages:     8,
			Strategy:        "reserve",
			ReclaimInterval: 20 * time.Millisecond,
			RetryInterval:   defaultStress.RetryInterval,
			MaxRetries:      defaultStress.MaxRetries,
		},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileFlagsTakePrecedence(t *testing.T) {
	path := writeConfig(t, "total_pages = 256\nlog_format = \"json\"\n")
	c, err := NewFromFlags(newTestFlags(t, "--config="+path, "--total-pages=512"))
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(512); c.TotalPages != want {
		t.Errorf("TotalPages=%v, want: %v", c.TotalPages, want)
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		error    string
	}{
		{
			name:     "unknown key",
			contents: "bogus = 1\n",
			error:    "unknown keys",
		},
		{
			name:     "syntax",
			contents: "total_pages = \n",
			error:    "error reading config file",
		},
		{
			name:     "strategy",
			contents: "[stress]\nstrategy = \"eager\"\n",
			error:    "stress.strategy",
		},
		{
			name:     "workers",
			contents: "[stress]\nworkers = 0\n",
			error:    "stress.workers",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.contents)
			_, err := NewFromFlags(newTestFlags(t, "--config="+path))
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() got error %v want error containing %q", err, tc.error)
			}
		})
	}
	if _, err := NewFromFlags(newTestFlags(t, "--config="+filepath.Join(t.TempDir(), "missing.toml"))); err == nil {
		t.Errorf("NewFromFlags() with missing file succeeded")
	}
}

func TestOverride(t *testing.T) {
	testFlags := newTestFlags(t)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Override(testFlags, "total-pages", "42"); err != nil {
		t.Fatalf("Override(total-pages) failed: %v", err)
	}
	if want := uint64(42); c.TotalPages != want {
		t.Errorf("TotalPages=%v, want: %v", c.TotalPages, want)
	}
	if err := c.Override(testFlags, "log-format", "xml"); err == nil {
		t.Errorf("Override(log-format=xml) succeeded")
	}
	if err := c.Override(testFlags, "not-a-flag", "1"); err == nil {
		t.Errorf("Override(not-a-flag) succeeded")
	}
}

func TestExampleConfig(t *testing.T) {
	c, err := NewFromFlags(newTestFlags(t, "--config=testdata/stress.toml"))
	if err != nil {
		t.Fatal(err)
	}
	want := Stress{
		Workers:         8,
		Iterations:      64,
		RegionPages:     32,
		Strategy:        "reserve",
		ReclaimInterval: 2 * time.Millisecond,
		RetryInterval:   500 * time.Microsecond,
		MaxRetries:      2000,
	}
	if diff := cmp.Diff(want, c.Stress); diff != "" {
		t.Errorf("Stress mismatch (-want +got):\n%s", diff)
	}
	if want := uint64(512); c.TotalPages != want {
		t.Errorf("TotalPages=%v, want: %v", c.TotalPages, want)
	}
}
