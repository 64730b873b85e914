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

package usage

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

func TestIncDecMove(t *testing.T) {
	m := &MemoryLocked{}
	m.Inc(3*4096, Anonymous)
	m.Inc(4096, System)
	m.Move(4096, Device, Anonymous)
	m.Dec(4096, Anonymous)
	m.Commit(5 * 4096)
	m.Uncommit(2 * 4096)

	got, total := m.Copy()
	want := MemoryStats{
		System:    4096,
		Anonymous: 4096,
		Device:    4096,
		Committed: 3 * 4096,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Copy() mismatch (-want +got):\n%s", diff)
	}
	if total != 3*4096 {
		t.Errorf("total got %d want %d", total, 3*4096)
	}
	if got := m.Total(); got != total {
		t.Errorf("Total() got %d want %d", got, total)
	}
}

func TestInvalidKindPanics(t *testing.T) {
	m := &MemoryLocked{}
	defer func() {
		if recover() == nil {
			t.Errorf("Inc with invalid kind did not panic")
		}
	}()
	m.Inc(1, MemoryKind(42))
}

func TestWriteTextParses(t *testing.T) {
	m := &MemoryLocked{}
	m.Inc(2*4096, Anonymous)
	m.Inc(4096, System)
	m.Commit(4096)

	var buf bytes.Buffer
	if _, err := WriteText(&buf, m.MetricFamilies()...); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies failed: %v", err)
	}

	usage, ok := parsed[MetricPrefix+"memory_usage_bytes"]
	if !ok {
		t.Fatalf("parsed families %v missing memory_usage_bytes", parsed)
	}
	got := make(map[string]float64)
	for _, metric := range usage.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "kind" {
				got[label.GetValue()] = metric.GetGauge().GetValue()
			}
		}
	}
	want := map[string]float64{"system": 4096, "anonymous": 2 * 4096, "device": 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("memory_usage_bytes mismatch (-want +got):\n%s", diff)
	}
	if got := parsed[MetricPrefix+"memory_committed_bytes"].GetMetric()[0].GetGauge().GetValue(); got != 4096 {
		t.Errorf("memory_committed_bytes got %v want 4096", got)
	}
	if got := parsed[MetricPrefix+"memory_total_bytes"].GetMetric()[0].GetGauge().GetValue(); got != 3*4096 {
		t.Errorf("memory_total_bytes got %v want %v", got, 3*4096)
	}
}
