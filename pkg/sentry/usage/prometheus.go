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
	"fmt"
	"io"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// MetricPrefix is prepended to every exported metric name.
const MetricPrefix = "anonvm_"

// Sample is a single labeled value of a gauge.
type Sample struct {
	Labels map[string]string
	Value  float64
}

// GaugeFamily builds a gauge metric family named MetricPrefix+name.
func GaugeFamily(name, help string, samples ...Sample) *dto.MetricFamily {
	fullName := MetricPrefix + name
	typ := dto.MetricType_GAUGE
	mf := &dto.MetricFamily{
		Name: &fullName,
		Help: &help,
		Type: &typ,
	}
	for _, s := range samples {
		v := s.Value
		m := &dto.Metric{Gauge: &dto.Gauge{Value: &v}}
		keys := make([]string, 0, len(s.Labels))
		for k := range s.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			k, val := k, s.Labels[k]
			m.Label = append(m.Label, &dto.LabelPair{Name: &k, Value: &val})
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// MetricFamilies returns the memory stats in m as Prometheus metric families.
func (m *MemoryLocked) MetricFamilies() []*dto.MetricFamily {
	ms, total := m.Copy()
	return []*dto.MetricFamily{
		GaugeFamily("memory_usage_bytes", "Memory in use by kind.",
			Sample{Labels: map[string]string{"kind": System.String()}, Value: float64(ms.System)},
			Sample{Labels: map[string]string{"kind": Anonymous.String()}, Value: float64(ms.Anonymous)},
			Sample{Labels: map[string]string{"kind": Device.String()}, Value: float64(ms.Device)},
		),
		GaugeFamily("memory_total_bytes", "Total memory in use.", Sample{Value: float64(total)}),
		GaugeFamily("memory_committed_bytes", "Memory reserved by commitment and not yet allocated.", Sample{Value: float64(ms.Committed)}),
	}
}

// WriteText writes families to w in the Prometheus text exposition format,
// ordered by metric name.
func WriteText(w io.Writer, families ...*dto.MetricFamily) (int, error) {
	sorted := append([]*dto.MetricFamily(nil), families...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].GetName() < sorted[j].GetName()
	})
	written := 0
	for _, mf := range sorted {
		n, err := expfmt.MetricFamilyToText(w, mf)
		written += n
		if err != nil {
			return written, fmt.Errorf("writing metric family %q: %w", mf.GetName(), err)
		}
	}
	return written, nil
}
