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

package pgalloc

import (
	"anonvm.dev/anonvm/pkg/sentry/usage"
	dto "github.com/prometheus/client_model/go"
)

// MetricFamilies returns the frame statistics of f as Prometheus metric
// families.
func (f *MemoryFile) MetricFamilies() []*dto.MetricFamily {
	s := f.Stats()
	state := func(name string, v uint64) usage.Sample {
		return usage.Sample{Labels: map[string]string{"state": name}, Value: float64(v)}
	}
	return []*dto.MetricFamily{
		usage.GaugeFamily("frames", "Frames by state.",
			state("free", s.FreePages),
			state("used", s.UsedPages),
			state("committed", s.CommittedPages),
			state("available", s.AvailablePages),
		),
		usage.GaugeFamily("frames_total", "Allocatable frames.", usage.Sample{Value: float64(s.TotalPages)}),
		usage.GaugeFamily("reclaim_passes", "Reclaim passes run.", usage.Sample{Value: float64(s.Reclaims)}),
		usage.GaugeFamily("reclaim_purged_frames", "Frames released by reclaim.", usage.Sample{Value: float64(s.PurgedPages)}),
		usage.GaugeFamily("allocation_failures", "Allocations that failed after reclaim.", usage.Sample{Value: float64(s.FailedAllocations)}),
	}
}
