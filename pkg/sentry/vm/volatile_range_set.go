// Copyright 2021 The gVisor Authors.
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

package vm

import (
	"strings"

	"github.com/google/btree"
)

// rangeSetDegree is the degree of the btree backing a VolatilePageRangeSet.
const rangeSetDegree = 8

func lessByBase(a, b VolatilePageRange) bool {
	return a.Base < b.Base
}

// VolatilePageRangeSet is a set of page indices within [0, total), stored as
// disjoint, non-adjacent, non-empty ranges ordered by base.
//
// VolatilePageRangeSet is not safe for concurrent mutation. Sets that are
// shared between goroutines are treated as immutable.
type VolatilePageRangeSet struct {
	total  uint64
	ranges *btree.BTreeG[VolatilePageRange]
}

// NewVolatilePageRangeSet returns an empty set bounded to [0, total).
func NewVolatilePageRangeSet(total uint64) *VolatilePageRangeSet {
	return &VolatilePageRangeSet{
		total:  total,
		ranges: btree.NewG[VolatilePageRange](rangeSetDegree, lessByBase),
	}
}

// Total returns the number of pages the set is bounded to.
func (s *VolatilePageRangeSet) Total() uint64 {
	return s.total
}

// IsEmpty returns true if the set contains no pages.
func (s *VolatilePageRangeSet) IsEmpty() bool {
	return s.ranges.Len() == 0
}

// Len returns the number of ranges in the set.
func (s *VolatilePageRangeSet) Len() int {
	return s.ranges.Len()
}

// Pages returns the number of pages in the set.
func (s *VolatilePageRangeSet) Pages() uint64 {
	var n uint64
	s.ranges.Ascend(func(r VolatilePageRange) bool {
		n += r.Count
		return true
	})
	return n
}

// Clone returns a copy of s. The copy shares no mutable state with s.
func (s *VolatilePageRangeSet) Clone() *VolatilePageRangeSet {
	return &VolatilePageRangeSet{
		total:  s.total,
		ranges: s.ranges.Clone(),
	}
}

// clip restricts r to [0, s.total).
func (s *VolatilePageRangeSet) clip(r VolatilePageRange) VolatilePageRange {
	return r.Intersect(VolatilePageRange{Base: 0, Count: s.total})
}

// touching returns every range in s that intersects or is adjacent to r, in
// order.
func (s *VolatilePageRangeSet) touching(r VolatilePageRange) []VolatilePageRange {
	var out []VolatilePageRange
	start := r
	s.ranges.DescendLessOrEqual(r, func(prev VolatilePageRange) bool {
		start = prev
		return false
	})
	s.ranges.AscendGreaterOrEqual(start, func(cur VolatilePageRange) bool {
		if cur.Base > r.End() {
			return false
		}
		if cur.Intersects(r) || cur.IsAdjacent(r) {
			out = append(out, cur)
		}
		return true
	})
	return out
}

// Add adds the pages of r to the set, merging with intersecting or adjacent
// ranges. The merged range is marked purged if any of its parts were. Add
// returns true if the set changed.
func (s *VolatilePageRangeSet) Add(r VolatilePageRange) bool {
	r = s.clip(r)
	if r.IsEmpty() {
		return false
	}
	touching := s.touching(r)
	for _, t := range touching {
		if t.ContainsRange(r) && (t.WasPurged || !r.WasPurged) {
			return false
		}
	}
	merged := r
	for _, t := range touching {
		merged = merged.Union(t)
		s.ranges.Delete(t)
	}
	s.ranges.ReplaceOrInsert(merged)
	return true
}

// Remove removes the pages of r from the set. wasPurged is true if any range
// that lost pages was marked purged. changed is true if the set changed.
func (s *VolatilePageRangeSet) Remove(r VolatilePageRange) (wasPurged, changed bool) {
	r = s.clip(r)
	if r.IsEmpty() {
		return false, false
	}
	for _, t := range s.touching(r) {
		if !t.Intersects(r) {
			continue
		}
		changed = true
		wasPurged = wasPurged || t.WasPurged
		s.ranges.Delete(t)
		if t.Base < r.Base {
			s.ranges.ReplaceOrInsert(VolatilePageRange{Base: t.Base, Count: r.Base - t.Base, WasPurged: t.WasPurged})
		}
		if t.End() > r.End() {
			s.ranges.ReplaceOrInsert(VolatilePageRange{Base: r.End(), Count: t.End() - r.End(), WasPurged: t.WasPurged})
		}
	}
	return wasPurged, changed
}

// Contains returns true if page index i is in the set.
func (s *VolatilePageRangeSet) Contains(i uint64) bool {
	found := false
	s.ranges.DescendLessOrEqual(VolatilePageRange{Base: i}, func(r VolatilePageRange) bool {
		found = r.Contains(i)
		return false
	})
	return found
}

// Intersects returns true if any page of r is in the set.
func (s *VolatilePageRangeSet) Intersects(r VolatilePageRange) bool {
	for _, t := range s.touching(r) {
		if t.Intersects(r) {
			return true
		}
	}
	return false
}

// ForEach calls fn on every range in order until fn returns false.
func (s *VolatilePageRangeSet) ForEach(fn func(VolatilePageRange) bool) {
	s.ranges.Ascend(func(r VolatilePageRange) bool {
		return fn(r)
	})
}

// ForEachIntersecting calls fn, in order, on the part of each range that
// intersects r, until fn returns false.
func (s *VolatilePageRangeSet) ForEachIntersecting(r VolatilePageRange, fn func(VolatilePageRange) bool) {
	for _, t := range s.touching(r) {
		if !t.Intersects(r) {
			continue
		}
		if !fn(t.Intersect(r)) {
			return
		}
	}
}

// ForEachGap calls fn, in order, on every maximal range of [0, total) that is
// not in the set, until fn returns false.
func (s *VolatilePageRangeSet) ForEachGap(fn func(VolatilePageRange) bool) {
	next := uint64(0)
	cont := true
	s.ranges.Ascend(func(r VolatilePageRange) bool {
		if r.Base > next {
			cont = fn(VolatilePageRange{Base: next, Count: r.Base - next})
		}
		next = r.End()
		return cont
	})
	if cont && next < s.total {
		fn(VolatilePageRange{Base: next, Count: s.total - next})
	}
}

// Ranges returns the ranges of the set in order.
func (s *VolatilePageRangeSet) Ranges() []VolatilePageRange {
	out := make([]VolatilePageRange, 0, s.ranges.Len())
	s.ranges.Ascend(func(r VolatilePageRange) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Intersection returns a new set holding the pages present in both s and o.
// Each resulting range is marked purged if it lies within a purged range of s
// or of o.
func (s *VolatilePageRangeSet) Intersection(o *VolatilePageRangeSet) *VolatilePageRangeSet {
	out := NewVolatilePageRangeSet(min(s.total, o.total))
	s.ranges.Ascend(func(r VolatilePageRange) bool {
		o.ForEachIntersecting(r, func(piece VolatilePageRange) bool {
			piece.WasPurged = piece.WasPurged || r.WasPurged
			out.Add(piece)
			return true
		})
		return true
	})
	return out
}

// String implements fmt.Stringer.
func (s *VolatilePageRangeSet) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	s.ranges.Ascend(func(r VolatilePageRange) bool {
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(r.String())
		return true
	})
	b.WriteByte('}')
	return b.String()
}
