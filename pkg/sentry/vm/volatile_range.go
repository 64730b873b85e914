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
	"fmt"
)

// A VolatilePageRange is the half-open range of page indices
// [Base, Base+Count) within an AnonymousVMObject, together with whether any
// of its pages have been purged since the range was made volatile.
type VolatilePageRange struct {
	Base      uint64
	Count     uint64
	WasPurged bool
}

// End returns the first page index past r.
func (r VolatilePageRange) End() uint64 {
	return r.Base + r.Count
}

// IsEmpty returns true if r contains no pages.
func (r VolatilePageRange) IsEmpty() bool {
	return r.Count == 0
}

// Contains returns true if r contains page index i.
func (r VolatilePageRange) Contains(i uint64) bool {
	return r.Base <= i && i < r.End()
}

// ContainsRange returns true if every page of o is in r.
func (r VolatilePageRange) ContainsRange(o VolatilePageRange) bool {
	return r.Base <= o.Base && o.End() <= r.End()
}

// Intersects returns true if r and o share at least one page.
func (r VolatilePageRange) Intersects(o VolatilePageRange) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// IsAdjacent returns true if r ends where o begins or vice versa.
func (r VolatilePageRange) IsAdjacent(o VolatilePageRange) bool {
	return r.End() == o.Base || o.End() == r.Base
}

// Intersect returns the pages common to r and o. The result carries r's
// WasPurged flag. If r and o do not intersect, the result is empty.
func (r VolatilePageRange) Intersect(o VolatilePageRange) VolatilePageRange {
	base := max(r.Base, o.Base)
	end := min(r.End(), o.End())
	if base >= end {
		return VolatilePageRange{Base: base}
	}
	return VolatilePageRange{Base: base, Count: end - base, WasPurged: r.WasPurged}
}

// Union returns the smallest range covering r and o, which must intersect or
// be adjacent. WasPurged is set if it is set on either.
func (r VolatilePageRange) Union(o VolatilePageRange) VolatilePageRange {
	if !r.Intersects(o) && !r.IsAdjacent(o) {
		panic(fmt.Sprintf("union of disjoint ranges %v and %v", r, o))
	}
	base := min(r.Base, o.Base)
	end := max(r.End(), o.End())
	return VolatilePageRange{Base: base, Count: end - base, WasPurged: r.WasPurged || o.WasPurged}
}

// String implements fmt.Stringer.
func (r VolatilePageRange) String() string {
	if r.WasPurged {
		return fmt.Sprintf("[%d, %d) purged", r.Base, r.End())
	}
	return fmt.Sprintf("[%d, %d)", r.Base, r.End())
}
