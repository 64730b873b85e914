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

	"anonvm.dev/anonvm/pkg/log"
)

// RegisterPurgeablePageRanges adds p to the mappings whose volatility
// opinions o honors. p may already hold volatile ranges, for example ones
// copied from the mapping o was cloned for.
//
// Pages purged earlier that p holds non-volatile are committed again. If
// that commitment cannot be obtained, RegisterPurgeablePageRanges returns
// ENOMEM and p is not registered.
func (o *AnonymousVMObject) RegisterPurgeablePageRanges(p *PurgeablePageRanges) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p.vmobject != nil {
		panic(fmt.Sprintf("PurgeablePageRanges already registered with %v", p.vmobject))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ranges == nil {
		p.ranges = NewVolatilePageRangeSet(o.pageCount)
	} else if p.ranges.Total() != o.pageCount {
		panic(fmt.Sprintf("registering PurgeablePageRanges for %d pages with %v", p.ranges.Total(), o))
	}
	o.purgeableRanges = append(o.purgeableRanges, p)
	o.volatileCacheDirty = true
	if err := o.recommitNonvolatileLocked(); err != nil {
		o.purgeableRanges = o.purgeableRanges[:len(o.purgeableRanges)-1]
		o.volatileCacheDirty = true
		return err
	}
	p.vmobject = o
	return nil
}

// recommitNonvolatileLocked commits every purged page that is no longer
// volatile in all registrants, turning it back into a lazy-committed slot.
// It changes nothing if the commitment cannot be obtained.
//
// Preconditions: o.mu must be locked.
func (o *AnonymousVMObject) recommitNonvolatileLocked() error {
	if o.released.IsEmpty() {
		return nil
	}
	set := o.volatileRangesLocked()
	var need uint64
	set.ForEachGap(func(gap VolatilePageRange) bool {
		need += o.countNeededCommitPagesForNonvolatileRangeLocked(gap)
		return true
	})
	if need == 0 {
		return nil
	}
	if err := o.mf.CommitPages(need); err != nil {
		log.Debugf("%v: cannot recommit %d purged pages: %v", o, need, err)
		return err
	}
	left := need
	set.ForEachGap(func(gap VolatilePageRange) bool {
		left -= o.markCommittedPagesForNonvolatileRangeLocked(gap, left)
		return left > 0
	})
	if left != 0 {
		panic(fmt.Sprintf("committed %d pages but only marked %d", need, need-left))
	}
	return nil
}

// UnregisterPurgeablePageRanges removes p from o. p keeps its volatile
// ranges.
//
// Removing a registrant can only add pages to the intersection, so no
// commitment changes hands. Pages it adds keep their commitment until they
// are purged. Once the last registrant is gone nothing is volatile; purged
// pages stay uncommitted until the next registration.
func (o *AnonymousVMObject) UnregisterPurgeablePageRanges(p *PurgeablePageRanges) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, q := range o.purgeableRanges {
		if q != p {
			continue
		}
		o.purgeableRanges = append(o.purgeableRanges[:i], o.purgeableRanges[i+1:]...)
		p.vmobject = nil
		o.volatileCacheDirty = true
		return
	}
	panic(fmt.Sprintf("PurgeablePageRanges not registered with %v", o))
}

// RegisteredPurgeablePageRanges returns the number of registrants.
func (o *AnonymousVMObject) RegisteredPurgeablePageRanges() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.purgeableRanges)
}

// volatileRangesLocked returns the set of pages that every registrant holds
// volatile. The returned set must not be modified.
//
// Registrants' ranges are only modified with o.mu locked, so they can be read
// here without their own locks.
//
// Preconditions: o.mu must be locked.
func (o *AnonymousVMObject) volatileRangesLocked() *VolatilePageRangeSet {
	if !o.volatileCacheDirty {
		return o.volatileCache
	}
	o.volatileCacheDirty = false

	if len(o.purgeableRanges) == 0 {
		o.volatileCache = NewVolatilePageRangeSet(o.pageCount)
		return o.volatileCache
	}
	set := o.purgeableRanges[0].ranges.Clone()
	for _, p := range o.purgeableRanges[1:] {
		if set.IsEmpty() {
			break
		}
		if p.ranges.IsEmpty() {
			set = NewVolatilePageRangeSet(o.pageCount)
			break
		}
		set = set.Intersection(p.ranges)
	}
	o.volatileCache = set
	return set
}

// VolatileRanges returns the pages that every registrant holds volatile.
func (o *AnonymousVMObject) VolatileRanges() []VolatilePageRange {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.volatileRangesLocked().Ranges()
}

// ForEachVolatileRange calls fn on each maximal range of pages that every
// registrant holds volatile, in order, until fn returns false.
func (o *AnonymousVMObject) ForEachVolatileRange(fn func(VolatilePageRange) bool) {
	o.mu.Lock()
	set := o.volatileRangesLocked()
	o.mu.Unlock()
	set.ForEach(fn)
}

// ForEachNonvolatileRange calls fn on each maximal range of pages that some
// registrant holds non-volatile, in order, until fn returns false.
func (o *AnonymousVMObject) ForEachNonvolatileRange(fn func(VolatilePageRange) bool) {
	o.mu.Lock()
	set := o.volatileRangesLocked()
	o.mu.Unlock()
	set.ForEachGap(fn)
}

// IsAnyVolatile returns true if any page is volatile in every registrant.
func (o *AnonymousVMObject) IsAnyVolatile() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.volatileRangesLocked().IsEmpty()
}

// IsVolatile returns true if page i is volatile in every registrant.
func (o *AnonymousVMObject) IsVolatile(i uint64) bool {
	o.checkIndex(i)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.volatileRangesLocked().Contains(i)
}

// IsNonvolatile returns true if some registrant holds page i non-volatile.
func (o *AnonymousVMObject) IsNonvolatile(i uint64) bool {
	return !o.IsVolatile(i)
}

// rangeMadeVolatileLocked is called after a registrant made r volatile.
// Lazy-committed slots keep their commitment while volatile, so that making
// them non-volatile again cannot fail unless they were purged; purging
// releases it.
//
// Preconditions: o.mu and the registrant's mu must be locked.
func (o *AnonymousVMObject) rangeMadeVolatileLocked(VolatilePageRange) {
	o.volatileCacheDirty = true
}

// rangeMadeNonvolatileLocked is called after a registrant made r
// non-volatile.
//
// Preconditions: o.mu and the registrant's mu must be locked.
func (o *AnonymousVMObject) rangeMadeNonvolatileLocked(VolatilePageRange) {
	o.volatileCacheDirty = true
}

// needsRecommitLocked returns true if page i lost its backing to a purge
// while it was volatile.
//
// Preconditions: o.mu must be locked.
func (o *AnonymousVMObject) needsRecommitLocked(i uint64) bool {
	return o.pages[i] == o.mf.ZeroFrame() && o.released.Test(uint32(i)) && !o.cow.Test(uint32(i))
}

// countNeededCommitPagesForNonvolatileRangeLocked returns the number of
// pages in r that must be committed again before r can become non-volatile.
//
// Preconditions: o.mu must be locked.
func (o *AnonymousVMObject) countNeededCommitPagesForNonvolatileRangeLocked(r VolatilePageRange) uint64 {
	var n uint64
	for i := r.Base; i < r.End(); i++ {
		if o.needsRecommitLocked(i) {
			n++
		}
	}
	return n
}

// markCommittedPagesForNonvolatileRangeLocked turns up to max pages in r
// counted by countNeededCommitPagesForNonvolatileRangeLocked into
// lazy-committed slots, and returns how many it changed. The caller must
// have committed that many pages.
//
// Preconditions: o.mu must be locked.
func (o *AnonymousVMObject) markCommittedPagesForNonvolatileRangeLocked(r VolatilePageRange, max uint64) uint64 {
	var n uint64
	for i := r.Base; i < r.End() && n < max; i++ {
		if !o.needsRecommitLocked(i) {
			continue
		}
		o.pages[i] = o.mf.LazyCommittedFrame()
		o.released.Remove(uint32(i))
		n++
	}
	o.unusedCommittedPages += n
	return n
}
