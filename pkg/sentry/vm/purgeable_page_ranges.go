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

	"anonvm.dev/anonvm/pkg/errors/linuxerr"
	"anonvm.dev/anonvm/pkg/sync"
)

// A PageInvalidator caches translations of an object's pages, and must drop
// them when the object replaces or releases the frame behind a page.
type PageInvalidator interface {
	// InvalidatePages drops cached translations for page indices
	// [base, base+count) of the object.
	//
	// InvalidatePages is called with the object's lock held. It must not
	// call back into the object, and must not block on anything but locks
	// that are only ever held around byte copies.
	InvalidatePages(base, count uint64)
}

// PurgeablePageRanges is one mapping's opinion of which pages of an
// AnonymousVMObject it can afford to lose.
//
// Lock order: AnonymousVMObject.mu < PurgeablePageRanges.mu.
type PurgeablePageRanges struct {
	// owner is notified when pages of the object change. Immutable, may be
	// nil.
	owner PageInvalidator

	// vmobject is the object ranges are registered with. It is set on
	// registration and cleared on unregistration, with vmobject.mu held.
	// Registration and volatility changes must not race with each other.
	vmobject *AnonymousVMObject

	mu sync.Mutex

	// ranges is the set of volatile pages. It is mutated with both
	// vmobject.mu and mu locked, and may be read with either locked.
	ranges *VolatilePageRangeSet
}

// NewPurgeablePageRanges returns an empty PurgeablePageRanges that will
// notify owner of page changes once registered.
func NewPurgeablePageRanges(owner PageInvalidator) *PurgeablePageRanges {
	return &PurgeablePageRanges{owner: owner}
}

// VMObject returns the object p is registered with, or nil.
func (p *PurgeablePageRanges) VMObject() *AnonymousVMObject {
	return p.vmobject
}

func (p *PurgeablePageRanges) object() *AnonymousVMObject {
	if p.vmobject == nil {
		panic("PurgeablePageRanges used before registration")
	}
	return p.vmobject
}

// CopyRanges replaces p's volatile ranges with those of src, including
// whether they were purged.
//
// Preconditions: p must not be registered.
func (p *PurgeablePageRanges) CopyRanges(src *PurgeablePageRanges) {
	if p.vmobject != nil {
		panic("CopyRanges on registered PurgeablePageRanges")
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.ranges == nil {
		p.ranges = nil
		return
	}
	p.ranges = src.ranges.Clone()
}

// IsEmpty returns true if no page is volatile.
func (p *PurgeablePageRanges) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ranges == nil || p.ranges.IsEmpty()
}

// IsVolatile returns true if page index i is volatile.
func (p *PurgeablePageRanges) IsVolatile(i uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ranges != nil && p.ranges.Contains(i)
}

// Ranges returns the volatile ranges in order.
func (p *PurgeablePageRanges) Ranges() []VolatilePageRange {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ranges == nil {
		return nil
	}
	return p.ranges.Ranges()
}

// AddVolatileRange marks the pages of r volatile. It returns true if any page
// was not volatile before.
func (p *PurgeablePageRanges) AddVolatileRange(r VolatilePageRange) bool {
	if r.IsEmpty() {
		return false
	}
	o := p.object()
	o.mu.Lock()
	defer o.mu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	r.WasPurged = false
	if !p.ranges.Add(r) {
		return false
	}
	o.rangeMadeVolatileLocked(r)
	return true
}

// RemoveVolatileRange makes the pages of r non-volatile again. wasPurged is
// true if any volatile range losing pages had been purged, in which case the
// purged pages read back as zeroes.
//
// Pages purged while volatile are committed again first. If that commitment
// cannot be obtained, RemoveVolatileRange returns ENOMEM and changes nothing.
// Ranges that were never purged hold their commitment, so removing them
// cannot fail.
func (p *PurgeablePageRanges) RemoveVolatileRange(r VolatilePageRange) (wasPurged bool, err error) {
	if r.IsEmpty() {
		return false, nil
	}
	o := p.object()
	o.mu.Lock()
	defer o.mu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	var need uint64
	p.ranges.ForEachIntersecting(r, func(piece VolatilePageRange) bool {
		need += o.countNeededCommitPagesForNonvolatileRangeLocked(piece)
		return true
	})
	if need > 0 {
		if err := o.mf.CommitPages(need); err != nil {
			return false, err
		}
		left := need
		p.ranges.ForEachIntersecting(r, func(piece VolatilePageRange) bool {
			left -= o.markCommittedPagesForNonvolatileRangeLocked(piece, left)
			return left > 0
		})
		if left != 0 {
			panic(fmt.Sprintf("committed %d pages but only marked %d", need, need-left))
		}
	}

	wasPurged, changed := p.ranges.Remove(r)
	if changed {
		o.rangeMadeNonvolatileLocked(r)
	}
	return wasPurged, nil
}

// SetVolatileRange marks the pages of r volatile or non-volatile. When making
// pages non-volatile, it reports whether any were purged.
func (p *PurgeablePageRanges) SetVolatileRange(r VolatilePageRange, volatile bool) (wasPurged bool, err error) {
	if volatile {
		p.AddVolatileRange(r)
		return false, nil
	}
	return p.RemoveVolatileRange(r)
}

// setWasPurgedLocked marks the ranges containing r as purged.
//
// Preconditions: p.vmobject.mu and p.mu must be locked.
func (p *PurgeablePageRanges) setWasPurgedLocked(r VolatilePageRange) {
	r.WasPurged = true
	p.ranges.Add(r)
}

// checkRange returns EINVAL if r does not lie within the object.
func (p *PurgeablePageRanges) checkRange(r VolatilePageRange) error {
	o := p.object()
	if r.End() < r.Base || r.End() > o.PageCount() {
		return linuxerr.EINVAL
	}
	return nil
}

// SetVolatile is SetVolatileRange for callers that pass page ranges derived
// from user input; it returns EINVAL for ranges that do not lie within the
// object.
func (p *PurgeablePageRanges) SetVolatile(base, count uint64, volatile bool) (wasPurged bool, err error) {
	r := VolatilePageRange{Base: base, Count: count}
	if err := p.checkRange(r); err != nil {
		return false, err
	}
	return p.SetVolatileRange(r, volatile)
}
