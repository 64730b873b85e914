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
	"time"

	"anonvm.dev/anonvm/pkg/bitmap"
	"anonvm.dev/anonvm/pkg/errors/linuxerr"
	"anonvm.dev/anonvm/pkg/hostarch"
	"anonvm.dev/anonvm/pkg/log"
	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
	"anonvm.dev/anonvm/pkg/sentry/usage"
)

// warningInterval is the minimum interval between overcommit warnings from
// a single object.
const warningInterval = 10 * time.Second

// Clone returns a copy-on-write copy of o with one reference.
//
// Every frame-backed page becomes shared between o and the clone, and both
// must copy it before writing to it. Clone commits one page for each such
// page that is not volatile, so that the copies can later be made without
// failing; if that commitment cannot be obtained the clone is still made,
// but its copies may fail for lack of memory.
//
// Clone does not allocate frames. It returns EINVAL if o was destroyed.
func (o *AnonymousVMObject) Clone() (*AnonymousVMObject, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return nil, linuxerr.EINVAL
	}

	clone := newAnonymousVMObject(o.mf, o.pageCount)
	clone.fixedBacking = o.fixedBacking
	clone.memoryType = o.memoryType
	clone.released = o.released.Clone()

	var volatile *VolatilePageRangeSet
	if !o.fixedBacking {
		volatile = o.volatileRangesLocked()
	}
	need := bitmap.New(uint32(o.pageCount))
	for i, f := range o.pages {
		if o.mf.IsReserved(f) {
			clone.pages[i] = o.mf.ZeroFrame()
			continue
		}
		o.mf.IncRef(f)
		clone.pages[i] = f
		o.cow.Add(uint32(i))
		clone.cow.Add(uint32(i))
		if volatile == nil || !volatile.Contains(uint64(i)) {
			need.Add(uint32(i))
		}
	}

	if n := uint64(need.GetNumOnes()); n > 0 && !o.fixedBacking {
		if err := o.mf.CommitPages(n); err != nil {
			o.warningLog.Warningf("Overcommitting clone of %v: cannot commit %d pages for COW copies: %v", o, n, err)
		} else {
			pool := newCommittedCowPages(o.mf, need)
			// o's old pool, if any, stays alive through the clones that
			// still hold it.
			o.dropCOWPagesLocked()
			o.cowPages = pool
			pool.IncRef()
			clone.cowPages = pool
		}
	}

	if !clone.fixedBacking {
		clone.registered = true
		o.mf.RegisterPurgeable(clone)
	}
	log.Debugf("Cloned %v into %v: %d shared pages, %d committed for copies", o, clone, o.cow.GetNumOnes(), need.GetNumOnes())
	return clone, nil
}

// isNonvolatileLocked returns true if no registrant holds page i volatile.
//
// Preconditions: o.mu must be locked.
func (o *AnonymousVMObject) isNonvolatileLocked(i uint64) bool {
	return !o.volatileRangesLocked().Contains(i)
}

// HandleCOWFault resolves a write fault at addr on page i of o. If the page
// must be copied, HandleCOWFault copies it into a new frame, preferably one
// reserved in the committed pool, and installs the copy in o.
//
// If o is the sole owner of the frame, the page is made writable without a
// copy and the pool page reserved for it is given back, unless another
// member of the clone family already copied into it.
func (o *AnonymousVMObject) HandleCOWFault(i uint64, addr hostarch.Addr) PageFaultResponse {
	o.checkIndex(i)
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.cow.Test(uint32(i)) {
		return PageFaultContinue
	}
	o.stats.COWFaults++
	old := o.pages[i]
	if o.mf.IsReserved(old) {
		panic(fmt.Sprintf("COW bit set on page %d of %v holding %v", i, o, old))
	}
	if o.mf.HasUniqueRef(old) {
		o.cow.Remove(uint32(i))
		if o.cowPages != nil && o.cowPages.ReturnOne(i) {
			o.dropCOWPagesLocked()
		}
		return PageFaultContinue
	}

	var (
		frame pgalloc.Frame
		ok    bool
	)
	if o.cowPages != nil && o.isNonvolatileLocked(i) {
		frame, ok = o.cowPages.TakeOne(i)
		if ok {
			o.stats.COWPoolCopies++
		}
		if o.cowPages.Remaining() == 0 {
			o.dropCOWPagesLocked()
		}
	}
	if !ok {
		var err error
		frame, err = o.mf.Allocate(pgalloc.AllocOpts{Kind: usage.Anonymous})
		if err != nil {
			log.Debugf("COW fault at %v on page %d of %v: %v", addr, i, o, err)
			return PageFaultOutOfMemory
		}
	}

	if err := o.copyFrameLocked(frame, old); err != nil {
		o.mf.DecRef(frame)
		log.Warningf("COW fault at %v on page %d of %v: %v", addr, i, o, err)
		return PageFaultShouldCrash
	}
	o.invalidateOwnersLocked(i, 1)
	o.pages[i] = frame
	o.mf.DecRef(old)
	o.cow.Remove(uint32(i))
	o.stats.COWCopies++
	return PageFaultContinue
}

// copyFrameLocked copies the contents of src into dst.
//
// Preconditions: o.mu must be locked.
func (o *AnonymousVMObject) copyFrameLocked(dst, src pgalloc.Frame) error {
	d, err := o.mf.MapInternal(dst, hostarch.Write)
	if err != nil {
		return err
	}
	s, err := o.mf.MapInternal(src, hostarch.Read)
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}

// HandleZeroFault resolves the first access to page i of o if the page slot
// holds one of the MemoryFile's shared zero frames. Lazy-committed pages are
// allocated against o's commitment and cannot fail; other zero pages are
// allocated from uncommitted memory.
func (o *AnonymousVMObject) HandleZeroFault(i uint64) PageFaultResponse {
	o.checkIndex(i)
	o.mu.Lock()
	defer o.mu.Unlock()

	var frame pgalloc.Frame
	switch o.pages[i] {
	case o.mf.LazyCommittedFrame():
		frame = o.allocateCommittedPageLocked(i)
	case o.mf.ZeroFrame():
		var err error
		frame, err = o.mf.Allocate(pgalloc.AllocOpts{Kind: usage.Anonymous})
		if err != nil {
			log.Debugf("Zero fault on page %d of %v: %v", i, o, err)
			return PageFaultOutOfMemory
		}
		o.released.Remove(uint32(i))
	default:
		return PageFaultContinue
	}
	o.invalidateOwnersLocked(i, 1)
	o.pages[i] = frame
	o.stats.ZeroFaults++
	return PageFaultContinue
}

// allocateCommittedPageLocked allocates the frame for lazy-committed page i.
//
// Preconditions: o.mu must be locked. Page i must be lazy-committed.
func (o *AnonymousVMObject) allocateCommittedPageLocked(i uint64) pgalloc.Frame {
	if o.unusedCommittedPages == 0 {
		panic(fmt.Sprintf("lazy-committed page %d of %v without unused commitment", i, o))
	}
	o.unusedCommittedPages--
	return o.mf.AllocateCommitted(pgalloc.AllocOpts{Kind: usage.Anonymous})
}

// invalidateOwnersLocked tells every registrant to drop translations of
// pages [base, base+count).
//
// Preconditions: o.mu must be locked.
func (o *AnonymousVMObject) invalidateOwnersLocked(base, count uint64) {
	for _, p := range o.purgeableRanges {
		if p.owner != nil {
			p.owner.InvalidatePages(base, count)
		}
	}
}
