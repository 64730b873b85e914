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

// Package vm implements anonymous memory objects: page-granular containers of
// frames that can be cloned copy-on-write and whose pages can be marked
// volatile by the mappings that use them, allowing reclaim to discard those
// pages under memory pressure.
package vm

import (
	"fmt"

	"anonvm.dev/anonvm/pkg/bitmap"
	"anonvm.dev/anonvm/pkg/errors/linuxerr"
	"anonvm.dev/anonvm/pkg/hostarch"
	"anonvm.dev/anonvm/pkg/log"
	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
	"anonvm.dev/anonvm/pkg/sentry/usage"
	"anonvm.dev/anonvm/pkg/sync"
)

// AllocationStrategy controls how CreateWithSize backs a new object.
type AllocationStrategy int

const (
	// AllocateNow commits and allocates every page up front.
	AllocateNow AllocationStrategy = iota

	// Reserve commits every page up front but allocates on first access.
	Reserve

	// None neither commits nor allocates; pages are allocated on first
	// access if memory is available then.
	None
)

// String implements fmt.Stringer.
func (s AllocationStrategy) String() string {
	switch s {
	case AllocateNow:
		return "allocate-now"
	case Reserve:
		return "reserve"
	case None:
		return "none"
	default:
		return fmt.Sprintf("AllocationStrategy(%d)", int(s))
	}
}

// ParseAllocationStrategy parses the names returned by
// AllocationStrategy.String.
func ParseAllocationStrategy(s string) (AllocationStrategy, error) {
	for _, st := range []AllocationStrategy{AllocateNow, Reserve, None} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("invalid allocation strategy %q", s)
}

// AnonymousVMObject is a fixed-size array of pages backed by MemoryFile
// frames.
//
// Each page slot holds either a frame owned (possibly jointly) by the
// object, the MemoryFile's zero frame, or its lazy-committed frame. The two
// shared frames both read as zeroes; a lazy-committed slot additionally holds
// one page of the object's commitment, which guarantees that the first write
// to the page can be served.
//
// Lock order: AnonymousVMObject.mu < PurgeablePageRanges.mu <
// CommittedCowPages.mu < MemoryFile.mu.
type AnonymousVMObject struct {
	anonymousVMObjectRefs

	// mf allocates frames for the object. Immutable.
	mf *pgalloc.MemoryFile

	// pageCount is the number of pages. Immutable.
	pageCount uint64

	// fixedBacking is true for objects that wrap frames handed to them by
	// their creator. Such objects are never purged. Immutable.
	fixedBacking bool

	// memoryType is the memory type of the backing frames. Immutable.
	memoryType hostarch.MemoryType

	// warningLog rate limits overcommit warnings. Immutable.
	warningLog log.Logger

	mu sync.Mutex

	// pages holds the frame in each page slot.
	pages []pgalloc.Frame

	// cow has a bit set for every page whose frame may be shared with a
	// clone and must be copied before this object writes to it.
	cow bitmap.Bitmap

	// released has a bit set for every zero-frame page that lost its frame
	// or commitment to a purge. Such pages are committed again when they
	// become non-volatile.
	released bitmap.Bitmap

	// purgeableRanges are the registered mappings' volatility opinions.
	// The object does not own them.
	purgeableRanges []*PurgeablePageRanges

	// volatileCache is the intersection of all registrants' volatile
	// ranges. It is replaced, never modified, when recomputed.
	volatileCache      *VolatilePageRangeSet
	volatileCacheDirty bool

	// unusedCommittedPages is the number of lazy-committed slots.
	unusedCommittedPages uint64

	// cowPages is the pool shared with clones, or nil.
	cowPages *CommittedCowPages

	// registered is true if the object is registered with mf for reclaim.
	registered bool

	destroyed bool

	stats ObjectStats
}

// ObjectStats counts events on an AnonymousVMObject.
type ObjectStats struct {
	// COWFaults is the number of COW faults on pages whose bit was set.
	COWFaults uint64
	// COWCopies is the number of COW faults that copied a page.
	COWCopies uint64
	// COWPoolCopies is the number of copies drawn from a committed pool.
	COWPoolCopies uint64
	// ZeroFaults is the number of pages allocated on first access.
	ZeroFaults uint64
	// PurgedPages is the number of frames and lazy commitments released by
	// purges.
	PurgedPages uint64
}

// PageFaultResponse tells a fault handler's caller how to proceed.
type PageFaultResponse int

const (
	// PageFaultContinue means the fault was resolved and the access may be
	// retried.
	PageFaultContinue PageFaultResponse = iota

	// PageFaultOutOfMemory means no frame could be obtained.
	PageFaultOutOfMemory

	// PageFaultShouldCrash means the access can never succeed.
	PageFaultShouldCrash
)

// String implements fmt.Stringer.
func (r PageFaultResponse) String() string {
	switch r {
	case PageFaultContinue:
		return "Continue"
	case PageFaultOutOfMemory:
		return "OutOfMemory"
	case PageFaultShouldCrash:
		return "ShouldCrash"
	default:
		return fmt.Sprintf("PageFaultResponse(%d)", int(r))
	}
}

func newAnonymousVMObject(mf *pgalloc.MemoryFile, pageCount uint64) *AnonymousVMObject {
	o := &AnonymousVMObject{
		mf:            mf,
		pageCount:     pageCount,
		memoryType:    hostarch.MemoryTypeWriteBack,
		warningLog:    log.BasicRateLimitedLogger(warningInterval),
		pages:         make([]pgalloc.Frame, pageCount),
		cow:           bitmap.New(uint32(pageCount)),
		released:      bitmap.New(uint32(pageCount)),
		volatileCache: NewVolatilePageRangeSet(pageCount),
	}
	o.InitRefs()
	return o
}

func checkPageCount(pageCount uint64) error {
	if pageCount == 0 || pageCount > uint64(bitmap.MaxBitEntryLimit) {
		return linuxerr.EINVAL
	}
	return nil
}

// CreateWithSize returns a new object spanning size bytes, rounded up to
// whole pages, with one reference. It returns EINVAL for a zero size and
// ENOMEM if strategy requires a commitment that cannot be made.
func CreateWithSize(mf *pgalloc.MemoryFile, size uint64, strategy AllocationStrategy) (*AnonymousVMObject, error) {
	end, ok := hostarch.Addr(size).RoundUp()
	if !ok {
		return nil, linuxerr.EINVAL
	}
	pageCount := uint64(end) / hostarch.PageSize
	if err := checkPageCount(pageCount); err != nil {
		return nil, err
	}
	switch strategy {
	case AllocateNow, Reserve:
		if err := mf.CommitPages(pageCount); err != nil {
			log.Debugf("Cannot commit %d pages for new %v object: %v", pageCount, strategy, err)
			return nil, err
		}
	case None:
	default:
		panic(fmt.Sprintf("invalid allocation strategy %v", strategy))
	}

	o := newAnonymousVMObject(mf, pageCount)
	for i := range o.pages {
		switch strategy {
		case AllocateNow:
			o.pages[i] = mf.AllocateCommitted(pgalloc.AllocOpts{Kind: usage.Anonymous})
		case Reserve:
			o.pages[i] = mf.LazyCommittedFrame()
		case None:
			o.pages[i] = mf.ZeroFrame()
		}
	}
	if strategy == Reserve {
		o.unusedCommittedPages = pageCount
	}
	o.registered = true
	mf.RegisterPurgeable(o)
	return o, nil
}

// CreateForPhysicalRange returns an object wrapping the frames of fr, which
// the caller must hold references on, with memory type mt. The object takes
// its own reference on every frame. Its pages are never purged.
func CreateForPhysicalRange(mf *pgalloc.MemoryFile, fr pgalloc.FrameRange, mt hostarch.MemoryType) (*AnonymousVMObject, error) {
	if !fr.WellFormed() {
		return nil, linuxerr.EINVAL
	}
	if err := checkPageCount(fr.Length()); err != nil {
		return nil, err
	}
	o := newAnonymousVMObject(mf, fr.Length())
	o.fixedBacking = true
	o.memoryType = mt
	for i := range o.pages {
		f := fr.Start + pgalloc.Frame(i)
		mf.IncRef(f)
		o.pages[i] = f
	}
	return o, nil
}

// CreateWithPhysicalPage returns a single-page object wrapping f, which the
// caller must hold a reference on.
func CreateWithPhysicalPage(mf *pgalloc.MemoryFile, f pgalloc.Frame) (*AnonymousVMObject, error) {
	return CreateForPhysicalRange(mf, pgalloc.FrameRange{Start: f, End: f + 1}, hostarch.MemoryTypeWriteBack)
}

// DecRef drops a reference on o. The last reference releases every frame and
// commitment the object holds.
//
// Preconditions: If this is the last reference, no PurgeablePageRanges may
// be registered with o.
func (o *AnonymousVMObject) DecRef() {
	o.anonymousVMObjectRefs.DecRef(o.destroy)
}

func (o *AnonymousVMObject) destroy() {
	o.mu.Lock()
	if n := len(o.purgeableRanges); n != 0 {
		o.mu.Unlock()
		panic(fmt.Sprintf("destroying %v with %d registered purgeable ranges", o, n))
	}
	o.destroyed = true
	for i, f := range o.pages {
		if !o.mf.IsReserved(f) {
			o.mf.DecRef(f)
		}
		o.pages[i] = o.mf.ZeroFrame()
	}
	if o.unusedCommittedPages > 0 {
		o.mf.UncommitPages(o.unusedCommittedPages)
		o.unusedCommittedPages = 0
	}
	o.dropCOWPagesLocked()
	registered := o.registered
	o.registered = false
	o.mu.Unlock()

	if registered {
		o.mf.UnregisterPurgeable(o)
	}
}

// dropCOWPagesLocked releases o's handle on its committed COW pool.
//
// Preconditions: o.mu must be locked.
func (o *AnonymousVMObject) dropCOWPagesLocked() {
	if o.cowPages != nil {
		o.cowPages.DecRef()
		o.cowPages = nil
	}
}

// checkIndex panics if i is not a page index of o.
func (o *AnonymousVMObject) checkIndex(i uint64) {
	if i >= o.pageCount {
		panic(fmt.Sprintf("page index %d out of range for %v", i, o))
	}
}

// MemoryFile returns the MemoryFile backing o.
func (o *AnonymousVMObject) MemoryFile() *pgalloc.MemoryFile {
	return o.mf
}

// PageCount returns the number of pages in o.
func (o *AnonymousVMObject) PageCount() uint64 {
	return o.pageCount
}

// Size returns the size of o in bytes.
func (o *AnonymousVMObject) Size() uint64 {
	return o.pageCount * hostarch.PageSize
}

// IsFixedBacking returns true if o wraps frames handed to it at creation.
func (o *AnonymousVMObject) IsFixedBacking() bool {
	return o.fixedBacking
}

// MemoryType returns the memory type of o's frames.
func (o *AnonymousVMObject) MemoryType() hostarch.MemoryType {
	return o.memoryType
}

// PhysicalPage returns the frame in page slot i.
func (o *AnonymousVMObject) PhysicalPage(i uint64) pgalloc.Frame {
	o.checkIndex(i)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pages[i]
}

// IsCOW returns true if page i must be copied before o writes to it.
func (o *AnonymousVMObject) IsCOW(i uint64) bool {
	o.checkIndex(i)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cow.Test(uint32(i))
}

// ShouldCOW returns true if a write to page i through a mapping must fault
// first. Shared mappings never copy; for private mappings, pages without a
// frame of their own and pages shared with a clone must fault.
func (o *AnonymousVMObject) ShouldCOW(i uint64, shared bool) bool {
	if shared {
		return false
	}
	o.checkIndex(i)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mf.IsReserved(o.pages[i]) || o.cow.Test(uint32(i))
}

// MapPage calls install with the frame in page slot i, and whether a write
// through a mapping must fault before it can use the frame. install is
// called with o locked, so a mapping it installs is invalidated before the
// frame is replaced or released. install must not call into o.
func (o *AnonymousVMObject) MapPage(i uint64, shared bool, install func(f pgalloc.Frame, writeFaults bool)) {
	o.checkIndex(i)
	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.pages[i]
	install(f, o.mf.IsReserved(f) || (!shared && o.cow.Test(uint32(i))))
}

// COWPages returns the number of pages that must be copied before o writes
// to them.
func (o *AnonymousVMObject) COWPages() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return uint64(o.cow.GetNumOnes())
}

// COWBitmap returns the indices of o's COW pages in order.
func (o *AnonymousVMObject) COWBitmap() []uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cow.ToSlice()
}

// UnusedCommittedPages returns the number of lazy-committed page slots.
func (o *AnonymousVMObject) UnusedCommittedPages() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unusedCommittedPages
}

// CommittedCowPages returns the committed pool o shares with its clones, or
// nil.
func (o *AnonymousVMObject) CommittedCowPages() *CommittedCowPages {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cowPages
}

// ResidentPages returns the number of page slots backed by a frame.
func (o *AnonymousVMObject) ResidentPages() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n uint64
	for _, f := range o.pages {
		if !o.mf.IsReserved(f) {
			n++
		}
	}
	return n
}

// Stats returns a copy of o's event counters.
func (o *AnonymousVMObject) Stats() ObjectStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// String implements fmt.Stringer.
func (o *AnonymousVMObject) String() string {
	return fmt.Sprintf("AnonymousVMObject{%p, %d pages}", o, o.pageCount)
}
