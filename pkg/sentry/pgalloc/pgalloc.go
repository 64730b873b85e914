// Copyright 2018 The gVisor Authors.
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

// Package pgalloc contains the page allocator backing anonymous memory
// objects.
package pgalloc

import (
	"fmt"
	"os"
	"time"

	"anonvm.dev/anonvm/pkg/errors/linuxerr"
	"anonvm.dev/anonvm/pkg/hostarch"
	"anonvm.dev/anonvm/pkg/log"
	"anonvm.dev/anonvm/pkg/memutil"
	"anonvm.dev/anonvm/pkg/sentry/usage"
	"anonvm.dev/anonvm/pkg/sync"
	"github.com/google/btree"
	"golang.org/x/sys/unix"
)

// freeSetDegree is the degree of the btree holding free frames.
const freeSetDegree = 32

// The first frames of every MemoryFile are reserved. They are never written
// and read back as zeroes.
const (
	zeroFrame Frame = iota
	lazyCommittedFrame
	numReservedFrames
)

// MemoryFile is a fixed-size pool of page frames backed by a single memfd,
// which is mapped into the process in its entirety.
//
// Every frame is free, in use, or being reclaimed. A frame is in use while its
// reference count is non-zero. When the last reference is dropped, the frame's
// contents are decommitted with fallocate(PUNCH_HOLE) and the frame becomes
// free again. Free frames are therefore always zeroed.
//
// MemoryFile additionally tracks commitment: a number of free frames that
// have been promised to callers of CommitPages. Uncommitted allocations may
// only use free frames in excess of the commitment, so that
// AllocateCommitted can never fail.
type MemoryFile struct {
	opts MemoryFileOpts

	// file is the backing file. Immutable.
	file *os.File

	// mapping maps the whole file. Immutable.
	mapping []byte

	// accounting receives per-kind usage. Immutable.
	accounting *usage.MemoryLocked

	// warningLog is used for repeated exhaustion warnings. Immutable.
	warningLog log.Logger

	// mu protects the fields below.
	mu sync.Mutex

	// frames holds the state of every frame, indexed by Frame.
	frames []frameInfo

	// free is the set of free frames, ordered by frame number.
	free *btree.BTreeG[Frame]

	// committed is the number of free frames reserved by CommitPages and not
	// yet consumed by AllocateCommitted.
	committed uint64

	// reclaiming is the number of frames whose last reference has been
	// dropped but which are not yet free.
	reclaiming uint64

	// users is the set of registered purgeable users, in registration order.
	users []PurgeableMemoryUser

	// reclaims counts emergency and explicit reclaim passes.
	reclaims uint64

	// purged counts frames released by reclaim passes.
	purged uint64

	// failedAllocations counts allocations that failed after reclaim.
	failedAllocations uint64

	destroyed bool
}

// frameInfo is the per-frame state.
type frameInfo struct {
	refs int64
	kind usage.MemoryKind
}

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// TotalPages is the number of allocatable frames. It does not include
	// the reserved zero frames.
	TotalPages uint64

	// Accounting receives usage updates. If nil, usage.MemoryAccounting is
	// used.
	Accounting *usage.MemoryLocked

	// DisableEmergencyReclaim prevents Allocate from purging registered
	// users when it runs out of uncommitted frames.
	DisableEmergencyReclaim bool

	// WarningInterval bounds how often exhaustion warnings are logged. If
	// zero, one second is used.
	WarningInterval time.Duration
}

// AllocOpts are options used in MemoryFile.Allocate.
type AllocOpts struct {
	// Kind is the memory kind to be used for accounting.
	Kind usage.MemoryKind
}

// NewMemoryFile creates a MemoryFile backed by the given file. If
// NewMemoryFile succeeds, ownership of file is transferred to the returned
// MemoryFile.
func NewMemoryFile(file *os.File, opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.TotalPages == 0 {
		return nil, fmt.Errorf("invalid MemoryFileOpts.TotalPages: %d", opts.TotalPages)
	}
	if opts.Accounting == nil {
		opts.Accounting = usage.MemoryAccounting
	}
	if opts.WarningInterval == 0 {
		opts.WarningInterval = time.Second
	}
	nframes := opts.TotalPages + uint64(numReservedFrames)
	size := nframes * hostarch.PageSize
	if err := file.Truncate(0); err != nil {
		return nil, err
	}
	if err := file.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("error truncating memory file to %d bytes: %w", size, err)
	}
	m, err := memutil.MapSlice(0, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, file.Fd(), 0)
	if err != nil {
		return nil, fmt.Errorf("error mapping memory file: %w", err)
	}
	f := &MemoryFile{
		opts:       opts,
		file:       file,
		mapping:    m,
		accounting: opts.Accounting,
		warningLog: log.RateLimitedLogger(log.Log(), opts.WarningInterval),
		frames:     make([]frameInfo, nframes),
		free: btree.NewG[Frame](freeSetDegree, func(a, b Frame) bool {
			return a < b
		}),
	}
	for fr := Frame(0); fr < numReservedFrames; fr++ {
		f.frames[fr] = frameInfo{refs: 1, kind: usage.System}
	}
	f.accounting.Inc(uint64(numReservedFrames)*hostarch.PageSize, usage.System)
	for fr := numReservedFrames; uint64(fr) < nframes; fr++ {
		f.free.ReplaceOrInsert(fr)
	}
	log.Debugf("pgalloc.MemoryFile created with %d frames", opts.TotalPages)
	return f, nil
}

// NewAnonymousMemoryFile creates a MemoryFile backed by a new memfd.
func NewAnonymousMemoryFile(name string, opts MemoryFileOpts) (*MemoryFile, error) {
	file, err := memutil.NewMemFile(name, 0)
	if err != nil {
		return nil, err
	}
	mf, err := NewMemoryFile(file, opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	return mf, nil
}

// Destroy releases all resources used by f.
//
// Preconditions: All pages allocated by f have been freed.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.destroyed = true
	if used := f.usedLocked(); used != 0 {
		log.Warningf("pgalloc.MemoryFile destroyed with %d frames still in use", used)
	}
	f.accounting.Dec(uint64(numReservedFrames)*hostarch.PageSize, usage.System)
	if f.committed != 0 {
		f.accounting.Uncommit(f.committed * hostarch.PageSize)
		f.committed = 0
	}
	if err := memutil.UnmapSlice(f.mapping); err != nil {
		log.Warningf("Failed to unmap memory file: %v", err)
	}
	f.mapping = nil
	f.file.Close()
}

// ZeroFrame returns the shared frame that stands in for pages that have no
// backing and no commitment. Its contents are always zero.
func (f *MemoryFile) ZeroFrame() Frame {
	return zeroFrame
}

// LazyCommittedFrame returns the shared frame that stands in for pages that
// have no backing but are covered by a commitment. Its contents are always
// zero.
func (f *MemoryFile) LazyCommittedFrame() Frame {
	return lazyCommittedFrame
}

// IsReserved returns true if fr is one of the shared zero frames.
func (f *MemoryFile) IsReserved(fr Frame) bool {
	return fr < numReservedFrames
}

func (f *MemoryFile) checkFrame(fr Frame) {
	if fr < numReservedFrames || uint64(fr) >= uint64(len(f.frames)) {
		panic(fmt.Sprintf("invalid %v", fr))
	}
}

// availableLocked returns the number of free frames that may be handed out
// without a commitment.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) availableLocked() uint64 {
	return uint64(f.free.Len()) - f.committed
}

// usedLocked returns the number of allocated frames.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) usedLocked() uint64 {
	return f.opts.TotalPages - uint64(f.free.Len()) - f.reclaiming
}

// takeFreeLocked removes the lowest free frame and marks it used.
//
// Preconditions: f.mu must be locked. f.free.Len() > 0.
func (f *MemoryFile) takeFreeLocked(kind usage.MemoryKind) Frame {
	fr, ok := f.free.DeleteMin()
	if !ok {
		panic("no free frames")
	}
	f.frames[fr] = frameInfo{refs: 1, kind: kind}
	f.accounting.Inc(hostarch.PageSize, kind)
	return fr
}

// Allocate returns a new zeroed frame that is not covered by any commitment.
// The caller holds the only reference on it.
//
// If no uncommitted frame is available, Allocate asks registered purgeable
// users to release memory with PurgeWithInterruptsDisabled and tries once
// more. It returns ENOMEM if that fails.
func (f *MemoryFile) Allocate(opts AllocOpts) (Frame, error) {
	f.mu.Lock()
	if f.availableLocked() > 0 {
		fr := f.takeFreeLocked(opts.Kind)
		f.mu.Unlock()
		return fr, nil
	}
	f.mu.Unlock()

	if !f.opts.DisableEmergencyReclaim {
		if n := f.emergencyReclaim(); n > 0 {
			log.Debugf("pgalloc.MemoryFile emergency reclaim released %d pages", n)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.availableLocked() > 0 {
		return f.takeFreeLocked(opts.Kind), nil
	}
	f.failedAllocations++
	f.warningLog.Warningf("pgalloc.MemoryFile out of frames: %d free, %d committed", f.free.Len(), f.committed)
	return 0, linuxerr.ENOMEM
}

// AllocateRange returns n physically contiguous, zeroed frames that are not
// covered by any commitment. The caller holds one reference on each.
func (f *MemoryFile) AllocateRange(n uint64, opts AllocOpts) (FrameRange, error) {
	if n == 0 {
		panic("AllocateRange of zero frames")
	}
	for attempt := 0; ; attempt++ {
		f.mu.Lock()
		if fr, ok := f.findContiguousLocked(n); ok {
			for i := fr.Start; i < fr.End; i++ {
				f.free.Delete(i)
				f.frames[i] = frameInfo{refs: 1, kind: opts.Kind}
			}
			f.accounting.Inc(n*hostarch.PageSize, opts.Kind)
			f.mu.Unlock()
			return fr, nil
		}
		f.mu.Unlock()
		if attempt > 0 || f.opts.DisableEmergencyReclaim {
			break
		}
		f.emergencyReclaim()
	}
	f.warningLog.Warningf("pgalloc.MemoryFile cannot allocate %d contiguous frames", n)
	return FrameRange{}, linuxerr.ENOMEM
}

// findContiguousLocked finds the lowest run of n free frames, provided
// handing them out leaves the commitment satisfiable.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) findContiguousLocked(n uint64) (FrameRange, bool) {
	if f.availableLocked() < n {
		return FrameRange{}, false
	}
	var (
		run   FrameRange
		found bool
	)
	f.free.Ascend(func(fr Frame) bool {
		if run.Length() == 0 || fr != run.End {
			run = FrameRange{fr, fr + 1}
		} else {
			run.End++
		}
		if run.Length() == n {
			found = true
			return false
		}
		return true
	})
	return run, found
}

// CommitPages reserves n free frames for later AllocateCommitted calls. It
// returns ENOMEM if fewer than n uncommitted frames are free. It does not
// reclaim memory.
func (f *MemoryFile) CommitPages(n uint64) error {
	if n == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.availableLocked() < n {
		log.Debugf("pgalloc.MemoryFile cannot commit %d pages: %d available", n, f.availableLocked())
		return linuxerr.ENOMEM
	}
	f.committed += n
	f.accounting.Commit(n * hostarch.PageSize)
	return nil
}

// UncommitPages releases n pages of commitment.
//
// Preconditions: n pages of commitment must be outstanding.
func (f *MemoryFile) UncommitPages(n uint64) {
	if n == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > f.committed {
		panic(fmt.Sprintf("uncommitting %d pages with only %d committed", n, f.committed))
	}
	f.committed -= n
	f.accounting.Uncommit(n * hostarch.PageSize)
}

// AllocateCommitted returns a new zeroed frame, consuming one page of
// commitment.
//
// Preconditions: At least one page must be committed.
func (f *MemoryFile) AllocateCommitted(opts AllocOpts) Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.committed == 0 {
		panic("AllocateCommitted with no committed pages")
	}
	if f.free.Len() == 0 {
		panic(fmt.Sprintf("no free frames with %d pages committed", f.committed))
	}
	f.committed--
	f.accounting.Uncommit(hostarch.PageSize)
	return f.takeFreeLocked(opts.Kind)
}

// IncRef takes an additional reference on fr.
func (f *MemoryFile) IncRef(fr Frame) {
	f.checkFrame(fr)
	f.mu.Lock()
	defer f.mu.Unlock()
	fi := &f.frames[fr]
	if fi.refs <= 0 {
		panic(fmt.Sprintf("IncRef on free %v", fr))
	}
	fi.refs++
}

// DecRef releases a reference on fr. When the last reference is dropped, the
// frame is decommitted and returned to the free set.
func (f *MemoryFile) DecRef(fr Frame) {
	f.checkFrame(fr)
	f.mu.Lock()
	fi := &f.frames[fr]
	if fi.refs <= 0 {
		f.mu.Unlock()
		panic(fmt.Sprintf("DecRef on free %v", fr))
	}
	fi.refs--
	if fi.refs > 0 {
		f.mu.Unlock()
		return
	}
	f.accounting.Dec(hostarch.PageSize, fi.kind)
	f.reclaiming++
	f.mu.Unlock()

	f.decommit(fr)

	f.mu.Lock()
	f.reclaiming--
	f.free.ReplaceOrInsert(fr)
	f.mu.Unlock()
}

// DecRefRange releases a reference on every frame in fr.
func (f *MemoryFile) DecRefRange(fr FrameRange) {
	for i := fr.Start; i < fr.End; i++ {
		f.DecRef(i)
	}
}

// decommit zeroes fr's contents and releases the host memory backing it.
func (f *MemoryFile) decommit(fr Frame) {
	if err := memutil.PunchHole(int(f.file.Fd()), int64(fr.Offset()), hostarch.PageSize); err != nil {
		// Fall back to zeroing the frame manually.
		clear(f.slice(fr))
	}
}

// HasUniqueRef returns true if fr has exactly one reference. A return value of
// false is inherently racy, but if the caller holds a reference on fr and is
// preventing other goroutines from copying it, then a return value of true is
// not racy.
func (f *MemoryFile) HasUniqueRef(fr Frame) bool {
	f.checkFrame(fr)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[fr].refs == 1
}

// RefCount returns the number of references held on fr. Reserved frames
// report one reference.
func (f *MemoryFile) RefCount(fr Frame) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[fr].refs
}

func (f *MemoryFile) slice(fr Frame) []byte {
	off := fr.Offset()
	return f.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// MapInternal returns the contents of fr. Reserved frames may only be mapped
// for reading.
//
// Preconditions: The caller holds a reference on fr.
func (f *MemoryFile) MapInternal(fr Frame, at hostarch.AccessType) ([]byte, error) {
	if uint64(fr) >= uint64(len(f.frames)) {
		panic(fmt.Sprintf("invalid %v", fr))
	}
	if at.Execute {
		return nil, linuxerr.EACCES
	}
	if at.Write && f.IsReserved(fr) {
		panic(fmt.Sprintf("write mapping of reserved %v", fr))
	}
	return f.slice(fr), nil
}

// TotalPages returns the number of allocatable frames.
func (f *MemoryFile) TotalPages() uint64 {
	return f.opts.TotalPages
}

// Accounting returns the usage accounting updated by f.
func (f *MemoryFile) Accounting() *usage.MemoryLocked {
	return f.accounting
}

// String implements fmt.Stringer.
func (f *MemoryFile) String() string {
	return fmt.Sprintf("MemoryFile{%d frames}", f.opts.TotalPages)
}

var _ FrameReleaser = (*MemoryFile)(nil)
