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
	"testing"
	"time"

	"anonvm.dev/anonvm/pkg/errors/linuxerr"
	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
	"anonvm.dev/anonvm/pkg/sentry/usage"
	"anonvm.dev/anonvm/pkg/test/testutil"
	"github.com/google/go-cmp/cmp"
)

// invalidations records InvalidatePages calls.
type invalidations struct {
	calls []VolatilePageRange
}

// InvalidatePages implements PageInvalidator.InvalidatePages.
func (inv *invalidations) InvalidatePages(base, count uint64) {
	inv.calls = append(inv.calls, rng(base, count))
}

// register registers a new PurgeablePageRanges with o, and unregisters it
// when the test completes. Objects with registrants must be released with
// t.Cleanup, which runs after the unregistration.
func register(t *testing.T, o *AnonymousVMObject, inv PageInvalidator) *PurgeablePageRanges {
	t.Helper()
	p := NewPurgeablePageRanges(inv)
	if err := o.RegisterPurgeablePageRanges(p); err != nil {
		t.Fatalf("RegisterPurgeablePageRanges failed: %v", err)
	}
	t.Cleanup(func() {
		if p.VMObject() != nil {
			o.UnregisterPurgeablePageRanges(p)
		}
	})
	return p
}

func setVolatile(t *testing.T, p *PurgeablePageRanges, base, count uint64, volatile bool) bool {
	t.Helper()
	wasPurged, err := p.SetVolatile(base, count, volatile)
	if err != nil {
		t.Fatalf("SetVolatile(%d, %d, %t) failed: %v", base, count, volatile, err)
	}
	return wasPurged
}

func TestVolatileIntersection(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 8)
	o := newTestObject(t, mf, 8, None)
	t.Cleanup(o.DecRef)

	if o.IsAnyVolatile() {
		t.Errorf("object without registrants has volatile pages")
	}
	p1 := register(t, o, nil)
	p2 := register(t, o, nil)
	if got, want := o.RegisteredPurgeablePageRanges(), 2; got != want {
		t.Errorf("RegisteredPurgeablePageRanges got %d want %d", got, want)
	}

	setVolatile(t, p1, 0, 6, true)
	if o.IsAnyVolatile() {
		t.Errorf("page volatile in only one registrant is volatile")
	}
	setVolatile(t, p2, 4, 4, true)
	if diff := cmp.Diff([]VolatilePageRange{rng(4, 2)}, o.VolatileRanges()); diff != "" {
		t.Errorf("VolatileRanges mismatch (-want +got):\n%s", diff)
	}
	if !o.IsVolatile(4) || !o.IsNonvolatile(3) || !o.IsNonvolatile(6) {
		t.Errorf("IsVolatile mismatch for %v", o.VolatileRanges())
	}

	var nonvolatile []VolatilePageRange
	o.ForEachNonvolatileRange(func(r VolatilePageRange) bool {
		nonvolatile = append(nonvolatile, r)
		return true
	})
	if diff := cmp.Diff([]VolatilePageRange{rng(0, 4), rng(6, 2)}, nonvolatile); diff != "" {
		t.Errorf("ForEachNonvolatileRange mismatch (-want +got):\n%s", diff)
	}

	// Once p2 goes away, p1 alone decides.
	o.UnregisterPurgeablePageRanges(p2)
	var volatile []VolatilePageRange
	o.ForEachVolatileRange(func(r VolatilePageRange) bool {
		volatile = append(volatile, r)
		return true
	})
	if diff := cmp.Diff([]VolatilePageRange{rng(0, 6)}, volatile); diff != "" {
		t.Errorf("ForEachVolatileRange mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]VolatilePageRange{rng(4, 4)}, p2.Ranges()); diff != "" {
		t.Errorf("unregistered ranges mismatch (-want +got):\n%s", diff)
	}

	setVolatile(t, p1, 0, 8, false)
	if o.IsAnyVolatile() {
		t.Errorf("volatile pages remain after clearing")
	}
}

func TestSetVolatileOutOfRange(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 4)
	o := newTestObject(t, mf, 4, None)
	t.Cleanup(o.DecRef)
	p := register(t, o, nil)
	if _, err := p.SetVolatile(2, 4, true); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("SetVolatile past the end got %v want EINVAL", err)
	}
	if !p.IsEmpty() {
		t.Errorf("failed SetVolatile changed ranges: %v", p.Ranges())
	}
}

func TestPurge(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 8)
	o := newTestObject(t, mf, 4, AllocateNow)
	t.Cleanup(o.DecRef)
	for i := uint64(0); i < 4; i++ {
		fillPage(t, o, i, 0xff)
	}
	inv := &invalidations{}
	p := register(t, o, inv)

	if got := o.Purge(); got != 0 {
		t.Errorf("Purge with no volatile pages got %d want 0", got)
	}
	setVolatile(t, p, 1, 2, true)
	if got, want := o.Purge(), 2; got != want {
		t.Errorf("Purge got %d want %d", got, want)
	}
	checkUsed(t, mf, 2)
	if diff := cmp.Diff([]VolatilePageRange{rng(1, 2)}, inv.calls); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]VolatilePageRange{purgedRange(1, 2)}, p.Ranges()); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}
	for i := uint64(1); i < 3; i++ {
		if got := o.PhysicalPage(i); got != mf.ZeroFrame() {
			t.Errorf("purged page %d holds %v", i, got)
		}
	}
	checkPage(t, o, 0, 0xff)
	checkPage(t, o, 3, 0xff)

	// A second purge finds nothing.
	if got := o.Purge(); got != 0 {
		t.Errorf("second Purge got %d want 0", got)
	}

	// Purged pages are committed again when they become non-volatile, and
	// read as zeroes.
	if !setVolatile(t, p, 0, 4, false) {
		t.Errorf("SetVolatile did not report purged pages")
	}
	checkCommitted(t, mf, 2)
	if got, want := o.UnusedCommittedPages(), uint64(2); got != want {
		t.Errorf("UnusedCommittedPages got %d want %d", got, want)
	}
	for i := uint64(1); i < 3; i++ {
		checkPage(t, o, i, 0)
		if got := o.HandleZeroFault(i); got != PageFaultContinue {
			t.Errorf("HandleZeroFault(%d) got %v", i, got)
		}
	}
	checkCommitted(t, mf, 0)
	if got, want := o.Stats().PurgedPages, uint64(2); got != want {
		t.Errorf("PurgedPages got %d want %d", got, want)
	}
}

func TestPurgeMarksAllRegistrants(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 8)
	o := newTestObject(t, mf, 8, AllocateNow)
	t.Cleanup(o.DecRef)
	inv1, inv2 := &invalidations{}, &invalidations{}
	p1 := register(t, o, inv1)
	p2 := register(t, o, inv2)
	setVolatile(t, p1, 0, 8, true)
	setVolatile(t, p2, 2, 2, true)
	setVolatile(t, p2, 6, 2, true)

	if got, want := o.Purge(), 4; got != want {
		t.Errorf("Purge got %d want %d", got, want)
	}
	want := []VolatilePageRange{rng(2, 2), rng(6, 2)}
	if diff := cmp.Diff(want, inv1.calls); diff != "" {
		t.Errorf("p1 invalidations mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, inv2.calls); diff != "" {
		t.Errorf("p2 invalidations mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]VolatilePageRange{purgedRange(0, 8)}, p1.Ranges()); diff != "" {
		t.Errorf("p1 ranges mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]VolatilePageRange{purgedRange(2, 2), purgedRange(6, 2)}, p2.Ranges()); diff != "" {
		t.Errorf("p2 ranges mismatch (-want +got):\n%s", diff)
	}

	// Unpurged parts of p1's range report the purge as well.
	if wasPurged := setVolatile(t, p1, 0, 1, false); !wasPurged {
		t.Errorf("SetVolatile on unpurged part of purged range got false")
	}
	if wasPurged := setVolatile(t, p2, 0, 8, false); !wasPurged {
		t.Errorf("SetVolatile on purged range got false")
	}
}

func TestPurgeSkipsBusyObjects(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 4)
	o := newTestObject(t, mf, 2, AllocateNow)
	t.Cleanup(o.DecRef)
	p := register(t, o, nil)
	setVolatile(t, p, 0, 2, true)

	o.mu.Lock()
	if got := o.PurgeWithInterruptsDisabled(); got != 0 {
		t.Errorf("PurgeWithInterruptsDisabled on locked object got %d want 0", got)
	}
	o.mu.Unlock()

	p.mu.Lock()
	if got := o.PurgeWithInterruptsDisabled(); got != 0 {
		t.Errorf("PurgeWithInterruptsDisabled with locked registrant got %d want 0", got)
	}
	p.mu.Unlock()

	if got, want := o.PurgeWithInterruptsDisabled(), 2; got != want {
		t.Errorf("PurgeWithInterruptsDisabled got %d want %d", got, want)
	}
}

func TestPurgeSharedPage(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 8)
	o := newTestObject(t, mf, 1, AllocateNow)
	t.Cleanup(o.DecRef)
	fillPage(t, o, 0, 0x11)
	c, err := o.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	defer c.DecRef()
	p := register(t, o, nil)
	setVolatile(t, p, 0, 1, true)

	// Purging drops only o's reference; the clone keeps the page.
	if got := o.Purge(); got != 1 {
		t.Errorf("Purge got %d want 1", got)
	}
	if o.IsCOW(0) {
		t.Errorf("purged page still COW")
	}
	checkPage(t, c, 0, 0x11)
	frame := c.PhysicalPage(0)
	if got := c.HandleCOWFault(0, 0); got != PageFaultContinue || c.PhysicalPage(0) != frame {
		t.Errorf("sole owner copied its page after purge")
	}
}

func TestEmergencyReclaimPurgesVolatilePages(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 4)
	o := newTestObject(t, mf, 2, AllocateNow)
	t.Cleanup(o.DecRef)
	p := register(t, o, nil)
	setVolatile(t, p, 0, 2, true)

	var frames []pgalloc.Frame
	defer func() {
		for _, f := range frames {
			mf.DecRef(f)
		}
	}()
	for i := 0; i < 4; i++ {
		f, err := mf.Allocate(pgalloc.AllocOpts{Kind: usage.Anonymous})
		if err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		frames = append(frames, f)
	}
	if got := o.ResidentPages(); got != 0 {
		t.Errorf("ResidentPages after reclaim got %d want 0", got)
	}
	if diff := cmp.Diff([]VolatilePageRange{purgedRange(0, 2)}, p.Ranges()); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}
	if got := mf.Stats().PurgedPages; got != 2 {
		t.Errorf("MemoryFile PurgedPages got %d want 2", got)
	}
}

func TestReclaim(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 8)
	a := newTestObject(t, mf, 2, AllocateNow)
	t.Cleanup(a.DecRef)
	b := newTestObject(t, mf, 2, AllocateNow)
	t.Cleanup(b.DecRef)
	setVolatile(t, register(t, a, nil), 0, 2, true)
	setVolatile(t, register(t, b, nil), 1, 1, true)

	if got, want := mf.Reclaim(), 3; got != want {
		t.Errorf("Reclaim got %d want %d", got, want)
	}
	checkUsed(t, mf, 1)
}

func TestVolatileRoundTripKeepsCommitment(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 6)
	o := newTestObject(t, mf, 4, Reserve)
	t.Cleanup(o.DecRef)
	p := register(t, o, nil)

	setVolatile(t, p, 0, 4, true)
	checkCommitted(t, mf, 4)
	if got, want := o.UnusedCommittedPages(), uint64(4); got != want {
		t.Errorf("UnusedCommittedPages got %d want %d", got, want)
	}

	// With all other memory in use, unpurged pages still become
	// non-volatile, backed by the commitment they kept.
	var frames []pgalloc.Frame
	defer func() {
		for _, f := range frames {
			mf.DecRef(f)
		}
	}()
	for i := 0; i < 2; i++ {
		f, err := mf.Allocate(pgalloc.AllocOpts{Kind: usage.Anonymous})
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		frames = append(frames, f)
	}
	wasPurged, err := p.SetVolatile(0, 4, false)
	if wasPurged || err != nil {
		t.Fatalf("SetVolatile(false) got (%t, %v) want (false, nil)", wasPurged, err)
	}
	if !p.IsEmpty() {
		t.Errorf("ranges left after SetVolatile(false): %v", p.Ranges())
	}
	for i := uint64(0); i < 4; i++ {
		if got := o.PhysicalPage(i); got != mf.LazyCommittedFrame() {
			t.Errorf("page %d holds %v want lazy-committed frame", i, got)
		}
		if got := o.HandleZeroFault(i); got != PageFaultContinue {
			t.Errorf("HandleZeroFault(%d) got %v", i, got)
		}
	}
	checkCommitted(t, mf, 0)
}

func TestPurgeReleasesCommitment(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 4)
	o := newTestObject(t, mf, 4, Reserve)
	t.Cleanup(o.DecRef)
	p := register(t, o, nil)
	checkCommitted(t, mf, 4)

	setVolatile(t, p, 0, 3, true)
	checkCommitted(t, mf, 4)
	if got, want := o.Purge(), 3; got != want {
		t.Errorf("Purge got %d want %d", got, want)
	}
	checkCommitted(t, mf, 1)
	checkUsed(t, mf, 0)
	if got, want := o.UnusedCommittedPages(), uint64(1); got != want {
		t.Errorf("UnusedCommittedPages got %d want %d", got, want)
	}
	if diff := cmp.Diff([]VolatilePageRange{purgedRange(0, 3)}, p.Ranges()); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}

	// Making a subrange non-volatile only recommits that subrange.
	if !setVolatile(t, p, 0, 1, false) {
		t.Errorf("SetVolatile did not report purged pages")
	}
	checkCommitted(t, mf, 2)

	// With all other memory in use, the remaining purged pages cannot be
	// recommitted, and stay volatile.
	var frames []pgalloc.Frame
	for i := 0; i < 2; i++ {
		f, err := mf.Allocate(pgalloc.AllocOpts{Kind: usage.Anonymous})
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		frames = append(frames, f)
	}
	if _, err := p.SetVolatile(1, 2, false); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("SetVolatile without memory got %v want ENOMEM", err)
	}
	if diff := cmp.Diff([]VolatilePageRange{purgedRange(1, 2)}, p.Ranges()); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}
	for _, f := range frames {
		mf.DecRef(f)
	}

	setVolatile(t, p, 1, 2, false)
	checkCommitted(t, mf, 4)
	for i := uint64(0); i < 4; i++ {
		if got := o.HandleZeroFault(i); got != PageFaultContinue {
			t.Errorf("HandleZeroFault(%d) got %v", i, got)
		}
	}
	checkCommitted(t, mf, 0)
	checkUsed(t, mf, 4)
}

// recordingReleaser records the memory a purge gives back.
type recordingReleaser struct {
	pgalloc.FrameReleaser
	decRefs     []pgalloc.Frame
	uncommitted uint64
}

func (r *recordingReleaser) DecRef(f pgalloc.Frame) {
	r.decRefs = append(r.decRefs, f)
	r.FrameReleaser.DecRef(f)
}

func (r *recordingReleaser) UncommitPages(n uint64) {
	r.uncommitted += n
	r.FrameReleaser.UncommitPages(n)
}

func TestPurgeReleasesThroughFrameReleaser(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 8)
	o := newTestObject(t, mf, 4, Reserve)
	t.Cleanup(o.DecRef)
	for i := uint64(0); i < 2; i++ {
		if got := o.HandleZeroFault(i); got != PageFaultContinue {
			t.Fatalf("HandleZeroFault(%d) got %v", i, got)
		}
	}
	want := []pgalloc.Frame{o.PhysicalPage(0), o.PhysicalPage(1)}
	p := register(t, o, nil)
	setVolatile(t, p, 0, 4, true)

	rec := &recordingReleaser{FrameReleaser: mf}
	o.mu.Lock()
	p.mu.Lock()
	n := o.purgeLocked(rec)
	p.mu.Unlock()
	o.mu.Unlock()

	if n != 4 {
		t.Errorf("purgeLocked got %d want 4", n)
	}
	if diff := cmp.Diff(want, rec.decRefs); diff != "" {
		t.Errorf("released frames mismatch (-want +got):\n%s", diff)
	}
	if rec.uncommitted != 2 {
		t.Errorf("uncommitted got %d want 2", rec.uncommitted)
	}
	checkUsed(t, mf, 0)
	checkCommitted(t, mf, 0)
}

func TestRegisterRecommitsPurgedPages(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 4)
	o := newTestObject(t, mf, 4, Reserve)
	t.Cleanup(o.DecRef)
	p := register(t, o, nil)
	setVolatile(t, p, 0, 4, true)
	if got, want := o.Purge(), 4; got != want {
		t.Fatalf("Purge got %d want %d", got, want)
	}
	checkCommitted(t, mf, 0)

	// A registrant without volatile ranges vetoes purging, so the purged
	// pages need their commitment back before it can join.
	f, err := mf.Allocate(pgalloc.AllocOpts{Kind: usage.Anonymous})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	q := NewPurgeablePageRanges(nil)
	if err := o.RegisterPurgeablePageRanges(q); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("RegisterPurgeablePageRanges without memory got %v want ENOMEM", err)
	}
	if q.VMObject() != nil {
		t.Errorf("failed registration left registrant attached to %v", q.VMObject())
	}
	if got := o.RegisteredPurgeablePageRanges(); got != 1 {
		t.Errorf("RegisteredPurgeablePageRanges got %d want 1", got)
	}
	if !o.IsAnyVolatile() {
		t.Errorf("failed registration vetoed volatile pages")
	}
	checkCommitted(t, mf, 0)
	mf.DecRef(f)

	if err := o.RegisterPurgeablePageRanges(q); err != nil {
		t.Fatalf("RegisterPurgeablePageRanges failed: %v", err)
	}
	defer o.UnregisterPurgeablePageRanges(q)
	if o.IsAnyVolatile() {
		t.Errorf("empty registrant did not veto volatile pages")
	}
	checkCommitted(t, mf, 4)
	if got, want := o.UnusedCommittedPages(), uint64(4); got != want {
		t.Errorf("UnusedCommittedPages got %d want %d", got, want)
	}
	for i := uint64(0); i < 4; i++ {
		if got := o.HandleZeroFault(i); got != PageFaultContinue {
			t.Errorf("HandleZeroFault(%d) got %v", i, got)
		}
	}
	checkCommitted(t, mf, 0)
	checkUsed(t, mf, 4)
}

func TestUnregisterExposesPagesToPurge(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 4)
	o := newTestObject(t, mf, 4, Reserve)
	t.Cleanup(o.DecRef)
	p := register(t, o, nil)
	setVolatile(t, p, 0, 4, true)
	q := register(t, o, nil)

	if got := o.Purge(); got != 0 {
		t.Errorf("Purge with vetoing registrant got %d want 0", got)
	}
	checkCommitted(t, mf, 4)

	// Dropping the veto makes the pages volatile; they keep their
	// commitment until purged.
	o.UnregisterPurgeablePageRanges(q)
	if diff := cmp.Diff([]VolatilePageRange{rng(0, 4)}, o.VolatileRanges()); diff != "" {
		t.Errorf("VolatileRanges mismatch (-want +got):\n%s", diff)
	}
	checkCommitted(t, mf, 4)
	if got, want := o.Purge(), 4; got != want {
		t.Errorf("Purge got %d want %d", got, want)
	}
	checkCommitted(t, mf, 0)
	if got := o.UnusedCommittedPages(); got != 0 {
		t.Errorf("UnusedCommittedPages got %d want 0", got)
	}
	if diff := cmp.Diff([]VolatilePageRange{purgedRange(0, 4)}, p.Ranges()); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyRanges(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 4)
	o := newTestObject(t, mf, 4, None)
	t.Cleanup(o.DecRef)
	src := register(t, o, nil)
	setVolatile(t, src, 1, 2, true)

	dst := NewPurgeablePageRanges(nil)
	dst.CopyRanges(src)
	if diff := cmp.Diff(src.Ranges(), dst.Ranges()); diff != "" {
		t.Errorf("copied ranges mismatch (-want +got):\n%s", diff)
	}
	if err := o.RegisterPurgeablePageRanges(dst); err != nil {
		t.Fatalf("RegisterPurgeablePageRanges failed: %v", err)
	}
	defer o.UnregisterPurgeablePageRanges(dst)
	if diff := cmp.Diff([]VolatilePageRange{rng(1, 2)}, o.VolatileRanges()); diff != "" {
		t.Errorf("VolatileRanges mismatch (-want +got):\n%s", diff)
	}
}

func TestNonvolatileRetriesUntilMemoryFrees(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 2)
	o := newTestObject(t, mf, 2, Reserve)
	t.Cleanup(o.DecRef)
	p := register(t, o, nil)
	setVolatile(t, p, 0, 2, true)
	if got, want := o.Purge(), 2; got != want {
		t.Fatalf("Purge got %d want %d", got, want)
	}

	var frames []pgalloc.Frame
	for i := 0; i < 2; i++ {
		f, err := mf.Allocate(pgalloc.AllocOpts{Kind: usage.Anonymous})
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		frames = append(frames, f)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		for _, f := range frames {
			mf.DecRef(f)
		}
	}()

	var wasPurged bool
	if err := testutil.Poll(func() error {
		var err error
		wasPurged, err = p.SetVolatile(0, 2, false)
		return err
	}, 10*time.Second); err != nil {
		t.Fatalf("SetVolatile never succeeded: %v", err)
	}
	if !wasPurged {
		t.Errorf("SetVolatile did not report purged pages")
	}
	checkCommitted(t, mf, 2)
}
