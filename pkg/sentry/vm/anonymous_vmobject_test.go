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
	"bytes"
	"testing"

	"anonvm.dev/anonvm/pkg/errors/linuxerr"
	"anonvm.dev/anonvm/pkg/hostarch"
	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
	"anonvm.dev/anonvm/pkg/sentry/usage"
	"anonvm.dev/anonvm/pkg/test/testutil"
)

func newTestObject(t *testing.T, mf *pgalloc.MemoryFile, pages uint64, strategy AllocationStrategy) *AnonymousVMObject {
	t.Helper()
	o, err := CreateWithSize(mf, pages*hostarch.PageSize, strategy)
	if err != nil {
		t.Fatalf("CreateWithSize(%d pages, %v) failed: %v", pages, strategy, err)
	}
	return o
}

// fillPage writes b to every byte of page i of o, which must be backed by a
// frame o owns.
func fillPage(t *testing.T, o *AnonymousVMObject, i uint64, b byte) {
	t.Helper()
	bs, err := o.mf.MapInternal(o.PhysicalPage(i), hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapInternal failed: %v", err)
	}
	for j := range bs {
		bs[j] = b
	}
}

// checkPage verifies that every byte of page i of o is b.
func checkPage(t *testing.T, o *AnonymousVMObject, i uint64, b byte) {
	t.Helper()
	bs, err := o.mf.MapInternal(o.PhysicalPage(i), hostarch.Read)
	if err != nil {
		t.Fatalf("MapInternal failed: %v", err)
	}
	if !bytes.Equal(bs, bytes.Repeat([]byte{b}, hostarch.PageSize)) {
		t.Errorf("page %d of %v does not hold %#x", i, o, b)
	}
}

func checkCommitted(t *testing.T, mf *pgalloc.MemoryFile, want uint64) {
	t.Helper()
	if got := mf.Stats().CommittedPages; got != want {
		t.Errorf("committed pages got %d want %d", got, want)
	}
}

func checkUsed(t *testing.T, mf *pgalloc.MemoryFile, want uint64) {
	t.Helper()
	if got := mf.Stats().UsedPages; got != want {
		t.Errorf("used pages got %d want %d", got, want)
	}
}

func TestCreateWithSize(t *testing.T) {
	for _, test := range []struct {
		strategy      AllocationStrategy
		wantUsed      uint64
		wantCommitted uint64
		wantUnused    uint64
		wantSlot      func(mf *pgalloc.MemoryFile, f pgalloc.Frame) bool
	}{
		{
			strategy: AllocateNow,
			wantUsed: 3,
			wantSlot: func(mf *pgalloc.MemoryFile, f pgalloc.Frame) bool { return !mf.IsReserved(f) },
		},
		{
			strategy:      Reserve,
			wantCommitted: 3,
			wantUnused:    3,
			wantSlot:      func(mf *pgalloc.MemoryFile, f pgalloc.Frame) bool { return f == mf.LazyCommittedFrame() },
		},
		{
			strategy: None,
			wantSlot: func(mf *pgalloc.MemoryFile, f pgalloc.Frame) bool { return f == mf.ZeroFrame() },
		},
	} {
		t.Run(test.strategy.String(), func(t *testing.T) {
			mf := testutil.NewMemoryFile(t, 8)
			// Sizes are rounded up to whole pages.
			o, err := CreateWithSize(mf, 2*hostarch.PageSize+1, test.strategy)
			if err != nil {
				t.Fatalf("CreateWithSize failed: %v", err)
			}
			if got, want := o.PageCount(), uint64(3); got != want {
				t.Errorf("PageCount got %d want %d", got, want)
			}
			checkUsed(t, mf, test.wantUsed)
			checkCommitted(t, mf, test.wantCommitted)
			if got := o.UnusedCommittedPages(); got != test.wantUnused {
				t.Errorf("UnusedCommittedPages got %d want %d", got, test.wantUnused)
			}
			for i := uint64(0); i < o.PageCount(); i++ {
				if f := o.PhysicalPage(i); !test.wantSlot(mf, f) {
					t.Errorf("page %d holds unexpected %v", i, f)
				}
				checkPage(t, o, i, 0)
			}
			if got := mf.Stats().PurgeableUsers; got != 1 {
				t.Errorf("PurgeableUsers got %d want 1", got)
			}

			o.DecRef()
			checkUsed(t, mf, 0)
			checkCommitted(t, mf, 0)
			if got := mf.Stats().PurgeableUsers; got != 0 {
				t.Errorf("PurgeableUsers after DecRef got %d want 0", got)
			}
		})
	}
}

func TestCreateWithSizeErrors(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 4)
	if _, err := CreateWithSize(mf, 0, None); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("CreateWithSize(0) got %v want EINVAL", err)
	}
	for _, strategy := range []AllocationStrategy{AllocateNow, Reserve} {
		if _, err := CreateWithSize(mf, 5*hostarch.PageSize, strategy); !linuxerr.Equals(linuxerr.ENOMEM, err) {
			t.Errorf("CreateWithSize(5 pages, %v) got %v want ENOMEM", strategy, err)
		}
	}
	checkCommitted(t, mf, 0)

	// Without a commitment, size is not limited by available memory.
	o := newTestObject(t, mf, 16, None)
	o.DecRef()
}

func TestParseAllocationStrategy(t *testing.T) {
	for _, s := range []AllocationStrategy{AllocateNow, Reserve, None} {
		got, err := ParseAllocationStrategy(s.String())
		if err != nil || got != s {
			t.Errorf("ParseAllocationStrategy(%q) got (%v, %v) want %v", s.String(), got, err, s)
		}
	}
	if _, err := ParseAllocationStrategy("eager"); err == nil {
		t.Errorf("ParseAllocationStrategy(eager) succeeded")
	}
}

func TestCreateForPhysicalRange(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 8)
	fr, err := mf.AllocateRange(2, pgalloc.AllocOpts{Kind: usage.Device})
	if err != nil {
		t.Fatalf("AllocateRange failed: %v", err)
	}
	o, err := CreateForPhysicalRange(mf, fr, hostarch.MemoryTypeUncached)
	if err != nil {
		t.Fatalf("CreateForPhysicalRange failed: %v", err)
	}
	if !o.IsFixedBacking() || o.MemoryType() != hostarch.MemoryTypeUncached {
		t.Errorf("got fixed backing %t, memory type %v", o.IsFixedBacking(), o.MemoryType())
	}
	for i := uint64(0); i < 2; i++ {
		if got, want := o.PhysicalPage(i), fr.Start+pgalloc.Frame(i); got != want {
			t.Errorf("PhysicalPage(%d) got %v want %v", i, got, want)
		}
		if got := mf.RefCount(fr.Start + pgalloc.Frame(i)); got != 2 {
			t.Errorf("RefCount got %d want 2", got)
		}
	}
	if got := mf.Stats().PurgeableUsers; got != 0 {
		t.Errorf("fixed-backing object registered for reclaim")
	}

	// Fixed-backing pages are never purged.
	p := NewPurgeablePageRanges(nil)
	if err := o.RegisterPurgeablePageRanges(p); err != nil {
		t.Fatalf("RegisterPurgeablePageRanges failed: %v", err)
	}
	p.AddVolatileRange(rng(0, 2))
	if got := o.Purge(); got != 0 {
		t.Errorf("Purge got %d want 0", got)
	}
	o.UnregisterPurgeablePageRanges(p)

	o.DecRef()
	mf.DecRefRange(fr)
	checkUsed(t, mf, 0)

	if _, err := CreateForPhysicalRange(mf, pgalloc.FrameRange{Start: 4, End: 4}, hostarch.MemoryTypeWriteBack); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("CreateForPhysicalRange of empty range got %v want EINVAL", err)
	}
}

func TestCreateWithPhysicalPage(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 2)
	f, err := mf.Allocate(pgalloc.AllocOpts{Kind: usage.Device})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	o, err := CreateWithPhysicalPage(mf, f)
	if err != nil {
		t.Fatalf("CreateWithPhysicalPage failed: %v", err)
	}
	if o.PageCount() != 1 || o.PhysicalPage(0) != f {
		t.Errorf("got %v holding %v want one page holding %v", o, o.PhysicalPage(0), f)
	}
	o.DecRef()
	mf.DecRef(f)
	checkUsed(t, mf, 0)
}

func TestHandleZeroFault(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 4)
	lazy := newTestObject(t, mf, 2, Reserve)
	defer lazy.DecRef()
	zero := newTestObject(t, mf, 2, None)
	defer zero.DecRef()

	if got := lazy.HandleZeroFault(0); got != PageFaultContinue {
		t.Errorf("HandleZeroFault on lazy page got %v", got)
	}
	if got, want := lazy.UnusedCommittedPages(), uint64(1); got != want {
		t.Errorf("UnusedCommittedPages got %d want %d", got, want)
	}
	checkCommitted(t, mf, 1)
	if mf.IsReserved(lazy.PhysicalPage(0)) {
		t.Errorf("lazy page not allocated")
	}
	frame := lazy.PhysicalPage(0)
	if got := lazy.HandleZeroFault(0); got != PageFaultContinue || lazy.PhysicalPage(0) != frame {
		t.Errorf("second HandleZeroFault got %v and replaced the frame", got)
	}

	// One committed page and one allocated page leave two uncommitted
	// frames for the None object.
	for i := uint64(0); i < 2; i++ {
		if got := zero.HandleZeroFault(i); got != PageFaultContinue {
			t.Errorf("HandleZeroFault(%d) got %v", i, got)
		}
	}
	// The remaining commitment is still honored.
	if got := lazy.HandleZeroFault(1); got != PageFaultContinue {
		t.Errorf("HandleZeroFault on committed page got %v", got)
	}
	checkUsed(t, mf, 4)

	more := newTestObject(t, mf, 1, None)
	defer more.DecRef()
	if got := more.HandleZeroFault(0); got != PageFaultOutOfMemory {
		t.Errorf("HandleZeroFault with no memory got %v want OutOfMemory", got)
	}
	if got, want := zero.Stats().ZeroFaults, uint64(2); got != want {
		t.Errorf("ZeroFaults got %d want %d", got, want)
	}
}

func TestIndexOutOfRangePanics(t *testing.T) {
	mf := testutil.NewMemoryFile(t, 2)
	o := newTestObject(t, mf, 2, None)
	defer o.DecRef()
	for name, fn := range map[string]func(){
		"PhysicalPage":   func() { o.PhysicalPage(2) },
		"HandleCOWFault": func() { o.HandleCOWFault(2, 0) },
		"IsVolatile":     func() { o.IsVolatile(5) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s with out-of-range index did not panic", name)
				}
			}()
			fn()
		}()
	}
}
