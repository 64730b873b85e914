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

	"anonvm.dev/anonvm/pkg/atomicbitops"
	"anonvm.dev/anonvm/pkg/bitmap"
	"anonvm.dev/anonvm/pkg/hostarch"
	"anonvm.dev/anonvm/pkg/log"
	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
	"anonvm.dev/anonvm/pkg/sentry/usage"
	"anonvm.dev/anonvm/pkg/sync"
)

// CommittedCowPages is a reservation of frames shared by an
// AnonymousVMObject and the clones made from it, from which copy-on-write
// faults draw the frames they copy into.
//
// The reservation is held as commitment in the MemoryFile, one page for each
// shared page of the clone family. Each page's unit is settled at most once:
// it is taken by the first copy of that page, or returned if a sole owner
// appears before any copy was made, or released when the last reference is
// dropped. At all times:
//
//	remaining + taken + returned == initial
type CommittedCowPages struct {
	committedCowPagesRefs

	mf *pgalloc.MemoryFile

	// initial is the number of pages originally committed. Immutable.
	initial uint64

	// mu protects pending. Objects sharing the pool hold their own mu
	// first.
	mu sync.Mutex

	// pending has a bit set for every page index whose unit is unsettled.
	pending bitmap.Bitmap

	// remaining is the number of bits set in pending. It is only changed
	// with mu held.
	remaining atomicbitops.Int64

	// taken is the number of pages drawn by copies.
	taken atomicbitops.Uint64

	// returned is the number of pages given back by sole owners.
	returned atomicbitops.Uint64
}

// newCommittedCowPages returns a pool covering the page indices set in
// pending, whose pages are already committed in mf, with one reference.
func newCommittedCowPages(mf *pgalloc.MemoryFile, pending bitmap.Bitmap) *CommittedCowPages {
	n := uint64(pending.GetNumOnes())
	p := &CommittedCowPages{
		mf:        mf,
		initial:   n,
		pending:   pending,
		remaining: atomicbitops.FromInt64(int64(n)),
	}
	p.InitRefs()
	return p
}

// settle marks the unit for page i as used and returns true, or returns
// false if page i has no unsettled unit in p.
func (p *CommittedCowPages) settle(i uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= uint64(p.pending.Size()) || !p.pending.Test(uint32(i)) {
		return false
	}
	p.pending.Remove(uint32(i))
	if !p.remaining.DecUnlessZero() {
		panic(fmt.Sprintf("committed COW pages: page %d pending with nothing remaining", i))
	}
	return true
}

// TakeOne draws the committed page reserved for page i and returns a zeroed
// frame allocated against it. It returns false if page i has no reserved
// page left: it was not shared when the pool was made, or another member of
// the clone family already copied or released it.
func (p *CommittedCowPages) TakeOne(i uint64) (pgalloc.Frame, bool) {
	if !p.settle(i) {
		return 0, false
	}
	p.taken.Add(1)
	return p.mf.AllocateCommitted(pgalloc.AllocOpts{Kind: usage.Anonymous}), true
}

// ReturnOne gives the committed page reserved for page i back to the
// MemoryFile because no copy of page i will be needed. Pages already taken
// by a copy are not returned. It returns true if the pool is now empty.
func (p *CommittedCowPages) ReturnOne(i uint64) bool {
	if p.settle(i) {
		p.returned.Add(1)
		p.mf.UncommitPages(1)
	}
	return p.remaining.Load() == 0
}

// Remaining returns the number of pages still committed to the pool.
func (p *CommittedCowPages) Remaining() uint64 {
	return uint64(p.remaining.Load())
}

// Initial returns the number of pages the pool was created with.
func (p *CommittedCowPages) Initial() uint64 {
	return p.initial
}

// Taken returns the number of pages drawn by copies.
func (p *CommittedCowPages) Taken() uint64 {
	return p.taken.Load()
}

// Returned returns the number of pages given back before the pool was
// released.
func (p *CommittedCowPages) Returned() uint64 {
	return p.returned.Load()
}

// DecRef drops a reference on the pool. The last reference uncommits every
// remaining page.
func (p *CommittedCowPages) DecRef() {
	p.committedCowPagesRefs.DecRef(p.destroy)
}

func (p *CommittedCowPages) destroy() {
	rem := p.remaining.Load()
	if rem < 0 || uint64(rem)+p.taken.Load()+p.returned.Load() != p.initial {
		panic(fmt.Sprintf("committed COW pages accounting broken: %d remaining + %d taken + %d returned != %d", rem, p.taken.Load(), p.returned.Load(), p.initial))
	}
	if rem > 0 {
		log.Debugf("Releasing %d unused committed COW pages (%d bytes)", rem, uint64(rem)*hostarch.PageSize)
		p.remaining.Store(0)
		p.pending = bitmap.Bitmap{}
		p.mf.UncommitPages(uint64(rem))
	}
}
