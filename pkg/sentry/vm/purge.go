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
	"anonvm.dev/anonvm/pkg/log"
	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
)

// Purge releases the frames of every page that all registrants hold
// volatile, along with the commitment of volatile lazy-committed pages, and
// returns the number of pages released. Purged pages read as zeroes
// afterwards, and the registrants' ranges covering them report that they
// were purged.
//
// Purge implements pgalloc.PurgeableMemoryUser.Purge.
func (o *AnonymousVMObject) Purge() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.purgeableRanges {
		p.mu.Lock()
	}
	defer o.unlockRegistrantsLocked(len(o.purgeableRanges))
	return o.purgeLocked(o.mf)
}

// PurgeWithInterruptsDisabled is Purge for callers that are themselves
// allocating memory. It never waits for a lock and never allocates frames
// or commitment; it returns 0 if o or any registrant is busy.
//
// PurgeWithInterruptsDisabled implements
// pgalloc.PurgeableMemoryUser.PurgeWithInterruptsDisabled.
func (o *AnonymousVMObject) PurgeWithInterruptsDisabled() int {
	if !o.mu.TryLock() {
		return 0
	}
	defer o.mu.Unlock()
	for i, p := range o.purgeableRanges {
		if !p.mu.TryLock() {
			o.unlockRegistrantsLocked(i)
			return 0
		}
	}
	defer o.unlockRegistrantsLocked(len(o.purgeableRanges))
	return o.purgeLocked(o.mf)
}

// unlockRegistrantsLocked unlocks the first n registrants.
//
// Preconditions: o.mu must be locked.
func (o *AnonymousVMObject) unlockRegistrantsLocked(n int) {
	for _, p := range o.purgeableRanges[:n] {
		p.mu.Unlock()
	}
}

// purgeLocked releases the frames and lazy commitment of all volatile pages.
// All memory is released through mem, which cannot hand out frames or
// commitment.
//
// Preconditions: o.mu and every registrant's mu must be locked.
func (o *AnonymousVMObject) purgeLocked(mem pgalloc.FrameReleaser) int {
	if o.destroyed || o.fixedBacking {
		return 0
	}
	set := o.volatileRangesLocked()
	if set.IsEmpty() {
		return 0
	}
	zero, lazy := mem.ZeroFrame(), mem.LazyCommittedFrame()
	var frames, uncommit uint64
	ranges := 0
	set.ForEach(func(r VolatilePageRange) bool {
		n := uint64(0)
		for i := r.Base; i < r.End(); i++ {
			if f := o.pages[i]; f == lazy || !mem.IsReserved(f) {
				n++
			}
		}
		if n == 0 {
			return true
		}
		o.invalidateOwnersLocked(r.Base, r.Count)
		for i := r.Base; i < r.End(); i++ {
			switch f := o.pages[i]; {
			case f == lazy:
				uncommit++
			case mem.IsReserved(f):
				continue
			default:
				mem.DecRef(f)
				frames++
			}
			o.pages[i] = zero
			o.cow.Remove(uint32(i))
			o.released.Add(uint32(i))
		}
		// set is the cached intersection, not any registrant's own ranges.
		for _, p := range o.purgeableRanges {
			p.setWasPurgedLocked(r)
		}
		ranges++
		return true
	})
	if uncommit > 0 {
		o.unusedCommittedPages -= uncommit
		mem.UncommitPages(uncommit)
	}
	total := frames + uncommit
	if total > 0 {
		o.volatileCacheDirty = true
		o.stats.PurgedPages += total
		log.Debugf("Purged %d pages (%d frames, %d lazy-committed) in %d ranges from %v", total, frames, uncommit, ranges, o)
	}
	return int(total)
}
