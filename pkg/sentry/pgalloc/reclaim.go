// Copyright 2019 The gVisor Authors.
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

package pgalloc

import (
	"fmt"

	"anonvm.dev/anonvm/pkg/log"
)

// A PurgeableMemoryUser holds MemoryFile frames or commitment that it is
// willing to release under memory pressure.
type PurgeableMemoryUser interface {
	// Purge releases every frame and page of commitment the user considers
	// discardable and returns the number of pages released. Purge may block.
	Purge() int

	// PurgeWithInterruptsDisabled is like Purge, but must not block and must
	// not allocate frames or commitment. It returns 0 if it cannot make
	// progress without blocking.
	PurgeWithInterruptsDisabled() int
}

// RegisterPurgeable adds u to the set of users consulted by reclaim.
func (f *MemoryFile) RegisterPurgeable(u PurgeableMemoryUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.users {
		if v == u {
			panic(fmt.Sprintf("purgeable user %p registered twice", u))
		}
	}
	f.users = append(f.users, u)
}

// UnregisterPurgeable removes u from the set of users consulted by reclaim.
func (f *MemoryFile) UnregisterPurgeable(u PurgeableMemoryUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, v := range f.users {
		if v == u {
			f.users = append(f.users[:i], f.users[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("purgeable user %p not registered", u))
}

// snapshotUsers returns a copy of the registered users.
func (f *MemoryFile) snapshotUsers() []PurgeableMemoryUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaims++
	return append([]PurgeableMemoryUser(nil), f.users...)
}

// emergencyReclaim runs the non-blocking purge of every registered user. It
// is used by allocation paths, which may be called with arbitrary object
// locks held; users that cannot make progress without blocking are skipped.
//
// Preconditions: f.mu must not be locked.
func (f *MemoryFile) emergencyReclaim() int {
	total := 0
	for _, u := range f.snapshotUsers() {
		total += u.PurgeWithInterruptsDisabled()
	}
	f.mu.Lock()
	f.purged += uint64(total)
	f.mu.Unlock()
	return total
}

// Reclaim is the low-memory handler: it asks every registered user to purge
// its discardable memory, blocking as necessary, and returns the total number
// of pages released.
//
// Preconditions: The caller must not hold any memory object locks.
func (f *MemoryFile) Reclaim() int {
	total := 0
	users := f.snapshotUsers()
	for _, u := range users {
		total += u.Purge()
	}
	f.mu.Lock()
	f.purged += uint64(total)
	f.mu.Unlock()
	if total > 0 {
		log.Infof("pgalloc.MemoryFile reclaim released %d pages from %d users", total, len(users))
	} else {
		log.Debugf("pgalloc.MemoryFile reclaim found nothing to release in %d users", len(users))
	}
	return total
}

// MemoryStats is a snapshot of a MemoryFile's frame and commitment state, in
// pages.
type MemoryStats struct {
	TotalPages        uint64
	FreePages         uint64
	UsedPages         uint64
	CommittedPages    uint64
	AvailablePages    uint64
	PurgeableUsers    int
	Reclaims          uint64
	PurgedPages       uint64
	FailedAllocations uint64
}

// Stats returns a snapshot of f's state.
func (f *MemoryFile) Stats() MemoryStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return MemoryStats{
		TotalPages:        f.opts.TotalPages,
		FreePages:         uint64(f.free.Len()),
		UsedPages:         f.usedLocked(),
		CommittedPages:    f.committed,
		AvailablePages:    f.availableLocked(),
		PurgeableUsers:    len(f.users),
		Reclaims:          f.reclaims,
		PurgedPages:       f.purged,
		FailedAllocations: f.failedAllocations,
	}
}
