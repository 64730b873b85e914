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

// Package mm provides a minimal address space built from anonymous VM
// objects: regions map objects into a flat address range, resolve zero and
// copy-on-write faults, and let their users mark pages volatile.
package mm

import (
	"fmt"

	"anonvm.dev/anonvm/pkg/hostarch"
	"anonvm.dev/anonvm/pkg/log"
	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
	"anonvm.dev/anonvm/pkg/sync"
	"github.com/google/btree"
)

const (
	// mmapBase is the address of the first region.
	mmapBase = hostarch.Addr(0x10000000)

	// regionsDegree is the degree of the region index.
	regionsDegree = 8
)

// MemoryManager implements an address space of regions backed by anonymous
// VM objects.
//
// Lock order: MemoryManager.mu < vm.AnonymousVMObject.mu <
// vm.PurgeablePageRanges.mu < Region.ptMu < pgalloc.MemoryFile.mu.
type MemoryManager struct {
	// mf allocates memory for new objects. Immutable.
	mf *pgalloc.MemoryFile

	// mu protects the fields below. Region page tables are protected by
	// their own locks, so faults and I/O only need mu for reading.
	mu sync.RWMutex

	// regions is ordered by start address.
	regions *btree.BTreeG[*Region]

	// nextAddr is the start of the next region placed by MMap.
	nextAddr hostarch.Addr

	// usageAS is the number of bytes mapped.
	usageAS uint64

	destroyed bool
}

func lessByStart(a, b *Region) bool {
	return a.ar.Start < b.ar.Start
}

// NewMemoryManager returns an empty address space whose new objects are
// backed by mf.
func NewMemoryManager(mf *pgalloc.MemoryFile) *MemoryManager {
	return &MemoryManager{
		mf:       mf,
		regions:  btree.NewG[*Region](regionsDegree, lessByStart),
		nextAddr: mmapBase,
	}
}

// MemoryFile returns the MemoryFile backing mm's objects.
func (mm *MemoryManager) MemoryFile() *pgalloc.MemoryFile {
	return mm.mf
}

// findRegionLocked returns the region containing addr, or nil.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) findRegionLocked(addr hostarch.Addr) *Region {
	var found *Region
	mm.regions.DescendLessOrEqual(&Region{ar: hostarch.AddrRange{Start: addr}}, func(r *Region) bool {
		if r.ar.Contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// regionsInRangeLocked returns the regions overlapping ar in order.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) regionsInRangeLocked(ar hostarch.AddrRange) []*Region {
	var out []*Region
	start := &Region{ar: hostarch.AddrRange{Start: ar.Start}}
	if r := mm.findRegionLocked(ar.Start); r != nil {
		start = r
	}
	mm.regions.AscendGreaterOrEqual(start, func(r *Region) bool {
		if r.ar.Start >= ar.End {
			return false
		}
		if r.ar.Intersect(ar).Length() != 0 {
			out = append(out, r)
		}
		return true
	})
	return out
}

// insertRegionLocked adds r to mm.
//
// Preconditions: mm.mu must be locked for writing.
func (mm *MemoryManager) insertRegionLocked(r *Region) {
	mm.regions.ReplaceOrInsert(r)
	mm.usageAS += r.ar.Length()
	if r.ar.End > mm.nextAddr {
		// Leave an unmapped guard page between regions.
		mm.nextAddr = r.ar.End + hostarch.PageSize
	}
}

// removeRegionLocked removes r from mm and releases it.
//
// Preconditions: mm.mu must be locked for writing.
func (mm *MemoryManager) removeRegionLocked(r *Region) {
	mm.regions.Delete(r)
	mm.usageAS -= r.ar.Length()
	r.release()
}

// Regions returns the mapped regions in address order.
func (mm *MemoryManager) Regions() []*Region {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	out := make([]*Region, 0, mm.regions.Len())
	mm.regions.Ascend(func(r *Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// UsageAS returns the number of bytes mapped in mm.
func (mm *MemoryManager) UsageAS() uint64 {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.usageAS
}

// Fork returns a copy of mm. Private regions are cloned copy-on-write;
// shared regions map the same object in both address spaces. Volatile
// ranges are copied into the new regions.
func (mm *MemoryManager) Fork() (*MemoryManager, error) {
	// Exclude I/O, which could otherwise write through translations that
	// are about to become copy-on-write.
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.destroyed {
		return nil, fmt.Errorf("fork of destroyed %v", mm)
	}
	child := NewMemoryManager(mm.mf)
	var err error
	mm.regions.Ascend(func(r *Region) bool {
		var cr *Region
		cr, err = r.fork()
		if err != nil {
			return false
		}
		child.insertRegionLocked(cr)
		return true
	})
	if err != nil {
		child.Destroy()
		return nil, err
	}
	child.nextAddr = mm.nextAddr
	log.Debugf("Forked %v into %v", mm, child)
	return child, nil
}

// Destroy unmaps every region of mm.
func (mm *MemoryManager) Destroy() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.destroyed {
		return
	}
	mm.destroyed = true
	for mm.regions.Len() > 0 {
		r, _ := mm.regions.Min()
		mm.removeRegionLocked(r)
	}
}

// String implements fmt.Stringer.
func (mm *MemoryManager) String() string {
	return fmt.Sprintf("MemoryManager{%p}", mm)
}
