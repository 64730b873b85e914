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

package mm

import (
	"anonvm.dev/anonvm/pkg/errors/linuxerr"
	"anonvm.dev/anonvm/pkg/hostarch"
	"anonvm.dev/anonvm/pkg/log"
	"anonvm.dev/anonvm/pkg/sentry/vm"
)

// MMapOpts specifies a new region.
type MMapOpts struct {
	// Length is the length of the region in bytes, rounded up to whole
	// pages.
	Length uint64

	// Strategy controls how a new object backing the region is allocated.
	// It is ignored if Object is set.
	Strategy vm.AllocationStrategy

	// Shared makes writes visible to every region mapping the same object,
	// including regions in forked address spaces.
	Shared bool

	// Writable permits writes.
	Writable bool

	// Object, if set, is mapped instead of a new object. The region takes
	// its own reference. Only shared regions may map an existing object.
	Object *vm.AnonymousVMObject

	// Offset is the index of the first page of Object to map.
	Offset uint64
}

// MMap establishes a new region and returns its start address.
func (mm *MemoryManager) MMap(opts MMapOpts) (hostarch.Addr, error) {
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok || length == 0 {
		return 0, linuxerr.EINVAL
	}
	pages := length / hostarch.PageSize

	object := opts.Object
	if object != nil {
		if !opts.Shared {
			return 0, linuxerr.EINVAL
		}
		if opts.Offset+pages < opts.Offset || opts.Offset+pages > object.PageCount() {
			return 0, linuxerr.EINVAL
		}
		object.IncRef()
	} else {
		if opts.Offset != 0 {
			return 0, linuxerr.EINVAL
		}
		var err error
		object, err = vm.CreateWithSize(mm.mf, length, opts.Strategy)
		if err != nil {
			return 0, err
		}
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.destroyed {
		object.DecRef()
		return 0, linuxerr.EINVAL
	}
	end, ok := mm.nextAddr.AddLength(length)
	if !ok {
		object.DecRef()
		return 0, linuxerr.ENOMEM
	}
	ar := hostarch.AddrRange{Start: mm.nextAddr, End: end}
	r, err := newRegion(ar, object, opts.Offset, opts.Shared, opts.Writable, nil)
	if err != nil {
		return 0, err
	}
	mm.insertRegionLocked(r)
	log.Debugf("Mapped %v", r)
	return ar.Start, nil
}

// checkRange returns the page-aligned range of length bytes at addr.
func checkRange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	if !addr.IsPageAligned() || length == 0 {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	la, ok := hostarch.PageRoundUp(length)
	if !ok {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	end, ok := addr.AddLength(la)
	if !ok {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	return hostarch.AddrRange{Start: addr, End: end}, nil
}

// MUnmap unmaps every region within [addr, addr+length). Regions that only
// partly overlap the range cannot be split, and cause MUnmap to fail with
// EINVAL without unmapping anything.
func (mm *MemoryManager) MUnmap(addr hostarch.Addr, length uint64) error {
	ar, err := checkRange(addr, length)
	if err != nil {
		return err
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	regions := mm.regionsInRangeLocked(ar)
	for _, r := range regions {
		if !ar.IsSupersetOf(r.ar) {
			return linuxerr.EINVAL
		}
	}
	for _, r := range regions {
		log.Debugf("Unmapping %v", r)
		mm.removeRegionLocked(r)
	}
	return nil
}

// SetVolatile marks the pages of [addr, addr+length) volatile or
// non-volatile for the regions mapping them. The range must be entirely
// mapped. When making pages non-volatile, wasPurged reports whether any of
// them were purged while volatile; purged pages read as zeroes.
//
// Making pages non-volatile fails with ENOMEM if pages purged while they were
// volatile cannot be committed again, leaving their state unchanged. Regions
// are separated by unmapped guard pages, so the range lies within a single
// region.
func (mm *MemoryManager) SetVolatile(addr hostarch.Addr, length uint64, volatile bool) (wasPurged bool, err error) {
	ar, err := checkRange(addr, length)
	if err != nil {
		return false, err
	}
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	regions := mm.regionsInRangeLocked(ar)
	covered := uint64(0)
	for _, r := range regions {
		covered += r.ar.Intersect(ar).Length()
	}
	if covered != ar.Length() {
		return false, linuxerr.EINVAL
	}
	for _, r := range regions {
		sub := r.ar.Intersect(ar)
		base := r.offset + r.pageIndex(sub.Start)
		purged, err := r.purgeable.SetVolatile(base, sub.Length()/hostarch.PageSize, volatile)
		if err != nil {
			return wasPurged, err
		}
		wasPurged = wasPurged || purged
	}
	return wasPurged, nil
}
