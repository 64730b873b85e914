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
	"fmt"

	"anonvm.dev/anonvm/pkg/errors/linuxerr"
	"anonvm.dev/anonvm/pkg/hostarch"
	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
	"anonvm.dev/anonvm/pkg/sentry/vm"
	"anonvm.dev/anonvm/pkg/sync"
)

// pte is a page table entry.
type pte struct {
	frame    pgalloc.Frame
	valid    bool
	writable bool
}

// A Region maps a window of an AnonymousVMObject into an address space.
//
// Region implements vm.PageInvalidator.
type Region struct {
	// ar is the mapped address range. Immutable.
	ar hostarch.AddrRange

	// object is the mapped object. The region holds a reference on it.
	// Immutable.
	object *vm.AnonymousVMObject

	// offset is the index of the object page mapped at ar.Start. Immutable.
	offset uint64

	// shared is true if writes are visible to every region mapping the
	// object. Private regions own their object. Immutable.
	shared bool

	// writable is true if the region may be written. Immutable.
	writable bool

	// purgeable holds the region's volatile ranges, in object page indices.
	// It is registered with object while the region is mapped.
	purgeable *vm.PurgeablePageRanges

	// ptMu protects the page table. It is only held around page table
	// updates and byte copies.
	ptMu sync.Mutex

	// ptes is indexed by page within the region.
	ptes []pte

	// invalidations counts InvalidatePages calls that dropped at least one
	// entry.
	invalidations uint64
}

// newRegion returns a region mapping pages [offset, offset+pages of ar) of
// object at ar, and registers its volatile ranges with object. The region
// takes over the caller's reference on object, which is dropped if the
// registration fails.
func newRegion(ar hostarch.AddrRange, object *vm.AnonymousVMObject, offset uint64, shared, writable bool, from *vm.PurgeablePageRanges) (*Region, error) {
	r := &Region{
		ar:       ar,
		object:   object,
		offset:   offset,
		shared:   shared,
		writable: writable,
		ptes:     make([]pte, ar.Length()/hostarch.PageSize),
	}
	r.purgeable = vm.NewPurgeablePageRanges(r)
	if from != nil {
		r.purgeable.CopyRanges(from)
	}
	if err := object.RegisterPurgeablePageRanges(r.purgeable); err != nil {
		object.DecRef()
		return nil, err
	}
	return r, nil
}

// release unmaps r.
func (r *Region) release() {
	r.object.UnregisterPurgeablePageRanges(r.purgeable)
	r.ptMu.Lock()
	clear(r.ptes)
	r.ptMu.Unlock()
	r.object.DecRef()
}

// fork returns the region's counterpart in a forked address space.
func (r *Region) fork() (*Region, error) {
	if r.shared {
		r.object.IncRef()
		return newRegion(r.ar, r.object, r.offset, true, r.writable, r.purgeable)
	}
	clone, err := r.object.Clone()
	if err != nil {
		return nil, err
	}
	// Every resident page of the object is now copy-on-write.
	r.InvalidatePages(r.offset, r.Pages())
	return newRegion(r.ar, clone, r.offset, false, r.writable, r.purgeable)
}

// Range returns the address range mapped by r.
func (r *Region) Range() hostarch.AddrRange {
	return r.ar
}

// Pages returns the number of pages mapped by r.
func (r *Region) Pages() uint64 {
	return uint64(len(r.ptes))
}

// Object returns the object mapped by r.
func (r *Region) Object() *vm.AnonymousVMObject {
	return r.object
}

// Offset returns the index of the object page mapped at the start of r.
func (r *Region) Offset() uint64 {
	return r.offset
}

// Shared returns true if r is a shared mapping.
func (r *Region) Shared() bool {
	return r.shared
}

// Writable returns true if r may be written.
func (r *Region) Writable() bool {
	return r.writable
}

// Invalidations returns the number of times translations in r were dropped
// because the object changed its pages.
func (r *Region) Invalidations() uint64 {
	r.ptMu.Lock()
	defer r.ptMu.Unlock()
	return r.invalidations
}

// VolatileRanges returns the region's volatile ranges, in object page
// indices.
func (r *Region) VolatileRanges() []vm.VolatilePageRange {
	return r.purgeable.Ranges()
}

// pageIndex returns the index within r of the page containing addr.
func (r *Region) pageIndex(addr hostarch.Addr) uint64 {
	return uint64(addr-r.ar.Start) / hostarch.PageSize
}

// InvalidatePages implements vm.PageInvalidator.InvalidatePages.
func (r *Region) InvalidatePages(base, count uint64) {
	start := max(base, r.offset)
	end := min(base+count, r.offset+r.Pages())
	if start >= end {
		return
	}
	r.ptMu.Lock()
	defer r.ptMu.Unlock()
	dropped := false
	for i := start - r.offset; i < end-r.offset; i++ {
		if r.ptes[i].valid {
			r.ptes[i] = pte{}
			dropped = true
		}
	}
	if dropped {
		r.invalidations++
	}
}

// HandleFault resolves a fault for access type at on the page containing
// addr, and installs a page table entry that permits the access.
func (r *Region) HandleFault(addr hostarch.Addr, at hostarch.AccessType) error {
	if !r.ar.Contains(addr) {
		panic(fmt.Sprintf("fault at %v outside %v", addr, r.ar))
	}
	if at.Execute || (at.Write && !r.writable) {
		return linuxerr.EFAULT
	}
	i := r.pageIndex(addr)
	oi := r.offset + i
	mf := r.object.MemoryFile()
	for {
		if at.Write {
			if err := faultError(r.object.HandleZeroFault(oi)); err != nil {
				return err
			}
			if !r.shared {
				if err := faultError(r.object.HandleCOWFault(oi, addr)); err != nil {
					return err
				}
			}
		}
		installed := false
		r.object.MapPage(oi, r.shared, func(f pgalloc.Frame, writeFaults bool) {
			if at.Write && (writeFaults || mf.IsReserved(f)) {
				// The page was purged or shared again since it was
				// resolved above.
				return
			}
			r.ptMu.Lock()
			r.ptes[i] = pte{
				frame:    f,
				valid:    true,
				writable: r.writable && !writeFaults,
			}
			r.ptMu.Unlock()
			installed = true
		})
		if installed {
			return nil
		}
	}
}

// faultError converts a fault handler's response to an error.
func faultError(resp vm.PageFaultResponse) error {
	switch resp {
	case vm.PageFaultContinue:
		return nil
	case vm.PageFaultOutOfMemory:
		return linuxerr.ENOMEM
	default:
		return linuxerr.EFAULT
	}
}

// withPage calls fn with the contents of the page containing addr, faulting
// it in for access type at if necessary. fn is called with r.ptMu locked.
func (r *Region) withPage(addr hostarch.Addr, at hostarch.AccessType, fn func(bs []byte)) error {
	i := r.pageIndex(addr)
	mf := r.object.MemoryFile()
	for {
		r.ptMu.Lock()
		p := r.ptes[i]
		if p.valid && (!at.Write || p.writable) {
			bs, err := mf.MapInternal(p.frame, at)
			if err == nil {
				fn(bs)
			}
			r.ptMu.Unlock()
			return err
		}
		r.ptMu.Unlock()
		if err := r.HandleFault(addr, at); err != nil {
			return err
		}
	}
}

// String implements fmt.Stringer.
func (r *Region) String() string {
	return fmt.Sprintf("Region{%v, %v+%d}", r.ar, r.object, r.offset)
}
