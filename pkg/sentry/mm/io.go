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
)

// checkIORange returns the range of length bytes starting at addr, or false
// if it wraps.
func checkIORange(addr hostarch.Addr, length int) (hostarch.AddrRange, bool) {
	end, ok := addr.AddLength(uint64(length))
	return hostarch.AddrRange{Start: addr, End: end}, ok
}

// copyLocked calls fn on every page-sized or smaller piece of ar, in order,
// with the corresponding slice of the backing page, faulting pages in for
// access type at as needed. It returns the number of bytes processed.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) copyLocked(ar hostarch.AddrRange, at hostarch.AccessType, fn func(done int, bs []byte)) (int, error) {
	done := 0
	for addr := ar.Start; addr < ar.End; {
		r := mm.findRegionLocked(addr)
		if r == nil {
			return done, linuxerr.EFAULT
		}
		pageEnd := addr.RoundDown() + hostarch.PageSize
		end := min(pageEnd, ar.End)
		off := addr.PageOffset()
		n := int(end - addr)
		if err := r.withPage(addr, at, func(bs []byte) {
			fn(done, bs[off:off+uint64(n)])
		}); err != nil {
			return done, err
		}
		done += n
		addr = end
	}
	return done, nil
}

// CopyOut copies src to the memory mapped at addr. It returns the number of
// bytes copied, which is less than len(src) only if an error is returned.
// Writes to unmapped or read-only memory return EFAULT; writes that need
// memory that cannot be obtained return ENOMEM.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	ar, ok := checkIORange(addr, len(src))
	if !ok {
		return 0, linuxerr.EFAULT
	}
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.copyLocked(ar, hostarch.Write, func(done int, bs []byte) {
		copy(bs, src[done:])
	})
}

// CopyIn copies the memory mapped at addr into dst. It returns the number of
// bytes copied, which is less than len(dst) only if an error is returned.
// Reads never allocate memory: pages without backing read as zeroes.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	ar, ok := checkIORange(addr, len(dst))
	if !ok {
		return 0, linuxerr.EFAULT
	}
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.copyLocked(ar, hostarch.Read, func(done int, bs []byte) {
		copy(dst[done:], bs)
	})
}

// ZeroOut zeroes length bytes of memory mapped at addr.
func (mm *MemoryManager) ZeroOut(addr hostarch.Addr, length int) (int, error) {
	ar, ok := checkIORange(addr, length)
	if !ok {
		return 0, linuxerr.EFAULT
	}
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.copyLocked(ar, hostarch.Write, func(_ int, bs []byte) {
		clear(bs)
	})
}
