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

// Package usage provides representations of memory usage.
package usage

import (
	"fmt"
	"sync/atomic"

	"anonvm.dev/anonvm/pkg/sync"
)

// MemoryKind represents a type of memory handed out by a frame allocator.
type MemoryKind int

const (
	// System represents memory owned by the allocator itself, such as the
	// shared zero frames.
	System MemoryKind = iota

	// Anonymous represents anonymous memory backing VM objects.
	Anonymous

	// Device represents fixed physical ranges wrapped by VM objects. These
	// are never purged or copied into.
	Device
)

// String implements fmt.Stringer.
func (k MemoryKind) String() string {
	switch k {
	case System:
		return "system"
	case Anonymous:
		return "anonymous"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// MemoryStats tracks memory usage in bytes. All fields correspond to the
// memory category with the same name. This object is thread-safe if accessed
// through the provided methods. The public fields may be safely accessed
// directly on a copy of the object obtained from Memory.Copy().
type MemoryStats struct {
	// +checkatomic
	System uint64
	// +checkatomic
	Anonymous uint64
	// +checkatomic
	Device uint64

	// Committed is the number of bytes reserved by commitment accounting
	// and not yet drawn by an allocation. It is not part of the total.
	//
	// +checkatomic
	Committed uint64
}

// MemoryLocked is Memory with access methods.
type MemoryLocked struct {
	mu sync.RWMutex
	// MemoryStats records the memory stats.
	MemoryStats
}

// MemoryAccounting is the global memory stats.
var MemoryAccounting = &MemoryLocked{}

func (m *MemoryLocked) field(kind MemoryKind) *uint64 {
	switch kind {
	case System:
		return &m.System
	case Anonymous:
		return &m.Anonymous
	case Device:
		return &m.Device
	default:
		panic(fmt.Sprintf("invalid memory kind: %v", kind))
	}
}

// Inc adds an additional usage of 'val' bytes to memory category 'kind'.
//
// This method is thread-safe.
func (m *MemoryLocked) Inc(val uint64, kind MemoryKind) {
	m.mu.RLock()
	atomic.AddUint64(m.field(kind), val)
	m.mu.RUnlock()
}

// Dec remove a usage of 'val' bytes from memory category 'kind'.
//
// This method is thread-safe.
func (m *MemoryLocked) Dec(val uint64, kind MemoryKind) {
	m.mu.RLock()
	atomic.AddUint64(m.field(kind), ^(val - 1))
	m.mu.RUnlock()
}

// Move moves a usage of 'val' bytes from 'from' to 'to'.
//
// This method is thread-safe.
func (m *MemoryLocked) Move(val uint64, to MemoryKind, from MemoryKind) {
	m.mu.RLock()
	// Just call Dec and Inc directly. We held the RLock to
	// protect against concurrent callers to Total().
	atomic.AddUint64(m.field(from), ^(val - 1))
	atomic.AddUint64(m.field(to), val)
	m.mu.RUnlock()
}

// Commit records 'val' bytes of new commitment.
func (m *MemoryLocked) Commit(val uint64) {
	atomic.AddUint64(&m.Committed, val)
}

// Uncommit records the release or consumption of 'val' bytes of commitment.
func (m *MemoryLocked) Uncommit(val uint64) {
	atomic.AddUint64(&m.Committed, ^(val - 1))
}

// totalLocked returns a total usage.
//
// Precondition: must be called when locked.
func (m *MemoryLocked) totalLocked() (total uint64) {
	total += atomic.LoadUint64(&m.System)
	total += atomic.LoadUint64(&m.Anonymous)
	total += atomic.LoadUint64(&m.Device)
	return
}

// Total returns a total memory usage.
//
// This method is thread-safe.
func (m *MemoryLocked) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLocked()
}

// Copy returns a copy of the structure with a total.
//
// This method is thread-safe.
func (m *MemoryLocked) Copy() (MemoryStats, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := MemoryStats{
		System:    atomic.LoadUint64(&m.System),
		Anonymous: atomic.LoadUint64(&m.Anonymous),
		Device:    atomic.LoadUint64(&m.Device),
		Committed: atomic.LoadUint64(&m.Committed),
	}
	return ms, m.totalLocked()
}
