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

package pgalloc

import (
	"fmt"

	"anonvm.dev/anonvm/pkg/hostarch"
)

// Frame is the index of a page-sized frame within a MemoryFile.
type Frame uint64

// Offset returns the byte offset of f in the backing file.
func (f Frame) Offset() uint64 {
	return uint64(f) << hostarch.PageShift
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	return fmt.Sprintf("frame %#x", uint64(f))
}

// A FrameRange represents the set of frames [Start, End).
type FrameRange struct {
	Start Frame
	End   Frame
}

// WellFormed returns true if fr.Start <= fr.End.
func (fr FrameRange) WellFormed() bool {
	return fr.Start <= fr.End
}

// Length returns the number of frames in fr.
func (fr FrameRange) Length() uint64 {
	return uint64(fr.End - fr.Start)
}

// Contains returns true if fr contains f.
func (fr FrameRange) Contains(f Frame) bool {
	return fr.Start <= f && f < fr.End
}

// String implements fmt.Stringer.
func (fr FrameRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(fr.Start), uint64(fr.End))
}

// FrameReleaser is the subset of MemoryFile that may be used from contexts
// that must neither block on allocation nor allocate memory: it can drop
// frame references and commitment, and identify reserved frames, but never
// obtain frames or commitment.
type FrameReleaser interface {
	// DecRef releases a reference on f.
	DecRef(f Frame)

	// UncommitPages releases n pages of commitment.
	UncommitPages(n uint64)

	// IsReserved returns true if f is a reserved frame.
	IsReserved(f Frame) bool

	// ZeroFrame returns the shared zero frame.
	ZeroFrame() Frame

	// LazyCommittedFrame returns the shared lazy-committed frame.
	LazyCommittedFrame() Frame
}
