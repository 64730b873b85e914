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
	"bytes"
	"fmt"
	"strings"

	"anonvm.dev/anonvm/pkg/hostarch"
)

// mapsEntry returns a /proc/[pid]/maps style entry for r, including the
// trailing newline.
func (r *Region) mapsEntry() []byte {
	perms := "r-"
	if r.writable {
		perms = "rw"
	}
	private := "p"
	if r.shared {
		private = "s"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%08x-%08x %s-%s %08x 00:00 0 ",
		uint64(r.ar.Start), uint64(r.ar.End), perms, private, r.offset*hostarch.PageSize)

	s := "[anon]"
	if vr := r.purgeable.Ranges(); len(vr) != 0 {
		var parts []string
		for _, v := range vr {
			parts = append(parts, v.String())
		}
		s = fmt.Sprintf("[anon volatile %s]", strings.Join(parts, " "))
	}
	// Per linux, we pad until the 74th character.
	if pad := 73 - b.Len(); pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	b.WriteString(s)
	b.WriteString("\n")
	return b.Bytes()
}

// Maps returns a /proc/[pid]/maps style description of mm's regions.
func (mm *MemoryManager) Maps() string {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	var b bytes.Buffer
	mm.regions.Ascend(func(r *Region) bool {
		b.Write(r.mapsEntry())
		return true
	})
	return b.String()
}
