// Copyright 2023 The gVisor Authors.
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

// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"anonvm.dev/anonvm/pkg/hostarch"
	"anonvm.dev/anonvm/pkg/sentry/mm"
	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
	"anonvm.dev/anonvm/pkg/sentry/vm"
	"anonvm.dev/anonvm/vmsim/cmd/util"
	"anonvm.dev/anonvm/vmsim/config"
)

// memoryFile returns the MemoryFile installed in ctx by the CLI.
func memoryFile(ctx context.Context) *pgalloc.MemoryFile {
	mf := pgalloc.MemoryFileFromContext(ctx)
	if mf == nil {
		util.Fatalf("no MemoryFile in context")
	}
	return mf
}

// configFrom returns the Config passed as the first argument to Execute.
func configFrom(args []any) *config.Config {
	return args[0].(*config.Config)
}

// pageRange is a flag.Value for a range of page indices in "begin:end"
// form.
type pageRange struct {
	begin uint64
	end   uint64
}

// String implements flag.Value.
func (r *pageRange) String() string {
	return fmt.Sprintf("%d:%d", r.begin, r.end)
}

// Set implements flag.Value.
func (r *pageRange) Set(v string) error {
	b, e, ok := strings.Cut(v, ":")
	if !ok {
		return fmt.Errorf("invalid page range %q, must be begin:end", v)
	}
	begin, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid page range %q: %w", v, err)
	}
	end, err := strconv.ParseUint(e, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid page range %q: %w", v, err)
	}
	if end <= begin {
		return fmt.Errorf("invalid page range %q, end must be greater than begin", v)
	}
	r.begin, r.end = begin, end
	return nil
}

// count returns the number of pages in r.
func (r pageRange) count() uint64 {
	return r.end - r.begin
}

// setVolatile marks r volatile in the mapping at addr.
func (r pageRange) setVolatile(m *mm.MemoryManager, addr hostarch.Addr, volatile bool) (bool, error) {
	return m.SetVolatile(addr+hostarch.Addr(r.begin*hostarch.PageSize), r.count()*hostarch.PageSize, volatile)
}

// pattern fills a buffer of n pages where every page starts with its index.
func pattern(n uint64) []byte {
	buf := make([]byte, n*hostarch.PageSize)
	for i := uint64(0); i < n; i++ {
		buf[i*hostarch.PageSize] = byte(i + 1)
	}
	return buf
}

// regionAt returns the region mapped at addr.
func regionAt(m *mm.MemoryManager, addr hostarch.Addr) (*mm.Region, error) {
	for _, r := range m.Regions() {
		if r.Range().Contains(addr) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no region at %v", addr)
}

// objectState is the externally visible state of an object.
type objectState struct {
	Object        string         `json:"object"`
	COWBitmap     []uint32       `json:"cow_bits"`
	COWPages      uint64         `json:"cow_pages"`
	ResidentPages uint64         `json:"resident_pages"`
	Stats         vm.ObjectStats `json:"stats"`
}

func stateOf(o *vm.AnonymousVMObject) objectState {
	return objectState{
		Object:        o.String(),
		COWBitmap:     o.COWBitmap(),
		COWPages:      o.COWPages(),
		ResidentPages: o.ResidentPages(),
		Stats:         o.Stats(),
	}
}
