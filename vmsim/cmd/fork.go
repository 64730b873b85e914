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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"anonvm.dev/anonvm/pkg/hostarch"
	"anonvm.dev/anonvm/pkg/sentry/mm"
	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
	"anonvm.dev/anonvm/pkg/sentry/vm"
	"anonvm.dev/anonvm/vmsim/cmd/util"
	"github.com/google/subcommands"
)

// Fork implements subcommands.Command for the "fork" command.
type Fork struct {
	pages uint64
	fault uint64
}

// Name implements subcommands.Command.Name.
func (*Fork) Name() string {
	return "fork"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Fork) Synopsis() string {
	return "fork an address space and write-fault one page in the child"
}

// Usage implements subcommands.Command.Usage.
func (*Fork) Usage() string {
	return `fork [flags] - maps a private region, forks, writes one page in the child and prints both COW bitmaps.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (f *Fork) SetFlags(fs *flag.FlagSet) {
	fs.Uint64Var(&f.pages, "pages", 8, "number of pages in the private region.")
	fs.Uint64Var(&f.fault, "fault", 0, "index of the page written by the child.")
}

// Execute implements subcommands.Command.Execute.
func (f *Fork) Execute(ctx context.Context, fs *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if fs.NArg() != 0 {
		fs.Usage()
		return subcommands.ExitUsageError
	}
	if err := f.execute(os.Stdout, memoryFile(ctx)); err != nil {
		return util.Errorf("fork failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// poolState is a snapshot of a CommittedCowPages pool.
type poolState struct {
	Initial   uint64 `json:"initial"`
	Remaining uint64 `json:"remaining"`
	Taken     uint64 `json:"taken"`
	Returned  uint64 `json:"returned"`
}

// forkResult is printed by the fork command.
type forkResult struct {
	Pages       uint64      `json:"pages"`
	Fault       uint64      `json:"fault"`
	Parent      objectState `json:"parent"`
	Child       objectState `json:"child"`
	SharedPages uint64      `json:"shared_pages"`
	Pool        *poolState  `json:"pool,omitempty"`
}

func (f *Fork) run(mf *pgalloc.MemoryFile) (*forkResult, error) {
	if f.pages == 0 || f.fault >= f.pages {
		return nil, fmt.Errorf("fault page %d out of range [0, %d)", f.fault, f.pages)
	}
	parent := mm.NewMemoryManager(mf)
	defer parent.Destroy()
	addr, err := parent.MMap(mm.MMapOpts{
		Length:   f.pages * hostarch.PageSize,
		Strategy: vm.AllocateNow,
		Writable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	if _, err := parent.CopyOut(addr, pattern(f.pages)); err != nil {
		return nil, fmt.Errorf("writing parent: %w", err)
	}

	child, err := parent.Fork()
	if err != nil {
		return nil, err
	}
	defer child.Destroy()
	faultAddr := addr + hostarch.Addr(f.fault*hostarch.PageSize)
	if _, err := child.CopyOut(faultAddr, []byte{0xff}); err != nil {
		return nil, fmt.Errorf("writing child: %w", err)
	}
	var got [1]byte
	if _, err := parent.CopyIn(faultAddr, got[:]); err != nil {
		return nil, fmt.Errorf("reading parent: %w", err)
	}
	if want := byte(f.fault + 1); got[0] != want {
		return nil, fmt.Errorf("child write leaked into parent: got %#x want %#x", got[0], want)
	}

	pr, err := regionAt(parent, addr)
	if err != nil {
		return nil, err
	}
	cr, err := regionAt(child, addr)
	if err != nil {
		return nil, err
	}
	po, co := pr.Object(), cr.Object()
	res := &forkResult{
		Pages:  f.pages,
		Fault:  f.fault,
		Parent: stateOf(po),
		Child:  stateOf(co),
	}
	for i := uint64(0); i < f.pages; i++ {
		if po.PhysicalPage(i) == co.PhysicalPage(i) {
			res.SharedPages++
		}
	}
	if pool := co.CommittedCowPages(); pool != nil {
		res.Pool = &poolState{
			Initial:   pool.Initial(),
			Remaining: pool.Remaining(),
			Taken:     pool.Taken(),
			Returned:  pool.Returned(),
		}
	}
	return res, nil
}

func (f *Fork) execute(w io.Writer, mf *pgalloc.MemoryFile) error {
	res, err := f.run(mf)
	if err != nil {
		return err
	}
	return util.WriteJSON(w, res)
}
