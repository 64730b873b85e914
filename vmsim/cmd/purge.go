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
	"anonvm.dev/anonvm/pkg/log"
	"anonvm.dev/anonvm/pkg/sentry/mm"
	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
	"anonvm.dev/anonvm/pkg/sentry/vm"
	"anonvm.dev/anonvm/vmsim/cmd/util"
	"github.com/google/subcommands"
)

// Purge implements subcommands.Command for the "purge" command.
type Purge struct {
	pages uint64
	a     pageRange
	b     pageRange
}

// Name implements subcommands.Command.Name.
func (*Purge) Name() string {
	return "purge"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Purge) Synopsis() string {
	return "purge the pages two aliased mappings agree are volatile"
}

// Usage implements subcommands.Command.Usage.
func (*Purge) Usage() string {
	return `purge [flags] - maps one shared object twice, marks a range volatile in each mapping and purges the object.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Purge) SetFlags(f *flag.FlagSet) {
	p.a = pageRange{begin: 0, end: 6}
	p.b = pageRange{begin: 2, end: 8}
	f.Uint64Var(&p.pages, "pages", 8, "number of pages in the shared object.")
	f.Var(&p.a, "a", "pages made volatile through the first mapping, as begin:end.")
	f.Var(&p.b, "b", "pages made volatile through the second mapping, as begin:end.")
}

// Execute implements subcommands.Command.Execute.
func (p *Purge) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := p.execute(os.Stdout, memoryFile(ctx)); err != nil {
		return util.Errorf("purge failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// purgeResult is printed by the purge command.
type purgeResult struct {
	Object string
	// Volatile is the intersection of both mappings' volatile ranges
	// before the purge.
	Volatile []vm.VolatilePageRange
	Purged   int
	// RangesA and RangesB are the mappings' volatile ranges after the
	// purge.
	RangesA []vm.VolatilePageRange
	RangesB []vm.VolatilePageRange
	// ZeroPages is the number of pages that read back as zero.
	ZeroPages uint64
	// WasPurgedA and WasPurgedB are reported when the mappings make their
	// ranges non-volatile again.
	WasPurgedA bool
	WasPurgedB bool
}

func (p *Purge) run(mf *pgalloc.MemoryFile) (*purgeResult, error) {
	if p.pages == 0 || p.a.end > p.pages || p.b.end > p.pages {
		return nil, fmt.Errorf("ranges %v and %v must be within %d pages", &p.a, &p.b, p.pages)
	}
	m := mm.NewMemoryManager(mf)
	defer m.Destroy()
	length := p.pages * hostarch.PageSize
	addrA, err := m.MMap(mm.MMapOpts{
		Length:   length,
		Strategy: vm.AllocateNow,
		Shared:   true,
		Writable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	ra, err := regionAt(m, addrA)
	if err != nil {
		return nil, err
	}
	o := ra.Object()
	addrB, err := m.MMap(mm.MMapOpts{
		Length:   length,
		Shared:   true,
		Writable: true,
		Object:   o,
	})
	if err != nil {
		return nil, fmt.Errorf("mmap alias: %w", err)
	}
	rb, err := regionAt(m, addrB)
	if err != nil {
		return nil, err
	}
	if _, err := m.CopyOut(addrA, pattern(p.pages)); err != nil {
		return nil, fmt.Errorf("writing object: %w", err)
	}

	if _, err := p.a.setVolatile(m, addrA, true); err != nil {
		return nil, fmt.Errorf("marking %v volatile: %w", &p.a, err)
	}
	if _, err := p.b.setVolatile(m, addrB, true); err != nil {
		return nil, fmt.Errorf("marking %v volatile: %w", &p.b, err)
	}
	res := &purgeResult{
		Object:   o.String(),
		Volatile: o.VolatileRanges(),
	}
	res.Purged = o.Purge()
	log.Debugf("Purged %d pages of %v", res.Purged, o)
	res.RangesA = ra.VolatileRanges()
	res.RangesB = rb.VolatileRanges()

	buf := make([]byte, length)
	if _, err := m.CopyIn(addrB, buf); err != nil {
		return nil, fmt.Errorf("reading object: %w", err)
	}
	for i := uint64(0); i < p.pages; i++ {
		if buf[i*hostarch.PageSize] == 0 {
			res.ZeroPages++
		}
	}

	if res.WasPurgedA, err = p.a.setVolatile(m, addrA, false); err != nil {
		return nil, fmt.Errorf("marking %v non-volatile: %w", &p.a, err)
	}
	if res.WasPurgedB, err = p.b.setVolatile(m, addrB, false); err != nil {
		return nil, fmt.Errorf("marking %v non-volatile: %w", &p.b, err)
	}
	return res, nil
}

func (p *Purge) execute(w io.Writer, mf *pgalloc.MemoryFile) error {
	res, err := p.run(mf)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "object: %s\n", res.Object)
	fmt.Fprintf(w, "mapping a volatile: %v\n", &p.a)
	fmt.Fprintf(w, "mapping b volatile: %v\n", &p.b)
	fmt.Fprintf(w, "volatile in every mapping: %v\n", res.Volatile)
	fmt.Fprintf(w, "purged pages: %d\n", res.Purged)
	fmt.Fprintf(w, "mapping a ranges: %v\n", res.RangesA)
	fmt.Fprintf(w, "mapping b ranges: %v\n", res.RangesB)
	fmt.Fprintf(w, "zero pages: %d\n", res.ZeroPages)
	fmt.Fprintf(w, "was purged: a=%t b=%t\n", res.WasPurgedA, res.WasPurgedB)
	return nil
}
