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
	"time"

	"anonvm.dev/anonvm/pkg/atomicbitops"
	"anonvm.dev/anonvm/pkg/errors/linuxerr"
	"anonvm.dev/anonvm/pkg/hostarch"
	"anonvm.dev/anonvm/pkg/log"
	"anonvm.dev/anonvm/pkg/sentry/mm"
	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
	"anonvm.dev/anonvm/vmsim/cmd/util"
	"anonvm.dev/anonvm/vmsim/config"
	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run a concurrent fork, write, volatility and reclaim workload"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - forks one address space from several workers while a reclaimer purges volatile pages.

The workload is configured by the [stress] table of the file given to --config.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 0, "number of workers; overrides stress.workers if positive.")
	f.IntVar(&s.iterations, "iterations", 0, "fork cycles per worker; overrides stress.iterations if positive.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	sc := configFrom(args).Stress
	if s.workers > 0 {
		sc.Workers = s.workers
	}
	if s.iterations > 0 {
		sc.Iterations = s.iterations
	}
	res, err := runStress(ctx, memoryFile(ctx), &sc)
	if err != nil {
		return util.Errorf("stress failed: %v", err)
	}
	res.write(os.Stdout)
	return subcommands.ExitSuccess
}

// stressCounters are updated concurrently by workers.
type stressCounters struct {
	forks         atomicbitops.Uint64
	writes        atomicbitops.Uint64
	purgedPages   atomicbitops.Uint64
	purgedRounds  atomicbitops.Uint64
	retries       atomicbitops.Uint64
	reclaimPasses atomicbitops.Uint64
}

// stressResult is printed by the stress command.
type stressResult struct {
	Forks         uint64
	Writes        uint64
	PurgedPages   uint64
	PurgedRounds  uint64
	Retries       uint64
	ReclaimPasses uint64
	Elapsed       time.Duration
	Memory        pgalloc.MemoryStats
}

func (r *stressResult) write(w io.Writer) {
	fmt.Fprintf(w, "forks: %d\n", r.Forks)
	fmt.Fprintf(w, "writes: %d\n", r.Writes)
	fmt.Fprintf(w, "purged pages: %d\n", r.PurgedPages)
	fmt.Fprintf(w, "purged rounds: %d\n", r.PurgedRounds)
	fmt.Fprintf(w, "retries: %d\n", r.Retries)
	fmt.Fprintf(w, "reclaim passes: %d\n", r.ReclaimPasses)
	fmt.Fprintf(w, "elapsed: %v\n", r.Elapsed)
	fmt.Fprintf(w, "memory: %+v\n", r.Memory)
}

// stress is the state shared by the workers of one run.
type stress struct {
	mf       *pgalloc.MemoryFile
	conf     *config.Stress
	parent   *mm.MemoryManager
	addr     hostarch.Addr
	counters stressCounters
}

// runStress forks a parent address space from conf.Workers goroutines. Each
// fork writes one page of the child, makes the lower half of the child's
// region volatile, sometimes purges it, and makes it non-volatile again,
// retrying when commitment is short. A reclaimer runs concurrently.
func runStress(ctx context.Context, mf *pgalloc.MemoryFile, conf *config.Stress) (*stressResult, error) {
	strategy, err := conf.AllocationStrategy()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	s := &stress{
		mf:     mf,
		conf:   conf,
		parent: mm.NewMemoryManager(mf),
	}
	defer s.parent.Destroy()
	s.addr, err = s.parent.MMap(mm.MMapOpts{
		Length:   conf.RegionPages * hostarch.PageSize,
		Strategy: strategy,
		Writable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	if err := s.retry(ctx, func() error {
		_, err := s.parent.CopyOut(s.addr, pattern(conf.RegionPages))
		return err
	}); err != nil {
		return nil, fmt.Errorf("writing parent: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	reclaimDone := make(chan struct{})
	go func() {
		defer close(reclaimDone)
		ticker := time.NewTicker(conf.ReclaimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.counters.purgedPages.Add(uint64(mf.Reclaim()))
				s.counters.reclaimPasses.Add(1)
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < conf.Workers; w++ {
		w := w
		g.Go(func() error {
			for it := 0; it < conf.Iterations; it++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := s.iterate(gctx, w, it); err != nil {
					return fmt.Errorf("worker %d iteration %d: %w", w, it, err)
				}
			}
			return nil
		})
	}
	err = g.Wait()
	cancel()
	<-reclaimDone
	if err != nil {
		return nil, err
	}

	res := &stressResult{
		Forks:         s.counters.forks.Load(),
		Writes:        s.counters.writes.Load(),
		PurgedPages:   s.counters.purgedPages.Load(),
		PurgedRounds:  s.counters.purgedRounds.Load(),
		Retries:       s.counters.retries.Load(),
		ReclaimPasses: s.counters.reclaimPasses.Load(),
		Elapsed:       time.Since(start),
		Memory:        mf.Stats(),
	}
	log.Infof("Stress finished: %+v", res)
	return res, nil
}

// iterate runs one fork cycle.
func (s *stress) iterate(ctx context.Context, worker, it int) error {
	child, err := s.parent.Fork()
	if err != nil {
		return err
	}
	defer child.Destroy()
	s.counters.forks.Add(1)

	pages := s.conf.RegionPages
	page := uint64(worker*s.conf.Iterations+it) % pages
	pageAddr := s.addr + hostarch.Addr(page*hostarch.PageSize)
	if err := s.retry(ctx, func() error {
		_, err := child.CopyOut(pageAddr, []byte{0xff})
		return err
	}); err != nil {
		return fmt.Errorf("writing child: %w", err)
	}
	s.counters.writes.Add(1)

	var got [1]byte
	if err := s.retry(ctx, func() error {
		_, err := s.parent.CopyIn(pageAddr, got[:])
		return err
	}); err != nil {
		return fmt.Errorf("reading parent: %w", err)
	}
	if want := byte(page + 1); got[0] != want {
		return fmt.Errorf("child write to page %d visible in parent: got %#x want %#x", page, got[0], want)
	}

	half := pages / 2 * hostarch.PageSize
	if _, err := child.SetVolatile(s.addr, half, true); err != nil {
		return fmt.Errorf("marking volatile: %w", err)
	}
	if it%2 == 1 {
		r, err := regionAt(child, s.addr)
		if err != nil {
			return err
		}
		s.counters.purgedPages.Add(uint64(r.Object().Purge()))
	}
	var wasPurged bool
	if err := s.retry(ctx, func() error {
		var err error
		wasPurged, err = child.SetVolatile(s.addr, half, false)
		return err
	}); err != nil {
		return fmt.Errorf("marking non-volatile: %w", err)
	}
	if wasPurged {
		s.counters.purgedRounds.Add(1)
	}
	return nil
}

// retry runs op until it succeeds, fails with an error other than ENOMEM,
// or exhausts conf.MaxRetries. Every ENOMEM triggers a reclaim pass.
func (s *stress) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.conf.RetryInterval), s.conf.MaxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !linuxerr.Equals(linuxerr.ENOMEM, err) {
			return backoff.Permanent(err)
		}
		s.counters.retries.Add(1)
		s.mf.Reclaim()
		return err
	}, b)
}
