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

	"anonvm.dev/anonvm/pkg/sentry/pgalloc"
	"anonvm.dev/anonvm/pkg/sentry/usage"
	"anonvm.dev/anonvm/vmsim/cmd/util"
	"github.com/google/subcommands"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	purge Purge
	skip  bool
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "print memory statistics in the Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] - runs the purge workload and prints memory statistics in the Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	s.purge.SetFlags(f)
	f.BoolVar(&s.skip, "skip-workload", false, "print statistics without running the purge workload.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := s.execute(os.Stdout, memoryFile(ctx)); err != nil {
		return util.Errorf("stats failed: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Stats) execute(w io.Writer, mf *pgalloc.MemoryFile) error {
	if !s.skip {
		if _, err := s.purge.run(mf); err != nil {
			return err
		}
	}
	families := append(mf.Accounting().MetricFamilies(), mf.MetricFamilies()...)
	if _, err := usage.WriteText(w, families...); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
