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

// Package config provides basic infrastructure to set configuration settings
// for vmsim. The configuration is set by flags to the command line, and
// optionally by a TOML file named by --config.
package config

import (
	"fmt"
	"time"

	"anonvm.dev/anonvm/pkg/log"
	"anonvm.dev/anonvm/pkg/refs"
	"anonvm.dev/anonvm/pkg/sentry/vm"
)

// Config holds configuration that is not part of a single command.
//
// Fields tagged with "flag" are set from the command line. Fields tagged with
// "toml" are read from the configuration file.
type Config struct {
	// ConfigFile is the path of a TOML file with additional settings.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// TotalPages is the number of allocatable frames in the simulated
	// physical memory.
	TotalPages uint64 `flag:"total-pages" toml:"total_pages"`

	// DisableEmergencyReclaim prevents allocations from purging volatile
	// pages when memory runs out.
	DisableEmergencyReclaim bool `flag:"disable-emergency-reclaim" toml:"disable_emergency_reclaim"`

	// ReferenceLeak sets reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"-"`

	// Stress configures the stress command.
	Stress Stress `toml:"stress"`
}

// Stress configures the stress workload.
type Stress struct {
	// Workers is the number of goroutines forking the parent address space.
	Workers int `toml:"workers"`

	// Iterations is the number of fork cycles run by each worker.
	Iterations int `toml:"iterations"`

	// RegionPages is the size of the parent's private region.
	RegionPages uint64 `toml:"region_pages"`

	// Strategy is the allocation strategy of the parent's region.
	Strategy string `toml:"strategy"`

	// ReclaimInterval is how often the background reclaimer runs.
	ReclaimInterval time.Duration `toml:"reclaim_interval"`

	// RetryInterval is the delay between attempts of an operation that
	// failed for lack of memory.
	RetryInterval time.Duration `toml:"retry_interval"`

	// MaxRetries bounds the attempts of an operation that failed for lack
	// of memory.
	MaxRetries uint64 `toml:"max_retries"`
}

// defaultStress is used for fields the configuration file leaves unset.
var defaultStress = Stress{
	Workers:         4,
	Iterations:      16,
	RegionPages:     64,
	Strategy:        vm.AllocateNow.String(),
	ReclaimInterval: 5 * time.Millisecond,
	RetryInterval:   time.Millisecond,
	MaxRetries:      1000,
}

// AllocationStrategy returns the parsed Strategy.
func (s *Stress) AllocationStrategy() (vm.AllocationStrategy, error) {
	return vm.ParseAllocationStrategy(s.Strategy)
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.TotalPages == 0 {
		return fmt.Errorf("total-pages must be positive")
	}
	s := &c.Stress
	if s.Workers <= 0 {
		return fmt.Errorf("stress.workers must be positive, got %d", s.Workers)
	}
	if s.Iterations <= 0 {
		return fmt.Errorf("stress.iterations must be positive, got %d", s.Iterations)
	}
	if s.RegionPages < 2 {
		return fmt.Errorf("stress.region_pages must be at least 2, got %d", s.RegionPages)
	}
	if s.ReclaimInterval <= 0 || s.RetryInterval <= 0 {
		return fmt.Errorf("stress intervals must be positive")
	}
	if _, err := s.AllocationStrategy(); err != nil {
		return fmt.Errorf("stress.strategy: %w", err)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.ConfigFile: %q", c.ConfigFile)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.TotalPages: %d", c.TotalPages)
	log.Infof("Config.DisableEmergencyReclaim: %t", c.DisableEmergencyReclaim)
	log.Infof("Config.ReferenceLeak: %v", c.ReferenceLeak)
	log.Debugf("Config.Stress: %+v", c.Stress)
}
