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

package config

import (
	"flag"
	"fmt"
	"reflect"

	"anonvm.dev/anonvm/pkg/refs"
	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with additional configuration. Flags given on the command line take precedence over the file.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, log-traces.")

	// Flags that control the simulated memory.
	flagSet.Uint64("total-pages", 4096, "number of allocatable frames of simulated physical memory.")
	flagSet.Bool("disable-emergency-reclaim", false, "do not purge volatile pages when an allocation runs out of memory.")
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

// getValue returns the typed value held by a flag registered by RegisterFlags.
func getValue(fl *flag.Flag) any {
	getter, ok := fl.Value.(flag.Getter)
	if !ok {
		panic(fmt.Sprintf("Flag %q does not implement flag.Getter", fl.Name))
	}
	return getter.Get()
}

// NewFromFlags creates a new Config with values coming from command line
// flags, merged with the file named by the "config" flag if any.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{Stress: defaultStress}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(getValue(fl)))
	}

	if conf.ConfigFile != "" {
		fileConf, err := loadFile(conf, flagSet)
		if err != nil {
			return nil, err
		}
		conf = fileConf
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// loadFile decodes conf.ConfigFile on top of a copy of conf, then restores
// the flags that were set explicitly on the command line.
func loadFile(conf *Config, flagSet *flag.FlagSet) (*Config, error) {
	fileConf := deepcopy.Copy(conf).(*Config)
	md, err := toml.DecodeFile(conf.ConfigFile, fileConf)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %q: %w", conf.ConfigFile, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in config file %q: %v", conf.ConfigFile, undecoded)
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})
	src := reflect.ValueOf(conf).Elem()
	dst := reflect.ValueOf(fileConf).Elem()
	st := src.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok && set[name] {
			dst.Field(i).Set(src.Field(i))
		}
	}
	return fileConf, nil
}

// Override writes a new value to a flag.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		fieldName, ok := f.Tag.Lookup("flag")
		if !ok || fieldName != name {
			// Not a flag field, or flag name doesn't match.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			// Flag must exist if there is a field match above.
			panic(fmt.Sprintf("Flag %q not found", name))
		}

		// Use flag to convert the string value to the underlying flag type, using
		// the same rules as the command-line for consistency.
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		obj.Field(i).Set(reflect.ValueOf(getValue(fl)))

		// Validates the config again to ensure it's left in a consistent state.
		return c.validate()
	}
	return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
}
