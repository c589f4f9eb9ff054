// Copyright 2024 The Fmem Authors.
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

// Package config holds the configuration of the fmem tools. Values come
// from defaults, then an optional TOML config file, then explicitly set
// command line flags, in increasing precedence.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"fmem.dev/fmem/fmemtool/flag"
	"fmem.dev/fmem/pkg/log"
)

// Config holds the tool configuration. It is passed to every subcommand.
type Config struct {
	// Driver selects the mapping backend: devfmem or hostmem.
	Driver string `toml:"driver"`

	// DevicePath is the fmem device node used by the devfmem driver.
	DevicePath string `toml:"device_path"`

	// LogFilename appends logs to a file instead of stderr.
	LogFilename string `toml:"log_file"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// AlsoLogToStderr copies file logs to stderr as well.
	AlsoLogToStderr bool `toml:"alsologtostderr"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Driver:     "devfmem",
		DevicePath: "/dev/fmem",
		LogFormat:  "text",
	}
}

// RegisterFlags adds the configuration flags to flagSet.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String("driver", d.Driver, "mapping backend to use (devfmem|hostmem).")
	flagSet.String("device", d.DevicePath, "path of the fmem device node.")
	flagSet.String("log", d.LogFilename, "file path where logs are written; default is stderr.")
	flagSet.String("log-format", d.LogFormat, "log format: text or json.")
	flagSet.Bool("debug", d.Debug, "enable debug logging.")
	flagSet.Bool("alsologtostderr", d.AlsoLogToStderr, "also write file logs to stderr.")
	flagSet.String("config", "", "TOML configuration file; flags take precedence over it.")
}

// NewFromFlags builds a Config from flagSet, which must have been
// populated by RegisterFlags and parsed.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	c := Default()
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}
	// Explicitly set flags override the file.
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "driver":
			c.Driver = f.Value.String()
		case "device":
			c.DevicePath = f.Value.String()
		case "log":
			c.LogFilename = f.Value.String()
		case "log-format":
			c.LogFormat = f.Value.String()
		case "debug":
			c.Debug = flag.Get(f.Value).(bool)
		case "alsologtostderr":
			c.AlsoLogToStderr = flag.Get(f.Value).(bool)
		}
	})
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile merges the TOML file at path into c.
func (c *Config) LoadFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q has unknown keys: %v", path, undecoded)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Driver {
	case "devfmem", "hostmem":
	default:
		return fmt.Errorf("invalid driver %q", c.Driver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return nil
}

// Log writes the configuration to the debug log.
func (c *Config) Log() {
	log.Debugf("Config: driver=%s device=%s log=%q format=%s debug=%t", c.Driver, c.DevicePath, c.LogFilename, c.LogFormat, c.Debug)
}
