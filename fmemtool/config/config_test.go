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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"fmem.dev/fmem/fmemtool/flag"
)

func parse(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return flagSet
}

func TestDefaults(t *testing.T) {
	c, err := NewFromFlags(parse(t))
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if got, want := c.Driver, "devfmem"; got != want {
		t.Errorf("Driver: got %q, want %q", got, want)
	}
	if got, want := c.DevicePath, "/dev/fmem"; got != want {
		t.Errorf("DevicePath: got %q, want %q", got, want)
	}
}

func TestFlagsOverride(t *testing.T) {
	c, err := NewFromFlags(parse(t, "-driver=hostmem", "-debug"))
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if got, want := c.Driver, "hostmem"; got != want {
		t.Errorf("Driver: got %q, want %q", got, want)
	}
	if !c.Debug {
		t.Errorf("Debug: got false, want true")
	}
}

func TestInvalidDriver(t *testing.T) {
	if _, err := NewFromFlags(parse(t, "-driver=bogus")); err == nil {
		t.Errorf("NewFromFlags with bogus driver succeeded")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fmem.toml")
	contents := `
driver = "hostmem"
device_path = "/dev/fmem0"
log_format = "json"
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	c, err := NewFromFlags(parse(t, "-config="+path))
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if got, want := c.Driver, "hostmem"; got != want {
		t.Errorf("Driver: got %q, want %q", got, want)
	}
	if got, want := c.DevicePath, "/dev/fmem0"; got != want {
		t.Errorf("DevicePath: got %q, want %q", got, want)
	}
	if got, want := c.LogFormat, "json"; got != want {
		t.Errorf("LogFormat: got %q, want %q", got, want)
	}
}

func TestFlagBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fmem.toml")
	if err := os.WriteFile(path, []byte(`driver = "hostmem"`), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	c, err := NewFromFlags(parse(t, "-config="+path, "-driver=devfmem"))
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if got, want := c.Driver, "devfmem"; got != want {
		t.Errorf("Driver: got %q, want %q", got, want)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fmem.toml")
	if err := os.WriteFile(path, []byte(`bogus = 1`), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	if _, err := NewFromFlags(parse(t, "-config="+path)); err == nil {
		t.Errorf("NewFromFlags with unknown config key succeeded")
	}
}
