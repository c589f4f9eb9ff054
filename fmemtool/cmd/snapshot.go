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

package cmd

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/klauspost/compress/gzip"

	"fmem.dev/fmem/fmemtool/config"
	"fmem.dev/fmem/fmemtool/flag"
	"fmem.dev/fmem/pkg/foreignmem"
	"fmem.dev/fmem/pkg/hostarch"
	"fmem.dev/fmem/pkg/log"
	"fmem.dev/fmem/pkg/test/testutil"
)

// Snapshot implements subcommands.Command for the "snapshot" command. It
// maps a frame range read-only, streams it to a file for offline
// inspection, and unmaps it again.
type Snapshot struct {
	domain     uint
	frame      uint64
	pages      int
	output     string
	compress   bool
	waitDevice time.Duration
}

// Name implements subcommands.Command.Name.
func (*Snapshot) Name() string {
	return "snapshot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Snapshot) Synopsis() string {
	return "writes a read-only snapshot of a foreign frame range to a file"
}

// Usage implements subcommands.Command.Usage.
func (*Snapshot) Usage() string {
	return `snapshot --domain <id> --pages <n> [--frame <start>] --output <file>
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Snapshot) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.domain, "domain", 0, "domain to snapshot")
	f.Uint64Var(&c.frame, "frame", 0, "first frame of the range")
	f.IntVar(&c.pages, "pages", 0, "number of pages to snapshot")
	f.StringVar(&c.output, "output", "", "output file; a .gz suffix implies --compress")
	f.BoolVar(&c.compress, "compress", false, "gzip the snapshot")
	f.DurationVar(&c.waitDevice, "wait-device", 0, "wait up to this long for the device node to appear before opening")
}

// Execute implements subcommands.Command.Execute.
func (c *Snapshot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if c.pages <= 0 || c.output == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if c.waitDevice > 0 && conf.Driver == "devfmem" {
		if err := testutil.WaitForFile(conf.DevicePath, c.waitDevice); err != nil {
			Errorf("device did not appear: %v", err)
			return subcommands.ExitFailure
		}
	}
	h, _, err := openHandle(conf)
	if err != nil {
		Errorf("opening handle: %v", err)
		return subcommands.ExitFailure
	}
	defer h.Close()

	frames := make([]foreignmem.Frame, c.pages)
	for i := range frames {
		frames[i] = foreignmem.Frame(c.frame + uint64(i))
	}
	m, err := h.Map(foreignmem.DomID(c.domain), hostarch.Read, frames)
	if err != nil {
		Errorf("mapping %d pages of domain %d: %v", c.pages, c.domain, err)
		return subcommands.ExitFailure
	}
	defer func() {
		if err := h.Unmap(m.Addr(), m.NumPages()); err != nil {
			Errorf("unmapping snapshot range: %v", err)
		}
	}()

	out, err := os.Create(c.output)
	if err != nil {
		Errorf("creating %q: %v", c.output, err)
		return subcommands.ExitFailure
	}
	defer out.Close()
	var w io.Writer = out
	if c.compress || strings.HasSuffix(c.output, ".gz") {
		gz := gzip.NewWriter(out)
		defer gz.Close()
		w = gz
	}
	n, err := w.Write(m.Slice())
	if err != nil {
		Errorf("writing snapshot: %v", err)
		return subcommands.ExitFailure
	}
	log.Infof("wrote %d bytes of domain %d frames [%d, %d) to %q", n, c.domain, c.frame, c.frame+uint64(c.pages), c.output)
	return subcommands.ExitSuccess
}
