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
	"errors"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"fmem.dev/fmem/fmemtool/config"
	"fmem.dev/fmem/fmemtool/flag"
	"fmem.dev/fmem/pkg/foreignmem"
	"fmem.dev/fmem/pkg/foreignmem/hostmem"
	"fmem.dev/fmem/pkg/hostarch"
	"fmem.dev/fmem/pkg/log"
	"fmem.dev/fmem/pkg/test/testutil"
)

// Selftest implements subcommands.Command for the "selftest" command. It
// exercises the mapping interface end to end against the configured
// backend: map/unmap round trips, per-page failure reporting, the
// resource mapper, and restriction.
type Selftest struct {
	workers    int
	waitDevice time.Duration
}

// Name implements subcommands.Command.Name.
func (*Selftest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Selftest) Synopsis() string {
	return "exercises the mapping interface against the configured backend"
}

// Usage implements subcommands.Command.Usage.
func (*Selftest) Usage() string {
	return `selftest [flags]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Selftest) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.workers, "workers", 0, "run this many concurrent map/unmap loops in addition to the checks")
	f.DurationVar(&c.waitDevice, "wait-device", 0, "wait up to this long for the device node to appear before opening")
}

// Execute implements subcommands.Command.Execute.
func (c *Selftest) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if c.waitDevice > 0 && conf.Driver == "devfmem" {
		if err := testutil.WaitForFile(conf.DevicePath, c.waitDevice); err != nil {
			Errorf("device did not appear: %v", err)
			return subcommands.ExitFailure
		}
	}
	h, hm, err := openHandle(conf)
	if err != nil {
		Errorf("opening handle: %v", err)
		return subcommands.ExitFailure
	}
	defer h.Close()

	type check struct {
		name string
		fn   func() error
	}
	checks := []check{
		{"round-trip", func() error { return checkRoundTrip(h) }},
		{"partial-clean", func() error { return checkPartialClean(h) }},
		{"resource", func() error { return checkResource(h) }},
	}
	if hm != nil {
		// Failure injection is only available on the hostmem backend.
		checks = append(checks,
			check{"partial-hole", func() error { return checkPartialHole(h, hm) }},
			check{"rollback", func() error { return checkRollback(h, hm) }},
		)
	}
	if c.workers > 0 {
		checks = append(checks, check{"workers", func() error { return checkWorkers(h, c.workers) }})
	}
	// Restriction is permanent, so it goes last.
	checks = append(checks, check{"restrict", func() error { return checkRestrict(h) }})

	failed := 0
	for _, check := range checks {
		if err := check.fn(); err != nil {
			Errorf("FAIL %s: %v", check.name, err)
			failed++
			continue
		}
		log.Infof("PASS %s", check.name)
		fmt.Printf("PASS %s\n", check.name)
	}
	if failed > 0 {
		Errorf("%d of %d checks failed", failed, len(checks))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func checkRoundTrip(h *foreignmem.Handle) error {
	frames := []foreignmem.Frame{0, 1, 2, 3}
	m, err := h.Map(selftestDomain, hostarch.ReadWrite, frames)
	if err != nil {
		return err
	}
	s := m.Slice()
	s[0] = 0x5a
	if s[0] != 0x5a {
		return fmt.Errorf("write to mapped page not visible")
	}
	if got, want := m.NumPages(), len(frames); got != want {
		return fmt.Errorf("mapping has %d pages, want %d", got, want)
	}
	return h.Unmap(m.Addr(), m.NumPages())
}

func checkPartialClean(h *foreignmem.Handle) error {
	frames := []foreignmem.Frame{4, 5, 6}
	m, err := h.MapPartial(selftestDomain, hostarch.Read, frames)
	if err != nil {
		return err
	}
	for i, e := range m.PageStatus() {
		if e != 0 {
			h.Unmap(m.Addr(), m.NumPages())
			return fmt.Errorf("page %d unexpectedly failed: %v", i, e)
		}
	}
	return h.Unmap(m.Addr(), m.NumPages())
}

func checkPartialHole(h *foreignmem.Handle, hm *hostmem.Driver) error {
	const bad = foreignmem.Frame(5)
	if err := hm.DenyFrame(selftestDomain, bad, unix.EPERM); err != nil {
		return err
	}
	defer hm.DenyFrame(selftestDomain, bad, 0)
	m, err := h.MapPartial(selftestDomain, hostarch.Read, []foreignmem.Frame{4, bad, 6})
	if !errors.Is(err, foreignmem.ErrPartialMap) {
		if m != nil {
			h.Unmap(m.Addr(), m.NumPages())
		}
		return fmt.Errorf("got error %v, want ErrPartialMap", err)
	}
	defer h.Unmap(m.Addr(), m.NumPages())
	status := m.PageStatus()
	if status[0] != 0 || status[1] != unix.EPERM || status[2] != 0 {
		return fmt.Errorf("page status %v, want [0 EPERM 0]", status)
	}
	if _, err := m.Page(0); err != nil {
		return fmt.Errorf("page 0 should be readable: %v", err)
	}
	if _, err := m.Page(1); err != unix.EPERM {
		return fmt.Errorf("page 1 error %v, want EPERM", err)
	}
	return nil
}

func checkRollback(h *foreignmem.Handle, hm *hostmem.Driver) error {
	const bad = foreignmem.Frame(7)
	if err := hm.DenyFrame(selftestDomain, bad, unix.EPERM); err != nil {
		return err
	}
	defer hm.DenyFrame(selftestDomain, bad, 0)
	before := h.NumMappings()
	m, err := h.Map(selftestDomain, hostarch.Read, []foreignmem.Frame{6, bad})
	if !errors.Is(err, foreignmem.ErrAggregateMap) {
		if m != nil {
			h.Unmap(m.Addr(), m.NumPages())
		}
		return fmt.Errorf("got error %v, want ErrAggregateMap", err)
	}
	if after := h.NumMappings(); after != before {
		return fmt.Errorf("rollback left %d mappings, want %d", after, before)
	}
	return nil
}

func checkResource(h *foreignmem.Handle) error {
	size, err := h.ResourceSize(selftestDomain, selftestResourceType, selftestResourceID)
	if err != nil {
		if errors.Is(err, foreignmem.ErrUnknownResource) {
			log.Infof("backend exposes no selftest resource; skipping")
			return nil
		}
		return err
	}
	nrFrames := size / hostarch.PageSize
	r, err := h.MapResource(selftestDomain, selftestResourceType, selftestResourceID, 0, nrFrames, 0, hostarch.Read, 0)
	if err != nil {
		return err
	}
	if r.Size() != size {
		h.UnmapResource(r)
		return fmt.Errorf("mapped %d bytes, want %d", r.Size(), size)
	}
	return h.UnmapResource(r)
}

func checkWorkers(h *foreignmem.Handle, workers int) error {
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		frame := foreignmem.Frame(w % selftestFrames)
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				m, err := h.Map(selftestDomain, hostarch.Read, []foreignmem.Frame{frame})
				if err != nil {
					return err
				}
				if err := h.Unmap(m.Addr(), m.NumPages()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func checkRestrict(h *foreignmem.Handle) error {
	if err := h.Restrict(selftestDomain); err != nil {
		return err
	}
	if _, err := h.Map(selftestOtherDomain, hostarch.Read, []foreignmem.Frame{0}); !errors.Is(err, foreignmem.ErrDomainMismatch) {
		return fmt.Errorf("map of other domain got %v, want ErrDomainMismatch", err)
	}
	m, err := h.Map(selftestDomain, hostarch.Read, []foreignmem.Frame{0})
	if err != nil {
		return fmt.Errorf("map of restricted domain should still work: %w", err)
	}
	return h.Unmap(m.Addr(), m.NumPages())
}
