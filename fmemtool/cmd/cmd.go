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

// Package cmd holds the fmemtool subcommands.
package cmd

import (
	"fmt"
	"os"

	"fmem.dev/fmem/fmemtool/config"
	"fmem.dev/fmem/pkg/foreignmem"
	"fmem.dev/fmem/pkg/foreignmem/devfmem"
	"fmem.dev/fmem/pkg/foreignmem/hostmem"
	"fmem.dev/fmem/pkg/log"
)

// Fatalf logs to stderr and exits with a failure status.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// Errorf logs to stderr.
func Errorf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// selftestDomains are the domains the hostmem backend is seeded with so
// the mapping commands have something to map.
const (
	selftestDomain      foreignmem.DomID = 1
	selftestOtherDomain foreignmem.DomID = 2
	selftestFrames                       = 64

	selftestResourceType foreignmem.ResourceType = 1
	selftestResourceID   uint32                  = 0
	selftestResourcePages                        = 4
)

// openHandle opens a Handle on the configured backend. A hostmem backend
// is seeded with the selftest domains and resource and returned alongside
// the Handle so callers can inject failures; it is nil for devfmem.
func openHandle(conf *config.Config) (*foreignmem.Handle, *hostmem.Driver, error) {
	switch conf.Driver {
	case "hostmem":
		drv, err := hostmem.New(nil)
		if err != nil {
			return nil, nil, err
		}
		for _, dom := range []foreignmem.DomID{selftestDomain, selftestOtherDomain} {
			if err := drv.AddDomain(dom, selftestFrames); err != nil {
				return nil, nil, err
			}
		}
		resFrames := make([]foreignmem.Frame, selftestResourcePages)
		for i := range resFrames {
			resFrames[i] = foreignmem.Frame(8 + i)
		}
		if err := drv.AddResource(selftestDomain, selftestResourceType, selftestResourceID, resFrames); err != nil {
			return nil, nil, err
		}
		h, err := foreignmem.OpenDriver(drv, nil, 0)
		return h, drv, err
	case "devfmem":
		drv, err := devfmem.New(conf.DevicePath)
		if err != nil {
			return nil, nil, err
		}
		h, err := foreignmem.OpenDriver(drv, nil, 0)
		return h, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", conf.Driver)
	}
}
