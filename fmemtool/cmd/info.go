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
	"fmt"
	"os"

	"github.com/google/subcommands"

	"fmem.dev/fmem/fmemtool/config"
	"fmem.dev/fmem/fmemtool/flag"
	"fmem.dev/fmem/fmemtool/version"
	"fmem.dev/fmem/pkg/hostarch"
)

// Info implements subcommands.Command for the "info" command.
type Info struct{}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "shows version, page size and backend availability"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Info) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Info) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	fmt.Printf("version:   %s\n", version.Version())
	fmt.Printf("page size: %#x (%d bytes)\n", hostarch.PageSize, hostarch.PageSize)
	fmt.Printf("driver:    %s\n", conf.Driver)
	if conf.Driver == "devfmem" {
		if _, err := os.Stat(conf.DevicePath); err != nil {
			fmt.Printf("device:    %s (unavailable: %v)\n", conf.DevicePath, err)
		} else {
			fmt.Printf("device:    %s\n", conf.DevicePath)
		}
	}
	return subcommands.ExitSuccess
}
