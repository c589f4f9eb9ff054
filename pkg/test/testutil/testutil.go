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

// Package testutil contains utilities for tests and for the fmemtool
// commands that need to wait for external conditions.
package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
)

// Poll is a shorthand function to poll for something with given timeout.
func Poll(cb func() error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return PollContext(ctx, cb)
}

// PollContext is like Poll, but takes a context instead of a timeout.
func PollContext(ctx context.Context, cb func() error) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(100*time.Millisecond), ctx)
	return backoff.Retry(cb, b)
}

// WaitForFile polls until path exists or the timeout expires.
func WaitForFile(path string, timeout time.Duration) error {
	cb := func() error {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("waiting for %q: %w", path, err)
		}
		return nil
	}
	return Poll(cb, timeout)
}
