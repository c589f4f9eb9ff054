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

package foreignmem

import "golang.org/x/sys/unix"

// Error is a failure kind with an associated errno. The package sentinels
// below form the closed taxonomy; operations wrap them (with %w) around
// the concrete cause, so callers match with errors.Is and can still
// recover the underlying errno.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(errno unix.Errno, message string) *Error {
	return &Error{
		errno:   errno,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

var (
	// ErrOpenFailure indicates that the backend was unreachable or access
	// was denied at Handle creation.
	ErrOpenFailure = New(unix.EACCES, "foreign memory backend could not be opened")

	// ErrInvalidHandle indicates an operation on a closed or otherwise
	// unusable Handle.
	ErrInvalidHandle = New(unix.EBADF, "operation on closed or unusable handle")

	// ErrPartialMap indicates that one or more pages failed while per-page
	// reporting was requested. The returned Mapping is live, with holes;
	// consult Mapping.PageStatus before trusting any byte.
	ErrPartialMap = New(unix.EFAULT, "one or more pages failed to map")

	// ErrAggregateMap indicates that an all-or-nothing map rolled back
	// because a page failed. It wraps the first observed per-page errno.
	ErrAggregateMap = New(unix.EFAULT, "mapping failed and was unwound")

	// ErrUnsupportedPlacement indicates a placement hint or flag
	// combination the backend cannot honor.
	ErrUnsupportedPlacement = New(unix.EOPNOTSUPP, "placement or flag combination not supported")

	// ErrInvalidMapping indicates an unmap of an untracked mapping, or one
	// with a mismatched address or page count.
	ErrInvalidMapping = New(unix.EINVAL, "no such mapping")

	// ErrInvalidResource indicates an unmap of an unknown or already
	// released resource.
	ErrInvalidResource = New(unix.EINVAL, "no such resource mapping")

	// ErrUnknownResource indicates a size or map query against an
	// unrecognized (type, id) pair.
	ErrUnknownResource = New(unix.ENOENT, "unknown resource")

	// ErrDomainMismatch indicates an operation naming a domain other than
	// the one the Handle was restricted to.
	ErrDomainMismatch = New(unix.EPERM, "handle is restricted to another domain")
)
