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

// Package foreignmem maps pages belonging to another isolated execution
// context (a "domain") into the local address space, subject to permission
// checks enforced by a privileged backend driver.
//
// Callers open a Handle, perform any number of page, resource, or
// restriction operations against it, and Close it when done. All calls are
// synchronous and blocking; there is no asynchronous completion.
//
// After fork(2) a child process must not use a Handle inherited from its
// parent, nor access memory of Mappings created through it in the parent.
// The backend's bookkeeping is tied to the originating process. The only
// safe operation on an inherited handle is closing it; wrap the donated
// driver in an InheritedHandle so the type system enforces that. A child
// that wants to keep mapping must open a fresh Handle. Calling exec(2)
// safely reclaims all resources of any open Handle, since the backend
// device is opened close-on-exec.
//
// A Handle serializes its own operations internally, but compound
// sequences (such as ResourceSize followed by MapResource) are not atomic
// across goroutines; callers needing that must supply their own mutual
// exclusion.
package foreignmem

import (
	"fmt"
	"sync"

	"fmem.dev/fmem/pkg/log"
	"golang.org/x/sys/unix"
)

// DomID identifies a remote execution context. Validity is enforced by the
// backend, not by this package.
type DomID uint32

// Frame is a foreign page-frame number.
type Frame uint64

// OpenFlag is the set of flags accepted by Open. No flags are currently
// defined; the value must be zero.
type OpenFlag uint32

// MapFlag bits influence where and how a mapping lands in the local
// address space, mirroring mmap(2) flag semantics. Drivers reject
// combinations they cannot honor rather than silently ignoring them.
type MapFlag uint32

const (
	// MapFixed places the mapping exactly at the hint address.
	MapFixed MapFlag = 1 << iota

	// MapPopulate asks the driver to fault pages in eagerly.
	MapPopulate

	// MapLocked asks the driver to lock the mapped pages in memory.
	MapLocked
)

// Driver is the privileged backend channel. All permission decisions and
// page-table manipulation happen behind it; this package treats it as a
// black box and owns only lifecycle tracking and error taxonomy.
//
// Drivers speak plain unix.Errno. For MapPages, status is a caller-owned
// scratch array with one slot per frame; the driver records the outcome of
// each page there (0 on success) and returns the base address of the
// range. A non-nil error means the attempt could not be dispatched at all
// and the contents of status are undefined.
type Driver interface {
	MapPages(dom DomID, addr uintptr, prot int, flags MapFlag, frames []Frame, status []unix.Errno) (uintptr, error)
	UnmapPages(addr uintptr, pages int) error
	Restrict(dom DomID) error
	ResourceSize(dom DomID, typ ResourceType, id uint32) (uint64, error)
	MapResource(dom DomID, typ ResourceType, id uint32, frame, nrFrames uint64, addr uintptr, prot int, flags MapFlag) (uintptr, error)
	UnmapResource(addr uintptr, nrFrames uint64) error
	Close() error
}

// DriverOpener constructs a Driver.
type DriverOpener func() (Driver, error)

// DefaultDriver is the name used by Open.
const DefaultDriver = "devfmem"

var (
	driversMu sync.Mutex
	drivers   = map[string]DriverOpener{}
)

// RegisterDriver makes a backend available by name. It is intended to be
// called from a driver package's init.
func RegisterDriver(name string, open DriverOpener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, ok := drivers[name]; ok {
		panic(fmt.Sprintf("driver %q already registered", name))
	}
	drivers[name] = open
}

// LookupDriver returns the opener registered under name.
func LookupDriver(name string) (DriverOpener, error) {
	driversMu.Lock()
	defer driversMu.Unlock()
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("driver %q is not registered", name)
	}
	return open, nil
}

// Handle is an open connection to the mapping backend. It owns exactly one
// live driver connection and tracks the Mappings and Resources created
// through it so that mismatched unmaps can be rejected.
type Handle struct {
	logger log.Logger

	// mu serializes all operations on the Handle.
	mu sync.Mutex

	drv    Driver
	closed bool

	// restricted is set once Restrict succeeds; dom is then the only
	// domain this Handle may name.
	restricted bool
	dom        DomID

	// mappings is keyed by base address. The core never creates two live
	// Mappings over overlapping ranges.
	mappings  map[uintptr]*Mapping
	resources map[*Resource]struct{}
}

// Open establishes a connection through the platform-default backend
// driver. Failures are written to logger before being returned, wrapped in
// ErrOpenFailure. A nil logger means the package-level log target. flags
// is reserved and must be zero.
func Open(logger log.Logger, flags OpenFlag) (*Handle, error) {
	if logger == nil {
		logger = log.Log()
	}
	if flags != 0 {
		// Checked before the driver is constructed so a doomed call never
		// opens the device.
		logger.Warningf("foreignmem: open flags %#x are not defined", flags)
		return nil, fmt.Errorf("%w: open flags %#x: %w", ErrOpenFailure, flags, unix.EINVAL)
	}
	open, err := LookupDriver(DefaultDriver)
	if err != nil {
		logger.Warningf("foreignmem: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrOpenFailure, err)
	}
	drv, err := open()
	if err != nil {
		logger.Warningf("foreignmem: opening %s backend: %v", DefaultDriver, err)
		return nil, fmt.Errorf("%w: %v", ErrOpenFailure, err)
	}
	h, err := OpenDriver(drv, logger, flags)
	if err != nil {
		drv.Close()
		return nil, err
	}
	return h, nil
}

// OpenDriver is like Open, with an injected backend channel. The Handle
// takes ownership of drv; it is closed with the Handle.
func OpenDriver(drv Driver, logger log.Logger, flags OpenFlag) (*Handle, error) {
	if logger == nil {
		logger = log.Log()
	}
	if flags != 0 {
		logger.Warningf("foreignmem: open flags %#x are not defined", flags)
		return nil, fmt.Errorf("%w: open flags %#x: %w", ErrOpenFailure, flags, unix.EINVAL)
	}
	if drv == nil {
		logger.Warningf("foreignmem: open with nil driver")
		return nil, fmt.Errorf("%w: nil driver", ErrOpenFailure)
	}
	return &Handle{
		logger:    logger,
		drv:       drv,
		mappings:  make(map[uintptr]*Mapping),
		resources: make(map[*Resource]struct{}),
	}, nil
}

// Close releases driver-side bookkeeping for the Handle. Outstanding
// Mappings and Resources are not unmapped; they leak until process exit
// and a warning naming the leaked count is logged. Closing twice fails
// with ErrInvalidHandle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: already closed", ErrInvalidHandle)
	}
	h.closed = true
	if n := len(h.mappings) + len(h.resources); n > 0 {
		h.logger.Warningf("foreignmem: closing handle with %d live mappings; they leak until process exit", n)
	}
	if err := h.drv.Close(); err != nil {
		h.logger.Warningf("foreignmem: closing backend: %v", err)
		return fmt.Errorf("closing backend: %w", err)
	}
	return nil
}

// Restrict permanently narrows the Handle to operate only against dom.
// The narrowing is enforced both here and by the backend. Restricting an
// already-restricted Handle to the same domain is a no-op; to a different
// domain it fails with ErrDomainMismatch.
func (h *Handle) Restrict(dom DomID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return err
	}
	if h.restricted {
		if h.dom == dom {
			return nil
		}
		return fmt.Errorf("%w: restricted to domain %d", ErrDomainMismatch, h.dom)
	}
	if err := h.drv.Restrict(dom); err != nil {
		h.logger.Warningf("foreignmem: restrict to domain %d: %v", dom, err)
		return fmt.Errorf("restricting to domain %d: %w", dom, err)
	}
	h.restricted = true
	h.dom = dom
	return nil
}

// NumMappings returns the number of live Mappings and Resources tracked by
// the Handle.
func (h *Handle) NumMappings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mappings) + len(h.resources)
}

// checkOpen must be called with mu held.
func (h *Handle) checkOpen() error {
	if h.closed {
		return fmt.Errorf("%w: handle is closed", ErrInvalidHandle)
	}
	return nil
}

// checkDomain must be called with mu held.
func (h *Handle) checkDomain(dom DomID) error {
	if h.restricted && dom != h.dom {
		return fmt.Errorf("%w: restricted to domain %d, not %d", ErrDomainMismatch, h.dom, dom)
	}
	return nil
}
