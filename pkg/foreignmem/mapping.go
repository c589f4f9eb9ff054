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

import (
	"fmt"

	"fmem.dev/fmem/pkg/hostarch"
	"golang.org/x/sys/unix"
)

// Mapping is a local virtual address range backed by foreign frames. It is
// created by exactly one map call and must be destroyed by exactly one
// Unmap call naming the same address and page count.
type Mapping struct {
	addr  uintptr
	pages int
	dom   DomID
	at    hostarch.AccessType

	// status is the per-page outcome array, parallel to the frame list the
	// Mapping was created with. It is nil for all-or-nothing mappings,
	// which by construction have no holes.
	status []unix.Errno
}

// Addr returns the base address of the mapped range.
func (m *Mapping) Addr() uintptr { return m.addr }

// NumPages returns the page count of the range.
func (m *Mapping) NumPages() int { return m.pages }

// Dom returns the domain the frames belong to.
func (m *Mapping) Dom() DomID { return m.dom }

// Len returns the length of the range in bytes.
func (m *Mapping) Len() int { return m.pages * hostarch.PageSize }

// PageStatus returns the per-page outcome array: one errno per page, 0 on
// success, in frame-list order. It returns nil for mappings created in
// all-or-nothing mode. Callers must not modify the returned slice.
func (m *Mapping) PageStatus() []unix.Errno { return m.status }

// Page returns the bytes of page i. It fails with the page's errno if that
// page failed to map.
func (m *Mapping) Page(i int) ([]byte, error) {
	if i < 0 || i >= m.pages {
		return nil, fmt.Errorf("page %d out of range [0, %d): %w", i, m.pages, unix.EINVAL)
	}
	if m.status != nil && m.status[i] != 0 {
		return nil, m.status[i]
	}
	return m.Slice()[i*hostarch.PageSize : (i+1)*hostarch.PageSize], nil
}

// Map maps frames belonging to dom linearly into the local address space,
// in frame-list order, one page per frame. It is all-or-nothing: if any
// page fails, every page mapped by this call is unwound and the returned
// error wraps ErrAggregateMap around the first observed per-page errno,
// which is not necessarily the most severe.
func (h *Handle) Map(dom DomID, at hostarch.AccessType, frames []Frame) (*Mapping, error) {
	return h.mapPages(0, dom, at, 0, frames, false)
}

// MapAt is Map with a placement hint address and additional mmap-like
// flags. An unsupported hint/flag combination fails with
// ErrUnsupportedPlacement; flags are never silently ignored.
func (h *Handle) MapAt(hint uintptr, dom DomID, at hostarch.AccessType, flags MapFlag, frames []Frame) (*Mapping, error) {
	return h.mapPages(hint, dom, at, flags, frames, false)
}

// MapPartial is Map in per-page mode: the call may partially succeed. A
// non-nil Mapping is returned whenever the attempt was dispatched, even if
// every page failed; per-page outcomes are reported by
// Mapping.PageStatus, and pages that failed are not accessible at their
// offset in the range. When at least one page failed the returned error
// wraps ErrPartialMap; the Mapping is still live and must be unmapped. A
// nil Mapping means the attempt could not be dispatched at all.
func (h *Handle) MapPartial(dom DomID, at hostarch.AccessType, frames []Frame) (*Mapping, error) {
	return h.mapPages(0, dom, at, 0, frames, true)
}

// MapPartialAt is MapPartial with a placement hint and flags, as MapAt.
func (h *Handle) MapPartialAt(hint uintptr, dom DomID, at hostarch.AccessType, flags MapFlag, frames []Frame) (*Mapping, error) {
	return h.mapPages(hint, dom, at, flags, frames, true)
}

func (h *Handle) mapPages(hint uintptr, dom DomID, at hostarch.AccessType, flags MapFlag, frames []Frame, partial bool) (*Mapping, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	if err := h.checkDomain(dom); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("empty frame list: %w", unix.EINVAL)
	}
	if flags&MapFixed != 0 {
		if !hostarch.IsPageAligned(hint) {
			return nil, fmt.Errorf("%w: fixed address %#x is not page aligned", ErrUnsupportedPlacement, hint)
		}
		// Never alias a range this Handle already created.
		if h.overlaps(hint, len(frames)*hostarch.PageSize) {
			return nil, fmt.Errorf("fixed address %#x overlaps a live mapping: %w", hint, unix.EEXIST)
		}
	}

	status := make([]unix.Errno, len(frames))
	addr, err := h.drv.MapPages(dom, hint, at.Prot(), flags, frames, status)
	if err != nil {
		// The attempt could not be dispatched; status is undefined.
		h.logger.Warningf("foreignmem: map %d pages of domain %d: %v", len(frames), dom, err)
		if err == unix.EOPNOTSUPP {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedPlacement, err)
		}
		return nil, fmt.Errorf("mapping %d pages of domain %d: %w", len(frames), dom, err)
	}

	bad, errno := firstFailure(status)
	if partial {
		m := &Mapping{addr: addr, pages: len(frames), dom: dom, at: at, status: status}
		h.mappings[addr] = m
		if errno != 0 {
			h.logger.Debugf("foreignmem: partial map of domain %d: page %d: %v", dom, bad, errno)
			return m, fmt.Errorf("%w: page %d: %w", ErrPartialMap, bad, errno)
		}
		return m, nil
	}
	if errno != 0 {
		// Unwind everything this call mapped.
		if uerr := h.drv.UnmapPages(addr, len(frames)); uerr != nil {
			h.logger.Warningf("foreignmem: unwinding failed map at %#x: %v", addr, uerr)
		}
		h.logger.Warningf("foreignmem: map %d pages of domain %d: page %d: %v", len(frames), dom, bad, errno)
		return nil, fmt.Errorf("%w: page %d: %w", ErrAggregateMap, bad, errno)
	}
	m := &Mapping{addr: addr, pages: len(frames), dom: dom, at: at}
	h.mappings[addr] = m
	return m, nil
}

// Unmap releases a previously created Mapping. It must be called with the
// exact address and page count of one prior map call; anything else fails
// with ErrInvalidMapping.
func (h *Handle) Unmap(addr uintptr, pages int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return err
	}
	m, ok := h.mappings[addr]
	if !ok || m.pages != pages {
		return fmt.Errorf("%w: %#x, %d pages", ErrInvalidMapping, addr, pages)
	}
	if err := h.drv.UnmapPages(addr, pages); err != nil {
		h.logger.Warningf("foreignmem: unmap %#x, %d pages: %v", addr, pages, err)
		return fmt.Errorf("unmapping %#x: %w", addr, err)
	}
	delete(h.mappings, addr)
	return nil
}

// overlaps must be called with mu held.
func (h *Handle) overlaps(addr uintptr, length int) bool {
	end := addr + uintptr(length)
	for base, m := range h.mappings {
		if base < end && addr < base+uintptr(m.Len()) {
			return true
		}
	}
	for r := range h.resources {
		if r.addr < end && addr < r.addr+uintptr(r.size) {
			return true
		}
	}
	return false
}

// firstFailure returns the index and errno of the first failed page, or
// (0, 0) if every page succeeded.
func firstFailure(status []unix.Errno) (int, unix.Errno) {
	for i, e := range status {
		if e != 0 {
			return i, e
		}
	}
	return 0, 0
}
