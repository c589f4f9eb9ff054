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

// ResourceType is a backend-defined resource class.
type ResourceType uint32

// ResourceKey names a backend resource: a typed, sized object belonging to
// a domain, distinct from an arbitrary page list.
type ResourceKey struct {
	Dom  DomID
	Type ResourceType
	ID   uint32
}

// String implements fmt.Stringer.
func (k ResourceKey) String() string {
	return fmt.Sprintf("dom %d type %d id %d", k.Dom, k.Type, k.ID)
}

// Resource is a mapped backend resource. It is owned independently of any
// Mapping and must be destroyed by UnmapResource on the Handle that
// created it.
type Resource struct {
	key      ResourceKey
	addr     uintptr
	frame    uint64
	nrFrames uint64
	size     uint64
}

// Key returns the key the Resource was mapped under.
func (r *Resource) Key() ResourceKey { return r.key }

// Addr returns the base address the backend chose for the mapping.
func (r *Resource) Addr() uintptr { return r.addr }

// Frame returns the base frame index within the resource.
func (r *Resource) Frame() uint64 { return r.frame }

// NumFrames returns the number of mapped frames.
func (r *Resource) NumFrames() uint64 { return r.nrFrames }

// Size returns the length of the mapped range in bytes.
func (r *Resource) Size() uint64 { return r.size }

// ResourceSize reports the size in bytes of the named resource without
// mapping it, so callers can size out-parameters before MapResource. An
// unrecognized (type, id) pair for dom fails with ErrUnknownResource.
func (h *Handle) ResourceSize(dom DomID, typ ResourceType, id uint32) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	if err := h.checkDomain(dom); err != nil {
		return 0, err
	}
	size, err := h.drv.ResourceSize(dom, typ, id)
	if err != nil {
		h.logger.Debugf("foreignmem: resource size of %v: %v", ResourceKey{dom, typ, id}, err)
		if err == unix.ENOENT {
			return 0, fmt.Errorf("%w: %v", ErrUnknownResource, ResourceKey{dom, typ, id})
		}
		return 0, fmt.Errorf("sizing resource %v: %w", ResourceKey{dom, typ, id}, err)
	}
	return size, nil
}

// MapResource maps nrFrames frames starting at frame within the named
// resource as a single contiguous local range. Unlike the page mapper this
// is atomic: the whole requested range maps or the call fails entirely,
// because a resource is one logical unit. hint 0 means no placement
// preference; the address the backend chose is reported by Resource.Addr.
func (h *Handle) MapResource(dom DomID, typ ResourceType, id uint32, frame, nrFrames uint64, hint uintptr, at hostarch.AccessType, flags MapFlag) (*Resource, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	if err := h.checkDomain(dom); err != nil {
		return nil, err
	}
	key := ResourceKey{dom, typ, id}
	if nrFrames == 0 {
		return nil, fmt.Errorf("mapping resource %v: zero frames: %w", key, unix.EINVAL)
	}
	if flags&MapFixed != 0 {
		if !hostarch.IsPageAligned(hint) {
			return nil, fmt.Errorf("%w: fixed address %#x is not page aligned", ErrUnsupportedPlacement, hint)
		}
		if h.overlaps(hint, int(nrFrames)*hostarch.PageSize) {
			return nil, fmt.Errorf("fixed address %#x overlaps a live mapping: %w", hint, unix.EEXIST)
		}
	}
	addr, err := h.drv.MapResource(dom, typ, id, frame, nrFrames, hint, at.Prot(), flags)
	if err != nil {
		h.logger.Warningf("foreignmem: map resource %v [%d, %d): %v", key, frame, frame+nrFrames, err)
		switch err {
		case unix.ENOENT:
			return nil, fmt.Errorf("%w: %v", ErrUnknownResource, key)
		case unix.EOPNOTSUPP:
			return nil, fmt.Errorf("%w: resource %v", ErrUnsupportedPlacement, key)
		default:
			return nil, fmt.Errorf("mapping resource %v: %w", key, err)
		}
	}
	r := &Resource{
		key:      key,
		addr:     addr,
		frame:    frame,
		nrFrames: nrFrames,
		size:     nrFrames * hostarch.PageSize,
	}
	h.resources[r] = struct{}{}
	return r, nil
}

// UnmapResource releases the mapping and invalidates r. An unknown or
// already-released resource fails with ErrInvalidResource.
func (h *Handle) UnmapResource(r *Resource) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("%w: nil resource", ErrInvalidResource)
	}
	if _, ok := h.resources[r]; !ok {
		return fmt.Errorf("%w: %v", ErrInvalidResource, r.key)
	}
	if err := h.drv.UnmapResource(r.addr, r.nrFrames); err != nil {
		h.logger.Warningf("foreignmem: unmap resource %v at %#x: %v", r.key, r.addr, err)
		return fmt.Errorf("unmapping resource %v: %w", r.key, err)
	}
	delete(h.resources, r)
	return nil
}
