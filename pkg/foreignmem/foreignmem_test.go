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

package foreignmem_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"fmem.dev/fmem/pkg/foreignmem"
	"fmem.dev/fmem/pkg/foreignmem/hostmem"
	"fmem.dev/fmem/pkg/hostarch"
	"fmem.dev/fmem/pkg/log"
	"fmem.dev/fmem/pkg/memutil"
)

const (
	dom1 foreignmem.DomID = 1
	dom2 foreignmem.DomID = 2

	domFrames = 64
)

// newTestHandle opens a Handle over a hostmem backend seeded with dom1
// and dom2. setup may inject failures before the Handle is opened.
func newTestHandle(t *testing.T, setup func(*hostmem.Driver)) (*foreignmem.Handle, *hostmem.Driver) {
	t.Helper()
	drv, err := hostmem.New(nil)
	if err != nil {
		t.Fatalf("hostmem.New: %v", err)
	}
	for _, dom := range []foreignmem.DomID{dom1, dom2} {
		if err := drv.AddDomain(dom, domFrames); err != nil {
			t.Fatalf("AddDomain(%d): %v", dom, err)
		}
	}
	if setup != nil {
		setup(drv)
	}
	logger := &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}}
	h, err := foreignmem.OpenDriver(drv, logger, 0)
	if err != nil {
		t.Fatalf("OpenDriver: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h, drv
}

// frameStamp returns the frame number a mapped page came from; hostmem
// stamps it into the first 8 bytes of every frame.
func frameStamp(page []byte) foreignmem.Frame {
	return foreignmem.Frame(binary.LittleEndian.Uint64(page))
}

func TestOpenBadFlags(t *testing.T) {
	drv, err := hostmem.New(nil)
	if err != nil {
		t.Fatalf("hostmem.New: %v", err)
	}
	defer drv.Close()
	if _, err := foreignmem.OpenDriver(drv, nil, 1); !errors.Is(err, foreignmem.ErrOpenFailure) {
		t.Errorf("OpenDriver with flags 1: got %v, want ErrOpenFailure", err)
	}
	// Open validates flags before constructing any driver, so a doomed
	// call never touches the backend.
	if _, err := foreignmem.Open(nil, 1); !errors.Is(err, foreignmem.ErrOpenFailure) || !errors.Is(err, unix.EINVAL) {
		t.Errorf("Open with flags 1: got %v, want ErrOpenFailure wrapping EINVAL", err)
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	h, _ := newTestHandle(t, nil)
	frames := []foreignmem.Frame{10, 11, 12, 13}
	m, err := h.Map(dom1, hostarch.ReadWrite, frames)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got, want := m.NumPages(), 4; got != want {
		t.Errorf("NumPages: got %d, want %d", got, want)
	}
	if got, want := m.Dom(), dom1; got != want {
		t.Errorf("Dom: got %d, want %d", got, want)
	}
	if got, want := h.NumMappings(), 1; got != want {
		t.Errorf("NumMappings after map: got %d, want %d", got, want)
	}
	for i, frame := range frames {
		page, err := m.Page(i)
		if err != nil {
			t.Fatalf("Page(%d): %v", i, err)
		}
		if got := frameStamp(page); got != frame {
			t.Errorf("page %d backed by frame %d, want %d", i, got, frame)
		}
		// The range is writable.
		page[hostarch.PageSize-1] = 0x5a
	}
	if err := h.Unmap(m.Addr(), m.NumPages()); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got, want := h.NumMappings(), 0; got != want {
		t.Errorf("NumMappings after unmap: got %d, want %d", got, want)
	}
}

func TestMapPreservesFrameOrder(t *testing.T) {
	h, _ := newTestHandle(t, nil)
	frames := []foreignmem.Frame{13, 10, 12}
	m, err := h.Map(dom1, hostarch.Read, frames)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer h.Unmap(m.Addr(), m.NumPages())
	for i, frame := range frames {
		page, err := m.Page(i)
		if err != nil {
			t.Fatalf("Page(%d): %v", i, err)
		}
		if got := frameStamp(page); got != frame {
			t.Errorf("page %d backed by frame %d, want %d", i, got, frame)
		}
	}
}

func TestMapPartialAllSuccess(t *testing.T) {
	h, _ := newTestHandle(t, nil)
	m, err := h.MapPartial(dom1, hostarch.Read, []foreignmem.Frame{1, 2, 3})
	if err != nil {
		t.Fatalf("MapPartial: %v", err)
	}
	defer h.Unmap(m.Addr(), m.NumPages())
	if diff := cmp.Diff(make([]unix.Errno, 3), m.PageStatus()); diff != "" {
		t.Errorf("PageStatus mismatch (-want +got):\n%s", diff)
	}
	if got, want := len(m.Slice()), 3*hostarch.PageSize; got != want {
		t.Errorf("Slice length: got %d, want %d", got, want)
	}
}

func TestMapPartialHole(t *testing.T) {
	h, _ := newTestHandle(t, func(drv *hostmem.Driver) {
		if err := drv.DenyFrame(dom1, 12, unix.EPERM); err != nil {
			t.Fatalf("DenyFrame: %v", err)
		}
	})
	m, err := h.MapPartial(dom1, hostarch.Read, []foreignmem.Frame{10, 11, 12})
	if !errors.Is(err, foreignmem.ErrPartialMap) {
		t.Fatalf("MapPartial: got error %v, want ErrPartialMap", err)
	}
	if m == nil {
		t.Fatalf("MapPartial returned nil Mapping for a dispatched attempt")
	}
	if diff := cmp.Diff([]unix.Errno{0, 0, unix.EPERM}, m.PageStatus()); diff != "" {
		t.Errorf("PageStatus mismatch (-want +got):\n%s", diff)
	}
	for i, frame := range []foreignmem.Frame{10, 11} {
		page, err := m.Page(i)
		if err != nil {
			t.Fatalf("Page(%d): %v", i, err)
		}
		if got := frameStamp(page); got != frame {
			t.Errorf("page %d backed by frame %d, want %d", i, got, frame)
		}
	}
	if _, err := m.Page(2); err != unix.EPERM {
		t.Errorf("Page(2): got %v, want EPERM", err)
	}
	// No rollback: the mapping is live and must be unmapped normally.
	if got, want := h.NumMappings(), 1; got != want {
		t.Errorf("NumMappings: got %d, want %d", got, want)
	}
	if err := h.Unmap(m.Addr(), m.NumPages()); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestMapAggregateRollback(t *testing.T) {
	h, _ := newTestHandle(t, func(drv *hostmem.Driver) {
		if err := drv.DenyFrame(dom1, 11, unix.EPERM); err != nil {
			t.Fatalf("DenyFrame: %v", err)
		}
	})
	m, err := h.Map(dom1, hostarch.Read, []foreignmem.Frame{10, 11, 12})
	if !errors.Is(err, foreignmem.ErrAggregateMap) {
		t.Fatalf("Map: got error %v, want ErrAggregateMap", err)
	}
	if !errors.Is(err, unix.EPERM) {
		t.Errorf("Map: error %v does not carry the first page errno EPERM", err)
	}
	if m != nil {
		t.Errorf("Map returned a Mapping alongside ErrAggregateMap")
	}
	if got, want := h.NumMappings(), 0; got != want {
		t.Errorf("NumMappings after rollback: got %d, want %d", got, want)
	}
}

func TestMapDeniedProt(t *testing.T) {
	h, _ := newTestHandle(t, func(drv *hostmem.Driver) {
		if err := drv.SetMaxProt(dom2, hostarch.Read); err != nil {
			t.Fatalf("SetMaxProt: %v", err)
		}
	})
	if _, err := h.Map(dom2, hostarch.ReadWrite, []foreignmem.Frame{0}); !errors.Is(err, unix.EACCES) {
		t.Errorf("Map rw of read-only domain: got %v, want EACCES", err)
	}
	m, err := h.Map(dom2, hostarch.Read, []foreignmem.Frame{0})
	if err != nil {
		t.Fatalf("Map ro of read-only domain: %v", err)
	}
	h.Unmap(m.Addr(), m.NumPages())
}

func TestUnmapMismatch(t *testing.T) {
	h, _ := newTestHandle(t, nil)
	m, err := h.Map(dom1, hostarch.Read, []foreignmem.Frame{1, 2})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := h.Unmap(m.Addr(), 1); !errors.Is(err, foreignmem.ErrInvalidMapping) {
		t.Errorf("Unmap with wrong page count: got %v, want ErrInvalidMapping", err)
	}
	if err := h.Unmap(m.Addr()+hostarch.PageSize, 2); !errors.Is(err, foreignmem.ErrInvalidMapping) {
		t.Errorf("Unmap with wrong address: got %v, want ErrInvalidMapping", err)
	}
	if err := h.Unmap(m.Addr(), m.NumPages()); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := h.Unmap(m.Addr(), m.NumPages()); !errors.Is(err, foreignmem.ErrInvalidMapping) {
		t.Errorf("double Unmap: got %v, want ErrInvalidMapping", err)
	}
}

func TestMapLockedUnsupported(t *testing.T) {
	h, _ := newTestHandle(t, nil)
	if _, err := h.MapAt(0, dom1, hostarch.Read, foreignmem.MapLocked, []foreignmem.Frame{0}); !errors.Is(err, foreignmem.ErrUnsupportedPlacement) {
		t.Errorf("MapAt with MapLocked: got %v, want ErrUnsupportedPlacement", err)
	}
}

func TestMapFixedOverlapRejected(t *testing.T) {
	h, _ := newTestHandle(t, nil)
	m, err := h.Map(dom1, hostarch.Read, []foreignmem.Frame{0})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer h.Unmap(m.Addr(), m.NumPages())
	if _, err := h.MapAt(m.Addr(), dom1, hostarch.Read, foreignmem.MapFixed, []foreignmem.Frame{1}); !errors.Is(err, unix.EEXIST) {
		t.Errorf("MapAt over a live mapping: got %v, want EEXIST", err)
	}
}

func TestMapFixedPlacement(t *testing.T) {
	h, _ := newTestHandle(t, nil)
	// Find a free range by reserving and releasing one. Nothing else in
	// this process will take it between the unmap and the MapAt.
	probe, err := memutil.MapFile(0, hostarch.PageSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, 0, 0)
	if err != nil {
		t.Fatalf("reserving probe range: %v", err)
	}
	if err := memutil.Unmap(probe, hostarch.PageSize); err != nil {
		t.Fatalf("releasing probe range: %v", err)
	}
	m, err := h.MapAt(probe, dom1, hostarch.Read, foreignmem.MapFixed, []foreignmem.Frame{3})
	if err != nil {
		t.Fatalf("MapAt(%#x): %v", probe, err)
	}
	defer h.Unmap(m.Addr(), m.NumPages())
	if m.Addr() != probe {
		t.Errorf("fixed mapping landed at %#x, want %#x", m.Addr(), probe)
	}
	if got := frameStamp(m.Slice()); got != 3 {
		t.Errorf("fixed mapping backed by frame %d, want 3", got)
	}
}

func TestRestrict(t *testing.T) {
	h, _ := newTestHandle(t, func(drv *hostmem.Driver) {
		if err := drv.AddResource(dom2, 1, 0, []foreignmem.Frame{4}); err != nil {
			t.Fatalf("AddResource: %v", err)
		}
	})
	if err := h.Restrict(dom1); err != nil {
		t.Fatalf("Restrict: %v", err)
	}
	if _, err := h.Map(dom2, hostarch.Read, []foreignmem.Frame{0}); !errors.Is(err, foreignmem.ErrDomainMismatch) {
		t.Errorf("Map of other domain: got %v, want ErrDomainMismatch", err)
	}
	if _, err := h.ResourceSize(dom2, 1, 0); !errors.Is(err, foreignmem.ErrDomainMismatch) {
		t.Errorf("ResourceSize of other domain: got %v, want ErrDomainMismatch", err)
	}
	m, err := h.Map(dom1, hostarch.Read, []foreignmem.Frame{0})
	if err != nil {
		t.Fatalf("Map of restricted domain: %v", err)
	}
	h.Unmap(m.Addr(), m.NumPages())

	// Re-restricting to the same domain is a no-op; to another domain it
	// fails.
	if err := h.Restrict(dom1); err != nil {
		t.Errorf("Restrict to same domain: %v", err)
	}
	if err := h.Restrict(dom2); !errors.Is(err, foreignmem.ErrDomainMismatch) {
		t.Errorf("Restrict to other domain: got %v, want ErrDomainMismatch", err)
	}
}

func TestCloseTwice(t *testing.T) {
	drv, err := hostmem.New(nil)
	if err != nil {
		t.Fatalf("hostmem.New: %v", err)
	}
	h, err := foreignmem.OpenDriver(drv, nil, 0)
	if err != nil {
		t.Fatalf("OpenDriver: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); !errors.Is(err, foreignmem.ErrInvalidHandle) {
		t.Errorf("second Close: got %v, want ErrInvalidHandle", err)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	h, _ := newTestHandle(t, nil)
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.Map(dom1, hostarch.Read, []foreignmem.Frame{0}); !errors.Is(err, foreignmem.ErrInvalidHandle) {
		t.Errorf("Map after Close: got %v, want ErrInvalidHandle", err)
	}
	if err := h.Unmap(0, 1); !errors.Is(err, foreignmem.ErrInvalidHandle) {
		t.Errorf("Unmap after Close: got %v, want ErrInvalidHandle", err)
	}
	if err := h.Restrict(dom1); !errors.Is(err, foreignmem.ErrInvalidHandle) {
		t.Errorf("Restrict after Close: got %v, want ErrInvalidHandle", err)
	}
	if _, err := h.ResourceSize(dom1, 1, 0); !errors.Is(err, foreignmem.ErrInvalidHandle) {
		t.Errorf("ResourceSize after Close: got %v, want ErrInvalidHandle", err)
	}
}

func TestResourceRoundTrip(t *testing.T) {
	resFrames := []foreignmem.Frame{20, 21, 22}
	h, _ := newTestHandle(t, func(drv *hostmem.Driver) {
		if err := drv.AddResource(dom1, 2, 7, resFrames); err != nil {
			t.Fatalf("AddResource: %v", err)
		}
	})
	size, err := h.ResourceSize(dom1, 2, 7)
	if err != nil {
		t.Fatalf("ResourceSize: %v", err)
	}
	if want := uint64(len(resFrames)) * hostarch.PageSize; size != want {
		t.Fatalf("ResourceSize: got %d, want %d", size, want)
	}
	// Map exactly the frames needed to cover the reported size.
	r, err := h.MapResource(dom1, 2, 7, 0, size/hostarch.PageSize, 0, hostarch.Read, 0)
	if err != nil {
		t.Fatalf("MapResource: %v", err)
	}
	if got, want := r.Key(), (foreignmem.ResourceKey{Dom: dom1, Type: 2, ID: 7}); got != want {
		t.Errorf("Key: got %v, want %v", got, want)
	}
	if r.Size() != size {
		t.Errorf("Size: got %d, want %d", r.Size(), size)
	}
	for i, frame := range resFrames {
		if got := frameStamp(r.Slice()[i*hostarch.PageSize:]); got != frame {
			t.Errorf("resource page %d backed by frame %d, want %d", i, got, frame)
		}
	}
	if err := h.UnmapResource(r); err != nil {
		t.Fatalf("UnmapResource: %v", err)
	}
	if err := h.UnmapResource(r); !errors.Is(err, foreignmem.ErrInvalidResource) {
		t.Errorf("double UnmapResource: got %v, want ErrInvalidResource", err)
	}
}

func TestResourceSubRange(t *testing.T) {
	resFrames := []foreignmem.Frame{30, 31, 32, 33}
	h, _ := newTestHandle(t, func(drv *hostmem.Driver) {
		if err := drv.AddResource(dom1, 2, 1, resFrames); err != nil {
			t.Fatalf("AddResource: %v", err)
		}
	})
	r, err := h.MapResource(dom1, 2, 1, 1, 2, 0, hostarch.Read, 0)
	if err != nil {
		t.Fatalf("MapResource: %v", err)
	}
	defer h.UnmapResource(r)
	if got := frameStamp(r.Slice()); got != 31 {
		t.Errorf("sub-range starts at frame %d, want 31", got)
	}
	// A range beyond the resource fails entirely.
	if _, err := h.MapResource(dom1, 2, 1, 3, 2, 0, hostarch.Read, 0); !errors.Is(err, unix.EINVAL) {
		t.Errorf("MapResource beyond resource: got %v, want EINVAL", err)
	}
}

func TestUnknownResource(t *testing.T) {
	h, _ := newTestHandle(t, nil)
	if _, err := h.ResourceSize(dom1, 9, 9); !errors.Is(err, foreignmem.ErrUnknownResource) {
		t.Errorf("ResourceSize: got %v, want ErrUnknownResource", err)
	}
	if _, err := h.MapResource(dom1, 9, 9, 0, 1, 0, hostarch.Read, 0); !errors.Is(err, foreignmem.ErrUnknownResource) {
		t.Errorf("MapResource: got %v, want ErrUnknownResource", err)
	}
}

func TestResourceAtomicOnDenial(t *testing.T) {
	h, _ := newTestHandle(t, func(drv *hostmem.Driver) {
		if err := drv.AddResource(dom1, 3, 0, []foreignmem.Frame{40, 41}); err != nil {
			t.Fatalf("AddResource: %v", err)
		}
		if err := drv.DenyFrame(dom1, 41, unix.EPERM); err != nil {
			t.Fatalf("DenyFrame: %v", err)
		}
	})
	if _, err := h.MapResource(dom1, 3, 0, 0, 2, 0, hostarch.Read, 0); !errors.Is(err, unix.EPERM) {
		t.Fatalf("MapResource with denied frame: got %v, want EPERM", err)
	}
	if got, want := h.NumMappings(), 0; got != want {
		t.Errorf("NumMappings after failed resource map: got %d, want %d", got, want)
	}
}

func TestInheritedHandle(t *testing.T) {
	drv, err := hostmem.New(nil)
	if err != nil {
		t.Fatalf("hostmem.New: %v", err)
	}
	h := foreignmem.Inherit(drv, nil)
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); !errors.Is(err, foreignmem.ErrInvalidHandle) {
		t.Errorf("second Close: got %v, want ErrInvalidHandle", err)
	}
}
