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

package hostmem

import (
	"bufio"
	"fmt"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"fmem.dev/fmem/pkg/foreignmem"
	"fmem.dev/fmem/pkg/hostarch"
)

const testDom foreignmem.DomID = 1

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	d, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.AddDomain(testDom, 16); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// protectionAt parses /proc/self/maps and returns the permission string of
// the region containing addr.
func protectionAt(t *testing.T, addr uintptr) string {
	t.Helper()
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		t.Fatalf("opening /proc/self/maps: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var start, end uintptr
		var perms string
		if _, err := fmt.Sscanf(scanner.Text(), "%x-%x %4s", &start, &end, &perms); err != nil {
			continue
		}
		if start <= addr && addr < end {
			return perms
		}
	}
	t.Fatalf("address %#x not found in /proc/self/maps", addr)
	return ""
}

func mapOne(t *testing.T, d *Driver, frame foreignmem.Frame, prot int) uintptr {
	t.Helper()
	status := make([]unix.Errno, 1)
	addr, err := d.MapPages(testDom, 0, prot, 0, []foreignmem.Frame{frame}, status)
	if err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	if status[0] != 0 {
		t.Fatalf("MapPages status: %v", status[0])
	}
	return addr
}

func TestUnmapRestoresFaultSurface(t *testing.T) {
	d := newTestDriver(t)
	addr := mapOne(t, d, 0, unix.PROT_READ)
	if got := protectionAt(t, addr); got != "r--s" {
		t.Errorf("mapped page protection: got %q, want %q", got, "r--s")
	}
	if err := d.UnmapPages(addr, 1); err != nil {
		t.Fatalf("UnmapPages: %v", err)
	}
	// The range went back to the PROT_NONE reservation rather than
	// disappearing, so a stale pointer faults instead of aliasing
	// whatever maps there next.
	if got := protectionAt(t, addr); got != "---p" {
		t.Errorf("unmapped page protection: got %q, want %q", got, "---p")
	}
}

func TestFrameStamp(t *testing.T) {
	d := newTestDriver(t)
	status := make([]unix.Errno, 2)
	addr, err := d.MapPages(testDom, 0, unix.PROT_READ, 0, []foreignmem.Frame{5, 3}, status)
	if err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	defer d.UnmapPages(addr, 2)
	for i, want := range []byte{5, 3} {
		got := *(*byte)(pagePtr(addr, i))
		if got != want {
			t.Errorf("page %d stamp: got %d, want %d", i, got, want)
		}
	}
}

func TestDenyFrame(t *testing.T) {
	d := newTestDriver(t)
	if err := d.DenyFrame(testDom, 2, unix.EPERM); err != nil {
		t.Fatalf("DenyFrame: %v", err)
	}
	status := make([]unix.Errno, 3)
	addr, err := d.MapPages(testDom, 0, unix.PROT_READ, 0, []foreignmem.Frame{1, 2, 3}, status)
	if err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	defer d.UnmapPages(addr, 3)
	want := []unix.Errno{0, unix.EPERM, 0}
	for i := range want {
		if status[i] != want[i] {
			t.Errorf("status[%d]: got %v, want %v", i, status[i], want[i])
		}
	}
	// The denied page stays on the PROT_NONE reservation.
	if got := protectionAt(t, addr+hostarch.PageSize); got != "---p" {
		t.Errorf("denied page protection: got %q, want %q", got, "---p")
	}
}

func TestFixedArenaNotClobbered(t *testing.T) {
	d := newTestDriver(t)
	status := make([]unix.Errno, 1)
	fixedAddr := d.arena + 10*hostarch.PageSize
	addr, err := d.MapPages(testDom, fixedAddr, unix.PROT_READ, foreignmem.MapFixed, []foreignmem.Frame{7}, status)
	if err != nil {
		t.Fatalf("MapPages fixed: %v", err)
	}
	if status[0] != 0 {
		t.Fatalf("MapPages fixed status: %v", status[0])
	}
	if addr != fixedAddr {
		t.Fatalf("fixed mapping landed at %#x, want %#x", addr, fixedAddr)
	}
	// A bump allocation reaching the fixed range must step over it, not
	// hand out the same addresses.
	frames := make([]foreignmem.Frame, 15)
	bumpStatus := make([]unix.Errno, len(frames))
	bumpAddr, err := d.MapPages(testDom, 0, unix.PROT_READ, 0, frames, bumpStatus)
	if err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	defer d.UnmapPages(bumpAddr, len(frames))
	bumpEnd := bumpAddr + uintptr(len(frames))*hostarch.PageSize
	if bumpAddr < addr+hostarch.PageSize && addr < bumpEnd {
		t.Errorf("bump allocation [%#x, %#x) overlaps fixed mapping at %#x", bumpAddr, bumpEnd, addr)
	}
	if got := *(*byte)(pagePtr(addr, 0)); got != 7 {
		t.Errorf("fixed page stamp after bump map: got %d, want 7", got)
	}
	// Claiming the same fixed range again is refused.
	if _, err := d.MapPages(testDom, fixedAddr, unix.PROT_READ, foreignmem.MapFixed, []foreignmem.Frame{3}, status); err != unix.EEXIST {
		t.Errorf("re-claiming fixed range: got %v, want EEXIST", err)
	}
}

func TestOutOfRangeFrame(t *testing.T) {
	d := newTestDriver(t)
	status := make([]unix.Errno, 1)
	addr, err := d.MapPages(testDom, 0, unix.PROT_READ, 0, []foreignmem.Frame{99}, status)
	if err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	defer d.UnmapPages(addr, 1)
	if status[0] != unix.EINVAL {
		t.Errorf("status[0]: got %v, want EINVAL", status[0])
	}
}

func TestUnknownDomain(t *testing.T) {
	d := newTestDriver(t)
	status := make([]unix.Errno, 1)
	if _, err := d.MapPages(99, 0, unix.PROT_READ, 0, []foreignmem.Frame{0}, status); err != unix.ESRCH {
		t.Errorf("MapPages of unknown domain: got %v, want ESRCH", err)
	}
}

func TestRestrictEnforced(t *testing.T) {
	d := newTestDriver(t)
	if err := d.AddDomain(2, 4); err != nil {
		t.Fatalf("AddDomain: %v", err)
	}
	if err := d.Restrict(testDom); err != nil {
		t.Fatalf("Restrict: %v", err)
	}
	status := make([]unix.Errno, 1)
	if _, err := d.MapPages(2, 0, unix.PROT_READ, 0, []foreignmem.Frame{0}, status); err != unix.EPERM {
		t.Errorf("MapPages of other domain: got %v, want EPERM", err)
	}
	if _, err := d.ResourceSize(2, 1, 0); err != unix.EPERM {
		t.Errorf("ResourceSize of other domain: got %v, want EPERM", err)
	}
	if err := d.Restrict(2); err != unix.EPERM {
		t.Errorf("re-Restrict to other domain: got %v, want EPERM", err)
	}
}

func TestLockedRejected(t *testing.T) {
	d := newTestDriver(t)
	status := make([]unix.Errno, 1)
	if _, err := d.MapPages(testDom, 0, unix.PROT_READ, foreignmem.MapLocked, []foreignmem.Frame{0}, status); err != unix.EOPNOTSUPP {
		t.Errorf("MapPages with MapLocked: got %v, want EOPNOTSUPP", err)
	}
}

func TestCloseLiveMappingsSurvive(t *testing.T) {
	d := newTestDriver(t)
	addr := mapOne(t, d, 4, unix.PROT_READ)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// The VMA keeps the backing file alive past the descriptor.
	if got := *(*byte)(pagePtr(addr, 0)); got != 4 {
		t.Errorf("page stamp after Close: got %d, want 4", got)
	}
	status := make([]unix.Errno, 1)
	if _, err := d.MapPages(testDom, 0, unix.PROT_READ, 0, []foreignmem.Frame{0}, status); err != unix.EBADF {
		t.Errorf("MapPages after Close: got %v, want EBADF", err)
	}
}
