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

//go:build linux

// Package devfmem implements a foreignmem.Driver on the privileged fmem
// device. All permission checks and page-table manipulation happen in the
// kernel; this driver only reserves local address ranges by mmapping the
// device and then asks the kernel to populate them, batch-wise, with one
// errno written back per page.
package devfmem

import (
	"fmt"

	"fmem.dev/fmem/pkg/fd"
	"fmem.dev/fmem/pkg/foreignmem"
	"fmem.dev/fmem/pkg/hostarch"
	"fmem.dev/fmem/pkg/memutil"
	"golang.org/x/sys/unix"
)

// DefaultDevicePath is the path of the fmem device node.
const DefaultDevicePath = "/dev/fmem"

// ioctl numbers of the fmem device uapi.
const (
	_FMEM_MAPBATCH      = 0xc0285f00
	_FMEM_RESTRICT      = 0x40045f01
	_FMEM_RESOURCE_SIZE = 0xc0185f02
	_FMEM_MAP_RESOURCE  = 0xc0305f03
)

func init() {
	foreignmem.RegisterDriver("devfmem", func() (foreignmem.Driver, error) {
		return New(DefaultDevicePath)
	})
}

// Driver implements foreignmem.Driver on the fmem device.
type Driver struct {
	// file is the device. It is opened close-on-exec, so replacing the
	// process image reclaims everything the kernel tracks for it.
	file *fd.FD
}

var _ foreignmem.Driver = (*Driver)(nil)

// New opens the device at path.
func New(path string) (*Driver, error) {
	file, err := fd.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Driver{file: file}, nil
}

// FromFD wraps an already-open device descriptor, taking ownership of it.
// This is the child side of a descriptor donation: a parent passes
// DeviceFD through cmd.ExtraFiles and the child wraps the inherited
// number. The result must only be used through foreignmem.Inherit.
func FromFD(fdno int) (*Driver, error) {
	if fdno < 0 {
		return nil, unix.EBADF
	}
	return &Driver{file: fd.New(fdno)}, nil
}

// DeviceFD returns the device descriptor for donation to a child process.
// The Driver retains ownership.
func (d *Driver) DeviceFD() int {
	return d.file.FD()
}

// MapPages implements foreignmem.Driver.MapPages. The local range is
// reserved by mmapping the device; the batch ioctl then populates it with
// the requested frames and records one errno per page.
func (d *Driver) MapPages(dom foreignmem.DomID, addr uintptr, prot int, flags foreignmem.MapFlag, frames []foreignmem.Frame, status []unix.Errno) (uintptr, error) {
	sysFlags, err := mapFlags(flags)
	if err != nil {
		return 0, err
	}
	length := uintptr(len(frames)) * hostarch.PageSize
	base, merr := memutil.MapFile(addr, length, uintptr(prot), uintptr(sysFlags), uintptr(d.file.FD()), 0)
	if merr != nil {
		return 0, merr.(unix.Errno)
	}
	if err := d.mapBatch(dom, base, frames, status); err != nil {
		memutil.Unmap(base, length)
		return 0, err
	}
	return base, nil
}

// UnmapPages implements foreignmem.Driver.UnmapPages. The kernel drops its
// bookkeeping for the range when the VMA goes away.
func (d *Driver) UnmapPages(addr uintptr, pages int) error {
	return memutil.Unmap(addr, uintptr(pages)*hostarch.PageSize)
}

// Restrict implements foreignmem.Driver.Restrict.
func (d *Driver) Restrict(dom foreignmem.DomID) error {
	_, err := ioctlInvoke(int32(d.file.FD()), uint32(_FMEM_RESTRICT), uintptr(dom))
	return err
}

// MapResource implements foreignmem.Driver.MapResource.
func (d *Driver) MapResource(dom foreignmem.DomID, typ foreignmem.ResourceType, id uint32, frame, nrFrames uint64, addr uintptr, prot int, flags foreignmem.MapFlag) (uintptr, error) {
	sysFlags, err := mapFlags(flags)
	if err != nil {
		return 0, err
	}
	length := uintptr(nrFrames) * hostarch.PageSize
	base, merr := memutil.MapFile(addr, length, uintptr(prot), uintptr(sysFlags), uintptr(d.file.FD()), 0)
	if merr != nil {
		return 0, merr.(unix.Errno)
	}
	if err := d.mapResource(dom, typ, id, frame, nrFrames, base); err != nil {
		memutil.Unmap(base, length)
		return 0, err
	}
	return base, nil
}

// UnmapResource implements foreignmem.Driver.UnmapResource.
func (d *Driver) UnmapResource(addr uintptr, nrFrames uint64) error {
	return memutil.Unmap(addr, uintptr(nrFrames)*hostarch.PageSize)
}

// Close implements foreignmem.Driver.Close.
func (d *Driver) Close() error {
	return d.file.Close()
}

// mapFlags translates MapFlag bits to mmap flags, refusing anything it
// does not understand rather than dropping it.
func mapFlags(flags foreignmem.MapFlag) (int, error) {
	if flags&^(foreignmem.MapFixed|foreignmem.MapPopulate|foreignmem.MapLocked) != 0 {
		return 0, unix.EOPNOTSUPP
	}
	sysFlags := unix.MAP_SHARED
	if flags&foreignmem.MapFixed != 0 {
		sysFlags |= unix.MAP_FIXED_NOREPLACE
	}
	if flags&foreignmem.MapPopulate != 0 {
		sysFlags |= unix.MAP_POPULATE
	}
	if flags&foreignmem.MapLocked != 0 {
		sysFlags |= unix.MAP_LOCKED
	}
	return sysFlags, nil
}
