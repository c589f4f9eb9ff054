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

package devfmem

import (
	"runtime"
	"unsafe"

	"fmem.dev/fmem/pkg/foreignmem"
	"golang.org/x/exp/constraints"
	"golang.org/x/sys/unix"
)

// ioctlInvoke makes an ioctl syscall with the arg of the integer type.
func ioctlInvoke[Cmd, Arg constraints.Integer](hostFd int32, cmd Cmd, arg Arg) (uintptr, error) {
	n, _, errno := unix.RawSyscall(unix.SYS_IOCTL, uintptr(hostFd), uintptr(cmd), uintptr(arg))
	if errno != 0 {
		return n, errno
	}
	return n, nil
}

// ioctlInvokePtrArg makes an ioctl syscall with a pointer to the given
// params struct.
func ioctlInvokePtrArg[Cmd constraints.Integer, Params any](hostFd int32, cmd Cmd, params *Params) (uintptr, error) {
	return ioctlInvoke[Cmd, uintptr](hostFd, cmd, uintptr(unsafe.Pointer(params)))
}

// fmemMapBatch mirrors struct fmem_map_batch of the device uapi. The
// kernel reads count frame numbers from frames and writes one errno per
// page to status.
type fmemMapBatch struct {
	dom    uint32
	pad    uint32
	addr   uint64
	count  uint64
	frames uint64
	status uint64
}

// fmemResourceSize mirrors struct fmem_resource_size. size is written by
// the kernel.
type fmemResourceSize struct {
	dom  uint32
	typ  uint32
	id   uint32
	pad  uint32
	size uint64
}

// fmemMapResource mirrors struct fmem_map_resource.
type fmemMapResource struct {
	dom      uint32
	typ      uint32
	id       uint32
	pad      uint32
	frame    uint64
	nrFrames uint64
	addr     uint64
}

func (d *Driver) mapBatch(dom foreignmem.DomID, addr uintptr, frames []foreignmem.Frame, status []unix.Errno) error {
	// The uapi speaks 32-bit errnos; unix.Errno is word sized.
	rawStatus := make([]int32, len(frames))
	batch := fmemMapBatch{
		dom:    uint32(dom),
		addr:   uint64(addr),
		count:  uint64(len(frames)),
		frames: uint64(uintptr(unsafe.Pointer(unsafe.SliceData(frames)))),
		status: uint64(uintptr(unsafe.Pointer(unsafe.SliceData(rawStatus)))),
	}
	_, err := ioctlInvokePtrArg(int32(d.file.FD()), uint32(_FMEM_MAPBATCH), &batch)
	runtime.KeepAlive(frames)
	runtime.KeepAlive(rawStatus)
	if err != nil {
		return err
	}
	for i, e := range rawStatus {
		status[i] = unix.Errno(e)
	}
	return nil
}

func (d *Driver) mapResource(dom foreignmem.DomID, typ foreignmem.ResourceType, id uint32, frame, nrFrames uint64, addr uintptr) error {
	req := fmemMapResource{
		dom:      uint32(dom),
		typ:      uint32(typ),
		id:       id,
		frame:    frame,
		nrFrames: nrFrames,
		addr:     uint64(addr),
	}
	_, err := ioctlInvokePtrArg(int32(d.file.FD()), uint32(_FMEM_MAP_RESOURCE), &req)
	return err
}

// ResourceSize implements foreignmem.Driver.ResourceSize.
func (d *Driver) ResourceSize(dom foreignmem.DomID, typ foreignmem.ResourceType, id uint32) (uint64, error) {
	req := fmemResourceSize{
		dom: uint32(dom),
		typ: uint32(typ),
		id:  id,
	}
	if _, err := ioctlInvokePtrArg(int32(d.file.FD()), uint32(_FMEM_RESOURCE_SIZE), &req); err != nil {
		return 0, err
	}
	return req.size, nil
}
